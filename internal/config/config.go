// Package config loads the aiocore command's YAML settings.
package config

import (
	c "aiocore/internal"
	"aiocore/internal/watch"

	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

type Log struct {
	Level  string `yaml:"level"`
	Source bool   `yaml:"source"`
}

type Workers struct {
	// 0 means GOMAXPROCS
	Size  int `yaml:"size"`
	Depth int `yaml:"depth"`
}

type Ring struct {
	Enabled bool `yaml:"enabled"`
	// -1 leaves the ring thread unpinned
	CPU int `yaml:"cpu"`
}

type Copy struct {
	Chunk  int  `yaml:"chunk"`
	Native bool `yaml:"native"`
	Verify bool `yaml:"verify"`
	Sync   bool `yaml:"sync"`
}

type Watch struct {
	Queue     int      `yaml:"queue"`
	Recursive bool     `yaml:"recursive"`
	Events    []string `yaml:"events"`
}

type Config struct {
	Log     Log     `yaml:"log"`
	Workers Workers `yaml:"workers"`
	Ring    Ring    `yaml:"ring"`
	Copy    Copy    `yaml:"copy"`
	Watch   Watch   `yaml:"watch"`
}

func Default() Config {
	return Config{
		Log:  Log{Level: "info"},
		Ring: Ring{CPU: -1},
		Copy: Copy{
			Chunk:  1 << 20,
			Native: true,
			Verify: true,
			Sync:   true,
		},
		Watch: Watch{
			Queue:  c.WATCH_QUEUE_CAP,
			Events: []string{"create", "modify", "delete"},
		},
	}
}

// Load reads path over the defaults. An empty path gives the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Default(), err
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Default(), err
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Default(), fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return cfg, cfg.Validate()
}

func (cfg Config) Validate() error {
	var errs []error
	if _, err := cfg.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Workers.Size < 0 || cfg.Workers.Depth < 0 {
		errs = append(errs, fmt.Errorf("%w: workers must not be negative", ErrInvalid))
	}
	if cfg.Ring.CPU < -1 {
		errs = append(errs, fmt.Errorf("%w: ring.cpu %d", ErrInvalid, cfg.Ring.CPU))
	}
	if cfg.Copy.Chunk <= 0 {
		errs = append(errs, fmt.Errorf("%w: copy.chunk %d", ErrInvalid, cfg.Copy.Chunk))
	}
	if cfg.Watch.Queue <= 0 {
		errs = append(errs, fmt.Errorf("%w: watch.queue %d", ErrInvalid, cfg.Watch.Queue))
	}
	if _, err := cfg.Watch.Mask(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log.level %q", ErrInvalid, l.Level)
	}
	return lvl, nil
}

func (w Watch) Mask() (watch.Kind, error) {
	var m watch.Kind
	for _, e := range w.Events {
		switch strings.ToLower(e) {
		case "create":
			m |= watch.Create
		case "modify":
			m |= watch.Modify
		case "delete":
			m |= watch.Delete
		default:
			return 0, fmt.Errorf("%w: watch event %q", ErrInvalid, e)
		}
	}
	if m == 0 {
		return 0, fmt.Errorf("%w: watch.events is empty", ErrInvalid)
	}
	return m, nil
}

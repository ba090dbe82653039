//go:build linux

package main

import (
	"aiocore/internal/buffer"
	"aiocore/internal/channel"
	"aiocore/internal/config"
	"aiocore/internal/dispatch"
	"aiocore/internal/iomgr"
	"aiocore/internal/util"
	"aiocore/internal/watch"
	"aiocore/internal/workpool"

	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cespare/xxhash"
	"github.com/lmittmann/tint"
	"golang.org/x/sys/unix"
)

// buffers cycled by copy, so reads of one chunk overlap writes of the last
const COPY_WINDOW = 4

func usage() {
	fmt.Fprintf(os.Stderr, `usage: aiocore [-config FILE] COMMAND ARGS

commands:
  copy SRC DST        copy a file through the dispatcher and verify it
  watch DIR           print change batches for DIR until interrupted
  map FILE OFF LEN    map a file region and dump it
`)
	flag.PrintDefaults()
}

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	lvl, _ := cfg.Log.SlogLevel()
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
		AddSource:  cfg.Log.Source,
	})))

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case args[0] == "copy" && len(args) == 3:
		err = copyFile(cfg, args[1], args[2])
	case args[0] == "watch" && len(args) == 2:
		err = watchDir(ctx, cfg, args[1])
	case args[0] == "map" && len(args) == 4:
		err = dumpRegion(args[1], args[2], args[3])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error(args[0], "err", err)
		os.Exit(1)
	}
}

func copyFile(cfg config.Config, src, dst string) error {
	log := slog.With("src", "copy")

	var opts []channel.Option
	if cfg.Ring.Enabled {
		ring, err := iomgr.New(iomgr.WithCPU(cfg.Ring.CPU))
		if err != nil {
			log.Warn("io_uring unavailable, using pread/pwrite", "err", err)
		} else {
			defer ring.Close()
			defer func() { log.Debug("ring", "stats", ring.Stats()) }()
			opts = append(opts, channel.WithRing(ring))
		}
	}

	in, err := channel.OpenFile(src, unix.O_RDONLY, 0, opts...)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := channel.OpenFile(dst, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644, opts...)
	if err != nil {
		return err
	}
	defer out.Close()

	size, err := in.Size()
	if err != nil {
		return err
	}

	pool := workpool.New(cfg.Workers.Size, cfg.Workers.Depth)
	defer pool.Close()
	d := dispatch.New(dispatch.WithPool(pool))
	defer d.Close()

	kind := buffer.Heap
	if cfg.Copy.Native {
		kind = buffer.Native
	}
	chunk := int(min(int64(cfg.Copy.Chunk), max(size, 1)))
	bufs := make([]*buffer.Buffer, COPY_WINDOW)
	for i := range bufs {
		if bufs[i], err = buffer.Allocate(chunk, kind); err != nil {
			return err
		}
		defer bufs[i].Release()
	}

	start := time.Now()
	digest := xxhash.New()
	writes := make([]*dispatch.Operation, COPY_WINDOW)
	wait := func(op *dispatch.Operation) error {
		if op == nil {
			return nil
		}
		_, err := op.Get()
		return err
	}

	for off, i := int64(0), 0; off < size; i++ {
		slot := i % COPY_WINDOW
		if err := wait(writes[slot]); err != nil {
			return err
		}
		b := bufs[slot]
		if err := b.Clear(); err != nil {
			return err
		}
		if err := b.SetLimit(int(min(int64(chunk), size-off))); err != nil {
			return err
		}

		rd, err := d.Read(in, b, off)
		if err != nil {
			return err
		}
		n, err := rd.Get()
		if err != nil {
			return fmt.Errorf("read at %d: %w", off, err)
		}
		if err := b.Flip(); err != nil {
			return err
		}
		view, err := b.View()
		if err != nil {
			return err
		}
		digest.Write(view)

		if writes[slot], err = d.Write(out, b, off); err != nil {
			return err
		}
		off += int64(n)
	}
	for _, op := range writes {
		if err := wait(op); err != nil {
			return err
		}
	}
	if cfg.Copy.Sync {
		op, err := d.Sync(out)
		if err != nil {
			return err
		}
		if err := wait(op); err != nil {
			return err
		}
	}
	log.Info("copied", "bytes", size, "took", time.Since(start), "dispatch", d.Stats())

	if !cfg.Copy.Verify {
		return nil
	}
	return verify(dst, size, digest.Sum64())
}

func verify(path string, size int64, want uint64) error {
	ch, err := channel.OpenFile(path, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer ch.Close()
	m, err := ch.Map(channel.MapReadOnly, 0, int(size))
	if err != nil {
		return err
	}
	defer m.Release()
	got, err := m.Hash()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("digest mismatch: source %016x, copy %016x", want, got)
	}
	slog.Info("verified", "xxhash", fmt.Sprintf("%016x", got))
	return nil
}

func watchDir(ctx context.Context, cfg config.Config, dir string) error {
	mask, err := cfg.Watch.Mask()
	if err != nil {
		return err
	}
	svc, err := watch.New(watch.WithQueueCapacity(cfg.Watch.Queue))
	if err != nil {
		return err
	}
	defer svc.Close()

	var opts []watch.RegisterOption
	if cfg.Watch.Recursive {
		opts = append(opts, watch.Recursive())
	}
	if _, err := svc.Register(dir, mask, opts...); err != nil {
		return err
	}
	slog.Info("watching", "dir", dir, "events", mask, "recursive", cfg.Watch.Recursive)

	for {
		key, events, err := svc.Take(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Kind == watch.Overflow {
				slog.Warn("events dropped, rescan advised", "dir", key.Path(), "count", ev.Count)
				continue
			}
			slog.Info(ev.Kind.String(), "name", ev.Name, "count", ev.Count)
		}
		if !key.Reset() {
			slog.Info("registration ended", "dir", key.Path())
			return nil
		}
	}
}

func dumpRegion(path, offArg, lenArg string) error {
	off, err := strconv.ParseInt(offArg, 0, 64)
	if err != nil {
		return fmt.Errorf("offset: %w", err)
	}
	n, err := strconv.Atoi(lenArg)
	if err != nil {
		return fmt.Errorf("length: %w", err)
	}
	ch, err := channel.OpenFile(path, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer ch.Close()
	m, err := ch.Map(channel.MapReadOnly, off, n)
	if err != nil {
		return err
	}
	defer m.Release()
	view, err := m.View()
	if err != nil {
		return err
	}
	fmt.Print(util.HexDump(view, off, -1))
	return nil
}

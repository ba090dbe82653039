package config

import (
	"aiocore/internal/watch"

	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Config_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())

	m, err := cfg.Watch.Mask()
	require.NoError(t, err)
	assert.Equal(t, watch.AllKinds, m)
	assert.Equal(t, -1, cfg.Ring.CPU)
}

func Test_Config_OverlaysDefaults(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "aiocore.yaml")
	require.NoError(t, os.WriteFile(fp, []byte(`
log:
  level: debug
ring:
  enabled: true
copy:
  chunk: 4096
watch:
  events: [create]
`), 0o644))

	cfg, err := Load(fp)
	require.NoError(t, err)
	lvl, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
	assert.True(t, cfg.Ring.Enabled)
	assert.Equal(t, -1, cfg.Ring.CPU)
	assert.Equal(t, 4096, cfg.Copy.Chunk)
	assert.True(t, cfg.Copy.Verify)
	m, err := cfg.Watch.Mask()
	require.NoError(t, err)
	assert.Equal(t, watch.Create, m)
}

func Test_Config_UnknownField(t *testing.T) {
	_, err := Decode(strings.NewReader("copy:\n  chunks: 12\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func Test_Config_Validate(t *testing.T) {
	cfg := Default()
	cfg.Copy.Chunk = 0
	cfg.Watch.Events = []string{"rename"}
	cfg.Log.Level = "loud"
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "copy.chunk")
	assert.Contains(t, err.Error(), "rename")
	assert.Contains(t, err.Error(), "loud")
}

func Test_Config_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

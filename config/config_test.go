package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patchies", "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[output]
width = 640
height = 480

[preview]
max_fps = 24
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 640, cfg.Output.Width)
	assert.Equal(t, 24, cfg.Preview.MaxFPS)
	assert.Equal(t, Default().Preview.Width, cfg.Preview.Width)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[output]\nwidth = 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestFlagsOverlayFile(t *testing.T) {
	cfg := Default()
	cfg.Output.Width = 640

	fset := flag.NewFlagSet("patchies", flag.ContinueOnError)
	Flags(fset, &cfg)
	require.NoError(t, fset.Parse([]string{"-height", "360", "-preview-fps", "12", "-watch"}))

	assert.Equal(t, 640, cfg.Output.Width)
	assert.Equal(t, 360, cfg.Output.Height)
	assert.Equal(t, 12, cfg.Preview.MaxFPS)
	assert.True(t, cfg.Patch.Watch)
}

// Package config loads gopatchies settings from a TOML file and overlays
// command line flags on top.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const configFile = "config.toml"

type Output struct {
	Width    int  `toml:"width"`
	Height   int  `toml:"height"`
	Headless bool `toml:"headless"`
	VSync    bool `toml:"vsync"`
	// FPS drives the loop when no window provides vsync.
	FPS int `toml:"fps"`
}

type Preview struct {
	Width  int `toml:"width"`
	Height int `toml:"height"`
	MaxFPS int `toml:"max_fps"`
	// MaxPerFrame caps preview reads started per frame; zero is unlimited.
	MaxPerFrame                 int `toml:"max_per_frame"`
	MaxPerFrameWhenOutputActive int `toml:"max_per_frame_when_output_active"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type Server struct {
	MetricsAddr string `toml:"metrics_addr"`
	IPCAddr     string `toml:"ipc_addr"`
}

type Patch struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
	// Translate runs user shaders through the validating translator.
	Translate bool `toml:"translate"`
	AudioIn   bool `toml:"audio_in"`
	// AudioDevice picks a capture device by name; empty uses the default.
	AudioDevice string `toml:"audio_device"`
}

type Export struct {
	Path       string  `toml:"path"`
	FPS        int     `toml:"fps"`
	Duration   float64 `toml:"duration"`
	FFmpegPath string  `toml:"ffmpeg_path"`
	Codec      string  `toml:"codec"`
}

type VFS struct {
	UserDir   string `toml:"user_dir"`
	ObjectDir string `toml:"object_dir"`
}

type Shadertoy struct {
	APIKey string `toml:"api_key"`
	ID     string `toml:"id"`
}

// Config is the complete runtime configuration.
type Config struct {
	Output    Output    `toml:"output"`
	Preview   Preview   `toml:"preview"`
	Log       Log       `toml:"log"`
	Server    Server    `toml:"server"`
	Patch     Patch     `toml:"patch"`
	Export    Export    `toml:"export"`
	VFS       VFS       `toml:"vfs"`
	Shadertoy Shadertoy `toml:"shadertoy"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Output:  Output{Width: 1280, Height: 720, VSync: true, FPS: 60},
		Preview: Preview{Width: 200, Height: 150, MaxFPS: 48, MaxPerFrameWhenOutputActive: 2},
		Log:     Log{Level: "info"},
		Server:  Server{MetricsAddr: ":9464", IPCAddr: "127.0.0.1:7355"},
		Patch:   Patch{Translate: true},
		Export:  Export{FPS: 60, Duration: 10, Codec: "h264"},
		VFS: VFS{
			UserDir:   filepath.Join(Dir(), "user"),
			ObjectDir: filepath.Join(Dir(), "objects"),
		},
	}
}

// Dir is $XDG_CONFIG_HOME/patchies, falling back to ~/.config/patchies.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, "patchies")
}

// DefaultPath is the config file location used when none is given.
func DefaultPath() string {
	return filepath.Join(Dir(), configFile)
}

// Load reads path over the defaults. A missing file is created with the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, Write(path, cfg)
		}
		return cfg, fmt.Errorf("couldn't read config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Write stores cfg as TOML, creating the parent directory.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("couldn't create config directory: %w", err)
	}
	var buffer bytes.Buffer
	if err := toml.NewEncoder(&buffer).Encode(cfg); err != nil {
		return fmt.Errorf("couldn't encode config: %w", err)
	}
	return os.WriteFile(path, buffer.Bytes(), 0o644)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Output.Width <= 0 || c.Output.Height <= 0 {
		return fmt.Errorf("invalid output size %dx%d", c.Output.Width, c.Output.Height)
	}
	if c.Preview.Width <= 0 || c.Preview.Height <= 0 {
		return fmt.Errorf("invalid preview size %dx%d", c.Preview.Width, c.Preview.Height)
	}
	if c.Preview.MaxFPS < 0 {
		return fmt.Errorf("invalid preview max fps %d", c.Preview.MaxFPS)
	}
	return nil
}

// Flags binds command line flags to cfg. Only flags the user actually sets
// override the file values since every flag defaults to the current value.
func Flags(fset *flag.FlagSet, cfg *Config) {
	fset.IntVar(&cfg.Output.Width, "width", cfg.Output.Width, "Width of the output")
	fset.IntVar(&cfg.Output.Height, "height", cfg.Output.Height, "Height of the output")
	fset.BoolVar(&cfg.Output.Headless, "headless", cfg.Output.Headless, "Render without a visible window")
	fset.IntVar(&cfg.Output.FPS, "fps", cfg.Output.FPS, "Frames per second when not synced to a display")

	fset.IntVar(&cfg.Preview.Width, "preview-width", cfg.Preview.Width, "Width of node previews")
	fset.IntVar(&cfg.Preview.Height, "preview-height", cfg.Preview.Height, "Height of node previews")
	fset.IntVar(&cfg.Preview.MaxFPS, "preview-fps", cfg.Preview.MaxFPS, "Maximum preview refresh rate")
	fset.IntVar(&cfg.Preview.MaxPerFrame, "preview-per-frame", cfg.Preview.MaxPerFrame, "Maximum previews read per frame (0 = unlimited)")

	fset.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: debug, info, warn, error")
	fset.BoolVar(&cfg.Log.Development, "dev", cfg.Log.Development, "Human readable logs")

	fset.StringVar(&cfg.Server.MetricsAddr, "metrics", cfg.Server.MetricsAddr, "Prometheus listen address (empty disables)")
	fset.StringVar(&cfg.Server.IPCAddr, "ipc", cfg.Server.IPCAddr, "Output window hub listen address (empty disables)")

	fset.StringVar(&cfg.Patch.Path, "patch", cfg.Patch.Path, "Patch file to load")
	fset.BoolVar(&cfg.Patch.Watch, "watch", cfg.Patch.Watch, "Reload the patch when the file changes")
	fset.BoolVar(&cfg.Patch.Translate, "translate", cfg.Patch.Translate, "Validate shaders with the shader translator")
	fset.BoolVar(&cfg.Patch.AudioIn, "audio-in", cfg.Patch.AudioIn, "Analyse the default microphone as analyzer \"mic\"")
	fset.StringVar(&cfg.Patch.AudioDevice, "audio-device", cfg.Patch.AudioDevice, "Capture device name for -audio-in")

	fset.StringVar(&cfg.Export.Path, "output", cfg.Export.Path, "Record the output to this file instead of showing it")
	fset.IntVar(&cfg.Export.FPS, "export-fps", cfg.Export.FPS, "Frames per second for recording")
	fset.Float64Var(&cfg.Export.Duration, "duration", cfg.Export.Duration, "Duration to record in seconds")
	fset.StringVar(&cfg.Export.FFmpegPath, "ffmpeg", cfg.Export.FFmpegPath, "Path to ffmpeg executable")
	fset.StringVar(&cfg.Export.Codec, "codec", cfg.Export.Codec, "Video codec (h264 or hevc)")

	fset.StringVar(&cfg.Shadertoy.APIKey, "apikey", cfg.Shadertoy.APIKey, "Shadertoy API key (from SHADERTOY_KEY env var if not set)")
	fset.StringVar(&cfg.Shadertoy.ID, "shader", cfg.Shadertoy.ID, "Import a Shadertoy shader by ID instead of loading a patch")
}

// Package encoder exports rendered frames to a video file by piping raw
// RGBA into ffmpeg.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/anthonynsimon/bild/transform"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/metrics"
)

// Config describes one export.
type Config struct {
	Path       string
	FFmpegPath string
	Width      int
	Height     int
	FPS        int
	// Codec is "h264" or "hevc".
	Codec   string
	Bitrate string
	// Hardware selects the platform hardware encoder when available.
	Hardware bool
	// Stream writes mpegts instead of a container picked from Path.
	Stream bool
}

func (c Config) validate() error {
	switch {
	case c.Path == "":
		return errors.New("export path is empty")
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("invalid export size %dx%d", c.Width, c.Height)
	case c.FPS <= 0:
		return fmt.Errorf("invalid export frame rate %d", c.FPS)
	}
	return nil
}

// videoCodec picks the encoder name for the codec on this platform.
func (c Config) videoCodec() string {
	hevc := c.Codec == "hevc"
	if c.Hardware {
		switch runtime.GOOS {
		case "linux", "windows":
			if hevc {
				return "hevc_nvenc"
			}
			return "h264_nvenc"
		case "darwin":
			if hevc {
				return "hevc_videotoolbox"
			}
			return "h264_videotoolbox"
		}
	}
	if hevc {
		return "libx265"
	}
	return "libx264"
}

func (c Config) args() (in, out ffmpeg.KwArgs) {
	in = ffmpeg.KwArgs{
		"f":         "rawvideo",
		"pix_fmt":   "rgba",
		"s":         fmt.Sprintf("%dx%d", c.Width, c.Height),
		"framerate": c.FPS,
	}
	out = ffmpeg.KwArgs{
		"c:v":     c.videoCodec(),
		"pix_fmt": "yuv420p",
	}
	if c.Bitrate != "" {
		out["b:v"] = c.Bitrate
	}
	if c.Codec == "hevc" && strings.HasSuffix(c.Path, ".mp4") {
		out["tag:v"] = "hvc1"
	}
	if c.Stream {
		out["f"] = "mpegts"
	}
	return in, out
}

// Command builds the ffmpeg invocation reading raw frames from r.
func (c Config) Command(r io.Reader) *ffmpeg.Stream {
	in, out := c.args()
	cmd := ffmpeg.Input("pipe:", in).
		Output(c.Path, out).
		OverWriteOutput().
		WithInput(r).
		ErrorToStdOut()
	if c.FFmpegPath != "" {
		cmd = cmd.SetFfmpegPath(c.FFmpegPath)
	}
	return cmd
}

// Exporter is the consumer side of an export: frames sent on Frames() are
// written to ffmpeg in order until Close.
type Exporter struct {
	cfg    Config
	log    *zap.Logger
	frames chan *image.RGBA
	done   chan error
	once   sync.Once

	// run executes ffmpeg reading from r.
	run func(r io.Reader) error
}

func New(cfg Config, log *zap.Logger) (*Exporter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Codec == "" {
		cfg.Codec = "h264"
	}
	e := &Exporter{
		cfg:    cfg,
		log:    log.With(zap.String("component", "encoder"), zap.String("path", cfg.Path)),
		frames: make(chan *image.RGBA, 4),
		done:   make(chan error, 1),
	}
	e.run = func(r io.Reader) error { return cfg.Command(r).Run() }
	return e, nil
}

// Frames accepts frames to encode. Frames of another size are scaled.
func (e *Exporter) Frames() chan<- *image.RGBA { return e.frames }

// Start launches ffmpeg and the consumer goroutine. Cancelling ctx ends
// the export early.
func (e *Exporter) Start(ctx context.Context) {
	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		err := e.run(pr)
		pr.CloseWithError(io.ErrClosedPipe)
		errc <- err
	}()
	go func() {
		e.done <- e.consume(ctx, pw, errc)
	}()
	e.log.Info("export started", zap.String("codec", e.cfg.videoCodec()), zap.Int("fps", e.cfg.FPS))
}

func (e *Exporter) consume(ctx context.Context, pw *io.PipeWriter, errc <-chan error) error {
	var written int
	for {
		if err := ctx.Err(); err != nil {
			pw.CloseWithError(err)
			<-errc
			return err
		}
		select {
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
			<-errc
			return ctx.Err()
		case err := <-errc:
			// ffmpeg gave up before all frames arrived
			return fmt.Errorf("ffmpeg exited after %d frames: %w", written, errors.Join(err, io.ErrUnexpectedEOF))
		case f, ok := <-e.frames:
			if !ok {
				pw.Close()
				if err := <-errc; err != nil {
					return fmt.Errorf("ffmpeg failed: %w", err)
				}
				e.log.Info("export finished", zap.Int("frames", written))
				return nil
			}
			if r := f.Rect; r.Dx() != e.cfg.Width || r.Dy() != e.cfg.Height {
				f = transform.Resize(f, e.cfg.Width, e.cfg.Height, transform.Linear)
			}
			if _, err := pw.Write(f.Pix); err != nil {
				return fmt.Errorf("failed to write frame %d: %w", written, err)
			}
			written++
			metrics.ExportedFrames.Inc()
		}
	}
}

// Close stops accepting frames and waits for ffmpeg to finish. Start must
// have been called.
func (e *Exporter) Close() error {
	e.once.Do(func() { close(e.frames) })
	return <-e.done
}

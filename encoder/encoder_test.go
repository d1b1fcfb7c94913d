package encoder

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no path", Config{Width: 2, Height: 2, FPS: 30}, "export path is empty"},
		{"no size", Config{Path: "out.mp4", FPS: 30}, "invalid export size 0x0"},
		{"no fps", Config{Path: "out.mp4", Width: 2, Height: 2}, "invalid export frame rate 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, zap.NewNop())
			assert.EqualError(t, err, tt.want)
		})
	}
}

func TestCommandArgs(t *testing.T) {
	cfg := Config{Path: "out.mp4", Width: 320, Height: 240, FPS: 30, Codec: "hevc", Bitrate: "8M"}
	args := strings.Join(cfg.Command(strings.NewReader("")).Compile().Args, " ")

	assert.Contains(t, args, "-f rawvideo")
	assert.Contains(t, args, "-s 320x240")
	assert.Contains(t, args, "-c:v libx265")
	assert.Contains(t, args, "-b:v 8M")
	assert.Contains(t, args, "-tag:v hvc1")
	assert.Contains(t, args, "out.mp4")
}

func TestSoftwareCodecByDefault(t *testing.T) {
	assert.Equal(t, "libx264", Config{}.videoCodec())
	assert.Equal(t, "libx265", Config{Codec: "hevc"}.videoCodec())
}

func newTestExporter(t *testing.T, run func(io.Reader) error) *Exporter {
	t.Helper()
	e, err := New(Config{Path: "out.mp4", Width: 2, Height: 2, FPS: 30}, zap.NewNop())
	require.NoError(t, err)
	e.run = run
	return e
}

func TestFramesArePipedInOrder(t *testing.T) {
	var got bytes.Buffer
	e := newTestExporter(t, func(r io.Reader) error {
		_, err := io.Copy(&got, r)
		return err
	})
	e.Start(context.Background())

	for i := 0; i < 3; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		img.Pix[0] = uint8(i + 1)
		e.Frames() <- img
	}
	require.NoError(t, e.Close())

	data := got.Bytes()
	require.Len(t, data, 3*2*2*4)
	assert.Equal(t, []byte{1, 2, 3}, []byte{data[0], data[16], data[32]})
}

func TestMismatchedFramesAreScaled(t *testing.T) {
	var got bytes.Buffer
	e := newTestExporter(t, func(r io.Reader) error {
		_, err := io.Copy(&got, r)
		return err
	})
	e.Start(context.Background())
	e.Frames() <- image.NewRGBA(image.Rect(0, 0, 8, 8))
	require.NoError(t, e.Close())
	assert.Equal(t, 2*2*4, got.Len())
}

func TestFFmpegFailureIsReported(t *testing.T) {
	e := newTestExporter(t, func(io.Reader) error {
		return errors.New("exit status 1")
	})
	e.Start(context.Background())
	err := e.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestCancelEndsExport(t *testing.T) {
	e := newTestExporter(t, func(r io.Reader) error {
		_, err := io.Copy(io.Discard, r)
		return err
	})
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	cancel()
	assert.ErrorIs(t, e.Close(), context.Canceled)
}

// Command patchies-output is a secondary window that mirrors the output of a
// running patchies engine over the output channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/patchies/gopatchies/config"
	"github.com/patchies/gopatchies/glfwcontext"
	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/ipc"
	"github.com/patchies/gopatchies/logger"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "patchies-output:", err)
		os.Exit(1)
	}
}

// latest holds the newest frame; older undisplayed frames are dropped.
type latest struct {
	mu    sync.Mutex
	frame *image.RGBA
}

func (l *latest) put(f ipc.Frame) {
	l.mu.Lock()
	l.frame = f.Image
	l.mu.Unlock()
}

func (l *latest) take() *image.RGBA {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.frame
	l.frame = nil
	return f
}

func run() error {
	defaults := config.Default()
	addr := flag.String("addr", defaults.Server.IPCAddr, "Address of the engine's output hub")
	width := flag.Int("width", defaults.Output.Width, "Initial window width")
	height := flag.Int("height", defaults.Output.Height, "Initial window height")
	level := flag.String("log-level", defaults.Log.Level, "Log level")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *level, Service: "patchies-output"})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := glfwcontext.InitGraphics(log); err != nil {
		return err
	}
	defer glfwcontext.TerminateGraphics(log)

	window, err := glfwcontext.New(glfwcontext.Options{Width: *width, Height: *height, Title: "patchies output", Visible: true, VSync: true})
	if err != nil {
		return err
	}
	defer window.Shutdown()

	device, err := gpu.NewGLDevice()
	if err != nil {
		return err
	}
	defer device.Destroy()

	sizes := make(chan [2]int, 1)
	report := func(w, h int) {
		select {
		case <-sizes:
		default:
		}
		sizes <- [2]int{w, h}
	}
	report(window.GetFramebufferSize())
	window.OnResize(report)

	var frames latest
	client := ipc.NewClient(fmt.Sprintf("ws://%s/%s", *addr, ipc.Channel), log)
	errc := make(chan error, 1)
	go func() {
		errc <- client.Run(ctx, sizes, frames.put)
	}()

	v := viewer{device: device}
	defer v.release()
	for !window.ShouldClose() && ctx.Err() == nil {
		if img := frames.take(); img != nil {
			if err := v.upload(img); err != nil {
				return err
			}
		}
		v.draw(window.GetFramebufferSize())
		window.EndFrame()
	}
	stop()
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// viewer keeps the last received frame in a texture and stretches it over
// the window.
type viewer struct {
	device gpu.Device
	tex    gpu.Texture
	fb     gpu.Framebuffer
	w, h   int
}

func (v *viewer) upload(img *image.RGBA) error {
	b := img.Bounds()
	if v.tex != 0 && b.Dx() == v.w && b.Dy() == v.h {
		v.device.UpdateTexture(v.tex, v.w, v.h, img.Pix)
		return nil
	}
	v.release()
	tex, err := v.device.CreateTexture(gpu.TextureOptions{Width: b.Dx(), Height: b.Dy()}, img.Pix)
	if err != nil {
		return err
	}
	fb, err := v.device.CreateFramebuffer(tex, false)
	if err != nil {
		v.device.DeleteTexture(tex)
		return err
	}
	v.tex, v.fb, v.w, v.h = tex, fb, b.Dx(), b.Dy()
	return nil
}

func (v *viewer) draw(screenW, screenH int) {
	d := v.device
	d.BindFramebuffer(gpu.DefaultFramebuffer)
	d.Viewport(gpu.FullRect(screenW, screenH))
	if v.tex == 0 {
		d.Clear(0, 0, 0, 1)
		return
	}
	// Frames arrive top row first.
	d.BlitFramebuffer(v.fb, gpu.DefaultFramebuffer, gpu.FullRect(v.w, v.h), gpu.FullRect(screenW, screenH), true, gpu.FilterLinear)
}

func (v *viewer) release() {
	if v.tex == 0 {
		return
	}
	v.device.DeleteFramebuffer(v.fb)
	v.device.DeleteTexture(v.tex)
	v.tex, v.fb = 0, 0
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patchies/gopatchies/audio"
	"github.com/patchies/gopatchies/config"
	"github.com/patchies/gopatchies/encoder"
	"github.com/patchies/gopatchies/glfwcontext"
	"github.com/patchies/gopatchies/glsystem"
	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/graphics"
	"github.com/patchies/gopatchies/graph"
	"github.com/patchies/gopatchies/ipc"
	"github.com/patchies/gopatchies/logger"
	"github.com/patchies/gopatchies/metrics"
	"github.com/patchies/gopatchies/nodes"
	"github.com/patchies/gopatchies/readback"
	"github.com/patchies/gopatchies/renderer"
	"github.com/patchies/gopatchies/translator"
	"github.com/patchies/gopatchies/vfs"
	"github.com/patchies/gopatchies/worker"
)

const demoShader = `void mainImage(out vec4 fragColor, in vec2 fragCoord) {
	vec2 uv = fragCoord / iResolution.xy;
	vec3 col = 0.5 + 0.5 * cos(iTime + uv.xyx + vec3(0, 2, 4));
	fragColor = vec4(col, 1.0);
}
`

// demoPatch runs when neither a patch nor a shader is given.
func demoPatch() *graph.Patch {
	return &graph.Patch{
		Title: "demo",
		Nodes: []graph.RenderNode{
			{ID: "glsl-1", Type: "glsl", Data: map[string]any{"code": demoShader}},
			{ID: "out", Type: graph.OutputNodeType, Data: map[string]any{}},
		},
		Edges: []graph.RenderEdge{{ID: "e1", Source: "glsl-1", Target: "out", SourceHandle: "video-out", TargetHandle: "video-in-0"}},
	}
}

func init() {
	// GLFW and the GL context live on the main thread.
	runtime.LockOSThread()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "patchies:", err)
		os.Exit(1)
	}
}

// configPath finds -config before the other flags are bound, since the file
// supplies their defaults.
func configPath(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "config" || !strings.HasPrefix(a, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return config.DefaultPath()
}

func run(args []string) error {
	path := configPath(args)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fset := flag.NewFlagSet("patchies", flag.ExitOnError)
	fset.String("config", path, "Configuration file")
	config.Flags(fset, &cfg)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Shadertoy.APIKey == "" {
		cfg.Shadertoy.APIKey = os.Getenv("SHADERTOY_KEY")
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Development: cfg.Log.Development, Service: "patchies"})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := vfs.NewResolver(cfg.VFS.UserDir, cfg.VFS.ObjectDir, log)
	patch, err := loadPatch(ctx, cfg, resolver)
	if err != nil {
		return err
	}
	registry := nodes.DefaultRegistry()
	if err := printPatch(os.Stdout, patch, registry); err != nil {
		return err
	}
	return render(ctx, stop, cfg, log, resolver, registry, patch)
}

func loadPatch(ctx context.Context, cfg config.Config, resolver *vfs.Resolver) (*graph.Patch, error) {
	switch {
	case cfg.Shadertoy.ID != "":
		return resolver.ShadertoyImport(ctx, cfg.Shadertoy.APIKey, cfg.Shadertoy.ID)
	case cfg.Patch.Path != "":
		return graph.LoadPatch(cfg.Patch.Path)
	default:
		return demoPatch(), nil
	}
}

// render owns the main thread until the window closes, the export finishes
// or the process is interrupted.
func render(ctx context.Context, stop context.CancelFunc, cfg config.Config, log *zap.Logger, resolver *vfs.Resolver, registry *nodes.Registry, patch *graph.Patch) error {
	if err := glfwcontext.InitGraphics(log); err != nil {
		return fmt.Errorf("failed to initialize graphics: %w", err)
	}
	defer glfwcontext.TerminateGraphics(log)

	exporting := cfg.Export.Path != ""
	window, err := glfwcontext.New(glfwcontext.Options{
		Width:   cfg.Output.Width,
		Height:  cfg.Output.Height,
		Title:   "patchies - " + patch.Title,
		Visible: !cfg.Output.Headless && !exporting,
		VSync:   cfg.Output.VSync && !exporting,
	})
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}
	defer window.Shutdown()

	device, err := gpu.NewGLDevice()
	if err != nil {
		return err
	}
	defer device.Destroy()
	log.Info("OpenGL ready", zap.String("version", device.Version()))

	var validator translator.Validator = translator.Passthrough{}
	if cfg.Patch.Translate {
		validator = translator.New(false)
	}
	vc, err := renderer.NewVideoContext(device, device, renderer.Options{
		OutputW:  cfg.Output.Width,
		OutputH:  cfg.Output.Height,
		PreviewW: cfg.Preview.Width,
		PreviewH: cfg.Preview.Height,
	}, validator, log)
	if err != nil {
		return err
	}

	fps := cfg.Output.FPS
	var frames worker.FrameSource = worker.TickerSource{Interval: time.Second / time.Duration(max(fps, 1))}
	if exporting {
		fps = cfg.Export.FPS
		frames = worker.StepSource{Start: time.Now(), Step: time.Second / time.Duration(max(fps, 1))}
	}

	screenW, screenH := window.GetFramebufferSize()
	var w *worker.Worker
	w = worker.New(vc, worker.Options{
		Registry: registry,
		Service: renderer.Config{
			Preview: readback.PreviewConfig{
				Width:                       cfg.Preview.Width,
				Height:                      cfg.Preview.Height,
				MaxFPS:                      cfg.Preview.MaxFPS,
				MaxPerFrame:                 cfg.Preview.MaxPerFrame,
				MaxPerFrameWhenOutputActive: cfg.Preview.MaxPerFrameWhenOutputActive,
			},
			ScreenW: screenW,
			ScreenH: screenH,
		},
		Frames:  frames,
		Present: func() { present(window, w, stop) },
	}, log)
	window.OnResize(func(width, height int) {
		w.TrySend(worker.Message{Kind: worker.MsgSetScreenSize, Width: width, Height: height})
	})

	sys := glsystem.New(w, resolver, log)
	term := newConsole(os.Stdout)
	sys.OnConsole(term.print)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sys.Run(ctx, w.Events()) })

	if cfg.Server.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.Server.MetricsAddr)
		serve(ctx, g, srv, log)
	}
	if cfg.Server.IPCAddr != "" {
		hub := ipc.NewHub(ipc.HubConfig{}, log)
		hub.OnClientsChanged = func(n int) {
			if !exporting {
				_ = sys.SetOutputEnabled(n > 0)
			}
		}
		hub.OnResize = func(width, height int) { _ = sys.SetOutputSize(width, height) }
		sys.SetOutputSink(hub)
		serve(ctx, g, &http.Server{Addr: cfg.Server.IPCAddr, Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second}, log)
		g.Go(func() error {
			<-ctx.Done()
			hub.Close()
			return nil
		})
	}
	if cfg.Patch.AudioIn {
		mic, err := audio.NewMicrophone(audio.MicrophoneConfig{SampleRate: 44100, Device: cfg.Patch.AudioDevice, Channels: 2}, log)
		if err != nil {
			return err
		}
		analyzer := audio.NewAnalyzer("mic", mic, log)
		g.Go(func() error {
			return analyzer.Run(ctx, time.Second/60, func(p audio.FFTPayload) { _ = sys.SetFFTData(p) })
		})
	}
	if cfg.Patch.Watch && cfg.Patch.Path != "" {
		g.Go(func() error {
			return watchPatch(ctx, cfg.Patch.Path, log, func(p *graph.Patch) {
				// a rejected patch keeps the previous graph running
				_ = sys.SetPatch(p.Nodes, p.Edges)
			})
		})
	}

	var exporter *encoder.Exporter
	if exporting {
		exporter, err = encoder.New(encoder.Config{
			Path:       cfg.Export.Path,
			FFmpegPath: cfg.Export.FFmpegPath,
			Width:      cfg.Output.Width,
			Height:     cfg.Output.Height,
			FPS:        fps,
			Codec:      cfg.Export.Codec,
			Bitrate:    "25M",
		}, log)
		if err != nil {
			return err
		}
		exporter.Start(ctx)
		total := int(cfg.Export.Duration * float64(fps))
		written := 0
		sys.OnOutputFrame(func(img *image.RGBA) {
			if written >= total {
				return
			}
			select {
			case exporter.Frames() <- img:
				written++
			case <-ctx.Done():
				return
			}
			if written == total {
				log.Info("export complete", zap.Int("frames", written))
				stop()
			}
		})
		if err := sys.SetOutputEnabled(true); err != nil {
			return err
		}
	}

	if err := sys.SetPatch(patch.Nodes, patch.Edges); err != nil {
		return err
	}
	if err := sys.StartAnimation(); err != nil {
		return err
	}

	werr := w.Run(ctx)
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if exporter != nil {
		if err := exporter.Close(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	if werr != nil && !errors.Is(werr, context.Canceled) {
		return werr
	}
	return nil
}

// present swaps the window and feeds its mouse state back to the worker. It
// runs on the worker goroutine, so it must not block on the inbox.
func present(win graphics.Context, w *worker.Worker, stop context.CancelFunc) {
	win.EndFrame()
	if win.ShouldClose() {
		stop()
		return
	}
	w.TrySend(worker.Message{Kind: worker.MsgSetMouse, Mouse: win.GetMouseInput()})
}

// serve runs srv until ctx is done.
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, log *zap.Logger) {
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

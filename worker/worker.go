// Package worker runs the render engine on the goroutine that owns the GL
// context. The main thread talks to it only through Messages and Events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/nodes"
	"github.com/patchies/gopatchies/renderer"
)

// ErrStopped is returned to callers waiting on a worker that has exited.
var ErrStopped = errors.New("render worker stopped")

// FrameSource paces the render loop.
type FrameSource interface {
	// Subscribe starts delivering frame times until cancel is called.
	Subscribe() (frames <-chan time.Time, cancel func())
}

// TickerSource delivers frames at a fixed interval.
type TickerSource struct {
	Interval time.Duration
}

func (s TickerSource) Subscribe() (<-chan time.Time, func()) {
	t := time.NewTicker(s.Interval)
	return t.C, t.Stop
}

// StepSource delivers synthetic frame times Step apart, starting at Start,
// as fast as the loop takes them. Exports use it so output does not depend
// on how long frames take to render.
type StepSource struct {
	Start time.Time
	Step  time.Duration
}

func (s StepSource) Subscribe() (<-chan time.Time, func()) {
	ch := make(chan time.Time)
	stop := make(chan struct{})
	go func() {
		for t := s.Start; ; t = t.Add(s.Step) {
			select {
			case ch <- t:
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return ch, func() { once.Do(func() { close(stop) }) }
}

// Options configures a Worker.
type Options struct {
	Registry *nodes.Registry
	Service  renderer.Config
	Frames   FrameSource
	// Present runs after every frame, typically a buffer swap.
	Present func()
	// InboxSize bounds queued messages before Post blocks.
	InboxSize int
}

type vfsReply struct {
	data []byte
	err  error
}

// Worker owns a VideoWorkerService and drives it from a FrameSource.
type Worker struct {
	svc     *renderer.VideoWorkerService
	frames  FrameSource
	present func()
	log     *zap.Logger

	inbox  chan Message
	events chan Event
	done   chan struct{}

	animating bool
	ticks     <-chan time.Time
	cancel    func()

	mu      sync.Mutex
	pending map[string]chan vfsReply
}

// New creates a worker around vc. Events are delivered on Events() and must
// be drained.
func New(vc *renderer.VideoContext, opts Options, log *zap.Logger) *Worker {
	if opts.Registry == nil {
		opts.Registry = nodes.DefaultRegistry()
	}
	if opts.Frames == nil {
		opts.Frames = TickerSource{Interval: time.Second / 60}
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	w := &Worker{
		frames:  opts.Frames,
		present: opts.Present,
		log:     log.With(zap.String("component", "worker")),
		inbox:   make(chan Message, opts.InboxSize),
		events:  make(chan Event, opts.InboxSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan vfsReply),
	}
	w.svc = renderer.NewVideoWorkerService(vc, opts.Registry, w, opts.Service, log)
	return w
}

func (w *Worker) Events() <-chan Event { return w.events }

// Post queues msg for the render goroutine.
func (w *Worker) Post(ctx context.Context, msg Message) error {
	select {
	case w.inbox <- msg:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send posts msg without a deadline.
func (w *Worker) Send(msg Message) error {
	return w.Post(context.Background(), msg)
}

// TrySend posts msg only if the inbox has room. It is safe to call from the
// render goroutine, for example from Present.
func (w *Worker) TrySend(msg Message) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.inbox <- msg:
		return true
	default:
		return false
	}
}

// Emit implements nodes.Host. It may be called from any goroutine.
func (w *Worker) Emit(ev nodes.Event) {
	w.emit(Event{Event: ev})
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// ResolveVFS implements nodes.Host by asking the main thread for path. It
// blocks the calling node goroutine, so it must never run on the render
// goroutine itself.
func (w *Worker) ResolveVFS(ctx context.Context, nodeID, path string) ([]byte, error) {
	id := uuid.NewString()
	reply := make(chan vfsReply, 1)
	w.mu.Lock()
	w.pending[id] = reply
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	w.emit(Event{Event: nodes.Event{Kind: EventResolveVfsUrl, NodeID: nodeID}, RequestID: id, Path: path})
	select {
	case r := <-reply:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrStopped
	}
}

func (w *Worker) deliverVFS(msg Message) {
	w.mu.Lock()
	reply, ok := w.pending[msg.RequestID]
	w.mu.Unlock()
	if !ok {
		w.log.Debug("vfs reply for unknown request", zap.String("request", msg.RequestID))
		return
	}
	r := vfsReply{data: msg.VFSData}
	if msg.VFSError != "" {
		r.err = errors.New(msg.VFSError)
	}
	select {
	case reply <- r:
	default:
	}
}

// Run owns the calling goroutine until ctx is done. It must be the
// goroutine the GL context is current on.
func (w *Worker) Run(ctx context.Context) error {
	defer w.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-w.inbox:
			w.handle(ctx, msg)
		case now := <-w.ticks:
			w.drain(ctx)
			if w.animating {
				w.frame(now)
			}
		}
	}
}

// drain handles every queued message so a frame sees the latest state.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case msg := <-w.inbox:
			w.handle(ctx, msg)
		default:
			return
		}
	}
}

func (w *Worker) shutdown() {
	w.stopLoop()
	w.safely("destroy", func() { w.svc.Destroy() })
	close(w.done)
}

func (w *Worker) startLoop() {
	if w.animating {
		return
	}
	w.ticks, w.cancel = w.frames.Subscribe()
	w.svc.Start(time.Now())
	w.animating = true
	w.log.Debug("animation started")
}

func (w *Worker) stopLoop() {
	if !w.animating {
		return
	}
	w.animating = false
	w.cancel()
	w.ticks, w.cancel = nil, nil
	w.log.Debug("animation stopped")
}

// safely runs fn, turning a panic into a log entry.
func (w *Worker) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("recovered panic in render worker",
				zap.String("in", what),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

func (w *Worker) frame(now time.Time) {
	w.safely("frame", func() {
		f := w.svc.RenderFrame(now)
		if w.present != nil {
			w.present()
		}
		for _, p := range f.Previews {
			w.emit(Event{
				Event: nodes.Event{Kind: EventPreviewFrame, NodeID: p.NodeID},
				Frame: f.Number, Image: p.Image, Width: p.W, Height: p.H,
			})
		}
		if len(f.VideoFrames) > 0 {
			w.emit(Event{Event: nodes.Event{Kind: EventVideoFrames}, Frame: f.Number, VideoFrames: f.VideoFrames})
		}
		if f.Output != nil {
			w.emit(Event{
				Event: nodes.Event{Kind: EventAnimationFrame},
				Frame: f.Number, Image: f.Output, Width: f.Output.Rect.Dx(), Height: f.Output.Rect.Dy(),
			})
		}
	})
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	w.safely(string(msg.Kind), func() {
		if err := w.dispatch(ctx, msg); err != nil {
			w.log.Warn("message failed", zap.String("type", string(msg.Kind)), zap.String("node", msg.NodeID), zap.Error(err))
			if msg.NodeID != "" {
				w.Emit(nodes.Event{Kind: nodes.EventConsole, NodeID: msg.NodeID, Level: nodes.LevelError, Args: []any{err.Error()}})
			}
		}
	})
}

func (w *Worker) dispatch(ctx context.Context, msg Message) error {
	switch msg.Kind {
	case MsgBuildRenderGraph:
		if msg.Graph == nil {
			return errors.New("missing graph")
		}
		w.svc.BuildGraph(ctx, msg.Graph)
	case MsgUpdateNodeData:
		w.svc.UpdateNodeData(msg.NodeID, msg.Data)
	case MsgSetUniformData:
		w.svc.SetUniform(msg.NodeID, msg.UniformName, msg.UniformValue)
	case MsgRemoveUniformData:
		w.svc.RemoveUniforms(msg.NodeID)
	case MsgSetBitmap:
		if msg.Bitmap == nil {
			return errors.New("missing bitmap")
		}
		return w.svc.SetBitmap(msg.NodeID, msg.Bitmap)
	case MsgRemoveBitmap:
		w.svc.RemoveBitmap(msg.NodeID)
	case MsgSetPreviewEnabled:
		w.svc.SetPreviewEnabled(msg.NodeID, msg.Enabled)
	case MsgSetPreviewSize:
		w.svc.SetPreviewSize(msg.Width, msg.Height)
	case MsgSetOutputSize:
		w.svc.SetOutputSize(msg.Width, msg.Height)
	case MsgSetOutputEnabled:
		w.svc.SetOutputEnabled(msg.Enabled)
	case MsgSetScreenSize:
		w.svc.SetScreenSize(msg.Width, msg.Height)
	case MsgSetVisibleNodes:
		w.svc.SetVisibleNodes(msg.NodeIDs)
	case MsgSendMessageToNode:
		w.svc.SendMessage(msg.NodeID, msg.Message, msg.Meta)
	case MsgToggleNodePause:
		paused := w.svc.TogglePause(msg.NodeID)
		w.emit(Event{Event: nodes.Event{Kind: EventPauseState, NodeID: msg.NodeID, Enabled: &paused}})
	case MsgStartAnimation:
		w.startLoop()
	case MsgStopAnimation:
		w.stopLoop()
	case MsgSetFFTData:
		if msg.FFT == nil {
			return errors.New("missing fft payload")
		}
		w.svc.SetFFTData(*msg.FFT)
	case MsgSetMouse:
		w.svc.SetMouse(msg.Mouse)
	case MsgRequestVideoFrames:
		w.svc.RequestVideoFrames(msg.Requests)
	case MsgCaptureOutput:
		img, err := w.svc.CaptureOutput(msg.NodeID)
		ev := Event{Event: nodes.Event{Kind: EventCaptured, NodeID: msg.NodeID}, RequestID: msg.RequestID, Image: img, Err: err}
		if img != nil {
			ev.Width, ev.Height = img.Rect.Dx(), img.Rect.Dy()
		}
		w.emit(ev)
	case MsgResolveVfsUrlReply:
		w.deliverVFS(msg)
	default:
		return fmt.Errorf("unknown message type %q", msg.Kind)
	}
	return nil
}

// IsAnimating reports whether the frame loop is running. Only meaningful
// on the render goroutine or after Run returned.
func (w *Worker) IsAnimating() bool { return w.animating }

package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/gpu/gputest"
	"github.com/patchies/gopatchies/graph"
	"github.com/patchies/gopatchies/nodes"
	"github.com/patchies/gopatchies/readback"
	"github.com/patchies/gopatchies/renderer"
	"github.com/patchies/gopatchies/translator"
)

// manualSource delivers a frame whenever the test asks for one.
type manualSource struct {
	ch        chan time.Time
	cancelled chan struct{}
}

func newManualSource() *manualSource {
	return &manualSource{ch: make(chan time.Time), cancelled: make(chan struct{}, 8)}
}

func (s *manualSource) Subscribe() (<-chan time.Time, func()) {
	return s.ch, func() { s.cancelled <- struct{}{} }
}

type harness struct {
	w      *Worker
	dev    *gputest.Device
	frames *manualSource
	cancel context.CancelFunc
	exited chan error
}

func start(t *testing.T, reg *nodes.Registry) *harness {
	t.Helper()
	dev := gputest.New(4, 4)
	vc, err := renderer.NewVideoContext(dev, dev, renderer.Options{OutputW: 4, OutputH: 4, PreviewW: 2, PreviewH: 2}, translator.Passthrough{}, zap.NewNop())
	require.NoError(t, err)

	h := &harness{dev: dev, frames: newManualSource(), exited: make(chan error, 1)}
	h.w = New(vc, Options{
		Registry: reg,
		Service:  renderer.Config{Preview: readback.PreviewConfig{Width: 2, Height: 2}},
		Frames:   h.frames,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.exited <- h.w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.exited:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return h
}

func (h *harness) post(t *testing.T, msg Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.w.Post(ctx, msg))
}

func (h *harness) tick(t *testing.T, now time.Time) {
	t.Helper()
	select {
	case h.frames.ch <- now:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not take the frame")
	}
}

// next returns the next event of kind, skipping others.
func (h *harness) next(t *testing.T, kind nodes.EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.w.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

const redShader = `void mainImage(out vec4 fragColor, in vec2 fragCoord) {
	fragColor = vec4(1.0, 0.0, 0.0, 1.0);
}
`

func outputGraph(t *testing.T) *graph.RenderGraph {
	t.Helper()
	g, err := graph.BuildRenderGraph(
		[]graph.RenderNode{
			{ID: "osc", Type: "glsl", Data: map[string]any{"code": redShader}},
			{ID: "out", Type: graph.OutputNodeType},
		},
		[]graph.RenderEdge{{ID: "e1", Source: "osc", Target: "out", SourceHandle: "video-out", TargetHandle: "video-in-0"}},
	)
	require.NoError(t, err)
	return g
}

func TestCaptureAfterBuild(t *testing.T) {
	h := start(t, nil)
	h.post(t, Message{Kind: MsgBuildRenderGraph, Graph: outputGraph(t)})
	h.post(t, Message{Kind: MsgStartAnimation})
	h.tick(t, time.Now())
	h.post(t, Message{Kind: MsgCaptureOutput, RequestID: "r1"})

	ev := h.next(t, EventCaptured)
	require.NoError(t, ev.Err)
	assert.Equal(t, "r1", ev.RequestID)
	assert.Equal(t, []int{4, 4}, []int{ev.Width, ev.Height})
	assert.Equal(t, byte(255), ev.Image.Pix[3])
}

func TestOutputFramesWhileAnimating(t *testing.T) {
	h := start(t, nil)
	h.post(t, Message{Kind: MsgBuildRenderGraph, Graph: outputGraph(t)})
	h.post(t, Message{Kind: MsgSetOutputEnabled, Enabled: true})
	h.post(t, Message{Kind: MsgStartAnimation})

	now := time.Now()
	h.tick(t, now)
	h.tick(t, now.Add(16*time.Millisecond))

	ev := h.next(t, EventAnimationFrame)
	assert.Equal(t, 1, ev.Frame)
	require.NotNil(t, ev.Image)
	assert.Equal(t, 4, ev.Width)
}

func TestStopAnimationCancelsSubscription(t *testing.T) {
	h := start(t, nil)
	h.post(t, Message{Kind: MsgStartAnimation})
	h.post(t, Message{Kind: MsgStartAnimation})
	h.post(t, Message{Kind: MsgStopAnimation})

	select {
	case <-h.frames.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("frame subscription was not cancelled")
	}
	assert.Empty(t, h.frames.cancelled, "a second start does not subscribe twice")
}

func TestPauseStateIsReported(t *testing.T) {
	h := start(t, nil)
	h.post(t, Message{Kind: MsgBuildRenderGraph, Graph: outputGraph(t)})
	h.post(t, Message{Kind: MsgToggleNodePause, NodeID: "osc"})

	ev := h.next(t, EventPauseState)
	assert.Equal(t, "osc", ev.NodeID)
	require.NotNil(t, ev.Enabled)
	assert.True(t, *ev.Enabled)
}

func TestPanicsDoNotStopTheWorker(t *testing.T) {
	reg := nodes.DefaultRegistry()
	reg.Register("bomb", func(string, *nodes.VideoContext, nodes.Host) (nodes.VideoNode, error) {
		panic("factory exploded")
	})
	h := start(t, reg)

	g, err := graph.BuildRenderGraph([]graph.RenderNode{{ID: "b", Type: "bomb"}}, nil)
	require.NoError(t, err)
	h.post(t, Message{Kind: MsgBuildRenderGraph, Graph: g})
	h.post(t, Message{Kind: MsgSetBitmap, NodeID: "b"})

	console := h.next(t, nodes.EventConsole)
	assert.Equal(t, "b", console.NodeID)
	assert.Equal(t, []any{"missing bitmap"}, console.Args)

	h.post(t, Message{Kind: MsgCaptureOutput})
	ev := h.next(t, EventCaptured)
	assert.Error(t, ev.Err, "no output node")
}

func TestUnknownMessageIsReported(t *testing.T) {
	h := start(t, nil)
	h.post(t, Message{Kind: "warp", NodeID: "n1"})

	ev := h.next(t, nodes.EventConsole)
	assert.Equal(t, "n1", ev.NodeID)
	assert.Contains(t, ev.Args[0], "unknown message type")
}

func pngBytes(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := 0; i < 4; i++ {
		img.Set(i%2, i/2, c)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestVFSRoundTripFeedsImageNode(t *testing.T) {
	h := start(t, nil)
	g, err := graph.BuildRenderGraph([]graph.RenderNode{{ID: "pic", Type: "img", Data: map[string]any{"src": "user://blue.png"}}}, nil)
	require.NoError(t, err)
	h.post(t, Message{Kind: MsgBuildRenderGraph, Graph: g})

	req := h.next(t, EventResolveVfsUrl)
	assert.Equal(t, "pic", req.NodeID)
	assert.Equal(t, "user://blue.png", req.Path)
	require.NotEmpty(t, req.RequestID)

	h.post(t, Message{Kind: MsgResolveVfsUrlReply, RequestID: req.RequestID, VFSData: pngBytes(t, color.RGBA{0, 0, 255, 255})})
	h.post(t, Message{Kind: MsgStartAnimation})

	// the decoded image lands on some later frame
	now := time.Now()
	blue := [4]byte{0, 0, 255, 255}
	deadline := now.Add(5 * time.Second)
	for {
		now = now.Add(16 * time.Millisecond)
		h.tick(t, now)
		h.post(t, Message{Kind: MsgCaptureOutput, NodeID: "pic"})
		ev := h.next(t, EventCaptured)
		if ev.Err == nil && [4]byte(ev.Image.Pix[:4]) == blue {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("image never reached the node output")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVFSRequestHonoursContext(t *testing.T) {
	h := start(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := h.w.ResolveVFS(ctx, "n", "obj://x")
		errs <- err
	}()

	h.next(t, EventResolveVfsUrl)
	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("resolve did not return")
	}
}

func TestVFSErrorReply(t *testing.T) {
	h := start(t, nil)
	errs := make(chan error, 1)
	go func() {
		_, err := h.w.ResolveVFS(context.Background(), "n", "obj://missing")
		errs <- err
	}()

	req := h.next(t, EventResolveVfsUrl)
	h.post(t, Message{Kind: MsgResolveVfsUrlReply, RequestID: req.RequestID, VFSError: "not found"})
	select {
	case err := <-errs:
		assert.EqualError(t, err, "not found")
	case <-time.After(5 * time.Second):
		t.Fatal("resolve did not return")
	}
}

func TestPostAfterStop(t *testing.T) {
	h := start(t, nil)
	h.cancel()
	require.ErrorIs(t, <-h.exited, context.Canceled)
	h.exited <- nil

	for i := 0; i < cap(h.w.inbox)+1; i++ {
		if err := h.w.Send(Message{Kind: MsgStopAnimation}); err != nil {
			assert.ErrorIs(t, err, ErrStopped)
			return
		}
	}
	t.Fatal("posting to a stopped worker never failed")
}

func TestDestroyReleasesGPUResources(t *testing.T) {
	h := start(t, nil)
	h.post(t, Message{Kind: MsgBuildRenderGraph, Graph: outputGraph(t)})
	h.post(t, Message{Kind: MsgCaptureOutput})
	h.next(t, EventCaptured)

	h.cancel()
	<-h.exited
	h.exited <- nil

	tex, fbs, bufs, progs, fences := h.dev.Counts()
	assert.Equal(t, []int{0, 0, 0, 0, 0}, []int{tex, fbs, bufs, progs, fences})
}

func TestStepSourceIsEvenlySpaced(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	frames, cancel := StepSource{Start: start, Step: 20 * time.Millisecond}.Subscribe()
	defer cancel()

	for i := 0; i < 3; i++ {
		assert.Equal(t, start.Add(time.Duration(i)*20*time.Millisecond), <-frames)
	}
	cancel()
	cancel()
}

func TestTrySendFailsWhenStopped(t *testing.T) {
	h := start(t, nil)
	assert.True(t, h.w.TrySend(Message{Kind: MsgSetScreenSize, Width: 2, Height: 2}))
	h.cancel()
	<-h.exited
	h.exited <- nil
	assert.False(t, h.w.TrySend(Message{Kind: MsgStopAnimation}))
}

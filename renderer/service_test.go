package renderer

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/audio"
	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/gpu/gputest"
	"github.com/patchies/gopatchies/graph"
	"github.com/patchies/gopatchies/nodes"
	"github.com/patchies/gopatchies/readback"
	"github.com/patchies/gopatchies/store"
	"github.com/patchies/gopatchies/translator"
)

type recordingHost struct {
	mu     sync.Mutex
	events []nodes.Event
}

func (h *recordingHost) Emit(ev nodes.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHost) ResolveVFS(_ context.Context, _, path string) ([]byte, error) {
	return nil, errors.New("no files")
}

func (h *recordingHost) byKind(kind nodes.EventKind) []nodes.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []nodes.Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// probeNode records what the service asks of it.
type probeNode struct {
	*nodes.FBO
	id string

	ctx       context.Context
	renderErr error
	panics    bool
	renders   int
	messages  []any
	fft       []audio.FFTPayload
}

func (p *probeNode) NodeID() string { return p.id }

func (p *probeNode) Create(ctx context.Context, _ map[string]any, _ *store.Stores) error {
	p.ctx = ctx
	return nil
}

func (p *probeNode) Render(nodes.RenderParams, map[int]gpu.Texture) error {
	if p.panics {
		panic("probe exploded")
	}
	p.renders++
	return p.renderErr
}

func (p *probeNode) OnMessage(data any, _ nodes.MessageMeta) {
	if data == "panic" {
		panic("bad message")
	}
	p.messages = append(p.messages, data)
}

func (p *probeNode) SetFFTData(payload audio.FFTPayload) { p.fft = append(p.fft, payload) }

func (p *probeNode) Destroy() { p.FBO.Destroy() }

type fixture struct {
	svc    *VideoWorkerService
	dev    *gputest.Device
	host   *recordingHost
	probes map[string]*probeNode
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := gputest.New(4, 4)
	vc, err := NewVideoContext(dev, dev, Options{OutputW: 4, OutputH: 4, PreviewW: 2, PreviewH: 2}, translator.Passthrough{}, zap.NewNop())
	require.NoError(t, err)

	f := &fixture{dev: dev, host: &recordingHost{}, probes: make(map[string]*probeNode)}
	reg := nodes.DefaultRegistry()
	reg.Register("probe", func(id string, vc *nodes.VideoContext, _ nodes.Host) (nodes.VideoNode, error) {
		fbo, err := nodes.NewFBO(vc.Device, vc.OutputW, vc.OutputH, false)
		if err != nil {
			return nil, err
		}
		p := &probeNode{FBO: fbo, id: id}
		f.probes[id] = p
		return p, nil
	})
	cfg := Config{Preview: readback.PreviewConfig{Width: 2, Height: 2}}
	f.svc = NewVideoWorkerService(vc, reg, f.host, cfg, zap.NewNop())
	return f
}

func (f *fixture) build(t *testing.T, ns []graph.RenderNode, es []graph.RenderEdge) {
	t.Helper()
	g, err := graph.BuildRenderGraph(ns, es)
	require.NoError(t, err)
	f.svc.BuildGraph(context.Background(), g)
}

func (f *fixture) pixel(fb gpu.Framebuffer) [4]byte {
	_, _, pix := f.dev.Pixels(fb)
	return [4]byte(pix[:4])
}

func (f *fixture) outputOf(t *testing.T, id string) gpu.Framebuffer {
	t.Helper()
	fb, _, ok := f.svc.output(id)
	require.True(t, ok, "node %s has no output", id)
	return fb
}

func edge(src, dst string, inlet int) graph.RenderEdge {
	return graph.RenderEdge{
		ID:           src + "->" + dst,
		Source:       src,
		Target:       dst,
		SourceHandle: "video-out",
		TargetHandle: "video-in-" + strconv.Itoa(inlet),
	}
}

const redShader = `void mainImage(out vec4 fragColor, in vec2 fragCoord) {
	fragColor = vec4(1.0, 0.0, 0.0, 1.0);
}
`

const samplingShader = `uniform sampler2D tex;
void mainImage(out vec4 fragColor, in vec2 fragCoord) {
	fragColor = texture(tex, fragCoord / iResolution.xy);
}
`

func glslNode(id, code string) graph.RenderNode {
	return graph.RenderNode{ID: id, Type: "glsl", Data: map[string]any{"code": code}}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRenderFramePresentsOutputNode(t *testing.T) {
	f := newFixture(t)
	f.build(t,
		[]graph.RenderNode{glslNode("osc", redShader), {ID: "out", Type: graph.OutputNodeType}},
		[]graph.RenderEdge{edge("osc", "out", 0)})

	f.svc.RenderFrame(t0)

	node := f.pixel(f.outputOf(t, "osc"))
	assert.Equal(t, byte(255), node[3])
	assert.Equal(t, node, f.pixel(gpu.DefaultFramebuffer))
	assert.Empty(t, f.host.byKind(nodes.EventConsole))
}

func TestNoOutputClearsScreen(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{glslNode("osc", redShader)}, nil)
	f.dev.Fill(gpu.DefaultFramebuffer, [4]byte{9, 9, 9, 9})

	f.svc.RenderFrame(t0)

	assert.Equal(t, [4]byte{0, 0, 0, 255}, f.pixel(gpu.DefaultFramebuffer))
}

func TestTimeBasisIsSharedAndAdvances(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{{ID: "p", Type: "probe"}}, nil)
	f.svc.Start(t0)

	first := f.svc.RenderFrame(t0.Add(500 * time.Millisecond))
	second := f.svc.RenderFrame(t0.Add(time.Second))

	assert.Equal(t, 0, first.Number)
	assert.Equal(t, 1, second.Number)
	assert.InDelta(t, 0.5, first.Time, 1e-9)
	assert.InDelta(t, 1.0, second.Time, 1e-9)

	p := f.svc.params(t0.Add(2 * time.Second))
	assert.InDelta(t, 1.0, p.TimeDelta, 1e-9)
	assert.Equal(t, [4]float32{2026, 2, 1, 12*3600 + 2}, p.Date)
}

func TestUnregisteredTypeGetsTransparentTarget(t *testing.T) {
	f := newFixture(t)
	f.build(t,
		[]graph.RenderNode{{ID: "mystery", Type: "p5"}, glslNode("fx", samplingShader)},
		[]graph.RenderEdge{edge("mystery", "fx", 0)})

	f.svc.RenderFrame(t0)

	assert.True(t, f.svc.v1.Has("mystery"))
	assert.Equal(t, [4]byte{}, f.pixel(f.outputOf(t, "mystery")))
	assert.Equal(t, [4]byte{}, f.pixel(f.outputOf(t, "fx")))
}

func TestRawShaderNode(t *testing.T) {
	f := newFixture(t)
	raw := "#version 410 core\nuniform float iTime;\nout vec4 c;\nvoid main() { c = vec4(iTime); }\n"
	f.build(t, []graph.RenderNode{{ID: "raw", Type: RawShaderType, Data: map[string]any{"code": raw}}}, nil)

	f.svc.Start(t0)
	f.svc.RenderFrame(t0.Add(2 * time.Second))

	pass := f.svc.v1.passes["raw"]
	require.NotNil(t, pass)
	v, ok := f.dev.Uniform(pass.program, "iTime")
	require.True(t, ok)
	assert.Equal(t, float32(2), v)
	assert.Equal(t, byte(255), f.pixel(f.outputOf(t, "raw"))[3])
}

func TestRawShaderCompileError(t *testing.T) {
	f := newFixture(t)
	raw := "#version 410 core\nout vec4 c;\nvoid main() { SYNTAX_ERROR }\n"
	f.build(t, []graph.RenderNode{{ID: "raw", Type: RawShaderType, Data: map[string]any{"code": raw}}}, nil)

	errs := f.host.byKind(nodes.EventShaderError)
	require.Len(t, errs, 1)
	assert.Equal(t, "raw", errs[0].NodeID)
	assert.Contains(t, errs[0].LineErrors, 3)

	assert.NotPanics(t, func() { f.svc.RenderFrame(t0) })
}

func TestStoreTextureTakesPriority(t *testing.T) {
	f := newFixture(t)
	f.build(t,
		[]graph.RenderNode{{ID: "pic", Type: "p5"}, glslNode("fx", samplingShader)},
		[]graph.RenderEdge{edge("pic", "fx", 0)})

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, color.RGBA{0, 0, 255, 255})
		}
	}
	require.NoError(t, f.svc.SetBitmap("pic", img))
	f.svc.RenderFrame(t0)
	assert.Equal(t, [4]byte{0, 0, 255, 255}, f.pixel(f.outputOf(t, "fx")))

	f.svc.RemoveBitmap("pic")
	f.svc.RenderFrame(t0)
	assert.Equal(t, [4]byte{}, f.pixel(f.outputOf(t, "fx")))
}

func TestPausedNodeKeepsLastFrame(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{{ID: "p", Type: "probe"}}, nil)

	f.svc.RenderFrame(t0)
	require.Equal(t, 1, f.probes["p"].renders)

	assert.True(t, f.svc.TogglePause("p"))
	f.svc.RenderFrame(t0)
	f.svc.RenderFrame(t0)
	assert.Equal(t, 1, f.probes["p"].renders)

	assert.False(t, f.svc.TogglePause("p"))
	f.svc.RenderFrame(t0)
	assert.Equal(t, 2, f.probes["p"].renders)
}

func TestPauseStateDroppedForRemovedNodes(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{{ID: "p", Type: "probe"}}, nil)
	f.svc.TogglePause("p")

	f.build(t, []graph.RenderNode{{ID: "q", Type: "probe"}}, nil)
	assert.False(t, f.svc.IsPaused("p"))
}

func TestRenderErrorsAreThrottled(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{{ID: "p", Type: "probe"}, {ID: "q", Type: "probe"}}, nil)
	f.probes["p"].renderErr = errors.New("kaput")
	f.probes["q"].panics = true

	f.svc.RenderFrame(t0)
	f.svc.RenderFrame(t0.Add(100 * time.Millisecond))
	f.svc.RenderFrame(t0.Add(900 * time.Millisecond))

	byNode := func() map[string]int {
		counts := make(map[string]int)
		for _, ev := range f.host.byKind(nodes.EventConsole) {
			counts[ev.NodeID]++
		}
		return counts
	}
	assert.Equal(t, map[string]int{"p": 1, "q": 1}, byNode())

	f.svc.RenderFrame(t0.Add(2 * time.Second))
	assert.Equal(t, map[string]int{"p": 2, "q": 2}, byNode())
	assert.Equal(t, 4, f.probes["p"].renders, "a failing node is still rendered every frame")
}

func TestCreateFailureIsReportedOnce(t *testing.T) {
	f := newFixture(t)
	f.build(t,
		[]graph.RenderNode{glslNode("bad", "void mainImage(out vec4 c, in vec2 p) { SYNTAX_ERROR }"), {ID: "p", Type: "probe"}},
		nil)

	f.svc.RenderFrame(t0)
	f.svc.RenderFrame(t0.Add(2 * time.Second))

	assert.Len(t, f.host.byKind(nodes.EventShaderError), 1)
	assert.Empty(t, f.host.byKind(nodes.EventConsole))
	assert.Equal(t, 2, f.probes["p"].renders, "other nodes keep rendering")
}

func TestRebuildCancelsNodeContexts(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{{ID: "p", Type: "probe"}}, nil)
	old := f.probes["p"]
	require.NoError(t, old.ctx.Err())

	f.build(t, []graph.RenderNode{{ID: "p", Type: "probe"}}, nil)
	assert.ErrorIs(t, old.ctx.Err(), context.Canceled)
	assert.NotSame(t, old, f.probes["p"])
	assert.NoError(t, f.probes["p"].ctx.Err())
}

func TestRebuildDoesNotLeak(t *testing.T) {
	f := newFixture(t)
	ns := []graph.RenderNode{glslNode("osc", redShader), {ID: "raw", Type: "p5"}, {ID: "out", Type: graph.OutputNodeType}}
	es := []graph.RenderEdge{edge("osc", "out", 0)}

	f.build(t, ns, es)
	tex, fbs, _, progs, _ := f.dev.Counts()
	for i := 0; i < 3; i++ {
		f.build(t, ns, es)
	}
	tex2, fbs2, _, progs2, _ := f.dev.Counts()
	assert.Equal(t, []int{tex, fbs, progs}, []int{tex2, fbs2, progs2})

	f.svc.Destroy()
	tex3, fbs3, bufs3, progs3, fences3 := f.dev.Counts()
	assert.Equal(t, []int{0, 0, 0, 0, 0}, []int{tex3, fbs3, bufs3, progs3, fences3})
}

func TestUpdateNodeDataRecreatesInPlace(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{glslNode("osc", redShader)}, nil)
	fb := f.outputOf(t, "osc")
	f.svc.RenderFrame(t0)
	before := f.pixel(fb)

	f.svc.UpdateNodeData("osc", map[string]any{"code": samplingShader})
	f.svc.RenderFrame(t0)

	assert.Equal(t, fb, f.outputOf(t, "osc"), "framebuffer survives")
	assert.NotEqual(t, before, f.pixel(fb))
}

func TestSetOutputSizeRebuildsTargets(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{{ID: "p", Type: "probe"}, {ID: "m", Type: "p5"}}, nil)

	f.svc.SetOutputSize(2, 3)

	for _, id := range []string{"p", "m"} {
		w, h, _ := f.dev.Pixels(f.outputOf(t, id))
		assert.Equal(t, []int{2, 3}, []int{w, h}, id)
	}
}

func TestMessagesAndFFTReachNodes(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{{ID: "p", Type: "probe"}}, nil)

	f.svc.SendMessage("p", 42.0, nodes.MessageMeta{Inlet: 0})
	f.svc.SendMessage("missing", 1.0, nodes.MessageMeta{})
	assert.Equal(t, []any{42.0}, f.probes["p"].messages)

	assert.NotPanics(t, func() { f.svc.SendMessage("p", "panic", nodes.MessageMeta{}) })
	assert.Len(t, f.host.byKind(nodes.EventConsole), 1)

	payload := audio.FFTPayload{AnalyzerID: "fft1", Kind: store.FFTFrequency, Bins: []float32{0, 0.5, 1}}
	f.svc.SetFFTData(payload)
	assert.Equal(t, []audio.FFTPayload{payload}, f.probes["p"].fft)
	_, ok := f.svc.Stores().FFT.Texture("fft1", store.FFTFrequency)
	assert.True(t, ok)
}

func TestUniformStoreSetters(t *testing.T) {
	f := newFixture(t)
	f.svc.SetUniform("n", "speed", 2)
	v, ok := f.svc.Stores().Uniforms.Get("n", "speed")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	f.svc.RemoveUniforms("n")
	_, ok = f.svc.Stores().Uniforms.Get("n", "speed")
	assert.False(t, ok)
}

func TestPreviewsArriveOnALaterFrame(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{glslNode("osc", redShader), {ID: "p", Type: "probe"}}, nil)
	f.svc.SetPreviewEnabled("osc", true)
	f.svc.SetPreviewEnabled("p", true)
	f.svc.SetVisibleNodes([]string{"osc"})

	first := f.svc.RenderFrame(t0)
	assert.Empty(t, first.Previews)

	second := f.svc.RenderFrame(t0.Add(time.Second))
	require.Len(t, second.Previews, 1)
	pf := second.Previews[0]
	assert.Equal(t, "osc", pf.NodeID)
	assert.Equal(t, []int{2, 2}, []int{pf.W, pf.H})
	assert.Equal(t, byte(255), pf.Image.Pix[3])
}

func TestVideoFrameRequestsShareOneRead(t *testing.T) {
	f := newFixture(t)
	f.build(t, []graph.RenderNode{glslNode("osc", redShader)}, nil)
	f.svc.RequestVideoFrames([]readback.FrameRequest{
		{TargetID: "a", SourceID: "osc"},
		{TargetID: "b", SourceID: "osc"},
	})

	f.svc.RenderFrame(t0)
	reads := f.dev.AsyncReads
	frame := f.svc.RenderFrame(t0)

	require.Len(t, frame.VideoFrames, 2)
	assert.Equal(t, 1, reads)
	assert.NotSame(t, frame.VideoFrames[0].Image, frame.VideoFrames[1].Image)
	assert.Equal(t, frame.VideoFrames[0].Image.Pix, frame.VideoFrames[1].Image.Pix)
	assert.Nil(t, frame.Output)
}

func TestOutputWindowReceivesFrames(t *testing.T) {
	f := newFixture(t)
	f.build(t,
		[]graph.RenderNode{glslNode("osc", redShader), {ID: "out", Type: graph.OutputNodeType}},
		[]graph.RenderEdge{edge("osc", "out", 0)})
	f.svc.SetOutputEnabled(true)

	assert.Nil(t, f.svc.RenderFrame(t0).Output)
	frame := f.svc.RenderFrame(t0)
	require.NotNil(t, frame.Output)
	assert.Equal(t, image.Rect(0, 0, 4, 4), frame.Output.Rect)
	assert.Empty(t, frame.VideoFrames)
}

func TestCaptureOutput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CaptureOutput("")
	assert.Error(t, err)

	f.build(t,
		[]graph.RenderNode{glslNode("osc", redShader), {ID: "out", Type: graph.OutputNodeType}},
		[]graph.RenderEdge{edge("osc", "out", 0)})
	f.svc.RenderFrame(t0)

	img, err := f.svc.CaptureOutput("")
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Rect)
	node := f.pixel(f.outputOf(t, "osc"))
	assert.Equal(t, node[:], img.Pix[:4])
}

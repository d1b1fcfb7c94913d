package nodes

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/gpu/gputest"
	"github.com/patchies/gopatchies/graph"
	"github.com/patchies/gopatchies/scene3d"
	"github.com/patchies/gopatchies/store"
	"github.com/patchies/gopatchies/translator"
)

type recordingHost struct {
	mu     sync.Mutex
	events []Event
	files  map[string][]byte
}

func (h *recordingHost) Emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHost) ResolveVFS(_ context.Context, _, path string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if data, ok := h.files[path]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("%s not found", path)
}

func (h *recordingHost) byKind(kind EventKind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var (
	red   = [4]byte{255, 0, 0, 255}
	green = [4]byte{0, 255, 0, 255}
	blue  = [4]byte{0, 0, 255, 255}
)

func solidTexture(t *testing.T, dev *gputest.Device, c [4]byte) gpu.Texture {
	t.Helper()
	pix := bytes.Repeat(c[:], 4)
	tex, err := dev.CreateTexture(gpu.TextureOptions{Width: 2, Height: 2}, pix)
	require.NoError(t, err)
	return tex
}

func newVideoContext(t *testing.T) (*VideoContext, *gputest.Device, *store.Stores) {
	t.Helper()
	dev := gputest.New(8, 8)
	vc := &VideoContext{
		Device:    dev,
		Interop:   dev,
		OutputW:   4,
		OutputH:   4,
		PreviewW:  2,
		PreviewH:  2,
		Fallback:  solidTexture(t, dev, green),
		Validator: translator.Passthrough{},
		Log:       zap.NewNop(),
	}
	return vc, dev, store.New(dev)
}

func firstPixel(dev *gputest.Device, fb gpu.Framebuffer) [4]byte {
	_, _, pix := dev.Pixels(fb)
	return [4]byte(pix[:4])
}

const glslCode = `uniform float speed;
uniform vec3 tint;
uniform sampler2D first;
uniform sampler2D second;

void mainImage(out vec4 fragColor, in vec2 fragCoord) {
	fragColor = texture(first, fragCoord) * speed + vec4(tint, 1.0) + texture(second, fragCoord);
}
`

func newGlsl(t *testing.T, code string) (*GlslNode, *recordingHost, *gputest.Device, *store.Stores) {
	t.Helper()
	vc, dev, stores := newVideoContext(t)
	host := &recordingHost{}
	vn, err := NewGlslNode("g1", vc, host)
	require.NoError(t, err)
	n := vn.(*GlslNode)
	t.Cleanup(n.Destroy)
	if code != "" {
		require.NoError(t, n.Create(context.Background(), map[string]any{"code": code}, stores))
	}
	return n, host, dev, stores
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"canvas", "glsl", "hydra", "img", "three"}, r.Types())
	_, ok := r.Lookup("swgl")
	assert.False(t, ok)

	r.Register("swgl", NewGlslNode)
	_, ok = r.Lookup("swgl")
	assert.True(t, ok)
}

func TestGlslCreateWritesDefaultsAndPorts(t *testing.T) {
	n, host, _, stores := newGlsl(t, glslCode)

	speed, ok := stores.Uniforms.Get("g1", "speed")
	require.True(t, ok)
	assert.Equal(t, 0.0, speed)
	tint, _ := stores.Uniforms.Get("g1", "tint")
	assert.Equal(t, []float64{0, 0, 0}, tint)
	_, ok = stores.Uniforms.Get("g1", "first")
	assert.False(t, ok, "samplers get no stored value")

	ports := host.byKind(EventSetPortCount)
	require.Len(t, ports, 1)
	assert.Equal(t, 4, ports[0].Inlets)
	assert.Equal(t, 1, ports[0].Outlets)

	// a stored value survives a recompile
	stores.Uniforms.Set("g1", "speed", 2.5)
	require.NoError(t, n.Create(context.Background(), map[string]any{"code": glslCode}, stores))
	speed, _ = stores.Uniforms.Get("g1", "speed")
	assert.Equal(t, 2.5, speed)
}

func TestGlslCompileErrorMapsUserLines(t *testing.T) {
	n, host, dev, stores := newGlsl(t, "")
	code := "void mainImage(out vec4 c, in vec2 p) {\n\tSYNTAX_ERROR;\n}\n"

	err := n.Create(context.Background(), map[string]any{"code": code}, stores)
	require.Error(t, err)

	evs := host.byKind(EventShaderError)
	require.Len(t, evs, 1)
	assert.Equal(t, LevelError, evs[0].Level)
	assert.Contains(t, evs[0].LineErrors, 2)

	_, _, _, programs, _ := dev.Counts()
	assert.Equal(t, 0, programs)
	assert.ErrorIs(t, n.Render(RenderParams{}, nil), ErrNotCreated)
}

func TestGlslRenderSamplesInputsInOrder(t *testing.T) {
	n, _, dev, _ := newGlsl(t, glslCode)

	inputs := map[int]gpu.Texture{0: solidTexture(t, dev, red), 1: solidTexture(t, dev, blue)}
	require.NoError(t, n.Render(RenderParams{Time: 1.5, Frame: 3}, inputs))
	assert.Equal(t, red, firstPixel(dev, n.Framebuffer()), "first sampler reads inlet 0")

	iTime, ok := dev.Uniform(n.program, "iTime")
	require.True(t, ok)
	assert.Equal(t, float32(1.5), iTime)
	iFrame, _ := dev.Uniform(n.program, "iFrame")
	assert.Equal(t, int32(3), iFrame)

	require.NoError(t, n.Render(RenderParams{}, nil))
	assert.Equal(t, green, firstPixel(dev, n.Framebuffer()), "missing input samples the fallback")
}

func TestGlslFFTBoundSamplerSkipsInputSlot(t *testing.T) {
	n, _, dev, stores := newGlsl(t, "")
	data := map[string]any{
		"code":      glslCode,
		"fftInlets": []map[string]any{{"uniform": "first", "analyzerId": "a1", "kind": "wave"}},
	}
	require.NoError(t, n.Create(context.Background(), data, stores))
	require.NoError(t, stores.FFT.SetData("a1", store.FFTWaveform, []float32{0, 0, 0, 0}))

	require.NoError(t, n.Render(RenderParams{}, map[int]gpu.Texture{0: solidTexture(t, dev, red)}))
	tex, ok := stores.FFT.TextureFor("g1", "first")
	require.True(t, ok)
	_, _, fft := dev.TexturePixels(tex)
	_, _, out := dev.Pixels(n.Framebuffer())
	assert.Equal(t, fft[:4], out[:4], "unit 0 holds the analyzer texture")
}

func TestGlslSamplersFollowGraphInlets(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		edge string
		unit int
	}{
		{
			name: "code only",
			data: map[string]any{"code": glslCode},
			edge: "second",
			unit: 1,
		},
		{
			name: "analyzer before input",
			data: map[string]any{
				"code":      glslCode,
				"fftInlets": []any{map[string]any{"uniform": "first", "analyzerId": "a1", "kind": "wave"}},
			},
			edge: "second",
			unit: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _, dev, stores := newGlsl(t, "")
			require.NoError(t, n.Create(context.Background(), tt.data, stores))

			g, err := graph.BuildRenderGraph(
				[]graph.RenderNode{{ID: "src"}, {ID: "g1", Type: "glsl", Data: tt.data}},
				[]graph.RenderEdge{{ID: "e", Source: "src", Target: "g1", SourceHandle: "video-out", TargetHandle: tt.edge}},
			)
			require.NoError(t, err)
			node, _ := g.Node("g1")
			src := solidTexture(t, dev, red)
			inputs := make(map[int]gpu.Texture)
			for slot, id := range node.InletMap {
				if id == "src" {
					inputs[slot] = src
				}
			}

			// no analyzer data has arrived yet
			require.NoError(t, n.Render(RenderParams{}, inputs))
			assert.Equal(t, src, dev.UnitTexture(tt.unit))
		})
	}
}

func TestGlslMessages(t *testing.T) {
	n, host, dev, stores := newGlsl(t, glslCode)

	n.OnMessage(map[string]any{"type": "set", "name": "speed", "value": 3}, MessageMeta{})
	v, _ := stores.Uniforms.Get("g1", "speed")
	assert.Equal(t, 3.0, v)

	n.OnMessage(map[string]any{"type": "set", "name": "speed", "value": "fast"}, MessageMeta{})
	v, _ = stores.Uniforms.Get("g1", "speed")
	assert.Equal(t, 3.0, v, "invalid values keep the previous one")
	warns := host.byKind(EventConsole)
	require.Len(t, warns, 1)
	assert.Equal(t, LevelWarn, warns[0].Level)

	n.OnMessage([]any{1, 0.5, 0}, MessageMeta{Inlet: 1})
	v, _ = stores.Uniforms.Get("g1", "tint")
	assert.Equal(t, []float64{1, 0.5, 0}, v)

	n.OnMessage(map[string]any{"type": "bang"}, MessageMeta{})
	require.NoError(t, n.Render(RenderParams{Time: 5}, nil))
	iTime, _ := dev.Uniform(n.program, "iTime")
	assert.Equal(t, float32(0), iTime, "bang restarts the shader clock")
	require.NoError(t, n.Render(RenderParams{Time: 6}, nil))
	iTime, _ = dev.Uniform(n.program, "iTime")
	assert.Equal(t, float32(1), iTime)
}

func TestGlslCreateHonoursCancellation(t *testing.T) {
	n, _, dev, stores := newGlsl(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := n.Create(ctx, map[string]any{"code": glslCode}, stores)
	assert.ErrorIs(t, err, context.Canceled)
	_, _, _, programs, _ := dev.Counts()
	assert.Equal(t, 0, programs)
}

func TestGlslDestroyReleasesResources(t *testing.T) {
	vc, dev, stores := newVideoContext(t)
	texBefore, fbBefore, _, _, _ := dev.Counts()
	vn, err := NewGlslNode("g1", vc, NopHost{})
	require.NoError(t, err)
	n := vn.(*GlslNode)
	require.NoError(t, n.Create(context.Background(), map[string]any{"code": glslCode}, stores))

	n.Destroy()
	tex, fbs, _, programs, _ := dev.Counts()
	assert.Equal(t, texBefore, tex)
	assert.Equal(t, fbBefore, fbs)
	assert.Equal(t, 0, programs)
}

func TestHydraNode(t *testing.T) {
	vc, dev, stores := newVideoContext(t)
	host := &recordingHost{}
	vn, err := NewHydraNode("h1", vc, host)
	require.NoError(t, err)
	n := vn.(*HydraNode)
	t.Cleanup(n.Destroy)

	require.NoError(t, n.Create(context.Background(), map[string]any{"code": "solid(1, 0, 0).out(o0)"}, stores))
	require.NoError(t, n.Render(RenderParams{Time: 0.1}, nil))
	out := firstPixel(dev, n.Synth().Output(0).Framebuffer())
	assert.Equal(t, byte(255), out[3])
	assert.Equal(t, out, firstPixel(dev, n.Framebuffer()), "the selected output is shown")

	err = n.Create(context.Background(), map[string]any{"code": "solid(1, 0, 0).out(o0)\nnope().out()"}, stores)
	require.Error(t, err)
	evs := host.byKind(EventConsole)
	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].LineErrors, 2)
	require.NoError(t, n.Render(RenderParams{Time: 0.2}, nil), "the previous program keeps running")
	assert.Equal(t, out, firstPixel(dev, n.Framebuffer()))
}

func TestHydraNodeFirstEvalFails(t *testing.T) {
	vc, _, stores := newVideoContext(t)
	vn, err := NewHydraNode("h1", vc, NopHost{})
	require.NoError(t, err)
	n := vn.(*HydraNode)
	t.Cleanup(n.Destroy)

	require.Error(t, n.Create(context.Background(), map[string]any{"code": "nope().out()"}, stores))
	assert.ErrorIs(t, n.Render(RenderParams{}, nil), ErrNotCreated)
}

func TestHydraNodeFeedsSources(t *testing.T) {
	vc, dev, stores := newVideoContext(t)
	vn, err := NewHydraNode("h1", vc, NopHost{})
	require.NoError(t, err)
	n := vn.(*HydraNode)
	t.Cleanup(n.Destroy)

	require.NoError(t, n.Create(context.Background(), map[string]any{"code": "src(s0).out(o0)"}, stores))
	require.NoError(t, n.Render(RenderParams{}, map[int]gpu.Texture{0: solidTexture(t, dev, blue)}))
	assert.Equal(t, blue, firstPixel(dev, n.Framebuffer()))
}

const canvasCode = `import "github.com/gogpu/gg"

func Draw(dc *gg.Context, t float64) {
	dc.SetRGB(1, 0, 0)
	dc.DrawRectangle(0, 0, 4, 4)
	dc.Fill()
}
`

func TestCanvasNodeUploadsDrawing(t *testing.T) {
	vc, dev, stores := newVideoContext(t)
	vn, err := NewCanvasNode("c1", vc, NopHost{})
	require.NoError(t, err)
	n := vn.(*CanvasNode)
	t.Cleanup(n.Destroy)

	require.NoError(t, n.Create(context.Background(), map[string]any{"code": canvasCode}, stores))
	require.NoError(t, n.Render(RenderParams{}, nil))
	_, _, pix := dev.TexturePixels(n.Texture())
	assert.Greater(t, pix[0], byte(200))
	assert.Equal(t, byte(255), pix[3])
}

func TestCanvasNodeScriptErrors(t *testing.T) {
	vc, _, stores := newVideoContext(t)
	host := &recordingHost{}
	vn, err := NewCanvasNode("c1", vc, host)
	require.NoError(t, err)
	n := vn.(*CanvasNode)
	t.Cleanup(n.Destroy)

	err = n.Create(context.Background(), map[string]any{"code": "func Setup() {}"}, stores)
	require.Error(t, err, "Draw is required")

	code := `import "github.com/gogpu/gg"

func Draw(dc *gg.Context, t float64) {
	var s []int
	_ = s[3]
}
`
	require.NoError(t, n.Create(context.Background(), map[string]any{"code": code}, stores))
	require.NoError(t, n.Render(RenderParams{}, nil), "script panics never escape Render")
	require.NoError(t, n.Render(RenderParams{}, nil))

	evs := host.byKind(EventConsole)
	require.Len(t, evs, 2, "one for the missing Draw, one throttled runtime error")
	assert.Equal(t, LevelError, evs[1].Level)
}

type fakeSceneRenderer struct {
	dev    *gputest.Device
	tex    gpu.Texture
	fb     gpu.Framebuffer
	scenes int
	input  uint32
	resets int
	gone   bool
}

func (r *fakeSceneRenderer) RenderTarget(w, h int) error {
	tex, err := r.dev.CreateTexture(gpu.TextureOptions{Width: w, Height: h}, nil)
	if err != nil {
		return err
	}
	r.tex = tex
	r.fb, err = r.dev.CreateFramebuffer(tex, true)
	return err
}

func (r *fakeSceneRenderer) Render(scene *scene3d.Scene, _ *scene3d.PerspectiveCamera) error {
	r.scenes++
	r.input = scene.Input(0).NativeHandle()
	r.dev.Fill(r.fb, blue)
	return nil
}

func (r *fakeSceneRenderer) TargetFramebuffer() uint32 { return uint32(r.fb) }
func (r *fakeSceneRenderer) ResetState()               { r.resets++ }
func (r *fakeSceneRenderer) Dispose()                  { r.gone = true }

func TestThreeNode(t *testing.T) {
	vc, dev, stores := newVideoContext(t)
	fake := &fakeSceneRenderer{dev: dev}
	prev := newSceneRenderer
	newSceneRenderer = func() (sceneRenderer, error) { return fake, nil }
	t.Cleanup(func() { newSceneRenderer = prev })

	vn, err := NewThreeNode("t1", vc, NopHost{})
	require.NoError(t, err)
	n := vn.(*ThreeNode)

	code := `import "github.com/patchies/gopatchies/scene3d"

var cube = scene3d.NewMesh(scene3d.BoxGeometry(1, 1, 1), nil)

func Setup(s *scene3d.Scene) { s.Add(cube) }

func Draw(s *scene3d.Scene, t float64) { cube.Rotation.Y = float32(t) }
`
	require.NoError(t, n.Create(context.Background(), map[string]any{"code": code}, stores))
	require.Len(t, n.Scene().Objects, 1)

	in := solidTexture(t, dev, red)
	refreshes := dev.Refreshes
	require.NoError(t, n.Render(RenderParams{Time: 2}, map[int]gpu.Texture{0: in}))

	assert.Equal(t, float32(2), n.Scene().Objects[0].Rotation.Y)
	assert.Equal(t, uint32(in), fake.input, "inputs reach the scene by native handle")
	assert.Equal(t, blue, firstPixel(dev, n.Framebuffer()))
	assert.Equal(t, 1, fake.resets)
	assert.Greater(t, dev.Refreshes, refreshes)
	assert.Equal(t, 1, dev.Wrapped, "the scene framebuffer is adopted through the device")

	n.Destroy()
	assert.True(t, fake.gone)
}

func pngBytes(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImgNodeLoadsSource(t *testing.T) {
	vc, dev, stores := newVideoContext(t)
	host := &recordingHost{files: map[string][]byte{"user://red.png": pngBytes(t, color.RGBA{R: 255, A: 255})}}
	vn, err := NewImgNode("i1", vc, host)
	require.NoError(t, err)
	n := vn.(*ImgNode)

	require.NoError(t, n.Create(context.Background(), map[string]any{"src": "user://red.png"}, stores))
	require.Eventually(t, func() bool {
		if err := n.Render(RenderParams{}, nil); err != nil {
			return false
		}
		_, ok := stores.Textures.Get("i1")
		return ok
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, n.Render(RenderParams{}, nil))
	assert.Equal(t, red, firstPixel(dev, n.Framebuffer()))

	n.Destroy()
	_, ok := stores.Textures.Get("i1")
	assert.False(t, ok, "a bitmap the node loaded itself goes with it")
}

func TestImgNodeFallbackAndMainThreadBitmap(t *testing.T) {
	vc, dev, stores := newVideoContext(t)
	host := &recordingHost{}
	vn, err := NewImgNode("i1", vc, host)
	require.NoError(t, err)
	n := vn.(*ImgNode)

	require.NoError(t, n.Create(context.Background(), map[string]any{}, stores))
	require.NoError(t, n.Render(RenderParams{}, nil))
	assert.Equal(t, green, firstPixel(dev, n.Framebuffer()))

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		if i%4 == 2 || i%4 == 3 {
			img.Pix[i] = 255
		}
	}
	require.NoError(t, stores.Textures.Set("i1", img))
	require.NoError(t, n.Render(RenderParams{}, nil))
	assert.Equal(t, blue, firstPixel(dev, n.Framebuffer()))

	n.Destroy()
	_, ok := stores.Textures.Get("i1")
	assert.True(t, ok, "bitmaps pushed from the main thread outlive the node")
}

func TestImgNodeReportsMissingSource(t *testing.T) {
	vc, _, stores := newVideoContext(t)
	host := &recordingHost{}
	vn, err := NewImgNode("i1", vc, host)
	require.NoError(t, err)
	n := vn.(*ImgNode)
	t.Cleanup(n.Destroy)

	require.NoError(t, n.Create(context.Background(), map[string]any{"src": "user://missing.png"}, stores))
	require.Eventually(t, func() bool { return len(host.byKind(EventConsole)) == 1 }, time.Second, 5*time.Millisecond)
}

package renderer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patchies/gopatchies/audio"
	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/graph"
	"github.com/patchies/gopatchies/metrics"
	"github.com/patchies/gopatchies/nodes"
	"github.com/patchies/gopatchies/readback"
	"github.com/patchies/gopatchies/script"
	"github.com/patchies/gopatchies/store"
)

// OutputConsumer is the capture target under which the output frame is read
// for an attached output window.
const OutputConsumer = "@output"

// Config tunes a VideoWorkerService.
type Config struct {
	Preview readback.PreviewConfig
	// ScreenW and ScreenH size the default framebuffer the output is
	// presented on.
	ScreenW, ScreenH int
	// FlipOutput mirrors the output vertically when presenting it.
	FlipOutput bool
}

// Frame is what one RenderFrame produced for the main thread.
type Frame struct {
	Number      int
	Time        float64
	Previews    []readback.PreviewFrame
	VideoFrames []readback.VideoFrame
	// Output is the presented frame, set while an output window is attached
	// and a read of it completed.
	Output *image.RGBA
}

type liveNode struct {
	node   nodes.VideoNode
	host   *nodeHost
	ctx    context.Context
	cancel context.CancelFunc
}

// VideoWorkerService renders a RenderGraph. Every method must be called on
// the goroutine owning the GL context.
type VideoWorkerService struct {
	vc       *VideoContext
	registry *nodes.Registry
	host     nodes.Host
	stores   *store.Stores
	cfg      Config
	log      *zap.Logger

	v1       *FBORenderer
	readback *readback.PixelReadbackService
	previews *readback.PreviewRenderer
	capture  *readback.CaptureRenderer
	throttle *script.Throttle

	graph    *graph.RenderGraph
	buildCtx context.Context
	nodes    map[string]*liveNode
	paused   map[string]bool

	start     time.Time
	lastFrame time.Time
	frame     int
	mouse     [4]float32

	outputActive bool
	frameReqs    []readback.FrameRequest
}

func NewVideoWorkerService(vc *VideoContext, registry *nodes.Registry, host nodes.Host, cfg Config, log *zap.Logger) *VideoWorkerService {
	log = log.With(zap.String("component", "video-worker"))
	svc := readback.NewPixelReadbackService(vc.Device, log)
	if cfg.ScreenW <= 0 || cfg.ScreenH <= 0 {
		cfg.ScreenW, cfg.ScreenH = vc.OutputW, vc.OutputH
	}
	return &VideoWorkerService{
		vc:       vc,
		registry: registry,
		host:     host,
		stores:   store.New(vc.Device),
		cfg:      cfg,
		log:      log,
		v1:       NewFBORenderer(vc, host, log),
		readback: svc,
		previews: readback.NewPreviewRenderer(svc, cfg.Preview, log),
		capture:  readback.NewCaptureRenderer(svc, log),
		throttle: script.NewThrottle(time.Second),
		buildCtx: context.Background(),
		nodes:    make(map[string]*liveNode),
		paused:   make(map[string]bool),
	}
}

func (s *VideoWorkerService) Stores() *store.Stores { return s.stores }

func (s *VideoWorkerService) Graph() *graph.RenderGraph { return s.graph }

// Node returns the registered node instance rendering id.
func (s *VideoWorkerService) Node(id string) (nodes.VideoNode, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.node, true
}

// nodeHost notes whether a node already reported an error itself.
type nodeHost struct {
	nodes.Host
	reported atomic.Bool
}

func (h *nodeHost) Emit(ev nodes.Event) {
	if ev.Level == nodes.LevelError {
		h.reported.Store(true)
	}
	h.Host.Emit(ev)
}

// BuildGraph tears down every node and creates the nodes of g. Registered
// types take priority; everything else goes to the fixed dispatch
// renderer. A node failing to create is reported and left without output.
func (s *VideoWorkerService) BuildGraph(ctx context.Context, g *graph.RenderGraph) {
	s.destroyNodes()
	s.graph = g
	s.buildCtx = ctx

	for _, id := range g.SortedNodes {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		if _, registered := s.registry.Lookup(n.Type); registered {
			s.createNode(ctx, n)
		}
	}
	s.v1.BuildFBOs(g, func(typ string) bool {
		_, ok := s.registry.Lookup(typ)
		return ok
	})

	live := func(id string) bool {
		_, ok := g.Node(id)
		return ok
	}
	s.previews.Retain(live)
	for id := range s.paused {
		if !live(id) {
			delete(s.paused, id)
		}
	}
	s.log.Info("render graph built",
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("registered", len(s.nodes)),
		zap.String("output", g.OutputNodeID))
}

func (s *VideoWorkerService) createNode(ctx context.Context, n *graph.RenderNode) {
	factory, _ := s.registry.Lookup(n.Type)
	host := &nodeHost{Host: s.host}
	node, err := factory(n.ID, s.vc, host)
	if err != nil {
		s.createFailed(n, host, err)
		return
	}
	nodeCtx, cancel := context.WithCancel(ctx)
	s.nodes[n.ID] = &liveNode{node: node, host: host, ctx: nodeCtx, cancel: cancel}

	if c, ok := node.(nodes.Creator); ok {
		if err := c.Create(nodeCtx, n.Data, s.stores); err != nil {
			s.createFailed(n, host, err)
		}
	}
}

func (s *VideoWorkerService) createFailed(n *graph.RenderNode, host *nodeHost, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	metrics.RenderErrors.WithLabelValues(n.Type, "create").Inc()
	s.log.Warn("node create failed", zap.String("node", n.ID), zap.String("type", n.Type), zap.Error(err))
	if !host.reported.Load() {
		s.host.Emit(nodes.Event{Kind: nodes.EventConsole, NodeID: n.ID, Level: nodes.LevelError, Args: []any{err.Error()}})
	}
}

// UpdateNodeData re-runs Create of a live node with new data, keeping its
// framebuffer and stored state.
func (s *VideoWorkerService) UpdateNodeData(id string, data map[string]any) {
	if s.graph == nil {
		return
	}
	n, ok := s.graph.Node(id)
	if !ok {
		return
	}
	n.Data = data
	if s.v1.Has(id) {
		if err := s.v1.Build(n); err != nil {
			s.log.Warn("legacy node rebuild failed", zap.String("node", id), zap.Error(err))
		}
		return
	}
	live, ok := s.nodes[id]
	if !ok {
		return
	}
	c, ok := live.node.(nodes.Creator)
	if !ok {
		return
	}
	live.host.reported.Store(false)
	if err := c.Create(live.ctx, data, s.stores); err != nil {
		s.createFailed(n, live.host, err)
	}
}

func (s *VideoWorkerService) destroyNodes() {
	for id, n := range s.nodes {
		n.cancel()
		if d, ok := n.node.(nodes.Destroyer); ok {
			d.Destroy()
		}
		s.previews.Cancel(id)
		s.throttle.Forget(id)
		delete(s.nodes, id)
	}
	s.v1.DestroyAll()
}

// Start resets the time basis of the render loop.
func (s *VideoWorkerService) Start(now time.Time) {
	s.start = now
	s.lastFrame = now
	s.frame = 0
}

// output returns the framebuffer and texture holding the output of id.
func (s *VideoWorkerService) output(id string) (gpu.Framebuffer, gpu.Texture, bool) {
	if n, ok := s.nodes[id]; ok {
		return n.node.Framebuffer(), n.node.Texture(), true
	}
	return s.v1.Output(id)
}

func (s *VideoWorkerService) source(id string) (gpu.Framebuffer, int, int, bool) {
	fb, _, ok := s.output(id)
	if !ok || fb == 0 {
		return 0, 0, 0, false
	}
	return fb, s.vc.OutputW, s.vc.OutputH, true
}

// inputsOf resolves the inlet map of n to textures, external bitmaps
// before node outputs.
func (s *VideoWorkerService) inputsOf(n *graph.RenderNode) map[int]gpu.Texture {
	inputs := make(map[int]gpu.Texture, len(n.InletMap))
	for slot, src := range n.InletMap {
		if tex, ok := s.stores.Textures.Get(src); ok {
			inputs[slot] = tex
			continue
		}
		if _, tex, ok := s.output(src); ok {
			inputs[slot] = tex
		}
	}
	return inputs
}

func (s *VideoWorkerService) params(now time.Time) nodes.RenderParams {
	if s.start.IsZero() {
		s.Start(now)
	}
	p := nodes.RenderParams{
		Time:      now.Sub(s.start).Seconds(),
		TimeDelta: now.Sub(s.lastFrame).Seconds(),
		Frame:     s.frame,
		Mouse:     s.mouse,
		Width:     s.vc.OutputW,
		Height:    s.vc.OutputH,
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	p.Date = [4]float32{float32(now.Year()), float32(now.Month() - 1), float32(now.Day()), float32(now.Sub(midnight).Seconds())}
	return p
}

// RenderFrame renders every node in topological order, presents the output
// node and advances the readback pipelines.
func (s *VideoWorkerService) RenderFrame(now time.Time) Frame {
	began := time.Now()
	defer metrics.ObserveFrame(began)

	p := s.params(now)
	frame := Frame{Number: s.frame, Time: p.Time}
	s.lastFrame = now
	s.frame++

	g := s.graph
	if g == nil {
		return frame
	}
	for _, id := range g.SortedNodes {
		if s.paused[id] {
			continue
		}
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		if err := s.renderNode(n, p); err != nil {
			s.reportRenderError(n, err, now)
			continue
		}
		metrics.NodesRendered.WithLabelValues(n.Type).Inc()
	}

	s.present()

	// harvest before initiating so a read never completes in the frame it
	// started
	frame.Previews = s.previews.Harvest()
	for _, vf := range s.capture.HarvestVideoFrames() {
		if vf.TargetID == OutputConsumer {
			frame.Output = vf.Image
			continue
		}
		frame.VideoFrames = append(frame.VideoFrames, vf)
	}

	s.previews.Initiate(s.previews.Select(now, g.SortedNodes, s.outputActive), s.source)
	reqs := s.frameReqs
	s.frameReqs = nil
	if s.outputActive && g.OutputNodeID != "" {
		reqs = append(reqs, readback.FrameRequest{TargetID: OutputConsumer, SourceID: g.OutputNodeID})
	}
	if len(reqs) > 0 {
		s.capture.InitiateVideoFrameBatchAsync(reqs, s.source)
	}
	return frame
}

func (s *VideoWorkerService) renderNode(n *graph.RenderNode, p nodes.RenderParams) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render panicked: %v", r)
		}
	}()
	if live, ok := s.nodes[n.ID]; ok {
		r, ok := live.node.(nodes.Renderer)
		if !ok {
			return nil
		}
		return r.Render(p, s.inputsOf(n))
	}
	if s.v1.Has(n.ID) {
		return s.v1.RenderNode(n.ID, p, s.inputsOf(n))
	}
	return nil
}

func (s *VideoWorkerService) reportRenderError(n *graph.RenderNode, err error, now time.Time) {
	metrics.RenderErrors.WithLabelValues(n.Type, "render").Inc()
	if errors.Is(err, nodes.ErrNotCreated) {
		// create already reported why
		return
	}
	msg := err.Error()
	if !s.throttle.Allow(n.ID, msg, now) {
		return
	}
	s.log.Warn("node render failed", zap.String("node", n.ID), zap.String("type", n.Type), zap.Error(err))
	s.host.Emit(nodes.Event{Kind: nodes.EventConsole, NodeID: n.ID, Level: nodes.LevelError, Args: []any{msg}})
}

// present copies the output node into the default framebuffer.
func (s *VideoWorkerService) present() {
	d := s.vc.Device
	d.BindFramebuffer(gpu.DefaultFramebuffer)
	d.Viewport(gpu.FullRect(s.cfg.ScreenW, s.cfg.ScreenH))
	fb, _, ok := s.output(s.graph.OutputNodeID)
	if s.graph.OutputNodeID == "" || !ok {
		d.Clear(0, 0, 0, 1)
		return
	}
	d.BlitFramebuffer(fb, gpu.DefaultFramebuffer,
		gpu.FullRect(s.vc.OutputW, s.vc.OutputH),
		gpu.FullRect(s.cfg.ScreenW, s.cfg.ScreenH),
		s.cfg.FlipOutput, gpu.FilterLinear)
}

// TogglePause flips the paused state of id and returns the new state. A
// paused node keeps its last frame.
func (s *VideoWorkerService) TogglePause(id string) bool {
	if s.paused[id] {
		delete(s.paused, id)
		return false
	}
	s.paused[id] = true
	return true
}

func (s *VideoWorkerService) IsPaused(id string) bool { return s.paused[id] }

func (s *VideoWorkerService) SetUniform(id, name string, value any) {
	s.stores.Uniforms.Set(id, name, value)
}

func (s *VideoWorkerService) RemoveUniforms(id string) {
	s.stores.Uniforms.Remove(id)
}

// SetBitmap stores img (top row first) as the external texture of id.
func (s *VideoWorkerService) SetBitmap(id string, img *image.RGBA) error {
	return s.stores.Textures.Set(id, img)
}

func (s *VideoWorkerService) RemoveBitmap(id string) {
	s.stores.Textures.Remove(id)
}

// SendMessage delivers data to the message hook of id. A panicking handler
// is reported like a render error.
func (s *VideoWorkerService) SendMessage(id string, data any, meta nodes.MessageMeta) {
	live, ok := s.nodes[id]
	if !ok {
		return
	}
	h, ok := live.node.(nodes.MessageHandler)
	if !ok {
		return
	}
	if err := script.Call(func() { h.OnMessage(data, meta) }); err != nil {
		n, _ := s.graph.Node(id)
		s.reportRenderError(n, err, time.Now())
	}
}

// SetFFTData uploads an analysis result and hands it to every node that
// consumes raw analysis data.
func (s *VideoWorkerService) SetFFTData(payload audio.FFTPayload) {
	if err := s.stores.FFT.SetData(payload.AnalyzerID, payload.Kind, payload.Bins); err != nil {
		s.log.Warn("fft upload failed", zap.String("analyzer", payload.AnalyzerID), zap.Error(err))
	}
	for _, live := range s.nodes {
		if r, ok := live.node.(nodes.FFTReceiver); ok {
			r.SetFFTData(payload)
		}
	}
}

// SetMouse sets the iMouse value of following frames.
func (s *VideoWorkerService) SetMouse(m [4]float32) { s.mouse = m }

// SetOutputSize resizes every node target by rebuilding the graph.
func (s *VideoWorkerService) SetOutputSize(w, h int) {
	if w <= 0 || h <= 0 || (w == s.vc.OutputW && h == s.vc.OutputH) {
		return
	}
	s.vc.OutputW, s.vc.OutputH = w, h
	if s.graph != nil {
		s.BuildGraph(s.buildCtx, s.graph)
	}
}

// SetScreenSize follows the size of the default framebuffer.
func (s *VideoWorkerService) SetScreenSize(w, h int) {
	if w > 0 && h > 0 {
		s.cfg.ScreenW, s.cfg.ScreenH = w, h
	}
}

func (s *VideoWorkerService) SetPreviewSize(w, h int) {
	s.vc.PreviewW, s.vc.PreviewH = w, h
	s.previews.SetPreviewSize(w, h)
}

func (s *VideoWorkerService) SetPreviewEnabled(id string, on bool) {
	s.previews.SetPreviewEnabled(id, on)
	if !on {
		s.previews.Cancel(id)
	}
}

func (s *VideoWorkerService) SetVisibleNodes(ids []string) {
	s.previews.SetVisibleNodes(ids)
}

// SetOutputEnabled attaches or detaches an output window.
func (s *VideoWorkerService) SetOutputEnabled(on bool) { s.outputActive = on }

// RequestVideoFrames queues reads for the next frame. Frames are delivered
// through Frame.VideoFrames once they complete.
func (s *VideoWorkerService) RequestVideoFrames(reqs []readback.FrameRequest) {
	s.frameReqs = append(s.frameReqs, reqs...)
}

// CaptureOutput reads the current output of id, or of the output node when
// id is empty, blocking on the GPU.
func (s *VideoWorkerService) CaptureOutput(id string) (*image.RGBA, error) {
	if id == "" && s.graph != nil {
		id = s.graph.OutputNodeID
	}
	fb, w, h, ok := s.source(id)
	if !ok {
		return nil, fmt.Errorf("no output to capture for %q", id)
	}
	return s.capture.CaptureSync(fb, w, h)
}

func (s *VideoWorkerService) Destroy() {
	s.destroyNodes()
	s.previews.Destroy()
	s.capture.Destroy()
	s.readback.Destroy()
	s.stores.Destroy()
	if s.vc.Fallback != 0 {
		s.vc.Device.DeleteTexture(s.vc.Fallback)
		s.vc.Fallback = 0
	}
}

// Package glsystem is the main thread side of the render engine. It keeps
// the patch as edited, turns it into render graphs when its structure
// changes and routes worker events to subscribers.
package glsystem

import (
	"context"
	"errors"
	"fmt"
	"image"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/patchies/gopatchies/audio"
	"github.com/patchies/gopatchies/graph"
	"github.com/patchies/gopatchies/metrics"
	"github.com/patchies/gopatchies/nodes"
	"github.com/patchies/gopatchies/readback"
	"github.com/patchies/gopatchies/worker"
)

// Sender delivers messages to the render worker.
type Sender interface {
	Send(msg worker.Message) error
}

// Resolver answers VFS requests of nodes.
type Resolver interface {
	Resolve(ctx context.Context, path string) ([]byte, error)
}

// OutputSink receives presented frames for detached output windows.
type OutputSink interface {
	Active() bool
	Broadcast(img *image.RGBA) error
}

// GLSystem owns the editable patch. It is safe for concurrent use.
type GLSystem struct {
	send     Sender
	resolver Resolver
	log      *zap.Logger

	// editMu orders patch edits and their messages. It is taken before mu
	// and held while sending, so event routing never waits on the worker.
	editMu sync.Mutex
	mu     sync.Mutex
	nodes  map[string]graph.RenderNode
	edges  []graph.RenderEdge
	hash   uint64
	graph  *graph.RenderGraph
	output OutputSink

	onPreview     []func(readback.PreviewFrame)
	onConsole     []func(nodes.Event)
	onNodeEvent   []func(nodes.Event)
	onOutputFrame []func(*image.RGBA)
	onVideoFrames []func([]readback.VideoFrame)
	onCaptured    []func(worker.Event)
}

func New(send Sender, resolver Resolver, log *zap.Logger) *GLSystem {
	return &GLSystem{
		send:     send,
		resolver: resolver,
		log:      log.With(zap.String("component", "glsystem")),
		nodes:    make(map[string]graph.RenderNode),
	}
}

// Graph returns the graph last sent to the worker.
func (s *GLSystem) Graph() *graph.RenderGraph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// SetPatch replaces the whole patch.
func (s *GLSystem) SetPatch(ns []graph.RenderNode, es []graph.RenderEdge) error {
	return s.edit(func() {
		s.nodes = make(map[string]graph.RenderNode, len(ns))
		for _, n := range ns {
			s.nodes[n.ID] = n
		}
		s.edges = slices.Clone(es)
	})
}

func (s *GLSystem) UpsertNode(n graph.RenderNode) error {
	return s.edit(func() { s.nodes[n.ID] = n })
}

func (s *GLSystem) RemoveNode(id string) error {
	return s.edit(func() { delete(s.nodes, id) })
}

func (s *GLSystem) UpdateEdges(es []graph.RenderEdge) error {
	return s.edit(func() { s.edges = slices.Clone(es) })
}

// edit applies fn to the patch and sends the resulting messages after mu is
// released. The worker may block on a full events channel that only Run
// drains, and Run needs mu.
func (s *GLSystem) edit(fn func()) error {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	s.mu.Lock()
	fn()
	msgs, err := s.sync()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := s.send.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

// sync rebuilds the render graph when the patch changed and returns the
// messages that bring the worker up to date. A change that only touches
// node data becomes in place updates; anything else rebuilds the worker's
// nodes. A cyclic patch keeps the previous graph running.
func (s *GLSystem) sync() ([]worker.Message, error) {
	ns := make([]graph.RenderNode, 0, len(s.nodes))
	for _, id := range slices.Sorted(maps.Keys(s.nodes)) {
		ns = append(ns, s.nodes[id])
	}
	h := graph.Hash(ns, s.edges)
	if s.graph != nil && h == s.hash {
		return nil, nil
	}

	g, err := graph.BuildRenderGraph(ns, s.edges)
	if err != nil {
		metrics.GraphRebuilds.WithLabelValues("rejected").Inc()
		s.log.Warn("render graph rejected, keeping the previous one", zap.Error(err))
		return nil, err
	}

	prev := s.graph
	s.graph = g
	s.hash = h
	if prev != nil && sameStructure(prev, g) {
		metrics.GraphRebuilds.WithLabelValues("data").Inc()
		var msgs []worker.Message
		for _, n := range g.Nodes {
			old, _ := prev.Node(n.ID)
			if nodeHash(*old) == nodeHash(n) {
				continue
			}
			msgs = append(msgs, worker.Message{Kind: worker.MsgUpdateNodeData, NodeID: n.ID, Data: n.Data})
		}
		return msgs, nil
	}

	metrics.GraphRebuilds.WithLabelValues("full").Inc()
	s.log.Debug("render graph rebuilt", zap.Int("nodes", len(g.Nodes)), zap.Int("edges", len(g.Edges)))
	return []worker.Message{{Kind: worker.MsgBuildRenderGraph, Graph: g}}, nil
}

func nodeHash(n graph.RenderNode) uint64 {
	return graph.Hash([]graph.RenderNode{n}, nil)
}

// sameStructure reports whether b renders the same nodes in the same order
// with the same wiring as a.
func sameStructure(a, b *graph.RenderGraph) bool {
	if a.OutputNodeID != b.OutputNodeID || !slices.Equal(a.SortedNodes, b.SortedNodes) {
		return false
	}
	for _, nb := range b.Nodes {
		na, ok := a.Node(nb.ID)
		if !ok || na.Type != nb.Type || !maps.Equal(na.InletMap, nb.InletMap) {
			return false
		}
	}
	return true
}

func (s *GLSystem) post(msg worker.Message) error {
	if err := s.send.Send(msg); err != nil {
		return fmt.Errorf("failed to post %s: %w", msg.Kind, err)
	}
	return nil
}

func (s *GLSystem) SetUniformData(nodeID, name string, value any) error {
	return s.post(worker.Message{Kind: worker.MsgSetUniformData, NodeID: nodeID, UniformName: name, UniformValue: value})
}

func (s *GLSystem) RemoveUniformData(nodeID string) error {
	return s.post(worker.Message{Kind: worker.MsgRemoveUniformData, NodeID: nodeID})
}

// SetBitmap hands img to the worker. The caller must not modify it
// afterwards.
func (s *GLSystem) SetBitmap(nodeID string, img *image.RGBA) error {
	return s.post(worker.Message{Kind: worker.MsgSetBitmap, NodeID: nodeID, Bitmap: img})
}

func (s *GLSystem) RemoveBitmap(nodeID string) error {
	return s.post(worker.Message{Kind: worker.MsgRemoveBitmap, NodeID: nodeID})
}

func (s *GLSystem) SetPreviewEnabled(nodeID string, on bool) error {
	return s.post(worker.Message{Kind: worker.MsgSetPreviewEnabled, NodeID: nodeID, Enabled: on})
}

func (s *GLSystem) SetPreviewSize(w, h int) error {
	return s.post(worker.Message{Kind: worker.MsgSetPreviewSize, Width: w, Height: h})
}

func (s *GLSystem) SetOutputSize(w, h int) error {
	return s.post(worker.Message{Kind: worker.MsgSetOutputSize, Width: w, Height: h})
}

func (s *GLSystem) SetOutputEnabled(on bool) error {
	return s.post(worker.Message{Kind: worker.MsgSetOutputEnabled, Enabled: on})
}

func (s *GLSystem) SetVisibleNodes(ids []string) error {
	return s.post(worker.Message{Kind: worker.MsgSetVisibleNodes, NodeIDs: ids})
}

func (s *GLSystem) SendMessageToNode(nodeID string, data any, meta nodes.MessageMeta) error {
	return s.post(worker.Message{Kind: worker.MsgSendMessageToNode, NodeID: nodeID, Message: data, Meta: meta})
}

func (s *GLSystem) ToggleNodePause(nodeID string) error {
	return s.post(worker.Message{Kind: worker.MsgToggleNodePause, NodeID: nodeID})
}

func (s *GLSystem) StartAnimation() error {
	return s.post(worker.Message{Kind: worker.MsgStartAnimation})
}

func (s *GLSystem) StopAnimation() error {
	return s.post(worker.Message{Kind: worker.MsgStopAnimation})
}

func (s *GLSystem) SetFFTData(p audio.FFTPayload) error {
	return s.post(worker.Message{Kind: worker.MsgSetFFTData, FFT: &p})
}

func (s *GLSystem) SetMouse(m [4]float32) error {
	return s.post(worker.Message{Kind: worker.MsgSetMouse, Mouse: m})
}

func (s *GLSystem) RequestVideoFrames(reqs []readback.FrameRequest) error {
	return s.post(worker.Message{Kind: worker.MsgRequestVideoFrames, Requests: reqs})
}

// CaptureOutput asks for a blocking read of nodeID (the output node when
// empty). The result arrives through OnCaptured with requestID.
func (s *GLSystem) CaptureOutput(nodeID, requestID string) error {
	return s.post(worker.Message{Kind: worker.MsgCaptureOutput, NodeID: nodeID, RequestID: requestID})
}

// SetOutputSink attaches the destination of presented frames.
func (s *GLSystem) SetOutputSink(sink OutputSink) {
	s.mu.Lock()
	s.output = sink
	s.mu.Unlock()
}

func (s *GLSystem) OnPreview(fn func(readback.PreviewFrame)) {
	s.mu.Lock()
	s.onPreview = append(s.onPreview, fn)
	s.mu.Unlock()
}

// OnConsole receives console output and shader errors.
func (s *GLSystem) OnConsole(fn func(nodes.Event)) {
	s.mu.Lock()
	s.onConsole = append(s.onConsole, fn)
	s.mu.Unlock()
}

// OnNodeEvent receives node chrome updates and messages sent by nodes.
func (s *GLSystem) OnNodeEvent(fn func(nodes.Event)) {
	s.mu.Lock()
	s.onNodeEvent = append(s.onNodeEvent, fn)
	s.mu.Unlock()
}

func (s *GLSystem) OnOutputFrame(fn func(*image.RGBA)) {
	s.mu.Lock()
	s.onOutputFrame = append(s.onOutputFrame, fn)
	s.mu.Unlock()
}

func (s *GLSystem) OnVideoFrames(fn func([]readback.VideoFrame)) {
	s.mu.Lock()
	s.onVideoFrames = append(s.onVideoFrames, fn)
	s.mu.Unlock()
}

func (s *GLSystem) OnCaptured(fn func(worker.Event)) {
	s.mu.Lock()
	s.onCaptured = append(s.onCaptured, fn)
	s.mu.Unlock()
}

// Run routes events until ctx is done or events is closed.
func (s *GLSystem) Run(ctx context.Context, events <-chan worker.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent routes one worker event.
func (s *GLSystem) HandleEvent(ctx context.Context, ev worker.Event) {
	s.mu.Lock()
	var (
		preview  = slices.Clone(s.onPreview)
		console  = slices.Clone(s.onConsole)
		chrome   = slices.Clone(s.onNodeEvent)
		frames   = slices.Clone(s.onOutputFrame)
		video    = slices.Clone(s.onVideoFrames)
		captured = slices.Clone(s.onCaptured)
		sink     = s.output
	)
	s.mu.Unlock()

	switch ev.Kind {
	case worker.EventPreviewFrame:
		pf := readback.PreviewFrame{NodeID: ev.NodeID, Image: ev.Image, W: ev.Width, H: ev.Height}
		for _, fn := range preview {
			fn(pf)
		}
	case nodes.EventConsole, nodes.EventShaderError:
		for _, fn := range console {
			fn(ev.Event)
		}
	case worker.EventAnimationFrame:
		if sink != nil && sink.Active() {
			if err := sink.Broadcast(ev.Image); err != nil {
				s.log.Warn("output broadcast failed", zap.Error(err))
			}
		}
		for _, fn := range frames {
			fn(ev.Image)
		}
	case worker.EventVideoFrames:
		for _, fn := range video {
			fn(ev.VideoFrames)
		}
	case worker.EventCaptured:
		for _, fn := range captured {
			fn(ev)
		}
	case worker.EventResolveVfsUrl:
		go s.resolve(ctx, ev)
	default:
		for _, fn := range chrome {
			fn(ev.Event)
		}
	}
}

func (s *GLSystem) resolve(ctx context.Context, ev worker.Event) {
	reply := worker.Message{Kind: worker.MsgResolveVfsUrlReply, NodeID: ev.NodeID, RequestID: ev.RequestID}
	if s.resolver == nil {
		reply.VFSError = "no file system configured"
	} else if data, err := s.resolver.Resolve(ctx, ev.Path); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		reply.VFSError = err.Error()
	} else {
		reply.VFSData = data
	}
	if err := s.send.Send(reply); err != nil {
		s.log.Warn("vfs reply dropped", zap.String("path", ev.Path), zap.Error(err))
	}
}

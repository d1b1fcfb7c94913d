package readback

import (
	"image"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/metrics"
)

// PreviewConfig bounds how much readback work previews may cost.
type PreviewConfig struct {
	Width, Height int
	// MaxFPS limits how often a preview batch starts. Zero disables the limit.
	MaxFPS int
	// MaxPerFrame caps reads started per batch. Zero means every candidate.
	MaxPerFrame int
	// MaxPerFrameWhenOutputActive replaces MaxPerFrame while an output
	// window is consuming frames. Zero falls back to MaxPerFrame.
	MaxPerFrameWhenOutputActive int
}

// DefaultPreviewConfig returns the stock preview settings.
func DefaultPreviewConfig() PreviewConfig {
	return PreviewConfig{Width: 200, Height: 150, MaxFPS: 48, MaxPerFrameWhenOutputActive: 2}
}

// PreviewFrame is a harvested thumbnail. Image is owned by the receiver.
type PreviewFrame struct {
	NodeID string
	Image  *image.RGBA
	W, H   int
}

// Source resolves a node to the framebuffer holding its output.
type Source func(nodeID string) (fb gpu.Framebuffer, w, h int, ok bool)

// PreviewRenderer schedules and harvests node thumbnails.
type PreviewRenderer struct {
	svc *PixelReadbackService
	log *zap.Logger
	cfg PreviewConfig

	enabled map[string]bool
	visible map[string]bool
	pending map[string]*PendingRead
	cursor  int
	last    time.Time
}

func NewPreviewRenderer(svc *PixelReadbackService, cfg PreviewConfig, log *zap.Logger) *PreviewRenderer {
	return &PreviewRenderer{
		svc:     svc,
		log:     log.With(zap.String("component", "preview")),
		cfg:     cfg,
		enabled: make(map[string]bool),
		visible: make(map[string]bool),
		pending: make(map[string]*PendingRead),
	}
}

func (p *PreviewRenderer) SetPreviewEnabled(nodeID string, on bool) {
	if on {
		p.enabled[nodeID] = true
		return
	}
	delete(p.enabled, nodeID)
	p.Cancel(nodeID)
}

func (p *PreviewRenderer) SetPreviewSize(w, h int) {
	if w > 0 && h > 0 {
		p.cfg.Width, p.cfg.Height = w, h
	}
}

// SetVisibleNodes replaces the visibility set. An empty set culls nothing.
func (p *PreviewRenderer) SetVisibleNodes(ids []string) {
	p.visible = make(map[string]bool, len(ids))
	for _, id := range ids {
		p.visible[id] = true
	}
}

// IsEnabled reports whether nodeID wants previews.
func (p *PreviewRenderer) IsEnabled(nodeID string) bool { return p.enabled[nodeID] }

// InFlight is the number of reads awaiting harvest.
func (p *PreviewRenderer) InFlight() int { return len(p.pending) }

// Select picks the nodes whose previews start this frame. order is the
// render order and fixes the round-robin sequence.
func (p *PreviewRenderer) Select(now time.Time, order []string, outputActive bool) []string {
	if p.cfg.MaxFPS > 0 && !p.last.IsZero() {
		if now.Sub(p.last) < time.Second/time.Duration(p.cfg.MaxFPS) {
			return nil
		}
	}

	// The cursor walks the enabled and visible nodes, which do not change
	// while reads complete, so nodes still in flight are skipped without
	// shifting everyone else's turn.
	var eligible []string
	for _, id := range order {
		if !p.enabled[id] {
			continue
		}
		if len(p.visible) > 0 && !p.visible[id] {
			continue
		}
		eligible = append(eligible, id)
	}
	if len(eligible) == 0 {
		return nil
	}

	limit := p.cfg.MaxPerFrame
	if outputActive && p.cfg.MaxPerFrameWhenOutputActive > 0 {
		limit = p.cfg.MaxPerFrameWhenOutputActive
	}
	var selected []string
	if limit <= 0 || limit >= len(eligible) {
		for _, id := range eligible {
			if _, busy := p.pending[id]; !busy {
				selected = append(selected, id)
			}
		}
		if len(selected) > 0 {
			p.last = now
		}
		return selected
	}

	start := p.cursor % len(eligible)
	for i := 0; i < len(eligible) && len(selected) < limit; i++ {
		idx := (start + i) % len(eligible)
		if _, busy := p.pending[eligible[idx]]; busy {
			continue
		}
		selected = append(selected, eligible[idx])
		p.cursor = idx + 1
	}
	if len(selected) == 0 {
		return nil
	}
	p.last = now
	return selected
}

// Initiate starts one async read per node. Nodes already in flight or
// without a framebuffer are skipped.
func (p *PreviewRenderer) Initiate(ids []string, source Source) {
	for _, id := range ids {
		if _, busy := p.pending[id]; busy {
			continue
		}
		fb, w, h, ok := source(id)
		if !ok {
			continue
		}
		if err := p.svc.BlitToIntermediate(fb, w, h, p.cfg.Width, p.cfg.Height, true); err != nil {
			p.log.Warn("preview blit failed", zap.String("node", id), zap.Error(err))
			continue
		}
		read, err := p.svc.StartAsync()
		if err != nil {
			p.log.Warn("preview read failed to start", zap.String("node", id), zap.Error(err))
			continue
		}
		p.pending[id] = read
		metrics.Readbacks.WithLabelValues("preview", "started").Inc()
	}
}

// Harvest collects every completed read. Reads still in flight stay pending;
// failed reads are logged and dropped.
func (p *PreviewRenderer) Harvest() []PreviewFrame {
	if len(p.pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var frames []PreviewFrame
	for _, id := range ids {
		read := p.pending[id]
		pixels, status := p.svc.Poll(read)
		switch status {
		case gpu.WaitTimeoutExpired:
			continue
		case gpu.WaitFailed:
			p.log.Warn("preview read failed", zap.String("node", id), zap.Error(ErrReadFailed))
			metrics.Readbacks.WithLabelValues("preview", "failed").Inc()
		case gpu.WaitSignaled:
			frames = append(frames, PreviewFrame{
				NodeID: id,
				Image:  NewImage(read.W, read.H, pixels),
				W:      read.W,
				H:      read.H,
			})
			metrics.Readbacks.WithLabelValues("preview", "harvested").Inc()
		}
		delete(p.pending, id)
	}
	return frames
}

// Cancel drops any in-flight read for nodeID.
func (p *PreviewRenderer) Cancel(nodeID string) {
	if read, ok := p.pending[nodeID]; ok {
		p.svc.Discard(read)
		delete(p.pending, nodeID)
	}
}

// Retain cancels reads of nodes not in keep, used after a graph rebuild.
func (p *PreviewRenderer) Retain(keep func(nodeID string) bool) {
	for id := range p.pending {
		if !keep(id) {
			p.Cancel(id)
		}
	}
}

func (p *PreviewRenderer) Destroy() {
	for id := range p.pending {
		p.Cancel(id)
	}
}

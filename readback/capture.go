package readback

import (
	"fmt"
	"image"
	"slices"

	"go.uber.org/zap"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/metrics"
)

// FrameRequest asks for the current output of SourceID on behalf of
// TargetID.
type FrameRequest struct {
	TargetID string `json:"targetNodeId"`
	SourceID string `json:"sourceNodeId"`
}

// VideoFrame answers one FrameRequest. Every consumer gets its own image.
type VideoFrame struct {
	TargetID string
	SourceID string
	Image    *image.RGBA
}

type captureRead struct {
	read      *PendingRead
	consumers []string
}

// CaptureRenderer reads node outputs for export and for nodes consuming
// other nodes' frames. Requests for the same source share one GPU read.
type CaptureRenderer struct {
	svc     *PixelReadbackService
	log     *zap.Logger
	pending map[string]*captureRead
}

func NewCaptureRenderer(svc *PixelReadbackService, log *zap.Logger) *CaptureRenderer {
	return &CaptureRenderer{
		svc:     svc,
		log:     log.With(zap.String("component", "capture")),
		pending: make(map[string]*captureRead),
	}
}

// CaptureSync reads fb immediately in image row order.
func (c *CaptureRenderer) CaptureSync(fb gpu.Framebuffer, w, h int) (*image.RGBA, error) {
	if err := c.svc.BlitToIntermediate(fb, w, h, w, h, true); err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}
	return c.svc.ReadSync(), nil
}

// InitiateVideoFrameBatchAsync starts one read per distinct source. A source
// with a read already in flight gains the new consumers instead.
func (c *CaptureRenderer) InitiateVideoFrameBatchAsync(requests []FrameRequest, source Source) {
	for _, req := range requests {
		if cr, ok := c.pending[req.SourceID]; ok {
			cr.consumers = append(cr.consumers, req.TargetID)
			continue
		}
		fb, w, h, ok := source(req.SourceID)
		if !ok {
			c.log.Debug("frame request for unknown source", zap.String("source", req.SourceID))
			continue
		}
		if err := c.svc.BlitToIntermediate(fb, w, h, w, h, true); err != nil {
			c.log.Warn("capture blit failed", zap.String("source", req.SourceID), zap.Error(err))
			continue
		}
		read, err := c.svc.StartAsync()
		if err != nil {
			c.log.Warn("capture read failed to start", zap.String("source", req.SourceID), zap.Error(err))
			continue
		}
		c.pending[req.SourceID] = &captureRead{read: read, consumers: []string{req.TargetID}}
		metrics.Readbacks.WithLabelValues("capture", "started").Inc()
	}
}

// HarvestVideoFrames returns a frame per consumer of every completed read.
// The source buffer is recycled once all of its consumers are served.
func (c *CaptureRenderer) HarvestVideoFrames() []VideoFrame {
	if len(c.pending) == 0 {
		return nil
	}
	sources := make([]string, 0, len(c.pending))
	for id := range c.pending {
		sources = append(sources, id)
	}
	slices.Sort(sources)

	var frames []VideoFrame
	for _, src := range sources {
		cr := c.pending[src]
		pixels, status := c.svc.Poll(cr.read)
		switch status {
		case gpu.WaitTimeoutExpired:
			continue
		case gpu.WaitFailed:
			c.log.Warn("capture read failed", zap.String("source", src), zap.Int("consumers", len(cr.consumers)), zap.Error(ErrReadFailed))
			metrics.Readbacks.WithLabelValues("capture", "failed").Inc()
		case gpu.WaitSignaled:
			for _, target := range cr.consumers {
				frames = append(frames, VideoFrame{
					TargetID: target,
					SourceID: src,
					Image:    NewImage(cr.read.W, cr.read.H, pixels),
				})
			}
			metrics.Readbacks.WithLabelValues("capture", "harvested").Inc()
		}
		delete(c.pending, src)
	}
	return frames
}

// InFlight is the number of distinct sources being read.
func (c *CaptureRenderer) InFlight() int { return len(c.pending) }

func (c *CaptureRenderer) Destroy() {
	for src, cr := range c.pending {
		c.svc.Discard(cr.read)
		delete(c.pending, src)
	}
}

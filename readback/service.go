package readback

import (
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/patchies/gopatchies/gpu"
)

// ErrReadFailed is reported when the driver fails a fence wait. The read is
// discarded and its buffer recycled.
var ErrReadFailed = errors.New("pixel readback failed")

// PendingRead is an in-flight transfer into a pixel buffer.
type PendingRead struct {
	buf  gpu.PixelBuffer
	sync gpu.Sync
	W, H int
}

// PixelReadbackService owns the pixel buffer pool, the scratch image cache
// and one intermediate framebuffer every read goes through. Sources are
// first scaled (and usually flipped) into the intermediate, then read.
type PixelReadbackService struct {
	device gpu.Device
	log    *zap.Logger
	pool   *PBOPool
	cache  *CanvasCache

	intermediateTex gpu.Texture
	intermediateFB  gpu.Framebuffer
	w, h            int
}

func NewPixelReadbackService(device gpu.Device, log *zap.Logger) *PixelReadbackService {
	return &PixelReadbackService{
		device: device,
		log:    log.With(zap.String("component", "readback")),
		pool:   NewPBOPool(device),
		cache:  NewCanvasCache(),
	}
}

// Pool exposes the pixel buffer pool.
func (s *PixelReadbackService) Pool() *PBOPool { return s.pool }

func (s *PixelReadbackService) ensureIntermediate(w, h int) error {
	if s.intermediateFB != 0 && s.w == w && s.h == h {
		return nil
	}
	s.destroyIntermediate()

	tex, err := s.device.CreateTexture(gpu.TextureOptions{Width: w, Height: h}, nil)
	if err != nil {
		return fmt.Errorf("failed to create intermediate texture: %w", err)
	}
	fb, err := s.device.CreateFramebuffer(tex, false)
	if err != nil {
		s.device.DeleteTexture(tex)
		return fmt.Errorf("failed to create intermediate framebuffer: %w", err)
	}
	s.intermediateTex, s.intermediateFB, s.w, s.h = tex, fb, w, h
	return nil
}

func (s *PixelReadbackService) destroyIntermediate() {
	if s.intermediateFB != 0 {
		s.device.DeleteFramebuffer(s.intermediateFB)
		s.device.DeleteTexture(s.intermediateTex)
	}
	s.intermediateFB, s.intermediateTex, s.w, s.h = 0, 0, 0, 0
}

// BlitToIntermediate scales src (srcW x srcH) into the intermediate at
// dstW x dstH. flip turns GL's bottom-up rows into image order.
func (s *PixelReadbackService) BlitToIntermediate(src gpu.Framebuffer, srcW, srcH, dstW, dstH int, flip bool) error {
	if dstW <= 0 || dstH <= 0 {
		return fmt.Errorf("invalid readback size %dx%d", dstW, dstH)
	}
	if err := s.ensureIntermediate(dstW, dstH); err != nil {
		return err
	}
	s.device.BlitFramebuffer(src, s.intermediateFB, gpu.FullRect(srcW, srcH), gpu.FullRect(dstW, dstH), flip, gpu.FilterLinear)
	return nil
}

// ReadSync blocks until the intermediate can be read. It is the reference
// path used for exports and by tests.
func (s *PixelReadbackService) ReadSync() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
	s.device.ReadPixels(s.intermediateFB, gpu.FullRect(s.w, s.h), img.Pix)
	return img
}

// StartAsync queues a transfer of the intermediate into a pooled buffer and
// fences it. It returns immediately.
func (s *PixelReadbackService) StartAsync() (*PendingRead, error) {
	if s.intermediateFB == 0 {
		return nil, fmt.Errorf("no intermediate to read")
	}
	buf, err := s.pool.Acquire(s.w * s.h * 4)
	if err != nil {
		return nil, err
	}
	s.device.ReadPixelsToBuffer(s.intermediateFB, gpu.FullRect(s.w, s.h), buf)
	return &PendingRead{buf: buf, sync: s.device.FenceSync(), W: s.w, H: s.h}, nil
}

// Poll checks p without blocking. On WaitSignaled the returned pixels live in
// a scratch image that the next Poll of the same size overwrites. Both the
// signaled and failed outcomes release the buffer and the fence.
func (s *PixelReadbackService) Poll(p *PendingRead) ([]byte, gpu.WaitStatus) {
	status := s.device.ClientWaitSync(p.sync)
	switch status {
	case gpu.WaitTimeoutExpired:
		return nil, status
	case gpu.WaitFailed:
		s.Discard(p)
		return nil, status
	}

	scratch := s.cache.Get(p.W, p.H)
	s.device.GetBufferSubData(p.buf, scratch.Pix)
	s.Discard(p)
	return scratch.Pix, gpu.WaitSignaled
}

// Discard drops a pending read, recycling its buffer.
func (s *PixelReadbackService) Discard(p *PendingRead) {
	if p.sync != 0 {
		s.device.DeleteSync(p.sync)
		p.sync = 0
	}
	if p.buf != 0 {
		s.pool.Release(p.buf)
		p.buf = 0
	}
}

func (s *PixelReadbackService) Destroy() {
	s.destroyIntermediate()
	s.pool.Destroy()
	s.cache.Clear()
}

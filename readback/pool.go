// Package readback moves rendered pixels from the GPU to the CPU without
// stalling the frame: pixel buffer transfers are queued behind a fence and
// harvested on a later frame.
package readback

import (
	"fmt"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/metrics"
)

// PBOPool recycles pixel buffers by byte size. A buffer is only allocated
// when no free buffer of the requested size exists, so the pool never holds
// more buffers than were ever in flight at once.
type PBOPool struct {
	device    gpu.Device
	free      map[int][]gpu.PixelBuffer
	sizes     map[gpu.PixelBuffer]int
	live      int
	allocated int
}

func NewPBOPool(device gpu.Device) *PBOPool {
	return &PBOPool{
		device: device,
		free:   make(map[int][]gpu.PixelBuffer),
		sizes:  make(map[gpu.PixelBuffer]int),
	}
}

// Acquire returns a buffer of exactly size bytes.
func (p *PBOPool) Acquire(size int) (gpu.PixelBuffer, error) {
	if list := p.free[size]; len(list) > 0 {
		buf := list[len(list)-1]
		p.free[size] = list[:len(list)-1]
		p.live++
		p.report()
		return buf, nil
	}

	buf, err := p.device.CreatePixelBuffer(size)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate pixel buffer: %w", err)
	}
	p.sizes[buf] = size
	p.allocated++
	p.live++
	p.report()
	return buf, nil
}

// Release returns buf to the pool. Unknown buffers are ignored.
func (p *PBOPool) Release(buf gpu.PixelBuffer) {
	size, ok := p.sizes[buf]
	if !ok {
		return
	}
	p.free[size] = append(p.free[size], buf)
	p.live--
	p.report()
}

// Live is the number of buffers currently acquired.
func (p *PBOPool) Live() int { return p.live }

// Allocated is the number of buffers the pool owns.
func (p *PBOPool) Allocated() int { return p.allocated }

func (p *PBOPool) report() {
	metrics.PBOPool.WithLabelValues("live").Set(float64(p.live))
	metrics.PBOPool.WithLabelValues("allocated").Set(float64(p.allocated))
}

// Destroy deletes every buffer, including ones still acquired.
func (p *PBOPool) Destroy() {
	for buf := range p.sizes {
		p.device.DeletePixelBuffer(buf)
	}
	p.free = make(map[int][]gpu.PixelBuffer)
	p.sizes = make(map[gpu.PixelBuffer]int)
	p.live = 0
	p.allocated = 0
	p.report()
}

package hydra

import (
	"fmt"

	"github.com/patchies/gopatchies/gpu"
)

// Buffer manages two framebuffer/texture pairs for double-buffering.
// A pass can sample the output of the previous frame while writing the next.
type Buffer struct {
	device gpu.Device

	fbo        [2]gpu.Framebuffer
	texture    [2]gpu.Texture
	readIndex  int // the result of the previous frame
	writeIndex int // the target of the current frame

	width, height int
}

// NewBuffer creates both render targets.
func NewBuffer(device gpu.Device, width, height int) (*Buffer, error) {
	b := &Buffer{device: device, readIndex: 0, writeIndex: 1, width: width, height: height}
	for i := 0; i < 2; i++ {
		tex, err := device.CreateTexture(gpu.TextureOptions{Width: width, Height: height}, nil)
		if err != nil {
			b.Destroy()
			return nil, fmt.Errorf("texture %d for buffer: %w", i, err)
		}
		fb, err := device.CreateFramebuffer(tex, false)
		if err != nil {
			device.DeleteTexture(tex)
			b.Destroy()
			return nil, fmt.Errorf("framebuffer %d for buffer is not complete: %w", i, err)
		}
		b.fbo[i], b.texture[i] = fb, tex
	}
	return b, nil
}

// BindForWriting binds the current write target.
func (b *Buffer) BindForWriting() {
	b.device.BindFramebuffer(b.fbo[b.writeIndex])
	b.device.Viewport(gpu.FullRect(b.width, b.height))
}

// SwapBuffers toggles the read/write indices after the buffer was rendered to.
func (b *Buffer) SwapBuffers() {
	b.readIndex, b.writeIndex = b.writeIndex, b.readIndex
}

// Texture returns the texture to sample: the most recent complete frame.
func (b *Buffer) Texture() gpu.Texture { return b.texture[b.readIndex] }

// Framebuffer returns the framebuffer holding Texture.
func (b *Buffer) Framebuffer() gpu.Framebuffer { return b.fbo[b.readIndex] }

func (b *Buffer) Size() (int, int) { return b.width, b.height }

// Clear blanks both halves.
func (b *Buffer) Clear() {
	for _, fb := range b.fbo {
		b.device.BindFramebuffer(fb)
		b.device.Clear(0, 0, 0, 0)
	}
}

func (b *Buffer) Destroy() {
	for i := 0; i < 2; i++ {
		if b.fbo[i] != 0 {
			b.device.DeleteFramebuffer(b.fbo[i])
		}
		if b.texture[i] != 0 {
			b.device.DeleteTexture(b.texture[i])
		}
		b.fbo[i], b.texture[i] = 0, 0
	}
}

// Package gpu is the narrow seam between the render engine and OpenGL.
//
// Everything that touches GPU state goes through Device so the engine can be
// exercised without a context (see gputest). Handles are plain GL object
// names on the real backend.
package gpu

import "fmt"

type (
	Texture     uint32
	Framebuffer uint32
	PixelBuffer uint32
	Program     uint32
	Sync        uintptr
)

// DefaultFramebuffer is the window (or pbuffer) surface.
const DefaultFramebuffer Framebuffer = 0

// WaitStatus is the result of polling a fence.
type WaitStatus int

const (
	WaitTimeoutExpired WaitStatus = iota
	WaitSignaled
	WaitFailed
)

func (s WaitStatus) String() string {
	switch s {
	case WaitTimeoutExpired:
		return "timeout-expired"
	case WaitSignaled:
		return "signaled"
	case WaitFailed:
		return "wait-failed"
	default:
		return fmt.Sprintf("WaitStatus(%d)", int(s))
	}
}

// Rect is a pixel rectangle, origin bottom-left as in GL.
type Rect struct {
	X, Y, W, H int
}

// Filter selects texture sampling.
type Filter int

const (
	FilterLinear Filter = iota
	FilterNearest
)

// TextureOptions describe a texture allocation.
type TextureOptions struct {
	Width, Height int
	Filter        Filter
	Repeat        bool
}

// CompileError is returned when a shader fails to compile or link. Log is
// the raw driver info log so callers can map line numbers.
type CompileError struct {
	Stage string
	Log   string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("failed to compile %s shader: %s", e.Stage, e.Log)
}

// Device is the subset of OpenGL the render engine relies on. All calls must
// happen on the goroutine that owns the context.
type Device interface {
	// Textures are RGBA8. pixels may be nil to allocate uninitialised storage.
	CreateTexture(opts TextureOptions, pixels []byte) (Texture, error)
	UpdateTexture(tex Texture, width, height int, pixels []byte)
	DeleteTexture(tex Texture)

	CreateFramebuffer(tex Texture, depth bool) (Framebuffer, error)
	DeleteFramebuffer(fb Framebuffer)
	BindFramebuffer(fb Framebuffer)
	Viewport(r Rect)
	Clear(r, g, b, a float32)
	BlitFramebuffer(src, dst Framebuffer, srcRect, dstRect Rect, flipY bool, filter Filter)

	// ReadPixels blocks until the GPU has finished every queued command.
	ReadPixels(fb Framebuffer, r Rect, dst []byte)

	CreatePixelBuffer(size int) (PixelBuffer, error)
	DeletePixelBuffer(buf PixelBuffer)
	// ReadPixelsToBuffer queues a transfer into buf and returns immediately.
	ReadPixelsToBuffer(fb Framebuffer, r Rect, buf PixelBuffer)
	GetBufferSubData(buf PixelBuffer, dst []byte)

	FenceSync() Sync
	// ClientWaitSync polls a fence without blocking (zero timeout).
	ClientWaitSync(s Sync) WaitStatus
	DeleteSync(s Sync)

	CompileProgram(vertex, fragment string) (Program, error)
	DeleteProgram(p Program)
	UseProgram(p Program)
	UniformLocation(p Program, name string) int32
	Uniform1f(loc int32, v float32)
	Uniform1i(loc int32, v int32)
	Uniform2f(loc int32, x, y float32)
	Uniform3f(loc int32, x, y, z float32)
	Uniform4f(loc int32, x, y, z, w float32)
	BindTexture(unit int, tex Texture)
	// DrawQuad draws the shared full-screen triangle pair.
	DrawQuad()

	// Refresh forgets cached binding state after foreign code issued GL calls.
	Refresh()
	Destroy()
}

// Interop exposes native object names for libraries that drive the same
// context directly. It is the only place raw handles leave this package.
type Interop interface {
	NativeTexture(tex Texture) uint32
	NativeFramebuffer(fb Framebuffer) uint32
	// WrapFramebuffer adopts a framebuffer created by foreign code so it can
	// be used as a blit source. The device does not own or delete it.
	WrapFramebuffer(native uint32) Framebuffer
}

// FullRect returns a rect covering width x height from the origin.
func FullRect(width, height int) Rect {
	return Rect{W: width, H: height}
}

// SetUniform writes a store value to loc, dispatching on its shape.
// Unknown shapes are ignored.
func SetUniform(d Device, loc int32, value any) {
	if loc < 0 {
		return
	}
	switch v := value.(type) {
	case float64:
		d.Uniform1f(loc, float32(v))
	case float32:
		d.Uniform1f(loc, v)
	case int:
		d.Uniform1i(loc, int32(v))
	case bool:
		if v {
			d.Uniform1i(loc, 1)
		} else {
			d.Uniform1i(loc, 0)
		}
	case []float64:
		switch len(v) {
		case 1:
			d.Uniform1f(loc, float32(v[0]))
		case 2:
			d.Uniform2f(loc, float32(v[0]), float32(v[1]))
		case 3:
			d.Uniform3f(loc, float32(v[0]), float32(v[1]), float32(v[2]))
		case 4:
			d.Uniform4f(loc, float32(v[0]), float32(v[1]), float32(v[2]), float32(v[3]))
		}
	}
}

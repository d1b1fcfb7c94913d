// Package gputest provides an in-memory gpu.Device for tests.
//
// Textures are plain RGBA8 arrays stored bottom row first, as GL does.
// DrawQuad copies the texture bound to unit 0 into the bound framebuffer or,
// when nothing is bound, fills it with a colour derived from the fragment
// source, so different programs produce distinguishable output.
package gputest

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"

	"github.com/patchies/gopatchies/gpu"
)

type texture struct {
	w, h int
	pix  []byte
}

type program struct {
	vertex, fragment string
	locations        map[string]int32
}

type fence struct {
	polls int
}

// Device is a software gpu.Device. It is safe for concurrent use so tests
// can inspect counters from another goroutine.
type Device struct {
	mu sync.Mutex

	width, height int
	screen        *texture

	next         uint32
	textures     map[gpu.Texture]*texture
	framebuffers map[gpu.Framebuffer]gpu.Texture
	buffers      map[gpu.PixelBuffer][]byte
	programs     map[gpu.Program]*program
	fences       map[gpu.Sync]*fence
	nextSync     gpu.Sync

	bound    gpu.Framebuffer
	viewport gpu.Rect
	current  gpu.Program
	units    [16]gpu.Texture
	uniforms map[int32]any
	names    map[int32]string

	// SignalAfter is the number of ClientWaitSync polls a fence needs before
	// it reports signaled. Zero means the first poll signals.
	SignalAfter int
	// FailWaits makes the next n fence polls return WaitFailed.
	FailWaits int
	// CompileHook overrides program compilation.
	CompileHook func(vertex, fragment string) error

	SyncReads     int
	AsyncReads    int
	BufferReads   int
	Blits         int
	Draws         int
	Refreshes     int
	Wrapped       int
	CreatedBufs   int
	DeletedBufs   int
	CreatedFences int
	DeletedFences int
}

// New returns a fake device whose default framebuffer is width x height.
func New(width, height int) *Device {
	return &Device{
		width:        width,
		height:       height,
		screen:       &texture{w: width, h: height, pix: make([]byte, width*height*4)},
		textures:     make(map[gpu.Texture]*texture),
		framebuffers: make(map[gpu.Framebuffer]gpu.Texture),
		buffers:      make(map[gpu.PixelBuffer][]byte),
		programs:     make(map[gpu.Program]*program),
		fences:       make(map[gpu.Sync]*fence),
		uniforms:     make(map[int32]any),
		names:        make(map[int32]string),
		viewport:     gpu.FullRect(width, height),
	}
}

func (d *Device) id() uint32 {
	d.next++
	return d.next
}

func (d *Device) target(fb gpu.Framebuffer) *texture {
	if fb == gpu.DefaultFramebuffer {
		return d.screen
	}
	tex, ok := d.framebuffers[fb]
	if !ok {
		return nil
	}
	return d.textures[tex]
}

func (d *Device) CreateTexture(opts gpu.TextureOptions, pixels []byte) (gpu.Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if opts.Width <= 0 || opts.Height <= 0 {
		return 0, fmt.Errorf("invalid texture size %dx%d", opts.Width, opts.Height)
	}
	t := &texture{w: opts.Width, h: opts.Height, pix: make([]byte, opts.Width*opts.Height*4)}
	copy(t.pix, pixels)
	id := gpu.Texture(d.id())
	d.textures[id] = t
	return id, nil
}

func (d *Device) UpdateTexture(tex gpu.Texture, width, height int, pixels []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return
	}
	if t.w != width || t.h != height {
		t.w, t.h = width, height
		t.pix = make([]byte, width*height*4)
	}
	copy(t.pix, pixels)
}

func (d *Device) DeleteTexture(tex gpu.Texture) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.textures, tex)
}

func (d *Device) CreateFramebuffer(tex gpu.Texture, depth bool) (gpu.Framebuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.textures[tex]; !ok {
		return 0, fmt.Errorf("framebuffer attachment %d does not exist", tex)
	}
	fb := gpu.Framebuffer(d.id())
	d.framebuffers[fb] = tex
	return fb, nil
}

func (d *Device) DeleteFramebuffer(fb gpu.Framebuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.framebuffers, fb)
}

func (d *Device) BindFramebuffer(fb gpu.Framebuffer) {
	d.mu.Lock()
	d.bound = fb
	d.mu.Unlock()
}

func (d *Device) Viewport(r gpu.Rect) {
	d.mu.Lock()
	d.viewport = r
	d.mu.Unlock()
}

func (d *Device) Clear(r, g, b, a float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.target(d.bound)
	if t == nil {
		return
	}
	px := [4]byte{unit(r), unit(g), unit(b), unit(a)}
	for i := 0; i < len(t.pix); i += 4 {
		copy(t.pix[i:i+4], px[:])
	}
}

func unit(v float32) byte {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(v*255 + 0.5)
}

func (d *Device) BlitFramebuffer(src, dst gpu.Framebuffer, srcRect, dstRect gpu.Rect, flipY bool, filter gpu.Filter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Blits++
	s, t := d.target(src), d.target(dst)
	if s == nil || t == nil || dstRect.W <= 0 || dstRect.H <= 0 {
		return
	}
	out := make([]byte, dstRect.W*dstRect.H*4)
	for y := 0; y < dstRect.H; y++ {
		sy := srcRect.Y + y*srcRect.H/dstRect.H
		if flipY {
			sy = srcRect.Y + (dstRect.H-1-y)*srcRect.H/dstRect.H
		}
		for x := 0; x < dstRect.W; x++ {
			sx := srcRect.X + x*srcRect.W/dstRect.W
			if sx < 0 || sy < 0 || sx >= s.w || sy >= s.h {
				continue
			}
			copy(out[(y*dstRect.W+x)*4:], s.pix[(sy*s.w+sx)*4:(sy*s.w+sx)*4+4])
		}
	}
	for y := 0; y < dstRect.H; y++ {
		ty := dstRect.Y + y
		if ty < 0 || ty >= t.h {
			continue
		}
		for x := 0; x < dstRect.W; x++ {
			tx := dstRect.X + x
			if tx < 0 || tx >= t.w {
				continue
			}
			copy(t.pix[(ty*t.w+tx)*4:(ty*t.w+tx)*4+4], out[(y*dstRect.W+x)*4:])
		}
	}
}

func (d *Device) read(fb gpu.Framebuffer, r gpu.Rect, dst []byte) {
	t := d.target(fb)
	if t == nil {
		return
	}
	for y := 0; y < r.H; y++ {
		sy := r.Y + y
		if sy < 0 || sy >= t.h {
			continue
		}
		for x := 0; x < r.W; x++ {
			sx := r.X + x
			if sx < 0 || sx >= t.w {
				continue
			}
			o := (y*r.W + x) * 4
			if o+4 > len(dst) {
				return
			}
			copy(dst[o:o+4], t.pix[(sy*t.w+sx)*4:])
		}
	}
}

func (d *Device) ReadPixels(fb gpu.Framebuffer, r gpu.Rect, dst []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SyncReads++
	d.read(fb, r, dst)
}

func (d *Device) CreatePixelBuffer(size int) (gpu.PixelBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size <= 0 {
		return 0, fmt.Errorf("invalid pixel buffer size %d", size)
	}
	buf := gpu.PixelBuffer(d.id())
	d.buffers[buf] = make([]byte, size)
	d.CreatedBufs++
	return buf, nil
}

func (d *Device) DeletePixelBuffer(buf gpu.PixelBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[buf]; ok {
		delete(d.buffers, buf)
		d.DeletedBufs++
	}
}

func (d *Device) ReadPixelsToBuffer(fb gpu.Framebuffer, r gpu.Rect, buf gpu.PixelBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.AsyncReads++
	if b, ok := d.buffers[buf]; ok {
		d.read(fb, r, b)
	}
}

func (d *Device) GetBufferSubData(buf gpu.PixelBuffer, dst []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.BufferReads++
	copy(dst, d.buffers[buf])
}

func (d *Device) FenceSync() gpu.Sync {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSync++
	d.fences[d.nextSync] = &fence{}
	d.CreatedFences++
	return d.nextSync
}

func (d *Device) ClientWaitSync(s gpu.Sync) gpu.WaitStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[s]
	if !ok {
		return gpu.WaitFailed
	}
	if d.FailWaits > 0 {
		d.FailWaits--
		return gpu.WaitFailed
	}
	f.polls++
	if f.polls > d.SignalAfter {
		return gpu.WaitSignaled
	}
	return gpu.WaitTimeoutExpired
}

func (d *Device) DeleteSync(s gpu.Sync) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fences[s]; ok {
		delete(d.fences, s)
		d.DeletedFences++
	}
}

var errorMarker = regexp.MustCompile(`SYNTAX_ERROR`)

// CompileProgram fails for any fragment containing SYNTAX_ERROR, reporting
// the offending line in the driver log format "ERROR: 0:<line>: ...".
func (d *Device) CompileProgram(vertex, fragment string) (gpu.Program, error) {
	d.mu.Lock()
	hook := d.CompileHook
	d.mu.Unlock()
	if hook != nil {
		if err := hook(vertex, fragment); err != nil {
			return 0, err
		}
	}
	if loc := errorMarker.FindStringIndex(fragment); loc != nil {
		line := strings.Count(fragment[:loc[0]], "\n") + 1
		return 0, &gpu.CompileError{
			Stage: "fragment",
			Log:   fmt.Sprintf("ERROR: 0:%d: 'SYNTAX_ERROR' : syntax error\n", line),
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	p := gpu.Program(d.id())
	d.programs[p] = &program{vertex: vertex, fragment: fragment, locations: make(map[string]int32)}
	return p, nil
}

func (d *Device) DeleteProgram(p gpu.Program) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.programs, p)
}

func (d *Device) UseProgram(p gpu.Program) {
	d.mu.Lock()
	d.current = p
	d.mu.Unlock()
}

// UniformLocation resolves every name that appears in the program source and
// returns -1 for anything else, like a driver that optimised it out.
func (d *Device) UniformLocation(p gpu.Program, name string) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	prog, ok := d.programs[p]
	if !ok || !strings.Contains(prog.fragment, name) {
		return -1
	}
	if loc, ok := prog.locations[name]; ok {
		return loc
	}
	loc := int32(d.id())
	prog.locations[name] = loc
	d.names[loc] = name
	return loc
}

func (d *Device) setUniform(loc int32, v any) {
	d.mu.Lock()
	d.uniforms[loc] = v
	d.mu.Unlock()
}

func (d *Device) Uniform1f(loc int32, v float32)          { d.setUniform(loc, v) }
func (d *Device) Uniform1i(loc int32, v int32)            { d.setUniform(loc, v) }
func (d *Device) Uniform2f(loc int32, x, y float32)       { d.setUniform(loc, [2]float32{x, y}) }
func (d *Device) Uniform3f(loc int32, x, y, z float32)    { d.setUniform(loc, [3]float32{x, y, z}) }
func (d *Device) Uniform4f(loc int32, x, y, z, w float32) { d.setUniform(loc, [4]float32{x, y, z, w}) }

func (d *Device) BindTexture(unit int, tex gpu.Texture) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if unit >= 0 && unit < len(d.units) {
		d.units[unit] = tex
	}
}

func (d *Device) DrawQuad() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Draws++
	t := d.target(d.bound)
	if t == nil {
		return
	}
	if src, ok := d.textures[d.units[0]]; ok && d.units[0] != 0 {
		for y := 0; y < t.h; y++ {
			sy := y * src.h / t.h
			for x := 0; x < t.w; x++ {
				sx := x * src.w / t.w
				copy(t.pix[(y*t.w+x)*4:(y*t.w+x)*4+4], src.pix[(sy*src.w+sx)*4:])
			}
		}
		return
	}
	px := d.programColor(d.current)
	for i := 0; i < len(t.pix); i += 4 {
		copy(t.pix[i:i+4], px[:])
	}
}

func (d *Device) programColor(p gpu.Program) [4]byte {
	prog, ok := d.programs[p]
	if !ok {
		return [4]byte{}
	}
	h := fnv.New32a()
	h.Write([]byte(prog.fragment))
	s := h.Sum32()
	return [4]byte{byte(s), byte(s >> 8), byte(s >> 16), 255}
}

func (d *Device) Refresh() {
	d.mu.Lock()
	d.Refreshes++
	d.mu.Unlock()
}

func (d *Device) Destroy() {}

func (d *Device) NativeTexture(tex gpu.Texture) uint32 { return uint32(tex) }

func (d *Device) NativeFramebuffer(fb gpu.Framebuffer) uint32 { return uint32(fb) }

func (d *Device) WrapFramebuffer(native uint32) gpu.Framebuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Wrapped++
	return gpu.Framebuffer(native)
}

// Pixels returns a copy of the texture attached to fb (or the screen).
func (d *Device) Pixels(fb gpu.Framebuffer) (w, h int, pix []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.target(fb)
	if t == nil {
		return 0, 0, nil
	}
	return t.w, t.h, append([]byte(nil), t.pix...)
}

// TexturePixels returns a copy of a texture's contents.
func (d *Device) TexturePixels(tex gpu.Texture) (w, h int, pix []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return 0, 0, nil
	}
	return t.w, t.h, append([]byte(nil), t.pix...)
}

// Fill paints every pixel of the texture attached to fb.
func (d *Device) Fill(fb gpu.Framebuffer, c [4]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.target(fb)
	if t == nil {
		return
	}
	for i := 0; i < len(t.pix); i += 4 {
		copy(t.pix[i:i+4], c[:])
	}
}

// SetPixel writes one pixel of fb, origin bottom-left.
func (d *Device) SetPixel(fb gpu.Framebuffer, x, y int, c [4]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.target(fb)
	if t == nil || x < 0 || y < 0 || x >= t.w || y >= t.h {
		return
	}
	copy(t.pix[(y*t.w+x)*4:], c[:])
}

// Uniform returns the last value written to the named uniform of p.
func (d *Device) Uniform(p gpu.Program, name string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prog, ok := d.programs[p]
	if !ok {
		return nil, false
	}
	loc, ok := prog.locations[name]
	if !ok {
		return nil, false
	}
	v, ok := d.uniforms[loc]
	return v, ok
}

// Fragment returns the fragment source p was compiled from.
func (d *Device) Fragment(p gpu.Program) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prog, ok := d.programs[p]; ok {
		return prog.fragment
	}
	return ""
}

// Counts returns the number of live textures, framebuffers, pixel buffers,
// programs and fences.
func (d *Device) Counts() (textures, framebuffers, buffers, programs, fences int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.textures), len(d.framebuffers), len(d.buffers), len(d.programs), len(d.fences)
}

// UnitTexture returns the texture bound to a texture unit.
func (d *Device) UnitTexture(unit int) gpu.Texture {
	d.mu.Lock()
	defer d.mu.Unlock()
	if unit < 0 || unit >= len(d.units) {
		return 0
	}
	return d.units[unit]
}

// Bound returns the currently bound framebuffer.
func (d *Device) Bound() gpu.Framebuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound
}

var (
	_ gpu.Device  = (*Device)(nil)
	_ gpu.Interop = (*Device)(nil)
)

package gpu

import (
	"fmt"
	"strings"

	"github.com/go-gl/gl/v4.1-core/gl"
)

var quadVertices = []float32{
	-1.0, 1.0, -1.0, -1.0, 1.0, -1.0,
	-1.0, 1.0, 1.0, -1.0, 1.0, 1.0,
}

type texInfo struct {
	width, height int
}

// GLDevice implements Device and Interop on an OpenGL 4.1 core context. The
// context must already be current on the calling thread.
type GLDevice struct {
	quadVAO uint32
	quadVBO uint32

	textures     map[Texture]texInfo
	renderbuffer map[Framebuffer]uint32
	bufferSizes  map[PixelBuffer]int

	// cached binding state, invalidated by Refresh
	boundFB      Framebuffer
	boundProgram Program
	boundTex     [16]Texture
	stateValid   bool
}

// NewGLDevice loads the GL function pointers and creates the shared quad.
func NewGLDevice() (*GLDevice, error) {
	if err := gl.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize gl: %w", err)
	}

	d := &GLDevice{
		textures:     make(map[Texture]texInfo),
		renderbuffer: make(map[Framebuffer]uint32),
		bufferSizes:  make(map[PixelBuffer]int),
	}

	gl.GenVertexArrays(1, &d.quadVAO)
	gl.GenBuffers(1, &d.quadVBO)
	gl.BindVertexArray(d.quadVAO)
	gl.BindBuffer(gl.ARRAY_BUFFER, d.quadVBO)
	gl.BufferData(gl.ARRAY_BUFFER, len(quadVertices)*4, gl.Ptr(quadVertices), gl.STATIC_DRAW)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointer(0, 2, gl.FLOAT, false, 2*4, gl.PtrOffset(0))
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)
	gl.BindVertexArray(0)

	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	return d, nil
}

// Version returns the driver's GL version string.
func (d *GLDevice) Version() string {
	return gl.GoStr(gl.GetString(gl.VERSION))
}

func (d *GLDevice) CreateTexture(opts TextureOptions, pixels []byte) (Texture, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return 0, fmt.Errorf("invalid texture size %dx%d", opts.Width, opts.Height)
	}
	var id uint32
	gl.GenTextures(1, &id)
	gl.BindTexture(gl.TEXTURE_2D, id)

	var ptr = gl.Ptr(nil)
	if pixels != nil {
		ptr = gl.Ptr(pixels)
	}
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(opts.Width), int32(opts.Height), 0, gl.RGBA, gl.UNSIGNED_BYTE, ptr)

	filter := int32(gl.LINEAR)
	if opts.Filter == FilterNearest {
		filter = gl.NEAREST
	}
	wrap := int32(gl.CLAMP_TO_EDGE)
	if opts.Repeat {
		wrap = gl.REPEAT
	}
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, filter)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, filter)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, wrap)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, wrap)
	gl.BindTexture(gl.TEXTURE_2D, 0)
	d.stateValid = false

	tex := Texture(id)
	d.textures[tex] = texInfo{opts.Width, opts.Height}
	return tex, nil
}

func (d *GLDevice) UpdateTexture(tex Texture, width, height int, pixels []byte) {
	gl.BindTexture(gl.TEXTURE_2D, uint32(tex))
	info := d.textures[tex]
	if info.width == width && info.height == height {
		gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, int32(width), int32(height), gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(pixels))
	} else {
		gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(width), int32(height), 0, gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(pixels))
		d.textures[tex] = texInfo{width, height}
	}
	gl.BindTexture(gl.TEXTURE_2D, 0)
	d.stateValid = false
}

func (d *GLDevice) DeleteTexture(tex Texture) {
	id := uint32(tex)
	gl.DeleteTextures(1, &id)
	delete(d.textures, tex)
	for i := range d.boundTex {
		if d.boundTex[i] == tex {
			d.boundTex[i] = 0
		}
	}
}

func (d *GLDevice) CreateFramebuffer(tex Texture, depth bool) (Framebuffer, error) {
	var id uint32
	gl.GenFramebuffers(1, &id)
	gl.BindFramebuffer(gl.FRAMEBUFFER, id)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, uint32(tex), 0)

	fb := Framebuffer(id)
	if depth {
		info := d.textures[tex]
		var rb uint32
		gl.GenRenderbuffers(1, &rb)
		gl.BindRenderbuffer(gl.RENDERBUFFER, rb)
		gl.RenderbufferStorage(gl.RENDERBUFFER, gl.DEPTH_COMPONENT24, int32(info.width), int32(info.height))
		gl.FramebufferRenderbuffer(gl.FRAMEBUFFER, gl.DEPTH_ATTACHMENT, gl.RENDERBUFFER, rb)
		gl.BindRenderbuffer(gl.RENDERBUFFER, 0)
		d.renderbuffer[fb] = rb
	}

	status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	d.boundFB = DefaultFramebuffer
	if status != gl.FRAMEBUFFER_COMPLETE {
		d.DeleteFramebuffer(fb)
		return 0, fmt.Errorf("framebuffer is not complete: 0x%x", status)
	}
	return fb, nil
}

func (d *GLDevice) DeleteFramebuffer(fb Framebuffer) {
	if fb == DefaultFramebuffer {
		return
	}
	if rb, ok := d.renderbuffer[fb]; ok {
		gl.DeleteRenderbuffers(1, &rb)
		delete(d.renderbuffer, fb)
	}
	id := uint32(fb)
	gl.DeleteFramebuffers(1, &id)
	if d.boundFB == fb {
		d.stateValid = false
	}
}

func (d *GLDevice) BindFramebuffer(fb Framebuffer) {
	if d.stateValid && d.boundFB == fb {
		return
	}
	gl.BindFramebuffer(gl.FRAMEBUFFER, uint32(fb))
	d.boundFB = fb
	d.ensureValid()
}

func (d *GLDevice) Viewport(r Rect) {
	gl.Viewport(int32(r.X), int32(r.Y), int32(r.W), int32(r.H))
}

func (d *GLDevice) Clear(r, g, b, a float32) {
	gl.ClearColor(r, g, b, a)
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)
}

func (d *GLDevice) BlitFramebuffer(src, dst Framebuffer, srcRect, dstRect Rect, flipY bool, filter Filter) {
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, uint32(src))
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, uint32(dst))

	dy0, dy1 := int32(dstRect.Y), int32(dstRect.Y+dstRect.H)
	if flipY {
		dy0, dy1 = dy1, dy0
	}
	glFilter := uint32(gl.LINEAR)
	if filter == FilterNearest {
		glFilter = gl.NEAREST
	}
	gl.BlitFramebuffer(
		int32(srcRect.X), int32(srcRect.Y), int32(srcRect.X+srcRect.W), int32(srcRect.Y+srcRect.H),
		int32(dstRect.X), dy0, int32(dstRect.X+dstRect.W), dy1,
		gl.COLOR_BUFFER_BIT, glFilter)

	gl.BindFramebuffer(gl.FRAMEBUFFER, uint32(d.boundFB))
}

func (d *GLDevice) ReadPixels(fb Framebuffer, r Rect, dst []byte) {
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, uint32(fb))
	gl.ReadPixels(int32(r.X), int32(r.Y), int32(r.W), int32(r.H), gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(dst))
	gl.BindFramebuffer(gl.FRAMEBUFFER, uint32(d.boundFB))
}

func (d *GLDevice) CreatePixelBuffer(size int) (PixelBuffer, error) {
	if size <= 0 {
		return 0, fmt.Errorf("invalid pixel buffer size %d", size)
	}
	var id uint32
	gl.GenBuffers(1, &id)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, id)
	gl.BufferData(gl.PIXEL_PACK_BUFFER, size, nil, gl.STREAM_READ)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)

	buf := PixelBuffer(id)
	d.bufferSizes[buf] = size
	return buf, nil
}

func (d *GLDevice) DeletePixelBuffer(buf PixelBuffer) {
	id := uint32(buf)
	gl.DeleteBuffers(1, &id)
	delete(d.bufferSizes, buf)
}

func (d *GLDevice) ReadPixelsToBuffer(fb Framebuffer, r Rect, buf PixelBuffer) {
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, uint32(fb))
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, uint32(buf))
	gl.ReadPixels(int32(r.X), int32(r.Y), int32(r.W), int32(r.H), gl.RGBA, gl.UNSIGNED_BYTE, nil)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	gl.BindFramebuffer(gl.FRAMEBUFFER, uint32(d.boundFB))
}

func (d *GLDevice) GetBufferSubData(buf PixelBuffer, dst []byte) {
	n := len(dst)
	if size := d.bufferSizes[buf]; size < n {
		n = size
	}
	if n == 0 {
		return
	}
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, uint32(buf))
	gl.GetBufferSubData(gl.PIXEL_PACK_BUFFER, 0, n, gl.Ptr(dst))
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
}

func (d *GLDevice) FenceSync() Sync {
	s := gl.FenceSync(gl.SYNC_GPU_COMMANDS_COMPLETE, 0)
	gl.Flush()
	return Sync(s)
}

func (d *GLDevice) ClientWaitSync(s Sync) WaitStatus {
	switch gl.ClientWaitSync(uintptr(s), 0, 0) {
	case gl.ALREADY_SIGNALED, gl.CONDITION_SATISFIED:
		return WaitSignaled
	case gl.TIMEOUT_EXPIRED:
		return WaitTimeoutExpired
	default:
		return WaitFailed
	}
}

func (d *GLDevice) DeleteSync(s Sync) {
	gl.DeleteSync(uintptr(s))
}

func (d *GLDevice) CompileProgram(vertex, fragment string) (Program, error) {
	vs, err := compileShader(vertex, gl.VERTEX_SHADER)
	if err != nil {
		return 0, err
	}
	defer gl.DeleteShader(vs)
	fs, err := compileShader(fragment, gl.FRAGMENT_SHADER)
	if err != nil {
		return 0, err
	}
	defer gl.DeleteShader(fs)

	program := gl.CreateProgram()
	gl.AttachShader(program, vs)
	gl.AttachShader(program, fs)
	gl.LinkProgram(program)

	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))
		gl.DeleteProgram(program)
		return 0, &CompileError{Stage: "link", Log: strings.TrimRight(log, "\x00")}
	}
	return Program(program), nil
}

func compileShader(source string, shaderType uint32) (uint32, error) {
	shader := gl.CreateShader(shaderType)
	csources, free := gl.Strs(source + "\x00")
	gl.ShaderSource(shader, 1, csources, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
		logText := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(logText))
		gl.DeleteShader(shader)

		stage := "fragment"
		if shaderType == gl.VERTEX_SHADER {
			stage = "vertex"
		}
		return 0, &CompileError{Stage: stage, Log: strings.TrimRight(logText, "\x00")}
	}
	return shader, nil
}

func (d *GLDevice) DeleteProgram(p Program) {
	gl.DeleteProgram(uint32(p))
	if d.boundProgram == p {
		d.boundProgram = 0
	}
}

func (d *GLDevice) UseProgram(p Program) {
	if d.stateValid && d.boundProgram == p {
		return
	}
	gl.UseProgram(uint32(p))
	d.boundProgram = p
	d.ensureValid()
}

func (d *GLDevice) UniformLocation(p Program, name string) int32 {
	return gl.GetUniformLocation(uint32(p), gl.Str(name+"\x00"))
}

func (d *GLDevice) Uniform1f(loc int32, v float32)          { gl.Uniform1f(loc, v) }
func (d *GLDevice) Uniform1i(loc int32, v int32)            { gl.Uniform1i(loc, v) }
func (d *GLDevice) Uniform2f(loc int32, x, y float32)       { gl.Uniform2f(loc, x, y) }
func (d *GLDevice) Uniform3f(loc int32, x, y, z float32)    { gl.Uniform3f(loc, x, y, z) }
func (d *GLDevice) Uniform4f(loc int32, x, y, z, w float32) { gl.Uniform4f(loc, x, y, z, w) }

func (d *GLDevice) BindTexture(unit int, tex Texture) {
	if unit < 0 || unit >= len(d.boundTex) {
		return
	}
	if d.stateValid && d.boundTex[unit] == tex {
		return
	}
	gl.ActiveTexture(gl.TEXTURE0 + uint32(unit))
	gl.BindTexture(gl.TEXTURE_2D, uint32(tex))
	d.boundTex[unit] = tex
}

func (d *GLDevice) DrawQuad() {
	gl.Disable(gl.DEPTH_TEST)
	gl.Disable(gl.BLEND)
	gl.BindVertexArray(d.quadVAO)
	gl.DrawArrays(gl.TRIANGLES, 0, 6)
	gl.BindVertexArray(0)
}

// Refresh drops every cached binding so the next bind call always reaches
// the driver.
func (d *GLDevice) Refresh() {
	d.stateValid = false
	d.boundFB = DefaultFramebuffer
	d.boundProgram = 0
	d.boundTex = [16]Texture{}
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	gl.UseProgram(0)
	gl.BindVertexArray(0)
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	gl.ActiveTexture(gl.TEXTURE0)
}

// ensureValid marks the cache as trusted once the first explicit bind after
// a Refresh has gone through.
func (d *GLDevice) ensureValid() {
	if !d.stateValid {
		d.boundTex = [16]Texture{}
		d.stateValid = true
	}
}

func (d *GLDevice) Destroy() {
	gl.DeleteVertexArrays(1, &d.quadVAO)
	gl.DeleteBuffers(1, &d.quadVBO)
	for tex := range d.textures {
		id := uint32(tex)
		gl.DeleteTextures(1, &id)
	}
	for fb, rb := range d.renderbuffer {
		gl.DeleteRenderbuffers(1, &rb)
		delete(d.renderbuffer, fb)
	}
	d.textures = map[Texture]texInfo{}
}

func (d *GLDevice) NativeTexture(tex Texture) uint32 { return uint32(tex) }

func (d *GLDevice) NativeFramebuffer(fb Framebuffer) uint32 { return uint32(fb) }

func (d *GLDevice) WrapFramebuffer(native uint32) Framebuffer { return Framebuffer(native) }

var (
	_ Device  = (*GLDevice)(nil)
	_ Interop = (*GLDevice)(nil)
)

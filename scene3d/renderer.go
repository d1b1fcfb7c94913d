package scene3d

import (
	"fmt"
	"strings"

	"github.com/go-gl/gl/v4.1-core/gl"
)

const vertexShader = `#version 410 core
layout(location = 0) in vec3 aPosition;
layout(location = 1) in vec3 aNormal;
layout(location = 2) in vec2 aUV;
uniform mat4 uModel;
uniform mat4 uView;
uniform mat4 uProjection;
out vec3 vNormal;
out vec2 vUV;
void main() {
	vNormal = mat3(uModel) * aNormal;
	vUV = aUV;
	gl_Position = uProjection * uView * uModel * vec4(aPosition, 1.0);
}
`

const fragmentShader = `#version 410 core
in vec3 vNormal;
in vec2 vUV;
uniform vec3 uColor;
uniform bool uUseMap;
uniform sampler2D uMap;
out vec4 fragColor;
void main() {
	vec3 base = uColor;
	if (uUseMap) {
		base *= texture(uMap, vUV).rgb;
	}
	float diffuse = max(dot(normalize(vNormal), normalize(vec3(0.5, 0.8, 1.0))), 0.0);
	fragColor = vec4(base * (0.35 + 0.65 * diffuse), 1.0);
}
`

type meshBuffers struct {
	vao, vbo, ebo uint32
	count         int32
}

// Renderer draws scenes with raw GL calls.
type Renderer struct {
	program  uint32
	uniforms map[string]int32

	fb, color, depth uint32
	width, height    int

	buffers map[*Geometry]*meshBuffers

	// cached state; ResetState forgets it
	boundProgram uint32
	boundVAO     uint32
	boundTexture uint32
}

// NewRenderer compiles the scene program. The GL context must be current.
func NewRenderer() (*Renderer, error) {
	program, err := linkProgram(vertexShader, fragmentShader)
	if err != nil {
		return nil, err
	}
	r := &Renderer{program: program, uniforms: make(map[string]int32), buffers: make(map[*Geometry]*meshBuffers)}
	for _, name := range []string{"uModel", "uView", "uProjection", "uColor", "uUseMap", "uMap"} {
		r.uniforms[name] = gl.GetUniformLocation(program, gl.Str(name+"\x00"))
	}
	return r, nil
}

// RenderTarget (re)allocates the color and depth attachments at w x h.
func (r *Renderer) RenderTarget(w, h int) error {
	if r.fb != 0 && r.width == w && r.height == h {
		return nil
	}
	r.deleteTarget()
	gl.GenTextures(1, &r.color)
	gl.BindTexture(gl.TEXTURE_2D, r.color)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(w), int32(h), 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)

	gl.GenRenderbuffers(1, &r.depth)
	gl.BindRenderbuffer(gl.RENDERBUFFER, r.depth)
	gl.RenderbufferStorage(gl.RENDERBUFFER, gl.DEPTH_COMPONENT24, int32(w), int32(h))

	gl.GenFramebuffers(1, &r.fb)
	gl.BindFramebuffer(gl.FRAMEBUFFER, r.fb)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, r.color, 0)
	gl.FramebufferRenderbuffer(gl.FRAMEBUFFER, gl.DEPTH_ATTACHMENT, gl.RENDERBUFFER, r.depth)
	status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	r.boundTexture = 0
	if status != gl.FRAMEBUFFER_COMPLETE {
		r.deleteTarget()
		return fmt.Errorf("scene framebuffer is not complete: 0x%x", status)
	}
	r.width, r.height = w, h
	return nil
}

// TargetFramebuffer is the GL name of the render target.
func (r *Renderer) TargetFramebuffer() uint32 { return r.fb }

// Render draws scene from cam into the render target.
func (r *Renderer) Render(scene *Scene, cam *PerspectiveCamera) error {
	if r.fb == 0 {
		return fmt.Errorf("scene renderer has no render target")
	}
	gl.BindFramebuffer(gl.FRAMEBUFFER, r.fb)
	gl.Viewport(0, 0, int32(r.width), int32(r.height))
	gl.Enable(gl.DEPTH_TEST)
	gl.Enable(gl.CULL_FACE)
	if bg := scene.Background; bg != nil {
		gl.ClearColor(bg.R, bg.G, bg.B, 1)
	} else {
		gl.ClearColor(0, 0, 0, 0)
	}
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)

	r.useProgram(r.program)
	view, proj := cam.ViewMatrix(), cam.ProjectionMatrix()
	gl.UniformMatrix4fv(r.uniforms["uView"], 1, false, &view[0])
	gl.UniformMatrix4fv(r.uniforms["uProjection"], 1, false, &proj[0])
	gl.Uniform1i(r.uniforms["uMap"], 0)

	for _, m := range scene.Objects {
		if m == nil || !m.Visible || m.Geometry == nil || len(m.Geometry.Indices) == 0 {
			continue
		}
		b := r.upload(m.Geometry)
		model := m.ModelMatrix()
		gl.UniformMatrix4fv(r.uniforms["uModel"], 1, false, &model[0])
		mat := m.Material
		if mat == nil {
			mat = &Material{Color: Color{1, 1, 1}}
		}
		gl.Uniform3f(r.uniforms["uColor"], mat.Color.R, mat.Color.G, mat.Color.B)
		if mat.Map != nil && mat.Map.handle != 0 {
			gl.Uniform1i(r.uniforms["uUseMap"], 1)
			r.bindTexture(mat.Map.handle)
		} else {
			gl.Uniform1i(r.uniforms["uUseMap"], 0)
		}
		r.bindVAO(b.vao)
		gl.DrawElements(gl.TRIANGLES, b.count, gl.UNSIGNED_INT, nil)
	}

	r.bindVAO(0)
	gl.Disable(gl.DEPTH_TEST)
	gl.Disable(gl.CULL_FACE)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	return nil
}

func (r *Renderer) upload(g *Geometry) *meshBuffers {
	if b, ok := r.buffers[g]; ok {
		return b
	}
	b := &meshBuffers{count: int32(len(g.Indices))}
	gl.GenVertexArrays(1, &b.vao)
	r.bindVAO(b.vao)
	gl.GenBuffers(1, &b.vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, b.vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(g.Vertices)*4, gl.Ptr(g.Vertices), gl.STATIC_DRAW)
	gl.GenBuffers(1, &b.ebo)
	gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, b.ebo)
	gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(g.Indices)*4, gl.Ptr(g.Indices), gl.STATIC_DRAW)

	stride := int32(vertexStride * 4)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointer(0, 3, gl.FLOAT, false, stride, gl.PtrOffset(0))
	gl.EnableVertexAttribArray(1)
	gl.VertexAttribPointer(1, 3, gl.FLOAT, false, stride, gl.PtrOffset(3*4))
	gl.EnableVertexAttribArray(2)
	gl.VertexAttribPointer(2, 2, gl.FLOAT, false, stride, gl.PtrOffset(6*4))
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)

	r.buffers[g] = b
	return b
}

func (r *Renderer) useProgram(p uint32) {
	if r.boundProgram != p {
		gl.UseProgram(p)
		r.boundProgram = p
	}
}

func (r *Renderer) bindVAO(vao uint32) {
	if r.boundVAO != vao {
		gl.BindVertexArray(vao)
		r.boundVAO = vao
	}
}

func (r *Renderer) bindTexture(tex uint32) {
	if r.boundTexture != tex {
		gl.ActiveTexture(gl.TEXTURE0)
		gl.BindTexture(gl.TEXTURE_2D, tex)
		r.boundTexture = tex
	}
}

// ResetState forgets cached bindings. Call it after other code touched the
// context so the next Render rebinds everything.
func (r *Renderer) ResetState() {
	r.boundProgram, r.boundVAO, r.boundTexture = 0, 0, 0
}

// Forget releases the buffers uploaded for g.
func (r *Renderer) Forget(g *Geometry) {
	if b, ok := r.buffers[g]; ok {
		gl.DeleteVertexArrays(1, &b.vao)
		gl.DeleteBuffers(1, &b.vbo)
		gl.DeleteBuffers(1, &b.ebo)
		delete(r.buffers, g)
	}
}

func (r *Renderer) deleteTarget() {
	if r.fb != 0 {
		gl.DeleteFramebuffers(1, &r.fb)
	}
	if r.color != 0 {
		gl.DeleteTextures(1, &r.color)
	}
	if r.depth != 0 {
		gl.DeleteRenderbuffers(1, &r.depth)
	}
	r.fb, r.color, r.depth = 0, 0, 0
}

// Dispose deletes every GL object the renderer created.
func (r *Renderer) Dispose() {
	for g := range r.buffers {
		r.Forget(g)
	}
	r.deleteTarget()
	if r.program != 0 {
		gl.DeleteProgram(r.program)
		r.program = 0
	}
	r.ResetState()
}

func linkProgram(vertex, fragment string) (uint32, error) {
	vs, err := compile(vertex, gl.VERTEX_SHADER)
	if err != nil {
		return 0, err
	}
	defer gl.DeleteShader(vs)
	fs, err := compile(fragment, gl.FRAGMENT_SHADER)
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
		var n int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &n)
		log := strings.Repeat("\x00", int(n+1))
		gl.GetProgramInfoLog(program, n, nil, gl.Str(log))
		gl.DeleteProgram(program)
		return 0, fmt.Errorf("failed to link scene program: %v", log)
	}
	return program, nil
}

func compile(source string, kind uint32) (uint32, error) {
	s := gl.CreateShader(kind)
	src, free := gl.Strs(source + "\x00")
	gl.ShaderSource(s, 1, src, nil)
	free()
	gl.CompileShader(s)
	var status int32
	gl.GetShaderiv(s, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var n int32
		gl.GetShaderiv(s, gl.INFO_LOG_LENGTH, &n)
		log := strings.Repeat("\x00", int(n+1))
		gl.GetShaderInfoLog(s, n, nil, gl.Str(log))
		gl.DeleteShader(s)
		return 0, fmt.Errorf("failed to compile scene shader: %v", log)
	}
	return s, nil
}

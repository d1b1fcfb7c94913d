package renderer

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/graph"
	"github.com/patchies/gopatchies/nodes"
	"github.com/patchies/gopatchies/shader"
)

// RawShaderType is the legacy node type whose data.code is a complete
// fragment shader, compiled as is.
const RawShaderType = "swgl"

const maxChannels = 4

type legacyPass struct {
	kind string
	// fbo is nil for the output sink, which only marks the node to present.
	fbo *nodes.FBO

	program       gpu.Program
	resolutionLoc int32
	timeLoc       int32
	timeDeltaLoc  int32
	frameLoc      int32
	mouseLoc      int32
	channelLoc    [maxChannels]int32
}

// FBORenderer is the fixed dispatch renderer for node types without a
// registered factory. It knows the output sink, raw fragment shaders, and
// gives anything else a transparent target so downstream sampling stays
// defined.
type FBORenderer struct {
	vc     *VideoContext
	host   nodes.Host
	log    *zap.Logger
	passes map[string]*legacyPass
}

func NewFBORenderer(vc *VideoContext, host nodes.Host, log *zap.Logger) *FBORenderer {
	return &FBORenderer{
		vc:     vc,
		host:   host,
		log:    log.With(zap.String("component", "fbo-renderer")),
		passes: make(map[string]*legacyPass),
	}
}

// BuildFBOs replaces every pass with one per node of g whose type is not
// claimed by registered. Failures are reported per node and never stop the
// build.
func (r *FBORenderer) BuildFBOs(g *graph.RenderGraph, registered func(typ string) bool) {
	r.DestroyAll()
	for _, id := range g.SortedNodes {
		n, ok := g.Node(id)
		if !ok || registered(n.Type) {
			continue
		}
		if err := r.Build(n); err != nil {
			r.log.Warn("legacy node build failed", zap.String("node", id), zap.String("type", n.Type), zap.Error(err))
		}
	}
}

// Build creates (or recreates) the pass of a single node.
func (r *FBORenderer) Build(n *graph.RenderNode) error {
	r.Destroy(n.ID)
	if n.Type == graph.OutputNodeType {
		r.passes[n.ID] = &legacyPass{kind: n.Type}
		return nil
	}

	fbo, err := nodes.NewFBO(r.vc.Device, r.vc.OutputW, r.vc.OutputH, false)
	if err != nil {
		return err
	}
	pass := &legacyPass{kind: n.Type, fbo: fbo}
	r.passes[n.ID] = pass

	fbo.Bind()
	r.vc.Device.Clear(0, 0, 0, 0)

	if n.Type != RawShaderType {
		return nil
	}
	code, _ := n.Data["code"].(string)
	return r.compile(n.ID, pass, code)
}

func (r *FBORenderer) compile(id string, pass *legacyPass, code string) error {
	d := r.vc.Device
	program, err := d.CompileProgram(shader.VertexSource, code)
	if err != nil {
		var ce *gpu.CompileError
		var lines map[int][]string
		if errors.As(err, &ce) {
			lines = shader.ParseLineErrors(ce.Log, 0)
		}
		r.host.Emit(nodes.Event{Kind: nodes.EventShaderError, NodeID: id, Level: nodes.LevelError, Args: []any{err.Error()}, LineErrors: lines})
		return fmt.Errorf("failed to compile raw shader: %w", err)
	}
	pass.program = program
	pass.resolutionLoc = d.UniformLocation(program, "iResolution")
	pass.timeLoc = d.UniformLocation(program, "iTime")
	pass.timeDeltaLoc = d.UniformLocation(program, "iTimeDelta")
	pass.frameLoc = d.UniformLocation(program, "iFrame")
	pass.mouseLoc = d.UniformLocation(program, "iMouse")
	for i := 0; i < maxChannels; i++ {
		pass.channelLoc[i] = d.UniformLocation(program, fmt.Sprintf("iChannel%d", i))
	}
	return nil
}

// Has reports whether id is rendered by this renderer.
func (r *FBORenderer) Has(id string) bool {
	_, ok := r.passes[id]
	return ok
}

// Output returns the target of id. The output sink has none.
func (r *FBORenderer) Output(id string) (gpu.Framebuffer, gpu.Texture, bool) {
	pass, ok := r.passes[id]
	if !ok || pass.fbo == nil {
		return 0, 0, false
	}
	return pass.fbo.Framebuffer(), pass.fbo.Texture(), true
}

// RenderNode draws one frame of id.
func (r *FBORenderer) RenderNode(id string, p nodes.RenderParams, inputs map[int]gpu.Texture) error {
	pass, ok := r.passes[id]
	if !ok {
		return fmt.Errorf("no legacy pass for node %s", id)
	}
	if pass.program == 0 {
		return nil
	}

	d := r.vc.Device
	pass.fbo.Bind()
	d.UseProgram(pass.program)

	w, h := pass.fbo.Size()
	if pass.resolutionLoc != -1 {
		d.Uniform3f(pass.resolutionLoc, float32(w), float32(h), 1)
	}
	if pass.timeLoc != -1 {
		d.Uniform1f(pass.timeLoc, float32(p.Time))
	}
	if pass.timeDeltaLoc != -1 {
		d.Uniform1f(pass.timeDeltaLoc, float32(p.TimeDelta))
	}
	if pass.frameLoc != -1 {
		d.Uniform1i(pass.frameLoc, int32(p.Frame))
	}
	if pass.mouseLoc != -1 {
		d.Uniform4f(pass.mouseLoc, p.Mouse[0], p.Mouse[1], p.Mouse[2], p.Mouse[3])
	}

	bound := false
	for ch := 0; ch < maxChannels; ch++ {
		if pass.channelLoc[ch] == -1 {
			continue
		}
		bound = true
		tex, ok := inputs[ch]
		if !ok || tex == 0 {
			tex = r.vc.Fallback
		}
		d.BindTexture(ch, tex)
		d.Uniform1i(pass.channelLoc[ch], int32(ch))
	}
	if !bound {
		d.BindTexture(0, 0)
	}
	d.DrawQuad()
	return nil
}

func (r *FBORenderer) Destroy(id string) {
	pass, ok := r.passes[id]
	if !ok {
		return
	}
	if pass.program != 0 {
		r.vc.Device.DeleteProgram(pass.program)
	}
	if pass.fbo != nil {
		pass.fbo.Destroy()
	}
	delete(r.passes, id)
}

func (r *FBORenderer) DestroyAll() {
	for id := range r.passes {
		r.Destroy(id)
	}
}

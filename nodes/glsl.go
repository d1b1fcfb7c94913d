package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/shader"
	"github.com/patchies/gopatchies/store"
)

// FFTInlet binds a sampler uniform to an analyzer output.
type FFTInlet struct {
	Uniform    string `mapstructure:"uniform"`
	AnalyzerID string `mapstructure:"analyzerId"`
	Kind       string `mapstructure:"kind"`
}

type glslData struct {
	Code        string              `mapstructure:"code"`
	UniformDefs []shader.UniformDef `mapstructure:"glUniformDefs"`
	FFTInlets   []FFTInlet          `mapstructure:"fftInlets"`
}

// GlslNode renders a ShaderToy style mainImage shader.
type GlslNode struct {
	base
	stores *store.Stores

	program   gpu.Program
	defs      []shader.UniformDef
	locations map[string]int32
	// slots maps graph-fed samplers to their inlet; analyzer-bound samplers
	// are absent.
	slots map[string]int

	// timeBase is subtracted from the frame time; a bang resets it.
	timeBase  float64
	resetTime bool
}

func NewGlslNode(id string, vc *VideoContext, host Host) (VideoNode, error) {
	b, err := newBase(id, "glsl", vc, host, false)
	if err != nil {
		return nil, err
	}
	return &GlslNode{base: b}, nil
}

func decodeData(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

func (n *GlslNode) Create(ctx context.Context, data map[string]any, stores *store.Stores) error {
	var d glslData
	if err := decodeData(data, &d); err != nil {
		return fmt.Errorf("invalid glsl node data: %w", err)
	}
	if len(d.UniformDefs) == 0 {
		d.UniformDefs = shader.ParseUniformDefs(d.Code)
	}

	wrapped, offset := shader.WrapFragment(d.Code)
	res, err := n.vc.Validator.Validate(ctx, wrapped)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		shaderError(n.host, n.id, err.Error(), shader.ParseLineErrors(err.Error(), offset))
		return fmt.Errorf("shader validation failed: %w", err)
	}

	program, err := n.vc.Device.CompileProgram(shader.VertexSource, res.Code)
	if err != nil {
		var ce *gpu.CompileError
		lines := map[int][]string(nil)
		if errors.As(err, &ce) {
			lines = shader.ParseLineErrors(ce.Log, offset)
		}
		shaderError(n.host, n.id, err.Error(), lines)
		return err
	}
	if err := ctx.Err(); err != nil {
		n.vc.Device.DeleteProgram(program)
		return err
	}

	if n.program != 0 {
		n.vc.Device.DeleteProgram(n.program)
	}
	n.program = program
	n.stores = stores
	n.defs = d.UniformDefs
	n.locations = make(map[string]int32)
	for _, name := range shader.Builtins {
		n.locations[name] = n.vc.Device.UniformLocation(program, res.MappedName(name))
	}
	for _, def := range n.defs {
		n.locations[def.Name] = n.vc.Device.UniformLocation(program, res.MappedName(def.Name))
	}

	n.applyDefaults()
	fft := make(map[string]bool, len(d.FFTInlets))
	for _, in := range d.FFTInlets {
		fft[in.Uniform] = true
		stores.FFT.Bind(n.id, in.Uniform, in.AnalyzerID, store.FFTKind(in.Kind))
	}
	n.slots = shader.SamplerSlots(n.defs, func(name string) bool { return fft[name] })

	n.host.Emit(Event{Kind: EventSetPortCount, NodeID: n.id, Inlets: len(n.defs), Outlets: 1})
	n.log.Debug("shader compiled", zap.Int("uniforms", len(n.defs)))
	return nil
}

// applyDefaults stores a default for every value uniform whose stored value
// is missing or of the wrong shape.
func (n *GlslNode) applyDefaults() {
	for _, def := range n.defs {
		if def.IsSampler() {
			continue
		}
		v, ok := n.stores.Uniforms.Get(n.id, def.Name)
		if ok && shader.IsValidUniformValue(v, def.Type) {
			continue
		}
		n.stores.Uniforms.Set(n.id, def.Name, shader.DefaultValue(def.Type))
	}
}

func (n *GlslNode) Render(p RenderParams, inputs map[int]gpu.Texture) error {
	if n.program == 0 {
		return ErrNotCreated
	}
	d := n.vc.Device
	if n.resetTime {
		n.timeBase = p.Time
		n.resetTime = false
	}

	n.Bind()
	d.UseProgram(n.program)

	w, h := n.Size()
	gpu.SetUniform(d, n.locations["iResolution"], []float64{float64(w), float64(h), 1})
	gpu.SetUniform(d, n.locations["iTime"], p.Time-n.timeBase)
	gpu.SetUniform(d, n.locations["iTimeDelta"], p.TimeDelta)
	gpu.SetUniform(d, n.locations["iFrame"], p.Frame)
	d.Uniform4f(n.locations["iMouse"], p.Mouse[0], p.Mouse[1], p.Mouse[2], p.Mouse[3])
	d.Uniform4f(n.locations["iDate"], p.Date[0], p.Date[1], p.Date[2], p.Date[3])

	unit := 0
	for _, def := range n.defs {
		loc := n.locations[def.Name]
		if !def.IsSampler() {
			v, ok := n.stores.Uniforms.Get(n.id, def.Name)
			if !ok {
				continue
			}
			if f, isFloat := v.(float64); isFloat && def.Type == "int" {
				v = int(f)
			}
			gpu.SetUniform(d, loc, v)
			continue
		}
		var tex gpu.Texture
		var ok bool
		if slot, fed := n.slots[def.Name]; fed {
			tex, ok = inputs[slot]
		} else {
			tex, ok = n.stores.FFT.TextureFor(n.id, def.Name)
		}
		if !ok || tex == 0 {
			tex = n.vc.Fallback
		}
		d.BindTexture(unit, tex)
		d.Uniform1i(loc, int32(unit))
		unit++
	}
	if unit == 0 {
		d.BindTexture(0, 0)
	}
	d.DrawQuad()
	return nil
}

// OnMessage handles {type:"set", name, value}, {type:"bang"} and bare values
// sent to the inlet of a value uniform.
func (n *GlslNode) OnMessage(data any, meta MessageMeta) {
	if n.stores == nil {
		return
	}
	if m, ok := data.(map[string]any); ok {
		switch m["type"] {
		case "set":
			name, _ := m["name"].(string)
			n.setUniform(name, m["value"])
			return
		case "bang":
			n.resetTime = true
			return
		}
	}
	if meta.Inlet >= 0 && meta.Inlet < len(n.defs) {
		n.setUniform(n.defs[meta.Inlet].Name, data)
	}
}

func (n *GlslNode) setUniform(name string, value any) {
	for _, def := range n.defs {
		if def.Name != name || def.IsSampler() {
			continue
		}
		prev, _ := n.stores.Uniforms.Get(n.id, name)
		n.stores.Uniforms.Set(n.id, name, value)
		if v, _ := n.stores.Uniforms.Get(n.id, name); !shader.IsValidUniformValue(v, def.Type) {
			console(n.host, n.id, LevelWarn, fmt.Sprintf("invalid value for %s %s", def.Type, name))
			n.stores.Uniforms.Set(n.id, name, prev)
		}
		return
	}
	console(n.host, n.id, LevelWarn, "unknown uniform "+name)
}

func (n *GlslNode) Destroy() {
	if n.program != 0 {
		n.vc.Device.DeleteProgram(n.program)
		n.program = 0
	}
	if n.stores != nil {
		n.stores.FFT.RemoveNode(n.id)
	}
	n.FBO.Destroy()
}

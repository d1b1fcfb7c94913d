package hydra

import (
	"fmt"
	"slices"
	"strings"
)

// Program is a chain compiled to a fragment shader. Fragment depends only
// on the chain's structure; Params carries the current argument values in
// uniform order u_p0, u_p1, ...
type Program struct {
	Fragment string
	Params   []float32
	// Textures lists the sampler uniforms in texture unit order.
	Textures []string
}

type generator struct {
	params   []float32
	used     map[string]bool
	textures []string
}

// Compile turns a chain into a fragment shader.
func Compile(c *Chain) (*Program, error) {
	if c == nil || len(c.steps) == 0 {
		return nil, fmt.Errorf("empty chain")
	}
	g := &generator{used: make(map[string]bool)}
	body, err := g.emit(c.steps, "st")
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("#version 410 core\n")
	b.WriteString("uniform float time;\nuniform vec2 resolution;\n")
	for i := range g.params {
		fmt.Fprintf(&b, "uniform float u_p%d;\n", i)
	}
	for _, t := range g.textures {
		fmt.Fprintf(&b, "uniform sampler2D %s;\n", t)
	}
	b.WriteString("out vec4 fragColor;\n\n")

	names := make([]string, 0, len(g.used))
	for name := range g.used {
		names = append(names, name)
	}
	slices.Sort(names)

	emitted := make(map[string]bool)
	for _, name := range names {
		for _, h := range needs[name] {
			if !emitted[h] {
				b.WriteString(helpers[h])
				b.WriteString("\n\n")
				emitted[h] = true
			}
		}
	}
	for _, name := range names {
		b.WriteString(signature(name, ops[name]))
		b.WriteString(" {")
		b.WriteString(ops[name].body)
		b.WriteString("\n}\n\n")
	}

	b.WriteString("void main() {\n    vec2 st = gl_FragCoord.xy / resolution;\n")
	fmt.Fprintf(&b, "    fragColor = %s;\n}\n", body)
	return &Program{Fragment: b.String(), Params: g.params, Textures: g.textures}, nil
}

func signature(name string, def opDef) string {
	var args []string
	ret := "vec4"
	switch def.kind {
	case kindSource:
		args = append(args, "vec2 _st")
	case kindCoord:
		ret = "vec2"
		args = append(args, "vec2 _st")
	case kindColor:
		args = append(args, "vec4 _c0")
	case kindCombine:
		args = append(args, "vec4 _c0", "vec4 _c1")
	case kindCombineCoord:
		ret = "vec2"
		args = append(args, "vec2 _st", "vec4 _c0")
	}
	if def.texture {
		args = append(args, "sampler2D tex")
	}
	for _, p := range def.params {
		args = append(args, "float "+p.name)
	}
	return fmt.Sprintf("%s h_%s(%s)", ret, name, strings.Join(args, ", "))
}

// emit returns the vec4 expression of steps sampled at uv. Coordinate ops
// wrap uv before the earlier steps see it; colour ops wrap the result.
func (g *generator) emit(steps []step, uv string) (string, error) {
	last := steps[len(steps)-1]
	rest := steps[:len(steps)-1]
	def, ok := ops[last.name]
	if !ok {
		return "", fmt.Errorf("unknown function %s", last.name)
	}
	if def.kind == kindSource && len(rest) > 0 {
		return "", fmt.Errorf("%s must start a chain", last.name)
	}
	if def.kind != kindSource && len(rest) == 0 {
		return "", fmt.Errorf("%s needs an input", last.name)
	}
	g.used[last.name] = true

	args := last.args
	var other *Chain
	if def.kind == kindCombine || def.kind == kindCombineCoord {
		other = args[0].(*Chain)
		args = args[1:]
	}
	var tex string
	if def.texture {
		var err error
		if tex, err = g.texture(args); err != nil {
			return "", err
		}
		args = nil
	}
	params, err := g.bind(last.name, def, args)
	if err != nil {
		return "", err
	}
	call := func(lead ...string) string {
		all := append(lead, params...)
		return fmt.Sprintf("h_%s(%s)", last.name, strings.Join(all, ", "))
	}

	switch def.kind {
	case kindSource:
		if def.texture {
			return call(uv, tex), nil
		}
		return call(uv), nil
	case kindCoord:
		return g.emit(rest, call(uv))
	case kindColor:
		inner, err := g.emit(rest, uv)
		if err != nil {
			return "", err
		}
		return call(inner), nil
	case kindCombine:
		inner, err := g.emit(rest, uv)
		if err != nil {
			return "", err
		}
		o, err := g.emit(other.steps, uv)
		if err != nil {
			return "", err
		}
		return call(inner, o), nil
	default:
		o, err := g.emit(other.steps, uv)
		if err != nil {
			return "", err
		}
		return g.emit(rest, call(uv, o))
	}
}

// bind allocates a uniform per parameter, falling back to defaults.
func (g *generator) bind(name string, def opDef, args []any) ([]string, error) {
	if len(args) > len(def.params) {
		return nil, fmt.Errorf("%s takes at most %d arguments", name, len(def.params))
	}
	out := make([]string, len(def.params))
	for i, p := range def.params {
		v := p.def
		if i < len(args) {
			f, ok := toFloat(args[i])
			if !ok {
				return nil, fmt.Errorf("%s: argument %s must be a number, got %T", name, p.name, args[i])
			}
			v = f
		}
		out[i] = fmt.Sprintf("u_p%d", len(g.params))
		g.params = append(g.params, float32(v))
	}
	return out, nil
}

func (g *generator) texture(args []any) (string, error) {
	var name string
	if len(args) == 0 {
		name = "tex_s0"
	} else {
		switch v := args[0].(type) {
		case Output:
			name = "tex_" + v.String()
		case Source:
			name = "tex_" + v.String()
		default:
			return "", fmt.Errorf("src: expected an output or source, got %T", args[0])
		}
	}
	if !slices.Contains(g.textures, name) {
		g.textures = append(g.textures, name)
	}
	return name, nil
}

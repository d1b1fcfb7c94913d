// Package hydra is a small live-coding video synth in the style of Hydra.
//
// Code is a list of chains such as
//
//	osc(10, 0.1).kaleid(4).out(o1)
//	render(o1)
//
// Each line is rewritten into an expr pipeline, evaluated every frame with
// the current time, and the resulting chains are compiled to fragment
// shaders drawn into four double-buffered outputs.
package hydra

import (
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/shader"
)

// AllOutputs is the render selection showing o0..o3 as quadrants.
const AllOutputs = -1

// EvalError reports the statement line that failed.
type EvalError struct {
	Line int
	Err  error
}

func (e *EvalError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *EvalError) Unwrap() error { return e.Err }

type compiledStatement struct {
	line    int
	program *vm.Program
}

type pass struct {
	fragment  string
	program   gpu.Program
	locations map[string]int32
}

// Synth owns the outputs and the evaluated code.
type Synth struct {
	device gpu.Device
	log    *zap.Logger

	outputs [numBuffers]*Buffer
	sources [numBuffers]gpu.Texture
	passes  [numBuffers]*pass

	options    []expr.Option
	statements []compiledStatement
	chains     [numBuffers]*Chain
	selected   int
}

// New allocates four width x height outputs.
func New(device gpu.Device, width, height int, log *zap.Logger) (*Synth, error) {
	s := &Synth{device: device, log: log}
	for i := range s.outputs {
		b, err := NewBuffer(device, width, height)
		if err != nil {
			s.Destroy()
			return nil, fmt.Errorf("failed to create output o%d: %w", i, err)
		}
		s.outputs[i] = b
	}
	s.options = s.buildOptions()
	return s, nil
}

func env(t float64) map[string]any {
	e := map[string]any{"time": t, "PI": math.Pi}
	for i := 0; i < numBuffers; i++ {
		e[Output(i).String()] = Output(i)
		e[Source(i).String()] = Source(i)
	}
	return e
}

func (s *Synth) buildOptions() []expr.Option {
	opts := []expr.Option{
		expr.Env(env(0)),
		expr.DisableBuiltin("repeat"),
		expr.Function("out", s.out),
		expr.Function("render", s.render),
		expr.Function("hush", s.hush),
		expr.Function("sin", math1(math.Sin)),
		expr.Function("cos", math1(math.Cos)),
	}
	for name, def := range ops {
		opts = append(opts, expr.Function(name, opFunc(name, def)))
	}
	return opts
}

func math1(f func(float64) float64) func(...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("expected one argument")
		}
		v, ok := toFloat(params[0])
		if !ok {
			return nil, fmt.Errorf("expected a number, got %T", params[0])
		}
		return f(v), nil
	}
}

func (s *Synth) out(params ...any) (any, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("out: missing chain")
	}
	c, ok := params[0].(*Chain)
	if !ok {
		return nil, fmt.Errorf("out: expected a chain, got %T", params[0])
	}
	o := Output(0)
	if len(params) > 1 {
		if o, ok = params[1].(Output); !ok {
			return nil, fmt.Errorf("out: expected an output, got %T", params[1])
		}
	}
	s.chains[o] = c
	return nil, nil
}

func (s *Synth) hush(...any) (any, error) {
	s.chains = [numBuffers]*Chain{}
	return nil, nil
}

func (s *Synth) render(params ...any) (any, error) {
	if len(params) == 0 {
		s.selected = AllOutputs
		return nil, nil
	}
	o, ok := params[0].(Output)
	if !ok {
		return nil, fmt.Errorf("render: expected an output, got %T", params[0])
	}
	s.selected = int(o)
	return nil, nil
}

// Eval replaces the running code. The synth is hushed only once the new
// code has evaluated and compiled, since chains cannot be updated
// incrementally. Failed code leaves the previous chains running.
func (s *Synth) Eval(code string) error {
	var stmts []compiledStatement
	for _, st := range splitStatements(code) {
		program, err := expr.Compile(rewriteMethods(st.text), s.options...)
		if err != nil {
			return &EvalError{Line: st.line, Err: err}
		}
		stmts = append(stmts, compiledStatement{line: st.line, program: program})
	}

	prevStmts, prevChains, prevSelected := s.statements, s.chains, s.selected
	restore := func() {
		s.statements, s.chains, s.selected = prevStmts, prevChains, prevSelected
	}
	s.statements, s.selected = stmts, 0
	if err := s.run(0); err != nil {
		restore()
		return err
	}
	for i, c := range s.chains {
		if c == nil {
			continue
		}
		if _, err := Compile(c); err != nil {
			restore()
			return fmt.Errorf("o%d: %w", i, err)
		}
	}

	chains, selected := s.chains, s.selected
	s.Hush()
	s.statements, s.chains, s.selected = stmts, chains, selected
	return nil
}

func (s *Synth) run(t float64) error {
	s.chains = [numBuffers]*Chain{}
	e := env(t)
	for _, st := range s.statements {
		if _, err := expr.Run(st.program, e); err != nil {
			return &EvalError{Line: st.line, Err: err}
		}
	}
	return nil
}

// Hush stops every chain, clears the outputs and forgets the sources.
func (s *Synth) Hush() {
	s.statements = nil
	s.chains = [numBuffers]*Chain{}
	s.sources = [numBuffers]gpu.Texture{}
	s.selected = 0
	for i, p := range s.passes {
		if p != nil {
			s.device.DeleteProgram(p.program)
			s.passes[i] = nil
		}
	}
	for _, b := range s.outputs {
		if b != nil {
			b.Clear()
		}
	}
}

// SetSource feeds texture tex to s<i>. Zero unbinds it.
func (s *Synth) SetSource(i int, tex gpu.Texture) {
	if i >= 0 && i < numBuffers {
		s.sources[i] = tex
	}
}

// Tick evaluates the code at time t and renders every assigned output.
func (s *Synth) Tick(t float64) error {
	if err := s.run(t); err != nil {
		return err
	}
	for i, c := range s.chains {
		if c == nil {
			continue
		}
		prog, err := Compile(c)
		if err != nil {
			return fmt.Errorf("o%d: %w", i, err)
		}
		if err := s.draw(i, prog, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synth) pass(i int, fragment string) (*pass, error) {
	if p := s.passes[i]; p != nil && p.fragment == fragment {
		return p, nil
	}
	program, err := s.device.CompileProgram(shader.VertexSource, fragment)
	if err != nil {
		return nil, fmt.Errorf("o%d: %w", i, err)
	}
	if old := s.passes[i]; old != nil {
		s.device.DeleteProgram(old.program)
	}
	s.passes[i] = &pass{fragment: fragment, program: program, locations: make(map[string]int32)}
	s.log.Debug("hydra output recompiled", zap.Int("output", i))
	return s.passes[i], nil
}

func (p *pass) location(d gpu.Device, name string) int32 {
	loc, ok := p.locations[name]
	if !ok {
		loc = d.UniformLocation(p.program, name)
		p.locations[name] = loc
	}
	return loc
}

func (s *Synth) draw(i int, prog *Program, t float64) error {
	p, err := s.pass(i, prog.Fragment)
	if err != nil {
		return err
	}
	d := s.device
	buf := s.outputs[i]
	buf.BindForWriting()
	d.UseProgram(p.program)

	w, h := buf.Size()
	gpu.SetUniform(d, p.location(d, "time"), t)
	gpu.SetUniform(d, p.location(d, "resolution"), []float64{float64(w), float64(h)})
	for j, v := range prog.Params {
		d.Uniform1f(p.location(d, fmt.Sprintf("u_p%d", j)), v)
	}
	for unit, name := range prog.Textures {
		d.BindTexture(unit, s.textureFor(name))
		d.Uniform1i(p.location(d, name), int32(unit))
	}
	if len(prog.Textures) == 0 {
		d.BindTexture(0, 0)
	}
	d.DrawQuad()
	buf.SwapBuffers()
	return nil
}

func (s *Synth) textureFor(name string) gpu.Texture {
	var idx int
	switch {
	case strings.HasPrefix(name, "tex_o"):
		fmt.Sscanf(name, "tex_o%d", &idx)
		return s.outputs[idx].Texture()
	case strings.HasPrefix(name, "tex_s"):
		fmt.Sscanf(name, "tex_s%d", &idx)
		return s.sources[idx]
	}
	return 0
}

// Selected is the output shown by the node, or AllOutputs.
func (s *Synth) Selected() int { return s.selected }

// Output returns output i.
func (s *Synth) Output(i int) *Buffer { return s.outputs[i] }

// Programs returns the fragment shader currently drawing each output.
func (s *Synth) Programs() map[Output]string {
	out := make(map[Output]string)
	for i, p := range s.passes {
		if p != nil {
			out[Output(i)] = p.fragment
		}
	}
	return out
}

func (s *Synth) Destroy() {
	for i, p := range s.passes {
		if p != nil {
			s.device.DeleteProgram(p.program)
			s.passes[i] = nil
		}
	}
	for i, b := range s.outputs {
		if b != nil {
			b.Destroy()
			s.outputs[i] = nil
		}
	}
}

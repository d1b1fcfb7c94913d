package hydra

import (
	"fmt"
	"strings"
)

// Output is one of the render outputs o0..o3.
type Output int

// Source is one of the external inputs s0..s3.
type Source int

func (o Output) String() string { return fmt.Sprintf("o%d", int(o)) }
func (s Source) String() string { return fmt.Sprintf("s%d", int(s)) }

const numBuffers = 4

type step struct {
	name string
	args []any
}

// Chain is an immutable list of operations starting with a source.
type Chain struct {
	steps []step
}

func (c *Chain) then(name string, args []any) *Chain {
	steps := make([]step, len(c.steps), len(c.steps)+1)
	copy(steps, c.steps)
	return &Chain{steps: append(steps, step{name: name, args: args})}
}

func (c *Chain) String() string {
	parts := make([]string, len(c.steps))
	for i, s := range c.steps {
		args := make([]string, len(s.args))
		for j, a := range s.args {
			args[j] = fmt.Sprint(a)
		}
		parts[i] = s.name + "(" + strings.Join(args, ", ") + ")"
	}
	return strings.Join(parts, ".")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// opFunc builds the expr function for an operation. Sources start a chain;
// every other op expects the chain it extends as first argument, which is
// what the pipe operator passes.
func opFunc(name string, def opDef) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if def.kind == kindSource {
			return (&Chain{}).then(name, params), nil
		}
		if len(params) == 0 {
			return nil, fmt.Errorf("%s: missing input chain", name)
		}
		c, ok := params[0].(*Chain)
		if !ok {
			return nil, fmt.Errorf("%s: expected a chain, got %T", name, params[0])
		}
		rest := params[1:]
		if def.kind == kindCombine || def.kind == kindCombineCoord {
			if len(rest) == 0 {
				return nil, fmt.Errorf("%s: missing second chain", name)
			}
			if _, ok := rest[0].(*Chain); !ok {
				return nil, fmt.Errorf("%s: expected a chain, got %T", name, rest[0])
			}
		}
		return c.then(name, rest), nil
	}
}

// rewriteMethods turns method chains into pipelines, so
// osc(10).kaleid(4).out(o1) becomes osc(10) | kaleid(4) | out(o1).
func rewriteMethods(src string) string {
	var b strings.Builder
	var quote rune
	prev := rune(0)
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			b.WriteRune(r)
			if r == quote && (i == 0 || runes[i-1] != '\\') {
				quote = 0
			}
			continue
		}
		switch {
		case r == '"' || r == '\'' || r == '`':
			quote = r
		case r == '.' && prev == ')' && i+1 < len(runes) && isIdentStart(runes[i+1]):
			b.WriteString(" | ")
			prev = r
			continue
		}
		b.WriteRune(r)
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			prev = r
		}
	}
	return b.String()
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

type statement struct {
	line int
	text string
}

// splitStatements groups code into statements. A line starting with '.'
// continues the previous chain, as do lines inside open parentheses.
func splitStatements(code string) []statement {
	var out []statement
	var cur *statement
	depth := 0
	for i, raw := range strings.Split(code, "\n") {
		line := raw
		if idx := strings.Index(line, "//"); idx >= 0 {
			line = line[:idx]
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if cur != nil && (depth > 0 || strings.HasPrefix(trimmed, ".")) {
			cur.text += " " + trimmed
		} else {
			out = append(out, statement{line: i + 1, text: trimmed})
			cur = &out[len(out)-1]
		}
		depth += strings.Count(trimmed, "(") - strings.Count(trimmed, ")")
	}

	var split []statement
	for _, s := range out {
		for _, part := range strings.Split(s.text, ";") {
			if p := strings.TrimSpace(part); p != "" {
				split = append(split, statement{line: s.line, text: p})
			}
		}
	}
	return split
}

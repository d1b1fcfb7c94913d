package shader

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// UniformDef is a user uniform declared in shader code.
type UniformDef struct {
	Name string `json:"name" mapstructure:"name"`
	Type string `json:"type" mapstructure:"type"`
}

// IsSampler reports whether the uniform consumes a texture slot.
func (u UniformDef) IsSampler() bool {
	return u.Type == "sampler2D"
}

var uniformPattern = regexp.MustCompile(`(?m)^\s*uniform\s+(?:(?:lowp|mediump|highp)\s+)?(\w+)\s+(\w+)\s*;`)

// ParseUniformDefs extracts `uniform <type> <name>;` declarations in source
// order, skipping the wrapper's builtins.
func ParseUniformDefs(code string) []UniformDef {
	var defs []UniformDef
	for _, m := range uniformPattern.FindAllStringSubmatch(code, -1) {
		if slices.Contains(Builtins, m[2]) {
			continue
		}
		defs = append(defs, UniformDef{Type: m[1], Name: m[2]})
	}
	return defs
}

// vectorSize returns N for vecN/ivecN/bvecN and 0 otherwise.
func vectorSize(typ string) int {
	for _, prefix := range []string{"vec", "ivec", "bvec"} {
		if rest, ok := strings.CutPrefix(typ, prefix); ok {
			n, err := strconv.Atoi(rest)
			if err == nil && n >= 2 && n <= 4 {
				return n
			}
		}
	}
	return 0
}

// DefaultValue returns the initial store value for a uniform type. Samplers
// and unknown types default to nil.
func DefaultValue(typ string) any {
	switch typ {
	case "bool":
		return true
	case "float", "int":
		return 0.0
	}
	if n := vectorSize(typ); n > 0 {
		return make([]float64, n)
	}
	return nil
}

// IsValidUniformValue reports whether value has the shape typ expects.
func IsValidUniformValue(value any, typ string) bool {
	switch typ {
	case "bool":
		_, ok := value.(bool)
		return ok
	case "float", "int":
		_, ok := value.(float64)
		return ok
	case "sampler2D":
		return value == nil
	}
	if n := vectorSize(typ); n > 0 {
		v, ok := value.([]float64)
		return ok && len(v) == n
	}
	return false
}

// SamplerSlots assigns graph inlet slots to the sampler uniforms in defs, in
// declaration order. Samplers for which bound reports true are fed from
// elsewhere (analyzer textures) and take no slot. bound may be nil.
func SamplerSlots(defs []UniformDef, bound func(name string) bool) map[string]int {
	slots := make(map[string]int)
	next := 0
	for _, def := range defs {
		if !def.IsSampler() || (bound != nil && bound(def.Name)) {
			continue
		}
		slots[def.Name] = next
		next++
	}
	return slots
}

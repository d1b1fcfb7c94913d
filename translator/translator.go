// Package translator runs user fragment shaders through goshadertranslator
// before they reach the driver. WebGL2 sources are validated and rewritten
// for the desktop GL 4.1 core profile.
package translator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	gst "github.com/richinsley/goshadertranslator"
)

// Result is a translated shader. Names maps source uniform names onto the
// names the translator emitted.
type Result struct {
	Code  string
	Names map[string]string
}

// MappedName returns the emitted name for a source uniform.
func (r *Result) MappedName(name string) string {
	if mapped, ok := r.Names[name]; ok && mapped != "" {
		return mapped
	}
	return name
}

// Validator validates and translates a WebGL2 fragment shader.
type Validator interface {
	Validate(ctx context.Context, source string) (*Result, error)
}

// ShaderTranslator is the wasm backed Validator. The translator instance is
// created lazily on first use and shared.
type ShaderTranslator struct {
	gles bool

	once sync.Once
	tr   *gst.ShaderTranslator
	err  error
	mu   sync.Mutex
}

// New returns a validator producing GLSL 410, or ESSL 300 when gles is set.
func New(gles bool) *ShaderTranslator {
	return &ShaderTranslator{gles: gles}
}

// get outlives any single request, so the runtime is bound to Background.
func (s *ShaderTranslator) get() (*gst.ShaderTranslator, error) {
	s.once.Do(func() {
		s.tr, s.err = gst.NewShaderTranslator(context.Background())
	})
	return s.tr, s.err
}

func (s *ShaderTranslator) Validate(ctx context.Context, source string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tr, err := s.get()
	if err != nil {
		return nil, fmt.Errorf("failed to create shader translator: %w", err)
	}

	outputFormat := gst.OutputFormatGLSL410
	if s.gles {
		outputFormat = gst.OutputFormatESSL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := tr.TranslateShader(source, "fragment", gst.ShaderSpecWebGL2, outputFormat)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(out.Variables))
	for name, v := range out.Variables {
		names[name] = v.MappedName
	}
	return &Result{Code: out.Code, Names: names}, nil
}

// Passthrough skips validation. The WebGL2 version directive is swapped for
// the desktop core profile so line numbers stay unchanged. It is used when
// translation is disabled and by tests.
type Passthrough struct{}

func (Passthrough) Validate(ctx context.Context, source string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code := strings.Replace(source, "#version 300 es", "#version 410 core", 1)
	return &Result{Code: code, Names: map[string]string{}}, nil
}

package store

import (
	"fmt"

	"github.com/patchies/gopatchies/gpu"
)

// FFTKind selects which analysis an analyzer publishes.
type FFTKind string

const (
	FFTWaveform  FFTKind = "wave"
	FFTFrequency FFTKind = "freq"
)

// FFTBinding ties a sampler uniform of a node to an analyzer output.
type FFTBinding struct {
	AnalyzerID string
	Kind       FFTKind
}

type fftKey struct {
	analyzer string
	kind     FFTKind
}

type fftTexture struct {
	tex   gpu.Texture
	width int
	pix   []byte
}

// FFTStore keeps one single-row texture per analyzer output and the sampler
// bindings that read from them.
type FFTStore struct {
	device   gpu.Device
	textures map[fftKey]*fftTexture
	bindings map[string]map[string]FFTBinding
}

func NewFFTStore(device gpu.Device) *FFTStore {
	return &FFTStore{
		device:   device,
		textures: make(map[fftKey]*fftTexture),
		bindings: make(map[string]map[string]FFTBinding),
	}
}

// SetData uploads bins into the analyzer's texture, one texel per bin.
// Waveform bins in -1..1 are mapped to 0..1 first; frequency bins are
// expected normalized.
func (s *FFTStore) SetData(analyzerID string, kind FFTKind, bins []float32) error {
	if len(bins) == 0 {
		return nil
	}
	key := fftKey{analyzerID, kind}
	t, ok := s.textures[key]
	if !ok || t.width != len(bins) {
		if ok {
			s.device.DeleteTexture(t.tex)
		}
		tex, err := s.device.CreateTexture(gpu.TextureOptions{Width: len(bins), Height: 1, Filter: gpu.FilterLinear}, nil)
		if err != nil {
			return fmt.Errorf("failed to create fft texture: %w", err)
		}
		t = &fftTexture{tex: tex, width: len(bins), pix: make([]byte, len(bins)*4)}
		s.textures[key] = t
	}

	for i, v := range bins {
		if kind == FFTWaveform {
			v = v*0.5 + 0.5
		}
		b := quantize(v)
		t.pix[i*4] = b
		t.pix[i*4+1] = b
		t.pix[i*4+2] = b
		t.pix[i*4+3] = 255
	}
	s.device.UpdateTexture(t.tex, t.width, 1, t.pix)
	return nil
}

func quantize(v float32) byte {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(v*255 + 0.5)
}

// Texture returns the analyzer output texture.
func (s *FFTStore) Texture(analyzerID string, kind FFTKind) (gpu.Texture, bool) {
	t, ok := s.textures[fftKey{analyzerID, kind}]
	if !ok {
		return 0, false
	}
	return t.tex, true
}

// Bind routes a sampler uniform of nodeID to an analyzer output.
func (s *FFTStore) Bind(nodeID, uniform, analyzerID string, kind FFTKind) {
	m, ok := s.bindings[nodeID]
	if !ok {
		m = make(map[string]FFTBinding)
		s.bindings[nodeID] = m
	}
	m[uniform] = FFTBinding{AnalyzerID: analyzerID, Kind: kind}
}

func (s *FFTStore) Binding(nodeID, uniform string) (FFTBinding, bool) {
	b, ok := s.bindings[nodeID][uniform]
	return b, ok
}

// TextureFor resolves a bound sampler straight to its texture.
func (s *FFTStore) TextureFor(nodeID, uniform string) (gpu.Texture, bool) {
	b, ok := s.Binding(nodeID, uniform)
	if !ok {
		return 0, false
	}
	return s.Texture(b.AnalyzerID, b.Kind)
}

func (s *FFTStore) RemoveNode(nodeID string) {
	delete(s.bindings, nodeID)
}

func (s *FFTStore) Destroy() {
	for key, t := range s.textures {
		s.device.DeleteTexture(t.tex)
		delete(s.textures, key)
	}
	s.bindings = make(map[string]map[string]FFTBinding)
}

// Stores bundles the persistent stores handed to node renderers.
type Stores struct {
	Uniforms *UniformsStore
	Textures *TextureStore
	FFT      *FFTStore
}

func New(device gpu.Device) *Stores {
	return &Stores{
		Uniforms: NewUniformsStore(),
		Textures: NewTextureStore(device),
		FFT:      NewFFTStore(device),
	}
}

func (s *Stores) Destroy() {
	s.Textures.Destroy()
	s.FFT.Destroy()
}

package audio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mjibson/go-dsp/fft"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/store"
)

const (
	// fftInputSize of 2048 gives 1024 frequency bins; the first Bins are kept.
	fftInputSize = 2048
	Bins         = 512

	minDecibels = -100.0
	maxDecibels = -30.0
)

// FFTPayload is one analysis result bound for the render worker.
type FFTPayload struct {
	AnalyzerID string
	Kind       store.FFTKind
	Bins       []float32
}

// Analyzer consumes an AudioDevice into a history window and turns it into
// waveform and spectrum rows.
type Analyzer struct {
	ID        string
	device    AudioDevice
	buffer    *SharedAudioBuffer
	log       *zap.Logger
	window    []float64
	smoothing float64

	mu      sync.Mutex
	lastFFT []float64
}

func NewAnalyzer(id string, device AudioDevice, log *zap.Logger) *Analyzer {
	last := make([]float64, Bins)
	for i := range last {
		last[i] = minDecibels
	}
	return &Analyzer{
		ID:        id,
		device:    device,
		buffer:    NewSharedAudioBuffer(fftInputSize * 4),
		log:       log.With(zap.String("component", "analyzer"), zap.String("analyzer", id)),
		window:    blackmanWindow(fftInputSize),
		smoothing: 0.8,
		lastFFT:   last,
	}
}

// Feed pushes samples into the history window directly.
func (a *Analyzer) Feed(samples []float32) {
	a.buffer.Write(samples)
}

// Analyze returns the latest waveform (-1..1) and smoothed spectrum (0..1).
func (a *Analyzer) Analyze() (wave, freq []float32) {
	samples := a.buffer.WindowPeek(fftInputSize)
	samples64 := make([]float64, fftInputSize)
	for i, s := range samples {
		samples64[i] = float64(s) * a.window[i]
	}
	fftResult := fft.FFTReal(samples64)

	a.mu.Lock()
	freq = make([]float32, Bins)
	for i := 0; i < Bins; i++ {
		re := real(fftResult[i])
		im := imag(fftResult[i])
		magnitude := math.Sqrt(re*re+im*im) * (2.0 / float64(fftInputSize))
		db := 20 * math.Log10(magnitude+1e-9)

		a.lastFFT[i] = a.smoothing*a.lastFFT[i] + (1.0-a.smoothing)*db
		smoothed := a.lastFFT[i]

		switch {
		case smoothed < minDecibels:
			freq[i] = 0
		case smoothed > maxDecibels:
			freq[i] = 1
		default:
			freq[i] = float32((smoothed - minDecibels) / (maxDecibels - minDecibels))
		}
	}
	a.mu.Unlock()

	wave = append([]float32(nil), samples[len(samples)-Bins:]...)
	return wave, freq
}

// Publish analyses the current window and emits both rows.
func (a *Analyzer) Publish(emit func(FFTPayload)) {
	wave, freq := a.Analyze()
	emit(FFTPayload{AnalyzerID: a.ID, Kind: store.FFTWaveform, Bins: wave})
	emit(FFTPayload{AnalyzerID: a.ID, Kind: store.FFTFrequency, Bins: freq})
}

// Run starts the device and publishes an analysis every interval until ctx
// is done or the device closes its stream.
func (a *Analyzer) Run(ctx context.Context, interval time.Duration, emit func(FFTPayload)) error {
	samples, err := a.device.Start()
	if err != nil {
		// devices release what their constructor acquired in Stop
		a.device.Stop()
		return err
	}
	defer a.device.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-samples:
			if !ok {
				a.log.Info("audio stream closed")
				a.Publish(emit)
				return nil
			}
			a.buffer.Write(chunk)
		case <-ticker.C:
			a.Publish(emit)
		}
	}
}

// blackmanWindow generates a Blackman window, as used by Shadertoy.
func blackmanWindow(size int) []float64 {
	window := make([]float64, size)
	a0 := 0.42
	a1 := 0.5
	a2 := 0.08
	invSize := 1.0 / float64(size-1)
	for i := range window {
		t := float64(i) * invSize
		window[i] = a0 - (a1 * math.Cos(2*math.Pi*t)) + (a2 * math.Cos(4*math.Pi*t))
	}
	return window
}

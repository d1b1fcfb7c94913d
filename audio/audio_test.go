package audio

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/store"
)

func sine(freq float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / float64(rate)))
	}
	return out
}

func TestSharedAudioBufferPeekIsChronological(t *testing.T) {
	b := NewSharedAudioBuffer(4)
	b.Write([]float32{1, 2, 3})
	b.Write([]float32{4, 5})

	assert.Equal(t, []float32{2, 3, 4, 5}, b.WindowPeek(4))
	assert.Equal(t, []float32{4, 5}, b.WindowPeek(2))
	assert.Equal(t, int64(5), b.TotalSamplesWritten())
}

func TestAnalyzerFindsTone(t *testing.T) {
	a := NewAnalyzer("fft1", NewNullDevice(44100), zap.NewNop())
	a.Feed(sine(1000, 44100, fftInputSize))

	var wave, freq []float32
	for i := 0; i < 20; i++ {
		wave, freq = a.Analyze()
	}
	require.Len(t, wave, Bins)
	require.Len(t, freq, Bins)

	// 1 kHz lands in bin 1000*2048/44100
	peak := int(math.Round(1000 * fftInputSize / 44100.0))
	assert.Greater(t, freq[peak], float32(0.9))
	assert.Less(t, freq[300], float32(0.1))
}

func TestAnalyzerSilenceIsFloor(t *testing.T) {
	a := NewAnalyzer("fft1", NewNullDevice(44100), zap.NewNop())
	_, freq := a.Analyze()
	for _, v := range freq {
		assert.Zero(t, v)
	}
}

func TestAnalyzerRunPublishesBothKinds(t *testing.T) {
	dev := NewSliceDevice(44100, sine(440, 44100, 1024), sine(440, 44100, 1024))
	a := NewAnalyzer("mic", dev, zap.NewNop())

	var mu sync.Mutex
	kinds := map[store.FFTKind]int{}
	err := a.Run(context.Background(), time.Hour, func(p FFTPayload) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "mic", p.AnalyzerID)
		assert.Len(t, p.Bins, Bins)
		kinds[p.Kind]++
	})
	require.NoError(t, err)
	assert.Equal(t, 1, kinds[store.FFTWaveform])
	assert.Equal(t, 1, kinds[store.FFTFrequency])
}

func TestMicrophoneDeliverDownmixesAndDrops(t *testing.T) {
	m := &Microphone{log: zap.NewNop()}
	chunks := make(chan []float32, 1)
	in := []float32{1, 3, 2, 4}

	m.deliver(chunks, in, 2)
	in[0] = 100
	m.deliver(chunks, in, 2)

	assert.Equal(t, []float32{2, 3}, <-chunks)
	assert.Equal(t, int64(1), m.Dropped())
}

func TestDownmixMonoCopies(t *testing.T) {
	in := []float32{0.5, -0.5}
	out := downmix(in, 1)
	in[0] = 0
	assert.Equal(t, []float32{0.5, -0.5}, out)
}

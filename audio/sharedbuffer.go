package audio

import (
	"sync"
)

const DefaultWindowSize = 2048

// SharedAudioBuffer keeps the most recent samples of a stream for
// non-destructive peeking by the analyzer.
type SharedAudioBuffer struct {
	mu           sync.RWMutex
	window       []float32
	pos          int
	totalWritten int64
}

func NewSharedAudioBuffer(windowSize int) *SharedAudioBuffer {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &SharedAudioBuffer{window: make([]float32, windowSize)}
}

// Write appends samples, overwriting the oldest ones.
func (b *SharedAudioBuffer) Write(samples []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range samples {
		b.window[b.pos] = s
		b.pos = (b.pos + 1) % len(b.window)
	}
	b.totalWritten += int64(len(samples))
}

// WindowPeek returns the last n samples in chronological order. n is capped
// at the window size.
func (b *SharedAudioBuffer) WindowPeek(n int) []float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	size := len(b.window)
	if n > size || n <= 0 {
		n = size
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = b.window[(b.pos-n+i+size)%size]
	}
	return out
}

func (b *SharedAudioBuffer) TotalSamplesWritten() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalWritten
}

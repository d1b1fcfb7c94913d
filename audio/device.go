// Package audio produces the sample streams and spectrum analysis that feed
// FFT-bound shader inputs.
package audio

// We'll be using portaudio for audio input handling.
// macos:	brew install portaudio
// debian:	sudo apt-get install portaudio19-dev
// windows:	pacman -S mingw-w64-x86_64-portaudio

// A producer will implement this to provide a stream of audio sample chunks.
type AudioDevice interface {
	// Start begins audio processing and returns a receive-only channel of audio chunks.
	Start() (<-chan []float32, error)
	// Stop terminates the audio stream and closes the channel.
	Stop() error
	// SampleRate returns the sample rate of the device.
	SampleRate() int
}

// NullDevice produces silence.
type NullDevice struct {
	rate int
}

func NewNullDevice(sampleRate int) *NullDevice {
	return &NullDevice{rate: sampleRate}
}

// Start returns a nil channel, which blocks forever on receive.
func (d *NullDevice) Start() (<-chan []float32, error) {
	return nil, nil
}

func (d *NullDevice) Stop() error { return nil }

func (d *NullDevice) SampleRate() int { return d.rate }

// SliceDevice replays fixed chunks once, then closes. It backs offline
// analysis and tests.
type SliceDevice struct {
	rate   int
	chunks [][]float32
}

func NewSliceDevice(sampleRate int, chunks ...[]float32) *SliceDevice {
	return &SliceDevice{rate: sampleRate, chunks: chunks}
}

func (d *SliceDevice) Start() (<-chan []float32, error) {
	ch := make(chan []float32, len(d.chunks))
	for _, c := range d.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (d *SliceDevice) Stop() error { return nil }

func (d *SliceDevice) SampleRate() int { return d.rate }

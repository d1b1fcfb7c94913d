package audio

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

// MicrophoneConfig selects and shapes the capture stream.
type MicrophoneConfig struct {
	SampleRate int
	// Device matches a capture device by case-insensitive substring of its
	// name. Empty picks the host default.
	Device string
	// Channels captured before the mono downmix. Zero means one.
	Channels int
	// FramesPerBuffer sets the callback size; zero lets PortAudio choose.
	FramesPerBuffer int
	// Queue bounds chunks waiting for the analyzer.
	Queue int
}

// Microphone captures from a PortAudio input device and delivers mono
// chunks to its consumer. Chunks that arrive while the queue is full are
// dropped, the callback thread never blocks.
type Microphone struct {
	cfg MicrophoneConfig
	log *zap.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	chunks  chan []float32
	dropped atomic.Int64
}

// NewMicrophone initializes PortAudio. Stop terminates it again.
func NewMicrophone(cfg MicrophoneConfig, log *zap.Logger) (*Microphone, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 16
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	return &Microphone{cfg: cfg, log: log.With(zap.String("component", "microphone"))}, nil
}

func (m *Microphone) inputDevice() (*portaudio.DeviceInfo, error) {
	if m.cfg.Device == "" {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(m.cfg.Device)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no capture device matches %q", m.cfg.Device)
}

func (m *Microphone) Start() (<-chan []float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return nil, fmt.Errorf("microphone already started")
	}

	dev, err := m.inputDevice()
	if err != nil {
		return nil, err
	}
	channels := min(m.cfg.Channels, dev.MaxInputChannels)
	params := portaudio.HighLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(m.cfg.SampleRate)
	params.FramesPerBuffer = m.cfg.FramesPerBuffer

	chunks := make(chan []float32, m.cfg.Queue)
	stream, err := portaudio.OpenStream(params, func(in []float32) {
		m.deliver(chunks, in, channels)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}
	m.stream, m.chunks = stream, chunks
	m.log.Info("microphone started",
		zap.String("device", dev.Name),
		zap.Int("sample_rate", m.cfg.SampleRate),
		zap.Int("channels", channels))
	return chunks, nil
}

// deliver downmixes one interleaved callback buffer into a fresh chunk.
// PortAudio reuses in after the callback returns.
func (m *Microphone) deliver(chunks chan<- []float32, in []float32, channels int) {
	select {
	case chunks <- downmix(in, channels):
	default:
		if n := m.dropped.Add(1); n%100 == 1 {
			m.log.Warn("analyzer is behind, dropping audio", zap.Int64("dropped", n))
		}
	}
}

// Dropped is the number of chunks lost to a full queue.
func (m *Microphone) Dropped() int64 { return m.dropped.Load() }

func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return portaudio.Terminate()
	}
	err := m.stream.Close()
	m.stream = nil
	close(m.chunks)
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}

func (m *Microphone) SampleRate() int { return m.cfg.SampleRate }

// downmix averages interleaved frames into mono. The result never aliases in.
func downmix(in []float32, channels int) []float32 {
	if channels <= 1 {
		return append([]float32(nil), in...)
	}
	out := make([]float32, len(in)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += in[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

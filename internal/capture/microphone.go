package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog/log"

	"github.com/lexiqai/speech-relay/internal/audio"
)

// MicrophoneConfig selects the capture device and buffer size
type MicrophoneConfig struct {
	Device          int // index into portaudio.Devices(), -1 for the default input
	SampleRate      int
	FramesPerBuffer int
}

// Microphone captures mono int16 audio through PortAudio
type Microphone struct {
	cfg MicrophoneConfig

	mu      sync.Mutex
	stream  *portaudio.Stream
	buffer  []int16
	started bool
	closed  bool
}

// NewMicrophone creates an unopened microphone source
func NewMicrophone(cfg MicrophoneConfig) *Microphone {
	return &Microphone{cfg: cfg}
}

// Start initializes PortAudio and starts the input stream
func (m *Microphone) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	device, err := inputDevice(m.cfg.Device)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(m.cfg.SampleRate)
	params.FramesPerBuffer = m.cfg.FramesPerBuffer

	buffer := make([]int16, m.cfg.FramesPerBuffer)
	stream, err := portaudio.OpenStream(params, buffer)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	m.stream = stream
	m.buffer = buffer
	m.started = true

	log.Info().
		Str("device", device.Name).
		Int("sample_rate", m.cfg.SampleRate).
		Int("frames_per_buffer", m.cfg.FramesPerBuffer).
		Msg("Microphone started")
	return nil
}

func inputDevice(index int) (*portaudio.DeviceInfo, error) {
	if index < 0 {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list audio devices: %w", err)
	}
	if index >= len(devices) {
		return nil, fmt.Errorf("device index %d out of range (%d devices)", index, len(devices))
	}
	if devices[index].MaxInputChannels < 1 {
		return nil, fmt.Errorf("device %d (%s) has no input channels", index, devices[index].Name)
	}
	return devices[index], nil
}

// Read blocks until one buffer of audio is captured
func (m *Microphone) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if !m.started {
		return nil, fmt.Errorf("microphone not started")
	}

	if err := m.stream.Read(); err != nil {
		if err == portaudio.InputOverflowed {
			log.Warn().Msg("Microphone input overflowed, audio was lost")
		} else {
			return nil, fmt.Errorf("failed to read from microphone: %w", err)
		}
	}
	return audio.SamplesToBytes(m.buffer), nil
}

// Close stops the stream and releases PortAudio
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if !m.started {
		return nil
	}

	var firstErr error
	if err := m.stream.Stop(); err != nil {
		firstErr = fmt.Errorf("failed to stop input stream: %w", err)
	}
	if err := m.stream.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close input stream: %w", err)
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to terminate PortAudio: %w", err)
	}

	log.Info().Msg("Microphone stopped")
	return firstErr
}

// InputDevice describes a capture-capable audio device
type InputDevice struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
}

// ListInputDevices returns every device with at least one input channel
func ListInputDevices() ([]InputDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list audio devices: %w", err)
	}

	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil {
		defaultName = def.Name
	}

	var inputs []InputDevice
	for i, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		inputs = append(inputs, InputDevice{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			IsDefault:         d.Name == defaultName,
		})
	}
	return inputs, nil
}

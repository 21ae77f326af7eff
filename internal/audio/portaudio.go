//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// portaudioSource captures through PortAudio's default input device. The
// library is initialised per source and terminated on Close.
type portaudioSource struct {
	cfg SourceConfig
	dev *portaudio.DeviceInfo
}

func openPortAudio(cfg SourceConfig) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: %v", ErrUnsupportedPlatform, err)
	}
	dev, err := portaudioDevice(cfg.Device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	return &portaudioSource{cfg: cfg, dev: dev}, nil
}

func portaudioDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", ErrUnsupportedPlatform, err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list portaudio devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: capture device not found: %s", ErrInvalidInput, name)
}

func probePortAudio() error {
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	defer portaudio.Terminate()
	_, err := portaudio.DefaultInputDevice()
	return err
}

func listPortAudioDevices() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

func (s *portaudioSource) Name() string { return "portaudio:" + s.dev.Name }

func (s *portaudioSource) Close() error { return portaudio.Terminate() }

func (s *portaudioSource) Connect(ctx context.Context, cfg TapConfig) (Tap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rate := float64(s.cfg.SampleRate)
	if rate == 0 {
		rate = s.dev.DefaultSampleRate
	}

	t := &portaudioTap{
		q:    newQueue(cfg.QueueDepth, cfg.OnDrop),
		rate: int(rate),
	}
	t.size.Store(int64(cfg.BufferSize))

	params := portaudio.LowLatencyParameters(s.dev, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = rate
	params.FramesPerBuffer = cfg.BufferSize

	// PortAudio reuses the callback buffers, so every batch is cloned.
	stream, err := portaudio.OpenStream(params, func(in [][]float32) {
		if len(in) == 0 {
			return
		}
		if t.size.Load() == 0 {
			t.size.Store(int64(len(in[0])))
		}
		f := Frames{Left: slices.Clone(in[0])}
		if len(in) > 1 {
			f.Right = slices.Clone(in[1])
		}
		t.q.push(f)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open portaudio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start portaudio stream: %w", err)
	}
	t.stream = stream
	slog.Debug("portaudio capture started", "device", s.Name(), "rate", t.rate, "channels", cfg.Channels)
	return t, nil
}

type portaudioTap struct {
	stream *portaudio.Stream
	q      *queue
	rate   int
	size   atomic.Int64
	once   sync.Once
	err    error
}

func (t *portaudioTap) Frames() <-chan Frames { return t.q.ch }
func (t *portaudioTap) SampleRate() int       { return t.rate }

func (t *portaudioTap) BufferSize() int {
	if n := t.size.Load(); n > 0 {
		return int(n)
	}
	return DefaultBufferSize
}

func (t *portaudioTap) Disconnect() error {
	t.once.Do(func() {
		if err := t.stream.Stop(); err != nil {
			t.err = err
		}
		if err := t.stream.Close(); err != nil && t.err == nil {
			t.err = err
		}
		t.q.close()
	})
	return t.err
}

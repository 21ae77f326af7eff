package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// malgoSource captures through miniaudio, which picks the native host API
// (ALSA/PulseAudio on Linux, CoreAudio, WASAPI).
type malgoSource struct {
	cfg SourceConfig
	ctx *malgo.AllocatedContext

	mu     sync.Mutex
	closed bool
}

func openMalgo(cfg SourceConfig) (Source, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "message", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: miniaudio context: %v", ErrUnsupportedPlatform, err)
	}
	return &malgoSource{cfg: cfg, ctx: ctx}, nil
}

func probeMalgo() error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return err
	}
	defer ctx.Free()
	defer ctx.Uninit()

	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("no capture devices")
	}
	return nil
}

// listMalgoDevices returns the capture device names miniaudio can see.
func listMalgoDevices() ([]string, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	defer ctx.Free()
	defer ctx.Uninit()

	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name())
	}
	return names, nil
}

func (s *malgoSource) Name() string {
	if s.cfg.Device == "" {
		return "malgo:default"
	}
	return "malgo:" + s.cfg.Device
}

func (s *malgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.ctx.Uninit()
	s.ctx.Free()
	return err
}

func (s *malgoSource) Connect(ctx context.Context, cfg TapConfig) (Tap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: source closed", ErrInvalidInput)
	}

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(s.cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.BufferSize)
	dc.Alsa.NoMMap = 1

	if s.cfg.Device != "" {
		devices, err := s.ctx.Devices(malgo.Capture)
		if err != nil {
			return nil, fmt.Errorf("failed to list capture devices: %w", err)
		}
		found := false
		for i := range devices {
			if devices[i].Name() == s.cfg.Device {
				dc.Capture.DeviceID = devices[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: capture device not found: %s", ErrInvalidInput, s.cfg.Device)
		}
	}

	t := &malgoTap{
		q:        newQueue(cfg.QueueDepth, cfg.OnDrop),
		channels: cfg.Channels,
	}
	t.size.Store(int64(cfg.BufferSize))

	var scratch []float32
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			if t.size.Load() == 0 {
				t.size.Store(int64(frameCount))
			}
			scratch = decodeFloat32LE(input, scratch)
			t.q.push(Deinterleave(scratch, t.channels))
		},
	}

	device, err := malgo.InitDevice(s.ctx.Context, dc, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to init capture device: %w", err)
	}
	t.device = device
	t.rate = int(device.SampleRate())

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}
	slog.Debug("miniaudio capture started", "device", s.Name(), "rate", t.rate, "channels", cfg.Channels, "period", cfg.BufferSize)
	return t, nil
}

type malgoTap struct {
	device   *malgo.Device
	q        *queue
	channels int
	rate     int
	size     atomic.Int64
	once     sync.Once
}

func (t *malgoTap) Frames() <-chan Frames { return t.q.ch }
func (t *malgoTap) SampleRate() int       { return t.rate }

// BufferSize reports the requested period, or the first observed callback
// size when the platform chose.
func (t *malgoTap) BufferSize() int {
	if n := t.size.Load(); n > 0 {
		return int(n)
	}
	return DefaultBufferSize
}

func (t *malgoTap) Disconnect() error {
	t.once.Do(func() {
		// Uninit stops the device and waits for the data callback to return.
		t.device.Uninit()
		t.q.close()
	})
	return nil
}

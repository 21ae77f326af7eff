package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jfreymuth/pulse"
)

const pulseDefaultRate = 44100

// pulseSource records from a PulseAudio (or pipewire-pulse) server over its
// native protocol.
type pulseSource struct {
	cfg    SourceConfig
	client *pulse.Client
}

func openPulse(cfg SourceConfig) (Source, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("stereorec"))
	if err != nil {
		return nil, fmt.Errorf("%w: pulse client: %v", ErrUnsupportedPlatform, err)
	}
	return &pulseSource{cfg: cfg, client: c}, nil
}

func probePulse() error {
	c, err := pulse.NewClient(pulse.ClientApplicationName("stereorec-probe"))
	if err != nil {
		return err
	}
	c.Close()
	return nil
}

// listPulseSources returns the source names the server advertises.
func listPulseSources() ([]string, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("stereorec"))
	if err != nil {
		return nil, err
	}
	defer c.Close()

	sources, err := c.ListSources()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.ID())
	}
	return names, nil
}

func (s *pulseSource) Name() string {
	if s.cfg.Device == "" {
		return "pulse:default"
	}
	return "pulse:" + s.cfg.Device
}

func (s *pulseSource) Close() error {
	s.client.Close()
	return nil
}

func (s *pulseSource) Connect(ctx context.Context, cfg TapConfig) (Tap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rate := s.cfg.SampleRate
	if rate == 0 {
		rate = pulseDefaultRate
	}
	size := cfg.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}

	t := &pulseTap{
		q:    newQueue(cfg.QueueDepth, cfg.OnDrop),
		size: size,
		rate: rate,
	}
	c := newChunker(size, cfg.Channels, func(f Frames) { t.q.push(f) })

	opts := []pulse.RecordOption{
		pulse.RecordSampleRate(rate),
		pulse.RecordBufferFragmentSize(uint32(size * cfg.Channels * 4)),
		pulse.RecordMediaName("stereorec capture"),
	}
	if cfg.Channels == 1 {
		opts = append(opts, pulse.RecordMono)
	} else {
		opts = append(opts, pulse.RecordStereo)
	}
	if s.cfg.Device != "" {
		src, err := s.client.SourceByID(s.cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("%w: pulse source %s: %v", ErrInvalidInput, s.cfg.Device, err)
		}
		opts = append(opts, pulse.RecordSource(src))
	}

	stream, err := s.client.NewRecord(pulse.Float32Writer(func(p []float32) (int, error) {
		c.write(p)
		return len(p), nil
	}), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pulse record stream: %w", err)
	}
	t.stream = stream
	stream.Start()
	slog.Debug("pulse capture started", "device", s.Name(), "rate", rate, "channels", cfg.Channels, "period", size)
	return t, nil
}

type pulseTap struct {
	stream *pulse.RecordStream
	q      *queue
	size   int
	rate   int
	once   sync.Once
}

func (t *pulseTap) Frames() <-chan Frames { return t.q.ch }
func (t *pulseTap) BufferSize() int       { return t.size }
func (t *pulseTap) SampleRate() int       { return t.rate }

func (t *pulseTap) Disconnect() error {
	t.once.Do(func() {
		t.stream.Stop()
		t.stream.Close()
		t.q.close()
	})
	return nil
}

package audio

import (
	"context"
	"math"
	"sync"
	"time"
)

// ToneConfig configures the synthetic tone source.
type ToneConfig struct {
	// Frequency of the left channel sine in Hz. The right channel plays a
	// fifth above. Default 440.
	Frequency float64

	// Amplitude in [0, 1]. Default 0.5.
	Amplitude float64

	// Unpaced generates batches as fast as the consumer drains them
	// instead of at the sample rate.
	Unpaced bool
}

const toneDefaultRate = 48000

// toneSource generates a sine per channel. It needs no audio hardware and
// backs the demo mode and integration tests.
type toneSource struct {
	cfg SourceConfig
}

// NewToneSource returns a synthetic Source.
func NewToneSource(cfg SourceConfig) Source {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = toneDefaultRate
	}
	if cfg.Tone.Frequency <= 0 {
		cfg.Tone.Frequency = 440
	}
	if cfg.Tone.Amplitude <= 0 || cfg.Tone.Amplitude > 1 {
		cfg.Tone.Amplitude = 0.5
	}
	return &toneSource{cfg: cfg}
}

func (s *toneSource) Name() string { return "tone" }
func (s *toneSource) Close() error { return nil }

func (s *toneSource) Connect(ctx context.Context, cfg TapConfig) (Tap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	size := cfg.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}
	t := &toneTap{
		q:        newQueue(cfg.QueueDepth, cfg.OnDrop),
		size:     size,
		rate:     s.cfg.SampleRate,
		channels: cfg.Channels,
		tone:     s.cfg.Tone,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.run()
	return t, nil
}

type toneTap struct {
	q        *queue
	size     int
	rate     int
	channels int
	tone     ToneConfig
	pos      int64
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (t *toneTap) Frames() <-chan Frames { return t.q.ch }
func (t *toneTap) BufferSize() int       { return t.size }
func (t *toneTap) SampleRate() int       { return t.rate }

func (t *toneTap) run() {
	defer close(t.done)

	if t.tone.Unpaced {
		for {
			select {
			case <-t.stop:
				return
			case t.q.ch <- t.next():
			}
		}
	}

	period := time.Duration(float64(t.size) / float64(t.rate) * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.q.push(t.next())
		}
	}
}

func (t *toneTap) next() Frames {
	left := make([]float32, t.size)
	var right []float32
	if t.channels == 2 {
		right = make([]float32, t.size)
	}
	wl := 2 * math.Pi * t.tone.Frequency / float64(t.rate)
	wr := wl * 1.5
	for i := range left {
		n := float64(t.pos + int64(i))
		left[i] = float32(t.tone.Amplitude * math.Sin(wl*n))
		if right != nil {
			right[i] = float32(t.tone.Amplitude * math.Sin(wr*n))
		}
	}
	t.pos += int64(t.size)
	return Frames{Left: left, Right: right}
}

func (t *toneTap) Disconnect() error {
	t.once.Do(func() {
		close(t.stop)
		<-t.done
		t.q.close()
	})
	return nil
}

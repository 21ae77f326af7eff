// Package recorder drives one capture pass: it binds an encoder to a tap,
// schedules periodic flushes and forwards pause, resume and stop requests.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/stereorec/internal/audio"
	"github.com/audiolibrelab/stereorec/internal/encoder"
	"github.com/audiolibrelab/stereorec/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the session lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// DefaultFlushInterval is used when Start is given no interval.
const DefaultFlushInterval = time.Second

// ErrActive is returned by Start while a pass is running.
var ErrActive = errors.New("session already recording")

// Handlers receive session output. Both run on the session goroutine and
// must not call Stop.
type Handlers struct {
	// OnDataAvailable is called once per non-empty flush.
	OnDataAvailable func(encoder.Blob)

	// OnStop is called once per pass, after the final flush was delivered.
	OnStop func()
}

// Ticker is the flush clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// Options configures a Session.
type Options struct {
	Format     encoder.Format
	Channels   int
	BufferSize int
	// SampleRate overrides the rate reported by the device.
	SampleRate int
	Metrics    *observe.Metrics

	// NewTicker replaces the wall-clock flush ticker.
	NewTicker func(time.Duration) Ticker
}

type op int

const (
	opPause op = iota
	opResume
	opFlush
	opStop
)

type command struct {
	op    op
	reply chan error
}

// Session owns a capture pass. Control methods are safe for concurrent use;
// buffer mutation happens only on the session goroutine.
type Session struct {
	src      audio.Source
	opts     Options
	handlers Handlers

	mu      sync.Mutex
	state   State
	cmds    chan command
	done    chan struct{}
	started time.Time
}

// New creates an idle session over a live capture source.
func New(src audio.Source, opts Options, h Handlers) (*Session, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no capture stream", audio.ErrInvalidInput)
	}
	if opts.Format == "" {
		opts.Format = encoder.FormatWAV
	}
	if opts.Channels == 0 {
		opts.Channels = 2
	}
	if !audio.ValidBufferSize(opts.BufferSize) {
		return nil, fmt.Errorf("%w: buffer size %d", audio.ErrInvalidInput, opts.BufferSize)
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.Discard()
	}
	if opts.NewTicker == nil {
		opts.NewTicker = newTimeTicker
	}
	if h.OnDataAvailable == nil {
		h.OnDataAvailable = func(encoder.Blob) {}
	}
	if h.OnStop == nil {
		h.OnStop = func() {}
	}
	return &Session{src: src, opts: opts, handlers: h, state: StateIdle}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info describes the session for status reporting.
type Info struct {
	State    State          `json:"state"`
	Source   string         `json:"source"`
	Format   encoder.Format `json:"format"`
	Channels int            `json:"channels"`
	Started  time.Time      `json:"started,omitempty"`
}

// Info returns a snapshot of the session description.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		State:    s.state,
		Source:   s.src.Name(),
		Format:   s.opts.Format,
		Channels: s.opts.Channels,
		Started:  s.started,
	}
}

// Start connects to the source and flushes every interval until Stop or
// until ctx is cancelled. A zero interval means DefaultFlushInterval.
func (s *Session) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRecording || s.state == StatePaused {
		return ErrActive
	}

	tap, err := s.src.Connect(ctx, audio.TapConfig{
		BufferSize: s.opts.BufferSize,
		Channels:   s.opts.Channels,
		OnDrop:     func() { s.countDrop("backpressure") },
	})
	if err != nil {
		return err
	}

	enc, err := encoder.New(tap, encoder.Options{
		Format:     s.opts.Format,
		Channels:   s.opts.Channels,
		SampleRate: s.opts.SampleRate,
		Metrics:    s.opts.Metrics,
	}, s.handlers.OnDataAvailable)
	if err != nil {
		return errors.Join(err, tap.Disconnect())
	}

	s.state = StateRecording
	s.cmds = make(chan command)
	s.done = make(chan struct{})
	s.started = time.Now()
	s.opts.Metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("Recording started",
		"source", s.src.Name(),
		"format", s.opts.Format,
		"channels", s.opts.Channels,
		"rate", enc.SampleRate(),
		"buffer_size", tap.BufferSize(),
		"flush_interval", interval,
	)

	go s.run(context.WithoutCancel(ctx), ctx.Done(), enc, s.opts.NewTicker(interval), s.cmds, s.done)
	return nil
}

// run is the only goroutine that touches the encoder.
func (s *Session) run(ctx context.Context, cancelled <-chan struct{}, enc *encoder.Encoder, ticker Ticker, cmds <-chan command, done chan struct{}) {
	defer close(done)

	frames := enc.Frames()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				slog.Warn("Capture stream ended, stopping session", "source", s.src.Name())
				s.finish(ctx, enc, ticker)
				return
			}
			if err := enc.OnFrames(f.Left, f.Right); err != nil {
				s.countDrop("malformed")
				slog.Warn("Dropped malformed frame batch", "error", err)
			}

		case <-ticker.C():
			if err := enc.Flush(ctx); err != nil {
				slog.Error("Flush failed", "error", err)
			}

		case cmd := <-cmds:
			var err error
			switch cmd.op {
			case opPause:
				enc.Pause()
				s.setState(StatePaused)
			case opResume:
				enc.Resume()
				s.setState(StateRecording)
			case opFlush:
				err = enc.Flush(ctx)
			case opStop:
				cmd.reply <- s.finish(ctx, enc, ticker)
				return
			}
			cmd.reply <- err

		case <-cancelled:
			slog.Debug("Session context cancelled, stopping")
			if err := s.finish(ctx, enc, ticker); err != nil {
				slog.Error("Stop failed", "error", err)
			}
			return
		}
	}
}

// finish performs the final flush, disconnects and notifies OnStop.
func (s *Session) finish(ctx context.Context, enc *encoder.Encoder, ticker Ticker) error {
	ticker.Stop()
	err := enc.Stop(ctx)

	s.mu.Lock()
	s.state = StateStopped
	started := s.started
	s.mu.Unlock()

	s.opts.Metrics.ActiveSessions.Add(ctx, -1)
	slog.Info("Recording stopped", "source", s.src.Name(), "duration", time.Since(started).Round(time.Millisecond))
	s.handlers.OnStop()
	return err
}

func (s *Session) countDrop(reason string) {
	s.opts.Metrics.FramesDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// send delivers a command to the running pass. It is a no-op when idle or
// stopped.
func (s *Session) send(o op) error {
	s.mu.Lock()
	running := s.state == StateRecording || s.state == StatePaused
	cmds, done := s.cmds, s.done
	s.mu.Unlock()
	if !running {
		return nil
	}

	reply := make(chan error, 1)
	select {
	case cmds <- command{op: o, reply: reply}:
	case <-done:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-done:
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	}
}

// Pause suspends accumulation and flushing.
func (s *Session) Pause() error { return s.send(opPause) }

// Resume continues a paused pass.
func (s *Session) Resume() error { return s.send(opResume) }

// RequestData flushes immediately instead of waiting for the next tick.
func (s *Session) RequestData() error { return s.send(opFlush) }

// Stop ends the pass: the ticker is cancelled, residual samples are flushed,
// the tap is disconnected and OnStop runs, all before Stop returns.
func (s *Session) Stop() error {
	err := s.send(opStop)
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	return err
}

// Wait blocks until the running pass ends.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

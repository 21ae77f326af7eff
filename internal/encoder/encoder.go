package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/audiolibrelab/stereorec/internal/audio"
	"github.com/audiolibrelab/stereorec/internal/observe"
)

// State is the encoder lifecycle: recording, paused, stopped.
type State string

const (
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// Blob is one encoded flush.
type Blob struct {
	Data       []byte
	Format     Format
	Channels   int
	SampleRate int
	// Samples is the number of sample frames (per channel) in Data.
	Samples int
	// Seq numbers the blobs of one recording pass from 0.
	Seq int
}

// Size returns the encoded size in bytes.
func (b Blob) Size() int { return len(b.Data) }

// Duration returns the audio length carried by the blob.
func (b Blob) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Samples) * time.Second / time.Duration(b.SampleRate)
}

// Options configures an Encoder.
type Options struct {
	Format   Format
	Channels int
	// SampleRate overrides the rate reported by the tap.
	SampleRate int
	Metrics    *observe.Metrics
}

// Encoder accumulates frames from one tap and serializes them on Flush.
// All methods must be called from the goroutine that drains Frames.
type Encoder struct {
	tap      audio.Tap
	buf      *SampleBuffer
	format   Format
	channels int
	rate     int
	state    State
	seq      int
	onData   func(Blob)
	metrics  *observe.Metrics
}

// New binds an encoder to a connected tap. onData receives every non-empty
// flush.
func New(tap audio.Tap, opts Options, onData func(Blob)) (*Encoder, error) {
	if tap == nil {
		return nil, fmt.Errorf("%w: no capture tap", audio.ErrInvalidInput)
	}
	if opts.Channels == 0 {
		opts.Channels = 2
	}
	if opts.Channels != 1 && opts.Channels != 2 {
		return nil, fmt.Errorf("%w: channel count must be 1 or 2, got %d", audio.ErrInvalidInput, opts.Channels)
	}
	if opts.Format == "" {
		opts.Format = FormatWAV
	}
	rate := opts.SampleRate
	if rate == 0 {
		rate = tap.SampleRate()
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.Discard()
	}
	if onData == nil {
		onData = func(Blob) {}
	}
	return &Encoder{
		tap:      tap,
		buf:      NewSampleBuffer(opts.Channels),
		format:   opts.Format,
		channels: opts.Channels,
		rate:     rate,
		state:    StateRecording,
		onData:   onData,
		metrics:  opts.Metrics,
	}, nil
}

// Frames is the batch stream the owner must drain into OnFrames.
func (e *Encoder) Frames() <-chan audio.Frames { return e.tap.Frames() }

// State returns the current lifecycle state.
func (e *Encoder) State() State { return e.state }

// Buffered returns the number of sample frames waiting for the next flush.
func (e *Encoder) Buffered() int { return e.buf.Len() }

// SampleRate returns the rate written into WAV headers.
func (e *Encoder) SampleRate() int { return e.rate }

// OnFrames appends one batch. It is ignored unless recording.
func (e *Encoder) OnFrames(left, right []float32) error {
	if e.state != StateRecording {
		return nil
	}
	if err := e.buf.Append(left, right); err != nil {
		return err
	}
	e.metrics.SamplesCaptured.Add(context.Background(), int64(len(left)))
	return nil
}

// Flush encodes and emits everything buffered so far. It does nothing while
// paused or stopped, or when the buffer is empty. The buffer is cleared
// before encoding; a failed encode loses that interval.
func (e *Encoder) Flush(ctx context.Context) error {
	if e.state != StateRecording {
		return nil
	}
	return e.flush(ctx)
}

func (e *Encoder) flush(ctx context.Context) error {
	if e.buf.Len() == 0 {
		return nil
	}
	start := time.Now()
	snap := e.buf.Take()
	data, err := snap.Encode(e.format, e.rate)
	if errors.Is(err, ErrDegenerate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s flush: %w", e.format, err)
	}

	blob := Blob{
		Data:       data,
		Format:     e.format,
		Channels:   e.channels,
		SampleRate: e.rate,
		Samples:    snap.Length,
		Seq:        e.seq,
	}
	e.seq++
	e.metrics.RecordFlush(ctx, e.format.MimeType(), len(data), time.Since(start))
	slog.Debug("audio recorded blob size",
		"size", FormatBytes(int64(len(data))),
		"samples", snap.Length,
		"format", e.format,
		"seq", blob.Seq,
	)
	e.onData(blob)
	return nil
}

// Pause stops accepting frames and defers flushes until Resume.
func (e *Encoder) Pause() {
	if e.state == StateRecording {
		e.state = StatePaused
	}
}

// Resume continues a paused encoder.
func (e *Encoder) Resume() {
	if e.state == StatePaused {
		e.state = StateRecording
	}
}

// Stop emits the residual buffer, including samples captured before a
// pause, and disconnects the tap. Batches already queued on the tap are
// taken in first when recording. Stopped is terminal.
func (e *Encoder) Stop(ctx context.Context) error {
	if e.state == StateStopped {
		return nil
	}
	var errs []error
	if e.state == StateRecording {
		errs = append(errs, e.drain())
	}
	e.state = StateStopped
	errs = append(errs, e.flush(ctx), e.tap.Disconnect())
	return errors.Join(errs...)
}

// drain takes in the batches queued at call time, not ones arriving later.
func (e *Encoder) drain() error {
	ch := e.tap.Frames()
	for n := len(ch); n > 0; n-- {
		f, ok := <-ch
		if !ok {
			return nil
		}
		if err := e.OnFrames(f.Left, f.Right); err != nil {
			return err
		}
	}
	return nil
}

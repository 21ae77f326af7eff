package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrInvalidInput is returned when a capture stream, buffer or
	// configuration value is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedPlatform is returned when the host offers no usable
	// audio-processing capability for the requested backend.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// DefaultBufferSize is the processing period used when the caller does not
// pick one and the platform does not report one back.
const DefaultBufferSize = 2048

// LegalBufferSizes lists the processing periods a tap accepts. 0 lets the
// platform choose.
var LegalBufferSizes = []int{0, 256, 512, 1024, 2048, 4096, 8192, 16384}

// ValidBufferSize reports whether n is one of LegalBufferSizes.
func ValidBufferSize(n int) bool {
	for _, v := range LegalBufferSizes {
		if v == n {
			return true
		}
	}
	return false
}

// Frames is one batch of per-channel samples delivered by a single
// processing period. Right is nil for mono taps. Samples are float32 in
// [-1.0, 1.0] and owned by the receiver.
type Frames struct {
	Left  []float32
	Right []float32
}

// Len returns the number of sample frames in the batch.
func (f Frames) Len() int { return len(f.Left) }

// SourceConfig selects and configures a capture device.
type SourceConfig struct {
	// Device is a backend specific device name or port. Empty selects the
	// default capture device.
	Device string

	// SampleRate requests a capture rate. 0 uses the device's native rate.
	SampleRate int

	// Tone configures the synthetic backend.
	Tone ToneConfig
}

// TapConfig configures the processing node attached to a Source.
type TapConfig struct {
	// BufferSize is the number of sample frames per batch. Must be one of
	// LegalBufferSizes.
	BufferSize int

	// Channels is 1 or 2.
	Channels int

	// QueueDepth bounds the number of undelivered batches. Default 64.
	QueueDepth int

	// OnDrop is called from the capture goroutine whenever a batch is
	// discarded because the consumer fell behind.
	OnDrop func()
}

func (c *TapConfig) validate() error {
	if !ValidBufferSize(c.BufferSize) {
		return fmt.Errorf("%w: buffer size %d (legal values: %v)", ErrInvalidInput, c.BufferSize, LegalBufferSizes)
	}
	if c.Channels == 0 {
		c.Channels = 2
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("%w: channel count must be 1 or 2, got %d", ErrInvalidInput, c.Channels)
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	return nil
}

// Source is a live capture stream. It is read-only to consumers; taps are
// attached with Connect and detached with Tap.Disconnect.
type Source interface {
	// Name identifies the backend and device, e.g. "malgo:default".
	Name() string

	// Connect attaches a processing node that starts delivering frame
	// batches immediately.
	Connect(ctx context.Context, cfg TapConfig) (Tap, error)

	// Close releases the device context. Open taps must be disconnected
	// first.
	Close() error
}

// Tap is the processing node attached to a Source. The frames channel is
// closed after Disconnect returns.
type Tap interface {
	Frames() <-chan Frames

	// BufferSize reports the processing period actually in use.
	BufferSize() int

	// SampleRate reports the device rate the samples were captured at.
	SampleRate() int

	// Disconnect detaches the node from the stream. Safe to call more than
	// once.
	Disconnect() error
}

// queue hands batches from a device callback to the consumer without ever
// blocking the callback.
type queue struct {
	mu     sync.RWMutex
	ch     chan Frames
	closed bool
	onDrop func()
}

func newQueue(depth int, onDrop func()) *queue {
	return &queue{ch: make(chan Frames, depth), onDrop: onDrop}
}

func (q *queue) push(f Frames) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- f:
		return true
	default:
		if q.onDrop != nil {
			q.onDrop()
		}
		return false
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Deinterleave splits interleaved samples (L0 R0 L1 R1 ...) into a batch.
// Mono input is copied into Left.
func Deinterleave(samples []float32, channels int) Frames {
	if channels != 2 {
		left := make([]float32, len(samples))
		copy(left, samples)
		return Frames{Left: left}
	}
	n := len(samples) / 2
	f := Frames{Left: make([]float32, n), Right: make([]float32, n)}
	for i := 0; i < n; i++ {
		f.Left[i] = samples[2*i]
		f.Right[i] = samples[2*i+1]
	}
	return f
}

// chunker regroups variably sized interleaved writes into fixed periods.
type chunker struct {
	size     int
	channels int
	pending  []float32
	emit     func(Frames)
}

func newChunker(size, channels int, emit func(Frames)) *chunker {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &chunker{
		size:     size,
		channels: channels,
		pending:  make([]float32, 0, 2*size*channels),
		emit:     emit,
	}
}

func (c *chunker) write(samples []float32) {
	c.pending = append(c.pending, samples...)
	period := c.size * c.channels
	off := 0
	for len(c.pending)-off >= period {
		c.emit(Deinterleave(c.pending[off:off+period], c.channels))
		off += period
	}
	n := copy(c.pending, c.pending[off:])
	c.pending = c.pending[:n]
}

// decodeFloat32LE reinterprets little-endian IEEE-754 bytes as samples,
// reusing dst when it has room.
func decodeFloat32LE(b []byte, dst []float32) []float32 {
	n := len(b) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return dst
}

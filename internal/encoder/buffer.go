package encoder

import (
	"fmt"
	"slices"

	"github.com/audiolibrelab/stereorec/internal/audio"
)

// SampleBuffer accumulates per-channel sample chunks between flushes. It is
// owned by a single goroutine and is not safe for concurrent use.
type SampleBuffer struct {
	channels int
	left     [][]float32
	right    [][]float32
	length   int
}

// NewSampleBuffer returns an empty buffer for 1 or 2 channels.
func NewSampleBuffer(channels int) *SampleBuffer {
	return &SampleBuffer{channels: channels}
}

// Append copies one chunk per channel into the buffer. In stereo both
// chunks must have the same length; right is ignored for mono.
func (b *SampleBuffer) Append(left, right []float32) error {
	if b.channels == 2 && len(left) != len(right) {
		return fmt.Errorf("%w: channel chunk lengths differ (left %d, right %d)", audio.ErrInvalidInput, len(left), len(right))
	}
	if len(left) == 0 {
		return nil
	}
	b.left = append(b.left, slices.Clone(left))
	if b.channels == 2 {
		b.right = append(b.right, slices.Clone(right))
	}
	b.length += len(left)
	return nil
}

// Len returns the number of buffered sample frames.
func (b *SampleBuffer) Len() int { return b.length }

// Chunks returns the number of buffered chunks per channel.
func (b *SampleBuffer) Chunks() int { return len(b.left) }

// Take moves the accumulated chunks into a Snapshot and leaves the buffer
// empty. Chunks appended afterwards never appear in the snapshot.
func (b *SampleBuffer) Take() Snapshot {
	s := Snapshot{
		Channels: b.channels,
		Left:     b.left,
		Right:    b.right,
		Length:   b.length,
	}
	b.left, b.right, b.length = nil, nil, 0
	return s
}

// Snapshot is the content of a SampleBuffer at flush time.
type Snapshot struct {
	Channels int
	Left     [][]float32
	Right    [][]float32
	Length   int
}

// Samples flattens the snapshot and, for stereo, interleaves it.
func (s Snapshot) Samples() []float32 {
	left := Flatten(s.Left, s.Length)
	if s.Channels != 2 {
		return left
	}
	return Interleave(left, Flatten(s.Right, s.Length))
}

// Encode serializes the snapshot into the given container.
func (s Snapshot) Encode(f Format, sampleRate int) ([]byte, error) {
	if s.Length == 0 {
		return nil, ErrDegenerate
	}
	samples := s.Samples()
	if f == FormatPCM {
		return EncodePCM(samples), nil
	}
	return EncodeWAV(samples, s.Channels, sampleRate)
}

// Flatten concatenates chunks in order into one slice of the given length.
// A short length truncates; a long one leaves trailing zeros.
func Flatten(chunks [][]float32, length int) []float32 {
	out := make([]float32, length)
	off := 0
	for _, c := range chunks {
		if off >= length {
			break
		}
		off += copy(out[off:], c)
	}
	return out
}

// Interleave merges two channels sample by sample (L0 R0 L1 R1 ...). The
// shorter channel is padded with silence.
func Interleave(left, right []float32) []float32 {
	n := max(len(left), len(right))
	out := make([]float32, 2*n)
	for i := 0; i < n; i++ {
		if i < len(left) {
			out[2*i] = left[i]
		}
		if i < len(right) {
			out[2*i+1] = right[i]
		}
	}
	return out
}

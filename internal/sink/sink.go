// Package sink delivers encoded blobs to their destinations: segment files
// with a manifest, an HTTP upload endpoint, object storage or memory.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/audiolibrelab/stereorec/internal/encoder"
	"github.com/audiolibrelab/stereorec/internal/observe"
)

// Segment is one blob of a named recording, numbered across passes.
type Segment struct {
	Recording string
	Seq       int
	encoder.Blob
}

// FileName returns "<recording>-<seq>.<ext>" with a four digit sequence.
func (s Segment) FileName() string {
	return SegmentName(s.Recording, s.Seq, s.Format)
}

// SegmentName builds the file name of segment seq of a recording.
func SegmentName(recording string, seq int, f encoder.Format) string {
	return fmt.Sprintf("%s-%04d.%s", recording, seq, f.Extension())
}

// CleanName reduces a recording name to letters, digits, hyphens and
// underscores, with spaces turned into underscores.
func CleanName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// Sink receives segments in order.
type Sink interface {
	Name() string
	Write(ctx context.Context, seg Segment) error
	Close() error
}

// Multi numbers blobs of one recording and fans them out to every sink.
type Multi struct {
	recording string
	sinks     []Sink
	metrics   *observe.Metrics

	mu   sync.Mutex
	next int
}

// NewMulti starts numbering at firstSeq, usually the value returned by
// NextSeq so a resumed recording does not overwrite earlier segments.
func NewMulti(recording string, firstSeq int, metrics *observe.Metrics, sinks ...Sink) *Multi {
	if metrics == nil {
		metrics = observe.Discard()
	}
	return &Multi{recording: recording, sinks: sinks, metrics: metrics, next: firstSeq}
}

// WriteBlob writes the blob to every sink. All sinks are attempted; the
// first error is returned.
func (m *Multi) WriteBlob(ctx context.Context, b encoder.Blob) (Segment, error) {
	m.mu.Lock()
	seg := Segment{Recording: m.recording, Seq: m.next, Blob: b}
	m.next++
	m.mu.Unlock()

	var first error
	for _, s := range m.sinks {
		if err := s.Write(ctx, seg); err != nil {
			m.metrics.RecordSinkError(ctx, s.Name())
			slog.Error("Failed to deliver segment", "sink", s.Name(), "segment", seg.FileName(), "error", err)
			if first == nil {
				first = fmt.Errorf("%s sink: %w", s.Name(), err)
			}
		}
	}
	return seg, first
}

// Close closes every sink and returns the first error.
func (m *Multi) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = fmt.Errorf("%s sink: %w", s.Name(), err)
		}
	}
	return first
}

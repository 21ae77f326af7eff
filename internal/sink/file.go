package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/stereorec/internal/encoder"
)

// Manifest lists the segments of a recording in order.
type Manifest struct {
	Name       string         `yaml:"name"`
	Format     encoder.Format `yaml:"format"`
	Channels   int            `yaml:"channels"`
	SampleRate int            `yaml:"sample_rate"`
	Created    time.Time      `yaml:"created"`
	Updated    time.Time      `yaml:"updated"`
	Segments   []SegmentInfo  `yaml:"segments"`
}

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	File    string `yaml:"file"`
	Seq     int    `yaml:"seq"`
	Bytes   int    `yaml:"bytes"`
	Samples int    `yaml:"samples"`
}

// Duration returns the total audio length of the recording.
func (m *Manifest) Duration() time.Duration {
	if m.SampleRate <= 0 {
		return 0
	}
	var samples int
	for _, s := range m.Segments {
		samples += s.Samples
	}
	return time.Duration(samples) * time.Second / time.Duration(m.SampleRate)
}

// ManifestPath returns the manifest location for a recording.
func ManifestPath(dir, name string) string {
	return filepath.Join(dir, name+".yaml")
}

// ReadManifest loads the manifest of a recording.
func ReadManifest(dir, name string) (*Manifest, error) {
	path := ManifestPath(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// NextSeq returns the sequence number following the last segment of an
// existing recording, or 0 for a new one.
func NextSeq(dir, name string) int {
	m, err := ReadManifest(dir, name)
	if err != nil || len(m.Segments) == 0 {
		return 0
	}
	return m.Segments[len(m.Segments)-1].Seq + 1
}

// FileSink writes each segment to its own file and keeps the manifest
// current after every write.
type FileSink struct {
	dir string

	mu       sync.Mutex
	manifest *Manifest
}

// NewFileSink creates dir if needed and resumes an existing manifest.
func NewFileSink(dir, name string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	m, err := ReadManifest(dir, name)
	if errors.Is(err, fs.ErrNotExist) {
		m = &Manifest{Name: name, Created: time.Now()}
	} else if err != nil {
		return nil, err
	}
	return &FileSink{dir: dir, manifest: m}, nil
}

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) Write(ctx context.Context, seg Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := f.manifest
	if len(m.Segments) == 0 {
		m.Format, m.Channels, m.SampleRate = seg.Format, seg.Channels, seg.SampleRate
	} else if m.Format != seg.Format || m.Channels != seg.Channels || m.SampleRate != seg.SampleRate {
		return fmt.Errorf("segment %s format %s/%dch/%dHz does not match recording %s/%dch/%dHz",
			seg.FileName(), seg.Format, seg.Channels, seg.SampleRate, m.Format, m.Channels, m.SampleRate)
	}

	path := filepath.Join(f.dir, seg.FileName())
	if err := os.WriteFile(path, seg.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}

	m.Segments = append(m.Segments, SegmentInfo{
		File:    seg.FileName(),
		Seq:     seg.Seq,
		Bytes:   seg.Size(),
		Samples: seg.Samples,
	})
	m.Updated = time.Now()
	if err := f.writeManifest(); err != nil {
		return err
	}
	slog.Debug("Segment written", "file", path, "size", encoder.FormatBytes(int64(seg.Size())))
	return nil
}

// writeManifest replaces the manifest through a rename so readers never see
// a partial file.
func (f *FileSink) writeManifest() error {
	data, err := yaml.Marshal(f.manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	path := ManifestPath(f.dir, f.manifest.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

func (f *FileSink) Close() error { return nil }

// Package stitch joins the segments of a recording into one file.
package stitch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/stereorec/internal/encoder"
	"github.com/audiolibrelab/stereorec/internal/sink"
)

// decodeWorkers bounds how many segment headers are checked at once.
const decodeWorkers = 4

type Stitcher struct {
	dir string
}

func New(dir string) *Stitcher {
	return &Stitcher{dir: dir}
}

// Result describes a stitched file.
type Result struct {
	File     string
	Format   encoder.Format
	Segments int
	Bytes    int64
}

// OutputPath returns where Stitch writes a recording.
func (s *Stitcher) OutputPath(name string, f encoder.Format) string {
	return filepath.Join(s.dir, name+"."+f.Extension())
}

// Stitch reads the manifest of name and writes <name>.wav or <name>.pcm.
// WAV data chunks are copied under a single header; PCM segments are
// concatenated.
func (s *Stitcher) Stitch(ctx context.Context, name string) (*Result, error) {
	cleanName := sink.CleanName(name)
	m, err := sink.ReadManifest(s.dir, cleanName)
	if err != nil {
		return nil, err
	}
	if len(m.Segments) == 0 {
		return nil, fmt.Errorf("recording %s has no segments", cleanName)
	}

	outputFile := s.OutputPath(cleanName, m.Format)
	tmp := outputFile + ".tmp"
	switch m.Format {
	case encoder.FormatPCM:
		err = s.concatPCM(ctx, m, tmp)
	case encoder.FormatWAV:
		err = s.joinWAV(ctx, m, tmp)
	default:
		err = fmt.Errorf("unsupported format in manifest: %s", m.Format)
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, outputFile); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to finalize %s: %w", outputFile, err)
	}

	info, err := os.Stat(outputFile)
	if err != nil {
		return nil, fmt.Errorf("output file not created: %s", outputFile)
	}
	slog.Info("Stitched recording saved to", "file", outputFile, "segments", len(m.Segments),
		"size", encoder.FormatBytes(info.Size()))
	return &Result{File: outputFile, Format: m.Format, Segments: len(m.Segments), Bytes: info.Size()}, nil
}

func (s *Stitcher) concatPCM(ctx context.Context, m *sink.Manifest, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()

	for _, seg := range m.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.copySegment(out, segmentData{file: seg.File, size: -1}); err != nil {
			return err
		}
	}
	return out.Close()
}

// segmentData locates the samples of one segment file. A negative size
// means up to the end of the file.
type segmentData struct {
	file   string
	offset int64
	size   int64
}

// joinWAV writes one header sized for every data chunk, then copies the
// chunks through. Segments are never held in memory.
func (s *Stitcher) joinWAV(ctx context.Context, m *sink.Manifest, path string) error {
	parts := make([]segmentData, len(m.Segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(decodeWorkers)
	for i, seg := range m.Segments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			part, err := s.checkSegment(seg.File, m.Channels, m.SampleRate)
			if err != nil {
				return fmt.Errorf("segment %s: %w", seg.File, err)
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var total int64
	for _, p := range parts {
		total += p.size
	}
	if uint64(total)+36 > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", encoder.ErrTooLarge, total)
	}
	h, err := encoder.NewHeader(m.Channels, m.SampleRate, int(total))
	if err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()

	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.copySegment(out, p); err != nil {
			return err
		}
	}
	return out.Close()
}

// checkSegment reads the header of a segment and matches it against the
// recording's format.
func (s *Stitcher) checkSegment(file string, channels, sampleRate int) (segmentData, error) {
	f, err := os.Open(filepath.Join(s.dir, file))
	if err != nil {
		return segmentData{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return segmentData{}, err
	}
	head := make([]byte, encoder.HeaderSize)
	if _, err := io.ReadFull(f, head); err != nil {
		return segmentData{}, fmt.Errorf("reading header: %w", err)
	}
	h, err := encoder.ParseHeader(head)
	if err != nil {
		return segmentData{}, err
	}
	if h.AudioFormat != 1 || h.BitsPerSample != 16 {
		return segmentData{}, fmt.Errorf("not 16-bit PCM (format %d, %d bits)", h.AudioFormat, h.BitsPerSample)
	}
	if int(h.NumChannels) != channels || int(h.SampleRate) != sampleRate {
		return segmentData{}, fmt.Errorf("format %d ch %d Hz does not match recording %d ch %d Hz",
			h.NumChannels, h.SampleRate, channels, sampleRate)
	}
	size := int64(h.Subchunk2Size)
	if available := info.Size() - encoder.HeaderSize; size > available {
		return segmentData{}, fmt.Errorf("data chunk claims %d bytes, file holds %d", size, available)
	}
	return segmentData{file: file, offset: encoder.HeaderSize, size: size}, nil
}

// copySegment appends the samples of part to out.
func (s *Stitcher) copySegment(out io.Writer, part segmentData) error {
	f, err := os.Open(filepath.Join(s.dir, part.file))
	if err != nil {
		return fmt.Errorf("segment %s: %w", part.file, err)
	}
	defer f.Close()

	var src io.Reader = f
	if part.offset > 0 {
		if _, err := f.Seek(part.offset, io.SeekStart); err != nil {
			return fmt.Errorf("segment %s: %w", part.file, err)
		}
	}
	if part.size >= 0 {
		src = io.LimitReader(f, part.size)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return fmt.Errorf("segment %s: %w", part.file, err)
	}
	if part.size >= 0 && n != part.size {
		return fmt.Errorf("segment %s: copied %d of %d bytes", part.file, n, part.size)
	}
	return nil
}

// WriteWAV encodes buffers one after another into a new WAV file at path.
// The file appears only once it is complete.
func WriteWAV(path string, buffers ...*audio.IntBuffer) error {
	tmp := path + ".tmp"
	if err := writeWAV(tmp, buffers...); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

func writeWAV(path string, buffers ...*audio.IntBuffer) error {
	if len(buffers) == 0 || buffers[0].Format == nil {
		return fmt.Errorf("no audio to write to %s", path)
	}
	format := buffers[0].Format
	bitDepth := buffers[0].SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()

	e := wav.NewEncoder(out, format.SampleRate, bitDepth, format.NumChannels, 1)
	for _, buf := range buffers {
		if err := e.Write(buf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", path, err)
		}
	}
	if err := e.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return out.Close()
}

// DecodeFile reads a whole WAV file into memory.
func DecodeFile(path string) (*audio.IntBuffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses a complete WAV file.
func Decode(data []byte) (*audio.IntBuffer, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("not a valid WAV file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV: %w", err)
	}
	if buf.SourceBitDepth == 0 {
		buf.SourceBitDepth = int(d.BitDepth)
	}
	return buf, nil
}

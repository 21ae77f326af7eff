package stitch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/audiolibrelab/stereorec/internal/encoder"
	"github.com/audiolibrelab/stereorec/internal/sink"
)

func writeSegments(t *testing.T, dir, name string, f encoder.Format, rate int, batches ...[]float32) {
	t.Helper()
	fs, err := sink.NewFileSink(dir, name)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	for i, left := range batches {
		snap := encoder.Snapshot{Channels: 2, Left: [][]float32{left}, Right: [][]float32{left}, Length: len(left)}
		data, err := snap.Encode(f, rate)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		seg := sink.Segment{Recording: name, Seq: i, Blob: encoder.Blob{
			Data: data, Format: f, Channels: 2, SampleRate: rate, Samples: len(left), Seq: i,
		}}
		if err := fs.Write(context.Background(), seg); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
}

func TestStitch_WAV(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, "jam", encoder.FormatWAV, 16000,
		[]float32{0.1, 0.2},
		[]float32{-0.1},
		[]float32{0.5, 0.5, 0.5},
	)

	res, err := New(dir).Stitch(context.Background(), "jam")
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}
	if res.File != filepath.Join(dir, "jam.wav") || res.Segments != 3 {
		t.Errorf("Unexpected result: %+v", res)
	}

	buf, err := DecodeFile(res.File)
	if err != nil {
		t.Fatalf("DecodeFile failed: %v", err)
	}
	if buf.Format.NumChannels != 2 || buf.Format.SampleRate != 16000 {
		t.Errorf("Unexpected format: %+v", buf.Format)
	}
	// 6 frames x 2 channels
	if len(buf.Data) != 12 {
		t.Fatalf("Expected 12 samples, got %d", len(buf.Data))
	}
	if buf.Data[0] != 3277 || buf.Data[4] != -3277 || buf.Data[11] != 16384 {
		t.Errorf("Unexpected samples: %v", buf.Data)
	}

	h, err := encoder.ParseHeader(mustRead(t, res.File))
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if h.Subchunk2Size != 24 || h.ChunkSize != 60 {
		t.Errorf("Unexpected header sizes: %+v", h)
	}
	if _, err := os.Stat(res.File + ".tmp"); !os.IsNotExist(err) {
		t.Error("Expected temp file to be renamed away")
	}
}

func TestStitch_WAVStreamsSegments(t *testing.T) {
	dir := t.TempDir()
	const rate = 48000
	second := make([]float32, rate)
	for i := range second {
		second[i] = float32(i%200)/200 - 0.5
	}
	writeSegments(t, dir, "long", encoder.FormatWAV, rate, second, second, second, second)

	var input int64
	var want []byte
	for i := 0; i < 4; i++ {
		data := mustRead(t, filepath.Join(dir, sink.SegmentName("long", i, encoder.FormatWAV)))
		input += int64(len(data))
		want = append(want, data[encoder.HeaderSize:]...)
	}

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	res, err := New(dir).Stitch(context.Background(), "long")
	runtime.ReadMemStats(&after)
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}

	if allocated := after.TotalAlloc - before.TotalAlloc; allocated > uint64(input)/4 {
		t.Errorf("Stitching %d bytes allocated %d bytes; segments should be streamed", input, allocated)
	}

	got := mustRead(t, res.File)
	h, err := encoder.ParseHeader(got)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if int(h.Subchunk2Size) != len(want) || h.SampleRate != rate || h.NumChannels != 2 {
		t.Errorf("Unexpected header: %+v", h)
	}
	if !bytes.Equal(got[encoder.HeaderSize:], want) {
		t.Error("Expected the data chunks to be copied unchanged")
	}
}

func TestStitch_TruncatedSegment(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, "cut", encoder.FormatWAV, 8000, []float32{0.1, 0.2, 0.3})
	path := filepath.Join(dir, "cut-0000.wav")
	data := mustRead(t, path)
	if err := os.WriteFile(path, data[:len(data)-2], 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := New(dir).Stitch(context.Background(), "cut")
	if err == nil || !strings.Contains(err.Error(), "data chunk claims") {
		t.Errorf("Expected truncation error, got: %v", err)
	}
}

func TestStitch_PCM(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, "raw", encoder.FormatPCM, 8000,
		[]float32{0.5},
		[]float32{-1.0, 0},
	)

	res, err := New(dir).Stitch(context.Background(), "raw")
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}
	got := mustRead(t, res.File)
	want := append(mustRead(t, filepath.Join(dir, "raw-0000.pcm")), mustRead(t, filepath.Join(dir, "raw-0001.pcm"))...)
	if !bytes.Equal(got, want) {
		t.Errorf("Expected concatenated segments, got %v want %v", got, want)
	}
	if res.Format != encoder.FormatPCM || res.Bytes != int64(len(want)) {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestStitch_MissingManifest(t *testing.T) {
	_, err := New(t.TempDir()).Stitch(context.Background(), "nothing")
	if err == nil || !strings.Contains(err.Error(), "nothing.yaml") {
		t.Errorf("Expected error naming the manifest, got: %v", err)
	}
}

func TestStitch_MissingSegment(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, "gap", encoder.FormatWAV, 8000, []float32{0.1}, []float32{0.2})
	if err := os.Remove(filepath.Join(dir, "gap-0001.wav")); err != nil {
		t.Fatal(err)
	}

	_, err := New(dir).Stitch(context.Background(), "gap")
	if err == nil || !strings.Contains(err.Error(), "gap-0001.wav") {
		t.Errorf("Expected error naming the segment, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gap.wav")); !os.IsNotExist(err) {
		t.Error("Expected no output file after a failed stitch")
	}
}

func TestStitch_FormatMismatch(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, "mixed", encoder.FormatWAV, 8000, []float32{0.1})

	// Replace the segment with one recorded at another rate.
	data, err := encoder.EncodeWAV([]float32{0.1, 0.1}, 2, 44100)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mixed-0000.wav"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = New(dir).Stitch(context.Background(), "mixed")
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Errorf("Expected format mismatch error, got: %v", err)
	}
}

func TestDecode_Invalid(t *testing.T) {
	if _, err := Decode([]byte("not a wav file at all")); err == nil {
		t.Error("Expected error for invalid data")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	return data
}

package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/stereorec/internal/encoder"
)

func testBlob(t *testing.T, samples ...float32) encoder.Blob {
	t.Helper()
	data, err := encoder.EncodeWAV(encoder.Interleave(samples, samples), 2, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	return encoder.Blob{Data: data, Format: encoder.FormatWAV, Channels: 2, SampleRate: 8000, Samples: len(samples)}
}

// memorySink retains every segment in arrival order.
type memorySink struct {
	mu       sync.Mutex
	segments []Segment
}

func (m *memorySink) Name() string { return "memory" }
func (m *memorySink) Write(_ context.Context, seg Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = append(m.segments, seg)
	return nil
}
func (m *memorySink) Segments() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Segment(nil), m.segments...)
}
func (m *memorySink) Close() error { return nil }

// blockingSink waits on release before accepting each segment.
type blockingSink struct {
	memorySink
	release chan struct{}
	fail    bool
	closed  bool
}

func (b *blockingSink) Write(ctx context.Context, seg Segment) error {
	<-b.release
	if b.fail {
		return errors.New("upload failed")
	}
	return b.memorySink.Write(ctx, seg)
}
func (b *blockingSink) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func TestSegmentName(t *testing.T) {
	if got := SegmentName("take", 7, encoder.FormatWAV); got != "take-0007.wav" {
		t.Errorf("Unexpected name: %s", got)
	}
	if got := SegmentName("take", 12345, encoder.FormatPCM); got != "take-12345.pcm" {
		t.Errorf("Unexpected name: %s", got)
	}
	seg := Segment{Recording: "a/b", Seq: 1, Blob: encoder.Blob{Format: encoder.FormatWAV}}
	if got := objectKey("archive", seg); got != "archive/a/b/a/b-0001.wav" {
		t.Errorf("Unexpected object key: %s", got)
	}
}

func TestCleanName(t *testing.T) {
	tests := map[string]string{
		"My Song!":         "My_Song",
		" take 2 ":         "take_2",
		"../../etc/passwd": "etcpasswd",
		"riff-01_b":        "riff-01_b",
	}
	for in, want := range tests {
		if got := CleanName(in); got != want {
			t.Errorf("CleanName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileSink_WritesSegmentsAndManifest(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileSink(dir, "song")
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	m := NewMulti("song", NextSeq(dir, "song"), nil, fs)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.WriteBlob(ctx, testBlob(t, 0.1, 0.2)); err != nil {
			t.Fatalf("WriteBlob failed: %v", err)
		}
	}

	for _, name := range []string{"song-0000.wav", "song-0001.wav"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("Expected segment %s: %v", name, err)
		}
		if _, err := encoder.ParseHeader(data); err != nil {
			t.Errorf("Segment %s is not a valid WAV: %v", name, err)
		}
	}

	man, err := ReadManifest(dir, "song")
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if man.Format != encoder.FormatWAV || man.Channels != 2 || man.SampleRate != 8000 {
		t.Errorf("Unexpected manifest header: %+v", man)
	}
	if len(man.Segments) != 2 || man.Segments[1].File != "song-0001.wav" || man.Segments[1].Bytes != 52 {
		t.Errorf("Unexpected segments: %+v", man.Segments)
	}
	if d := man.Duration(); d.Microseconds() != 500 {
		t.Errorf("Expected 4 samples at 8 kHz = 500us, got %v", d)
	}
}

func TestFileSink_ResumesNumbering(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	for pass := 0; pass < 2; pass++ {
		fs, err := NewFileSink(dir, "take")
		if err != nil {
			t.Fatalf("NewFileSink failed: %v", err)
		}
		m := NewMulti("take", NextSeq(dir, "take"), nil, fs)
		if _, err := m.WriteBlob(ctx, testBlob(t, 0.5)); err != nil {
			t.Fatalf("WriteBlob failed: %v", err)
		}
		_ = m.Close()
	}

	man, err := ReadManifest(dir, "take")
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if len(man.Segments) != 2 || man.Segments[1].Seq != 1 {
		t.Errorf("Expected second pass to append seq 1, got %+v", man.Segments)
	}
	if NextSeq(dir, "take") != 2 {
		t.Errorf("Expected next seq 2, got %d", NextSeq(dir, "take"))
	}
	if NextSeq(dir, "missing") != 0 {
		t.Error("Expected next seq 0 for a new recording")
	}
}

func TestFileSink_RejectsFormatChange(t *testing.T) {
	dir := t.TempDir()
	fs, _ := NewFileSink(dir, "mix")
	ctx := context.Background()

	if err := fs.Write(ctx, Segment{Recording: "mix", Blob: testBlob(t, 0.1)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	pcm := encoder.Blob{Data: []byte{0, 0}, Format: encoder.FormatPCM, Channels: 1, SampleRate: 8000, Samples: 1}
	if err := fs.Write(ctx, Segment{Recording: "mix", Seq: 1, Blob: pcm}); err == nil {
		t.Error("Expected error when the format changes mid-recording")
	}
}

func TestHTTPSink_Upload(t *testing.T) {
	var got struct {
		path, ctype, segment string
		size                 int
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.path, got.ctype, got.segment, got.size = r.URL.Path, r.Header.Get("Content-Type"), r.Header.Get("X-Segment"), len(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h, err := NewHTTPSink(srv.URL+"/api/upload/", "my take")
	if err != nil {
		t.Fatalf("NewHTTPSink failed: %v", err)
	}
	defer h.Close()

	if err := h.Write(context.Background(), Segment{Recording: "my take", Seq: 3, Blob: testBlob(t, 0.1)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got.path != "/api/upload/my take" {
		t.Errorf("Unexpected path: %s", got.path)
	}
	if got.ctype != "audio/wav" || got.segment != "my take-0003.wav" || got.size != 48 {
		t.Errorf("Unexpected request: %+v", got)
	}
}

func TestHTTPSink_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disk full", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	h, _ := NewHTTPSink(srv.URL, "x")
	err := h.Write(context.Background(), Segment{Recording: "x", Blob: testBlob(t, 0.1)})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Expected rejection with body, got: %v", err)
	}
}

func TestNewHTTPSink_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://host/x", "not a url", "http://"} {
		if _, err := NewHTTPSink(u, "x"); err == nil {
			t.Errorf("Expected error for %q", u)
		}
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Write(context.Context, Segment) error {
	f.calls++
	return errors.New("boom")
}
func (f *failingSink) Close() error { return nil }

func TestMulti_WritesEverySinkAndNumbers(t *testing.T) {
	bad := &failingSink{}
	mem := &memorySink{}
	m := NewMulti("r", 5, nil, bad, mem)

	seg, err := m.WriteBlob(context.Background(), testBlob(t, 0.1))
	if err == nil || !strings.Contains(err.Error(), "failing sink") {
		t.Errorf("Expected first sink error, got: %v", err)
	}
	if seg.Seq != 5 {
		t.Errorf("Expected seq 5, got %d", seg.Seq)
	}
	_, _ = m.WriteBlob(context.Background(), testBlob(t, 0.2))

	segs := mem.Segments()
	if len(segs) != 2 || segs[0].Seq != 5 || segs[1].Seq != 6 {
		t.Errorf("Expected memory sink to receive seq 5 and 6, got %+v", segs)
	}
	if bad.calls != 2 {
		t.Errorf("Expected failing sink to be attempted twice, got %d", bad.calls)
	}
}

func TestAsync_WriteDoesNotWaitForSink(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{})}
	a := NewAsync(slow, nil, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			if err := a.Write(context.Background(), Segment{Recording: "r", Seq: i, Blob: testBlob(t, 0.1)}); err != nil {
				t.Errorf("Write failed: %v", err)
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write blocked behind the sink")
	}

	close(slow.release)
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	segs := slow.Segments()
	if len(segs) != 3 || segs[0].Seq != 0 || segs[2].Seq != 2 {
		t.Errorf("Expected 3 segments in order after Close, got %+v", segs)
	}
	if !slow.closed {
		t.Error("Expected the wrapped sink to be closed")
	}
	if err := a.Write(context.Background(), Segment{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Expected second Close to succeed, got: %v", err)
	}
}

func TestAsync_ReportsErrors(t *testing.T) {
	bad := &blockingSink{release: make(chan struct{}), fail: true}
	close(bad.release)

	var mu sync.Mutex
	var failed []int
	a := NewAsync(bad, nil, func(seg Segment, err error) {
		mu.Lock()
		failed = append(failed, seg.Seq)
		mu.Unlock()
	})
	m := NewMulti("r", 0, nil, a)
	for i := 0; i < 2; i++ {
		if _, err := m.WriteBlob(context.Background(), testBlob(t, 0.1)); err != nil {
			t.Errorf("Expected queued write to succeed, got: %v", err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 2 || failed[0] != 0 || failed[1] != 1 {
		t.Errorf("Expected both segments reported as failed, got %v", failed)
	}
}

func TestS3Sink_PutObject(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewS3Sink(context.Background(), S3Config{
		Bucket:          "recordings",
		Prefix:          "studio",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		UsePathStyle:    true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("NewS3Sink failed: %v", err)
	}
	if err := s.Write(context.Background(), Segment{Recording: "song", Seq: 2, Blob: testBlob(t, 0.1)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) == 0 || paths[len(paths)-1] != "PUT /recordings/studio/song/song-0002.wav" {
		t.Errorf("Unexpected requests: %v", paths)
	}
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	if _, err := NewS3Sink(context.Background(), S3Config{}); err == nil {
		t.Error("Expected error without bucket")
	}
}

func TestNewGCSSink_RequiresBucket(t *testing.T) {
	if _, err := NewGCSSink(context.Background(), GCSConfig{}); err == nil {
		t.Error("Expected error without bucket")
	}
}

package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/stereorec/internal/audio"
	"github.com/audiolibrelab/stereorec/internal/config"
	"github.com/audiolibrelab/stereorec/internal/encoder"
	"github.com/audiolibrelab/stereorec/internal/recorder"
	"github.com/audiolibrelab/stereorec/internal/sink"
	"github.com/audiolibrelab/stereorec/internal/stitch"
)

func toneOnly() audio.Capabilities {
	return audio.Capabilities{Backends: []audio.BackendStatus{
		{Type: audio.BackendTypeMalgo, Reason: "disabled in tests"},
		{Type: audio.BackendTypeTone, Available: true},
	}}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.Backend = "tone"
	cfg.Audio.SampleRate = 8000
	cfg.Audio.BufferSize = 256
	cfg.Output.Directory = t.TempDir()
	cfg.Server.UploadDirectory = t.TempDir()
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, opts Options) *StereoRecService {
	t.Helper()
	if opts.Probe == nil {
		opts.Probe = toneOnly
	}
	svc := New(cfg, "", opts)
	t.Cleanup(func() { svc.Close() })
	return svc
}

// waitForSegment flushes until the running pass has delivered a segment.
func waitForSegment(t *testing.T, svc *StereoRecService) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := svc.RequestData(); err != nil {
			t.Fatalf("RequestData failed: %v", err)
		}
		if _, sess := svc.GetRecordingStatus(); sess != nil && sess.Segments > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for a segment")
}

func TestRecordStopListStitch(t *testing.T) {
	cfg := testConfig(t)
	svc := newTestService(t, cfg, Options{})

	if status, _ := svc.GetRecordingStatus(); status != StatusStandby {
		t.Fatalf("Expected STANDBY, got %s", status)
	}
	if err := svc.StartRecording(context.Background(), "My Take!"); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	status, sess := svc.GetRecordingStatus()
	if status != StatusRecording || sess == nil {
		t.Fatalf("Expected RECORDING with a session, got %s %+v", status, sess)
	}
	if sess.SongName != "My_Take" || sess.Backend != "tone" || sess.Format != "audio/wav" {
		t.Errorf("Unexpected session: %+v", sess)
	}
	if len(sess.Sinks) != 1 || sess.Sinks[0] != "file" {
		t.Errorf("Expected only the file sink, got %v", sess.Sinks)
	}

	waitForSegment(t, svc)

	if err := svc.StopRecording(); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	if status, _ := svc.GetRecordingStatus(); status != StatusStandby {
		t.Errorf("Expected STANDBY after stop, got %s", status)
	}
	if err := svc.StopRecording(); err == nil {
		t.Error("Expected error stopping twice")
	}

	recs, err := svc.ListRecordings()
	if err != nil {
		t.Fatalf("ListRecordings failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Name != "My_Take" || recs[0].SampleRate != 8000 || recs[0].Segments < 1 {
		t.Fatalf("Unexpected recordings: %+v", recs)
	}
	if recs[0].Stitched != "" {
		t.Errorf("Expected no stitched file yet, got %s", recs[0].Stitched)
	}

	res, err := svc.Stitch(context.Background(), "My Take!")
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}
	buf, err := stitch.DecodeFile(res.File)
	if err != nil {
		t.Fatalf("Stitched file is not a valid WAV: %v", err)
	}
	if buf.Format.NumChannels != 2 || buf.Format.SampleRate != 8000 {
		t.Errorf("Unexpected stitched format: %+v", buf.Format)
	}

	recs, err = svc.ListRecordings()
	if err != nil {
		t.Fatalf("ListRecordings failed: %v", err)
	}
	if recs[0].Stitched != "My_Take.wav" || recs[0].DownloadURL != "/api/recordings/download/My_Take.wav" {
		t.Errorf("Expected stitched file in listing, got %+v", recs[0])
	}
	if recs[0].Duration <= 0 {
		t.Errorf("Expected a positive duration, got %v", recs[0].Duration)
	}

	files, err := svc.RecordingFiles("My_Take")
	if err != nil {
		t.Fatalf("RecordingFiles failed: %v", err)
	}
	if files[0] != "My_Take.yaml" || files[len(files)-1] != "My_Take.wav" || len(files) != recs[0].Segments+2 {
		t.Errorf("Unexpected files: %v", files)
	}
}

func TestResumedRecordingContinuesNumbering(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})

	for pass := 0; pass < 2; pass++ {
		if err := svc.StartRecording(context.Background(), "take"); err != nil {
			t.Fatalf("StartRecording failed: %v", err)
		}
		waitForSegment(t, svc)
		if err := svc.StopRecording(); err != nil {
			t.Fatalf("StopRecording failed: %v", err)
		}
	}

	info, err := svc.GetSongInfo("take")
	if err != nil {
		t.Fatalf("GetSongInfo failed: %v", err)
	}
	if !info.HasRecording || info.NextSegment < 2 {
		t.Errorf("Expected both passes in one recording, got %+v", info)
	}
	if info.OutputWAV != filepath.Join(svc.GetConfig().Output.Directory, "take.wav") {
		t.Errorf("Unexpected output path: %s", info.OutputWAV)
	}
}

// gatedSink holds every write until release is closed.
type gatedSink struct {
	release chan struct{}

	mu   sync.Mutex
	seqs []int
}

func (g *gatedSink) Name() string { return "gated" }
func (g *gatedSink) Write(_ context.Context, seg sink.Segment) error {
	<-g.release
	g.mu.Lock()
	g.seqs = append(g.seqs, seg.Seq)
	g.mu.Unlock()
	return nil
}
func (g *gatedSink) Close() error { return nil }

func TestSlowSinkDoesNotStallCapture(t *testing.T) {
	gated := &gatedSink{release: make(chan struct{})}
	svc := newTestService(t, testConfig(t), Options{
		ExtraSinks: func(string) []sink.Sink { return []sink.Sink{gated} },
	})
	release := sync.OnceFunc(func() { close(gated.release) })
	t.Cleanup(release)

	if err := svc.StartRecording(context.Background(), "slow"); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	// The gated sink never returns, yet flushes keep being produced.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := svc.RequestData(); err != nil {
			t.Fatalf("RequestData failed: %v", err)
		}
		if _, sess := svc.GetRecordingStatus(); sess != nil && sess.Segments >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Session stalled behind a blocked sink")
		}
		time.Sleep(20 * time.Millisecond)
	}
	first := filepath.Join(svc.GetConfig().Output.Directory, "slow-0000.wav")
	for {
		if _, err := os.Stat(first); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("File sink waited for the blocked sink")
		}
		time.Sleep(10 * time.Millisecond)
	}

	release()
	if err := svc.StopRecording(); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}

	_, sess := svc.GetRecordingStatus()
	if sess != nil {
		t.Fatalf("Expected no session after stop, got %+v", sess)
	}
	info, err := svc.GetSongInfo("slow")
	if err != nil {
		t.Fatalf("GetSongInfo failed: %v", err)
	}
	gated.mu.Lock()
	defer gated.mu.Unlock()
	if len(gated.seqs) != info.NextSegment {
		t.Fatalf("Expected %d segments at the gated sink after stop, got %v", info.NextSegment, gated.seqs)
	}
	for i, seq := range gated.seqs {
		if seq != i {
			t.Errorf("Expected segments in order, got %v", gated.seqs)
			break
		}
	}
}

func TestPauseResume(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})

	if err := svc.PauseRecording(); err == nil {
		t.Error("Expected pause without a recording to fail")
	}
	if err := svc.StartRecording(context.Background(), "p"); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if err := svc.PauseRecording(); err != nil {
		t.Fatalf("PauseRecording failed: %v", err)
	}
	if status, _ := svc.GetRecordingStatus(); status != StatusPaused {
		t.Errorf("Expected PAUSED, got %s", status)
	}
	if err := svc.ResumeRecording(); err != nil {
		t.Fatalf("ResumeRecording failed: %v", err)
	}
	if status, _ := svc.GetRecordingStatus(); status != StatusRecording {
		t.Errorf("Expected RECORDING, got %s", status)
	}
}

func TestStartRecording_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.Backend = "auto"
	svc := newTestService(t, cfg, Options{})

	err := svc.StartRecording(context.Background(), "x")
	if !errors.Is(err, audio.ErrUnsupportedPlatform) {
		t.Fatalf("Expected ErrUnsupportedPlatform, got: %v", err)
	}
	if status, _ := svc.GetRecordingStatus(); status != StatusError {
		t.Errorf("Expected ERROR, got %s", status)
	}
	if !strings.Contains(svc.GetLastError(), "Failed to start recording") {
		t.Errorf("Unexpected last error: %q", svc.GetLastError())
	}

	svc = newTestService(t, testConfig(t), Options{})
	if err := svc.StartRecording(context.Background(), "!!!"); !errors.Is(err, audio.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty name, got: %v", err)
	}
	if err := svc.StartRecording(context.Background(), "a"); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if err := svc.StartRecording(context.Background(), "b"); !errors.Is(err, recorder.ErrActive) {
		t.Errorf("Expected ErrActive, got: %v", err)
	}
}

// endingSource yields a tap whose stream can be ended from the test.
type endingSource struct {
	tap *endingTap
}

type endingTap struct {
	ch   chan audio.Frames
	once sync.Once
}

func (t *endingTap) Frames() <-chan audio.Frames { return t.ch }
func (t *endingTap) BufferSize() int             { return 256 }
func (t *endingTap) SampleRate() int             { return 8000 }
func (t *endingTap) Disconnect() error {
	t.once.Do(func() { close(t.ch) })
	return nil
}

func (s *endingSource) Name() string { return "ending" }
func (s *endingSource) Close() error { return nil }
func (s *endingSource) Connect(context.Context, audio.TapConfig) (audio.Tap, error) {
	return s.tap, nil
}

func TestStreamEndSetsError(t *testing.T) {
	src := &endingSource{tap: &endingTap{ch: make(chan audio.Frames, 1)}}
	svc := newTestService(t, testConfig(t), Options{
		Open: func(audio.BackendType, audio.SourceConfig) (audio.Source, error) { return src, nil },
	})

	events, cancel := svc.Subscribe()
	defer cancel()

	if err := svc.StartRecording(context.Background(), "short"); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	src.tap.ch <- audio.Frames{Left: []float32{0.1, 0.2}, Right: []float32{0.1, 0.2}}
	src.tap.Disconnect()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Status != StatusError {
				continue
			}
			if !strings.Contains(ev.LastError, "capture stream closed") {
				t.Errorf("Unexpected last error: %q", ev.LastError)
			}
			if _, err := os.Stat(filepath.Join(svc.GetConfig().Output.Directory, "short-0000.wav")); err != nil {
				t.Errorf("Expected the residual segment to be written: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("Timed out waiting for ERROR event")
		}
	}
}

func TestSubscribe(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})

	events, cancel := svc.Subscribe()
	if err := svc.StartRecording(context.Background(), "sub"); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Status != StatusRecording || ev.Session == nil || ev.Session.SongName != "sub" {
			t.Errorf("Unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}

	cancel()
	cancel()
	for range events {
	}
}

func TestRunPipeline(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})

	stop := make(chan struct{})
	time.AfterFunc(200*time.Millisecond, func() { close(stop) })

	if err := svc.RunPipeline(context.Background(), "piped", "rs", stop); err != nil {
		t.Fatalf("RunPipeline failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(svc.GetConfig().Output.Directory, "piped.wav")); err != nil {
		t.Errorf("Expected stitched output: %v", err)
	}
	if status, _ := svc.GetRecordingStatus(); status != StatusStandby {
		t.Errorf("Expected STANDBY after pipeline, got %s", status)
	}

	err := svc.RunPipeline(context.Background(), "piped", "x", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown pipeline step") {
		t.Errorf("Expected unknown step error, got: %v", err)
	}
}

func TestSaveUpload(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})

	data, err := encoder.EncodeWAV([]float32{0.25, -0.25, 0.5, -0.5}, 2, 22050)
	if err != nil {
		t.Fatal(err)
	}
	path, err := svc.SaveUpload("field recording", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("SaveUpload failed: %v", err)
	}
	if filepath.Dir(path) != svc.GetConfig().Server.UploadDirectory || !strings.HasPrefix(filepath.Base(path), "field_recording-") {
		t.Errorf("Unexpected upload path: %s", path)
	}
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(saved, data) {
		t.Errorf("Expected re-encoded upload to match the original 16-bit file")
	}

	if _, err := svc.SaveUpload("bad", strings.NewReader("garbage")); !errors.Is(err, audio.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got: %v", err)
	}
}

func TestSavePCMUpload(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})

	data := encoder.EncodePCM([]float32{0.1, -0.1, 0.2, -0.2})
	path, err := svc.SavePCMUpload("raw take", 2, 8000, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("SavePCMUpload failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "raw_take-") || filepath.Ext(path) != ".pcm" {
		t.Errorf("Unexpected upload path: %s", path)
	}
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(saved, data) {
		t.Error("Expected PCM upload to be stored unchanged")
	}

	cases := []struct {
		name     string
		channels int
		rate     int
		body     []byte
	}{
		{"partial frame", 2, 8000, data[:6]},
		{"empty", 1, 8000, nil},
		{"bad channels", 3, 8000, data},
		{"bad rate", 2, 0, data},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SavePCMUpload("bad", tc.channels, tc.rate, bytes.NewReader(tc.body)); !errors.Is(err, audio.ErrInvalidInput) {
				t.Errorf("Expected ErrInvalidInput, got: %v", err)
			}
		})
	}
	leftovers, _ := filepath.Glob(filepath.Join(svc.GetConfig().Server.UploadDirectory, "bad-*"))
	if len(leftovers) != 0 {
		t.Errorf("Expected rejected uploads to leave nothing behind, got %v", leftovers)
	}
}

func TestDiskUsage(t *testing.T) {
	svc := newTestService(t, testConfig(t), Options{})

	info, err := svc.DiskUsage()
	if err != nil {
		t.Fatalf("DiskUsage failed: %v", err)
	}
	if info.Total == 0 || info.Free > info.Total || info.FreeHuman == "" {
		t.Errorf("Unexpected disk info: %+v", info)
	}
}

func TestLoadProfile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "stereorec.yaml")
	content := "configs:\n  default:\n    audio:\n      backend: tone\n  mono:\n    audio:\n      channels: 1\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := New(testConfig(t), cfgFile, Options{Probe: toneOnly})
	defer svc.Close()

	if err := svc.LoadProfile("mono"); err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if svc.GetConfig().Audio.Channels != 1 || svc.GetConfig().Profile != "mono" {
		t.Errorf("Expected mono profile, got %+v", svc.GetConfig().Audio)
	}
	if err := svc.LoadProfile("missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

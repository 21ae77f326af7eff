package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/audiolibrelab/stereorec/internal/audio"
	"github.com/audiolibrelab/stereorec/internal/config"
	"github.com/audiolibrelab/stereorec/internal/encoder"
	"github.com/audiolibrelab/stereorec/internal/observe"
	"github.com/audiolibrelab/stereorec/internal/play"
	"github.com/audiolibrelab/stereorec/internal/recorder"
	"github.com/audiolibrelab/stereorec/internal/sink"
	"github.com/audiolibrelab/stereorec/internal/stitch"
)

// Service represents the core stereorec service interface
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context, songName string) error
	PauseRecording() error
	ResumeRecording() error
	RequestData() error
	StopRecording() error
	GetRecordingStatus() (RecordingStatus, *RecordingSession)
	Snapshot() StatusEvent
	Subscribe() (<-chan StatusEvent, func())

	// Post-processing operations
	Stitch(ctx context.Context, songName string) (*stitch.Result, error)
	Play(ctx context.Context, songName string) error

	// Pipeline operations
	RunPipeline(ctx context.Context, songName, steps string, stop <-chan struct{}) error

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Information operations
	Capabilities() audio.Capabilities
	ListSources(ctx context.Context) (audio.BackendType, []string, error)
	GetSongInfo(songName string) (*SongInfo, error)
	ListRecordings() ([]RecordingInfo, error)
	RecordingFiles(songName string) ([]string, error)
	DiskUsage() (*DiskInfo, error)
	GetLastError() string

	// Upload receiver
	SaveUpload(songName string, r io.Reader) (string, error)
	SavePCMUpload(songName string, channels, sampleRate int, r io.Reader) (string, error)

	Close() error
}

// ErrNotRecording is returned by controls that need a running recording.
var ErrNotRecording = errors.New("no recording in progress")

// RecordingStatus represents the current recording state
type RecordingStatus string

const (
	StatusStandby   RecordingStatus = "STANDBY"
	StatusRecording RecordingStatus = "RECORDING"
	StatusPaused    RecordingStatus = "PAUSED"
	StatusError     RecordingStatus = "ERROR"
)

// RecordingSession contains information about the current recording session
type RecordingSession struct {
	SongName     string    `json:"song_name"`
	StartTime    time.Time `json:"start_time"`
	Backend      string    `json:"backend"`
	Device       string    `json:"device,omitempty"`
	Format       string    `json:"format"`
	Channels     int       `json:"channels"`
	SampleRate   int       `json:"sample_rate"`
	Sinks        []string  `json:"sinks"`
	Segments     int       `json:"segments"`
	Bytes        int64     `json:"bytes"`
	AudioSeconds float64   `json:"audio_seconds"`
}

// StatusEvent is pushed to subscribers on every state change and segment.
type StatusEvent struct {
	Status    RecordingStatus   `json:"status"`
	Session   *RecordingSession `json:"session,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	Time      time.Time         `json:"time"`
}

// SongInfo contains file path information for a song
type SongInfo struct {
	CleanName    string `json:"clean_name"`
	Manifest     string `json:"manifest"`
	OutputWAV    string `json:"output_wav"`
	OutputPCM    string `json:"output_pcm"`
	NextSegment  int    `json:"next_segment"`
	HasRecording bool   `json:"has_recording"`
}

// RecordingInfo describes one recording on disk
type RecordingInfo struct {
	Name         string    `json:"name"`
	Format       string    `json:"format"`
	Channels     int       `json:"channels"`
	SampleRate   int       `json:"sample_rate"`
	Segments     int       `json:"segments"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	Duration     float64   `json:"duration_seconds"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Stitched     string    `json:"stitched,omitempty"`
	DownloadURL  string    `json:"download_url,omitempty"`
	ArchiveURL   string    `json:"archive_url"`
}

// DiskInfo reports free space on the recordings volume
type DiskInfo struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	FreeHuman   string  `json:"free_human"`
	UsedPercent float64 `json:"used_percent"`
}

// Options replaces the collaborators a service uses. Zero values select
// the real ones.
type Options struct {
	Metrics   *observe.Metrics
	Probe     func() audio.Capabilities
	Open      func(audio.BackendType, audio.SourceConfig) (audio.Source, error)
	NewTicker func(time.Duration) recorder.Ticker

	// ExtraSinks adds destinations to every pass after the configured ones.
	ExtraSinks func(recording string) []sink.Sink
}

// active is one running recording pass.
type active struct {
	session  *recorder.Session
	src      audio.Source
	multi    *sink.Multi
	info     RecordingSession
	stopping bool
}

// headerCacheSize bounds the stitched-file header cache of ListRecordings.
const headerCacheSize = 256

type cachedHeader struct {
	modTime time.Time
	size    int64
	header  encoder.Header
}

// StereoRecService is the main service implementation
type StereoRecService struct {
	configFile string
	opts       Options

	capsOnce sync.Once
	caps     audio.Capabilities

	mu      sync.Mutex
	cfg     *config.Config
	current *active
	failed  bool

	subsMu sync.Mutex
	subs   map[chan StatusEvent]struct{}

	headers *lru.Cache[string, cachedHeader]

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service instance
func New(cfg *config.Config, configFile string, opts Options) *StereoRecService {
	if opts.Metrics == nil {
		opts.Metrics = observe.Discard()
	}
	if opts.Probe == nil {
		opts.Probe = audio.Probe
	}
	if opts.Open == nil {
		opts.Open = audio.Open
	}
	headers, err := lru.New[string, cachedHeader](headerCacheSize)
	if err != nil {
		panic(err)
	}
	return &StereoRecService{
		cfg:        cfg,
		configFile: configFile,
		opts:       opts,
		subs:       make(map[chan StatusEvent]struct{}),
		headers:    headers,
	}
}

// Capabilities probes the capture backends once and caches the result.
func (s *StereoRecService) Capabilities() audio.Capabilities {
	s.capsOnce.Do(func() { s.caps = s.opts.Probe() })
	return s.caps
}

func (s *StereoRecService) resolveBackend() (audio.BackendType, error) {
	requested, err := audio.ParseBackend(s.GetConfig().Audio.Backend)
	if err != nil {
		return "", err
	}
	return s.Capabilities().Resolve(requested)
}

// StartRecording opens the configured source and starts a capture pass.
// Segments continue the numbering of an existing recording of the same name.
func (s *StereoRecService) StartRecording(ctx context.Context, songName string) error {
	slog.Debug("Service.StartRecording called", "song_name", songName)
	s.clearLastError()

	err := s.startRecording(ctx, songName)
	if err != nil {
		s.mu.Lock()
		s.failed = true
		s.mu.Unlock()
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
	}
	s.publish()
	return err
}

func (s *StereoRecService) startRecording(ctx context.Context, songName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return fmt.Errorf("%w: %s", recorder.ErrActive, s.current.info.SongName)
	}
	cleanName := sink.CleanName(songName)
	if cleanName == "" {
		return fmt.Errorf("%w: song name %q is empty after cleaning", audio.ErrInvalidInput, songName)
	}

	cfg := s.cfg
	format, err := encoder.ParseFormat(cfg.Recording.Format)
	if err != nil {
		return err
	}
	requested, err := audio.ParseBackend(cfg.Audio.Backend)
	if err != nil {
		return err
	}
	backend, err := s.Capabilities().Resolve(requested)
	if err != nil {
		return err
	}
	if err := audio.ValidateSource(ctx, backend, cfg.Audio.Device); err != nil {
		return err
	}

	sinks, err := s.buildSinks(ctx, cfg, cleanName)
	if err != nil {
		return err
	}
	if s.opts.ExtraSinks != nil {
		sinks = append(sinks, s.opts.ExtraSinks(cleanName)...)
	}
	// Each destination gets its own delivery goroutine so the session loop
	// keeps draining the capture queue while a segment is uploading.
	queued := make([]sink.Sink, len(sinks))
	for i, sk := range sinks {
		queued[i] = sink.NewAsync(sk, s.opts.Metrics, func(seg sink.Segment, err error) {
			s.setLastError(fmt.Sprintf("Failed to deliver segment %s to %s: %v", seg.FileName(), sk.Name(), err))
		})
	}
	multi := sink.NewMulti(cleanName, sink.NextSeq(cfg.Output.Directory, cleanName), s.opts.Metrics, queued...)

	src, err := s.opts.Open(backend, audio.SourceConfig{Device: cfg.Audio.Device, SampleRate: cfg.Audio.SampleRate})
	if err != nil {
		return errors.Join(err, multi.Close())
	}

	a := &active{src: src, multi: multi}
	a.info = RecordingSession{
		SongName: cleanName,
		Backend:  string(backend),
		Device:   cfg.Audio.Device,
		Format:   format.MimeType(),
		Channels: cfg.Audio.Channels,
	}
	for _, sk := range sinks {
		a.info.Sinks = append(a.info.Sinks, sk.Name())
	}

	session, err := recorder.New(src, recorder.Options{
		Format:     format,
		Channels:   cfg.Audio.Channels,
		BufferSize: cfg.Audio.BufferSize,
		SampleRate: cfg.Audio.SampleRate,
		Metrics:    s.opts.Metrics,
		NewTicker:  s.opts.NewTicker,
	}, recorder.Handlers{
		OnDataAvailable: func(b encoder.Blob) { s.onData(a, b) },
		OnStop:          func() { s.onStop(a) },
	})
	if err != nil {
		return errors.Join(err, src.Close(), multi.Close())
	}
	a.session = session

	// The pass outlives the request that started it.
	if err := session.Start(context.WithoutCancel(ctx), cfg.Recording.FlushInterval()); err != nil {
		return errors.Join(err, src.Close(), multi.Close())
	}
	a.info.StartTime = session.Info().Started
	s.current = a
	s.failed = false

	slog.Info("Recording", "song", cleanName, "backend", backend, "sinks", a.info.Sinks,
		"directory", cfg.Output.Directory)
	return nil
}

func (s *StereoRecService) buildSinks(ctx context.Context, cfg *config.Config, name string) ([]sink.Sink, error) {
	fileSink, err := sink.NewFileSink(cfg.Output.Directory, name)
	if err != nil {
		return nil, err
	}
	sinks := []sink.Sink{fileSink}

	if cfg.Output.UploadURL != "" {
		h, err := sink.NewHTTPSink(cfg.Output.UploadURL, name)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, h)
	}
	if c := cfg.Output.S3; c.Bucket != "" {
		s3, err := sink.NewS3Sink(ctx, sink.S3Config{
			Bucket:          c.Bucket,
			Prefix:          c.Prefix,
			Region:          c.Region,
			Endpoint:        c.Endpoint,
			UsePathStyle:    c.UsePathStyle,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s3)
	}
	if c := cfg.Output.GCS; c.Bucket != "" {
		gcs, err := sink.NewGCSSink(ctx, sink.GCSConfig{
			Bucket:          c.Bucket,
			Prefix:          c.Prefix,
			CredentialsFile: c.CredentialsFile,
			Endpoint:        c.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, gcs)
	}
	return sinks, nil
}

// onData runs on the session goroutine for every flushed blob. Delivery
// happens on the sinks' own goroutines.
func (s *StereoRecService) onData(a *active, b encoder.Blob) {
	seg, err := a.multi.WriteBlob(context.Background(), b)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to deliver segment %s: %v", seg.FileName(), err))
	}

	s.mu.Lock()
	a.info.Segments++
	a.info.Bytes += int64(b.Size())
	a.info.AudioSeconds += b.Duration().Seconds()
	a.info.SampleRate = b.SampleRate
	s.mu.Unlock()
	s.publish()
}

// onStop runs on the session goroutine after the final flush. Closing the
// sinks waits for every queued segment to be delivered.
func (s *StereoRecService) onStop(a *active) {
	if err := a.multi.Close(); err != nil {
		slog.Warn("Failed to close sinks", "error", err)
	}
	if err := a.src.Close(); err != nil {
		slog.Warn("Failed to close audio source", "error", err)
	}

	s.mu.Lock()
	unexpected := !a.stopping
	if s.current == a {
		s.current = nil
	}
	if unexpected {
		s.failed = true
	}
	s.mu.Unlock()

	if unexpected {
		s.setLastError(fmt.Sprintf("Recording of %s ended: capture stream closed", a.info.SongName))
	}
	s.publish()
}

func (s *StereoRecService) running() (*active, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNotRecording
	}
	return s.current, nil
}

// PauseRecording suspends the running pass
func (s *StereoRecService) PauseRecording() error {
	a, err := s.running()
	if err != nil {
		return err
	}
	err = a.session.Pause()
	s.publish()
	return err
}

// ResumeRecording continues a paused pass
func (s *StereoRecService) ResumeRecording() error {
	a, err := s.running()
	if err != nil {
		return err
	}
	err = a.session.Resume()
	s.publish()
	return err
}

// RequestData flushes the running pass immediately
func (s *StereoRecService) RequestData() error {
	a, err := s.running()
	if err != nil {
		return err
	}
	return a.session.RequestData()
}

// StopRecording stops the current recording session. The final segment has
// been delivered when it returns.
func (s *StereoRecService) StopRecording() error {
	s.mu.Lock()
	a := s.current
	if a != nil {
		a.stopping = true
	}
	s.mu.Unlock()
	if a == nil {
		return ErrNotRecording
	}

	// Stop waits for onStop, which takes s.mu.
	err := a.session.Stop()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
	} else {
		s.clearLastError()
	}
	return err
}

// GetRecordingStatus returns the current recording status and session info
func (s *StereoRecService) GetRecordingStatus() (RecordingStatus, *RecordingSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		if s.failed {
			return StatusError, nil
		}
		return StatusStandby, nil
	}
	info := s.current.info
	info.Sinks = append([]string(nil), info.Sinks...)
	if s.current.session.State() == recorder.StatePaused {
		return StatusPaused, &info
	}
	return StatusRecording, &info
}

// Subscribe returns a channel of status events and a function that ends the
// subscription. Slow subscribers miss events rather than block recording.
func (s *StereoRecService) Subscribe() (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 16)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Snapshot returns the current status as an event.
func (s *StereoRecService) Snapshot() StatusEvent {
	status, session := s.GetRecordingStatus()
	return StatusEvent{Status: status, Session: session, LastError: s.GetLastError(), Time: time.Now()}
}

func (s *StereoRecService) publish() {
	ev := s.Snapshot()
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Stitch joins the segments of a recording
func (s *StereoRecService) Stitch(ctx context.Context, songName string) (*stitch.Result, error) {
	res, err := stitch.New(s.GetConfig().Output.Directory).Stitch(ctx, songName)
	if err != nil {
		s.setLastError(fmt.Sprintf("Stitch failed for %s: %v", songName, err))
	}
	return res, err
}

// Play plays the stitched audio file
func (s *StereoRecService) Play(ctx context.Context, songName string) error {
	return play.New(s.GetConfig().Output.Directory).Play(ctx, songName)
}

// RunPipeline executes a sequence of operations (r=record, s=stitch, p=play).
// The record step captures until stop is closed or the capture stream ends.
func (s *StereoRecService) RunPipeline(ctx context.Context, songName, steps string, stop <-chan struct{}) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch step {
		case 'r':
			if err := s.StartRecording(ctx, songName); err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			a, err := s.running()
			if err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			ended := make(chan struct{})
			go func() {
				a.session.Wait()
				close(ended)
			}()
			select {
			case <-stop:
			case <-ctx.Done():
			case <-ended:
				return fmt.Errorf("pipeline record failed: %s", s.GetLastError())
			}
			if err := s.StopRecording(); err != nil {
				return fmt.Errorf("pipeline stop failed: %w", err)
			}
		case 's':
			if _, err := s.Stitch(ctx, songName); err != nil {
				return fmt.Errorf("pipeline stitch failed: %w", err)
			}
		case 'p':
			if err := s.Play(ctx, songName); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: r=record, s=stitch, p=play)", step)
		}
	}
	return nil
}

// LoadProfile loads a new configuration profile. It is refused while a
// recording is running.
func (s *StereoRecService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return fmt.Errorf("%w: stop recording before switching profile", recorder.ErrActive)
	}
	s.cfg = newCfg
	return nil
}

// GetConfig returns the current configuration
func (s *StereoRecService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ListSources lists the capture devices of the configured backend
func (s *StereoRecService) ListSources(ctx context.Context) (audio.BackendType, []string, error) {
	backend, err := s.resolveBackend()
	if err != nil {
		return "", nil, err
	}
	sources, err := audio.ListSources(ctx, backend)
	return backend, sources, err
}

// GetSongInfo returns file path information for a song
func (s *StereoRecService) GetSongInfo(songName string) (*SongInfo, error) {
	cleanName := sink.CleanName(songName)
	if cleanName == "" {
		return nil, fmt.Errorf("%w: empty song name", audio.ErrInvalidInput)
	}
	dir := s.GetConfig().Output.Directory
	st := stitch.New(dir)
	manifest := sink.ManifestPath(dir, cleanName)
	_, err := os.Stat(manifest)

	return &SongInfo{
		CleanName:    cleanName,
		Manifest:     manifest,
		OutputWAV:    st.OutputPath(cleanName, encoder.FormatWAV),
		OutputPCM:    st.OutputPath(cleanName, encoder.FormatPCM),
		NextSegment:  sink.NextSeq(dir, cleanName),
		HasRecording: err == nil,
	}, nil
}

// ListRecordings returns every recording with a manifest, newest first
func (s *StereoRecService) ListRecordings() ([]RecordingInfo, error) {
	recordingDir := s.GetConfig().Output.Directory

	if err := os.MkdirAll(recordingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	files, err := os.ReadDir(recordingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var recordings []RecordingInfo
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".yaml" {
			continue
		}
		name := strings.TrimSuffix(file.Name(), ".yaml")
		m, err := sink.ReadManifest(recordingDir, name)
		if err != nil {
			slog.Warn("Skipping unreadable manifest", "file", file.Name(), "error", err)
			continue
		}

		var size int64
		for _, seg := range m.Segments {
			size += int64(seg.Bytes)
		}
		rec := RecordingInfo{
			Name:         name,
			Format:       m.Format.MimeType(),
			Channels:     m.Channels,
			SampleRate:   m.SampleRate,
			Segments:     len(m.Segments),
			Size:         size,
			SizeHuman:    encoder.FormatBytes(size),
			Duration:     m.Duration().Seconds(),
			ModTime:      m.Updated,
			ModTimeHuman: m.Updated.Format("2006-01-02 15:04:05"),
			ArchiveURL:   fmt.Sprintf("/api/recordings/archive/%s", name),
		}

		stitched := filepath.Join(recordingDir, name+"."+m.Format.Extension())
		if m.Format == encoder.FormatWAV {
			if h, ok := s.stitchedHeader(stitched); ok && h.ByteRate > 0 {
				rec.Stitched = filepath.Base(stitched)
				rec.DownloadURL = fmt.Sprintf("/api/recordings/download/%s", rec.Stitched)
				rec.Duration = float64(h.Subchunk2Size) / float64(h.ByteRate)
			}
		} else if _, err := os.Stat(stitched); err == nil {
			rec.Stitched = filepath.Base(stitched)
			rec.DownloadURL = fmt.Sprintf("/api/recordings/download/%s", rec.Stitched)
		}

		recordings = append(recordings, rec)
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}

// stitchedHeader reads the WAV header of a stitched file, reusing the cached
// copy while the file is unchanged.
func (s *StereoRecService) stitchedHeader(path string) (encoder.Header, bool) {
	info, err := os.Stat(path)
	if err != nil {
		s.headers.Remove(path)
		return encoder.Header{}, false
	}
	if c, ok := s.headers.Get(path); ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.header, true
	}

	f, err := os.Open(path)
	if err != nil {
		return encoder.Header{}, false
	}
	defer f.Close()
	buf := make([]byte, encoder.HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return encoder.Header{}, false
	}
	h, err := encoder.ParseHeader(buf)
	if err != nil {
		slog.Warn("Invalid stitched file", "file", path, "error", err)
		return encoder.Header{}, false
	}
	s.headers.Add(path, cachedHeader{modTime: info.ModTime(), size: info.Size(), header: h})
	return h, true
}

// RecordingFiles returns the manifest, segments and stitched output of a
// recording, as paths relative to the output directory.
func (s *StereoRecService) RecordingFiles(songName string) ([]string, error) {
	cleanName := sink.CleanName(songName)
	dir := s.GetConfig().Output.Directory
	m, err := sink.ReadManifest(dir, cleanName)
	if err != nil {
		return nil, err
	}
	files := []string{filepath.Base(sink.ManifestPath(dir, cleanName))}
	for _, seg := range m.Segments {
		files = append(files, seg.File)
	}
	stitched := cleanName + "." + m.Format.Extension()
	if _, err := os.Stat(filepath.Join(dir, stitched)); err == nil {
		files = append(files, stitched)
	}
	return files, nil
}

// DiskUsage reports the free space of the recordings volume
func (s *StereoRecService) DiskUsage() (*DiskInfo, error) {
	dir := s.GetConfig().Output.Directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	u, err := disk.Usage(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage of %s: %w", dir, err)
	}
	return &DiskInfo{
		Path:        dir,
		Total:       u.Total,
		Free:        u.Free,
		FreeHuman:   encoder.FormatBytes(int64(u.Free)),
		UsedPercent: u.UsedPercent,
	}, nil
}

// SaveUpload decodes an uploaded WAV file and stores a re-encoded copy in
// the upload directory as <name>-<unix time>.wav.
func (s *StereoRecService) SaveUpload(songName string, r io.Reader) (string, error) {
	cleanName := sink.CleanName(songName)
	if cleanName == "" {
		return "", fmt.Errorf("%w: empty upload name", audio.ErrInvalidInput)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	buf, err := stitch.Decode(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", audio.ErrInvalidInput, err)
	}

	dir := s.GetConfig().Server.UploadDirectory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.wav", cleanName, time.Now().Unix()))
	if err := stitch.WriteWAV(path, buf); err != nil {
		return "", err
	}
	slog.Info("Upload saved", "file", path, "channels", buf.Format.NumChannels, "rate", buf.Format.SampleRate)
	return path, nil
}

// SavePCMUpload stores a headerless 16-bit upload unchanged as
// <name>-<unix time>.pcm. The body must hold whole frames.
func (s *StereoRecService) SavePCMUpload(songName string, channels, sampleRate int, r io.Reader) (string, error) {
	cleanName := sink.CleanName(songName)
	if cleanName == "" {
		return "", fmt.Errorf("%w: empty upload name", audio.ErrInvalidInput)
	}
	if channels != 1 && channels != 2 {
		return "", fmt.Errorf("%w: channel count must be 1 or 2, got %d", audio.ErrInvalidInput, channels)
	}
	if sampleRate <= 0 {
		return "", fmt.Errorf("%w: sample rate must be positive, got %d", audio.ErrInvalidInput, sampleRate)
	}

	dir := s.GetConfig().Server.UploadDirectory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.pcm", cleanName, time.Now().Unix()))
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n%int64(2*channels) != 0 {
		err = fmt.Errorf("%w: %d bytes is not a whole number of %d-channel frames", audio.ErrInvalidInput, n, channels)
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: empty upload", audio.ErrInvalidInput)
	}
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	slog.Info("Upload saved", "file", path, "channels", channels, "rate", sampleRate)
	return path, nil
}

// Close stops a running recording and ends all subscriptions.
func (s *StereoRecService) Close() error {
	var err error
	if a, _ := s.running(); a != nil {
		err = s.StopRecording()
	}
	s.subsMu.Lock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	s.subsMu.Unlock()
	return err
}

// GetLastError returns the last error message (thread-safe)
func (s *StereoRecService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *StereoRecService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *StereoRecService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

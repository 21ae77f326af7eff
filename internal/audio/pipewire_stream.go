package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const pipewireDefaultRate = 48000

// pipewireSource records through a pw-record child process streaming raw
// float32 samples on stdout. When Device names JACK ports the node is
// created unlinked and the ports are wired to it with pw-link.
type pipewireSource struct {
	cfg SourceConfig
	pw  *PipeWire
	seq atomic.Int64
}

func openPipeWire(cfg SourceConfig) (Source, error) {
	if _, err := exec.LookPath("pw-record"); err != nil {
		return nil, fmt.Errorf("%w: pw-record not found: %v", ErrUnsupportedPlatform, err)
	}
	return &pipewireSource{cfg: cfg, pw: NewPipeWire()}, nil
}

func (s *pipewireSource) Name() string {
	if s.cfg.Device == "" {
		return "pipewire:default"
	}
	return "pipewire:" + s.cfg.Device
}

func (s *pipewireSource) Close() error { return nil }

// devicePorts splits a "left,right" port list.
func devicePorts(device string) []string {
	var ports []string
	for _, p := range strings.Split(device, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ports = append(ports, p)
		}
	}
	return ports
}

// nodeInputs returns the input port names pw-record creates for a node.
func nodeInputs(node string, channels int) []string {
	if channels == 1 {
		return []string{node + ":input_MONO"}
	}
	return []string{node + ":input_FL", node + ":input_FR"}
}

func (s *pipewireSource) Connect(ctx context.Context, cfg TapConfig) (Tap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rate := s.cfg.SampleRate
	if rate == 0 {
		rate = pipewireDefaultRate
	}
	size := cfg.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}

	node := fmt.Sprintf("stereorec-%d-%d", os.Getpid(), s.seq.Add(1))
	ports := devicePorts(s.cfg.Device)
	args := []string{
		"--raw",
		"--format", "f32",
		"--rate", strconv.Itoa(rate),
		"--channels", strconv.Itoa(cfg.Channels),
		"--latency", fmt.Sprintf("%d/%d", size, rate),
		"-P", fmt.Sprintf("{ node.name = %q }", node),
	}
	if len(ports) > 0 {
		args = append(args, "--target", "0")
	}
	args = append(args, "-")

	slog.Info("Starting pw-record", "command", "pw-record "+strings.Join(args, " "))
	t, err := startRecordProcess(exec.Command("pw-record", args...), cfg, size, rate)
	if err != nil {
		return nil, err
	}
	t.pw = s.pw

	inputs := nodeInputs(node, cfg.Channels)
	for i, port := range ports {
		dests := []string{inputs[i%len(inputs)]}
		if len(ports) == 1 {
			dests = inputs
		}
		for _, dest := range dests {
			if err := s.pw.ConnectPortsWithRetry(ctx, port, dest); err != nil {
				return nil, errors.Join(err, t.Disconnect())
			}
			t.links = append(t.links, [2]string{port, dest})
		}
	}
	return t, nil
}

// startRecordProcess starts cmd and decodes its stdout as interleaved
// float32 samples.
func startRecordProcess(cmd *exec.Cmd, cfg TapConfig, size, rate int) (*pipewireTap, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", filepath.Base(cmd.Path), err)
	}

	t := &pipewireTap{
		cmd:        cmd,
		q:          newQueue(cfg.QueueDepth, cfg.OnDrop),
		size:       size,
		rate:       rate,
		channels:   cfg.Channels,
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	go t.readOutput(stderr)
	go t.readSamples(stdout)
	return t, nil
}

type pipewireTap struct {
	pw       *PipeWire
	cmd      *exec.Cmd
	q        *queue
	size     int
	rate     int
	channels int
	links    [][2]string

	// done and stderrDone close when the pipes reach EOF.
	done       chan struct{}
	stderrDone chan struct{}

	stderrBuf strings.Builder
	stderrMu  sync.Mutex
	once      sync.Once
	err       error
}

func (t *pipewireTap) Frames() <-chan Frames { return t.q.ch }
func (t *pipewireTap) BufferSize() int       { return t.size }
func (t *pipewireTap) SampleRate() int       { return t.rate }

// readSamples decodes stdout until the process exits.
func (t *pipewireTap) readSamples(pipe io.ReadCloser) {
	defer close(t.done)
	defer t.q.close()

	c := newChunker(t.size, t.channels, func(f Frames) { t.q.push(f) })
	buf := make([]byte, 4*t.size*t.channels)
	var samples []float32
	r := bufio.NewReaderSize(pipe, len(buf))
	for {
		n, err := io.ReadAtLeast(r, buf, 4)
		n -= n % 4
		if n > 0 {
			samples = decodeFloat32LE(buf[:n], samples)
			c.write(samples)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("pw-record read failed", "error", err)
			}
			return
		}
	}
}

// readOutput buffers stderr for diagnostics.
func (t *pipewireTap) readOutput(pipe io.ReadCloser) {
	defer close(t.stderrDone)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		t.stderrMu.Lock()
		t.stderrBuf.WriteString(line + "\n")
		t.stderrMu.Unlock()
		slog.Debug("pw-record output", "line", line)
	}
}

func (t *pipewireTap) Disconnect() error {
	t.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, l := range t.links {
			if err := t.pw.DisconnectPorts(ctx, l[0], l[1]); err != nil {
				slog.Debug("Failed to unlink port", "source", l[0], "dest", l[1], "error", err)
			}
		}
		t.err = t.stop()
		<-t.done
		t.q.close()
	})
	return t.err
}

// pwStopTimeout bounds how long pw-record may take to exit after SIGINT.
var pwStopTimeout = 5 * time.Second

// stop interrupts pw-record and waits for it, killing it after a timeout.
// Wait closes the pipes, so it runs only after both readers saw EOF.
func (t *pipewireTap) stop() error {
	if t.cmd.Process == nil {
		return nil
	}
	if err := t.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt to pw-record, falling back to SIGKILL", "error", err)
		t.cmd.Process.Kill()
	}

	timeout := time.NewTimer(pwStopTimeout)
	defer timeout.Stop()
	for _, eof := range []<-chan struct{}{t.done, t.stderrDone} {
		select {
		case <-eof:
		case <-timeout.C:
			slog.Warn("pw-record did not exit within timeout, force killing")
			t.cmd.Process.Kill()
			<-eof
		}
	}

	err := t.cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		if state == "signal: interrupt" || state == "signal: killed" || exitErr.ExitCode() == 255 {
			return nil
		}
	}
	t.stderrMu.Lock()
	slog.Debug("pw-record stderr", "output", t.stderrBuf.String())
	t.stderrMu.Unlock()
	return fmt.Errorf("pw-record process failed: %w", err)
}

func probePipeWire() error {
	for _, bin := range []string{"pw-record", "pw-link"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found", bin)
		}
	}
	return nil
}

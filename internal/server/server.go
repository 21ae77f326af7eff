package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/stereorec/internal/audio"
	"github.com/audiolibrelab/stereorec/internal/config"
	"github.com/audiolibrelab/stereorec/internal/observe"
	"github.com/audiolibrelab/stereorec/internal/recorder"
	"github.com/audiolibrelab/stereorec/internal/service"
)

const shutdownTimeout = 5 * time.Second

// Server represents the web server for controlling stereorec
type Server struct {
	service    service.Service
	configFile string
	port       string
	opts       Options
}

// Options wires optional observability into the server.
type Options struct {
	// Metrics records request durations. Nil disables the middleware.
	Metrics *observe.Metrics
	// MetricsHandler is served on /metrics when set.
	MetricsHandler http.Handler
	// StaticDir holds an index.html that replaces the built-in page.
	StaticDir string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status        string                    `json:"status"`
	Message       string                    `json:"message,omitempty"`
	Session       *service.RecordingSession `json:"session,omitempty"`
	Config        *ResolvedConfigInfo       `json:"resolved_config"`
	ActiveProfile string                    `json:"active_profile"`
}

// ResolvedConfigInfo contains configuration information for the UI
type ResolvedConfigInfo struct {
	ActiveProfile string `json:"active_profile"`
	OutputDir     string `json:"output_dir"`
	Backend       string `json:"backend"`
	Device        string `json:"device,omitempty"`
	Channels      int    `json:"channels"`
	SampleRate    int    `json:"sample_rate"`
	BufferSize    int    `json:"buffer_size"`
	Format        string `json:"format"`
	FlushMS       int    `json:"flush_interval_ms"`
}

// SourcesResponse represents the JSON response for sources endpoint
type SourcesResponse struct {
	Backend string   `json:"backend"`
	Sources []string `json:"sources"`
}

// ProfilesResponse lists the profiles of the config file
type ProfilesResponse struct {
	Profiles []string `json:"profiles"`
	Active   string   `json:"active"`
}

// RecordingsResponse represents the JSON response for the recordings endpoint
type RecordingsResponse struct {
	Recordings      []service.RecordingInfo `json:"recordings"`
	TotalCount      int                     `json:"total_count"`
	OutputDirectory string                  `json:"output_directory"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server instance around svc
func New(svc service.Service, configFile, port string, opts Options) *Server {
	return &Server{
		service:    svc,
		configFile: configFile,
		port:       port,
		opts:       opts,
	}
}

// Handler returns the routed handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)

	mux.HandleFunc("/start", s.handleStartRecording)
	mux.HandleFunc("/pause", s.handlePauseRecording)
	mux.HandleFunc("/resume", s.handleResumeRecording)
	mux.HandleFunc("/flush", s.handleFlush)
	mux.HandleFunc("/stop", s.handleStopRecording)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/config/profiles", s.handleProfiles)

	mux.HandleFunc("/api/capabilities", s.handleCapabilities)
	mux.HandleFunc("/api/disk", s.handleDisk)
	mux.HandleFunc("/api/recordings", s.handleRecordings)
	mux.HandleFunc("/api/recordings/download/{file}", s.handleFileDownload)
	mux.HandleFunc("/api/recordings/archive/{name}", s.handleArchive)
	mux.HandleFunc("/api/recordings/stitch/{name}", s.handleStitch)
	mux.HandleFunc("/api/upload/{name}", s.handleUpload)

	mux.HandleFunc("/ws/status", s.handleStatusSocket)

	if s.opts.MetricsHandler != nil {
		mux.Handle("/metrics", s.opts.MetricsHandler)
	}

	if s.opts.Metrics == nil {
		return mux
	}
	return observe.Middleware(s.opts.Metrics)(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting stereorec Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		slog.Info("Shutting down web server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleIndex serves the main web UI
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	htmlContent := []byte(defaultHTML)
	if s.opts.StaticDir != "" {
		if data, err := os.ReadFile(filepath.Join(s.opts.StaticDir, "index.html")); err == nil {
			htmlContent = data
		} else {
			slog.Debug("Using built-in index page", "error", err)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(htmlContent)
}

const defaultHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>stereorec</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
</head>
<body>
    <main class="container">
        <h1>stereorec</h1>
        <p id="status">STANDBY</p>
        <h2>API Endpoints:</h2>
        <ul>
            <li>POST /start?name=... - Start recording</li>
            <li>POST /pause, /resume, /flush - Control the running recording</li>
            <li>POST /stop - Stop recording (stitch=1 joins the segments)</li>
            <li>GET /status - Get status</li>
            <li>GET /api/recordings - List recordings</li>
            <li>GET /ws/status - Live status events</li>
        </ul>
    </main>
    <script>
        const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws/status");
        ws.onmessage = (e) => {
            const ev = JSON.parse(e.data);
            let text = ev.status;
            if (ev.session) {
                text += " - " + ev.session.song_name + " (" + ev.session.segments + " segments, " + ev.session.audio_seconds.toFixed(1) + " s)";
            }
            if (ev.last_error) {
                text += " - " + ev.last_error;
            }
            document.getElementById("status").textContent = text;
        };
    </script>
</body>
</html>`

// loadProfiles reads the profile list from the config file. Without one
// only the built-in default exists.
func (s *Server) loadProfiles() ([]string, string, error) {
	if s.configFile == "" {
		return []string{config.DefaultProfile}, config.DefaultProfile, nil
	}
	profiles, active, err := config.ProfileNames(s.configFile)
	if err != nil {
		return nil, "", err
	}
	if active == "" {
		active = config.DefaultProfile
	}
	return profiles, active, nil
}

// allowMethod writes the JSON method error when r does not use method.
func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: "Method not allowed"})
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, audio.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, recorder.ErrActive), errors.Is(err, service.ErrNotRecording):
		return http.StatusConflict
	case config.IsNotExist(err):
		return http.StatusNotFound
	case errors.Is(err, audio.ErrUnsupportedPlatform):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...any) {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Warn("Sending error response to client", logFields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: errorMsg})
}

func getLocalIP() string {
	// Dialing UDP sends nothing; it only picks the outbound interface.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

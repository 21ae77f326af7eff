package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/audiolibrelab/stereorec/internal/service"
)

// handleStartRecording starts a pass (STANDBY -> RECORDING). An optional
// profile is loaded first.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "start_recording")
		return
	}

	songName := r.FormValue("name")
	profile := r.FormValue("profile")
	slog.Debug("Start request received", "song", songName, "profile", profile)

	if songName == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Song name is required", "operation", "start_recording")
		return
	}

	if profile != "" {
		if err := s.service.LoadProfile(profile); err != nil {
			s.sendErrorResponse(w, statusFor(err),
				fmt.Sprintf("Failed to load profile '%s': %v", profile, err),
				"profile", profile, "operation", "profile_load_for_start")
			return
		}
	}

	// The pass outlives this request.
	if err := s.service.StartRecording(r.Context(), songName); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to start recording: %v", err),
			"song_name", songName, "profile", profile, "operation", "start_recording")
		return
	}
	slog.Info("Server: recording started", "song_name", songName)

	writeJSON(w, map[string]any{
		"success": true,
		"message": "Recording started",
		"song":    songName,
		"profile": s.service.GetConfig().Profile,
	})
}

func (s *Server) handlePauseRecording(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "pause_recording", "Recording paused", s.service.PauseRecording)
}

func (s *Server) handleResumeRecording(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resume_recording", "Recording resumed", s.service.ResumeRecording)
}

// handleFlush emits the buffered audio as a segment right away
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "flush", "Flush requested", s.service.RequestData)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, operation, message string, fn func() error) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := fn(); err != nil {
		s.sendErrorResponse(w, statusFor(err), err.Error(), "operation", operation)
		return
	}
	writeJSON(w, GenericResponse{Success: true, Message: message})
}

// handleStopRecording stops the current recording session. With stitch=1
// the segments are joined afterwards.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	_, session := s.service.GetRecordingStatus()
	if err := s.service.StopRecording(); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}

	response := map[string]any{
		"success": true,
		"message": "Recording stopped",
	}

	stitchAfter, _ := strconv.ParseBool(r.FormValue("stitch"))
	if stitchAfter && session != nil {
		slog.Info("Starting automatic stitching", "song", session.SongName)
		res, err := s.service.Stitch(r.Context(), session.SongName)
		if err != nil {
			slog.Error("Stitching failed", "error", err)
			response["stitch_error"] = fmt.Sprintf("Stitching failed: %v", err)
		} else {
			response["message"] = "Recording stopped and stitched successfully"
			response["file"] = res.File
		}
	}

	writeJSON(w, response)
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	status, session := s.service.GetRecordingStatus()
	resolved := s.getResolvedConfigInfo()
	writeJSON(w, StatusResponse{
		Status:        string(status),
		Message:       s.generateStatusMessage(status, session),
		Session:       session,
		Config:        resolved,
		ActiveProfile: resolved.ActiveProfile,
	})
}

func (s *Server) getResolvedConfigInfo() *ResolvedConfigInfo {
	cfg := s.service.GetConfig()
	return &ResolvedConfigInfo{
		ActiveProfile: cfg.Profile,
		OutputDir:     cfg.Output.Directory,
		Backend:       cfg.Audio.Backend,
		Device:        cfg.Audio.Device,
		Channels:      cfg.Audio.Channels,
		SampleRate:    cfg.Audio.SampleRate,
		BufferSize:    cfg.Audio.BufferSize,
		Format:        cfg.Recording.Format,
		FlushMS:       cfg.Recording.FlushIntervalMS,
	}
}

// generateStatusMessage creates appropriate status messages based on current state
func (s *Server) generateStatusMessage(status service.RecordingStatus, session *service.RecordingSession) string {
	switch status {
	case service.StatusRecording:
		if session != nil {
			return fmt.Sprintf("Recording in progress - %s", session.SongName)
		}
		return "Recording in progress"
	case service.StatusPaused:
		if session != nil {
			return fmt.Sprintf("Recording paused - %s", session.SongName)
		}
		return "Recording paused"
	case service.StatusError:
		if errorDetails := s.service.GetLastError(); errorDetails != "" {
			return errorDetails
		}
		return "An error occurred during the operation"
	default:
		return ""
	}
}

// handleSources lists the capture devices of the configured backend
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	backend, sources, err := s.service.ListSources(r.Context())
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to list sources: %v", err),
			"operation", "list_sources")
		return
	}
	if sources == nil {
		sources = []string{}
	}
	writeJSON(w, SourcesResponse{Backend: string(backend), Sources: sources})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	profiles, active, err := s.loadProfiles()
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to read profiles: %v", err),
			"operation", "list_profiles")
		return
	}
	writeJSON(w, ProfilesResponse{Profiles: profiles, Active: active})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, s.service.Capabilities())
}

func (s *Server) handleDisk(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	info, err := s.service.DiskUsage()
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), err.Error(), "operation", "disk_usage")
		return
	}
	writeJSON(w, info)
}

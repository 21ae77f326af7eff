package server

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/audiolibrelab/stereorec/internal/encoder"
	"github.com/audiolibrelab/stereorec/internal/service"
	"github.com/audiolibrelab/stereorec/internal/sink"
)

// maxUploadBytes caps the size of an uploaded WAV file.
const maxUploadBytes = 512 << 20

var downloadExtensions = map[string]bool{"wav": true, "pcm": true, "yaml": true}

// handleRecordings lists the recordings in the output directory
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to list recordings: %v", err),
			"operation", "list_recordings")
		return
	}
	if recordings == nil {
		recordings = []service.RecordingInfo{}
	}
	writeJSON(w, RecordingsResponse{
		Recordings:      recordings,
		TotalCount:      len(recordings),
		OutputDirectory: s.service.GetConfig().Output.Directory,
	})
}

// handleFileDownload serves one file of the output directory
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileName := r.PathValue("file")
	if fileName == "" || strings.Contains(fileName, "..") || strings.Contains(fileName, "/") || strings.Contains(fileName, "\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if !downloadExtensions[ext] {
		http.Error(w, "File type not supported", http.StatusForbidden)
		return
	}

	filePath := filepath.Join(s.service.GetConfig().Output.Directory, fileName)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType(ext))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", fileName))
	http.ServeContent(w, r, fileName, info.ModTime(), file)
}

func contentType(ext string) string {
	switch ext {
	case "wav":
		return encoder.FormatWAV.MimeType()
	case "pcm":
		return encoder.FormatPCM.MimeType()
	}
	if ct := mime.TypeByExtension("." + ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// handleArchive streams a zip of the manifest, the segments and any
// stitched file of one recording.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cleanName := sink.CleanName(r.PathValue("name"))
	files, err := s.service.RecordingFiles(cleanName)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Recording not found: %v", err),
			"recording", cleanName, "operation", "archive")
		return
	}

	dir := s.service.GetConfig().Output.Directory
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s.zip\"", cleanName))

	zw := zip.NewWriter(w)
	for _, name := range files {
		if err := addToArchive(zw, dir, name); err != nil {
			// Headers are already sent; the client sees a truncated archive.
			slog.Error("Error writing recording archive", "recording", cleanName, "file", name, "error", err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		slog.Error("Error finishing recording archive", "recording", cleanName, "error", err)
	}
}

func addToArchive(zw *zip.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Method = zip.Deflate
	out, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, f)
	return err
}

// handleStitch joins the segments of a recording into one file
func (s *Server) handleStitch(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	name := r.PathValue("name")
	res, err := s.service.Stitch(r.Context(), name)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Stitching failed: %v", err),
			"recording", name, "operation", "stitch")
		return
	}
	file := filepath.Base(res.File)
	writeJSON(w, map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Stitched %d segments", res.Segments),
		"file":         file,
		"size":         res.Bytes,
		"download_url": "/api/recordings/download/" + file,
	})
}

// handleUpload stores an audio file sent as the request body. WAV is the
// default; audio/pcm bodies describe their layout in the X-Channels and
// X-Sample-Rate headers, as sent by the HTTP sink.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	name := r.PathValue("name")
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	defer body.Close()

	var path string
	var err error
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == encoder.FormatPCM.MimeType() {
		channels, cerr := strconv.Atoi(r.Header.Get("X-Channels"))
		rate, rerr := strconv.Atoi(r.Header.Get("X-Sample-Rate"))
		if cerr != nil || rerr != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "PCM uploads need X-Channels and X-Sample-Rate headers",
				"name", name, "operation", "upload")
			return
		}
		path, err = s.service.SavePCMUpload(name, channels, rate, body)
	} else {
		path, err = s.service.SaveUpload(name, body)
	}
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Upload failed: %v", err),
			"name", name, "operation", "upload")
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"message": "Upload saved",
		"file":    filepath.Base(path),
	})
}

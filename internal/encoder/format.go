package encoder

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/stereorec/internal/audio"
)

// Format is the container an encoder produces, named by MIME type.
type Format string

const (
	// FormatWAV is a 44-byte RIFF/WAVE header followed by 16-bit samples.
	FormatWAV Format = "audio/wav"

	// FormatPCM is headerless 16-bit signed little-endian samples.
	FormatPCM Format = "audio/pcm"
)

// ParseFormat accepts a short name ("wav", "pcm") or a MIME type. Any MIME
// type mentioning audio/pcm selects raw PCM; an empty value selects WAV.
func ParseFormat(s string) (Format, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "", v == "wav", v == "wave", v == "audio/wav", v == "audio/wave", v == "audio/x-wav":
		return FormatWAV, nil
	case v == "pcm", v == "raw", strings.Contains(v, "audio/pcm"):
		return FormatPCM, nil
	default:
		return "", fmt.Errorf("%w: unsupported audio format %q", audio.ErrInvalidInput, s)
	}
}

// Extension returns the file extension for the format, without the dot.
func (f Format) Extension() string {
	if f == FormatPCM {
		return "pcm"
	}
	return "wav"
}

// MimeType returns the MIME type used on the wire.
func (f Format) MimeType() string { return string(f) }

func (f Format) String() string { return f.Extension() }

// FormatBytes formats bytes into human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

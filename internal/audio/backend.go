package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeAuto      BackendType = "auto"
	BackendTypeMalgo     BackendType = "malgo"
	BackendTypePulse     BackendType = "pulse"
	BackendTypePipeWire  BackendType = "pipewire"
	BackendTypePortAudio BackendType = "portaudio"
	BackendTypeTone      BackendType = "tone"
)

// autoOrder is the preference order when the backend is "auto". The tone
// backend is never picked automatically.
var autoOrder = []BackendType{BackendTypeMalgo, BackendTypePulse, BackendTypePipeWire, BackendTypePortAudio}

// ParseBackend converts a configuration value to a BackendType.
func ParseBackend(s string) (BackendType, error) {
	switch b := BackendType(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackendTypeAuto, nil
	case BackendTypeAuto, BackendTypeMalgo, BackendTypePulse, BackendTypePipeWire, BackendTypePortAudio, BackendTypeTone:
		return b, nil
	default:
		return "", fmt.Errorf("%w: unknown audio backend %q", ErrInvalidInput, s)
	}
}

// BackendStatus is the probe result for one backend.
type BackendStatus struct {
	Type      BackendType `json:"type"`
	Available bool        `json:"available"`
	Reason    string      `json:"reason,omitempty"`
}

// Capabilities describes which capture backends the host supports. It is
// computed once by Probe and passed around explicitly.
type Capabilities struct {
	Backends []BackendStatus `json:"backends"`
}

// prober checks one backend without opening a stream.
type prober struct {
	backend BackendType
	probe   func() error
}

var probers = []prober{
	{BackendTypeMalgo, probeMalgo},
	{BackendTypePulse, probePulse},
	{BackendTypePipeWire, probePipeWire},
	{BackendTypePortAudio, probePortAudio},
	{BackendTypeTone, func() error { return nil }},
}

// Probe checks every backend the binary was built with.
func Probe() Capabilities {
	var caps Capabilities
	for _, p := range probers {
		st := BackendStatus{Type: p.backend, Available: true}
		if err := p.probe(); err != nil {
			st.Available = false
			st.Reason = err.Error()
		}
		slog.Debug("Probed audio backend", "backend", st.Type, "available", st.Available, "reason", st.Reason)
		caps.Backends = append(caps.Backends, st)
	}
	return caps
}

// Available reports whether backend b passed its probe.
func (c Capabilities) Available(b BackendType) bool {
	for _, st := range c.Backends {
		if st.Type == b {
			return st.Available
		}
	}
	return false
}

// Supported reports whether any hardware capture backend is available.
func (c Capabilities) Supported() bool {
	for _, b := range autoOrder {
		if c.Available(b) {
			return true
		}
	}
	return false
}

// Resolve picks the backend to use for a requested one. "auto" returns the
// first available backend in preference order.
func (c Capabilities) Resolve(requested BackendType) (BackendType, error) {
	if requested == "" || requested == BackendTypeAuto {
		for _, b := range autoOrder {
			if c.Available(b) {
				return b, nil
			}
		}
		return "", fmt.Errorf("%w: no audio capture backend available", ErrUnsupportedPlatform)
	}
	if !c.Available(requested) {
		reason := "not built in"
		for _, st := range c.Backends {
			if st.Type == requested {
				reason = st.Reason
			}
		}
		return "", fmt.Errorf("%w: backend %s unavailable: %s", ErrUnsupportedPlatform, requested, reason)
	}
	return requested, nil
}

// Open creates a capture Source for a resolved backend.
func Open(b BackendType, cfg SourceConfig) (Source, error) {
	switch b {
	case BackendTypeMalgo:
		return openMalgo(cfg)
	case BackendTypePulse:
		return openPulse(cfg)
	case BackendTypePipeWire:
		return openPipeWire(cfg)
	case BackendTypePortAudio:
		return openPortAudio(cfg)
	case BackendTypeTone:
		return NewToneSource(cfg), nil
	default:
		return nil, fmt.Errorf("%w: cannot open backend %q", ErrInvalidInput, b)
	}
}

// ListSources returns the capture devices a backend can record from.
func ListSources(ctx context.Context, b BackendType) ([]string, error) {
	switch b {
	case BackendTypeMalgo:
		return listMalgoDevices()
	case BackendTypePulse:
		return listPulseSources()
	case BackendTypePipeWire:
		return NewPipeWire().ListCapturePorts(ctx)
	case BackendTypePortAudio:
		return listPortAudioDevices()
	case BackendTypeTone:
		return []string{"tone"}, nil
	default:
		return nil, fmt.Errorf("%w: cannot list backend %q", ErrInvalidInput, b)
	}
}

// ValidateSource checks that a device exists for the backend.
func ValidateSource(ctx context.Context, b BackendType, device string) error {
	if device == "" || b == BackendTypeTone {
		return nil
	}
	if b == BackendTypePipeWire {
		pw := NewPipeWire()
		for _, port := range devicePorts(device) {
			if err := pw.ValidatePort(ctx, port); err != nil {
				return err
			}
		}
		return nil
	}
	devices, err := ListSources(ctx, b)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d == device {
			return nil
		}
	}
	if s := suggestDevice(device, devices); s != "" {
		return fmt.Errorf("%w: %s device not found: %s (did you mean %q?)", ErrInvalidInput, b, device, s)
	}
	return fmt.Errorf("%w: %s device not found: %s", ErrInvalidInput, b, device)
}

// suggestDevice returns the listed device closest to name, or "" when none
// is similar enough to be worth offering.
func suggestDevice(name string, devices []string) string {
	const minScore = 0.85
	best, bestScore := "", 0.0
	for _, d := range devices {
		score := matchr.JaroWinkler(strings.ToLower(name), strings.ToLower(d), false)
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	if bestScore < minScore {
		return ""
	}
	return best
}

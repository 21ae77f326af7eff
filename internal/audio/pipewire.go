package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// PipeWire manages PipeWire/JACK port operations
type PipeWire struct {
	// run executes a pw-link style command and returns its combined output.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ListPorts returns all available JACK ports via PipeWire
func (pw *PipeWire) ListPorts(ctx context.Context) ([]string, error) {
	output, err := pw.run(ctx, "pw-link", "-io")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

// ListCapturePorts returns the output ports other clients can be recorded from.
func (pw *PipeWire) ListCapturePorts(ctx context.Context) ([]string, error) {
	output, err := pw.run(ctx, "pw-link", "-o")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire output ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// ValidatePort checks if a specific port exists and has no duplicates
func (pw *PipeWire) ValidatePort(ctx context.Context, portName string) error {
	if portName == "" || portName == "disabled" {
		return nil
	}

	allPorts, err := pw.ListPorts(ctx)
	if err != nil {
		return fmt.Errorf("failed to check port duplicates: %w", err)
	}
	return validatePortInList(portName, allPorts)
}

func validatePortInList(portName string, allPorts []string) error {
	duplicates := findPortDuplicatesInList(portName, allPorts)
	if len(duplicates) == 0 {
		return fmt.Errorf("%w: port not found: %s", ErrInvalidInput, portName)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s': %v. Please close conflicting applications", portName, duplicates)
	}
	return nil
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

func (pw *PipeWire) portExists(ctx context.Context, portName string) bool {
	ports, err := pw.ListPorts(ctx)
	if err != nil {
		slog.Debug("Failed to check port existence", "port", portName, "error", err)
		return false
	}
	return len(findPortDuplicatesInList(portName, ports)) > 0
}

// ConnectPortsWithRetry connects two JACK ports, waiting for the source to
// appear in the graph.
func (pw *PipeWire) ConnectPortsWithRetry(ctx context.Context, sourcePort, destPort string) error {
	maxRetries, retryDelay := 5, 500*time.Millisecond
	if isEphemeralPort(sourcePort) {
		// Browsers and streaming apps may take longer to appear
		maxRetries, retryDelay = 15, time.Second
	}
	slog.Debug("Connecting ports", "source", sourcePort, "dest", destPort, "retries", maxRetries)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if pw.portExists(ctx, sourcePort) && pw.portExists(ctx, destPort) {
			output, err := pw.run(ctx, "pw-link", sourcePort, destPort)
			if err == nil {
				slog.Debug("Connected ports successfully", "source", sourcePort, "dest", destPort, "attempt", attempt)
				return nil
			}
			slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", err, "output", strings.TrimSpace(string(output)))
		} else {
			slog.Debug("Port not yet available", "source", sourcePort, "dest", destPort, "attempt", attempt)
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return fmt.Errorf("failed to connect %s to %s after %d attempts", sourcePort, destPort, maxRetries)
}

// isEphemeralPort determines if a port is ephemeral (may appear/disappear)
func isEphemeralPort(portName string) bool {
	lowerPort := strings.ToLower(portName)

	ephemeralApps := []string{
		"chrome", "firefox", "spotify", "discord", "steam",
		"vlc", "mpv", "zoom", "teams", "slack", "wire",
	}

	for _, app := range ephemeralApps {
		if strings.Contains(lowerPort, app) {
			return true
		}
	}

	return false
}

// DisconnectPorts disconnects two JACK ports
func (pw *PipeWire) DisconnectPorts(ctx context.Context, sourcePort, destPort string) error {
	output, err := pw.run(ctx, "pw-link", "-d", sourcePort, destPort)
	if err != nil {
		return fmt.Errorf("failed to disconnect ports: %w (output: %s)", err, string(output))
	}

	slog.Debug("Disconnected ports successfully", "source", sourcePort, "dest", destPort)
	return nil
}

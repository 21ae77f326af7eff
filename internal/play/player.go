package play

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/stereorec/internal/encoder"
	"github.com/audiolibrelab/stereorec/internal/sink"
)

// players lists the supported audio players in order of preference.
var players = []string{"vlc", "mpv", "ffplay", "aplay"}

type Player struct {
	dir string

	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) error
}

func New(dir string) *Player {
	return &Player{
		dir:      dir,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Play opens the stitched WAV of a recording in the first available player
// and waits for playback to end.
func (p *Player) Play(ctx context.Context, songName string) error {
	cleanName := sink.CleanName(songName)

	m, err := sink.ReadManifest(p.dir, cleanName)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if m != nil && m.Format == encoder.FormatPCM {
		return fmt.Errorf("recording %s is raw PCM without a header and cannot be played", cleanName)
	}

	audioFile := filepath.Join(p.dir, cleanName+"."+encoder.FormatWAV.Extension())
	if _, err := os.Stat(audioFile); err != nil {
		return fmt.Errorf("audio file not found: %s (stitch the recording first)", audioFile)
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	var args []string
	switch player {
	case "vlc":
		args = []string{"--play-and-exit", audioFile}
	case "mpv":
		args = []string{"--no-video", audioFile}
	case "ffplay":
		args = []string{"-nodisp", "-autoexit", audioFile}
	case "aplay":
		args = []string{audioFile}
	default:
		return fmt.Errorf("unsupported player: %s", player)
	}

	slog.Info("Playing", "file", audioFile, "player", player)
	if err := p.run(ctx, player, args...); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	slog.Info("Playback completed", "file", audioFile)
	return nil
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

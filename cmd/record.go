package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/stereorec/internal/config"
	"github.com/audiolibrelab/stereorec/internal/encoder"
	"github.com/audiolibrelab/stereorec/internal/service"
	"github.com/audiolibrelab/stereorec/internal/sink"
)

var recordCmd = &cobra.Command{
	Use:   "record [song-name]",
	Short: "Record the stereo input into segments",
	Long: `Record the configured input and write one WAV or PCM segment per flush
interval to the output directory, along with a manifest listing the segments.
Recording the same name again continues its segment numbering.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		songName := args[0]
		if err := applyRecordFlags(cmd, cfg); err != nil {
			return err
		}
		duration, _ := cmd.Flags().GetDuration("duration")

		rest, err := stepsAfter('r')
		if err != nil {
			return err
		}

		svc := newService()
		defer svc.Close()

		if duration > 0 {
			slog.Info("Recording", "song_name", songName, "duration", duration)
		} else {
			slog.Info("Recording - Press Ctrl+C to stop", "song_name", songName)
		}
		stop, release := stopSignal(duration, false)
		err = svc.RunPipeline(context.Background(), songName, "r", stop)
		release()
		if err != nil {
			return err
		}
		if err := printRecordingSummary(svc, songName); err != nil {
			return err
		}
		return svc.RunPipeline(context.Background(), songName, rest, nil)
	},
}

func init() {
	recordCmd.Flags().Duration("duration", 0, "stop after this long (default: until Ctrl+C)")
	addRecordFlags(recordCmd)
}

// addRecordFlags registers the flags that override the recording config.
func addRecordFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	cmd.Flags().String("format", "", "segment format: wav or pcm (overrides config)")
	cmd.Flags().Int("channels", 0, "channel count, 1 or 2 (overrides config)")
	cmd.Flags().Duration("flush-interval", 0, "time between segments (overrides config)")
	cmd.Flags().String("backend", "", "capture backend (overrides config)")
	cmd.Flags().String("device", "", "capture device (overrides config)")
}

func applyRecordFlags(cmd *cobra.Command, c *config.Config) error {
	if v, _ := cmd.Flags().GetString("output"); v != "" {
		c.Output.Directory = v
	}
	if v, _ := cmd.Flags().GetString("format"); v != "" {
		c.Recording.Format = v
	}
	if v, _ := cmd.Flags().GetInt("channels"); v != 0 {
		c.Audio.Channels = v
	}
	if v, _ := cmd.Flags().GetDuration("flush-interval"); v != 0 {
		c.Recording.FlushIntervalMS = int(v / time.Millisecond)
	}
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		c.Audio.Backend = v
	}
	if v, _ := cmd.Flags().GetString("device"); v != "" {
		c.Audio.Device = v
	}
	if err := config.Validate(c); err != nil {
		return fmt.Errorf("invalid option: %w", err)
	}
	return nil
}

func printRecordingSummary(svc *service.StereoRecService, songName string) error {
	info, err := svc.GetSongInfo(songName)
	if err != nil {
		return err
	}
	m, err := sink.ReadManifest(svc.GetConfig().Output.Directory, info.CleanName)
	if err != nil {
		return fmt.Errorf("recording produced no manifest: %w", err)
	}
	var size int64
	for _, seg := range m.Segments {
		size += seg.Bytes
	}
	fmt.Printf("Recording completed: %s\n", info.CleanName)
	fmt.Printf("  segments: %d (%s, %s)\n", len(m.Segments), m.Duration().Round(time.Millisecond), encoder.FormatBytes(size))
	fmt.Printf("  manifest: %s\n", info.Manifest)
	return nil
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/stereorec/internal/config"
	"github.com/audiolibrelab/stereorec/internal/encoder"
	"github.com/audiolibrelab/stereorec/internal/sink"
)

var infoCmd = &cobra.Command{
	Use:   "info [song-name]",
	Short: "Show resolved configuration and file paths for a song",
	Long: `Display the file paths of a song, its segments when it has been recorded,
and the resolved configuration with inheritance indicators showing which
values come from the default profile and which the active profile sets.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		defer svc.Close()

		info, err := svc.GetSongInfo(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("=== FILE PATHS ===\n")
		fmt.Printf("clean_name: %s\n", info.CleanName)
		fmt.Printf("manifest: %s\n", info.Manifest)
		fmt.Printf("output_wav: %s\n", info.OutputWAV)
		fmt.Printf("output_pcm: %s\n", info.OutputPCM)
		fmt.Printf("next_segment: %s\n", sink.SegmentName(info.CleanName, info.NextSegment, formatOf(cfg)))

		if info.HasRecording {
			if err := printManifest(cfg.Output.Directory, info.CleanName); err != nil {
				return err
			}
			printStitched(info.OutputWAV)
		}

		fmt.Printf("\n=== RESOLVED CONFIGURATION (profile %s) ===\n", cfg.Profile)
		inh := cfg.Inheritance
		fmt.Printf("\n[Audio]\n")
		fmt.Printf("backend: %s %s\n", cfg.Audio.Backend, indicator(inh, "audio.backend"))
		fmt.Printf("device: %q %s\n", cfg.Audio.Device, indicator(inh, "audio.device"))
		fmt.Printf("sample_rate: %d %s\n", cfg.Audio.SampleRate, indicator(inh, "audio.sample_rate"))
		fmt.Printf("channels: %d %s\n", cfg.Audio.Channels, indicator(inh, "audio.channels"))
		fmt.Printf("buffer_size: %d %s\n", cfg.Audio.BufferSize, indicator(inh, "audio.buffer_size"))

		fmt.Printf("\n[Recording]\n")
		fmt.Printf("format: %s %s\n", cfg.Recording.Format, indicator(inh, "recording.format"))
		fmt.Printf("flush_interval: %s %s\n", cfg.Recording.FlushInterval(), indicator(inh, "recording.flush_interval_ms"))

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, indicator(inh, "output.directory"))
		if cfg.Output.UploadURL != "" {
			fmt.Printf("upload_url: %s %s\n", cfg.Output.UploadURL, indicator(inh, "output.upload_url"))
		}
		if cfg.Output.S3.Bucket != "" {
			fmt.Printf("s3: %s/%s %s\n", cfg.Output.S3.Bucket, cfg.Output.S3.Prefix, indicator(inh, "output.s3"))
		}
		if cfg.Output.GCS.Bucket != "" {
			fmt.Printf("gcs: %s/%s %s\n", cfg.Output.GCS.Bucket, cfg.Output.GCS.Prefix, indicator(inh, "output.gcs"))
		}
		return nil
	},
}

func formatOf(c *config.Config) encoder.Format {
	f, err := encoder.ParseFormat(c.Recording.Format)
	if err != nil {
		return encoder.FormatWAV
	}
	return f
}

func printManifest(dir, name string) error {
	m, err := sink.ReadManifest(dir, name)
	if err != nil {
		return err
	}
	fmt.Printf("\n=== RECORDING ===\n")
	fmt.Printf("format: %s, %d ch, %d Hz\n", m.Format, m.Channels, m.SampleRate)
	fmt.Printf("created: %s\n", m.Created.Format(time.DateTime))
	fmt.Printf("duration: %s\n", m.Duration().Round(time.Millisecond))
	for _, seg := range m.Segments {
		fmt.Printf("  %s  %d samples  %s\n", seg.File, seg.Samples, encoder.FormatBytes(seg.Bytes))
	}
	return nil
}

// printStitched shows the header of the stitched WAV file, if present.
func printStitched(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	buf := make([]byte, encoder.HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		fmt.Printf("stitched: %s (unreadable header: %v)\n", path, err)
		return
	}
	h, err := encoder.ParseHeader(buf)
	if err != nil {
		fmt.Printf("stitched: %s (%v)\n", path, err)
		return
	}
	var seconds float64
	if h.ByteRate > 0 {
		seconds = float64(h.Subchunk2Size) / float64(h.ByteRate)
	}
	fmt.Printf("stitched: %s (%d ch, %d Hz, %d-bit, %.1f s)\n", path, h.NumChannels, h.SampleRate, h.BitsPerSample, seconds)
}

// indicator returns a formatted indicator for inheritance status
func indicator(inh *config.InheritanceInfo, field string) string {
	return "[" + inh.Source(field) + "]"
}

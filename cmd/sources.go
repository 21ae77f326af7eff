package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/stereorec/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List capture backends and input devices",
	Long: `Probe every capture backend on this host, then list the input devices of
the configured backend (or the one given with --backend).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if b, _ := cmd.Flags().GetString("backend"); b != "" {
			cfg.Audio.Backend = b
		}
		svc := newService()
		defer svc.Close()

		fmt.Printf("Audio Backends (%s/%s)\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("═══════════════════════════════════════\n")
		for _, b := range svc.Capabilities().Backends {
			if b.Available {
				fmt.Printf("  ✓ %s\n", b.Type)
			} else {
				fmt.Printf("  ✗ %s (%s)\n", b.Type, b.Reason)
			}
		}

		backend, sources, err := svc.ListSources(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sources: %w", err)
		}

		fmt.Printf("\n%s SOURCES (%d found):\n", backend, len(sources))
		for i, source := range sources {
			fmt.Printf("  %d. %s\n", i+1, source)
		}
		fmt.Printf("\nSet audio.device to one of these names, or leave it empty for the default input.\n")
		return nil
	},
}

func init() {
	sourcesCmd.Flags().String("backend", "", "backend to list ("+backendNames()+")")
}

func backendNames() string {
	return fmt.Sprintf("%s, %s, %s, %s, %s", audio.BackendTypeMalgo, audio.BackendTypePulse,
		audio.BackendTypePipeWire, audio.BackendTypePortAudio, audio.BackendTypeTone)
}

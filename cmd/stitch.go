package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/stereorec/internal/encoder"
)

var stitchCmd = &cobra.Command{
	Use:   "stitch [song-name]",
	Short: "Join the segments of a recording into one file",
	Long: `Join every segment listed in the recording's manifest into <name>.wav
(a single header over all samples) or <name>.pcm (plain concatenation).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		songName := args[0]
		rest, err := stepsAfter('s')
		if err != nil {
			return err
		}

		svc := newService()
		defer svc.Close()

		res, err := svc.Stitch(cmd.Context(), songName)
		if err != nil {
			return fmt.Errorf("stitching failed: %w", err)
		}
		fmt.Printf("Stitched %d segments into %s (%s)\n", res.Segments, res.File, encoder.FormatBytes(res.Bytes))

		return svc.RunPipeline(context.Background(), songName, rest, nil)
	},
}

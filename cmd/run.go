package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [song-name]",
	Short: "Execute pipeline steps on a song",
	Long: `Execute the pipeline steps given with -p on a song, in order:
r records until Enter or Ctrl+C, s stitches the segments, p plays the result.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		songName := args[0]
		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rsp)")
		}
		if cmd.Flags().Lookup("format") != nil {
			if err := applyRecordFlags(cmd, cfg); err != nil {
				return err
			}
		}
		steps := strings.ToLower(pipeline)

		svc := newService()
		defer svc.Close()

		for i, step := range steps {
			fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)
			if step != 'r' {
				if err := svc.RunPipeline(context.Background(), songName, string(step), nil); err != nil {
					return err
				}
				continue
			}

			fmt.Println("Pipeline: recording - Press Enter to stop...")
			stop, release := stopSignal(0, true)
			err := svc.RunPipeline(context.Background(), songName, "r", stop)
			release()
			if err != nil {
				return err
			}
			if err := printRecordingSummary(svc, songName); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	addRecordFlags(runCmd)
}

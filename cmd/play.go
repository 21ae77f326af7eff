package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [song-name]",
	Short: "Play the stitched audio file",
	Long: `Play <name>.wav with the first available player (vlc, mpv, ffplay, aplay).
Raw PCM recordings cannot be played since they carry no header.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		songName := args[0]
		fmt.Printf("Playing song: %s\n", songName)

		svc := newService()
		defer svc.Close()

		if err := svc.Play(cmd.Context(), songName); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}

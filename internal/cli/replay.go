package cli

import (
	"github.com/spf13/cobra"

	"exploitwatch/internal/app"
)

var replayFile string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run one cycle over a file of captured candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cycle, err := getApp().Replay(cmd.Context(), app.ReplayOptions{Path: replayFile})
		if cycle != nil {
			if werr := writeReport(cmd.OutOrStdout(), cycle); werr != nil && err == nil {
				err = werr
			}
		}
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "JSON array of candidate records")
	_ = replayCmd.MarkFlagRequired("file")
}

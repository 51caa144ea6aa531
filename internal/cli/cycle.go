package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"exploitwatch/internal/ingest"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single ingestion cycle and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cycle, err := getApp().RunCycle(cmd.Context())
		if cycle != nil {
			if werr := writeReport(cmd.OutOrStdout(), cycle); werr != nil && err == nil {
				err = werr
			}
		}
		return err
	},
}

func writeReport(w io.Writer, cycle *ingest.Cycle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cycle.Report)
}

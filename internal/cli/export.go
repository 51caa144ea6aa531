package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"exploitwatch/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportChain     string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored incidents as CSV and/or a daily loss chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Chain:     exportChain,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		var err error
		if opts.From, err = parseBound("--from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = parseBound("--to", exportTo); err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseBound accepts RFC3339 or a bare UTC date.
func parseBound(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid %s value %q: want RFC3339 or YYYY-MM-DD", flag, value)
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start (RFC3339 or YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Window end (RFC3339 or YYYY-MM-DD, exclusive)")
	exportCmd.Flags().StringVar(&exportChain, "chain", "", "Only export incidents on this chain (any known alias)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum CSV rows to export (defaults to config)")
}

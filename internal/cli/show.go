package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"exploitwatch/internal/app"
)

var (
	showLimit  int
	showCycles bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent incidents or cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Cycles: showCycles,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showCycles, "cycles", false, "List cycle runs instead of incidents")
}

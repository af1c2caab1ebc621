package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tickerCmd = &cobra.Command{
	Use:   "ticker <symbol>",
	Short: "Fetch one trusted quote and show provider selection details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "" {
			return fmt.Errorf("symbol must not be empty")
		}
		return getApp().Ticker(cmd.Context(), args[0])
	},
}

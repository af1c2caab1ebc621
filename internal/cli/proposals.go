package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"readytrader/internal/app"
)

var (
	proposalsLimit int
	proposalsAudit bool
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Display recent execution proposals from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if proposalsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ProposalsOptions{
			Limit: proposalsLimit,
			Audit: proposalsAudit,
		}

		return getApp().Proposals(cmd.Context(), opts)
	},
}

func init() {
	proposalsCmd.Flags().IntVar(&proposalsLimit, "limit", 20, "Number of rows to display")
	proposalsCmd.Flags().BoolVar(&proposalsAudit, "audit", false, "Show audit events instead of proposals")
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"readytrader/internal/app"
)

var (
	exportSymbol    string
	exportTimeframe string
	exportLimit     int
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export OHLCV history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ExportOptions{
			Symbol:    exportSymbol,
			Timeframe: exportTimeframe,
			Limit:     exportLimit,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSymbol, "symbol", "", "Symbol to export (required)")
	exportCmd.Flags().StringVar(&exportTimeframe, "timeframe", "1d", "Candle timeframe (e.g. 1m, 1h, 1d)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 180, "Number of candles to request")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (0 keeps all)")
}

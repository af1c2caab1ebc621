package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

// Ticker performs a one-shot trusted quote lookup through the router and
// prints the selection diagnostics. Useful for checking provider wiring and
// staleness thresholds from a shell.
func (a *App) Ticker(ctx context.Context, symbol string) error {
	_, router := a.newMarketData()

	result, err := router.FetchTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker for %s: %w", symbol, err)
	}

	fmt.Fprintf(os.Stdout, "symbol: %s\nsource: %s\nlast: %g\nbid: %g\nask: %g\nstale: %t\noutlier: %t\n",
		result.Meta.Symbol,
		result.Source,
		result.Snapshot.Last,
		result.Snapshot.Bid,
		result.Snapshot.Ask,
		result.Meta.Stale,
		result.Meta.Outlier,
	)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "\nProvider\tPriority\tOK\tReason\tAge (ms)\tStale")
	for _, c := range result.Meta.Candidates {
		age := "-"
		if c.AgeKnown {
			age = fmt.Sprintf("%d", c.AgeMS)
		}
		fmt.Fprintf(writer, "%s\t%d\t%t\t%s\t%s\t%t\n",
			c.ProviderID, c.Priority, c.OK, c.Reason, age, c.Stale)
	}
	writer.Flush()
	return nil
}

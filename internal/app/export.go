package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"readytrader/internal/marketdata"
)

// Export fetches OHLCV history through the router and renders it as CSV
// and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.Symbol == "" {
		return errors.New("--symbol is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Timeframe == "" {
		opts.Timeframe = "1d"
	}
	if opts.Limit <= 0 {
		opts.Limit = 180
	}

	_, router := a.newMarketData()

	result, err := router.FetchOHLCV(ctx, opts.Symbol, opts.Timeframe, opts.Limit)
	if err != nil {
		return fmt.Errorf("fetch ohlcv for %s: %w", opts.Symbol, err)
	}
	if len(result.Candles) == 0 {
		a.Logger.Info().Str("symbol", opts.Symbol).Msg("no candles available for export")
		return nil
	}

	candles := downsampleCandles(result.Candles, opts.MaxPoints)
	a.Logger.Info().Str("symbol", opts.Symbol).Str("source", result.Source).
		Int("total", len(result.Candles)).Int("exported", len(candles)).Msg("exporting candles")

	if opts.CSVPath != "" {
		if err := writeCandlesCSV(opts.CSVPath, opts.Symbol, candles); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCandlesPNG(opts.PNGPath, opts.Symbol, candles); err != nil {
			return err
		}
	}

	return nil
}

func downsampleCandles(candles []marketdata.Candle, max int) []marketdata.Candle {
	if max <= 0 || len(candles) <= max {
		return candles
	}

	result := make([]marketdata.Candle, 0, max)
	step := float64(len(candles)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(candles) {
			idx = len(candles) - 1
		}
		result = append(result, candles[idx])
	}
	return result
}

func writeCandlesCSV(path, symbol string, candles []marketdata.Candle) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "symbol", "open", "high", "low", "close", "volume"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, c := range candles {
		record := []string{
			time.UnixMilli(c.TimestampMS).UTC().Format(time.RFC3339),
			symbol,
			formatFloat(c.Open),
			formatFloat(c.High),
			formatFloat(c.Low),
			formatFloat(c.Close),
			formatFloat(c.Volume),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeCandlesPNG(path, symbol string, candles []marketdata.Candle) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(candles))
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))

	for i, c := range candles {
		x[i] = time.UnixMilli(c.TimestampMS).UTC()
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           symbol + " close",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Volume",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Close",
				XValues: x,
				YValues: closes,
			},
			chart.TimeSeries{
				Name:    "Volume",
				XValues: x,
				YValues: volumes,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

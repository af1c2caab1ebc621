package marketdata

import (
	"context"
	"strings"
	"time"
)

// Well-known provider ids. Operators may register providers under other ids;
// unknown ids sort last by default.
const (
	ProviderExchangeWS = "exchange_ws"
	ProviderIngest     = "ingest"
	ProviderREST       = "rest"
	ProviderRedis      = "redis_ingest"
	ProviderOnchain    = "onchain"
)

// TickerSnapshot is one immutable price observation from a single source.
type TickerSnapshot struct {
	Symbol string
	Last   float64
	// Bid/Ask are optional; zero means the source did not report them.
	Bid float64
	Ask float64
	// TimestampMS is the source-asserted event time in Unix milliseconds;
	// zero means unknown.
	TimestampMS int64
	// IngestedAtMS is the local receipt time in Unix milliseconds.
	IngestedAtMS int64
	Source       string
}

// Candle is a single OHLCV bar.
type Candle struct {
	TimestampMS int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// Provider is the capability contract every market data source implements.
type Provider interface {
	ProviderID() string
	FetchTicker(ctx context.Context, symbol string) (TickerSnapshot, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	Status() map[string]any
}

// NormalizeSymbol canonicalises a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// EffectiveTimestampMS returns the event time, falling back to ingestion
// time. Zero means no usable timestamp.
func (s TickerSnapshot) EffectiveTimestampMS() int64 {
	if s.TimestampMS > 0 {
		return s.TimestampMS
	}
	return s.IngestedAtMS
}

// Sanity verdict reasons reported in candidate metadata.
const (
	reasonOK          = "ok"
	reasonInvalidLast = "invalid_last"
	reasonInvalidBid  = "invalid_bid"
	reasonInvalidAsk  = "invalid_ask"
	reasonAskLtBid    = "ask_lt_bid"
	reasonProviderErr = "provider_error"
)

// sane checks structural plausibility of a snapshot. A false verdict is a
// "bad data" outcome, not a provider failure.
func sane(s TickerSnapshot) (bool, string) {
	if s.Last <= 0 {
		return false, reasonInvalidLast
	}
	if s.Bid < 0 {
		return false, reasonInvalidBid
	}
	if s.Ask < 0 {
		return false, reasonInvalidAsk
	}
	if s.Bid > 0 && s.Ask > 0 && s.Ask < s.Bid {
		return false, reasonAskLtBid
	}
	return true, reasonOK
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

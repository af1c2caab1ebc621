package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"readytrader/internal/cache"
)

// ErrNoIngestedData indicates the push store holds nothing usable for the
// requested key.
var ErrNoIngestedData = errors.New("no ingested data available")

type ohlcvKey struct {
	symbol    string
	timeframe string
	limit     int
}

// Store is the in-memory push-ingestion store. Agents and background
// streaming clients write snapshots in; the router reads whatever is
// currently held. Freshness timestamps on the snapshots, not channel
// synchronisation, link ingestion to consumption.
type Store struct {
	tickers    *cache.TTL[string, TickerSnapshot]
	ohlcv      *cache.TTL[ohlcvKey, []Candle]
	defaultTTL time.Duration
}

// NewStore constructs a push-ingestion store. defaultTTL bounds how long an
// entry is served when the writer does not supply its own TTL.
func NewStore(defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &Store{
		tickers:    cache.NewTTL[string, TickerSnapshot](4096),
		ohlcv:      cache.NewTTL[ohlcvKey, []Candle](1024),
		defaultTTL: defaultTTL,
	}
}

// PutTicker ingests one snapshot. The ingestion timestamp is assigned here.
func (s *Store) PutTicker(symbol string, last, bid, ask float64, timestampMS int64, source string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	snap := TickerSnapshot{
		Symbol:       NormalizeSymbol(symbol),
		Last:         last,
		Bid:          bid,
		Ask:          ask,
		TimestampMS:  timestampMS,
		IngestedAtMS: nowMS(),
		Source:       source,
	}
	s.tickers.Set(snap.Symbol, snap, ttl)
}

// GetTicker returns the current snapshot for symbol, if any.
func (s *Store) GetTicker(symbol string) (TickerSnapshot, bool) {
	return s.tickers.Get(NormalizeSymbol(symbol))
}

// PutOHLCV ingests a bar series keyed by symbol, timeframe, and length.
func (s *Store) PutOHLCV(symbol, timeframe string, limit int, candles []Candle, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	key := ohlcvKey{
		symbol:    NormalizeSymbol(symbol),
		timeframe: strings.ToLower(strings.TrimSpace(timeframe)),
		limit:     limit,
	}
	s.ohlcv.Set(key, candles, ttl)
}

// GetOHLCV returns the ingested bar series, if any.
func (s *Store) GetOHLCV(symbol, timeframe string, limit int) ([]Candle, bool) {
	key := ohlcvKey{
		symbol:    NormalizeSymbol(symbol),
		timeframe: strings.ToLower(strings.TrimSpace(timeframe)),
		limit:     limit,
	}
	return s.ohlcv.Get(key)
}

// IngestProvider exposes the push store through the Provider contract.
type IngestProvider struct {
	store *Store
	id    string
}

// NewIngestProvider wraps store as a router provider.
func NewIngestProvider(store *Store) *IngestProvider {
	return &IngestProvider{store: store, id: ProviderIngest}
}

func (p *IngestProvider) ProviderID() string { return p.id }

// FetchTicker reads the current snapshot; it never blocks on ingestion.
func (p *IngestProvider) FetchTicker(_ context.Context, symbol string) (TickerSnapshot, error) {
	snap, ok := p.store.GetTicker(symbol)
	if !ok {
		return TickerSnapshot{}, fmt.Errorf("%w: ticker %s", ErrNoIngestedData, NormalizeSymbol(symbol))
	}
	return snap, nil
}

func (p *IngestProvider) FetchOHLCV(_ context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	candles, ok := p.store.GetOHLCV(symbol, timeframe, limit)
	if !ok {
		return nil, fmt.Errorf("%w: ohlcv %s %s", ErrNoIngestedData, NormalizeSymbol(symbol), timeframe)
	}
	return candles, nil
}

func (p *IngestProvider) Status() map[string]any {
	return map[string]any{
		"provider_id": p.id,
		"now_ms":      nowMS(),
	}
}

var _ Provider = (*IngestProvider)(nil)

package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisOptions parameterise the Redis-backed ingestion store.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// redisSnapshot is the wire form shared with external feed writers.
type redisSnapshot struct {
	Symbol      string  `json:"symbol"`
	Last        float64 `json:"last"`
	Bid         float64 `json:"bid,omitempty"`
	Ask         float64 `json:"ask,omitempty"`
	TimestampMS int64   `json:"timestamp_ms,omitempty"`
	IngestedAt  int64   `json:"ingested_at_ms"`
	Source      string  `json:"source"`
}

// redisCandle is the wire form of one OHLCV bar. It follows the same
// snake_case convention as redisSnapshot so feed writers see one format.
type redisCandle struct {
	TimestampMS int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

// RedisStore is the shared push-ingestion store variant: external feed
// processes write JSON snapshots into Redis, and this provider reads
// whatever is currently held. Key TTLs bound memory; snapshot timestamps
// carry the freshness signal.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRedisStore constructs the Redis-backed store provider.
func NewRedisStore(opts RedisOptions, logger zerolog.Logger) *RedisStore {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	prefix := strings.TrimSuffix(opts.KeyPrefix, ":")
	if prefix == "" {
		prefix = "readytrader:md"
	}

	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.With().Str("component", "redis_store").Logger(),
	}
}

func (s *RedisStore) ProviderID() string { return ProviderRedis }

func (s *RedisStore) tickerKey(symbol string) string {
	return s.prefix + ":ticker:" + NormalizeSymbol(symbol)
}

func (s *RedisStore) ohlcvKey(symbol, timeframe string, limit int) string {
	return fmt.Sprintf("%s:ohlcv:%s:%s:%d", s.prefix, NormalizeSymbol(symbol),
		strings.ToLower(strings.TrimSpace(timeframe)), limit)
}

// PutTicker writes a snapshot for other processes (and this one) to consume.
func (s *RedisStore) PutTicker(ctx context.Context, snap TickerSnapshot, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	wire := redisSnapshot{
		Symbol:      NormalizeSymbol(snap.Symbol),
		Last:        snap.Last,
		Bid:         snap.Bid,
		Ask:         snap.Ask,
		TimestampMS: snap.TimestampMS,
		IngestedAt:  nowMS(),
		Source:      snap.Source,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.tickerKey(wire.Symbol), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// FetchTicker reads the currently held snapshot; it never blocks on writers.
func (s *RedisStore) FetchTicker(ctx context.Context, symbol string) (TickerSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := s.client.Get(ctx, s.tickerKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TickerSnapshot{}, fmt.Errorf("%w: ticker %s", ErrNoIngestedData, NormalizeSymbol(symbol))
	}
	if err != nil {
		return TickerSnapshot{}, fmt.Errorf("redis get: %w", err)
	}

	var wire redisSnapshot
	if err := json.Unmarshal(payload, &wire); err != nil {
		return TickerSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}

	source := wire.Source
	if source == "" {
		source = ProviderRedis
	}
	return TickerSnapshot{
		Symbol:       NormalizeSymbol(wire.Symbol),
		Last:         wire.Last,
		Bid:          wire.Bid,
		Ask:          wire.Ask,
		TimestampMS:  wire.TimestampMS,
		IngestedAtMS: wire.IngestedAt,
		Source:       source,
	}, nil
}

// FetchOHLCV reads an ingested bar series, if a feed has published one.
func (s *RedisStore) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := s.client.Get(ctx, s.ohlcvKey(symbol, timeframe, limit)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: ohlcv %s %s", ErrNoIngestedData, NormalizeSymbol(symbol), timeframe)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	return decodeWireCandles(payload)
}

func decodeWireCandles(payload []byte) ([]Candle, error) {
	var wire []redisCandle
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("decode ohlcv: %w", err)
	}

	candles := make([]Candle, len(wire))
	for i, c := range wire {
		candles[i] = Candle{
			TimestampMS: c.TimestampMS,
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
			Volume:      c.Volume,
		}
	}
	return candles, nil
}

func (s *RedisStore) Status() map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	status := map[string]any{
		"provider_id": ProviderRedis,
		"key_prefix":  s.prefix,
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		status["ping_error"] = err.Error()
	} else {
		status["connected"] = true
	}
	return status
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Provider = (*RedisStore)(nil)

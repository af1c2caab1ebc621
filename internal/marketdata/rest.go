package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	restTickerPath = "/v1/ticker"
	restOHLCVPath  = "/v1/ohlcv"
)

// RESTOptions parameterise the pull-based HTTP connector.
type RESTOptions struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// RESTProvider fetches tickers and bars from a JSON market data API. It is
// the lowest-trust fallback in the default priority order.
type RESTProvider struct {
	opts    RESTOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewRESTProvider constructs a REST connector.
func NewRESTProvider(opts RESTOptions, logger zerolog.Logger) *RESTProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &RESTProvider{
		opts:    opts,
		logger:  logger.With().Str("component", "rest_provider").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

func (p *RESTProvider) ProviderID() string { return ProviderREST }

type restTickerResponse struct {
	Symbol      string   `json:"symbol"`
	Last        float64  `json:"last"`
	Bid         *float64 `json:"bid"`
	Ask         *float64 `json:"ask"`
	TimestampMS *int64   `json:"timestamp_ms"`
}

// FetchTicker retrieves one snapshot over HTTP.
func (p *RESTProvider) FetchTicker(ctx context.Context, symbol string) (TickerSnapshot, error) {
	if p.baseURL == "" {
		return TickerSnapshot{}, errors.New("rest base url not configured")
	}

	sym := NormalizeSymbol(symbol)
	endpoint := p.baseURL + restTickerPath + "?symbol=" + url.QueryEscape(sym)

	payload, err := p.getJSON(ctx, endpoint)
	if err != nil {
		return TickerSnapshot{}, err
	}

	var res restTickerResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return TickerSnapshot{}, fmt.Errorf("decode ticker response: %w", err)
	}

	snap := TickerSnapshot{
		Symbol:       sym,
		Last:         res.Last,
		IngestedAtMS: nowMS(),
		Source:       ProviderREST,
	}
	if res.Symbol != "" {
		snap.Symbol = NormalizeSymbol(res.Symbol)
	}
	if res.Bid != nil {
		snap.Bid = *res.Bid
	}
	if res.Ask != nil {
		snap.Ask = *res.Ask
	}
	if res.TimestampMS != nil {
		snap.TimestampMS = *res.TimestampMS
	}
	return snap, nil
}

// FetchOHLCV retrieves bars as [timestamp_ms, open, high, low, close, volume] rows.
func (p *RESTProvider) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if p.baseURL == "" {
		return nil, errors.New("rest base url not configured")
	}

	query := url.Values{}
	query.Set("symbol", NormalizeSymbol(symbol))
	query.Set("timeframe", strings.ToLower(strings.TrimSpace(timeframe)))
	query.Set("limit", strconv.Itoa(limit))

	payload, err := p.getJSON(ctx, p.baseURL+restOHLCVPath+"?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var rows [][]float64
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode ohlcv response: %w", err)
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("ohlcv row has %d columns, want 6", len(row))
		}
		candles = append(candles, Candle{
			TimestampMS: int64(row[0]),
			Open:        row[1],
			High:        row[2],
			Low:         row[3],
			Close:       row[4],
			Volume:      row[5],
		})
	}
	return candles, nil
}

func (p *RESTProvider) Status() map[string]any {
	return map[string]any{
		"provider_id": ProviderREST,
		"base_url":    p.baseURL,
	}
}

func (p *RESTProvider) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "readytrader/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

type restErrorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr restErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("marketdata api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("marketdata api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("marketdata api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("marketdata api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("marketdata api error (%d)", status)
}

var _ Provider = (*RESTProvider)(nil)

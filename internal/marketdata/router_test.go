package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeProvider struct {
	id       string
	snap     TickerSnapshot
	err      error
	candles  []Candle
	ohlcvErr error
	fetches  int
}

func (f *fakeProvider) ProviderID() string { return f.id }

func (f *fakeProvider) FetchTicker(context.Context, string) (TickerSnapshot, error) {
	f.fetches++
	if f.err != nil {
		return TickerSnapshot{}, f.err
	}
	return f.snap, nil
}

func (f *fakeProvider) FetchOHLCV(context.Context, string, string, int) ([]Candle, error) {
	if f.ohlcvErr != nil {
		return nil, f.ohlcvErr
	}
	return f.candles, nil
}

func (f *fakeProvider) Status() map[string]any {
	return map[string]any{"provider_id": f.id}
}

func snapshotAged(symbol string, last float64, age time.Duration) TickerSnapshot {
	return TickerSnapshot{
		Symbol:       symbol,
		Last:         last,
		TimestampMS:  time.Now().Add(-age).UnixMilli(),
		IngestedAtMS: time.Now().UnixMilli(),
		Source:       "test",
	}
}

func newTestRouter(opts RouterOptions, providers ...Provider) *Router {
	return NewRouter(providers, opts, zerolog.Nop())
}

func TestRouterPrefersFreshLowerPriority(t *testing.T) {
	p0 := &fakeProvider{id: "p0", snap: snapshotAged("BTC/USDT", 100, 500*time.Millisecond)}
	p1 := &fakeProvider{id: "p1", snap: snapshotAged("BTC/USDT", 101, 10*time.Millisecond)}

	r := newTestRouter(RouterOptions{
		Priority:           map[string]int{"p0": 0, "p1": 1},
		MaxAgeMSByProvider: map[string]int64{"p0": 100, "p1": 1000},
	}, p0, p1)

	res, err := r.FetchTicker(context.Background(), "btc/usdt")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if res.Source != "p1" {
		t.Fatalf("expected p1 to win, got %s", res.Source)
	}
	if res.Meta.Stale {
		t.Fatal("winner should be marked fresh")
	}
	if len(res.Meta.Candidates) != 2 {
		t.Fatalf("candidates should cover both probes, got %d", len(res.Meta.Candidates))
	}
	if !res.Meta.Candidates[0].Stale {
		t.Fatal("p0 candidate should be marked stale")
	}
}

func TestRouterShortCircuitsOnFirstGoodMatch(t *testing.T) {
	p0 := &fakeProvider{id: "p0", snap: snapshotAged("ETH/USDT", 2000, 5*time.Millisecond)}
	p1 := &fakeProvider{id: "p1", snap: snapshotAged("ETH/USDT", 2001, 5*time.Millisecond)}

	r := newTestRouter(RouterOptions{Priority: map[string]int{"p0": 0, "p1": 1}}, p1, p0)

	res, err := r.FetchTicker(context.Background(), "ETH/USDT")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if res.Source != "p0" {
		t.Fatalf("expected p0 to win, got %s", res.Source)
	}
	if p1.fetches != 0 {
		t.Fatalf("lower-priority provider should not be probed after a match, fetches=%d", p1.fetches)
	}
}

func TestRouterFailover(t *testing.T) {
	p0 := &fakeProvider{id: "p0", err: errors.New("connection refused")}
	p1 := &fakeProvider{id: "p1", snap: snapshotAged("AAPL", 190, 10*time.Millisecond)}

	r := newTestRouter(RouterOptions{Priority: map[string]int{"p0": 0, "p1": 1}}, p0, p1)

	res, err := r.FetchTicker(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if res.Source != "p1" {
		t.Fatalf("expected failover to p1, got %s", res.Source)
	}

	var failed *Candidate
	for i := range res.Meta.Candidates {
		if res.Meta.Candidates[i].ProviderID == "p0" {
			failed = &res.Meta.Candidates[i]
		}
	}
	if failed == nil {
		t.Fatal("failed candidate entry for p0 missing")
	}
	if failed.Reason != "provider_error" {
		t.Fatalf("p0 failure reason should be provider_error, got %q", failed.Reason)
	}
}

func TestRouterAllProvidersFailed(t *testing.T) {
	p0 := &fakeProvider{id: "p0", err: errors.New("down")}
	p1 := &fakeProvider{id: "p1", err: errors.New("also down")}

	r := newTestRouter(RouterOptions{}, p0, p1)

	_, err := r.FetchTicker(context.Background(), "BTC/USDT")
	var allFailed *AllProvidersFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
}

func TestRouterBestEffortFallback(t *testing.T) {
	// Both stale; lower priority number must win and be refetched.
	p0 := &fakeProvider{id: "p0", snap: snapshotAged("BTC/USDT", 100, 2*time.Minute)}
	p1 := &fakeProvider{id: "p1", snap: snapshotAged("BTC/USDT", 101, time.Minute)}

	r := newTestRouter(RouterOptions{
		Priority: map[string]int{"p0": 0, "p1": 1},
		MaxAgeMS: 1000,
	}, p0, p1)

	res, err := r.FetchTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if res.Source != "p0" {
		t.Fatalf("best-effort should prefer lowest priority, got %s", res.Source)
	}
	if !res.Meta.Stale {
		t.Fatal("best-effort result should keep the stale flag")
	}
	if p0.fetches != 2 {
		t.Fatalf("winner should be refetched for the full payload, fetches=%d", p0.fetches)
	}
}

func TestRouterRejectsInsaneTicker(t *testing.T) {
	bad := &fakeProvider{id: "p0", snap: TickerSnapshot{
		Symbol: "BTC/USDT", Last: 100, Bid: 101, Ask: 99,
		TimestampMS: time.Now().UnixMilli(),
	}}
	good := &fakeProvider{id: "p1", snap: snapshotAged("BTC/USDT", 100, 5*time.Millisecond)}

	r := newTestRouter(RouterOptions{Priority: map[string]int{"p0": 0, "p1": 1}}, bad, good)

	res, err := r.FetchTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if res.Source != "p1" {
		t.Fatalf("expected crossed-book ticker to be rejected, got %s", res.Source)
	}
	if res.Meta.Candidates[0].Reason != "ask_lt_bid" {
		t.Fatalf("bad-data verdict missing, got %q", res.Meta.Candidates[0].Reason)
	}
}

func TestRouterOutlierFlagged(t *testing.T) {
	p := &fakeProvider{id: "p0", snap: snapshotAged("BTC/USDT", 100, 5*time.Millisecond)}
	r := newTestRouter(RouterOptions{Priority: map[string]int{"p0": 0}, OutlierMaxPct: 20}, p)

	if _, err := r.FetchTicker(context.Background(), "BTC/USDT"); err != nil {
		t.Fatalf("seed fetch failed: %v", err)
	}

	p.snap = snapshotAged("BTC/USDT", 150, 5*time.Millisecond)
	res, err := r.FetchTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("outlier fetch should still return data: %v", err)
	}
	if !res.Meta.Outlier {
		t.Fatal("50% move inside the window should be flagged outlier")
	}
	if res.Meta.OutlierReason == "" {
		t.Fatal("outlier reason should be populated")
	}

	// The tracker must not advance on an outlier: a third fetch at the same
	// price is still compared against 100.
	res, err = r.FetchTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !res.Meta.Outlier {
		t.Fatal("last-good tracker should not have advanced to the outlier value")
	}
}

func TestRouterFailClosed(t *testing.T) {
	p := &fakeProvider{id: "p0", snap: snapshotAged("BTC/USDT", 100, 5*time.Millisecond)}
	r := newTestRouter(RouterOptions{
		Priority:      map[string]int{"p0": 0},
		OutlierMaxPct: 20,
		FailClosed:    true,
	}, p)

	if _, err := r.FetchTicker(context.Background(), "BTC/USDT"); err != nil {
		t.Fatalf("seed fetch failed: %v", err)
	}

	p.snap = snapshotAged("BTC/USDT", 150, 5*time.Millisecond)
	_, err := r.FetchTicker(context.Background(), "BTC/USDT")
	var unacceptable *UnacceptableError
	if !errors.As(err, &unacceptable) {
		t.Fatalf("fail-closed outlier should raise UnacceptableError, got %v", err)
	}
	if !unacceptable.Outlier {
		t.Fatal("error should carry the outlier flag")
	}
}

func TestRouterFetchOHLCVFallback(t *testing.T) {
	p0 := &fakeProvider{id: "p0", ohlcvErr: errors.New("down")}
	p1 := &fakeProvider{id: "p1", candles: []Candle{{TimestampMS: 1, Close: 10}}}

	r := newTestRouter(RouterOptions{Priority: map[string]int{"p0": 0, "p1": 1}}, p0, p1)

	res, err := r.FetchOHLCV(context.Background(), "BTC/USDT", "1h", 100)
	if err != nil {
		t.Fatalf("ohlcv fetch failed: %v", err)
	}
	if res.Source != "p1" {
		t.Fatalf("expected fallback to p1, got %s", res.Source)
	}
	if len(res.Candles) != 1 {
		t.Fatalf("expected one candle, got %d", len(res.Candles))
	}
}

func TestRouterStatusSurvivesPanickyProvider(t *testing.T) {
	r := newTestRouter(RouterOptions{}, &panickyProvider{})

	status := r.Status()
	if len(status) != 1 {
		t.Fatalf("expected one status entry, got %d", len(status))
	}
	if status[0]["status_error"] == nil {
		t.Fatal("panic should be reported inline as status_error")
	}
}

type panickyProvider struct{}

func (p *panickyProvider) ProviderID() string { return "boom" }
func (p *panickyProvider) FetchTicker(context.Context, string) (TickerSnapshot, error) {
	return TickerSnapshot{}, errors.New("unused")
}
func (p *panickyProvider) FetchOHLCV(context.Context, string, string, int) ([]Candle, error) {
	return nil, errors.New("unused")
}
func (p *panickyProvider) Status() map[string]any { panic("status exploded") }

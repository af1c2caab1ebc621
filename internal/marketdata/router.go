package marketdata

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

const (
	defaultMaxAgeMS        = 30_000
	defaultOutlierMaxPct   = 20.0
	defaultOutlierWindowMS = 10_000
	unknownPriority        = 9
)

// RouterOptions tune provider selection.
type RouterOptions struct {
	// Priority maps provider id to trust rank; lower wins. Ids absent from
	// the map fall back to the built-in defaults, then to unknownPriority.
	Priority map[string]int
	// MaxAgeMS is the global staleness threshold.
	MaxAgeMS int64
	// MaxAgeMSByProvider overrides the threshold per provider id.
	MaxAgeMSByProvider map[string]int64
	// OutlierMaxPct is the max relative deviation (percent) from the last
	// accepted value before a snapshot is flagged.
	OutlierMaxPct float64
	// OutlierWindowMS bounds how long a last-good value stays comparable.
	OutlierWindowMS int64
	// FailClosed turns stale/outlier results into errors instead of flags.
	FailClosed bool
}

// Candidate records the router's verdict on one provider during one request.
type Candidate struct {
	ProviderID  string  `json:"provider_id"`
	Priority    int     `json:"priority"`
	OK          bool    `json:"ok"`
	Reason      string  `json:"reason"`
	Err         string  `json:"error,omitempty"`
	TimestampMS int64   `json:"timestamp_ms,omitempty"`
	AgeMS       int64   `json:"age_ms,omitempty"`
	AgeKnown    bool    `json:"age_known"`
	MaxAgeMS    int64   `json:"max_age_ms,omitempty"`
	Stale       bool    `json:"stale"`
	Last        float64 `json:"last,omitempty"`
}

// Meta carries selection diagnostics alongside every ticker result.
type Meta struct {
	Symbol        string      `json:"symbol"`
	ProviderID    string      `json:"provider_id"`
	Priority      int         `json:"priority"`
	TimestampMS   int64       `json:"timestamp_ms,omitempty"`
	AgeMS         int64       `json:"age_ms,omitempty"`
	AgeKnown      bool        `json:"age_known"`
	MaxAgeMS      int64       `json:"max_age_ms"`
	Stale         bool        `json:"stale"`
	Outlier       bool        `json:"outlier"`
	OutlierReason string      `json:"outlier_reason,omitempty"`
	Candidates    []Candidate `json:"candidates"`
}

// TickerResult is the router's answer for one ticker request.
type TickerResult struct {
	Snapshot TickerSnapshot
	Source   string
	Meta     Meta
}

// OHLCVResult is the router's answer for one history request.
type OHLCVResult struct {
	Candles []Candle
	Source  string
}

// UnacceptableError is returned in fail-closed mode when the best available
// snapshot is stale or an outlier.
type UnacceptableError struct {
	Provider string
	Stale    bool
	Outlier  bool
	AgeMS    int64
	AgeKnown bool
}

func (e *UnacceptableError) Error() string {
	return fmt.Sprintf("marketdata not acceptable: provider=%s stale=%t outlier=%t age_ms=%d",
		e.Provider, e.Stale, e.Outlier, e.AgeMS)
}

// AllProvidersFailedError reports exhaustion of the provider chain.
type AllProvidersFailedError struct {
	Symbol  string
	LastErr error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed for %s: %v", e.Symbol, e.LastErr)
}

func (e *AllProvidersFailedError) Unwrap() error { return e.LastErr }

type lastGood struct {
	last float64
	tsMS int64
}

// Router selects the most trustworthy fresh snapshot across providers using
// priority order, staleness thresholds, and outlier detection.
type Router struct {
	providers []Provider
	priority  map[string]int
	opts      RouterOptions
	logger    zerolog.Logger

	mu       sync.Mutex
	lastGood map[string]lastGood
}

// NewRouter constructs a Router over the given providers.
func NewRouter(providers []Provider, opts RouterOptions, logger zerolog.Logger) *Router {
	if opts.MaxAgeMS <= 0 {
		opts.MaxAgeMS = defaultMaxAgeMS
	}
	if opts.OutlierMaxPct <= 0 {
		opts.OutlierMaxPct = defaultOutlierMaxPct
	}
	if opts.OutlierWindowMS <= 0 {
		opts.OutlierWindowMS = defaultOutlierWindowMS
	}

	return &Router{
		providers: append([]Provider(nil), providers...),
		priority:  priorityMap(providers, opts.Priority),
		opts:      opts,
		logger:    logger.With().Str("component", "marketdata_router").Logger(),
		lastGood:  make(map[string]lastGood),
	}
}

// priorityMap merges operator overrides over the built-in trust order.
func priorityMap(providers []Provider, overrides map[string]int) map[string]int {
	out := make(map[string]int, len(providers))
	for _, p := range providers {
		out[p.ProviderID()] = unknownPriority
	}
	out[ProviderExchangeWS] = 0
	out[ProviderIngest] = 1
	out[ProviderRedis] = 1
	out[ProviderREST] = 2
	for id, prio := range overrides {
		out[id] = prio
	}
	return out
}

func (r *Router) priorityOf(providerID string) int {
	if p, ok := r.priority[providerID]; ok {
		return p
	}
	return unknownPriority
}

func (r *Router) maxAgeFor(providerID string) int64 {
	if ms, ok := r.opts.MaxAgeMSByProvider[providerID]; ok && ms > 0 {
		return ms
	}
	return r.opts.MaxAgeMS
}

func (r *Router) sortedProviders() []Provider {
	sorted := append([]Provider(nil), r.providers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return r.priorityOf(sorted[i].ProviderID()) < r.priorityOf(sorted[j].ProviderID())
	})
	return sorted
}

// FetchTicker walks providers in trust order and returns the first sane,
// fresh snapshot. When none qualifies it falls back to the best sane
// candidate, flagging staleness and outliers in the metadata.
func (r *Router) FetchTicker(ctx context.Context, symbol string) (TickerResult, error) {
	sym := NormalizeSymbol(symbol)
	now := nowMS()

	providers := r.sortedProviders()
	candidates := make([]Candidate, 0, len(providers))

	var chosen *TickerSnapshot
	var chosenID string
	var lastErr error

	for _, p := range providers {
		pid := p.ProviderID()
		snap, err := p.FetchTicker(ctx, sym)
		if err != nil {
			lastErr = err
			r.logger.Warn().Str("provider", pid).Str("symbol", sym).Err(err).
				Msg("provider failed, trying next")
			candidates = append(candidates, Candidate{
				ProviderID: pid,
				Priority:   r.priorityOf(pid),
				OK:         false,
				Reason:     reasonProviderErr,
				Err:        err.Error(),
			})
			continue
		}

		ok, reason := sane(snap)
		tsMS := snap.EffectiveTimestampMS()
		ageMS, ageKnown := age(now, tsMS)
		maxAge := r.maxAgeFor(pid)
		stale := !ageKnown || ageMS > maxAge

		candidates = append(candidates, Candidate{
			ProviderID:  pid,
			Priority:    r.priorityOf(pid),
			OK:          ok,
			Reason:      reason,
			TimestampMS: tsMS,
			AgeMS:       ageMS,
			AgeKnown:    ageKnown,
			MaxAgeMS:    maxAge,
			Stale:       stale,
			Last:        snap.Last,
		})

		if ok && !stale {
			s := snap
			chosen, chosenID = &s, pid
			break
		}
	}

	if chosen == nil {
		snap, pid, err := r.bestEffort(ctx, sym, candidates)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return TickerResult{}, &AllProvidersFailedError{Symbol: sym, LastErr: lastErr}
		}
		chosen, chosenID = snap, pid
	}

	tsMS := chosen.EffectiveTimestampMS()
	ageMS, ageKnown := age(now, tsMS)
	maxAge := r.maxAgeFor(chosenID)
	stale := !ageKnown || ageMS > maxAge

	outlier, outlierReason := r.checkOutlier(sym, chosen.Last, tsMS, now, stale)

	if r.opts.FailClosed && (stale || outlier) {
		r.logger.Warn().Str("symbol", sym).Str("provider", chosenID).
			Bool("stale", stale).Bool("outlier", outlier).
			Msg("fail-closed: rejecting best available snapshot")
		return TickerResult{}, &UnacceptableError{
			Provider: chosenID,
			Stale:    stale,
			Outlier:  outlier,
			AgeMS:    ageMS,
			AgeKnown: ageKnown,
		}
	}

	return TickerResult{
		Snapshot: *chosen,
		Source:   chosenID,
		Meta: Meta{
			Symbol:        sym,
			ProviderID:    chosenID,
			Priority:      r.priorityOf(chosenID),
			TimestampMS:   tsMS,
			AgeMS:         ageMS,
			AgeKnown:      ageKnown,
			MaxAgeMS:      maxAge,
			Stale:         stale,
			Outlier:       outlier,
			OutlierReason: outlierReason,
			Candidates:    candidates,
		},
	}, nil
}

// bestEffort picks the sane candidate with the lowest priority number,
// breaking ties by smallest age, and refetches it for a full payload.
func (r *Router) bestEffort(ctx context.Context, sym string, candidates []Candidate) (*TickerSnapshot, string, error) {
	var best *Candidate
	for i := range candidates {
		c := &candidates[i]
		if !c.OK {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if c.Priority < best.Priority {
			best = c
			continue
		}
		if c.Priority == best.Priority {
			if !best.AgeKnown || (c.AgeKnown && c.AgeMS < best.AgeMS) {
				best = c
			}
		}
	}
	if best == nil {
		return nil, "", fmt.Errorf("no sane ticker for %s", sym)
	}

	for _, p := range r.providers {
		if p.ProviderID() != best.ProviderID {
			continue
		}
		snap, err := p.FetchTicker(ctx, sym)
		if err != nil {
			return nil, "", fmt.Errorf("refetch %s: %w", best.ProviderID, err)
		}
		return &snap, best.ProviderID, nil
	}
	return nil, "", fmt.Errorf("provider %s disappeared", best.ProviderID)
}

// checkOutlier compares a value against the per-symbol last-good tracker and
// advances the tracker when the new value is both fresh and inside the band.
func (r *Router) checkOutlier(sym string, last float64, tsMS, nowMS int64, stale bool) (bool, string) {
	if last <= 0 || tsMS <= 0 {
		return false, ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	outlier := false
	reason := ""
	if prev, ok := r.lastGood[sym]; ok && prev.last > 0 && nowMS-prev.tsMS <= r.opts.OutlierWindowMS {
		pct := abs((last-prev.last)/prev.last) * 100.0
		if pct > r.opts.OutlierMaxPct {
			outlier = true
			reason = fmt.Sprintf("pct_move_%.3f", pct)
		}
	}
	if !stale && !outlier {
		r.lastGood[sym] = lastGood{last: last, tsMS: tsMS}
	}
	return outlier, reason
}

// FetchOHLCV returns the first provider's successful answer. Historical bars
// need no freshness arbitration.
func (r *Router) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) (OHLCVResult, error) {
	sym := NormalizeSymbol(symbol)

	var lastErr error
	for _, p := range r.sortedProviders() {
		candles, err := p.FetchOHLCV(ctx, sym, timeframe, limit)
		if err != nil {
			lastErr = err
			r.logger.Warn().Str("provider", p.ProviderID()).Str("symbol", sym).Err(err).
				Msg("ohlcv fetch failed, trying next")
			continue
		}
		return OHLCVResult{Candles: candles, Source: p.ProviderID()}, nil
	}
	return OHLCVResult{}, &AllProvidersFailedError{Symbol: sym, LastErr: lastErr}
}

// Status reports per-provider diagnostics in trust order. Provider failures
// are reported inline, never propagated.
func (r *Router) Status() []map[string]any {
	out := make([]map[string]any, 0, len(r.providers))
	for _, p := range r.sortedProviders() {
		entry := map[string]any{
			"provider_id": p.ProviderID(),
			"priority":    r.priorityOf(p.ProviderID()),
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					entry["status_error"] = fmt.Sprint(rec)
				}
			}()
			entry["status"] = p.Status()
		}()
		out = append(out, entry)
	}
	return out
}

func age(nowMS, tsMS int64) (int64, bool) {
	if tsMS <= 0 {
		return 0, false
	}
	return nowMS - tsMS, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

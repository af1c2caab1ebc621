// Package policy implements the operator-configured deny layer for live
// execution. The engine is default-permissive: a check only applies once its
// configuration key is set, and it can only block an action, never force one.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Violation codes. Callers branch on these programmatically.
const (
	CodeVenueNotAllowed      = "venue_not_allowed"
	CodeSymbolNotAllowed     = "symbol_not_allowed"
	CodeMarketTypeNotAllowed = "market_type_not_allowed"
	CodeInvalidSide          = "invalid_side"
	CodeInvalidOrderType     = "invalid_order_type"
	CodeInvalidAmount        = "invalid_amount"
	CodeInvalidPrice         = "invalid_price"
	CodeAmountTooLarge       = "order_amount_too_large"
)

// Violation is a typed policy denial. It is a value, not an error: policy
// decisions are control flow, and must stay distinguishable from failures.
type Violation struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (v *Violation) String() string {
	return v.Code + ": " + v.Message
}

// Rules is the immutable operator configuration. Empty fields mean "no
// restriction". Construct once at startup; never read the environment here.
type Rules struct {
	AllowVenues      []string
	AllowSymbols     []string
	AllowMarketTypes []string
	// MaxOrderAmount caps notional per order; zero disables the cap.
	MaxOrderAmount decimal.Decimal
	// MaxOrderAmountByVenue overrides the cap per venue id.
	MaxOrderAmountByVenue map[string]decimal.Decimal
}

// Order are the order parameters the deny layer inspects.
type Order struct {
	Venue      string
	Symbol     string
	MarketType string
	Side       string
	OrderType  string
	Amount     decimal.Decimal
	// Price is required for limit orders; zero means absent.
	Price decimal.Decimal
}

// Engine evaluates orders against a fixed rule set.
type Engine struct {
	venues      map[string]struct{}
	symbols     map[string]struct{}
	marketTypes map[string]struct{}
	rules       Rules
}

// NewEngine builds an engine from rules. Allow-list entries are
// case-normalised once here.
func NewEngine(rules Rules) *Engine {
	return &Engine{
		venues:      toSet(rules.AllowVenues),
		symbols:     toSet(rules.AllowSymbols),
		marketTypes: toSet(rules.AllowMarketTypes),
		rules:       rules,
	}
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// ValidateVenue checks venue access alone. Reused at confirm time where the
// full order is re-validated against possibly changed limits.
func (e *Engine) ValidateVenue(venue string) *Violation {
	v := strings.ToLower(strings.TrimSpace(venue))
	if len(e.venues) > 0 {
		if _, ok := e.venues[v]; !ok {
			return &Violation{
				Code:    CodeVenueNotAllowed,
				Message: fmt.Sprintf("venue %q is not allowlisted", venue),
				Data:    map[string]any{"venue": venue, "allow_venues": sorted(e.venues)},
			}
		}
	}
	return nil
}

// ValidateOrder runs every check in order and returns the first violation,
// or nil when the order passes.
func (e *Engine) ValidateOrder(o Order) *Violation {
	if v := e.ValidateVenue(o.Venue); v != nil {
		return v
	}

	sym := strings.ToLower(strings.TrimSpace(o.Symbol))
	if len(e.symbols) > 0 {
		if _, ok := e.symbols[sym]; !ok {
			return &Violation{
				Code:    CodeSymbolNotAllowed,
				Message: fmt.Sprintf("symbol %q is not allowlisted", o.Symbol),
				Data:    map[string]any{"symbol": o.Symbol, "allow_symbols": sorted(e.symbols)},
			}
		}
	}

	mt := strings.ToLower(strings.TrimSpace(o.MarketType))
	if len(e.marketTypes) > 0 {
		if _, ok := e.marketTypes[mt]; !ok {
			return &Violation{
				Code:    CodeMarketTypeNotAllowed,
				Message: fmt.Sprintf("market type %q is not allowlisted", o.MarketType),
				Data:    map[string]any{"market_type": o.MarketType, "allow_market_types": sorted(e.marketTypes)},
			}
		}
	}

	side := strings.ToLower(strings.TrimSpace(o.Side))
	if side != "buy" && side != "sell" {
		return &Violation{
			Code:    CodeInvalidSide,
			Message: "side must be 'buy' or 'sell'",
			Data:    map[string]any{"side": o.Side},
		}
	}

	orderType := strings.ToLower(strings.TrimSpace(o.OrderType))
	if orderType != "market" && orderType != "limit" {
		return &Violation{
			Code:    CodeInvalidOrderType,
			Message: "order_type must be 'market' or 'limit'",
			Data:    map[string]any{"order_type": o.OrderType},
		}
	}

	if !o.Amount.IsPositive() {
		return &Violation{
			Code:    CodeInvalidAmount,
			Message: "amount must be > 0",
			Data:    map[string]any{"amount": o.Amount.String()},
		}
	}

	if orderType == "limit" && !o.Price.IsPositive() {
		return &Violation{
			Code:    CodeInvalidPrice,
			Message: "price must be provided for limit orders",
			Data:    map[string]any{"price": o.Price.String()},
		}
	}

	if max, ok := e.maxAmountFor(strings.ToLower(strings.TrimSpace(o.Venue))); ok && o.Amount.GreaterThan(max) {
		return &Violation{
			Code:    CodeAmountTooLarge,
			Message: fmt.Sprintf("order amount %s exceeds configured maximum %s", o.Amount.String(), max.String()),
			Data:    map[string]any{"amount": o.Amount.String(), "max_order_amount": max.String()},
		}
	}

	return nil
}

// maxAmountFor resolves the per-venue override, then the global cap.
func (e *Engine) maxAmountFor(venue string) (decimal.Decimal, bool) {
	if max, ok := e.rules.MaxOrderAmountByVenue[venue]; ok && max.IsPositive() {
		return max, true
	}
	if e.rules.MaxOrderAmount.IsPositive() {
		return e.rules.MaxOrderAmount, true
	}
	return decimal.Decimal{}, false
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Package risk implements the pre-trade safety rules. Evaluation is a pure
// function over trade parameters and portfolio metrics; decisions are never
// cached because the metrics move between calls.
package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Rule thresholds. Kept as named values so each rule is independently
// testable against its boundary.
const (
	// DrawdownHaltPct halts buys once drawdown reaches this fraction.
	DrawdownHaltPct = 0.10
	// DailyLossHaltPct halts buys once today's PnL falls to this fraction.
	DailyLossHaltPct = -0.05
	// FallingKnifeSentiment blocks buys below this sentiment score.
	FallingKnifeSentiment = -0.5
	// PDTMaxDayTrades is the day-trade count that triggers the PDT guard.
	PDTMaxDayTrades = 3
)

var (
	// MaxPositionRatio caps a single trade relative to portfolio value.
	MaxPositionRatio = decimal.NewFromFloat(0.05)
	// PriceCollarRatio caps deviation from the reference close.
	PriceCollarRatio = decimal.NewFromFloat(0.05)
	// PDTEquityFloorUSD is the account size above which the PDT guard lifts.
	PDTEquityFloorUSD = decimal.NewFromInt(25_000)
	// ConfirmationThresholdUSD marks trades that need manual sign-off.
	ConfirmationThresholdUSD = decimal.NewFromInt(5_000)

	oneHundred = decimal.NewFromInt(100)
)

// TradeParams are the inputs to one evaluation.
type TradeParams struct {
	Side      string
	Symbol    string
	AmountUSD decimal.Decimal
	// PortfolioValue is the account's current total value in USD.
	PortfolioValue decimal.Decimal
	// SentimentScore is in [-1, 1]; zero when no signal is available.
	SentimentScore float64
	// DailyPnLPct is today's PnL as a fraction (a 5% loss is -0.05).
	DailyPnLPct float64
	// DrawdownPct is the current drawdown as a fraction.
	DrawdownPct float64
	// Price is the intended execution price; zero means unknown.
	Price decimal.Decimal
	// ReferenceClose anchors the price collar. Whether this is the previous
	// daily close or the most recent trusted ticker is the caller's choice;
	// the rule only needs a pre-trade reference. Zero disables the collar.
	ReferenceClose decimal.Decimal
	DayTradesCount int
}

// Decision is the evaluation outcome. It is an ordinary value: a deny is the
// system refusing to act, not an error.
type Decision struct {
	Allowed           bool
	NeedsConfirmation bool
	Reason            string
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Evaluate runs the rule chain in fixed order and returns the first deny.
func Evaluate(p TradeParams) Decision {
	isBuy := strings.EqualFold(strings.TrimSpace(p.Side), "buy")

	// Halt checks block new exposure only; sells must stay possible so the
	// account can always reduce risk.
	if p.DrawdownPct >= DrawdownHaltPct && isBuy {
		return deny(fmt.Sprintf("max drawdown limit hit (%.1f%%); buying halted", p.DrawdownPct*100))
	}
	if p.DailyPnLPct <= DailyLossHaltPct && isBuy {
		return deny(fmt.Sprintf("daily loss limit hit (%.1f%%); buying halted", p.DailyPnLPct*100))
	}

	if p.PortfolioValue.IsPositive() {
		ratio := p.AmountUSD.Div(p.PortfolioValue)
		if ratio.GreaterThan(MaxPositionRatio) {
			return deny(fmt.Sprintf("position size too large (%s%% of portfolio); max allowed is %s%%",
				ratio.Mul(oneHundred).StringFixed(1),
				MaxPositionRatio.Mul(oneHundred).StringFixed(0)))
		}
	}

	if isBuy && p.SentimentScore < FallingKnifeSentiment {
		return deny("buy blocked on extreme bearish sentiment (falling knife protection)")
	}

	if p.Price.IsPositive() && p.ReferenceClose.IsPositive() {
		deviation := p.Price.Sub(p.ReferenceClose).Abs().Div(p.ReferenceClose)
		if deviation.GreaterThan(PriceCollarRatio) {
			return deny(fmt.Sprintf("price collar violation: %s%% deviation from reference close exceeds %s%% limit",
				deviation.Mul(oneHundred).StringFixed(2),
				PriceCollarRatio.Mul(oneHundred).StringFixed(0)))
		}
	}

	if p.DayTradesCount >= PDTMaxDayTrades && p.PortfolioValue.LessThan(PDTEquityFloorUSD) {
		return deny(fmt.Sprintf("pattern day trader protection: %d day trades in account under $%s",
			p.DayTradesCount, PDTEquityFloorUSD.StringFixed(0)))
	}

	if p.AmountUSD.GreaterThan(ConfirmationThresholdUSD) {
		return Decision{
			Allowed:           true,
			NeedsConfirmation: true,
			Reason:            "trade looks safe but requires manual confirmation",
		}
	}

	return Decision{Allowed: true, Reason: "trade looks safe"}
}

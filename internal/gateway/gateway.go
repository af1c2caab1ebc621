// Package gateway wires the deny layer, the risk rules and the two-step
// approval workflow into one order entry point. It owns no rule logic of its
// own; it sequences the layers and maps their outcomes for callers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"readytrader/internal/alerting"
	"readytrader/internal/config"
	"readytrader/internal/execution"
	"readytrader/internal/policy"
	"readytrader/internal/risk"
)

// ErrConfirmFailed is the single caller-facing confirmation failure. The
// store's sentinel errors are deliberately collapsed into it so a caller
// cannot probe which request ids exist or which tokens are close.
var ErrConfirmFailed = errors.New("confirmation failed")

// Result statuses.
const (
	StatusExecuted            = "executed"
	StatusDeniedPolicy        = "denied_policy"
	StatusDeniedRisk          = "denied_risk"
	StatusPendingConfirmation = "pending_confirmation"
)

const payloadKindPlaceOrder = "place_order"

// Metrics are the portfolio figures the risk rules evaluate against.
type Metrics struct {
	PortfolioValue decimal.Decimal
	DailyPnLPct    float64
	DrawdownPct    float64
	DayTradesCount int
}

// Ledger supplies current portfolio metrics. Implementations live outside
// this module (paper ledger, brokerage account snapshot).
type Ledger interface {
	Metrics(ctx context.Context) (Metrics, error)
}

// OrderAck is the venue's acknowledgement of a placed order.
type OrderAck struct {
	VenueOrderID  string
	ClientOrderID string
	FilledPrice   decimal.Decimal
}

// Brokerage places approved orders at a venue. Implementations live outside
// this module; the gateway never talks to a venue except through this.
type Brokerage interface {
	PlaceOrder(ctx context.Context, order VenueOrder) (OrderAck, error)
}

// VenueOrder is the order as handed to the brokerage.
type VenueOrder struct {
	ClientOrderID string
	Venue         string
	Symbol        string
	MarketType    string
	Side          string
	OrderType     string
	AmountUSD     decimal.Decimal
	LimitPrice    decimal.Decimal
}

// Auditor appends best-effort audit records. storage.Repository satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, sessionID, kind string, detail json.RawMessage) error
}

// OrderIntent is one order request as submitted to the gateway. Signal inputs
// (sentiment, reference close) travel with the intent; the gateway does not
// fetch them itself.
type OrderIntent struct {
	Venue      string
	Symbol     string
	MarketType string
	Side       string
	OrderType  string
	AmountUSD  decimal.Decimal
	LimitPrice decimal.Decimal
	// ReferenceClose anchors the price collar; zero disables it.
	ReferenceClose decimal.Decimal
	// SentimentScore is in [-1, 1]; zero when no signal is available.
	SentimentScore float64
}

// ProposalTicket is what a caller needs to confirm or cancel a held order.
type ProposalTicket struct {
	RequestID    string
	ConfirmToken string
	ExpiresAt    time.Time
	Reason       string
}

// Result is the outcome of PlaceOrder or ConfirmOrder. Exactly the fields
// matching Status are set; denials are results, not errors.
type Result struct {
	Status    string
	Ack       *OrderAck
	Violation *policy.Violation
	RiskCheck *risk.Decision
	Ticket    *ProposalTicket
}

// proposalPayload is the persisted proposal body. Kind tags the union so
// future proposal types can share the store.
type proposalPayload struct {
	Kind  string        `json:"kind"`
	Order *orderPayload `json:"order,omitempty"`
}

type orderPayload struct {
	Venue          string          `json:"venue"`
	Symbol         string          `json:"symbol"`
	MarketType     string          `json:"market_type"`
	Side           string          `json:"side"`
	OrderType      string          `json:"order_type"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	ReferenceClose decimal.Decimal `json:"reference_close"`
	SentimentScore float64         `json:"sentiment_score"`
}

// Options carries the gateway's collaborators. Notifier and Auditor may be
// nil; both are strictly best-effort.
type Options struct {
	Policy       *policy.Engine
	Ledger       Ledger
	Brokerage    Brokerage
	Store        *execution.Store
	Notifier     alerting.Notifier
	Auditor      Auditor
	ApprovalMode string
	ProposalTTL  time.Duration
	Logger       zerolog.Logger
}

// Gateway sequences policy, risk and execution for order flow.
type Gateway struct {
	policy       *policy.Engine
	ledger       Ledger
	brokerage    Brokerage
	store        *execution.Store
	notifier     alerting.Notifier
	auditor      Auditor
	approvalMode string
	proposalTTL  time.Duration
	logger       zerolog.Logger
}

// New constructs a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Policy == nil {
		return nil, errors.New("gateway: policy engine is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("gateway: ledger is required")
	}
	if opts.Brokerage == nil {
		return nil, errors.New("gateway: brokerage is required")
	}
	if opts.Store == nil {
		return nil, errors.New("gateway: proposal store is required")
	}
	mode := opts.ApprovalMode
	if mode == "" {
		mode = config.ApprovalModeAuto
	}
	if mode != config.ApprovalModeAuto && mode != config.ApprovalModeApproveEach {
		return nil, fmt.Errorf("gateway: unknown approval mode %q", mode)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = alerting.NopNotifier{}
	}
	ttl := opts.ProposalTTL
	if ttl <= 0 {
		ttl = execution.DefaultTTL
	}

	return &Gateway{
		policy:       opts.Policy,
		ledger:       opts.Ledger,
		brokerage:    opts.Brokerage,
		store:        opts.Store,
		notifier:     notifier,
		auditor:      opts.Auditor,
		approvalMode: mode,
		proposalTTL:  ttl,
		logger:       opts.Logger.With().Str("component", "gateway").Logger(),
	}, nil
}

// ApprovalMode reports the active approval mode.
func (g *Gateway) ApprovalMode() string { return g.approvalMode }

// PlaceOrder runs the order through policy and risk, then either executes it
// or holds it behind a confirmation proposal.
func (g *Gateway) PlaceOrder(ctx context.Context, intent OrderIntent) (*Result, error) {
	if v := g.policy.ValidateOrder(orderFromIntent(intent)); v != nil {
		g.logger.Info().Str("code", v.Code).Str("symbol", intent.Symbol).Msg("order denied by policy")
		g.audit(ctx, "order_denied_policy", map[string]any{"code": v.Code, "symbol": intent.Symbol})
		return &Result{Status: StatusDeniedPolicy, Violation: v}, nil
	}

	metrics, err := g.ledger.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch portfolio metrics: %w", err)
	}

	decision := risk.Evaluate(tradeParams(intent, metrics))
	if !decision.Allowed {
		g.logger.Info().Str("reason", decision.Reason).Str("symbol", intent.Symbol).Msg("order denied by risk rules")
		g.audit(ctx, "order_denied_risk", map[string]any{"reason": decision.Reason, "symbol": intent.Symbol})
		return &Result{Status: StatusDeniedRisk, RiskCheck: &decision}, nil
	}

	if g.approvalMode == config.ApprovalModeApproveEach || decision.NeedsConfirmation {
		return g.hold(ctx, intent, decision)
	}

	ack, err := g.place(ctx, intent)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusExecuted, Ack: ack, RiskCheck: &decision}, nil
}

// hold creates a proposal and returns the ticket the caller must confirm.
func (g *Gateway) hold(ctx context.Context, intent OrderIntent, decision risk.Decision) (*Result, error) {
	payload, err := json.Marshal(proposalPayload{
		Kind: payloadKindPlaceOrder,
		Order: &orderPayload{
			Venue:          intent.Venue,
			Symbol:         intent.Symbol,
			MarketType:     intent.MarketType,
			Side:           intent.Side,
			OrderType:      intent.OrderType,
			AmountUSD:      intent.AmountUSD,
			LimitPrice:     intent.LimitPrice,
			ReferenceClose: intent.ReferenceClose,
			SentimentScore: intent.SentimentScore,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal proposal payload: %w", err)
	}

	p, err := g.store.Create(payloadKindPlaceOrder, payload, g.proposalTTL)
	if err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}

	reason := decision.Reason
	if g.approvalMode == config.ApprovalModeApproveEach && !decision.NeedsConfirmation {
		reason = "approve-each mode: every order requires confirmation"
	}

	g.logger.Info().Str("request_id", p.RequestID).Str("symbol", intent.Symbol).
		Time("expires_at", p.ExpiresAt).Msg("order held for confirmation")
	g.audit(ctx, "proposal_created", map[string]any{
		"request_id": p.RequestID,
		"symbol":     intent.Symbol,
		"side":       intent.Side,
		"amount_usd": intent.AmountUSD.String(),
	})
	g.notify(ctx, alerting.Notice{
		Kind:      alerting.KindApprovalRequired,
		RequestID: p.RequestID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Venue:     intent.Venue,
		AmountUSD: intent.AmountUSD,
		Reason:    reason,
		ExpiresAt: p.ExpiresAt,
	})

	return &Result{
		Status: StatusPendingConfirmation,
		Ticket: &ProposalTicket{
			RequestID:    p.RequestID,
			ConfirmToken: p.ConfirmToken,
			ExpiresAt:    p.ExpiresAt,
			Reason:       reason,
		},
	}, nil
}

// ConfirmOrder consumes a proposal and places the held order. Policy and risk
// run again against current configuration and metrics; the window between
// proposal and confirmation is long enough for either to have moved.
func (g *Gateway) ConfirmOrder(ctx context.Context, requestID, confirmToken string) (*Result, error) {
	p, err := g.store.Confirm(requestID, confirmToken)
	if err != nil {
		g.logger.Debug().Err(err).Str("request_id", requestID).Msg("confirm rejected")
		return nil, ErrConfirmFailed
	}

	var payload proposalPayload
	if err := json.Unmarshal(p.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode proposal payload: %w", err)
	}
	if payload.Kind != payloadKindPlaceOrder || payload.Order == nil {
		return nil, fmt.Errorf("unsupported proposal kind %q", payload.Kind)
	}
	intent := intentFromPayload(payload.Order)

	if v := g.policy.ValidateOrder(orderFromIntent(intent)); v != nil {
		g.logger.Info().Str("code", v.Code).Str("request_id", p.RequestID).Msg("confirmed order denied by policy")
		g.audit(ctx, "confirm_denied_policy", map[string]any{"request_id": p.RequestID, "code": v.Code})
		return &Result{Status: StatusDeniedPolicy, Violation: v}, nil
	}

	metrics, err := g.ledger.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch portfolio metrics: %w", err)
	}
	decision := risk.Evaluate(tradeParams(intent, metrics))
	if !decision.Allowed {
		g.logger.Info().Str("reason", decision.Reason).Str("request_id", p.RequestID).Msg("confirmed order denied by risk rules")
		g.audit(ctx, "confirm_denied_risk", map[string]any{"request_id": p.RequestID, "reason": decision.Reason})
		return &Result{Status: StatusDeniedRisk, RiskCheck: &decision}, nil
	}

	ack, err := g.place(ctx, intent)
	if err != nil {
		// 审批已消费; 场所侧失败只上报, 不重试。
		g.audit(ctx, "confirm_venue_error", map[string]any{"request_id": p.RequestID, "error": err.Error()})
		return nil, err
	}

	g.audit(ctx, "proposal_confirmed", map[string]any{"request_id": p.RequestID, "venue_order_id": ack.VenueOrderID})
	g.notify(ctx, alerting.Notice{
		Kind:      alerting.KindOrderExecuted,
		RequestID: p.RequestID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Venue:     intent.Venue,
		AmountUSD: intent.AmountUSD,
	})
	return &Result{Status: StatusExecuted, Ack: ack, RiskCheck: &decision}, nil
}

// CancelOrder cancels a pending proposal. It reports whether a live proposal
// was actually cancelled; unknown or already terminal ids report false.
func (g *Gateway) CancelOrder(ctx context.Context, requestID string) bool {
	ok := g.store.Cancel(requestID)
	if ok {
		g.audit(ctx, "proposal_cancelled", map[string]any{"request_id": requestID})
	}
	return ok
}

// ListPending lists proposals still awaiting confirmation.
func (g *Gateway) ListPending() []execution.PendingProposal {
	return g.store.ListPending()
}

// place sends the order to the venue with a fresh client order id.
func (g *Gateway) place(ctx context.Context, intent OrderIntent) (*OrderAck, error) {
	order := VenueOrder{
		ClientOrderID: uuid.NewString(),
		Venue:         intent.Venue,
		Symbol:        intent.Symbol,
		MarketType:    intent.MarketType,
		Side:          intent.Side,
		OrderType:     intent.OrderType,
		AmountUSD:     intent.AmountUSD,
		LimitPrice:    intent.LimitPrice,
	}
	ack, err := g.brokerage.PlaceOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("place order at %s: %w", intent.Venue, err)
	}
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = order.ClientOrderID
	}
	g.logger.Info().Str("venue", intent.Venue).Str("symbol", intent.Symbol).
		Str("venue_order_id", ack.VenueOrderID).Msg("order placed")
	g.audit(ctx, "order_executed", map[string]any{
		"venue":          intent.Venue,
		"symbol":         intent.Symbol,
		"side":           intent.Side,
		"amount_usd":     intent.AmountUSD.String(),
		"venue_order_id": ack.VenueOrderID,
	})
	return &ack, nil
}

func (g *Gateway) audit(ctx context.Context, kind string, detail map[string]any) {
	if g.auditor == nil {
		return
	}
	body, err := json.Marshal(detail)
	if err != nil {
		return
	}
	if err := g.auditor.AppendAudit(ctx, g.store.SessionID(), kind, body); err != nil {
		g.logger.Warn().Err(err).Str("kind", kind).Msg("audit append failed")
	}
}

func (g *Gateway) notify(ctx context.Context, notice alerting.Notice) {
	if err := g.notifier.Notify(ctx, notice); err != nil {
		g.logger.Warn().Err(err).Str("kind", notice.Kind).Msg("notify failed")
	}
}

func intentFromPayload(o *orderPayload) OrderIntent {
	return OrderIntent{
		Venue:          o.Venue,
		Symbol:         o.Symbol,
		MarketType:     o.MarketType,
		Side:           o.Side,
		OrderType:      o.OrderType,
		AmountUSD:      o.AmountUSD,
		LimitPrice:     o.LimitPrice,
		ReferenceClose: o.ReferenceClose,
		SentimentScore: o.SentimentScore,
	}
}

func orderFromIntent(intent OrderIntent) policy.Order {
	return policy.Order{
		Venue:      intent.Venue,
		Symbol:     intent.Symbol,
		MarketType: intent.MarketType,
		Side:       intent.Side,
		OrderType:  intent.OrderType,
		Amount:     intent.AmountUSD,
		Price:      intent.LimitPrice,
	}
}

func tradeParams(intent OrderIntent, metrics Metrics) risk.TradeParams {
	return risk.TradeParams{
		Side:           intent.Side,
		Symbol:         intent.Symbol,
		AmountUSD:      intent.AmountUSD,
		PortfolioValue: metrics.PortfolioValue,
		SentimentScore: intent.SentimentScore,
		DailyPnLPct:    metrics.DailyPnLPct,
		DrawdownPct:    metrics.DrawdownPct,
		Price:          intent.LimitPrice,
		ReferenceClose: intent.ReferenceClose,
		DayTradesCount: metrics.DayTradesCount,
	}
}

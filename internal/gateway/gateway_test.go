package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"readytrader/internal/config"
	"readytrader/internal/execution"
	"readytrader/internal/policy"
)

type fakeLedger struct {
	mu      sync.Mutex
	metrics Metrics
	err     error
}

func (l *fakeLedger) Metrics(context.Context) (Metrics, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics, l.err
}

func (l *fakeLedger) set(m Metrics) {
	l.mu.Lock()
	l.metrics = m
	l.mu.Unlock()
}

type fakeBrokerage struct {
	mu     sync.Mutex
	orders []VenueOrder
	err    error
}

func (b *fakeBrokerage) PlaceOrder(_ context.Context, order VenueOrder) (OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return OrderAck{}, b.err
	}
	b.orders = append(b.orders, order)
	return OrderAck{VenueOrderID: "venue-1", ClientOrderID: order.ClientOrderID}, nil
}

func (b *fakeBrokerage) placed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

func healthyMetrics() Metrics {
	return Metrics{PortfolioValue: decimal.NewFromInt(200_000)}
}

func newTestGateway(t *testing.T, mode string, rules policy.Rules) (*Gateway, *fakeLedger, *fakeBrokerage) {
	t.Helper()
	ledger := &fakeLedger{metrics: healthyMetrics()}
	brokerage := &fakeBrokerage{}
	gw, err := New(Options{
		Policy:       policy.NewEngine(rules),
		Ledger:       ledger,
		Brokerage:    brokerage,
		Store:        execution.NewStore(nil, zerolog.Nop()),
		ApprovalMode: mode,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("构造 gateway 失败: %v", err)
	}
	return gw, ledger, brokerage
}

func marketBuy(amount int64) OrderIntent {
	return OrderIntent{
		Venue:      "alpaca",
		Symbol:     "AAPL",
		MarketType: "stocks",
		Side:       "buy",
		OrderType:  "market",
		AmountUSD:  decimal.NewFromInt(amount),
	}
}

func TestAutoModeExecutesSafeOrder(t *testing.T) {
	gw, _, brokerage := newTestGateway(t, config.ApprovalModeAuto, policy.Rules{})

	res, err := gw.PlaceOrder(context.Background(), marketBuy(1000))
	if err != nil {
		t.Fatalf("PlaceOrder 应成功: %v", err)
	}
	if res.Status != StatusExecuted {
		t.Fatalf("状态应为 executed, 实际 %s", res.Status)
	}
	if res.Ack == nil || res.Ack.VenueOrderID != "venue-1" {
		t.Fatalf("应返回场所回执: %#v", res.Ack)
	}
	if res.Ack.ClientOrderID == "" {
		t.Fatal("client order id 应非空")
	}
	if brokerage.placed() != 1 {
		t.Fatalf("应下单一次, 实际 %d", brokerage.placed())
	}
}

func TestPolicyDenyShortCircuits(t *testing.T) {
	gw, _, brokerage := newTestGateway(t, config.ApprovalModeAuto, policy.Rules{AllowSymbols: []string{"MSFT"}})

	res, err := gw.PlaceOrder(context.Background(), marketBuy(1000))
	if err != nil {
		t.Fatalf("策略拒绝不应是 error: %v", err)
	}
	if res.Status != StatusDeniedPolicy {
		t.Fatalf("状态应为 denied_policy, 实际 %s", res.Status)
	}
	if res.Violation == nil || res.Violation.Code != policy.CodeSymbolNotAllowed {
		t.Fatalf("violation 不正确: %#v", res.Violation)
	}
	if brokerage.placed() != 0 {
		t.Fatal("被拒订单不应到达场所")
	}
}

func TestRiskDenyShortCircuits(t *testing.T) {
	gw, ledger, brokerage := newTestGateway(t, config.ApprovalModeAuto, policy.Rules{})
	ledger.set(Metrics{PortfolioValue: decimal.NewFromInt(200_000), DrawdownPct: 0.12})

	res, err := gw.PlaceOrder(context.Background(), marketBuy(1000))
	if err != nil {
		t.Fatalf("风控拒绝不应是 error: %v", err)
	}
	if res.Status != StatusDeniedRisk {
		t.Fatalf("状态应为 denied_risk, 实际 %s", res.Status)
	}
	if res.RiskCheck == nil || res.RiskCheck.Allowed {
		t.Fatalf("RiskCheck 不正确: %#v", res.RiskCheck)
	}
	if brokerage.placed() != 0 {
		t.Fatal("被拒订单不应到达场所")
	}
}

func TestLargeOrderHeldThenConfirmed(t *testing.T) {
	gw, _, brokerage := newTestGateway(t, config.ApprovalModeAuto, policy.Rules{})

	res, err := gw.PlaceOrder(context.Background(), marketBuy(6000))
	if err != nil {
		t.Fatalf("PlaceOrder 应成功: %v", err)
	}
	if res.Status != StatusPendingConfirmation {
		t.Fatalf("大额订单应待确认, 实际 %s", res.Status)
	}
	if res.Ticket == nil || res.Ticket.RequestID == "" || res.Ticket.ConfirmToken == "" {
		t.Fatalf("ticket 缺字段: %#v", res.Ticket)
	}
	if brokerage.placed() != 0 {
		t.Fatal("待确认订单不应提前下单")
	}

	confirmed, err := gw.ConfirmOrder(context.Background(), res.Ticket.RequestID, res.Ticket.ConfirmToken)
	if err != nil {
		t.Fatalf("ConfirmOrder 应成功: %v", err)
	}
	if confirmed.Status != StatusExecuted || confirmed.Ack == nil {
		t.Fatalf("确认后应执行: %#v", confirmed)
	}
	if brokerage.placed() != 1 {
		t.Fatalf("确认后应下单一次, 实际 %d", brokerage.placed())
	}
}

func TestApproveEachHoldsEveryOrder(t *testing.T) {
	gw, _, brokerage := newTestGateway(t, config.ApprovalModeApproveEach, policy.Rules{})

	res, err := gw.PlaceOrder(context.Background(), marketBuy(100))
	if err != nil {
		t.Fatalf("PlaceOrder 应成功: %v", err)
	}
	if res.Status != StatusPendingConfirmation {
		t.Fatalf("approve_each 下小额订单也应待确认, 实际 %s", res.Status)
	}
	if brokerage.placed() != 0 {
		t.Fatal("待确认订单不应下单")
	}
}

func TestConfirmFailuresAreIndistinguishable(t *testing.T) {
	gw, _, _ := newTestGateway(t, config.ApprovalModeAuto, policy.Rules{})

	res, err := gw.PlaceOrder(context.Background(), marketBuy(6000))
	if err != nil {
		t.Fatalf("PlaceOrder 应成功: %v", err)
	}

	if _, err := gw.ConfirmOrder(context.Background(), res.Ticket.RequestID, "deadbeef"); !errors.Is(err, ErrConfirmFailed) {
		t.Fatalf("错误令牌应得到统一失败, 实际 %v", err)
	}
	if _, err := gw.ConfirmOrder(context.Background(), "0123456789abcdef01234567", res.Ticket.ConfirmToken); !errors.Is(err, ErrConfirmFailed) {
		t.Fatalf("未知 request id 应得到统一失败, 实际 %v", err)
	}

	if _, err := gw.ConfirmOrder(context.Background(), res.Ticket.RequestID, res.Ticket.ConfirmToken); err != nil {
		t.Fatalf("合法确认应成功: %v", err)
	}
	if _, err := gw.ConfirmOrder(context.Background(), res.Ticket.RequestID, res.Ticket.ConfirmToken); !errors.Is(err, ErrConfirmFailed) {
		t.Fatalf("重放确认应得到统一失败, 实际 %v", err)
	}
}

func TestConfirmRevalidatesAgainstCurrentMetrics(t *testing.T) {
	gw, ledger, brokerage := newTestGateway(t, config.ApprovalModeAuto, policy.Rules{})

	res, err := gw.PlaceOrder(context.Background(), marketBuy(6000))
	if err != nil {
		t.Fatalf("PlaceOrder 应成功: %v", err)
	}
	if res.Status != StatusPendingConfirmation {
		t.Fatalf("订单应待确认, 实际 %s", res.Status)
	}

	// 确认窗口内组合缩水, 同一笔订单现在超出仓位上限。
	ledger.set(Metrics{PortfolioValue: decimal.NewFromInt(50_000)})

	confirmed, err := gw.ConfirmOrder(context.Background(), res.Ticket.RequestID, res.Ticket.ConfirmToken)
	if err != nil {
		t.Fatalf("复核拒绝不应是 error: %v", err)
	}
	if confirmed.Status != StatusDeniedRisk {
		t.Fatalf("复核应拒绝, 实际 %s", confirmed.Status)
	}
	if brokerage.placed() != 0 {
		t.Fatal("复核拒绝后不应下单")
	}

	if _, err := gw.ConfirmOrder(context.Background(), res.Ticket.RequestID, res.Ticket.ConfirmToken); !errors.Is(err, ErrConfirmFailed) {
		t.Fatalf("提案应已被消费: %v", err)
	}
}

func TestConfirmVenueFailureReportedNotRetried(t *testing.T) {
	gw, _, brokerage := newTestGateway(t, config.ApprovalModeAuto, policy.Rules{})

	res, err := gw.PlaceOrder(context.Background(), marketBuy(6000))
	if err != nil {
		t.Fatalf("PlaceOrder 应成功: %v", err)
	}

	brokerage.err = errors.New("venue unavailable")
	if _, err := gw.ConfirmOrder(context.Background(), res.Ticket.RequestID, res.Ticket.ConfirmToken); err == nil {
		t.Fatal("场所失败应返回 error")
	}
	if brokerage.placed() != 0 {
		t.Fatal("失败不应计为已下单")
	}

	// 提案已消费, 不会自动重试。
	if _, err := gw.ConfirmOrder(context.Background(), res.Ticket.RequestID, res.Ticket.ConfirmToken); !errors.Is(err, ErrConfirmFailed) {
		t.Fatalf("重复确认应得到统一失败, 实际 %v", err)
	}
}

func TestCancelReportsStoreOutcome(t *testing.T) {
	gw, _, _ := newTestGateway(t, config.ApprovalModeAuto, policy.Rules{})

	res, err := gw.PlaceOrder(context.Background(), marketBuy(6000))
	if err != nil {
		t.Fatalf("PlaceOrder 应成功: %v", err)
	}

	if !gw.CancelOrder(context.Background(), res.Ticket.RequestID) {
		t.Fatal("取消待确认提案应报告成功")
	}
	if gw.CancelOrder(context.Background(), res.Ticket.RequestID) {
		t.Fatal("重复取消应报告失败")
	}
	if gw.CancelOrder(context.Background(), "no-such-request") {
		t.Fatal("未知 id 取消应报告失败")
	}

	if _, err := gw.ConfirmOrder(context.Background(), res.Ticket.RequestID, res.Ticket.ConfirmToken); !errors.Is(err, ErrConfirmFailed) {
		t.Fatalf("已取消提案的确认应失败: %v", err)
	}
}

func TestCancelAfterConfirmReportsFalse(t *testing.T) {
	gw, _, _ := newTestGateway(t, config.ApprovalModeAuto, policy.Rules{})

	res, err := gw.PlaceOrder(context.Background(), marketBuy(6000))
	if err != nil {
		t.Fatalf("PlaceOrder 应成功: %v", err)
	}
	if _, err := gw.ConfirmOrder(context.Background(), res.Ticket.RequestID, res.Ticket.ConfirmToken); err != nil {
		t.Fatalf("确认应成功: %v", err)
	}

	if gw.CancelOrder(context.Background(), res.Ticket.RequestID) {
		t.Fatal("已确认提案的取消应报告失败")
	}
}

func TestListPendingReflectsHeldOrders(t *testing.T) {
	gw, _, _ := newTestGateway(t, config.ApprovalModeAuto, policy.Rules{})

	if got := len(gw.ListPending()); got != 0 {
		t.Fatalf("初始不应有待确认提案, 实际 %d", got)
	}
	res, err := gw.PlaceOrder(context.Background(), marketBuy(6000))
	if err != nil {
		t.Fatalf("PlaceOrder 应成功: %v", err)
	}
	pending := gw.ListPending()
	if len(pending) != 1 || pending[0].RequestID != res.Ticket.RequestID {
		t.Fatalf("待确认列表不正确: %#v", pending)
	}
}

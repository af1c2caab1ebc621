package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notice kinds.
const (
	KindApprovalRequired = "approval_required"
	KindProposalExpired  = "proposal_expired"
	KindOrderExecuted    = "order_executed"
)

// Notice 封装待审批/执行事件的推送上下文。不携带确认令牌。
type Notice struct {
	Kind      string
	RequestID string
	Symbol    string
	Side      string
	Venue     string
	AmountUSD decimal.Decimal
	Reason    string
	ExpiresAt time.Time
}

// Notifier 定义事件推送接口。
type Notifier interface {
	Notify(ctx context.Context, notice Notice) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 推送器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, notice Notice) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(notice),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("kind", notice.Kind).
		Str("request_id", notice.RequestID).
		Str("symbol", notice.Symbol).
		Msg("事件已推送 (Telegram)")
	return nil
}

func renderMessage(notice Notice) string {
	builder := strings.Builder{}
	switch notice.Kind {
	case KindApprovalRequired:
		builder.WriteString("[ReadyTrader] Approval required\n")
	case KindProposalExpired:
		builder.WriteString("[ReadyTrader] Proposal expired\n")
	case KindOrderExecuted:
		builder.WriteString("[ReadyTrader] Order executed\n")
	default:
		builder.WriteString("[ReadyTrader] Notice\n")
	}
	builder.WriteString(fmt.Sprintf("Request: %s\n", notice.RequestID))
	if notice.Symbol != "" {
		builder.WriteString(fmt.Sprintf("Order: %s %s @ %s\n", strings.ToUpper(notice.Side), notice.Symbol, notice.Venue))
		builder.WriteString(fmt.Sprintf("Amount: $%s\n", notice.AmountUSD.StringFixed(2)))
	}
	if notice.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", notice.Reason))
	}
	if !notice.ExpiresAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Expires: %s UTC\n", notice.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

// NopNotifier 丢弃所有事件, 用于未配置 Telegram 的场景。
type NopNotifier struct{}

// Notify 直接返回 nil。
func (NopNotifier) Notify(context.Context, Notice) error { return nil }

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = NopNotifier{}
)

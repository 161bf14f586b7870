package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Notifier sends alerts to a Telegram chat via the Bot API.
type Notifier struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	enabled    bool
	baseURL    string // overridable for testing; defaults to Telegram API
}

// NewNotifier creates a Notifier. Notifications are enabled only when both
// botToken and chatID are non-empty.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		enabled:    botToken != "" && chatID != "",
	}
}

// Enabled reports whether the notifier is active.
func (n *Notifier) Enabled() bool { return n.enabled }

// Send posts a message to the configured Telegram chat.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}

	endpoint := n.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	}
	vals := url.Values{
		"chat_id":    {n.chatID},
		"text":       {msg},
		"parse_mode": {"HTML"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.URL.RawQuery = vals.Encode()

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("notify: telegram %d: %s", resp.StatusCode, body.Description)
	}
	return nil
}

// NotifyFill sends a trade fill alert.
func (n *Notifier) NotifyFill(ctx context.Context, symbol, side string, price, qty float64) error {
	msg := fmt.Sprintf("<b>Fill</b>\nSymbol: <code>%s</code>\nSide: %s\nPrice: %.4f\nQty: %.4f", symbol, side, price, qty)
	return n.Send(ctx, msg)
}

// NotifySessionStart sends an alert when the scalping engine begins a new
// trading session (spec.md §4 supplemented feature: session-status alerts).
func (n *Notifier) NotifySessionStart(ctx context.Context, mode string, symbols []string) error {
	msg := fmt.Sprintf("<b>Session Started</b>\nMode: %s\nWatchlist: %s", mode, fmt.Sprint(symbols))
	return n.Send(ctx, msg)
}

// NotifyEmergencyHalt sends an alert when the daily loss limit or an
// internal invariant violation halts trading.
func (n *Notifier) NotifyEmergencyHalt(ctx context.Context, reason string, totalPnL float64) error {
	msg := fmt.Sprintf("<b>EMERGENCY HALT</b>\nReason: %s\nSession PnL: %.2f", reason, totalPnL)
	return n.Send(ctx, msg)
}

// NotifyDailySummary sends a session performance summary.
func (n *Notifier) NotifyDailySummary(ctx context.Context, pnl float64, trades, wins, losses int) error {
	msg := fmt.Sprintf(
		"<b>Session Summary</b>\nPnL: %.2f\nTrades: %d\nWins: %d\nLosses: %d",
		pnl, trades, wins, losses,
	)
	return n.Send(ctx, msg)
}

// NotifyOrderRejected sends an alert for a fatal order rejection, surfacing
// the classified broker error reason (spec.md §7 "InternalInvariant").
func (n *Notifier) NotifyOrderRejected(ctx context.Context, symbol, side, reason string) error {
	msg := fmt.Sprintf("<b>Order Rejected</b>\nSymbol: <code>%s</code>\nSide: %s\nReason: %s", symbol, side, reason)
	return n.Send(ctx, msg)
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// wireRealtimeMessage is the tagged union Alpaca's market-data and
// trade_updates channels both emit, keyed by T ("type"). Only the fields
// relevant to the active T are populated by the broker.
type wireRealtimeMessage struct {
	T string `json:"T"`

	// bar
	Sym string  `json:"S"`
	O   float64 `json:"o"`
	H   float64 `json:"h"`
	L   float64 `json:"l"`
	C   float64 `json:"c"`
	V   float64 `json:"v"`

	// order update (trade_updates channel)
	Event string    `json:"event"`
	Order wireOrder `json:"order"`

	Timestamp time.Time `json:"t"`
}

type wireOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	FilledAvgPrice string `json:"filled_avg_price"`
	FilledQty      string `json:"filled_qty"`
}

type wireAuthMsg struct {
	Action string `json:"action"`
	Key    string `json:"key,omitempty"`
	Secret string `json:"secret,omitempty"`
}

type wireSubscribeMsg struct {
	Action string   `json:"action"`
	Bars   []string `json:"bars,omitempty"`
	Trades []string `json:"trades,omitempty"`
}

// SubscribeMarketData dials the upstream market-data websocket and streams
// decoded MarketEvents until ctx is cancelled. The subscribe request names
// only the bars channel; no trade_updates stream is requested, so order
// events are emitted only for messages the stream sends without being asked
// for them. On disconnect it
// reconnects with exponential backoff and resubscribes the same symbol set,
// per spec.md §4.A.
func (c *Client) SubscribeMarketData(ctx context.Context, symbols []types.Symbol, mode types.MarketMode) (<-chan types.MarketEvent, error) {
	out := make(chan types.MarketEvent, 256)
	go c.runIngestLoop(ctx, symbols, mode, out)
	return out, nil
}

func (c *Client) runIngestLoop(ctx context.Context, symbols []types.Symbol, mode types.MarketMode, out chan<- types.MarketEvent) {
	defer close(out)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.ingestOnce(ctx, symbols, mode, out)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("market data stream disconnected, reconnecting", "err", err, "mode", mode)
		delay := backoffDelay(reconnectBackoff, attempt)
		if attempt < 10 {
			attempt++
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) ingestOnce(ctx context.Context, symbols []types.Symbol, mode types.MarketMode, out chan<- types.MarketEvent) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wireAuthMsg{Action: "auth", Key: c.apiKey, Secret: c.apiSecret}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	brokerSymbols := make([]string, len(symbols))
	for i, s := range symbols {
		brokerSymbols[i] = toBrokerForm(s, mode)
	}
	if err := conn.WriteJSON(wireSubscribeMsg{Action: "subscribe", Bars: brokerSymbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		var batch []wireRealtimeMessage
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &batch); err != nil {
			// some broker frames are single objects, not arrays
			var single wireRealtimeMessage
			if err2 := json.Unmarshal(data, &single); err2 != nil {
				continue
			}
			batch = []wireRealtimeMessage{single}
		}
		for _, msg := range batch {
			if ev, ok := toMarketEvent(msg); ok {
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func toMarketEvent(msg wireRealtimeMessage) (types.MarketEvent, bool) {
	switch msg.T {
	case "b": // bar
		symbol := fromBrokerForm(msg.Sym)
		return types.MarketEvent{
			Kind:   types.EventBar,
			Symbol: symbol,
			Bar: &types.Candle{
				T: msg.Timestamp,
				O: decimal.NewFromFloat(msg.O),
				H: decimal.NewFromFloat(msg.H),
				L: decimal.NewFromFloat(msg.L),
				C: decimal.NewFromFloat(msg.C),
				V: decimal.NewFromFloat(msg.V),
			},
		}, true
	case "trade_updates", "fill", "partial_fill", "canceled", "rejected", "expired":
		return types.MarketEvent{
			Kind:   types.EventOrderUpdate,
			Symbol: fromBrokerForm(msg.Order.Symbol),
			Order: &types.OrderUpdate{
				ClientOrderID:  msg.Order.ClientOrderID,
				BrokerID:       msg.Order.ID,
				Event:          msg.Event,
				FilledAvgPrice: parseDecimal(msg.Order.FilledAvgPrice),
				FilledQty:      parseDecimal(msg.Order.FilledQty),
				Timestamp:      msg.Timestamp,
			},
		}, true
	default:
		return types.MarketEvent{}, false
	}
}

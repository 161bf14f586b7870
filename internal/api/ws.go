package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/hub"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// Timing constants for the /ws/trading connection, per spec.md §5/§6.2:
// a 2s write deadline so a stalled client backs up the hub's bounded outbox
// (and gets disconnected) instead of blocking a publisher, and a 20s
// heartbeat so a client can detect a dead connection faster than TCP would.
const (
	wsWriteWait      = 2 * time.Second
	wsHeartbeat      = 20 * time.Second
	wsPongWait       = 60 * time.Second
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMessage is the client->server envelope of spec.md §6.2:
// {"action":"subscribe"|"unsubscribe","symbols":["AAPL",...]}.
type controlMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols,omitempty"`
}

// wsClient tracks one connected subscriber and its symbol filter. An empty
// filter means "no filtering" — every event is forwarded.
type wsClient struct {
	conn   *websocket.Conn
	sub    *hub.Subscriber
	filter map[types.Symbol]bool
}

func (c *wsClient) allowed(sym types.Symbol) bool {
	if len(c.filter) == 0 {
		return true
	}
	return c.filter[sym]
}

// handleWS upgrades the connection and registers it with the Event Hub,
// delivering the initial {account, positions, recent_trades, metrics}
// snapshot spec.md §6.2 requires before any live events. Grounded on
// ndrandal-feed-simulator's session.Handler: a readPump goroutine consuming
// client control frames and a writePump goroutine draining the hub
// subscription with a ping-driven keepalive.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}

	snapshot := map[string]interface{}{
		"account":       accountToResponse(s.deps.Account.Account()),
		"positions":     s.deps.Account.Positions(),
		"recent_trades": s.deps.Hub.RecentTrades(50),
		"metrics":       s.deps.Metrics.Snapshot(),
	}
	sub := s.deps.Hub.Subscribe(snapshot, 50)

	client := &wsClient{conn: conn, sub: sub, filter: make(map[types.Symbol]bool)}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsReadPump(c *wsClient) {
	defer func() {
		s.deps.Hub.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ctrl controlMessage
		if err := json.Unmarshal(raw, &ctrl); err != nil {
			continue
		}
		s.handleControl(c, &ctrl)
	}
}

func (s *Server) handleControl(c *wsClient, ctrl *controlMessage) {
	switch ctrl.Action {
	case "subscribe":
		for _, sym := range ctrl.Symbols {
			c.filter[types.Canonicalize(sym)] = true
		}
	case "unsubscribe":
		if len(ctrl.Symbols) == 0 {
			c.filter = make(map[types.Symbol]bool)
			return
		}
		for _, sym := range ctrl.Symbols {
			delete(c.filter, types.Canonicalize(sym))
		}
	}
}

func (s *Server) wsWritePump(c *wsClient) {
	ticker := time.NewTicker(wsHeartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sub.Outbox():
			if !ok {
				return
			}
			if sym, ok := symbolOf(msg.Data); ok && !c.allowed(sym) {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(hub.Message{
				Type: hub.MessageStatus,
				Data: map[string]bool{"heartbeat": true},
				TS:   time.Now(),
			}); err != nil {
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-c.sub.Done():
			return
		}
	}
}

// symbolOf extracts the symbol from a hub payload when one applies, so the
// write pump can apply a client's subscribe/unsubscribe filter. Payloads
// without a symbol (account/metrics snapshots, status frames) always pass
// through unfiltered.
func symbolOf(data interface{}) (types.Symbol, bool) {
	switch v := data.(type) {
	case types.TradeRecord:
		return v.Symbol, true
	case types.Order:
		return v.Symbol, true
	case types.Signal:
		return v.Symbol, true
	case types.Position:
		return v.Symbol, true
	default:
		return "", false
	}
}

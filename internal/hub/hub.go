// Package hub is the Event Hub: a fan-out broadcaster for trade/order/
// position/account/signal events with a bounded per-subscriber outbox.
// Adapted from the ndrandal-feed-simulator session package's
// Client/Manager shape (map of registered clients + per-client buffered send
// channel), but Send's full-buffer behavior is changed from "drop one
// message and keep going" to "disconnect the subscriber outright" per
// spec.md §4.I/P3/S5: a slow consumer must never block the producer, and a
// hub that silently drops forever gives a client a falsely-consistent
// stream instead of a clear signal to reconnect and resync.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// MessageType tags the client-facing event envelope variants of spec.md
// §6.2.
type MessageType string

const (
	MessageSnapshot       MessageType = "snapshot"
	MessageTradeUpdate    MessageType = "trade_update"
	MessageOrderUpdate    MessageType = "order_update"
	MessagePositionUpdate MessageType = "position_update"
	MessageAccountUpdate  MessageType = "account_update"
	MessageSignalUpdate   MessageType = "signal_update"
	MessageStatus         MessageType = "status"
	MessageError          MessageType = "error"
)

// Message is one envelope delivered to subscribers; Data carries whatever
// payload its Type implies (a types.TradeRecord, types.Order, etc.) and is
// left as interface{} since the hub itself is transport-agnostic — JSON
// encoding happens at the WS handler in internal/api.
type Message struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data"`
	TS   time.Time   `json:"ts"`
}

var subscriberIDCounter uint64

// Subscriber is one registered consumer's bounded mailbox.
type Subscriber struct {
	ID uint64

	outbox    chan Message
	done      chan struct{}
	closeOnce sync.Once
	dropped   uint64
}

func newSubscriber(outboxSize int) *Subscriber {
	return &Subscriber{
		ID:     atomic.AddUint64(&subscriberIDCounter, 1),
		outbox: make(chan Message, outboxSize),
		done:   make(chan struct{}),
	}
}

// Outbox is read by the subscriber's writer goroutine.
func (s *Subscriber) Outbox() <-chan Message { return s.outbox }

// Done is closed once the hub has evicted this subscriber (full outbox or
// explicit Unsubscribe).
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Hub owns the subscriber set and a bounded ring of recent trades.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	outboxSize  int

	trades    []types.TradeRecord
	tradesCap int
}

func New(outboxSize, recentTrades int) *Hub {
	if outboxSize <= 0 {
		outboxSize = 256
	}
	if recentTrades <= 0 {
		recentTrades = 500
	}
	return &Hub{
		subscribers: make(map[uint64]*Subscriber),
		outboxSize:  outboxSize,
		tradesCap:   recentTrades,
	}
}

// Subscribe registers a new consumer and delivers it a snapshot message
// (spec.md §4.I: "new subscriber gets account/position snapshot + optional
// replay of last N trades") before returning.
func (h *Hub) Subscribe(snapshot interface{}, replayTrades int) *Subscriber {
	sub := newSubscriber(h.outboxSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub.ID] = sub
	recent := h.recentLocked(replayTrades)

	// The snapshot and replay are enqueued under h.mu so no concurrent
	// Publish can land in the outbox ahead of them. Non-blocking: nothing is
	// reading the outbox yet, so a reservation with more pending messages
	// than outboxSize must not deadlock the caller.
	enqueue := func(m Message) bool {
		select {
		case sub.outbox <- m:
			return true
		default:
			return false
		}
	}
	enqueue(Message{Type: MessageSnapshot, Data: snapshot, TS: time.Now()})
	for _, t := range recent {
		if !enqueue(Message{Type: MessageTradeUpdate, Data: t, TS: t.TS}) {
			break
		}
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its Done channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub.ID)
	h.mu.Unlock()
	sub.close()
}

// SubscriberCount reports how many consumers are currently registered.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish fans a message out to every subscriber. A subscriber whose outbox
// is full is disconnected rather than having the message dropped (P3/S5):
// the producer never blocks on a slow consumer.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	var evict []*Subscriber
	for _, sub := range h.subscribers {
		select {
		case sub.outbox <- msg:
		default:
			evict = append(evict, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range evict {
		h.Unsubscribe(sub)
	}
}

// RecordTrade appends a trade to the replay ring and broadcasts it as a
// trade_update.
func (h *Hub) RecordTrade(rec types.TradeRecord) {
	h.mu.Lock()
	h.trades = append(h.trades, rec)
	if len(h.trades) > h.tradesCap {
		h.trades = h.trades[len(h.trades)-h.tradesCap:]
	}
	h.mu.Unlock()

	h.Publish(Message{Type: MessageTradeUpdate, Data: rec, TS: rec.TS})
}

// RecentTrades returns a copy of the last n recorded trades (fewer if the
// ring holds less), oldest first.
func (h *Hub) RecentTrades(n int) []types.TradeRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.recentLocked(n)
}

func (h *Hub) recentLocked(n int) []types.TradeRecord {
	total := len(h.trades)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]types.TradeRecord, n)
	copy(out, h.trades[total-n:])
	return out
}

// Package candle holds the per-symbol bounded ring of OHLCV bars. One writer
// (the market-data ingestor) appends; many readers take consistent snapshots.
// Grounded on the single-writer/many-readers RWMutex shape used throughout
// the example pack (e.g. feed.BookSnapshot), generalized from a map-of-latest
// to a bounded ordered ring per symbol.
package candle

import (
	"sync"

	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

const DefaultCapacity = 500

// Buffer is a fixed-capacity ordered sequence of candles for one
// (symbol, timeframe) pair.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	bars     []types.Candle
}

// New creates a Buffer with the given capacity, defaulting to 500 if cap<=0.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, bars: make([]types.Candle, 0, capacity)}
}

// Append adds a bar following the monotonic-timestamp rule (I4/B1):
//   - t > last.t: push, evicting the oldest bar if at capacity.
//   - t == last.t: replace the last bar (late correction).
//   - t < last.t: dropped, buffer left unchanged.
//
// Returns true if the buffer was mutated.
func (b *Buffer) Append(bar types.Candle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.bars)
	if n == 0 {
		b.bars = append(b.bars, bar)
		return true
	}
	last := b.bars[n-1]
	switch {
	case bar.T.After(last.T):
		if n >= b.capacity {
			b.bars = append(b.bars[1:], bar)
		} else {
			b.bars = append(b.bars, bar)
		}
		return true
	case bar.T.Equal(last.T):
		b.bars[n-1] = bar
		return true
	default:
		return false
	}
}

// Snapshot returns a copy of the full ordered sequence, oldest first.
func (b *Buffer) Snapshot() []types.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Candle, len(b.bars))
	copy(out, b.bars)
	return out
}

// LastN returns a copy of the most recent k candles (fewer if the buffer
// holds less than k), oldest first.
func (b *Buffer) LastN(k int) []types.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.bars)
	if k > n {
		k = n
	}
	out := make([]types.Candle, k)
	copy(out, b.bars[n-k:])
	return out
}

// LatestClose returns the most recent bar (its C field is the latest close)
// and whether one exists.
func (b *Buffer) LatestClose() (close0 types.Candle, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.bars)
	if n == 0 {
		return types.Candle{}, false
	}
	return b.bars[n-1], true
}

// Len reports the current number of bars held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bars)
}

// Registry keeps one Buffer per symbol, created lazily on first use.
type Registry struct {
	mu       sync.Mutex
	capacity int
	buffers  map[types.Symbol]*Buffer
}

func NewRegistry(capacity int) *Registry {
	return &Registry{capacity: capacity, buffers: make(map[types.Symbol]*Buffer)}
}

// Get returns the buffer for a symbol, creating it if necessary.
func (r *Registry) Get(symbol types.Symbol) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[symbol]
	if !ok {
		buf = New(r.capacity)
		r.buffers[symbol] = buf
	}
	return buf
}

// Symbols returns every symbol with a registered buffer.
func (r *Registry) Symbols() []types.Symbol {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Symbol, 0, len(r.buffers))
	for s := range r.buffers {
		out = append(out, s)
	}
	return out
}

// Package account keeps a periodically-refreshed cache of the broker's
// account/positions projection, serving GET /api/account and
// GET /api/positions without a synchronous broker round trip on every
// request. Grounded on the teacher's internal/portfolio.PortfolioTracker
// periodic-sync loop (Sync/Run/ticker shape), replacing the Polymarket Data
// API client with internal/broker.Gateway's GetAccount/ListPositions.
package account

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/broker"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// Cache holds the most recently synced Account and Position snapshot.
type Cache struct {
	gw           broker.Gateway
	syncInterval time.Duration
	logger       *slog.Logger

	mu        sync.RWMutex
	account   types.Account
	positions []types.Position
	lastSync  time.Time
}

func NewCache(gw broker.Gateway, syncInterval time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{gw: gw, syncInterval: syncInterval, logger: logger}
}

// Sync fetches account and position state from the Gateway and replaces the
// cached snapshot.
func (c *Cache) Sync(ctx context.Context) error {
	acct, err := c.gw.GetAccount(ctx)
	if err != nil {
		return err
	}
	positions, err := c.gw.ListPositions(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.account = acct
	c.positions = positions
	c.lastSync = time.Now()
	c.mu.Unlock()
	return nil
}

// Account returns the cached account snapshot.
func (c *Cache) Account() types.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// Positions returns a copy of all cached positions, unfiltered.
func (c *Cache) Positions() []types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Position, len(c.positions))
	copy(out, c.positions)
	return out
}

// LastSync reports when the cache was last refreshed.
func (c *Cache) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// Run starts the periodic sync loop, blocking until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	if err := c.Sync(ctx); err != nil {
		c.logger.Warn("account initial sync failed", "err", err)
	}

	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil {
				c.logger.Warn("account sync failed", "err", err)
			}
		}
	}
}

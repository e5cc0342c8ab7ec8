// Package instruments caches venue sizing rules for the process lifetime
package instruments

import (
	"context"
	"fmt"
	"sync"

	"signal_router/internal/core"
	apperrors "signal_router/pkg/errors"

	"golang.org/x/sync/singleflight"
)

// Cache resolves rules through the primary account's client. Concurrent misses for one
// symbol share a single lookup; failures are not cached.
type Cache struct {
	accounts core.IAccounts
	logger   core.ILogger

	mu    sync.RWMutex
	rules map[string]core.InstrumentRules
	group singleflight.Group
}

func NewCache(accounts core.IAccounts, logger core.ILogger) *Cache {
	return &Cache{
		accounts: accounts,
		logger:   logger.WithField("component", "instruments"),
		rules:    make(map[string]core.InstrumentRules),
	}
}

func (c *Cache) Rules(ctx context.Context, symbol string) (*core.InstrumentRules, error) {
	c.mu.RLock()
	r, ok := c.rules[symbol]
	c.mu.RUnlock()
	if ok {
		return &r, nil
	}

	v, err, _ := c.group.Do(symbol, func() (interface{}, error) {
		c.mu.RLock()
		r, ok := c.rules[symbol]
		c.mu.RUnlock()
		if ok {
			return r, nil
		}

		accountID, client, ok := c.accounts.Primary()
		if !ok {
			return nil, fmt.Errorf("%w: no account available for instrument lookup", apperrors.ErrUnknownAccount)
		}
		fetched, err := client.GetInstrumentRules(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch rules for %s: %w", symbol, err)
		}

		c.mu.Lock()
		c.rules[symbol] = *fetched
		c.mu.Unlock()
		c.logger.Info("Cached instrument rules",
			"symbol", symbol,
			"account_id", accountID,
			"qty_step", fetched.QuantityStep.String(),
			"min_qty", fetched.MinQuantity.String(),
			"price_step", fetched.PriceStep.String())
		return *fetched, nil
	})
	if err != nil {
		return nil, err
	}

	rules := v.(core.InstrumentRules)
	return &rules, nil
}

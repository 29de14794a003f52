// Package market provides market-data state and symbol discovery: a
// last-price mirror fed from the websocket stream and the scanner that ranks
// tradable symbols for the supervisor.
package market

import (
	"sync"

	"perpbot/pkg/types"
)

// Ticker mirrors the latest price sample per symbol. It is fed from the
// adapter's broadcast stream and read by the dashboard and supervisor.
type Ticker struct {
	mu   sync.RWMutex
	last map[string]types.PriceUpdate
}

// NewTicker creates an empty price mirror.
func NewTicker() *Ticker {
	return &Ticker{last: make(map[string]types.PriceUpdate)}
}

// Update records a price sample.
func (t *Ticker) Update(u types.PriceUpdate) {
	t.mu.Lock()
	prev, ok := t.last[u.Symbol]
	if ok && u.Bid == 0 && prev.Bid != 0 {
		// Keep the last known book alongside mark-only samples.
		u.Bid, u.Ask = prev.Bid, prev.Ask
	}
	t.last[u.Symbol] = u
	t.mu.Unlock()
}

// Last returns the latest sample for a symbol.
func (t *Ticker) Last(symbol string) (types.PriceUpdate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.last[symbol]
	return u, ok
}

// Package risk tracks the launch gates the supervisor consults before
// starting a trader: per-symbol start-failure cooldowns, the permanent
// leverage blacklist, and the global consecutive-loss cooldown.
package risk

import (
	"log/slog"
	"sync"
	"time"
)

type failureState struct {
	count int
	until time.Time
}

// Gate holds the launch gating state. Safe for concurrent use.
type Gate struct {
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time

	failed            map[string]*failureState
	leverageBlacklist map[string]bool

	consecutiveLosses int
	lossCooldownUntil time.Time
}

// NewGate creates an empty gate.
func NewGate(logger *slog.Logger) *Gate {
	return &Gate{
		logger:            logger.With("component", "risk"),
		now:               time.Now,
		failed:            make(map[string]*failureState),
		leverageBlacklist: make(map[string]bool),
	}
}

// CanLaunch reports whether a symbol is currently launchable: not leverage
// blacklisted and past any start-failure cooldown.
func (g *Gate) CanLaunch(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.leverageBlacklist[symbol] {
		return false
	}
	if f, ok := g.failed[symbol]; ok && g.now().Before(f.until) {
		return false
	}
	return true
}

// RecordStartFailure schedules the symbol's next cooldown. The ladder is
// 5 minutes after the first failure, 15 after the second, 60 from the third on.
func (g *Gate) RecordStartFailure(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.failed[symbol]
	if !ok {
		f = &failureState{}
		g.failed[symbol] = f
	}
	f.count++

	var cooldown time.Duration
	switch {
	case f.count == 1:
		cooldown = 5 * time.Minute
	case f.count == 2:
		cooldown = 15 * time.Minute
	default:
		cooldown = 60 * time.Minute
	}
	f.until = g.now().Add(cooldown)
	g.logger.Warn("symbol start failed, cooling down",
		"symbol", symbol, "failures", f.count, "cooldown", cooldown)
}

// ClearFailures resets a symbol's failure ladder after a successful launch.
func (g *Gate) ClearFailures(symbol string) {
	g.mu.Lock()
	delete(g.failed, symbol)
	g.mu.Unlock()
}

// BlacklistLeverage permanently excludes a symbol whose leverage could not
// be set.
func (g *Gate) BlacklistLeverage(symbol string) {
	g.mu.Lock()
	g.leverageBlacklist[symbol] = true
	g.mu.Unlock()
	g.logger.Warn("symbol blacklisted, leverage set failed", "symbol", symbol)
}

// RecordTraderResult updates the consecutive-loss cooldown from one trader's
// terminal realized PnL. Any non-negative result resets the counter; the
// cooldown ladder is 15 minutes at two losses, 30 at three, 60 from four on.
func (g *Gate) RecordTraderResult(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pnl >= 0 {
		g.consecutiveLosses = 0
		g.lossCooldownUntil = time.Time{}
		return
	}

	g.consecutiveLosses++
	var cooldown time.Duration
	switch {
	case g.consecutiveLosses < 2:
		return
	case g.consecutiveLosses == 2:
		cooldown = 15 * time.Minute
	case g.consecutiveLosses == 3:
		cooldown = 30 * time.Minute
	default:
		cooldown = 60 * time.Minute
	}
	g.lossCooldownUntil = g.now().Add(cooldown)
	g.logger.Warn("consecutive losses, pausing launches",
		"losses", g.consecutiveLosses, "cooldown", cooldown)
}

// LossCooldown reports whether launches are globally paused and for how
// much longer.
func (g *Gate) LossCooldown() (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if remaining := g.lossCooldownUntil.Sub(g.now()); remaining > 0 {
		return true, remaining
	}
	return false, 0
}

// ConsecutiveLosses returns the current loss streak length.
func (g *Gate) ConsecutiveLosses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveLosses
}

// Package ledger keeps the in-memory performance and equity state: balance,
// equity curve, drawdown, per-trader snapshots and closed-trade statistics.
// Nothing persists; a restart is a cold boot.
//
// Traders append trades and publish snapshots; the supervisor owns balance
// and equity. Every method takes the one lock, so dashboard reads never tear.
package ledger

import (
	"math"
	"sync"
	"time"

	"perpbot/pkg/types"
)

const (
	maxEquitySamples = 500
	maxHistory       = 200
	maxClosed        = 50
)

// Status is the headline account view.
type Status struct {
	Balance       float64            `json:"balance"`
	Equity        float64            `json:"equity"`
	PeakEquity    float64            `json:"peak_equity"`
	Drawdown      float64            `json:"drawdown"`
	MaxDrawdown   float64            `json:"max_drawdown"`
	PnlToday      float64            `json:"pnl_today"`
	ActiveTraders int                `json:"active_traders"`
	Market        types.MarketStatus `json:"market"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// DashboardUpdate is the snapshot broadcast to dashboard clients.
type DashboardUpdate struct {
	Status      Status                 `json:"status"`
	Traders     []types.TraderSnapshot `json:"traders"`
	Performance types.Performance      `json:"performance"`
	Equity      []types.EquitySample   `json:"equity"`
}

// Ledger is the shared performance store.
type Ledger struct {
	mu sync.Mutex

	balance     float64
	equity      float64
	peakEquity  float64
	drawdown    float64
	maxDrawdown float64
	pnlToday    float64

	totalTrades int
	wins        int
	losses      int
	grossProfit float64
	grossLoss   float64
	feesPaid    float64

	equitySeries []types.EquitySample
	traders      map[string]types.TraderSnapshot
	closed       []types.TraderSummary
	history      []types.TradeRecord
	market       types.MarketStatus
	updatedAt    time.Time
}

// New creates a ledger seeded with the starting balance.
func New(startingBalance float64) *Ledger {
	return &Ledger{
		balance:    startingBalance,
		equity:     startingBalance,
		peakEquity: startingBalance,
		traders:    make(map[string]types.TraderSnapshot),
		updatedAt:  time.Now(),
	}
}

// SetBalance records the current cash balance.
func (l *Ledger) SetBalance(v float64) {
	l.mu.Lock()
	l.balance = v
	l.updatedAt = time.Now()
	l.mu.Unlock()
}

// SetEquity records an equity sample on the bounded ring and advances the
// peak and drawdown statistics. Peak equity and max drawdown never decrease.
func (l *Ledger) SetEquity(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.equity = v
	if v > l.peakEquity {
		l.peakEquity = v
	}
	if l.peakEquity > 0 {
		l.drawdown = (l.peakEquity - v) / l.peakEquity * 100
		if l.drawdown > l.maxDrawdown {
			l.maxDrawdown = l.drawdown
		}
	}

	l.equitySeries = append(l.equitySeries, types.EquitySample{Time: time.Now(), Equity: v})
	if len(l.equitySeries) > maxEquitySamples {
		l.equitySeries = l.equitySeries[len(l.equitySeries)-maxEquitySamples:]
	}
	l.updatedAt = time.Now()
}

// RecordTrade folds one closed round trip into the statistics.
func (l *Ledger) RecordTrade(t types.TradeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalTrades++
	if t.Pnl >= 0 {
		l.wins++
		l.grossProfit += t.Pnl
	} else {
		l.losses++
		l.grossLoss += -t.Pnl
	}
	l.feesPaid += t.Fees
	l.pnlToday += t.Pnl - t.Fees

	l.history = append(l.history, t)
	if len(l.history) > maxHistory {
		l.history = l.history[len(l.history)-maxHistory:]
	}
	l.updatedAt = time.Now()
}

// UpsertTrader publishes a trader's live snapshot.
func (l *Ledger) UpsertTrader(s types.TraderSnapshot) {
	l.mu.Lock()
	l.traders[s.ID] = s
	l.updatedAt = time.Now()
	l.mu.Unlock()
}

// RemoveTrader retires a trader's snapshot and appends its terminal summary
// to the bounded closed-trader list, newest last.
func (l *Ledger) RemoveTrader(id string, summary types.TraderSummary) {
	l.mu.Lock()
	delete(l.traders, id)
	l.closed = append(l.closed, summary)
	if len(l.closed) > maxClosed {
		l.closed = l.closed[len(l.closed)-maxClosed:]
	}
	l.updatedAt = time.Now()
	l.mu.Unlock()
}

// SetMarketStatus records exchange connectivity for the dashboard.
func (l *Ledger) SetMarketStatus(m types.MarketStatus) {
	l.mu.Lock()
	l.market = m
	l.updatedAt = time.Now()
	l.mu.Unlock()
}

// NetProfit returns realized net profit (gross profit - gross loss - fees).
func (l *Ledger) NetProfit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grossProfit - l.grossLoss - l.feesPaid
}

// UnrealizedPnl sums unrealized PnL across active traders.
func (l *Ledger) UnrealizedPnl() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unrealizedLocked()
}

func (l *Ledger) unrealizedLocked() float64 {
	total := 0.0
	for _, t := range l.traders {
		if t.Active {
			total += t.UnrealizedPnl
		}
	}
	return total
}

// Status returns the headline account view.
func (l *Ledger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *Ledger) statusLocked() Status {
	return Status{
		Balance:       l.balance,
		Equity:        l.equity,
		PeakEquity:    l.peakEquity,
		Drawdown:      l.drawdown,
		MaxDrawdown:   l.maxDrawdown,
		PnlToday:      l.pnlToday,
		ActiveTraders: len(l.traders),
		Market:        l.market,
		UpdatedAt:     l.updatedAt,
	}
}

// Traders returns the live snapshots.
func (l *Ledger) Traders() []types.TraderSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tradersLocked()
}

func (l *Ledger) tradersLocked() []types.TraderSnapshot {
	out := make([]types.TraderSnapshot, 0, len(l.traders))
	for _, t := range l.traders {
		out = append(out, t)
	}
	return out
}

// Trader returns one snapshot by id.
func (l *Ledger) Trader(id string) (types.TraderSnapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.traders[id]
	return t, ok
}

// ClosedTraders returns the most recent terminated-trader summaries,
// newest last.
func (l *Ledger) ClosedTraders() []types.TraderSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.TraderSummary, len(l.closed))
	copy(out, l.closed)
	return out
}

// History returns the most recent closed trades, newest last.
func (l *Ledger) History() []types.TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.TradeRecord, len(l.history))
	copy(out, l.history)
	return out
}

// Performance returns closed-trade statistics plus live variants that fold
// in the current unrealized PnL across active traders.
func (l *Ledger) Performance() types.Performance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.performanceLocked()
}

func (l *Ledger) performanceLocked() types.Performance {
	unrealized := l.unrealizedLocked()
	p := types.Performance{
		TotalTrades: l.totalTrades,
		Wins:        l.wins,
		Losses:      l.losses,
		GrossProfit: l.grossProfit,
		GrossLoss:   l.grossLoss,
		FeesPaid:    l.feesPaid,
		NetProfit:   l.grossProfit - l.grossLoss - l.feesPaid,
		MaxDrawdown: l.maxDrawdown,
	}
	p.GrossProfitLive = p.GrossProfit + math.Max(0, unrealized)
	p.GrossLossLive = p.GrossLoss + math.Max(0, -unrealized)
	p.NetProfitLive = p.GrossProfitLive - p.GrossLossLive - p.FeesPaid
	return p
}

// EquityCurve returns a copy of the rolling equity series.
func (l *Ledger) EquityCurve() []types.EquitySample {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.EquitySample, len(l.equitySeries))
	copy(out, l.equitySeries)
	return out
}

// Dashboard assembles the full broadcast snapshot under one lock hold.
func (l *Ledger) Dashboard() DashboardUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	equity := make([]types.EquitySample, len(l.equitySeries))
	copy(equity, l.equitySeries)
	return DashboardUpdate{
		Status:      l.statusLocked(),
		Traders:     l.tradersLocked(),
		Performance: l.performanceLocked(),
		Equity:      equity,
	}
}

// Package supervisor schedules per-symbol traders within the global slot
// budget. It periodically scans for candidates, gates launches through the
// risk state (cooldowns, blacklist, trading window), syncs the account into
// the ledger, and reclaims slots when traders terminate.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/ledger"
	"perpbot/internal/risk"
	"perpbot/internal/strategy"
	"perpbot/pkg/types"
)

const accountSyncInterval = 10 * time.Second

// Scanner produces the ranked candidate list, best first.
type Scanner interface {
	Scan(ctx context.Context) ([]types.Candidate, error)
}

// Supervisor owns the set of active traders, keyed by symbol.
type Supervisor struct {
	cfg     *config.Config
	adapter *exchange.Adapter
	scanner Scanner
	ledger  *ledger.Ledger
	gate    *risk.Gate
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	traders     map[string]*strategy.Trader
	leverageSet map[string]bool
	topGainers  []types.Candidate

	wg sync.WaitGroup
}

// New creates a supervisor.
func New(cfg *config.Config, adapter *exchange.Adapter, scanner Scanner, led *ledger.Ledger, gate *risk.Gate, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		adapter:     adapter,
		scanner:     scanner,
		ledger:      led,
		gate:        gate,
		logger:      logger.With("component", "supervisor"),
		now:         time.Now,
		traders:     make(map[string]*strategy.Trader),
		leverageSet: make(map[string]bool),
	}
}

// Run drives the periodic tasks until ctx is cancelled, then waits for every
// trader to finish tearing down.
func (s *Supervisor) Run(ctx context.Context) {
	s.accountSync(ctx)
	s.scanAndLaunch(ctx)

	syncTicker := time.NewTicker(accountSyncInterval)
	defer syncTicker.Stop()
	scanTicker := time.NewTicker(s.cfg.Scanner.Interval)
	defer scanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down, waiting for traders")
			s.wg.Wait()
			return
		case <-syncTicker.C:
			s.accountSync(ctx)
		case <-scanTicker.C:
			s.scanAndLaunch(ctx)
		}
	}
}

// TopGainers returns the last scan's ranked candidates.
func (s *Supervisor) TopGainers() []types.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Candidate, len(s.topGainers))
	copy(out, s.topGainers)
	return out
}

// ActiveCount returns the number of running traders.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.traders)
}

// ————————————————————————————————————————————————————————————————————————
// Account sync
// ————————————————————————————————————————————————————————————————————————

// accountSync refreshes balance, equity and market status in the ledger. In
// test mode the balance is derived from realized results instead of the
// account endpoint.
func (s *Supervisor) accountSync(ctx context.Context) {
	var balance float64
	if s.cfg.Mode == config.ModeTest {
		balance = s.cfg.Trading.StartingBalanceUSDT + s.ledger.NetProfit()
	} else {
		v, err := s.adapter.AvailableBalance(ctx)
		if err != nil {
			s.logger.Warn("balance refresh failed", "error", err)
			balance = s.ledger.Status().Balance
		} else {
			balance = v
		}
	}

	s.ledger.SetBalance(balance)
	s.ledger.SetEquity(balance + s.ledger.UnrealizedPnl())
	s.ledger.SetMarketStatus(s.adapter.Status())
}

// ————————————————————————————————————————————————————————————————————————
// Scan and launch
// ————————————————————————————————————————————————————————————————————————

// inTradingWindow reports whether the current UTC hour is inside the
// configured [start, end) launch window.
func (s *Supervisor) inTradingWindow() bool {
	if !s.cfg.Trading.EnableTradingWindow {
		return true
	}
	hour := s.now().UTC().Hour()
	start, end := s.cfg.Trading.TradingWindowStartHour, s.cfg.Trading.TradingWindowEndHour
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (s *Supervisor) scanAndLaunch(ctx context.Context) {
	maxTraders := s.cfg.Trading.MaxTraders
	if s.ActiveCount() >= maxTraders {
		return
	}
	if paused, remaining := s.gate.LossCooldown(); paused {
		s.logger.Info("launches paused after losses", "remaining", remaining.Round(time.Minute))
		return
	}

	candidates, err := s.scanner.Scan(ctx)
	if err != nil {
		s.logger.Warn("scan failed", "error", err)
		return
	}
	s.mu.Lock()
	s.topGainers = candidates
	s.mu.Unlock()

	if !s.inTradingWindow() {
		s.logger.Info("outside trading window, no launches",
			"start", s.cfg.Trading.TradingWindowStartHour,
			"end", s.cfg.Trading.TradingWindowEndHour)
		return
	}

	volatilitySlots := maxTraders / 2
	gridSlots := maxTraders - volatilitySlots
	volRunning, gridRunning := s.countByKind()

	// Variants that repeatedly fail to start this tick are skipped for the
	// remainder of it.
	startFailures := map[types.StrategyKind]int{}

	for _, cand := range candidates {
		if s.ActiveCount() >= maxTraders {
			break
		}
		if s.isTrading(cand.Symbol) || !s.gate.CanLaunch(cand.Symbol) {
			continue
		}
		if s.cfg.Mode == config.ModeLive && !s.setLeverageOnce(ctx, cand.Symbol) {
			continue
		}

		kind, ok := pickVariant(volRunning, volatilitySlots, gridRunning, gridSlots, startFailures)
		if !ok {
			break
		}

		if s.launch(ctx, cand.Symbol, kind) {
			if kind == types.StrategyVolatility {
				volRunning++
			} else {
				gridRunning++
			}
		} else {
			startFailures[kind]++
		}
	}

	s.refreshSymbols()
}

// pickVariant selects the strategy for the next launch, preferring
// volatility while it has free slots. A variant with three or more start
// failures this tick is skipped.
func pickVariant(volRunning, volSlots, gridRunning, gridSlots int, failures map[types.StrategyKind]int) (types.StrategyKind, bool) {
	volOpen := volRunning < volSlots && failures[types.StrategyVolatility] < 3
	gridOpen := gridRunning < gridSlots && failures[types.StrategyGrid] < 3
	switch {
	case volOpen:
		return types.StrategyVolatility, true
	case gridOpen:
		return types.StrategyGrid, true
	default:
		return "", false
	}
}

func (s *Supervisor) countByKind() (vol, grid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.traders {
		if t.Kind() == types.StrategyVolatility {
			vol++
		} else {
			grid++
		}
	}
	return vol, grid
}

func (s *Supervisor) isTrading(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.traders[symbol]
	return ok
}

// setLeverageOnce sets the symbol leverage the first time it is traded. A
// failure blacklists the symbol permanently.
func (s *Supervisor) setLeverageOnce(ctx context.Context, symbol string) bool {
	s.mu.Lock()
	done := s.leverageSet[symbol]
	s.mu.Unlock()
	if done {
		return true
	}

	if err := s.adapter.SetLeverage(ctx, symbol, s.cfg.Trading.Leverage); err != nil {
		s.logger.Warn("leverage set failed", "symbol", symbol, "error", err)
		s.gate.BlacklistLeverage(symbol)
		return false
	}
	s.mu.Lock()
	s.leverageSet[symbol] = true
	s.mu.Unlock()
	return true
}

// launch subscribes, starts and registers one trader. Returns false when
// startup failed, after recording the symbol's cooldown.
func (s *Supervisor) launch(ctx context.Context, symbol string, kind types.StrategyKind) bool {
	sub := s.adapter.Subscribe(symbol)
	trader := strategy.New(strategy.Params{
		Symbol:   symbol,
		Kind:     kind,
		Mode:     s.cfg.Mode,
		Trading:  s.cfg.Trading,
		Equity:   s.ledger.Status().Equity,
		Exchange: s.adapter,
		Ledger:   s.ledger,
		Sub:      sub,
		Logger:   s.logger,
		OnDone:   s.onTraderDone,
	})

	// Market data for the new symbol must flow before entries can fill.
	s.refreshSymbolsWith(symbol)

	if err := trader.Start(ctx); err != nil {
		s.logger.Warn("trader start failed", "symbol", symbol, "strategy", kind, "error", err)
		s.adapter.Unsubscribe(symbol)
		s.gate.RecordStartFailure(symbol)
		return false
	}

	s.mu.Lock()
	s.traders[symbol] = trader
	s.mu.Unlock()
	s.gate.ClearFailures(symbol)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		trader.Run(ctx)
	}()
	s.logger.Info("trader launched", "symbol", symbol, "strategy", kind)
	return true
}

// onTraderDone reclaims the slot of a terminated trader and applies the
// consecutive-loss accounting. Start failures never reach here because the
// trader was not yet registered.
func (s *Supervisor) onTraderDone(symbol string, netPnl float64, reason types.CloseReason) {
	s.mu.Lock()
	_, registered := s.traders[symbol]
	if registered {
		delete(s.traders, symbol)
	}
	s.mu.Unlock()
	if !registered {
		return
	}

	s.adapter.Unsubscribe(symbol)
	s.gate.RecordTraderResult(netPnl)
	s.refreshSymbols()
	s.logger.Info("trader finished", "symbol", symbol, "net", netPnl, "reason", reason)
}

// refreshSymbols points the market stream at the current active symbol set.
func (s *Supervisor) refreshSymbols() {
	s.adapter.SetSymbols(s.activeSymbols(""))
}

// refreshSymbolsWith additionally includes a symbol that is about to start.
func (s *Supervisor) refreshSymbolsWith(extra string) {
	s.adapter.SetSymbols(s.activeSymbols(extra))
}

func (s *Supervisor) activeSymbols(extra string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbols := make([]string, 0, len(s.traders)+1)
	for symbol := range s.traders {
		symbols = append(symbols, symbol)
	}
	if extra != "" {
		if _, ok := s.traders[extra]; !ok {
			symbols = append(symbols, extra)
		}
	}
	return symbols
}

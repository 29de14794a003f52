package market

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/pkg/types"
)

// marketClient is the REST surface the scanner reads. Satisfied by
// *exchange.Client; tests substitute a fake.
type marketClient interface {
	ExchangeSymbols(ctx context.Context) ([]exchange.SymbolInfo, error)
	Tickers24h(ctx context.Context) ([]exchange.Ticker24h, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error)
	GetDepth(ctx context.Context, symbol string, limit int) (*exchange.Depth, error)
}

// Scanner discovers and ranks tradable symbols. Tradability filters (USDT
// quote, TRADING status, perpetual contract) always apply; the quality
// filters below only when enabled:
//
//   - 24h |change| within [MinChange, MaxChange] percent
//   - last-hour volume at least VolumeRatio times the hourly 24h average
//   - 4h high-low range at least MinRangePercent of the low
//   - top-of-book depth notional within [DepthMin, DepthMax]
//   - bid-ask spread within [SpreadMin, SpreadMax] percent
//
// Survivors rank by |change| + rangePct, best first, capped at maxResults.
type Scanner struct {
	client     marketClient
	cfg        config.ScannerConfig
	maxResults int
	logger     *slog.Logger
}

// NewScanner creates a scanner returning at most maxResults candidates.
func NewScanner(client marketClient, cfg config.ScannerConfig, maxResults int, logger *slog.Logger) *Scanner {
	return &Scanner{
		client:     client,
		cfg:        cfg,
		maxResults: maxResults,
		logger:     logger.With("component", "scanner"),
	}
}

// Scan returns the ranked candidate list, best first.
func (s *Scanner) Scan(ctx context.Context) ([]types.Candidate, error) {
	symbols, err := s.client.ExchangeSymbols(ctx)
	if err != nil {
		return nil, err
	}
	tradable := make(map[string]bool, len(symbols))
	for _, info := range symbols {
		if info.Status == "TRADING" && info.QuoteAsset == "USDT" && info.ContractType == "PERPETUAL" {
			tradable[info.Symbol] = true
		}
	}

	tickers, err := s.client.Tickers24h(ctx)
	if err != nil {
		return nil, err
	}

	type prospect struct {
		symbol      string
		lastPrice   float64
		change      float64
		quoteVolume float64
	}
	var prospects []prospect
	for _, t := range tickers {
		if !tradable[t.Symbol] {
			continue
		}
		change, err := strconv.ParseFloat(t.PriceChangePercent, 64)
		if err != nil {
			continue
		}
		p := prospect{
			symbol:      t.Symbol,
			lastPrice:   parseFloat(t.LastPrice),
			change:      change,
			quoteVolume: parseFloat(t.QuoteVolume),
		}
		if p.lastPrice <= 0 {
			continue
		}
		if s.cfg.EnableFilters {
			abs := math.Abs(change)
			if abs < s.cfg.MinChange || abs > s.cfg.MaxChange {
				continue
			}
		}
		prospects = append(prospects, p)
	}

	// Most volatile first, so the per-symbol REST probes below only touch
	// the strongest prospects.
	sort.Slice(prospects, func(i, j int) bool {
		return math.Abs(prospects[i].change) > math.Abs(prospects[j].change)
	})
	probeLimit := s.maxResults * 3
	if len(prospects) > probeLimit {
		prospects = prospects[:probeLimit]
	}

	var candidates []types.Candidate
	for _, p := range prospects {
		rangePct := 0.0
		if s.cfg.EnableFilters {
			ok, rp := s.probe(ctx, p.symbol, p.lastPrice, p.quoteVolume)
			if !ok {
				continue
			}
			rangePct = rp
		}
		candidates = append(candidates, types.Candidate{
			Symbol:    p.symbol,
			LastPrice: p.lastPrice,
			Change24h: p.change,
			RangePct:  rangePct,
			Score:     math.Abs(p.change) + rangePct,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > s.maxResults {
		candidates = candidates[:s.maxResults]
	}
	return candidates, nil
}

// probe applies the per-symbol quality filters and returns the 4h range
// percent for scoring.
func (s *Scanner) probe(ctx context.Context, symbol string, lastPrice, quoteVolume24h float64) (bool, float64) {
	klines, err := s.client.Klines(ctx, symbol, "5m", 48)
	if err != nil || len(klines) == 0 {
		s.logger.Debug("kline probe failed", "symbol", symbol, "error", err)
		return false, 0
	}

	high, low := 0.0, math.MaxFloat64
	hourVolume := 0.0
	for i, k := range klines {
		high = math.Max(high, k.High)
		low = math.Min(low, k.Low)
		if i >= len(klines)-12 {
			hourVolume += k.Volume * k.Close
		}
	}
	if low <= 0 || low == math.MaxFloat64 {
		return false, 0
	}
	rangePct := (high - low) / low * 100
	if rangePct < s.cfg.MinRangePercent {
		return false, 0
	}

	if s.cfg.VolumeRatio > 0 && quoteVolume24h > 0 {
		hourlyAvg := quoteVolume24h / 24
		if hourVolume < hourlyAvg*s.cfg.VolumeRatio {
			return false, 0
		}
	}

	depth, err := s.client.GetDepth(ctx, symbol, 20)
	if err != nil || len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		s.logger.Debug("depth probe failed", "symbol", symbol, "error", err)
		return false, 0
	}

	notional := 0.0
	for _, lvl := range depth.Bids {
		notional += lvl[0] * lvl[1]
	}
	for _, lvl := range depth.Asks {
		notional += lvl[0] * lvl[1]
	}
	if s.cfg.DepthMax > 0 && (notional < s.cfg.DepthMin || notional > s.cfg.DepthMax) {
		return false, 0
	}

	bestBid, bestAsk := depth.Bids[0][0], depth.Asks[0][0]
	if bestBid <= 0 {
		return false, 0
	}
	spread := (bestAsk - bestBid) / bestBid * 100
	if s.cfg.SpreadMax > 0 && (spread < s.cfg.SpreadMin || spread > s.cfg.SpreadMax) {
		return false, 0
	}

	return true, rangePct
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

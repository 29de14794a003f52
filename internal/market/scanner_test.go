package market

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
)

type fakeMarketClient struct {
	symbols []exchange.SymbolInfo
	tickers []exchange.Ticker24h
	klines  map[string][]exchange.Kline
	depths  map[string]*exchange.Depth

	klineCalls []string
}

func (f *fakeMarketClient) ExchangeSymbols(context.Context) ([]exchange.SymbolInfo, error) {
	return f.symbols, nil
}

func (f *fakeMarketClient) Tickers24h(context.Context) ([]exchange.Ticker24h, error) {
	return f.tickers, nil
}

func (f *fakeMarketClient) Klines(_ context.Context, symbol, _ string, _ int) ([]exchange.Kline, error) {
	f.klineCalls = append(f.klineCalls, symbol)
	return f.klines[symbol], nil
}

func (f *fakeMarketClient) GetDepth(_ context.Context, symbol string, _ int) (*exchange.Depth, error) {
	return f.depths[symbol], nil
}

func scannerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func perp(symbol string) exchange.SymbolInfo {
	return exchange.SymbolInfo{Symbol: symbol, Status: "TRADING", QuoteAsset: "USDT", ContractType: "PERPETUAL"}
}

// flatKlines returns bars whose range satisfies minRange against a base price.
func flatKlines(base, span float64) []exchange.Kline {
	out := make([]exchange.Kline, 48)
	for i := range out {
		out[i] = exchange.Kline{
			Open: base, Close: base,
			High: base + span/2, Low: base - span/2,
			Volume: 100,
		}
	}
	return out
}

func tightDepth(mid float64) *exchange.Depth {
	return &exchange.Depth{
		Bids: [][2]float64{{mid * 0.9995, 100}},
		Asks: [][2]float64{{mid * 1.0005, 100}},
	}
}

func TestScanRanksByAbsoluteChangeWithoutFilters(t *testing.T) {
	t.Parallel()
	client := &fakeMarketClient{
		symbols: []exchange.SymbolInfo{
			perp("AUSDT"), perp("BUSDT"), perp("CUSDT"),
			{Symbol: "DUSDT", Status: "BREAK", QuoteAsset: "USDT", ContractType: "PERPETUAL"},
			{Symbol: "EBTC", Status: "TRADING", QuoteAsset: "BTC", ContractType: "PERPETUAL"},
		},
		tickers: []exchange.Ticker24h{
			{Symbol: "AUSDT", PriceChangePercent: "3.0", LastPrice: "10", QuoteVolume: "1000"},
			{Symbol: "BUSDT", PriceChangePercent: "-8.0", LastPrice: "20", QuoteVolume: "1000"},
			{Symbol: "CUSDT", PriceChangePercent: "5.0", LastPrice: "30", QuoteVolume: "1000"},
			{Symbol: "DUSDT", PriceChangePercent: "50.0", LastPrice: "1", QuoteVolume: "1000"},
			{Symbol: "EBTC", PriceChangePercent: "40.0", LastPrice: "1", QuoteVolume: "1000"},
		},
	}
	s := NewScanner(client, config.ScannerConfig{}, 2, scannerLogger())

	got, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2 (capped)", len(got))
	}
	// Direction does not matter, magnitude does.
	if got[0].Symbol != "BUSDT" || got[1].Symbol != "CUSDT" {
		t.Errorf("ranking = [%s %s], want [BUSDT CUSDT]", got[0].Symbol, got[1].Symbol)
	}
	if got[0].RangePct != 0 {
		t.Errorf("rangePct = %v, want 0 with filters disabled", got[0].RangePct)
	}
	if len(client.klineCalls) != 0 {
		t.Errorf("probes ran with filters disabled: %v", client.klineCalls)
	}
}

func TestScanChangeBandFilter(t *testing.T) {
	t.Parallel()
	client := &fakeMarketClient{
		symbols: []exchange.SymbolInfo{perp("LOWUSDT"), perp("OKUSDT"), perp("HIGHUSDT")},
		tickers: []exchange.Ticker24h{
			{Symbol: "LOWUSDT", PriceChangePercent: "1.0", LastPrice: "10", QuoteVolume: "24000"},
			{Symbol: "OKUSDT", PriceChangePercent: "-6.0", LastPrice: "10", QuoteVolume: "24000"},
			{Symbol: "HIGHUSDT", PriceChangePercent: "30.0", LastPrice: "10", QuoteVolume: "24000"},
		},
		klines: map[string][]exchange.Kline{"OKUSDT": flatKlines(10, 0.5)},
		depths: map[string]*exchange.Depth{"OKUSDT": tightDepth(10)},
	}
	cfg := config.ScannerConfig{
		EnableFilters:   true,
		MinChange:       3,
		MaxChange:       20,
		MinRangePercent: 1,
	}
	s := NewScanner(client, cfg, 4, scannerLogger())

	got, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "OKUSDT" {
		t.Fatalf("candidates = %+v, want only OKUSDT", got)
	}
	// score = |change| + rangePct; range is 0.5 on a low of 9.75.
	wantRange := 0.5 / 9.75 * 100
	if diff := got[0].RangePct - wantRange; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("rangePct = %v, want %v", got[0].RangePct, wantRange)
	}
	if diff := got[0].Score - (6 + wantRange); diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want %v", got[0].Score, 6+wantRange)
	}
}

func TestScanProbeRejectsQuietSymbols(t *testing.T) {
	t.Parallel()
	client := &fakeMarketClient{
		symbols: []exchange.SymbolInfo{perp("QUIETUSDT"), perp("THINUSDT")},
		tickers: []exchange.Ticker24h{
			{Symbol: "QUIETUSDT", PriceChangePercent: "5.0", LastPrice: "10", QuoteVolume: "24000"},
			{Symbol: "THINUSDT", PriceChangePercent: "5.0", LastPrice: "10", QuoteVolume: "24000"},
		},
		klines: map[string][]exchange.Kline{
			// Range far below the 2 percent floor.
			"QUIETUSDT": flatKlines(10, 0.01),
			"THINUSDT":  flatKlines(10, 0.5),
		},
		depths: map[string]*exchange.Depth{
			// Book notional under the minimum.
			"THINUSDT": {Bids: [][2]float64{{10, 0.1}}, Asks: [][2]float64{{10.01, 0.1}}},
		},
	}
	cfg := config.ScannerConfig{
		EnableFilters:   true,
		MinChange:       3,
		MaxChange:       20,
		MinRangePercent: 2,
		DepthMin:        1000,
		DepthMax:        1e9,
	}
	s := NewScanner(client, cfg, 4, scannerLogger())

	got, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("candidates = %+v, want none", got)
	}
	// QUIETUSDT fails on klines alone, THINUSDT survives to the depth probe.
	if len(client.klineCalls) != 2 {
		t.Errorf("kline probes = %v, want both symbols probed", client.klineCalls)
	}
}

func TestScanVolumeRatioFilter(t *testing.T) {
	t.Parallel()
	// Hourly bar volume is 12 bars * 100 qty * close 10 = 12000 notional.
	// A 24h quote volume of 480000 makes the hourly average 20000, so a
	// required ratio of 1.0 rejects the symbol.
	client := &fakeMarketClient{
		symbols: []exchange.SymbolInfo{perp("FADEUSDT")},
		tickers: []exchange.Ticker24h{
			{Symbol: "FADEUSDT", PriceChangePercent: "5.0", LastPrice: "10", QuoteVolume: "480000"},
		},
		klines: map[string][]exchange.Kline{"FADEUSDT": flatKlines(10, 0.5)},
		depths: map[string]*exchange.Depth{"FADEUSDT": tightDepth(10)},
	}
	cfg := config.ScannerConfig{
		EnableFilters:   true,
		MinChange:       3,
		MaxChange:       20,
		MinRangePercent: 1,
		VolumeRatio:     1.0,
	}
	s := NewScanner(client, cfg, 4, scannerLogger())

	got, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("candidates = %+v, want none (volume fading)", got)
	}
}

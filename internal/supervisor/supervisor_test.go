package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/ledger"
	"perpbot/internal/risk"
	"perpbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeScanner returns a fixed candidate list and counts its invocations.
type fakeScanner struct {
	candidates []types.Candidate
	calls      int
}

func (f *fakeScanner) Scan(context.Context) ([]types.Candidate, error) {
	f.calls++
	return f.candidates, nil
}

func candidates(symbols ...string) []types.Candidate {
	out := make([]types.Candidate, 0, len(symbols))
	for i, s := range symbols {
		out = append(out, types.Candidate{Symbol: s, LastPrice: 100, Change24h: float64(10 - i), Score: float64(10 - i)})
	}
	return out
}

// fakeAPI serves the two REST endpoints a test-mode launch touches: exchange
// info for lot filters and the premium index for the base price.
func fakeAPI(t *testing.T, symbols []string) *httptest.Server {
	t.Helper()
	type filter struct {
		FilterType string `json:"filterType"`
		TickSize   string `json:"tickSize,omitempty"`
		StepSize   string `json:"stepSize,omitempty"`
	}
	type symbolInfo struct {
		Symbol       string   `json:"symbol"`
		Status       string   `json:"status"`
		QuoteAsset   string   `json:"quoteAsset"`
		ContractType string   `json:"contractType"`
		Filters      []filter `json:"filters"`
	}
	infos := make([]symbolInfo, 0, len(symbols))
	for _, s := range symbols {
		infos = append(infos, symbolInfo{
			Symbol: s, Status: "TRADING", QuoteAsset: "USDT", ContractType: "PERPETUAL",
			Filters: []filter{
				{FilterType: "PRICE_FILTER", TickSize: "0.01"},
				{FilterType: "LOT_SIZE", StepSize: "0.001"},
			},
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"symbols": infos})
	})
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"markPrice":"100.00"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(maxTraders int) *config.Config {
	return &config.Config{
		Mode: config.ModeTest,
		Trading: config.TradingConfig{
			MaxTraders:                     maxTraders,
			Leverage:                       1,
			StartingBalanceUSDT:            1000,
			EquityFraction:                 0.5,
			PositionNotionalUSDT:           100,
			VolatilityPositionNotionalUSDT: 100,
			LevelSpacingPercent:            1,
			TakeProfitPercent:              1,
			StopLossPercent:                1,
			VolatilityTakeProfitPercent:    3,
			VolatilityStopLossPercent:      6,
			FeeRate:                        0.0005,
			SlippageRate:                   0.0005,
			TradingWindowStartHour:         3,
			TradingWindowEndHour:           9,
		},
		Scanner: config.ScannerConfig{Interval: time.Minute},
	}
}

// newTestSupervisor wires a real adapter in test mode against the fake API,
// with the simulator pre-seeded so market entries can fill.
func newTestSupervisor(t *testing.T, cfg *config.Config, scanner Scanner, symbols []string) (*Supervisor, *ledger.Ledger, *risk.Gate) {
	t.Helper()
	srv := fakeAPI(t, symbols)
	logger := testLogger()

	client := exchange.NewClient(config.APIConfig{BaseRestURL: srv.URL, RecvWindow: 5 * time.Second}, logger)
	market := exchange.NewMarketFeed("ws://127.0.0.1:0", logger)
	sim := exchange.NewSimulator(cfg.Trading.StartingBalanceUSDT, cfg.Trading.FeeRate, cfg.Trading.SlippageRate, logger)
	for _, s := range symbols {
		sim.OnPrice(types.PriceUpdate{Symbol: s, Price: 100, Bid: 99.99, Ask: 100.01})
	}
	adapter := exchange.NewAdapter(config.ModeTest, client, market, nil, sim, logger)

	led := ledger.New(cfg.Trading.StartingBalanceUSDT)
	gate := risk.NewGate(logger)
	return New(cfg, adapter, scanner, led, gate, logger), led, gate
}

func TestScanAndLaunchFillsSlotsByVariant(t *testing.T) {
	t.Parallel()
	symbols := []string{"AUSDT", "BUSDT", "CUSDT", "DUSDT", "EUSDT"}
	scanner := &fakeScanner{candidates: candidates(symbols...)}
	sup, _, _ := newTestSupervisor(t, testConfig(4), scanner, symbols)

	sup.scanAndLaunch(context.Background())

	if got := sup.ActiveCount(); got != 4 {
		t.Fatalf("active = %d, want 4 (slot cap)", got)
	}
	vol, grid := sup.countByKind()
	if vol != 2 || grid != 2 {
		t.Errorf("kinds = %d volatility / %d grid, want 2/2", vol, grid)
	}
	if len(sup.TopGainers()) != 5 {
		t.Errorf("topGainers = %d, want the full scan result", len(sup.TopGainers()))
	}

	// A second tick with the same candidates launches nothing new.
	sup.scanAndLaunch(context.Background())
	if got := sup.ActiveCount(); got != 4 {
		t.Errorf("active after second tick = %d, want 4", got)
	}
}

func TestScanSkippedAtCapacity(t *testing.T) {
	t.Parallel()
	symbols := []string{"AUSDT"}
	scanner := &fakeScanner{candidates: candidates(symbols...)}
	sup, _, _ := newTestSupervisor(t, testConfig(1), scanner, symbols)

	sup.scanAndLaunch(context.Background())
	if got := sup.ActiveCount(); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
	calls := scanner.calls

	sup.scanAndLaunch(context.Background())
	if scanner.calls != calls {
		t.Errorf("scanner called at capacity: %d -> %d calls", calls, scanner.calls)
	}
}

func TestTradingWindowGatesLaunches(t *testing.T) {
	t.Parallel()
	symbols := []string{"AUSDT"}
	scanner := &fakeScanner{candidates: candidates(symbols...)}
	cfg := testConfig(2)
	cfg.Trading.EnableTradingWindow = true
	sup, _, _ := newTestSupervisor(t, cfg, scanner, symbols)

	sup.now = func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	}
	sup.scanAndLaunch(context.Background())

	if got := sup.ActiveCount(); got != 0 {
		t.Fatalf("active = %d, want 0 outside the window", got)
	}
	// The scan still ran, so the dashboard keeps fresh candidates.
	if len(sup.TopGainers()) != 1 {
		t.Errorf("topGainers = %d, want 1", len(sup.TopGainers()))
	}

	sup.now = func() time.Time {
		return time.Date(2026, 8, 24, 5, 0, 0, 0, time.UTC)
	}
	sup.scanAndLaunch(context.Background())
	if got := sup.ActiveCount(); got != 1 {
		t.Errorf("active = %d, want 1 inside the window", got)
	}
}

func TestTradingWindowWrapsMidnight(t *testing.T) {
	t.Parallel()
	cfg := testConfig(1)
	cfg.Trading.EnableTradingWindow = true
	cfg.Trading.TradingWindowStartHour = 22
	cfg.Trading.TradingWindowEndHour = 2
	sup, _, _ := newTestSupervisor(t, cfg, &fakeScanner{}, nil)

	cases := []struct {
		hour int
		want bool
	}{
		{21, false}, {22, true}, {23, true}, {0, true}, {1, true}, {2, false}, {12, false},
	}
	for _, tc := range cases {
		sup.now = func() time.Time {
			return time.Date(2026, 8, 24, tc.hour, 0, 0, 0, time.UTC)
		}
		if got := sup.inTradingWindow(); got != tc.want {
			t.Errorf("hour %d: inTradingWindow = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestLossCooldownPausesScanning(t *testing.T) {
	t.Parallel()
	symbols := []string{"AUSDT"}
	scanner := &fakeScanner{candidates: candidates(symbols...)}
	sup, _, gate := newTestSupervisor(t, testConfig(2), scanner, symbols)

	gate.RecordTraderResult(-1)
	gate.RecordTraderResult(-1)

	sup.scanAndLaunch(context.Background())
	if scanner.calls != 0 {
		t.Errorf("scanner called during loss cooldown")
	}
	if got := sup.ActiveCount(); got != 0 {
		t.Errorf("active = %d, want 0 during loss cooldown", got)
	}
}

func TestAccountSyncTestModeDerivesBalance(t *testing.T) {
	t.Parallel()
	sup, led, _ := newTestSupervisor(t, testConfig(1), &fakeScanner{}, nil)

	led.RecordTrade(types.TradeRecord{Pnl: 25, Fees: 5})
	sup.accountSync(context.Background())

	status := led.Status()
	if status.Balance != 1020 {
		t.Errorf("balance = %v, want starting 1000 + net 20", status.Balance)
	}
	if status.Equity != 1020 {
		t.Errorf("equity = %v, want 1020 with no open positions", status.Equity)
	}
}

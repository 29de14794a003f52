package exchange

import (
	"strings"
	"testing"

	"perpbot/pkg/types"
)

func TestNormalizeIDPriority(t *testing.T) {
	t.Parallel()

	a := &Adapter{algoIDs: map[int64]string{777: "BOT-1700-algo"}}

	tests := []struct {
		name      string
		numericID int64
		clientID  string
		want      string
	}{
		{"bot client id wins", 777, "BOT-1700-direct", "BOT-1700-direct"},
		{"mapped algo id second", 777, "web_abc123", "BOT-1700-algo"},
		{"numeric id last", 42, "web_abc123", "42"},
		{"numeric id when client empty", 42, "", "42"},
	}
	for _, tt := range tests {
		if got := a.normalizeID(tt.numericID, tt.clientID); got != tt.want {
			t.Errorf("%s: normalizeID(%d, %q) = %q, want %q",
				tt.name, tt.numericID, tt.clientID, got, tt.want)
		}
	}
}

func TestNewClientIDFormat(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newClientID()
		if !strings.HasPrefix(id, clientIDPrefix) {
			t.Fatalf("id %q lacks the %s prefix", id, clientIDPrefix)
		}
		if seen[id] {
			t.Fatalf("duplicate client id %q", id)
		}
		seen[id] = true
	}
}

func TestOrderParams(t *testing.T) {
	t.Parallel()

	filters := types.SymbolFilters{TickSize: 0.01, StepSize: 0.001}

	params := orderParams(types.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         types.SELL,
		Type:         types.OrderTypeStopLimit,
		Quantity:     0.5,
		Price:        64000.5,
		StopPrice:    64000.5,
		ReduceOnly:   true,
		PositionSide: types.LONG,
	}, filters)

	if got := params.Get("type"); got != "STOP" {
		t.Errorf("type = %s, want STOP", got)
	}
	if got := params.Get("stopPrice"); got != "64000.5" {
		t.Errorf("stopPrice = %s", got)
	}
	if got := params.Get("reduceOnly"); got != "true" {
		t.Errorf("reduceOnly = %s", got)
	}
	if got := params.Get("positionSide"); got != "LONG" {
		t.Errorf("positionSide = %s", got)
	}

	market := orderParams(types.OrderRequest{
		Symbol: "BTCUSDT", Side: types.BUY, Type: types.OrderTypeMarket,
		Quantity: 0.5, PositionSide: types.LONG,
	}, filters)
	if market.Get("price") != "" || market.Get("timeInForce") != "" {
		t.Error("market orders carry neither price nor timeInForce")
	}
}

func TestRouteEventsBySymbol(t *testing.T) {
	t.Parallel()

	a := &Adapter{
		subs:   make(map[string]*Subscription),
		prices: make(chan types.PriceUpdate, 8),
	}
	btc := a.Subscribe("BTCUSDT")

	a.routePrice(types.PriceUpdate{Symbol: "BTCUSDT", Price: 65000})
	a.routePrice(types.PriceUpdate{Symbol: "ETHUSDT", Price: 3000})

	select {
	case u := <-btc.Prices:
		if u.Symbol != "BTCUSDT" {
			t.Errorf("routed %s to the BTC subscription", u.Symbol)
		}
	default:
		t.Fatal("expected a routed price")
	}
	select {
	case u := <-btc.Prices:
		t.Fatalf("foreign symbol leaked into subscription: %+v", u)
	default:
	}

	// Broadcast copy carries everything.
	if got := len(a.prices); got != 2 {
		t.Errorf("broadcast copies = %d, want 2", got)
	}

	a.Unsubscribe("BTCUSDT")
	a.routeFill(types.OrderFill{Symbol: "BTCUSDT", OrderID: "BOT-x"})
	select {
	case f := <-btc.Fills:
		t.Fatalf("fill delivered after unsubscribe: %+v", f)
	default:
	}
}

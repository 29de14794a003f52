package strategy

import (
	"context"
	"errors"
	"math"
	"testing"

	"perpbot/internal/exchange"
	"perpbot/pkg/types"
)

func TestGridStartPlacesSymmetricEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := &fakeExchange{markPrice: 100}
	fl := &fakeLedger{}
	var done doneResult
	tr := newTestTrader(types.StrategyGrid, fx, fl, &done)

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(fx.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(fx.placed))
	}
	long, short := fx.placed[0], fx.placed[1]
	if long.Side != types.BUY || long.Type != types.OrderTypeLimit || long.Price != 99 {
		t.Errorf("long entry = %+v, want BUY LIMIT @ 99", long)
	}
	if short.Side != types.SELL || short.Type != types.OrderTypeLimit || short.Price != 101 {
		t.Errorf("short entry = %+v, want SELL LIMIT @ 101", short)
	}
	// Half of leveraged equity per level: 200*1*1 / (1*2*price).
	if want := 200.0 / (2 * 99); math.Abs(long.Quantity-want) > 1e-9 {
		t.Errorf("long qty = %v, want %v", long.Quantity, want)
	}
	if want := 200.0 / (2 * 101); math.Abs(short.Quantity-want) > 1e-9 {
		t.Errorf("short qty = %v, want %v", short.Quantity, want)
	}
	if len(tr.pendingEntries) != 2 {
		t.Errorf("pendingEntries = %d, want 2", len(tr.pendingEntries))
	}
}

func TestGridLongRoundTripTakeProfit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := &fakeExchange{markPrice: 100}
	fl := &fakeLedger{}
	var done doneResult
	tr := newTestTrader(types.StrategyGrid, fx, fl, &done)

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	qty := 200.0 / (2 * 99)
	tr.handleFill(ctx, types.OrderFill{Symbol: "XUSDT", OrderID: "ORD-1", Price: 99, Quantity: qty, Side: types.BUY})

	pos := onlyPosition(t, tr)
	if math.Abs(pos.TakeProfitPrice-99.99) > 1e-9 {
		t.Errorf("tp = %v, want 99.99", pos.TakeProfitPrice)
	}
	if math.Abs(pos.StopLossPrice-98.01) > 1e-9 {
		t.Errorf("sl = %v, want 98.01", pos.StopLossPrice)
	}
	if pos.TPOrderID == "" || pos.SLOrderID == "" {
		t.Fatalf("exit order ids not recorded: %+v", pos)
	}
	if len(tr.pendingExits) != 2 {
		t.Fatalf("pendingExits = %d, want 2 (TP and SL)", len(tr.pendingExits))
	}

	slID := pos.SLOrderID
	tr.handlePrice(ctx, priceAt(99.99))

	trades := fl.Trades()
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	rec := trades[0]
	if rec.Reason != types.CloseTakeProfit {
		t.Errorf("reason = %s, want take-profit", rec.Reason)
	}
	if want := (99.99 - 99) * qty; math.Abs(rec.Pnl-want) > 1e-9 {
		t.Errorf("pnl = %v, want %v", rec.Pnl, want)
	}

	// One round trip ends the trader and tears down the untouched short side.
	if done.count != 1 || done.reason != types.CloseTakeProfit {
		t.Errorf("done = %+v, want one take-profit completion", done)
	}
	if math.Abs(done.netPnl-rec.Pnl) > 1e-9 {
		t.Errorf("net = %v, want %v", done.netPnl, rec.Pnl)
	}
	if fx.allCancel != 1 {
		t.Errorf("cancel-all called %d times, want 1", fx.allCancel)
	}
	siblingCancelled := false
	for _, id := range fx.cancelled {
		if id == slID {
			siblingCancelled = true
		}
	}
	if !siblingCancelled {
		t.Errorf("sibling stop %s not cancelled, cancelled = %v", slID, fx.cancelled)
	}
}

func TestGridShortRoundTripStopLoss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := &fakeExchange{markPrice: 100}
	fl := &fakeLedger{}
	var done doneResult
	tr := newTestTrader(types.StrategyGrid, fx, fl, &done)

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	qty := 200.0 / (2 * 101)
	tr.handleFill(ctx, types.OrderFill{Symbol: "XUSDT", OrderID: "ORD-2", Price: 101, Quantity: qty, Side: types.SELL})

	pos := onlyPosition(t, tr)
	if math.Abs(pos.StopLossPrice-102.01) > 1e-9 {
		t.Fatalf("short sl = %v, want 102.01", pos.StopLossPrice)
	}

	tr.handlePrice(ctx, priceAt(102.01))

	trades := fl.Trades()
	if len(trades) != 1 || trades[0].Reason != types.CloseStopLoss {
		t.Fatalf("trades = %+v, want one stop-loss close", trades)
	}
	if want := (102.01 - 101) * qty * -1; math.Abs(trades[0].Pnl-want) > 1e-9 {
		t.Errorf("pnl = %v, want %v", trades[0].Pnl, want)
	}
	if done.count != 1 || done.reason != types.CloseStopLoss {
		t.Errorf("done = %+v, want one stop-loss completion", done)
	}
}

func TestGridStopWouldTriggerFlattensAsStopLoss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := &fakeExchange{
		markPrice: 100,
		slErr:     &exchange.ExchangeError{Code: exchange.CodeWouldTrigger, Message: "would immediately trigger"},
	}
	fl := &fakeLedger{}
	var done doneResult
	tr := newTestTrader(types.StrategyGrid, fx, fl, &done)

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.handleFill(ctx, types.OrderFill{Symbol: "XUSDT", OrderID: "ORD-1", Price: 99, Quantity: 1, Side: types.BUY})

	if len(fx.closes) != 1 {
		t.Fatalf("expected one market close, got %d", len(fx.closes))
	}
	trades := fl.Trades()
	if len(trades) != 1 || trades[0].Reason != types.CloseStopLoss {
		t.Fatalf("trades = %+v, want one stop-loss close", trades)
	}
	// A stop-loss close is terminal for the grid.
	if done.count != 1 || done.reason != types.CloseStopLoss {
		t.Errorf("done = %+v, want one stop-loss completion", done)
	}
}

func TestGridStopRejectionFlattensWithoutTerminating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := &fakeExchange{markPrice: 100, slErr: errors.New("margin insufficient")}
	fl := &fakeLedger{}
	var done doneResult
	tr := newTestTrader(types.StrategyGrid, fx, fl, &done)

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.handleFill(ctx, types.OrderFill{Symbol: "XUSDT", OrderID: "ORD-1", Price: 99, Quantity: 1, Side: types.BUY})

	trades := fl.Trades()
	if len(trades) != 1 || trades[0].Reason != types.CloseSLRejected {
		t.Fatalf("trades = %+v, want one sl-rejected close", trades)
	}
	// sl-rejected is not terminal; the other grid level keeps working.
	if done.count != 0 {
		t.Errorf("trader terminated (%+v), want it kept alive", done)
	}
	if len(tr.pendingEntries) != 1 {
		t.Errorf("pendingEntries = %d, want the short entry still resting", len(tr.pendingEntries))
	}
}

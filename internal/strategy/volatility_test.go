package strategy

import (
	"context"
	"errors"
	"math"
	"testing"

	"perpbot/pkg/types"
)

// openBothLegs starts a volatility trader and fills both market legs at the
// base price, leaving a LONG at tp 103 / sl 94 and a SHORT at tp 97 / sl 106.
func openBothLegs(t *testing.T, ctx context.Context, tr *Trader) {
	t.Helper()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.handleFill(ctx, types.OrderFill{Symbol: "XUSDT", OrderID: "ORD-1", Price: 100, Quantity: 3, Side: types.BUY})
	tr.handleFill(ctx, types.OrderFill{Symbol: "XUSDT", OrderID: "ORD-2", Price: 100, Quantity: 3, Side: types.SELL})
	if len(tr.positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(tr.positions))
	}
}

func TestVolatilityStartOpensOpposingLegs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := &fakeExchange{markPrice: 100}
	fl := &fakeLedger{}
	var done doneResult
	tr := newTestTrader(types.StrategyVolatility, fx, fl, &done)

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(fx.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(fx.placed))
	}
	for i, want := range []types.Side{types.BUY, types.SELL} {
		req := fx.placed[i]
		if req.Type != types.OrderTypeMarket || req.Side != want {
			t.Errorf("leg %d = %+v, want %s MARKET", i, req, want)
		}
		// notional * leverage / base: 300 * 1 / 100.
		if math.Abs(req.Quantity-3) > 1e-9 {
			t.Errorf("leg %d qty = %v, want 3", i, req.Quantity)
		}
	}
}

func TestVolatilityTakeProfitRewritesSurvivorToBase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := &fakeExchange{markPrice: 100}
	fl := &fakeLedger{}
	var done doneResult
	tr := newTestTrader(types.StrategyVolatility, fx, fl, &done)
	openBothLegs(t, ctx, tr)

	// Long TP at 103 fires first.
	tr.handlePrice(ctx, priceAt(103))

	trades := fl.Trades()
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1 after long TP", len(trades))
	}
	if trades[0].Reason != types.CloseTakeProfit || trades[0].Direction != types.LONG {
		t.Fatalf("first trade = %+v, want LONG take-profit", trades[0])
	}
	if want := (103.0 - 100) * 3; math.Abs(trades[0].Pnl-want) > 1e-9 {
		t.Errorf("pnl = %v, want %v", trades[0].Pnl, want)
	}

	survivor := onlyPosition(t, tr)
	if survivor.Direction != types.SHORT {
		t.Fatalf("survivor = %s, want SHORT", survivor.Direction)
	}
	// Its take profit is rewritten to break even at the base price while the
	// original stop stays at 106.
	if survivor.TakeProfitPrice != 100 {
		t.Errorf("survivor tp = %v, want base 100", survivor.TakeProfitPrice)
	}
	if survivor.StopLossPrice != 106 {
		t.Errorf("survivor sl = %v, want 106", survivor.StopLossPrice)
	}
	breakEven, ok := tr.pendingExits[survivor.TPOrderID]
	if !ok || breakEven.Reason != types.CloseBase || breakEven.Price != 100 {
		t.Fatalf("break-even exit = %+v (ok=%v), want base-close @ 100", breakEven, ok)
	}
	if _, ok := tr.pendingExits[survivor.SLOrderID]; !ok {
		t.Fatal("re-placed stop not tracked")
	}

	// Price returning to base closes the survivor flat.
	tr.handlePrice(ctx, priceAt(100))

	trades = fl.Trades()
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	last := trades[1]
	if last.Reason != types.CloseBase || last.Direction != types.SHORT {
		t.Fatalf("second trade = %+v, want SHORT base-close", last)
	}
	if math.Abs(last.Pnl) > 1e-9 {
		t.Errorf("break-even pnl = %v, want 0", last.Pnl)
	}
	if done.count != 1 || done.reason != types.CloseBase {
		t.Errorf("done = %+v, want one base-close completion", done)
	}
	if want := (103.0 - 100) * 3; math.Abs(done.netPnl-want) > 1e-9 {
		t.Errorf("net = %v, want %v", done.netPnl, want)
	}
}

func TestVolatilityRewriteSkippedToProfitableSide(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := &fakeExchange{markPrice: 100}
	fl := &fakeLedger{}
	var done doneResult
	tr := newTestTrader(types.StrategyVolatility, fx, fl, &done)
	openBothLegs(t, ctx, tr)

	longTP := ""
	for _, pos := range tr.positions {
		if pos.Direction == types.LONG {
			longTP = pos.TPOrderID
		}
	}

	// Market trades at 99 when the long TP fill arrives, so for the SHORT
	// survivor the base price is already on the profitable side: it is
	// flattened at market instead of resting a break-even exit.
	tr.handlePrice(ctx, priceAt(99))
	tr.handleFill(ctx, types.OrderFill{Symbol: "XUSDT", OrderID: longTP, Price: 103, Quantity: 3, Side: types.SELL})

	if len(fx.closes) != 1 || fx.closes[0] != types.SHORT {
		t.Fatalf("closes = %v, want one SHORT market close", fx.closes)
	}
	trades := fl.Trades()
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	if trades[1].Reason != types.CloseBase {
		t.Errorf("survivor close reason = %s, want base-close", trades[1].Reason)
	}
	if done.count != 1 || done.reason != types.CloseBase {
		t.Errorf("done = %+v, want one base-close completion", done)
	}
}

func TestVolatilityRewriteFailureFlattensSurvivor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := &fakeExchange{markPrice: 100}
	fl := &fakeLedger{}
	var done doneResult
	tr := newTestTrader(types.StrategyVolatility, fx, fl, &done)
	openBothLegs(t, ctx, tr)

	// Break the reduce-only limit placement only after both legs are set up.
	fx.tpErr = errors.New("reduce-only rejected")
	tr.handlePrice(ctx, priceAt(103))

	if len(fx.closes) != 1 || fx.closes[0] != types.SHORT {
		t.Fatalf("closes = %v, want one SHORT market close", fx.closes)
	}
	trades := fl.Trades()
	if len(trades) != 2 || trades[1].Reason != types.CloseBase {
		t.Fatalf("trades = %+v, want LONG take-profit then SHORT base-close", trades)
	}
	if done.count != 1 || done.reason != types.CloseBase {
		t.Errorf("done = %+v, want one base-close completion", done)
	}
}

func TestVolatilityRewriteIsSingleShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := &fakeExchange{markPrice: 100}
	fl := &fakeLedger{}
	var done doneResult
	tr := newTestTrader(types.StrategyVolatility, fx, fl, &done)
	openBothLegs(t, ctx, tr)

	tr.handlePrice(ctx, priceAt(103))
	if tr.tpHitSide != types.LONG {
		t.Fatalf("tpHitSide = %s, want LONG", tr.tpHitSide)
	}
	before := len(fl.Trades())
	if before != 1 {
		t.Fatalf("trades = %d, want 1 before survivor close", before)
	}

	// The survivor stopping out must not trigger another rewrite.
	tr.handlePrice(ctx, priceAt(106))

	trades := fl.Trades()
	if len(trades) != 2 || trades[1].Reason != types.CloseStopLoss {
		t.Fatalf("trades = %+v, want survivor stop-loss", trades)
	}
	if done.count != 1 || done.reason != types.CloseStopLoss {
		t.Errorf("done = %+v, want one stop-loss completion", done)
	}
}

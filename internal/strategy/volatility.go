package strategy

import (
	"context"
	"fmt"

	"perpbot/pkg/types"
)

// volatilityVariant opens opposing market legs of equal size, with TP and SL
// referenced from the base price rather than the per-leg fills. The first
// leg to take profit triggers the rewrite: the survivor's exits are replaced
// by a break-even TP at the base price while its original SL is kept.
type volatilityVariant struct{}

func (v *volatilityVariant) kind() types.StrategyKind { return types.StrategyVolatility }

func (v *volatilityVariant) start(ctx context.Context, t *Trader) error {
	base, err := t.ex.MarkPrice(ctx, t.symbol)
	if err != nil {
		return fmt.Errorf("read base price: %w", err)
	}
	if base <= 0 {
		return fmt.Errorf("no mark price for %s", t.symbol)
	}
	t.basePrice = base
	t.lastPrice = base

	notional := t.cfg.VolatilityPositionNotionalUSDT
	if notional <= 0 {
		notional = t.cfg.PositionNotionalUSDT
	}
	qty := notional * float64(t.cfg.Leverage) / base

	if err := v.openLeg(ctx, t, types.LONG, qty, -1); err != nil {
		return err
	}
	return v.openLeg(ctx, t, types.SHORT, qty, 1)
}

// openLeg submits one market entry. The fill arriving on the event stream
// opens the position, so the pending entry is registered against the ack id
// the fill will carry.
func (v *volatilityVariant) openLeg(ctx context.Context, t *Trader, dir types.PositionSide, qty float64, level int) error {
	side := types.BUY
	if dir == types.SHORT {
		side = types.SELL
	}
	ack, err := t.ex.PlaceOrder(ctx, types.OrderRequest{
		Symbol:       t.symbol,
		Side:         side,
		Type:         types.OrderTypeMarket,
		Quantity:     qty,
		PositionSide: dir,
	})
	if err != nil {
		return fmt.Errorf("open %s leg: %w", dir, err)
	}

	t.pendingEntries[ack.ID] = types.PendingEntry{
		OrderID:    ack.ID,
		NumericID:  ack.NumericID,
		Direction:  dir,
		Price:      ack.Price,
		Quantity:   ack.Quantity,
		LevelIndex: level,
	}
	t.logger.Info("leg opened", "direction", dir, "qty", ack.Quantity, "price", ack.Price)
	return nil
}

// exitPrices references TP and SL from the base price, not the leg's fill.
func (v *volatilityVariant) exitPrices(t *Trader, pos *types.Position) (tp, sl float64) {
	sign := pos.Direction.Sign()
	tp = t.basePrice * (1 + sign*t.cfg.VolatilityTakeProfitPercent/100)
	sl = t.basePrice * (1 - sign*t.cfg.VolatilityStopLossPercent/100)
	return tp, sl
}

func (v *volatilityVariant) afterClose(ctx context.Context, t *Trader, pos types.Position, reason types.CloseReason) {
	// Single-shot: only the first TP rewrites the survivor. Later closes,
	// whatever their reason, just count down to termination.
	if reason == types.CloseTakeProfit && t.tpHitSide == "" {
		t.tpHitSide = pos.Direction
		if survivor := v.survivor(t); survivor != nil {
			v.rewrite(ctx, t, survivor)
			return
		}
	}

	if len(t.positions) == 0 && len(t.pendingEntries) == 0 {
		t.destroy(ctx, t.lastReason, false)
	}
}

func (v *volatilityVariant) survivor(t *Trader) *types.Position {
	for _, pos := range t.positions {
		if !pos.IsClosing {
			return pos
		}
	}
	return nil
}

// rewrite swaps the survivor's take profit for a break-even exit at the base
// price. The original stop loss is re-placed unchanged. Any failure to get
// the break-even exit working flattens the leg immediately.
func (v *volatilityVariant) rewrite(ctx context.Context, t *Trader, pos *types.Position) {
	for key, exit := range t.pendingExits {
		if exit.PositionID != pos.ID {
			continue
		}
		delete(t.pendingExits, key)
		if _, err := t.ex.CancelOrder(ctx, t.symbol, exit.OrderID); err != nil {
			t.logger.Warn("survivor exit cancel failed", "order", exit.OrderID, "error", err)
		}
	}
	pos.TPOrderID, pos.SLOrderID = "", ""

	long := pos.Direction == types.LONG
	if (long && t.lastPrice >= t.basePrice) || (!long && t.lastPrice <= t.basePrice) {
		// Price is already on the profitable side of base; take it now.
		t.marketClose(ctx, pos, types.CloseBase)
		return
	}

	exitSide := types.SELL
	if !long {
		exitSide = types.BUY
	}
	ack, err := t.ex.PlaceOrder(ctx, types.OrderRequest{
		Symbol:       t.symbol,
		Side:         exitSide,
		Type:         types.OrderTypeLimit,
		Quantity:     pos.Quantity,
		Price:        t.basePrice,
		ReduceOnly:   true,
		PositionSide: pos.Direction,
	})
	if err != nil {
		t.logger.Error("break-even exit placement failed, flattening", "error", err)
		t.marketClose(ctx, pos, types.CloseBase)
		return
	}
	pos.TakeProfitPrice = t.basePrice
	pos.TPOrderID = ack.ID
	t.pendingExits[ack.ID] = types.PendingExit{
		OrderID:    ack.ID,
		NumericID:  ack.NumericID,
		PositionID: pos.ID,
		Reason:     types.CloseBase,
		Price:      t.basePrice,
	}
	t.logger.Info("survivor rewritten to break even", "direction", pos.Direction,
		"tp", t.basePrice, "sl", pos.StopLossPrice)

	// Keep the original protective stop live underneath the new exit.
	if err := t.placeStopLoss(ctx, pos); err != nil {
		return
	}
	t.publish()
}

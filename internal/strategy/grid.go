package strategy

import (
	"context"
	"fmt"

	"perpbot/pkg/types"
)

// gridVariant places symmetric limit entries around the base price and
// attaches TP/SL exits referenced from each entry fill. One completed round
// trip ends the trader.
type gridVariant struct{}

func (g *gridVariant) kind() types.StrategyKind { return types.StrategyGrid }

func (g *gridVariant) start(ctx context.Context, t *Trader) error {
	base, err := t.ex.MarkPrice(ctx, t.symbol)
	if err != nil {
		return fmt.Errorf("read base price: %w", err)
	}
	if base <= 0 {
		return fmt.Errorf("no mark price for %s", t.symbol)
	}
	t.basePrice = base
	t.lastPrice = base

	spacing := t.cfg.LevelSpacingPercent / 100
	if err := g.placeEntry(ctx, t, types.LONG, base*(1-spacing), -1); err != nil {
		return err
	}
	return g.placeEntry(ctx, t, types.SHORT, base*(1+spacing), 1)
}

// placeEntry rests one limit entry at a grid level. Quantity commits an
// equal share of leveraged equity to each of the two levels across all
// trader slots.
func (g *gridVariant) placeEntry(ctx context.Context, t *Trader, dir types.PositionSide, price float64, level int) error {
	qty := (t.equity * t.cfg.EquityFraction * float64(t.cfg.Leverage)) /
		(float64(t.cfg.MaxTraders) * 2 * price)

	side := types.BUY
	if dir == types.SHORT {
		side = types.SELL
	}
	ack, err := t.ex.PlaceOrder(ctx, types.OrderRequest{
		Symbol:       t.symbol,
		Side:         side,
		Type:         types.OrderTypeLimit,
		Quantity:     qty,
		Price:        price,
		PositionSide: dir,
	})
	if err != nil {
		return fmt.Errorf("place %s entry: %w", dir, err)
	}

	t.pendingEntries[ack.ID] = types.PendingEntry{
		OrderID:    ack.ID,
		NumericID:  ack.NumericID,
		Direction:  dir,
		Price:      price,
		Quantity:   ack.Quantity,
		LevelIndex: level,
	}
	t.logger.Info("entry placed", "direction", dir, "price", price, "qty", ack.Quantity, "level", level)
	return nil
}

// exitPrices references TP and SL from the entry fill price.
func (g *gridVariant) exitPrices(t *Trader, pos *types.Position) (tp, sl float64) {
	sign := pos.Direction.Sign()
	tp = pos.EntryPrice * (1 + sign*t.cfg.TakeProfitPercent/100)
	sl = pos.EntryPrice * (1 - sign*t.cfg.StopLossPercent/100)
	return tp, sl
}

func (g *gridVariant) afterClose(ctx context.Context, t *Trader, pos types.Position, reason types.CloseReason) {
	// A terminal exit ends the trader; the remaining entry (and any other
	// open position) is torn down with it.
	if reason == types.CloseTakeProfit || reason == types.CloseStopLoss {
		t.destroy(ctx, reason, true)
	}
}

// Package strategy implements the per-symbol traders. A Trader is a small
// state machine driven by three event streams (prices, fills, cancels) on a
// single goroutine, so handlers never race each other. The two disciplines,
// grid and volatility, share the machinery here and differ only in how they
// open positions and price their exits.
package strategy

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/pkg/types"
)

// slTolerance widens the stop-loss pre-check so a stop sitting a hair away
// from the market is treated as already crossed (0.02 percent).
const slTolerance = 0.0002

// Exchange is the order-flow surface a trader drives. Satisfied by
// *exchange.Adapter; tests substitute a fake.
type Exchange interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (string, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	ClosePositionMarket(ctx context.Context, symbol string, side types.PositionSide) (types.OrderAck, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	OrderTrades(ctx context.Context, symbol, orderID string) (pnl, commission float64, err error)
}

// Ledger is the reporting surface a trader writes to.
type Ledger interface {
	RecordTrade(types.TradeRecord)
	UpsertTrader(types.TraderSnapshot)
	RemoveTrader(id string, summary types.TraderSummary)
}

// DoneFunc is invoked exactly once when a trader reaches its terminal state,
// with the net realized result (PnL minus fees).
type DoneFunc func(symbol string, netPnl float64, reason types.CloseReason)

// variant is the discipline-specific part of a trader.
type variant interface {
	kind() types.StrategyKind
	// start captures the base price and places the initial orders.
	start(ctx context.Context, t *Trader) error
	// exitPrices returns the TP and SL for a freshly filled position.
	exitPrices(t *Trader, pos *types.Position) (tp, sl float64)
	// afterClose runs once per finalized position, outside of shutdown.
	afterClose(ctx context.Context, t *Trader, pos types.Position, reason types.CloseReason)
}

// Params configures a trader launch.
type Params struct {
	Symbol   string
	Kind     types.StrategyKind
	Mode     config.Mode
	Trading  config.TradingConfig
	Equity   float64 // account equity at launch, used by grid sizing
	Exchange Exchange
	Ledger   Ledger
	Sub      *exchange.Subscription
	Logger   *slog.Logger
	OnDone   DoneFunc
}

// Trader owns one symbol's positions and pending orders. All state below is
// touched only from the Run goroutine.
type Trader struct {
	id      string
	symbol  string
	mode    config.Mode
	cfg     config.TradingConfig
	equity  float64
	ex      Exchange
	ledger  Ledger
	sub     *exchange.Subscription
	logger  *slog.Logger
	onDone  DoneFunc
	variant variant

	basePrice float64
	lastPrice float64
	createdAt time.Time

	pendingEntries map[string]types.PendingEntry
	pendingExits   map[string]types.PendingExit
	positions      map[string]*types.Position

	realizedPnl float64
	feesPaid    float64
	tradeCount  int

	tpHitSide  types.PositionSide // volatility only, single-shot
	lastReason types.CloseReason

	active     bool
	destroying bool
	done       chan struct{}
}

// New constructs a trader for the requested discipline.
func New(p Params) *Trader {
	t := &Trader{
		id:             uuid.NewString(),
		symbol:         p.Symbol,
		mode:           p.Mode,
		cfg:            p.Trading,
		equity:         p.Equity,
		ex:             p.Exchange,
		ledger:         p.Ledger,
		sub:            p.Sub,
		onDone:         p.OnDone,
		createdAt:      time.Now(),
		pendingEntries: make(map[string]types.PendingEntry),
		pendingExits:   make(map[string]types.PendingExit),
		positions:      make(map[string]*types.Position),
		active:         true,
		done:           make(chan struct{}),
	}
	switch p.Kind {
	case types.StrategyVolatility:
		t.variant = &volatilityVariant{}
	default:
		t.variant = &gridVariant{}
	}
	t.logger = p.Logger.With("component", "trader", "symbol", p.Symbol,
		"strategy", t.variant.kind(), "trader", t.id[:8])
	return t
}

// ID returns the trader's unique id.
func (t *Trader) ID() string { return t.id }

// Symbol returns the traded symbol.
func (t *Trader) Symbol() string { return t.symbol }

// Kind returns the discipline.
func (t *Trader) Kind() types.StrategyKind { return t.variant.kind() }

// Start captures the base price and places the initial orders. A failure
// tears the trader down (best effort) and is returned so the supervisor can
// apply its per-symbol cooldown.
func (t *Trader) Start(ctx context.Context) error {
	if err := t.variant.start(ctx, t); err != nil {
		t.destroy(ctx, types.CloseShutdown, true)
		return err
	}
	t.logger.Info("trader started", "base", t.basePrice)
	t.publish()
	return nil
}

// Run processes events until the trader reaches a terminal state or ctx is
// cancelled. Call after a successful Start.
func (t *Trader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.destroy(context.Background(), types.CloseShutdown, true)
			return
		case <-t.done:
			return
		case u := <-t.sub.Prices:
			t.handlePrice(ctx, u)
		case f := <-t.sub.Fills:
			t.handleFill(ctx, f)
		case c := <-t.sub.Cancels:
			t.handleCancel(ctx, c)
		}
	}
}

// Done is closed when the trader has terminated.
func (t *Trader) Done() <-chan struct{} { return t.done }

// ————————————————————————————————————————————————————————————————————————
// Event handlers
// ————————————————————————————————————————————————————————————————————————

func (t *Trader) handlePrice(ctx context.Context, u types.PriceUpdate) {
	if u.Price > 0 {
		t.lastPrice = u.Price
	}

	// The simulator fills resting exits on its own, but isolated fakes in
	// tests do not; closing crossed levels here keeps both paths observable.
	if t.mode == config.ModeTest && len(t.positions) > 0 {
		t.forceCloseCrossed(ctx)
	}
	t.publish()
}

// forceCloseCrossed finalizes any open position whose TP or SL level the
// last price has crossed, at the level price.
func (t *Trader) forceCloseCrossed(ctx context.Context) {
	for _, pos := range t.snapshotPositions() {
		if pos.IsClosing {
			continue
		}
		long := pos.Direction == types.LONG
		switch {
		case pos.TakeProfitPrice > 0 &&
			((long && t.lastPrice >= pos.TakeProfitPrice) || (!long && t.lastPrice <= pos.TakeProfitPrice)):
			reason := types.CloseTakeProfit
			if t.Kind() == types.StrategyVolatility && pos.TakeProfitPrice == t.basePrice {
				reason = types.CloseBase
			}
			t.finalizeClose(ctx, pos, reason, pos.TakeProfitPrice, closeSettlement{})
		case pos.StopLossPrice > 0 &&
			((long && t.lastPrice <= pos.StopLossPrice) || (!long && t.lastPrice >= pos.StopLossPrice)):
			t.finalizeClose(ctx, pos, types.CloseStopLoss, pos.StopLossPrice, closeSettlement{})
		}
	}
}

func (t *Trader) snapshotPositions() []*types.Position {
	out := make([]*types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	return out
}

func (t *Trader) handleFill(ctx context.Context, f types.OrderFill) {
	if key, entry, ok := t.findPendingEntry(f); ok {
		delete(t.pendingEntries, key)
		t.onEntryFill(ctx, entry, f)
		t.publish()
		return
	}

	if key, exit, ok := t.findPendingExit(f.OrderID, f.NumericID, f.ClientID); ok {
		delete(t.pendingExits, key)
		if pos := t.positions[exit.PositionID]; pos != nil {
			t.finalizeClose(ctx, pos, exit.Reason, f.Price, closeSettlement{
				numericID:  f.NumericID,
				pnl:        f.RealizedPnl,
				commission: f.Commission,
				fromStream: true,
			})
		}
		t.publish()
		return
	}

	t.logger.Debug("fill for unknown order", "order", f.OrderID)
}

// onEntryFill opens a position for a filled entry and attaches its exits.
func (t *Trader) onEntryFill(ctx context.Context, entry types.PendingEntry, f types.OrderFill) {
	pos := &types.Position{
		ID:         uuid.NewString(),
		Symbol:     t.symbol,
		Direction:  entry.Direction,
		EntryPrice: f.Price,
		Quantity:   f.Quantity,
		LevelIndex: entry.LevelIndex,
		OpenedAt:   f.Time,
	}
	pos.TakeProfitPrice, pos.StopLossPrice = t.variant.exitPrices(t, pos)
	t.positions[pos.ID] = pos
	t.logger.Info("entry filled", "direction", pos.Direction, "entry", pos.EntryPrice,
		"qty", pos.Quantity, "tp", pos.TakeProfitPrice, "sl", pos.StopLossPrice)
	t.placeExits(ctx, pos)
}

func (t *Trader) handleCancel(ctx context.Context, c types.OrderCancel) {
	if key, _, ok := t.findPendingEntryByID(c.OrderID, c.NumericID, c.ClientID); ok {
		delete(t.pendingEntries, key)
		t.publish()
		return
	}

	key, exit, ok := t.findPendingExit(c.OrderID, c.NumericID, c.ClientID)
	if !ok {
		return
	}
	delete(t.pendingExits, key)

	pos := t.positions[exit.PositionID]
	if pos == nil || pos.IsClosing {
		return
	}
	// A stop-loss vanishing under an open position leaves it unprotected.
	if exit.Reason == types.CloseStopLoss {
		t.logger.Warn("stop-loss cancelled while position open, flattening", "position", pos.ID)
		t.marketClose(ctx, pos, types.CloseSLRejected)
	}
	t.publish()
}

// ————————————————————————————————————————————————————————————————————————
// Pending-order lookup
// ————————————————————————————————————————————————————————————————————————

// idMatches checks a pending order's identifiers against all three id
// spaces an event can carry: the normalised id, the raw client id, and the
// numeric exchange id (as number or string).
func idMatches(storedID string, storedNumeric int64, orderID string, numericID int64, clientID string) bool {
	if storedID == orderID || (clientID != "" && storedID == clientID) {
		return true
	}
	if numericID == 0 {
		return false
	}
	return storedNumeric == numericID || storedID == strconv.FormatInt(numericID, 10)
}

func (t *Trader) findPendingEntry(f types.OrderFill) (string, types.PendingEntry, bool) {
	return t.findPendingEntryByID(f.OrderID, f.NumericID, f.ClientID)
}

func (t *Trader) findPendingEntryByID(orderID string, numericID int64, clientID string) (string, types.PendingEntry, bool) {
	for key, entry := range t.pendingEntries {
		if idMatches(entry.OrderID, entry.NumericID, orderID, numericID, clientID) {
			return key, entry, true
		}
	}
	return "", types.PendingEntry{}, false
}

func (t *Trader) findPendingExit(orderID string, numericID int64, clientID string) (string, types.PendingExit, bool) {
	for key, exit := range t.pendingExits {
		if idMatches(exit.OrderID, exit.NumericID, orderID, numericID, clientID) {
			return key, exit, true
		}
	}
	return "", types.PendingExit{}, false
}

// ————————————————————————————————————————————————————————————————————————
// Exits
// ————————————————————————————————————————————————————————————————————————

// placeExits attaches the reduce-only TP and SL orders to an open position.
// The TP reason may be overridden by the caller through pos.TakeProfitPrice
// semantics; the default pair is take-profit and stop-loss.
func (t *Trader) placeExits(ctx context.Context, pos *types.Position) {
	if t.slAlreadyCrossed(pos) {
		t.logger.Warn("stop level already crossed at entry, flattening",
			"last", t.lastPrice, "sl", pos.StopLossPrice)
		t.marketClose(ctx, pos, types.CloseStopLoss)
		return
	}

	exitSide := types.SELL
	if pos.Direction == types.SHORT {
		exitSide = types.BUY
	}

	tpAck, err := t.ex.PlaceOrder(ctx, types.OrderRequest{
		Symbol:       t.symbol,
		Side:         exitSide,
		Type:         types.OrderTypeLimit,
		Quantity:     pos.Quantity,
		Price:        pos.TakeProfitPrice,
		ReduceOnly:   true,
		PositionSide: pos.Direction,
	})
	if err != nil {
		t.logger.Error("take-profit placement failed, flattening", "error", err)
		t.marketClose(ctx, pos, types.CloseBase)
		return
	}
	pos.TPOrderID = tpAck.ID
	t.pendingExits[tpAck.ID] = types.PendingExit{
		OrderID:    tpAck.ID,
		NumericID:  tpAck.NumericID,
		PositionID: pos.ID,
		Reason:     types.CloseTakeProfit,
		Price:      pos.TakeProfitPrice,
	}

	if err := t.placeStopLoss(ctx, pos); err != nil {
		return
	}
	t.publish()
}

// placeStopLoss places (or re-places) the protective stop. A rejection with
// code -2021 means the trigger already passed, so the position is flattened
// as a stop-loss; any other rejection flattens it as sl-rejected.
func (t *Trader) placeStopLoss(ctx context.Context, pos *types.Position) error {
	exitSide := types.SELL
	if pos.Direction == types.SHORT {
		exitSide = types.BUY
	}
	slAck, err := t.ex.PlaceOrder(ctx, types.OrderRequest{
		Symbol:       t.symbol,
		Side:         exitSide,
		Type:         types.OrderTypeStopLimit,
		Quantity:     pos.Quantity,
		Price:        pos.StopLossPrice,
		StopPrice:    pos.StopLossPrice,
		ReduceOnly:   true,
		PositionSide: pos.Direction,
	})
	if err != nil {
		if exchange.IsCode(err, exchange.CodeWouldTrigger) {
			t.logger.Warn("stop would trigger immediately, flattening", "sl", pos.StopLossPrice)
			t.marketClose(ctx, pos, types.CloseStopLoss)
		} else {
			t.logger.Error("stop-loss placement failed, flattening", "error", err)
			t.marketClose(ctx, pos, types.CloseSLRejected)
		}
		return err
	}
	pos.SLOrderID = slAck.ID
	t.pendingExits[slAck.ID] = types.PendingExit{
		OrderID:    slAck.ID,
		NumericID:  slAck.NumericID,
		PositionID: pos.ID,
		Reason:     types.CloseStopLoss,
		Price:      pos.StopLossPrice,
	}
	return nil
}

// slAlreadyCrossed reports whether the last price is at, past, or within
// tolerance of the stop level.
func (t *Trader) slAlreadyCrossed(pos *types.Position) bool {
	if t.lastPrice <= 0 || pos.StopLossPrice <= 0 {
		return false
	}
	if pos.Direction == types.LONG {
		return t.lastPrice <= pos.StopLossPrice*(1+slTolerance)
	}
	return t.lastPrice >= pos.StopLossPrice*(1-slTolerance)
}

// closeSettlement carries what is known about the closing execution beyond
// its price: the numeric order id for REST reconciliation, and the realized
// PnL and commission when the user stream already reported them.
type closeSettlement struct {
	numericID  int64
	pnl        float64
	commission float64
	fromStream bool
}

// marketClose flattens a position immediately and finalizes it.
func (t *Trader) marketClose(ctx context.Context, pos *types.Position, reason types.CloseReason) {
	if pos.IsClosing {
		return
	}
	exitPrice := t.lastPrice
	var numericID int64
	ack, err := t.ex.ClosePositionMarket(ctx, t.symbol, pos.Direction)
	if err != nil {
		t.logger.Error("market close failed, finalizing at last price", "error", err)
	} else {
		if ack.Price > 0 {
			exitPrice = ack.Price
		}
		numericID = ack.NumericID
	}
	t.finalizeClose(ctx, pos, reason, exitPrice, closeSettlement{numericID: numericID})
}

// finalizeClose settles one position: cancels its remaining exits, books the
// PnL and fees, records the trade, and hands the close to the variant.
// Idempotent through the IsClosing flag.
func (t *Trader) finalizeClose(ctx context.Context, pos *types.Position, reason types.CloseReason, exitPrice float64, settle closeSettlement) {
	if pos.IsClosing {
		return
	}
	pos.IsClosing = true

	for key, exit := range t.pendingExits {
		if exit.PositionID != pos.ID {
			continue
		}
		delete(t.pendingExits, key)
		if _, err := t.ex.CancelOrder(ctx, t.symbol, exit.OrderID); err != nil {
			t.logger.Warn("sibling exit cancel failed", "order", exit.OrderID, "error", err)
		}
	}

	pnl := (exitPrice - pos.EntryPrice) * pos.Quantity * pos.Direction.Sign()
	fees := (pos.EntryPrice + exitPrice) * pos.Quantity * t.cfg.FeeRate
	if t.mode == config.ModeLive {
		switch {
		case settle.fromStream:
			pnl, fees = settle.pnl, settle.commission
		case settle.numericID != 0:
			if realPnl, commission, err := t.ex.OrderTrades(ctx, t.symbol, strconv.FormatInt(settle.numericID, 10)); err == nil {
				pnl, fees = realPnl, commission
			} else {
				t.logger.Warn("trade reconciliation failed, keeping estimate", "error", err)
			}
		}
	}

	t.realizedPnl += pnl
	t.feesPaid += fees
	t.tradeCount++
	t.lastReason = reason
	delete(t.positions, pos.ID)

	t.ledger.RecordTrade(types.TradeRecord{
		Symbol:    t.symbol,
		Strategy:  t.Kind(),
		Direction: pos.Direction,
		Entry:     pos.EntryPrice,
		Exit:      exitPrice,
		Quantity:  pos.Quantity,
		Pnl:       pnl,
		Fees:      fees,
		Reason:    reason,
		ClosedAt:  time.Now(),
	})
	t.logger.Info("position closed", "reason", reason, "entry", pos.EntryPrice,
		"exit", exitPrice, "pnl", pnl, "fees", fees)

	if !t.destroying {
		t.variant.afterClose(ctx, t, *pos, reason)
	}
	t.publish()
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

// destroy moves the trader to its terminal state: cancels every open order,
// optionally flattens remaining positions, and fires the completion
// callback. Safe to call more than once.
func (t *Trader) destroy(ctx context.Context, reason types.CloseReason, closePositions bool) {
	if !t.active || t.destroying {
		return
	}
	t.destroying = true

	if err := t.ex.CancelAllOpenOrders(ctx, t.symbol); err != nil {
		t.logger.Warn("cancel all open orders failed", "error", err)
	}
	t.pendingEntries = make(map[string]types.PendingEntry)
	t.pendingExits = make(map[string]types.PendingExit)

	if closePositions {
		for _, pos := range t.snapshotPositions() {
			t.marketClose(ctx, pos, reason)
		}
	}

	t.active = false
	net := t.realizedPnl - t.feesPaid
	t.ledger.RemoveTrader(t.id, types.TraderSummary{
		ID:          t.id,
		Symbol:      t.symbol,
		Strategy:    t.Kind(),
		RealizedPnl: t.realizedPnl,
		FeesPaid:    t.feesPaid,
		Reason:      reason,
		ClosedAt:    time.Now(),
	})
	t.logger.Info("trader destroyed", "reason", reason, "pnl", t.realizedPnl,
		"fees", t.feesPaid, "net", net, "trades", t.tradeCount)
	if t.onDone != nil {
		t.onDone(t.symbol, net, reason)
	}
	close(t.done)
}

// publish pushes the trader's live snapshot to the ledger.
func (t *Trader) publish() {
	if !t.active {
		return
	}
	unrealized := 0.0
	for _, pos := range t.positions {
		if !pos.IsClosing && t.lastPrice > 0 {
			unrealized += (t.lastPrice - pos.EntryPrice) * pos.Quantity * pos.Direction.Sign()
		}
	}
	t.ledger.UpsertTrader(types.TraderSnapshot{
		ID:            t.id,
		Symbol:        t.symbol,
		Strategy:      t.Kind(),
		BasePrice:     t.basePrice,
		LastPrice:     t.lastPrice,
		CreatedAt:     t.createdAt,
		RealizedPnl:   t.realizedPnl,
		UnrealizedPnl: unrealized,
		FeesPaid:      t.feesPaid,
		OpenPositions: len(t.positions),
		PendingOrders: len(t.pendingEntries) + len(t.pendingExits),
		Active:        t.active,
	})
}

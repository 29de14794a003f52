// sim.go implements the paper-trading simulator. In test mode the adapter
// routes order flow here instead of the REST API while still consuming live
// market data, so strategies run unchanged against real prices.
//
// Fill semantics:
//   - LIMIT: BUY fills when price <= limit, SELL when price >= limit, at the
//     limit price.
//   - STOP_LIMIT / STOP_MARKET: BUY triggers when price >= stop, SELL when
//     price <= stop. Fills at the limit price when one is set, else at the
//     stop price.
//   - MARKET: fills immediately at the best ask (BUY) or bid (SELL) with
//     slippage applied, falling back to the last seen price.
//
// Every fill charges feeRate * |qty * fillPrice|. The simulator keeps its own
// position book (weighted average entry, proportional realisation on reduce)
// and a cash balance the adapter reports in place of the account endpoint.
package exchange

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"perpbot/pkg/types"
)

type simOrder struct {
	id  string
	req types.OrderRequest
}

type simPosition struct {
	qty   float64 // always positive
	entry float64 // weighted average entry price
}

// Simulator is the in-memory exchange used in test mode.
type Simulator struct {
	logger    *slog.Logger
	feeRate   float64
	slippage  float64

	mu        sync.Mutex
	orders    map[string]*simOrder
	positions map[string]*simPosition // keyed symbol + "/" + position side
	balance   float64
	lastPrice map[string]types.PriceUpdate
	nextID    int64

	fills   chan types.OrderFill
	cancels chan types.OrderCancel
}

// NewSimulator creates a simulator with the given starting balance.
func NewSimulator(startingBalance, feeRate, slippageRate float64, logger *slog.Logger) *Simulator {
	return &Simulator{
		logger:    logger.With("component", "sim"),
		feeRate:   feeRate,
		slippage:  slippageRate,
		orders:    make(map[string]*simOrder),
		positions: make(map[string]*simPosition),
		balance:   startingBalance,
		lastPrice: make(map[string]types.PriceUpdate),
		fills:     make(chan types.OrderFill, 128),
		cancels:   make(chan types.OrderCancel, 128),
	}
}

// Fills returns the simulated fill event channel.
func (s *Simulator) Fills() <-chan types.OrderFill { return s.fills }

// Cancels returns the simulated cancel event channel.
func (s *Simulator) Cancels() <-chan types.OrderCancel { return s.cancels }

// Balance returns the current simulated cash balance.
func (s *Simulator) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

func posKey(symbol string, side types.PositionSide) string {
	return symbol + "/" + string(side)
}

// PositionQty returns the open quantity for a symbol and position side.
func (s *Simulator) PositionQty(symbol string, side types.PositionSide) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[posKey(symbol, side)]; ok {
		return p.qty
	}
	return 0
}

// PlaceOrder accepts an order. Market orders fill immediately; everything
// else rests until a price update satisfies its trigger. clientID becomes the
// order id the caller sees, mirroring the BOT- client algo ids of live mode.
func (s *Simulator) PlaceOrder(req types.OrderRequest, clientID string) (types.OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := clientID
	if id == "" {
		id = fmt.Sprintf("SIM-%d", s.nextID)
	}

	ack := types.OrderAck{
		ID:        id,
		NumericID: s.nextID,
		ClientID:  clientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Status:    "NEW",
	}

	last, seen := s.lastPrice[req.Symbol]

	if req.Type == types.OrderTypeMarket {
		price := s.marketFillPrice(req.Side, last)
		if price <= 0 {
			return types.OrderAck{}, fmt.Errorf("no market price for %s yet", req.Symbol)
		}
		s.fillLocked(&simOrder{id: id, req: req}, price, time.Now())
		ack.Price = price
		ack.Status = "FILLED"
		return ack, nil
	}

	order := &simOrder{id: id, req: req}

	// A trigger the market has already passed fills right away instead of
	// resting forever on the wrong side.
	if seen && triggered(req, last.Price) {
		s.logger.Info("trigger already passed, filling immediately",
			"symbol", req.Symbol, "type", req.Type, "side", req.Side,
			"last", last.Price, "stop", req.StopPrice, "limit", req.Price)
		price := fillPrice(req)
		s.fillLocked(order, price, time.Now())
		ack.Price = price
		ack.Status = "FILLED"
		return ack, nil
	}

	s.orders[id] = order
	return ack, nil
}

// CancelOrder removes a resting order and emits a cancel event. Cancelling an
// order the simulator no longer holds succeeds with status UNKNOWN, matching
// how live cancels treat the unknown-order rejection.
func (s *Simulator) CancelOrder(symbol, orderID string) (string, error) {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if ok {
		delete(s.orders, orderID)
	}
	s.mu.Unlock()

	if !ok {
		return "UNKNOWN", nil
	}
	s.emitCancel(order, "CANCELED")
	return "CANCELED", nil
}

// CancelAll removes every resting order on a symbol.
func (s *Simulator) CancelAll(symbol string) {
	s.mu.Lock()
	var removed []*simOrder
	for id, o := range s.orders {
		if o.req.Symbol == symbol {
			removed = append(removed, o)
			delete(s.orders, id)
		}
	}
	s.mu.Unlock()

	for _, o := range removed {
		s.emitCancel(o, "CANCELED")
	}
}

// OnPrice feeds a market-data sample through the trigger checks.
func (s *Simulator) OnPrice(u types.PriceUpdate) {
	s.mu.Lock()
	s.lastPrice[u.Symbol] = u

	var ready []*simOrder
	for id, o := range s.orders {
		if o.req.Symbol != u.Symbol {
			continue
		}
		if triggered(o.req, u.Price) {
			ready = append(ready, o)
			delete(s.orders, id)
		}
	}
	for _, o := range ready {
		s.fillLocked(o, fillPrice(o.req), u.Time)
	}
	s.mu.Unlock()
}

// triggered reports whether a price satisfies an order's fill condition.
func triggered(req types.OrderRequest, price float64) bool {
	switch req.Type {
	case types.OrderTypeLimit:
		if req.Side == types.BUY {
			return price <= req.Price
		}
		return price >= req.Price
	case types.OrderTypeStopLimit, types.OrderTypeStopMarket:
		if req.Side == types.BUY {
			return price >= req.StopPrice
		}
		return price <= req.StopPrice
	default:
		return false
	}
}

// fillPrice returns the price a triggered order fills at.
func fillPrice(req types.OrderRequest) float64 {
	if req.Price > 0 {
		return req.Price
	}
	return req.StopPrice
}

func (s *Simulator) marketFillPrice(side types.Side, last types.PriceUpdate) float64 {
	var price float64
	if side == types.BUY {
		price = last.Ask
		if price <= 0 {
			price = last.Price
		}
		return price * (1 + s.slippage)
	}
	price = last.Bid
	if price <= 0 {
		price = last.Price
	}
	return price * (1 - s.slippage)
}

// fillLocked applies a fill to the position book and balance and emits the
// fill event. Caller holds s.mu.
func (s *Simulator) fillLocked(o *simOrder, price float64, at time.Time) {
	req := o.req
	fee := s.feeRate * math.Abs(req.Quantity*price)
	s.balance -= fee

	key := posKey(req.Symbol, req.PositionSide)
	pos := s.positions[key]

	increases := (req.PositionSide == types.LONG && req.Side == types.BUY) ||
		(req.PositionSide == types.SHORT && req.Side == types.SELL)

	if increases {
		if pos == nil {
			pos = &simPosition{}
			s.positions[key] = pos
		}
		total := pos.qty + req.Quantity
		if total > 0 {
			pos.entry = (pos.entry*pos.qty + price*req.Quantity) / total
		}
		pos.qty = total
	} else if pos != nil {
		closed := math.Min(req.Quantity, pos.qty)
		realized := (price - pos.entry) * closed * req.PositionSide.Sign()
		s.balance += realized
		pos.qty -= closed
		if pos.qty <= 1e-12 {
			delete(s.positions, key)
		}
	}

	if at.IsZero() {
		at = time.Now()
	}
	fill := types.OrderFill{
		Symbol:    req.Symbol,
		OrderID:   o.id,
		ClientID:  o.id,
		Price:     price,
		Quantity:  req.Quantity,
		Side:      req.Side,
		Time:      at,
	}
	select {
	case s.fills <- fill:
	default:
		s.logger.Warn("simulated fill dropped, consumer too slow", "symbol", req.Symbol)
	}
}

func (s *Simulator) emitCancel(o *simOrder, status string) {
	c := types.OrderCancel{
		Symbol:   o.req.Symbol,
		OrderID:  o.id,
		ClientID: o.id,
		Status:   status,
		Side:     o.req.Side,
		Type:     o.req.Type,
		Time:     time.Now(),
	}
	select {
	case s.cancels <- c:
	default:
	}
}

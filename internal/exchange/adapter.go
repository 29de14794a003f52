// adapter.go is the order-flow facade the strategies talk to. It hides the
// plain-vs-conditional endpoint split, assigns BOT- client ids, normalises
// the three id spaces (numeric order id, client order id, algo id) into one,
// routes market and user events to per-symbol subscriptions, and swaps the
// REST order path for the simulator in test mode.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"perpbot/internal/config"
	"perpbot/pkg/types"
)

const clientIDPrefix = "BOT-"

// Subscription delivers the event streams for one symbol to its trader.
type Subscription struct {
	Symbol  string
	Prices  chan types.PriceUpdate
	Fills   chan types.OrderFill
	Cancels chan types.OrderCancel
}

// Adapter is the exchange facade. All order identifiers it hands out follow
// one priority: a BOT- client id when the order carries one, the mapped
// client algo id for conditional orders, the numeric exchange id otherwise.
type Adapter struct {
	mode   config.Mode
	client *Client
	market *MarketFeed
	user   *UserFeed
	sim    *Simulator
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]*Subscription
	algoIDs map[int64]string // numeric algo id -> client algo id

	// broadcast copy of every price update, consumed by the dashboard
	prices chan types.PriceUpdate
}

// NewAdapter wires the facade. sim is nil in live mode.
func NewAdapter(mode config.Mode, client *Client, market *MarketFeed, user *UserFeed, sim *Simulator, logger *slog.Logger) *Adapter {
	return &Adapter{
		mode:    mode,
		client:  client,
		market:  market,
		user:    user,
		sim:     sim,
		logger:  logger.With("component", "adapter"),
		subs:    make(map[string]*Subscription),
		algoIDs: make(map[int64]string),
		prices:  make(chan types.PriceUpdate, 256),
	}
}

// PriceUpdates returns a broadcast copy of all market-data samples.
func (a *Adapter) PriceUpdates() <-chan types.PriceUpdate { return a.prices }

// Status reports exchange connectivity.
func (a *Adapter) Status() types.MarketStatus {
	ws := a.market.Connected()
	if a.mode == config.ModeLive {
		ws = ws && a.user.Connected()
	}
	return types.MarketStatus{API: a.client.APIHealthy(), WS: ws}
}

// Subscribe registers a trader's event channels for a symbol.
func (a *Adapter) Subscribe(symbol string) *Subscription {
	sub := &Subscription{
		Symbol:  symbol,
		Prices:  make(chan types.PriceUpdate, 64),
		Fills:   make(chan types.OrderFill, 16),
		Cancels: make(chan types.OrderCancel, 16),
	}
	a.mu.Lock()
	a.subs[symbol] = sub
	a.mu.Unlock()
	return sub
}

// Unsubscribe removes a symbol's subscription.
func (a *Adapter) Unsubscribe(symbol string) {
	a.mu.Lock()
	delete(a.subs, symbol)
	a.mu.Unlock()
}

// SetSymbols replaces the market-data subscription set.
func (a *Adapter) SetSymbols(symbols []string) {
	a.market.SetSymbols(symbols)
}

// Run starts the feeds and the event pump, blocking until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.market.Run(ctx)
	}()

	if a.mode == config.ModeLive {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.user.Run(ctx)
		}()
	}

	a.pump(ctx)
	wg.Wait()
}

// pump routes market and order events to the per-symbol subscriptions.
func (a *Adapter) pump(ctx context.Context) {
	var simFills <-chan types.OrderFill
	var simCancels <-chan types.OrderCancel
	var userOrders <-chan OrderUpdate
	if a.mode == config.ModeTest {
		simFills = a.sim.Fills()
		simCancels = a.sim.Cancels()
	} else {
		userOrders = a.user.Orders()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case u := <-a.market.Updates():
			if a.mode == config.ModeTest {
				a.sim.OnPrice(u)
			}
			a.routePrice(u)

		case f := <-simFills:
			a.routeFill(f)

		case c := <-simCancels:
			a.routeCancel(c)

		case o := <-userOrders:
			a.handleOrderUpdate(o)
		}
	}
}

func (a *Adapter) sub(symbol string) *Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subs[symbol]
}

func (a *Adapter) routePrice(u types.PriceUpdate) {
	select {
	case a.prices <- u:
	default:
	}
	if sub := a.sub(u.Symbol); sub != nil {
		select {
		case sub.Prices <- u:
		default:
			// A stalled trader must not block other symbols.
		}
	}
}

func (a *Adapter) routeFill(f types.OrderFill) {
	if sub := a.sub(f.Symbol); sub != nil {
		select {
		case sub.Fills <- f:
		default:
			a.logger.Warn("fill dropped, trader too slow", "symbol", f.Symbol, "order", f.OrderID)
		}
	}
}

func (a *Adapter) routeCancel(c types.OrderCancel) {
	if sub := a.sub(c.Symbol); sub != nil {
		select {
		case sub.Cancels <- c:
		default:
			a.logger.Warn("cancel dropped, trader too slow", "symbol", c.Symbol, "order", c.OrderID)
		}
	}
}

// normalizeID maps a user-stream event to the single id the strategies know.
func (a *Adapter) normalizeID(numericID int64, clientOrderID string) string {
	if strings.HasPrefix(clientOrderID, clientIDPrefix) {
		return clientOrderID
	}
	a.mu.Lock()
	mapped, ok := a.algoIDs[numericID]
	a.mu.Unlock()
	if ok {
		return mapped
	}
	return strconv.FormatInt(numericID, 10)
}

func (a *Adapter) handleOrderUpdate(o OrderUpdate) {
	id := a.normalizeID(o.OrderID, o.ClientOrderID)
	switch o.Status {
	case "FILLED":
		price := o.AvgPrice
		if price <= 0 {
			price = o.LastPrice
		}
		a.routeFill(types.OrderFill{
			Symbol:      o.Symbol,
			OrderID:     id,
			NumericID:   o.OrderID,
			ClientID:    o.ClientOrderID,
			Price:       price,
			Quantity:    o.FilledQty,
			Side:        o.Side,
			Commission:  o.Commission,
			RealizedPnl: o.RealizedPnl,
			Time:        o.Time,
		})
	case "CANCELED", "EXPIRED":
		a.routeCancel(types.OrderCancel{
			Symbol:    o.Symbol,
			OrderID:   id,
			NumericID: o.OrderID,
			ClientID:  o.ClientOrderID,
			Status:    o.Status,
			Side:      o.Side,
			Time:      o.Time,
		})
	}
}

// newClientID mints a unique BOT- client order id.
func newClientID() string {
	return fmt.Sprintf("%s%d-%s", clientIDPrefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// ————————————————————————————————————————————————————————————————————————
// Order flow
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder submits an order after floor-rounding the quantity and prices
// to the symbol's lot filters. Conditional types go through the algo
// endpoint in live mode; the returned ack's ID is already normalised.
func (a *Adapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error) {
	filters, err := a.Filters(ctx, req.Symbol)
	if err != nil {
		return types.OrderAck{}, err
	}
	req.Quantity = floorToStep(req.Quantity, filters.StepSize)
	if req.Quantity <= 0 {
		return types.OrderAck{}, fmt.Errorf("quantity rounds to zero for %s", req.Symbol)
	}
	if req.Price > 0 {
		req.Price = floorToStep(req.Price, filters.TickSize)
	}
	if req.StopPrice > 0 {
		req.StopPrice = floorToStep(req.StopPrice, filters.TickSize)
	}

	clientID := newClientID()

	if a.mode == config.ModeTest {
		return a.sim.PlaceOrder(req, clientID)
	}

	params := orderParams(req, filters)
	if req.Type.IsConditional() {
		params.Set("clientAlgoId", clientID)
		resp, err := a.client.placeAlgoOrder(ctx, params)
		if err != nil {
			return types.OrderAck{}, err
		}
		a.mu.Lock()
		a.algoIDs[resp.AlgoID] = clientID
		a.mu.Unlock()
		return types.OrderAck{
			ID:        clientID,
			NumericID: resp.AlgoID,
			ClientID:  clientID,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Type:      req.Type,
			Price:     req.Price,
			Quantity:  req.Quantity,
			Status:    "NEW",
		}, nil
	}

	params.Set("newClientOrderId", clientID)
	resp, err := a.client.placeOrder(ctx, params)
	if err != nil {
		return types.OrderAck{}, err
	}
	price := parseFloat(resp.Price)
	if req.Type == types.OrderTypeMarket {
		if avg := parseFloat(resp.AvgPrice); avg > 0 {
			price = avg
		}
	}
	return types.OrderAck{
		ID:        clientID,
		NumericID: resp.OrderID,
		ClientID:  clientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     price,
		Quantity:  req.Quantity,
		Status:    resp.Status,
	}, nil
}

// orderParams builds the request parameters shared by both endpoints.
func orderParams(req types.OrderRequest, filters types.SymbolFilters) url.Values {
	params := url.Values{
		"symbol":       {req.Symbol},
		"side":         {string(req.Side)},
		"positionSide": {string(req.PositionSide)},
		"quantity":     {formatQty(req.Quantity, filters.StepSize)},
	}
	switch req.Type {
	case types.OrderTypeLimit:
		params["type"] = []string{"LIMIT"}
		params["timeInForce"] = []string{"GTC"}
		params["price"] = []string{formatQty(req.Price, filters.TickSize)}
	case types.OrderTypeMarket:
		params["type"] = []string{"MARKET"}
	case types.OrderTypeStopLimit:
		params["type"] = []string{"STOP"}
		params["timeInForce"] = []string{"GTC"}
		params["price"] = []string{formatQty(req.Price, filters.TickSize)}
		params["stopPrice"] = []string{formatQty(req.StopPrice, filters.TickSize)}
	case types.OrderTypeStopMarket:
		params["type"] = []string{"STOP_MARKET"}
		params["stopPrice"] = []string{formatQty(req.StopPrice, filters.TickSize)}
	}
	if req.ReduceOnly {
		params["reduceOnly"] = []string{"true"}
	}
	return params
}

// CancelOrder cancels by normalised id. BOT- ids route to the algo endpoint,
// numeric ids to the plain endpoint. Unknown orders count as success.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (string, error) {
	if a.mode == config.ModeTest {
		return a.sim.CancelOrder(symbol, orderID)
	}
	algo := strings.HasPrefix(orderID, clientIDPrefix)
	return a.client.cancelOrder(ctx, symbol, orderID, algo)
}

// CancelAllOpenOrders cancels every open order on a symbol.
func (a *Adapter) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if a.mode == config.ModeTest {
		a.sim.CancelAll(symbol)
		return nil
	}
	return a.client.cancelAllOpenOrders(ctx, symbol)
}

// ClosePositionMarket flattens one hedge-mode position with a reduce-only
// market order sized from the exchange's view of the position.
func (a *Adapter) ClosePositionMarket(ctx context.Context, symbol string, side types.PositionSide) (types.OrderAck, error) {
	var qty float64
	if a.mode == config.ModeTest {
		qty = a.sim.PositionQty(symbol, side)
	} else {
		positions, err := a.client.GetPosition(ctx, symbol)
		if err != nil {
			return types.OrderAck{}, err
		}
		for _, p := range positions {
			if p.PositionSide == side {
				qty = math.Abs(p.PositionAmt)
			}
		}
	}
	if qty <= 0 {
		return types.OrderAck{}, fmt.Errorf("no open %s position on %s", side, symbol)
	}

	closeSide := types.SELL
	if side == types.SHORT {
		closeSide = types.BUY
	}
	return a.PlaceOrder(ctx, types.OrderRequest{
		Symbol:       symbol,
		Side:         closeSide,
		Type:         types.OrderTypeMarket,
		Quantity:     qty,
		ReduceOnly:   true,
		PositionSide: side,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Account and market reads
// ————————————————————————————————————————————————————————————————————————

// Filters returns the symbol's lot filters.
func (a *Adapter) Filters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	return a.client.Filters(ctx, symbol)
}

// MarkPrice returns the current mark price.
func (a *Adapter) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	return a.client.MarkPrice(ctx, symbol)
}

// SetLeverage sets the symbol leverage. In test mode it only logs.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if a.mode == config.ModeTest {
		a.logger.Debug("leverage set skipped in test mode", "symbol", symbol, "leverage", leverage)
		return nil
	}
	return a.client.SetLeverage(ctx, symbol, leverage)
}

// AvailableBalance returns the free balance: the simulator's cash in test
// mode, the account endpoint's in live mode.
func (a *Adapter) AvailableBalance(ctx context.Context) (float64, error) {
	if a.mode == config.ModeTest {
		return a.sim.Balance(), nil
	}
	return a.client.AvailableBalance(ctx)
}

// OrderTrades returns the exchange-reported realized PnL and commission for
// a filled order identified by its normalised id. Only numeric ids can be
// looked up; conditional exits report through their fill events instead.
func (a *Adapter) OrderTrades(ctx context.Context, symbol, orderID string) (pnl, commission float64, err error) {
	if a.mode == config.ModeTest {
		return 0, 0, fmt.Errorf("order trades unavailable in test mode")
	}
	numeric, convErr := strconv.ParseInt(orderID, 10, 64)
	if convErr != nil {
		return 0, 0, fmt.Errorf("order %s has no numeric id", orderID)
	}
	return a.client.OrderTrades(ctx, symbol, numeric)
}

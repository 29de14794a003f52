// Package exchange implements the futures exchange adapter: a signed REST
// client, the market-data and user-data websocket feeds, order-id
// normalisation, and a deterministic simulator used in test mode.
//
// The REST client (Client) talks to the USDT-M futures API:
//   - market data:  /fapi/v1/{premiumIndex,ticker/price,ticker/24hr,exchangeInfo,klines,depth}
//   - account:      /fapi/v2/{balance,positionRisk}, /fapi/v1/{userTrades,leverage}
//   - orders:       /fapi/v1/order (plain), /fapi/v1/algoOrder (conditional)
//   - user stream:  /fapi/v1/listenKey
//
// Every request is rate-limited via per-category TokenBuckets and retried on
// 5xx; signed requests additionally pass through a circuit breaker so a
// flapping API does not hammer the order endpoints.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"perpbot/internal/config"
	"perpbot/pkg/types"
)

const exchangeInfoTTL = 10 * time.Minute

// Client is the futures REST API client. It wraps a resty HTTP client with
// rate limiting, retry, signing, and an exchange-info lot-filter cache.
type Client struct {
	http    *resty.Client
	sign    *signer
	rl      *RateLimiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	apiUp atomic.Bool // last REST call outcome, surfaced as market status

	infoMu      sync.Mutex
	filters     map[string]types.SymbolFilters
	symbols     []SymbolInfo
	infoFetched time.Time
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseRestURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "futures-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:    httpClient,
		sign:    newSigner(cfg.Key, cfg.Secret, cfg.RecvWindow),
		rl:      NewRateLimiter(),
		breaker: breaker,
		logger:  logger.With("component", "rest"),
		filters: make(map[string]types.SymbolFilters),
	}
}

// APIHealthy reports whether the most recent REST call succeeded.
func (c *Client) APIHealthy() bool { return c.apiUp.Load() }

// ————————————————————————————————————————————————————————————————————————
// Wire shapes
// ————————————————————————————————————————————————————————————————————————

// SymbolInfo is the subset of exchange info the scanner and adapter need.
type SymbolInfo struct {
	Symbol       string
	Status       string
	QuoteAsset   string
	ContractType string
	Filters      types.SymbolFilters
}

// Ticker24h is one entry of the 24-hour ticker statistics.
type Ticker24h struct {
	Symbol             string `json:"symbol"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
}

// Kline is one candlestick.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Depth is a partial order book snapshot. Levels are [price, qty] pairs.
type Depth struct {
	Bids [][2]float64
	Asks [][2]float64
}

// PositionRisk is one hedge-mode position as reported by the exchange.
type PositionRisk struct {
	Symbol       string
	PositionSide types.PositionSide
	PositionAmt  float64
	EntryPrice   float64
}

// orderResponse is the plain-order endpoint response.
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	OrigQty       string `json:"origQty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
}

// algoResponse is the conditional-order endpoint response.
type algoResponse struct {
	AlgoID       int64  `json:"algoId"`
	ClientAlgoID string `json:"clientAlgoId"`
	Success      bool   `json:"success"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ————————————————————————————————————————————————————————————————————————
// Request plumbing
// ————————————————————————————————————————————————————————————————————————

// do executes a public (unsigned) request and decodes into out.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	req := c.http.R().SetContext(ctx)
	if params != nil {
		req.SetQueryParamsFromValues(params)
	}
	resp, err := req.Execute(method, path)
	return c.finish(path, resp, err, out)
}

// doSigned executes a signed request through the circuit breaker.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	query := c.sign.Sign(params)

	res, err := c.breaker.Execute(func() (any, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader(apiKeyHeader, c.sign.key).
			SetQueryString(query).
			Execute(method, path)
	})
	var resp *resty.Response
	if res != nil {
		resp = res.(*resty.Response)
	}
	return c.finish(path, resp, err, out)
}

// finish maps transport errors, exchange rejections and decode failures to a
// single error surface and records API health.
func (c *Client) finish(path string, resp *resty.Response, err error, out any) error {
	if err != nil {
		c.apiUp.Store(false)
		return fmt.Errorf("%s: %w", path, err)
	}
	c.apiUp.Store(true)

	if resp.StatusCode() >= 300 {
		var ae apiError
		if jsonErr := json.Unmarshal(resp.Body(), &ae); jsonErr == nil && ae.Code != 0 {
			return fmt.Errorf("%s: %w", path, &ExchangeError{Code: ae.Code, Message: ae.Msg})
		}
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%s: decode: %w", path, err)
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarkPrice returns the current mark price for a symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return 0, err
	}
	var out struct {
		MarkPrice string `json:"markPrice"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, resty.MethodGet, "/fapi/v1/premiumIndex", params, &out); err != nil {
		return 0, err
	}
	return parseFloat(out.MarkPrice), nil
}

// TickerPrice returns the last traded price for a symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return 0, err
	}
	var out struct {
		Price string `json:"price"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, resty.MethodGet, "/fapi/v1/ticker/price", params, &out); err != nil {
		return 0, err
	}
	return parseFloat(out.Price), nil
}

// Tickers24h returns 24-hour statistics for all symbols.
func (c *Client) Tickers24h(ctx context.Context) ([]Ticker24h, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	var out []Ticker24h
	if err := c.do(ctx, resty.MethodGet, "/fapi/v1/ticker/24hr", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExchangeSymbols returns the symbol universe from exchange info. Results
// are cached with a 10-minute TTL.
func (c *Client) ExchangeSymbols(ctx context.Context) ([]SymbolInfo, error) {
	if err := c.refreshExchangeInfo(ctx); err != nil {
		return nil, err
	}
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.symbols, nil
}

// Filters returns the tick/step lot filters for a symbol from the cached
// exchange info.
func (c *Client) Filters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	if err := c.refreshExchangeInfo(ctx); err != nil {
		return types.SymbolFilters{}, err
	}
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	f, ok := c.filters[symbol]
	if !ok {
		return types.SymbolFilters{}, fmt.Errorf("no lot filters for symbol %s", symbol)
	}
	return f, nil
}

func (c *Client) refreshExchangeInfo(ctx context.Context) error {
	c.infoMu.Lock()
	fresh := time.Since(c.infoFetched) < exchangeInfoTTL && len(c.filters) > 0
	c.infoMu.Unlock()
	if fresh {
		return nil
	}

	if err := c.rl.Market.Wait(ctx); err != nil {
		return err
	}
	var out struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			Status       string `json:"status"`
			QuoteAsset   string `json:"quoteAsset"`
			ContractType string `json:"contractType"`
			Filters      []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.do(ctx, resty.MethodGet, "/fapi/v1/exchangeInfo", nil, &out); err != nil {
		return err
	}

	filters := make(map[string]types.SymbolFilters, len(out.Symbols))
	symbols := make([]SymbolInfo, 0, len(out.Symbols))
	for _, s := range out.Symbols {
		var f types.SymbolFilters
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				f.TickSize = parseFloat(flt.TickSize)
			case "LOT_SIZE":
				f.StepSize = parseFloat(flt.StepSize)
			}
		}
		filters[s.Symbol] = f
		symbols = append(symbols, SymbolInfo{
			Symbol:       s.Symbol,
			Status:       s.Status,
			QuoteAsset:   s.QuoteAsset,
			ContractType: s.ContractType,
			Filters:      f,
		})
	}

	c.infoMu.Lock()
	c.filters = filters
	c.symbols = symbols
	c.infoFetched = time.Now()
	c.infoMu.Unlock()
	return nil
}

// Klines returns up to limit candlesticks for the symbol and interval.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	var raw [][]json.RawMessage
	if err := c.do(ctx, resty.MethodGet, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		var openMs int64
		var o, h, l, cl, v string
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			continue
		}
		for i, dst := range []*string{&o, &h, &l, &cl, &v} {
			if err := json.Unmarshal(row[i+1], dst); err != nil {
				continue
			}
		}
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(openMs),
			Open:     parseFloat(o),
			High:     parseFloat(h),
			Low:      parseFloat(l),
			Close:    parseFloat(cl),
			Volume:   parseFloat(v),
		})
	}
	return klines, nil
}

// GetDepth returns a partial order book snapshot.
func (c *Client) GetDepth(ctx context.Context, symbol string, limit int) (*Depth, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	var out struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := c.do(ctx, resty.MethodGet, "/fapi/v1/depth", params, &out); err != nil {
		return nil, err
	}

	depth := &Depth{}
	for _, lvl := range out.Bids {
		depth.Bids = append(depth.Bids, [2]float64{parseFloat(lvl[0]), parseFloat(lvl[1])})
	}
	for _, lvl := range out.Asks {
		depth.Asks = append(depth.Asks, [2]float64{parseFloat(lvl[0]), parseFloat(lvl[1])})
	}
	return depth, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// AvailableBalance returns the free USDT balance.
func (c *Client) AvailableBalance(ctx context.Context) (float64, error) {
	if err := c.rl.Signed.Wait(ctx); err != nil {
		return 0, err
	}
	var out []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := c.doSigned(ctx, resty.MethodGet, "/fapi/v2/balance", nil, &out); err != nil {
		return 0, err
	}
	for _, b := range out {
		if b.Asset == "USDT" {
			return parseFloat(b.AvailableBalance), nil
		}
	}
	return 0, fmt.Errorf("no USDT balance entry")
}

// GetPosition returns the open hedge-mode positions for a symbol.
func (c *Client) GetPosition(ctx context.Context, symbol string) ([]PositionRisk, error) {
	if err := c.rl.Signed.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{"symbol": {symbol}}
	var out []struct {
		Symbol       string `json:"symbol"`
		PositionSide string `json:"positionSide"`
		PositionAmt  string `json:"positionAmt"`
		EntryPrice   string `json:"entryPrice"`
	}
	if err := c.doSigned(ctx, resty.MethodGet, "/fapi/v2/positionRisk", params, &out); err != nil {
		return nil, err
	}

	positions := make([]PositionRisk, 0, len(out))
	for _, p := range out {
		positions = append(positions, PositionRisk{
			Symbol:       p.Symbol,
			PositionSide: types.PositionSide(p.PositionSide),
			PositionAmt:  parseFloat(p.PositionAmt),
			EntryPrice:   parseFloat(p.EntryPrice),
		})
	}
	return positions, nil
}

// OrderTrades returns the realized PnL and commission the exchange reports
// for a filled order, summed across its partial fills.
func (c *Client) OrderTrades(ctx context.Context, symbol string, orderID int64) (pnl, commission float64, err error) {
	if err := c.rl.Signed.Wait(ctx); err != nil {
		return 0, 0, err
	}
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	var out []struct {
		RealizedPnl string `json:"realizedPnl"`
		Commission  string `json:"commission"`
	}
	if err := c.doSigned(ctx, resty.MethodGet, "/fapi/v1/userTrades", params, &out); err != nil {
		return 0, 0, err
	}
	if len(out) == 0 {
		return 0, 0, fmt.Errorf("no trades reported for order %d", orderID)
	}
	for _, t := range out {
		pnl += parseFloat(t.RealizedPnl)
		commission += parseFloat(t.Commission)
	}
	return pnl, commission, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.rl.Signed.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{
		"symbol":   {symbol},
		"leverage": {strconv.Itoa(leverage)},
	}
	return c.doSigned(ctx, resty.MethodPost, "/fapi/v1/leverage", params, nil)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// placeOrder submits a plain (non-conditional) order.
func (c *Client) placeOrder(ctx context.Context, params url.Values) (*orderResponse, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	var out orderResponse
	if err := c.doSigned(ctx, resty.MethodPost, "/fapi/v1/order", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// placeAlgoOrder submits a conditional order with a pre-assigned client algo id.
func (c *Client) placeAlgoOrder(ctx context.Context, params url.Values) (*algoResponse, error) {
	if typ := params.Get("type"); typ == string(types.OrderTypeMarket) || typ == string(types.OrderTypeLimit) {
		// Programmer error: plain order types never go through the algo endpoint.
		return nil, fmt.Errorf("order type %s is not a conditional order", typ)
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	var out algoResponse
	if err := c.doSigned(ctx, resty.MethodPost, "/fapi/v1/algoOrder", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// cancelOrder cancels a plain or algo order. Error code -2011 (unknown
// order) is treated as success with status UNKNOWN.
func (c *Client) cancelOrder(ctx context.Context, symbol, orderID string, algo bool) (string, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	params := url.Values{"symbol": {symbol}}
	path := "/fapi/v1/order"
	if algo {
		path = "/fapi/v1/algoOrder"
		params.Set("clientAlgoId", orderID)
	} else {
		params.Set("orderId", orderID)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := c.doSigned(ctx, resty.MethodDelete, path, params, &out); err != nil {
		if IsCode(err, CodeUnknownOrder) {
			return "UNKNOWN", nil
		}
		return "", err
	}
	if out.Status == "" {
		out.Status = "CANCELED"
	}
	return out.Status, nil
}

// cancelAllOpenOrders cancels every open order (plain and algo) on a symbol.
func (c *Client) cancelAllOpenOrders(ctx context.Context, symbol string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{"symbol": {symbol}}
	return c.doSigned(ctx, resty.MethodDelete, "/fapi/v1/allOpenOrders", params, nil)
}

// ————————————————————————————————————————————————————————————————————————
// User data stream
// ————————————————————————————————————————————————————————————————————————

// CreateListenKey obtains a user-data stream listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if err := c.rl.Signed.Wait(ctx); err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.doSigned(ctx, resty.MethodPost, "/fapi/v1/listenKey", nil, &out); err != nil {
		return "", err
	}
	if out.ListenKey == "" {
		return "", fmt.Errorf("empty listen key")
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the listen key validity.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	if err := c.rl.Signed.Wait(ctx); err != nil {
		return err
	}
	return c.doSigned(ctx, resty.MethodPut, "/fapi/v1/listenKey", nil, nil)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

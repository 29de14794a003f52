// ws.go implements the two websocket feeds: the public market-data stream
// (mark price + best bid/ask for the subscribed symbols) and the private
// user-data stream (order fills, cancels, expirations).
//
// Both feeds auto-reconnect with a fixed 3-second debounce. There is no
// exponential backoff on purpose: the bot holds live positions whose exits
// depend on these feeds, so it should come back as fast as the debounce
// allows rather than sleeping through a transient outage.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"perpbot/pkg/types"
)

const (
	wsReconnectDelay = 3 * time.Second

	// The market stream is considered dead after this much silence.
	marketSilenceLimit = 10 * time.Second
	marketSilenceCheck = 5 * time.Second

	// Listen keys expire after 60 minutes without a keepalive.
	listenKeyKeepAlive = 25 * time.Minute
)

// ————————————————————————————————————————————————————————————————————————
// Market feed
// ————————————————————————————————————————————————————————————————————————

// MarketFeed maintains a combined websocket subscription to markPrice@1s and
// bookTicker for a mutable set of symbols and emits merged PriceUpdates.
type MarketFeed struct {
	baseURL string
	logger  *slog.Logger
	updates chan types.PriceUpdate

	mu      sync.Mutex
	symbols []string
	conn    *websocket.Conn

	lastMsg   atomic.Int64 // unix nanos of the last received frame
	connected atomic.Bool
}

// NewMarketFeed creates a market feed. Updates delivers merged price events;
// slow consumers drop updates rather than stall the read loop.
func NewMarketFeed(baseURL string, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		baseURL: baseURL,
		logger:  logger.With("component", "market-ws"),
		updates: make(chan types.PriceUpdate, 256),
	}
}

// Updates returns the price update channel.
func (f *MarketFeed) Updates() <-chan types.PriceUpdate { return f.updates }

// Connected reports whether the feed currently has a live connection.
func (f *MarketFeed) Connected() bool { return f.connected.Load() }

// SetSymbols replaces the subscribed symbol set. If membership changed the
// current connection is torn down so the reconnect loop re-dials with the
// new combined stream URL.
func (f *MarketFeed) SetSymbols(symbols []string) {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)

	f.mu.Lock()
	same := len(sorted) == len(f.symbols)
	if same {
		for i := range sorted {
			if sorted[i] != f.symbols[i] {
				same = false
				break
			}
		}
	}
	f.symbols = sorted
	conn := f.conn
	f.mu.Unlock()

	if !same && conn != nil {
		conn.Close()
	}
}

// Run connects and re-connects until ctx is cancelled.
func (f *MarketFeed) Run(ctx context.Context) {
	for {
		if err := f.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("market stream disconnected", "error", err)
		}
		f.connected.Store(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (f *MarketFeed) streamURL() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.symbols) == 0 {
		return "", false
	}
	streams := make([]string, 0, len(f.symbols)*2)
	for _, s := range f.symbols {
		lower := strings.ToLower(s)
		streams = append(streams, lower+"@markPrice@1s", lower+"@bookTicker")
	}
	return f.baseURL + "/stream?streams=" + strings.Join(streams, "/"), true
}

func (f *MarketFeed) connectAndRead(ctx context.Context) error {
	wsURL, ok := f.streamURL()
	if !ok {
		// Nothing subscribed yet; treat as a clean idle cycle.
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.connected.Store(true)
	f.lastMsg.Store(time.Now().UnixNano())
	f.logger.Info("market stream connected", "url", wsURL)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go f.watchdog(watchCtx, conn)
	go func() {
		<-watchCtx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.lastMsg.Store(time.Now().UnixNano())
		f.handleMessage(msg)
	}
}

// watchdog terminates the connection when the stream has been silent longer
// than the limit. The exchange sends mark prices every second, so prolonged
// silence means a half-open connection.
func (f *MarketFeed) watchdog(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(marketSilenceCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, f.lastMsg.Load())
			if silence := time.Since(last); silence > marketSilenceLimit {
				f.logger.Warn("market stream silent, forcing reconnect", "silence", silence)
				conn.Close()
				return
			}
		}
	}
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type markPriceEvent struct {
	Event  string `json:"e"`
	Time   int64  `json:"E"`
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

type bookTickerEvent struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

func (f *MarketFeed) handleMessage(msg []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Stream == "" {
		return
	}

	switch {
	case strings.Contains(frame.Stream, "@markPrice"):
		var ev markPriceEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return
		}
		f.emit(types.PriceUpdate{
			Symbol: ev.Symbol,
			Price:  parseFloat(ev.Price),
			Mark:   true,
			Time:   time.UnixMilli(ev.Time),
		})
	case strings.HasSuffix(frame.Stream, "@bookTicker"):
		var ev bookTickerEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return
		}
		bid, ask := parseFloat(ev.Bid), parseFloat(ev.Ask)
		f.emit(types.PriceUpdate{
			Symbol: ev.Symbol,
			Price:  (bid + ask) / 2,
			Bid:    bid,
			Ask:    ask,
			Time:   time.Now(),
		})
	}
}

func (f *MarketFeed) emit(u types.PriceUpdate) {
	select {
	case f.updates <- u:
	default:
		// Drop rather than block the read loop.
	}
}

// ————————————————————————————————————————————————————————————————————————
// User feed
// ————————————————————————————————————————————————————————————————————————

// OrderUpdate is a raw order event from the user-data stream. The adapter
// translates it into fills and cancels after id normalisation.
type OrderUpdate struct {
	Symbol        string
	Side          types.Side
	PositionSide  types.PositionSide
	Status        string // NEW, FILLED, CANCELED, EXPIRED, ...
	OrderID       int64
	ClientOrderID string
	AvgPrice      float64
	LastPrice     float64
	FilledQty     float64
	Commission    float64
	RealizedPnl   float64
	Time          time.Time
}

// listenKeyClient is the REST surface the user feed needs.
type listenKeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// UserFeed maintains the private user-data stream: it creates a listen key,
// keeps it alive, and re-issues it on expiry.
type UserFeed struct {
	baseURL string
	client  listenKeyClient
	logger  *slog.Logger
	orders  chan OrderUpdate

	connected atomic.Bool
}

// NewUserFeed creates a user-data feed backed by the given REST client.
func NewUserFeed(baseURL string, client listenKeyClient, logger *slog.Logger) *UserFeed {
	return &UserFeed{
		baseURL: baseURL,
		client:  client,
		logger:  logger.With("component", "user-ws"),
		orders:  make(chan OrderUpdate, 128),
	}
}

// Orders returns the order update channel.
func (f *UserFeed) Orders() <-chan OrderUpdate { return f.orders }

// Connected reports whether the feed currently has a live connection.
func (f *UserFeed) Connected() bool { return f.connected.Load() }

// Run connects and re-connects until ctx is cancelled. Every cycle obtains a
// fresh listen key, so an expired key is healed by the normal reconnect path.
func (f *UserFeed) Run(ctx context.Context) {
	for {
		if err := f.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("user stream disconnected", "error", err)
		}
		f.connected.Store(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (f *UserFeed) connectAndRead(ctx context.Context) error {
	key, err := f.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}

	wsURL, err := url.JoinPath(f.baseURL, "ws", key)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connected.Store(true)
	f.logger.Info("user stream connected")

	keepCtx, cancelKeep := context.WithCancel(ctx)
	defer cancelKeep()
	go f.keepAliveLoop(keepCtx)
	go func() {
		<-keepCtx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if expired := f.handleMessage(msg); expired {
			return fmt.Errorf("listen key expired")
		}
	}
}

func (f *UserFeed) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.client.KeepAliveListenKey(ctx); err != nil {
				f.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

type userFrame struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
	Order struct {
		Symbol        string `json:"s"`
		Side          string `json:"S"`
		PositionSide  string `json:"ps"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		ClientOrderID string `json:"c"`
		AvgPrice      string `json:"ap"`
		LastPrice     string `json:"L"`
		FilledQty     string `json:"z"`
		Commission    string `json:"n"`
		RealizedPnl   string `json:"rp"`
	} `json:"o"`
}

// handleMessage parses a user-stream frame. Returns true when the frame is a
// listenKeyExpired notice, which forces the reconnect cycle.
func (f *UserFeed) handleMessage(msg []byte) bool {
	var frame userFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return false
	}

	switch frame.Event {
	case "listenKeyExpired":
		f.logger.Warn("listen key expired")
		return true
	case "ORDER_TRADE_UPDATE":
		o := frame.Order
		update := OrderUpdate{
			Symbol:        o.Symbol,
			Side:          types.Side(o.Side),
			PositionSide:  types.PositionSide(o.PositionSide),
			Status:        o.Status,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			AvgPrice:      parseFloat(o.AvgPrice),
			LastPrice:     parseFloat(o.LastPrice),
			FilledQty:     parseFloat(o.FilledQty),
			Commission:    parseFloat(o.Commission),
			RealizedPnl:   parseFloat(o.RealizedPnl),
			Time:          time.UnixMilli(frame.Time),
		}
		select {
		case f.orders <- update:
		default:
			f.logger.Warn("order update dropped, consumer too slow", "symbol", o.Symbol)
		}
	}
	return false
}

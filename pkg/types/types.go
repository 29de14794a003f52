// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order and position
// shapes, normalised market/user-data events, trade records, and the
// snapshots the ledger hands to the dashboard. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order kinds. STOP_LIMIT and STOP_MARKET
// are conditional ("algo") orders routed through a separate endpoint in live
// mode; callers never observe the distinction.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeMarket     OrderType = "MARKET"
)

// IsConditional reports whether the order type is routed through the algo
// (conditional) endpoint in live mode.
func (t OrderType) IsConditional() bool {
	return t == OrderTypeStopLimit || t == OrderTypeStopMarket
}

// PositionSide identifies the hedge-mode position an order acts on. Distinct
// LONG and SHORT positions may coexist on the same symbol.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
)

// Sign returns +1 for LONG, -1 for SHORT.
func (p PositionSide) Sign() float64 {
	if p == LONG {
		return 1
	}
	return -1
}

// StrategyKind selects the trading discipline a trader runs.
type StrategyKind string

const (
	StrategyGrid       StrategyKind = "GRID"
	StrategyVolatility StrategyKind = "VOLATILITY"
)

// CloseReason discloses why a position was closed. It is recorded on trade
// history entries so failures are visible on the dashboard.
type CloseReason string

const (
	CloseTakeProfit CloseReason = "take-profit"
	CloseStopLoss   CloseReason = "stop-loss"
	CloseBase       CloseReason = "base-close"
	CloseSLRejected CloseReason = "sl-rejected"
	CloseShutdown   CloseReason = "shutdown"
)

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the normalised order shape the strategies hand to the
// adapter. Price and StopPrice are zero when not applicable; the adapter
// floor-rounds Quantity to the symbol's step size and prices to its tick
// size before submission.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Type         OrderType
	Quantity     float64
	Price        float64 // limit price, 0 for market/stop-market
	StopPrice    float64 // trigger price for STOP_* types
	ReduceOnly   bool
	PositionSide PositionSide
}

// OrderAck is the adapter's response to an order placement. ID is the
// normalised order identifier (a BOT- client algo id for conditional orders,
// the numeric exchange id otherwise); the raw identifiers are kept so
// consumers can reverse-lookup by any key.
type OrderAck struct {
	ID        string
	NumericID int64
	ClientID  string
	Symbol    string
	Side      Side
	Type      OrderType
	Price     float64 // fill price for market orders, limit price otherwise
	Quantity  float64
	Status    string
}

// Position is one open hedge-mode position owned by a trader. While
// IsClosing is false the position carries exactly one live TP and one live
// SL order, except in the transient window between entry fill and exit
// placement acknowledgement.
type Position struct {
	ID              string
	Symbol          string
	Direction       PositionSide
	EntryPrice      float64
	Quantity        float64
	TakeProfitPrice float64
	StopLossPrice   float64
	TPOrderID       string
	SLOrderID       string
	LevelIndex      int
	IsClosing       bool
	OpenedAt        time.Time
}

// PendingEntry is a resting entry order awaiting a fill. No Position exists
// at the same level index while the entry is pending.
type PendingEntry struct {
	OrderID    string
	NumericID  int64
	Direction  PositionSide
	Price      float64
	Quantity   float64
	LevelIndex int
}

// PendingExit is a live reduce-only exit order tied to an open position.
type PendingExit struct {
	OrderID    string
	NumericID  int64
	PositionID string
	Reason     CloseReason
	Price      float64
}

// TradeRecord is one completed round trip appended to a trader's history.
type TradeRecord struct {
	Symbol    string       `json:"symbol"`
	Strategy  StrategyKind `json:"strategy"`
	Direction PositionSide `json:"direction"`
	Entry     float64      `json:"entry"`
	Exit      float64      `json:"exit"`
	Quantity  float64      `json:"quantity"`
	Pnl       float64      `json:"pnl"`
	Fees      float64      `json:"fees"`
	Reason    CloseReason  `json:"reason"`
	ClosedAt  time.Time    `json:"closed_at"`
}

// SymbolFilters carries the lot filters extracted from exchange info.
// Every submitted price must be an integer multiple of TickSize and every
// quantity an integer multiple of StepSize.
type SymbolFilters struct {
	TickSize float64
	StepSize float64
}

// ————————————————————————————————————————————————————————————————————————
// Normalised adapter events
// ————————————————————————————————————————————————————————————————————————

// PriceUpdate is a market-data sample delivered to traders. Mark-price
// samples carry Price only; book-ticker samples carry Bid/Ask and Price set
// to the mid.
type PriceUpdate struct {
	Symbol string
	Price  float64
	Bid    float64
	Ask    float64
	Mark   bool // true for markPrice samples, false for bookTicker mids
	Time   time.Time
}

// OrderFill is a normalised fill notification. OrderID follows the id
// priority rule (BOT- client id, mapped algo client id, numeric id); the
// raw identifiers are carried so strategies can match by any of them.
// Commission and RealizedPnl are populated only from the live user stream;
// simulator fills leave them zero.
type OrderFill struct {
	Symbol      string
	OrderID     string
	NumericID   int64
	ClientID    string
	Price       float64
	Quantity    float64
	Side        Side
	Commission  float64
	RealizedPnl float64
	Time        time.Time
}

// OrderCancel is a normalised cancellation / expiry notification.
type OrderCancel struct {
	Symbol    string
	OrderID   string
	NumericID int64
	ClientID  string
	Status    string
	Side      Side
	Type      OrderType
	Time      time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Scanner
// ————————————————————————————————————————————————————————————————————————

// Candidate is one ranked symbol produced by the scanner, best first.
type Candidate struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	Change24h float64 `json:"change_24h"` // signed percent
	RangePct  float64 `json:"range_pct"`  // 4h high-low range as percent of low
	Score     float64 `json:"score"`      // |change| + range
}

// ————————————————————————————————————————————————————————————————————————
// Ledger snapshots
// ————————————————————————————————————————————————————————————————————————

// TraderSnapshot is the live view of one trader published to the ledger.
type TraderSnapshot struct {
	ID            string       `json:"id"`
	Symbol        string       `json:"symbol"`
	Strategy      StrategyKind `json:"strategy"`
	BasePrice     float64      `json:"base_price"`
	LastPrice     float64      `json:"last_price"`
	CreatedAt     time.Time    `json:"created_at"`
	RealizedPnl   float64      `json:"realized_pnl"`
	UnrealizedPnl float64      `json:"unrealized_pnl"`
	FeesPaid      float64      `json:"fees_paid"`
	OpenPositions int          `json:"open_positions"`
	PendingOrders int          `json:"pending_orders"`
	Active        bool         `json:"active"`
}

// TraderSummary records a terminated trader for the ledger.
type TraderSummary struct {
	ID          string       `json:"id"`
	Symbol      string       `json:"symbol"`
	Strategy    StrategyKind `json:"strategy"`
	RealizedPnl float64      `json:"realized_pnl"`
	FeesPaid    float64      `json:"fees_paid"`
	Reason      CloseReason  `json:"reason"`
	ClosedAt    time.Time    `json:"closed_at"`
}

// Performance aggregates closed-trade statistics.
type Performance struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	GrossProfit float64 `json:"gross_profit"`
	GrossLoss   float64 `json:"gross_loss"`
	FeesPaid    float64 `json:"fees_paid"`
	NetProfit   float64 `json:"net_profit"`
	MaxDrawdown float64 `json:"max_drawdown"`

	// Live variants fold in current unrealized PnL across active traders.
	GrossProfitLive float64 `json:"gross_profit_live"`
	GrossLossLive   float64 `json:"gross_loss_live"`
	NetProfitLive   float64 `json:"net_profit_live"`
}

// EquitySample is one point on the rolling equity curve.
type EquitySample struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// MarketStatus reports exchange connectivity for the dashboard.
type MarketStatus struct {
	API bool `json:"api"`
	WS  bool `json:"ws"`
}

// Package models defines the core data types shared across the trading engine.
package models

import (
	"strconv"
	"time"
)

// Side is the direction of an order or a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide mirrors Side but reads naturally on a resting position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OrderType enumerates the order types the broker accepts.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce enumerates supported TIF values.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
)

// OrderStatus is the lifecycle status of an order. Terminal statuses
// (Filled, Cancelled, Rejected) are sticky: no transition leaves them.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderWorking   OrderStatus = "WORKING"
	OrderFilled    OrderStatus = "FILLED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status is sticky.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// BracketRole identifies an order's role within a bracket/OCO tree.
type BracketRole string

const (
	BracketEntry  BracketRole = "ENTRY"
	BracketStop   BracketRole = "STOP"
	BracketTarget BracketRole = "TARGET"
)

// Contract describes a tradable futures instrument.
type Contract struct {
	Symbol      string  `json:"symbol"`
	ContractID  string  `json:"contract_id"`
	TickSize    float64 `json:"tick_size"`
	TickValue   float64 `json:"tick_value"`
	PointValue  float64 `json:"point_value"`
	Exchange    string  `json:"exchange"`
	Description string  `json:"description"`
}

// Account is a funded (or evaluation) brokerage account.
type Account struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Balance           float64   `json:"balance"`
	Equity            float64   `json:"equity"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	StartOfDayBalance float64   `json:"start_of_day_balance"`
	AccountType       string    `json:"account_type"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Position is the at-most-one-per-(account,symbol) resting exposure.
type Position struct {
	AccountID      string       `json:"account_id"`
	Symbol         string       `json:"symbol"`
	Side           PositionSide `json:"side"`
	Quantity       int          `json:"quantity"`
	AvgEntryPrice  float64      `json:"avg_entry_price"`
	CurrentPrice   float64      `json:"current_price"`
	RealizedPnL    float64      `json:"realized_pnl"`
	UnrealizedPnL  float64      `json:"unrealized_pnl"`
	OpenedAt       time.Time    `json:"opened_at"`
	LinkedOrderIDs []string     `json:"linked_order_ids"`
}

// Key returns the (account_id, symbol) identity of the position.
func (p *Position) Key() string {
	return p.AccountID + "|" + p.Symbol
}

// IsFlat reports whether the position has no remaining quantity.
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// Order is a single broker order, possibly a child of a bracket.
type Order struct {
	ID             string      `json:"id"`
	AccountID      string      `json:"account_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Quantity       int         `json:"quantity"`
	LimitPrice     *float64    `json:"limit_price,omitempty"`
	StopPrice      *float64    `json:"stop_price,omitempty"`
	TimeInForce    TimeInForce `json:"time_in_force"`
	ReduceOnly     bool        `json:"reduce_only"`
	Status         OrderStatus `json:"status"`
	ParentID       string      `json:"parent_id,omitempty"`
	BracketRole    BracketRole `json:"bracket_role,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Clone returns a deep-enough copy safe for concurrent readers.
func (o *Order) Clone() *Order {
	cp := *o
	if o.LimitPrice != nil {
		v := *o.LimitPrice
		cp.LimitPrice = &v
	}
	if o.StopPrice != nil {
		v := *o.StopPrice
		cp.StopPrice = &v
	}
	return &cp
}

// TimeframeUnit is the unit a Bar's timeframe value is expressed in.
type TimeframeUnit string

const (
	UnitSecond TimeframeUnit = "second"
	UnitMinute TimeframeUnit = "minute"
	UnitHour   TimeframeUnit = "hour"
	UnitDay    TimeframeUnit = "day"
	UnitWeek   TimeframeUnit = "week"
	UnitMonth  TimeframeUnit = "month"
)

// Timeframe is a (value, unit) pair, e.g. (5, minute).
type Timeframe struct {
	Value int           `json:"value"`
	Unit  TimeframeUnit `json:"unit"`
}

// Duration converts the timeframe to a time.Duration. Day+ timeframes
// are approximated as calendar-naive multiples of 24h; callers needing
// exact session alignment use the Clock & Calendar component instead.
func (t Timeframe) Duration() time.Duration {
	switch t.Unit {
	case UnitSecond:
		return time.Duration(t.Value) * time.Second
	case UnitMinute:
		return time.Duration(t.Value) * time.Minute
	case UnitHour:
		return time.Duration(t.Value) * time.Hour
	case UnitDay:
		return time.Duration(t.Value) * 24 * time.Hour
	case UnitWeek:
		return time.Duration(t.Value) * 7 * 24 * time.Hour
	case UnitMonth:
		return time.Duration(t.Value) * 30 * 24 * time.Hour
	default:
		return 0
	}
}

// String renders the timeframe as e.g. "5m", "1h", "1d".
func (t Timeframe) String() string {
	suffix := map[TimeframeUnit]string{
		UnitSecond: "s", UnitMinute: "m", UnitHour: "h",
		UnitDay: "d", UnitWeek: "w", UnitMonth: "M",
	}[t.Unit]
	return strconv.Itoa(t.Value) + suffix
}

// Bar is one OHLCV candle. Uniqueness key is (Symbol,Timeframe,OpenTime).
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Tick is a single quote or trade update. Never persisted.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      *float64  `json:"last,omitempty"`
	Volume    *float64  `json:"volume,omitempty"`
}

// StrategyStatus is the lifecycle status of a (strategy,account) pair.
type StrategyStatus string

const (
	StrategyDisabled    StrategyStatus = "DISABLED"
	StrategyEnabledIdle StrategyStatus = "ENABLED_IDLE"
	StrategyRunning     StrategyStatus = "RUNNING"
	StrategyStopped     StrategyStatus = "STOPPED"
	StrategyError       StrategyStatus = "ERROR"
)

// StrategyConfig is the persisted, user-editable configuration for one
// strategy kind on one account. Params is a discriminated union keyed
// by Name; unknown keys are preserved verbatim across round-trips.
type StrategyConfig struct {
	Name         string                 `json:"name"`
	AccountID    string                 `json:"account_id"`
	Enabled      bool                   `json:"enabled"`
	Symbols      []string               `json:"symbols"`
	PositionSize int                    `json:"position_size"`
	MaxPositions int                    `json:"max_positions"`
	Params       map[string]interface{} `json:"params"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// StrategyStats summarizes realized performance for display/API use.
type StrategyStats struct {
	TradeCount  int     `json:"trade_count"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// StrategyState is the in-memory runtime status of a (strategy,account).
type StrategyState struct {
	Status          StrategyStatus `json:"status"`
	IsRunning       bool           `json:"is_running"`
	LastTick        time.Time      `json:"last_tick"`
	Stats           StrategyStats  `json:"stats"`
	NextExecutionAt *time.Time     `json:"next_execution_at,omitempty"`
}

// TradeRecord is one FIFO-consolidated round-trip trade.
type TradeRecord struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	StrategyName string    `json:"strategy_name,omitempty"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Quantity     int       `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	EntryTime    time.Time `json:"entry_time"`
	ExitTime     time.Time `json:"exit_time"`
	GrossPnL     float64   `json:"gross_pnl"`
	Fees         float64   `json:"fees"`
	NetPnL       float64   `json:"net_pnl"`
}

// LimitBand is a {limit,used,remaining,pct,violated} risk band, used
// for both the daily-loss limit and the maximum-loss limit.
type LimitBand struct {
	Limit     float64 `json:"limit"`
	Used      float64 `json:"used"`
	Remaining float64 `json:"remaining"`
	Pct       float64 `json:"pct"`
	Violated  bool    `json:"violated"`
}

// RiskSnapshot is the point-in-time compliance picture for one account.
type RiskSnapshot struct {
	AccountID    string      `json:"account_id"`
	Balance      float64     `json:"balance"`
	StartBalance float64     `json:"start_balance"`
	TotalPnL     float64     `json:"total_pnl"`
	DLL          LimitBand   `json:"dll"`
	MLL          LimitBand   `json:"mll"`
	TrailingLoss float64     `json:"trailing_loss"`
	Compliance   bool        `json:"compliance"`
	Events       []RiskEvent `json:"events"`
}

// NotificationLevel is the severity of a Notification/RiskEvent.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
	LevelSuccess NotificationLevel = "success"
)

// RiskEvent and Notification share the same shape; RiskEvent is the
// risk-monitor-originated subset pushed onto a per-account ring buffer.
type RiskEvent struct {
	ID        string                 `json:"id"`
	AccountID string                 `json:"account_id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     NotificationLevel      `json:"level"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Notification is the general-purpose user-facing event.
type Notification RiskEvent

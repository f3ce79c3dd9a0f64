package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order (buy or sell).
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// Opposite returns the side that unwinds an order on this side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Direction is the exposure of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// DirectionFor maps an entry side to the resulting position direction.
func DirectionFor(side OrderSide) Direction {
	if side == Sell {
		return Short
	}
	return Long
}

// EntrySide is the order side that opens exposure in this direction.
func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return Sell
	}
	return Buy
}

// Sign is +1 for longs and -1 for shorts.
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// WireSide is the lowercase side used by brokerage position payloads.
func (d Direction) WireSide() string {
	return strings.ToLower(string(d))
}

// OrderType mirrors the brokerage order types.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce mirrors the brokerage time-in-force values.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFOPG TimeInForce = "opg"
	TIFCLS TimeInForce = "cls"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderClass distinguishes simple orders from orders with attached legs.
type OrderClass string

const (
	ClassSimple  OrderClass = "simple"
	ClassBracket OrderClass = "bracket"
	ClassOCO     OrderClass = "oco"
	ClassOTO     OrderClass = "oto"
)

// OrderStatus is the lifecycle state of an order as reported by a backend.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderAccepted        OrderStatus = "accepted"
	OrderPendingNew      OrderStatus = "pending_new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderExpired         OrderStatus = "expired"
	OrderRejected        OrderStatus = "rejected"
	OrderReplaced        OrderStatus = "replaced"
	OrderHeld            OrderStatus = "held"
)

// IsTerminal reports whether no further fills can happen on the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected, OrderReplaced:
		return true
	}
	return false
}

// PositionStatus represents the status of a position.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "OPEN"
	StatusTrimmed PositionStatus = "TP_HIT_TRIM"
	StatusClosed  PositionStatus = "CLOSED"
)

// Outcome classifies a closed position by the sign of its realized PnL.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
)

// ActionType is the kind of ledger row.
type ActionType string

const (
	ActionEntry     ActionType = "ENTRY"
	ActionTrim      ActionType = "TRIM"
	ActionExit      ActionType = "EXIT"
	ActionSLTighten ActionType = "SL_TIGHTEN"
)

// Reason indicates why an action was taken.
type Reason string

const (
	ReasonEntry       Reason = "ENTRY"
	ReasonTPTrim      Reason = "TP_TRIM"
	ReasonTPFull      Reason = "TP_FULL" // A take-profit trim that completed the position
	ReasonStopLoss    Reason = "STOP_LOSS"
	ReasonTakeProfit  Reason = "TAKE_PROFIT"
	ReasonSignalExit  Reason = "SIGNAL_EXIT"
	ReasonManual      Reason = "MANUAL"
	ReasonSLTighten   Reason = "SL_TIGHTEN"
	ReasonSLBreakeven Reason = "SL_BREAKEVEN"
	ReasonTPAdjust    Reason = "TP_ADJUST"
	ReasonReconcile   Reason = "RECONCILE" // Correction appended when the broker disagrees with the ledger
)

// LotStatus represents whether a lot still carries open quantity.
type LotStatus string

const (
	LotOpen   LotStatus = "OPEN"
	LotClosed LotStatus = "CLOSED"
)

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TakeProfitLeg is the limit leg attached to a bracket entry.
type TakeProfitLeg struct {
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// StopLossLeg is the stop leg attached to a bracket entry.
type StopLossLeg struct {
	StopPrice  decimal.Decimal `json:"stop_price"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
}

// OrderRequest is the typed input of SubmitOrder.
type OrderRequest struct {
	PositionID    string          `json:"position_id,omitempty"` // Trade the order belongs to; defaults to ClientOrderID
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	Class         OrderClass      `json:"order_class,omitempty"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	TrailPrice    decimal.Decimal `json:"trail_price,omitempty"`
	TrailPercent  decimal.Decimal `json:"trail_percent,omitempty"`
	TakeProfit    *TakeProfitLeg  `json:"take_profit,omitempty"`
	StopLoss      *StopLossLeg    `json:"stop_loss,omitempty"`

	// ReferencePrice is the current market price supplied by the caller.
	// Instant-fill backends fill at this price.
	ReferencePrice decimal.Decimal `json:"reference_price,omitempty"`
	// SubmittedAt is the logical timestamp of the entry; it feeds the action id.
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// Order is the result of an order operation.
type Order struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	PositionID     string          `json:"position_id,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"type"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Class          OrderClass      `json:"order_class"`
	Status         OrderStatus     `json:"status"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	LimitPrice     decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      decimal.Decimal `json:"stop_price,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
	Legs           []Order         `json:"legs,omitempty"`
}

// IsFilled reports whether the order is completely filled.
func (o *Order) IsFilled() bool {
	return o.Status == OrderFilled
}

// ReplaceRequest changes the protective levels of an open position.
type ReplaceRequest struct {
	Symbol         string          `json:"symbol,omitempty"` // Optional hint used for locking
	StopPrice      decimal.Decimal `json:"stop_price,omitempty"`
	LimitPrice     decimal.Decimal `json:"limit_price,omitempty"` // New take-profit level
	Qty            decimal.Decimal `json:"qty,omitempty"`
	ReferencePrice decimal.Decimal `json:"reference_price,omitempty"`
	At             time.Time       `json:"at,omitempty"`
	Reason         Reason          `json:"reason,omitempty"`
}

// CloseRequest sizes a partial or full close. Exactly one of Percentage and
// Qty must be set.
type CloseRequest struct {
	Percentage decimal.Decimal `json:"percentage,omitempty"`
	Qty        decimal.Decimal `json:"qty,omitempty"`
	Price      decimal.Decimal `json:"price,omitempty"` // Reference exit price
	At         time.Time       `json:"at,omitempty"`
	Reason     Reason          `json:"reason,omitempty"`
}

// CloseResult is returned by ClosePosition. Action and Position are nil when
// the close is still pending at the broker.
type CloseResult struct {
	Order    *Order           `json:"order"`
	Action   *ExecutionAction `json:"action,omitempty"`
	Position *Position        `json:"position,omitempty"`
}

// OrderFilter narrows GetOrders.
type OrderFilter struct {
	Status  string // open, closed, all
	Symbols []string
	Limit   int
	After   time.Time
}

// Matches reports whether o passes the filter.
func (f OrderFilter) Matches(o *Order) bool {
	switch f.Status {
	case "open":
		if o.Status.IsTerminal() {
			return false
		}
	case "closed":
		if !o.Status.IsTerminal() {
			return false
		}
	}
	if len(f.Symbols) > 0 {
		found := false
		for _, s := range f.Symbols {
			if s == o.Symbol {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.After.IsZero() && !o.SubmittedAt.After(f.After) {
		return false
	}
	return true
}

package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionAction is one immutable ledger row.
type ExecutionAction struct {
	ID            string          `json:"id"`
	PositionID    string          `json:"position_id"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Type          ActionType      `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Notional      decimal.Decimal `json:"notional"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"` // Zero for ENTRY and SL_TIGHTEN
	Reason        Reason          `json:"reason"`
	StopPrice     decimal.Decimal `json:"stop_price"`  // Levels set by ENTRY or SL_TIGHTEN
	TakeProfit    decimal.Decimal `json:"take_profit"` // Zero leaves the level unchanged
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// ActionID derives the deterministic ledger id of an action. Retrying the same
// logical action yields the same id.
func ActionID(positionID string, t ActionType, ts time.Time) string {
	return fmt.Sprintf("%s-%s-%d", positionID, t, ts.UnixMilli())
}

// LogicalTime normalizes a timestamp to the millisecond resolution the ledger
// stores.
func LogicalTime(ts time.Time) time.Time {
	return time.UnixMilli(ts.UnixMilli()).UTC()
}

// CashDelta is the change to account cash caused by the action.
func (a *ExecutionAction) CashDelta() decimal.Decimal {
	switch a.Type {
	case ActionEntry:
		// Longs pay for shares, shorts receive the sale proceeds.
		return a.Notional.Mul(a.Direction.Sign()).Neg()
	case ActionTrim, ActionExit:
		return a.Notional.Mul(a.Direction.Sign())
	}
	return decimal.Zero
}

// IsClose reports whether the action reduces open quantity.
func (a *ExecutionAction) IsClose() bool {
	return a.Type == ActionTrim || a.Type == ActionExit
}

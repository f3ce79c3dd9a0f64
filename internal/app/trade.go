package app

import (
	"time"

	"github.com/shopspring/decimal"

	"execledger/internal/domain"
)

// TradeStatus is the caller-side view of a trade.
type TradeStatus string

const (
	TradeNew      TradeStatus = "NEW" // Accepted, entry not filled yet
	TradeOpen     TradeStatus = "OPEN"
	TradeTrimmed  TradeStatus = "TP_HIT_TRIM"
	TradeClosed   TradeStatus = "CLOSED"
	TradeRejected TradeStatus = "REJECTED"
)

// IsTerminal reports whether the trade can no longer change.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeClosed || s == TradeRejected
}

// Trade tracks one signal from acceptance to its terminal status.
type Trade struct {
	ID          string           `json:"id"`
	Ticker      string           `json:"ticker"`
	Direction   domain.Direction `json:"direction"`
	PositionID  string           `json:"position_id,omitempty"`
	Status      TradeStatus      `json:"status"`
	Outcome     domain.Outcome   `json:"outcome,omitempty"` // WIN or LOSS once CLOSED
	OpenQty     decimal.Decimal  `json:"open_qty"`
	RealizedPnL decimal.Decimal  `json:"realized_pnl"`
	Reason      string           `json:"reason,omitempty"` // Rejection or exit reason
	UpdatedAt   time.Time        `json:"updated_at"`
}

func statusOf(p *domain.Position) TradeStatus {
	switch p.Status {
	case domain.StatusOpen:
		return TradeOpen
	case domain.StatusTrimmed:
		return TradeTrimmed
	case domain.StatusClosed:
		return TradeClosed
	}
	return TradeNew
}

// observe moves t forward to match p. Terminal trades never change.
func (t *Trade) observe(p *domain.Position, at time.Time) {
	if t.Status.IsTerminal() || p == nil {
		return
	}
	t.PositionID = p.ID
	t.Status = statusOf(p)
	t.OpenQty = p.OpenQty
	t.RealizedPnL = p.RealizedPnL
	if t.Status == TradeClosed {
		t.Outcome = p.Outcome
		t.Reason = string(p.ExitReason)
	}
	t.UpdatedAt = at
}

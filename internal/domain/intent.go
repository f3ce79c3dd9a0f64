package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentKind is the decision a signal engine hands to the orchestrator.
type IntentKind string

const (
	IntentEnter       IntentKind = "ENTER"
	IntentTrim        IntentKind = "TRIM"
	IntentExit        IntentKind = "EXIT"
	IntentTightenStop IntentKind = "TIGHTEN_STOP"
)

// Intent is one trade decision. TradeID and At make re-delivery idempotent.
type Intent struct {
	Kind       IntentKind      `json:"kind"`
	TradeID    string          `json:"trade_id"`
	Ticker     string          `json:"ticker"`
	Direction  Direction       `json:"direction,omitempty"`
	Qty        decimal.Decimal `json:"qty,omitempty"`
	Percentage decimal.Decimal `json:"percentage,omitempty"` // TRIM size
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal `json:"take_profit,omitempty"`
	Price      decimal.Decimal `json:"price,omitempty"` // Reference price; the latest mark when zero
	Reason     Reason          `json:"reason,omitempty"`
	At         time.Time       `json:"at,omitempty"`
}

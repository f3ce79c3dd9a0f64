package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Position is the snapshot of one trade. It is a cache of the ledger: replaying
// the position's actions reproduces it.
type Position struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	OriginalQty   decimal.Decimal `json:"original_qty"` // Total quantity ever entered
	OpenQty       decimal.Decimal `json:"open_qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"` // Weighted over open lots
	StopPrice     decimal.Decimal `json:"stop_price"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	Status        PositionStatus  `json:"status"`
	Outcome       Outcome         `json:"outcome,omitempty"` // Set once CLOSED
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	EntryAt       time.Time       `json:"entry_at"`
	ExitAt        time.Time       `json:"exit_at,omitempty"` // Zero while open
	ExitReason    Reason          `json:"exit_reason,omitempty"`
	LastActionAt  time.Time       `json:"last_action_at"`
	Version       int64           `json:"version"` // Incremented by every action

	// Backend bookkeeping for bracket legs; not derived from the ledger.
	StopOrderID       string `json:"stop_order_id,omitempty"`
	TakeProfitOrderID string `json:"take_profit_order_id,omitempty"`

	Lots    []Lot             `json:"lots,omitempty"`
	History []ExecutionAction `json:"history,omitempty"`
}

// IsOpen checks if the position still carries open quantity.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen || p.Status == StatusTrimmed
}

// TrimmedFraction is 1 - open/original.
func (p *Position) TrimmedFraction() decimal.Decimal {
	if p.OriginalQty.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(p.OpenQty.Div(p.OriginalQty))
}

// Lot is a discrete entry fill within a position.
type Lot struct {
	ID          string          `json:"id"`
	PositionID  string          `json:"position_id"`
	Seq         int             `json:"seq"`
	OriginalQty decimal.Decimal `json:"original_qty"`
	Qty         decimal.Decimal `json:"qty"` // Remaining open quantity
	EntryPrice  decimal.Decimal `json:"entry_price"`
	EntryAt     time.Time       `json:"entry_at"`
	Status      LotStatus       `json:"status"`
	ClosedAt    time.Time       `json:"closed_at,omitempty"`
}

// LotID builds the id of the n-th lot of a position.
func LotID(positionID string, n int) string {
	return positionID + "-LOT-" + strconv.Itoa(n)
}

// PositionSnapshot is the brokerage-shaped view of an open position.
type PositionSnapshot struct {
	PositionID     string          `json:"position_id,omitempty"`
	Symbol         string          `json:"symbol"`
	Qty            decimal.Decimal `json:"qty"`
	Side           string          `json:"side"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	MarketValue    decimal.Decimal `json:"market_value"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	UnrealizedPL   decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPC decimal.Decimal `json:"unrealized_plpc"`
	StopPrice      decimal.Decimal `json:"stop_price,omitempty"`
	TakeProfit     decimal.Decimal `json:"take_profit,omitempty"`
	Status         PositionStatus  `json:"status,omitempty"`
}

// Snapshot marks the position at price. A zero price marks at the average entry.
func (p *Position) Snapshot(price decimal.Decimal) PositionSnapshot {
	if !price.IsPositive() {
		price = p.AvgEntryPrice
	}
	qty := p.OpenQty.Mul(p.Direction.Sign())
	costBasis := qty.Mul(p.AvgEntryPrice)
	marketValue := qty.Mul(price)
	unrealized := UnrealizedPnL(p.Direction, p.AvgEntryPrice, price, p.OpenQty)
	plpc := decimal.Zero
	if !costBasis.IsZero() {
		plpc = unrealized.Div(costBasis.Abs()).Round(6)
	}
	return PositionSnapshot{
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		Qty:            qty,
		Side:           p.Direction.WireSide(),
		AvgEntryPrice:  p.AvgEntryPrice,
		CurrentPrice:   price,
		MarketValue:    marketValue,
		CostBasis:      costBasis,
		UnrealizedPL:   unrealized,
		UnrealizedPLPC: plpc,
		StopPrice:      p.StopPrice,
		TakeProfit:     p.TakeProfit,
		Status:         p.Status,
	}
}

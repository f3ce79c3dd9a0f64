// Package risk holds the pre-trade checks run before a simulated fill and the
// default stop, target and size helpers used by the orchestrator.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execledger/internal/domain"
)

// RiskConfig holds configuration for risk management. Zero limits are disabled.
type RiskConfig struct {
	MaxOpenPositions    int
	MaxPositionNotional decimal.Decimal
	MaxDailyLoss        decimal.Decimal // Fraction of portfolio value, e.g. 0.05
	PositionSizePercent decimal.Decimal // Fraction of portfolio value per new position
	StopLossPercent     decimal.Decimal
	TakeProfitPercent   decimal.Decimal
}

// RiskManager implements risk management functionality
type RiskManager struct {
	config RiskConfig
	mu     sync.Mutex
	stats  RiskStats
}

// RiskStats holds risk management statistics
type RiskStats struct {
	DailyPnL      decimal.Decimal
	DailyTrades   int
	Day           time.Time // UTC date the daily counters belong to
	LastResetTime int64
}

// EntryCheck describes an entry about to be filled.
type EntryCheck struct {
	Symbol    string
	Direction domain.Direction
	Qty       decimal.Decimal
	Price     decimal.Decimal
	// Existing is the open position being scaled into, nil for a new one.
	Existing *domain.Position
}

// NewRiskManager creates a new risk manager instance
func NewRiskManager(config RiskConfig) *RiskManager {
	return &RiskManager{config: config}
}

// CheckEntry validates that an entry can be filled against acct. Failures are
// domain RejectedErrors whose reason is shown to the operator.
func (r *RiskManager) CheckEntry(ctx context.Context, c EntryCheck, acct domain.Account) error {
	const op = "checkEntry"
	notional := c.Qty.Mul(c.Price)

	// Check buying power
	if notional.GreaterThan(acct.BuyingPower) {
		return domain.Rejectedf(op, "insufficient buying power")
	}

	// Check number of open positions
	if c.Existing == nil && r.config.MaxOpenPositions > 0 && acct.PositionsCount >= r.config.MaxOpenPositions {
		return domain.Rejectedf(op, "max open positions reached")
	}

	// Check position notional, including what is already held
	if r.config.MaxPositionNotional.IsPositive() {
		total := notional
		if c.Existing != nil {
			total = total.Add(c.Existing.OpenQty.Mul(c.Existing.AvgEntryPrice))
		}
		if total.GreaterThan(r.config.MaxPositionNotional) {
			return domain.Rejectedf(op, "max position notional exceeded")
		}
	}

	// Check daily loss limit
	if r.config.MaxDailyLoss.IsPositive() {
		r.mu.Lock()
		daily := r.stats.DailyPnL
		r.mu.Unlock()
		limit := acct.PortfolioValue.Mul(r.config.MaxDailyLoss).Neg()
		if daily.LessThan(limit) {
			return domain.Rejectedf(op, "daily loss limit reached")
		}
	}
	return nil
}

// RecordAction updates daily statistics from a committed action.
func (r *RiskManager) RecordAction(ctx context.Context, a domain.ExecutionAction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := a.Timestamp.UTC().Truncate(24 * time.Hour)
	if !day.Equal(r.stats.Day) {
		r.stats.Day = day
		r.stats.DailyPnL = decimal.Zero
		r.stats.DailyTrades = 0
	}
	if a.IsClose() {
		r.stats.DailyPnL = r.stats.DailyPnL.Add(a.RealizedPnL)
	}
	if a.Type != domain.ActionSLTighten {
		r.stats.DailyTrades++
	}
}

// ResetDailyStats resets daily statistics
func (r *RiskManager) ResetDailyStats(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.DailyPnL = decimal.Zero
	r.stats.DailyTrades = 0
	r.stats.LastResetTime = time.Now().Unix()
}

// GetPositionSize calculates a whole-share quantity worth PositionSizePercent
// of the portfolio, capped by MaxPositionNotional.
func (r *RiskManager) GetPositionSize(ctx context.Context, portfolioValue, currentPrice decimal.Decimal) decimal.Decimal {
	if !currentPrice.IsPositive() {
		return decimal.Zero
	}
	budget := portfolioValue.Mul(r.config.PositionSizePercent)
	if r.config.MaxPositionNotional.IsPositive() && budget.GreaterThan(r.config.MaxPositionNotional) {
		budget = r.config.MaxPositionNotional
	}
	qty := budget.Div(currentPrice).Truncate(0)
	if qty.IsNegative() {
		return decimal.Zero
	}
	return qty
}

// GetStopLoss calculates the stop loss price for a position
func (r *RiskManager) GetStopLoss(ctx context.Context, entryPrice decimal.Decimal, dir domain.Direction) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if dir == domain.Long {
		return entryPrice.Mul(one.Sub(r.config.StopLossPercent)).Round(2)
	}
	return entryPrice.Mul(one.Add(r.config.StopLossPercent)).Round(2)
}

// GetTakeProfit calculates the take profit price for a position
func (r *RiskManager) GetTakeProfit(ctx context.Context, entryPrice decimal.Decimal, dir domain.Direction) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if dir == domain.Long {
		return entryPrice.Mul(one.Add(r.config.TakeProfitPercent)).Round(2)
	}
	return entryPrice.Mul(one.Sub(r.config.TakeProfitPercent)).Round(2)
}

// GetStats returns a copy of the current risk management statistics
func (r *RiskManager) GetStats() RiskStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Package analytics reports performance over closed positions. It only reads
// ledger snapshots.
package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"execledger/internal/domain"
)

// PerformanceMetrics holds performance metrics over closed positions.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	WinRate        float64         `json:"win_rate"`
	TotalProfit    decimal.Decimal `json:"total_profit"`
	GrossProfit    decimal.Decimal `json:"gross_profit"`
	GrossLoss      decimal.Decimal `json:"gross_loss"` // Negative or zero
	MaxDrawdown    float64         `json:"max_drawdown"` // Fraction of the peak balance
	ProfitFactor   float64         `json:"profit_factor"`
	AverageWin     decimal.Decimal `json:"average_win"`
	AverageLoss    decimal.Decimal `json:"average_loss"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	FinalBalance   decimal.Decimal `json:"final_balance"`
	Return         float64         `json:"return"`

	// Advanced Metrics
	MaxConsecutiveWins   int                        `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int                        `json:"max_consecutive_losses"`
	AverageTradeDuration time.Duration              `json:"average_trade_duration"`
	Expectancy           decimal.Decimal            `json:"expectancy"`
	RiskRewardRatio      float64                    `json:"risk_reward_ratio"`
	MonthlyReturns       map[string]decimal.Decimal `json:"monthly_returns"` // Keyed by exit month, YYYY-MM
	ExitReasons          map[domain.Reason]int      `json:"exit_reasons"`
	Symbols              map[string]SymbolStats     `json:"symbols"`
	Drawdowns            []Drawdown                 `json:"drawdowns"`
	EquityCurve          []EquityPoint              `json:"equity_curve"`
}

// SymbolStats aggregates closed positions of one symbol.
type SymbolStats struct {
	Trades int             `json:"trades"`
	Wins   int             `json:"wins"`
	PnL    decimal.Decimal `json:"pnl"`
}

// Drawdown represents a drawdown period
type Drawdown struct {
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	StartValue decimal.Decimal `json:"start_value"`
	EndValue   decimal.Decimal `json:"end_value"`
	Depth      float64         `json:"depth"`
	Duration   time.Duration   `json:"duration"`
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Time     time.Time       `json:"time"`
	Value    decimal.Decimal `json:"value"`
	Drawdown float64         `json:"drawdown"`
}

func ratio(num, den decimal.Decimal) float64 {
	if den.IsZero() {
		return 0
	}
	f, _ := num.Div(den).Float64()
	return f
}

// AnalyzePerformance computes metrics over the CLOSED positions in positions,
// in exit order. Open positions are ignored. A position is a win when its
// outcome is WIN.
func AnalyzePerformance(positions []domain.Position, initialBalance decimal.Decimal) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		InitialBalance: initialBalance,
		FinalBalance:   initialBalance,
		MonthlyReturns: make(map[string]decimal.Decimal),
		ExitReasons:    make(map[domain.Reason]int),
		Symbols:        make(map[string]SymbolStats),
		Drawdowns:      make([]Drawdown, 0),
		EquityCurve:    make([]EquityPoint, 0),
	}

	closed := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		if p.Status == domain.StatusClosed {
			closed = append(closed, p)
		}
	}
	if len(closed) == 0 {
		return metrics
	}
	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].ExitAt.Before(closed[j].ExitAt)
	})

	currentBalance := initialBalance
	peakBalance := initialBalance
	var currentDrawdown *Drawdown
	var consecutiveWins, consecutiveLosses int
	var totalDuration time.Duration

	for _, p := range closed {
		pnl := p.RealizedPnL
		metrics.TotalTrades++
		stats := metrics.Symbols[p.Symbol]
		stats.Trades++
		stats.PnL = stats.PnL.Add(pnl)

		if p.Outcome == domain.OutcomeWin {
			metrics.WinningTrades++
			stats.Wins++
			consecutiveWins++
			consecutiveLosses = 0
			metrics.GrossProfit = metrics.GrossProfit.Add(pnl)
		} else {
			metrics.LosingTrades++
			consecutiveLosses++
			consecutiveWins = 0
			metrics.GrossLoss = metrics.GrossLoss.Add(pnl)
		}
		metrics.Symbols[p.Symbol] = stats
		if consecutiveWins > metrics.MaxConsecutiveWins {
			metrics.MaxConsecutiveWins = consecutiveWins
		}
		if consecutiveLosses > metrics.MaxConsecutiveLosses {
			metrics.MaxConsecutiveLosses = consecutiveLosses
		}
		metrics.ExitReasons[p.ExitReason]++
		totalDuration += p.ExitAt.Sub(p.EntryAt)

		currentBalance = currentBalance.Add(pnl)
		metrics.TotalProfit = metrics.TotalProfit.Add(pnl)
		month := p.ExitAt.UTC().Format("2006-01")
		metrics.MonthlyReturns[month] = metrics.MonthlyReturns[month].Add(pnl)

		// Update drawdown tracking
		if currentBalance.GreaterThan(peakBalance) {
			peakBalance = currentBalance
			if currentDrawdown != nil {
				currentDrawdown.EndTime = p.ExitAt
				currentDrawdown.EndValue = currentBalance
				currentDrawdown.Duration = currentDrawdown.EndTime.Sub(currentDrawdown.StartTime)
				metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
				currentDrawdown = nil
			}
		} else if currentBalance.LessThan(peakBalance) {
			depth := ratio(peakBalance.Sub(currentBalance), peakBalance)
			if currentDrawdown == nil {
				currentDrawdown = &Drawdown{
					StartTime:  p.ExitAt,
					StartValue: peakBalance,
					Depth:      depth,
				}
			} else if depth > currentDrawdown.Depth {
				currentDrawdown.Depth = depth
			}
			if depth > metrics.MaxDrawdown {
				metrics.MaxDrawdown = depth
			}
		}

		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{
			Time:     p.ExitAt,
			Value:    currentBalance,
			Drawdown: ratio(peakBalance.Sub(currentBalance), peakBalance),
		})
	}

	// Close any open drawdown
	if currentDrawdown != nil {
		currentDrawdown.EndTime = closed[len(closed)-1].ExitAt
		currentDrawdown.EndValue = currentBalance
		currentDrawdown.Duration = currentDrawdown.EndTime.Sub(currentDrawdown.StartTime)
		metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
	}

	metrics.FinalBalance = currentBalance
	metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
	metrics.Return = ratio(metrics.TotalProfit, initialBalance)
	metrics.AverageTradeDuration = totalDuration / time.Duration(metrics.TotalTrades)
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = metrics.GrossProfit.Div(decimal.NewFromInt(int64(metrics.WinningTrades)))
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = metrics.GrossLoss.Div(decimal.NewFromInt(int64(metrics.LosingTrades)))
	}
	metrics.ProfitFactor = ratio(metrics.GrossProfit, metrics.GrossLoss.Neg())
	metrics.RiskRewardRatio = ratio(metrics.AverageWin, metrics.AverageLoss.Neg())
	metrics.Expectancy = metrics.TotalProfit.Div(decimal.NewFromInt(int64(metrics.TotalTrades)))
	return metrics
}

// MonthlyReturn represents a monthly return value
type MonthlyReturn struct {
	Month  time.Time       `json:"month"`
	Return decimal.Decimal `json:"return"`
}

// GetMonthlyReturns returns the monthly returns as a sorted slice
func (m *PerformanceMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyReturns))
	for month, profit := range m.MonthlyReturns {
		date, _ := time.Parse("2006-01", month)
		returns = append(returns, MonthlyReturn{
			Month:  date,
			Return: profit,
		})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}

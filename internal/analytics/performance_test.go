package analytics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execledger/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func closedPosition(id, symbol, pnl string, entry, exit time.Time, reason domain.Reason) domain.Position {
	p := domain.Position{
		ID:          id,
		Symbol:      symbol,
		Status:      domain.StatusClosed,
		RealizedPnL: d(pnl),
		EntryAt:     entry,
		ExitAt:      exit,
		ExitReason:  reason,
		Outcome:     domain.OutcomeLoss,
	}
	if p.RealizedPnL.IsPositive() {
		p.Outcome = domain.OutcomeWin
	}
	return p
}

func TestAnalyzePerformance(t *testing.T) {
	base := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	positions := []domain.Position{
		// Out of exit order on purpose.
		closedPosition("c", "AAPL", "-500", base.Add(48*time.Hour), base.Add(50*time.Hour), domain.ReasonStopLoss),
		closedPosition("a", "AAPL", "1000", base, base.Add(2*time.Hour), domain.ReasonTakeProfit),
		closedPosition("b", "MSFT", "-1000", base.Add(24*time.Hour), base.Add(26*time.Hour), domain.ReasonStopLoss),
		closedPosition("d", "MSFT", "1500", base.Add(30*24*time.Hour), base.Add(30*24*time.Hour+2*time.Hour), domain.ReasonSignalExit),
		{ID: "open", Symbol: "TSLA", Status: domain.StatusOpen, RealizedPnL: d("99")},
	}

	metrics := AnalyzePerformance(positions, d("10000"))

	assert.Equal(t, 4, metrics.TotalTrades)
	assert.Equal(t, 2, metrics.WinningTrades)
	assert.Equal(t, 2, metrics.LosingTrades)
	assert.Equal(t, 0.5, metrics.WinRate)
	assert.True(t, d("1000").Equal(metrics.TotalProfit))
	assert.True(t, d("11000").Equal(metrics.FinalBalance))
	assert.InDelta(t, 0.1, metrics.Return, 1e-9)

	assert.True(t, d("1250").Equal(metrics.AverageWin))
	assert.True(t, d("-750").Equal(metrics.AverageLoss))
	assert.InDelta(t, 2500.0/1500.0, metrics.ProfitFactor, 1e-9)
	assert.InDelta(t, 1250.0/750.0, metrics.RiskRewardRatio, 1e-9)
	assert.True(t, d("250").Equal(metrics.Expectancy))
	assert.Equal(t, 2*time.Hour, metrics.AverageTradeDuration)

	assert.Equal(t, 1, metrics.MaxConsecutiveWins)
	assert.Equal(t, 2, metrics.MaxConsecutiveLosses)

	// Peak 11000 after the first win, trough 9500.
	assert.InDelta(t, 1500.0/11000.0, metrics.MaxDrawdown, 1e-9)
	require.Len(t, metrics.Drawdowns, 1)
	assert.True(t, d("11000").Equal(metrics.Drawdowns[0].StartValue))
	assert.True(t, d("11000").Equal(metrics.Drawdowns[0].EndValue))
	require.Len(t, metrics.EquityCurve, 4)
	assert.True(t, d("11000").Equal(metrics.EquityCurve[3].Value))

	assert.Equal(t, 2, metrics.ExitReasons[domain.ReasonStopLoss])
	assert.True(t, d("500").Equal(metrics.Symbols["AAPL"].PnL))
	assert.Equal(t, 1, metrics.Symbols["AAPL"].Wins)
	assert.Equal(t, 2, metrics.Symbols["MSFT"].Trades)

	monthly := metrics.GetMonthlyReturns()
	require.Len(t, monthly, 2)
	assert.Equal(t, 2024, monthly[0].Month.Year())
	assert.Equal(t, time.March, monthly[0].Month.Month())
	assert.True(t, d("-500").Equal(monthly[0].Return))
	assert.True(t, d("1500").Equal(monthly[1].Return))
}

func TestAnalyzePerformance_NoClosedPositions(t *testing.T) {
	metrics := AnalyzePerformance([]domain.Position{{Status: domain.StatusOpen}}, d("10000"))
	assert.Equal(t, 0, metrics.TotalTrades)
	assert.True(t, d("10000").Equal(metrics.FinalBalance))
	assert.Zero(t, metrics.WinRate)
	assert.Empty(t, metrics.GetMonthlyReturns())
}

func TestAnalyzePerformance_AllWinsHasNoProfitFactor(t *testing.T) {
	base := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	metrics := AnalyzePerformance([]domain.Position{
		closedPosition("a", "AAPL", "100", base, base.Add(time.Hour), domain.ReasonTakeProfit),
		closedPosition("b", "AAPL", "200", base.Add(2*time.Hour), base.Add(3*time.Hour), domain.ReasonTakeProfit),
	}, d("1000"))
	assert.Zero(t, metrics.ProfitFactor)
	assert.Zero(t, metrics.MaxDrawdown)
	assert.Empty(t, metrics.Drawdowns)
	assert.Equal(t, 2, metrics.MaxConsecutiveWins)
}

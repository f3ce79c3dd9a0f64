package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func enterAAPL(t *testing.T) Transition {
	t.Helper()
	tr, err := Book{}.Enter(EntryParams{
		PositionID: "trade-1",
		Symbol:     "AAPL",
		Direction:  Long,
		Qty:        d("100"),
		Price:      d("150.00"),
		StopPrice:  d("147"),
		TakeProfit: d("160"),
		At:         t0,
	})
	require.NoError(t, err)
	return tr
}

func TestLifecycle_ExampleA_Entry(t *testing.T) {
	tr := enterAAPL(t)

	pos := tr.After.Position
	assertDec(t, "100", pos.OpenQty)
	assertDec(t, "150", pos.AvgEntryPrice)
	assert.Equal(t, StatusOpen, pos.Status)
	assert.Equal(t, int64(1), pos.Version)
	assertDec(t, "147", pos.StopPrice)
	assertDec(t, "160", pos.TakeProfit)

	a := tr.Action
	assert.Equal(t, ActionEntry, a.Type)
	assert.Equal(t, "trade-1-ENTRY-1709562600000", a.ID)
	assertDec(t, "100", a.Qty)
	assertDec(t, "150", a.Price)
	assertDec(t, "0", a.RealizedPnL)
	assertDec(t, "15000", a.Notional)
	assertDec(t, "-15000", a.CashDelta())

	require.Len(t, tr.After.Lots, 1)
	assert.Equal(t, "trade-1-LOT-0", tr.After.Lots[0].ID)
}

func TestLifecycle_ExamplesB_C_TrimThenExit(t *testing.T) {
	entry := enterAAPL(t)

	trim, err := entry.After.Close(CloseParams{
		Qty:    PercentOf(entry.After.Position.OpenQty, d("50")),
		Price:  d("155.00"),
		At:     t0.Add(time.Hour),
		Reason: ReasonTPTrim,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionTrim, trim.Action.Type)
	assertDec(t, "50", trim.Action.Qty)
	assertDec(t, "155", trim.Action.Price)
	assertDec(t, "250", trim.Action.RealizedPnL)
	assertDec(t, "50", trim.After.Position.OpenQty)
	assert.Equal(t, StatusTrimmed, trim.After.Position.Status)
	assertDec(t, "0.5", trim.After.Position.TrimmedFraction())

	exit, err := trim.After.Close(CloseParams{
		Qty:    trim.After.Position.OpenQty,
		Price:  d("152.00"),
		At:     t0.Add(2 * time.Hour),
		Reason: ReasonSignalExit,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionExit, exit.Action.Type)
	assertDec(t, "50", exit.Action.Qty)
	assertDec(t, "100", exit.Action.RealizedPnL)

	pos := exit.After.Position
	assertDec(t, "0", pos.OpenQty)
	assert.Equal(t, StatusClosed, pos.Status)
	assert.Equal(t, OutcomeWin, pos.Outcome)
	assertDec(t, "350", pos.RealizedPnL)
	assert.Equal(t, ReasonSignalExit, pos.ExitReason)
	assert.True(t, t0.Add(2*time.Hour).Equal(pos.ExitAt))
	for _, l := range exit.After.Lots {
		assert.Equal(t, LotClosed, l.Status)
	}
}

func TestLifecycle_ExampleD_StopTighten(t *testing.T) {
	entry := enterAAPL(t)

	tr, err := entry.After.AdjustStop(StopParams{
		StopPrice: d("151"),
		Reference: d("154"),
		At:        t0.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSLTighten, tr.Action.Type)
	assert.Equal(t, ReasonSLTighten, tr.Action.Reason)
	assertDec(t, "0", tr.Action.Qty)
	assertDec(t, "0", tr.Action.RealizedPnL)
	assertDec(t, "151", tr.After.Position.StopPrice)
	assertDec(t, "160", tr.After.Position.TakeProfit)
	assertDec(t, "100", tr.After.Position.OpenQty)
	assertDec(t, "0", tr.After.Position.RealizedPnL)
	assert.Equal(t, StatusOpen, tr.After.Position.Status)
}

func TestLifecycle_StopOnWrongSideRejected(t *testing.T) {
	entry := enterAAPL(t)
	_, err := entry.After.AdjustStop(StopParams{StopPrice: d("156"), Reference: d("154"), At: t0.Add(time.Minute)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestLifecycle_NoNegativeInventory(t *testing.T) {
	entry := enterAAPL(t)
	_, err := entry.After.Close(CloseParams{Qty: d("100.0001"), Price: d("151"), At: t0.Add(time.Minute)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	// The book is a value; the failed close leaves it untouched.
	assertDec(t, "100", entry.After.Position.OpenQty)
}

func TestLifecycle_ClosedPositionCannotReopen(t *testing.T) {
	entry := enterAAPL(t)
	exit, err := entry.After.Close(CloseParams{Qty: d("100"), Price: d("140"), At: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoss, exit.After.Position.Outcome)
	assert.Equal(t, ReasonManual, exit.Action.Reason)

	_, err = exit.After.Enter(EntryParams{Symbol: "AAPL", Direction: Long, Qty: d("1"), Price: d("141"), At: t0.Add(2 * time.Minute)})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = exit.After.Close(CloseParams{Qty: d("1"), Price: d("141"), At: t0.Add(2 * time.Minute)})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLifecycle_TrimThatCompletesIsTPFull(t *testing.T) {
	entry := enterAAPL(t)
	tr, err := entry.After.Close(CloseParams{Qty: d("100"), Price: d("160"), At: t0.Add(time.Minute), Reason: ReasonTPTrim})
	require.NoError(t, err)
	assert.Equal(t, ActionExit, tr.Action.Type)
	assert.Equal(t, ReasonTPFull, tr.Action.Reason)
}

func TestLifecycle_ScaleInFIFOAndConservation(t *testing.T) {
	first := enterAAPL(t)
	second, err := first.After.Enter(EntryParams{
		Symbol:    "AAPL",
		Direction: Long,
		Qty:       d("100"),
		Price:     d("154"),
		At:        t0.Add(time.Minute),
	})
	require.NoError(t, err)
	pos := second.After.Position
	assert.Equal(t, "trade-1", pos.ID)
	assertDec(t, "200", pos.OpenQty)
	assertDec(t, "200", pos.OriginalQty)
	assertDec(t, "152", pos.AvgEntryPrice)
	require.Len(t, second.After.Lots, 2)
	assert.Equal(t, "trade-1-LOT-1", second.After.Lots[1].ID)

	// 150 shares at 160: all of lot 0 (+1000) and half of lot 1 (+300).
	trim, err := second.After.Close(CloseParams{Qty: d("150"), Price: d("160"), At: t0.Add(2 * time.Minute)})
	require.NoError(t, err)
	assertDec(t, "1300", trim.Action.RealizedPnL)
	assertDec(t, "154", trim.After.Position.AvgEntryPrice)

	exit, err := trim.After.Close(CloseParams{Qty: d("50"), Price: d("160"), At: t0.Add(3 * time.Minute)})
	require.NoError(t, err)

	// Sum of closes equals one full close at the final price against the weighted entry.
	total := trim.Action.RealizedPnL.Add(exit.Action.RealizedPnL)
	single := RealizedPnL(Long, d("152"), d("160"), d("200"))
	assert.True(t, total.Equal(single), "sum %s != single close %s", total, single)
	assert.True(t, total.Equal(exit.After.Position.RealizedPnL))
}

func TestLifecycle_ConservationAcrossManyTrims(t *testing.T) {
	b := enterAAPL(t).After
	sizes := []string{"10", "25", "5", "33"}
	sum := decimal.Zero
	at := t0
	for _, q := range sizes {
		at = at.Add(time.Minute)
		tr, err := b.Close(CloseParams{Qty: d(q), Price: d("157.25"), At: at})
		require.NoError(t, err)
		sum = sum.Add(tr.Action.RealizedPnL)
		b = tr.After
	}
	tr, err := b.Close(CloseParams{Qty: b.Position.OpenQty, Price: d("157.25"), At: at.Add(time.Minute)})
	require.NoError(t, err)
	sum = sum.Add(tr.Action.RealizedPnL)

	assert.True(t, sum.Equal(RealizedPnL(Long, d("150"), d("157.25"), d("100"))))
}

func TestLifecycle_ShortPosition(t *testing.T) {
	tr, err := Book{}.Enter(EntryParams{
		PositionID: "s-1", Symbol: "TSLA", Direction: Short,
		Qty: d("10"), Price: d("200"), StopPrice: d("210"), TakeProfit: d("180"), At: t0,
	})
	require.NoError(t, err)
	assertDec(t, "2000", tr.Action.CashDelta())

	exit, err := tr.After.Close(CloseParams{Qty: d("10"), Price: d("190"), At: t0.Add(time.Minute)})
	require.NoError(t, err)
	assertDec(t, "100", exit.Action.RealizedPnL)
	assertDec(t, "-1900", exit.Action.CashDelta())
	assert.Equal(t, OutcomeWin, exit.After.Position.Outcome)

	_, err = tr.After.Enter(EntryParams{Symbol: "TSLA", Direction: Long, Qty: d("1"), Price: d("200"), At: t0.Add(time.Minute)})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestLifecycle_StaleActionRejected(t *testing.T) {
	entry := enterAAPL(t)
	_, err := entry.After.Close(CloseParams{Qty: d("10"), Price: d("151"), At: t0.Add(-time.Second)})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestReplay_ReproducesSnapshot(t *testing.T) {
	entry := enterAAPL(t)
	tighten, err := entry.After.AdjustStop(StopParams{StopPrice: d("151"), At: t0.Add(time.Minute)})
	require.NoError(t, err)
	trim, err := tighten.After.Close(CloseParams{Qty: d("50"), Price: d("155"), At: t0.Add(2 * time.Minute)})
	require.NoError(t, err)

	// Out-of-order input is sorted by timestamp.
	replayed, err := Replay([]ExecutionAction{trim.Action, entry.Action, tighten.Action})
	require.NoError(t, err)

	assert.Empty(t, Diff(trim.After.Position, replayed.Position))
	assert.Len(t, replayed.Position.History, 3)
	assert.Equal(t, ActionEntry, replayed.Position.History[0].Type)
}

func TestReplay_DetectsTamperedPnL(t *testing.T) {
	entry := enterAAPL(t)
	trim, err := entry.After.Close(CloseParams{Qty: d("50"), Price: d("155"), At: t0.Add(time.Minute)})
	require.NoError(t, err)

	bad := trim.Action
	bad.RealizedPnL = d("999")
	_, err = Replay([]ExecutionAction{entry.Action, bad})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestActionID_Deterministic(t *testing.T) {
	ts := t0.Add(123456 * time.Microsecond)
	assert.Equal(t, ActionID("p", ActionTrim, ts), ActionID("p", ActionTrim, LogicalTime(ts)))
	assert.NotEqual(t, ActionID("p", ActionTrim, ts), ActionID("p", ActionExit, ts))
}

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execledger/internal/adapters/memstore"
	"execledger/internal/domain"
	"execledger/internal/ports"
)

// mockLogger records error messages so tests can assert on loud failures.
type mockLogger struct {
	mu     sync.Mutex
	errors []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

type mockPublisher struct {
	mu        sync.Mutex
	published []domain.ExecutionAction
	err       error
}

func (m *mockPublisher) Publish(ctx context.Context, a domain.ExecutionAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, a)
	return nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func setupLedger(t *testing.T) (*Ledger, *memstore.Store, *mockPublisher, *mockLogger) {
	t.Helper()
	store := memstore.New()
	pub := &mockPublisher{}
	log := &mockLogger{}
	l, err := New(Config{
		Store:       store,
		Publisher:   pub,
		Logger:      log,
		InitialCash: d("100000"),
		RetryMin:    time.Millisecond,
		RetryMax:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	return l, store, pub, log
}

func enter(t *testing.T) domain.Transition {
	t.Helper()
	tr, err := domain.Book{}.Enter(domain.EntryParams{
		PositionID: "trade-1",
		Symbol:     "AAPL",
		Direction:  domain.Long,
		Qty:        d("100"),
		Price:      d("150"),
		StopPrice:  d("147"),
		TakeProfit: d("160"),
		At:         t0,
	})
	require.NoError(t, err)
	return tr
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfiguration)
	_, err = New(Config{Store: memstore.New()})
	assert.ErrorIs(t, err, ports.ErrConfiguration)
}

func TestLedger_RecordPublishesAfterCommit(t *testing.T) {
	l, store, pub, _ := setupLedger(t)
	ctx := context.Background()

	rec, err := l.Record(ctx, enter(t))
	require.NoError(t, err)
	assert.False(t, rec.Duplicate)
	assert.Equal(t, "trade-1-ENTRY-1709562600000", rec.Action.ID)
	assert.Len(t, rec.Position.Lots, 1)

	assert.Equal(t, 1, store.ActionCount())
	require.Len(t, pub.published, 1)
	assert.Equal(t, rec.Action.ID, pub.published[0].ID)

	pos, err := l.Position(ctx, "trade-1")
	require.NoError(t, err)
	assert.Len(t, pos.History, 1)
	assert.Len(t, pos.Lots, 1)
}

func TestLedger_DuplicateIsNoOp(t *testing.T) {
	l, store, pub, _ := setupLedger(t)
	ctx := context.Background()

	tr := enter(t)
	_, err := l.Record(ctx, tr)
	require.NoError(t, err)

	again, err := l.Record(ctx, tr)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, tr.Action.ID, again.Action.ID)
	assert.Equal(t, int64(1), again.Position.Version)
	assert.Equal(t, 1, store.ActionCount())
	assert.Len(t, pub.published, 1, "duplicates are not republished")
}

func TestLedger_VersionConflict(t *testing.T) {
	l, _, _, _ := setupLedger(t)
	ctx := context.Background()

	first := enter(t)
	_, err := l.Record(ctx, first)
	require.NoError(t, err)

	// Two writers both start from version 1.
	trim, err := first.After.Close(domain.CloseParams{Qty: d("50"), Price: d("160"), At: t0.Add(time.Hour)})
	require.NoError(t, err)
	stop, err := first.After.AdjustStop(domain.StopParams{StopPrice: d("149"), At: t0.Add(2 * time.Hour)})
	require.NoError(t, err)

	_, err = l.Record(ctx, trim)
	require.NoError(t, err)
	_, err = l.Record(ctx, stop)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestLedger_RetriesTransientStoreFailures(t *testing.T) {
	l, store, _, log := setupLedger(t)
	store.FailNextCommits(2)

	rec, err := l.Record(context.Background(), enter(t))
	require.NoError(t, err)
	assert.False(t, rec.Duplicate)
	assert.Equal(t, 1, store.ActionCount())
	assert.Empty(t, log.errors)
}

func TestLedger_WriteFailureIsLoud(t *testing.T) {
	l, store, pub, log := setupLedger(t)
	store.FailNextCommits(10)

	_, err := l.Record(context.Background(), enter(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrLedgerWrite)
	assert.Equal(t, domain.ErrTransient, domain.Kind(err), "a failed write is retryable")
	assert.Contains(t, err.Error(), "trade-1-ENTRY-1709562600000")
	assert.Len(t, log.errors, 1)
	assert.Empty(t, pub.published)
	assert.Equal(t, 0, store.ActionCount())
}

func TestLedger_PublishFailureDoesNotFailRecord(t *testing.T) {
	l, store, pub, _ := setupLedger(t)
	pub.err = errors.New("redis down")

	_, err := l.Record(context.Background(), enter(t))
	require.NoError(t, err)
	assert.Equal(t, 1, store.ActionCount())
}

func TestLedger_VerifyAndAccount(t *testing.T) {
	l, _, _, _ := setupLedger(t)
	ctx := context.Background()

	tr := enter(t)
	rec, err := l.Record(ctx, tr)
	require.NoError(t, err)
	book := domain.Book{Position: rec.Position, Lots: rec.Position.Lots}

	trim, err := book.Close(domain.CloseParams{Qty: d("50"), Price: d("160"), At: t0.Add(time.Hour)})
	require.NoError(t, err)
	_, err = l.Record(ctx, trim)
	require.NoError(t, err)

	diffs, err := l.Verify(ctx, "trade-1")
	require.NoError(t, err)
	assert.Empty(t, diffs)

	all, err := l.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	replayed, err := l.Replay(ctx, "trade-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrimmed, replayed.Position.Status)
	assert.True(t, d("500").Equal(replayed.Position.RealizedPnL))

	// 100000 - 15000 + 8000, 50 AAPL marked at 158.
	acct, err := l.Account(ctx, map[string]decimal.Decimal{"AAPL": d("158")})
	require.NoError(t, err)
	assert.True(t, d("93000").Equal(acct.Cash), "cash %s", acct.Cash)
	assert.True(t, d("7900").Equal(acct.LongMarketValue))
	assert.True(t, d("100900").Equal(acct.PortfolioValue))
	assert.True(t, d("500").Equal(acct.RealizedPnL))
	assert.Equal(t, 1, acct.PositionsCount)
}

func TestLedger_ReadSide(t *testing.T) {
	l, _, _, _ := setupLedger(t)
	ctx := context.Background()

	tr := enter(t)
	tr.After.Position.StopOrderID = "trade-1-SL"
	_, err := l.Record(ctx, tr)
	require.NoError(t, err)

	_, err = l.Book(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, ok, err := l.OpenBook(ctx, "MSFT")
	require.NoError(t, err)
	assert.False(t, ok)

	b, ok, err := l.OpenBook(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "trade-1", b.Position.ID)

	for _, ref := range []string{"trade-1", "trade-1-SL", "trade-1-ENTRY-1709562600000"} {
		pos, err := l.FindByOrderRef(ctx, ref)
		require.NoError(t, err)
		require.NotNil(t, pos, ref)
		assert.Equal(t, "trade-1", pos.ID)
	}
	pos, err := l.FindByOrderRef(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, pos)

	a, err := l.Action(ctx, "trade-1-ENTRY-1709562600000")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, domain.ActionEntry, a.Type)

	open, err := l.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

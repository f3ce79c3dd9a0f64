package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execledger/internal/adapters/memstore"
	"execledger/internal/adapters/simulation"
	"execledger/internal/domain"
	"execledger/internal/ledger"
	"execledger/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warns = append(m.warns, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

// blockingBackend parks mutating calls until release is closed.
type blockingBackend struct {
	ports.ExecutionAdapter
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Name() string { return "blocking" }

func (b *blockingBackend) ClosePosition(ctx context.Context, symbol string, req domain.CloseRequest) (*domain.CloseResult, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return &domain.CloseResult{Order: &domain.Order{Symbol: symbol}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingBackend) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func setupSimulation(t *testing.T, now func() time.Time) (*Adapter, *ledger.Ledger) {
	t.Helper()
	log := &mockLogger{}
	l, err := ledger.New(ledger.Config{Store: memstore.New(), Logger: log, InitialCash: d("100000")})
	require.NoError(t, err)
	sim, err := simulation.New(simulation.Config{Ledger: l, Logger: log, Now: now})
	require.NoError(t, err)
	a, err := New(Config{Backend: sim, Ledger: l, Logger: log, LockWait: 5 * time.Second})
	require.NoError(t, err)
	return a, l
}

func TestAdapter_SerializesMutationsPerSymbol(t *testing.T) {
	var tick int64
	now := func() time.Time {
		return t0.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Millisecond)
	}
	a, l := setupSimulation(t, now)
	ctx := context.Background()

	_, err := a.SubmitOrder(ctx, domain.OrderRequest{
		ClientOrderID:  "trade-1",
		Symbol:         "AAPL",
		Qty:            d("100"),
		Side:           domain.Buy,
		ReferencePrice: d("150"),
	})
	require.NoError(t, err)

	// Ten concurrent trims of 10 shares each must close exactly 100.
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.ClosePosition(ctx, "AAPL", domain.CloseRequest{Qty: d("10"), Price: d("155")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	pos, err := l.Position(ctx, "trade-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.True(t, pos.OpenQty.IsZero())
	assert.True(t, d("500").Equal(pos.RealizedPnL))
	assert.Len(t, pos.History, 11)

	diffs, err := l.Verify(ctx, "trade-1")
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestAdapter_BusySymbolIsConflict(t *testing.T) {
	backend := &blockingBackend{entered: make(chan struct{}, 1), release: make(chan struct{})}
	a, err := New(Config{Backend: backend, Logger: &mockLogger{}, LockWait: 30 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := a.ClosePosition(ctx, "AAPL", domain.CloseRequest{})
		done <- err
	}()
	<-backend.entered

	_, err = a.ClosePosition(ctx, "aapl", domain.CloseRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Equal(t, domain.ErrConflict, domain.Kind(err))

	close(backend.release)
	require.NoError(t, <-done)

	// The lock is released once the first call returns.
	go func() { <-backend.entered }()
	_, err = a.ClosePosition(ctx, "AAPL", domain.CloseRequest{})
	assert.NoError(t, err)
}

func TestAdapter_TimeoutIsTransient(t *testing.T) {
	backend := &blockingBackend{}
	log := &mockLogger{}
	a, err := New(Config{Backend: backend, Logger: log, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = a.SubmitOrder(context.Background(), domain.OrderRequest{Symbol: "AAPL"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransient))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Len(t, log.errors, 1)
}

func TestAdapter_ForwardsOptionalCapabilities(t *testing.T) {
	a, _ := setupSimulation(t, func() time.Time { return t0 })
	ctx := context.Background()

	assert.Equal(t, "simulation", a.Name())
	assert.False(t, a.NativeBrackets())
	assert.NoError(t, a.SyncPending(ctx))
	n, err := a.Reconcile(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	a.UpdatePrice("msft", d("400"))
	order, err := a.SubmitOrder(ctx, domain.OrderRequest{Symbol: "MSFT", Qty: d("10"), Side: domain.Buy})
	require.NoError(t, err)
	assert.True(t, d("400").Equal(order.FilledAvgPrice), "fills at the forwarded mark")

	// Order ids resolve to their symbol for locking.
	assert.Equal(t, "MSFT", a.symbolFor(ctx, order.ID, ""))
}

func TestAdapter_ValidationIsLoggedAsWarning(t *testing.T) {
	log := &mockLogger{}
	l, err := ledger.New(ledger.Config{Store: memstore.New(), Logger: log})
	require.NoError(t, err)
	sim, err := simulation.New(simulation.Config{Ledger: l, Logger: log})
	require.NoError(t, err)
	a, err := New(Config{Backend: sim, Logger: log})
	require.NoError(t, err)

	_, err = a.ClosePosition(context.Background(), "AAPL", domain.CloseRequest{})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Empty(t, log.errors)
	assert.NotEmpty(t, log.warns)
}

func TestKeyedLocker(t *testing.T) {
	l := NewKeyedLocker()
	now := t0
	l.now = func() time.Time { return now }
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ports.ErrLockHeld)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, err = l.Acquire(ctx, "other", time.Second)
	assert.NoError(t, err)

	// After expiry a new holder takes over; the stale unlock must not free it.
	now = now.Add(2 * time.Second)
	unlock2, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	unlock()
	_, err = l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ports.ErrLockHeld)

	unlock2()
	unlock2()
	_, err = l.Acquire(ctx, "k", time.Second)
	assert.NoError(t, err)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfiguration)
}

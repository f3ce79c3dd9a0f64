package main

import (
	"bytes"
	"context"
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
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// seededLedger holds one closed winning AAPL trade and one open MSFT trade.
func seededLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	var n int64
	now := func() time.Time {
		return time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC).Add(time.Duration(atomic.AddInt64(&n, 1)) * time.Minute)
	}
	l, err := ledger.New(ledger.Config{Store: memstore.New(), Logger: nopLogger{}, InitialCash: d("100000")})
	require.NoError(t, err)
	sim, err := simulation.New(simulation.Config{Ledger: l, Logger: nopLogger{}, Now: now})
	require.NoError(t, err)

	_, err = sim.SubmitOrder(ctx, domain.OrderRequest{
		ClientOrderID: "trade-1", Symbol: "AAPL", Qty: d("100"), Side: domain.Buy,
		Type: domain.OrderTypeMarket, TimeInForce: domain.TIFDay, ReferencePrice: d("150"),
	})
	require.NoError(t, err)
	_, err = sim.ClosePosition(ctx, "AAPL", domain.CloseRequest{Qty: d("100"), Price: d("153.5"), Reason: domain.ReasonSignalExit})
	require.NoError(t, err)
	_, err = sim.SubmitOrder(ctx, domain.OrderRequest{
		ClientOrderID: "trade-2", Symbol: "MSFT", Qty: d("10"), Side: domain.Buy,
		Type: domain.OrderTypeMarket, TimeInForce: domain.TIFDay, ReferencePrice: d("400"),
	})
	require.NoError(t, err)
	return l
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	l := seededLedger(t)

	tests := []struct {
		name     string
		cmd      string
		args     []string
		wantCode int
		contains []string
		absent   []string
	}{
		{name: "verify all", cmd: "verify", contains: []string{"OK:"}},
		{name: "verify one", cmd: "verify", args: []string{"-position", "trade-1"}, contains: []string{"OK:"}},
		{name: "actions of one position", cmd: "actions", args: []string{"-position", "trade-1"}, contains: []string{"trade-1-ENTRY-", "trade-1-EXIT-", "350.00", "SIGNAL_EXIT"}, absent: []string{"trade-2"}},
		{name: "open positions", cmd: "positions", args: []string{"-status", "open"}, contains: []string{"trade-2", "MSFT"}, absent: []string{"trade-1"}},
		{name: "report", cmd: "report", contains: []string{"1 (1 won, 0 lost)", "350.00", "2024-03", "SIGNAL_EXIT\t1"}},
		{name: "bad status", cmd: "positions", args: []string{"-status", "maybe"}, wantCode: 2},
		{name: "unknown command", cmd: "purge", wantCode: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			code, err := runCommand(ctx, l, tt.cmd, tt.args, &out)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantCode == 0 {
				require.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			for _, s := range tt.contains {
				assert.Contains(t, out.String(), s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, out.String(), s)
			}
		})
	}
}

func TestVerify_UnknownPosition(t *testing.T) {
	l := seededLedger(t)
	var out bytes.Buffer
	code, err := runCommand(context.Background(), l, "verify", []string{"-position", "nope"}, &out)
	assert.Equal(t, 1, code)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

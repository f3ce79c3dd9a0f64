package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		" warn ":  zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestZapLogger_Fields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := Wrap(zap.New(core))
	ctx := context.Background()

	l.Debug(ctx, "debug message")
	l.Info(ctx, "order submitted", map[string]interface{}{"symbol": "AAPL", "qty": "100"})
	l.Warn(ctx, "retrying", nil)
	l.Error(ctx, errors.New("boom"), "ledger write failed", map[string]interface{}{"actionID": "trade-1-ENTRY-1"})

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)

	info := entries[1].ContextMap()
	assert.Equal(t, "AAPL", info["symbol"])
	assert.Equal(t, "100", info["qty"])

	assert.Empty(t, entries[2].Context)

	errEntry := entries[3]
	assert.Equal(t, zapcore.ErrorLevel, errEntry.Level)
	assert.Equal(t, "boom", errEntry.ContextMap()["error"])
	assert.Equal(t, "trade-1-ENTRY-1", errEntry.ContextMap()["actionID"])
}

func TestZapLogger_LevelFilter(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := Wrap(zap.New(core))
	l.Info(context.Background(), "dropped")
	l.Warn(context.Background(), "kept")
	assert.Equal(t, 1, logs.Len())
}

func TestNew(t *testing.T) {
	l, err := New(Config{Level: "debug", Encoding: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l.Zap())
	_ = l.Sync()
}

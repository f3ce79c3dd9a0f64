package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execledger/internal/adapters/memstore"
	"execledger/internal/domain"
	"execledger/internal/ledger"
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

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

// fakeBroker is an in-memory Alpaca trading API.
type fakeBroker struct {
	mu        sync.Mutex
	orders    map[string]*OrderDTO
	byClient  map[string]string
	positions map[string]*PositionDTO
	nextID    int

	fillStatus string // Status of new orders: filled or new
	fillPrice  decimal.Decimal
	reject     string // Message of a 403 for every order
	rejectLeg  string // Id suffix of legs whose PATCH answers 403
	failStatus int    // Status returned by the next failCount requests
	failCount  int
	dropCount  int // Process, then answer 502, this many requests

	calls  []string
	bodies []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		orders:     make(map[string]*OrderDTO),
		byClient:   make(map[string]string),
		positions:  make(map[string]*PositionDTO),
		fillStatus: "filled",
		fillPrice:  d("150"),
	}
}

func (f *fakeBroker) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"code": status * 100000, "message": msg})
}

func (f *fakeBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	call := r.Method + " " + r.URL.Path
	if r.URL.RawQuery != "" {
		call += "?" + r.URL.RawQuery
	}
	f.calls = append(f.calls, call)
	f.bodies = append(f.bodies, string(body))

	if r.Header.Get("APCA-API-KEY-ID") != "key" || r.Header.Get("APCA-API-SECRET-KEY") != "secret" {
		apiError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if f.failCount > 0 {
		f.failCount--
		apiError(w, f.failStatus, "upstream failure")
		return
	}

	rec := httptest.NewRecorder()
	f.route(rec, r, body)
	if f.dropCount > 0 && rec.Code < 300 {
		f.dropCount--
		apiError(w, http.StatusBadGateway, "bad gateway")
		return
	}
	for k, v := range rec.Header() {
		w.Header()[k] = v
	}
	w.WriteHeader(rec.Code)
	_, _ = w.Write(rec.Body.Bytes())
}

func (f *fakeBroker) route(w http.ResponseWriter, r *http.Request, body []byte) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/v2/orders":
		var p OrderPayload
		if err := json.Unmarshal(body, &p); err != nil {
			apiError(w, http.StatusBadRequest, "bad json")
			return
		}
		if f.reject != "" {
			apiError(w, http.StatusForbidden, f.reject)
			return
		}
		if _, dup := f.byClient[p.ClientOrderID]; dup && p.ClientOrderID != "" {
			apiError(w, http.StatusUnprocessableEntity, "client_order_id must be unique")
			return
		}
		writeJSON(w, http.StatusOK, f.place(p))

	case r.Method == http.MethodGet && path == "/v2/orders:by_client_order_id":
		id, ok := f.byClient[r.URL.Query().Get("client_order_id")]
		if !ok {
			apiError(w, http.StatusNotFound, "order not found")
			return
		}
		writeJSON(w, http.StatusOK, f.orders[id])

	case r.Method == http.MethodGet && path == "/v2/orders":
		out := []OrderDTO{}
		for _, o := range f.orders {
			out = append(out, *o)
		}
		writeJSON(w, http.StatusOK, out)

	case strings.HasPrefix(path, "/v2/orders/"):
		id := strings.TrimPrefix(path, "/v2/orders/")
		o, ok := f.findOrder(id)
		if !ok {
			apiError(w, http.StatusNotFound, "order not found")
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, o)
		case http.MethodDelete:
			if o.terminal() {
				apiError(w, http.StatusUnprocessableEntity, "order is not cancelable")
				return
			}
			o.Status = "canceled"
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPatch:
			if f.rejectLeg != "" && strings.HasSuffix(id, f.rejectLeg) {
				apiError(w, http.StatusForbidden, "order is not replaceable")
				return
			}
			if o.Status == "replaced" {
				apiError(w, http.StatusUnprocessableEntity, "order is already replaced")
				return
			}
			var p ReplacePayload
			_ = json.Unmarshal(body, &p)
			f.nextID++
			repl := *o
			repl.ID = fmt.Sprintf("ord-%d", f.nextID)
			if p.StopPrice != "" {
				repl.StopPrice = d(p.StopPrice)
			}
			if p.LimitPrice != "" {
				repl.LimitPrice = d(p.LimitPrice)
			}
			o.Status = "replaced"
			o.ReplacedBy = repl.ID
			f.orders[repl.ID] = &repl
			writeJSON(w, http.StatusOK, repl)
		}

	case strings.HasPrefix(path, "/v2/positions/"):
		sym := strings.TrimPrefix(path, "/v2/positions/")
		pos, ok := f.positions[sym]
		if !ok {
			apiError(w, http.StatusNotFound, "position does not exist")
			return
		}
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, pos)
			return
		}
		qty := pos.Qty.Abs()
		if v := r.URL.Query().Get("qty"); v != "" {
			qty = d(v)
		} else if v := r.URL.Query().Get("percentage"); v != "" {
			qty = pos.Qty.Abs().Mul(d(v)).Div(decimal.NewFromInt(100))
		}
		side := "sell"
		if pos.Qty.IsNegative() {
			side = "buy"
		}
		writeJSON(w, http.StatusOK, f.place(OrderPayload{Symbol: sym, Qty: qty.String(), Side: side, Type: "market", TimeInForce: "day"}))

	case r.Method == http.MethodGet && path == "/v2/positions":
		out := []PositionDTO{}
		for _, p := range f.positions {
			out = append(out, *p)
		}
		writeJSON(w, http.StatusOK, out)

	case r.Method == http.MethodGet && path == "/v2/account":
		writeJSON(w, http.StatusOK, map[string]string{
			"cash":            "85000",
			"buying_power":    "170000",
			"portfolio_value": "100000",
			"status":          "ACTIVE",
		})

	default:
		apiError(w, http.StatusNotFound, "route not found")
	}
}

func (f *fakeBroker) findOrder(id string) (*OrderDTO, bool) {
	if o, ok := f.orders[id]; ok {
		return o, true
	}
	for _, o := range f.orders {
		for i := range o.Legs {
			if o.Legs[i].ID == id {
				return &o.Legs[i], true
			}
		}
	}
	return nil, false
}

// place books an order and, when fills are immediate, moves the position.
func (f *fakeBroker) place(p OrderPayload) *OrderDTO {
	f.nextID++
	o := &OrderDTO{
		ID:            fmt.Sprintf("ord-%d", f.nextID),
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Type:          p.Type,
		TimeInForce:   p.TimeInForce,
		OrderClass:    p.OrderClass,
		Status:        "new",
		Qty:           d(p.Qty),
		FilledQty:     decimal.Zero,
		SubmittedAt:   t0,
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = o.ID + "-client"
	}
	exit := "sell"
	if p.Side == "sell" {
		exit = "buy"
	}
	if p.TakeProfit != nil {
		o.Legs = append(o.Legs, OrderDTO{ID: o.ID + "-tp", Symbol: p.Symbol, Side: exit, Type: "limit", Status: "held", Qty: o.Qty, LimitPrice: d(p.TakeProfit.LimitPrice)})
	}
	if p.StopLoss != nil {
		o.Legs = append(o.Legs, OrderDTO{ID: o.ID + "-sl", Symbol: p.Symbol, Side: exit, Type: "stop", Status: "held", Qty: o.Qty, StopPrice: d(p.StopLoss.StopPrice)})
	}
	f.orders[o.ID] = o
	f.byClient[o.ClientOrderID] = o.ID
	if f.fillStatus == "filled" {
		f.fill(o)
	}
	return o
}

// fill completes an order at fillPrice. Callers hold mu.
func (f *fakeBroker) fill(o *OrderDTO) {
	o.Status = "filled"
	o.FilledQty = o.Qty
	o.FilledAvgPrice = f.fillPrice
	at := t0
	o.FilledAt = &at

	signed := o.Qty
	if o.Side == "sell" {
		signed = signed.Neg()
	}
	pos, ok := f.positions[o.Symbol]
	if !ok {
		pos = &PositionDTO{Symbol: o.Symbol, Qty: decimal.Zero, AvgEntryPrice: f.fillPrice}
		f.positions[o.Symbol] = pos
	}
	pos.Qty = pos.Qty.Add(signed)
	pos.CurrentPrice = f.fillPrice
	pos.Side = "long"
	if pos.Qty.IsNegative() {
		pos.Side = "short"
	}
	if pos.Qty.IsZero() {
		delete(f.positions, o.Symbol)
	}
}

func (f *fakeBroker) fillPending(id string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillPrice = price
	f.fill(f.orders[id])
}

func setupBackend(t *testing.T) (*Backend, *fakeBroker, *ledger.Ledger, *mockLogger) {
	t.Helper()
	broker := newFakeBroker()
	srv := httptest.NewServer(broker)
	t.Cleanup(srv.Close)

	log := &mockLogger{}
	client, err := NewClient(ClientConfig{
		BaseURL:    srv.URL,
		KeyID:      "key",
		SecretKey:  "secret",
		HTTPClient: srv.Client(),
		MaxRetries: 2,
		RetryMin:   time.Millisecond,
		RetryMax:   2 * time.Millisecond,
		Logger:     log,
	})
	require.NoError(t, err)
	l, err := ledger.New(ledger.Config{
		Store:       memstore.New(),
		Logger:      log,
		InitialCash: d("100000"),
		RetryMin:    time.Millisecond,
		RetryMax:    2 * time.Millisecond,
	})
	require.NoError(t, err)
	b, err := New(Config{Client: client, Ledger: l, Logger: log, Now: func() time.Time { return t0 }})
	require.NoError(t, err)
	return b, broker, l, log
}

func bracketEntry() domain.OrderRequest {
	return domain.OrderRequest{
		ClientOrderID:  "trade-1",
		Symbol:         "AAPL",
		Qty:            d("100"),
		Side:           domain.Buy,
		Class:          domain.ClassBracket,
		TakeProfit:     &domain.TakeProfitLeg{LimitPrice: d("160")},
		StopLoss:       &domain.StopLossLeg{StopPrice: d("147")},
		ReferencePrice: d("150"),
		SubmittedAt:    t0,
	}
}

func TestBackend_BracketEntryRecordsBrokerFill(t *testing.T) {
	b, broker, l, _ := setupBackend(t)
	ctx := context.Background()
	broker.fillPrice = d("150.05")

	order, err := b.SubmitOrder(ctx, bracketEntry())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, order.Status)
	assert.Equal(t, "trade-1", order.ClientOrderID, "the caller key is the broker client_order_id")
	assert.Equal(t, "trade-1", order.PositionID)
	require.Len(t, order.Legs, 2)

	var sent OrderPayload
	require.NoError(t, json.Unmarshal([]byte(broker.bodies[0]), &sent))
	assert.Equal(t, "100", sent.Qty)
	assert.Equal(t, "bracket", sent.OrderClass)
	assert.Equal(t, "160", sent.TakeProfit.LimitPrice)
	assert.Equal(t, "147", sent.StopLoss.StopPrice)
	assert.Equal(t, "trade-1", sent.ClientOrderID)

	pos, err := l.Position(ctx, "trade-1")
	require.NoError(t, err)
	assert.True(t, d("150.05").Equal(pos.AvgEntryPrice), "broker fill price wins")
	assert.Equal(t, order.ID+"-sl", pos.StopOrderID)
	assert.Equal(t, order.ID+"-tp", pos.TakeProfitOrderID)
	require.Len(t, pos.History, 1)
	assert.Equal(t, "trade-1", pos.History[0].ClientOrderID)
	assert.Equal(t, "trade-1-ENTRY-1709562600000", pos.History[0].ID)

	assert.True(t, b.NativeBrackets())
	assert.Equal(t, "paper", b.Name())
}

func TestBackend_LostResponseDoesNotDoublePlace(t *testing.T) {
	b, broker, l, _ := setupBackend(t)
	ctx := context.Background()
	broker.dropCount = 1

	order, err := b.SubmitOrder(ctx, bracketEntry())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, order.Status)

	assert.Equal(t, 2, broker.callCount("POST /v2/orders"))
	assert.Equal(t, 1, broker.callCount("GET /v2/orders:by_client_order_id"))
	assert.Len(t, broker.orders, 1)

	// A caller-side retry of the whole submit is a no-op too.
	again, err := b.SubmitOrder(ctx, bracketEntry())
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)
	assert.Len(t, broker.orders, 1)

	history, err := l.History(ctx, "trade-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestBackend_ResubmitWithoutTimestamp(t *testing.T) {
	b, broker, l, _ := setupBackend(t)
	ctx := context.Background()
	var ticks int
	b.now = func() time.Time {
		ticks++
		return t0.Add(time.Duration(ticks) * time.Second)
	}

	req := bracketEntry()
	req.SubmittedAt = time.Time{}
	first, err := b.SubmitOrder(ctx, req)
	require.NoError(t, err)
	again, err := b.SubmitOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, broker.callCount("POST /v2/orders"))
	assert.Len(t, broker.orders, 1)
	history, err := l.History(ctx, "trade-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestBackend_ResubmitWhilePending(t *testing.T) {
	b, broker, l, _ := setupBackend(t)
	ctx := context.Background()
	broker.fillStatus = "new"

	req := bracketEntry()
	first, err := b.SubmitOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderNew, first.Status)

	broker.fillPending(first.ID, d("150"))
	req.SubmittedAt = t0.Add(time.Minute)
	again, err := b.SubmitOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, domain.OrderFilled, again.Status)
	assert.Equal(t, 1, broker.callCount("POST /v2/orders"))
	assert.Equal(t, 0, b.PendingCount())

	history, err := l.History(ctx, "trade-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "trade-1-ENTRY-1709562600000", history[0].ID, "the fill keeps the first submit's timestamp")
}

func TestBackend_BrokerErrors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fakeBroker)
		wantKind   error
		wantReason string
		wantPosts  int
	}{
		{
			name:       "rejection is not retried",
			setup:      func(f *fakeBroker) { f.reject = "insufficient buying power" },
			wantKind:   domain.ErrRejected,
			wantReason: "insufficient buying power",
			wantPosts:  1,
		},
		{
			name:      "server errors are retried then transient",
			setup:     func(f *fakeBroker) { f.failStatus, f.failCount = http.StatusInternalServerError, 10 },
			wantKind:  domain.ErrTransient,
			wantPosts: 3,
		},
		{
			name:      "throttling recovers",
			setup:     func(f *fakeBroker) { f.failStatus, f.failCount = http.StatusTooManyRequests, 1 },
			wantPosts: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, broker, l, _ := setupBackend(t)
			ctx := context.Background()
			tt.setup(broker)

			_, err := b.SubmitOrder(ctx, bracketEntry())
			assert.Equal(t, tt.wantPosts, broker.callCount("POST /v2/orders"))
			if tt.wantKind == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantKind), "got %v", err)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, domain.ReasonOf(err))
			}
			_, err = l.Position(ctx, "trade-1")
			assert.True(t, errors.Is(err, domain.ErrNotFound), "no position on failure")
		})
	}
}

func TestBackend_PendingFillIsSynced(t *testing.T) {
	b, broker, l, _ := setupBackend(t)
	ctx := context.Background()
	broker.fillStatus = "new"

	order, err := b.SubmitOrder(ctx, bracketEntry())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderNew, order.Status)
	assert.Equal(t, 1, b.PendingCount())
	_, err = l.Position(ctx, "trade-1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	// Nothing filled yet.
	require.NoError(t, b.SyncPending(ctx))
	assert.Equal(t, 1, b.PendingCount())

	broker.fillPending(order.ID, d("149.90"))
	require.NoError(t, b.SyncPending(ctx))
	assert.Equal(t, 0, b.PendingCount())

	pos, err := l.Position(ctx, "trade-1")
	require.NoError(t, err)
	assert.True(t, d("100").Equal(pos.OpenQty))
	assert.True(t, d("149.90").Equal(pos.AvgEntryPrice))
	assert.Equal(t, domain.StatusOpen, pos.Status)
}

func TestBackend_ReplaceTrimAndExit(t *testing.T) {
	b, broker, l, _ := setupBackend(t)
	ctx := context.Background()

	order, err := b.SubmitOrder(ctx, bracketEntry())
	require.NoError(t, err)

	leg, err := b.ReplaceOrder(ctx, "trade-1", domain.ReplaceRequest{
		StopPrice:      d("151"),
		ReferencePrice: d("155"),
		At:             t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, d("151").Equal(leg.StopPrice))
	assert.Equal(t, 1, broker.callCount("PATCH /v2/orders/"+order.ID+"-sl"))

	pos, err := l.Position(ctx, "trade-1")
	require.NoError(t, err)
	assert.True(t, d("151").Equal(pos.StopPrice))
	assert.Equal(t, leg.ID, pos.StopOrderID, "replacing order id is tracked")

	// A stop on the wrong side of the reference never reaches the broker.
	_, err = b.ReplaceOrder(ctx, "trade-1", domain.ReplaceRequest{StopPrice: d("156"), ReferencePrice: d("155"), At: t0.Add(90 * time.Minute)})
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Equal(t, 1, broker.callCount("PATCH "))

	broker.fillPrice = d("155")
	res, err := b.ClosePosition(ctx, "AAPL", domain.CloseRequest{Percentage: d("50"), At: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, res.Action)
	assert.Equal(t, domain.ActionTrim, res.Action.Type)
	assert.True(t, d("250").Equal(res.Action.RealizedPnL))
	assert.Equal(t, domain.StatusTrimmed, res.Position.Status)
	assert.Equal(t, 1, broker.callCount("DELETE /v2/positions/AAPL?qty=50"))

	broker.fillPrice = d("152")
	res, err = b.ClosePosition(ctx, "AAPL", domain.CloseRequest{At: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExit, res.Action.Type)
	assert.Equal(t, domain.StatusClosed, res.Position.Status)
	assert.Equal(t, domain.OutcomeWin, res.Position.Outcome)
	assert.True(t, d("350").Equal(res.Position.RealizedPnL))
	assert.Equal(t, 1, broker.callCount("DELETE /v2/positions/AAPL?percentage=100"))

	// Retrying the full close answers from the ledger.
	again, err := b.ClosePosition(ctx, "AAPL", domain.CloseRequest{At: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, res.Action.ID, again.Action.ID)
	assert.Equal(t, 2, broker.callCount("DELETE /v2/positions/"))

	diffs, err := l.Verify(ctx, "trade-1")
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestBackend_ReplaceBothLegsPartialFailure(t *testing.T) {
	b, broker, l, _ := setupBackend(t)
	ctx := context.Background()

	order, err := b.SubmitOrder(ctx, bracketEntry())
	require.NoError(t, err)
	broker.rejectLeg = "-tp"

	req := domain.ReplaceRequest{
		StopPrice:      d("151"),
		LimitPrice:     d("165"),
		ReferencePrice: d("155"),
		At:             t0.Add(time.Hour),
	}
	_, err = b.ReplaceOrder(ctx, "trade-1", req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRejected))

	pos, err := l.Position(ctx, "trade-1")
	require.NoError(t, err)
	assert.True(t, d("151").Equal(pos.StopPrice), "the accepted stop is recorded")
	assert.NotEqual(t, order.ID+"-sl", pos.StopOrderID, "the replacing stop leg is tracked")
	assert.True(t, d("160").Equal(pos.TakeProfit))
	assert.Equal(t, order.ID+"-tp", pos.TakeProfitOrderID)
	assert.Len(t, pos.History, 2)

	// The retry finishes the take-profit half without touching the stop.
	broker.rejectLeg = ""
	leg, err := b.ReplaceOrder(ctx, "trade-1", req)
	require.NoError(t, err)
	assert.True(t, d("165").Equal(leg.LimitPrice))
	assert.Equal(t, 1, broker.callCount("PATCH /v2/orders/"+order.ID+"-sl"))

	pos, err = l.Position(ctx, "trade-1")
	require.NoError(t, err)
	assert.True(t, d("151").Equal(pos.StopPrice))
	assert.True(t, d("165").Equal(pos.TakeProfit))
	assert.Equal(t, leg.ID, pos.TakeProfitOrderID)
	require.Len(t, pos.History, 3)
	assert.True(t, t0.Add(time.Hour+time.Millisecond).Equal(pos.History[2].Timestamp))

	// Once both halves are booked a further retry is answered locally.
	_, err = b.ReplaceOrder(ctx, "trade-1", req)
	require.NoError(t, err)
	assert.Equal(t, 3, broker.callCount("PATCH "))

	diffs, err := l.Verify(ctx, "trade-1")
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestBackend_ReplaceAfterLostResponse(t *testing.T) {
	b, broker, l, _ := setupBackend(t)
	ctx := context.Background()

	order, err := b.SubmitOrder(ctx, bracketEntry())
	require.NoError(t, err)

	broker.dropCount = 1
	req := domain.ReplaceRequest{StopPrice: d("151"), ReferencePrice: d("155"), At: t0.Add(time.Hour)}
	_, err = b.ReplaceOrder(ctx, "trade-1", req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransient))
	assert.Equal(t, 1, broker.callCount("PATCH "), "a patch that may have landed is not repeated")

	leg, err := b.ReplaceOrder(ctx, "trade-1", req)
	require.NoError(t, err)
	assert.True(t, d("151").Equal(leg.StopPrice))

	broker.mu.Lock()
	replaced := 0
	for _, o := range broker.orders {
		if o.Type == "stop" {
			replaced++
		}
	}
	broker.mu.Unlock()
	assert.Equal(t, 1, replaced, "the stop was replaced once")

	pos, err := l.Position(ctx, "trade-1")
	require.NoError(t, err)
	assert.True(t, d("151").Equal(pos.StopPrice))
	assert.Equal(t, leg.ID, pos.StopOrderID)
	assert.NotEqual(t, order.ID+"-sl", pos.StopOrderID)
}

func TestBackend_CloseRetryPolicy(t *testing.T) {
	t.Run("server error is not retried", func(t *testing.T) {
		b, broker, _, _ := setupBackend(t)
		ctx := context.Background()
		_, err := b.SubmitOrder(ctx, bracketEntry())
		require.NoError(t, err)

		broker.failStatus, broker.failCount = http.StatusInternalServerError, 1
		_, err = b.ClosePosition(ctx, "AAPL", domain.CloseRequest{At: t0.Add(time.Hour)})
		assert.True(t, errors.Is(err, domain.ErrTransient))
		assert.Equal(t, 1, broker.callCount("DELETE /v2/positions/"))
	})

	t.Run("unavailable is retried", func(t *testing.T) {
		b, broker, _, _ := setupBackend(t)
		ctx := context.Background()
		_, err := b.SubmitOrder(ctx, bracketEntry())
		require.NoError(t, err)

		broker.failStatus, broker.failCount = http.StatusServiceUnavailable, 1
		res, err := b.ClosePosition(ctx, "AAPL", domain.CloseRequest{At: t0.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClosed, res.Position.Status)
		assert.Equal(t, 2, broker.callCount("DELETE /v2/positions/"))
	})

	t.Run("oversized close never reaches the broker", func(t *testing.T) {
		b, broker, _, _ := setupBackend(t)
		ctx := context.Background()
		_, err := b.SubmitOrder(ctx, bracketEntry())
		require.NoError(t, err)

		_, err = b.ClosePosition(ctx, "AAPL", domain.CloseRequest{Qty: d("101")})
		assert.True(t, errors.Is(err, domain.ErrValidation))
		assert.Equal(t, 0, broker.callCount("DELETE /v2/positions/"))
	})
}

func TestBackend_Reconcile(t *testing.T) {
	b, broker, l, log := setupBackend(t)
	ctx := context.Background()

	_, err := b.SubmitOrder(ctx, bracketEntry())
	require.NoError(t, err)

	broker.mu.Lock()
	broker.positions["AAPL"].Qty = d("60")
	broker.positions["AAPL"].CurrentPrice = d("155")
	broker.positions["BRK.B"] = &PositionDTO{Symbol: "BRK.B", Qty: d("10"), Side: "long", AvgEntryPrice: d("400"), CurrentPrice: d("410")}
	broker.mu.Unlock()

	b.now = func() time.Time { return t0.Add(time.Hour) }
	n, err := b.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotEmpty(t, log.warns)

	pos, err := l.Position(ctx, "trade-1")
	require.NoError(t, err)
	assert.True(t, d("60").Equal(pos.OpenQty))
	last := pos.History[len(pos.History)-1]
	assert.Equal(t, domain.ActionTrim, last.Type)
	assert.Equal(t, domain.ReasonReconcile, last.Reason)
	assert.True(t, d("200").Equal(last.RealizedPnL))

	adopted, ok, err := l.OpenBook(ctx, "BRK-B")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d("10").Equal(adopted.Position.OpenQty))

	// In agreement: nothing to do.
	n, err = b.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The broker flattened AAPL behind our back.
	broker.mu.Lock()
	delete(broker.positions, "AAPL")
	broker.mu.Unlock()
	b.now = func() time.Time { return t0.Add(2 * time.Hour) }
	n, err = b.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pos, err = l.Position(ctx, "trade-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.Equal(t, domain.ReasonReconcile, pos.ExitReason)
}

func TestBackend_ReadSide(t *testing.T) {
	b, _, _, _ := setupBackend(t)
	ctx := context.Background()

	_, err := b.SubmitOrder(ctx, bracketEntry())
	require.NoError(t, err)

	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "trade-1", positions[0].PositionID)
	assert.True(t, d("100").Equal(positions[0].Qty))
	assert.Equal(t, "long", positions[0].Side)

	_, err = b.GetPosition(ctx, "MSFT")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	order, err := b.GetOrder(ctx, "trade-1")
	require.NoError(t, err)
	assert.Equal(t, "trade-1", order.PositionID)

	_, err = b.GetOrder(ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	err = b.CancelOrder(ctx, order.ID)
	assert.True(t, errors.Is(err, domain.ErrRejected), "filled orders are not cancelable")

	acct, err := b.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, d("85000").Equal(acct.Cash))
	assert.Equal(t, 1, acct.PositionsCount)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := NewClient(ClientConfig{Logger: &mockLogger{}})
	assert.Error(t, err)
	_, err = New(Config{Logger: &mockLogger{}})
	assert.Error(t, err)
}

func TestSymbolMapping(t *testing.T) {
	assert.Equal(t, "BRK.B", ToBroker("brk-b"))
	assert.Equal(t, "BF.B", ToBroker("BF-B"))
	assert.Equal(t, "AAPL", ToBroker("AAPL"))
	assert.Equal(t, "BRK-B", FromBroker("BRK.B"))
	assert.Equal(t, "MSFT", FromBroker("msft"))
}

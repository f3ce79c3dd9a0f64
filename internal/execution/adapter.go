// Package execution is the facade callers use to trade: it serializes
// mutations per symbol, bounds every backend call with a timeout and logs the
// outcome, whichever backend the factory selected.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"execledger/internal/domain"
	"execledger/internal/ledger"
	"execledger/internal/ports"
)

// Config holds the dependencies of the facade.
type Config struct {
	Backend  ports.ExecutionAdapter
	Locker   ports.PositionLocker // Optional; in-process by default
	Ledger   *ledger.Ledger       // Optional; resolves order ids to symbols for locking
	Logger   ports.Logger
	Timeout  time.Duration // Per call, default 15s
	LockTTL  time.Duration // Default 30s
	LockWait time.Duration // Longest wait for a busy symbol, default 2s
}

// Adapter implements ports.ExecutionAdapter on top of a backend.
type Adapter struct {
	backend  ports.ExecutionAdapter
	locker   ports.PositionLocker
	ledger   *ledger.Ledger
	logger   ports.Logger
	timeout  time.Duration
	lockTTL  time.Duration
	lockWait time.Duration
}

// New creates the facade.
func New(cfg Config) (*Adapter, error) {
	if cfg.Backend == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("execution adapter requires a backend and a logger: %w", ports.ErrConfiguration)
	}
	a := &Adapter{
		backend:  cfg.Backend,
		locker:   cfg.Locker,
		ledger:   cfg.Ledger,
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
		lockTTL:  cfg.LockTTL,
		lockWait: cfg.LockWait,
	}
	if a.locker == nil {
		a.locker = NewKeyedLocker()
	}
	if a.timeout <= 0 {
		a.timeout = 15 * time.Second
	}
	if a.lockTTL <= 0 {
		a.lockTTL = 30 * time.Second
	}
	if a.lockWait <= 0 {
		a.lockWait = 2 * time.Second
	}
	return a, nil
}

// Name reports the selected backend.
func (a *Adapter) Name() string { return a.backend.Name() }

// Backend returns the wrapped backend.
func (a *Adapter) Backend() ports.ExecutionAdapter { return a.backend }

func lockKey(symbol string) string {
	return "symbol:" + strings.ToUpper(strings.TrimSpace(symbol))
}

// lock waits up to lockWait for key. A busy key is a Conflict.
func (a *Adapter) lock(ctx context.Context, op, key string) (func(), error) {
	deadline := time.Now().Add(a.lockWait)
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 2, Jitter: true}
	for {
		unlock, err := a.locker.Acquire(ctx, key, a.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ports.ErrLockHeld) {
			return nil, domain.Transient(op, err)
		}
		wait := b.Duration()
		if time.Now().Add(wait).After(deadline) {
			return nil, &domain.Error{
				Kind:   domain.ErrConflict,
				Op:     op,
				Reason: "another mutation of " + strings.TrimPrefix(key, "symbol:") + " is in flight",
				Err:    err,
			}
		}
		select {
		case <-ctx.Done():
			return nil, domain.Transient(op, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// run executes fn under the call timeout and, when key is set, the lock.
func (a *Adapter) run(ctx context.Context, op, key string, fields map[string]interface{}, fn func(ctx context.Context) error) error {
	start := time.Now()
	if key != "" {
		unlock, err := a.lock(ctx, op, key)
		if err != nil {
			a.logResult(ctx, op, fields, start, err)
			return err
		}
		defer unlock()
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && domain.Kind(err) == nil &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = domain.Transient(op, err)
	}
	a.logResult(ctx, op, fields, start, err)
	return err
}

func (a *Adapter) logResult(ctx context.Context, op string, fields map[string]interface{}, start time.Time, err error) {
	out := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["backend"] = a.backend.Name()
	out["duration"] = time.Since(start).String()
	if err == nil {
		a.logger.Debug(ctx, op+": Completed", out)
		return
	}
	switch domain.Kind(err) {
	case domain.ErrValidation, domain.ErrNotFound, domain.ErrRejected, domain.ErrConflict:
		out["reason"] = domain.ReasonOf(err)
		a.logger.Warn(ctx, op+": Failed", out)
	default:
		a.logger.Error(ctx, err, op+": Failed", out)
	}
}

// SubmitOrder places an entry while holding the symbol lock.
func (a *Adapter) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	var out *domain.Order
	fields := map[string]interface{}{"symbol": req.Symbol, "qty": req.Qty.String(), "side": req.Side}
	err := a.run(ctx, "submitOrder", lockKey(req.Symbol), fields, func(ctx context.Context) error {
		var err error
		out, err = a.backend.SubmitOrder(ctx, req)
		return err
	})
	return out, err
}

func (a *Adapter) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var out *domain.Order
	err := a.run(ctx, "getOrder", "", map[string]interface{}{"orderID": id}, func(ctx context.Context) error {
		var err error
		out, err = a.backend.GetOrder(ctx, id)
		return err
	})
	return out, err
}

func (a *Adapter) GetOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	var out []*domain.Order
	err := a.run(ctx, "getOrders", "", map[string]interface{}{"status": filter.Status}, func(ctx context.Context) error {
		var err error
		out, err = a.backend.GetOrders(ctx, filter)
		return err
	})
	return out, err
}

// symbolFor resolves the symbol an order id refers to, for locking.
func (a *Adapter) symbolFor(ctx context.Context, id, hint string) string {
	if hint != "" {
		return hint
	}
	if a.ledger != nil {
		if pos, err := a.ledger.FindByOrderRef(ctx, id); err == nil && pos != nil {
			return pos.Symbol
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if o, err := a.backend.GetOrder(callCtx, id); err == nil && o != nil {
		return o.Symbol
	}
	return ""
}

// ReplaceOrder moves protective levels while holding the symbol lock.
func (a *Adapter) ReplaceOrder(ctx context.Context, id string, req domain.ReplaceRequest) (*domain.Order, error) {
	var out *domain.Order
	key := "order:" + id
	if sym := a.symbolFor(ctx, id, req.Symbol); sym != "" {
		key = lockKey(sym)
	}
	fields := map[string]interface{}{"orderID": id, "stop": req.StopPrice.String(), "limit": req.LimitPrice.String()}
	err := a.run(ctx, "replaceOrder", key, fields, func(ctx context.Context) error {
		var err error
		out, err = a.backend.ReplaceOrder(ctx, id, req)
		return err
	})
	return out, err
}

// CancelOrder cancels an order while holding the symbol lock.
func (a *Adapter) CancelOrder(ctx context.Context, id string) error {
	key := "order:" + id
	if sym := a.symbolFor(ctx, id, ""); sym != "" {
		key = lockKey(sym)
	}
	return a.run(ctx, "cancelOrder", key, map[string]interface{}{"orderID": id}, func(ctx context.Context) error {
		return a.backend.CancelOrder(ctx, id)
	})
}

// ClosePosition trims or exits while holding the symbol lock.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, req domain.CloseRequest) (*domain.CloseResult, error) {
	var out *domain.CloseResult
	fields := map[string]interface{}{"symbol": symbol, "percentage": req.Percentage.String(), "qty": req.Qty.String()}
	err := a.run(ctx, "closePosition", lockKey(symbol), fields, func(ctx context.Context) error {
		var err error
		out, err = a.backend.ClosePosition(ctx, symbol, req)
		return err
	})
	return out, err
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.PositionSnapshot, error) {
	var out []domain.PositionSnapshot
	err := a.run(ctx, "getPositions", "", nil, func(ctx context.Context) error {
		var err error
		out, err = a.backend.GetPositions(ctx)
		return err
	})
	return out, err
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.PositionSnapshot, error) {
	var out *domain.PositionSnapshot
	err := a.run(ctx, "getPosition", "", map[string]interface{}{"symbol": symbol}, func(ctx context.Context) error {
		var err error
		out, err = a.backend.GetPosition(ctx, symbol)
		return err
	})
	return out, err
}

func (a *Adapter) GetAccount(ctx context.Context) (*domain.Account, error) {
	var out *domain.Account
	err := a.run(ctx, "getAccount", "", nil, func(ctx context.Context) error {
		var err error
		out, err = a.backend.GetAccount(ctx)
		return err
	})
	return out, err
}

// UpdatePrice forwards a mark to backends that price positions locally.
func (a *Adapter) UpdatePrice(symbol string, price decimal.Decimal) {
	if pu, ok := a.backend.(ports.PriceUpdater); ok {
		pu.UpdatePrice(symbol, price)
	}
}

// NativeBrackets reports whether the backend enforces bracket legs itself.
func (a *Adapter) NativeBrackets() bool {
	bo, ok := a.backend.(ports.BracketOwner)
	return ok && bo.NativeBrackets()
}

// SyncPending records asynchronous fills. Instant-fill backends have none.
func (a *Adapter) SyncPending(ctx context.Context) error {
	ps, ok := a.backend.(ports.PendingSyncer)
	if !ok {
		return nil
	}
	return a.run(ctx, "syncPending", "", nil, ps.SyncPending)
}

// Reconcile corrects the ledger towards the backend's system of record.
func (a *Adapter) Reconcile(ctx context.Context) (int, error) {
	rc, ok := a.backend.(ports.Reconciler)
	if !ok {
		return 0, nil
	}
	var n int
	err := a.run(ctx, "reconcile", "", nil, func(ctx context.Context) error {
		var err error
		n, err = rc.Reconcile(ctx)
		return err
	})
	if n > 0 {
		a.logger.Info(ctx, "reconcile: Ledger corrected", map[string]interface{}{"actions": n})
	}
	return n, err
}

var (
	_ ports.ExecutionAdapter = (*Adapter)(nil)
	_ ports.PriceUpdater     = (*Adapter)(nil)
	_ ports.BracketOwner     = (*Adapter)(nil)
	_ ports.PendingSyncer    = (*Adapter)(nil)
	_ ports.Reconciler       = (*Adapter)(nil)
)

package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"execledger/internal/domain"
)

// ExecutionAdapter is the backend-agnostic execution contract. Every call
// blocks until the backend has answered; a backend that fills asynchronously
// returns a non-terminal order status instead of blocking on the fill.
type ExecutionAdapter interface {
	// Name identifies the backend (simulation, paper, live).
	Name() string

	// SubmitOrder places an entry order. Returns ErrValidation or ErrRejected kinds.
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error)
	// GetOrder returns the current state of an order or ErrNotFound.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error)
	// ReplaceOrder moves the protective levels of the position an order id
	// refers to and records an SL_TIGHTEN action.
	ReplaceOrder(ctx context.Context, id string, req domain.ReplaceRequest) (*domain.Order, error)
	// CancelOrder cancels an unfilled order. Filled orders are a no-op on
	// instant-fill backends.
	CancelOrder(ctx context.Context, id string) error
	// ClosePosition trims or exits the open position of a symbol.
	ClosePosition(ctx context.Context, symbol string, req domain.CloseRequest) (*domain.CloseResult, error)

	GetPositions(ctx context.Context) ([]domain.PositionSnapshot, error)
	// GetPosition returns the open position of a symbol or ErrNotFound.
	GetPosition(ctx context.Context, symbol string) (*domain.PositionSnapshot, error)
	GetAccount(ctx context.Context) (*domain.Account, error)
}

// PriceUpdater is implemented by backends that mark positions with caller
// supplied prices.
type PriceUpdater interface {
	UpdatePrice(symbol string, price decimal.Decimal)
}

// BracketOwner is implemented by backends whose broker enforces bracket legs
// itself, so the orchestrator must not trigger them locally.
type BracketOwner interface {
	NativeBrackets() bool
}

// PendingSyncer is implemented by backends with asynchronous fills.
type PendingSyncer interface {
	// SyncPending records ledger actions for orders that filled since the last call.
	SyncPending(ctx context.Context) error
}

// Reconciler is implemented by backends with an external system of record.
type Reconciler interface {
	// Reconcile corrects the ledger towards the broker's positions.
	Reconcile(ctx context.Context) (int, error)
}

package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"execledger/internal/domain"
)

// LedgerCommit is everything one action writes. A store applies it atomically
// or not at all.
type LedgerCommit struct {
	Action domain.ExecutionAction
	// Position is the snapshot after the action. The store only accepts it when
	// the stored version equals Position.Version-1 (or no row exists and
	// Position.Version is 1).
	Position  domain.Position
	Lots      []domain.Lot
	CashDelta decimal.Decimal
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	PositionID string
	Symbol     string
	Since      time.Time
	Limit      int
}

// PositionFilter narrows ListPositions.
type PositionFilter struct {
	Symbol   string
	OpenOnly bool
	Closed   bool
}

// LedgerStore persists the append-only action log and the position/lot
// snapshots derived from it. It holds no business logic.
type LedgerStore interface {
	// Commit writes an action with its resulting snapshot.
	// Returns ErrDuplicateEntry if the action id exists and ErrVersionMismatch if
	// the snapshot compare-and-set fails; nothing is written in either case.
	Commit(ctx context.Context, c LedgerCommit) error
	// FindAction retrieves an action by id. Returns nil, nil if not found.
	FindAction(ctx context.Context, id string) (*domain.ExecutionAction, error)
	// FindEntryByClientOrderID retrieves the ENTRY action booked under a
	// caller's client_order_id. Returns nil, nil if not found.
	FindEntryByClientOrderID(ctx context.Context, clientOrderID string) (*domain.ExecutionAction, error)
	// ListActions returns actions ordered by timestamp then insertion.
	ListActions(ctx context.Context, filter ActionFilter) ([]domain.ExecutionAction, error)
	// FindPosition retrieves a position snapshot by id. Returns nil, nil if not found.
	FindPosition(ctx context.Context, id string) (*domain.Position, error)
	// FindOpenBySymbol retrieves the open position for a symbol, if any.
	// Returns nil, nil if no open position is found.
	FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error)
	// ListPositions retrieves positions ordered by entry time.
	ListPositions(ctx context.Context, filter PositionFilter) ([]domain.Position, error)
	// ListLots retrieves the lots of a position ordered by sequence.
	ListLots(ctx context.Context, positionID string) ([]domain.Lot, error)
	// CashBalance sums the cash ledger.
	CashBalance(ctx context.Context) (decimal.Decimal, error)
	Close() error
}

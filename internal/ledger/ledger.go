// Package ledger commits position transitions to a LedgerStore and serves the
// read side of the ledger (books, history, replay, derived account).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"execledger/internal/domain"
	"execledger/internal/ports"
)

// Config holds the dependencies of a Ledger.
type Config struct {
	Store        ports.LedgerStore
	Publisher    ports.ActionPublisher // Optional
	Logger       ports.Logger
	InitialCash  decimal.Decimal
	WriteRetries int           // Attempts before ErrLedgerWrite, default 5
	RetryMin     time.Duration // Default 50ms
	RetryMax     time.Duration // Default 2s
}

// Ledger is the only writer of the LedgerStore.
type Ledger struct {
	store       ports.LedgerStore
	publisher   ports.ActionPublisher
	logger      ports.Logger
	initialCash decimal.Decimal
	retries     int
	retryMin    time.Duration
	retryMax    time.Duration
}

// Recorded is the outcome of Record.
type Recorded struct {
	Action   domain.ExecutionAction
	Position domain.Position
	// Duplicate is set when the action id was already in the ledger; Action and
	// Position then hold the stored state and nothing was written.
	Duplicate bool
}

// New creates a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("ledger requires a store and a logger: %w", ports.ErrConfiguration)
	}
	l := &Ledger{
		store:       cfg.Store,
		publisher:   cfg.Publisher,
		logger:      cfg.Logger,
		initialCash: cfg.InitialCash,
		retries:     cfg.WriteRetries,
		retryMin:    cfg.RetryMin,
		retryMax:    cfg.RetryMax,
	}
	if l.retries <= 0 {
		l.retries = 5
	}
	if l.retryMin <= 0 {
		l.retryMin = 50 * time.Millisecond
	}
	if l.retryMax <= 0 {
		l.retryMax = 2 * time.Second
	}
	return l, nil
}

// Record durably commits a transition. The same action id is used on every
// attempt, so a commit that succeeded but whose acknowledgement was lost shows
// up as a duplicate on the next attempt instead of a second row.
func (l *Ledger) Record(ctx context.Context, t domain.Transition) (*Recorded, error) {
	op := "recordAction"
	commit := ports.LedgerCommit{
		Action:    t.Action,
		Position:  t.After.Position,
		Lots:      t.After.Lots,
		CashDelta: t.Action.CashDelta(),
	}
	commit.Position.Lots = nil
	commit.Position.History = nil
	fields := map[string]interface{}{
		"actionID":   t.Action.ID,
		"positionID": t.Action.PositionID,
		"type":       t.Action.Type,
	}

	b := &backoff.Backoff{Min: l.retryMin, Max: l.retryMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= l.retries; attempt++ {
		err := l.store.Commit(ctx, commit)
		switch {
		case err == nil:
			l.logger.Debug(ctx, op+": Action committed", fields)
			l.publish(ctx, t.Action)
			pos := t.After.Position
			pos.Lots = t.After.Lots
			return &Recorded{Action: t.Action, Position: pos}, nil

		case errors.Is(err, ports.ErrDuplicateEntry):
			l.logger.Info(ctx, op+": Action already recorded, treating as no-op", fields)
			return l.existing(ctx, t.Action.ID)

		case errors.Is(err, ports.ErrVersionMismatch):
			l.logger.Warn(ctx, op+": Position changed concurrently", fields)
			return nil, &domain.Error{Kind: domain.ErrConflict, Op: op, Reason: "position was modified concurrently; re-read and retry", Err: err}
		}

		lastErr = err
		if attempt == l.retries {
			break
		}
		wait := b.Duration()
		l.logger.Warn(ctx, op+": Ledger commit failed, retrying", map[string]interface{}{
			"actionID": t.Action.ID,
			"attempt":  attempt,
			"wait":     wait.String(),
			"error":    err.Error(),
		})
		select {
		case <-ctx.Done():
			lastErr = fmt.Errorf("%v (context: %w)", err, ctx.Err())
			attempt = l.retries
		case <-time.After(wait):
		}
	}

	err := &domain.Error{
		Kind:   domain.ErrTransient,
		Op:     op,
		Reason: "ledger write failed",
		Err:    fmt.Errorf("%w: action %s after %d attempts: %v", ports.ErrLedgerWrite, t.Action.ID, l.retries, lastErr),
	}
	l.logger.Error(ctx, err, op+": LEDGER WRITE FAILED, ledger and backend disagree until reconciled", fields)
	return nil, err
}

func (l *Ledger) existing(ctx context.Context, actionID string) (*Recorded, error) {
	a, err := l.store.FindAction(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recorded action %s: %w", actionID, err)
	}
	if a == nil {
		return nil, &domain.Error{
			Kind:   domain.ErrTransient,
			Op:     "recordAction",
			Reason: "ledger write failed",
			Err:    fmt.Errorf("action %s reported duplicate but not found: %w", actionID, ports.ErrLedgerWrite),
		}
	}
	pos, err := l.Position(ctx, a.PositionID)
	if err != nil {
		return nil, err
	}
	return &Recorded{Action: *a, Position: *pos, Duplicate: true}, nil
}

func (l *Ledger) publish(ctx context.Context, a domain.ExecutionAction) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, a); err != nil {
		l.logger.Warn(ctx, "publishAction: Failed to publish committed action", map[string]interface{}{
			"actionID": a.ID,
			"error":    err.Error(),
		})
	}
}

// --- Read side ---

// Action returns a recorded action, or nil when the id is unknown.
func (l *Ledger) Action(ctx context.Context, id string) (*domain.ExecutionAction, error) {
	a, err := l.store.FindAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find action %s: %w", id, err)
	}
	return a, nil
}

// EntryByClientOrderID returns the ENTRY booked under a caller's client order
// id, or nil when none exists.
func (l *Ledger) EntryByClientOrderID(ctx context.Context, clientOrderID string) (*domain.ExecutionAction, error) {
	a, err := l.store.FindEntryByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to find entry for client order %s: %w", clientOrderID, err)
	}
	return a, nil
}

// Book loads the snapshot and lots of a position.
func (l *Ledger) Book(ctx context.Context, positionID string) (domain.Book, error) {
	pos, err := l.store.FindPosition(ctx, positionID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("failed to find position %s: %w", positionID, err)
	}
	if pos == nil {
		return domain.Book{}, domain.NotFoundf("loadBook", "position %s not found", positionID)
	}
	return l.withLots(ctx, *pos)
}

// OpenBook loads the open position of a symbol. ok is false when there is none.
func (l *Ledger) OpenBook(ctx context.Context, symbol string) (domain.Book, bool, error) {
	pos, err := l.store.FindOpenBySymbol(ctx, symbol)
	if err != nil {
		return domain.Book{}, false, fmt.Errorf("failed to find open position for %s: %w", symbol, err)
	}
	if pos == nil {
		return domain.Book{}, false, nil
	}
	b, err := l.withLots(ctx, *pos)
	return b, err == nil, err
}

func (l *Ledger) withLots(ctx context.Context, pos domain.Position) (domain.Book, error) {
	lots, err := l.store.ListLots(ctx, pos.ID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("failed to list lots of %s: %w", pos.ID, err)
	}
	return domain.Book{Position: pos, Lots: lots}, nil
}

// Position returns a snapshot with its lots and history attached.
func (l *Ledger) Position(ctx context.Context, id string) (*domain.Position, error) {
	b, err := l.Book(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := l.History(ctx, id)
	if err != nil {
		return nil, err
	}
	pos := b.Position
	pos.Lots = b.Lots
	pos.History = history
	return &pos, nil
}

// History returns the actions of a position in ledger order.
func (l *Ledger) History(ctx context.Context, positionID string) ([]domain.ExecutionAction, error) {
	actions, err := l.store.ListActions(ctx, ports.ActionFilter{PositionID: positionID})
	if err != nil {
		return nil, fmt.Errorf("failed to list actions of %s: %w", positionID, err)
	}
	return actions, nil
}

// Actions returns ledger rows matching filter.
func (l *Ledger) Actions(ctx context.Context, filter ports.ActionFilter) ([]domain.ExecutionAction, error) {
	return l.store.ListActions(ctx, filter)
}

// Positions returns position snapshots matching filter.
func (l *Ledger) Positions(ctx context.Context, filter ports.PositionFilter) ([]domain.Position, error) {
	return l.store.ListPositions(ctx, filter)
}

// FindByOrderRef resolves an order reference to an open position: a position
// id, a leg order id, or the id of an action on the position.
func (l *Ledger) FindByOrderRef(ctx context.Context, ref string) (*domain.Position, error) {
	if pos, err := l.store.FindPosition(ctx, ref); err != nil {
		return nil, err
	} else if pos != nil {
		return pos, nil
	}
	open, err := l.store.ListPositions(ctx, ports.PositionFilter{OpenOnly: true})
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].StopOrderID == ref || open[i].TakeProfitOrderID == ref {
			return &open[i], nil
		}
	}
	a, err := l.store.FindAction(ctx, ref)
	if err != nil {
		return nil, err
	}
	if a == nil {
		if a, err = l.store.FindEntryByClientOrderID(ctx, ref); err != nil || a == nil {
			return nil, err
		}
	}
	return l.store.FindPosition(ctx, a.PositionID)
}

// Replay rebuilds a position from its ledger rows.
func (l *Ledger) Replay(ctx context.Context, positionID string) (domain.Book, error) {
	actions, err := l.History(ctx, positionID)
	if err != nil {
		return domain.Book{}, err
	}
	if len(actions) == 0 {
		return domain.Book{}, domain.NotFoundf("replay", "no actions for position %s", positionID)
	}
	return domain.Replay(actions)
}

// Verify replays a position and lists where the stored snapshot disagrees.
func (l *Ledger) Verify(ctx context.Context, positionID string) ([]string, error) {
	book, err := l.Book(ctx, positionID)
	if err != nil {
		return nil, err
	}
	replayed, err := l.Replay(ctx, positionID)
	if err != nil {
		return nil, err
	}
	diffs := domain.Diff(book.Position, replayed.Position)
	if !domain.OpenQty(book.Lots).Equal(book.Position.OpenQty) {
		diffs = append(diffs, "open lots do not sum to open_qty")
	}
	return diffs, nil
}

// VerifyAll runs Verify over every position and returns the mismatching ones.
func (l *Ledger) VerifyAll(ctx context.Context) (map[string][]string, error) {
	positions, err := l.store.ListPositions(ctx, ports.PositionFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, p := range positions {
		diffs, err := l.Verify(ctx, p.ID)
		if err != nil {
			out[p.ID] = []string{err.Error()}
			continue
		}
		if len(diffs) > 0 {
			out[p.ID] = diffs
		}
	}
	return out, nil
}

// InitialCash is the cash balance before the first action.
func (l *Ledger) InitialCash() decimal.Decimal { return l.initialCash }

// Account derives cash, buying power and portfolio value from the cash ledger
// and open positions marked at marks.
func (l *Ledger) Account(ctx context.Context, marks map[string]decimal.Decimal) (*domain.Account, error) {
	cash, err := l.store.CashBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum cash ledger: %w", err)
	}
	all, err := l.store.ListPositions(ctx, ports.PositionFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	realized := decimal.Zero
	var open []domain.Position
	for _, p := range all {
		realized = realized.Add(p.RealizedPnL)
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	acct := domain.DeriveAccount(l.initialCash.Add(cash), open, marks, realized)
	return &acct, nil
}

// OpenPositions returns open snapshots sorted by symbol.
func (l *Ledger) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	open, err := l.store.ListPositions(ctx, ports.PositionFilter{OpenOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Symbol < open[j].Symbol })
	return open, nil
}

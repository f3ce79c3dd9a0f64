// Package memstore is an in-memory ports.LedgerStore with the same commit
// semantics as the SQL store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"execledger/internal/domain"
	"execledger/internal/ports"
)

// Store keeps the ledger in process memory.
type Store struct {
	mu        sync.RWMutex
	actions   []domain.ExecutionAction
	actionIdx map[string]int
	positions map[string]domain.Position
	lots      map[string][]domain.Lot
	cash      []decimal.Decimal
	failNext  int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		actionIdx: make(map[string]int),
		positions: make(map[string]domain.Position),
		lots:      make(map[string][]domain.Lot),
	}
}

// Commit applies the commit atomically under the store lock.
func (s *Store) Commit(ctx context.Context, c ports.LedgerCommit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return ports.ErrDBConnection
	}
	if _, ok := s.actionIdx[c.Action.ID]; ok {
		return ports.ErrDuplicateEntry
	}

	prev, exists := s.positions[c.Position.ID]
	switch {
	case c.Position.Version == 1 && exists:
		return ports.ErrVersionMismatch
	case c.Position.Version > 1 && (!exists || prev.Version != c.Position.Version-1):
		return ports.ErrVersionMismatch
	}
	if c.Position.IsOpen() {
		for id, p := range s.positions {
			if id != c.Position.ID && p.Symbol == c.Position.Symbol && p.IsOpen() {
				return ports.ErrVersionMismatch
			}
		}
	}

	s.actionIdx[c.Action.ID] = len(s.actions)
	s.actions = append(s.actions, c.Action)
	s.positions[c.Position.ID] = c.Position
	s.lots[c.Position.ID] = append([]domain.Lot(nil), c.Lots...)
	if !c.CashDelta.IsZero() {
		s.cash = append(s.cash, c.CashDelta)
	}
	return nil
}

func (s *Store) FindAction(ctx context.Context, id string) (*domain.ExecutionAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.actionIdx[id]
	if !ok {
		return nil, nil
	}
	a := s.actions[i]
	return &a, nil
}

func (s *Store) FindEntryByClientOrderID(ctx context.Context, clientOrderID string) (*domain.ExecutionAction, error) {
	if clientOrderID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.actions {
		if a.Type == domain.ActionEntry && a.ClientOrderID == clientOrderID {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (s *Store) ListActions(ctx context.Context, f ports.ActionFilter) ([]domain.ExecutionAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ExecutionAction
	for _, a := range s.actions {
		if f.PositionID != "" && a.PositionID != f.PositionID {
			continue
		}
		if f.Symbol != "" && a.Symbol != f.Symbol {
			continue
		}
		if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) FindPosition(ctx context.Context, id string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.positions {
		if p.Symbol == symbol && p.IsOpen() {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Store) ListPositions(ctx context.Context, f ports.PositionFilter) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if f.Symbol != "" && p.Symbol != f.Symbol {
			continue
		}
		if f.OpenOnly && !p.IsOpen() {
			continue
		}
		if f.Closed && p.Status != domain.StatusClosed {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryAt.Equal(out[j].EntryAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryAt.Before(out[j].EntryAt)
	})
	return out, nil
}

func (s *Store) ListLots(ctx context.Context, positionID string) ([]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Lot(nil), s.lots[positionID]...), nil
}

func (s *Store) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, c := range s.cash {
		total = total.Add(c)
	}
	return total, nil
}

// FailNextCommits makes the next n commits fail with ports.ErrDBConnection.
func (s *Store) FailNextCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// ActionCount returns the number of ledger rows.
func (s *Store) ActionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actions)
}

func (s *Store) Close() error { return nil }

var _ ports.LedgerStore = (*Store)(nil)

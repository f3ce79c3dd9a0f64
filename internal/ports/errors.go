package ports

import (
	"errors"
	"fmt"

	"execledger/internal/domain"
)

// Infrastructure errors. Adapters wrap driver and network failures with these;
// the execution layer translates them into domain error kinds.
var (
	ErrConfiguration = errors.New("invalid or missing configuration")

	// Ledger store
	ErrDuplicateEntry  = errors.New("database record already exists")
	ErrVersionMismatch = fmt.Errorf("position snapshot version mismatch: %w", domain.ErrConflict)
	ErrDBConnection    = errors.New("database connection error")
	ErrLedgerWrite     = errors.New("ledger write failed after retries")

	// Locking
	ErrLockHeld = fmt.Errorf("position lock held by another writer: %w", domain.ErrConflict)
)

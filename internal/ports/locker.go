package ports

import (
	"context"
	"time"
)

// PositionLocker grants single-writer access to a key.
type PositionLocker interface {
	// Acquire tries once to take the lock. It returns an unlock func, or
	// ErrLockHeld when another writer holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

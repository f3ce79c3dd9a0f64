package execution

import (
	"context"
	"sync"
	"time"

	"execledger/internal/ports"
)

// KeyedLocker is an in-process ports.PositionLocker. Leases expire after their
// TTL so a caller that never unlocks cannot wedge a symbol.
type KeyedLocker struct {
	mu   sync.Mutex
	held map[string]lease
	seq  uint64
	now  func() time.Time
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewKeyedLocker creates an empty in-process locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{held: make(map[string]lease), now: time.Now}
}

// Acquire takes key for ttl, or returns ports.ErrLockHeld. A non-positive ttl
// never expires.
func (l *KeyedLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && (h.expires.IsZero() || now.Before(h.expires)) {
		return nil, ports.ErrLockHeld
	}
	l.seq++
	token := l.seq
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	l.held[key] = lease{token: token, expires: expires}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// An expired lease may already belong to someone else.
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ ports.PositionLocker = (*KeyedLocker)(nil)

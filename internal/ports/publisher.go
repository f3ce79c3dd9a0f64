package ports

import (
	"context"

	"execledger/internal/domain"
)

// ActionPublisher delivers committed actions to downstream consumers
// (alerting, analytics).
type ActionPublisher interface {
	Publish(ctx context.Context, action domain.ExecutionAction) error
}

// IntentSource yields trade intents produced by the signal engine.
type IntentSource interface {
	// Drain returns and removes every queued intent in arrival order.
	Drain(ctx context.Context) ([]domain.Intent, error)
}

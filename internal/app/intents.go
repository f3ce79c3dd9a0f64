package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"execledger/internal/domain"
	"execledger/internal/ports"
)

// IntentQueue buffers intents between ticks. Push stamps a missing trade id
// with a fresh uuid and a missing timestamp with the enqueue time, so only
// intents that carry their own trade_id and at map to the same ledger
// actions when re-delivered.
type IntentQueue struct {
	mu    sync.Mutex
	items []domain.Intent
	now   func() time.Time
}

// NewIntentQueue creates an empty queue.
func NewIntentQueue() *IntentQueue {
	return &IntentQueue{now: time.Now}
}

// Push validates and enqueues intents. Nothing is enqueued if one is invalid.
func (q *IntentQueue) Push(intents ...domain.Intent) ([]domain.Intent, error) {
	const op = "pushIntent"
	out := make([]domain.Intent, 0, len(intents))
	for _, in := range intents {
		in.Ticker = strings.ToUpper(strings.TrimSpace(in.Ticker))
		in.Kind = domain.IntentKind(strings.ToUpper(string(in.Kind)))
		if in.Ticker == "" {
			return nil, domain.Validationf(op, "ticker is required")
		}
		switch in.Kind {
		case domain.IntentEnter:
			if in.TradeID == "" {
				in.TradeID = uuid.New().String()
			}
			in.Direction = domain.Direction(strings.ToUpper(string(in.Direction)))
			if in.Direction == "" {
				in.Direction = domain.Long
			}
			if in.Direction != domain.Long && in.Direction != domain.Short {
				return nil, domain.Validationf(op, "direction must be LONG or SHORT, got %q", in.Direction)
			}
		case domain.IntentTrim, domain.IntentExit:
		case domain.IntentTightenStop:
			if !in.StopLoss.IsPositive() && !in.TakeProfit.IsPositive() {
				return nil, domain.Validationf(op, "TIGHTEN_STOP requires stop_loss or take_profit")
			}
		default:
			return nil, domain.Validationf(op, "unknown intent kind %q", in.Kind)
		}
		if in.Qty.IsNegative() || in.Percentage.IsNegative() {
			return nil, domain.Validationf(op, "qty and percentage must not be negative")
		}
		if in.At.IsZero() {
			in.At = q.now()
		}
		in.At = domain.LogicalTime(in.At)
		out = append(out, in)
	}

	q.mu.Lock()
	q.items = append(q.items, out...)
	q.mu.Unlock()
	return out, nil
}

// Len returns the number of queued intents.
func (q *IntentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain hands over every queued intent in arrival order.
func (q *IntentQueue) Drain(ctx context.Context) ([]domain.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out, nil
}

var _ ports.IntentSource = (*IntentQueue)(nil)

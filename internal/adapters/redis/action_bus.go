package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"execledger/internal/domain"
)

// streamMaxLen bounds the action stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// ActionBus publishes committed ExecutionActions for alerting and analytics:
// Pub/Sub for live listeners, a stream for consumers that replay from an id.
type ActionBus struct {
	rdb     *redis.Client
	channel string
	stream  string
}

// NewActionBus creates an ActionBus. An empty channel or stream disables that
// half of the fan-out.
func NewActionBus(c *Client, channel, stream string) *ActionBus {
	return &ActionBus{rdb: c.Underlying(), channel: channel, stream: stream}
}

// Publish implements ports.ActionPublisher.
func (b *ActionBus) Publish(ctx context.Context, a domain.ExecutionAction) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("redis: marshal action %s: %w", a.ID, err)
	}
	if b.stream != "" {
		args := &redis.XAddArgs{
			Stream: b.stream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"id":      a.ID,
				"type":    string(a.Type),
				"payload": payload,
			},
		}
		if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("redis: stream append %s: %w", b.stream, err)
		}
	}
	if b.channel != "" {
		if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
			return fmt.Errorf("redis: publish %s: %w", b.channel, err)
		}
	}
	return nil
}

// ReadStream returns up to count actions recorded on the stream after lastID,
// with the id of the last entry read. Use "0" to read from the beginning.
func (b *ActionBus) ReadStream(ctx context.Context, lastID string, count int) ([]domain.ExecutionAction, string, error) {
	results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("redis: stream read %s: %w", b.stream, err)
	}

	var actions []domain.ExecutionAction
	next := lastID
	for _, s := range results {
		for _, msg := range s.Messages {
			next = msg.ID
			raw, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var a domain.ExecutionAction
			if err := json.Unmarshal([]byte(raw), &a); err != nil {
				return nil, lastID, fmt.Errorf("redis: decode stream entry %s: %w", msg.ID, err)
			}
			actions = append(actions, a)
		}
	}
	return actions, next, nil
}

// Package eventstore defines persistence contracts for the durable event log.
package eventstore

import (
	"context"

	"github.com/coachpo/orbit/internal/domain/schema"
)

// Store persists topic-partitioned events and consumer offsets.
//
// Offsets are dense per topic, start at 1 and strictly increase. Append assigns
// the next offset and must be durable before returning.
type Store interface {
	Append(ctx context.Context, evt *schema.Event) (int64, error)
	Read(ctx context.Context, topic schema.Topic, from int64, limit int) ([]*schema.Event, error)
	LastOffset(ctx context.Context, topic schema.Topic) (int64, error)
	Commit(ctx context.Context, consumer string, topic schema.Topic, offset int64) error
	Committed(ctx context.Context, consumer string, topic schema.Topic) (int64, error)
	Close() error
}

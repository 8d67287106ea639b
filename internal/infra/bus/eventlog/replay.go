package eventlog

import (
	"context"
	"fmt"

	"github.com/coachpo/orbit/internal/domain/schema"
)

type replayKey struct{}

// WithReplaying marks ctx as belonging to a state rebuild.
func WithReplaying(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

// Replaying reports whether the handler runs as part of a rebuild. Handlers must
// not perform external side effects while replaying; Publish is a no-op.
func Replaying(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}

// Replay feeds every event currently stored on topics to fn in publish order,
// merging topics by append timestamp. fn runs with a replaying context.
func (l *Log) Replay(ctx context.Context, topics []schema.Topic, fn Handler) error {
	until := make(map[schema.Topic]int64, len(topics))
	for _, topic := range topics {
		last, err := l.store.LastOffset(ctx, topic)
		if err != nil {
			return fmt.Errorf("eventlog replay last offset %s: %w", topic, err)
		}
		until[topic] = last
	}
	return l.replayUntil(ctx, topics, until, fn)
}

func (l *Log) replayUntil(ctx context.Context, topics []schema.Topic, until map[schema.Topic]int64, fn Handler) error {
	replayCtx := WithReplaying(ctx)
	cursors := make([]*cursor, 0, len(topics))
	for idx, topic := range topics {
		if until[topic] <= 0 {
			continue
		}
		cursors = append(cursors, &cursor{topic: topic, order: idx, next: 1, until: until[topic]})
	}
	for {
		var (
			best     *cursor
			bestHead *schema.Event
		)
		for _, c := range cursors {
			head, err := c.peek(ctx, l)
			if err != nil {
				return err
			}
			if head == nil {
				continue
			}
			if best == nil || before(head, c.order, bestHead, best.order) {
				best = c
				bestHead = head
			}
		}
		if best == nil {
			return nil
		}
		best.pop()
		if err := fn(replayCtx, bestHead); err != nil {
			return err
		}
	}
}

func before(a *schema.Event, aOrder int, b *schema.Event, bOrder int) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return aOrder < bOrder
}

type cursor struct {
	topic schema.Topic
	order int
	next  int64
	until int64
	buf   []*schema.Event
}

func (c *cursor) peek(ctx context.Context, l *Log) (*schema.Event, error) {
	if len(c.buf) == 0 && c.next <= c.until {
		events, err := l.store.Read(ctx, c.topic, c.next, l.batchSize)
		if err != nil {
			return nil, fmt.Errorf("eventlog replay read %s: %w", c.topic, err)
		}
		for _, evt := range events {
			if evt.Offset > c.until {
				break
			}
			c.buf = append(c.buf, evt)
		}
		if len(c.buf) == 0 {
			c.next = c.until + 1
			return nil, nil
		}
		c.next = c.buf[len(c.buf)-1].Offset + 1
	}
	if len(c.buf) == 0 {
		return nil, nil
	}
	return c.buf[0], nil
}

func (c *cursor) pop() {
	c.buf[0] = nil
	c.buf = c.buf[1:]
}

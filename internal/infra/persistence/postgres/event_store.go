package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/eventstore"
	"github.com/coachpo/orbit/internal/domain/schema"
)

// EventStore persists the event log in PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore constructs an EventStore backed by the provided pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const (
	defaultEventLimit = 256
	maxEventLimit     = 4096
)

const (
	eventNextOffsetSQL = `
INSERT INTO event_topics (topic, last_offset)
VALUES ($1, 1)
ON CONFLICT (topic) DO UPDATE
SET last_offset = event_topics.last_offset + 1
RETURNING last_offset;
`

	eventInsertSQL = `
INSERT INTO events (
    topic,
    event_offset,
    event_key,
    event_type,
    headers,
    payload,
    published_at
)
VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6::jsonb, $7);
`

	eventReadSQL = `
SELECT
    event_offset,
    event_key,
    event_type,
    headers,
    payload,
    published_at
FROM events
WHERE topic = $1
  AND event_offset >= $2
ORDER BY event_offset ASC
LIMIT $3;
`

	eventLastOffsetSQL = `
SELECT COALESCE((SELECT last_offset FROM event_topics WHERE topic = $1), 0);
`

	consumerCommitSQL = `
INSERT INTO consumer_offsets (consumer, topic, committed_offset, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (consumer, topic) DO UPDATE
SET committed_offset = GREATEST(consumer_offsets.committed_offset, EXCLUDED.committed_offset),
    updated_at = NOW();
`

	consumerCommittedSQL = `
SELECT committed_offset
FROM consumer_offsets
WHERE consumer = $1
  AND topic = $2;
`
)

// Append assigns the next offset of the event's topic and stores the event in one transaction.
func (s *EventStore) Append(ctx context.Context, evt *schema.Event) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("event store: nil pool")
	}
	if evt == nil {
		return 0, fmt.Errorf("event store: nil event")
	}
	topic := strings.TrimSpace(string(evt.Topic))
	if topic == "" {
		return 0, fmt.Errorf("event store: topic required")
	}
	headers, err := encodeHeaders(evt.Headers)
	if err != nil {
		return 0, fmt.Errorf("event store: encode headers: %w", err)
	}
	payload := []byte(evt.Data)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	publishedAt := evt.Timestamp
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	var offset int64
	err = pgx.BeginTxFunc(ctx, s.pool, txOptions, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, eventNextOffsetSQL, topic).Scan(&offset); err != nil {
			return fmt.Errorf("event store: next offset: %w", err)
		}
		if _, err := tx.Exec(ctx, eventInsertSQL, topic, offset, evt.Key, string(evt.Type), headers, payload, publishedAt); err != nil {
			return fmt.Errorf("event store: insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, classify("postgres/event_store", err)
	}
	return offset, nil
}

// Read returns up to limit events of topic starting at from.
func (s *EventStore) Read(ctx context.Context, topic schema.Topic, from int64, limit int) ([]*schema.Event, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("event store: nil pool")
	}
	if from < 1 {
		from = 1
	}
	limit = clampLimit(limit, defaultEventLimit, maxEventLimit)
	rows, err := s.pool.Query(ctx, eventReadSQL, string(topic), from, limit)
	if err != nil {
		return nil, classify("postgres/event_store", fmt.Errorf("event store: read: %w", err))
	}
	defer rows.Close()

	events := make([]*schema.Event, 0, limit)
	for rows.Next() {
		var (
			evt         schema.Event
			eventType   string
			headerJSON  []byte
			payloadJSON []byte
			publishedAt time.Time
		)
		if err := rows.Scan(&evt.Offset, &evt.Key, &eventType, &headerJSON, &payloadJSON, &publishedAt); err != nil {
			return nil, fmt.Errorf("event store: scan event: %w", err)
		}
		evt.Topic = topic
		evt.Type = schema.EventType(eventType)
		evt.Timestamp = publishedAt.UTC()
		evt.Data = json.RawMessage(payloadJSON)
		headers, err := decodeHeaders(headerJSON)
		if err != nil {
			return nil, fmt.Errorf("event store: decode headers: %w", err)
		}
		evt.Headers = headers
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("postgres/event_store", fmt.Errorf("event store: iterate events: %w", err))
	}
	return events, nil
}

// LastOffset returns the newest offset of topic.
func (s *EventStore) LastOffset(ctx context.Context, topic schema.Topic) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("event store: nil pool")
	}
	var last int64
	if err := s.pool.QueryRow(ctx, eventLastOffsetSQL, string(topic)).Scan(&last); err != nil {
		return 0, classify("postgres/event_store", fmt.Errorf("event store: last offset: %w", err))
	}
	return last, nil
}

// Commit records the consumer's acknowledged offset; it never moves backwards.
func (s *EventStore) Commit(ctx context.Context, consumer string, topic schema.Topic, offset int64) error {
	if s.pool == nil {
		return fmt.Errorf("event store: nil pool")
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return fmt.Errorf("event store: consumer required")
	}
	if _, err := s.pool.Exec(ctx, consumerCommitSQL, consumer, string(topic), offset); err != nil {
		return classify("postgres/event_store", fmt.Errorf("event store: commit: %w", err))
	}
	return nil
}

// Committed returns the consumer's committed offset, zero when none.
func (s *EventStore) Committed(ctx context.Context, consumer string, topic schema.Topic) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("event store: nil pool")
	}
	var offset int64
	err := s.pool.QueryRow(ctx, consumerCommittedSQL, strings.TrimSpace(consumer), string(topic)).Scan(&offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("postgres/event_store", fmt.Errorf("event store: committed: %w", err))
	}
	return offset, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *EventStore) Close() error {
	return nil
}

func encodeHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	return json.Marshal(headers)
}

func decodeHeaders(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, nil
	}
	return headers, nil
}

// classify marks connection loss, timeouts and serialisation conflicts as retryable.
func classify(component string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return errs.Unavailable(component, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return errs.Unavailable(component, err)
		}
		return errs.New(component, errs.CodeInvalid, errs.WithMessage(pgErr.Message), errs.WithCause(err))
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errs.Unavailable(component, err)
	}
	return err
}

var _ eventstore.Store = (*EventStore)(nil)

// Package sqlite provides a single-node event store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/eventstore"
	"github.com/coachpo/orbit/internal/domain/schema"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
    topic       TEXT    NOT NULL,
    seq         INTEGER NOT NULL,
    event_key   TEXT    NOT NULL,
    event_type  TEXT    NOT NULL,
    ts_unix_ns  INTEGER NOT NULL,
    headers     TEXT,
    data        BLOB    NOT NULL,
    PRIMARY KEY (topic, seq)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS consumer_offsets (
    consumer   TEXT    NOT NULL,
    topic      TEXT    NOT NULL,
    seq        INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (consumer, topic)
) WITHOUT ROWID;
`

const (
	nextOffsetSQL = `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE topic = ?`

	insertEventSQL = `
INSERT INTO events (topic, seq, event_key, event_type, ts_unix_ns, headers, data)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	readEventsSQL = `
SELECT seq, event_key, event_type, ts_unix_ns, headers, data
FROM events
WHERE topic = ? AND seq >= ?
ORDER BY seq
LIMIT ?`

	lastOffsetSQL = `SELECT COALESCE(MAX(seq), 0) FROM events WHERE topic = ?`

	commitSQL = `
INSERT INTO consumer_offsets (consumer, topic, seq, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (consumer, topic) DO UPDATE
SET seq = MAX(consumer_offsets.seq, excluded.seq),
    updated_at = excluded.updated_at`

	committedSQL = `SELECT seq FROM consumer_offsets WHERE consumer = ? AND topic = ?`
)

// EventStore persists the event log in a SQLite database.
type EventStore struct {
	db *sql.DB
}

var _ eventstore.Store = (*EventStore)(nil)

// Open opens (or creates) the database at path. Use ":memory:" for an
// ephemeral database.
func Open(ctx context.Context, path string) (*EventStore, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if dsn != ":memory:" {
		dsn = "file:" + dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises appends so offsets stay dense.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &EventStore{db: db}, nil
}

// Append assigns the next offset of the event's topic and stores it.
func (s *EventStore) Append(ctx context.Context, evt *schema.Event) (int64, error) {
	if evt == nil {
		return 0, errs.New("sqlite/append", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	headers, err := encodeHeaders(evt.Headers)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("sqlite/append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var offset int64
	if err := tx.QueryRowContext(ctx, nextOffsetSQL, string(evt.Topic)).Scan(&offset); err != nil {
		return 0, classify("sqlite/append", err)
	}
	if _, err := tx.ExecContext(ctx, insertEventSQL,
		string(evt.Topic), offset, evt.Key, string(evt.Type), evt.Timestamp.UnixNano(), headers, []byte(evt.Data),
	); err != nil {
		return 0, classify("sqlite/append", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("sqlite/append", err)
	}
	return offset, nil
}

// Read returns up to limit events of topic starting at from.
func (s *EventStore) Read(ctx context.Context, topic schema.Topic, from int64, limit int) ([]*schema.Event, error) {
	if from < 1 {
		from = 1
	}
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, readEventsSQL, string(topic), from, limit)
	if err != nil {
		return nil, classify("sqlite/read", err)
	}
	defer rows.Close()

	out := make([]*schema.Event, 0, limit)
	for rows.Next() {
		var (
			evt     schema.Event
			typ     string
			tsNanos int64
			headers sql.NullString
			data    []byte
		)
		if err := rows.Scan(&evt.Offset, &evt.Key, &typ, &tsNanos, &headers, &data); err != nil {
			return nil, classify("sqlite/read", err)
		}
		evt.Topic = topic
		evt.Type = schema.EventType(typ)
		evt.Timestamp = time.Unix(0, tsNanos).UTC()
		evt.Data = json.RawMessage(data)
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &evt.Headers); err != nil {
				return nil, errs.Corrupt("sqlite/read", "decode headers",
					errs.WithField("topic", string(topic)), errs.WithCause(err))
			}
		}
		out = append(out, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("sqlite/read", err)
	}
	return out, nil
}

// LastOffset returns the newest offset of topic.
func (s *EventStore) LastOffset(ctx context.Context, topic schema.Topic) (int64, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx, lastOffsetSQL, string(topic)).Scan(&last); err != nil {
		return 0, classify("sqlite/last_offset", err)
	}
	return last, nil
}

// Commit records the consumer's acknowledged offset; it never moves backwards.
func (s *EventStore) Commit(ctx context.Context, consumer string, topic schema.Topic, offset int64) error {
	if _, err := s.db.ExecContext(ctx, commitSQL, consumer, string(topic), offset, time.Now().UnixNano()); err != nil {
		return classify("sqlite/commit", err)
	}
	return nil
}

// Committed returns the consumer's committed offset, zero when none.
func (s *EventStore) Committed(ctx context.Context, consumer string, topic schema.Topic) (int64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx, committedSQL, consumer, string(topic)).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("sqlite/committed", err)
	}
	return offset, nil
}

// Close closes the database.
func (s *EventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeHeaders(headers map[string]string) (sql.NullString, error) {
	if len(headers) == 0 {
		return sql.NullString{String: "", Valid: false}, nil
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return sql.NullString{}, errs.New("sqlite/append", errs.CodeInvalid, errs.WithMessage("encode headers"), errs.WithCause(err))
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// classify maps busy and locked database conditions to retryable errors.
func classify(component string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return errs.Unavailable(component, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.New(component, errs.CodeInvalid, errs.WithMessage("sqlite operation failed"), errs.WithCause(err))
}

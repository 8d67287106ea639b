package eventlog

import (
	"context"
	"sync"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/eventstore"
	"github.com/coachpo/orbit/internal/domain/schema"
)

// MemoryStore is a process-local event store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	topics  map[schema.Topic][]*schema.Event
	commits map[string]int64
	closed  bool
}

var _ eventstore.Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:      sync.RWMutex{},
		topics:  make(map[schema.Topic][]*schema.Event),
		commits: make(map[string]int64),
		closed:  false,
	}
}

// Append stores a copy of evt under the next offset of its topic.
func (s *MemoryStore) Append(ctx context.Context, evt *schema.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if evt == nil {
		return 0, errs.New("eventlog/memory", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errs.New("eventlog/memory", errs.CodeUnavailable, errs.WithMessage("store closed"))
	}
	stored := evt.Clone()
	stored.Offset = int64(len(s.topics[evt.Topic]) + 1)
	s.topics[evt.Topic] = append(s.topics[evt.Topic], stored)
	return stored.Offset, nil
}

// Read returns up to limit events of topic starting at offset from.
func (s *MemoryStore) Read(ctx context.Context, topic schema.Topic, from int64, limit int) ([]*schema.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from < 1 {
		from = 1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.topics[topic]
	if from > int64(len(events)) {
		return nil, nil
	}
	end := int64(len(events))
	if limit > 0 && from-1+int64(limit) < end {
		end = from - 1 + int64(limit)
	}
	out := make([]*schema.Event, 0, end-from+1)
	for _, evt := range events[from-1 : end] {
		out = append(out, evt.Clone())
	}
	return out, nil
}

// LastOffset returns the newest offset of topic, zero when empty.
func (s *MemoryStore) LastOffset(_ context.Context, topic schema.Topic) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.topics[topic])), nil
}

// Commit records the consumer's acknowledged offset. Offsets never move backwards.
func (s *MemoryStore) Commit(_ context.Context, consumer string, topic schema.Topic, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := commitKey(consumer, topic)
	if offset > s.commits[key] {
		s.commits[key] = offset
	}
	return nil
}

// Committed returns the consumer's committed offset, zero when none.
func (s *MemoryStore) Committed(_ context.Context, consumer string, topic schema.Topic) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits[commitKey(consumer, topic)], nil
}

// Close rejects further appends.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func commitKey(consumer string, topic schema.Topic) string {
	return consumer + "\x00" + string(topic)
}

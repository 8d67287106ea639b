package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/retry"
)

type payload struct {
	Seq int `json:"seq"`
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func newTestLog(t *testing.T, store *MemoryStore, opts ...Option) *Log {
	t.Helper()
	base := []Option{
		WithLogger(nil),
		WithPublishRetry(fastRetry()),
		WithHandlerRetry(fastRetry()),
		WithPollInterval(5 * time.Millisecond),
		WithCommitInterval(5 * time.Millisecond),
	}
	l := New(store, append(base, opts...)...)
	t.Cleanup(l.Close)
	return l
}

func publishN(t *testing.T, l *Log, topic schema.Topic, key string, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		if _, err := l.Publish(context.Background(), topic, key, schema.EventTypeTick, payload{Seq: i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
}

func syncSub(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func decodeSeq(t *testing.T, evt *schema.Event) int {
	var p payload
	if err := evt.Decode(&p); err != nil {
		t.Errorf("decode: %v", err)
	}
	return p.Seq
}

func TestPublishAssignsDenseOffsetsPerTopic(t *testing.T) {
	l := newTestLog(t, NewMemoryStore())
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		off, err := l.Publish(ctx, schema.TopicTick, "A", schema.EventTypeTick, payload{Seq: i})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if off != int64(i) {
			t.Fatalf("expected offset %d, got %d", i, off)
		}
	}
	off, err := l.Publish(ctx, schema.TopicSignal, "A", schema.EventTypeSignal, payload{Seq: 1})
	if err != nil || off != 1 {
		t.Fatalf("expected independent offsets per topic, got %d err=%v", off, err)
	}
}

func TestSameKeyEventsAreDeliveredInOrderAcrossLanes(t *testing.T) {
	l := newTestLog(t, NewMemoryStore())
	var mu sync.Mutex
	seen := make(map[string][]int)

	sub, err := l.Subscribe(context.Background(), SubscriptionSpec{
		Consumer: "ordering",
		Topics:   []schema.Topic{schema.TopicTick},
		Lanes:    4,
	}, func(ctx context.Context, evt *schema.Event) error {
		seq := decodeSeq(t, evt)
		mu.Lock()
		seen[evt.Key] = append(seen[evt.Key], seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	keys := []string{"A", "B", "C", "D", "E"}
	for i := 0; i < 50; i++ {
		for _, key := range keys {
			publishN(t, l, schema.TopicTick, key, i, 1)
		}
	}
	syncSub(t, sub)

	mu.Lock()
	defer mu.Unlock()
	for _, key := range keys {
		got := seen[key]
		if len(got) != 50 {
			t.Fatalf("key %s: expected 50 events, got %d", key, len(got))
		}
		for i, seq := range got {
			if seq != i {
				t.Fatalf("key %s: out of order at %d: %v", key, i, got)
			}
		}
	}
}

func TestRestartResumesFromCommittedOffset(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLog(t, store)
	publishN(t, l, schema.TopicTick, "A", 0, 5)

	var first []int
	sub, err := l.Subscribe(context.Background(), SubscriptionSpec{Consumer: "resume", Topics: []schema.Topic{schema.TopicTick}},
		func(_ context.Context, evt *schema.Event) error {
			first = append(first, decodeSeq(t, evt))
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	syncSub(t, sub)
	sub.Close()

	committed, _ := store.Committed(context.Background(), "resume", schema.TopicTick)
	if committed != 5 {
		t.Fatalf("expected committed offset 5, got %d", committed)
	}

	publishN(t, l, schema.TopicTick, "A", 5, 3)
	var second []int
	sub, err = l.Subscribe(context.Background(), SubscriptionSpec{Consumer: "resume", Topics: []schema.Topic{schema.TopicTick}},
		func(_ context.Context, evt *schema.Event) error {
			second = append(second, decodeSeq(t, evt))
			return nil
		})
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	syncSub(t, sub)
	sub.Close()

	if len(first) != 5 {
		t.Fatalf("expected 5 events before restart, got %v", first)
	}
	if len(second) != 3 || second[0] != 5 || second[2] != 7 {
		t.Fatalf("expected only the 3 new events after restart, got %v", second)
	}
}

func TestFromLatestSkipsHistory(t *testing.T) {
	l := newTestLog(t, NewMemoryStore())
	publishN(t, l, schema.TopicTick, "A", 0, 3)
	var got []int
	sub, err := l.Subscribe(context.Background(), SubscriptionSpec{
		Consumer: "latest", Topics: []schema.Topic{schema.TopicTick}, FromOffset: FromLatest,
	}, func(_ context.Context, evt *schema.Event) error {
		got = append(got, decodeSeq(t, evt))
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	publishN(t, l, schema.TopicTick, "A", 3, 1)
	syncSub(t, sub)
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected only the live event, got %v", got)
	}
}

func TestUnavailableHandlerErrorsAreRetried(t *testing.T) {
	l := newTestLog(t, NewMemoryStore())
	var calls atomic.Int32
	sub, err := l.Subscribe(context.Background(), SubscriptionSpec{Consumer: "retry", Topics: []schema.Topic{schema.TopicTick}},
		func(context.Context, *schema.Event) error {
			if calls.Add(1) < 3 {
				return errs.Unavailable("test", errors.New("store busy"))
			}
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	publishN(t, l, schema.TopicTick, "A", 0, 1)
	syncSub(t, sub)
	if calls.Load() != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls.Load())
	}
}

func TestCorruptErrorQuarantinesOnlyThatKey(t *testing.T) {
	var alerts []Alert
	var alertMu sync.Mutex
	l := newTestLog(t, NewMemoryStore(), WithAlertHandler(func(a Alert) {
		alertMu.Lock()
		alerts = append(alerts, a)
		alertMu.Unlock()
	}))

	var mu sync.Mutex
	handled := make(map[string]int)
	sub, err := l.Subscribe(context.Background(), SubscriptionSpec{
		Consumer: "quarantine", Topics: []schema.Topic{schema.TopicTick}, Lanes: 2,
	}, func(_ context.Context, evt *schema.Event) error {
		if evt.Key == "BAD" {
			return errs.Corrupt("test", "broken invariant")
		}
		mu.Lock()
		handled[evt.Key]++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	publishN(t, l, schema.TopicTick, "BAD", 0, 3)
	publishN(t, l, schema.TopicTick, "GOOD", 0, 3)
	syncSub(t, sub)

	if !sub.Quarantined("BAD") || sub.Quarantined("GOOD") {
		t.Fatalf("expected only BAD to be quarantined")
	}
	mu.Lock()
	if handled["GOOD"] != 3 {
		t.Fatalf("expected GOOD events to keep flowing, got %d", handled["GOOD"])
	}
	mu.Unlock()
	alertMu.Lock()
	defer alertMu.Unlock()
	if len(alerts) != 1 || alerts[0].Key != "BAD" || alerts[0].Offset != 1 {
		t.Fatalf("expected a single alert for the first BAD event, got %+v", alerts)
	}
	if got := sub.Acknowledged(schema.TopicTick); got != 6 {
		t.Fatalf("expected skipped events to be acknowledged, watermark=%d", got)
	}
}

func TestHandlerPanicIsTreatedAsCorrupt(t *testing.T) {
	l := newTestLog(t, NewMemoryStore())
	sub, err := l.Subscribe(context.Background(), SubscriptionSpec{Consumer: "panic", Topics: []schema.Topic{schema.TopicTick}},
		func(context.Context, *schema.Event) error { panic("boom") })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	publishN(t, l, schema.TopicTick, "A", 0, 1)
	syncSub(t, sub)
	if !sub.Quarantined("A") {
		t.Fatalf("expected panicking key to be quarantined")
	}
}

func TestHeaderLaneKeyRoutesByHeader(t *testing.T) {
	evt := &schema.Event{Key: "NIFTY"}
	if got := HeaderKey(schema.HeaderStrategyID)(evt); got != "NIFTY" {
		t.Fatalf("expected fallback to event key, got %q", got)
	}
	evt.WithHeader(schema.HeaderStrategyID, "momo")
	if got := HeaderKey(schema.HeaderStrategyID)(evt); got != "momo" {
		t.Fatalf("expected header key, got %q", got)
	}
}

func TestRebuildReplaysCommittedEventsWithoutSideEffects(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLog(t, store)
	publishN(t, l, schema.TopicTick, "A", 0, 4)
	if err := store.Commit(context.Background(), "rebuild", schema.TopicTick, 3); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var replayed, live []int
	sub, err := l.Subscribe(context.Background(), SubscriptionSpec{
		Consumer: "rebuild", Topics: []schema.Topic{schema.TopicTick}, Rebuild: true,
	}, func(ctx context.Context, evt *schema.Event) error {
		if Replaying(ctx) {
			replayed = append(replayed, decodeSeq(t, evt))
		} else {
			live = append(live, decodeSeq(t, evt))
		}
		off, err := l.Publish(ctx, schema.TopicSignal, evt.Key, schema.EventTypeSignal, payload{})
		if err != nil {
			return err
		}
		if Replaying(ctx) && off != 0 {
			t.Errorf("publish during replay must be suppressed, got offset %d", off)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	syncSub(t, sub)

	if fmt.Sprint(replayed) != "[0 1 2]" {
		t.Fatalf("expected committed events replayed, got %v", replayed)
	}
	if fmt.Sprint(live) != "[3]" {
		t.Fatalf("expected uncommitted event delivered live, got %v", live)
	}
	last, _ := store.LastOffset(context.Background(), schema.TopicSignal)
	if last != 1 {
		t.Fatalf("expected only the live publish to reach the store, got %d", last)
	}
}

func TestReplayMergesTopicsByPublishTime(t *testing.T) {
	var tick atomic.Int64
	base := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	l := newTestLog(t, NewMemoryStore(), WithClock(func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
	}))
	ctx := context.Background()
	order := []schema.Topic{schema.TopicSignal, schema.TopicTick, schema.TopicSignal, schema.TopicTick, schema.TopicTick}
	for i, topic := range order {
		if _, err := l.Publish(ctx, topic, "A", schema.EventTypeTick, payload{Seq: i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	var got []int
	err := l.Replay(ctx, []schema.Topic{schema.TopicTick, schema.TopicSignal}, func(rctx context.Context, evt *schema.Event) error {
		if !Replaying(rctx) {
			t.Errorf("expected replaying context")
		}
		got = append(got, decodeSeq(t, evt))
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if fmt.Sprint(got) != "[0 1 2 3 4]" {
		t.Fatalf("expected publish order, got %v", got)
	}
}

type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) Append(ctx context.Context, evt *schema.Event) (int64, error) {
	if f.failures.Add(-1) >= 0 {
		return 0, errs.Unavailable("flaky", errors.New("database is locked"))
	}
	return f.MemoryStore.Append(ctx, evt)
}

func TestPublishRetriesTransientAppendFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(2)
	l := New(store, WithLogger(nil), WithPublishRetry(fastRetry()))
	off, err := l.Publish(context.Background(), schema.TopicTick, "A", schema.EventTypeTick, payload{})
	if err != nil || off != 1 {
		t.Fatalf("expected publish to succeed after retries, off=%d err=%v", off, err)
	}

	store.failures.Store(10)
	if _, err := l.Publish(context.Background(), schema.TopicTick, "A", schema.EventTypeTick, payload{}); err == nil {
		t.Fatalf("expected publish to fail after exhausting retries")
	}
}

func TestSubscribeValidatesSpec(t *testing.T) {
	l := newTestLog(t, NewMemoryStore())
	noop := func(context.Context, *schema.Event) error { return nil }
	if _, err := l.Subscribe(context.Background(), SubscriptionSpec{Topics: []schema.Topic{schema.TopicTick}}, noop); err == nil {
		t.Fatalf("expected error for missing consumer")
	}
	if _, err := l.Subscribe(context.Background(), SubscriptionSpec{Consumer: "x"}, noop); err == nil {
		t.Fatalf("expected error for missing topics")
	}
	if _, err := l.Subscribe(context.Background(), SubscriptionSpec{Consumer: "x", Topics: []schema.Topic{schema.TopicTick, schema.TopicTick}}, noop); err == nil {
		t.Fatalf("expected error for duplicate topics")
	}
	if _, err := l.Subscribe(context.Background(), SubscriptionSpec{Consumer: "x", Topics: []schema.Topic{schema.TopicTick}}, nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

package eventlog

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/retry"
	"github.com/coachpo/orbit/internal/infra/telemetry"
)

// FromLatest starts a consumer without history at the current end of each topic.
const FromLatest int64 = -1

const defaultLaneBuffer = 256

// LaneKeyFunc derives the ordering key of an event.
type LaneKeyFunc func(*schema.Event) string

// EventKey orders by the event key.
func EventKey(evt *schema.Event) string { return evt.Key }

// HeaderKey orders by a header value, falling back to the event key.
func HeaderKey(header string) LaneKeyFunc {
	return func(evt *schema.Event) string {
		if v := evt.Header(header); v != "" {
			return v
		}
		return evt.Key
	}
}

// SubscriptionSpec describes a consumer of one or more topics.
type SubscriptionSpec struct {
	// Consumer names the committed offsets; it must be stable across restarts.
	Consumer string
	Topics   []schema.Topic
	// FromOffset is the first offset read when the consumer has nothing committed.
	// Zero starts at the beginning; FromLatest skips history.
	FromOffset int64
	// Lanes is the number of ordered workers. Events sharing a lane key always
	// land on the same lane.
	Lanes   int
	LaneKey LaneKeyFunc
	// Rebuild replays every committed event with a replaying context before
	// live delivery starts.
	Rebuild bool
}

func (s SubscriptionSpec) normalise() (SubscriptionSpec, error) {
	s.Consumer = strings.TrimSpace(s.Consumer)
	if s.Consumer == "" {
		return s, errs.New("eventlog/subscribe", errs.CodeInvalid, errs.WithMessage("consumer required"))
	}
	if len(s.Topics) == 0 {
		return s, errs.New("eventlog/subscribe", errs.CodeInvalid, errs.WithMessage("at least one topic required"))
	}
	seen := make(map[schema.Topic]struct{}, len(s.Topics))
	for _, topic := range s.Topics {
		if err := topic.Validate(); err != nil {
			return s, err
		}
		if _, dup := seen[topic]; dup {
			return s, errs.New("eventlog/subscribe", errs.CodeInvalid,
				errs.WithMessage("duplicate topic"), errs.WithField("topic", string(topic)))
		}
		seen[topic] = struct{}{}
	}
	if s.Lanes <= 0 {
		s.Lanes = 1
	}
	if s.LaneKey == nil {
		s.LaneKey = EventKey
	}
	return s, nil
}

type laneItem struct {
	topic schema.Topic
	evt   *schema.Event
}

// Subscription is a running consumer.
type Subscription struct {
	log     *Log
	spec    SubscriptionSpec
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	lanes     []chan laneItem
	marks     map[schema.Topic]*watermark
	committed map[schema.Topic]int64

	quarantineMu sync.Mutex
	quarantine   map[string]struct{}

	readers   conc.WaitGroup
	workers   conc.WaitGroup
	committer conc.WaitGroup
	closeOnce sync.Once
}

// Subscribe starts a consumer. When spec.Rebuild is set, Subscribe blocks until
// the rebuild replay completes.
func (l *Log) Subscribe(ctx context.Context, spec SubscriptionSpec, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errs.New("eventlog/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	spec, err := spec.normalise()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sub := &Subscription{
		log:          l,
		spec:         spec,
		handler:      handler,
		lanes:        make([]chan laneItem, spec.Lanes),
		marks:        make(map[schema.Topic]*watermark, len(spec.Topics)),
		committed:    make(map[schema.Topic]int64, len(spec.Topics)),
		quarantineMu: sync.Mutex{},
		quarantine:   make(map[string]struct{}),
	}

	rebuildUntil := make(map[schema.Topic]int64, len(spec.Topics))
	for _, topic := range spec.Topics {
		committed, err := l.store.Committed(ctx, spec.Consumer, topic)
		if err != nil {
			return nil, fmt.Errorf("eventlog subscribe %s committed offset: %w", spec.Consumer, err)
		}
		start := committed
		if committed == 0 {
			switch {
			case spec.FromOffset == FromLatest:
				last, err := l.store.LastOffset(ctx, topic)
				if err != nil {
					return nil, fmt.Errorf("eventlog subscribe %s last offset: %w", spec.Consumer, err)
				}
				start = last
			case spec.FromOffset > 1:
				start = spec.FromOffset - 1
			}
		}
		rebuildUntil[topic] = committed
		sub.marks[topic] = newWatermark(start)
		sub.committed[topic] = start
	}

	if spec.Rebuild {
		began := time.Now()
		replayed := 0
		err := l.replayUntil(ctx, spec.Topics, rebuildUntil, func(rctx context.Context, evt *schema.Event) error {
			replayed++
			sub.process(rctx, laneItem{topic: evt.Topic, evt: evt})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("eventlog rebuild %s: %w", spec.Consumer, err)
		}
		l.logf("consumer %s rebuilt from %d events in %s", spec.Consumer, replayed, time.Since(began))
	}

	sub.ctx, sub.cancel = context.WithCancel(ctx)
	for i := range sub.lanes {
		lane := make(chan laneItem, defaultLaneBuffer)
		sub.lanes[i] = lane
		sub.workers.Go(func() { sub.runLane(lane) })
	}
	for _, topic := range spec.Topics {
		t := topic
		sub.readers.Go(func() { sub.runReader(t) })
	}
	sub.committer.Go(sub.runCommitter)
	l.register(sub)
	return sub, nil
}

// Consumer returns the subscription's consumer name.
func (s *Subscription) Consumer() string { return s.spec.Consumer }

// Acknowledged returns the low-water mark of topic.
func (s *Subscription) Acknowledged(topic schema.Topic) int64 {
	mark, ok := s.marks[topic]
	if !ok {
		return 0
	}
	return mark.Low()
}

// Quarantined reports whether key is quarantined.
func (s *Subscription) Quarantined(key string) bool {
	s.quarantineMu.Lock()
	defer s.quarantineMu.Unlock()
	_, ok := s.quarantine[key]
	return ok
}

// Sync blocks until every event appended before the call has been acknowledged.
func (s *Subscription) Sync(ctx context.Context) error {
	targets := make(map[schema.Topic]int64, len(s.marks))
	for topic := range s.marks {
		last, err := s.log.store.LastOffset(ctx, topic)
		if err != nil {
			return fmt.Errorf("eventlog sync %s: %w", topic, err)
		}
		targets[topic] = last
	}
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		for topic, target := range targets {
			if s.marks[topic].Low() < target {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return errs.New("eventlog/sync", errs.CodeUnavailable, errs.WithMessage("subscription closed"))
		case <-ticker.C:
		}
	}
}

// Close stops delivery and commits the acknowledged watermark.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.readers.Wait()
		s.workers.Wait()
		s.committer.Wait()
		s.commit(context.Background())
		s.log.unregister(s)
	})
}

func (s *Subscription) laneFor(evt *schema.Event) int {
	if len(s.lanes) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s.spec.LaneKey(evt)))
	return int(h.Sum32() % uint32(len(s.lanes)))
}

func (s *Subscription) runReader(topic schema.Topic) {
	next := s.marks[topic].Low() + 1
	poll := time.NewTicker(s.log.pollInterval)
	defer poll.Stop()
	for {
		wake := s.log.waitCh(topic)
		events, err := s.log.store.Read(s.ctx, topic, next, s.log.batchSize)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.logf("consumer %s read %s from %d: %v", s.spec.Consumer, topic, next, err)
			events = nil
		}
		if len(events) == 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-wake:
			case <-poll.C:
			}
			continue
		}
		for _, evt := range events {
			select {
			case <-s.ctx.Done():
				return
			case s.lanes[s.laneFor(evt)] <- laneItem{topic: topic, evt: evt}:
			}
			next = evt.Offset + 1
		}
	}
}

func (s *Subscription) runLane(lane <-chan laneItem) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-lane:
			s.process(s.ctx, item)
			if s.ctx.Err() != nil {
				// A handler cut short by shutdown is redelivered after restart.
				return
			}
			s.marks[item.topic].Ack(item.evt.Offset)
		}
	}
}

func (s *Subscription) runCommitter() {
	ticker := time.NewTicker(s.log.commitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.commit(s.ctx)
		}
	}
}

func (s *Subscription) commit(ctx context.Context) {
	for topic, mark := range s.marks {
		low := mark.Low()
		if low <= s.committed[topic] {
			continue
		}
		if err := s.log.store.Commit(ctx, s.spec.Consumer, topic, low); err != nil {
			if ctx.Err() == nil {
				s.log.logf("consumer %s commit %s@%d: %v", s.spec.Consumer, topic, low, err)
			}
			continue
		}
		s.committed[topic] = low
	}
}

func (s *Subscription) process(ctx context.Context, item laneItem) {
	evt := item.evt
	key := s.spec.LaneKey(evt)
	attrs := metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), string(item.topic), s.spec.Consumer)...)

	if s.Quarantined(key) {
		s.log.skippedCounter.Add(ctx, 1, attrs)
		return
	}

	started := time.Now()
	policy := s.log.handlerPolicy
	policy.Retryable = errs.IsTransient
	_, err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return s.invoke(ctx, evt)
	}, func(attempt int, err error, wait time.Duration) {
		s.log.retriedCounter.Add(ctx, 1, attrs)
		s.log.logf("consumer %s %s@%d key=%s retry attempt=%d wait=%s: %v",
			s.spec.Consumer, item.topic, evt.Offset, key, attempt, wait, err)
	})
	s.log.handlerDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	s.log.deliveredCounter.Add(ctx, 1, attrs)

	switch {
	case err == nil:
	case errs.IsCorrupt(err):
		s.quarantineKey(ctx, item, key, err)
	case ctx.Err() != nil:
	default:
		s.log.logf("consumer %s %s@%d key=%s handler failed: %v", s.spec.Consumer, item.topic, evt.Offset, key, err)
	}
}

func (s *Subscription) invoke(ctx context.Context, evt *schema.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Corrupt("eventlog/handler", fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return s.handler(ctx, evt)
}

func (s *Subscription) quarantineKey(ctx context.Context, item laneItem, key string, cause error) {
	s.quarantineMu.Lock()
	s.quarantine[key] = struct{}{}
	s.quarantineMu.Unlock()

	s.log.quarantinedCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.TopicAttributes(telemetry.Environment(), string(item.topic), s.spec.Consumer)...))
	s.log.logf("ALERT consumer %s quarantined key=%s at %s@%d: %v",
		s.spec.Consumer, key, item.topic, item.evt.Offset, cause)
	if s.log.alert != nil {
		s.log.alert(Alert{
			Consumer: s.spec.Consumer,
			Topic:    item.topic,
			Key:      key,
			Offset:   item.evt.Offset,
			Err:      cause,
		})
	}
}

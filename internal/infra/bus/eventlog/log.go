// Package eventlog implements the durable, topic-partitioned event log and its
// ordered, lane-sharded subscriptions.
package eventlog

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/eventstore"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/retry"
	"github.com/coachpo/orbit/internal/infra/telemetry"
)

// Handler processes a delivered event. Returning an errs.CodeUnavailable error
// retries the event; errs.CodeCorrupt quarantines its lane key.
type Handler func(ctx context.Context, evt *schema.Event) error

// Publisher appends events to the log.
type Publisher interface {
	Publish(ctx context.Context, topic schema.Topic, key string, typ schema.EventType, payload any, opts ...PublishOption) (int64, error)
}

// Alert describes a quarantined lane key.
type Alert struct {
	Consumer string
	Topic    schema.Topic
	Key      string
	Offset   int64
	Err      error
}

const (
	defaultPollInterval   = 250 * time.Millisecond
	defaultCommitInterval = 100 * time.Millisecond
	defaultBatchSize      = 256
)

// Log is the event log facade over a durable store.
type Log struct {
	store  eventstore.Store
	logger *log.Logger
	clock  func() time.Time
	alert  func(Alert)

	publishPolicy  retry.Policy
	handlerPolicy  retry.Policy
	pollInterval   time.Duration
	commitInterval time.Duration
	batchSize      int

	mu      sync.Mutex
	waiters map[schema.Topic]chan struct{}
	subs    map[*Subscription]struct{}

	publishedCounter   metric.Int64Counter
	publishFailures    metric.Int64Counter
	suppressedCounter  metric.Int64Counter
	deliveredCounter   metric.Int64Counter
	retriedCounter     metric.Int64Counter
	quarantinedCounter metric.Int64Counter
	skippedCounter     metric.Int64Counter
	handlerDuration    metric.Float64Histogram
}

var _ Publisher = (*Log)(nil)

// New constructs an event log over store.
func New(store eventstore.Store, opts ...Option) *Log {
	l := &Log{
		store:          store,
		logger:         log.New(os.Stdout, "eventlog ", log.LstdFlags|log.Lmicroseconds),
		clock:          time.Now,
		alert:          nil,
		publishPolicy:  retry.DefaultPolicy(),
		handlerPolicy:  retry.DefaultPolicy(),
		pollInterval:   defaultPollInterval,
		commitInterval: defaultCommitInterval,
		batchSize:      defaultBatchSize,
		mu:             sync.Mutex{},
		waiters:        make(map[schema.Topic]chan struct{}),
		subs:           make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.initMetrics()
	return l
}

func (l *Log) initMetrics() {
	meter := otel.Meter("eventlog")
	l.publishedCounter, _ = meter.Int64Counter("eventlog.events.published",
		metric.WithDescription("Number of events appended to the log"),
		metric.WithUnit("{event}"))
	l.publishFailures, _ = meter.Int64Counter("eventlog.publish.failures",
		metric.WithDescription("Number of publishes that failed after retries"),
		metric.WithUnit("{event}"))
	l.suppressedCounter, _ = meter.Int64Counter("eventlog.publish.suppressed",
		metric.WithDescription("Number of publishes suppressed during replay"),
		metric.WithUnit("{event}"))
	l.deliveredCounter, _ = meter.Int64Counter("eventlog.events.delivered",
		metric.WithDescription("Number of events handled by subscribers"),
		metric.WithUnit("{event}"))
	l.retriedCounter, _ = meter.Int64Counter("eventlog.handler.retries",
		metric.WithDescription("Number of handler retries after transient errors"),
		metric.WithUnit("{retry}"))
	l.quarantinedCounter, _ = meter.Int64Counter("eventlog.keys.quarantined",
		metric.WithDescription("Number of lane keys quarantined after invariant violations"),
		metric.WithUnit("{key}"))
	l.skippedCounter, _ = meter.Int64Counter("eventlog.events.skipped",
		metric.WithDescription("Number of events skipped for quarantined keys"),
		metric.WithUnit("{event}"))
	l.handlerDuration, _ = meter.Float64Histogram("eventlog.handler.duration",
		metric.WithDescription("Latency of subscriber handlers"),
		metric.WithUnit("ms"))
	_, _ = meter.Int64ObservableGauge("eventlog.consumer.lag",
		metric.WithDescription("Events appended but not yet acknowledged per consumer and topic"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(l.observeLag))
}

// Publish appends an event for topic and key. Transient store failures are
// retried with bounded backoff. Publishing from a replaying context is a no-op
// returning offset 0.
func (l *Log) Publish(ctx context.Context, topic schema.Topic, key string, typ schema.EventType, payload any, opts ...PublishOption) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), string(topic), "")...)
	if Replaying(ctx) {
		l.suppressedCounter.Add(ctx, 1, attrs)
		return 0, nil
	}
	if l.store == nil {
		return 0, errs.New("eventlog/publish", errs.CodeUnavailable, errs.WithMessage("store unavailable"))
	}
	evt, err := schema.NewEvent(topic, key, typ, l.clock(), payload)
	if err != nil {
		return 0, err
	}
	cfg := publishConfig{headers: nil}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	evt.Headers = cfg.headers

	var offset int64
	_, err = retry.Do(ctx, l.publishPolicy, func(ctx context.Context) error {
		off, appendErr := l.store.Append(ctx, evt)
		if appendErr != nil {
			return appendErr
		}
		offset = off
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		l.logf("append %s retry attempt=%d wait=%s: %v", topic, attempt, wait, err)
	})
	if err != nil {
		l.publishFailures.Add(ctx, 1, attrs)
		return 0, fmt.Errorf("eventlog publish %s: %w", topic, err)
	}
	l.publishedCounter.Add(ctx, 1, attrs)
	l.wake(topic)
	return offset, nil
}

// LastOffset returns the newest offset of topic.
func (l *Log) LastOffset(ctx context.Context, topic schema.Topic) (int64, error) {
	return l.store.LastOffset(ctx, topic)
}

// Store exposes the underlying store.
func (l *Log) Store() eventstore.Store {
	return l.store
}

// Close stops every live subscription. The store is owned by the caller.
func (l *Log) Close() {
	l.mu.Lock()
	subs := make([]*Subscription, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// waitCh returns a channel closed on the next append to topic.
func (l *Log) waitCh(topic schema.Topic) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.waiters[topic]
	if !ok {
		ch = make(chan struct{})
		l.waiters[topic] = ch
	}
	return ch
}

func (l *Log) wake(topic schema.Topic) {
	l.mu.Lock()
	if ch, ok := l.waiters[topic]; ok {
		close(ch)
		delete(l.waiters, topic)
	}
	l.mu.Unlock()
}

func (l *Log) register(sub *Subscription) {
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
}

func (l *Log) unregister(sub *Subscription) {
	l.mu.Lock()
	delete(l.subs, sub)
	l.mu.Unlock()
}

func (l *Log) observeLag(ctx context.Context, observer metric.Int64Observer) error {
	l.mu.Lock()
	subs := make([]*Subscription, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()
	for _, sub := range subs {
		for topic, mark := range sub.marks {
			last, err := l.store.LastOffset(ctx, topic)
			if err != nil {
				continue
			}
			lag := last - mark.Low()
			if lag < 0 {
				lag = 0
			}
			observer.Observe(lag, metric.WithAttributes(
				telemetry.TopicAttributes(telemetry.Environment(), string(topic), sub.spec.Consumer)...))
		}
	}
	return nil
}

func (l *Log) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

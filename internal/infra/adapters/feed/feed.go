// Package feed ingests market ticks and strategy signals into the event log.
package feed

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
	"github.com/coachpo/orbit/internal/infra/telemetry"
)

// Option configures a feed.
type Option func(*options)

type options struct {
	logger      *log.Logger
	instruments *schema.InstrumentRegistry
	clock       func() time.Time
	source      string
	pace        time.Duration
	maxInterval time.Duration
	readLimit   int64
}

func defaultOptions(name string) options {
	return options{
		logger:      log.New(os.Stdout, name+" ", log.LstdFlags|log.Lmicroseconds),
		clock:       time.Now,
		source:      name,
		maxInterval: 30 * time.Second,
		readLimit:   1 << 20,
	}
}

// WithLogger overrides the default logger. A nil logger silences the feed.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithInstruments drops ticks and signals for instruments the registry does not know.
func WithInstruments(reg *schema.InstrumentRegistry) Option {
	return func(o *options) {
		o.instruments = reg
	}
}

// WithClock stamps ticks that arrive without a timestamp.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithSource labels ticks that arrive without a source.
func WithSource(source string) Option {
	return func(o *options) {
		if s := strings.TrimSpace(source); s != "" {
			o.source = s
		}
	}
}

// WithPace waits d between records of a file feed.
func WithPace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pace = d
		}
	}
}

// WithMaxReconnectInterval caps the reconnect backoff of a streaming feed.
func WithMaxReconnectInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxInterval = d
		}
	}
}

// ingester turns raw records into events.
type ingester struct {
	publisher eventlog.Publisher
	opts      options
	accepted  metric.Int64Counter
	dropped   metric.Int64Counter
}

func newIngester(name string, publisher eventlog.Publisher, opts []Option) *ingester {
	o := defaultOptions(name)
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	meter := otel.Meter("feed")
	in := &ingester{publisher: publisher, opts: o}
	in.accepted, _ = meter.Int64Counter("feed.records",
		metric.WithDescription("Number of feed records published"),
		metric.WithUnit("{record}"))
	in.dropped, _ = meter.Int64Counter("feed.dropped",
		metric.WithDescription("Number of feed records dropped by reason"),
		metric.WithUnit("{record}"))
	return in
}

// tick publishes one tick record.
func (in *ingester) tick(ctx context.Context, raw []byte) error {
	var tick schema.Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		in.drop(ctx, "malformed", "tick %q: %v", truncate(raw), err)
		return nil
	}
	tick.InstrumentID = strings.TrimSpace(tick.InstrumentID)
	if tick.InstrumentID == "" || !tick.LastPrice.IsPositive() {
		in.drop(ctx, "invalid", "tick %q: instrument and positive price required", truncate(raw))
		return nil
	}
	if !in.known(tick.InstrumentID) {
		in.drop(ctx, "unknown_instrument", "tick for unknown instrument %s", tick.InstrumentID)
		return nil
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = in.opts.clock()
	}
	tick.Timestamp = tick.Timestamp.UTC()
	if tick.Source == "" {
		tick.Source = in.opts.source
	}
	if _, err := in.publisher.Publish(ctx, schema.TopicTick, tick.InstrumentID, schema.EventTypeTick, tick); err != nil {
		return fmt.Errorf("publish tick %s: %w", tick.InstrumentID, err)
	}
	in.count(ctx, in.accepted, "tick")
	return nil
}

// signal publishes one signal record.
func (in *ingester) signal(ctx context.Context, raw []byte) error {
	var sig schema.Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		in.drop(ctx, "malformed", "signal %q: %v", truncate(raw), err)
		return nil
	}
	if err := sig.Validate(); err != nil {
		in.drop(ctx, "invalid", "%v", err)
		return nil
	}
	if !in.known(sig.InstrumentID) {
		in.drop(ctx, "unknown_instrument", "signal %s for unknown instrument %s", sig.SignalID, sig.InstrumentID)
		return nil
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = in.opts.clock()
	}
	sig.Timestamp = sig.Timestamp.UTC()
	if _, err := in.publisher.Publish(ctx, schema.TopicSignal, sig.InstrumentID, schema.EventTypeSignal, sig,
		eventlog.WithHeader(schema.HeaderStrategyID, sig.StrategyID)); err != nil {
		return fmt.Errorf("publish signal %s: %w", sig.SignalID, err)
	}
	in.count(ctx, in.accepted, "signal")
	return nil
}

func (in *ingester) known(id string) bool {
	if in.opts.instruments == nil {
		return true
	}
	_, ok := in.opts.instruments.Lookup(id)
	return ok
}

func (in *ingester) drop(ctx context.Context, reason, format string, args ...any) {
	in.dropped.Add(ctx, 1, metric.WithAttributes(
		telemetry.ReasonAttributes(telemetry.Environment(), in.opts.source, reason)...))
	in.logf("dropping record (%s): "+format, append([]any{reason}, args...)...)
}

func (in *ingester) count(ctx context.Context, counter metric.Int64Counter, kind string) {
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), in.opts.source, kind)...))
}

func (in *ingester) logf(format string, args ...any) {
	if in.opts.logger != nil {
		in.opts.logger.Printf(format, args...)
	}
}

func truncate(raw []byte) string {
	const limit = 120
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}

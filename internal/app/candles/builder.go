// Package candles aggregates ticks into 1-minute candles and re-aggregates
// closed 1-minute candles into higher timeframes.
package candles

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
	"github.com/coachpo/orbit/internal/infra/telemetry"
)

// Consumer is the event log consumer name of the builder.
const Consumer = "candles"

const defaultMaxGapFill = 390

// Drop reasons reported for rejected ticks.
const (
	DropDuplicate  = "duplicate"
	DropOutOfOrder = "out_of_order"
	DropInvalid    = "invalid"
)

// Option configures a Builder.
type Option func(*Builder)

// WithLogger overrides the default logger. A nil logger silences the builder.
func WithLogger(logger *log.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithTimeframes sets the higher timeframes derived from 1-minute candles.
func WithTimeframes(tfs ...schema.Timeframe) Option {
	return func(b *Builder) {
		b.higher = nil
		for _, tf := range tfs {
			if tf > schema.Timeframe1m && tf.Validate() == nil {
				b.higher = append(b.higher, tf)
			}
		}
		sort.Slice(b.higher, func(i, j int) bool { return b.higher[i] < b.higher[j] })
	}
}

// WithLocation aligns buckets to local midnight in loc.
func WithLocation(loc *time.Location) Option {
	return func(b *Builder) {
		if loc != nil {
			b.loc = loc
		}
	}
}

// WithMaxGapFill caps the number of synthetic candles emitted for one gap.
func WithMaxGapFill(n int) Option {
	return func(b *Builder) {
		if n >= 0 {
			b.maxGapFill = n
		}
	}
}

// WithCumulativeVolume treats tick volume as a running session total.
func WithCumulativeVolume(enabled bool) Option {
	return func(b *Builder) {
		b.cumulativeVolume = enabled
	}
}

// Builder owns one candle series per instrument. Each instrument is driven by a
// single lane, so a series is never mutated concurrently.
type Builder struct {
	publisher   eventlog.Publisher
	instruments *schema.InstrumentRegistry
	logger      *log.Logger

	higher           []schema.Timeframe
	loc              *time.Location
	maxGapFill       int
	cumulativeVolume bool

	mu     sync.Mutex
	series map[string]*series

	emittedCounter metric.Int64Counter
	droppedCounter metric.Int64Counter
}

type series struct {
	mu         sync.Mutex
	current    *schema.Candle
	openOI     decimal.Decimal
	prevOI     decimal.Decimal
	hasPrev    bool
	lastTick   time.Time
	lastVolume decimal.Decimal
	pending    map[schema.Timeframe]*bucket
}

type bucket struct {
	start time.Time
	parts []schema.Candle
}

// NewBuilder constructs a candle builder publishing to publisher.
func NewBuilder(publisher eventlog.Publisher, instruments *schema.InstrumentRegistry, opts ...Option) *Builder {
	b := &Builder{
		publisher:   publisher,
		instruments: instruments,
		logger:      log.New(os.Stdout, "candles ", log.LstdFlags|log.Lmicroseconds),
		higher:      []schema.Timeframe{schema.Timeframe5m, schema.Timeframe15m, schema.Timeframe1h, schema.Timeframe1d},
		loc:         time.UTC,
		maxGapFill:  defaultMaxGapFill,
		mu:          sync.Mutex{},
		series:      make(map[string]*series),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	meter := otel.Meter("candles")
	b.emittedCounter, _ = meter.Int64Counter("candles.emitted",
		metric.WithDescription("Number of closed candles emitted"),
		metric.WithUnit("{candle}"))
	b.droppedCounter, _ = meter.Int64Counter("candles.ticks.dropped",
		metric.WithDescription("Number of ticks dropped by the candle builder"),
		metric.WithUnit("{tick}"))
	return b
}

// Topics returns every topic the builder publishes to.
func (b *Builder) Topics() []schema.Topic {
	out := []schema.Topic{schema.CandleTopic(schema.Timeframe1m)}
	for _, tf := range b.higher {
		out = append(out, schema.CandleTopic(tf))
	}
	return out
}

// Subscription returns the event log subscription driving the builder.
func (b *Builder) Subscription(lanes int) eventlog.SubscriptionSpec {
	return eventlog.SubscriptionSpec{
		Consumer: Consumer,
		Topics:   []schema.Topic{schema.TopicTick},
		Lanes:    lanes,
		LaneKey:  eventlog.EventKey,
		Rebuild:  true,
	}
}

// Handle is the event log handler for tick events.
func (b *Builder) Handle(ctx context.Context, evt *schema.Event) error {
	var tick schema.Tick
	if err := evt.Decode(&tick); err != nil {
		b.drop(ctx, evt.Key, DropInvalid, fmt.Sprintf("decode tick at offset %d: %v", evt.Offset, err))
		return nil
	}
	if tick.InstrumentID == "" {
		tick.InstrumentID = evt.Key
	}
	return b.OnTick(ctx, tick)
}

// OnTick applies one tick to its instrument's series.
func (b *Builder) OnTick(ctx context.Context, tick schema.Tick) error {
	if _, ok := b.instruments.Lookup(tick.InstrumentID); !ok {
		return errs.Corrupt("candles", "unknown instrument", errs.WithField("instrument", tick.InstrumentID))
	}
	if !tick.LastPrice.IsPositive() || tick.Volume.IsNegative() || tick.Timestamp.IsZero() {
		b.drop(ctx, tick.InstrumentID, DropInvalid, fmt.Sprintf("price=%s volume=%s ts=%s", tick.LastPrice, tick.Volume, tick.Timestamp))
		return nil
	}
	ts := tick.Timestamp.UTC()

	s := b.seriesFor(tick.InstrumentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastTick.IsZero() {
		if ts.Equal(s.lastTick) {
			b.drop(ctx, tick.InstrumentID, DropDuplicate, fmt.Sprintf("ts=%s", ts.Format(time.RFC3339Nano)))
			return nil
		}
		if ts.Before(s.lastTick) {
			b.drop(ctx, tick.InstrumentID, DropOutOfOrder, fmt.Sprintf("ts=%s last=%s", ts.Format(time.RFC3339Nano), s.lastTick.Format(time.RFC3339Nano)))
			return nil
		}
	}

	volume := tick.Volume
	if b.cumulativeVolume {
		delta := tick.Volume.Sub(s.lastVolume)
		if delta.IsNegative() {
			// running total restarted
			delta = tick.Volume
		}
		s.lastVolume = tick.Volume
		volume = delta
	}

	start := schema.Timeframe1m.BucketStart(ts, b.loc)
	switch {
	case s.current == nil:
		b.open(s, tick, start, volume)
	case start.Equal(s.current.StartTime):
		c := s.current
		if tick.LastPrice.GreaterThan(c.High) {
			c.High = tick.LastPrice
		}
		if tick.LastPrice.LessThan(c.Low) {
			c.Low = tick.LastPrice
		}
		c.Close = tick.LastPrice
		c.Volume = c.Volume.Add(volume)
		c.OI = tick.OpenInterest
		c.TickCount++
	default:
		if err := b.roll(ctx, tick.InstrumentID, s, start); err != nil {
			return err
		}
		b.open(s, tick, start, volume)
	}
	s.lastTick = ts
	return nil
}

// Current returns the in-progress 1-minute candle of instrument.
func (b *Builder) Current(instrumentID string) (schema.Candle, bool) {
	b.mu.Lock()
	s, ok := b.series[instrumentID]
	b.mu.Unlock()
	if !ok {
		return schema.Candle{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return schema.Candle{}, false
	}
	return *s.current, true
}

func (b *Builder) seriesFor(instrumentID string) *series {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.series[instrumentID]
	if !ok {
		s = &series{pending: make(map[schema.Timeframe]*bucket, len(b.higher))}
		b.series[instrumentID] = s
	}
	return s
}

func (b *Builder) open(s *series, tick schema.Tick, start time.Time, volume decimal.Decimal) {
	s.current = &schema.Candle{
		InstrumentID: tick.InstrumentID,
		Timeframe:    schema.Timeframe1m,
		StartTime:    start,
		Open:         tick.LastPrice,
		High:         tick.LastPrice,
		Low:          tick.LastPrice,
		Close:        tick.LastPrice,
		Volume:       volume,
		OI:           tick.OpenInterest,
		TickCount:    1,
	}
	s.openOI = tick.OpenInterest
}

// roll closes the current candle, fills the gap up to next and leaves the
// series ready for a candle starting at next.
func (b *Builder) roll(ctx context.Context, instrumentID string, s *series, next time.Time) error {
	closed := *s.current
	closed.Closed = true
	if s.hasPrev {
		closed.OIChange = closed.OI.Sub(s.prevOI)
	} else {
		closed.OIChange = closed.OI.Sub(s.openOI)
	}
	s.prevOI = closed.OI
	s.hasPrev = true
	s.current = nil
	if err := b.emitBase(ctx, s, closed); err != nil {
		return err
	}

	width := schema.Timeframe1m.Duration()
	missing := int(next.Sub(closed.EndTime()) / width)
	if missing <= 0 {
		return nil
	}
	if missing > b.maxGapFill {
		b.logf("%s gap of %d buckets after %s exceeds fill cap %d; series resumes at %s",
			instrumentID, missing, closed.StartTime.Format(time.RFC3339), b.maxGapFill, next.Format(time.RFC3339))
		return nil
	}
	for i := 1; i <= missing; i++ {
		flat := schema.Candle{
			InstrumentID: instrumentID,
			Timeframe:    schema.Timeframe1m,
			StartTime:    closed.StartTime.Add(time.Duration(i) * width),
			Open:         closed.Close,
			High:         closed.Close,
			Low:          closed.Close,
			Close:        closed.Close,
			Volume:       decimal.Zero,
			OI:           closed.OI,
			OIChange:     decimal.Zero,
			Closed:       true,
			Synthetic:    true,
		}
		if err := b.emitBase(ctx, s, flat); err != nil {
			return err
		}
	}
	return nil
}

// emitBase publishes a closed 1-minute candle and feeds every higher timeframe.
func (b *Builder) emitBase(ctx context.Context, s *series, c schema.Candle) error {
	b.publish(ctx, c)
	for _, tf := range b.higher {
		start := tf.BucketStart(c.StartTime, b.loc)
		pending := s.pending[tf]
		if pending != nil && !pending.start.Equal(start) {
			// an uncapped gap skipped the rest of the previous bucket
			if err := b.flush(ctx, tf, pending); err != nil {
				return err
			}
			pending = nil
		}
		if pending == nil {
			pending = &bucket{start: start, parts: make([]schema.Candle, 0, constituents(tf))}
			s.pending[tf] = pending
		}
		pending.parts = append(pending.parts, c)
		if c.EndTime().Equal(start.Add(tf.Duration())) {
			if err := b.flush(ctx, tf, pending); err != nil {
				return err
			}
			delete(s.pending, tf)
		}
	}
	return nil
}

func (b *Builder) flush(ctx context.Context, tf schema.Timeframe, pending *bucket) error {
	agg, err := Aggregate(tf, pending.start, pending.parts)
	if err != nil {
		return errs.Corrupt("candles", err.Error())
	}
	if len(pending.parts) < constituents(tf) {
		b.logf("%s %s candle %s emitted partial with %d of %d constituents",
			agg.InstrumentID, tf, agg.StartTime.Format(time.RFC3339), len(pending.parts), constituents(tf))
	}
	b.publish(ctx, agg)
	return nil
}

// publish emits c; a failure after the log's own retries is logged and the
// series moves on.
func (b *Builder) publish(ctx context.Context, c schema.Candle) {
	if _, err := b.publisher.Publish(ctx, schema.CandleTopic(c.Timeframe), c.InstrumentID, schema.EventTypeCandle, c); err != nil {
		b.logf("publish candle %s failed: %v", c.Identity(), err)
		return
	}
	b.emittedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(telemetry.AttrEnvironment, telemetry.Environment()),
		attribute.String(telemetry.AttrTimeframe, c.Timeframe.String()),
		attribute.Bool("synthetic", c.Synthetic),
	))
}

func (b *Builder) drop(ctx context.Context, instrumentID, reason, detail string) {
	b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(telemetry.AttrEnvironment, telemetry.Environment()),
		attribute.String(telemetry.AttrReason, reason),
	))
	b.logf("dropped tick instrument=%s reason=%s %s", instrumentID, reason, detail)
}

func (b *Builder) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}

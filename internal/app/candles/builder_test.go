package candles

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events map[schema.Topic][]schema.Candle
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[schema.Topic][]schema.Candle)}
}

func (p *recordingPublisher) Publish(_ context.Context, topic schema.Topic, _ string, _ schema.EventType, payload any, _ ...eventlog.PublishOption) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[topic] = append(p.events[topic], payload.(schema.Candle))
	return int64(len(p.events[topic])), nil
}

func (p *recordingPublisher) candles(tf schema.Timeframe) []schema.Candle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schema.Candle(nil), p.events[schema.CandleTopic(tf)]...)
}

var session = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func at(minute, second int) time.Time {
	return session.Add(time.Duration(minute)*time.Minute + time.Duration(second)*time.Second)
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func tick(ts time.Time, price string) schema.Tick {
	return schema.Tick{InstrumentID: "NIFTY", Timestamp: ts, LastPrice: d(price), Volume: d("10"), OpenInterest: d("1000")}
}

func newTestBuilder(t *testing.T, opts ...Option) (*Builder, *recordingPublisher) {
	t.Helper()
	reg, err := schema.NewInstrumentRegistry(schema.Instrument{ID: "NIFTY", LotSize: d("50")})
	require.NoError(t, err)
	pub := newRecordingPublisher()
	opts = append([]Option{WithLogger(nil), WithTimeframes(schema.Timeframe5m)}, opts...)
	return NewBuilder(pub, reg, opts...), pub
}

func feed(t *testing.T, b *Builder, ticks ...schema.Tick) {
	t.Helper()
	for _, tk := range ticks {
		require.NoError(t, b.OnTick(context.Background(), tk))
	}
}

func TestClosedCandleMatchesConstituentTicks(t *testing.T) {
	b, pub := newTestBuilder(t)
	feed(t, b,
		tick(at(0, 5), "100"),
		tick(at(0, 20), "105"),
		tick(at(0, 40), "98"),
		tick(at(0, 59), "102"),
		tick(at(1, 10), "101"),
	)

	closed := pub.candles(schema.Timeframe1m)
	require.Len(t, closed, 1)
	c := closed[0]
	require.True(t, c.Closed)
	require.True(t, c.StartTime.Equal(at(0, 0)))
	require.True(t, c.Open.Equal(d("100")))
	require.True(t, c.High.Equal(d("105")))
	require.True(t, c.Low.Equal(d("98")))
	require.True(t, c.Close.Equal(d("102")), "close is the last tick before the boundary")
	require.True(t, c.Volume.Equal(d("40")))
	require.Equal(t, 4, c.TickCount)

	current, ok := b.Current("NIFTY")
	require.True(t, ok)
	require.True(t, current.StartTime.Equal(at(1, 0)))
	require.True(t, current.Open.Equal(d("101")))
}

func TestBucketBoundaryIsHalfOpen(t *testing.T) {
	b, pub := newTestBuilder(t)
	feed(t, b, tick(at(0, 30), "100"), tick(at(1, 0), "110"))

	closed := pub.candles(schema.Timeframe1m)
	require.Len(t, closed, 1)
	require.True(t, closed[0].High.Equal(d("100")), "a tick on the boundary starts the next bucket")
	current, _ := b.Current("NIFTY")
	require.True(t, current.Open.Equal(d("110")))
}

func TestSkippedBucketsEmitSyntheticFlatCandles(t *testing.T) {
	b, pub := newTestBuilder(t)
	feed(t, b, tick(at(0, 10), "100"), tick(at(0, 50), "104"), tick(at(3, 5), "99"))

	closed := pub.candles(schema.Timeframe1m)
	require.Len(t, closed, 3)
	for i, c := range closed[1:] {
		require.True(t, c.Synthetic)
		require.True(t, c.StartTime.Equal(at(i+1, 0)))
		require.True(t, c.Open.Equal(d("104")) && c.High.Equal(d("104")) && c.Low.Equal(d("104")) && c.Close.Equal(d("104")))
		require.True(t, c.Volume.IsZero())
		require.True(t, c.OI.Equal(d("1000")), "open interest carries over")
	}
}

func TestGapBeyondCapResumesWithoutFill(t *testing.T) {
	b, pub := newTestBuilder(t, WithMaxGapFill(1))
	feed(t, b, tick(at(0, 10), "100"), tick(at(3, 5), "99"))
	require.Len(t, pub.candles(schema.Timeframe1m), 1)
}

func TestDuplicateAndOutOfOrderTicksAreDropped(t *testing.T) {
	b, pub := newTestBuilder(t)
	feed(t, b,
		tick(at(0, 10), "100"),
		tick(at(0, 10), "150"),
		tick(at(0, 5), "50"),
		tick(at(0, 20), "101"),
	)
	current, ok := b.Current("NIFTY")
	require.True(t, ok)
	require.Equal(t, 2, current.TickCount)
	require.True(t, current.High.Equal(d("101")))
	require.True(t, current.Low.Equal(d("100")))

	feed(t, b, tick(at(1, 0), "102"), tick(at(0, 59), "90"))
	closed := pub.candles(schema.Timeframe1m)
	require.Len(t, closed, 1)
	require.True(t, closed[0].Low.Equal(d("100")), "late ticks never apply retroactively")
}

func TestUnknownInstrumentIsCorrupt(t *testing.T) {
	b, _ := newTestBuilder(t)
	err := b.OnTick(context.Background(), schema.Tick{InstrumentID: "BANKNIFTY", Timestamp: at(0, 1), LastPrice: d("1")})
	require.Error(t, err)
	require.True(t, errs.IsCorrupt(err))
}

func TestInvalidTickIsDiscarded(t *testing.T) {
	b, _ := newTestBuilder(t)
	require.NoError(t, b.OnTick(context.Background(), tick(at(0, 1), "0")))
	_, ok := b.Current("NIFTY")
	require.False(t, ok)
}

func TestHigherTimeframeEmittedAfterLastConstituentCloses(t *testing.T) {
	b, pub := newTestBuilder(t)
	prices := []string{"100", "103", "97", "101", "102"}
	for i, p := range prices {
		feed(t, b, tick(at(i, 0), p))
		require.Empty(t, pub.candles(schema.Timeframe5m), "minute %d: constituents still open", i)
	}
	feed(t, b, tick(at(5, 0), "104"))

	five := pub.candles(schema.Timeframe5m)
	require.Len(t, five, 1)
	c := five[0]
	require.True(t, c.StartTime.Equal(at(0, 0)))
	require.True(t, c.Open.Equal(d("100")))
	require.True(t, c.High.Equal(d("103")))
	require.True(t, c.Low.Equal(d("97")))
	require.True(t, c.Close.Equal(d("102")))
	require.True(t, c.Volume.Equal(d("50")))
	require.Equal(t, 5, c.TickCount)
	require.False(t, c.Synthetic)
}

func TestCappedGapFlushesPartialHigherCandle(t *testing.T) {
	b, pub := newTestBuilder(t, WithMaxGapFill(0))
	feed(t, b, tick(at(0, 0), "100"), tick(at(1, 0), "101"), tick(at(25, 0), "110"))
	require.Empty(t, pub.candles(schema.Timeframe5m))

	feed(t, b, tick(at(26, 0), "111"))
	five := pub.candles(schema.Timeframe5m)
	require.Len(t, five, 1)
	require.True(t, five[0].StartTime.Equal(at(0, 0)))
	require.Equal(t, 2, five[0].TickCount)
	require.True(t, five[0].Close.Equal(d("101")))
}

func TestOpenInterestChangeTracksPreviousClose(t *testing.T) {
	b, pub := newTestBuilder(t)
	t1 := tick(at(0, 0), "100")
	t1.OpenInterest = d("1000")
	t2 := tick(at(0, 30), "100")
	t2.OpenInterest = d("1200")
	t3 := tick(at(1, 0), "100")
	t3.OpenInterest = d("1250")
	t4 := tick(at(2, 0), "100")
	feed(t, b, t1, t2, t3, t4)

	closed := pub.candles(schema.Timeframe1m)
	require.Len(t, closed, 2)
	require.True(t, closed[0].OIChange.Equal(d("200")), "first candle measures against its opening OI")
	require.True(t, closed[1].OIChange.Equal(d("50")), "later candles measure against the previous close")
}

func TestCumulativeVolumeConvertsToDeltas(t *testing.T) {
	b, pub := newTestBuilder(t, WithCumulativeVolume(true))
	volumes := []string{"100", "130", "180"}
	for i, v := range volumes {
		tk := tick(at(0, i*10), "100")
		tk.Volume = d(v)
		feed(t, b, tk)
	}
	next := tick(at(1, 0), "100")
	next.Volume = d("200")
	feed(t, b, next)

	closed := pub.candles(schema.Timeframe1m)
	require.Len(t, closed, 1)
	require.True(t, closed[0].Volume.Equal(d("180")))
	current, _ := b.Current("NIFTY")
	require.True(t, current.Volume.Equal(d("20")))
}

func TestBucketsAlignToSessionMidnight(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	b, pub := newTestBuilder(t, WithLocation(loc), WithTimeframes(schema.Timeframe1h))
	// 09:15 IST is 03:45 UTC; hourly buckets start on the local hour.
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, loc)
	for i := 0; i < 46; i++ {
		feed(t, b, schema.Tick{InstrumentID: "NIFTY", Timestamp: base.Add(time.Duration(i) * time.Minute), LastPrice: d("100"), Volume: d("1")})
	}
	hour := pub.candles(schema.Timeframe1h)
	require.Len(t, hour, 1)
	require.True(t, hour[0].StartTime.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, loc)))
	require.Equal(t, 45, hour[0].TickCount)
}

func TestHandleDecodesTickEvents(t *testing.T) {
	b, _ := newTestBuilder(t)
	evt, err := schema.NewEvent(schema.TopicTick, "NIFTY", schema.EventTypeTick, at(0, 0), tick(at(0, 1), "100"))
	require.NoError(t, err)
	require.NoError(t, b.Handle(context.Background(), evt))
	_, ok := b.Current("NIFTY")
	require.True(t, ok)

	bad := &schema.Event{Topic: schema.TopicTick, Key: "NIFTY", Data: []byte(`{"last_price":`)}
	require.NoError(t, b.Handle(context.Background(), bad), "malformed events are discarded")
}

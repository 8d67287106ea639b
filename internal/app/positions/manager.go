// Package positions maintains net positions from fills and supervises them
// against stop-loss, target and trailing-stop levels.
package positions

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
	"github.com/coachpo/orbit/internal/infra/telemetry"
)

// Consumer is the event log consumer name of the position manager.
const Consumer = "positions"

var positionNamespace = uuid.MustParse("3f9d6b1c-2a4e-5c8f-8b0d-7e1a5c9f2d36")

var hundred = decimal.NewFromInt(100)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default logger. A nil logger silences the manager.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTrailing enables a default trailing stop for positions whose entry
// order carries none. When percent is set, distance is a percentage of the
// high-water mark.
func WithTrailing(distance decimal.Decimal, percent bool) Option {
	return func(m *Manager) {
		if distance.IsPositive() {
			m.trailDistance = distance
			m.trailPercent = percent
		}
	}
}

// Manager owns every position. All positions of an instrument live in one
// book that only the instrument's lane mutates.
type Manager struct {
	publisher eventlog.Publisher
	logger    *log.Logger

	trailDistance decimal.Decimal
	trailPercent  bool

	books     sync.Map // instrument id -> *book
	snapshots sync.Map // position id -> *atomic.Pointer[schema.Position]

	exits   metric.Int64Counter
	applied metric.Int64Counter
}

type book struct {
	open    map[string]*schema.Position // strategy id -> open position
	applied map[string]struct{}         // fill ids already applied
}

// New constructs a position manager publishing position events and exit signals.
func New(publisher eventlog.Publisher, opts ...Option) *Manager {
	m := &Manager{
		publisher: publisher,
		logger:    log.New(os.Stdout, "positions ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	meter := otel.Meter("positions")
	m.exits, _ = meter.Int64Counter("positions.exit_signals",
		metric.WithDescription("Number of exit signals emitted by reason"),
		metric.WithUnit("{signal}"))
	m.applied, _ = meter.Int64Counter("positions.fills",
		metric.WithDescription("Number of fills applied to positions"),
		metric.WithUnit("{fill}"))
	return m
}

// Subscription returns the event log subscription driving the manager.
func (m *Manager) Subscription(lanes int) eventlog.SubscriptionSpec {
	return eventlog.SubscriptionSpec{
		Consumer: Consumer,
		Topics: []schema.Topic{
			schema.TopicOrderFilled,
			schema.TopicOrderRejected,
			schema.TopicOrderCancelled,
			schema.TopicTick,
		},
		Lanes:   lanes,
		LaneKey: eventlog.EventKey,
		Rebuild: true,
	}
}

// Handle is the event log handler.
func (m *Manager) Handle(ctx context.Context, evt *schema.Event) error {
	switch evt.Topic {
	case schema.TopicTick:
		var tick schema.Tick
		if err := evt.Decode(&tick); err != nil {
			m.logf("discarding %s@%d: %v", evt.Topic, evt.Offset, err)
			return nil
		}
		m.OnTick(ctx, tick)
		return nil
	case schema.TopicOrderFilled, schema.TopicOrderRejected, schema.TopicOrderCancelled:
		var payload schema.OrderEvent
		if err := evt.Decode(&payload); err != nil || payload.Order == nil {
			m.logf("discarding %s@%d: malformed order payload: %v", evt.Topic, evt.Offset, err)
			return nil
		}
		if evt.Topic == schema.TopicOrderFilled {
			return m.OnFill(ctx, payload.Order, payload.Fill)
		}
		m.OnOrderClosed(ctx, payload.Order)
		return nil
	default:
		m.logf("ignoring unexpected topic %s", evt.Topic)
		return nil
	}
}

// OnFill applies a fill to the position of the order's strategy and instrument.
func (m *Manager) OnFill(ctx context.Context, order *schema.Order, fill *schema.Fill) error {
	if fill == nil || fill.FillID == "" {
		return errs.Corrupt("positions", "order.filled without fill", errs.WithField("order_id", order.OrderID))
	}
	if !fill.Quantity.IsPositive() {
		m.logf("discarding fill %s with quantity %s", fill.FillID, fill.Quantity)
		return nil
	}
	b := m.book(order.InstrumentID)
	if _, seen := b.applied[fill.FillID]; seen {
		return nil
	}
	b.applied[fill.FillID] = struct{}{}
	m.applied.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrInstrument.String(order.InstrumentID),
		telemetry.AttrStrategy.String(order.StrategyID)))

	pos := b.open[order.StrategyID]
	signed := fill.Side.Sign().Mul(fill.Quantity)
	switch {
	case pos == nil:
		m.open(ctx, b, order, fill, signed)
	case pos.Quantity.Sign() == signed.Sign():
		m.increase(ctx, pos, order, fill, signed)
	default:
		m.reduce(ctx, b, pos, order, fill)
	}
	return nil
}

func (m *Manager) open(ctx context.Context, b *book, order *schema.Order, fill *schema.Fill, signed decimal.Decimal) {
	distance, percent := m.trailDistance, m.trailPercent
	switch {
	case order.TrailingPct != nil && order.TrailingPct.IsPositive():
		distance, percent = *order.TrailingPct, true
	case order.TrailingDist != nil && order.TrailingDist.IsPositive():
		distance, percent = *order.TrailingDist, false
	}
	pos := &schema.Position{
		PositionID:       uuid.NewSHA1(positionNamespace, []byte(fill.FillID)).String(),
		InstrumentID:     order.InstrumentID,
		StrategyID:       order.StrategyID,
		Side:             schema.PositionSideFor(fill.Side),
		Quantity:         signed,
		AvgEntryPrice:    fill.Price,
		SLPrice:          order.SuggestedSL,
		TargetPrice:      order.SuggestedTarget,
		TrailingEnabled:  distance.IsPositive(),
		TrailingDistance: distance,
		TrailingPercent:  percent,
		HighWaterMark:    fill.Price,
		LastPrice:        fill.Price,
		RealizedPnL:      decimal.Zero,
		AppliedFills:     []string{fill.FillID},
		Version:          1,
		OpenedAt:         fill.Timestamp.UTC(),
	}
	if order.Exit {
		m.logf("ALERT exit order %s opened position %s", order.OrderID, pos.PositionID)
	}
	b.open[order.StrategyID] = pos
	m.publish(ctx, schema.TopicPositionOpened, schema.EventTypePositionOpened, pos, decimal.Zero)
}

func (m *Manager) increase(ctx context.Context, pos *schema.Position, order *schema.Order, fill *schema.Fill, signed decimal.Decimal) {
	held := pos.Quantity.Abs()
	total := held.Add(fill.Quantity)
	pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(held).Add(fill.Price.Mul(fill.Quantity)).Div(total)
	pos.Quantity = pos.Quantity.Add(signed)
	pos.AppliedFills = append(pos.AppliedFills, fill.FillID)
	pos.LastPrice = fill.Price
	m.settleExit(pos, order)
	pos.Version++
	m.publish(ctx, schema.TopicPositionUpdated, schema.EventTypePositionUpdated, pos, decimal.Zero)
}

func (m *Manager) reduce(ctx context.Context, b *book, pos *schema.Position, order *schema.Order, fill *schema.Fill) {
	held := pos.Quantity.Abs()
	closing := decimal.Min(held, fill.Quantity)
	realized := fill.Price.Sub(pos.AvgEntryPrice).Mul(closing)
	if pos.Side == schema.PositionShort {
		realized = realized.Neg()
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	if pos.Side == schema.PositionLong {
		pos.Quantity = held.Sub(closing)
	} else {
		pos.Quantity = held.Sub(closing).Neg()
	}
	pos.AppliedFills = append(pos.AppliedFills, fill.FillID)
	pos.LastPrice = fill.Price
	pos.Version++

	if !pos.Quantity.IsZero() {
		m.settleExit(pos, order)
		m.publish(ctx, schema.TopicPositionUpdated, schema.EventTypePositionUpdated, pos, realized)
		return
	}

	closedAt := fill.Timestamp.UTC()
	pos.ClosedAt = &closedAt
	pos.PendingExit = false
	pos.ExitOrderID = ""
	delete(b.open, pos.StrategyID)
	m.publish(ctx, schema.TopicPositionClosed, schema.EventTypePositionClosed, pos, realized)

	if remainder := fill.Quantity.Sub(closing); remainder.IsPositive() {
		flipped := *fill
		flipped.FillID = fill.FillID + "/flip"
		flipped.Quantity = remainder
		m.open(ctx, b, order, &flipped, fill.Side.Sign().Mul(remainder))
	}
}

// settleExit clears the pending exit once its order is done without closing the position.
func (m *Manager) settleExit(pos *schema.Position, order *schema.Order) {
	if pos.PendingExit && order.OrderID == pos.ExitOrderID && order.Status == schema.OrderStatusFilled {
		pos.PendingExit = false
		pos.ExitOrderID = ""
	}
}

// OnOrderClosed releases the pending exit of a position whose exit order was
// rejected or cancelled.
func (m *Manager) OnOrderClosed(ctx context.Context, order *schema.Order) {
	if !order.Exit {
		return
	}
	b := m.book(order.InstrumentID)
	pos := b.open[order.StrategyID]
	if pos == nil || !pos.PendingExit || pos.ExitOrderID != order.OrderID {
		return
	}
	pos.PendingExit = false
	pos.ExitOrderID = ""
	pos.Version++
	m.logf("exit order %s for position %s ended %s; supervision resumes", order.OrderID, pos.PositionID, order.Status)
	m.publish(ctx, schema.TopicPositionUpdated, schema.EventTypePositionUpdated, pos, decimal.Zero)
}

// OnTick marks every open position of the instrument and checks for breaches.
func (m *Manager) OnTick(ctx context.Context, tick schema.Tick) {
	if !tick.LastPrice.IsPositive() {
		return
	}
	value, ok := m.books.Load(tick.InstrumentID)
	if !ok {
		return
	}
	b := value.(*book)
	strategies := make([]string, 0, len(b.open))
	for id := range b.open {
		strategies = append(strategies, id)
	}
	sort.Strings(strategies)
	for _, id := range strategies {
		m.supervise(ctx, b.open[id], tick)
	}
}

func (m *Manager) supervise(ctx context.Context, pos *schema.Position, tick schema.Tick) {
	price := tick.LastPrice
	long := pos.Side == schema.PositionLong
	pos.LastPrice = price
	if (long && price.GreaterThan(pos.HighWaterMark)) || (!long && price.LessThan(pos.HighWaterMark)) {
		pos.HighWaterMark = price
	}

	changed := false
	if pos.TrailingEnabled {
		if stop := trailingStop(pos); tightens(pos, stop) {
			pos.SLPrice = schema.DecimalPtr(stop)
			changed = true
		}
	}

	if reason := breach(pos, price); reason != "" && !pos.PendingExit {
		signalID := fmt.Sprintf("exit-%s-%d", pos.PositionID, pos.Version)
		pos.PendingExit = true
		pos.ExitOrderID = schema.OrderIDFor(signalID)
		changed = true
		m.emitExit(ctx, pos, signalID, reason, tick.Timestamp)
	}

	if changed {
		pos.Version++
		m.publish(ctx, schema.TopicPositionUpdated, schema.EventTypePositionUpdated, pos, decimal.Zero)
	} else {
		m.remember(pos)
	}
}

func trailingStop(pos *schema.Position) decimal.Decimal {
	offset := pos.TrailingDistance
	if pos.TrailingPercent {
		offset = pos.HighWaterMark.Mul(pos.TrailingDistance).Div(hundred)
	}
	if pos.Side == schema.PositionShort {
		return pos.HighWaterMark.Add(offset)
	}
	return pos.HighWaterMark.Sub(offset)
}

// tightens reports whether stop moves the stop-loss in the position's favour.
func tightens(pos *schema.Position, stop decimal.Decimal) bool {
	if pos.SLPrice == nil {
		return true
	}
	if pos.Side == schema.PositionShort {
		return stop.LessThan(*pos.SLPrice)
	}
	return stop.GreaterThan(*pos.SLPrice)
}

// breach evaluates the stop-loss before the target.
func breach(pos *schema.Position, price decimal.Decimal) string {
	long := pos.Side == schema.PositionLong
	if sl := pos.SLPrice; sl != nil {
		if (long && price.LessThanOrEqual(*sl)) || (!long && price.GreaterThanOrEqual(*sl)) {
			return schema.ExitReasonStopLoss
		}
	}
	if target := pos.TargetPrice; target != nil {
		if (long && price.GreaterThanOrEqual(*target)) || (!long && price.LessThanOrEqual(*target)) {
			return schema.ExitReasonTarget
		}
	}
	return ""
}

func (m *Manager) emitExit(ctx context.Context, pos *schema.Position, signalID, reason string, ts time.Time) {
	sig := schema.Signal{
		SignalID:     signalID,
		StrategyID:   pos.StrategyID,
		InstrumentID: pos.InstrumentID,
		Direction:    schema.DirectionExit,
		Strength:     1,
		Metadata: map[string]string{
			schema.MetaPositionID: pos.PositionID,
			schema.MetaExitReason: reason,
			schema.MetaQuantity:   pos.Quantity.Abs().String(),
		},
		Timestamp: ts.UTC(),
	}
	if eventlog.Replaying(ctx) {
		return
	}
	m.exits.Add(ctx, 1, metric.WithAttributes(
		telemetry.ReasonAttributes(telemetry.Environment(), "exit", reason)...))
	m.logf("position %s %s breached at %s; exit signal %s", pos.PositionID, reason, pos.LastPrice, signalID)
	if _, err := m.publisher.Publish(ctx, schema.TopicSignal, pos.InstrumentID, schema.EventTypeSignal, sig,
		eventlog.WithHeader(schema.HeaderStrategyID, pos.StrategyID),
		eventlog.WithHeader(schema.HeaderPositionID, pos.PositionID)); err != nil {
		m.logf("ALERT publish exit signal %s failed: %v", signalID, err)
	}
}

func (m *Manager) publish(ctx context.Context, topic schema.Topic, typ schema.EventType, pos *schema.Position, realized decimal.Decimal) {
	snapshot := m.remember(pos)
	if _, err := m.publisher.Publish(ctx, topic, pos.InstrumentID, typ,
		schema.PositionEvent{Position: snapshot, Realized: realized},
		eventlog.WithHeader(schema.HeaderStrategyID, pos.StrategyID),
		eventlog.WithHeader(schema.HeaderPositionID, pos.PositionID)); err != nil {
		m.logf("ALERT publish %s for position %s failed: %v", topic, pos.PositionID, err)
	}
}

func (m *Manager) remember(pos *schema.Position) *schema.Position {
	snapshot := pos.Clone()
	value, _ := m.snapshots.LoadOrStore(pos.PositionID, &atomic.Pointer[schema.Position]{})
	value.(*atomic.Pointer[schema.Position]).Store(snapshot)
	return snapshot
}

func (m *Manager) book(instrumentID string) *book {
	if value, ok := m.books.Load(instrumentID); ok {
		return value.(*book)
	}
	value, _ := m.books.LoadOrStore(instrumentID, &book{
		open:    make(map[string]*schema.Position),
		applied: make(map[string]struct{}),
	})
	return value.(*book)
}

// Position returns the snapshot of a position, open or closed.
func (m *Manager) Position(id string) (*schema.Position, bool) {
	value, ok := m.snapshots.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*atomic.Pointer[schema.Position]).Load().Clone(), true
}

// Positions returns the open positions ordered by instrument and strategy.
func (m *Manager) Positions() []*schema.Position {
	var out []*schema.Position
	m.snapshots.Range(func(_, value any) bool {
		if pos := value.(*atomic.Pointer[schema.Position]).Load(); pos.Open() {
			out = append(out, pos.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstrumentID != out[j].InstrumentID {
			return out[i].InstrumentID < out[j].InstrumentID
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

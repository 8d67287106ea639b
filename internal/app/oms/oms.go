// Package oms turns signals into orders and drives them through the order
// lifecycle against a broker gateway.
package oms

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/orbit/internal/app/risk"
	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/gateway"
	"github.com/coachpo/orbit/internal/domain/orderstore"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
	"github.com/coachpo/orbit/internal/infra/retry"
	"github.com/coachpo/orbit/internal/infra/telemetry"
)

// Consumer is the event log consumer name of the order manager.
const Consumer = "oms"

// Admitter answers synchronous pre-trade risk checks.
type Admitter interface {
	Admit(ctx context.Context, req risk.AdmissionRequest) risk.Decision
}

// Replayer feeds stored events to a handler in publish order.
type Replayer interface {
	Replay(ctx context.Context, topics []schema.Topic, fn eventlog.Handler) error
}

// OrderTopics are the topics carrying order snapshots.
var OrderTopics = []schema.Topic{
	schema.TopicOrderCreated,
	schema.TopicOrderSent,
	schema.TopicOrderFilled,
	schema.TopicOrderRejected,
	schema.TopicOrderCancelled,
	schema.TopicOrderModified,
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default logger. A nil logger silences the manager.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the wall clock stamping order snapshots.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithDefaultLots sets the entry size, in lots, used when a signal carries no quantity.
func WithDefaultLots(lots int64) Option {
	return func(m *Manager) {
		if lots > 0 {
			m.defaultLots = lots
		}
	}
}

// WithSendPolicy bounds transmission retries.
func WithSendPolicy(policy retry.Policy) Option {
	return func(m *Manager) {
		m.sendPolicy = policy
	}
}

// WithCancelPolicy bounds cancel and modify retries.
func WithCancelPolicy(policy retry.Policy) Option {
	return func(m *Manager) {
		m.cancelPolicy = policy
	}
}

// WithThrottle limits order transmissions to limit per second with burst.
func WithThrottle(limit rate.Limit, burst int) Option {
	return func(m *Manager) {
		if limit <= 0 {
			m.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithOrderStore persists snapshots and fills for audit.
func WithOrderStore(store orderstore.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// Manager owns every order. An order is mutated only on the lane of its
// instrument; readers see immutable snapshots.
type Manager struct {
	publisher   eventlog.Publisher
	gateway     gateway.Gateway
	risk        Admitter
	instruments *schema.InstrumentRegistry
	store       orderstore.Store
	limiter     *rate.Limiter
	logger      *log.Logger
	clock       func() time.Time

	defaultLots  int64
	sendPolicy   retry.Policy
	cancelPolicy retry.Policy

	orders   sync.Map // order id -> *record
	byBroker sync.Map // broker order id -> order id
	net      sync.Map // strategy|instrument -> *netPosition
	prices   sync.Map // instrument id -> decimal.Decimal

	transitions metric.Int64Counter
	rejections  metric.Int64Counter
	discarded   metric.Int64Counter
	sendTries   metric.Int64Histogram
}

type record struct {
	order    *schema.Order
	fills    map[string]struct{}
	snapshot atomic.Pointer[schema.Order]
}

type netPosition struct {
	qty decimal.Decimal
}

// New constructs an order manager.
func New(publisher eventlog.Publisher, gw gateway.Gateway, admitter Admitter, instruments *schema.InstrumentRegistry, opts ...Option) *Manager {
	m := &Manager{
		publisher:    publisher,
		gateway:      gw,
		risk:         admitter,
		instruments:  instruments,
		logger:       log.New(os.Stdout, "oms ", log.LstdFlags|log.Lmicroseconds),
		clock:        time.Now,
		defaultLots:  1,
		sendPolicy:   retry.DefaultPolicy(),
		cancelPolicy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	meter := otel.Meter("oms")
	m.transitions, _ = meter.Int64Counter("oms.orders",
		metric.WithDescription("Number of order status transitions"),
		metric.WithUnit("{order}"))
	m.rejections, _ = meter.Int64Counter("oms.rejections",
		metric.WithDescription("Number of rejected orders by reason"),
		metric.WithUnit("{order}"))
	m.discarded, _ = meter.Int64Counter("oms.executions.discarded",
		metric.WithDescription("Number of broker executions discarded"),
		metric.WithUnit("{execution}"))
	m.sendTries, _ = meter.Int64Histogram("oms.send.attempts",
		metric.WithDescription("Transmission attempts per order"),
		metric.WithUnit("{attempt}"))
	return m
}

// Subscription returns the event log subscription driving the manager.
func (m *Manager) Subscription(lanes int) eventlog.SubscriptionSpec {
	return eventlog.SubscriptionSpec{
		Consumer: Consumer,
		Topics: []schema.Topic{
			schema.TopicTick,
			schema.TopicSignal,
			schema.TopicBrokerExecution,
			schema.TopicOrderCancelRequested,
			schema.TopicOrderModifyRequested,
		},
		Lanes:   lanes,
		LaneKey: eventlog.EventKey,
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
		m.onTick(tick)
		return nil
	case schema.TopicSignal:
		var sig schema.Signal
		if err := evt.Decode(&sig); err != nil {
			m.logf("discarding %s@%d: %v", evt.Topic, evt.Offset, err)
			return nil
		}
		return m.OnSignal(ctx, sig)
	case schema.TopicBrokerExecution:
		var exec gateway.Execution
		if err := evt.Decode(&exec); err != nil {
			m.logf("discarding %s@%d: %v", evt.Topic, evt.Offset, err)
			return nil
		}
		return m.OnExecution(ctx, exec)
	case schema.TopicOrderCancelRequested:
		var req schema.CancelRequest
		if err := evt.Decode(&req); err != nil {
			m.logf("discarding %s@%d: %v", evt.Topic, evt.Offset, err)
			return nil
		}
		m.onCancelRequest(ctx, req)
		return nil
	case schema.TopicOrderModifyRequested:
		var req schema.ModifyRequest
		if err := evt.Decode(&req); err != nil {
			m.logf("discarding %s@%d: %v", evt.Topic, evt.Offset, err)
			return nil
		}
		m.onModifyRequest(ctx, req)
		return nil
	default:
		m.logf("ignoring unexpected topic %s", evt.Topic)
		return nil
	}
}

func (m *Manager) onTick(tick schema.Tick) {
	if !tick.LastPrice.IsPositive() {
		return
	}
	m.prices.Store(tick.InstrumentID, tick.LastPrice)
	if obs, ok := m.gateway.(gateway.PriceObserver); ok {
		obs.ObserveTick(tick)
	}
}

// OnSignal creates the signal's order, or resumes it when a redelivered
// signal finds it short of SENT.
func (m *Manager) OnSignal(ctx context.Context, sig schema.Signal) error {
	if err := sig.Validate(); err != nil {
		m.logf("discarding signal: %v", err)
		return nil
	}
	id := schema.OrderIDFor(sig.SignalID)
	if rec, ok := m.lookup(id); ok {
		switch rec.order.Status {
		case schema.OrderStatusCreated, schema.OrderStatusValidated, schema.OrderStatusQueued:
			return m.advance(ctx, rec)
		default:
			return nil
		}
	}

	order, verr := m.buildOrder(id, sig)
	rec := &record{order: order, fills: make(map[string]struct{})}
	m.orders.Store(id, rec)
	m.commit(ctx, rec, schema.TopicOrderCreated, schema.EventTypeOrderCreated, nil)
	if verr != nil {
		m.reject(ctx, rec, verr.reason, verr.Error())
		return nil
	}
	return m.advance(ctx, rec)
}

func (m *Manager) buildOrder(id string, sig schema.Signal) (*schema.Order, *validationError) {
	now := m.clock().UTC()
	order := &schema.Order{
		OrderID:         id,
		SignalID:        sig.SignalID,
		StrategyID:      sig.StrategyID,
		InstrumentID:    sig.InstrumentID,
		PositionID:      sig.Meta(schema.MetaPositionID),
		Exit:            sig.Direction == schema.DirectionExit,
		ExitReason:      sig.Meta(schema.MetaExitReason),
		Side:            schema.SideBuy,
		Type:            schema.OrderTypeMarket,
		Quantity:        decimal.Zero,
		Status:          schema.OrderStatusCreated,
		FilledQuantity:  decimal.Zero,
		AvgFillPrice:    decimal.Zero,
		SuggestedSL:     sig.SuggestedSL,
		SuggestedTarget: sig.SuggestedTarget,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	qty, hasQty, err := sig.MetaDecimal(schema.MetaQuantity)
	if err != nil {
		return order, invalid(ReasonInvalidQuantity, "%v", err)
	}
	switch sig.Direction {
	case schema.DirectionEnterLong:
		order.Side = schema.SideBuy
	case schema.DirectionEnterShort:
		order.Side = schema.SideSell
	case schema.DirectionExit:
		held := m.netQuantity(sig.StrategyID, sig.InstrumentID)
		if held.IsZero() {
			return order, invalid(ReasonNoOpenPosition, "strategy %s holds no %s", sig.StrategyID, sig.InstrumentID)
		}
		order.Side = schema.SideSell
		if held.IsNegative() {
			order.Side = schema.SideBuy
		}
		if !hasQty || qty.GreaterThan(held.Abs()) {
			qty, hasQty = held.Abs(), true
		}
	}
	if hasQty {
		order.Quantity = qty
	} else if inst, ok := m.instruments.Lookup(sig.InstrumentID); ok {
		order.Quantity = inst.LotSize.Mul(decimal.NewFromInt(m.defaultLots))
	}

	limit, hasLimit, err := sig.MetaDecimal(schema.MetaLimitPrice)
	if err != nil {
		return order, invalid(ReasonInvalidPrice, "%v", err)
	}
	trigger, hasTrigger, err := sig.MetaDecimal(schema.MetaTriggerPrice)
	if err != nil {
		return order, invalid(ReasonInvalidPrice, "%v", err)
	}
	switch {
	case hasLimit && hasTrigger:
		order.Type = schema.OrderTypeSL
	case hasLimit:
		order.Type = schema.OrderTypeLimit
	case hasTrigger:
		order.Type = schema.OrderTypeSLM
	}
	if hasLimit {
		order.LimitPrice = schema.DecimalPtr(limit)
	}
	if hasTrigger {
		order.TriggerPrice = schema.DecimalPtr(trigger)
	}

	if dist, ok, err := sig.MetaDecimal(schema.MetaTrailing); err == nil && ok {
		order.TrailingDist = schema.DecimalPtr(dist)
	}
	if pct, ok, err := sig.MetaDecimal(schema.MetaTrailingPct); err == nil && ok {
		order.TrailingPct = schema.DecimalPtr(pct)
	}
	return order, nil
}

// advance walks the order from its current status toward SENT.
func (m *Manager) advance(ctx context.Context, rec *record) error {
	order := rec.order
	for {
		switch order.Status {
		case schema.OrderStatusCreated:
			inst, known := m.instruments.Lookup(order.InstrumentID)
			if verr := validate(order, inst, known); verr != nil {
				m.reject(ctx, rec, verr.reason, verr.Error())
				return nil
			}
			if err := m.move(ctx, rec, schema.OrderStatusValidated); err != nil {
				return err
			}
		case schema.OrderStatusValidated:
			ref, ok := m.referencePrice(order)
			if !ok {
				m.reject(ctx, rec, ReasonNoReferencePrice, "no price to value the order")
				return nil
			}
			decision := m.risk.Admit(ctx, risk.AdmissionRequest{
				StrategyID:   order.StrategyID,
				InstrumentID: order.InstrumentID,
				OrderValue:   ref.Mul(order.Quantity),
				MaxLoss:      worstLoss(order, ref),
				Exit:         order.Exit,
			})
			if !decision.Allow {
				m.reject(ctx, rec, decision.Reason, "risk denied on "+decision.Scope)
				return nil
			}
			if err := m.move(ctx, rec, schema.OrderStatusQueued); err != nil {
				return err
			}
		case schema.OrderStatusQueued:
			return m.transmit(ctx, rec)
		default:
			return nil
		}
	}
}

func (m *Manager) referencePrice(order *schema.Order) (decimal.Decimal, bool) {
	var last decimal.Decimal
	value, ok := m.prices.Load(order.InstrumentID)
	if ok {
		last = value.(decimal.Decimal)
	}
	return referencePrice(order, last, ok)
}

// move transitions without publishing; intermediate statuses stay in memory.
func (m *Manager) move(ctx context.Context, rec *record, to schema.OrderStatus) error {
	if err := transition(rec.order, to); err != nil {
		return errs.Corrupt("oms", err.Error(), errs.WithCause(err), errs.WithField("order_id", rec.order.OrderID))
	}
	rec.order.UpdatedAt = m.clock().UTC()
	m.remember(rec)
	m.countTransition(ctx, rec.order)
	return nil
}

func (m *Manager) reject(ctx context.Context, rec *record, reason, detail string) {
	order := rec.order
	if err := transition(order, schema.OrderStatusRejected); err != nil {
		m.logf("reject %s: %v", order.OrderID, err)
		return
	}
	order.RejectReason = reason
	m.logf("order %s rejected reason=%s: %s", order.OrderID, reason, detail)
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		telemetry.ReasonAttributes(telemetry.Environment(), "order", reason)...))
	m.commit(ctx, rec, schema.TopicOrderRejected, schema.EventTypeOrderRejected, nil)
}

// commit stamps, snapshots, persists and publishes the order.
func (m *Manager) commit(ctx context.Context, rec *record, topic schema.Topic, typ schema.EventType, fill *schema.Fill) {
	order := rec.order
	order.UpdatedAt = m.clock().UTC()
	snapshot := m.remember(rec)
	m.countTransition(ctx, order)
	m.persist(ctx, snapshot, fill)
	if _, err := m.publisher.Publish(ctx, topic, order.InstrumentID, typ,
		schema.OrderEvent{Order: snapshot, Fill: fill},
		eventlog.WithHeader(schema.HeaderStrategyID, order.StrategyID),
		eventlog.WithHeader(schema.HeaderOrderID, order.OrderID)); err != nil {
		m.logf("ALERT publish %s for order %s failed: %v", topic, order.OrderID, err)
	}
}

func (m *Manager) remember(rec *record) *schema.Order {
	snapshot := rec.order.Clone()
	rec.snapshot.Store(snapshot)
	if snapshot.BrokerOrderID != "" {
		m.byBroker.Store(snapshot.BrokerOrderID, snapshot.OrderID)
	}
	return snapshot
}

func (m *Manager) persist(ctx context.Context, order *schema.Order, fill *schema.Fill) {
	if m.store == nil || eventlog.Replaying(ctx) {
		return
	}
	err := m.store.WithTransaction(ctx, func(txCtx context.Context, tx orderstore.Tx) error {
		if err := tx.UpsertOrder(txCtx, order); err != nil {
			return err
		}
		if fill != nil {
			return tx.RecordFill(txCtx, *fill)
		}
		return nil
	})
	if err != nil {
		m.logf("persist order %s: %v", order.OrderID, err)
	}
}

func (m *Manager) countTransition(ctx context.Context, order *schema.Order) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(telemetry.OrderAttributes(
		telemetry.Environment(), order.InstrumentID, string(order.Side), string(order.Type), string(order.Status))...))
}

// Order returns the snapshot of an order.
func (m *Manager) Order(id string) (*schema.Order, bool) {
	rec, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return rec.snapshot.Load().Clone(), true
}

// Orders returns every order snapshot ordered by creation time.
func (m *Manager) Orders() []*schema.Order {
	var out []*schema.Order
	m.orders.Range(func(_, value any) bool {
		out = append(out, value.(*record).snapshot.Load().Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) lookup(id string) (*record, bool) {
	value, ok := m.orders.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*record), true
}

func (m *Manager) lookupExecution(exec gateway.Execution) (*record, bool) {
	if exec.OrderID != "" {
		if rec, ok := m.lookup(exec.OrderID); ok {
			return rec, true
		}
	}
	if exec.BrokerOrderID != "" {
		if id, ok := m.byBroker.Load(exec.BrokerOrderID); ok {
			return m.lookup(id.(string))
		}
	}
	return nil, false
}

func netKey(strategyID, instrumentID string) string {
	return strategyID + "|" + instrumentID
}

func (m *Manager) netQuantity(strategyID, instrumentID string) decimal.Decimal {
	value, ok := m.net.Load(netKey(strategyID, instrumentID))
	if !ok {
		return decimal.Zero
	}
	return value.(*netPosition).qty
}

func (m *Manager) applyNet(order *schema.Order, qty decimal.Decimal) {
	key := netKey(order.StrategyID, order.InstrumentID)
	value, _ := m.net.LoadOrStore(key, &netPosition{qty: decimal.Zero})
	pos := value.(*netPosition)
	pos.qty = pos.qty.Add(order.Side.Sign().Mul(qty))
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// Package paper implements a simulated broker that prices orders against the
// tick stream.
package paper

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/gateway"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/telemetry"
)

const component = "paper"

var (
	_ gateway.Gateway       = (*Broker)(nil)
	_ gateway.PriceObserver = (*Broker)(nil)
)

// Option configures a Broker.
type Option func(*Broker)

// WithLogger overrides the default logger. A nil logger silences the broker.
func WithLogger(logger *log.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithFillSlices splits each execution into n fills.
func WithFillSlices(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.slices = n
		}
	}
}

// WithFillLatency delays every notification by d.
func WithFillLatency(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.latency = d
		}
	}
}

// WithClock overrides the time source used for execution timestamps.
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithBufferSize sizes the execution stream buffer.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// Broker is a paper broker. Market orders fill at the last observed price;
// limit orders fill once the market trades through the limit; stop orders
// arm when the trigger is touched.
type Broker struct {
	logger  *log.Logger
	clock   func() time.Time
	slices  int
	latency time.Duration
	buffer  int

	mu       sync.Mutex
	seq      int64
	orders   map[string]*resting // broker order id -> order
	byClient map[string]string   // client order id -> broker order id
	last     map[string]decimal.Decimal
	failNext int
	refuse   string
	closed   bool

	queue  chan []gateway.Execution
	out    chan gateway.Execution
	stop   chan struct{}
	wg     conc.WaitGroup
	closer sync.Once

	executions metric.Int64Counter
}

type resting struct {
	brokerID string
	req      gateway.PlaceRequest
	filled   decimal.Decimal
	fills    int
	armed    bool
	done     bool
}

func (r *resting) remaining() decimal.Decimal {
	return r.req.Quantity.Sub(r.filled)
}

// New constructs a paper broker and starts its notification loop.
func New(opts ...Option) *Broker {
	b := &Broker{
		logger:   log.New(os.Stdout, "paper ", log.LstdFlags|log.Lmicroseconds),
		clock:    time.Now,
		slices:   1,
		buffer:   1024,
		orders:   make(map[string]*resting),
		byClient: make(map[string]string),
		last:     make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.queue = make(chan []gateway.Execution, b.buffer)
	b.out = make(chan gateway.Execution, b.buffer)
	b.stop = make(chan struct{})
	b.executions, _ = otel.Meter("paper").Int64Counter("paper.executions",
		metric.WithDescription("Number of simulated broker notifications by kind"),
		metric.WithUnit("{execution}"))
	b.wg.Go(b.run)
	return b
}

// Name identifies the gateway.
func (b *Broker) Name() string { return component }

// Executions returns the notification stream. It is closed by Close.
func (b *Broker) Executions() <-chan gateway.Execution { return b.out }

// FailNext makes the next n Place calls fail with a transport error.
func (b *Broker) FailNext(n int) {
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

// RefuseNext makes the next Place call fail with a broker refusal carrying reason.
func (b *Broker) RefuseNext(reason string) {
	b.mu.Lock()
	b.refuse = reason
	b.mu.Unlock()
}

// Place accepts an order. Replaying a client order id returns the original
// broker order id without placing a second order.
func (b *Broker) Place(ctx context.Context, req gateway.PlaceRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Unavailable(component, err)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errs.New(component, errs.CodeUnavailable, errs.WithMessage("broker closed"))
	}
	if id, ok := b.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		b.mu.Unlock()
		return id, nil
	}
	if b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		return "", errs.New(component, errs.CodeNetwork, errs.WithMessage("simulated transport failure"))
	}
	if reason := b.refuse; reason != "" {
		b.refuse = ""
		b.mu.Unlock()
		return "", errs.New(component, errs.CodeExchange, errs.WithMessage(reason))
	}
	if err := checkRequest(req); err != nil {
		b.mu.Unlock()
		return "", err
	}
	b.seq++
	order := &resting{
		brokerID: fmt.Sprintf("P-%06d", b.seq),
		req:      req,
		filled:   decimal.Zero,
		armed:    req.TriggerPrice == nil,
	}
	b.orders[order.brokerID] = order
	if req.ClientOrderID != "" {
		b.byClient[req.ClientOrderID] = order.brokerID
	}
	var execs []gateway.Execution
	if price, ok := b.last[req.InstrumentID]; ok {
		execs = b.evaluate(order, price)
	}
	b.mu.Unlock()

	b.logf("accepted %s %s %s %s as %s", req.ClientOrderID, req.Side, req.Quantity, req.Type, order.brokerID)
	b.emit(execs)
	return order.brokerID, nil
}

func checkRequest(req gateway.PlaceRequest) error {
	if !req.Quantity.IsPositive() {
		return errs.New(component, errs.CodeExchange, errs.WithMessage("quantity must be positive"))
	}
	switch req.Type {
	case schema.OrderTypeMarket:
	case schema.OrderTypeLimit:
		if req.LimitPrice == nil {
			return errs.New(component, errs.CodeExchange, errs.WithMessage("limit price required"))
		}
	case schema.OrderTypeSL:
		if req.LimitPrice == nil || req.TriggerPrice == nil {
			return errs.New(component, errs.CodeExchange, errs.WithMessage("limit and trigger price required"))
		}
	case schema.OrderTypeSLM:
		if req.TriggerPrice == nil {
			return errs.New(component, errs.CodeExchange, errs.WithMessage("trigger price required"))
		}
	default:
		return errs.New(component, errs.CodeExchange, errs.WithMessage(fmt.Sprintf("unsupported order type %s", req.Type)))
	}
	return nil
}

// Cancel withdraws a resting order. The cancellation is confirmed on the
// execution stream.
func (b *Broker) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return errs.Unavailable(component, err)
	}
	b.mu.Lock()
	order, ok := b.orders[brokerOrderID]
	if !ok {
		b.mu.Unlock()
		return errs.New(component, errs.CodeExchange, errs.WithMessage("unknown order"),
			errs.WithField("broker_order_id", brokerOrderID))
	}
	if order.done {
		b.mu.Unlock()
		return errs.New(component, errs.CodeExchange, errs.WithMessage("order already closed"),
			errs.WithField("broker_order_id", brokerOrderID))
	}
	order.done = true
	exec := b.execution(order, gateway.ExecutionCancelled)
	exec.Reason = "cancelled by request"
	b.mu.Unlock()

	b.emit([]gateway.Execution{exec})
	return nil
}

// Modify amends quantity or prices of a resting order and re-prices it.
func (b *Broker) Modify(ctx context.Context, req gateway.ModifyRequest) error {
	if err := ctx.Err(); err != nil {
		return errs.Unavailable(component, err)
	}
	b.mu.Lock()
	order, ok := b.orders[req.BrokerOrderID]
	if !ok || order.done {
		b.mu.Unlock()
		return errs.New(component, errs.CodeExchange, errs.WithMessage("order not open"),
			errs.WithField("broker_order_id", req.BrokerOrderID))
	}
	amended := order.req
	if req.Quantity != nil {
		if !req.Quantity.GreaterThan(order.filled) {
			b.mu.Unlock()
			return errs.New(component, errs.CodeExchange, errs.WithMessage("quantity must exceed filled quantity"))
		}
		amended.Quantity = *req.Quantity
	}
	if req.LimitPrice != nil {
		amended.LimitPrice = schema.DecimalPtr(*req.LimitPrice)
	}
	if req.TriggerPrice != nil {
		amended.TriggerPrice = schema.DecimalPtr(*req.TriggerPrice)
	}
	if err := checkRequest(amended); err != nil {
		b.mu.Unlock()
		return err
	}
	order.req = amended
	var execs []gateway.Execution
	if price, ok := b.last[amended.InstrumentID]; ok {
		execs = b.evaluate(order, price)
	}
	b.mu.Unlock()

	b.emit(execs)
	return nil
}

// ObserveTick records the last price and works every resting order of the
// instrument against it.
func (b *Broker) ObserveTick(tick schema.Tick) {
	if !tick.LastPrice.IsPositive() {
		return
	}
	b.mu.Lock()
	b.last[tick.InstrumentID] = tick.LastPrice
	ids := make([]string, 0, len(b.orders))
	for id, order := range b.orders {
		if !order.done && order.req.InstrumentID == tick.InstrumentID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var execs []gateway.Execution
	for _, id := range ids {
		execs = append(execs, b.evaluate(b.orders[id], tick.LastPrice)...)
	}
	b.mu.Unlock()

	b.emit(execs)
}

// evaluate returns the fills produced by price. Callers hold b.mu.
func (b *Broker) evaluate(order *resting, price decimal.Decimal) []gateway.Execution {
	if order.done {
		return nil
	}
	buy := order.req.Side == schema.SideBuy
	if !order.armed {
		trigger := *order.req.TriggerPrice
		if (buy && price.LessThan(trigger)) || (!buy && price.GreaterThan(trigger)) {
			return nil
		}
		order.armed = true
	}
	if order.req.Type == schema.OrderTypeLimit || order.req.Type == schema.OrderTypeSL {
		limit := *order.req.LimitPrice
		if (buy && price.GreaterThan(limit)) || (!buy && price.LessThan(limit)) {
			return nil
		}
	}
	return b.fill(order, price)
}

func (b *Broker) fill(order *resting, price decimal.Decimal) []gateway.Execution {
	remaining := order.remaining()
	slices := slice(remaining, b.slices)
	execs := make([]gateway.Execution, 0, len(slices))
	for _, qty := range slices {
		order.fills++
		order.filled = order.filled.Add(qty)
		exec := b.execution(order, gateway.ExecutionFill)
		exec.FillID = fmt.Sprintf("%s-F%d", order.brokerID, order.fills)
		exec.Quantity = qty
		exec.Price = price
		execs = append(execs, exec)
	}
	order.done = true
	return execs
}

// slice splits qty into n whole-unit parts, the last carrying the remainder.
func slice(qty decimal.Decimal, n int) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{qty}
	}
	part := qty.Div(decimal.NewFromInt(int64(n))).Floor()
	if !part.IsPositive() {
		return []decimal.Decimal{qty}
	}
	out := make([]decimal.Decimal, 0, n)
	left := qty
	for i := 0; i < n-1; i++ {
		out = append(out, part)
		left = left.Sub(part)
	}
	return append(out, left)
}

func (b *Broker) execution(order *resting, kind gateway.ExecutionKind) gateway.Execution {
	return gateway.Execution{
		Kind:          kind,
		BrokerOrderID: order.brokerID,
		OrderID:       order.req.ClientOrderID,
		InstrumentID:  order.req.InstrumentID,
		Side:          order.req.Side,
		Quantity:      decimal.Zero,
		Price:         decimal.Zero,
		Timestamp:     b.clock().UTC(),
	}
}

func (b *Broker) emit(execs []gateway.Execution) {
	if len(execs) == 0 {
		return
	}
	select {
	case b.queue <- execs:
	case <-b.stop:
	}
}

func (b *Broker) run() {
	defer close(b.out)
	for {
		var batch []gateway.Execution
		select {
		case <-b.stop:
			return
		case batch = <-b.queue:
		}
		if b.latency > 0 {
			timer := time.NewTimer(b.latency)
			select {
			case <-b.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		for _, exec := range batch {
			select {
			case <-b.stop:
				return
			case b.out <- exec:
			}
			b.executions.Add(context.Background(), 1, metric.WithAttributes(
				telemetry.OperationResultAttributes(telemetry.Environment(), "execution", string(exec.Kind))...))
		}
	}
}

// Close stops the notification loop and closes the execution stream.
// Undelivered notifications are dropped.
func (b *Broker) Close() {
	b.closer.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stop)
	})
	b.wg.Wait()
}

func (b *Broker) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}

package oms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orbit/internal/app/risk"
	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/gateway"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
	"github.com/coachpo/orbit/internal/infra/retry"
)

type published struct {
	topic   schema.Topic
	typ     schema.EventType
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic schema.Topic, _ string, typ schema.EventType, payload any, _ ...eventlog.PublishOption) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic: topic, typ: typ, payload: payload})
	return int64(len(p.events)), nil
}

func (p *recordingPublisher) topics() []schema.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schema.Topic, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.topic)
	}
	return out
}

func (p *recordingPublisher) ofType(typ schema.EventType) []schema.OrderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []schema.OrderEvent
	for _, e := range p.events {
		if e.typ == typ {
			out = append(out, e.payload.(schema.OrderEvent))
		}
	}
	return out
}

type fakeGateway struct {
	mu        sync.Mutex
	placed    []gateway.PlaceRequest
	placeErrs []error
	cancels   []string
	modifies  []gateway.ModifyRequest
	execs     chan gateway.Execution
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{execs: make(chan gateway.Execution, 16)}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Place(_ context.Context, req gateway.PlaceRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, req)
	if len(g.placeErrs) > 0 {
		err := g.placeErrs[0]
		if len(g.placeErrs) > 1 {
			g.placeErrs = g.placeErrs[1:]
		}
		if err != nil {
			return "", err
		}
	}
	return "B-" + req.ClientOrderID, nil
}

func (g *fakeGateway) Cancel(_ context.Context, brokerOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, brokerOrderID)
	return nil
}

func (g *fakeGateway) Modify(_ context.Context, req gateway.ModifyRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modifies = append(g.modifies, req)
	return nil
}

func (g *fakeGateway) Executions() <-chan gateway.Execution { return g.execs }

func (g *fakeGateway) placeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placed)
}

type fakeRisk struct {
	mu       sync.Mutex
	decision risk.Decision
	requests []risk.AdmissionRequest
}

func (r *fakeRisk) Admit(_ context.Context, req risk.AdmissionRequest) risk.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.decision.Reason == "" {
		return risk.Decision{Allow: true}
	}
	return r.decision
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	oms  *Manager
	pub  *recordingPublisher
	gw   *fakeGateway
	risk *fakeRisk
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg, err := schema.NewInstrumentRegistry(schema.Instrument{ID: "NIFTY", Symbol: "NIFTY26MARFUT", Exchange: "NFO", LotSize: d("50"), TickSize: d("0.05")})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	f := &fixture{pub: &recordingPublisher{}, gw: newFakeGateway(), risk: &fakeRisk{}}
	base := []Option{WithLogger(nil), WithSendPolicy(fastPolicy(3)), WithCancelPolicy(fastPolicy(2))}
	f.oms = New(f.pub, f.gw, f.risk, reg, append(base, opts...)...)
	f.oms.onTick(schema.Tick{InstrumentID: "NIFTY", Timestamp: time.Now(), LastPrice: d("100")})
	return f
}

func signal(id string, dir schema.Direction, meta map[string]string) schema.Signal {
	return schema.Signal{
		SignalID:     id,
		StrategyID:   "s1",
		InstrumentID: "NIFTY",
		Direction:    dir,
		Strength:     0.5,
		Metadata:     meta,
		Timestamp:    time.Now(),
	}
}

func (f *fixture) place(t *testing.T, sig schema.Signal) *schema.Order {
	t.Helper()
	if err := f.oms.OnSignal(context.Background(), sig); err != nil {
		t.Fatalf("on signal: %v", err)
	}
	order, ok := f.oms.Order(schema.OrderIDFor(sig.SignalID))
	if !ok {
		t.Fatalf("order for %s not found", sig.SignalID)
	}
	return order
}

func fillExec(order *schema.Order, fillID, qty, price string) gateway.Execution {
	return gateway.Execution{
		Kind:          gateway.ExecutionFill,
		OrderID:       order.OrderID,
		BrokerOrderID: order.BrokerOrderID,
		InstrumentID:  order.InstrumentID,
		FillID:        fillID,
		Quantity:      d(qty),
		Price:         d(price),
		Timestamp:     time.Now(),
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := [][2]schema.OrderStatus{
		{schema.OrderStatusCreated, schema.OrderStatusValidated},
		{schema.OrderStatusValidated, schema.OrderStatusQueued},
		{schema.OrderStatusQueued, schema.OrderStatusSent},
		{schema.OrderStatusQueued, schema.OrderStatusCancelled},
		{schema.OrderStatusSent, schema.OrderStatusPartiallyFilled},
		{schema.OrderStatusPartiallyFilled, schema.OrderStatusPartiallyFilled},
		{schema.OrderStatusPartiallyFilled, schema.OrderStatusSent},
		{schema.OrderStatusPartiallyFilled, schema.OrderStatusFilled},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
	denied := [][2]schema.OrderStatus{
		{schema.OrderStatusCreated, schema.OrderStatusSent},
		{schema.OrderStatusFilled, schema.OrderStatusCancelled},
		{schema.OrderStatusCancelled, schema.OrderStatusFilled},
		{schema.OrderStatusRejected, schema.OrderStatusQueued},
		{schema.OrderStatusPartiallyFilled, schema.OrderStatusRejected},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be denied", pair[0], pair[1])
		}
	}
	order := &schema.Order{OrderID: "o1", Status: schema.OrderStatusFilled}
	if err := transition(order, schema.OrderStatusSent); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if order.Status != schema.OrderStatusFilled {
		t.Fatalf("failed transition must not change status")
	}
}

func TestEntrySignalIsSentAsMarketOrder(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, nil))

	if order.Status != schema.OrderStatusSent {
		t.Fatalf("expected SENT, got %s (%s)", order.Status, order.RejectReason)
	}
	if order.Side != schema.SideBuy || order.Type != schema.OrderTypeMarket {
		t.Fatalf("unexpected side/type %s/%s", order.Side, order.Type)
	}
	if !order.Quantity.Equal(d("50")) {
		t.Fatalf("expected one lot, got %s", order.Quantity)
	}
	if order.BrokerOrderID != "B-"+order.OrderID || order.Attempts != 1 {
		t.Fatalf("unexpected broker id %q attempts %d", order.BrokerOrderID, order.Attempts)
	}
	if got := fmt.Sprint(f.pub.topics()); got != "[order.created order.sent]" {
		t.Fatalf("unexpected publications %s", got)
	}
	req := f.risk.requests[0]
	if !req.OrderValue.Equal(d("5000")) || req.Exit {
		t.Fatalf("unexpected admission request %+v", req)
	}
}

func TestSignalMetadataSelectsOrderType(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		meta map[string]string
		typ  schema.OrderType
	}{
		{meta: map[string]string{schema.MetaLimitPrice: "99.5"}, typ: schema.OrderTypeLimit},
		{meta: map[string]string{schema.MetaLimitPrice: "99.5", schema.MetaTriggerPrice: "99"}, typ: schema.OrderTypeSL},
		{meta: map[string]string{schema.MetaTriggerPrice: "99"}, typ: schema.OrderTypeSLM},
	}
	for i, tc := range cases {
		order := f.place(t, signal(fmt.Sprintf("sig-%d", i), schema.DirectionEnterShort, tc.meta))
		if order.Type != tc.typ || order.Side != schema.SideSell {
			t.Fatalf("case %d: expected SELL %s, got %s %s", i, tc.typ, order.Side, order.Type)
		}
		if order.Status != schema.OrderStatusSent {
			t.Fatalf("case %d: expected SENT, got %s (%s)", i, order.Status, order.RejectReason)
		}
	}
}

func TestValidationFailuresReject(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		meta   map[string]string
		reason string
	}{
		{meta: map[string]string{schema.MetaQuantity: "75"}, reason: ReasonInvalidQuantity},
		{meta: map[string]string{schema.MetaQuantity: "abc"}, reason: ReasonInvalidQuantity},
		{meta: map[string]string{schema.MetaLimitPrice: "99.03"}, reason: ReasonInvalidPrice},
		{meta: map[string]string{schema.MetaLimitPrice: "-1"}, reason: ReasonInvalidPrice},
	}
	for i, tc := range cases {
		order := f.place(t, signal(fmt.Sprintf("bad-%d", i), schema.DirectionEnterLong, tc.meta))
		if order.Status != schema.OrderStatusRejected || order.RejectReason != tc.reason {
			t.Fatalf("case %d: expected REJECTED %s, got %s %s", i, tc.reason, order.Status, order.RejectReason)
		}
	}
	unknown := signal("unknown", schema.DirectionEnterLong, nil)
	unknown.InstrumentID = "BANKNIFTY"
	if order := f.place(t, unknown); order.RejectReason != ReasonUnknownInstrument {
		t.Fatalf("expected unknown instrument rejection, got %s", order.RejectReason)
	}
	if f.gw.placeCount() != 0 {
		t.Fatalf("rejected orders must not reach the gateway")
	}
}

func TestRiskDenialRejectsWithReason(t *testing.T) {
	f := newFixture(t)
	f.risk.decision = risk.Decision{Allow: false, Reason: schema.ReasonConsecutiveLossLimit, Scope: "strategy:s1"}
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, nil))
	if order.Status != schema.OrderStatusRejected || order.RejectReason != schema.ReasonConsecutiveLossLimit {
		t.Fatalf("expected risk rejection, got %s %s", order.Status, order.RejectReason)
	}
	if f.gw.placeCount() != 0 {
		t.Fatalf("denied orders must not reach the gateway")
	}
}

func TestTransportFailuresExhaustToGatewayUnavailable(t *testing.T) {
	f := newFixture(t)
	f.gw.placeErrs = []error{errs.New("fake", errs.CodeNetwork, errs.WithMessage("connection reset"))}
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, nil))
	if order.Status != schema.OrderStatusRejected || order.RejectReason != ReasonGatewayUnavailable {
		t.Fatalf("expected gateway_unavailable, got %s %s", order.Status, order.RejectReason)
	}
	if order.Attempts != 3 || f.gw.placeCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d (%d calls)", order.Attempts, f.gw.placeCount())
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	f := newFixture(t)
	f.gw.placeErrs = []error{errs.New("fake", errs.CodeUnavailable, errs.WithMessage("busy")), nil}
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, nil))
	if order.Status != schema.OrderStatusSent || order.Attempts != 2 {
		t.Fatalf("expected SENT after 2 attempts, got %s after %d", order.Status, order.Attempts)
	}
}

func TestBrokerRefusalRejectsWithBrokerReason(t *testing.T) {
	f := newFixture(t)
	f.gw.placeErrs = []error{errs.New("fake", errs.CodeExchange, errs.WithMessage("insufficient margin"))}
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, nil))
	if order.RejectReason != "insufficient margin" || order.Attempts != 1 {
		t.Fatalf("expected broker reason after one attempt, got %q after %d", order.RejectReason, order.Attempts)
	}
}

func TestFortySixtyFillsReachFilledOnce(t *testing.T) {
	deliveries := map[string][]string{
		"in order":       {"f40", "f60"},
		"reversed":       {"f60", "f40"},
		"duplicate 40":   {"f40", "f40", "f60"},
		"late duplicate": {"f60", "f40", "f40"},
	}
	qty := map[string]string{"f40": "40", "f60": "60"}
	for name, sequence := range deliveries {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			reg, _ := schema.NewInstrumentRegistry(schema.Instrument{ID: "NIFTY", LotSize: d("1")})
			f.oms.instruments = reg
			order := f.place(t, signal("sig-1", schema.DirectionEnterLong, map[string]string{schema.MetaQuantity: "100"}))

			prev := decimal.Zero
			for _, id := range sequence {
				if err := f.oms.OnExecution(context.Background(), fillExec(order, id, qty[id], "100")); err != nil {
					t.Fatalf("fill %s: %v", id, err)
				}
				now, _ := f.oms.Order(order.OrderID)
				if now.FilledQuantity.LessThan(prev) {
					t.Fatalf("filled quantity decreased from %s to %s", prev, now.FilledQuantity)
				}
				prev = now.FilledQuantity
			}

			final, _ := f.oms.Order(order.OrderID)
			if final.Status != schema.OrderStatusFilled || !final.FilledQuantity.Equal(d("100")) {
				t.Fatalf("expected FILLED 100, got %s %s", final.Status, final.FilledQuantity)
			}
			if n := len(f.pub.ofType(schema.EventTypeOrderFilled)); n != 1 {
				t.Fatalf("expected exactly one order.filled, got %d", n)
			}
			if n := len(f.pub.ofType(schema.EventTypeOrderPartial)); n != 1 {
				t.Fatalf("expected exactly one partial fill, got %d", n)
			}
		})
	}
}

func TestAverageFillPriceIsQuantityWeighted(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, map[string]string{schema.MetaQuantity: "100"}))
	ctx := context.Background()
	if err := f.oms.OnExecution(ctx, fillExec(order, "a", "50", "100")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := f.oms.OnExecution(ctx, fillExec(order, "b", "50", "102")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	final, _ := f.oms.Order(order.OrderID)
	if !final.AvgFillPrice.Equal(d("101")) {
		t.Fatalf("expected avg 101, got %s", final.AvgFillPrice)
	}
}

func TestOverfillIsDiscarded(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, nil))
	if err := f.oms.OnExecution(context.Background(), fillExec(order, "big", "60", "100")); err != nil {
		t.Fatalf("overfill must not fail the handler: %v", err)
	}
	now, _ := f.oms.Order(order.OrderID)
	if !now.FilledQuantity.IsZero() || now.Status != schema.OrderStatusSent {
		t.Fatalf("overfill must leave the order untouched, got %s %s", now.Status, now.FilledQuantity)
	}
}

func TestFillForCancelledOrderIsCorrupt(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, nil))
	ctx := context.Background()
	if err := f.oms.OnExecution(ctx, gateway.Execution{Kind: gateway.ExecutionCancelled, OrderID: order.OrderID}); err != nil {
		t.Fatalf("cancel confirmation: %v", err)
	}
	err := f.oms.OnExecution(ctx, fillExec(order, "late", "50", "100"))
	if !errs.IsCorrupt(err) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
}

func TestFillRacingCancelWins(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, nil))
	ctx := context.Background()

	result, err := f.oms.RequestCancel(ctx, order.OrderID)
	if err != nil || result != CancelAccepted {
		t.Fatalf("expected accepted cancel, got %s %v", result, err)
	}
	f.oms.onCancelRequest(ctx, schema.CancelRequest{OrderID: order.OrderID})
	if len(f.gw.cancels) != 1 || f.gw.cancels[0] != order.BrokerOrderID {
		t.Fatalf("expected gateway cancel of %s, got %v", order.BrokerOrderID, f.gw.cancels)
	}
	if err := f.oms.OnExecution(ctx, fillExec(order, "f1", "50", "100")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := f.oms.OnExecution(ctx, gateway.Execution{Kind: gateway.ExecutionCancelled, OrderID: order.OrderID}); err != nil {
		t.Fatalf("late confirmation: %v", err)
	}
	final, _ := f.oms.Order(order.OrderID)
	if final.Status != schema.OrderStatusFilled {
		t.Fatalf("expected the fill to win, got %s", final.Status)
	}

	result, err = f.oms.RequestCancel(ctx, order.OrderID)
	if err != nil || result != CancelRefused {
		t.Fatalf("expected refused cancel of filled order, got %s %v", result, err)
	}
}

func TestCancelConfirmationCancelsPartialOrder(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, map[string]string{schema.MetaQuantity: "100"}))
	ctx := context.Background()
	if err := f.oms.OnExecution(ctx, fillExec(order, "f1", "50", "100")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := f.oms.OnExecution(ctx, gateway.Execution{Kind: gateway.ExecutionCancelled, BrokerOrderID: order.BrokerOrderID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	final, _ := f.oms.Order(order.OrderID)
	if final.Status != schema.OrderStatusCancelled || !final.FilledQuantity.Equal(d("50")) {
		t.Fatalf("expected CANCELLED with 50 filled, got %s %s", final.Status, final.FilledQuantity)
	}
}

func TestRequestCancelUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.oms.RequestCancel(context.Background(), "missing")
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestModifyPartiallyFilledReturnsToSent(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, map[string]string{schema.MetaQuantity: "100", schema.MetaLimitPrice: "99"}))
	ctx := context.Background()
	if err := f.oms.OnExecution(ctx, fillExec(order, "f1", "50", "99")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	newPrice := d("99.5")
	if err := f.oms.RequestModify(ctx, schema.ModifyRequest{OrderID: order.OrderID, LimitPrice: &newPrice}); err != nil {
		t.Fatalf("request modify: %v", err)
	}
	f.oms.onModifyRequest(ctx, schema.ModifyRequest{OrderID: order.OrderID, LimitPrice: &newPrice})

	final, _ := f.oms.Order(order.OrderID)
	if final.Status != schema.OrderStatusSent || !final.LimitPrice.Equal(newPrice) {
		t.Fatalf("expected SENT at 99.5, got %s %v", final.Status, final.LimitPrice)
	}
	if !final.FilledQuantity.Equal(d("50")) {
		t.Fatalf("modify must keep the filled quantity, got %s", final.FilledQuantity)
	}
	if len(f.pub.ofType(schema.EventTypeOrderModified)) != 1 {
		t.Fatalf("expected one order.modified")
	}
}

func TestModifyRefusedForTerminalOrder(t *testing.T) {
	f := newFixture(t)
	f.risk.decision = risk.Decision{Reason: schema.ReasonMaxDailyLoss}
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, nil))
	qty := d("100")
	err := f.oms.RequestModify(context.Background(), schema.ModifyRequest{OrderID: order.OrderID, Quantity: &qty})
	if errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestExitSignalClosesHeldQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := f.place(t, signal("entry", schema.DirectionEnterLong, map[string]string{schema.MetaQuantity: "100"}))
	if err := f.oms.OnExecution(ctx, fillExec(entry, "f1", "100", "100")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	exit := f.place(t, signal("exit", schema.DirectionExit, map[string]string{
		schema.MetaPositionID: "p1",
		schema.MetaExitReason: schema.ExitReasonStopLoss,
		schema.MetaQuantity:   "150",
	}))
	if exit.Side != schema.SideSell || !exit.Quantity.Equal(d("100")) {
		t.Fatalf("expected SELL 100, got %s %s", exit.Side, exit.Quantity)
	}
	if !exit.Exit || exit.PositionID != "p1" || exit.ExitReason != schema.ExitReasonStopLoss {
		t.Fatalf("exit metadata not carried: %+v", exit)
	}
	if last := f.risk.requests[len(f.risk.requests)-1]; !last.Exit {
		t.Fatalf("exit orders must be admitted as exits")
	}
}

func TestExitWithoutPositionIsRejected(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, signal("exit", schema.DirectionExit, nil))
	if order.RejectReason != ReasonNoOpenPosition {
		t.Fatalf("expected no_open_position, got %s", order.RejectReason)
	}
}

func TestDuplicateSignalIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sig := signal("sig-1", schema.DirectionEnterLong, nil)
	f.place(t, sig)
	f.place(t, sig)
	if f.gw.placeCount() != 1 {
		t.Fatalf("expected one transmission, got %d", f.gw.placeCount())
	}
	if len(f.oms.Orders()) != 1 {
		t.Fatalf("expected one order")
	}
}

func TestRestoreRebuildsOrdersAndNetPosition(t *testing.T) {
	l := eventlog.New(eventlog.NewMemoryStore(), eventlog.WithLogger(nil))
	t.Cleanup(l.Close)
	reg, _ := schema.NewInstrumentRegistry(schema.Instrument{ID: "NIFTY", LotSize: d("1")})
	gw := newFakeGateway()
	first := New(l, gw, &fakeRisk{}, reg, WithLogger(nil), WithSendPolicy(fastPolicy(1)))
	first.onTick(schema.Tick{InstrumentID: "NIFTY", LastPrice: d("100")})
	ctx := context.Background()

	if err := first.OnSignal(ctx, signal("sig-1", schema.DirectionEnterLong, map[string]string{schema.MetaQuantity: "100"})); err != nil {
		t.Fatalf("signal: %v", err)
	}
	order, _ := first.Order(schema.OrderIDFor("sig-1"))
	if err := first.OnExecution(ctx, fillExec(order, "f40", "40", "100")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	second := New(l, gw, &fakeRisk{}, reg, WithLogger(nil))
	if err := second.Restore(ctx, l); err != nil {
		t.Fatalf("restore: %v", err)
	}
	restored, ok := second.Order(order.OrderID)
	if !ok || restored.Status != schema.OrderStatusPartiallyFilled || !restored.FilledQuantity.Equal(d("40")) {
		t.Fatalf("unexpected restored order %+v", restored)
	}
	if err := second.OnExecution(ctx, fillExec(order, "f40", "40", "100")); err != nil {
		t.Fatalf("redelivered fill: %v", err)
	}
	if err := second.OnExecution(ctx, fillExec(order, "f60", "60", "100")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	final, _ := second.Order(order.OrderID)
	if final.Status != schema.OrderStatusFilled || !final.FilledQuantity.Equal(d("100")) {
		t.Fatalf("expected FILLED 100 after restore, got %s %s", final.Status, final.FilledQuantity)
	}
	if held := second.netQuantity("s1", "NIFTY"); !held.Equal(d("100")) {
		t.Fatalf("expected net 100, got %s", held)
	}
	if gw.placeCount() != 1 {
		t.Fatalf("restore must not retransmit sent orders")
	}
}

func TestRestoreResumesMarketOrderAgainstStoredPrice(t *testing.T) {
	l := eventlog.New(eventlog.NewMemoryStore(), eventlog.WithLogger(nil))
	t.Cleanup(l.Close)
	ctx := context.Background()
	reg, _ := schema.NewInstrumentRegistry(schema.Instrument{ID: "NIFTY", LotSize: d("1")})

	if _, err := l.Publish(ctx, schema.TopicTick, "NIFTY", schema.EventTypeTick, schema.Tick{
		InstrumentID: "NIFTY",
		Timestamp:    time.Now(),
		LastPrice:    d("100"),
	}); err != nil {
		t.Fatalf("publish tick: %v", err)
	}
	// An order that was created but never validated before the restart.
	pending := &schema.Order{
		OrderID:      schema.OrderIDFor("sig-1"),
		SignalID:     "sig-1",
		StrategyID:   "s1",
		InstrumentID: "NIFTY",
		Side:         schema.SideBuy,
		Type:         schema.OrderTypeMarket,
		Quantity:     d("10"),
		Status:       schema.OrderStatusCreated,
		Version:      1,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if _, err := l.Publish(ctx, schema.TopicOrderCreated, "NIFTY", schema.EventTypeOrderCreated, schema.OrderEvent{Order: pending}); err != nil {
		t.Fatalf("publish order: %v", err)
	}

	gw := newFakeGateway()
	riskStub := &fakeRisk{}
	m := New(l, gw, riskStub, reg, WithLogger(nil), WithSendPolicy(fastPolicy(1)))
	if err := m.Restore(ctx, l); err != nil {
		t.Fatalf("restore: %v", err)
	}

	resumed, ok := m.Order(pending.OrderID)
	if !ok {
		t.Fatalf("order not restored")
	}
	if resumed.Status != schema.OrderStatusSent {
		t.Fatalf("expected SENT, got %s (%s)", resumed.Status, resumed.RejectReason)
	}
	if gw.placeCount() != 1 {
		t.Fatalf("expected one transmission, got %d", gw.placeCount())
	}
	riskStub.mu.Lock()
	defer riskStub.mu.Unlock()
	if len(riskStub.requests) != 1 || !riskStub.requests[0].OrderValue.Equal(d("1000")) {
		t.Fatalf("expected admission valued at the stored price, got %+v", riskStub.requests)
	}
}

func TestExecutionPumpRepublishesByInstrument(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, signal("sig-1", schema.DirectionEnterLong, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.oms.RunExecutionPump(ctx)
		close(done)
	}()
	f.gw.execs <- gateway.Execution{Kind: gateway.ExecutionFill, BrokerOrderID: order.BrokerOrderID, FillID: "f1", Quantity: d("50"), Price: d("100")}

	deadline := time.Now().Add(2 * time.Second)
	for {
		topics := f.pub.topics()
		if topics[len(topics)-1] == schema.TopicBrokerExecution {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution not republished: %v", topics)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	f.pub.mu.Lock()
	exec := f.pub.events[len(f.pub.events)-1].payload.(gateway.Execution)
	f.pub.mu.Unlock()
	if exec.InstrumentID != "NIFTY" {
		t.Fatalf("expected instrument resolved from order, got %q", exec.InstrumentID)
	}
}

package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/gateway"
	"github.com/coachpo/orbit/internal/domain/schema"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func newBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	b := New(append([]Option{WithLogger(nil)}, opts...)...)
	t.Cleanup(b.Close)
	return b
}

func next(t *testing.T, b *Broker) gateway.Execution {
	t.Helper()
	select {
	case exec := <-b.Executions():
		return exec
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for execution")
		return gateway.Execution{}
	}
}

func quiet(t *testing.T, b *Broker) {
	t.Helper()
	select {
	case exec := <-b.Executions():
		t.Fatalf("unexpected execution %+v", exec)
	case <-time.After(50 * time.Millisecond):
	}
}

func market(client string, side schema.Side, qty string) gateway.PlaceRequest {
	return gateway.PlaceRequest{
		ClientOrderID: client,
		InstrumentID:  "NIFTY",
		Side:          side,
		Type:          schema.OrderTypeMarket,
		Quantity:      d(qty),
	}
}

func tick(price string) schema.Tick {
	return schema.Tick{InstrumentID: "NIFTY", LastPrice: d(price), Timestamp: time.Now()}
}

func TestMarketOrderFillsAtLastPrice(t *testing.T) {
	b := newBroker(t)
	b.ObserveTick(tick("101.5"))

	id, err := b.Place(context.Background(), market("c1", schema.SideBuy, "50"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	exec := next(t, b)
	if exec.Kind != gateway.ExecutionFill || exec.BrokerOrderID != id || exec.OrderID != "c1" {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if !exec.Price.Equal(d("101.5")) || !exec.Quantity.Equal(d("50")) {
		t.Fatalf("expected 50 @ 101.5, got %s @ %s", exec.Quantity, exec.Price)
	}
	if exec.FillID == "" {
		t.Fatalf("fill id required")
	}
}

func TestMarketOrderWaitsForFirstTick(t *testing.T) {
	b := newBroker(t)
	if _, err := b.Place(context.Background(), market("c1", schema.SideSell, "50")); err != nil {
		t.Fatalf("place: %v", err)
	}
	quiet(t, b)
	b.ObserveTick(tick("99"))
	if exec := next(t, b); !exec.Price.Equal(d("99")) {
		t.Fatalf("expected fill at 99, got %s", exec.Price)
	}
}

func TestLimitOrderFillsWhenCrossed(t *testing.T) {
	b := newBroker(t)
	b.ObserveTick(tick("100"))
	req := market("c1", schema.SideBuy, "50")
	req.Type = schema.OrderTypeLimit
	req.LimitPrice = schema.DecimalPtr(d("98"))
	if _, err := b.Place(context.Background(), req); err != nil {
		t.Fatalf("place: %v", err)
	}
	quiet(t, b)
	b.ObserveTick(tick("98.5"))
	quiet(t, b)
	b.ObserveTick(tick("97.9"))
	if exec := next(t, b); !exec.Price.Equal(d("97.9")) {
		t.Fatalf("expected fill at 97.9, got %s", exec.Price)
	}
}

func TestStopMarketArmsOnTrigger(t *testing.T) {
	b := newBroker(t)
	b.ObserveTick(tick("100"))
	req := market("c1", schema.SideSell, "50")
	req.Type = schema.OrderTypeSLM
	req.TriggerPrice = schema.DecimalPtr(d("95"))
	if _, err := b.Place(context.Background(), req); err != nil {
		t.Fatalf("place: %v", err)
	}
	b.ObserveTick(tick("96"))
	quiet(t, b)
	b.ObserveTick(tick("94.5"))
	if exec := next(t, b); !exec.Price.Equal(d("94.5")) {
		t.Fatalf("expected fill at 94.5, got %s", exec.Price)
	}
}

func TestFillSlicesSumToQuantity(t *testing.T) {
	b := newBroker(t, WithFillSlices(3))
	b.ObserveTick(tick("100"))
	if _, err := b.Place(context.Background(), market("c1", schema.SideBuy, "100")); err != nil {
		t.Fatalf("place: %v", err)
	}
	total := decimal.Zero
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		exec := next(t, b)
		if seen[exec.FillID] {
			t.Fatalf("duplicate fill id %s", exec.FillID)
		}
		seen[exec.FillID] = true
		total = total.Add(exec.Quantity)
	}
	if !total.Equal(d("100")) {
		t.Fatalf("expected slices to total 100, got %s", total)
	}
}

func TestPlaceIsIdempotentByClientOrderID(t *testing.T) {
	b := newBroker(t)
	first, err := b.Place(context.Background(), market("c1", schema.SideBuy, "50"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	second, err := b.Place(context.Background(), market("c1", schema.SideBuy, "50"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first != second {
		t.Fatalf("expected replay to return %s, got %s", first, second)
	}
	b.ObserveTick(tick("100"))
	next(t, b)
	quiet(t, b)
}

func TestInjectedFailures(t *testing.T) {
	b := newBroker(t)
	b.FailNext(2)
	for i := 0; i < 2; i++ {
		_, err := b.Place(context.Background(), market("c1", schema.SideBuy, "50"))
		if !errs.IsTransient(err) {
			t.Fatalf("attempt %d: expected transient error, got %v", i, err)
		}
	}
	if _, err := b.Place(context.Background(), market("c1", schema.SideBuy, "50")); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}

	b.RefuseNext("margin exceeded")
	_, err := b.Place(context.Background(), market("c2", schema.SideBuy, "50"))
	if errs.CodeOf(err) != errs.CodeExchange {
		t.Fatalf("expected exchange refusal, got %v", err)
	}
}

func TestPlaceRejectsMalformedOrders(t *testing.T) {
	b := newBroker(t)
	req := market("c1", schema.SideBuy, "50")
	req.Type = schema.OrderTypeLimit
	if _, err := b.Place(context.Background(), req); errs.CodeOf(err) != errs.CodeExchange {
		t.Fatalf("expected refusal for limit without price, got %v", err)
	}
	if _, err := b.Place(context.Background(), market("c2", schema.SideBuy, "0")); errs.CodeOf(err) != errs.CodeExchange {
		t.Fatalf("expected refusal for zero quantity, got %v", err)
	}
}

func TestCancelConfirmsOnStream(t *testing.T) {
	b := newBroker(t)
	id, err := b.Place(context.Background(), market("c1", schema.SideBuy, "50"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := b.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	exec := next(t, b)
	if exec.Kind != gateway.ExecutionCancelled || exec.OrderID != "c1" {
		t.Fatalf("expected cancel confirmation, got %+v", exec)
	}
	if err := b.Cancel(context.Background(), id); errs.CodeOf(err) != errs.CodeExchange {
		t.Fatalf("expected refusal for closed order, got %v", err)
	}
	b.ObserveTick(tick("100"))
	quiet(t, b)
}

func TestModifyRepricesRestingOrder(t *testing.T) {
	b := newBroker(t)
	b.ObserveTick(tick("100"))
	req := market("c1", schema.SideBuy, "50")
	req.Type = schema.OrderTypeLimit
	req.LimitPrice = schema.DecimalPtr(d("95"))
	id, err := b.Place(context.Background(), req)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	quiet(t, b)
	qty := d("100")
	if err := b.Modify(context.Background(), gateway.ModifyRequest{
		BrokerOrderID: id,
		Quantity:      &qty,
		LimitPrice:    schema.DecimalPtr(d("100")),
	}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	exec := next(t, b)
	if !exec.Quantity.Equal(d("100")) || !exec.Price.Equal(d("100")) {
		t.Fatalf("expected 100 @ 100, got %s @ %s", exec.Quantity, exec.Price)
	}
	if err := b.Modify(context.Background(), gateway.ModifyRequest{BrokerOrderID: id, Quantity: &qty}); errs.CodeOf(err) != errs.CodeExchange {
		t.Fatalf("expected refusal for filled order, got %v", err)
	}
}

func TestCloseEndsStream(t *testing.T) {
	b := New(WithLogger(nil))
	b.Close()
	if _, ok := <-b.Executions(); ok {
		t.Fatalf("expected closed stream")
	}
	if _, err := b.Place(context.Background(), market("c1", schema.SideBuy, "50")); !errs.IsTransient(err) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}

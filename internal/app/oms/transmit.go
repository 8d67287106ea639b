package oms

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/gateway"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/retry"
	"github.com/coachpo/orbit/internal/infra/telemetry"
)

// transmit sends a QUEUED order. Transport failures are retried under the
// send policy; exhausting it rejects the order with gateway_unavailable.
func (m *Manager) transmit(ctx context.Context, rec *record) error {
	order := rec.order
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return errs.Unavailable("oms", err)
		}
	}
	inst, _ := m.instruments.Lookup(order.InstrumentID)
	req := gateway.PlaceRequest{
		ClientOrderID: order.OrderID,
		InstrumentID:  order.InstrumentID,
		Symbol:        inst.Symbol,
		Exchange:      inst.Exchange,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		TriggerPrice:  order.TriggerPrice,
	}

	var brokerID string
	attempts, err := retry.Do(ctx, m.sendPolicy, func(ctx context.Context) error {
		id, placeErr := m.gateway.Place(ctx, req)
		if placeErr != nil {
			return placeErr
		}
		brokerID = id
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		m.logf("order %s send attempt %d failed, retrying in %s: %v", order.OrderID, attempt, wait, err)
	})
	order.Attempts += attempts
	m.sendTries.Record(ctx, int64(attempts), metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "place", resultOf(err))...))

	switch {
	case err == nil:
		order.BrokerOrderID = brokerID
		if terr := transition(order, schema.OrderStatusSent); terr != nil {
			return errs.Corrupt("oms", terr.Error(), errs.WithCause(terr))
		}
		m.commit(ctx, rec, schema.TopicOrderSent, schema.EventTypeOrderSent, nil)
		return nil
	case ctx.Err() != nil:
		return errs.Unavailable("oms", err)
	case errs.CodeOf(err) == errs.CodeExchange:
		m.reject(ctx, rec, brokerReason(err), err.Error())
		return nil
	case errs.IsTransient(err):
		m.reject(ctx, rec, ReasonGatewayUnavailable, err.Error())
		return nil
	default:
		m.reject(ctx, rec, brokerReason(err), err.Error())
		return nil
	}
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func brokerReason(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// OnExecution applies a broker notification on the order's lane.
func (m *Manager) OnExecution(ctx context.Context, exec gateway.Execution) error {
	rec, ok := m.lookupExecution(exec)
	if !ok {
		m.discard(ctx, "unknown_order", "execution for unknown order %s/%s", exec.OrderID, exec.BrokerOrderID)
		return nil
	}
	switch exec.Kind {
	case gateway.ExecutionFill:
		return m.applyFill(ctx, rec, exec)
	case gateway.ExecutionReject:
		m.applyReject(ctx, rec, exec)
	case gateway.ExecutionCancelled:
		m.applyCancelled(ctx, rec, exec)
	default:
		m.discard(ctx, "unknown_kind", "execution kind %q for order %s", exec.Kind, rec.order.OrderID)
	}
	return nil
}

func (m *Manager) applyFill(ctx context.Context, rec *record, exec gateway.Execution) error {
	order := rec.order
	if exec.FillID == "" {
		m.discard(ctx, "missing_fill_id", "fill without id for order %s", order.OrderID)
		return nil
	}
	if _, seen := rec.fills[exec.FillID]; seen {
		return nil
	}
	switch order.Status {
	case schema.OrderStatusFilled:
		return nil
	case schema.OrderStatusRejected, schema.OrderStatusCancelled:
		return errs.Corrupt("oms", "fill for terminal order",
			errs.WithField("order_id", order.OrderID),
			errs.WithField("status", string(order.Status)),
			errs.WithField("fill_id", exec.FillID))
	case schema.OrderStatusQueued:
		// The broker accepted before the acknowledgement was recorded.
		if exec.BrokerOrderID != "" {
			order.BrokerOrderID = exec.BrokerOrderID
		}
		if err := transition(order, schema.OrderStatusSent); err != nil {
			return errs.Corrupt("oms", err.Error(), errs.WithCause(err))
		}
		m.commit(ctx, rec, schema.TopicOrderSent, schema.EventTypeOrderSent, nil)
	case schema.OrderStatusSent, schema.OrderStatusPartiallyFilled:
	default:
		return errs.Corrupt("oms", "fill before transmission",
			errs.WithField("order_id", order.OrderID),
			errs.WithField("status", string(order.Status)))
	}

	if !exec.Quantity.IsPositive() || !exec.Price.IsPositive() {
		m.discard(ctx, "invalid_fill", "fill %s qty=%s price=%s", exec.FillID, exec.Quantity, exec.Price)
		return nil
	}
	remaining := order.Remaining()
	if exec.Quantity.GreaterThan(remaining) {
		m.discard(ctx, "overfill", "ALERT overfill %s on order %s: qty %s exceeds remaining %s",
			exec.FillID, order.OrderID, exec.Quantity, remaining)
		return nil
	}

	filled := order.FilledQuantity.Add(exec.Quantity)
	notional := order.AvgFillPrice.Mul(order.FilledQuantity).Add(exec.Price.Mul(exec.Quantity))
	next := schema.OrderStatusPartiallyFilled
	typ := schema.EventTypeOrderPartial
	if filled.Equal(order.Quantity) {
		next = schema.OrderStatusFilled
		typ = schema.EventTypeOrderFilled
	}
	if err := transition(order, next); err != nil {
		return errs.Corrupt("oms", err.Error(), errs.WithCause(err))
	}
	order.FilledQuantity = filled
	order.AvgFillPrice = notional.Div(filled)
	if order.BrokerOrderID == "" {
		order.BrokerOrderID = exec.BrokerOrderID
	}
	rec.fills[exec.FillID] = struct{}{}
	m.applyNet(order, exec.Quantity)

	ts := exec.Timestamp
	if ts.IsZero() {
		ts = m.clock()
	}
	fill := &schema.Fill{
		FillID:        exec.FillID,
		OrderID:       order.OrderID,
		BrokerOrderID: order.BrokerOrderID,
		InstrumentID:  order.InstrumentID,
		Side:          order.Side,
		Quantity:      exec.Quantity,
		Price:         exec.Price,
		Timestamp:     ts.UTC(),
	}
	m.commit(ctx, rec, schema.TopicOrderFilled, typ, fill)
	return nil
}

func (m *Manager) applyReject(ctx context.Context, rec *record, exec gateway.Execution) {
	order := rec.order
	reason := exec.Reason
	if reason == "" {
		reason = "broker_rejected"
	}
	switch order.Status {
	case schema.OrderStatusQueued, schema.OrderStatusSent:
		m.reject(ctx, rec, reason, "broker rejected")
	case schema.OrderStatusPartiallyFilled:
		// The filled part stands; the broker refused the rest.
		order.RejectReason = reason
		m.cancel(ctx, rec)
	default:
		if !order.Status.IsTerminal() {
			m.discard(ctx, "unexpected_reject", "reject for order %s in %s", order.OrderID, order.Status)
		}
	}
}

func (m *Manager) applyCancelled(ctx context.Context, rec *record, exec gateway.Execution) {
	switch rec.order.Status {
	case schema.OrderStatusQueued, schema.OrderStatusSent, schema.OrderStatusPartiallyFilled:
		if exec.Reason != "" && rec.order.RejectReason == "" {
			rec.order.RejectReason = exec.Reason
		}
		m.cancel(ctx, rec)
	default:
		// Terminal orders ignore late confirmations; a fill that raced ahead wins.
	}
}

func (m *Manager) cancel(ctx context.Context, rec *record) {
	if err := transition(rec.order, schema.OrderStatusCancelled); err != nil {
		m.logf("cancel %s: %v", rec.order.OrderID, err)
		return
	}
	m.commit(ctx, rec, schema.TopicOrderCancelled, schema.EventTypeOrderCancelled, nil)
}

func (m *Manager) discard(ctx context.Context, reason, format string, args ...any) {
	m.discarded.Add(ctx, 1, metric.WithAttributes(
		telemetry.ReasonAttributes(telemetry.Environment(), "execution", reason)...))
	m.logf(format, args...)
}

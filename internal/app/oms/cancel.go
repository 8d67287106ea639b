package oms

import (
	"context"
	"time"

	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/gateway"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
	"github.com/coachpo/orbit/internal/infra/retry"
)

// CancelResult is the boundary outcome of a cancel request.
type CancelResult string

const (
	// CancelAccepted means the request was queued for the order's lane.
	CancelAccepted CancelResult = "accepted"
	// CancelRefused means the order is already terminal.
	CancelRefused CancelResult = "refused"
)

// RequestCancel asks the order's lane to cancel it. Terminal orders are
// refused without error.
func (m *Manager) RequestCancel(ctx context.Context, orderID string) (CancelResult, error) {
	rec, ok := m.lookup(orderID)
	if !ok {
		return "", errs.New("oms", errs.CodeNotFound, errs.WithMessage("order not found"), errs.WithField("order_id", orderID))
	}
	snapshot := rec.snapshot.Load()
	if snapshot.Status.IsTerminal() {
		return CancelRefused, nil
	}
	req := schema.CancelRequest{OrderID: orderID, RequestedAt: m.clock().UTC()}
	if _, err := m.publisher.Publish(ctx, schema.TopicOrderCancelRequested, snapshot.InstrumentID,
		schema.EventTypeCancelRequest, req, eventlog.WithHeader(schema.HeaderOrderID, orderID)); err != nil {
		return "", err
	}
	return CancelAccepted, nil
}

// RequestModify asks the order's lane to amend a resting order.
func (m *Manager) RequestModify(ctx context.Context, req schema.ModifyRequest) error {
	rec, ok := m.lookup(req.OrderID)
	if !ok {
		return errs.New("oms", errs.CodeNotFound, errs.WithMessage("order not found"), errs.WithField("order_id", req.OrderID))
	}
	snapshot := rec.snapshot.Load()
	if !snapshot.Status.Live() {
		return errs.New("oms", errs.CodeConflict,
			errs.WithMessage("only resting orders can be modified"),
			errs.WithField("order_id", req.OrderID),
			errs.WithField("status", string(snapshot.Status)))
	}
	if req.Quantity == nil && req.LimitPrice == nil && req.TriggerPrice == nil {
		return errs.New("oms", errs.CodeInvalid, errs.WithMessage("nothing to modify"))
	}
	req.RequestedAt = m.clock().UTC()
	_, err := m.publisher.Publish(ctx, schema.TopicOrderModifyRequested, snapshot.InstrumentID,
		schema.EventTypeModifyRequest, req, eventlog.WithHeader(schema.HeaderOrderID, req.OrderID))
	return err
}

func (m *Manager) onCancelRequest(ctx context.Context, req schema.CancelRequest) {
	rec, ok := m.lookup(req.OrderID)
	if !ok {
		m.logf("cancel for unknown order %s", req.OrderID)
		return
	}
	order := rec.order
	switch order.Status {
	case schema.OrderStatusQueued:
		m.cancel(ctx, rec)
		return
	case schema.OrderStatusSent, schema.OrderStatusPartiallyFilled:
	default:
		m.logf("cancel refused for order %s in %s", order.OrderID, order.Status)
		return
	}

	_, err := retry.Do(ctx, m.cancelPolicy, func(ctx context.Context) error {
		return m.gateway.Cancel(ctx, order.BrokerOrderID)
	}, func(attempt int, err error, wait time.Duration) {
		m.logf("order %s cancel attempt %d failed, retrying in %s: %v", order.OrderID, attempt, wait, err)
	})
	if err != nil {
		m.logf("cancel of order %s not acknowledged: %v", order.OrderID, err)
		return
	}
	m.logf("cancel of order %s acknowledged; awaiting confirmation", order.OrderID)
}

func (m *Manager) onModifyRequest(ctx context.Context, req schema.ModifyRequest) {
	rec, ok := m.lookup(req.OrderID)
	if !ok {
		m.logf("modify for unknown order %s", req.OrderID)
		return
	}
	order := rec.order
	if !order.Status.Live() {
		m.logf("modify refused for order %s in %s", order.OrderID, order.Status)
		return
	}

	amended := order.Clone()
	if req.Quantity != nil {
		amended.Quantity = *req.Quantity
	}
	if req.LimitPrice != nil {
		amended.LimitPrice = req.LimitPrice
	}
	if req.TriggerPrice != nil {
		amended.TriggerPrice = req.TriggerPrice
	}
	inst, known := m.instruments.Lookup(order.InstrumentID)
	if verr := validate(amended, inst, known); verr != nil {
		m.logf("modify refused for order %s: %v", order.OrderID, verr)
		return
	}
	if !amended.Quantity.GreaterThan(order.FilledQuantity) {
		m.logf("modify refused for order %s: quantity %s not above filled %s", order.OrderID, amended.Quantity, order.FilledQuantity)
		return
	}

	_, err := retry.Do(ctx, m.cancelPolicy, func(ctx context.Context) error {
		return m.gateway.Modify(ctx, gateway.ModifyRequest{
			BrokerOrderID: order.BrokerOrderID,
			Quantity:      req.Quantity,
			LimitPrice:    req.LimitPrice,
			TriggerPrice:  req.TriggerPrice,
		})
	}, func(attempt int, err error, wait time.Duration) {
		m.logf("order %s modify attempt %d failed, retrying in %s: %v", order.OrderID, attempt, wait, err)
	})
	if err != nil {
		m.logf("modify of order %s not acknowledged: %v", order.OrderID, err)
		return
	}

	order.Quantity = amended.Quantity
	order.LimitPrice = amended.LimitPrice
	order.TriggerPrice = amended.TriggerPrice
	if order.Status == schema.OrderStatusPartiallyFilled {
		if err := transition(order, schema.OrderStatusSent); err != nil {
			m.logf("modify %s: %v", order.OrderID, err)
			return
		}
	} else {
		order.Version++
	}
	m.commit(ctx, rec, schema.TopicOrderModified, schema.EventTypeOrderModified, nil)
}

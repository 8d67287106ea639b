package oms

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/orbit/internal/domain/schema"
)

// Restore rebuilds order state from the order topics and then resumes orders
// that stopped short of transmission. Stored ticks seed the last prices so
// resumed market orders can be valued. It must run before the subscription
// starts.
func (m *Manager) Restore(ctx context.Context, replayer Replayer) error {
	began := time.Now()
	restored := 0
	last := make(map[string]schema.Tick)
	topics := append([]schema.Topic{schema.TopicTick}, OrderTopics...)
	err := replayer.Replay(ctx, topics, func(_ context.Context, evt *schema.Event) error {
		if evt.Topic == schema.TopicTick {
			var tick schema.Tick
			if err := evt.Decode(&tick); err == nil && tick.LastPrice.IsPositive() {
				last[tick.InstrumentID] = tick
			}
			return nil
		}
		var payload schema.OrderEvent
		if err := evt.Decode(&payload); err != nil || payload.Order == nil {
			m.logf("restore: skipping %s@%d: %v", evt.Topic, evt.Offset, err)
			return nil
		}
		m.restoreEvent(payload)
		restored++
		return nil
	})
	if err != nil {
		return fmt.Errorf("oms restore: %w", err)
	}
	for _, tick := range last {
		m.onTick(tick)
	}
	m.logf("restored %d order events and %d prices in %s", restored, len(last), time.Since(began))

	var pending []*record
	m.orders.Range(func(_, value any) bool {
		rec := value.(*record)
		switch rec.order.Status {
		case schema.OrderStatusCreated, schema.OrderStatusValidated, schema.OrderStatusQueued:
			pending = append(pending, rec)
		}
		return true
	})
	for _, rec := range pending {
		m.logf("resuming order %s from %s", rec.order.OrderID, rec.order.Status)
		if err := m.advance(ctx, rec); err != nil {
			return fmt.Errorf("oms resume %s: %w", rec.order.OrderID, err)
		}
	}
	return nil
}

func (m *Manager) restoreEvent(payload schema.OrderEvent) {
	snapshot := payload.Order
	rec, ok := m.lookup(snapshot.OrderID)
	if !ok {
		rec = &record{order: snapshot.Clone(), fills: make(map[string]struct{})}
		m.orders.Store(snapshot.OrderID, rec)
		m.remember(rec)
	} else if snapshot.Version >= rec.order.Version {
		rec.order = snapshot.Clone()
		m.remember(rec)
	}
	if fill := payload.Fill; fill != nil {
		if _, seen := rec.fills[fill.FillID]; !seen {
			rec.fills[fill.FillID] = struct{}{}
			m.applyNet(snapshot, fill.Quantity)
		}
	}
}

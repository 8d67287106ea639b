package oms

import (
	"context"

	"github.com/coachpo/orbit/internal/domain/gateway"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/bus/eventlog"
)

// RunExecutionPump republishes gateway executions onto broker.execution keyed
// by instrument, so they are applied on the order's lane. It returns when ctx
// ends or the gateway closes its stream.
func (m *Manager) RunExecutionPump(ctx context.Context) {
	stream := m.gateway.Executions()
	for {
		select {
		case <-ctx.Done():
			return
		case exec, ok := <-stream:
			if !ok {
				m.logf("gateway %s closed its execution stream", m.gateway.Name())
				return
			}
			m.pump(ctx, exec)
		}
	}
}

func (m *Manager) pump(ctx context.Context, exec gateway.Execution) {
	key := exec.InstrumentID
	if key == "" {
		if rec, ok := m.lookupExecution(exec); ok {
			key = rec.snapshot.Load().InstrumentID
		}
	}
	if key == "" {
		m.discard(ctx, "unroutable", "execution %s/%s has no instrument", exec.OrderID, exec.BrokerOrderID)
		return
	}
	exec.InstrumentID = key
	if _, err := m.publisher.Publish(ctx, schema.TopicBrokerExecution, key, schema.EventTypeBrokerExecution, exec,
		eventlog.WithHeader(schema.HeaderOrderID, exec.OrderID)); err != nil {
		m.logf("ALERT publish execution %s for order %s failed: %v", exec.FillID, exec.OrderID, err)
	}
}

// Package telemetry provides OpenTelemetry initialisation and semantic conventions for Orbit.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Orbit-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTopic identifies the event log topic.
	AttrTopic = attribute.Key("topic")
	// AttrConsumer names the subscription consuming a topic.
	AttrConsumer = attribute.Key("consumer")
	// AttrEventType annotates counters with the payload classification.
	AttrEventType = attribute.Key("event.type")
	// AttrInstrument captures the traded instrument id.
	AttrInstrument = attribute.Key("instrument")
	// AttrStrategy captures the strategy id.
	AttrStrategy = attribute.Key("strategy")
	// AttrTimeframe labels candle metrics by bucket width.
	AttrTimeframe = attribute.Key("timeframe")
	// AttrGateway identifies the broker gateway.
	AttrGateway = attribute.Key("gateway")
	// AttrOrderSide labels order telemetry with BUY/SELL intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderType distinguishes order types in execution metrics.
	AttrOrderType = attribute.Key("order.type")
	// AttrOrderStatus captures the lifecycle state reached.
	AttrOrderStatus = attribute.Key("order.status")
	// AttrOperation differentiates specific operations.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for errors, drops and rejections.
	AttrReason = attribute.Key("reason")
	// AttrScope labels risk metrics by risk scope.
	AttrScope = attribute.Key("risk.scope")
)

// TopicAttributes returns common attributes for event log metrics.
func TopicAttributes(environment, topic, consumer string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
	}
	if consumer != "" {
		attrs = append(attrs, AttrConsumer.String(consumer))
	}
	return attrs
}

// OrderAttributes returns attributes for order-related metrics.
func OrderAttributes(environment, instrument, side, orderType, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
	}
	if instrument != "" {
		attrs = append(attrs, AttrInstrument.String(instrument))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if orderType != "" {
		attrs = append(attrs, AttrOrderType.String(orderType))
	}
	if status != "" {
		attrs = append(attrs, AttrOrderStatus.String(status))
	}
	return attrs
}

// ReasonAttributes returns attributes for drop and rejection counters.
func ReasonAttributes(environment, operation, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrReason.String(reason),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

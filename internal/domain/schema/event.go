// Package schema defines the canonical events and payload types exchanged over the event log.
package schema

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/orbit/internal/domain/errs"
)

// Topic names an ordered stream on the event log.
type Topic string

const (
	// TopicTick carries raw market ticks keyed by instrument.
	TopicTick Topic = "tick"
	// TopicSignal carries strategy and exit signals keyed by instrument.
	TopicSignal Topic = "signal"
	// TopicOrderCreated announces a new order.
	TopicOrderCreated Topic = "order.created"
	// TopicOrderSent announces a successful transmission to the gateway.
	TopicOrderSent Topic = "order.sent"
	// TopicOrderFilled carries each applied fill with the order snapshot.
	TopicOrderFilled Topic = "order.filled"
	// TopicOrderRejected announces a terminal rejection.
	TopicOrderRejected Topic = "order.rejected"
	// TopicOrderCancelled announces a confirmed cancellation.
	TopicOrderCancelled Topic = "order.cancelled"
	// TopicOrderModified announces an acknowledged amendment.
	TopicOrderModified Topic = "order.modified"
	// TopicOrderCancelRequested carries cancel intents into the owning lane.
	TopicOrderCancelRequested Topic = "order.cancel_requested"
	// TopicOrderModifyRequested carries amendment intents into the owning lane.
	TopicOrderModifyRequested Topic = "order.modify_requested"
	// TopicBrokerExecution carries gateway notifications keyed by instrument.
	TopicBrokerExecution Topic = "broker.execution"
	// TopicPositionOpened announces a new position.
	TopicPositionOpened Topic = "position.opened"
	// TopicPositionUpdated announces a change to an open position.
	TopicPositionUpdated Topic = "position.updated"
	// TopicPositionClosed announces a position reaching zero quantity.
	TopicPositionClosed Topic = "position.closed"
	// TopicRiskHalted announces a circuit breaker trip.
	TopicRiskHalted Topic = "risk.halted"
	// TopicRiskReset announces a halt being cleared by rollover or operator reset.
	TopicRiskReset Topic = "risk.reset"
)

const candleTopicPrefix = "candle."

// CandleTopic returns the topic carrying closed candles of the timeframe.
func CandleTopic(tf Timeframe) Topic {
	return Topic(candleTopicPrefix + tf.String())
}

// IsCandleTopic reports whether the topic carries candles.
func (t Topic) IsCandleTopic() bool {
	return strings.HasPrefix(string(t), candleTopicPrefix)
}

// Validate ensures the topic name is usable as a storage key.
func (t Topic) Validate() error {
	trimmed := strings.TrimSpace(string(t))
	if trimmed == "" {
		return errs.New("schema/topic", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if trimmed != string(t) || strings.ContainsAny(trimmed, " \t\n") {
		return errs.New("schema/topic", errs.CodeInvalid, errs.WithMessage("topic must not contain whitespace"))
	}
	return nil
}

// EventType classifies the payload carried by an event.
type EventType string

const (
	EventTypeTick            EventType = "tick"
	EventTypeCandle          EventType = "candle"
	EventTypeSignal          EventType = "signal"
	EventTypeOrderCreated    EventType = "order.created"
	EventTypeOrderSent       EventType = "order.sent"
	EventTypeOrderPartial    EventType = "order.partially_filled"
	EventTypeOrderFilled     EventType = "order.filled"
	EventTypeOrderRejected   EventType = "order.rejected"
	EventTypeOrderCancelled  EventType = "order.cancelled"
	EventTypeOrderModified   EventType = "order.modified"
	EventTypeCancelRequest   EventType = "order.cancel_requested"
	EventTypeModifyRequest   EventType = "order.modify_requested"
	EventTypeBrokerExecution EventType = "broker.execution"
	EventTypePositionOpened  EventType = "position.opened"
	EventTypePositionUpdated EventType = "position.updated"
	EventTypePositionClosed  EventType = "position.closed"
	EventTypeRiskHalted      EventType = "risk.halted"
	EventTypeRiskReset       EventType = "risk.reset"
)

// Header keys attached to events.
const (
	HeaderStrategyID = "strategy_id"
	HeaderOrderID    = "order_id"
	HeaderPositionID = "position_id"
)

// Event is the envelope stored on and delivered from the event log.
type Event struct {
	Offset    int64             `json:"offset"`
	Topic     Topic             `json:"topic"`
	Key       string            `json:"key"`
	Type      EventType         `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      json.RawMessage   `json:"data"`
}

// NewEvent encodes payload into a keyed event envelope.
func NewEvent(topic Topic, key string, typ EventType, ts time.Time, payload any) (*Event, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Event{
		Offset:    0,
		Topic:     topic,
		Key:       strings.TrimSpace(key),
		Type:      typ,
		Timestamp: ts.UTC(),
		Headers:   nil,
		Data:      data,
	}, nil
}

// Decode unmarshals the event payload into dst.
func (e *Event) Decode(dst any) error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	if len(e.Data) == 0 {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("empty payload"),
			errs.WithField("topic", string(e.Topic)))
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return errs.New("schema/event", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("decode %s payload", e.Type)),
			errs.WithField("topic", string(e.Topic)),
			errs.WithCause(err))
	}
	return nil
}

// Header returns the header value for key.
func (e *Event) Header(key string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// WithHeader sets a header and returns the event for chaining.
func (e *Event) WithHeader(key, value string) *Event {
	if e.Headers == nil {
		e.Headers = make(map[string]string, 1)
	}
	e.Headers[key] = value
	return e
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.Headers != nil {
		out.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			out.Headers[k] = v
		}
	}
	if e.Data != nil {
		out.Data = append(json.RawMessage(nil), e.Data...)
	}
	return &out
}

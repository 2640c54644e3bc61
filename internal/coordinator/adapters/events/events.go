// Package events adapts this repository's Kafka event bus into the
// coordinator's narrower ports.EventPublisher, with coordinator-specific
// event-type constants in place of the generic aggregate/version envelope
// the original event-sourcing-flavoured Event struct carried.
package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/gridflow/coordinator/pkg/events"
	"github.com/gridflow/coordinator/pkg/logger"
)

// Event types published onto the coordinator's topic. Kept as a closed set
// rather than free-form strings so every producer and consumer agrees on
// the vocabulary.
const (
	JobPlaced       = "job.placed"
	JobFailed       = "job.failed"
	JobStateChanged = "job.state_changed"
	TaskStateChanged = "task.state_changed"
	AgentRegistered = "agent.registered"
	AgentDied       = "agent.died"
)

// Publisher wraps a Kafka-backed events.EventBus to satisfy
// ports.EventPublisher. A publish failure is logged and swallowed: losing
// an audit/notification signal must never affect a placement decision that
// already happened.
type Publisher struct {
	bus   events.EventBus
	log   logger.Logger
	topic string
}

func New(bus events.EventBus, topic string, log logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Publisher{bus: bus, log: log, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, eventType, key string, payload map[string]interface{}) {
	evt := events.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		AggregateID:   key,
		AggregateType: "coordinator",
		Payload:       payload,
	}
	if err := p.bus.Publish(ctx, evt); err != nil {
		p.log.Warn("publishing coordinator event failed", "type", eventType, "key", key, "error", err)
	}
}

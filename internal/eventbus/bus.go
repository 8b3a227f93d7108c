package eventbus

import (
	"context"
	"time"
)

// EventType enumerates configuration change events.
type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
	EventRollback EventType = "rollback"
)

// Event describes one configuration change as published to subscribers.
type Event struct {
	EventType             EventType      `json:"eventType"`
	ConfigType            string         `json:"configType"`
	ConfigID              string         `json:"configId"`
	Configuration         map[string]any `json:"configuration"`
	PreviousConfiguration map[string]any `json:"previousConfiguration,omitempty"`
	EffectiveDate         time.Time      `json:"effectiveDate"`
	UpdatedBy             string         `json:"updatedBy"`
	Timestamp             time.Time      `json:"timestamp"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// Handler consumes published events. Handlers must not block.
type Handler func(Event)

// Bus decouples configuration writers from the distribution layer. Publish
// hands the event off and returns; it never waits on consumers. The in-memory
// implementation serves single-instance deployments, the Redis implementation
// fans out across instances.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(handler Handler) (cancel func())
	Close() error
}

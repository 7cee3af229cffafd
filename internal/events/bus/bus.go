// Package bus provides the lifecycle event bus used to announce sandbox
// creation, readiness, and reaping to external subscribers. A
// sandbox.destroyed event type is defined, but nothing in this module
// publishes it.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Lifecycle event type constants published by the sandbox provisioner and reaper.
const (
	EventSandboxCreated   = "sandbox.created"
	EventSandboxReady     = "sandbox.ready"
	EventSandboxDestroyed = "sandbox.destroyed"
	EventSandboxReaped    = "sandbox.reaped"
)

// EventBus is the publish abstraction used for lifecycle events. Nothing
// in this gateway consumes these events in-tree today; the bus exists so
// the provisioner and reaper can announce lifecycle transitions to
// whatever external subscriber is listening. Publishers use the event type
// (e.g. "sandbox.created") as the subject.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Close()
	IsConnected() bool
}

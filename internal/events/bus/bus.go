// Package bus provides the internal lifecycle notification bus. Gateway
// components publish session and connection lifecycle events here for other
// processes (or in-process observers) to consume; the ordered client-facing
// event stream never goes through the bus, it is written directly by each
// connection's outbound channel.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lifecycle subjects published by the gateway.
const (
	SubjectConnectionOpened  = "gateway.connection.opened"
	SubjectConnectionClosed  = "gateway.connection.closed"
	SubjectSessionCreated    = "gateway.session.created"
	SubjectSessionRestored   = "gateway.session.restored"
	SubjectSessionClosed     = "gateway.session.closed"
	SubjectPipelineCompleted = "gateway.pipeline.completed"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Handlers run on their own goroutines and
// must not assume ordering across events.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus abstracts the in-memory and NATS implementations.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

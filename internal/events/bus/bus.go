// Package bus provides the in-process event bus abstraction plus the
// in-memory and NATS implementations. The bus has one writer (the engine)
// and any number of subscribers; delivery is asynchronous and not durable.
package bus

import (
	"context"

	"github.com/herdctl/herdctl/internal/events"
)

// Handler handles one delivered event.
type Handler func(ctx context.Context, event *events.Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes events to subject subscribers.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *events.Event) error

	// Subscribe creates a subscription to a subject pattern. Patterns use
	// NATS-style wildcards: * matches one token, > matches the rest.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down; subsequent publishes fail.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

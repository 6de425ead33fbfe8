// Package events provides domain event handling capabilities for communicating job
// lifecycle changes across system boundaries in a decoupled way.
package events

import "context"

// HandlerFunc processes one event delivered by an EventBus.
type HandlerFunc func(ctx context.Context, evt DomainEvent) error

// DomainEventPublisher publishes domain events to notify other parts of the system about
// important job changes. It decouples event producers from the messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers. Optional
	// PublishOptions configure routing behavior.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus enables publishing and subscribing to domain events. It abstracts
// messaging infrastructure details (Kafka, in-memory) from the application layer.
type EventBus interface {
	// Publish broadcasts a domain event to all interested subscribers.
	Publish(ctx context.Context, event DomainEvent, opts ...PublishOption) error

	// Subscribe registers a handler to process events of the given types until
	// ctx is cancelled.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close gracefully shuts down the event bus and releases associated resources.
	Close() error
}

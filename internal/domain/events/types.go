package events

// EventType represents a domain event category, enabling type-safe event routing and handling.
type EventType string

// Job lifecycle and maintenance events.
const (
	EventTypeJobCreated                 EventType = "JobCreated"
	EventTypeJobDeleted                 EventType = "JobDeleted"
	EventTypeJobOpened                  EventType = "JobOpened"
	EventTypeJobClosed                  EventType = "JobClosed"
	EventTypeJobAborted                 EventType = "JobAborted"
	EventTypeModelSnapshotReverted      EventType = "ModelSnapshotReverted"
	EventTypeSnapshotDescriptionUpdated EventType = "ModelSnapshotDescriptionUpdated"
	EventTypeResultsCleanupFailed       EventType = "ResultsCleanupFailed"
	EventTypeRetentionApplied           EventType = "RetentionApplied"
)

// AllEventTypes lists every event type the engine emits.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeJobCreated,
		EventTypeJobDeleted,
		EventTypeJobOpened,
		EventTypeJobClosed,
		EventTypeJobAborted,
		EventTypeModelSnapshotReverted,
		EventTypeSnapshotDescriptionUpdated,
		EventTypeResultsCleanupFailed,
		EventTypeRetentionApplied,
	}
}

// PublishOption is a function type that modifies PublishParams.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event routing.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// ApplyOptions folds opts onto the event's own key and headers.
func ApplyOptions(evt DomainEvent, opts ...PublishOption) DomainEvent {
	p := PublishParams{Key: evt.Key, Headers: evt.Headers}
	for _, opt := range opts {
		opt(&p)
	}
	evt.Key = p.Key
	evt.Headers = p.Headers
	return evt
}

package events

import "time"

// DomainEvent encapsulates an audit-worthy change to a job, providing a
// standardized format for publishing to any event bus.
type DomainEvent struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key is the job id. Buses use it as the partition key so events for one
	// job stay ordered.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload holds the event attributes. Values must be JSON-compatible
	// scalars, slices or maps so any bus can encode them.
	Payload map[string]any
}

// NewDomainEvent builds an event for jobID.
func NewDomainEvent(t EventType, jobID string, ts time.Time, payload map[string]any) DomainEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return DomainEvent{Type: t, Key: jobID, Timestamp: ts, Payload: payload}
}

// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for tests and
// single-node deployments where durability is not required.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ahrav/anomaly-armada/internal/domain/events"
)

var errBrokerClosed = errors.New("event bus closed")

type subscription struct {
	types   []events.EventType
	handler events.HandlerFunc
}

func (s subscription) wants(t events.EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Broker delivers events synchronously to every matching subscriber.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
	closed bool
}

var (
	_ events.EventBus             = (*Broker)(nil)
	_ events.DomainEventPublisher = (*Broker)(nil)
)

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]subscription)}
}

// Subscribe registers handler for eventTypes, or for every type when none
// are given. The handler is removed once ctx is done.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errBrokerClosed
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{types: slices.Clone(eventTypes), handler: handler}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

// Publish hands evt to each matching handler in subscription order,
// stopping at the first error.
func (b *Broker) Publish(ctx context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	evt = events.ApplyOptions(evt, opts...)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBrokerClosed
	}
	// Copy handlers so none run under the lock.
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]events.HandlerFunc, 0, len(ids))
	for _, id := range ids {
		if s := b.subs[id]; s.wants(evt.Type) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// PublishDomainEvent lets the broker stand in as the auditor's publisher.
func (b *Broker) PublishDomainEvent(ctx context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	return b.Publish(ctx, evt, opts...)
}

// Close drops all subscribers. Later calls fail with errBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.subs)
	return nil
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventDefinitionCreated  EventType = "definition.created"
	EventDefinitionUpdated  EventType = "definition.updated"
	EventDefinitionDisabled EventType = "definition.disabled"

	// Occurrence lifecycle events
	EventOccurrenceDispatched EventType = "occurrence.dispatched"
	EventOccurrenceCreated    EventType = "occurrence.created"
	EventOccurrenceFailed     EventType = "occurrence.failed"
	EventOccurrenceRetried    EventType = "occurrence.retried"

	EventHealth EventType = "health"

	// Audit events (for operations that need explicit audit logging)
	EventAuditAPIKeyCreate      EventType = "audit.apikey.create"
	EventAuditAPIKeyRevoke      EventType = "audit.apikey.revoke"
	EventAuditDefinitionCreate  EventType = "audit.definition.create"
	EventAuditDefinitionDisable EventType = "audit.definition.disable"
	EventAuditRetrigger         EventType = "audit.occurrence.retrigger"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. The lock is held across the
// sends so Unsubscribe cannot close a channel mid-publish; sends are
// non-blocking, so holding it is cheap.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}

// Package events provides the publish/subscribe bus that carries
// controller signals to the sensor platform and operational events to
// the status API's WebSocket stream. The bus is nil-safe: Publish and
// Unsubscribe on a nil *Bus are no-ops and Subscribe returns a channel
// that never delivers, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceController identifies events from the Omada controller state.
	SourceController = "controller"
	// SourcePlatform identifies events from the sensor platform.
	SourcePlatform = "platform"
)

// Kind constants describe the type of event within a source.
const (
	// KindSnapshotApplied signals new device and client data.
	// Data: site, devices, clients.
	KindSnapshotApplied = "snapshot_applied"
	// KindOptionsUpdated signals that the sensor options changed.
	KindOptionsUpdated = "options_updated"
	// KindAvailabilityChanged signals the controller connection went up
	// or down. Data: available.
	KindAvailabilityChanged = "availability_changed"

	// KindEntityAdded signals a new sensor entity. Data: unique_id, mac, key.
	KindEntityAdded = "entity_added"
	// KindEntityRemoved signals a sensor entity was dropped.
	// Data: unique_id, mac, key.
	KindEntityRemoved = "entity_removed"
	// KindStateChanged signals a sensor published a new value.
	// Data: unique_id, state.
	KindStateChanged = "state_changed"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// IsSignal reports whether e is one of the controller signals the
// sensor platform reacts to.
func (e Event) IsSignal() bool {
	if e.Source != SourceController {
		return false
	}
	switch e.Kind {
	case KindSnapshotApplied, KindOptionsUpdated, KindAvailabilityChanged:
		return true
	}
	return false
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu sync.RWMutex
	// subs maps each subscriber channel to its filter; nil keeps all.
	subs map[chan Event]func(Event) bool
	// recvToSend lets Unsubscribe accept the receive-only channel handed
	// out by Subscribe.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]func(Event) bool),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. A zero Timestamp is filled
// with the current time. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, keep := range b.subs {
		if keep != nil && !keep(e) {
			continue
		}
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	return b.SubscribeFiltered(bufSize, nil)
}

// SubscribeFiltered is like Subscribe but only delivers events for which
// keep returns true. A filtered subscriber's buffer is not consumed by
// traffic it never wanted. On a nil receiver it returns a nil channel,
// which never delivers.
func (b *Bus) SubscribeFiltered(bufSize int, keep func(Event) bool) <-chan Event {
	if b == nil {
		return nil
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = keep
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op), or on a nil
// receiver.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

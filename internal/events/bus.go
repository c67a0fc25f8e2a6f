// Package events fans operational events out from the feed poller and
// relay to any number of viewers (WebSocket clients, the terminal
// watcher). The bus is nil-safe: publishing on a nil *Bus is a no-op,
// so components can run without one.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourcePoller identifies events from a feed poller controller.
	SourcePoller = "poller"
	// SourceRelay identifies events from the request relay.
	SourceRelay = "relay"
)

// Kind constants describe the type of event within a source.
const (
	// KindSnapshot signals that a new feed snapshot was accepted.
	// Data: snapshot (feed.Snapshot), client_id.
	KindSnapshot = "snapshot"
	// KindState signals a poller state transition.
	// Data: from, to, client_id.
	KindState = "state"
	// KindRejected signals a response payload that could not be used.
	// Data: client_id, reason.
	KindRejected = "rejected"
	// KindRelayed signals a relay request that was answered.
	// Data: client_id, path, status, bytes, duration_ms.
	KindRelayed = "relayed"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a full subscriber misses events instead of
// stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only view handed to subscribers back
	// to the channel stored in subs so Unsubscribe can close it.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber that has room. Safe on a nil
// receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing a freshly stamped event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// twice is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
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

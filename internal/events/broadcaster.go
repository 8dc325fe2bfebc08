// Package events provides an SSE event broadcaster for tree change
// notifications. Subscribers only receive events of their own owner.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/docvault/internal/metrics"
)

const (
	EventCreate = "create"
	EventRename = "rename"
	EventMove   = "move"
	EventModify = "modify"
	EventDelete = "delete"
)

// Event represents a change to one node.
type Event struct {
	Type      string `json:"type"`
	OwnerID   int64  `json:"-"`
	NodeID    string `json:"id"`
	Kind      string `json:"kind,omitempty"`
	Path      string `json:"path"`
	OldPath   string `json:"old_path,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]int64
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]int64),
	}
}

// Subscribe adds a subscriber for ownerID's events and returns its channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(ownerID int64) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = ownerID
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to the owner's subscribers. Non-blocking: drops
// events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, owner := range b.subscribers {
		if owner != event.OwnerID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

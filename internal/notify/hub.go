// Package notify fans committed change events out to in-process subscribers
// and websocket clients.
package notify

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/joescharf/lineage/internal/models"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Filter selects events by entity type. An empty filter matches everything.
type Filter struct {
	Entities []models.EntityType
}

func (f Filter) match(ev models.Event) bool {
	if len(f.Entities) == 0 {
		return true
	}
	for _, e := range f.Entities {
		if e == ev.EntityType {
			return true
		}
	}
	return false
}

// Subscription is one consumer of the hub.
type Subscription struct {
	ID     string
	C      <-chan models.Event
	ch     chan models.Event
	filter Filter
}

// Hub is an in-process publish/subscribe channel for change events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
}

// NewHub creates a hub whose subscribers get buffer slots each.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]*Subscription), buffer: buffer}
}

// Subscribe registers a consumer. The returned channel is closed on
// Unsubscribe or when the subscriber falls too far behind.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	ch := make(chan models.Event, h.buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, filter: filter}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer and closes its channel. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber without blocking.
// A subscriber whose buffer is full is dropped.
func (h *Hub) Publish(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		if !sub.filter.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("dropping slow event subscriber", "subscriber", id, "seq", ev.Seq)
			delete(h.subs, id)
			close(sub.ch)
		}
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

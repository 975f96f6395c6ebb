// Package coord serializes engine mutations: a keyed lock table for
// per-entity exclusion, and a unit of work that commits staged writes in one
// store transaction and then publishes their change events in commit order.
package coord

import (
	"context"
	"sync"
	"time"

	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/store"
)

// Publisher receives change events after their transaction commits.
// Publish must not block.
type Publisher interface {
	Publish(ev models.Event)
}

// Changes collects the events a unit of work produces.
type Changes struct {
	events []models.Event
}

// Add stages one event. Staged events are discarded if the transaction
// rolls back.
func (c *Changes) Add(entity models.EntityType, id string, kind models.ChangeKind, payload any) {
	c.events = append(c.events, models.Event{
		EntityType: entity,
		EntityID:   id,
		Change:     kind,
		Payload:    payload,
	})
}

// Len returns the number of staged events.
func (c *Changes) Len() int { return len(c.events) }

// Coordinator owns the store handle, the lock table and the event sequence.
type Coordinator struct {
	store store.Store
	locks *Locks
	pub   Publisher

	mu  sync.Mutex // serializes commit + publish
	seq uint64
}

// New creates a Coordinator. pub may be nil.
func New(s store.Store, pub Publisher) *Coordinator {
	return &Coordinator{store: s, locks: NewLocks(), pub: pub}
}

// Store returns the underlying store for reads outside a unit of work.
func (c *Coordinator) Store() store.Store { return c.store }

// Lock acquires entity locks. Callers release before returning.
func (c *Coordinator) Lock(reqs ...Req) (release func()) {
	return c.locks.Acquire(reqs...)
}

// Commit runs fn inside one store transaction. When the transaction commits,
// the events fn staged are numbered and published before Commit returns, so
// publication order always equals commit order. Nothing is published when fn
// or the commit fails.
func (c *Coordinator) Commit(ctx context.Context, fn func(tx store.Tx, ch *Changes) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := &Changes{}
	if err := c.store.WithTx(ctx, func(tx store.Tx) error {
		return fn(tx, ch)
	}); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, ev := range ch.events {
		c.seq++
		ev.Seq = c.seq
		ev.At = now
		if c.pub != nil {
			c.pub.Publish(ev)
		}
	}
	return nil
}

// Seq returns the sequence number of the last published event.
func (c *Coordinator) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

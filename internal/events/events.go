// Package events carries the sync core's two outward streams: identifier
// reconciliations and mutation rejections. The presentation layer learns
// about everything it must react to through these, and nothing else.
//
// Delivery is synchronous and at-most-once per subscriber: the emitting
// engine calls every observer inline as part of the causal step that
// produced the event, so by the time a reconciliation lands anywhere the
// store already holds only the new identifier. A panicking observer is
// isolated and logged; it never takes down the emitter or starves the
// other subscribers.
package events

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/mkallio/tracksync/internal/record"
)

// Reconciliation announces that a client-minted identifier was replaced
// by the server's durable one. Everything queued already references the
// server id when this fires.
type Reconciliation struct {
	EntityType record.EntityType `json:"entity_type"`
	ClientID   string            `json:"client_id"`
	ServerID   string            `json:"server_id"`
	TripID     string            `json:"trip_id,omitempty"`
	At         time.Time         `json:"at"`
}

// Rejection announces that the server permanently refused a mutation.
// Optimistic local changes have already been rolled back when this fires.
type Rejection struct {
	EntityType record.EntityType `json:"entity_type"`
	Op         record.MutationOp `json:"op"`
	EntityID   string            `json:"entity_id"`
	Reason     string            `json:"reason"`
	StatusCode int               `json:"status_code,omitempty"`
	At         time.Time         `json:"at"`
}

// Observer receives sync events. Implementations must return quickly;
// they run inline on the engine's dispatch path.
type Observer interface {
	EntityReconciled(Reconciliation)
	MutationRejected(Rejection)
}

// Bus fans events out to subscribed observers.
type Bus struct {
	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
	logger    *log.Logger
}

// NewBus creates an empty bus. A nil logger falls back to stderr.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{
		observers: make(map[int]Observer),
		logger:    logger,
	}
}

// Subscribe registers an observer and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(o Observer) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.observers[id] = o

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.observers, id)
	}
}

// SubscriberCount returns the number of registered observers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// EmitReconciliation delivers a reconciliation to every observer, once
// each, synchronously.
func (b *Bus) EmitReconciliation(ev Reconciliation) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, o := range b.snapshot() {
		b.notify(func() { o.EntityReconciled(ev) })
	}
}

// EmitRejection delivers a rejection to every observer, once each,
// synchronously.
func (b *Bus) EmitRejection(ev Rejection) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, o := range b.snapshot() {
		b.notify(func() { o.MutationRejected(ev) })
	}
}

// snapshot copies the observer set so delivery runs without the lock;
// an observer unsubscribing mid-emit still receives that event.
func (b *Bus) snapshot() []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		out = append(out, o)
	}
	return out
}

// notify invokes one observer, containing any panic.
func (b *Bus) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("observer panic recovered: %v", r)
		}
	}()
	fn()
}

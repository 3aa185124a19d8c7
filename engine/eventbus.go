package engine

import (
	"sync"
	"time"
)

// SubscriberID identifies an EventBus subscriber.
type SubscriberID uint64

// SubscriberFunc is called for each matching event.
type SubscriberFunc func(Event)

// typeMask has bit t set for every EventType t a subscriber wants. Zero
// means every type.
type typeMask uint64

func maskOf(types []EventType) typeMask {
	var m typeMask
	for _, t := range types {
		m |= 1 << uint(t)
	}
	return m
}

func (m typeMask) matches(t EventType) bool {
	return m == 0 || m&(1<<uint(t)) != 0
}

type subscriber struct {
	id   SubscriberID
	fn   SubscriberFunc
	mask typeMask
}

// EventBus carries bridge and endpoint events to metrics, the status
// server and the plant bus mirror. Emit runs subscribers on the caller's
// goroutine, which is often a bridge holding its own mutex, so subscribers
// must return quickly and must not call back into a bridge.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID SubscriberID
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn for every event type.
func (eb *EventBus) Subscribe(fn SubscriberFunc) SubscriberID {
	return eb.add(fn, 0)
}

// SubscribeTypes registers fn for the listed event types only.
func (eb *EventBus) SubscribeTypes(fn SubscriberFunc, types ...EventType) SubscriberID {
	return eb.add(fn, maskOf(types))
}

func (eb *EventBus) add(fn SubscriberFunc, mask typeMask) SubscriberID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	// copy on write so Emit can range over a snapshot without locking
	subs := make([]subscriber, len(eb.subs), len(eb.subs)+1)
	copy(subs, eb.subs)
	eb.subs = append(subs, subscriber{id: eb.nextID, fn: fn, mask: mask})
	return eb.nextID
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (eb *EventBus) Unsubscribe(id SubscriberID) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := make([]subscriber, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	eb.subs = subs
}

// Emit stamps evt if needed and hands it to every matching subscriber in
// subscription order.
func (eb *EventBus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	eb.mu.RLock()
	subs := eb.subs
	eb.mu.RUnlock()

	for _, s := range subs {
		if s.mask.matches(evt.Type) {
			s.fn(evt)
		}
	}
}

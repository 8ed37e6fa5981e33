// Package events is the in-process notification bus. Publishing never waits
// on or fails because of a subscriber; aggregate maintenance does not go
// through here.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Handler func(event Event)

type subscription struct {
	id      string
	handler Handler
	types   []Type
}

// Bus delivers events synchronously to every matching subscriber. It is
// safe for concurrent use.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	order         []string
	logger        *slog.Logger
	now           func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subscriptions: make(map[string]*subscription),
		logger:        logger,
		now:           time.Now,
	}
}

// Subscribe registers handler for the given types, or for every type when
// none are given. It returns an ID for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{id: uuid.NewString(), handler: handler, types: types}
	b.subscriptions[sub.id] = sub
	b.order = append(b.order, sub.id)
	return sub.id
}

func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscriptions[id]; !ok {
		return false
	}
	delete(b.subscriptions, id)
	for i, item := range b.order {
		if item == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Publish builds an event and hands it to subscribers in subscription order.
// A panicking handler is logged and skipped.
func (b *Bus) Publish(eventType Type, data any) Event {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subscriptions[id])
	}
	b.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: b.now(),
		Data:      data,
	}
	for _, sub := range subs {
		if sub.matches(eventType) {
			b.invoke(sub, event)
		}
	}
	return event
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"subscription", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}

func (s *subscription) matches(eventType Type) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if t == eventType {
			return true
		}
	}
	return false
}

// Recorder is a subscriber that keeps every event it sees, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Handle(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, event := range r.events {
		out[i] = event.Type
	}
	return out
}

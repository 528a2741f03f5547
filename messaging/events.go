package messaging

import (
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
)

// EventKind names an out-of-band notification
type EventKind string

const (
	// EventAny subscribes to every event kind
	EventAny EventKind = "*"

	EventPublishFailed  EventKind = "publish_failed"
	EventReplyDropped   EventKind = "reply_dropped"
	EventRequestTimeout EventKind = "request_timeout"
	EventRespondFailed  EventKind = "respond_failed"
)

// Event is a notification emitted outside the request/reply channel
type Event struct {
	Kind          EventKind
	Pattern       string
	CorrelationID string
	Reason        string
	Err           error
	Payload       contracts.Payload
}

// EventHandler receives emitted events
type EventHandler func(Event)

// Notifier receives events from a Queue
type Notifier interface {
	Emit(event Event) int
}

// Emitter dispatches events to handlers registered per kind
type Emitter struct {
	mu       sync.Mutex
	handlers map[EventKind][]*eventSubscription
	nextID   uint64
}

type eventSubscription struct {
	id      uint64
	handler EventHandler
	once    bool
}

// NewEmitter creates an emitter without handlers
func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[EventKind][]*eventSubscription),
	}
}

// On registers handler for kind and returns a func that removes it
func (e *Emitter) On(kind EventKind, handler EventHandler) func() {
	return e.add(kind, handler, false)
}

// Once registers handler for the next event of kind only
func (e *Emitter) Once(kind EventKind, handler EventHandler) func() {
	return e.add(kind, handler, true)
}

func (e *Emitter) add(kind EventKind, handler EventHandler, once bool) func() {
	if handler == nil {
		return func() {}
	}

	e.mu.Lock()
	e.nextID++
	sub := &eventSubscription{id: e.nextID, handler: handler, once: once}
	e.handlers[kind] = append(e.handlers[kind], sub)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.removeLocked(kind, sub.id)
	}
}

func (e *Emitter) removeLocked(kind EventKind, id uint64) {
	subs := e.handlers[kind]
	for i, sub := range subs {
		if sub.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(e.handlers, kind)
		return
	}
	e.handlers[kind] = subs
}

// Emit calls every handler registered for the event's kind and for EventAny,
// in registration order, and returns how many were called
func (e *Emitter) Emit(event Event) int {
	e.mu.Lock()
	var targets []EventHandler
	for _, kind := range []EventKind{event.Kind, EventAny} {
		if kind == EventAny && event.Kind == EventAny {
			continue
		}
		for _, sub := range e.handlers[kind] {
			targets = append(targets, sub.handler)
			if sub.once {
				e.removeLocked(kind, sub.id)
			}
		}
	}
	e.mu.Unlock()

	for _, handler := range targets {
		handler(event)
	}
	return len(targets)
}

// ListenerCount returns the number of handlers registered for kind
func (e *Emitter) ListenerCount(kind EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[kind])
}

// RemoveAllListeners drops every handler registered for kind
func (e *Emitter) RemoveAllListeners(kind EventKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, kind)
}

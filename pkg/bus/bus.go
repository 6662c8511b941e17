package bus

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// Handler consumes one inbound message.
type Handler func(InboundMessage)

type subscription struct {
	id      string
	handler Handler
}

// MessageBus decouples chat transports from the agent sessions. Subscribers
// register under a session key (channel:chat); messages with no keyed
// subscriber are delivered to the fallback handler, which is how the session
// manager learns about conversations it has not seen yet.
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	fallback    Handler
	errors      chan HandlerError
}

// NewMessageBus creates a new MessageBus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string][]subscription),
		errors:      make(chan HandlerError, 100),
	}
}

// Subscribe registers a handler for the given session key and returns a
// subscription id usable with Unsubscribe.
func (b *MessageBus) Subscribe(key string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.subscribers[key] = append(b.subscribers[key], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a previously registered handler. Unknown ids are
// ignored.
func (b *MessageBus) Unsubscribe(key, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[key]
	for i, sub := range subs {
		if sub.id == id {
			b.subscribers[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[key]) == 0 {
		delete(b.subscribers, key)
	}
}

// SetFallback installs the handler for messages whose session key has no
// subscriber.
func (b *MessageBus) SetFallback(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallback = handler
}

// Publish delivers an inbound message. Handlers run synchronously in
// registration order so that sessions observe events in transport delivery
// order.
func (b *MessageBus) Publish(msg InboundMessage) {
	b.mu.RLock()
	subs := b.subscribers[msg.SessionKey()]
	handlers := make([]Handler, 0, len(subs))
	for _, sub := range subs {
		handlers = append(handlers, sub.handler)
	}
	fallback := b.fallback
	b.mu.RUnlock()

	if len(handlers) == 0 {
		if fallback != nil {
			fallback(msg)
		}
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

// ReportError publishes a per-event handler failure. The channel is drained
// by the process log; a full channel drops the report rather than blocking
// message handling.
func (b *MessageBus) ReportError(msg InboundMessage, err error) {
	select {
	case b.errors <- HandlerError{Event: msg, Err: err}:
	default:
		log.Printf("bus: error channel full, dropping report: %v", err)
	}
}

// Errors returns the channel of handler failures.
func (b *MessageBus) Errors() <-chan HandlerError {
	return b.errors
}

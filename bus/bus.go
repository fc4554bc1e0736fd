// Package bus implements the in-process publish/subscribe bus used for both
// per-session and global agent events. Delivery is synchronous and preserves
// registration order within a single event name. Subscribers that need to do
// real work should hand off to their own goroutine.
package bus

import (
	"context"
	"sync"

	"github.com/dexto-ai/dexto/slogger"
)

// Handler receives a single event. Handlers run synchronously on the
// emitter's goroutine; a panic in one handler is recovered and logged and
// does not prevent delivery to later handlers.
type Handler func(Event)

// Subscription identifies a registered handler so it can be detached.
type Subscription struct {
	bus  *Bus
	name Name
	id   uint64
}

// Cancel detaches the handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.name, s.id)
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous in-process event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]subscriber
	nextID   uint64
	logger   slogger.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger slogger.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New returns an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[Name][]subscriber),
		logger:   slogger.DefaultLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubscribeOption configures a single On registration.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	ctx context.Context
}

// WithContext scopes the registration to ctx: when ctx is cancelled the
// handler is detached. Used by per-session forwarders and transient
// subscribers to tear down cleanly.
func WithContext(ctx context.Context) SubscribeOption {
	return func(o *subscribeOptions) { o.ctx = ctx }
}

// On registers a handler for the named event and returns its Subscription.
func (b *Bus) On(name Name, handler Handler, opts ...SubscribeOption) *Subscription {
	var options subscribeOptions
	for _, opt := range opts {
		opt(&options)
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	sub := &Subscription{bus: b, name: name, id: id}
	if options.ctx != nil {
		go func() {
			<-options.ctx.Done()
			sub.Cancel()
		}()
	}
	return sub
}

// Emit delivers the event to every handler registered for its name, in
// registration order.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.handlers[event.Name]))
	copy(subs, b.handlers[event.Name])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(sub, event)
	}
}

func (b *Bus) dispatch(sub subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Name),
				"session_id", event.SessionID,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}

// SubscriberCount returns the number of handlers registered for name.
func (b *Bus) SubscriberCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

func (b *Bus) remove(name Name, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[name]
	for i, sub := range subs {
		if sub.id == id {
			b.handlers[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

package event

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives published events.
type Handler[E any] interface {
	Handle(E)
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc[E any] func(E)

// Handle calls f(e).
func (f HandlerFunc[E]) Handle(e E) { f(e) }

// SubscriptionID identifies a subscription for later removal.
type SubscriptionID uint64

type subscriber[E any] struct {
	id      SubscriptionID
	handler Handler[E]
}

// Publisher broadcasts events to every current subscriber. It is safe for
// concurrent use.
//
// Handlers run synchronously on the goroutine calling Publish, in the order
// they subscribed. Publish iterates over a snapshot, so a handler may
// subscribe or unsubscribe without deadlocking; changes take effect on the
// next Publish.
type Publisher[E any] struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   []subscriber[E]
	nextID SubscriptionID
}

// NewPublisher creates a publisher. Handler panics are logged to logger.
func NewPublisher[E any](logger *slog.Logger) *Publisher[E] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher[E]{logger: logger}
}

// Subscribe registers h and returns the id used to remove it.
func (p *Publisher[E]) Subscribe(h Handler[E]) SubscriptionID {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	p.subs = append(p.subs, subscriber[E]{id: id, handler: h})
	return id
}

// SubscribeFunc registers fn as a handler.
func (p *Publisher[E]) SubscribeFunc(fn func(E)) SubscriptionID {
	return p.Subscribe(HandlerFunc[E](fn))
}

// Unsubscribe removes the subscription. Unknown ids are ignored.
func (p *Publisher[E]) Unsubscribe(id SubscriptionID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.subs {
		if s.id == id {
			// Copy instead of reslicing in place so snapshots held by an
			// in-flight Publish are not disturbed.
			next := make([]subscriber[E], 0, len(p.subs)-1)
			next = append(next, p.subs[:i]...)
			p.subs = append(next, p.subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription.
func (p *Publisher[E]) UnsubscribeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = nil
}

// Len returns the number of current subscriptions.
func (p *Publisher[E]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Publish delivers e to a snapshot of the current subscribers. A handler
// that panics is logged and skipped. With no subscribers e is dropped.
func (p *Publisher[E]) Publish(e E) {
	p.mu.Lock()
	subs := p.subs
	p.mu.Unlock()

	for _, s := range subs {
		p.deliver(s, e)
	}
}

func (p *Publisher[E]) deliver(s subscriber[E], e E) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler panicked",
				"subscription", uint64(s.id),
				"error", fmt.Sprint(r),
			)
		}
	}()
	s.handler.Handle(e)
}

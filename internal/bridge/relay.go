package bridge

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/seantiz/labrun/internal/event"
)

// Relay defaults.
const (
	DefaultRelayBuffer = 256
	DefaultDropAfter   = 100 * time.Millisecond
)

// ErrRelayOverflow is reported by Relay.Err when an essential event could
// not be delivered within RelayOptions.BlockFor and the relay closed itself.
var ErrRelayOverflow = goerr.New("relay consumer too slow for essential event")

// RelayOptions configures a Relay.
type RelayOptions[E any] struct {
	// Name labels the relay in metrics.
	Name string

	// Buffer is the channel capacity between producer and consumer.
	Buffer int

	// Essential classifies events that must not be dropped. They block the
	// publishing goroutine until there is room in the buffer. When nil,
	// every event is essential.
	Essential func(E) bool

	// DropAfter bounds how long a non-essential event waits for room before
	// it is dropped and counted.
	DropAfter time.Duration

	// BlockFor bounds how long an essential event may block the publisher.
	// When exceeded the relay closes with ErrRelayOverflow so the consumer
	// learns it has lost events. Zero means wait until the relay is closed.
	BlockFor time.Duration
}

// Relay moves events from a synchronous Publisher onto a bounded channel
// read by a consumer running in another goroutine.
//
// Overflow policy: essential events block the producer (never silently
// dropped); other events wait at most DropAfter and are then dropped. The
// consumer can read Dropped to learn how many were lost.
type Relay[E any] struct {
	pub  *event.Publisher[E]
	id   event.SubscriptionID
	opts RelayOptions[E]

	ch        chan E
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64

	mu  sync.Mutex
	err error
}

// NewRelay subscribes a relay to pub. Call Close to unsubscribe.
func NewRelay[E any](pub *event.Publisher[E], opts RelayOptions[E]) *Relay[E] {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultRelayBuffer
	}
	if opts.DropAfter < 0 {
		opts.DropAfter = 0
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	r := &Relay[E]{
		pub:  pub,
		opts: opts,
		ch:   make(chan E, opts.Buffer),
		done: make(chan struct{}),
	}
	r.id = pub.Subscribe(r)
	return r
}

// Handle implements event.Handler. It runs on the publishing goroutine.
func (r *Relay[E]) Handle(e E) {
	select {
	case <-r.done:
		return
	default:
	}

	if r.opts.Essential == nil || r.opts.Essential(e) {
		r.sendEssential(e)
		return
	}

	select {
	case r.ch <- e:
		return
	default:
	}
	if r.opts.DropAfter == 0 {
		r.drop()
		return
	}

	timer := time.NewTimer(r.opts.DropAfter)
	defer timer.Stop()
	select {
	case r.ch <- e:
	case <-r.done:
	case <-timer.C:
		r.drop()
	}
}

func (r *Relay[E]) sendEssential(e E) {
	var deadline <-chan time.Time
	if r.opts.BlockFor > 0 {
		timer := time.NewTimer(r.opts.BlockFor)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case r.ch <- e:
	case <-r.done:
	case <-deadline:
		r.closeWith(goerr.Wrap(ErrRelayOverflow, "closing relay",
			goerr.V("relay", r.opts.Name),
			goerr.V("block_for", r.opts.BlockFor.String())))
	}
}

func (r *Relay[E]) drop() {
	r.dropped.Add(1)
	relayDroppedTotal.WithLabelValues(r.opts.Name).Inc()
}

// C returns the receive side of the buffer. It is never closed; select on
// Done as well to learn when the relay stops.
func (r *Relay[E]) C() <-chan E {
	return r.ch
}

// Done is closed once the relay is closed.
func (r *Relay[E]) Done() <-chan struct{} {
	return r.done
}

// All returns a lazily consumed sequence of relayed events. It ends when ctx
// is done, the consumer stops iterating, or the relay is closed; events
// already buffered at close are still yielded.
func (r *Relay[E]) All(ctx context.Context) iter.Seq[E] {
	return func(yield func(E) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-r.ch:
				if !yield(e) {
					return
				}
			case <-r.done:
				r.drain(yield)
				return
			}
		}
	}
}

func (r *Relay[E]) drain(yield func(E) bool) {
	for {
		select {
		case e := <-r.ch:
			if !yield(e) {
				return
			}
		default:
			return
		}
	}
}

// Dropped returns the number of non-essential events discarded so far.
func (r *Relay[E]) Dropped() uint64 {
	return r.dropped.Load()
}

// Err returns the reason the relay closed itself, or nil.
func (r *Relay[E]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close unsubscribes the relay and releases a blocked producer. It is safe
// to call more than once.
func (r *Relay[E]) Close() {
	r.closeWith(nil)
}

func (r *Relay[E]) closeWith(err error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
		r.pub.Unsubscribe(r.id)
	})
}

package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrPanicked is wrapped around a panic recovered by Go.
	ErrPanicked = goerr.New("goroutine panicked")

	// ErrNotResolved is returned by Future.Result before the future resolves.
	ErrNotResolved = goerr.New("future not resolved")
)

// Future is a one-shot result produced on one goroutine and observed from
// any number of others. It resolves exactly once; later Resolve calls are
// ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already resolved with v and err.
func Resolved[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v, err)
	return f
}

// Resolve sets the result and wakes every waiter. It reports whether this
// call was the one that resolved the future.
func (f *Future[T]) Resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the resolved value without blocking. Before resolution it
// returns ErrNotResolved.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		var zero T
		return zero, ErrNotResolved
	}
}

// Go runs fn on a new goroutine and returns a future for its result. A panic
// in fn resolves the future with an error wrapping ErrPanicked.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		var (
			v   T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.Resolve(zero, goerr.Wrap(ErrPanicked, fmt.Sprint(r),
					goerr.V("stack", string(debug.Stack()))))
				return
			}
			f.Resolve(v, err)
		}()
		v, err = fn()
	}()
	return f
}

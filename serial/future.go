package serial

import (
	"context"
	"sync/atomic"
)

const (
	pending int32 = iota
	started
	abandoned
)

// Future is the pending result of a submitted operation.
type Future[T any] struct {
	done  chan struct{}
	state atomic.Int32
	val   T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// start claims the operation for execution. It fails once a waiter has
// abandoned it.
func (f *Future[T]) start() bool { return f.state.CompareAndSwap(pending, started) }

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Started reports whether the operation has begun running.
func (f *Future[T]) Started() bool { return f.state.Load() == started }

// Wait blocks until the result is ready. If ctx ends while the operation is
// still queued, the operation is abandoned and Wait returns ctx.Err(). Once
// the operation has started, Wait ignores ctx and returns its real result.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
	}
	if f.state.CompareAndSwap(pending, abandoned) {
		var zero T
		return zero, ctx.Err()
	}
	<-f.done
	return f.val, f.err
}

// Then calls cb with the result on a separate goroutine once it is ready.
func (f *Future[T]) Then(cb func(T, error)) {
	go func() {
		<-f.done
		cb(f.val, f.err)
	}()
}

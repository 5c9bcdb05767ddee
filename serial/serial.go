// Package serial runs operations one at a time per logical key.
//
// Every operation names the keys it touches. All keys of one operation are
// enqueued together under a single mutex, so the per-key queues agree on a
// global submission order and multi-key operations cannot deadlock. Queues
// are created on first use and removed once nobody holds or waits on them.
package serial

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
)

// ErrSkipped is returned when the caller's context ended before the
// operation reached the head of its queues. The operation did not run.
var ErrSkipped = errors.New("serial: context done before operation started")

// PanicError wraps a panic raised inside a submitted operation.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("serial: operation panicked: %v", e.Value) }

// Key identifies a serialized entity.
type Key string

// GuildKey locks a single guild.
func GuildKey(id int64) Key { return Key(fmt.Sprintf("g:%020d", id)) }

// PairKey locks the canonical (smaller id first) pair of two guilds.
func PairKey(a, b int64) Key {
	if a > b {
		a, b = b, a
	}
	return Key(fmt.Sprintf("p:%020d:%020d", a, b))
}

// PlayerKey locks a single player.
func PlayerKey(id int64) Key { return Key(fmt.Sprintf("u:%020d", id)) }

type queue struct {
	held    bool
	waiters []chan struct{}
	refs    int // holder + waiters
}

// Serializer is a keyed FIFO mutex.
type Serializer struct {
	mu     sync.Mutex
	queues map[Key]*queue
}

// New creates an empty Serializer.
func New() *Serializer {
	return &Serializer{queues: make(map[Key]*queue)}
}

// ActiveKeys returns the number of keys currently held or awaited.
func (s *Serializer) ActiveKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// normalize sorts and de-duplicates keys.
func normalize(keys []Key) []Key {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// enqueue places one ticket per key. A ticket is closed when its key is granted.
func (s *Serializer) enqueue(keys []Key) []chan struct{} {
	tickets := make([]chan struct{}, len(keys))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range keys {
		q, ok := s.queues[k]
		if !ok {
			q = &queue{}
			s.queues[k] = q
		}
		q.refs++
		t := make(chan struct{})
		if !q.held {
			q.held = true
			close(t)
		} else {
			q.waiters = append(q.waiters, t)
		}
		tickets[i] = t
	}
	return tickets
}

// release hands every key to its next waiter, or frees it.
func (s *Serializer) release(keys []Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		q := s.queues[k]
		q.refs--
		if len(q.waiters) > 0 {
			next := q.waiters[0]
			q.waiters[0] = nil
			q.waiters = q.waiters[1:]
			close(next)
		} else {
			q.held = false
		}
		if q.refs == 0 {
			delete(s.queues, k)
		}
	}
}

// Submit schedules fn to run once it holds every key, and returns immediately.
//
// fn runs with a context that keeps ctx's values but not its cancellation, so
// a started operation always completes. If ctx is already done when the keys
// are granted, or a waiter abandoned the future, fn is skipped and the future
// fails with ErrSkipped.
func Submit[T any](s *Serializer, ctx context.Context, keys []Key, fn func(context.Context) (T, error)) *Future[T] {
	keys = normalize(keys)
	f := newFuture[T]()
	tickets := s.enqueue(keys)
	go func() {
		defer s.release(keys)
		for _, t := range tickets {
			<-t
		}
		if ctx.Err() != nil || !f.start() {
			f.complete(*new(T), ErrSkipped)
			return
		}
		v, err := run(context.WithoutCancel(ctx), fn)
		f.complete(v, err)
	}()
	return f
}

func run[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Do submits fn and waits for it.
func (s *Serializer) Do(ctx context.Context, keys []Key, fn func(context.Context) error) error {
	_, err := Submit(s, ctx, keys, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}).Wait(ctx)
	return err
}

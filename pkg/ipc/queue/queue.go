// Package queue bridges push-style listeners into pull-style iteration.
package queue

import (
	"context"
	"iter"
	"sync"
)

// Queue is an unbounded FIFO fed by Push and drained by Next.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	err    error
	signal chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Push appends v. It reports false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.notify()
	return true
}

// Close stops accepting values. Queued values can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notify()
}

// Fail closes the queue with err. Next returns err before any queued value.
func (q *Queue[T]) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.notify()
}

// Next blocks until a value is available. ok is false once the queue is
// closed and drained or failed.
func (q *Queue[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	for {
		q.mu.Lock()
		if q.err != nil {
			err = q.err
			q.mu.Unlock()
			return v, false, err
		}
		if len(q.items) > 0 {
			v = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true, nil
		}
		if q.closed {
			q.mu.Unlock()
			return v, false, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stream subscribes with subscribe, runs start and yields every pushed value
// until isDone reports true for one, start fails, ctx is cancelled or the
// consumer stops. The terminal value is not yielded. Cancelling ctx ends the
// sequence without an error. The subscription is always released.
//
// subscribe must attach before start runs so nothing pushed during start is
// lost.
func Stream[T any](
	ctx context.Context,
	subscribe func(push func(T)) (unsubscribe func()),
	start func(ctx context.Context) error,
	isDone func(T) bool,
) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		q := New[T]()
		unsubscribe := subscribe(func(v T) { q.Push(v) })
		defer unsubscribe()

		stop := context.AfterFunc(ctx, q.Close)
		defer stop()

		if start != nil {
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := start(runCtx); err != nil && runCtx.Err() == nil {
					q.Fail(err)
				}
			}()
		}

		for {
			v, ok, err := q.Next(context.Background())
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !ok {
				return
			}
			if isDone != nil && isDone(v) {
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

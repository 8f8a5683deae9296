// Package future provides a single-assignment result shared between the
// goroutine that produces a value and any number of goroutines waiting on it.
package future

import (
	"context"
	"sync"
)

// Future is completed exactly once, either with a value or with an error.
type Future[T any] struct {
	done  chan struct{}
	mu    sync.Mutex
	value T
	err   error
	hooks []func(T, error)
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already holding v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already holding err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete resolves the future with v. It returns false if the future was
// already resolved.
func (f *Future[T]) Complete(v T) bool {
	return f.resolve(v, nil)
}

// Fail resolves the future with err. It returns false if the future was
// already resolved.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

func (f *Future[T]) resolve(v T, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.value, f.err = v, err
	hooks := f.hooks
	f.hooks = nil
	close(f.done)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(v, err)
	}
	return true
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future is resolved.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// GetContext blocks until the future is resolved or ctx ends.
func (f *Future[T]) GetContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while unresolved.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		return v, nil, false
	}
}

// OnComplete registers fn to run once resolved. If the future is already
// resolved fn runs immediately on the calling goroutine.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn(f.value, f.err)
	default:
		f.hooks = append(f.hooks, fn)
		f.mu.Unlock()
	}
}

// Then returns a future holding mapper applied to f's value. Errors pass through.
func Then[T, R any](f *Future[T], mapper func(T) (R, error)) *Future[R] {
	out := New[R]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		r, err := mapper(v)
		if err != nil {
			out.Fail(err)
			return
		}
		out.Complete(r)
	})
	return out
}

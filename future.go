package tinker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tinkerapi/tinker-go/api/types"
)

// Future is a handle to an asynchronous server operation. Resolution runs in
// the background from the moment the future is created; Result only waits.
//
// Abandoning a Result call (context cancellation, timeout) abandons the
// awaiter, never the server-side operation, which is allowed to complete
// silently.
type Future[T any] struct {
	requestID atomic.Value // string, set once submission succeeds
	done      chan struct{}
	result    T
	err       error
}

// newFuture starts background resolution. run receives a setter it should
// call with the server request_id as soon as submission yields one.
func newFuture[T any](run func(setID func(string)) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.result, f.err = run(func(id string) { f.requestID.Store(id) })
	}()
	return f
}

// RequestID is the server-side handle, empty until submission succeeds.
func (f *Future[T]) RequestID() string {
	id, _ := f.requestID.Load().(string)
	return id
}

// Done is closed once the future is resolved either way.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result blocks until the future resolves or ctx ends.
func (f *Future[T]) Result(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero T
		return zero, &Error{
			Kind:     ErrKindAPITimeout,
			Category: types.CategoryUser,
			Message:  "await abandoned: " + ctx.Err().Error(),
			cause:    ctx.Err(),
		}
	}
}

// ResultWithTimeout is Result bounded by a fixed duration.
func (f *Future[T]) ResultWithTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return f.Result(ctx)
}

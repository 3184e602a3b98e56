package ghostbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is one settlable unit of inbound work. It is created per inbound
// event (or out-of-band query), settles exactly once, and is never reused.
type Request[T any] struct {
	id        string
	payload   T
	createdAt time.Time

	mu       sync.Mutex
	settled  bool
	value    any
	err      error
	done     chan struct{}
	observer []func()
}

// NewRequest creates a pending request wrapping payload.
func NewRequest[T any](payload T) *Request[T] {
	return &Request[T]{
		id:        uuid.NewString(),
		payload:   payload,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// ID returns the request identifier.
func (r *Request[T]) ID() string {
	return r.id
}

// Payload returns the wrapped unit of work.
func (r *Request[T]) Payload() T {
	return r.payload
}

// CreatedAt returns the request creation time.
func (r *Request[T]) CreatedAt() time.Time {
	return r.createdAt
}

// Duration returns the elapsed time since creation.
func (r *Request[T]) Duration() time.Duration {
	return time.Since(r.createdAt)
}

// Resolve settles the request successfully. The first settlement wins;
// later calls report false and change nothing.
func (r *Request[T]) Resolve(value any) bool {
	return r.settle(value, nil)
}

// Reject settles the request unsuccessfully.
func (r *Request[T]) Reject(err error) bool {
	if err == nil {
		err = fmt.Errorf("request %s: rejected without cause", r.id)
	}

	return r.settle(nil, err)
}

func (r *Request[T]) settle(value any, err error) bool {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return false
	}
	r.settled = true
	r.value = value
	r.err = err
	observers := r.observer
	r.observer = nil
	close(r.done)
	r.mu.Unlock()

	for _, observe := range observers {
		observe()
	}

	return true
}

// IsPending reports whether the request has not settled yet.
func (r *Request[T]) IsPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return !r.settled
}

// Done returns a channel closed at settlement.
func (r *Request[T]) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the settlement result. The boolean reports whether the
// request has settled.
func (r *Request[T]) Outcome() (any, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.value, r.err, r.settled
}

// Wait blocks until settlement or context expiry and returns the outcome.
func (r *Request[T]) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		value, err, _ := r.Outcome()
		return value, err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait request %s: %w", r.id, ctx.Err())
	}
}

// OnSettle registers fn to run at settlement, on the settling goroutine.
// If the request has already settled, fn runs immediately.
func (r *Request[T]) OnSettle(fn func()) {
	if fn == nil {
		return
	}

	r.mu.Lock()
	if !r.settled {
		r.observer = append(r.observer, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	fn()
}

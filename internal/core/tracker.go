package core

import (
	"context"
	"sync"
	"time"

	"ghostbridge/pkg/ghostbridge"
)

// RequestFactory creates requests and attaches process-wide settlement
// bookkeeping: resolve/reject hooks in registration order and independent
// pending-check timeouts. Hooks observe outcomes but never change them; a
// panicking hook is reported and the rest still fire.
type RequestFactory[T any] struct {
	onAsyncError func(context.Context, string, error)

	mu           sync.RWMutex
	resolveHooks []func(request *ghostbridge.Request[T], value any)
	rejectHooks  []func(request *ghostbridge.Request[T], err error)
	timeoutHooks []timeoutHook[T]
}

type timeoutHook[T any] struct {
	fn    func(request *ghostbridge.Request[T])
	after time.Duration
}

// NewRequestFactory creates a factory reporting hook failures through
// onAsyncError (nil means failures are dropped).
func NewRequestFactory[T any](onAsyncError func(context.Context, string, error)) *RequestFactory[T] {
	if onAsyncError == nil {
		onAsyncError = func(context.Context, string, error) {}
	}

	return &RequestFactory[T]{
		onAsyncError: onAsyncError,
	}
}

// AddDefaultResolveCallback registers fn to run whenever any request
// resolves successfully.
func (f *RequestFactory[T]) AddDefaultResolveCallback(fn func(request *ghostbridge.Request[T], value any)) {
	if fn == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveHooks = append(f.resolveHooks, fn)
}

// AddDefaultRejectCallback registers fn to run whenever any request rejects.
func (f *RequestFactory[T]) AddDefaultRejectCallback(fn func(request *ghostbridge.Request[T], err error)) {
	if fn == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectHooks = append(f.rejectHooks, fn)
}

// AddDefaultTimeoutCallback schedules, per new request, a pending check at
// the given delay. fn fires only when the request is still unsettled at that
// moment. Each registered timeout is independent.
func (f *RequestFactory[T]) AddDefaultTimeoutCallback(fn func(request *ghostbridge.Request[T]), after time.Duration) {
	if fn == nil || after <= 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeoutHooks = append(f.timeoutHooks, timeoutHook[T]{fn: fn, after: after})
}

// NewRequest allocates a request and arms its settlement and timeout
// bookkeeping.
func (f *RequestFactory[T]) NewRequest(payload T) *ghostbridge.Request[T] {
	request := ghostbridge.NewRequest(payload)

	f.mu.RLock()
	timeouts := make([]timeoutHook[T], len(f.timeoutHooks))
	copy(timeouts, f.timeoutHooks)
	f.mu.RUnlock()

	timers := make([]*time.Timer, 0, len(timeouts))
	for _, hook := range timeouts {
		hook := hook
		timers = append(timers, time.AfterFunc(hook.after, func() {
			if !request.IsPending() {
				return
			}
			if err := runSafely("request timeout hook", func() error {
				hook.fn(request)
				return nil
			}); err != nil {
				f.onAsyncError(context.Background(), "request timeout hook", err)
			}
		}))
	}

	request.OnSettle(func() {
		for _, timer := range timers {
			timer.Stop()
		}
		f.fireSettlementHooks(request)
	})

	return request
}

func (f *RequestFactory[T]) fireSettlementHooks(request *ghostbridge.Request[T]) {
	value, settleErr, _ := request.Outcome()

	f.mu.RLock()
	resolveHooks := make([]func(*ghostbridge.Request[T], any), len(f.resolveHooks))
	copy(resolveHooks, f.resolveHooks)
	rejectHooks := make([]func(*ghostbridge.Request[T], error), len(f.rejectHooks))
	copy(rejectHooks, f.rejectHooks)
	f.mu.RUnlock()

	if settleErr != nil {
		for _, hook := range rejectHooks {
			hook := hook
			if err := runSafely("request reject hook", func() error {
				hook(request, settleErr)
				return nil
			}); err != nil {
				f.onAsyncError(context.Background(), "request reject hook", err)
			}
		}
		return
	}

	for _, hook := range resolveHooks {
		hook := hook
		if err := runSafely("request resolve hook", func() error {
			hook(request, value)
			return nil
		}); err != nil {
			f.onAsyncError(context.Background(), "request resolve hook", err)
		}
	}
}

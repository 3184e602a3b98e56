package ghostbridge

import "errors"

var (
	// ErrInvalidEvent indicates an event envelope that violates protocol invariants.
	ErrInvalidEvent = errors.New("ghostbridge: invalid event")
	// ErrEventNotHandled is the rejection controllers use to signal that no
	// business logic could process an event.
	ErrEventNotHandled = errors.New("ghostbridge: event not handled")
	// ErrQueueClosed indicates a push onto a closed event queue.
	ErrQueueClosed = errors.New("ghostbridge: event queue closed")
	// ErrDispatcherClosed indicates dispatch after shutdown.
	ErrDispatcherClosed = errors.New("ghostbridge: dispatcher closed")
	// ErrUnknownQueuePolicy indicates an unrecognized queue ordering policy.
	ErrUnknownQueuePolicy = errors.New("ghostbridge: unknown queue policy")
	// ErrEditSenderMismatch indicates an edit whose sender differs from the
	// original message sender.
	ErrEditSenderMismatch = errors.New("ghostbridge: edit sender mismatch")
	// ErrNoTransport indicates an actor handle without a wired transport
	// backend; the default factory produces such handles.
	ErrNoTransport = errors.New("ghostbridge: actor handle has no transport")
	// ErrIntentCacheClosed indicates actor lookup after cache shutdown.
	ErrIntentCacheClosed = errors.New("ghostbridge: intent cache closed")
)

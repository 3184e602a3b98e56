package ghostbridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// Controller is the bridge business logic the dispatcher delivers events to.
type Controller interface {
	// OnEvent receives one ordered (request, context) pair. The controller
	// must eventually settle the request; under per-request serialization an
	// unsettled request stalls all later deliveries in its ordering scope.
	OnEvent(ctx context.Context, request *Request[*Event], bridgeCtx *BridgeContext)
}

// EphemeralController is an optional Controller upgrade for typing, presence,
// and read-receipt events.
type EphemeralController interface {
	OnEphemeralEvent(ctx context.Context, request *Request[*Event])
}

// BridgeContext carries store-derived enrichment for one event. The core
// builds and transports it opaquely; interpretation belongs to controllers.
type BridgeContext struct {
	// Sender is the store record for the event sender, if any.
	Sender any
	// Room is the store record for the event room, if any.
	Room any
	// Extra holds embedder-defined enrichment values.
	Extra map[string]any
}

// Store is an opaque persistent-store handle threaded through to context
// building. The core never touches it.
type Store any

// ContextStore builds per-event bridge context from persistent stores.
type ContextStore interface {
	Get(ctx context.Context, event *Event, roomStore, userStore Store) (*BridgeContext, error)
}

// ActorHandle is the cached object through which actions are performed as
// one ghost identity on the chat network.
type ActorHandle interface {
	// UserID returns the fully qualified identity the handle acts as.
	UserID() string
	// GetEvent fetches one event from a room the identity can read.
	GetEvent(ctx context.Context, roomID, eventID string) (*Event, error)
	// SendEvent sends a typed event into a room and returns the event id.
	SendEvent(ctx context.Context, roomID, eventType string, content json.RawMessage) (string, error)
	// SendNotice sends a plain notice message into a room.
	SendNotice(ctx context.Context, roomID, text string) (string, error)
}

// SessionHooks are encryption session-lifecycle callbacks handed to actor
// construction when the bridge encrypts for that identity.
type SessionHooks struct {
	// OnStart begins an encryption sync session for the identity.
	OnStart func(ctx context.Context, userID string) error
	// OnStop tears the session down.
	OnStop func(userID string)
}

// ActorOptions carries construction inputs for one actor handle.
type ActorOptions struct {
	// Registered reports whether any membership has been recorded for the
	// identity, letting handles skip provisioning round trips.
	Registered bool
	// Membership is the shared in-memory membership view backing the handle.
	Membership MembershipView
	// RequestID scopes the handle to one request; empty means unscoped.
	RequestID string
	// Sessions is non-nil when end-to-end encryption is enabled for the
	// identity.
	Sessions *SessionHooks
}

// ActorFactory constructs actor handles. Construction errors propagate
// synchronously to the cache caller and are never retried.
type ActorFactory func(identity string, opts ActorOptions) (ActorHandle, error)

// StillNeededFunc lets the embedder veto idle eviction of an actor handle,
// for example while the identity is actively syncing for encryption.
type StillNeededFunc func(handle ActorHandle) bool

// MembershipView is the read/write contract actor handles get into the
// dispatcher-owned membership cache.
type MembershipView interface {
	SetMembership(roomID, userID string, membership Membership, profile Profile)
	GetMembership(roomID, userID string) Membership
	GetMemberProfile(roomID, userID string) (Profile, bool)
	SetPowerLevelContent(roomID string, content json.RawMessage)
	GetPowerLevelContent(roomID string) (json.RawMessage, bool)
}

// RoomUpgradeHandler reacts to room retirement and successor invites.
type RoomUpgradeHandler interface {
	// OnTombstone handles a room-retirement marker event.
	OnTombstone(ctx context.Context, event *Event) error
	// OnInvite handles an invite for the bridge's own identity into a
	// successor room. The boolean reports whether the invite was part of an
	// upgrade and consumed.
	OnInvite(ctx context.Context, event *Event) (bool, error)
}

// DefaultActorFactory produces transport-less handles. Embedders that only
// need cache and membership semantics can run on it; every network operation
// fails with ErrNoTransport.
func DefaultActorFactory(identity string, _ ActorOptions) (ActorHandle, error) {
	return noopActorHandle{userID: identity}, nil
}

type noopActorHandle struct {
	userID string
}

func (h noopActorHandle) UserID() string {
	return h.userID
}

func (h noopActorHandle) GetEvent(_ context.Context, roomID, eventID string) (*Event, error) {
	return nil, fmt.Errorf("get event %s in %s as %s: %w", eventID, roomID, h.userID, ErrNoTransport)
}

func (h noopActorHandle) SendEvent(_ context.Context, roomID, eventType string, _ json.RawMessage) (string, error) {
	return "", fmt.Errorf("send %s to %s as %s: %w", eventType, roomID, h.userID, ErrNoTransport)
}

func (h noopActorHandle) SendNotice(_ context.Context, roomID, _ string) (string, error) {
	return "", fmt.Errorf("send notice to %s as %s: %w", roomID, h.userID, ErrNoTransport)
}

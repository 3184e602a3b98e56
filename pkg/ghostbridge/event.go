package ghostbridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Protocol event types the runtime core inspects. Everything else is passed
// through to the controller untouched.
const (
	// EventTypeMember is the room membership state event.
	EventTypeMember = "m.room.member"
	// EventTypePowerLevels is the room power-level state event.
	EventTypePowerLevels = "m.room.power_levels"
	// EventTypeTombstone marks a room as retired in favor of a successor.
	EventTypeTombstone = "m.room.tombstone"
	// EventTypeMessage is a room message event.
	EventTypeMessage = "m.room.message"
	// EventTypePing is the self-diagnostic ping event the bridge sends to
	// verify its own inbound route.
	EventTypePing = "org.matrix.bridge.ping"
	// RelationReplace is the relation type carried by message edits.
	RelationReplace = "m.replace"
)

// Membership is a room membership state for one user.
type Membership string

const (
	// MembershipJoin means the user is joined to the room.
	MembershipJoin Membership = "join"
	// MembershipInvite means the user has a pending invite.
	MembershipInvite Membership = "invite"
	// MembershipLeave means the user has left or was kicked.
	MembershipLeave Membership = "leave"
	// MembershipBan means the user is banned.
	MembershipBan Membership = "ban"
	// MembershipNone means no membership has been observed.
	MembershipNone Membership = ""
)

// Profile is the display profile attached to a membership event.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// Event is the raw inbound protocol event envelope.
//
// Content is kept as an opaque blob; the core reads individual fields out of
// it on demand and never re-encodes it.
type Event struct {
	// ID is the protocol-assigned event identifier.
	ID string
	// Type is the protocol event type.
	Type string
	// RoomID is the room the event was sent into.
	RoomID string
	// Sender is the fully qualified user identifier that sent the event.
	Sender string
	// StateKey is set for state events and nil otherwise.
	StateKey *string
	// Content is the raw event content blob.
	Content json.RawMessage
	// Timestamp is the origin server timestamp.
	Timestamp time.Time
	// Ephemeral marks typing/presence/read-receipt style events that carry
	// no room history.
	Ephemeral bool
}

// Validate checks the envelope invariants the dispatch pipeline relies on.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("validate event: %w", ErrInvalidEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("validate event: empty type: %w", ErrInvalidEvent)
	}
	if e.Sender == "" {
		return fmt.Errorf("validate event %s: empty sender: %w", e.Type, ErrInvalidEvent)
	}
	if e.RoomID == "" && !e.Ephemeral {
		return fmt.Errorf("validate event %s: empty room id: %w", e.Type, ErrInvalidEvent)
	}

	return nil
}

// IsState reports whether the event is a state event.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// Membership returns the membership value carried in Content, or
// MembershipNone when absent.
func (e *Event) Membership() Membership {
	if len(e.Content) == 0 {
		return MembershipNone
	}

	return Membership(gjson.GetBytes(e.Content, "membership").String())
}

// MemberProfile returns the display profile carried in Content.
func (e *Event) MemberProfile() Profile {
	if len(e.Content) == 0 {
		return Profile{}
	}

	return Profile{
		DisplayName: gjson.GetBytes(e.Content, "displayname").String(),
		AvatarURL:   gjson.GetBytes(e.Content, "avatar_url").String(),
	}
}

// ReplacesEventID returns the parent event id when this event is a message
// edit (an m.replace relation), or empty otherwise.
func (e *Event) ReplacesEventID() string {
	if len(e.Content) == 0 {
		return ""
	}

	relation := gjson.GetBytes(e.Content, "m\\.relates_to")
	if relation.Get("rel_type").String() != RelationReplace {
		return ""
	}

	return relation.Get("event_id").String()
}

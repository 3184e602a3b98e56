package state

import (
	"encoding/json"
	"sync"

	"ghostbridge/pkg/ghostbridge"
)

// MemberEntry is the cached per-(room, user) membership record.
type MemberEntry struct {
	Membership ghostbridge.Membership
	Profile    ghostbridge.Profile
}

// MembershipCache is the in-memory membership and power-level view backing
// actor handles, avoiding a persistent-store round trip per operation.
//
// Entries are never pruned; a long-lived bridge serving many rooms grows
// this map for its lifetime.
type MembershipCache struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]MemberEntry
	powerLevels map[string]json.RawMessage
	registered  map[string]struct{}
}

// NewMembershipCache creates an empty membership cache.
func NewMembershipCache() *MembershipCache {
	return &MembershipCache{
		rooms:       make(map[string]map[string]MemberEntry),
		powerLevels: make(map[string]json.RawMessage),
		registered:  make(map[string]struct{}),
	}
}

// SetMembership records one membership state with its profile.
func (c *MembershipCache) SetMembership(
	roomID, userID string,
	membership ghostbridge.Membership,
	profile ghostbridge.Profile,
) {
	if roomID == "" || userID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	room, ok := c.rooms[roomID]
	if !ok {
		room = make(map[string]MemberEntry)
		c.rooms[roomID] = room
	}
	room[userID] = MemberEntry{
		Membership: membership,
		Profile:    profile,
	}
	c.registered[userID] = struct{}{}
}

// GetMembership returns the recorded membership state, or MembershipNone.
func (c *MembershipCache) GetMembership(roomID, userID string) ghostbridge.Membership {
	entry, ok := c.GetMemberEntry(roomID, userID)
	if !ok {
		return ghostbridge.MembershipNone
	}

	return entry.Membership
}

// GetMemberEntry returns the full cached record for one (room, user) pair.
func (c *MembershipCache) GetMemberEntry(roomID, userID string) (MemberEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	room, ok := c.rooms[roomID]
	if !ok {
		return MemberEntry{}, false
	}
	entry, ok := room[userID]

	return entry, ok
}

// GetMemberProfile returns the cached display profile for one member.
func (c *MembershipCache) GetMemberProfile(roomID, userID string) (ghostbridge.Profile, bool) {
	entry, ok := c.GetMemberEntry(roomID, userID)
	if !ok {
		return ghostbridge.Profile{}, false
	}

	return entry.Profile, true
}

// GetMembersForRoom returns known members matching any given membership
// filter (all members when no filter is given). The boolean is false when
// the room has never been observed, signaling callers to fall back to a
// network fetch.
func (c *MembershipCache) GetMembersForRoom(
	roomID string,
	filter ...ghostbridge.Membership,
) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	room, ok := c.rooms[roomID]
	if !ok {
		return nil, false
	}

	members := make([]string, 0, len(room))
	for userID, entry := range room {
		if len(filter) > 0 && !membershipMatches(entry.Membership, filter) {
			continue
		}
		members = append(members, userID)
	}

	return members, true
}

// IsUserRegistered reports whether any membership has ever been recorded
// for the user.
func (c *MembershipCache) IsUserRegistered(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.registered[userID]

	return ok
}

// SetPowerLevelContent stores the raw power-level content blob for a room.
func (c *MembershipCache) SetPowerLevelContent(roomID string, content json.RawMessage) {
	if roomID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.powerLevels[roomID] = content
}

// GetPowerLevelContent returns the stored power-level content for a room.
func (c *MembershipCache) GetPowerLevelContent(roomID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	content, ok := c.powerLevels[roomID]

	return content, ok
}

// RoomCount returns the number of rooms ever observed.
func (c *MembershipCache) RoomCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.rooms)
}

func membershipMatches(membership ghostbridge.Membership, filter []ghostbridge.Membership) bool {
	for _, wanted := range filter {
		if membership == wanted {
			return true
		}
	}

	return false
}

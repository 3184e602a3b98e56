package state

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostbridge/pkg/ghostbridge"
)

func TestMembershipCacheSetAndGet(t *testing.T) {
	t.Parallel()

	cache := NewMembershipCache()
	cache.SetMembership("!room:x", "@alice:x", ghostbridge.MembershipJoin, ghostbridge.Profile{
		DisplayName: "Alice",
		AvatarURL:   "mxc://x/alice",
	})

	entry, ok := cache.GetMemberEntry("!room:x", "@alice:x")
	require.True(t, ok)
	assert.Equal(t, ghostbridge.MembershipJoin, entry.Membership)
	assert.Equal(t, "Alice", entry.Profile.DisplayName)

	profile, ok := cache.GetMemberProfile("!room:x", "@alice:x")
	require.True(t, ok)
	assert.Equal(t, "mxc://x/alice", profile.AvatarURL)

	assert.Equal(t, ghostbridge.MembershipNone, cache.GetMembership("!room:x", "@bob:x"))
}

func TestMembershipCacheUnobservedRoomReturnsNil(t *testing.T) {
	t.Parallel()

	cache := NewMembershipCache()

	members, ok := cache.GetMembersForRoom("!never:x")
	assert.False(t, ok, "never-observed room must signal a network fallback")
	assert.Nil(t, members)

	cache.SetMembership("!seen:x", "@alice:x", ghostbridge.MembershipLeave, ghostbridge.Profile{})
	members, ok = cache.GetMembersForRoom("!seen:x", ghostbridge.MembershipJoin)
	assert.True(t, ok, "observed room with no matches is still observed")
	assert.Empty(t, members)
}

func TestMembershipCacheFilters(t *testing.T) {
	t.Parallel()

	cache := NewMembershipCache()
	cache.SetMembership("!room:x", "@alice:x", ghostbridge.MembershipJoin, ghostbridge.Profile{})
	cache.SetMembership("!room:x", "@bob:x", ghostbridge.MembershipInvite, ghostbridge.Profile{})
	cache.SetMembership("!room:x", "@carol:x", ghostbridge.MembershipBan, ghostbridge.Profile{})

	joined, ok := cache.GetMembersForRoom("!room:x", ghostbridge.MembershipJoin)
	require.True(t, ok)
	assert.Equal(t, []string{"@alice:x"}, joined)

	all, ok := cache.GetMembersForRoom("!room:x")
	require.True(t, ok)
	assert.Len(t, all, 3)
}

func TestMembershipCacheRegistration(t *testing.T) {
	t.Parallel()

	cache := NewMembershipCache()
	assert.False(t, cache.IsUserRegistered("@alice:x"))

	cache.SetMembership("!room:x", "@alice:x", ghostbridge.MembershipLeave, ghostbridge.Profile{})
	assert.True(t, cache.IsUserRegistered("@alice:x"),
		"any recorded membership marks the user registered")
}

func TestMembershipCachePowerLevels(t *testing.T) {
	t.Parallel()

	cache := NewMembershipCache()

	_, ok := cache.GetPowerLevelContent("!room:x")
	assert.False(t, ok)

	content := json.RawMessage(`{"users":{"@alice:x":100},"events_default":0}`)
	cache.SetPowerLevelContent("!room:x", content)

	got, ok := cache.GetPowerLevelContent("!room:x")
	require.True(t, ok)
	assert.JSONEq(t, string(content), string(got))
}

// The cache never prunes: growth is linear in observed rooms for the process
// lifetime. This pins the documented scalability gap rather than masking it.
func TestMembershipCacheNeverPrunes(t *testing.T) {
	t.Parallel()

	cache := NewMembershipCache()
	for i := 0; i < 500; i++ {
		cache.SetMembership(fmt.Sprintf("!room-%d:x", i), "@alice:x", ghostbridge.MembershipLeave, ghostbridge.Profile{})
	}

	assert.Equal(t, 500, cache.RoomCount())
}

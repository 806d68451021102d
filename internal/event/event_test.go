package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "public-chat.4", RoomChannel("public", 4))
	assert.Equal(t, "private-chat.4", RoomChannel("private", 4))
	assert.Equal(t, "direct-chat.9", RoomChannel("direct", 9))
	assert.Equal(t, "presence-chat.9", PresenceChannel(9))
	assert.Equal(t, "private-user.2", UserChannel(2))
}

func TestParseChannel(t *testing.T) {
	prefix, id, err := ParseChannel("presence-chat.12")
	require.NoError(t, err)
	assert.Equal(t, PrefixPresenceChat, prefix)
	assert.Equal(t, int64(12), id)

	prefix, id, err = ParseChannel(PublicRooms)
	require.NoError(t, err)
	assert.Equal(t, PublicRooms, prefix)
	assert.Zero(t, id)

	for _, bad := range []string{"", "general-chat", "private-chat.", "private-chat.x", "lobby.3", "direct-chat.-1"} {
		_, _, err := ParseChannel(bad)
		assert.Error(t, err, bad)
	}
}

func TestEncodeDecode(t *testing.T) {
	env, err := Encode("private-chat.1", Event{Name: MessageDeleted, Data: DeletedPayload{MessageID: 5, Action: "deleted"}})
	require.NoError(t, err)
	assert.Equal(t, MessageDeleted, env.Event)
	assert.JSONEq(t, `{"message_id":5,"action":"deleted"}`, string(env.Data))

	var p DeletedPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, int64(5), p.MessageID)

	empty, err := Encode("public-rooms", Event{Name: SubscriptionSucceeded})
	require.NoError(t, err)
	assert.Error(t, empty.Decode(&p))
}

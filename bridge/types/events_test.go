package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	event := Event{
		ID:   "01HZ5KJVM7X6YM8QPE7YV4Q0ZY",
		Type: TypeCreateMessage,
		Room: "01HZ5KJVM7X6YM8QPE7YV4Q0ZZ",
	}
	require.NoError(t, event.SetPayload(CreateMessage{Body: []byte("hi")}))
	require.NoError(t, event.SetExtension(ExtDiscordMessageOrigin, DiscordMessageOrigin{
		GuildID:   "100",
		ChannelID: "300",
		Snowflake: "2000",
	}))
	require.NoError(t, event.SetExtension(ExtAuthorOverride, AuthorOverride{DID: "did:discord:400"}))

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, event.Type, decoded.Type)
	assert.Equal(t, event.Room, decoded.Room)

	var payload CreateMessage
	require.NoError(t, decoded.DecodePayload(&payload))
	assert.Equal(t, "hi", string(payload.Body))

	var origin DiscordMessageOrigin
	present, err := decoded.DecodeExtension(ExtDiscordMessageOrigin, &origin)
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, DiscordMessageOrigin{GuildID: "100", ChannelID: "300", Snowflake: "2000"}, origin)
}

func TestEventUnmarshalPreservesUnknownPayloadFields(t *testing.T) {
	raw := []byte(`{
		"id": "01HZ5KJVM7X6YM8QPE7YV4Q0ZY",
		"$type": "space.roomy.message.createMessage.v0",
		"room": "01HZ5KJVM7X6YM8QPE7YV4Q0ZZ",
		"body": "aGk=",
		"futureField": {"nested": true}
	}`)
	var event Event
	require.NoError(t, json.Unmarshal(raw, &event))

	out, err := json.Marshal(event)
	require.NoError(t, err)
	var roundTripped map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Contains(t, roundTripped, "futureField")
}

func TestEventUnmarshalRejectsMissingType(t *testing.T) {
	var event Event
	err := json.Unmarshal([]byte(`{"id":"01HZ"}`), &event)
	assert.Error(t, err)
}

func TestHasDiscordOrigin(t *testing.T) {
	var event Event
	event.Type = TypeCreateMessage
	assert.False(t, event.HasDiscordOrigin())

	require.NoError(t, event.SetExtension(ExtAuthorOverride, AuthorOverride{DID: "did:plc:abc"}))
	assert.False(t, event.HasDiscordOrigin())

	require.NoError(t, event.SetExtension(ExtDiscordReactionOrigin, DiscordReactionOrigin{GuildID: "100"}))
	assert.True(t, event.HasDiscordOrigin())

	guildID, ok := event.DiscordOriginGuildID()
	require.True(t, ok)
	assert.Equal(t, "100", guildID)
}

func TestDiscordOriginGuildIDPicksStampedGuild(t *testing.T) {
	var event Event
	event.Type = TypeUpdateProfile
	require.NoError(t, event.SetExtension(ExtDiscordUserOrigin, DiscordUserOrigin{
		GuildID:     "100",
		UserID:      "400",
		ProfileHash: "abc",
	}))
	guildID, ok := event.DiscordOriginGuildID()
	require.True(t, ok)
	assert.Equal(t, "100", guildID)
}

func TestDiscordDIDRoundTrip(t *testing.T) {
	did := DiscordDID("400")
	assert.Equal(t, "did:discord:400", did)
	userID, ok := ParseDiscordDID(did)
	require.True(t, ok)
	assert.Equal(t, "400", userID)

	_, ok = ParseDiscordDID("did:plc:abc")
	assert.False(t, ok)
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "2000:400:👍", ReactionKey("2000", "400", "👍"))
	assert.Equal(t, "room:300", RoomIDKey("300"))

	snowflake, ok := IsRoomIDKey("room:300")
	require.True(t, ok)
	assert.Equal(t, "300", snowflake)
	_, ok = IsRoomIDKey("2000")
	assert.False(t, ok)
}

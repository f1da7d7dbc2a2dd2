package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomy-chat/discord-bridge/bridge/storage"
	"github.com/roomy-chat/discord-bridge/bridge/types"
)

func makeEvent(t *testing.T, eventType, room string, payload interface{}) types.Event {
	t.Helper()
	event := types.Event{ID: ulid.Make().String(), Type: eventType, Room: room}
	if payload != nil {
		require.NoError(t, event.SetPayload(payload))
	}
	return event
}

func withExt(t *testing.T, event types.Event, nsid string, ext interface{}) types.Event {
	t.Helper()
	require.NoError(t, event.SetExtension(nsid, ext))
	return event
}

func TestSubscriptionMaterializesOrigins(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	message := withExt(t, makeEvent(t, types.TypeCreateMessage, ulid.Make().String(), types.CreateMessage{Body: []byte("hi")}),
		types.ExtDiscordMessageOrigin, types.DiscordMessageOrigin{
			GuildID: testGuildID, ChannelID: "300", Snowflake: "2000",
		})
	room := withExt(t, makeEvent(t, types.TypeCreateRoom, "", types.CreateRoom{Name: "general"}),
		types.ExtDiscordRoomOrigin, types.DiscordRoomOrigin{GuildID: testGuildID, Snowflake: "300"})
	profile := withExt(t, makeEvent(t, types.TypeUpdateProfile, "", types.UpdateProfile{DID: "did:discord:400", Name: "alice"}),
		types.ExtDiscordUserOrigin, types.DiscordUserOrigin{GuildID: testGuildID, UserID: "400", ProfileHash: "aaaa"})
	sidebar := withExt(t, makeEvent(t, types.TypeUpdateSidebar, "", types.UpdateSidebar{}),
		types.ExtDiscordSidebarOrigin, types.DiscordSidebarOrigin{GuildID: testGuildID, SidebarHash: "bbbb"})

	items := []types.SubscriptionItem{
		{Idx: 1, Event: room},
		{Idx: 2, Event: message},
		{Idx: 3, Event: profile},
		{Idx: 4, Event: sidebar},
	}
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, items, true))

	roomID, err := b.store.GetRoomyID(ctx, types.RoomIDKey("300"))
	require.NoError(t, err)
	assert.Equal(t, room.ID, roomID)

	roomyID, err := b.store.GetRoomyID(ctx, "2000")
	require.NoError(t, err)
	assert.Equal(t, message.ID, roomyID)

	hash, err := b.store.GetProfileHash(ctx, "400")
	require.NoError(t, err)
	assert.Equal(t, "aaaa", hash)

	sidebarHash, err := b.store.GetSidebarHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bbbb", sidebarHash)

	cursor, err := b.db.GetLeafCursor(ctx, testSpaceDid)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cursor)

	// Backfill replay touches Discord not at all.
	assert.Empty(t, b.webhooks.executions)
	assert.Empty(t, b.discord.createdChannels)
}

func TestSubscriptionMaterializesEditInfo(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	edit := withExt(t, makeEvent(t, types.TypeEditMessage, ulid.Make().String(), types.EditMessage{MessageID: ulid.Make().String(), Body: []byte("hi!")}),
		types.ExtDiscordMessageOrigin, types.DiscordMessageOrigin{
			GuildID:         testGuildID,
			ChannelID:       "300",
			Snowflake:       "2000",
			EditedTimestamp: "2026-08-26T12:00:00Z",
			ContentHash:     "cafe",
		})
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, []types.SubscriptionItem{{Idx: 1, Event: edit}}, true))

	info, err := b.store.GetEditInfo(ctx, "2000")
	require.NoError(t, err)
	assert.Equal(t, storage.EditInfo{EditedTimestamp: "2026-08-26T12:00:00Z", ContentHash: "cafe"}, info)
}

func TestSubscriptionDeleteUnregistersMapping(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	roomyID := ulid.Make().String()
	b.mapMessage(t, "2000", roomyID)

	deletion := withExt(t, makeEvent(t, types.TypeDeleteMessage, ulid.Make().String(), types.DeleteMessage{MessageID: roomyID}),
		types.ExtDiscordMessageOrigin, types.DiscordMessageOrigin{GuildID: testGuildID, ChannelID: "300", Snowflake: "2000"})
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, []types.SubscriptionItem{{Idx: 1, Event: deletion}}, true))

	_, err := b.store.GetRoomyID(ctx, "2000")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = b.store.GetDiscordID(ctx, roomyID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubscriptionDeleteBatchReplayStaysDeleted(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	roomyID := ulid.Make().String()
	b.mapMessage(t, "2000", roomyID)

	deletion := withExt(t, makeEvent(t, types.TypeDeleteMessage, ulid.Make().String(), types.DeleteMessage{MessageID: roomyID}),
		types.ExtDiscordMessageOrigin, types.DiscordMessageOrigin{GuildID: testGuildID, ChannelID: "300", Snowflake: "2000"})
	items := []types.SubscriptionItem{{Idx: 1, Event: deletion}}

	// A crash before the cursor write redelivers the whole batch; the
	// delete's origin must not resurrect the snowflake mapping.
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, items, true))
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, items, true))

	_, err := b.store.GetRoomyID(ctx, "2000")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = b.store.GetDiscordID(ctx, roomyID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = b.store.GetDiscordID(ctx, deletion.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubscriptionSuppressesOwnGuildEcho(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	roomID := ulid.Make().String()
	b.mapRoom(t, "300", roomID)

	// Live-path delivery of an event this guild originated: materialized,
	// never projected back to Discord.
	echo := withExt(t, makeEvent(t, types.TypeCreateMessage, roomID, types.CreateMessage{Body: []byte("hi")}),
		types.ExtDiscordMessageOrigin, types.DiscordMessageOrigin{GuildID: testGuildID, ChannelID: "300", Snowflake: "2000"})
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, []types.SubscriptionItem{{Idx: 1, Event: echo}}, false))
	assert.Empty(t, b.webhooks.executions)

	// The same event stamped by a different guild does flow through.
	foreign := withExt(t, makeEvent(t, types.TypeCreateMessage, roomID, types.CreateMessage{Body: []byte("cross-guild")}),
		types.ExtDiscordMessageOrigin, types.DiscordMessageOrigin{GuildID: "999", ChannelID: "888", Snowflake: "7777"})
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, []types.SubscriptionItem{{Idx: 2, Event: foreign}}, false))
	require.Len(t, b.webhooks.executions, 1)
	assert.Equal(t, "cross-guild", b.webhooks.executions[0].Content)
}

func TestSubscriptionProjectsReactionToOwnMessage(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	roomID := ulid.Make().String()
	b.mapRoom(t, "300", roomID)
	roomyMsgID := ulid.Make().String()
	b.mapMessage(t, "2000", roomyMsgID)

	// A Roomy user reacting to a Discord-origin message: no reaction
	// origin, so it projects even though the target came from this guild.
	reaction := makeEvent(t, types.TypeAddReaction, roomID, types.AddBridgedReaction{
		ReactionTo: roomyMsgID, Reaction: "🔥", ReactingUser: "did:plc:someone",
	})
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, []types.SubscriptionItem{{Idx: 1, Event: reaction}}, false))
	require.Len(t, b.discord.reactionAdds, 1)
	assert.Equal(t, "300/2000/🔥", b.discord.reactionAdds[0])

	// The bridge's own mirrored reactions never echo.
	echo := withExt(t, makeEvent(t, types.TypeAddReaction, roomID, types.AddBridgedReaction{
		ReactionTo: roomyMsgID, Reaction: "🔥", ReactingUser: "did:discord:400",
	}), types.ExtDiscordReactionOrigin, types.DiscordReactionOrigin{GuildID: testGuildID, MessageID: "2000", UserID: "400", Emoji: "🔥"})
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, []types.SubscriptionItem{{Idx: 2, Event: echo}}, false))
	assert.Len(t, b.discord.reactionAdds, 1)
}

func TestSubscriptionPoisonedEventAdvances(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	poisoned := makeEvent(t, types.TypeDeleteMessage, "", nil)
	poisoned.Payload = json.RawMessage(`{"messageId": 12345}`)
	healthy := withExt(t, makeEvent(t, types.TypeCreateRoom, "", types.CreateRoom{Name: "general"}),
		types.ExtDiscordRoomOrigin, types.DiscordRoomOrigin{GuildID: testGuildID, Snowflake: "300"})

	items := []types.SubscriptionItem{
		{Idx: 5, Event: poisoned},
		{Idx: 6, Event: healthy},
	}
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, items, true))

	cursor, err := b.db.GetLeafCursor(ctx, testSpaceDid)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), cursor)
	_, err = b.store.GetRoomyID(ctx, types.RoomIDKey("300"))
	assert.NoError(t, err)
}

func TestSubscriptionProjectionFailureFreezesCursor(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	roomID := ulid.Make().String()
	b.mapRoom(t, "300", roomID)

	good := withExt(t, makeEvent(t, types.TypeCreateRoom, "", types.CreateRoom{Name: "general"}),
		types.ExtDiscordRoomOrigin, types.DiscordRoomOrigin{GuildID: testGuildID, Snowflake: "301"})
	failing := makeEvent(t, types.TypeCreateMessage, roomID, types.CreateMessage{Body: []byte("doomed")})
	trailing := withExt(t, makeEvent(t, types.TypeUpdateProfile, "", types.UpdateProfile{DID: "did:discord:400", Name: "alice"}),
		types.ExtDiscordUserOrigin, types.DiscordUserOrigin{GuildID: testGuildID, UserID: "400", ProfileHash: "aaaa"})

	b.webhooks.failWith = errors.New("discord is down")
	items := []types.SubscriptionItem{
		{Idx: 10, Event: good},
		{Idx: 11, Event: failing},
		{Idx: 12, Event: trailing},
	}
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, testSpaceDid, items, false))

	// The batch completed past the failure, but the cursor stopped before
	// it so the resubscribe replays from there.
	hash, err := b.store.GetProfileHash(ctx, "400")
	require.NoError(t, err)
	assert.Equal(t, "aaaa", hash)

	cursor, err := b.db.GetLeafCursor(ctx, testSpaceDid)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cursor)
}

func TestSubscriptionIgnoresUnboundSpace(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	event := withExt(t, makeEvent(t, types.TypeCreateRoom, "", types.CreateRoom{Name: "general"}),
		types.ExtDiscordRoomOrigin, types.DiscordRoomOrigin{GuildID: testGuildID, Snowflake: "300"})
	require.NoError(t, b.guild.HandleSubscriptionBatch(ctx, "did:plc:other", []types.SubscriptionItem{{Idx: 1, Event: event}}, true))

	_, err := b.store.GetRoomyID(ctx, types.RoomIDKey("300"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	cursor, err := b.db.GetLeafCursor(ctx, testSpaceDid)
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

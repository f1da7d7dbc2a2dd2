package sync

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomy-chat/discord-bridge/bridge/marker"
	"github.com/roomy-chat/discord-bridge/bridge/storage"
	"github.com/roomy-chat/discord-bridge/bridge/types"
	"github.com/roomy-chat/discord-bridge/discordapi"
	"github.com/roomy-chat/discord-bridge/internal/hashutil"
)

func strPtr(s string) *string { return &s }

func TestSyncMessageCreate(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	roomID := ulid.Make().String()
	b.mapRoom(t, "300", roomID)

	message := discordapi.Message{
		ID:        "2000",
		ChannelID: "300",
		Author:    discordapi.User{ID: "400", Username: "alice"},
		Content:   "hi",
		Timestamp: time.UnixMilli(1700000000000).UTC(),
	}
	require.NoError(t, b.guild.SyncMessageCreate(ctx, b.guild.Sink(), message))

	created := b.roomy.eventsOfType(types.TypeCreateMessage)
	require.Len(t, created, 1)
	event := created[0]
	assert.Equal(t, roomID, event.Room)

	var payload types.CreateMessage
	require.NoError(t, event.DecodePayload(&payload))
	assert.Equal(t, "hi", string(payload.Body))

	var origin types.DiscordMessageOrigin
	ok, err := event.DecodeExtension(types.ExtDiscordMessageOrigin, &origin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.DiscordMessageOrigin{
		GuildID:   testGuildID,
		ChannelID: "300",
		Snowflake: "2000",
	}, origin)

	var author types.AuthorOverride
	ok, err = event.DecodeExtension(types.ExtAuthorOverride, &author)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "did:discord:400", author.DID)

	var timestamp types.TimestampOverride
	ok, err = event.DecodeExtension(types.ExtTimestampOverride, &timestamp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000), timestamp.Timestamp)

	// Mapping registered both ways.
	roomyID, err := b.store.GetRoomyID(ctx, "2000")
	require.NoError(t, err)
	assert.Equal(t, event.ID, roomyID)

	// A profile update for the author rides along on first contact.
	profiles := b.roomy.eventsOfType(types.TypeUpdateProfile)
	require.Len(t, profiles, 1)

	// Redelivery is a no-op: the mapping gate catches it.
	require.NoError(t, b.guild.SyncMessageCreate(ctx, b.guild.Sink(), message))
	assert.Len(t, b.roomy.eventsOfType(types.TypeCreateMessage), 1)
}

func TestSyncMessageCreateSkips(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	b.mapRoom(t, "300", ulid.Make().String())

	// Bridge-owned webhook posts never re-enter Roomy.
	require.NoError(t, b.guild.SyncMessageCreate(ctx, b.guild.Sink(), discordapi.Message{
		ID: "2001", ChannelID: "300", WebhookID: fakeWebhookID, Content: "echo",
	}))
	// System messages are never mirrored.
	require.NoError(t, b.guild.SyncMessageCreate(ctx, b.guild.Sink(), discordapi.Message{
		ID: "2002", ChannelID: "300", Type: 6, Content: "pinned a message",
	}))
	// Messages in unsynced channels are skipped.
	require.NoError(t, b.guild.SyncMessageCreate(ctx, b.guild.Sink(), discordapi.Message{
		ID: "2003", ChannelID: "999", Content: "lost",
	}))
	assert.Empty(t, b.roomy.sent)
}

func TestSyncMessageCreateReplyAndAttachments(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	b.mapRoom(t, "300", ulid.Make().String())
	repliedRoomy := ulid.Make().String()
	b.mapMessage(t, "1999", repliedRoomy)

	message := discordapi.Message{
		ID:        "2000",
		ChannelID: "300",
		Author:    discordapi.User{ID: "400", Username: "alice"},
		Content:   "see attached",
		Type:      discordapi.MessageTypeReply,
		Attachments: []discordapi.Attachment{
			{Filename: "b.png", ContentType: "image/png", Size: 10, URL: "https://cdn/b.png"},
			{Filename: "a.png", ContentType: "image/png", Size: 20, URL: "https://cdn/a.png"},
		},
		MessageReference: &discordapi.MessageReference{MessageID: "1999"},
	}
	require.NoError(t, b.guild.SyncMessageCreate(ctx, b.guild.Sink(), message))

	created := b.roomy.eventsOfType(types.TypeCreateMessage)
	require.Len(t, created, 1)
	var exts types.Attachments
	ok, err := created[0].DecodeExtension(types.ExtAttachments, &exts)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, exts.Attachments, 3)
	// Wire order is preserved for files; the reply rides last.
	assert.Equal(t, "https://cdn/b.png", exts.Attachments[0].URL)
	assert.Equal(t, "https://cdn/a.png", exts.Attachments[1].URL)
	assert.Equal(t, types.AttachmentReply, exts.Attachments[2].Type)
	assert.Equal(t, repliedRoomy, exts.Attachments[2].Target)
}

func TestSyncMessageUpdateIdempotency(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	b.mapRoom(t, "300", ulid.Make().String())
	roomyID := ulid.Make().String()
	b.mapMessage(t, "2000", roomyID)

	edited := time.UnixMilli(1700000001000).UTC()
	message := discordapi.Message{
		ID:              "2000",
		ChannelID:       "300",
		Content:         "hi!",
		EditedTimestamp: &edited,
	}
	require.NoError(t, b.guild.SyncMessageUpdate(ctx, b.guild.Sink(), message))
	require.Len(t, b.roomy.eventsOfType(types.TypeEditMessage), 1)

	info, err := b.store.GetEditInfo(ctx, "2000")
	require.NoError(t, err)
	assert.Equal(t, hashutil.ContentHash("hi!", nil), info.ContentHash)
	assert.NotEmpty(t, info.EditedTimestamp)

	// Redelivering the identical update produces zero additional events.
	require.NoError(t, b.guild.SyncMessageUpdate(ctx, b.guild.Sink(), message))
	assert.Len(t, b.roomy.eventsOfType(types.TypeEditMessage), 1)

	// A real change goes through.
	edited2 := edited.Add(time.Minute)
	message.Content = "hi!!"
	message.EditedTimestamp = &edited2
	require.NoError(t, b.guild.SyncMessageUpdate(ctx, b.guild.Sink(), message))
	assert.Len(t, b.roomy.eventsOfType(types.TypeEditMessage), 2)
}

func TestSyncMessageUpdateUnmappedIsNoop(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.guild.SyncMessageUpdate(context.Background(), b.guild.Sink(), discordapi.Message{
		ID: "7777", ChannelID: "300", Content: "never seen",
	}))
	assert.Empty(t, b.roomy.sent)
}

func TestSyncMessageDelete(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	roomyID := ulid.Make().String()
	b.mapMessage(t, "2000", roomyID)

	require.NoError(t, b.guild.SyncMessageDelete(ctx, b.guild.Sink(), discordapi.MessageDelete{
		ID: "2000", ChannelID: "300", GuildID: testGuildID,
	}))
	deleted := b.roomy.eventsOfType(types.TypeDeleteMessage)
	require.Len(t, deleted, 1)
	var payload types.DeleteMessage
	require.NoError(t, deleted[0].DecodePayload(&payload))
	assert.Equal(t, roomyID, payload.MessageID)
}

func TestReactionAddRemoveLifecycle(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	roomyID := ulid.Make().String()
	b.mapMessage(t, "2000", roomyID)

	reaction := discordapi.MessageReaction{
		UserID:    "400",
		ChannelID: "300",
		MessageID: "2000",
		Emoji:     discordapi.Emoji{Name: "👍"},
	}
	require.NoError(t, b.guild.SyncReactionAdd(ctx, b.guild.Sink(), reaction))
	adds := b.roomy.eventsOfType(types.TypeAddReaction)
	require.Len(t, adds, 1)
	var addPayload types.AddBridgedReaction
	require.NoError(t, adds[0].DecodePayload(&addPayload))
	assert.Equal(t, types.AddBridgedReaction{
		ReactionTo:   roomyID,
		Reaction:     "👍",
		ReactingUser: "did:discord:400",
	}, addPayload)

	key := types.ReactionKey("2000", "400", "👍")
	eventID, err := b.store.GetReactionEvent(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, adds[0].ID, eventID)

	// Duplicate add is suppressed by the key.
	require.NoError(t, b.guild.SyncReactionAdd(ctx, b.guild.Sink(), reaction))
	assert.Len(t, b.roomy.eventsOfType(types.TypeAddReaction), 1)

	require.NoError(t, b.guild.SyncReactionRemove(ctx, b.guild.Sink(), reaction))
	removes := b.roomy.eventsOfType(types.TypeRemoveReaction)
	require.Len(t, removes, 1)
	var removePayload types.RemoveBridgedReaction
	require.NoError(t, removes[0].DecodePayload(&removePayload))
	assert.Equal(t, adds[0].ID, removePayload.ReactionID)

	_, err = b.store.GetReactionEvent(ctx, key)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Remove without an observed add is a no-op.
	require.NoError(t, b.guild.SyncReactionRemove(ctx, b.guild.Sink(), reaction))
	assert.Len(t, b.roomy.eventsOfType(types.TypeRemoveReaction), 1)
}

func TestSyncProfileSkipsUnchanged(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	user := discordapi.User{ID: "400", Username: "alice", GlobalName: "Alice", Avatar: "abcd"}

	require.NoError(t, b.guild.SyncProfile(ctx, b.guild.Sink(), user))
	require.Len(t, b.roomy.eventsOfType(types.TypeUpdateProfile), 1)

	var payload types.UpdateProfile
	require.NoError(t, b.roomy.sent[0].DecodePayload(&payload))
	assert.Equal(t, "did:discord:400", payload.DID)
	assert.Equal(t, "Alice", payload.Name)

	require.NoError(t, b.guild.SyncProfile(ctx, b.guild.Sink(), user))
	assert.Len(t, b.roomy.eventsOfType(types.TypeUpdateProfile), 1)

	user.Avatar = "efgh"
	require.NoError(t, b.guild.SyncProfile(ctx, b.guild.Sink(), user))
	assert.Len(t, b.roomy.eventsOfType(types.TypeUpdateProfile), 2)
}

func TestSyncChannelAdoptsMarkedTopic(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	roomID := "01HZ5KJVM7X6YM8QPE7YV4Q0ZY"
	topic, err := marker.Add("General", roomID)
	require.NoError(t, err)

	channel := discordapi.Channel{ID: "300", Type: discordapi.ChannelTypeGuildText, Name: "general", Topic: strPtr(topic)}
	require.NoError(t, b.guild.SyncChannel(ctx, b.guild.Sink(), channel))

	// Adopted, not recreated: no event sent, mapping resolves.
	assert.Empty(t, b.roomy.sent)
	got, err := b.store.GetRoomyID(ctx, types.RoomIDKey("300"))
	require.NoError(t, err)
	assert.Equal(t, roomID, got)
}

func TestSyncChannelCreatesAndStamps(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	channel := discordapi.Channel{ID: "300", Type: discordapi.ChannelTypeGuildText, Name: "general", Topic: strPtr("General")}

	require.NoError(t, b.guild.SyncChannel(ctx, b.guild.Sink(), channel))
	created := b.roomy.eventsOfType(types.TypeCreateRoom)
	require.Len(t, created, 1)

	var origin types.DiscordRoomOrigin
	ok, err := created[0].DecodeExtension(types.ExtDiscordRoomOrigin, &origin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "300", origin.Snowflake)
	assert.False(t, origin.IsThread)

	// The topic now carries the marker for the new room.
	stamped, ok := marker.Extract(b.discord.topics["300"])
	require.True(t, ok)
	assert.Equal(t, created[0].ID, stamped)

	// A second pass adopts via the mapping and changes nothing.
	require.NoError(t, b.guild.SyncChannel(ctx, b.guild.Sink(), channel))
	assert.Len(t, b.roomy.eventsOfType(types.TypeCreateRoom), 1)
}

func TestSyncThreadPinsStarterAndLinks(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	parentRoom := ulid.Make().String()
	b.mapRoom(t, "300", parentRoom)

	thread := discordapi.Channel{ID: "310", Type: discordapi.ChannelTypePublicThread, Name: "topic-thread", ParentID: "300"}
	require.NoError(t, b.guild.SyncChannel(ctx, b.guild.Sink(), thread))

	rooms := b.roomy.eventsOfType(types.TypeCreateRoom)
	require.Len(t, rooms, 1)
	links := b.roomy.eventsOfType(types.TypeCreateRoomLink)
	require.Len(t, links, 1)
	var link types.CreateRoomLink
	require.NoError(t, links[0].DecodePayload(&link))
	assert.Equal(t, parentRoom, link.Parent)
	assert.Equal(t, rooms[0].ID, link.Child)

	// The starter message carrying the room URL is pinned.
	pinned := b.discord.pinned["310"]
	require.Len(t, pinned, 1)
	spaceDid, roomID, ok := marker.ExtractURL(pinned[0].Content)
	require.True(t, ok)
	assert.Equal(t, testSpaceDid, spaceDid)
	assert.Equal(t, rooms[0].ID, roomID)

	// A restart adopts the thread through the pinned starter.
	b2 := newTestBridge(t)
	b2.discord.pinned["310"] = pinned
	require.NoError(t, b2.guild.SyncChannel(ctx, b2.guild.Sink(), thread))
	assert.Empty(t, b2.roomy.eventsOfType(types.TypeCreateRoom))
	got, err := b2.store.GetRoomyID(ctx, types.RoomIDKey("310"))
	require.NoError(t, err)
	assert.Equal(t, rooms[0].ID, got)
}

func TestSyncSidebarHashGate(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()
	roomA := ulid.Make().String()
	roomB := ulid.Make().String()
	b.mapRoom(t, "300", roomA)
	b.mapRoom(t, "301", roomB)

	channels := []discordapi.Channel{
		{ID: "200", Type: discordapi.ChannelTypeGuildCategory, Name: "Text"},
		{ID: "300", Type: discordapi.ChannelTypeGuildText, Name: "general", ParentID: "200"},
		{ID: "301", Type: discordapi.ChannelTypeGuildText, Name: "random", ParentID: "200"},
	}
	require.NoError(t, b.guild.SyncSidebar(ctx, b.guild.Sink(), channels))
	require.Len(t, b.roomy.eventsOfType(types.TypeUpdateSidebar), 1)

	var payload types.UpdateSidebar
	require.NoError(t, b.roomy.sent[0].DecodePayload(&payload))
	require.Len(t, payload.Categories, 1)
	assert.Equal(t, "Text", payload.Categories[0].Name)
	assert.ElementsMatch(t, []string{roomA, roomB}, payload.Categories[0].Children)

	// Reordering the same structure does not re-emit.
	reordered := []discordapi.Channel{channels[0], channels[2], channels[1]}
	require.NoError(t, b.guild.SyncSidebar(ctx, b.guild.Sink(), reordered))
	assert.Len(t, b.roomy.eventsOfType(types.TypeUpdateSidebar), 1)
}

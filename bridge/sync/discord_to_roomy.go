package sync

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/roomy-chat/discord-bridge/bridge/marker"
	"github.com/roomy-chat/discord-bridge/bridge/storage"
	"github.com/roomy-chat/discord-bridge/bridge/types"
	"github.com/roomy-chat/discord-bridge/discordapi"
	"github.com/roomy-chat/discord-bridge/internal/hashutil"
)

// SyncChannel ensures a Roomy room exists for a Discord channel or
// thread. A channel whose topic carries a valid sync marker (or, for
// threads, a pinned starter with the canonical room URL) is adopted;
// anything else gets a fresh room, a mapping and a marker stamp. The
// operation is idempotent: re-running it against an already synced
// channel changes nothing.
func (g *GuildContext) SyncChannel(ctx context.Context, sink EventSink, channel discordapi.Channel) error {
	if _, err := g.store.GetRoomyID(ctx, types.RoomIDKey(channel.ID)); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if roomID, ok := g.adoptableRoomID(ctx, channel); ok {
		return g.registerIdempotent(ctx, types.RoomIDKey(channel.ID), roomID)
	}

	roomID := newEventID()
	event := types.Event{ID: roomID, Type: types.TypeCreateRoom}
	if err := event.SetPayload(types.CreateRoom{Name: channel.Name}); err != nil {
		return err
	}
	origin := types.DiscordRoomOrigin{
		GuildID:   g.binding.GuildID,
		Snowflake: channel.ID,
		IsThread:  channel.IsThread(),
	}
	if err := event.SetExtension(types.ExtDiscordRoomOrigin, origin); err != nil {
		return err
	}
	commit := func(ctx context.Context) error {
		if err := g.registerIdempotent(ctx, types.RoomIDKey(channel.ID), roomID); err != nil {
			return err
		}
		if err := g.stampChannel(ctx, channel, roomID); err != nil {
			// The room and mapping exist; a failed stamp only costs the
			// marker-based fast path on the next run.
			log.WithError(err).WithFields(log.Fields{
				"channel_id": channel.ID,
				"room_id":    roomID,
			}).Warn("Failed to stamp sync marker")
		}
		return nil
	}
	if err := sink.Add(ctx, event, commit); err != nil {
		return err
	}
	if channel.IsThread() {
		if err := g.syncRoomLink(ctx, sink, channel, roomID); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"guild_id":   g.binding.GuildID,
		"channel_id": channel.ID,
		"room_id":    roomID,
		"thread":     channel.IsThread(),
	}).Info("Created Roomy room for Discord channel")
	return nil
}

// adoptableRoomID looks for an existing sync marker to adopt instead of
// creating a second room for the same channel.
func (g *GuildContext) adoptableRoomID(ctx context.Context, channel discordapi.Channel) (string, bool) {
	if !channel.IsThread() {
		return marker.Extract(channel.TopicString())
	}
	// Threads have no topic; a pinned starter message with the canonical
	// room URL plays the marker's role.
	pinned, err := g.discord.GetPinnedMessages(ctx, channel.ID)
	if err != nil {
		log.WithError(err).WithField("channel_id", channel.ID).Debug("Failed to list pinned messages")
		return "", false
	}
	for _, message := range pinned {
		if spaceDid, roomID, ok := marker.ExtractURL(message.Content); ok && spaceDid == g.binding.SpaceDid {
			return roomID, true
		}
	}
	return "", false
}

// stampChannel writes the marker so restarts adopt rather than
// recreate. Channels get a topic marker; threads get a pinned starter
// message carrying the room URL.
func (g *GuildContext) stampChannel(ctx context.Context, channel discordapi.Channel, roomID string) error {
	if !channel.IsThread() {
		topic, err := marker.Add(channel.TopicString(), roomID)
		if err != nil {
			return err
		}
		return g.discord.ModifyChannelTopic(ctx, channel.ID, topic)
	}
	starter, err := g.discord.CreateMessage(ctx, channel.ID, discordapi.CreateMessageParams{
		Content: marker.StarterURL(g.binding.SpaceDid, roomID),
	})
	if err != nil {
		return err
	}
	return g.discord.PinMessage(ctx, channel.ID, starter.ID)
}

// syncRoomLink records the thread's parent relationship as a room link
// event, once.
func (g *GuildContext) syncRoomLink(ctx context.Context, sink EventSink, thread discordapi.Channel, roomID string) error {
	if thread.ParentID == "" {
		return nil
	}
	parentRoomID, err := g.store.GetRoomyID(ctx, types.RoomIDKey(thread.ParentID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	linkKey := types.RoomLinkKey(parentRoomID, roomID)
	if _, err := g.store.GetRoomLink(ctx, linkKey); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	event := types.Event{ID: newEventID(), Type: types.TypeCreateRoomLink}
	if err := event.SetPayload(types.CreateRoomLink{Parent: parentRoomID, Child: roomID}); err != nil {
		return err
	}
	origin := types.DiscordRoomLinkOrigin{
		GuildID:         g.binding.GuildID,
		ParentChannelID: thread.ParentID,
		ThreadID:        thread.ID,
	}
	if err := event.SetExtension(types.ExtDiscordRoomLinkOrigin, origin); err != nil {
		return err
	}
	return sink.Add(ctx, event, func(ctx context.Context) error {
		return g.store.SetRoomLink(ctx, linkKey, event.ID)
	})
}

// SyncMessageCreate mirrors a Discord message into Roomy. Bridge-owned
// webhook posts, system messages and already mapped messages are
// skipped.
func (g *GuildContext) SyncMessageCreate(ctx context.Context, sink EventSink, message discordapi.Message) error {
	if g.webhooks.Owns(ctx, message.ChannelID, message.WebhookID) {
		return nil
	}
	if message.Type != discordapi.MessageTypeDefault && message.Type != discordapi.MessageTypeReply {
		return nil
	}
	if _, err := g.store.GetRoomyID(ctx, message.ID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	roomID, err := g.store.GetRoomyID(ctx, types.RoomIDKey(message.ChannelID))
	if errors.Is(err, storage.ErrNotFound) {
		log.WithFields(log.Fields{
			"channel_id": message.ChannelID,
			"message_id": message.ID,
		}).Debug("Message in unsynced channel, skipping")
		return nil
	} else if err != nil {
		return err
	}

	if err := g.SyncProfile(ctx, sink, message.Author); err != nil {
		return err
	}

	eventID := newEventID()
	event := types.Event{ID: eventID, Type: types.TypeCreateMessage, Room: roomID}
	if err := event.SetPayload(types.CreateMessage{Body: []byte(message.Content)}); err != nil {
		return err
	}
	origin := types.DiscordMessageOrigin{
		GuildID:   g.binding.GuildID,
		ChannelID: message.ChannelID,
		Snowflake: message.ID,
	}
	if err := event.SetExtension(types.ExtDiscordMessageOrigin, origin); err != nil {
		return err
	}
	if err := event.SetExtension(types.ExtAuthorOverride, types.AuthorOverride{DID: types.DiscordDID(message.Author.ID)}); err != nil {
		return err
	}
	if err := event.SetExtension(types.ExtTimestampOverride, types.TimestampOverride{Timestamp: message.Timestamp.UnixMilli()}); err != nil {
		return err
	}
	if attachments, err := g.liftAttachments(ctx, &message); err != nil {
		return err
	} else if len(attachments) > 0 {
		if err := event.SetExtension(types.ExtAttachments, types.Attachments{Attachments: attachments}); err != nil {
			return err
		}
	}

	return sink.Add(ctx, event, func(ctx context.Context) error {
		return g.registerIdempotent(ctx, message.ID, eventID)
	})
}

// liftAttachments converts Discord attachments and the reply reference
// into the attachments extension. A reply to a message that is not
// synced yet is dropped rather than dangled.
func (g *GuildContext) liftAttachments(ctx context.Context, message *discordapi.Message) ([]types.Attachment, error) {
	var attachments []types.Attachment
	for _, attachment := range message.Attachments {
		attachments = append(attachments, types.Attachment{
			Type:        types.AttachmentFile,
			URL:         attachment.URL,
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			Size:        attachment.Size,
		})
	}
	if ref := message.MessageReference; ref != nil && ref.MessageID != "" {
		target, err := g.store.GetRoomyID(ctx, ref.MessageID)
		if err == nil {
			attachments = append(attachments, types.Attachment{
				Type:   types.AttachmentReply,
				Target: target,
			})
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return attachments, nil
}

// SyncMessageUpdate mirrors an edit. Replays of an edit the bridge has
// already reflected, identified by the (editedTimestamp, contentHash)
// pair, are suppressed.
func (g *GuildContext) SyncMessageUpdate(ctx context.Context, sink EventSink, message discordapi.Message) error {
	roomyID, err := g.store.GetRoomyID(ctx, message.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	contentHash := hashutil.ContentHash(message.Content, message.AttachmentURLs())
	editedTimestamp := ""
	if message.EditedTimestamp != nil {
		editedTimestamp = message.EditedTimestamp.UTC().Format(time.RFC3339Nano)
	}
	if info, err := g.store.GetEditInfo(ctx, message.ID); err == nil {
		if info.EditedTimestamp == editedTimestamp && info.ContentHash == contentHash {
			return nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	event := types.Event{ID: newEventID(), Type: types.TypeEditMessage}
	if err := event.SetPayload(types.EditMessage{MessageID: roomyID, Body: []byte(message.Content)}); err != nil {
		return err
	}
	origin := types.DiscordMessageOrigin{
		GuildID:         g.binding.GuildID,
		ChannelID:       message.ChannelID,
		Snowflake:       message.ID,
		EditedTimestamp: editedTimestamp,
		ContentHash:     contentHash,
	}
	if err := event.SetExtension(types.ExtDiscordMessageOrigin, origin); err != nil {
		return err
	}
	return sink.Add(ctx, event, func(ctx context.Context) error {
		info := storage.EditInfo{EditedTimestamp: editedTimestamp, ContentHash: contentHash}
		return g.store.SetEditInfo(ctx, message.ID, info)
	})
}

// SyncMessageDelete mirrors a deletion. The mapping is unregistered
// when the delete event comes back through the subscription handler.
func (g *GuildContext) SyncMessageDelete(ctx context.Context, sink EventSink, deletion discordapi.MessageDelete) error {
	roomyID, err := g.store.GetRoomyID(ctx, deletion.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	event := types.Event{ID: newEventID(), Type: types.TypeDeleteMessage}
	if err := event.SetPayload(types.DeleteMessage{MessageID: roomyID}); err != nil {
		return err
	}
	origin := types.DiscordMessageOrigin{
		GuildID:   g.binding.GuildID,
		ChannelID: deletion.ChannelID,
		Snowflake: deletion.ID,
	}
	if err := event.SetExtension(types.ExtDiscordMessageOrigin, origin); err != nil {
		return err
	}
	return sink.Add(ctx, event, nil)
}

// SyncReactionAdd mirrors a reaction. The reaction key records the one
// outstanding Roomy reaction event for the (message, user, emoji)
// triple; a key that already exists means this add was seen before.
func (g *GuildContext) SyncReactionAdd(ctx context.Context, sink EventSink, reaction discordapi.MessageReaction) error {
	key := types.ReactionKey(reaction.MessageID, reaction.UserID, reaction.Emoji.Key())
	if _, err := g.store.GetReactionEvent(ctx, key); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	roomyMessageID, err := g.store.GetRoomyID(ctx, reaction.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	eventID := newEventID()
	event := types.Event{ID: eventID, Type: types.TypeAddReaction}
	payload := types.AddBridgedReaction{
		ReactionTo:   roomyMessageID,
		Reaction:     reaction.Emoji.String(),
		ReactingUser: types.DiscordDID(reaction.UserID),
	}
	if err := event.SetPayload(payload); err != nil {
		return err
	}
	origin := types.DiscordReactionOrigin{
		GuildID:   g.binding.GuildID,
		MessageID: reaction.MessageID,
		UserID:    reaction.UserID,
		Emoji:     reaction.Emoji.Key(),
	}
	if err := event.SetExtension(types.ExtDiscordReactionOrigin, origin); err != nil {
		return err
	}
	return sink.Add(ctx, event, func(ctx context.Context) error {
		return g.store.SetReactionEvent(ctx, key, eventID)
	})
}

// SyncReactionRemove retracts the mirrored reaction. A remove whose add
// was never observed is a no-op.
func (g *GuildContext) SyncReactionRemove(ctx context.Context, sink EventSink, reaction discordapi.MessageReaction) error {
	key := types.ReactionKey(reaction.MessageID, reaction.UserID, reaction.Emoji.Key())
	addEventID, err := g.store.GetReactionEvent(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	event := types.Event{ID: newEventID(), Type: types.TypeRemoveReaction}
	if err := event.SetPayload(types.RemoveBridgedReaction{ReactionID: addEventID}); err != nil {
		return err
	}
	origin := types.DiscordReactionOrigin{
		GuildID:   g.binding.GuildID,
		MessageID: reaction.MessageID,
		UserID:    reaction.UserID,
		Emoji:     reaction.Emoji.Key(),
	}
	if err := event.SetExtension(types.ExtDiscordReactionOrigin, origin); err != nil {
		return err
	}
	return sink.Add(ctx, event, func(ctx context.Context) error {
		return g.store.DeleteReaction(ctx, key)
	})
}

// SyncProfile emits a profile update for the user when the profile
// fingerprint changed since the last one the bridge mirrored. The gate
// is serialized so concurrent backfill tasks seeing the same author
// emit one update, not one each.
func (g *GuildContext) SyncProfile(ctx context.Context, sink EventSink, user discordapi.User) error {
	hash := hashutil.ProfileHash(user.Username, user.GlobalName, user.Avatar)
	g.profileMu.Lock()
	defer g.profileMu.Unlock()
	if seen, ok := g.profileSeen[user.ID]; ok && seen == hash {
		return nil
	}
	if stored, err := g.store.GetProfileHash(ctx, user.ID); err == nil {
		if stored == hash {
			return nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	event := types.Event{ID: newEventID(), Type: types.TypeUpdateProfile}
	payload := types.UpdateProfile{
		DID:    types.DiscordDID(user.ID),
		Name:   user.DisplayName(),
		Avatar: user.AvatarURL(),
	}
	if err := event.SetPayload(payload); err != nil {
		return err
	}
	origin := types.DiscordUserOrigin{
		GuildID:     g.binding.GuildID,
		UserID:      user.ID,
		ProfileHash: hash,
		Handle:      user.Handle(),
	}
	if err := event.SetExtension(types.ExtDiscordUserOrigin, origin); err != nil {
		return err
	}
	if err := sink.Add(ctx, event, func(ctx context.Context) error {
		return g.store.SetProfileHash(ctx, user.ID, hash)
	}); err != nil {
		return err
	}
	g.profileSeen[user.ID] = hash
	return nil
}

// SyncSidebar mirrors the guild's category structure. The normalized
// fingerprint is invariant under reordering, so only real structural
// changes produce an event.
func (g *GuildContext) SyncSidebar(ctx context.Context, sink EventSink, channels []discordapi.Channel) error {
	categories, err := g.buildSidebar(ctx, channels)
	if err != nil {
		return err
	}
	hash := hashutil.SidebarHash(toHashCategories(categories))
	if stored, err := g.store.GetSidebarHash(ctx); err == nil {
		if stored == hash {
			return nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	event := types.Event{ID: newEventID(), Type: types.TypeUpdateSidebar}
	if err := event.SetPayload(types.UpdateSidebar{Categories: categories}); err != nil {
		return err
	}
	origin := types.DiscordSidebarOrigin{GuildID: g.binding.GuildID, SidebarHash: hash}
	if err := event.SetExtension(types.ExtDiscordSidebarOrigin, origin); err != nil {
		return err
	}
	return sink.Add(ctx, event, func(ctx context.Context) error {
		return g.store.SetSidebarHash(ctx, hash)
	})
}

// uncategorizedName groups channels with no parent category.
const uncategorizedName = ""

// buildSidebar maps the guild's categories to lists of synced room ids,
// preserving Discord's position order within each category.
func (g *GuildContext) buildSidebar(ctx context.Context, channels []discordapi.Channel) ([]types.SidebarCategory, error) {
	categoryNames := map[string]string{}
	for _, channel := range channels {
		if channel.Type == discordapi.ChannelTypeGuildCategory {
			categoryNames[channel.ID] = channel.Name
		}
	}

	grouped := map[string][]string{}
	for _, channel := range channels {
		if channel.Type != discordapi.ChannelTypeGuildText {
			continue
		}
		roomID, err := g.store.GetRoomyID(ctx, types.RoomIDKey(channel.ID))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		name := uncategorizedName
		if parent, ok := categoryNames[channel.ParentID]; ok {
			name = parent
		}
		grouped[name] = append(grouped[name], roomID)
	}

	categories := make([]types.SidebarCategory, 0, len(grouped))
	for name, children := range grouped {
		categories = append(categories, types.SidebarCategory{Name: name, Children: children})
	}
	return categories, nil
}

func toHashCategories(categories []types.SidebarCategory) []hashutil.SidebarCategory {
	out := make([]hashutil.SidebarCategory, len(categories))
	for i, category := range categories {
		out[i] = hashutil.SidebarCategory{Name: category.Name, Children: category.Children}
	}
	return out
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	"github.com/roomy-chat/discord-bridge/bridge/marker"
	"github.com/roomy-chat/discord-bridge/bridge/storage"
	"github.com/roomy-chat/discord-bridge/bridge/types"
	"github.com/roomy-chat/discord-bridge/discordapi"
	"github.com/roomy-chat/discord-bridge/internal/caching"
	"github.com/roomy-chat/discord-bridge/internal/hashutil"
)

// nonceLength is how much of the event ULID becomes the Discord
// idempotency nonce. Discord caps nonces at 25 characters, one short of
// a full ULID.
const nonceLength = 25

// fallbackUsername is used when no profile can be resolved for the
// author DID.
const fallbackUsername = "Roomy user"

// messageNonce derives the Discord nonce from a Roomy event id.
func messageNonce(eventID string) string {
	if len(eventID) <= nonceLength {
		return eventID
	}
	return eventID[:nonceLength]
}

// ProjectEvent projects one non-Discord-origin Roomy event onto
// Discord. Callers have already decided the event should flow (origin
// checks live in shouldProject).
func (g *GuildContext) ProjectEvent(ctx context.Context, event *types.Event) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "sync.roomy_to_discord")
	defer span.Finish()
	span.SetTag("event_type", event.Type)
	span.SetTag("guild_id", g.binding.GuildID)

	switch event.Type {
	case types.TypeCreateMessage:
		return g.projectCreateMessage(ctx, event)
	case types.TypeEditMessage:
		return g.projectEditMessage(ctx, event)
	case types.TypeDeleteMessage:
		return g.projectDeleteMessage(ctx, event)
	case types.TypeAddReaction:
		return g.projectAddReaction(ctx, event)
	case types.TypeRemoveReaction:
		return g.projectRemoveReaction(ctx, event)
	case types.TypeCreateRoom:
		return g.projectCreateRoom(ctx, event)
	case types.TypeDeleteRoom:
		// Roomy-originated room deletion is not propagated to Discord;
		// the channel stays and only the mapping is dropped by the
		// materializer.
		return nil
	case types.TypeCreateRoomLink:
		return g.projectCreateRoomLink(ctx, event)
	case types.TypeUpdateProfile:
		return g.projectUpdateProfile(ctx, event)
	case types.TypeUpdateSidebar:
		return g.projectUpdateSidebar(ctx, event)
	default:
		log.WithFields(log.Fields{
			"event_type": event.Type,
			"event_id":   event.ID,
		}).Debug("No Discord projection for event type")
		return nil
	}
}

// channelForRoom resolves the Discord channel a Roomy room maps to.
func (g *GuildContext) channelForRoom(ctx context.Context, roomID string) (string, bool, error) {
	discordID, err := g.store.GetDiscordID(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	channelID, ok := types.IsRoomIDKey(discordID)
	if !ok {
		return "", false, fmt.Errorf("room %s maps to non-channel id %s", roomID, discordID)
	}
	return channelID, true, nil
}

// projectCreateMessage sends a Roomy message through the channel's
// webhook, impersonating the author. Three idempotency gates protect
// against replays and crash windows: the nonce alias, the channel's
// content hash index, and Discord's own nonce dedup on the execute.
func (g *GuildContext) projectCreateMessage(ctx context.Context, event *types.Event) error {
	channelID, ok, err := g.channelForRoom(ctx, event.Room)
	if err != nil {
		return err
	}
	if !ok {
		log.WithFields(log.Fields{
			"room":     event.Room,
			"event_id": event.ID,
		}).Debug("Message in unmapped room, skipping")
		return nil
	}

	nonce := messageNonce(event.ID)
	if _, err := g.store.GetDiscordID(ctx, nonce); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	var payload types.CreateMessage
	if err := event.DecodePayload(&payload); err != nil {
		g.poisoned(event, err)
		return nil
	}
	content := string(payload.Body)
	contentHash := hashutil.ContentHash(content, attachmentURLsFromEvent(event))

	// A crash after the webhook send but before the mapping write leaves
	// the message on Discord with no record. The hash index recovers it.
	if snowflake, err := g.store.GetMessageByHash(ctx, channelID, nonce, contentHash); err == nil {
		if err := g.registerIdempotent(ctx, snowflake, event.ID); err != nil {
			return err
		}
		return g.store.RegisterNonce(ctx, nonce, snowflake)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	username, avatarURL := g.resolveAuthor(ctx, event)
	message, err := g.webhooks.Execute(ctx, channelID, discordapi.WebhookExecuteParams{
		Content:   content,
		Username:  username,
		AvatarURL: avatarURL,
		Nonce:     nonce,
	})
	if err != nil {
		return fmt.Errorf("execute webhook for event %s: %w", event.ID, err)
	}
	if err := g.registerIdempotent(ctx, message.ID, event.ID); err != nil {
		return err
	}
	if err := g.store.RegisterNonce(ctx, nonce, message.ID); err != nil {
		return err
	}
	// Index the send so a replay that lost the nonce alias still finds
	// the message by content.
	return g.store.SetMessageHash(ctx, channelID, nonce, contentHash, message.ID)
}

func attachmentURLsFromEvent(event *types.Event) []string {
	var exts types.Attachments
	if ok, err := event.DecodeExtension(types.ExtAttachments, &exts); err != nil || !ok {
		return nil
	}
	var urls []string
	for _, attachment := range exts.Attachments {
		if attachment.Type == types.AttachmentFile && attachment.URL != "" {
			urls = append(urls, attachment.URL)
		}
	}
	return urls
}

// resolveAuthor renders the author identity for webhook impersonation.
// Discord DIDs come from the profile cache populated by updateProfile
// events; anything else goes through the AT-proto resolver.
func (g *GuildContext) resolveAuthor(ctx context.Context, event *types.Event) (username, avatarURL string) {
	var override types.AuthorOverride
	ok, err := event.DecodeExtension(types.ExtAuthorOverride, &override)
	if err != nil || !ok || override.DID == "" {
		return fallbackUsername, ""
	}

	if profile, found := g.profiles.GetProfile(override.DID); found {
		return profile.Name, profile.AvatarURL
	}
	if _, isDiscord := types.ParseDiscordDID(override.DID); isDiscord {
		// A Discord DID with no cached profile means the updateProfile
		// event has not arrived yet; the DID itself is better than
		// nothing.
		return override.DID, ""
	}
	if g.resolver != nil {
		if profile, found := g.resolver.ResolveProfile(ctx, override.DID); found {
			rendered := caching.Profile{Name: profile.Name(), AvatarURL: profile.Avatar}
			g.profiles.StoreProfile(override.DID, rendered)
			return rendered.Name, rendered.AvatarURL
		}
	}
	return fallbackUsername, ""
}

func (g *GuildContext) projectEditMessage(ctx context.Context, event *types.Event) error {
	var payload types.EditMessage
	if err := event.DecodePayload(&payload); err != nil {
		g.poisoned(event, err)
		return nil
	}
	snowflake, err := g.store.GetDiscordID(ctx, payload.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	channelID, ok, err := g.channelForRoom(ctx, event.Room)
	if err != nil || !ok {
		return err
	}
	if _, err := g.discord.EditMessage(ctx, channelID, snowflake, string(payload.Body)); err != nil {
		if discordapi.IsNotFound(err) {
			log.WithField("message_id", snowflake).Debug("Edit target gone from Discord")
			return nil
		}
		return err
	}
	return nil
}

func (g *GuildContext) projectDeleteMessage(ctx context.Context, event *types.Event) error {
	var payload types.DeleteMessage
	if err := event.DecodePayload(&payload); err != nil {
		g.poisoned(event, err)
		return nil
	}
	snowflake, err := g.store.GetDiscordID(ctx, payload.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	channelID, ok, err := g.channelForRoom(ctx, event.Room)
	if err != nil || !ok {
		return err
	}
	if err := g.discord.DeleteMessage(ctx, channelID, snowflake); err != nil && !discordapi.IsNotFound(err) {
		return err
	}
	return nil
}

// reactionEventKey indexes a Roomy-origin reaction add by its event id
// so the matching remove can find what to retract.
func reactionEventKey(addEventID string) string {
	return "event:" + addEventID
}

func (g *GuildContext) projectAddReaction(ctx context.Context, event *types.Event) error {
	var payload types.AddBridgedReaction
	if err := event.DecodePayload(&payload); err != nil {
		g.poisoned(event, err)
		return nil
	}
	snowflake, err := g.store.GetDiscordID(ctx, payload.ReactionTo)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	channelID, ok, err := g.channelForRoom(ctx, event.Room)
	if err != nil || !ok {
		return err
	}

	key := reactionEventKey(event.ID)
	if _, err := g.store.GetReactionEvent(ctx, key); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	emoji := discordapi.ParseEmoji(payload.Reaction)
	if err := g.discord.AddReaction(ctx, channelID, snowflake, emoji.APIName()); err != nil {
		if discordapi.IsNotFound(err) {
			return nil
		}
		return err
	}
	record := strings.Join([]string{channelID, snowflake, emoji.APIName()}, "/")
	return g.store.SetReactionEvent(ctx, key, record)
}

// projectRemoveReaction retracts the bridge's own reaction. If the add
// was never observed, there is nothing to retract.
func (g *GuildContext) projectRemoveReaction(ctx context.Context, event *types.Event) error {
	var payload types.RemoveBridgedReaction
	if err := event.DecodePayload(&payload); err != nil {
		g.poisoned(event, err)
		return nil
	}
	key := reactionEventKey(payload.ReactionID)
	record, err := g.store.GetReactionEvent(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	parts := strings.SplitN(record, "/", 3)
	if len(parts) != 3 {
		log.WithField("record", record).Warn("Malformed reaction record, dropping")
		return g.store.DeleteReaction(ctx, key)
	}
	if err := g.discord.RemoveOwnReaction(ctx, parts[0], parts[1], parts[2]); err != nil && !discordapi.IsNotFound(err) {
		return err
	}
	return g.store.DeleteReaction(ctx, key)
}

// projectCreateRoom creates a Discord channel for a Roomy-origin room,
// stamped with the sync marker so restarts adopt it.
func (g *GuildContext) projectCreateRoom(ctx context.Context, event *types.Event) error {
	if _, err := g.store.GetDiscordID(ctx, event.ID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	var payload types.CreateRoom
	if err := event.DecodePayload(&payload); err != nil {
		g.poisoned(event, err)
		return nil
	}

	topic, err := marker.Add("", event.ID)
	if err != nil {
		g.poisoned(event, err)
		return nil
	}
	channel, err := g.discord.CreateGuildChannel(ctx, g.binding.GuildID, discordapi.CreateChannelParams{
		Name:  channelNameFor(payload.Name),
		Type:  discordapi.ChannelTypeGuildText,
		Topic: topic,
	})
	if err != nil {
		return fmt.Errorf("create channel for room %s: %w", event.ID, err)
	}
	log.WithFields(log.Fields{
		"room_id":    event.ID,
		"channel_id": channel.ID,
	}).Info("Created Discord channel for Roomy room")
	return g.registerIdempotent(ctx, types.RoomIDKey(channel.ID), event.ID)
}

// projectCreateRoomLink records a Roomy-origin link so it is not
// re-emitted; the Discord side has no artifact to create for it beyond
// the thread relationship, which only Discord itself can originate.
func (g *GuildContext) projectCreateRoomLink(ctx context.Context, event *types.Event) error {
	var payload types.CreateRoomLink
	if err := event.DecodePayload(&payload); err != nil {
		g.poisoned(event, err)
		return nil
	}
	return g.store.SetRoomLink(ctx, types.RoomLinkKey(payload.Parent, payload.Child), event.ID)
}

// projectUpdateProfile refreshes the rendered identity used by webhook
// impersonation for this DID.
func (g *GuildContext) projectUpdateProfile(ctx context.Context, event *types.Event) error {
	var payload types.UpdateProfile
	if err := event.DecodePayload(&payload); err != nil {
		g.poisoned(event, err)
		return nil
	}
	if payload.DID == "" {
		return nil
	}
	g.profiles.StoreProfile(payload.DID, caching.Profile{Name: payload.Name, AvatarURL: payload.Avatar})
	return nil
}

// projectUpdateSidebar stores the Roomy-side structure's fingerprint so
// the Discord→Roomy sidebar scan treats it as the current state and
// only re-emits on a real structural difference.
func (g *GuildContext) projectUpdateSidebar(ctx context.Context, event *types.Event) error {
	var payload types.UpdateSidebar
	if err := event.DecodePayload(&payload); err != nil {
		g.poisoned(event, err)
		return nil
	}
	return g.store.SetSidebarHash(ctx, hashutil.SidebarHash(toHashCategories(payload.Categories)))
}

// channelNameFor normalizes a room name into a Discord channel name.
func channelNameFor(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "-")
	if name == "" {
		name = "roomy-room"
	}
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}

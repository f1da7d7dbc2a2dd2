package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/roomy-chat/discord-bridge/bridge/storage"
	"github.com/roomy-chat/discord-bridge/bridge/types"
)

var (
	eventsMaterialized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomybridge",
			Subsystem: "sync",
			Name:      "events_materialized_total",
			Help:      "Roomy subscription events materialized by type.",
		},
		[]string{"type"},
	)
	eventsPoisoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "roomybridge",
			Subsystem: "sync",
			Name:      "events_poisoned_total",
			Help:      "Subscription events skipped because they could not be decoded.",
		},
	)
	translatorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "roomybridge",
			Subsystem: "sync",
			Name:      "translator_failures_total",
			Help:      "Per-event translator failures that froze the cursor.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsMaterialized, eventsPoisoned, translatorFailures)
}

// HandleSubscriptionBatch is the single entry point for inbound Roomy
// events. Events are processed in idx order; the cursor is written only
// after every side effect in the batch is durable, so a crash mid-batch
// replays the batch and the mapping and hash checks make the replay a
// no-op.
func (g *GuildContext) HandleSubscriptionBatch(ctx context.Context, spaceDid string, items []types.SubscriptionItem, isBackfill bool) error {
	if spaceDid != g.binding.SpaceDid {
		log.WithFields(log.Fields{
			"space":    spaceDid,
			"expected": g.binding.SpaceDid,
		}).Warn("Subscription batch for unbound space, skipping")
		return nil
	}

	var committed uint64
	cursorFrozen := false
	for _, item := range items {
		err := g.applyEvent(ctx, item, isBackfill)
		if err == nil {
			if !cursorFrozen && item.Idx > committed {
				committed = item.Idx
			}
			continue
		}
		var projErr *projectionError
		if errors.As(err, &projErr) {
			// Translator failures do not abort the batch, but the cursor
			// stops before the first failed event so the resubscribe
			// replays it. Idempotency makes the replay of the rest a
			// no-op.
			translatorFailures.Inc()
			cursorFrozen = true
			log.WithError(err).WithFields(log.Fields{
				"event_id": item.Event.ID,
				"idx":      item.Idx,
				"space":    spaceDid,
			}).Error("Roomy to Discord projection failed")
			sentry.CaptureException(err)
			continue
		}
		// Repository failure: side effects for this event did not
		// commit, nothing later can be trusted.
		if committed > 0 {
			if cursorErr := g.db.SetLeafCursor(ctx, spaceDid, committed); cursorErr != nil {
				log.WithError(cursorErr).WithField("space", spaceDid).Error("Failed to write partial cursor")
			}
		}
		return fmt.Errorf("apply event %s at idx %d: %w", item.Event.ID, item.Idx, err)
	}
	if committed == 0 {
		return nil
	}
	return g.db.SetLeafCursor(ctx, spaceDid, committed)
}

// projectionError wraps a failure on the Roomy→Discord path so the
// batch loop can tell it apart from a repository write failure.
type projectionError struct{ err error }

func (e *projectionError) Error() string { return e.err.Error() }
func (e *projectionError) Unwrap() error { return e.err }

// applyEvent materializes one event's origin extensions into derived KV
// state and, on the live path, dispatches the Roomy→Discord projection.
// Decode failures are poisoned events: logged, reported and advanced
// past. Only repository write failures are fatal to the batch.
func (g *GuildContext) applyEvent(ctx context.Context, item types.SubscriptionItem, isBackfill bool) error {
	event := &item.Event
	eventsMaterialized.WithLabelValues(event.Type).Inc()

	if err := g.materializeOrigins(ctx, event); err != nil {
		return err
	}
	if err := g.materializeDeletes(ctx, event); err != nil {
		return err
	}

	if isBackfill || !g.shouldProject(event) {
		return nil
	}
	if err := g.ProjectEvent(ctx, event); err != nil {
		return &projectionError{err: err}
	}
	return nil
}

// materializeOrigins registers the derived state each Discord-origin
// extension implies. Duplicate registrations are the normal replay case
// and are swallowed.
func (g *GuildContext) materializeOrigins(ctx context.Context, event *types.Event) error {
	var msgOrigin types.DiscordMessageOrigin
	if ok, err := event.DecodeExtension(types.ExtDiscordMessageOrigin, &msgOrigin); err != nil {
		g.poisoned(event, err)
	} else if ok && msgOrigin.GuildID == g.binding.GuildID {
		// A delete event's origin names the deleted message, not a new
		// artifact; mapping it would resurrect the snowflake on replay.
		if event.Type != types.TypeDeleteMessage {
			if err := g.registerIdempotent(ctx, msgOrigin.Snowflake, event.ID); err != nil {
				return err
			}
		}
		if event.Type == types.TypeEditMessage && msgOrigin.EditedTimestamp != "" && msgOrigin.ContentHash != "" {
			info := storage.EditInfo{EditedTimestamp: msgOrigin.EditedTimestamp, ContentHash: msgOrigin.ContentHash}
			if err := g.store.SetEditInfo(ctx, msgOrigin.Snowflake, info); err != nil {
				return err
			}
		}
	}

	var roomOrigin types.DiscordRoomOrigin
	if ok, err := event.DecodeExtension(types.ExtDiscordRoomOrigin, &roomOrigin); err != nil {
		g.poisoned(event, err)
	} else if ok && roomOrigin.GuildID == g.binding.GuildID && event.Type != types.TypeDeleteRoom {
		if err := g.registerIdempotent(ctx, types.RoomIDKey(roomOrigin.Snowflake), event.ID); err != nil {
			return err
		}
	}

	var userOrigin types.DiscordUserOrigin
	if ok, err := event.DecodeExtension(types.ExtDiscordUserOrigin, &userOrigin); err != nil {
		g.poisoned(event, err)
	} else if ok && userOrigin.GuildID == g.binding.GuildID {
		if err := g.store.SetProfileHash(ctx, userOrigin.UserID, userOrigin.ProfileHash); err != nil {
			return err
		}
	}

	var sidebarOrigin types.DiscordSidebarOrigin
	if ok, err := event.DecodeExtension(types.ExtDiscordSidebarOrigin, &sidebarOrigin); err != nil {
		g.poisoned(event, err)
	} else if ok && sidebarOrigin.GuildID == g.binding.GuildID {
		if err := g.store.SetSidebarHash(ctx, sidebarOrigin.SidebarHash); err != nil {
			return err
		}
	}

	var linkOrigin types.DiscordRoomLinkOrigin
	if ok, err := event.DecodeExtension(types.ExtDiscordRoomLinkOrigin, &linkOrigin); err != nil {
		g.poisoned(event, err)
	} else if ok && linkOrigin.GuildID == g.binding.GuildID && event.Type == types.TypeCreateRoomLink {
		var link types.CreateRoomLink
		if err := event.DecodePayload(&link); err != nil {
			g.poisoned(event, err)
			return nil
		}
		if err := g.store.SetRoomLink(ctx, types.RoomLinkKey(link.Parent, link.Child), event.ID); err != nil {
			return err
		}
	}

	// discordReactionOrigin is a loop-prevention marker only; nothing is
	// materialized from it.
	return nil
}

// materializeDeletes unregisters both directions of the mapping when a
// delete event for a mapped artifact arrives.
func (g *GuildContext) materializeDeletes(ctx context.Context, event *types.Event) error {
	switch event.Type {
	case types.TypeDeleteMessage:
		var payload types.DeleteMessage
		if err := event.DecodePayload(&payload); err != nil {
			g.poisoned(event, err)
			return nil
		}
		if err := g.store.UnregisterMappingByRoomy(ctx, payload.MessageID); err != nil {
			return err
		}
		// On replay the roomy-side entry is already gone; the origin
		// snowflake still clears the mapping.
		var origin types.DiscordMessageOrigin
		if ok, err := event.DecodeExtension(types.ExtDiscordMessageOrigin, &origin); err == nil && ok && origin.GuildID == g.binding.GuildID {
			return g.store.UnregisterMappingByDiscord(ctx, origin.Snowflake)
		}
		return nil
	case types.TypeDeleteRoom:
		var payload types.DeleteRoom
		if err := event.DecodePayload(&payload); err != nil {
			g.poisoned(event, err)
			return nil
		}
		if err := g.store.UnregisterMappingByRoomy(ctx, payload.RoomID); err != nil {
			return err
		}
		var origin types.DiscordRoomOrigin
		if ok, err := event.DecodeExtension(types.ExtDiscordRoomOrigin, &origin); err == nil && ok && origin.GuildID == g.binding.GuildID {
			return g.store.UnregisterMappingByDiscord(ctx, types.RoomIDKey(origin.Snowflake))
		}
		return nil
	}
	return nil
}

// shouldProject decides whether the event flows on to Discord.
// Discord-origin events attributable to this guild never echo back.
// Reaction events are special: they propagate even when the reacted-to
// message is Discord-origin, as long as the reaction itself is not.
func (g *GuildContext) shouldProject(event *types.Event) bool {
	switch event.Type {
	case types.TypeAddReaction, types.TypeRemoveReaction:
		_, hasOrigin := event.Extension(types.ExtDiscordReactionOrigin)
		return !hasOrigin
	default:
		guildID, hasOrigin := event.DiscordOriginGuildID()
		return !hasOrigin || guildID != g.binding.GuildID
	}
}

func (g *GuildContext) registerIdempotent(ctx context.Context, discordID, roomyID string) error {
	err := g.store.RegisterMapping(ctx, discordID, roomyID)
	if errors.Is(err, storage.ErrMappingExists) {
		log.WithFields(log.Fields{
			"discord_id": discordID,
			"roomy_id":   roomyID,
		}).Debug("Mapping already registered")
		return nil
	}
	return err
}

// poisoned records an event that cannot be decoded. Policy is to log,
// report and advance past it rather than halt the subscription.
func (g *GuildContext) poisoned(event *types.Event, err error) {
	eventsPoisoned.Inc()
	log.WithError(err).WithFields(log.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"guild_id":   g.binding.GuildID,
	}).Error("Poisoned event, advancing past it")
	sentry.CaptureException(err)
}

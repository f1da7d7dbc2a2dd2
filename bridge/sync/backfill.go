package sync

import (
	"context"
	"errors"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/roomy-chat/discord-bridge/bridge/storage"
	"github.com/roomy-chat/discord-bridge/bridge/types"
	"github.com/roomy-chat/discord-bridge/discordapi"
	"github.com/roomy-chat/discord-bridge/internal/hashutil"
	"github.com/roomy-chat/discord-bridge/roomyapi"
)

const (
	// messagePageSize is Discord's maximum page size for history.
	messagePageSize = 100
	// hashIndexDepth is how many recent messages per channel feed the
	// content hash index used for duplicate detection.
	hashIndexDepth = 100
	// roomyFetchLimit is the page size for the Roomy-origin replay.
	roomyFetchLimit = 200
)

var backfillChannels = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "roomybridge",
		Subsystem: "backfill",
		Name:      "channels_total",
		Help:      "Channel backfills by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(backfillChannels)
}

// RunBackfill reconciles both histories for the guild and then flips
// the live flag. The stages run in order: adopt channels, sync the
// sidebar, import Discord messages, index content hashes, replay
// Roomy-origin events. A failed channel is skipped; the cursors and
// latest-seen markers make the next run pick up the gap.
func (g *GuildContext) RunBackfill(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "backfill.guild")
	defer span.Finish()
	span.SetTag("guild_id", g.binding.GuildID)
	span.SetTag("space", g.binding.SpaceDid)

	logger := log.WithFields(log.Fields{
		"guild_id": g.binding.GuildID,
		"space":    g.binding.SpaceDid,
	})
	logger.Info("Starting guild backfill")

	g.profileMu.Lock()
	g.profileSeen = map[string]string{}
	g.profileMu.Unlock()

	channels, err := g.collectChannels(ctx)
	if err != nil {
		return err
	}

	batcher := roomyapi.NewBatcher(g.batchThreshold, func(ctx context.Context, events []types.Event) error {
		return g.roomy.SendEvents(ctx, g.binding.SpaceDid, events)
	})
	// Channels flush before threads and threads before the sidebar:
	// thread links and the sidebar read committed parent mappings.
	for _, channel := range channels {
		if channel.Type != discordapi.ChannelTypeGuildText {
			continue
		}
		if err := g.SyncChannel(ctx, batcher, channel); err != nil {
			return err
		}
	}
	if err := batcher.Flush(ctx); err != nil {
		return err
	}
	for _, channel := range channels {
		if !channel.IsThread() {
			continue
		}
		if err := g.SyncChannel(ctx, batcher, channel); err != nil {
			return err
		}
	}
	if err := batcher.Flush(ctx); err != nil {
		return err
	}
	if err := g.SyncSidebar(ctx, batcher, channels); err != nil {
		return err
	}
	if err := batcher.Flush(ctx); err != nil {
		return err
	}

	if err := g.backfillMessages(ctx, channels); err != nil {
		return err
	}
	if err := g.indexMessageHashes(ctx, channels); err != nil {
		return err
	}
	if err := g.replayRoomyHistory(ctx); err != nil {
		return err
	}

	g.setLive(true)
	logger.Info("Guild backfill complete, accepting real-time events")
	return nil
}

// collectChannels enumerates text channels, categories, active threads
// and all pages of archived threads.
func (g *GuildContext) collectChannels(ctx context.Context) ([]discordapi.Channel, error) {
	channels, err := g.discord.GetGuildChannels(ctx, g.binding.GuildID)
	if err != nil {
		return nil, err
	}
	active, err := g.discord.GetActiveThreads(ctx, g.binding.GuildID)
	if err != nil {
		return nil, err
	}
	channels = append(channels, active...)

	for _, channel := range channels {
		if channel.Type != discordapi.ChannelTypeGuildText {
			continue
		}
		before := ""
		for {
			archived, hasMore, err := g.discord.GetArchivedThreads(ctx, channel.ID, before)
			if err != nil {
				// Archived threads are best effort; missing them only
				// delays their adoption until they unarchive.
				log.WithError(err).WithField("channel_id", channel.ID).Warn("Failed to list archived threads")
				break
			}
			channels = append(channels, archived...)
			if !hasMore || len(archived) == 0 {
				break
			}
			before = archived[len(archived)-1].ID
		}
	}
	return channels, nil
}

func syncableChannel(channel discordapi.Channel) bool {
	return channel.Type == discordapi.ChannelTypeGuildText || channel.IsThread()
}

// backfillMessages imports each channel's history concurrently, bounded
// by the backfill semaphore. Failure in one channel is isolated.
func (g *GuildContext) backfillMessages(ctx context.Context, channels []discordapi.Channel) error {
	sem := semaphore.NewWeighted(int64(g.backfillConcurrency))
	var wg sync.WaitGroup
	for _, channel := range channels {
		if !syncableChannel(channel) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(channel discordapi.Channel) {
			defer wg.Done()
			defer sem.Release(1)
			if err := g.backfillChannel(ctx, channel); err != nil {
				backfillChannels.WithLabelValues("failed").Inc()
				log.WithError(err).WithFields(log.Fields{
					"guild_id":   g.binding.GuildID,
					"channel_id": channel.ID,
				}).Error("Channel backfill failed, skipping channel")
				return
			}
			backfillChannels.WithLabelValues("ok").Inc()
		}(channel)
	}
	wg.Wait()
	return ctx.Err()
}

// backfillChannel walks the channel's history oldest-first in pages,
// emitting message creates through a batcher and persisting the
// latest-seen marker after each page commits.
func (g *GuildContext) backfillChannel(ctx context.Context, channel discordapi.Channel) error {
	after, err := g.store.GetLatestSeenMessage(ctx, channel.ID)
	if errors.Is(err, storage.ErrNotFound) {
		after = "0"
	} else if err != nil {
		return err
	}

	batcher := roomyapi.NewBatcher(g.batchThreshold, func(ctx context.Context, events []types.Event) error {
		return g.roomy.SendEvents(ctx, g.binding.SpaceDid, events)
	})
	for {
		page, err := g.discord.GetChannelMessages(ctx, channel.ID, after, messagePageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		// Discord returns newest-first; emit oldest-first so Roomy's
		// timeline matches.
		for i := len(page) - 1; i >= 0; i-- {
			if err := g.SyncMessageCreate(ctx, batcher, page[i]); err != nil {
				return err
			}
		}
		if err := batcher.Flush(ctx); err != nil {
			return err
		}
		newest := page[0].ID
		if err := g.store.SetLatestSeenMessage(ctx, channel.ID, newest); err != nil {
			return err
		}
		after = newest
		if len(page) < messagePageSize {
			return nil
		}
	}
}

// indexMessageHashes rebuilds the per-channel content hash index from
// recent history. Entries carry an empty nonce: Discord does not return
// the original nonce for historical messages, so lookups fall back to
// the hash-only probe.
func (g *GuildContext) indexMessageHashes(ctx context.Context, channels []discordapi.Channel) error {
	for _, channel := range channels {
		if !syncableChannel(channel) {
			continue
		}
		recent, err := g.discord.GetChannelMessages(ctx, channel.ID, "", hashIndexDepth)
		if err != nil {
			log.WithError(err).WithField("channel_id", channel.ID).Warn("Failed to scan recent history for hash index")
			continue
		}
		if err := g.store.PurgeMessageHashes(ctx, channel.ID); err != nil {
			return err
		}
		for _, message := range recent {
			hash := hashutil.ContentHash(message.Content, message.AttachmentURLs())
			if err := g.store.SetMessageHash(ctx, channel.ID, "", hash, message.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// replayRoomyHistory projects every Roomy-origin event in the space
// through the Roomy→Discord translator. Discord-origin events are
// filtered out; the materializer has already consumed them via the
// subscription replay.
func (g *GuildContext) replayRoomyHistory(ctx context.Context) error {
	var start uint64 = 1
	for {
		items, err := g.roomy.FetchEvents(ctx, g.binding.SpaceDid, start, roomyFetchLimit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			if item.Idx >= start {
				start = item.Idx + 1
			}
			event := item.Event
			if event.HasDiscordOrigin() {
				continue
			}
			if err := g.ProjectEvent(ctx, &event); err != nil {
				return err
			}
		}
		if len(items) < roomyFetchLimit {
			return nil
		}
	}
}

// Package sync is the bridge core: the subscription materializer, the
// Discord→Roomy and Roomy→Discord translators, and the per-guild
// backfill orchestrator. One GuildContext serializes all work for its
// binding; idempotency and origin stamping make cross-guild and
// cross-restart races safe.
package sync

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/roomy-chat/discord-bridge/bridge/storage"
	"github.com/roomy-chat/discord-bridge/bridge/types"
	"github.com/roomy-chat/discord-bridge/discordapi"
	"github.com/roomy-chat/discord-bridge/internal/atproto"
	"github.com/roomy-chat/discord-bridge/internal/caching"
)

// RoomyClient is the Leaf API slice the sync core uses.
type RoomyClient interface {
	FetchEvents(ctx context.Context, spaceDid string, start uint64, limit int) ([]types.SubscriptionItem, error)
	SendEvent(ctx context.Context, spaceDid string, event types.Event) error
	SendEvents(ctx context.Context, spaceDid string, events []types.Event) error
}

// DiscordAPI is the REST slice the sync core uses; narrowed so tests
// can fake Discord.
type DiscordAPI interface {
	GetGuildChannels(ctx context.Context, guildID string) ([]discordapi.Channel, error)
	GetActiveThreads(ctx context.Context, guildID string) ([]discordapi.Channel, error)
	GetArchivedThreads(ctx context.Context, channelID, before string) ([]discordapi.Channel, bool, error)
	CreateGuildChannel(ctx context.Context, guildID string, params discordapi.CreateChannelParams) (discordapi.Channel, error)
	ModifyChannelTopic(ctx context.Context, channelID, topic string) error
	GetChannelMessages(ctx context.Context, channelID, after string, limit int) ([]discordapi.Message, error)
	CreateMessage(ctx context.Context, channelID string, params discordapi.CreateMessageParams) (discordapi.Message, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) (discordapi.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	PinMessage(ctx context.Context, channelID, messageID string) error
	GetPinnedMessages(ctx context.Context, channelID string) ([]discordapi.Message, error)
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveOwnReaction(ctx context.Context, channelID, messageID, emoji string) error
}

// WebhookExecutor is the webhook pool slice the sync core uses.
type WebhookExecutor interface {
	Execute(ctx context.Context, channelID string, params discordapi.WebhookExecuteParams) (discordapi.Message, error)
	Owns(ctx context.Context, channelID, webhookID string) bool
}

// ProfileResolver resolves non-Discord author profiles by DID.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, did string) (atproto.Profile, bool)
}

// An EventSink receives translated events bound for the Roomy space.
// Backfill passes a Batcher; the live path sends directly. The commit
// callback runs only once the event has been delivered, so state that
// marks the event as synced is written after the send, never before.
type EventSink interface {
	Add(ctx context.Context, event types.Event, commit func(ctx context.Context) error) error
}

// GuildContext binds everything one guild's sync calls need: the
// per-binding repository view, the connected space, the webhook pool
// and the profile caches. All per-binding work is serialized through
// the guild's consumer, so the context itself needs no locking beyond
// the live flag.
type GuildContext struct {
	binding  storage.Binding
	db       storage.Database
	store    storage.BindingStore
	roomy    RoomyClient
	discord  DiscordAPI
	webhooks WebhookExecutor
	profiles caching.ProfileCache
	resolver ProfileResolver

	backfillConcurrency int
	batchThreshold      int

	// profileMu serializes the profile fingerprint gate across the
	// concurrent backfill channel tasks; profileSeen records hashes
	// already emitted in this run, committed or not.
	profileMu   sync.Mutex
	profileSeen map[string]string

	live atomic.Bool
}

// GuildContextOptions carries the dependencies for NewGuildContext.
type GuildContextOptions struct {
	DB       storage.Database
	Roomy    RoomyClient
	Discord  DiscordAPI
	Webhooks WebhookExecutor
	Profiles caching.ProfileCache
	Resolver ProfileResolver

	BackfillConcurrency int
	BatchThreshold      int
}

func NewGuildContext(binding storage.Binding, opts GuildContextOptions) *GuildContext {
	if opts.BackfillConcurrency <= 0 {
		opts.BackfillConcurrency = 5
	}
	return &GuildContext{
		binding:             binding,
		db:                  opts.DB,
		store:               opts.DB.ForBinding(binding),
		roomy:               opts.Roomy,
		discord:             opts.Discord,
		webhooks:            opts.Webhooks,
		profiles:            opts.Profiles,
		resolver:            opts.Resolver,
		backfillConcurrency: opts.BackfillConcurrency,
		batchThreshold:      opts.BatchThreshold,
		profileSeen:         map[string]string{},
	}
}

func (g *GuildContext) Binding() storage.Binding { return g.binding }

// Live reports whether backfill has completed and real-time events are
// admitted.
func (g *GuildContext) Live() bool { return g.live.Load() }

func (g *GuildContext) setLive(live bool) { g.live.Store(live) }

// newEventID mints a ULID for an event the bridge is about to emit.
func newEventID() string {
	return ulid.Make().String()
}

// directSink sends each event to the space immediately; used on the
// live path where batching would only add latency.
type directSink struct {
	roomy    RoomyClient
	spaceDid string
}

func (s directSink) Add(ctx context.Context, event types.Event, commit func(ctx context.Context) error) error {
	if err := s.roomy.SendEvent(ctx, s.spaceDid, event); err != nil {
		return err
	}
	if commit != nil {
		return commit(ctx)
	}
	return nil
}

// Sink returns the live-path event sink for this guild's space.
func (g *GuildContext) Sink() EventSink {
	return directSink{roomy: g.roomy, spaceDid: g.binding.SpaceDid}
}

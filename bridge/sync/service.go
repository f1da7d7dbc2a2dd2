package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/getsentry/sentry-go"
	natsclient "github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/roomy-chat/discord-bridge/bridge/registry"
	"github.com/roomy-chat/discord-bridge/bridge/storage"
	"github.com/roomy-chat/discord-bridge/discordapi"
	"github.com/roomy-chat/discord-bridge/internal/atproto"
	"github.com/roomy-chat/discord-bridge/internal/caching"
	"github.com/roomy-chat/discord-bridge/roomyapi"
	"github.com/roomy-chat/discord-bridge/setup/config"
	"github.com/roomy-chat/discord-bridge/setup/jetstream"
	"github.com/roomy-chat/discord-bridge/setup/process"
)

// Service owns the process-wide bridge state: the Discord connection,
// the Leaf client, and one running task per bound guild. Gateway
// dispatches are published to a per-guild JetStream subject and
// consumed serially, so all of a guild's sync work is ordered without
// explicit locks.
type Service struct {
	cfg      *config.BridgeConfig
	process  *process.ProcessContext
	db       storage.Database
	rest     *discordapi.Client
	gateway  *discordapi.Gateway
	roomy    *roomyapi.Client
	js       natsclient.JetStreamContext
	registry *registry.Registry
	caches   *caching.Caches
	resolver *atproto.Resolver

	mu            sync.Mutex
	applicationID string
	guilds        map[string]*guildRunner
}

type guildRunner struct {
	guild  *GuildContext
	cancel context.CancelFunc
}

// ServiceOptions carries the dependencies for NewService.
type ServiceOptions struct {
	Config   *config.BridgeConfig
	Process  *process.ProcessContext
	DB       storage.Database
	Rest     *discordapi.Client
	Gateway  *discordapi.Gateway
	Roomy    *roomyapi.Client
	JS       natsclient.JetStreamContext
	Registry *registry.Registry
	Caches   *caching.Caches
	Resolver *atproto.Resolver
}

func NewService(opts ServiceOptions) *Service {
	s := &Service{
		cfg:      opts.Config,
		process:  opts.Process,
		db:       opts.DB,
		rest:     opts.Rest,
		gateway:  opts.Gateway,
		roomy:    opts.Roomy,
		js:       opts.JS,
		registry: opts.Registry,
		caches:   opts.Caches,
		resolver: opts.Resolver,
		guilds:   make(map[string]*guildRunner),
	}
	s.gateway.OnEvent = s.onGatewayEvent
	s.gateway.OnReady = s.onReady
	s.registry.SetListener(s)
	return s
}

// Start launches the Leaf and gateway connections. Guild tasks start
// once the gateway reports ready.
func (s *Service) Start() {
	ctx := s.process.Context()

	s.process.ComponentStarted()
	go func() {
		defer s.process.ComponentFinished()
		if err := s.roomy.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("Leaf client stopped")
		}
	}()

	s.process.ComponentStarted()
	go func() {
		defer s.process.ComponentFinished()
		if err := s.gateway.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("Gateway stopped")
		}
	}()
}

func (s *Service) onReady(ready discordapi.Ready) {
	ctx := s.process.Context()
	s.mu.Lock()
	firstReady := s.applicationID == ""
	s.applicationID = ready.Application.ID
	s.mu.Unlock()

	if err := s.rest.BulkOverwriteGlobalCommands(ctx, ready.Application.ID, discordapi.Commands()); err != nil {
		log.WithError(err).Error("Failed to register slash commands")
	}
	if !firstReady {
		// Resumed session; guild tasks are already running.
		return
	}

	bindings, err := s.registry.List(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list bindings at ready")
		sentry.CaptureException(err)
		return
	}
	for _, binding := range bindings {
		s.startGuild(binding)
	}
}

// onGatewayEvent routes a dispatch. Interactions are served directly;
// everything else is published to the guild's ordering subject.
func (s *Service) onGatewayEvent(event discordapi.GatewayEvent) {
	if event.Type == discordapi.DispatchInteractionCreate {
		s.process.ComponentStarted()
		go func() {
			defer s.process.ComponentFinished()
			s.handleInteraction(s.process.Context(), event)
		}()
		return
	}

	s.mu.Lock()
	_, bound := s.guilds[event.GuildID]
	s.mu.Unlock()
	if !bound {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("Failed to encode gateway event")
		return
	}
	msg := &natsclient.Msg{
		Subject: jetstream.InputDiscordEventSubject(event.GuildID),
		Header: natsclient.Header{
			jetstream.GuildID:   []string{event.GuildID},
			jetstream.EventType: []string{event.Type},
		},
		Data: data,
	}
	if _, err := s.js.PublishMsg(msg); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"guild_id":   event.GuildID,
			"event_type": event.Type,
		}).Error("Failed to publish gateway event")
		sentry.CaptureException(err)
	}
}

// BindingRegistered implements registry.Listener.
func (s *Service) BindingRegistered(binding storage.Binding) {
	s.startGuild(binding)
}

// BindingUnregistered implements registry.Listener.
func (s *Service) BindingUnregistered(binding storage.Binding) {
	s.mu.Lock()
	runner, ok := s.guilds[binding.GuildID]
	if ok {
		delete(s.guilds, binding.GuildID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.roomy.Unsubscribe(binding.SpaceDid)
	runner.cancel()
	log.WithField("guild_id", binding.GuildID).Info("Stopped guild task")
}

// startGuild brings a binding online: durable consumer first so gateway
// dispatches are retained, then backfill, then the subscription and the
// dispatch worker.
func (s *Service) startGuild(binding storage.Binding) {
	s.mu.Lock()
	if _, running := s.guilds[binding.GuildID]; running {
		s.mu.Unlock()
		return
	}
	store := s.db.ForBinding(binding)
	guild := NewGuildContext(binding, GuildContextOptions{
		DB:                  s.db,
		Roomy:               s.roomy,
		Discord:             s.rest,
		Webhooks:            discordapi.NewWebhookPool(s.rest, store),
		Profiles:            s.caches,
		Resolver:            s.resolver,
		BackfillConcurrency: s.cfg.Global.BackfillConcurrency,
		BatchThreshold:      s.cfg.Global.BatchThreshold,
	})
	ctx, cancel := context.WithCancel(s.process.Context())
	s.guilds[binding.GuildID] = &guildRunner{guild: guild, cancel: cancel}
	s.mu.Unlock()

	s.process.ComponentStarted()
	go func() {
		defer s.process.ComponentFinished()
		s.runGuild(ctx, guild)
	}()
}

func (s *Service) runGuild(ctx context.Context, guild *GuildContext) {
	binding := guild.Binding()
	logger := log.WithFields(log.Fields{
		"guild_id": binding.GuildID,
		"space":    binding.SpaceDid,
	})

	// The durable consumer must exist before backfill so dispatches
	// arriving meanwhile are retained for the worker.
	subject := jetstream.InputDiscordEventSubject(binding.GuildID)
	durable := jetstream.DurableForGuild(binding.GuildID)
	if _, err := s.js.AddConsumer(jetstream.InputDiscordEvent, &natsclient.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     natsclient.AckExplicitPolicy,
		DeliverPolicy: natsclient.DeliverAllPolicy,
		FilterSubject: subject,
	}); err != nil && !errors.Is(err, natsclient.ErrConsumerNameAlreadyInUse) {
		logger.WithError(err).Error("Failed to create guild consumer")
		sentry.CaptureException(err)
		return
	}

	if err := guild.RunBackfill(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Error("Guild backfill failed; live sync not started")
		sentry.CaptureException(err)
		return
	}

	s.roomy.Subscribe(binding.SpaceDid, func() uint64 {
		cursor, err := s.db.GetLeafCursor(context.Background(), binding.SpaceDid)
		if err != nil {
			logger.WithError(err).Error("Failed to read leaf cursor, resuming from 0")
			return 0
		}
		return cursor
	}, guild.HandleSubscriptionBatch)

	if err := jetstream.JetStreamConsumer(
		ctx, s.js, subject, durable, 1,
		func(ctx context.Context, msgs []*natsclient.Msg) bool {
			return s.onGuildMessage(ctx, guild, msgs)
		},
		natsclient.Bind(jetstream.InputDiscordEvent, durable),
	); err != nil {
		logger.WithError(err).Error("Failed to start guild dispatch consumer")
		sentry.CaptureException(err)
	}
}

// onGuildMessage applies one gateway dispatch. Failures are logged and
// the message advanced past: every translator is idempotent and the
// hash index recovers anything a transient error loses.
func (s *Service) onGuildMessage(ctx context.Context, guild *GuildContext, msgs []*natsclient.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var event discordapi.GatewayEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.WithError(err).Error("Dispatch queue: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if err := s.applyGatewayEvent(ctx, guild, event); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"guild_id":   guild.Binding().GuildID,
			"event_type": event.Type,
		}).Error("Failed to apply gateway event")
		sentry.CaptureException(err)
	}
	return true
}

func (s *Service) applyGatewayEvent(ctx context.Context, guild *GuildContext, event discordapi.GatewayEvent) error {
	sink := guild.Sink()
	switch event.Type {
	case discordapi.DispatchChannelCreate, discordapi.DispatchThreadCreate:
		var channel discordapi.Channel
		if err := json.Unmarshal(event.Data, &channel); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		if err := guild.SyncChannel(ctx, sink, channel); err != nil {
			return err
		}
		return s.resyncSidebar(ctx, guild, sink)
	case discordapi.DispatchMessageCreate:
		var message discordapi.Message
		if err := json.Unmarshal(event.Data, &message); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		if err := guild.SyncMessageCreate(ctx, sink, message); err != nil {
			return err
		}
		return guild.store.SetLatestSeenMessage(ctx, message.ChannelID, message.ID)
	case discordapi.DispatchMessageUpdate:
		var message discordapi.Message
		if err := json.Unmarshal(event.Data, &message); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		return guild.SyncMessageUpdate(ctx, sink, message)
	case discordapi.DispatchMessageDelete:
		var deletion discordapi.MessageDelete
		if err := json.Unmarshal(event.Data, &deletion); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		return guild.SyncMessageDelete(ctx, sink, deletion)
	case discordapi.DispatchMessageReactionAdd:
		var reaction discordapi.MessageReaction
		if err := json.Unmarshal(event.Data, &reaction); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		return guild.SyncReactionAdd(ctx, sink, reaction)
	case discordapi.DispatchMessageReactionRemove:
		var reaction discordapi.MessageReaction
		if err := json.Unmarshal(event.Data, &reaction); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		return guild.SyncReactionRemove(ctx, sink, reaction)
	default:
		return nil
	}
}

// resyncSidebar recomputes the sidebar after a channel change.
func (s *Service) resyncSidebar(ctx context.Context, guild *GuildContext, sink EventSink) error {
	channels, err := s.rest.GetGuildChannels(ctx, guild.Binding().GuildID)
	if err != nil {
		return err
	}
	return guild.SyncSidebar(ctx, sink, channels)
}

/* Slash commands */

func (s *Service) handleInteraction(ctx context.Context, event discordapi.GatewayEvent) {
	var interaction discordapi.Interaction
	if err := json.Unmarshal(event.Data, &interaction); err != nil {
		log.WithError(err).Error("Failed to decode interaction")
		return
	}
	if interaction.Type != discordapi.InteractionTypeApplicationCommand || interaction.Data == nil {
		return
	}

	var reply string
	switch interaction.Data.Name {
	case discordapi.CommandConnect:
		reply = s.commandConnect(ctx, interaction)
	case discordapi.CommandDisconnect:
		reply = s.commandDisconnect(ctx, interaction)
	case discordapi.CommandInfo:
		reply = s.commandInfo(ctx, interaction)
	default:
		return
	}
	if err := s.rest.RespondToInteraction(ctx, interaction.ID, interaction.Token, reply); err != nil {
		log.WithError(err).WithField("command", interaction.Data.Name).Error("Failed to respond to interaction")
	}
}

func (s *Service) commandConnect(ctx context.Context, interaction discordapi.Interaction) string {
	ref := interaction.Data.Option("space")
	if ref == "" {
		return "Usage: /connect <roomy space URL or DID>"
	}
	binding, err := s.registry.Register(ctx, interaction.GuildID, ref)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBindingExists):
			return "This server or space is already connected. Use /disconnect first."
		default:
			return fmt.Sprintf("Could not connect: %v", err)
		}
	}
	return fmt.Sprintf("Connected to %s. History sync is starting.", binding.SpaceDid)
}

func (s *Service) commandDisconnect(ctx context.Context, interaction discordapi.Interaction) string {
	binding, err := s.registry.Unregister(ctx, interaction.GuildID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "This server is not connected to a Roomy space."
		}
		return fmt.Sprintf("Could not disconnect: %v", err)
	}
	return fmt.Sprintf("Disconnected from %s.", binding.SpaceDid)
}

func (s *Service) commandInfo(ctx context.Context, interaction discordapi.Interaction) string {
	s.mu.Lock()
	applicationID := s.applicationID
	runner := s.guilds[interaction.GuildID]
	s.mu.Unlock()

	binding, err := s.registry.Lookup(ctx, interaction.GuildID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Sprintf("Bridge application %s. This server is not connected.", applicationID)
	} else if err != nil {
		return fmt.Sprintf("Could not read binding: %v", err)
	}
	status := "syncing history"
	if runner != nil && runner.guild.Live() {
		status = "live"
	}
	return fmt.Sprintf("Bridge application %s. Connected to %s (%s).", applicationID, binding.SpaceDid, status)
}

package discordapi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/roomy-chat/discord-bridge/bridge/storage"
)

// WebhookName is the name of the webhook the bridge maintains in each
// channel. Discord limits named webhooks per channel, so exactly one
// is reused for every impersonated send.
const WebhookName = "Roomy Bridge"

var (
	webhookExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomybridge",
			Subsystem: "webhook",
			Name:      "executions_total",
			Help:      "Total webhook executions by outcome.",
		},
		[]string{"outcome"},
	)
	webhookRecreations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "roomybridge",
			Subsystem: "webhook",
			Name:      "recreations_total",
			Help:      "Webhooks recreated after a stale 404.",
		},
	)
)

func init() {
	prometheus.MustRegister(webhookExecutions, webhookRecreations)
}

// TokenStore persists webhook credentials per channel. Satisfied by
// the per-binding repository view.
type TokenStore interface {
	GetWebhookToken(ctx context.Context, channelID string) (storage.WebhookToken, error)
	SetWebhookToken(ctx context.Context, channelID string, token storage.WebhookToken) error
	DeleteWebhookToken(ctx context.Context, channelID string) error
}

// WebhookAPI is the REST slice the pool needs; narrowed so tests can
// fake Discord.
type WebhookAPI interface {
	GetChannelWebhooks(ctx context.Context, channelID string) ([]Webhook, error)
	CreateWebhook(ctx context.Context, channelID, name string) (Webhook, error)
	ExecuteWebhook(ctx context.Context, webhookID, token string, params WebhookExecuteParams) (Message, error)
}

// A WebhookPool maintains one webhook per channel, lazily created and
// recreated when Discord reports it gone. Per channel the lifecycle is
// Absent → Acquiring → Cached → Invalidated → Acquiring.
type WebhookPool struct {
	api    WebhookAPI
	tokens TokenStore

	mu    sync.Mutex
	cache map[string]storage.WebhookToken
	// Per-channel locks so one slow acquire does not serialize every
	// other channel's sends.
	locks map[string]*sync.Mutex
}

func NewWebhookPool(api WebhookAPI, tokens TokenStore) *WebhookPool {
	return &WebhookPool{
		api:    api,
		tokens: tokens,
		cache:  make(map[string]storage.WebhookToken),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (p *WebhookPool) channelLock(channelID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[channelID] = lock
	}
	return lock
}

// Acquire returns the channel's webhook credential, creating one if
// neither the cache, the repository, nor Discord has it.
func (p *WebhookPool) Acquire(ctx context.Context, channelID string) (storage.WebhookToken, error) {
	lock := p.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()
	return p.acquireLocked(ctx, channelID)
}

func (p *WebhookPool) acquireLocked(ctx context.Context, channelID string) (storage.WebhookToken, error) {
	p.mu.Lock()
	token, ok := p.cache[channelID]
	p.mu.Unlock()
	if ok {
		return token, nil
	}

	token, err := p.tokens.GetWebhookToken(ctx, channelID)
	if err == nil {
		p.remember(channelID, token)
		return token, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.WebhookToken{}, err
	}

	// Prefer adopting an existing webhook: Discord caps webhooks per
	// channel and deleting ours elsewhere should not strand a slot.
	webhooks, err := p.api.GetChannelWebhooks(ctx, channelID)
	if err != nil && !IsNotFound(err) {
		return storage.WebhookToken{}, fmt.Errorf("list webhooks for channel %s: %w", channelID, err)
	}
	for _, webhook := range webhooks {
		if webhook.Name == WebhookName && webhook.Token != "" {
			token = storage.WebhookToken{ID: webhook.ID, Token: webhook.Token}
			return token, p.persist(ctx, channelID, token)
		}
	}

	webhook, err := p.api.CreateWebhook(ctx, channelID, WebhookName)
	if err != nil {
		return storage.WebhookToken{}, fmt.Errorf("create webhook for channel %s: %w", channelID, err)
	}
	token = storage.WebhookToken{ID: webhook.ID, Token: webhook.Token}
	return token, p.persist(ctx, channelID, token)
}

func (p *WebhookPool) persist(ctx context.Context, channelID string, token storage.WebhookToken) error {
	if err := p.tokens.SetWebhookToken(ctx, channelID, token); err != nil {
		return err
	}
	p.remember(channelID, token)
	return nil
}

func (p *WebhookPool) remember(channelID string, token storage.WebhookToken) {
	p.mu.Lock()
	p.cache[channelID] = token
	p.mu.Unlock()
}

// Invalidate drops the channel's credential from cache and repository;
// the next Acquire recreates it.
func (p *WebhookPool) Invalidate(ctx context.Context, channelID string) {
	p.mu.Lock()
	delete(p.cache, channelID)
	p.mu.Unlock()
	if err := p.tokens.DeleteWebhookToken(ctx, channelID); err != nil {
		log.WithError(err).WithField("channel_id", channelID).Warn("Failed to delete stale webhook token")
	}
}

// Execute sends through the channel's webhook. A 404 means the webhook
// was deleted externally: the cache entry is invalidated and the send
// retried once through a fresh acquire.
func (p *WebhookPool) Execute(ctx context.Context, channelID string, params WebhookExecuteParams) (Message, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "webhook.execute")
	defer span.Finish()
	span.SetTag("channel_id", channelID)

	lock := p.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	token, err := p.acquireLocked(ctx, channelID)
	if err != nil {
		webhookExecutions.WithLabelValues("acquire_error").Inc()
		return Message{}, err
	}
	message, err := p.api.ExecuteWebhook(ctx, token.ID, token.Token, params)
	if err == nil {
		webhookExecutions.WithLabelValues("ok").Inc()
		return message, nil
	}
	if !IsNotFound(err) {
		webhookExecutions.WithLabelValues("error").Inc()
		return Message{}, err
	}

	webhookRecreations.Inc()
	log.WithField("channel_id", channelID).Info("Webhook gone, recreating")
	p.mu.Lock()
	delete(p.cache, channelID)
	p.mu.Unlock()
	if err := p.tokens.DeleteWebhookToken(ctx, channelID); err != nil {
		return Message{}, err
	}
	token, err = p.acquireLocked(ctx, channelID)
	if err != nil {
		webhookExecutions.WithLabelValues("acquire_error").Inc()
		return Message{}, err
	}
	message, err = p.api.ExecuteWebhook(ctx, token.ID, token.Token, params)
	if err != nil {
		webhookExecutions.WithLabelValues("error").Inc()
		return Message{}, err
	}
	webhookExecutions.WithLabelValues("ok").Inc()
	return message, nil
}

// Owns reports whether the given webhook id belongs to this pool; used
// for loop suppression on gateway messages. The cache is cold after a
// restart, so a miss falls back to the persisted credential for the
// channel.
func (p *WebhookPool) Owns(ctx context.Context, channelID, webhookID string) bool {
	if webhookID == "" {
		return false
	}
	p.mu.Lock()
	for _, token := range p.cache {
		if token.ID == webhookID {
			p.mu.Unlock()
			return true
		}
	}
	p.mu.Unlock()

	token, err := p.tokens.GetWebhookToken(ctx, channelID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).WithField("channel_id", channelID).Warn("Failed to read webhook token for ownership check")
		}
		return false
	}
	p.remember(channelID, token)
	return token.ID == webhookID
}

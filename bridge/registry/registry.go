// Package registry manages guild↔space bindings: the operator-facing
// register, unregister and list operations behind the slash commands.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/roomy-chat/discord-bridge/bridge/storage"
)

// spaceURLRe matches the canonical space URL form users paste into
// /connect. The DID is the first path segment.
var spaceURLRe = regexp.MustCompile(`^https://roomy\.space/([^/\s]+)`)

// ParseSpaceRef accepts either a bare space DID or a roomy.space URL
// and returns the DID.
func ParseSpaceRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "did:") {
		return ref, nil
	}
	if match := spaceURLRe.FindStringSubmatch(ref); match != nil {
		if strings.HasPrefix(match[1], "did:") {
			return match[1], nil
		}
	}
	return "", fmt.Errorf("not a space DID or roomy.space URL: %q", ref)
}

// A Listener is notified after a binding change has been durably
// recorded. Register starts the guild's backfill and subscription;
// Unregister tears them down.
type Listener interface {
	BindingRegistered(binding storage.Binding)
	BindingUnregistered(binding storage.Binding)
}

// Registry wraps the binding table with command-level semantics and
// change notification.
type Registry struct {
	db storage.Database

	mu       sync.Mutex
	listener Listener
}

func NewRegistry(db storage.Database) *Registry {
	return &Registry{db: db}
}

// SetListener installs the binding change listener. Must be called
// before any command is served.
func (r *Registry) SetListener(listener Listener) {
	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()
}

// Register binds a guild to the space referenced by ref. The forward
// and reverse entries are written atomically; either side already being
// bound fails the whole command.
func (r *Registry) Register(ctx context.Context, guildID, ref string) (storage.Binding, error) {
	spaceDid, err := ParseSpaceRef(ref)
	if err != nil {
		return storage.Binding{}, err
	}
	if err := r.db.RegisterBinding(ctx, guildID, spaceDid); err != nil {
		return storage.Binding{}, err
	}
	binding := storage.Binding{GuildID: guildID, SpaceDid: spaceDid}
	log.WithFields(log.Fields{
		"guild_id": guildID,
		"space":    spaceDid,
	}).Info("Registered bridge binding")
	r.notify(func(l Listener) { l.BindingRegistered(binding) })
	return binding, nil
}

// Unregister removes the guild's binding and returns what was removed.
func (r *Registry) Unregister(ctx context.Context, guildID string) (storage.Binding, error) {
	binding, err := r.db.GetBindingByGuild(ctx, guildID)
	if err != nil {
		return storage.Binding{}, err
	}
	if err := r.db.UnregisterBinding(ctx, guildID); err != nil {
		return storage.Binding{}, err
	}
	log.WithFields(log.Fields{
		"guild_id": guildID,
		"space":    binding.SpaceDid,
	}).Info("Unregistered bridge binding")
	r.notify(func(l Listener) { l.BindingUnregistered(binding) })
	return binding, nil
}

// Lookup returns the guild's binding, if any.
func (r *Registry) Lookup(ctx context.Context, guildID string) (storage.Binding, error) {
	return r.db.GetBindingByGuild(ctx, guildID)
}

// List returns every registered binding.
func (r *Registry) List(ctx context.Context) ([]storage.Binding, error) {
	return r.db.ListBindings(ctx)
}

func (r *Registry) notify(fn func(Listener)) {
	r.mu.Lock()
	listener := r.listener
	r.mu.Unlock()
	if listener != nil {
		fn(listener)
	}
}

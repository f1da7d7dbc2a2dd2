// Package storage defines the bridge repository: the typed contract
// every sync component depends on. The concrete implementation in
// shared/ is backed by the ordered KV store; tests drive the same
// contract over the in-memory store.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a lookup has no entry.
	ErrNotFound = errors.New("storage: not found")
	// ErrMappingExists is returned by RegisterMapping when either side
	// of the pair is already mapped. Callers on the materialization
	// path treat it as success.
	ErrMappingExists = errors.New("storage: mapping already registered")
	// ErrBindingExists is returned when a guild or space is already
	// bound.
	ErrBindingExists = errors.New("storage: binding already registered")
)

// A Binding is a registered guild↔space pair.
type Binding struct {
	GuildID  string
	SpaceDid string
}

// A Mapping is one synced-id entry. DiscordID is a bare message
// snowflake, a "room:"-prefixed channel snowflake, or a ULID-prefix
// nonce; RoomyID is an event ULID or a message snowflake for nonce
// entries.
type Mapping struct {
	DiscordID string
	RoomyID   string
}

// EditInfo tracks the last edit the bridge reflected into Roomy for a
// Discord message.
type EditInfo struct {
	EditedTimestamp string `json:"editedTimestamp"`
	ContentHash     string `json:"contentHash"`
}

// WebhookToken is a cached per-channel webhook credential.
type WebhookToken struct {
	ID    string
	Token string
}

// Database is the process-global bridge repository.
type Database interface {
	// RegisterBinding writes the forward and reverse binding entries in
	// one atomic batch. Fails with ErrBindingExists if either side is
	// already bound.
	RegisterBinding(ctx context.Context, guildID, spaceDid string) error
	// UnregisterBinding removes both directions atomically.
	UnregisterBinding(ctx context.Context, guildID string) error
	GetBindingByGuild(ctx context.Context, guildID string) (Binding, error)
	GetBindingBySpace(ctx context.Context, spaceDid string) (Binding, error)
	ListBindings(ctx context.Context) ([]Binding, error)

	// GetLeafCursor returns the highest durably observed event index
	// for the space, 0 when none.
	GetLeafCursor(ctx context.Context, spaceDid string) (uint64, error)
	// SetLeafCursor advances the cursor. A value lower than the stored
	// one is ignored: cursors are monotonically non-decreasing.
	SetLeafCursor(ctx context.Context, spaceDid string, idx uint64) error

	// ForBinding returns the per-binding repository view. All of its
	// keyspaces are prefixed by the binding, so bindings never contend.
	ForBinding(binding Binding) BindingStore

	Close() error
}

// BindingStore is the per-binding repository view used by every sync
// call for that guild.
type BindingStore interface {
	Binding() Binding

	// Synced-id mapping. Both directions are written and removed in one
	// atomic batch; for every live entry both directions resolve.
	GetRoomyID(ctx context.Context, discordID string) (string, error)
	GetDiscordID(ctx context.Context, roomyID string) (string, error)
	RegisterMapping(ctx context.Context, discordID, roomyID string) error
	// RegisterNonce writes the one-way nonce → snowflake alias used for
	// duplicate detection. The snowflake's bidirectional entry maps to
	// the full event ULID, so the alias has no reverse direction.
	RegisterNonce(ctx context.Context, nonce, snowflake string) error
	UnregisterMappingByDiscord(ctx context.Context, discordID string) error
	UnregisterMappingByRoomy(ctx context.Context, roomyID string) error
	ListMappings(ctx context.Context) ([]Mapping, error)

	GetProfileHash(ctx context.Context, userID string) (string, error)
	SetProfileHash(ctx context.Context, userID, hash string) error

	GetSidebarHash(ctx context.Context) (string, error)
	SetSidebarHash(ctx context.Context, hash string) error

	GetReactionEvent(ctx context.Context, key string) (string, error)
	SetReactionEvent(ctx context.Context, key, eventID string) error
	DeleteReaction(ctx context.Context, key string) error

	GetEditInfo(ctx context.Context, messageID string) (EditInfo, error)
	SetEditInfo(ctx context.Context, messageID string, info EditInfo) error

	GetRoomLink(ctx context.Context, key string) (string, error)
	SetRoomLink(ctx context.Context, key, eventID string) error

	// Discord message hash index: (nonce, contentHash) → snowflake per
	// channel. GetMessageByHash falls back to a hash-only probe for
	// messages indexed from history, where Discord does not return the
	// original nonce.
	SetMessageHash(ctx context.Context, channelID, nonce, contentHash, snowflake string) error
	GetMessageByHash(ctx context.Context, channelID, nonce, contentHash string) (string, error)
	PurgeMessageHashes(ctx context.Context, channelID string) error

	GetLatestSeenMessage(ctx context.Context, channelID string) (string, error)
	SetLatestSeenMessage(ctx context.Context, channelID, snowflake string) error

	GetWebhookToken(ctx context.Context, channelID string) (WebhookToken, error)
	SetWebhookToken(ctx context.Context, channelID string, token WebhookToken) error
	DeleteWebhookToken(ctx context.Context, channelID string) error
}

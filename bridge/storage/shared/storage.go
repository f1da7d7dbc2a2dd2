// Package shared implements the bridge repository over the ordered KV
// store. The keyspace layout is part of the bridge's persistent
// contract; changing a sublevel name or key shape breaks existing
// deployments.
package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roomy-chat/discord-bridge/bridge/storage"
	"github.com/roomy-chat/discord-bridge/internal/kv"
)

// Sublevel names. Per-binding sublevels are suffixed
// ":<guildId>:<spaceDid>".
const (
	slRegisteredBridges = "registeredBridges"
	slLeafCursors       = "leafCursors"
	slSyncedIDs         = "syncedIds"
	slSyncedProfiles    = "syncedProfiles"
	slSyncedReactions   = "syncedReactions"
	slSyncedSidebarHash = "syncedSidebarHash"
	slSyncedRoomLinks   = "syncedRoomLinks"
	slSyncedEdits       = "syncedEdits"
	slMessageHashes     = "discordMessageHashes"
	slLatestMessage     = "discordLatestMessageInChannel"
	slWebhookTokens     = "discordWebhookTokens"
)

const (
	bindingGuildPrefix = "guildId_"
	bindingSpacePrefix = "spaceId_"
	// Reverse synced-id entries share the table with forward ones.
	reverseIDPrefix = "roomy_"
	sidebarHashKey  = "sidebarHash"
)

type database struct {
	store    kv.Store
	bridges  kv.Sublevel
	cursors  kv.Sublevel
}

// NewDatabase wraps a KV store in the repository contract.
func NewDatabase(store kv.Store) storage.Database {
	return &database{
		store:   store,
		bridges: kv.NewSublevel(store, slRegisteredBridges),
		cursors: kv.NewSublevel(store, slLeafCursors),
	}
}

func (d *database) RegisterBinding(ctx context.Context, guildID, spaceDid string) error {
	if _, err := d.bridges.Get(ctx, bindingGuildPrefix+guildID); err == nil {
		return fmt.Errorf("guild %s: %w", guildID, storage.ErrBindingExists)
	} else if !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	if _, err := d.bridges.Get(ctx, bindingSpacePrefix+spaceDid); err == nil {
		return fmt.Errorf("space %s: %w", spaceDid, storage.ErrBindingExists)
	} else if !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	batch := d.store.NewBatch()
	d.bridges.BatchPut(batch, bindingGuildPrefix+guildID, []byte(spaceDid))
	d.bridges.BatchPut(batch, bindingSpacePrefix+spaceDid, []byte(guildID))
	return batch.Write(ctx)
}

func (d *database) UnregisterBinding(ctx context.Context, guildID string) error {
	spaceDid, err := d.bridges.Get(ctx, bindingGuildPrefix+guildID)
	if errors.Is(err, kv.ErrNotFound) {
		return storage.ErrNotFound
	} else if err != nil {
		return err
	}
	batch := d.store.NewBatch()
	d.bridges.BatchDelete(batch, bindingGuildPrefix+guildID)
	d.bridges.BatchDelete(batch, bindingSpacePrefix+string(spaceDid))
	return batch.Write(ctx)
}

func (d *database) GetBindingByGuild(ctx context.Context, guildID string) (storage.Binding, error) {
	spaceDid, err := d.bridges.Get(ctx, bindingGuildPrefix+guildID)
	if errors.Is(err, kv.ErrNotFound) {
		return storage.Binding{}, storage.ErrNotFound
	} else if err != nil {
		return storage.Binding{}, err
	}
	return storage.Binding{GuildID: guildID, SpaceDid: string(spaceDid)}, nil
}

func (d *database) GetBindingBySpace(ctx context.Context, spaceDid string) (storage.Binding, error) {
	guildID, err := d.bridges.Get(ctx, bindingSpacePrefix+spaceDid)
	if errors.Is(err, kv.ErrNotFound) {
		return storage.Binding{}, storage.ErrNotFound
	} else if err != nil {
		return storage.Binding{}, err
	}
	return storage.Binding{GuildID: string(guildID), SpaceDid: spaceDid}, nil
}

func (d *database) ListBindings(ctx context.Context) ([]storage.Binding, error) {
	entries, err := d.bridges.Range(ctx, bindingGuildPrefix)
	if err != nil {
		return nil, err
	}
	bindings := make([]storage.Binding, 0, len(entries))
	for _, entry := range entries {
		bindings = append(bindings, storage.Binding{
			GuildID:  strings.TrimPrefix(entry.Key, bindingGuildPrefix),
			SpaceDid: string(entry.Value),
		})
	}
	return bindings, nil
}

func (d *database) GetLeafCursor(ctx context.Context, spaceDid string) (uint64, error) {
	value, err := d.cursors.Get(ctx, spaceDid)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(value), 10, 64)
}

func (d *database) SetLeafCursor(ctx context.Context, spaceDid string, idx uint64) error {
	current, err := d.GetLeafCursor(ctx, spaceDid)
	if err != nil {
		return err
	}
	if idx <= current {
		return nil
	}
	return d.cursors.Put(ctx, spaceDid, []byte(strconv.FormatUint(idx, 10)))
}

func (d *database) ForBinding(binding storage.Binding) storage.BindingStore {
	suffix := ":" + binding.GuildID + ":" + binding.SpaceDid
	return &bindingStore{
		store:     d.store,
		binding:   binding,
		ids:       kv.NewSublevel(d.store, slSyncedIDs+suffix),
		profiles:  kv.NewSublevel(d.store, slSyncedProfiles+suffix),
		reactions: kv.NewSublevel(d.store, slSyncedReactions+suffix),
		sidebar:   kv.NewSublevel(d.store, slSyncedSidebarHash+suffix),
		roomLinks: kv.NewSublevel(d.store, slSyncedRoomLinks+suffix),
		edits:     kv.NewSublevel(d.store, slSyncedEdits+suffix),
		hashes:    kv.NewSublevel(d.store, slMessageHashes+suffix),
		latest:    kv.NewSublevel(d.store, slLatestMessage+suffix),
		webhooks:  kv.NewSublevel(d.store, slWebhookTokens+suffix),
	}
}

func (d *database) Close() error {
	return d.store.Close()
}

type bindingStore struct {
	store     kv.Store
	binding   storage.Binding
	ids       kv.Sublevel
	profiles  kv.Sublevel
	reactions kv.Sublevel
	sidebar   kv.Sublevel
	roomLinks kv.Sublevel
	edits     kv.Sublevel
	hashes    kv.Sublevel
	latest    kv.Sublevel
	webhooks  kv.Sublevel
}

func (b *bindingStore) Binding() storage.Binding { return b.binding }

func (b *bindingStore) GetRoomyID(ctx context.Context, discordID string) (string, error) {
	value, err := b.ids.Get(ctx, discordID)
	if errors.Is(err, kv.ErrNotFound) {
		return "", storage.ErrNotFound
	} else if err != nil {
		return "", err
	}
	return string(value), nil
}

func (b *bindingStore) GetDiscordID(ctx context.Context, roomyID string) (string, error) {
	value, err := b.ids.Get(ctx, reverseIDPrefix+roomyID)
	if errors.Is(err, kv.ErrNotFound) {
		return "", storage.ErrNotFound
	} else if err != nil {
		return "", err
	}
	return string(value), nil
}

// RegisterMapping writes both directions in one batch. Injectivity is
// enforced here: if either side already resolves, the write is refused
// with ErrMappingExists. Per-guild serialization makes the
// check-then-write race free.
func (b *bindingStore) RegisterMapping(ctx context.Context, discordID, roomyID string) error {
	if existing, err := b.GetRoomyID(ctx, discordID); err == nil {
		return fmt.Errorf("discord id %s already mapped to %s: %w", discordID, existing, storage.ErrMappingExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if existing, err := b.GetDiscordID(ctx, roomyID); err == nil {
		return fmt.Errorf("roomy id %s already mapped to %s: %w", roomyID, existing, storage.ErrMappingExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	batch := b.store.NewBatch()
	b.ids.BatchPut(batch, discordID, []byte(roomyID))
	b.ids.BatchPut(batch, reverseIDPrefix+roomyID, []byte(discordID))
	return batch.Write(ctx)
}

// RegisterNonce stores the nonce alias in the roomy→discord direction
// only. GetDiscordID(nonce) resolves it; nothing maps back from the
// snowflake, whose bidirectional entry carries the full ULID.
func (b *bindingStore) RegisterNonce(ctx context.Context, nonce, snowflake string) error {
	return b.ids.Put(ctx, reverseIDPrefix+nonce, []byte(snowflake))
}

func (b *bindingStore) UnregisterMappingByDiscord(ctx context.Context, discordID string) error {
	roomyID, err := b.GetRoomyID(ctx, discordID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	batch := b.store.NewBatch()
	b.ids.BatchDelete(batch, discordID)
	b.ids.BatchDelete(batch, reverseIDPrefix+roomyID)
	return batch.Write(ctx)
}

func (b *bindingStore) UnregisterMappingByRoomy(ctx context.Context, roomyID string) error {
	discordID, err := b.GetDiscordID(ctx, roomyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	batch := b.store.NewBatch()
	b.ids.BatchDelete(batch, reverseIDPrefix+roomyID)
	b.ids.BatchDelete(batch, discordID)
	return batch.Write(ctx)
}

func (b *bindingStore) ListMappings(ctx context.Context) ([]storage.Mapping, error) {
	entries, err := b.ids.Range(ctx, "")
	if err != nil {
		return nil, err
	}
	var mappings []storage.Mapping
	for _, entry := range entries {
		if strings.HasPrefix(entry.Key, reverseIDPrefix) {
			continue
		}
		mappings = append(mappings, storage.Mapping{
			DiscordID: entry.Key,
			RoomyID:   string(entry.Value),
		})
	}
	return mappings, nil
}

func (b *bindingStore) GetProfileHash(ctx context.Context, userID string) (string, error) {
	return b.getString(ctx, b.profiles, userID)
}

func (b *bindingStore) SetProfileHash(ctx context.Context, userID, hash string) error {
	return b.profiles.Put(ctx, userID, []byte(hash))
}

func (b *bindingStore) GetSidebarHash(ctx context.Context) (string, error) {
	return b.getString(ctx, b.sidebar, sidebarHashKey)
}

func (b *bindingStore) SetSidebarHash(ctx context.Context, hash string) error {
	return b.sidebar.Put(ctx, sidebarHashKey, []byte(hash))
}

func (b *bindingStore) GetReactionEvent(ctx context.Context, key string) (string, error) {
	return b.getString(ctx, b.reactions, key)
}

func (b *bindingStore) SetReactionEvent(ctx context.Context, key, eventID string) error {
	return b.reactions.Put(ctx, key, []byte(eventID))
}

func (b *bindingStore) DeleteReaction(ctx context.Context, key string) error {
	return b.reactions.Delete(ctx, key)
}

func (b *bindingStore) GetEditInfo(ctx context.Context, messageID string) (storage.EditInfo, error) {
	value, err := b.edits.Get(ctx, messageID)
	if errors.Is(err, kv.ErrNotFound) {
		return storage.EditInfo{}, storage.ErrNotFound
	} else if err != nil {
		return storage.EditInfo{}, err
	}
	var info storage.EditInfo
	if err := json.Unmarshal(value, &info); err != nil {
		return storage.EditInfo{}, fmt.Errorf("decode edit info for %s: %w", messageID, err)
	}
	return info, nil
}

func (b *bindingStore) SetEditInfo(ctx context.Context, messageID string, info storage.EditInfo) error {
	value, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return b.edits.Put(ctx, messageID, value)
}

func (b *bindingStore) GetRoomLink(ctx context.Context, key string) (string, error) {
	return b.getString(ctx, b.roomLinks, key)
}

func (b *bindingStore) SetRoomLink(ctx context.Context, key, eventID string) error {
	return b.roomLinks.Put(ctx, key, []byte(eventID))
}

func messageHashKey(channelID, nonce, contentHash string) string {
	return channelID + "/" + nonce + ":" + contentHash
}

func (b *bindingStore) SetMessageHash(ctx context.Context, channelID, nonce, contentHash, snowflake string) error {
	return b.hashes.Put(ctx, messageHashKey(channelID, nonce, contentHash), []byte(snowflake))
}

func (b *bindingStore) GetMessageByHash(ctx context.Context, channelID, nonce, contentHash string) (string, error) {
	snowflake, err := b.getString(ctx, b.hashes, messageHashKey(channelID, nonce, contentHash))
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return snowflake, err
	}
	// History scans cannot recover the original nonce, so entries from
	// backfill are indexed under an empty nonce.
	return b.getString(ctx, b.hashes, messageHashKey(channelID, "", contentHash))
}

func (b *bindingStore) PurgeMessageHashes(ctx context.Context, channelID string) error {
	entries, err := b.hashes.Range(ctx, channelID+"/")
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	batch := b.store.NewBatch()
	for _, entry := range entries {
		b.hashes.BatchDelete(batch, entry.Key)
	}
	return batch.Write(ctx)
}

func (b *bindingStore) GetLatestSeenMessage(ctx context.Context, channelID string) (string, error) {
	return b.getString(ctx, b.latest, channelID)
}

func (b *bindingStore) SetLatestSeenMessage(ctx context.Context, channelID, snowflake string) error {
	return b.latest.Put(ctx, channelID, []byte(snowflake))
}

func (b *bindingStore) GetWebhookToken(ctx context.Context, channelID string) (storage.WebhookToken, error) {
	value, err := b.getString(ctx, b.webhooks, channelID)
	if err != nil {
		return storage.WebhookToken{}, err
	}
	id, token, ok := strings.Cut(value, ":")
	if !ok {
		return storage.WebhookToken{}, fmt.Errorf("malformed webhook token for channel %s", channelID)
	}
	return storage.WebhookToken{ID: id, Token: token}, nil
}

func (b *bindingStore) SetWebhookToken(ctx context.Context, channelID string, token storage.WebhookToken) error {
	return b.webhooks.Put(ctx, channelID, []byte(token.ID+":"+token.Token))
}

func (b *bindingStore) DeleteWebhookToken(ctx context.Context, channelID string) error {
	return b.webhooks.Delete(ctx, channelID)
}

func (b *bindingStore) getString(ctx context.Context, sl kv.Sublevel, key string) (string, error) {
	value, err := sl.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return "", storage.ErrNotFound
	} else if err != nil {
		return "", err
	}
	return string(value), nil
}

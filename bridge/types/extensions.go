package types

import (
	"fmt"
	"strings"
)

// DiscordMessageOrigin stamps a message event with the Discord message
// it mirrors. EditedTimestamp and ContentHash are present on edit
// events so replays of the same edit can be suppressed.
type DiscordMessageOrigin struct {
	GuildID         string `json:"guildId"`
	ChannelID       string `json:"channelId"`
	Snowflake       string `json:"snowflake"`
	EditedTimestamp string `json:"editedTimestamp,omitempty"`
	ContentHash     string `json:"contentHash,omitempty"`
}

// DiscordRoomOrigin stamps a room event with the Discord channel or
// thread it mirrors.
type DiscordRoomOrigin struct {
	GuildID   string `json:"guildId"`
	Snowflake string `json:"snowflake"`
	IsThread  bool   `json:"isThread,omitempty"`
}

// DiscordUserOrigin stamps a profile event with the Discord user it
// mirrors. ProfileHash lets the materializer update the profile cache
// without recomputing anything.
type DiscordUserOrigin struct {
	GuildID     string `json:"guildId"`
	UserID      string `json:"userId"`
	ProfileHash string `json:"profileHash"`
	Handle      string `json:"handle,omitempty"`
}

// DiscordSidebarOrigin stamps a sidebar event.
type DiscordSidebarOrigin struct {
	GuildID     string `json:"guildId"`
	SidebarHash string `json:"sidebarHash"`
}

// DiscordRoomLinkOrigin stamps a room link event with the Discord
// thread relationship it mirrors.
type DiscordRoomLinkOrigin struct {
	GuildID         string `json:"guildId"`
	ParentChannelID string `json:"parentChannelId"`
	ThreadID        string `json:"threadId"`
}

// DiscordReactionOrigin marks a reaction event as mirrored from
// Discord. It is a loop-prevention marker only; nothing is
// materialized from it.
type DiscordReactionOrigin struct {
	GuildID   string `json:"guildId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// AuthorOverride makes Roomy UIs render the original author rather
// than the bridge identity.
type AuthorOverride struct {
	DID string `json:"did"`
}

// TimestampOverride carries the original Discord timestamp in Unix
// milliseconds.
type TimestampOverride struct {
	Timestamp int64 `json:"timestamp"`
}

// Attachments is the attachments extension payload.
type Attachments struct {
	Attachments []Attachment `json:"attachments"`
}

const discordDIDPrefix = "did:discord:"

// DiscordDID derives the synthetic DID the bridge uses for a Discord
// user.
func DiscordDID(userID string) string {
	return discordDIDPrefix + userID
}

// ParseDiscordDID extracts the Discord user id from a synthetic DID.
func ParseDiscordDID(did string) (string, bool) {
	if !strings.HasPrefix(did, discordDIDPrefix) {
		return "", false
	}
	return strings.TrimPrefix(did, discordDIDPrefix), true
}

// ReactionKey builds the per-binding reaction mapping key. emojiKey is
// the custom emoji snowflake when present, else the unicode code-point
// string.
func ReactionKey(messageID, userID, emojiKey string) string {
	return fmt.Sprintf("%s:%s:%s", messageID, userID, emojiKey)
}

// RoomLinkKey builds the per-binding room link key.
func RoomLinkKey(parentRoomyID, childRoomyID string) string {
	return parentRoomyID + ":" + childRoomyID
}

// RoomIDKey prefixes a Discord channel/thread snowflake so it cannot
// collide with a message snowflake in the synced-id map. Discord
// reuses a thread's starter-message snowflake as the thread id.
func RoomIDKey(channelID string) string {
	return "room:" + channelID
}

// IsRoomIDKey reports whether a synced-id key refers to a channel and
// returns the bare snowflake.
func IsRoomIDKey(key string) (string, bool) {
	if !strings.HasPrefix(key, "room:") {
		return "", false
	}
	return strings.TrimPrefix(key, "room:"), true
}

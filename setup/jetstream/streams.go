package jetstream

import (
	"fmt"
	"regexp"

	"github.com/nats-io/nats.go"
)

// InputDiscordEvent carries raw gateway dispatches, one subject per
// guild so consumption is serialized within a guild.
const InputDiscordEvent = "BridgeInputDiscordEvent"

// Header names used on published messages.
const (
	GuildID   = "guild_id"
	EventType = "event_type"
)

var streams = []*nats.StreamConfig{
	{
		Name:      InputDiscordEvent,
		Subjects:  []string{InputDiscordEvent + ".*"},
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
}

var safeCharacters = regexp.MustCompile("[^A-Za-z0-9$]+")

// Tokenise makes a string safe for use inside a NATS subject or
// durable consumer name.
func Tokenise(str string) string {
	return safeCharacters.ReplaceAllString(str, "_")
}

// InputDiscordEventSubject returns the per-guild ordering subject.
func InputDiscordEventSubject(guildID string) string {
	return fmt.Sprintf("%s.%s", InputDiscordEvent, Tokenise(guildID))
}

// DurableForGuild names the durable consumer for a guild's dispatch
// stream.
func DurableForGuild(guildID string) string {
	return "BridgeGuildConsumer" + Tokenise(guildID)
}

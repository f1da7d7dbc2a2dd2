// Package discordapi is a thin typed wrapper over the subset of the
// Discord REST and gateway APIs the bridge uses. It normalizes gateway
// dispatches into per-guild events and hides rate limiting and retry
// behavior from the sync layer.
package discordapi

import (
	"encoding/json"
	"time"
)

// Channel types the bridge cares about.
const (
	ChannelTypeGuildText     = 0
	ChannelTypeGuildCategory = 4
	ChannelTypePublicThread  = 11
	ChannelTypePrivateThread = 12
)

// Message types. Anything other than Default and Reply is a system
// message and is never mirrored.
const (
	MessageTypeDefault = 0
	MessageTypeReply   = 19
)

type Channel struct {
	ID       string  `json:"id"`
	Type     int     `json:"type"`
	GuildID  string  `json:"guild_id,omitempty"`
	Name     string  `json:"name,omitempty"`
	Topic    *string `json:"topic,omitempty"`
	ParentID string  `json:"parent_id,omitempty"`
	Position int     `json:"position,omitempty"`
}

// IsThread reports whether the channel is a thread.
func (c *Channel) IsThread() bool {
	return c.Type == ChannelTypePublicThread || c.Type == ChannelTypePrivateThread
}

// TopicString returns the topic or "" when unset.
func (c *Channel) TopicString() string {
	if c.Topic == nil {
		return ""
	}
	return *c.Topic
}

type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator,omitempty"`
	GlobalName    string `json:"global_name,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	Bot           bool   `json:"bot,omitempty"`
}

// DisplayName is the name Roomy should render: global name when set,
// else username.
func (u *User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// Handle is the legacy user#discriminator form kept in the user origin
// extension.
func (u *User) Handle() string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

// AvatarURL is the CDN URL for the user's avatar, "" when none is set.
func (u *User) AvatarURL() string {
	if u.Avatar == "" {
		return ""
	}
	return "https://cdn.discordapp.com/avatars/" + u.ID + "/" + u.Avatar + ".png"
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

type MessageReference struct {
	MessageID string `json:"message_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
}

type Message struct {
	ID               string            `json:"id"`
	ChannelID        string            `json:"channel_id"`
	GuildID          string            `json:"guild_id,omitempty"`
	Author           User              `json:"author"`
	Content          string            `json:"content"`
	Timestamp        time.Time         `json:"timestamp"`
	EditedTimestamp  *time.Time        `json:"edited_timestamp,omitempty"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	Type             int               `json:"type"`
	WebhookID        string            `json:"webhook_id,omitempty"`
	Pinned           bool              `json:"pinned,omitempty"`
	MessageReference *MessageReference `json:"message_reference,omitempty"`
}

// AttachmentURLs lifts the attachment URLs in wire order; content
// hashing sorts them itself.
func (m *Message) AttachmentURLs() []string {
	urls := make([]string, 0, len(m.Attachments))
	for _, attachment := range m.Attachments {
		urls = append(urls, attachment.URL)
	}
	return urls
}

type Emoji struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Animated bool   `json:"animated,omitempty"`
}

type Webhook struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Token     string `json:"token,omitempty"`
}

// WebhookExecuteParams is the body of a webhook execution. The nonce
// doubles as Discord's client-side idempotency token.
type WebhookExecuteParams struct {
	Content   string `json:"content"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// CreateMessageParams is the body of a bot message create.
type CreateMessageParams struct {
	Content          string            `json:"content"`
	Nonce            string            `json:"nonce,omitempty"`
	MessageReference *MessageReference `json:"message_reference,omitempty"`
}

// CreateChannelParams is the body of a guild channel create.
type CreateChannelParams struct {
	Name     string `json:"name"`
	Type     int    `json:"type"`
	Topic    string `json:"topic,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

/* Gateway dispatch payloads */

// Gateway dispatch names the bridge consumes.
const (
	DispatchReady                 = "READY"
	DispatchChannelCreate         = "CHANNEL_CREATE"
	DispatchThreadCreate          = "THREAD_CREATE"
	DispatchMessageCreate         = "MESSAGE_CREATE"
	DispatchMessageUpdate         = "MESSAGE_UPDATE"
	DispatchMessageDelete         = "MESSAGE_DELETE"
	DispatchMessageReactionAdd    = "MESSAGE_REACTION_ADD"
	DispatchMessageReactionRemove = "MESSAGE_REACTION_REMOVE"
	DispatchInteractionCreate     = "INTERACTION_CREATE"
)

// A GatewayEvent is one normalized gateway dispatch, routed to the
// owning guild's consumer. Data is the raw dispatch payload, decoded
// by type at the consumer.
type GatewayEvent struct {
	Type    string          `json:"type"`
	GuildID string          `json:"guild_id"`
	Data    json.RawMessage `json:"data"`
}

type MessageDelete struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
}

type MessageReaction struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Emoji     Emoji  `json:"emoji"`
}

type Ready struct {
	User        User `json:"user"`
	Application struct {
		ID string `json:"id"`
	} `json:"application"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

/* Interactions */

const (
	InteractionTypeApplicationCommand = 2

	InteractionResponseChannelMessage = 4
)

type Interaction struct {
	ID      string          `json:"id"`
	Type    int             `json:"type"`
	Token   string          `json:"token"`
	GuildID string          `json:"guild_id,omitempty"`
	Member  *struct {
		User User `json:"user"`
	} `json:"member,omitempty"`
	Data *InteractionData `json:"data,omitempty"`
}

type InteractionData struct {
	Name    string              `json:"name"`
	Options []InteractionOption `json:"options,omitempty"`
}

type InteractionOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Option returns the named option's string value.
func (d *InteractionData) Option(name string) string {
	for _, option := range d.Options {
		if option.Name == name {
			return option.Value
		}
	}
	return ""
}

type ApplicationCommand struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Options     []ApplicationCommandOption `json:"options,omitempty"`
}

type ApplicationCommandOption struct {
	Type        int    `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// ApplicationCommandOptionString is the STRING option type.
const ApplicationCommandOptionString = 3

// Package types defines the Roomy event model the bridge exchanges with
// Leaf, including the Discord origin extensions used for loop
// suppression and idempotency.
//
// Roomy events are open records keyed by NSIDs. Known $types get a
// typed payload here; everything else rides along untouched in the raw
// payload so schema evolution at the edges does not break the bridge.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Event $type NSIDs understood by the bridge.
const (
	TypeCreateRoom     = "space.roomy.room.createRoom.v0"
	TypeDeleteRoom     = "space.roomy.room.deleteRoom.v0"
	TypeCreateRoomLink = "space.roomy.room.createRoomLink.v0"
	TypeCreateMessage  = "space.roomy.message.createMessage.v0"
	TypeEditMessage    = "space.roomy.message.editMessage.v0"
	TypeDeleteMessage  = "space.roomy.message.deleteMessage.v0"
	TypeAddReaction    = "space.roomy.reaction.addBridgedReaction.v0"
	TypeRemoveReaction = "space.roomy.reaction.removeBridgedReaction.v0"
	TypeUpdateProfile  = "space.roomy.profile.updateProfile.v0"
	TypeUpdateSidebar  = "space.roomy.space.updateSidebar.v0"
)

// Extension NSIDs. Presence of any of the Discord origin extensions
// marks an event as Discord-originated: it must never be echoed back
// to Discord.
const (
	ExtDiscordMessageOrigin  = "space.roomy.extension.discordMessageOrigin.v0"
	ExtDiscordRoomOrigin     = "space.roomy.extension.discordOrigin.v0"
	ExtDiscordUserOrigin     = "space.roomy.extension.discordUserOrigin.v0"
	ExtDiscordSidebarOrigin  = "space.roomy.extension.discordSidebarOrigin.v0"
	ExtDiscordRoomLinkOrigin = "space.roomy.extension.discordRoomLinkOrigin.v0"
	ExtDiscordReactionOrigin = "space.roomy.extension.discordReactionOrigin.v0"

	ExtAuthorOverride    = "space.roomy.extension.authorOverride.v0"
	ExtTimestampOverride = "space.roomy.extension.timestampOverride.v0"
	ExtAttachments       = "space.roomy.extension.attachments.v0"
)

// discordOriginExtensions is the canonical set checked for loop
// suppression, in the order the subscription handler materializes them.
var discordOriginExtensions = []string{
	ExtDiscordMessageOrigin,
	ExtDiscordRoomOrigin,
	ExtDiscordUserOrigin,
	ExtDiscordSidebarOrigin,
	ExtDiscordRoomLinkOrigin,
	ExtDiscordReactionOrigin,
}

// An Event is one Roomy space event. ID is a 26-char Crockford ULID
// assigned by the sender; Type is the NSID; Room, when set, scopes the
// event to a room. Payload holds the $type-specific fields exactly as
// they appeared on the wire; Extensions is the NSID-keyed side channel.
type Event struct {
	ID         string
	Type       string
	Room       string
	Payload    json.RawMessage
	Extensions map[string]json.RawMessage
}

// A SubscriptionItem is one element of a Leaf subscription batch: the
// 1-based space index, the event, and the DID of the writing user.
type SubscriptionItem struct {
	Idx   uint64 `json:"idx"`
	Event Event  `json:"event"`
	User  string `json:"user"`
}

const (
	fieldID         = "id"
	fieldType       = "$type"
	fieldRoom       = "room"
	fieldExtensions = "extensions"
)

// UnmarshalJSON splits the envelope fields out of the open record and
// keeps the remainder as the raw payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("event is not valid JSON")
	}
	e.ID = gjson.GetBytes(data, fieldID).String()
	e.Type = gjson.GetBytes(data, fieldType).String()
	e.Room = gjson.GetBytes(data, fieldRoom).String()
	if e.Type == "" {
		return fmt.Errorf("event %q has no $type", e.ID)
	}

	e.Extensions = nil
	if exts := gjson.GetBytes(data, fieldExtensions); exts.IsObject() {
		e.Extensions = make(map[string]json.RawMessage)
		exts.ForEach(func(key, value gjson.Result) bool {
			e.Extensions[key.String()] = json.RawMessage(value.Raw)
			return true
		})
	}

	payload := data
	var err error
	for _, field := range []string{fieldID, fieldType, fieldRoom, fieldExtensions} {
		if payload, err = sjson.DeleteBytes(payload, field); err != nil {
			return fmt.Errorf("strip %q: %w", field, err)
		}
	}
	e.Payload = payload
	return nil
}

// MarshalJSON recombines the envelope with the payload.
func (e Event) MarshalJSON() ([]byte, error) {
	data := []byte(`{}`)
	if len(e.Payload) > 0 {
		data = e.Payload
	}
	var err error
	if data, err = sjson.SetBytes(data, fieldType, e.Type); err != nil {
		return nil, err
	}
	if data, err = sjson.SetBytes(data, fieldID, e.ID); err != nil {
		return nil, err
	}
	if e.Room != "" {
		if data, err = sjson.SetBytes(data, fieldRoom, e.Room); err != nil {
			return nil, err
		}
	}
	for nsid, raw := range e.Extensions {
		// NSIDs contain dots, which sjson would otherwise treat as
		// path separators.
		path := fieldExtensions + "." + escapePath(nsid)
		if data, err = sjson.SetRawBytes(data, path, raw); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func escapePath(nsid string) string {
	out := make([]byte, 0, len(nsid)+8)
	for i := 0; i < len(nsid); i++ {
		if nsid[i] == '.' {
			out = append(out, '\\')
		}
		out = append(out, nsid[i])
	}
	return string(out)
}

// DecodePayload unmarshals the $type-specific payload into out.
func (e *Event) DecodePayload(out interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload for event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// SetPayload replaces the payload with the JSON encoding of v.
func (e *Event) SetPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Payload = data
	return nil
}

// Extension returns the raw extension record for the NSID, if present.
func (e *Event) Extension(nsid string) (json.RawMessage, bool) {
	raw, ok := e.Extensions[nsid]
	return raw, ok
}

// DecodeExtension unmarshals the named extension into out, reporting
// whether it was present. A malformed extension is an error, not a
// silent absence.
func (e *Event) DecodeExtension(nsid string, out interface{}) (bool, error) {
	raw, ok := e.Extensions[nsid]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode extension %s on event %s: %w", nsid, e.ID, err)
	}
	return true, nil
}

// SetExtension attaches the JSON encoding of v under the NSID.
func (e *Event) SetExtension(nsid string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if e.Extensions == nil {
		e.Extensions = make(map[string]json.RawMessage)
	}
	e.Extensions[nsid] = raw
	return nil
}

// HasDiscordOrigin reports whether any Discord origin extension is
// attached to the event.
func (e *Event) HasDiscordOrigin() bool {
	for _, nsid := range discordOriginExtensions {
		if _, ok := e.Extensions[nsid]; ok {
			return true
		}
	}
	return false
}

// DiscordOriginGuildID returns the guild id stamped by whichever
// Discord origin extension is present. Every origin extension carries
// guildId, so a raw field probe is enough here.
func (e *Event) DiscordOriginGuildID() (string, bool) {
	for _, nsid := range discordOriginExtensions {
		raw, ok := e.Extensions[nsid]
		if !ok {
			continue
		}
		if guildID := gjson.GetBytes(raw, "guildId"); guildID.Exists() {
			return guildID.String(), true
		}
	}
	return "", false
}

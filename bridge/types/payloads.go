package types

// Typed payloads for the event $types the bridge understands.

// CreateRoom creates a room in the space; the new room's id is the
// event's own id.
type CreateRoom struct {
	Name string `json:"name"`
}

// DeleteRoom removes the referenced room.
type DeleteRoom struct {
	RoomID string `json:"roomId"`
}

// CreateRoomLink records a parent/child relationship between rooms,
// mirroring Discord threads hanging off their parent channel.
type CreateRoomLink struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// CreateMessage posts a message body into the event's room. Body is
// raw UTF-8 bytes, base64 on the wire.
type CreateMessage struct {
	Body []byte `json:"body"`
}

// EditMessage replaces the body of an earlier message.
type EditMessage struct {
	MessageID string `json:"messageId"`
	Body      []byte `json:"body"`
}

// DeleteMessage removes the referenced message.
type DeleteMessage struct {
	MessageID string `json:"messageId"`
}

// AddBridgedReaction attaches a reaction on behalf of a bridged user.
type AddBridgedReaction struct {
	ReactionTo   string `json:"reactionTo"`
	Reaction     string `json:"reaction"`
	ReactingUser string `json:"reactingUser"`
}

// RemoveBridgedReaction retracts an earlier AddBridgedReaction by its
// event id.
type RemoveBridgedReaction struct {
	ReactionID string `json:"reactionId"`
}

// UpdateProfile publishes display name and avatar for a DID.
type UpdateProfile struct {
	DID    string `json:"did"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// SidebarCategory is one category with its child room ids, ordered as
// it should render.
type SidebarCategory struct {
	Name     string   `json:"name"`
	Children []string `json:"children"`
}

// UpdateSidebar replaces the space's sidebar structure.
type UpdateSidebar struct {
	Categories []SidebarCategory `json:"categories"`
}

// Attachment $type NSIDs carried inside the attachments extension.
const (
	AttachmentFile  = "space.roomy.attachment.file.v0"
	AttachmentReply = "space.roomy.attachment.reply.v0"
)

// An Attachment is either a lifted Discord file attachment or a reply
// reference whose Target is the replied-to message's Roomy id.
type Attachment struct {
	Type        string `json:"$type"`
	URL         string `json:"url,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Target      string `json:"target,omitempty"`
}

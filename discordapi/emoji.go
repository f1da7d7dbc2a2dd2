package discordapi

import (
	"fmt"
	"regexp"
)

var customEmojiRe = regexp.MustCompile(`^<(a?):([A-Za-z0-9_~]+):([0-9]+)>$`)

// ParseEmoji turns a Roomy-side reaction string into an Emoji. Custom
// emoji arrive as <:name:id> (animated: <a:name:id>); anything else is
// unicode and passes through as the name.
func ParseEmoji(reaction string) Emoji {
	if match := customEmojiRe.FindStringSubmatch(reaction); match != nil {
		return Emoji{Animated: match[1] == "a", Name: match[2], ID: match[3]}
	}
	return Emoji{Name: reaction}
}

// String renders the emoji in Roomy's reaction string format.
func (e Emoji) String() string {
	if e.ID == "" {
		return e.Name
	}
	if e.Animated {
		return fmt.Sprintf("<a:%s:%s>", e.Name, e.ID)
	}
	return fmt.Sprintf("<:%s:%s>", e.Name, e.ID)
}

// Key is the emoji's identity for reaction mapping keys: the custom
// emoji snowflake when present, else the unicode code-point string.
func (e Emoji) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Name
}

// APIName is the form used in reaction REST routes: "name:id" for
// custom emoji, the raw character for unicode.
func (e Emoji) APIName() string {
	if e.ID != "" {
		return e.Name + ":" + e.ID
	}
	return e.Name
}

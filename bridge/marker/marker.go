// Package marker embeds and extracts Roomy room identifiers in Discord
// channel topics and thread starter messages. The marker makes
// Roomy→Discord channel creation idempotent without a KV lookup: a
// channel bearing a valid marker is adopted, anything else is created
// fresh and stamped.
package marker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

// The exact wire bytes. Both are load-bearing: other Roomy tooling
// greps for them.
const (
	markerPrefix = "[Synced from Roomy: "
	markerSuffix = "]"
	spaceBaseURL = "https://roomy.space"
)

// ULIDs are 26 chars of Crockford base32, which excludes I, L, O and U.
var (
	topicMarkerRe = regexp.MustCompile(`\[Synced from Roomy: ([0-9A-HJKMNP-TV-Z]{26})\]`)
	starterURLRe  = regexp.MustCompile(`https://roomy\.space/([^/\s]+)/([0-9A-HJKMNP-TV-Z]{26})`)
)

// Extract returns the room ULID embedded in the topic, if any.
func Extract(topic string) (string, bool) {
	match := topicMarkerRe.FindStringSubmatch(topic)
	if match == nil {
		return "", false
	}
	if _, err := ulid.ParseStrict(match[1]); err != nil {
		return "", false
	}
	return match[1], true
}

// IsSynced reports whether the topic carries a valid marker.
func IsSynced(topic string) bool {
	_, ok := Extract(topic)
	return ok
}

// Add appends the marker for roomID, replacing any existing marker.
// The roomID must be a valid ULID.
func Add(topic, roomID string) (string, error) {
	if _, err := ulid.ParseStrict(roomID); err != nil {
		return "", fmt.Errorf("invalid room ulid %q: %w", roomID, err)
	}
	topic = Remove(topic)
	marker := markerPrefix + roomID + markerSuffix
	if topic == "" {
		return marker, nil
	}
	return topic + " " + marker, nil
}

// Remove strips every marker from the topic.
func Remove(topic string) string {
	topic = topicMarkerRe.ReplaceAllString(topic, "")
	return strings.TrimSpace(topic)
}

// StarterURL builds the canonical room URL placed in a pinned thread
// starter message, which plays the marker's role for threads (threads
// have no topic).
func StarterURL(spaceDid, roomID string) string {
	return fmt.Sprintf("%s/%s/%s", spaceBaseURL, spaceDid, roomID)
}

// ExtractURL returns the (spaceDid, roomID) referenced by a starter
// message, if any.
func ExtractURL(content string) (spaceDid, roomID string, ok bool) {
	match := starterURLRe.FindStringSubmatch(content)
	if match == nil {
		return "", "", false
	}
	if _, err := ulid.ParseStrict(match[2]); err != nil {
		return "", "", false
	}
	return match[1], match[2], true
}

// Package hashutil computes the truncated fingerprints the bridge uses
// for idempotency and change detection. All fingerprints are the first
// 32 hex characters of a SHA-256 digest so they fit comfortably in KV
// values and Discord-side nonce indexes.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const truncatedHexLen = 32

func truncatedSum(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:truncatedHexLen]
}

// ContentHash fingerprints a message body together with its attachment
// URLs. URLs are sorted first so the hash is stable under Discord
// returning attachments in a different order.
func ContentHash(content string, attachmentURLs []string) string {
	urls := make([]string, len(attachmentURLs))
	copy(urls, attachmentURLs)
	sort.Strings(urls)
	return truncatedSum(content + "|" + strings.Join(urls, "|"))
}

// ProfileHash fingerprints the subset of a Discord user profile the
// bridge mirrors. A change in any component forces a profile update
// event; anything else is skipped.
func ProfileHash(username, globalName, avatar string) string {
	return truncatedSum(username + "|" + globalName + "|" + avatar)
}

// A SidebarCategory is one category with its child rooms, as used for
// sidebar fingerprinting and sidebar update events.
type SidebarCategory struct {
	Name     string   `json:"name"`
	Children []string `json:"children"`
}

// SidebarHash fingerprints the category structure. Categories are
// sorted by name and children within each category are sorted, so the
// hash is invariant under reordering of the same set.
func SidebarHash(categories []SidebarCategory) string {
	normalized := make([]SidebarCategory, len(categories))
	for i, category := range categories {
		children := make([]string, len(category.Children))
		copy(children, category.Children)
		sort.Strings(children)
		normalized[i] = SidebarCategory{Name: category.Name, Children: children}
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].Name < normalized[j].Name })

	var b strings.Builder
	for _, category := range normalized {
		b.WriteString(category.Name)
		b.WriteString("=")
		b.WriteString(strings.Join(category.Children, ","))
		b.WriteString(";")
	}
	return truncatedSum(b.String())
}

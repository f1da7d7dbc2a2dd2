package discordapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEmoji(t *testing.T) {
	tests := []struct {
		name     string
		reaction string
		want     Emoji
	}{
		{"unicode", "👍", Emoji{Name: "👍"}},
		{"custom", "<:blob:123456>", Emoji{Name: "blob", ID: "123456"}},
		{"animated", "<a:party:987>", Emoji{Name: "party", ID: "987", Animated: true}},
		{"not quite custom", "<:missing-id:>", Emoji{Name: "<:missing-id:>"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseEmoji(tc.reaction))
		})
	}
}

func TestEmojiStringRoundTrip(t *testing.T) {
	for _, reaction := range []string{"👍", "<:blob:123456>", "<a:party:987>"} {
		assert.Equal(t, reaction, ParseEmoji(reaction).String())
	}
}

func TestEmojiKey(t *testing.T) {
	assert.Equal(t, "👍", Emoji{Name: "👍"}.Key())
	assert.Equal(t, "123456", Emoji{Name: "blob", ID: "123456"}.Key())
}

func TestEmojiAPIName(t *testing.T) {
	assert.Equal(t, "👍", Emoji{Name: "👍"}.APIName())
	assert.Equal(t, "blob:123456", Emoji{Name: "blob", ID: "123456"}.APIName())
}

func TestUserDisplayNameAndHandle(t *testing.T) {
	u := User{ID: "400", Username: "someone", Discriminator: "0", GlobalName: "Someone"}
	assert.Equal(t, "Someone", u.DisplayName())
	assert.Equal(t, "someone", u.Handle())

	legacy := User{ID: "400", Username: "someone", Discriminator: "1234"}
	assert.Equal(t, "someone", legacy.DisplayName())
	assert.Equal(t, "someone#1234", legacy.Handle())
}

func TestUserAvatarURL(t *testing.T) {
	assert.Empty(t, (&User{ID: "400"}).AvatarURL())
	assert.Equal(t,
		"https://cdn.discordapp.com/avatars/400/abc.png",
		(&User{ID: "400", Avatar: "abc"}).AvatarURL())
}

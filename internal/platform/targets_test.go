package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTweetID(t *testing.T) {
	tests := map[string]string{
		"1234567890":                                "1234567890",
		"https://x.com/quest/status/1234567890":     "1234567890",
		"https://twitter.com/quest/statuses/42?s=1": "42",
		"https://x.com/quest":                       "",
	}
	for in, want := range tests {
		got, ok := TweetID(in)
		assert.Equal(t, want != "", ok, in)
		assert.Equal(t, want, got, in)
	}
}

func TestTwitterHandle(t *testing.T) {
	tests := map[string]string{
		"@questhub":                    "questhub",
		"questhub":                     "questhub",
		"https://x.com/questhub":       "questhub",
		"https://twitter.com/q_h/with": "q_h",
		"not a handle":                 "",
	}
	for in, want := range tests {
		got, ok := TwitterHandle(in)
		assert.Equal(t, want != "", ok, in)
		assert.Equal(t, want, got, in)
	}
}

func TestDiscordGuild(t *testing.T) {
	id, invite, ok := DiscordGuild("81384788765712384")
	assert.True(t, ok)
	assert.Equal(t, "81384788765712384", id)
	assert.Empty(t, invite)

	id, invite, ok = DiscordGuild("https://discord.gg/quest-hub")
	assert.True(t, ok)
	assert.Empty(t, id)
	assert.Equal(t, "quest-hub", invite)

	_, _, ok = DiscordGuild("https://example.com/?x=1")
	assert.False(t, ok)
}

func TestTelegramChat(t *testing.T) {
	tests := map[string]string{
		"@questhub":               "@questhub",
		"https://t.me/questhub":   "@questhub",
		"https://t.me/questhub/5": "@questhub",
		"-1001234567890":          "-1001234567890",
		"https://t.me/+AbCdEf":    "",
		"https://t.me/joinchat/x": "",
	}
	for in, want := range tests {
		got, ok := TelegramChat(in)
		assert.Equal(t, want != "", ok, in)
		assert.Equal(t, want, got, in)
	}
}

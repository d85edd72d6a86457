package platform

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	tweetIDPattern   = regexp.MustCompile(`/status(?:es)?/(\d+)`)
	numericPattern   = regexp.MustCompile(`^-?\d+$`)
	handlePattern    = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)
	inviteURLPattern = regexp.MustCompile(`(?:discord\.gg|discord(?:app)?\.com/invite)/([A-Za-z0-9-]+)`)
)

// TweetID extracts a tweet id from a status URL or a bare id.
func TweetID(target string) (string, bool) {
	target = strings.TrimSpace(target)
	if numericPattern.MatchString(target) {
		return target, true
	}
	if m := tweetIDPattern.FindStringSubmatch(target); m != nil {
		return m[1], true
	}
	return "", false
}

// TwitterHandle extracts a handle from "@h", "h" or a profile URL.
func TwitterHandle(target string) (string, bool) {
	target = strings.TrimSpace(target)
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		target = strings.Trim(u.Path, "/")
		if i := strings.Index(target, "/"); i >= 0 {
			target = target[:i]
		}
	}
	target = strings.TrimPrefix(target, "@")
	if !handlePattern.MatchString(target) {
		return "", false
	}
	return target, true
}

// DiscordGuild returns a guild id, or an invite code to resolve.
func DiscordGuild(target string) (guildID, invite string, ok bool) {
	target = strings.TrimSpace(target)
	if numericPattern.MatchString(target) {
		return target, "", true
	}
	if m := inviteURLPattern.FindStringSubmatch(target); m != nil {
		return "", m[1], true
	}
	if handlePattern.MatchString(strings.ReplaceAll(target, "-", "_")) {
		return "", target, true
	}
	return "", "", false
}

// TelegramChat returns a chat_id parameter from "@name", a t.me URL or a numeric id.
func TelegramChat(target string) (string, bool) {
	target = strings.TrimSpace(target)
	if numericPattern.MatchString(target) {
		return target, true
	}
	if u, err := url.Parse(target); err == nil && (u.Host == "t.me" || u.Host == "telegram.me") {
		target = strings.Trim(u.Path, "/")
		if strings.HasPrefix(target, "+") || strings.HasPrefix(target, "joinchat") {
			// private invite links carry no resolvable chat id
			return "", false
		}
		if i := strings.Index(target, "/"); i >= 0 {
			target = target[:i]
		}
	}
	target = strings.TrimPrefix(target, "@")
	if !handlePattern.MatchString(target) {
		return "", false
	}
	return "@" + target, true
}

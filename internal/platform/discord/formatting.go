package discord

import (
	"regexp"
	"strings"
)

var (
	userMention    = regexp.MustCompile(`<@!?(\d+)>`)
	channelMention = regexp.MustCompile(`<#(\d+)>`)
	roleMention    = regexp.MustCompile(`<@&(\d+)>`)
	customEmoji    = regexp.MustCompile(`<a?(:\w+:)\d+>`)
)

// StripDiscordMarkup rewrites Discord-only syntax into plain text so the
// content reads sensibly on the Umbra side. Standard markdown (bold, italic,
// code) passes through untouched.
func StripDiscordMarkup(content string, usernames map[string]string) string {
	out := userMention.ReplaceAllStringFunc(content, func(m string) string {
		id := userMention.FindStringSubmatch(m)[1]
		if name, ok := usernames[id]; ok && name != "" {
			return "@" + name
		}
		return "@user"
	})
	out = channelMention.ReplaceAllString(out, "#channel")
	out = roleMention.ReplaceAllString(out, "@role")
	out = customEmoji.ReplaceAllString(out, "$1")
	return strings.TrimSpace(out)
}

// EscapeForDiscord neutralizes @everyone/@here pings in content that came
// from the other side of the bridge.
func EscapeForDiscord(content string) string {
	out := strings.ReplaceAll(content, "@everyone", "@​everyone")
	out = strings.ReplaceAll(out, "@here", "@​here")
	return out
}

package inbound

import (
	"strings"
)

// Authorization outcomes.
const (
	ReasonOK                = "ok"
	ReasonChatNotAllowed    = "chat_not_allowed"
	ReasonUserNotAllowed    = "user_not_allowed"
	ReasonGroupNotActivated = "group_not_activated"
)

// ActivationPrefix is the slash prefix that addresses the bot in a group
// without an explicit @mention.
const ActivationPrefix = "/rho"

// Policy holds the operator allowlists and gating flags for Authorize.
type Policy struct {
	AllowedChatIDs []int64
	AllowedUserIDs []int64
	// Strict makes an empty allowlist deny-all instead of allow-all.
	Strict bool
	// RequireMentionInGroups gates group messages on explicit addressing.
	RequireMentionInGroups bool
	BotUsername            string
}

// Decision is the outcome of Authorize.
type Decision struct {
	OK     bool
	Reason string
}

// Authorize gates an envelope through the allowlists and group activation
// rules. Order matters: chat first, then user, then group activation.
func Authorize(env *Envelope, p Policy) Decision {
	if !allowed(env.ChatID, p.AllowedChatIDs, p.Strict) {
		return Decision{Reason: ReasonChatNotAllowed}
	}
	if !allowed(env.UserID, p.AllowedUserIDs, p.Strict) {
		return Decision{Reason: ReasonUserNotAllowed}
	}
	if !env.IsPrivate() && p.RequireMentionInGroups && !groupActivated(env, p.BotUsername) {
		return Decision{Reason: ReasonGroupNotActivated}
	}
	return Decision{OK: true, Reason: ReasonOK}
}

// allowed applies the allowlist rule. Under strict mode an empty list denies
// everyone; otherwise an empty list is no restriction.
func allowed(id int64, list []int64, strict bool) bool {
	if len(list) == 0 {
		return !strict
	}
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// groupActivated reports whether a group message addresses the bot: a reply
// to the bot, the activation prefix, or a case-insensitive @mention.
func groupActivated(env *Envelope, botUsername string) bool {
	if env.IsReplyToBot {
		return true
	}
	text := strings.TrimSpace(env.Text)
	if strings.HasPrefix(text, ActivationPrefix) {
		return true
	}
	if botUsername != "" {
		mention := "@" + strings.ToLower(botUsername)
		if strings.Contains(strings.ToLower(text), mention) {
			return true
		}
	}
	return false
}

// StripMention removes one "@botname" mention from text so the prompt the
// agent sees reads naturally.
func StripMention(text, botUsername string) string {
	if botUsername == "" {
		return text
	}
	mention := "@" + botUsername
	idx := strings.Index(strings.ToLower(text), strings.ToLower(mention))
	if idx < 0 {
		return text
	}
	stripped := text[:idx] + text[idx+len(mention):]
	return strings.TrimSpace(strings.ReplaceAll(stripped, "  ", " "))
}

// Package slash parses slash commands and classifies them against the
// agent-discovered command inventory. It is a leaf: the RPC runtime calls in,
// never the other way around.
package slash

import (
	"strings"
)

// Parse kinds.
const (
	KindNotSlash = "not_slash"
	KindInvalid  = "invalid"
	KindSlash    = "slash"
)

// Classifications.
const (
	ClassNotSlash        = "not_slash"
	ClassInvalid         = "invalid"
	ClassSupported       = "supported"
	ClassInteractiveOnly = "interactive_only"
	ClassUnsupported     = "unsupported"
)

// Local commands the worker handles without forwarding to the agent.
var localCommands = map[string]bool{
	"new":    true,
	"tts":    true,
	"jobs":   true,
	"job":    true,
	"cancel": true,
}

// aliases map user-facing commands onto provider skill names.
var aliases = map[string]string{
	"plan": "planning-with-files",
	"code": "deep-coder",
}

// backgroundEligible are slash commands whose foreground timeout promotes the
// prompt to a background job instead of failing it.
var backgroundEligible = map[string]bool{
	"plan": true,
	"code": true,
	"sop":  true,
}

// Parsed is the result of Parse.
type Parsed struct {
	Kind        string
	CommandName string
	Args        string
}

// Parse interprets a message as a slash command. A leading "//" escapes the
// slash and is not a command; "/" alone or "/<junk>" is invalid.
func Parse(message string) Parsed {
	text := strings.TrimSpace(message)
	if !strings.HasPrefix(text, "/") {
		return Parsed{Kind: KindNotSlash}
	}
	if strings.HasPrefix(text, "//") {
		return Parsed{Kind: KindNotSlash}
	}
	body := text[1:]
	name := body
	args := ""
	if idx := strings.IndexAny(body, " \t"); idx >= 0 {
		name = body[:idx]
		args = strings.TrimSpace(body[idx+1:])
	}
	if name == "" || !validCommandName(name) {
		return Parsed{Kind: KindInvalid}
	}
	return Parsed{Kind: KindSlash, CommandName: name, Args: args}
}

func validCommandName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// NormalizeMentionSuffix rewrites "/cmd@botname args" to "/cmd args" when the
// suffix names our bot. Other bots' commands are left untouched.
func NormalizeMentionSuffix(message, botUsername string) string {
	text := strings.TrimSpace(message)
	if botUsername == "" || !strings.HasPrefix(text, "/") || strings.HasPrefix(text, "//") {
		return message
	}
	head := text
	rest := ""
	if idx := strings.IndexAny(text, " \t"); idx >= 0 {
		head = text[:idx]
		rest = text[idx:]
	}
	at := strings.Index(head, "@")
	if at < 0 {
		return message
	}
	if !strings.EqualFold(head[at+1:], botUsername) {
		return message
	}
	return head[:at] + rest
}

// ResolveAlias maps a user-facing command to the provider skill name the
// agent knows it by.
func ResolveAlias(name string) string {
	if skill, ok := aliases[name]; ok {
		return skill
	}
	return name
}

// IsLocal reports whether the worker handles the command itself.
func IsLocal(name string) bool { return localCommands[strings.ToLower(name)] }

// BackgroundEligible reports whether a timed-out slash prompt may be promoted
// to a background job.
func BackgroundEligible(name string) bool { return backgroundEligible[strings.ToLower(name)] }

// InventoryEntry is one command discovered from the agent.
type InventoryEntry struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Description string `json:"description"`
	Path        string `json:"path"`
	Location    string `json:"location"`
	Interactive bool   `json:"interactive"`
}

// Classification is the result of Classify.
type Classification struct {
	Class   string
	Command *InventoryEntry
	Name    string
}

// Classify matches a message against the discovered inventory. interactiveOnly
// names commands that exist but cannot run over the bridge.
func Classify(message string, inventory map[string]InventoryEntry, interactiveOnly map[string]bool) Classification {
	p := Parse(message)
	switch p.Kind {
	case KindNotSlash:
		return Classification{Class: ClassNotSlash}
	case KindInvalid:
		return Classification{Class: ClassInvalid}
	}
	name := ResolveAlias(p.CommandName)
	if interactiveOnly[name] {
		return Classification{Class: ClassInteractiveOnly, Name: name}
	}
	if entry, ok := inventory[name]; ok {
		if entry.Interactive {
			return Classification{Class: ClassInteractiveOnly, Name: name, Command: &entry}
		}
		return Classification{Class: ClassSupported, Name: name, Command: &entry}
	}
	return Classification{Class: ClassUnsupported, Name: name}
}

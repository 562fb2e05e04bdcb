// Package sysprompt provides utilities for injecting system-level
// instructions and resumed-conversation context into agent prompts.
//
// Injected content is wrapped in <avatar-system> tags so it can be stripped
// before displaying conversation history to users, and so session stores can
// skip it when deriving titles.
package sysprompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/avatar-engine/avatar-engine/internal/types"
)

// System tag constants for marking system-injected content.
const (
	// TagStart marks the beginning of system-injected content.
	TagStart = "<avatar-system>"
	// TagEnd marks the end of system-injected content.
	TagEnd = "</avatar-system>"
)

// Defaults for the resumed-conversation context block.
const (
	// DefaultContextMessages is how many trailing messages are replayed.
	DefaultContextMessages = 20
	// DefaultContextCharsPerMessage caps each replayed message.
	DefaultContextCharsPerMessage = 2000
)

// systemTagRegex matches <avatar-system>...</avatar-system> content including the tags.
var systemTagRegex = regexp.MustCompile(`<avatar-system>[\s\S]*?</avatar-system>\s*`)

// StripSystemContent removes all <avatar-system>...</avatar-system> blocks
// from text. Used to hide injected content from UIs.
func StripSystemContent(text string) string {
	return systemTagRegex.ReplaceAllString(text, "")
}

// IsInjected reports whether text begins with system-injected content.
// Session stores use this to skip injected blocks when deriving titles.
func IsInjected(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), TagStart)
}

// Wrap wraps content in <avatar-system> tags to mark it as system-injected.
func Wrap(content string) string {
	return TagStart + content + TagEnd
}

// InjectSystemPrompt prepends a system prompt to the first user message of a
// session, for agents with no native system-prompt flag. The caller is
// responsible for doing this only once per session.
func InjectSystemPrompt(systemPrompt, prompt string) string {
	if systemPrompt == "" {
		return prompt
	}
	return Wrap("System instructions:\n"+systemPrompt) + "\n\n" + prompt
}

// BuildConversationContext renders the tail of a stored conversation as a
// bracketed context block to prefix onto the next prompt after a filesystem
// resume. Replays at most maxMessages, each capped at maxChars runes. Zero
// values select the package defaults. Returns "" for empty history.
func BuildConversationContext(messages []types.Message, maxMessages, maxChars int) string {
	if len(messages) == 0 {
		return ""
	}
	if maxMessages <= 0 {
		maxMessages = DefaultContextMessages
	}
	if maxChars <= 0 {
		maxChars = DefaultContextCharsPerMessage
	}
	if len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}

	var b strings.Builder
	b.WriteString("[Previous conversation]\n")
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if runes := []rune(content); len(runes) > maxChars {
			content = string(runes[:maxChars]) + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", roleLabel(msg.Role), content)
	}
	b.WriteString("[End of previous conversation]")
	return b.String()
}

// InjectConversationContext prepends a resumed-conversation context block to
// a user's prompt. The block is wrapped in <avatar-system> tags.
func InjectConversationContext(contextBlock, prompt string) string {
	if contextBlock == "" {
		return prompt
	}
	return Wrap(contextBlock) + "\n\n" + prompt
}

func roleLabel(r types.Role) string {
	switch r {
	case types.RoleUser:
		return "User"
	case types.RoleAssistant:
		return "Assistant"
	default:
		return "System"
	}
}

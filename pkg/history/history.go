// Package history validates, sanitizes, and trims conversation history
// before every generation call. All functions are pure.
package history

import (
	"fmt"
	"regexp"
	"strings"

	"readvoice/pkg/ai"
	"readvoice/pkg/domain"
)

const (
	// MaxMessages is the hard cap on history length accepted for a call.
	MaxMessages = 50
	// MaxContentLength is the per-message content cap in characters.
	MaxContentLength = 10000
	// DefaultWindow is how many recent entries a generation call keeps.
	DefaultWindow = 10
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	roleLabel     = regexp.MustCompile(`(?i)\b(system|assistant|user)\s*:`)
)

// Validate checks a history sequence and returns the first violation found.
func Validate(messages []domain.Message) error {
	if len(messages) > MaxMessages {
		return fmt.Errorf("history too long: %d messages exceeds cap of %d", len(messages), MaxMessages)
	}
	for i, msg := range messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			return fmt.Errorf("message %d: invalid role %q", i, msg.Role)
		}
		if msg.Content == "" {
			return fmt.Errorf("message %d: content required", i)
		}
		if len(msg.Content) > MaxContentLength {
			return fmt.Errorf("message %d: content length %d exceeds cap of %d", i, len(msg.Content), MaxContentLength)
		}
	}
	return nil
}

// Trim keeps the most recent maxMessages entries, then drops one additional
// oldest entry when the kept count is odd and greater than one, so the window
// tends to hold complete user/assistant pairs. The odd-drop rule is a
// heuristic: unbalanced input history can still yield non-alternating output.
func Trim(messages []domain.Message, maxMessages int) []domain.Message {
	if maxMessages <= 0 {
		maxMessages = DefaultWindow
	}
	kept := messages
	if len(kept) > maxMessages {
		kept = kept[len(kept)-maxMessages:]
	}
	if len(kept) > 1 && len(kept)%2 == 1 {
		kept = kept[1:]
	}
	out := make([]domain.Message, len(kept))
	copy(out, kept)
	return out
}

// EstimateTokens approximates token count as ceil(len/4). Used for cost
// logging only, never as a hard limit.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Sanitize trims and collapses whitespace, strips role-label prefixes that
// could smuggle instructions through stored content, and truncates to the
// per-message cap.
func Sanitize(content string) string {
	content = roleLabel.ReplaceAllString(content, "")
	content = whitespaceRun.ReplaceAllString(strings.TrimSpace(content), " ")
	content = strings.TrimSpace(content)
	if len(content) > MaxContentLength {
		content = content[:MaxContentLength]
	}
	return content
}

// ToTurns maps internal roles to the generation backend's vocabulary:
// "assistant" becomes "model", "user" passes through.
func ToTurns(messages []domain.Message) []ai.Turn {
	turns := make([]ai.Turn, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		turns = append(turns, ai.Turn{Role: role, Text: msg.Content})
	}
	return turns
}

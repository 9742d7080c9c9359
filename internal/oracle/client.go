// Package oracle provides the LLM text-completion clients the curation
// pipeline calls, plus the hybrid primary/secondary wrapper with automatic
// fail-over. The oracle is treated as non-deterministic, fallible, and
// rate-limited; every call may error and callers must degrade softly.
package oracle

import "context"

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one entry in the ordered prompt passed to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries the per-call token and temperature budget.
type Options struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Client is the text-completion capability consumed by the task layer.
// Implementations must be safe for concurrent calls.
type Client interface {
	Generate(ctx context.Context, messages []Message, opts Options) (string, error)
}

// systemAndUser splits a message list into the (first) system prompt and the
// concatenated user content, for providers that take system out of band.
func systemAndUser(messages []Message) (system string, user string) {
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system == "" {
				system = m.Content
			}
		default:
			if user != "" {
				user += "\n\n"
			}
			user += m.Content
		}
	}
	return system, user
}

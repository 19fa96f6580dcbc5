// Package llm provides the language-model providers the tutor talks to
// and the [Completer] that turns a prompt into one reply.
package llm

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace matches config.LevelTrace; provider payloads log at it.
const LevelTrace = slog.Level(-8)

// Client is a chat completion provider.
type Client interface {
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)
	// Ping reports whether the provider is reachable.
	Ping(ctx context.Context) error
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is a provider reply converted out of its wire format.
type ChatResponse struct {
	Model   string
	Message Message

	InputTokens  int
	OutputTokens int

	// Duration is the wall time of the provider call.
	Duration time.Duration
}

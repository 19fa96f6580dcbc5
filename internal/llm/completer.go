package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrEmptyReply is returned when the model answers with no visible text.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Completer sends single-prompt completions to a fixed model. It is the
// model collaborator the tutor engine depends on.
type Completer struct {
	client  Client
	model   string
	logger  *slog.Logger
	observe func(ctx context.Context, resp *ChatResponse)
}

// OnResponse registers fn to be called with every successful model
// response, before the empty-reply check. It must be set before the
// Completer is shared.
func (c *Completer) OnResponse(fn func(ctx context.Context, resp *ChatResponse)) {
	c.observe = fn
}

// NewCompleter binds client to model.
func NewCompleter(client Client, model string, logger *slog.Logger) *Completer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Completer{
		client: client,
		model:  model,
		logger: logger.With("model", model),
	}
}

// Model returns the bound model name.
func (c *Completer) Model() string { return c.model }

// Complete sends prompt as a single user message and returns the reply
// text. A whitespace-only reply is reported as ErrEmptyReply.
func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	c.logger.Log(ctx, LevelTrace, "prompt", "text", prompt)

	resp, err := c.client.Chat(ctx, c.model, []Message{{Role: RoleUser, Content: prompt}})
	if err != nil {
		return "", err
	}

	c.logger.Log(ctx, LevelTrace, "completion", "text", resp.Message.Content)
	if c.observe != nil {
		c.observe(ctx, resp)
	}

	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", ErrEmptyReply
	}
	return resp.Message.Content, nil
}

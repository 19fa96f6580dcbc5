package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/norsk-tutor/internal/httpkit"
)

// OpenAIClient calls the OpenAI chat completion API, or any
// OpenAI-compatible endpoint when a base URL is given.
type OpenAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient constructs an OpenAI-backed client. An empty baseURL
// uses the public OpenAI endpoint.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(120*time.Second),
	)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends the messages to the chat completion API.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	start := time.Now()

	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case openai.ChatMessageRoleSystem, openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant:
		default:
			role = openai.ChatMessageRoleUser
		}
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "model", model, "messages", messages)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: oaMsgs,
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}

	result := &ChatResponse{
		Model:        resp.Model,
		Message:      Message{Role: RoleAssistant},
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}
	if len(resp.Choices) > 0 {
		result.Message.Content = resp.Choices[0].Message.Content
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"choices", len(resp.Choices),
	)
	return result, nil
}

// Ping lists models to verify the endpoint and key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

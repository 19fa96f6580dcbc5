package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/norsk-tutor/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. Dial failures against a
// LAN Ollama host are retried a few times before the call fails.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "ollama")
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		httpClient: httpkit.NewClient(
			// Local models can be slow to load; rely on ctx deadlines.
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(5*time.Minute),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	TotalDuration   int64   `json:"total_duration,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	start := time.Now()
	req := ollamaChatRequest{Model: model, Messages: messages}

	c.logger.Log(ctx, LevelTrace, "request payload", "model", model, "messages", messages)

	var resp ollamaChatResponse
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/chat", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	result := &ChatResponse{
		Model:        resp.Model,
		Message:      resp.Message,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
		Duration:     time.Duration(resp.TotalDuration),
	}
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"duration", result.Duration,
	)
	return result, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/api/tags", nil, nil, nil); err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	return nil
}

// ListModels returns the models installed on the Ollama host.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/api/tags", nil, nil, &result); err != nil {
		return nil, fmt.Errorf("ollama list models: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

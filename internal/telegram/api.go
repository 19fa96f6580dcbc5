// Package telegram connects learners on Telegram to the tutor through
// the Bot API: long polling for inbound messages, HTML-formatted
// replies with a plain-text fallback, and delivery of scheduled
// lessons.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/norsk-tutor/internal/httpkit"
)

// Parse modes accepted by SendMessage.
const (
	ParseModeNone = ""
	ParseModeHTML = "HTML"
)

// APIError is an error reported by the Bot API itself.
type APIError struct {
	Code        int    `json:"error_code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api %d: %s", e.Code, e.Description)
}

// IsParseError reports whether err is Telegram rejecting message
// entities, which is what malformed HTML produces.
func IsParseError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Description), "entities")
}

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // private, group, supergroup or channel
}

// Message is an inbound message. Only the fields the bridge reads are
// decoded.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// Update is one getUpdates result.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// envelope wraps every Bot API response.
type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// API is a minimal Bot API client.
type API struct {
	http    *http.Client
	baseURL string
	token   string
	logger  *slog.Logger
}

// NewAPI creates a client for the bot identified by token. A nil
// client gets an httpkit client with a timeout long enough for long
// polling.
func NewAPI(baseURL, token string, client *http.Client, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(90*time.Second),
			httpkit.WithRetry(3, time.Second),
			httpkit.WithLogger(logger),
		)
	}
	return &API{
		http:    client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger,
	}
}

// call invokes method with params as a JSON body and decodes the
// result into out. The bot token never appears in returned errors.
func (a *API) call(ctx context.Context, method string, params, out any) error {
	url := fmt.Sprintf("%s/bot%s/%s", a.baseURL, a.token, method)

	httpMethod := http.MethodGet
	if params != nil {
		httpMethod = http.MethodPost
	}

	var env envelope
	err := httpkit.DoJSON(ctx, a.http, httpMethod, url, nil, params, &env)
	if err != nil {
		var se *httpkit.StatusError
		if errors.As(err, &se) {
			apiErr := &APIError{Code: se.StatusCode, Description: se.Body}
			// Error bodies are envelopes too.
			var body envelope
			if json.Unmarshal([]byte(se.Body), &body) == nil && body.Description != "" {
				apiErr.Description = body.Description
			}
			return fmt.Errorf("%s: %w", method, apiErr)
		}
		return fmt.Errorf("%s: %s", method, a.redact(err))
	}
	if !env.OK {
		return fmt.Errorf("%s: %w", method, &APIError{Code: env.ErrorCode, Description: env.Description})
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (a *API) redact(err error) string {
	msg := err.Error()
	if a.token != "" {
		msg = strings.ReplaceAll(msg, a.token, "<token>")
	}
	return msg
}

// GetMe returns the bot's own user. Used as a health probe.
func (a *API) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := a.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Ping checks the token and connectivity.
func (a *API) Ping(ctx context.Context) error {
	_, err := a.GetMe(ctx)
	return err
}

// GetUpdates long-polls for updates with id >= offset, waiting up to
// timeout for one to arrive.
func (a *API) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	secs := max(int(timeout.Seconds()), 0)
	params := map[string]any{
		"timeout":         secs,
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		params["offset"] = offset
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var updates []Update
	if err := a.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends text to chatID in the given parse mode.
func (a *API) SendMessage(ctx context.Context, chatID int64, text, parseMode string) error {
	params := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if parseMode != ParseModeNone {
		params["parse_mode"] = parseMode
	}
	return a.call(ctx, "sendMessage", params, nil)
}

// SendChatAction shows a transient status such as "typing".
func (a *API) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return a.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  action,
	}, nil)
}

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nugget/norsk-tutor/internal/events"
	"github.com/nugget/norsk-tutor/internal/transport"
)

// Channel is the user id prefix for Telegram learners.
const Channel = "telegram"

// Operational state key for the update offset.
const (
	stateNamespace = "telegram"
	stateOffset    = "update_offset"
)

// DefaultHandleTimeout bounds one inbound message, tutor turn and reply
// included.
const DefaultHandleTimeout = 5 * time.Minute

// Handler answers one inbound message.
type Handler interface {
	HandleInbound(ctx context.Context, userID, text string) (string, error)
}

// OffsetStore persists the update offset across restarts.
type OffsetStore interface {
	GetInt(namespace, key string) (int64, error)
	SetInt(namespace, key string, n int64) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	API           *API
	Handler       Handler
	State         OffsetStore // optional
	Bus           *events.Bus
	Logger        *slog.Logger
	PollTimeout   time.Duration // 0 = 30s
	HandleTimeout time.Duration // 0 = DefaultHandleTimeout
}

// Bridge long-polls the Bot API and answers private messages through
// the tutor. Each chat is served by its own worker so one learner's
// messages are answered in order while different learners proceed in
// parallel.
type Bridge struct {
	api         *API
	handler     Handler
	state       OffsetStore
	bus         *events.Bus
	logger      *slog.Logger
	pollTimeout time.Duration
	timeout     time.Duration
	workers     *transport.Workers
	offset      int64
}

// NewBridge creates a Telegram bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = DefaultHandleTimeout
	}
	return &Bridge{
		api:         cfg.API,
		handler:     cfg.Handler,
		state:       cfg.State,
		bus:         cfg.Bus,
		logger:      logger,
		pollTimeout: cfg.PollTimeout,
		timeout:     cfg.HandleTimeout,
		workers:     transport.NewWorkers(0, 0),
	}
}

// Run polls for updates until ctx is cancelled, then waits for
// in-flight messages to finish.
func (b *Bridge) Run(ctx context.Context) {
	defer b.workers.Close()

	b.loadOffset()
	if me, err := b.api.GetMe(ctx); err != nil {
		b.logger.Warn("telegram getMe failed, polling anyway", "error", err)
	} else {
		b.logger.Info("telegram bridge started", "bot", me.Username, "offset", b.offset)
	}

	backoff := time.Second
	for ctx.Err() == nil {
		updates, err := b.api.GetUpdates(ctx, b.offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.Warn("telegram getUpdates failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			b.dispatch(ctx, u)
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
		}
		if len(updates) > 0 {
			b.saveOffset()
		}
	}
	b.logger.Info("telegram bridge shutting down")
}

// dispatch queues a private text message on its chat's worker.
func (b *Bridge) dispatch(ctx context.Context, u Update) {
	msg := u.Message
	if msg == nil || msg.Text == "" {
		return
	}
	if msg.Chat.Type != "private" {
		b.logger.Debug("telegram ignoring non-private chat", "chat_id", msg.Chat.ID, "type", msg.Chat.Type)
		return
	}
	key := strconv.FormatInt(msg.Chat.ID, 10)
	if !b.workers.Submit(key, func() { b.handle(ctx, msg) }) {
		b.logger.Warn("telegram chat backlog full, dropping message", "chat_id", msg.Chat.ID)
	}
}

func (b *Bridge) handle(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	chatID := msg.Chat.ID
	userID := transport.UserID(Channel, strconv.FormatInt(chatID, 10))

	b.logger.Info("telegram message received", "user", userID, "message_len", len(msg.Text))
	b.bus.Emit(events.SourceTelegram, events.KindMessageReceived, map[string]any{
		"user_id":     userID,
		"message_len": len(msg.Text),
	})

	if err := b.api.SendChatAction(ctx, chatID, "typing"); err != nil {
		b.logger.Debug("telegram typing indicator failed", "error", err)
	}

	reply, err := b.handler.HandleInbound(ctx, userID, msg.Text)
	if err != nil {
		b.logger.Error("telegram turn failed", "user", userID, "error", err)
		return
	}
	if reply == "" {
		return
	}
	if err := b.api.SendText(ctx, chatID, reply); err != nil {
		b.logger.Error("telegram reply send failed", "user", userID, "error", err)
		b.bus.Emit(events.SourceTelegram, events.KindDeliveryFailed, map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

// Send delivers markdown to a "telegram:<chat id>" user. It implements
// transport.Sender.
func (b *Bridge) Send(ctx context.Context, userID, text string) error {
	channel, id, ok := transport.SplitUserID(userID)
	if !ok || channel != Channel {
		return fmt.Errorf("%w: %q is not a telegram user", transport.ErrUnknownChannel, userID)
	}
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram user %q: bad chat id: %w", userID, err)
	}
	return b.api.SendText(ctx, chatID, text)
}

func (b *Bridge) loadOffset() {
	if b.state == nil {
		return
	}
	n, err := b.state.GetInt(stateNamespace, stateOffset)
	if err != nil {
		b.logger.Warn("failed to load telegram offset", "error", err)
		return
	}
	b.offset = n
}

func (b *Bridge) saveOffset() {
	if b.state == nil {
		return
	}
	if err := b.state.SetInt(stateNamespace, stateOffset, b.offset); err != nil {
		b.logger.Warn("failed to save telegram offset", "error", err)
	}
}

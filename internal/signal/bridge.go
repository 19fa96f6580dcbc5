package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/norsk-tutor/internal/events"
	"github.com/nugget/norsk-tutor/internal/format"
	"github.com/nugget/norsk-tutor/internal/transport"
)

// Channel is the user id prefix for Signal learners.
const Channel = "signal"

// DefaultHandleTimeout bounds one inbound message, tutor turn and reply
// included.
const DefaultHandleTimeout = 5 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often idle senders are evicted.
const cleanupInterval = 10 * time.Minute

// Handler answers one inbound message.
type Handler interface {
	HandleInbound(ctx context.Context, userID, text string) (string, error)
}

// RPC is the subset of Client the bridge uses.
type RPC interface {
	Messages() <-chan *Envelope
	Send(ctx context.Context, recipient, message string) (int64, error)
	SendReceipt(ctx context.Context, recipient string, timestamp int64) error
	SendTyping(ctx context.Context, recipient string, stop bool) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client        RPC
	Handler       Handler
	Bus           *events.Bus
	Logger        *slog.Logger
	RateLimit     int           // per sender per minute; 0 = unlimited
	HandleTimeout time.Duration // 0 = DefaultHandleTimeout
}

// Bridge answers Signal direct messages through the tutor and
// delivers outbound lessons. Messages from one sender are handled in
// arrival order; different senders are handled concurrently.
type Bridge struct {
	client    RPC
	handler   Handler
	bus       *events.Bus
	logger    *slog.Logger
	rateLimit int
	timeout   time.Duration
	now       func() time.Time

	workers *transport.Workers

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

// NewBridge creates a Signal bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HandleTimeout
	if timeout <= 0 {
		timeout = DefaultHandleTimeout
	}
	return &Bridge{
		client:      cfg.Client,
		handler:     cfg.Handler,
		bus:         cfg.Bus,
		logger:      logger,
		rateLimit:   cfg.RateLimit,
		timeout:     timeout,
		now:         time.Now,
		workers:     transport.NewWorkers(0, 0),
		senderTimes: make(map[string][]time.Time),
	}
}

// Run handles inbound messages until ctx is cancelled or the client's
// message channel closes, then waits for in-flight messages.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("signal bridge started")
	defer b.workers.Close()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("signal bridge shutting down")
			return
		case env, ok := <-b.client.Messages():
			if !ok {
				b.logger.Info("signal message channel closed, bridge stopping")
				return
			}
			b.accept(ctx, env)
		}
	}
}

// accept filters an envelope and schedules it for handling.
func (b *Bridge) accept(ctx context.Context, env *Envelope) {
	switch {
	case env.Source == "":
		b.logger.Debug("signal ignoring envelope with empty source")
		return
	case env.DataMessage == nil:
		return
	case env.DataMessage.GroupInfo != nil:
		b.logger.Debug("signal ignoring group message",
			"sender", env.Source, "group", env.DataMessage.GroupInfo.GroupID)
		return
	}
	if !b.allowSender(env.Source) {
		b.logger.Warn("signal message rate-limited", "sender", env.Source)
		return
	}

	if !b.workers.Submit(env.Source, func() { b.handle(ctx, env) }) {
		b.logger.Warn("signal sender backlog full, dropping message", "sender", env.Source)
	}
}

// handle runs one message through the tutor and sends the reply.
func (b *Bridge) handle(ctx context.Context, env *Envelope) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	sender := env.Source
	userID := transport.UserID(Channel, sender)
	text := env.DataMessage.Message

	b.logger.Info("signal message received", "user", userID, "message_len", len(text))
	b.bus.Emit(events.SourceSignal, events.KindMessageReceived, map[string]any{
		"user_id":     userID,
		"message_len": len(text),
	})

	if err := b.client.SendReceipt(ctx, sender, env.sentAt()); err != nil {
		b.logger.Debug("signal read receipt failed", "sender", sender, "error", err)
	}
	if err := b.client.SendTyping(ctx, sender, false); err != nil {
		b.logger.Debug("signal typing indicator failed", "error", err)
	}

	reply, err := b.handler.HandleInbound(ctx, userID, text)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if typErr := b.client.SendTyping(stopCtx, sender, true); typErr != nil {
		b.logger.Debug("signal typing stop failed", "error", typErr)
	}

	if err != nil {
		b.logger.Error("signal turn failed", "user", userID, "error", err)
		return
	}
	if reply == "" {
		return
	}
	if err := b.send(ctx, sender, reply); err != nil {
		b.logger.Error("signal reply send failed", "user", userID, "error", err)
		b.bus.Emit(events.SourceSignal, events.KindDeliveryFailed, map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

// Send delivers text to a "signal:<number>" user. It implements
// transport.Sender.
func (b *Bridge) Send(ctx context.Context, userID, text string) error {
	channel, number, ok := transport.SplitUserID(userID)
	if !ok || channel != Channel {
		return fmt.Errorf("%w: %q is not a signal user", transport.ErrUnknownChannel, userID)
	}
	return b.send(ctx, number, text)
}

func (b *Bridge) send(ctx context.Context, number, markdown string) error {
	if _, err := b.client.Send(ctx, number, format.PlainText(markdown)); err != nil {
		return err
	}
	return nil
}

// allowSender reports whether sender is within the per-minute limit.
func (b *Bridge) allowSender(sender string) bool {
	if b.rateLimit <= 0 {
		return true
	}
	now := b.now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeCleanupLocked(now)

	times := b.senderTimes[sender]
	valid := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= b.rateLimit {
		b.senderTimes[sender] = valid
		return false
	}
	b.senderTimes[sender] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts idle senders. b.mu must be held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now
	cutoff := now.Add(-2 * rateWindow)
	for sender, times := range b.senderTimes {
		if len(times) == 0 || times[len(times)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}

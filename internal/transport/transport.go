// Package transport routes outbound messages to the chat channel a
// learner lives on. User ids are channel-qualified ("telegram:42",
// "signal:+4712345678", "http:ola"); the prefix selects the Sender.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownChannel is returned for user ids whose channel has no
// registered Sender.
var ErrUnknownChannel = errors.New("unknown channel")

// Sender delivers text to a user.
type Sender interface {
	Send(ctx context.Context, userID, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, userID, text string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, userID, text string) error {
	return f(ctx, userID, text)
}

// UserID builds a channel-qualified user id.
func UserID(channel, id string) string {
	return channel + ":" + id
}

// SplitUserID returns the channel and channel-local id of userID.
func SplitUserID(userID string) (channel, id string, ok bool) {
	channel, id, ok = strings.Cut(userID, ":")
	if !ok || channel == "" || id == "" {
		return "", "", false
	}
	return channel, id, true
}

// Router is a Sender that dispatches on the user id's channel prefix.
type Router struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register installs s for channel, replacing any previous sender.
func (r *Router) Register(channel string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = s
}

// Channels returns the registered channel names.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for c := range r.senders {
		out = append(out, c)
	}
	return out
}

// Send delivers text via the sender registered for userID's channel.
func (r *Router) Send(ctx context.Context, userID, text string) error {
	channel, _, ok := SplitUserID(userID)
	if !ok {
		return fmt.Errorf("%w: malformed user id %q", ErrUnknownChannel, userID)
	}

	r.mu.RLock()
	s, ok := r.senders[channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return s.Send(ctx, userID, text)
}

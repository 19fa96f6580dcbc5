// Package events is the tutor's operational event bus. The engine,
// transports and scheduler publish; the admin websocket and the MQTT
// publisher subscribe. A nil *Bus accepts and drops everything, so
// publishers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceTutor     = "tutor"
	SourceSignal    = "signal"
	SourceTelegram  = "telegram"
	SourceScheduler = "scheduler"
	SourceAPI       = "api"
)

// Kinds. The data keys each kind carries are listed alongside.
const (
	// KindTurnStart: user_id, trigger.
	KindTurnStart = "turn_start"
	// KindTurnComplete: user_id, trigger, directives, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed: user_id, trigger, error.
	KindTurnFailed = "turn_failed"
	// KindWordsAdded: user_id, words.
	KindWordsAdded = "words_added"
	// KindLanguageChanged: user_id, from, to.
	KindLanguageChanged = "language_changed"
	// KindProfileReset: user_id.
	KindProfileReset = "profile_reset"

	// KindMessageReceived: user_id, message_len.
	KindMessageReceived = "message_received"
	// KindDeliveryFailed: user_id, error.
	KindDeliveryFailed = "delivery_failed"

	// KindSweepStart: sweep_id, label, users.
	KindSweepStart = "sweep_start"
	// KindSweepComplete: sweep_id, label, status, delivered, failed, elapsed_ms.
	KindSweepComplete = "sweep_complete"
	// KindSweepSkipped: sweep_id, label, reason.
	KindSweepSkipped = "sweep_skipped"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A full
// subscriber misses events instead of blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of future events with room for bufSize
// pending events. Release it with Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

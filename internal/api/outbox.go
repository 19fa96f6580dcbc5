package api

import (
	"context"
	"sync"
	"time"
)

// outboxLimit caps undelivered messages kept per learner.
const outboxLimit = 20

// OutboxMessage is a lesson waiting for an HTTP learner to fetch it.
type OutboxMessage struct {
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Outbox holds messages for HTTP learners, who have no push channel.
// It implements transport.Sender for the "http" channel; learners pull
// with GET /v1/outbox/{id}.
type Outbox struct {
	mu    sync.Mutex
	queue map[string][]OutboxMessage
	now   func() time.Time
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{queue: make(map[string][]OutboxMessage), now: time.Now}
}

// Send queues text for userID, dropping the oldest message beyond the
// per-learner limit.
func (o *Outbox) Send(_ context.Context, userID, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := append(o.queue[userID], OutboxMessage{Text: text, SentAt: o.now()})
	if len(q) > outboxLimit {
		q = q[len(q)-outboxLimit:]
	}
	o.queue[userID] = q
	return nil
}

// Drain returns and clears userID's queued messages, oldest first.
func (o *Outbox) Drain(userID string) []OutboxMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queue[userID]
	delete(o.queue, userID)
	if q == nil {
		return []OutboxMessage{}
	}
	return q
}

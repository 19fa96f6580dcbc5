package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/norsk-tutor/internal/events"
)

// TurnCounter counts completed tutoring turns, both in total and for
// the current local day. It is safe for concurrent use.
type TurnCounter struct {
	mu       sync.Mutex
	total    int64
	today    int64
	resetDay int
	loc      *time.Location
	now      func() time.Time
}

// NewTurnCounter creates a counter whose daily figure resets at
// midnight in loc. A nil loc means [time.Local].
func NewTurnCounter(loc *time.Location) *TurnCounter {
	if loc == nil {
		loc = time.Local
	}
	c := &TurnCounter{loc: loc, now: time.Now}
	c.resetDay = c.now().In(loc).YearDay()
	return c
}

// Record counts one completed turn.
func (c *TurnCounter) Record() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeReset()
	c.total++
	c.today++
}

// Snapshot returns the lifetime total and today's count.
func (c *TurnCounter) Snapshot() (total, today int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeReset()
	return c.total, c.today
}

// Watch records every turn_complete event published on bus until ctx
// is cancelled.
func (c *TurnCounter) Watch(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Source == events.SourceTutor && e.Kind == events.KindTurnComplete {
				c.Record()
			}
		}
	}
}

// maybeReset must be called with c.mu held.
func (c *TurnCounter) maybeReset() {
	today := c.now().In(c.loc).YearDay()
	if today != c.resetDay {
		c.today = 0
		c.resetDay = today
	}
}

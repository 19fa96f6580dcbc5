package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/norsk-tutor/internal/events"
	"github.com/nugget/norsk-tutor/internal/profile"
	"github.com/nugget/norsk-tutor/internal/transport"
)

// fakeLessons returns a lesson per user, failing or panicking for
// selected users.
type fakeLessons struct {
	fail  map[string]bool
	panic map[string]bool
	block chan struct{} // when non-nil, every call waits on it
}

func (f *fakeLessons) OnScheduledTick(ctx context.Context, userID string) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.panic[userID] {
		panic("boom")
	}
	if f.fail[userID] {
		return "", errors.New("model call failed")
	}
	return "Leksjon for " + userID, nil
}

// outbox records delivered messages.
type outbox struct {
	mu   sync.Mutex
	sent map[string]string
	fail map[string]bool
}

func newOutbox() *outbox { return &outbox{sent: make(map[string]string), fail: make(map[string]bool)} }

func (o *outbox) Send(_ context.Context, userID, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail[userID] {
		return errors.New("network down")
	}
	o.sent[userID] = text
	return nil
}

type memState struct {
	mu sync.Mutex
	m  map[string]string
}

func (m *memState) Get(ns, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[ns+"/"+key], nil
}

func (m *memState) Set(ns, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m == nil {
		m.m = make(map[string]string)
	}
	m.m[ns+"/"+key] = value
	return nil
}

func roster(n int) *profile.Store {
	st := profile.NewStore(nil, nil)
	for i := range n {
		st.GetOrCreate(fmt.Sprintf("telegram:%d", i+1))
	}
	return st
}

func TestFireSweep_OneFailureDoesNotBlockOthers(t *testing.T) {
	const n = 6
	lessons := &fakeLessons{fail: map[string]bool{"telegram:3": true}}
	out := newOutbox()
	s := New(Config{
		Concurrency: 2,
		Roster:      roster(n),
		Lessons:     lessons,
		Sender:      out,
	})

	sw, err := s.FireSweep(context.Background(), time.Now(), "08:00")
	if err != nil {
		t.Fatalf("FireSweep: %v", err)
	}
	if sw.Users != n || sw.Delivered != n-1 || sw.Failed != 1 {
		t.Errorf("sweep counts = users %d delivered %d failed %d", sw.Users, sw.Delivered, sw.Failed)
	}
	if sw.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", sw.Status)
	}
	if len(out.sent) != n-1 {
		t.Errorf("delivered to %d users, want %d", len(out.sent), n-1)
	}
	if _, ok := out.sent["telegram:3"]; ok {
		t.Error("failed user should receive nothing")
	}
	if got := out.sent["telegram:1"]; got != "Leksjon for telegram:1" {
		t.Errorf("telegram:1 got %q", got)
	}
}

func TestFireSweep_PanicIsolated(t *testing.T) {
	lessons := &fakeLessons{panic: map[string]bool{"telegram:2": true}}
	out := newOutbox()
	s := New(Config{Roster: roster(3), Lessons: lessons, Sender: out})

	sw, err := s.FireSweep(context.Background(), time.Now(), "12:00")
	if err != nil {
		t.Fatalf("FireSweep: %v", err)
	}
	if sw.Delivered != 2 || sw.Failed != 1 {
		t.Errorf("delivered %d failed %d, want 2 and 1", sw.Delivered, sw.Failed)
	}
}

func TestFireSweep_DeliveryFailureCounted(t *testing.T) {
	out := newOutbox()
	out.fail["telegram:1"] = true
	bus := events.New()
	ch := bus.Subscribe(16)
	s := New(Config{Roster: roster(2), Lessons: &fakeLessons{}, Sender: out, Bus: bus})

	sw, _ := s.FireSweep(context.Background(), time.Now(), "16:00")
	if sw.Delivered != 1 || sw.Failed != 1 {
		t.Errorf("delivered %d failed %d, want 1 and 1", sw.Delivered, sw.Failed)
	}

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	joined := strings.Join(kinds, ",")
	for _, want := range []string{events.KindSweepStart, events.KindDeliveryFailed, events.KindSweepComplete} {
		if !strings.Contains(joined, want) {
			t.Errorf("events %v missing %s", kinds, want)
		}
	}
}

func TestFireSweep_AllFailed(t *testing.T) {
	lessons := &fakeLessons{fail: map[string]bool{"telegram:1": true, "telegram:2": true}}
	s := New(Config{Roster: roster(2), Lessons: lessons, Sender: newOutbox()})

	sw, _ := s.FireSweep(context.Background(), time.Now(), "19:00")
	if sw.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", sw.Status)
	}
}

func TestFireSweep_NoUsers(t *testing.T) {
	s := New(Config{Roster: roster(0), Lessons: &fakeLessons{}, Sender: newOutbox()})

	sw, err := s.FireSweep(context.Background(), time.Now(), "08:00")
	if err != nil {
		t.Fatalf("FireSweep: %v", err)
	}
	if sw.Status != StatusCompleted || sw.Users != 0 {
		t.Errorf("sweep = %+v", sw)
	}
}

func TestFireSweep_OverlapSkipped(t *testing.T) {
	lessons := &fakeLessons{block: make(chan struct{})}
	s := New(Config{Roster: roster(1), Lessons: lessons, Sender: newOutbox()})

	done := make(chan *Sweep)
	go func() {
		sw, _ := s.FireSweep(context.Background(), time.Now(), "08:00")
		done <- sw
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("first sweep never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	skipped, err := s.FireSweep(context.Background(), time.Now(), "12:00")
	if !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("err = %v, want ErrSweepInProgress", err)
	}
	if skipped.Status != StatusSkipped {
		t.Errorf("Status = %s, want skipped", skipped.Status)
	}

	close(lessons.block)
	first := <-done
	if first.Delivered != 1 {
		t.Errorf("first sweep delivered %d, want 1", first.Delivered)
	}

	history, _ := s.Sweeps(10)
	if len(history) != 2 {
		t.Fatalf("history has %d sweeps, want 2", len(history))
	}
}

func TestFireSweep_PersistsHistory(t *testing.T) {
	store := newTestStore(t)
	s := New(Config{Roster: roster(2), Lessons: &fakeLessons{}, Sender: newOutbox(), Store: store})

	sw, err := s.FireSweep(context.Background(), time.Now(), "08:00")
	if err != nil {
		t.Fatalf("FireSweep: %v", err)
	}
	got, err := s.Sweeps(5)
	if err != nil {
		t.Fatalf("Sweeps: %v", err)
	}
	if len(got) != 1 || got[0].ID != sw.ID || got[0].Status != StatusCompleted {
		t.Errorf("history = %+v", got)
	}
	if last := s.LastSweep(); last == nil || last.ID != sw.ID {
		t.Errorf("LastSweep = %+v", last)
	}
}

func TestCheckMissed(t *testing.T) {
	sched, _ := NewSchedule([]string{"08:00", "19:00"}, time.UTC)
	now := time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

	t.Run("inside window runs", func(t *testing.T) {
		state := &memState{}
		_ = state.Set(stateNamespace, stateLastSweep, "2026-05-31T19:00:00Z")
		out := newOutbox()
		s := New(Config{
			Schedule:      sched,
			CatchUpWindow: time.Hour,
			Roster:        roster(2),
			Lessons:       &fakeLessons{},
			Sender:        out,
			State:         state,
		})
		s.now = func() time.Time { return now }

		s.checkMissed(context.Background())
		if len(out.sent) != 2 {
			t.Errorf("catch-up delivered %d, want 2", len(out.sent))
		}
		last := s.LastSweep()
		if last == nil || !last.CatchUp || last.Label != "08:00" {
			t.Errorf("LastSweep = %+v", last)
		}
		if got, _ := state.Get(stateNamespace, stateLastSweep); got != "2026-06-01T08:00:00Z" {
			t.Errorf("high-water mark = %q", got)
		}
	})

	t.Run("outside window skipped", func(t *testing.T) {
		state := &memState{}
		_ = state.Set(stateNamespace, stateLastSweep, "2026-05-31T19:00:00Z")
		out := newOutbox()
		s := New(Config{
			Schedule:      sched,
			CatchUpWindow: 10 * time.Minute,
			Roster:        roster(2),
			Lessons:       &fakeLessons{},
			Sender:        out,
			State:         state,
		})
		s.now = func() time.Time { return now }

		s.checkMissed(context.Background())
		if len(out.sent) != 0 {
			t.Errorf("delivered %d, want 0", len(out.sent))
		}
		if last := s.LastSweep(); last == nil || last.Status != StatusSkipped {
			t.Errorf("LastSweep = %+v, want skipped record", last)
		}
	})

	t.Run("already swept", func(t *testing.T) {
		state := &memState{}
		_ = state.Set(stateNamespace, stateLastSweep, "2026-06-01T08:00:00Z")
		out := newOutbox()
		s := New(Config{
			Schedule: sched, CatchUpWindow: time.Hour,
			Roster: roster(1), Lessons: &fakeLessons{}, Sender: out, State: state,
		})
		s.now = func() time.Time { return now }

		s.checkMissed(context.Background())
		if len(out.sent) != 0 || s.LastSweep() != nil {
			t.Error("no catch-up expected")
		}
	})

	t.Run("fresh install", func(t *testing.T) {
		state := &memState{}
		out := newOutbox()
		s := New(Config{
			Schedule: sched, CatchUpWindow: time.Hour,
			Roster: roster(1), Lessons: &fakeLessons{}, Sender: out, State: state,
		})
		s.now = func() time.Time { return now }

		s.checkMissed(context.Background())
		if len(out.sent) != 0 {
			t.Error("fresh install should not catch up")
		}
		if got, _ := state.Get(stateNamespace, stateLastSweep); got == "" {
			t.Error("fresh install should record a high-water mark")
		}
	})
}

func TestFireSweep_ManualKeepsHighWaterMark(t *testing.T) {
	state := &memState{}
	_ = state.Set(stateNamespace, stateLastSweep, "2026-05-31T19:00:00Z")
	s := New(Config{Roster: roster(1), Lessons: &fakeLessons{}, Sender: newOutbox(), State: state})

	if _, err := s.FireSweep(context.Background(), time.Date(2026, 6, 1, 8, 10, 0, 0, time.UTC), "manual"); err != nil {
		t.Fatalf("FireSweep: %v", err)
	}
	if got, _ := state.Get(stateNamespace, stateLastSweep); got != "2026-05-31T19:00:00Z" {
		t.Errorf("high-water mark = %q, want it unchanged", got)
	}

	// The 08:00 trigger missed before the manual sweep is still caught up.
	sched, _ := NewSchedule([]string{"08:00", "19:00"}, time.UTC)
	s.cfg.Schedule = sched
	s.cfg.CatchUpWindow = time.Hour
	s.now = func() time.Time { return time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC) }
	s.checkMissed(context.Background())
	if last := s.LastSweep(); last == nil || !last.CatchUp || last.Label != "08:00" {
		t.Errorf("LastSweep = %+v, want the 08:00 catch-up", last)
	}
}

func TestWait_CoversManualSweep(t *testing.T) {
	lessons := &fakeLessons{block: make(chan struct{})}
	out := newOutbox()
	s := New(Config{Roster: roster(1), Lessons: lessons, Sender: out})

	go s.FireSweep(context.Background(), time.Now(), "manual")

	deadline := time.Now().Add(2 * time.Second)
	for !s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("manual sweep never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while a manual sweep was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(lessons.block)
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the sweep finished")
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.sent) != 1 {
		t.Errorf("delivered %d, want 1", len(out.sent))
	}
}

func TestStart_NoTimes(t *testing.T) {
	s := New(Config{Roster: roster(1), Lessons: &fakeLessons{}, Sender: newOutbox()})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Wait()
}

func TestStart_StopsOnCancel(t *testing.T) {
	sched, _ := NewSchedule([]string{"03:00"}, time.UTC)
	s := New(Config{Schedule: sched, Roster: roster(1), Lessons: &fakeLessons{}, Sender: transport.SenderFunc(
		func(context.Context, string, string) error { return nil })})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

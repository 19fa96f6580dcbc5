package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/norsk-tutor/internal/events"
)

// testBackoff returns a fast backoff for tests.
func testBackoff() Backoff {
	return Backoff{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDefaultBackoff(t *testing.T) {
	t.Parallel()
	b := DefaultBackoff()
	if b.InitialDelay != 2*time.Second || b.MaxDelay != 60*time.Second {
		t.Errorf("delays = %v..%v, want 2s..60s", b.InitialDelay, b.MaxDelay)
	}
	if b.PollInterval != 60*time.Second || b.ProbeTimeout != 10*time.Second {
		t.Errorf("poll %v timeout %v", b.PollInterval, b.ProbeTimeout)
	}

	filled := Backoff{PollInterval: time.Second}.withDefaults()
	if filled.PollInterval != time.Second || filled.InitialDelay != 2*time.Second {
		t.Errorf("withDefaults = %+v", filled)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var upCalls atomic.Int32
	m := NewManager(nil, slog.Default())
	w := m.Watch(ctx, Service{
		Name:  "model:openai",
		Probe: func(context.Context) error { return nil },
		OnUp:  func() { upCalls.Add(1) },
	}, testBackoff())

	eventually(t, "ready", w.IsReady)
	eventually(t, "OnUp", func() bool { return upCalls.Load() == 1 })

	// Staying healthy must not fire OnUp again.
	time.Sleep(20 * time.Millisecond)
	if n := upCalls.Load(); n != 1 {
		t.Errorf("OnUp called %d times, want 1", n)
	}
	if s := w.Status(); s.LastError != "" || s.LastCheck.IsZero() {
		t.Errorf("Status = %+v", s)
	}
}

func TestWatcher_DownThenRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var downCalls, upCalls atomic.Int32
	m := NewManager(nil, nil)
	w := m.Watch(ctx, Service{
		Name: "telegram",
		Probe: func(context.Context) error {
			if calls.Add(1) < 4 {
				return errors.New("connection refused")
			}
			return nil
		},
		OnUp:   func() { upCalls.Add(1) },
		OnDown: func(error) { downCalls.Add(1) },
	}, testBackoff())

	eventually(t, "recovery", w.IsReady)
	eventually(t, "OnUp", func() bool { return upCalls.Load() == 1 })
	if n := downCalls.Load(); n != 1 {
		t.Errorf("OnDown called %d times, want 1 (only the first failure)", n)
	}
}

func TestWatcher_GoesDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthy atomic.Bool
	healthy.Store(true)
	bus := events.New()
	ch := bus.Subscribe(16)

	m := NewManager(bus, nil)
	w := m.Watch(ctx, Service{
		Name: "model:ollama",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("no route to host")
		},
	}, testBackoff())

	eventually(t, "ready", w.IsReady)
	healthy.Store(false)
	eventually(t, "down", func() bool { return !w.IsReady() })

	s := w.Status()
	if s.LastError != "no route to host" || s.Failures == 0 {
		t.Errorf("Status = %+v", s)
	}

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	if len(kinds) < 2 || kinds[0] != KindServiceUp || kinds[1] != KindServiceDown {
		t.Errorf("events = %v, want up then down", kinds)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond
	m := NewManager(nil, nil)
	w := m.Watch(ctx, Service{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, b)

	eventually(t, "timeout recorded", func() bool {
		return w.Status().LastError == context.DeadlineExceeded.Error()
	})
	if w.IsReady() {
		t.Error("slow service should not be ready")
	}
}

func TestManager_StatusAndReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(nil, nil)
	if !m.Ready() {
		t.Error("empty manager should be ready")
	}

	m.Watch(ctx, Service{Name: "telegram", Probe: func(context.Context) error { return nil }}, testBackoff())
	m.Watch(ctx, Service{Name: "model:anthropic", Probe: func(context.Context) error {
		return errors.New("invalid API key")
	}}, testBackoff())

	eventually(t, "probes", func() bool {
		for _, s := range m.Status() {
			if s.LastCheck.IsZero() {
				return false
			}
		}
		return true
	})

	st := m.Status()
	if len(st) != 2 || st[0].Name != "model:anthropic" || st[1].Name != "telegram" {
		t.Fatalf("Status = %+v, want sorted by name", st)
	}
	if st[0].Ready || !st[1].Ready {
		t.Errorf("readiness = %v/%v", st[0].Ready, st[1].Ready)
	}
	if m.Ready() {
		t.Error("manager should not be ready with one service down")
	}

	cancel()
	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchers did not exit")
	}
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, nil)
	for name, svc := range map[string]Service{
		"no name":  {Probe: func(context.Context) error { return nil }},
		"no probe": {Name: "x"},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: expected panic", name)
				}
			}()
			m.Watch(context.Background(), svc, Backoff{})
		}()
	}
}

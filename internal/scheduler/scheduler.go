package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/norsk-tutor/internal/events"
	"github.com/nugget/norsk-tutor/internal/profile"
	"github.com/nugget/norsk-tutor/internal/transport"
)

// ErrSweepInProgress is returned when a sweep fires while the previous
// one is still running. The new sweep is recorded as skipped.
var ErrSweepInProgress = errors.New("sweep already in progress")

// DefaultConcurrency bounds parallel scheduled turns when Config leaves
// it zero.
const DefaultConcurrency = 4

// recentLimit caps the in-memory sweep history.
const recentLimit = 50

// Operational state keys for the catch-up high-water mark.
const (
	stateNamespace = "scheduler"
	stateLastSweep = "last_sweep_at"
)

// Lessons produces a proactive lesson for one learner.
type Lessons interface {
	OnScheduledTick(ctx context.Context, userID string) (string, error)
}

// Roster enumerates known learners.
type Roster interface {
	ForEach(fn func(profile.Profile) bool)
}

// StateStore keeps small key/value operational state across restarts.
type StateStore interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// Config wires a Scheduler.
type Config struct {
	Schedule    Schedule
	Concurrency int
	// CatchUpWindow is how late a sweep missed during downtime may
	// still run at startup. Zero disables catch-up.
	CatchUpWindow time.Duration

	Roster  Roster
	Lessons Lessons
	Sender  transport.Sender
	Store   *Store     // optional sweep history
	State   StateStore // optional; required for catch-up
	Bus     *events.Bus
	Logger  *slog.Logger
}

// Scheduler fires sweeps at the configured wall-clock times.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active *Sweep
	recent []*Sweep

	wg sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin firing.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Start runs any due catch-up sweep and then fires a sweep at each
// trigger until ctx is cancelled. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.cfg.Schedule.Times) == 0 {
		s.logger.Info("scheduler has no trigger times, proactive lessons disabled")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.checkMissed(ctx)
		s.loop(ctx)
	}()
	s.logger.Info("scheduler started",
		"times", len(s.cfg.Schedule.Times),
		"location", s.cfg.Schedule.location().String(),
		"concurrency", s.cfg.Concurrency,
	)
}

// Wait blocks until the loop and any in-flight sweep, scheduled or
// manual, have returned.
// Cancel the context given to Start first.
func (s *Scheduler) Wait() {
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// NextFire reports the next trigger after now.
func (s *Scheduler) NextFire() (time.Time, string) {
	t, ct := s.cfg.Schedule.Next(s.now())
	if t.IsZero() {
		return t, ""
	}
	return t, ct.String()
}

func (s *Scheduler) loop(ctx context.Context) {
	var last time.Time
	for {
		after := s.now()
		if after.Before(last) {
			after = last
		}
		next, ct := s.cfg.Schedule.Next(after)
		if next.IsZero() {
			return
		}
		s.logger.Debug("next sweep scheduled", "at", next, "label", ct.String())

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		last = next

		// Sweeps run beside the loop so a slow one is observed as an
		// overlap by the next trigger.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_, _ = s.fire(ctx, next, ct.String(), fireScheduled)
		}()
	}
}

// checkMissed runs the most recent trigger if it was missed during
// downtime and is still inside the catch-up window.
func (s *Scheduler) checkMissed(ctx context.Context) {
	if s.cfg.State == nil || s.cfg.CatchUpWindow <= 0 {
		return
	}
	now := s.now()
	prev, ct := s.cfg.Schedule.Previous(now)
	if prev.IsZero() {
		return
	}

	raw, err := s.cfg.State.Get(stateNamespace, stateLastSweep)
	if err != nil {
		s.logger.Warn("failed to read last sweep time", "error", err)
		return
	}
	if raw == "" {
		// Fresh install: nothing was missed.
		s.markSwept(prev)
		return
	}
	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Warn("unparseable last sweep time", "value", raw, "error", err)
		return
	}
	if !last.Before(prev) {
		return
	}

	if now.Sub(prev) > s.cfg.CatchUpWindow {
		s.logger.Info("missed sweep outside catch-up window",
			"label", ct.String(), "scheduled_at", prev, "late", now.Sub(prev).Round(time.Second))
		sw := &Sweep{
			ID:          NewID(),
			Label:       ct.String(),
			ScheduledAt: prev,
			Status:      StatusSkipped,
			CatchUp:     true,
			Result:      "missed catch-up window",
		}
		s.record(sw)
		s.markSwept(prev)
		return
	}

	s.logger.Info("catching up missed sweep", "label", ct.String(), "scheduled_at", prev)
	s.fire(ctx, prev, ct.String(), fireCatchUp)
}

// fireKind says what triggered a sweep.
type fireKind int

const (
	fireScheduled fireKind = iota
	fireCatchUp
	fireManual
)

// FireSweep runs one manual sweep over every known learner now.
// scheduledAt and label describe the trigger it stands for. If another
// sweep is still running, the new one is recorded as skipped and
// ErrSweepInProgress is returned alongside it. Manual sweeps count
// toward Wait but leave the catch-up high-water mark alone, so a
// scheduled trigger missed earlier is still caught up.
func (s *Scheduler) FireSweep(ctx context.Context, scheduledAt time.Time, label string) (*Sweep, error) {
	s.wg.Add(1)
	defer s.wg.Done()
	return s.fire(ctx, scheduledAt, label, fireManual)
}

func (s *Scheduler) fire(ctx context.Context, scheduledAt time.Time, label string, kind fireKind) (*Sweep, error) {
	catchUp := kind == fireCatchUp
	started := s.now()
	sw := &Sweep{
		ID:          NewID(),
		Label:       label,
		ScheduledAt: scheduledAt,
		StartedAt:   &started,
		Status:      StatusRunning,
		CatchUp:     catchUp,
	}

	s.mu.Lock()
	if running := s.active; running != nil {
		s.mu.Unlock()
		sw.Status = StatusSkipped
		sw.StartedAt = nil
		sw.Result = fmt.Sprintf("overlapped sweep %s", running.ID)
		s.logger.Warn("sweep skipped, previous sweep still running",
			"label", label, "running_sweep", running.ID)
		s.cfg.Bus.Emit(events.SourceScheduler, events.KindSweepSkipped, map[string]any{
			"sweep_id": sw.ID,
			"label":    label,
			"reason":   "overlap",
		})
		s.record(sw)
		return sw, ErrSweepInProgress
	}
	s.active = sw
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	s.record(sw)
	s.logger.Info("sweep started", "sweep", sw.ID, "label", label, "catch_up", catchUp)
	s.cfg.Bus.Emit(events.SourceScheduler, events.KindSweepStart, map[string]any{
		"sweep_id": sw.ID,
		"label":    label,
	})

	var users, delivered, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	s.cfg.Roster.ForEach(func(p profile.Profile) bool {
		if ctx.Err() != nil {
			return false
		}
		userID := p.UserID
		users.Add(1)
		g.Go(func() error {
			if s.deliver(gctx, sw.ID, userID) {
				delivered.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
		return true
	})
	_ = g.Wait()

	completed := s.now()
	sw.CompletedAt = &completed
	sw.Users = int(users.Load())
	sw.Delivered = int(delivered.Load())
	sw.Failed = int(failed.Load())
	sw.Status = StatusCompleted
	if sw.Users > 0 && sw.Delivered == 0 {
		sw.Status = StatusFailed
	}
	if err := ctx.Err(); err != nil {
		sw.Result = "interrupted: " + err.Error()
	}

	s.record(sw)
	if kind != fireManual {
		s.markSwept(scheduledAt)
	}

	elapsed := completed.Sub(started)
	s.logger.Info("sweep completed",
		"sweep", sw.ID,
		"label", label,
		"status", sw.Status,
		"users", sw.Users,
		"delivered", sw.Delivered,
		"failed", sw.Failed,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	s.cfg.Bus.Emit(events.SourceScheduler, events.KindSweepComplete, map[string]any{
		"sweep_id":   sw.ID,
		"label":      label,
		"status":     string(sw.Status),
		"delivered":  sw.Delivered,
		"failed":     sw.Failed,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return sw.clone(), nil
}

// deliver runs one learner's scheduled turn and sends the result. It
// reports whether the lesson reached the learner. A panic in either
// step is contained to this learner.
func (s *Scheduler) deliver(ctx context.Context, sweepID, userID string) (ok bool) {
	log := s.logger.With("sweep", sweepID, "user", userID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("scheduled lesson panicked", "panic", r)
			ok = false
		}
	}()

	text, err := s.cfg.Lessons.OnScheduledTick(ctx, userID)
	if err != nil {
		log.Warn("scheduled lesson failed", "error", err)
		return false
	}
	if err := s.cfg.Sender.Send(ctx, userID, text); err != nil {
		log.Warn("scheduled lesson delivery failed", "error", err)
		s.cfg.Bus.Emit(events.SourceScheduler, events.KindDeliveryFailed, map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
		return false
	}
	log.Debug("scheduled lesson delivered", "chars", len(text))
	return true
}

func (s *Scheduler) markSwept(at time.Time) {
	if s.cfg.State == nil {
		return
	}
	if err := s.cfg.State.Set(stateNamespace, stateLastSweep, at.UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Warn("failed to record last sweep time", "error", err)
	}
}

// record keeps sw in the in-memory history and the store.
func (s *Scheduler) record(sw *Sweep) {
	snap := sw.clone()

	s.mu.Lock()
	replaced := false
	for i, r := range s.recent {
		if r.ID == snap.ID {
			s.recent[i] = snap
			replaced = true
			break
		}
	}
	if !replaced {
		s.recent = append(s.recent, snap)
		if len(s.recent) > recentLimit {
			s.recent = s.recent[len(s.recent)-recentLimit:]
		}
	}
	s.mu.Unlock()

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Save(snap); err != nil {
			s.logger.Warn("failed to persist sweep", "sweep", sw.ID, "error", err)
		}
	}
}

// Sweeps returns up to limit recent sweeps, newest first. History comes
// from the store when one is configured.
func (s *Scheduler) Sweeps(limit int) ([]*Sweep, error) {
	if limit <= 0 {
		limit = recentLimit
	}
	if s.cfg.Store != nil {
		return s.cfg.Store.List(limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Sweep, 0, min(limit, len(s.recent)))
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i].clone())
	}
	return out, nil
}

// LastSweep returns the most recent sweep seen by this process, or nil.
func (s *Scheduler) LastSweep() *Sweep {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recent) == 0 {
		return nil
	}
	return s.recent[len(s.recent)-1].clone()
}

// Running reports whether a sweep is in progress.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (sw *Sweep) clone() *Sweep {
	c := *sw
	if sw.StartedAt != nil {
		t := *sw.StartedAt
		c.StartedAt = &t
	}
	if sw.CompletedAt != nil {
		t := *sw.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

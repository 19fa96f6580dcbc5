// Package connwatch tracks the health of the services the tutor depends
// on: model providers and the Telegram Bot API. Each watcher probes its
// service with exponential backoff while the service is down and at a
// steady interval while it is up. Transitions are logged, published on
// the event bus and reported through optional callbacks.
//
// This complements httpkit's transport-level retry, which only covers
// sub-second dial errors. connwatch covers outages measured in minutes.
package connwatch

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/norsk-tutor/internal/events"
)

// Event kinds published on transitions. Data: service, error (down only).
const (
	KindServiceUp   = "service_up"
	KindServiceDown = "service_down"
)

// SourceConnwatch is the event source for health transitions.
const SourceConnwatch = "connwatch"

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// InitialDelay is the first retry delay after a failed probe (default: 2s).
	InitialDelay time.Duration
	// MaxDelay caps retry growth (default: 60s).
	MaxDelay time.Duration
	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64
	// PollInterval is the delay between probes while healthy (default: 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds each probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s, 4s, 8s … capped at 60s while down and a
// 60-second poll while up.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Service describes one watched dependency.
type Service struct {
	// Name identifies the service in logs, events and status output
	// (e.g. "model:openai", "telegram").
	Name  string
	Probe ProbeFunc
	// OnUp and OnDown run in their own goroutine on transitions. Optional.
	OnUp   func()
	OnDown func(err error)
}

// Status is the health of one service, suitable for JSON output.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher probes a single service.
type Watcher struct {
	svc     Service
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger
	ready   atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.svc.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	first := true
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.observe(err, first)
		first = false

		wait := w.backoff.PollInterval
		if err != nil {
			wait = delay
			delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.MaxDelay)
		} else {
			delay = w.backoff.InitialDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()
	return w.svc.Probe(probeCtx)
}

// observe records a probe result and fires transition hooks. The first
// failure at startup counts as a transition to down so callers learn
// about services that never came up.
func (w *Watcher) observe(err error, first bool) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	failures := w.failures
	w.mu.Unlock()

	wasReady := w.ready.Load()
	switch {
	case err == nil && !wasReady:
		w.ready.Store(true)
		w.logger.Info("service ready", "service", w.svc.Name)
		w.bus.Emit(SourceConnwatch, KindServiceUp, map[string]any{"service": w.svc.Name})
		if w.svc.OnUp != nil {
			go w.svc.OnUp()
		}
	case err != nil && (wasReady || first):
		w.ready.Store(false)
		w.logger.Warn("service unreachable", "service", w.svc.Name, "error", err)
		w.bus.Emit(SourceConnwatch, KindServiceDown, map[string]any{
			"service": w.svc.Name,
			"error":   err.Error(),
		})
		if w.svc.OnDown != nil {
			go w.svc.OnDown(err)
		}
	case err != nil:
		w.logger.Debug("service still unreachable",
			"service", w.svc.Name, "failures", failures, "error", err)
	}
}

// Manager runs a set of watchers.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a Manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing svc until ctx is cancelled. It panics on an
// empty name or nil probe.
func (m *Manager) Watch(ctx context.Context, svc Service, b Backoff) *Watcher {
	if svc.Name == "" {
		panic("connwatch: Service.Name must not be empty")
	}
	if svc.Probe == nil {
		panic("connwatch: Service.Probe must not be nil")
	}
	w := &Watcher{
		svc:     svc,
		backoff: b.withDefaults(),
		bus:     m.bus,
		logger:  m.logger,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers[svc.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns every watched service, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	slices.SortFunc(out, func(a, b Status) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Ready reports whether every watched service is up. It is true when
// nothing is watched.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Wait blocks until all watchers have exited. Cancel their context first.
func (m *Manager) Wait() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		<-w.done
	}
}

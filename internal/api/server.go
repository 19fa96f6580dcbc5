// Package api serves the admin HTTP API: profile inspection, direct
// tutor turns, manual sweeps, dependency health and a live event
// stream.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/norsk-tutor/internal/buildinfo"
	"github.com/nugget/norsk-tutor/internal/connwatch"
	"github.com/nugget/norsk-tutor/internal/events"
	"github.com/nugget/norsk-tutor/internal/profile"
	"github.com/nugget/norsk-tutor/internal/scheduler"
	"github.com/nugget/norsk-tutor/internal/transport"
	"github.com/nugget/norsk-tutor/internal/usage"
)

// Channel is the user id prefix for learners who talk over HTTP.
const Channel = "http"

// Tutor answers one inbound message.
type Tutor interface {
	HandleInbound(ctx context.Context, userID, text string) (string, error)
}

// Sweeper fires and lists broadcast sweeps.
type Sweeper interface {
	FireSweep(ctx context.Context, scheduledAt time.Time, label string) (*scheduler.Sweep, error)
	Sweeps(limit int) ([]*scheduler.Sweep, error)
}

// Health reports dependency status.
type Health interface {
	Status() []connwatch.Status
	Ready() bool
}

// UsageReporter aggregates model token usage.
type UsageReporter interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByKind(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByUser(start, end time.Time) (map[string]*usage.Summary, error)
}

// Config wires a Server. Sweeper, Health, Outbox, Usage and Bus are optional;
// their endpoints answer 503 when unset.
type Config struct {
	Address  string
	Port     int
	Tutor    Tutor
	Profiles *profile.Store
	Sweeper  Sweeper
	Health   Health
	Outbox   *Outbox
	Usage    UsageReporter
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/health/deps", s.handleDeps)

	mux.HandleFunc("GET /v1/profiles", s.handleProfileList)
	mux.HandleFunc("GET /v1/profiles/{id}", s.handleProfileGet)
	mux.HandleFunc("POST /v1/profiles/{id}/reset", s.handleProfileReset)

	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("GET /v1/outbox/{id}", s.handleOutbox)

	mux.HandleFunc("POST /v1/sweeps", s.handleSweepFire)
	mux.HandleFunc("GET /v1/sweeps", s.handleSweepList)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start serves until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(addr, strconv.Itoa(s.cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusWriter records the response status for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		level := slog.LevelDebug
		if sw.status >= 500 {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.cfg.Health != nil && !s.cfg.Health.Ready() {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleDeps(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "health checks not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ready":    s.cfg.Health.Ready(),
		"services": s.cfg.Health.Status(),
	})
}

// profileSummary is the list view of a profile.
type profileSummary struct {
	UserID              string    `json:"user_id"`
	ExplanationLanguage string    `json:"explanation_language"`
	Level               string    `json:"level"`
	Words               int       `json:"words"`
	Turns               int       `json:"turns"`
	Lessons             int       `json:"lessons"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (s *Server) handleProfileList(w http.ResponseWriter, r *http.Request) {
	all := s.cfg.Profiles.Snapshot()
	out := make([]profileSummary, 0, len(all))
	for _, p := range all {
		out = append(out, profileSummary{
			UserID:              p.UserID,
			ExplanationLanguage: p.ExplanationLanguage,
			Level:               p.Level,
			Words:               len(p.Vocabulary),
			Turns:               p.Turns,
			Lessons:             p.Lessons,
			UpdatedAt:           p.UpdatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"profiles": out, "count": len(out)})
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.cfg.Profiles.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "profile not found")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProfileReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.cfg.Profiles.Get(id); !ok {
		s.errorResponse(w, http.StatusNotFound, "profile not found")
		return
	}
	p := s.cfg.Profiles.Reset(id)
	s.logger.Info("profile reset via API", "user", id)
	s.cfg.Bus.Emit(events.SourceAPI, events.KindProfileReset, map[string]any{"user_id": id})
	s.writeJSON(w, http.StatusOK, p)
}

// MessageRequest runs one reactive turn.
type MessageRequest struct {
	// UserID is channel-qualified ("telegram:42"). A bare id is taken
	// to be an HTTP learner and gets the "http:" prefix.
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// MessageResponse carries the tutor's reply.
type MessageResponse struct {
	UserID string `json:"user_id"`
	Reply  string `json:"reply"`
}

// qualify adds the HTTP channel prefix to bare user ids.
func qualify(userID string) string {
	if strings.Contains(userID, ":") {
		return userID
	}
	return transport.UserID(Channel, userID)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}
	userID := qualify(req.UserID)

	s.cfg.Bus.Emit(events.SourceAPI, events.KindMessageReceived, map[string]any{
		"user_id":     userID,
		"message_len": len(req.Text),
	})
	reply, err := s.cfg.Tutor.HandleInbound(r.Context(), userID, req.Text)
	if err != nil {
		s.logger.Error("API turn failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "tutor error: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, MessageResponse{UserID: userID, Reply: reply})
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Outbox == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "outbox not configured")
		return
	}
	userID := qualify(r.PathValue("id"))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"messages": s.cfg.Outbox.Drain(userID),
	})
}

func (s *Server) handleSweepFire(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sweeper == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	// The sweep outlives a client that hangs up.
	ctx := context.WithoutCancel(r.Context())
	sw, err := s.cfg.Sweeper.FireSweep(ctx, time.Now(), "manual")
	if errors.Is(err, scheduler.ErrSweepInProgress) {
		s.writeJSON(w, http.StatusConflict, sw)
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("sweep failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleSweepList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sweeper == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sweeps, err := s.cfg.Sweeper.Sweeps(limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to list sweeps")
		return
	}
	if sweeps == nil {
		sweeps = []*scheduler.Sweep{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sweeps": sweeps})
}

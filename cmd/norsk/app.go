package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nugget/norsk-tutor/internal/api"
	"github.com/nugget/norsk-tutor/internal/buildinfo"
	"github.com/nugget/norsk-tutor/internal/config"
	"github.com/nugget/norsk-tutor/internal/connwatch"
	"github.com/nugget/norsk-tutor/internal/events"
	"github.com/nugget/norsk-tutor/internal/llm"
	"github.com/nugget/norsk-tutor/internal/mqtt"
	"github.com/nugget/norsk-tutor/internal/opstate"
	"github.com/nugget/norsk-tutor/internal/profile"
	"github.com/nugget/norsk-tutor/internal/scheduler"
	signalcli "github.com/nugget/norsk-tutor/internal/signal"
	"github.com/nugget/norsk-tutor/internal/telegram"
	"github.com/nugget/norsk-tutor/internal/transport"
	"github.com/nugget/norsk-tutor/internal/tutor"
	"github.com/nugget/norsk-tutor/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app holds the long-lived components shared by serve and ask.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	bus      *events.Bus
	profiles *profile.Store
	state    *opstate.Store
	sweeps   *scheduler.Store
	usage    *usage.Store
	llm      *llm.MultiClient
	tutor    *tutor.Engine

	// Populated by start.
	router    *transport.Router
	outbox    *api.Outbox
	sched     *scheduler.Scheduler
	watch     *connwatch.Manager
	server    *api.Server
	publisher *mqtt.Publisher
	signal    *signalcli.Client
	wg        sync.WaitGroup
}

// openApp opens the database and builds the tutoring core. Nothing
// touches the network yet.
func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "norsk.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	a := &app{cfg: cfg, logger: logger, db: db, bus: events.New()}

	persist, err := profile.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	a.profiles = profile.NewStore(persist, logger)
	n, err := a.profiles.Load()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	logger.Info("profiles loaded", "count", n, "db", dbPath)

	if a.state, err = opstate.New(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open operational state: %w", err)
	}
	if a.sweeps, err = scheduler.NewStore(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sweep store: %w", err)
	}

	if a.usage, err = usage.NewStore(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	a.llm = createLLMClient(cfg, logger)
	completer := llm.NewCompleter(a.llm, cfg.Models.Default, logger)
	provider := a.llm.ProviderFor(cfg.Models.Default)
	if provider == "" {
		provider = cfg.DefaultProvider()
	}
	completer.OnResponse(usage.NewRecorder(a.usage, provider, cfg.Models.Pricing, logger).Observe)
	a.tutor = tutor.New(completer, a.profiles, a.bus, tutor.Config{
		ModelTimeout:  cfg.Tutor.ModelTimeout(),
		FallbackReply: cfg.Tutor.FallbackReply,
	}, logger)

	return a, nil
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}

// start brings up the transports, the scheduler, dependency watchers
// and MQTT telemetry, and prepares the admin API for serve. Optional
// components whose config is absent are skipped.
func (a *app) start(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	a.watch = connwatch.NewManager(a.bus, logger)
	for name, client := range a.llm.Providers() {
		a.watch.Watch(ctx, connwatch.Service{
			Name:  "llm:" + name,
			Probe: client.Ping,
		}, connwatch.DefaultBackoff())
	}

	a.router = transport.NewRouter()
	a.outbox = api.NewOutbox()
	a.router.Register(api.Channel, a.outbox)
	// Lessons for learners created by "norsk ask" wait in the outbox too.
	a.router.Register(cliChannel, a.outbox)

	if cfg.Telegram.Configured() {
		tg := telegram.NewAPI(cfg.Telegram.BaseURL, cfg.Telegram.Token, nil, logger)
		bridge := telegram.NewBridge(telegram.BridgeConfig{
			API:         tg,
			Handler:     a.tutor,
			State:       a.state,
			Bus:         a.bus,
			Logger:      logger.With("component", "telegram"),
			PollTimeout: time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second,
		})
		a.router.Register(telegram.Channel, bridge)
		a.goRun(func() { bridge.Run(ctx) })
		a.watch.Watch(ctx, connwatch.Service{Name: "telegram", Probe: tg.Ping}, connwatch.DefaultBackoff())
		logger.Info("telegram transport enabled")
	}

	if cfg.Signal.Configured() {
		client := signalcli.NewClient(cfg.Signal.Command, cfg.Signal.CommandArgs(), logger.With("component", "signal-cli"))
		if err := client.Start(ctx); err != nil {
			// Other transports keep working without Signal.
			logger.Error("signal-cli failed to start; signal transport disabled", "error", err)
		} else {
			a.signal = client
			bridge := signalcli.NewBridge(signalcli.BridgeConfig{
				Client:        client,
				Handler:       a.tutor,
				Bus:           a.bus,
				Logger:        logger.With("component", "signal"),
				RateLimit:     cfg.Signal.RateLimitPerMinute,
				HandleTimeout: time.Duration(cfg.Signal.HandleTimeoutSec) * time.Second,
			})
			a.router.Register(signalcli.Channel, bridge)
			a.goRun(func() { bridge.Run(ctx) })
			a.watch.Watch(ctx, connwatch.Service{Name: "signal", Probe: client.Ping}, connwatch.DefaultBackoff())
			logger.Info("signal transport enabled", "account", cfg.Signal.Account)
		}
	}

	loc, err := cfg.Schedule.Location()
	if err != nil {
		return fmt.Errorf("schedule timezone: %w", err)
	}
	schedule, err := scheduler.NewSchedule(cfg.Schedule.Times, loc)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	a.sched = scheduler.New(scheduler.Config{
		Schedule:      schedule,
		Concurrency:   cfg.Schedule.Concurrency,
		CatchUpWindow: time.Duration(cfg.Schedule.CatchUpMinutes) * time.Minute,
		Roster:        a.profiles,
		Lessons:       a.tutor,
		Sender:        a.router,
		Store:         a.sweeps,
		State:         a.state,
		Bus:           a.bus,
		Logger:        logger.With("component", "scheduler"),
	})
	if cfg.Schedule.Disabled {
		logger.Info("scheduled lessons disabled; manual sweeps still available")
	} else {
		a.sched.Start(ctx)
		next, label := a.sched.NextFire()
		logger.Info("lesson scheduler started",
			"times", cfg.Schedule.Times,
			"timezone", loc.String(),
			"next", next.Format(time.RFC3339),
			"label", label,
			"channels", a.router.Channels(),
		)
	}

	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		turns := mqtt.NewTurnCounter(loc)
		a.goRun(func() { turns.Watch(ctx, a.bus) })
		a.publisher = mqtt.New(cfg.MQTT, instanceID, turns, &mqttStatsAdapter{profiles: a.profiles, sched: a.sched}, logger.With("component", "mqtt"))
		a.goRun(func() {
			if err := a.publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		})
	}

	if cfg.Listen.Enabled() {
		a.server = api.NewServer(api.Config{
			Address:  cfg.Listen.Address,
			Port:     cfg.Listen.Port,
			Tutor:    a.tutor,
			Profiles: a.profiles,
			Sweeper:  a.sched,
			Health:   a.watch,
			Outbox:   a.outbox,
			Usage:    a.usage,
			Bus:      a.bus,
			Logger:   logger.With("component", "api"),
		})
	}

	return nil
}

// serve blocks until ctx is cancelled, running the admin API server
// in the foreground when it is enabled.
func (a *app) serve(ctx context.Context) error {
	if a.server == nil {
		<-ctx.Done()
		return nil
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("api server shutdown", "error", err)
		}
	}()

	if err := a.server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	<-ctx.Done()
	return nil
}

// shutdown stops accepting work and waits for in-flight turns,
// sweeps and background loops, bounded by ctx.
func (a *app) shutdown(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Stop(ctx); err != nil {
			a.logger.Debug("mqtt disconnect", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		if a.sched != nil {
			a.sched.Wait()
		}
		if a.watch != nil {
			a.watch.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown timed out; abandoning in-flight work")
	}

	if a.signal != nil {
		if err := a.signal.Close(); err != nil {
			a.logger.Debug("signal-cli close", "error", err)
		}
	}
}

func (a *app) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// createLLMClient builds a multi-provider client. Ollama is always
// registered; Anthropic and OpenAI join when their keys are present.
// The provider of the default model is the fallback for unmapped
// model names.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	providers := map[string]llm.Client{
		"ollama": llm.NewOllamaClient(cfg.Models.OllamaURL, logger),
	}
	if cfg.Anthropic.Configured() {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.Configured() {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
		logger.Info("OpenAI provider configured")
	}

	defaultProvider := cfg.DefaultProvider()
	fallback, ok := providers[defaultProvider]
	if !ok {
		fallback = providers["ollama"]
	}

	multi := llm.NewMultiClient(fallback)
	for name, client := range providers {
		multi.AddProvider(name, client)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return multi
}

// mqttStatsAdapter feeds the MQTT publisher from the profile store and
// the scheduler.
type mqttStatsAdapter struct {
	profiles *profile.Store
	sched    *scheduler.Scheduler
}

func (a *mqttStatsAdapter) Learners() int               { return a.profiles.Len() }
func (a *mqttStatsAdapter) LastSweep() *scheduler.Sweep { return a.sched.LastSweep() }
func (a *mqttStatsAdapter) Uptime() time.Duration       { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string             { return buildinfo.Version }

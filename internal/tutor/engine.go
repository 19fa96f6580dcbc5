// Package tutor runs tutoring turns. A turn builds a prompt from the
// learner's profile, asks the model, strips the directives out of the
// reply, applies them to the profile and hands back the visible text.
//
// Reactive turns answer learner messages and degrade to a fixed
// fallback reply when the model fails. Scheduled turns produce the
// proactive lessons pushed by the scheduler and report model failures
// to the caller instead.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/norsk-tutor/internal/directive"
	"github.com/nugget/norsk-tutor/internal/events"
	"github.com/nugget/norsk-tutor/internal/profile"
	"github.com/nugget/norsk-tutor/internal/prompts"
	"github.com/nugget/norsk-tutor/internal/usage"
)

// DefaultFallbackReply is sent when a reactive turn cannot get an
// answer from the model.
const DefaultFallbackReply = "Beklager! I couldn't answer just now, please try again in a moment.\n" +
	"Извините, сейчас не получилось ответить. Попробуйте ещё раз чуть позже."

// DefaultModelTimeout bounds one model call when Config leaves it zero.
const DefaultModelTimeout = 60 * time.Second

// ErrModelCall wraps every model failure surfaced by the engine:
// transport errors, timeouts, empty replies and scheduled lessons with
// no visible text.
var ErrModelCall = errors.New("model call failed")

// ErrNoUser is returned for turns without a user id.
var ErrNoUser = errors.New("empty user id")

// Completer is the language model as the engine sees it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config tunes an Engine.
type Config struct {
	// ModelTimeout bounds each model call. Zero means DefaultModelTimeout.
	ModelTimeout time.Duration
	// FallbackReply replaces DefaultFallbackReply when non-empty.
	FallbackReply string
}

// Engine runs turns against a profile store and a model.
type Engine struct {
	model    Completer
	store    *profile.Store
	bus      *events.Bus
	logger   *slog.Logger
	timeout  time.Duration
	fallback string

	sampleSeeds    func(vocab []string, n int) []string
	samplePractice func() prompts.Practice
}

// New creates an Engine. bus may be nil.
func New(model Completer, store *profile.Store, bus *events.Bus, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	return &Engine{
		model:          model,
		store:          store,
		bus:            bus,
		logger:         logger,
		timeout:        cfg.ModelTimeout,
		fallback:       cfg.FallbackReply,
		sampleSeeds:    prompts.SampleSeedWords,
		samplePractice: prompts.SamplePractice,
	}
}

// Store returns the engine's profile store.
func (e *Engine) Store() *profile.Store { return e.store }

// FallbackReply returns the text sent when a reactive turn fails.
func (e *Engine) FallbackReply() string { return e.fallback }

// OnMessage runs a reactive turn for text from userID and returns the
// reply to send. A model failure yields the fallback reply and leaves
// the profile untouched; it is logged, not returned.
func (e *Engine) OnMessage(ctx context.Context, userID, text string) (string, error) {
	if userID == "" {
		return "", ErrNoUser
	}
	reply, err := e.turn(ctx, userID, prompts.Reactive, text)
	if err != nil {
		return e.fallback, nil
	}
	return reply, nil
}

// OnScheduledTick runs a proactive lesson for userID. Model failures
// are returned wrapped in ErrModelCall so the caller can skip delivery.
func (e *Engine) OnScheduledTick(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrNoUser
	}
	return e.turn(ctx, userID, prompts.Scheduled, "")
}

func (e *Engine) turn(ctx context.Context, userID string, trigger prompts.Trigger, message string) (string, error) {
	start := time.Now()
	p := e.store.GetOrCreate(userID)

	pc := prompts.Context{
		ExplanationLanguage: p.ExplanationLanguage,
		Level:               p.Level,
		Trigger:             trigger,
		Message:             message,
	}
	if trigger == prompts.Scheduled {
		pc.SeedWords = e.sampleSeeds(p.Vocabulary, prompts.MaxSeedWords)
		pc.Practice = e.samplePractice()
	}

	e.bus.Emit(events.SourceTutor, events.KindTurnStart, map[string]any{
		"user_id": userID,
		"trigger": trigger.String(),
	})

	raw, err := e.complete(usage.WithCall(ctx, userID, trigger.String()), prompts.Build(pc))
	var (
		visible    string
		directives []directive.Directive
	)
	if err == nil {
		visible, directives = directive.Parse(raw)
	}
	if err != nil {
		e.logger.Warn("tutor turn failed",
			"user_id", userID,
			"trigger", trigger.String(),
			"error", err,
		)
		e.bus.Emit(events.SourceTutor, events.KindTurnFailed, map[string]any{
			"user_id": userID,
			"trigger": trigger.String(),
			"error":   err.Error(),
		})
		return "", err
	}

	var (
		added    []string
		fromLang string
	)
	updated, _ := e.store.Update(userID, func(p *profile.Profile) {
		fromLang = p.ExplanationLanguage
		added = directive.Apply(p, directives)
		switch {
		case trigger != prompts.Scheduled:
			p.Turns++
		case visible != "":
			p.Lessons++
		}
	})

	if len(added) > 0 {
		e.bus.Emit(events.SourceTutor, events.KindWordsAdded, map[string]any{
			"user_id": userID,
			"words":   added,
		})
	}
	if updated.ExplanationLanguage != fromLang {
		e.logger.Info("explanation language changed",
			"user_id", userID,
			"from", fromLang,
			"to", updated.ExplanationLanguage,
		)
		e.bus.Emit(events.SourceTutor, events.KindLanguageChanged, map[string]any{
			"user_id": userID,
			"from":    fromLang,
			"to":      updated.ExplanationLanguage,
		})
	}

	// A reply made only of tags still counts; the directives above are
	// kept and the learner gets an acknowledgement instead. A lesson
	// with nothing to show is not delivered.
	if visible == "" {
		if trigger == prompts.Scheduled {
			err := fmt.Errorf("%w: lesson held only directives", ErrModelCall)
			e.logger.Warn("tutor turn failed",
				"user_id", userID,
				"trigger", trigger.String(),
				"directives", len(directives),
				"error", err,
			)
			e.bus.Emit(events.SourceTutor, events.KindTurnFailed, map[string]any{
				"user_id": userID,
				"trigger": trigger.String(),
				"error":   err.Error(),
			})
			return "", err
		}
		visible = e.acknowledge(added, fromLang, updated.ExplanationLanguage)
	}

	elapsed := time.Since(start)
	e.logger.Info("tutor turn complete",
		"user_id", userID,
		"trigger", trigger.String(),
		"directives", len(directives),
		"words_added", len(added),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	e.bus.Emit(events.SourceTutor, events.KindTurnComplete, map[string]any{
		"user_id":    userID,
		"trigger":    trigger.String(),
		"directives": len(directives),
		"elapsed_ms": elapsed.Milliseconds(),
	})

	return visible, nil
}

// acknowledge describes what a tags-only reply changed. With nothing
// changed it falls back to the fallback reply.
func (e *Engine) acknowledge(added []string, fromLang, toLang string) string {
	var parts []string
	switch len(added) {
	case 0:
	case 1:
		parts = append(parts, fmt.Sprintf("Ordet er lagt til ✅ «%s»", added[0]))
	default:
		parts = append(parts, fmt.Sprintf("Nye ord ✅ «%s»", strings.Join(added, "», «")))
	}
	if toLang != fromLang {
		parts = append(parts, fmt.Sprintf("I'll explain in %s from now on.", toLang))
	}
	if len(parts) == 0 {
		return e.fallback
	}
	return strings.Join(parts, "\n")
}

// complete calls the model under the engine's timeout. Any failure,
// including an empty reply, is wrapped in ErrModelCall.
func (e *Engine) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.model.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrModelCall, err)
	}
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: empty reply", ErrModelCall)
	}
	return raw, nil
}

package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/norsk-tutor/internal/config"
	"github.com/nugget/norsk-tutor/internal/llm"
)

type callKey struct{}

type call struct {
	userID string
	kind   string
}

// WithCall tags ctx with the learner and the kind of work a model call
// is made for, so the Recorder can attribute it.
func WithCall(ctx context.Context, userID, kind string) context.Context {
	return context.WithValue(ctx, callKey{}, call{userID: userID, kind: kind})
}

func callFrom(ctx context.Context) call {
	c, _ := ctx.Value(callKey{}).(call)
	if c.kind == "" {
		c.kind = "other"
	}
	return c
}

// Recorder turns model responses into usage records. Its Observe
// method fits [llm.Completer.OnResponse].
type Recorder struct {
	store    *Store
	provider string
	pricing  map[string]config.PricingEntry
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecorder creates a Recorder that attributes calls to provider.
func NewRecorder(store *Store, provider string, pricing map[string]config.PricingEntry, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		provider: provider,
		pricing:  pricing,
		logger:   logger,
		now:      time.Now,
	}
}

// Observe records one response. Failures are logged; accounting never
// fails a turn.
func (r *Recorder) Observe(ctx context.Context, resp *llm.ChatResponse) {
	c := callFrom(ctx)
	rec := Record{
		Timestamp:    r.now(),
		UserID:       c.userID,
		Kind:         c.kind,
		Model:        resp.Model,
		Provider:     r.provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      ComputeCost(resp.Model, resp.InputTokens, resp.OutputTokens, r.pricing),
	}
	// Record even when the turn's deadline has just passed.
	if err := r.store.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to record usage", "user_id", c.userID, "model", resp.Model, "error", err)
	}
}

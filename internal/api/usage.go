package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/norsk-tutor/internal/usage"
)

const maxUsageDays = 366

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Start   time.Time                 `json:"start"`
	End     time.Time                 `json:"end"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
	ByKind  map[string]*usage.Summary `json:"by_kind"`
	ByUser  map[string]*usage.Summary `json:"by_user"`
}

// handleUsage reports token usage over the last ?days=N days
// (default 7).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxUsageDays {
			s.errorResponse(w, http.StatusBadRequest, "days must be between 1 and 366")
			return
		}
		days = n
	}

	end := time.Now().UTC().Truncate(time.Second).Add(time.Second)
	start := end.AddDate(0, 0, -days)
	resp := UsageResponse{Start: start, End: end}

	var err error
	if resp.Total, err = s.cfg.Usage.Summary(start, end); err == nil {
		if resp.ByModel, err = s.cfg.Usage.SummaryByModel(start, end); err == nil {
			if resp.ByKind, err = s.cfg.Usage.SummaryByKind(start, end); err == nil {
				resp.ByUser, err = s.cfg.Usage.SummaryByUser(start, end)
			}
		}
	}
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

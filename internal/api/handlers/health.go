package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	apimodels "github.com/metro-rt/gtfsrt-bridge/internal/api/models"
)

// HealthRepository is the part of the store the health check reads.
type HealthRepository interface {
	Ping(ctx context.Context) error
	LastSuccessfulCycles(ctx context.Context) (map[string]time.Time, error)
}

// HealthHandler handles GET /health
type HealthHandler struct {
	repo      HealthRepository
	intervals map[string]time.Duration
	now       func() time.Time
}

// NewHealthHandler creates a health handler. intervals maps each cycle kind
// to its poll interval.
func NewHealthHandler(repo HealthRepository, intervals map[string]time.Duration) *HealthHandler {
	return &HealthHandler{repo: repo, intervals: intervals, now: time.Now}
}

// GetHealth reports database connectivity and the age of the last successful
// cycle of each loop. It returns 503 only when the database is unreachable.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := h.now().UTC()
	if err := h.repo.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, apimodels.HealthResponse{
			Status:    apimodels.StatusError,
			Database:  "disconnected",
			Timestamp: now,
			Error:     err.Error(),
		})
		return
	}

	last, err := h.repo.LastSuccessfulCycles(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, apimodels.HealthResponse{
			Status:    apimodels.StatusError,
			Database:  "connected",
			Timestamp: now,
			Error:     err.Error(),
		})
		return
	}

	kinds := make([]string, 0, len(h.intervals))
	for kind := range h.intervals {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	resp := apimodels.HealthResponse{
		Status:    apimodels.StatusOK,
		Database:  "connected",
		Timestamp: now,
	}
	for _, kind := range kinds {
		interval := h.intervals[kind]
		c := apimodels.CycleFreshness{
			Kind:            kind,
			AgeSeconds:      -1,
			IntervalSeconds: int(interval.Seconds()),
			Status:          apimodels.FreshnessUnavailable,
		}
		if at, ok := last[kind]; ok {
			at = at.UTC()
			age := now.Sub(at)
			c.LastSuccessAt = &at
			c.AgeSeconds = int(age.Seconds())
			c.Status = apimodels.CalculateFreshnessStatus(age, interval)
		}
		if c.Status != apimodels.FreshnessFresh {
			resp.Status = apimodels.StatusDegraded
		}
		resp.Cycles = append(resp.Cycles, c)
	}

	writeJSON(w, http.StatusOK, resp)
}

package models

import "time"

// Health status constants
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// Freshness status constants
const (
	FreshnessFresh       = "fresh"
	FreshnessStale       = "stale"
	FreshnessUnavailable = "unavailable"
)

// CycleFreshness reports when a poll loop last completed successfully.
type CycleFreshness struct {
	Kind            string     `json:"kind"`
	LastSuccessAt   *time.Time `json:"lastSuccessAt"`
	AgeSeconds      int        `json:"ageSeconds"`
	IntervalSeconds int        `json:"intervalSeconds"`
	Status          string     `json:"status"`
}

// HealthResponse is the JSON response for GET /health
type HealthResponse struct {
	Status    string           `json:"status"`
	Database  string           `json:"database"`
	Cycles    []CycleFreshness `json:"cycles,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Error     string           `json:"error,omitempty"`
}

// CalculateFreshnessStatus classifies the age of the last successful cycle
// against the loop interval. A loop that missed one cycle is still fresh.
func CalculateFreshnessStatus(age, interval time.Duration) string {
	if age < 0 || interval <= 0 {
		return FreshnessUnavailable
	}
	if age <= 2*interval {
		return FreshnessFresh
	}
	if age <= 10*interval {
		return FreshnessStale
	}
	return FreshnessUnavailable
}

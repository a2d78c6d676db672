package models

import (
	"time"

	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
)

// RoutesResponse is the JSON response for GET /api/routes
type RoutesResponse struct {
	Routes   []mapping.RouteMapping `json:"routes"`
	Count    int                    `json:"count"`
	Unmapped int                    `json:"unmapped"`
}

// TripMapping is one resolved upstream trip.
type TripMapping struct {
	ServiceDate    string    `json:"serviceDate"`
	UpstreamTripID string    `json:"upstreamTripId"`
	RouteCode      string    `json:"routeCode"`
	RouteID        string    `json:"routeId,omitempty"`
	TripID         string    `json:"tripId,omitempty"`
	Mapped         bool      `json:"mapped"`
	Score          float64   `json:"score"`
	Reason         string    `json:"reason,omitempty"`
	ResolvedAt     time.Time `json:"resolvedAt"`
}

// NewTripMapping converts an aligner result for the API.
func NewTripMapping(m mapping.TripMapping) TripMapping {
	return TripMapping{
		ServiceDate:    m.Key.ServiceDate.String(),
		UpstreamTripID: m.Key.UpstreamTripID,
		RouteCode:      m.RouteCode,
		RouteID:        m.RouteID,
		TripID:         m.TripID,
		Mapped:         m.Mapped,
		Score:          m.Score,
		Reason:         m.Reason,
		ResolvedAt:     m.ResolvedAt.UTC(),
	}
}

// TripsResponse is the JSON response for GET /api/trips
type TripsResponse struct {
	Trips     []TripMapping `json:"trips"`
	Count     int           `json:"count"`
	Mapped    int           `json:"mapped"`
	ScoreMean float64       `json:"scoreMean"`
	ScoreStd  float64       `json:"scoreStdDev"`
}

package handlers

import (
	"net/http"
	"sort"

	apimodels "github.com/metro-rt/gtfsrt-bridge/internal/api/models"
	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
)

// RouteLister lists the cached route mappings.
type RouteLister interface {
	Mappings() []mapping.RouteMapping
}

// TripLister lists the cached trip mappings.
type TripLister interface {
	Mappings() []mapping.TripMapping
}

// ScoreStats reports the running alignment score statistics.
type ScoreStats interface {
	ScoreStats() (mean, stddev float64, count int)
}

// MappingHandler exposes the route and trip mapping caches for diagnostics.
type MappingHandler struct {
	routes RouteLister
	trips  TripLister
	stats  ScoreStats
}

// NewMappingHandler creates a mapping handler. stats may be nil.
func NewMappingHandler(routes RouteLister, trips TripLister, stats ScoreStats) *MappingHandler {
	return &MappingHandler{routes: routes, trips: trips, stats: stats}
}

// GetRoutes handles GET /api/routes
// Optional ?mapped=false lists only the codes that did not resolve.
func (h *MappingHandler) GetRoutes(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("mapped")

	all := h.routes.Mappings()
	resp := apimodels.RoutesResponse{Routes: make([]mapping.RouteMapping, 0, len(all))}
	for _, m := range all {
		if !m.Mapped {
			resp.Unmapped++
		}
		if (filter == "true" && !m.Mapped) || (filter == "false" && m.Mapped) {
			continue
		}
		resp.Routes = append(resp.Routes, m)
	}
	resp.Count = len(resp.Routes)

	writeJSON(w, http.StatusOK, resp)
}

// GetTrips handles GET /api/trips
// Supports ?route=<code> and ?mapped=true|false filters.
func (h *MappingHandler) GetTrips(w http.ResponseWriter, r *http.Request) {
	route := r.URL.Query().Get("route")
	filter := r.URL.Query().Get("mapped")

	all := h.trips.Mappings()
	resp := apimodels.TripsResponse{Trips: make([]apimodels.TripMapping, 0, len(all))}
	for _, m := range all {
		if route != "" && m.RouteCode != route {
			continue
		}
		if (filter == "true" && !m.Mapped) || (filter == "false" && m.Mapped) {
			continue
		}
		if m.Mapped {
			resp.Mapped++
		}
		resp.Trips = append(resp.Trips, apimodels.NewTripMapping(m))
	}
	sort.Slice(resp.Trips, func(i, j int) bool {
		a, b := resp.Trips[i], resp.Trips[j]
		if a.ServiceDate != b.ServiceDate {
			return a.ServiceDate < b.ServiceDate
		}
		return a.UpstreamTripID < b.UpstreamTripID
	})
	resp.Count = len(resp.Trips)
	if h.stats != nil {
		resp.ScoreMean, resp.ScoreStd, _ = h.stats.ScoreStats()
	}

	writeJSON(w, http.StatusOK, resp)
}

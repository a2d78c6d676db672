package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/metro-rt/gtfsrt-bridge/internal/api/handlers"
	"github.com/metro-rt/gtfsrt-bridge/internal/feed"
)

// Deps are the collaborators the HTTP surface reads from.
type Deps struct {
	Feeds          handlers.FeedSource
	Health         handlers.HealthRepository
	CycleIntervals map[string]time.Duration
	Routes         handlers.RouteLister
	Trips          handlers.TripLister
	Scores         handlers.ScoreStats
	Alerts         handlers.AlertLister
	Metrics        http.Handler
	AllowedOrigins []string
}

// NewRouter builds the bridge's HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	feeds := handlers.NewFeedHandler(d.Feeds)
	r.Get("/trip-updates", feeds.Stream(feed.TripUpdates))
	r.Get("/vehicle-positions", feeds.Stream(feed.VehiclePositions))
	r.Get("/alerts", feeds.Stream(feed.Alerts))

	health := handlers.NewHealthHandler(d.Health, d.CycleIntervals)
	r.Get("/health", health.GetHealth)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mappings := handlers.NewMappingHandler(d.Routes, d.Trips, d.Scores)
	r.Get("/api/routes", mappings.GetRoutes)
	r.Get("/api/trips", mappings.GetTrips)
	r.Get("/api/alerts", handlers.NewAlertHandler(d.Alerts).GetAlerts)

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	return r
}

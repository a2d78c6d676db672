package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/metro-rt/gtfsrt-bridge/internal/api"
	"github.com/metro-rt/gtfsrt-bridge/internal/config"
	"github.com/metro-rt/gtfsrt-bridge/internal/db"
	"github.com/metro-rt/gtfsrt-bridge/internal/feed"
	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
	"github.com/metro-rt/gtfsrt-bridge/internal/metrics"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
	"github.com/metro-rt/gtfsrt-bridge/internal/poller"
	"github.com/metro-rt/gtfsrt-bridge/internal/publisher"
	"github.com/metro-rt/gtfsrt-bridge/internal/realtime"
	"github.com/metro-rt/gtfsrt-bridge/internal/static"
	"github.com/metro-rt/gtfsrt-bridge/internal/upstream"
)

func main() {
	log.Println("Starting GTFS-realtime bridge...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Printf("Config loaded: agency=%s vehicles every %v, alerts every %v, threshold=%.0f",
		cfg.AgencyID, cfg.VehiclePollInterval, cfg.AlertPollInterval, cfg.TripMatchScoreThreshold)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════
	// PHASE 1: Static schedule
	// ═══════════════════════════════════════════════════════
	log.Println("Checking static data freshness...")
	if err := static.RefreshIfStale(ctx, cfg); err != nil {
		log.Printf("Warning: static data refresh failed: %v", err)
	}
	idx, err := static.Load(cfg.GTFSPath)
	if err != nil {
		log.Fatalf("Failed to load static schedule: %v", err)
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Database
	// ═══════════════════════════════════════════════════════
	store, err := db.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	log.Println("Database initialized")

	tracker, err := db.NewAlertTracker(ctx, store)
	if err != nil {
		log.Fatalf("Failed to load published alerts: %v", err)
	}

	collector := metrics.NewCollector()
	if last, err := store.LastSuccessfulCycles(ctx); err == nil {
		for kind, at := range last {
			collector.LastSuccessfulCycle.WithLabelValues(kind).Set(float64(at.Unix()))
		}
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 3: Identity resolution
	// ═══════════════════════════════════════════════════════
	client := upstream.NewClient(cfg, collector)

	routes := mapping.NewRouteMapper(mapping.DefaultRules(
		idx.RoutesForAgency(cfg.AgencyID), cfg.RouteStaticOverrides, cfg.RouteBlacklist)...)
	codes, err := client.FetchRouteList(ctx)
	if err != nil {
		log.Printf("Warning: failed to fetch upstream route list: %v", err)
	}
	routes.Prime(append(codes, cfg.RailRoutes...))

	aligner := mapping.NewScheduleAligner(routes, idx, client, mapping.AlignerOptions{
		Threshold: cfg.TripMatchScoreThreshold,
		Workers:   cfg.TripResolverWorkers,
		Location:  cfg.Location,
		Store:     store,
		Observer:  collector,
	})
	yesterday := models.ServiceDateOf(time.Now(), cfg.Location).AddDays(-1)
	if saved, err := store.LoadTripMappings(ctx, yesterday); err != nil {
		log.Printf("Warning: failed to load saved trip mappings: %v", err)
	} else {
		aligner.Preload(saved)
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 4: Processors and sinks
	// ═══════════════════════════════════════════════════════
	vehicles := realtime.NewObservationProcessor(routes, idx, cfg.Location, cfg.DeviationSign)
	alerts := realtime.NewAlertProcessor(routes, tracker, cfg.AgencyID)
	engine := feed.NewDiffEngine().WithSet(feed.Alerts, tracker)

	feeds := feed.NewStore()
	sinks := feed.MultiSink{feeds}
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, collector)
		if err != nil {
			log.Printf("Warning: NATS unavailable, serving HTTP only: %v", err)
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
		}
	}

	scheduler := poller.New(poller.Options{
		Upstream:        client,
		Trips:           aligner,
		Vehicles:        vehicles,
		Alerts:          alerts,
		Engine:          engine,
		Sink:            sinks,
		Store:           store,
		Metrics:         collector,
		VehicleInterval: cfg.VehiclePollInterval,
		AlertInterval:   cfg.AlertPollInterval,
		Retention:       time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		Location:        cfg.Location,
	})

	// ═══════════════════════════════════════════════════════
	// PHASE 5: HTTP server and loops
	// ═══════════════════════════════════════════════════════
	intervals := map[string]time.Duration{
		db.KindVehicles: cfg.VehiclePollInterval,
		db.KindAlerts:   cfg.AlertPollInterval,
	}
	router := api.NewRouter(api.Deps{
		Feeds:          feeds,
		Health:         store,
		CycleIntervals: intervals,
		Routes:         routes,
		Trips:          aligner,
		Scores:         collector,
		Alerts:         alerts,
		Metrics:        collector.Handler(),
		AllowedOrigins: cfg.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP server listening on :%s", cfg.Port)
		log.Println("  GET /trip-updates  /vehicle-positions  /alerts  (?format=text|json)")
		log.Println("  GET /health  /metrics  /api/routes  /api/trips  /api/alerts")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server failed: %v", err)
			stop()
		}
	}()

	// Daily static data refresh. A new GTFS file is picked up on restart.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.Println("Running daily static data freshness check...")
				if err := static.RefreshIfStale(ctx, cfg); err != nil {
					log.Printf("Daily refresh failed: %v", err)
				}
			case <-ctx.Done():
				log.Println("Static refresh loop stopped")
				return
			}
		}
	}()

	log.Println("Bridge running")
	scheduler.Run(ctx)

	// ═══════════════════════════════════════════════════════
	// PHASE 6: Graceful shutdown
	// ═══════════════════════════════════════════════════════
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP shutdown: %v", err)
	}
	if err := tracker.Flush(shutdownCtx); err != nil {
		log.Printf("Warning: failed to persist published alert GUIDs: %v", err)
	}
	log.Println("Goodbye!")
}

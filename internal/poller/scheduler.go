package poller

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/metro-rt/gtfsrt-bridge/internal/db"
	"github.com/metro-rt/gtfsrt-bridge/internal/feed"
	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
	"github.com/metro-rt/gtfsrt-bridge/internal/realtime"
)

const (
	cleanupInterval = time.Hour
	// vehicles not reported for this long lose their ordering state
	vehicleStateTTL = 2 * time.Hour
)

// Upstream is the rate-limited upstream client.
type Upstream interface {
	FetchVehiclePositions(ctx context.Context) ([]models.VehicleObservation, error)
	FetchAlerts(ctx context.Context, kind models.AlertKind) ([]models.Alert, error)
}

// TripPrecomputer resolves a cycle's trips ahead of processing. Observations
// are processed against the returned batch only.
type TripPrecomputer interface {
	ResolveAll(ctx context.Context, reqs []mapping.TripRequest) mapping.Resolution
	Forget(before models.ServiceDate) int
}

// CycleStore persists cycle history.
type CycleStore interface {
	RecordCycle(ctx context.Context, c db.Cycle) error
	Cleanup(ctx context.Context, retention time.Duration) error
}

// Metrics receives cycle outcomes.
type Metrics interface {
	ObserveCycle(kind string, started time.Time, d time.Duration, err error)
	ItemFailed(kind string)
	ObserveDiff(stream string, added, updated, deleted, live int)
}

// Options configures a Scheduler.
type Options struct {
	Upstream        Upstream
	Trips           TripPrecomputer
	Vehicles        *realtime.ObservationProcessor
	Alerts          *realtime.AlertProcessor
	Engine          *feed.DiffEngine
	Sink            feed.Sink
	Store           CycleStore
	Metrics         Metrics
	VehicleInterval time.Duration
	AlertInterval   time.Duration
	Retention       time.Duration
	Location        *time.Location
}

// Scheduler runs the vehicle and alert poll cycles.
type Scheduler struct {
	opts Options
	now  func() time.Time

	lastCleanup time.Time
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Scheduler{opts: opts, now: time.Now}
}

// Run starts both loops and blocks until ctx is cancelled and both have
// returned. Each loop runs a cycle immediately and then waits its interval
// after the previous cycle completes.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, db.KindVehicles, s.opts.VehicleInterval, s.RunVehicleCycle)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, db.KindAlerts, s.opts.AlertInterval, s.RunAlertCycle)
	}()
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, kind string, interval time.Duration, cycle func(context.Context) (db.Cycle, error)) {
	log.Printf("Scheduler: %s loop started (every %v)", kind, interval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Scheduler: %s loop stopped", kind)
			return
		case <-timer.C:
		}

		if _, err := cycle(ctx); err != nil {
			log.Printf("Scheduler: %s cycle failed: %v", kind, err)
		}
		timer.Reset(interval)
	}
}

type vehicleResult struct {
	tripUpdate *gtfs.FeedEntity
	position   *gtfs.FeedEntity
	fresh      bool
}

// RunVehicleCycle polls vehicle positions once and publishes trip updates
// and vehicle positions.
func (s *Scheduler) RunVehicleCycle(ctx context.Context) (db.Cycle, error) {
	started := s.now()
	rec := db.NewCycle(db.KindVehicles, started)

	err := func() error {
		observations, err := s.opts.Upstream.FetchVehiclePositions(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch vehicle positions: %w", err)
		}

		reqs := make([]mapping.TripRequest, 0, len(observations))
		for _, obs := range observations {
			if obs.TripID != "" {
				reqs = append(reqs, s.opts.Vehicles.TripRequest(obs))
			}
		}
		trips := s.opts.Trips.ResolveAll(ctx, reqs)

		results := make(map[string]vehicleResult, len(observations))
		for _, obs := range observations {
			out, err := s.processVehicle(ctx, obs, trips)
			if err != nil {
				log.Printf("Vehicles: skipping vehicle %s (route %s, headsign %q): %v",
					obs.VehicleID, obs.RouteCode, obs.TripHeadsign, err)
				s.opts.Metrics.ItemFailed(db.KindVehicles)
				continue
			}
			if out.Partial {
				s.opts.Metrics.ItemFailed(db.KindVehicles)
			}
			results[out.VehicleID] = vehicleResult{tripUpdate: out.TripUpdate, position: out.Position, fresh: out.Fresh}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		tripUpdates := make(map[string]entity, len(results))
		positions := make(map[string]entity, len(results))
		for id, r := range results {
			if r.tripUpdate != nil {
				tripUpdates[id] = entity{r.tripUpdate, r.fresh}
			}
			positions[id] = entity{r.position, r.fresh}
		}

		for _, c := range []struct {
			stream   feed.Stream
			entities map[string]entity
		}{
			{feed.TripUpdates, tripUpdates},
			{feed.VehiclePositions, positions},
		} {
			if err := s.commit(ctx, c.stream, c.entities, started, &rec); err != nil {
				return err
			}
		}

		log.Printf("Vehicles: %d observations, %d trip updates, %d positions",
			len(observations), len(tripUpdates), len(positions))
		return nil
	}()

	if err != nil {
		s.opts.Vehicles.Discard()
	} else {
		s.opts.Vehicles.Commit()
	}
	s.finish(ctx, &rec, err)
	if err == nil {
		s.housekeeping(ctx)
	}
	return rec, err
}

// RunAlertCycle polls the bus and rail alert feeds once and publishes
// alerts.
func (s *Scheduler) RunAlertCycle(ctx context.Context) (db.Cycle, error) {
	started := s.now()
	rec := db.NewCycle(db.KindAlerts, started)

	err := func() error {
		var all []models.Alert
		for _, kind := range []models.AlertKind{models.AlertKindBus, models.AlertKindRail} {
			alerts, err := s.opts.Upstream.FetchAlerts(ctx, kind)
			if err != nil {
				return fmt.Errorf("failed to fetch %s alerts: %w", kind, err)
			}
			all = append(all, alerts...)
		}

		current := make(map[string]entity, len(all))
		skipped := 0
		for _, a := range all {
			res, err := s.processAlert(a)
			if err != nil {
				log.Printf("Alerts: skipping alert %s (%q): %v", a.GUID, a.Title, err)
				s.opts.Metrics.ItemFailed(db.KindAlerts)
				continue
			}
			if res.Skip {
				skipped++
				continue
			}
			current[a.GUID] = entity{res.Entity, res.Fresh}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.commit(ctx, feed.Alerts, current, started, &rec); err != nil {
			return err
		}

		keep := make(map[string]bool, len(current))
		for guid := range current {
			keep[guid] = true
		}
		s.opts.Alerts.Forget(keep)

		log.Printf("Alerts: %d upstream alerts, %d published, %d without routes", len(all), len(current), skipped)
		return nil
	}()

	if err != nil {
		s.opts.Alerts.Discard()
	} else {
		s.opts.Alerts.Commit()
	}
	s.finish(ctx, &rec, err)
	return rec, err
}

type entity struct {
	e     *gtfs.FeedEntity
	fresh bool
}

// commit diffs a stream and sends new, changed and deleted entities to the
// sink. Entities that were not rebuilt this cycle are only sent when the
// published set does not know them.
func (s *Scheduler) commit(ctx context.Context, stream feed.Stream, entities map[string]entity, ts time.Time, rec *db.Cycle) error {
	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}

	var sent int
	d, err := s.opts.Engine.Commit(ctx, stream, ids, func(d feed.Diff) error {
		u := feed.Update{Deleted: d.Deleted, Timestamp: ts}
		for _, id := range d.Added {
			u.Updated = append(u.Updated, entities[id].e)
		}
		for _, id := range d.Updated {
			if entities[id].fresh {
				u.Updated = append(u.Updated, entities[id].e)
			}
		}
		sent = len(u.Updated)
		return s.opts.Sink.Apply(ctx, stream, u)
	})
	if err != nil {
		return err
	}

	rec.Entities += len(ids)
	rec.Updated += sent
	rec.Deleted += len(d.Deleted)
	s.opts.Metrics.ObserveDiff(string(stream), len(d.Added), len(d.Updated), len(d.Deleted), len(ids))
	return nil
}

func (s *Scheduler) processVehicle(ctx context.Context, obs models.VehicleObservation, trips realtime.TripResolver) (out realtime.VehicleEntities, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.opts.Vehicles.Process(ctx, obs, trips)
}

func (s *Scheduler) processAlert(a models.Alert) (res realtime.AlertResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.opts.Alerts.Process(a)
}

func (s *Scheduler) finish(ctx context.Context, rec *db.Cycle, err error) {
	rec.FinishedAt = s.now().UTC()
	if err != nil {
		rec.Error = err.Error()
	}
	s.opts.Metrics.ObserveCycle(rec.Kind, rec.StartedAt, rec.FinishedAt.Sub(rec.StartedAt), err)

	if s.opts.Store == nil {
		return
	}
	// record even when ctx was cancelled mid-cycle
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.opts.Store.RecordCycle(storeCtx, *rec); err != nil {
		log.Printf("Warning: failed to record %s cycle: %v", rec.Kind, err)
	}
}

// housekeeping drops state for past service days and runs retention cleanup
// at most once per cleanupInterval.
func (s *Scheduler) housekeeping(ctx context.Context) {
	now := s.now()
	if !s.lastCleanup.IsZero() && now.Sub(s.lastCleanup) < cleanupInterval {
		return
	}
	s.lastCleanup = now

	yesterday := models.ServiceDateOf(now, s.opts.Location).AddDays(-1)
	if n := s.opts.Trips.Forget(yesterday); n > 0 {
		log.Printf("Trips: forgot %d mappings before %s", n, yesterday)
	}
	s.opts.Vehicles.Prune(now.Add(-vehicleStateTTL))

	if s.opts.Store != nil && s.opts.Retention > 0 {
		if err := s.opts.Store.Cleanup(ctx, s.opts.Retention); err != nil {
			log.Printf("Cleanup error: %v", err)
		}
	}
}

type nopMetrics struct{}

func (nopMetrics) ObserveCycle(string, time.Time, time.Duration, error) {}
func (nopMetrics) ItemFailed(string)                                     {}
func (nopMetrics) ObserveDiff(string, int, int, int, int)                {}

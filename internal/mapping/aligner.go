package mapping

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

// ScheduleProvider is the canonical static schedule.
type ScheduleProvider interface {
	RoutesForAgency(agencyID string) []models.Route
	TripsForRoute(routeID string) []models.Trip
	StopTimesForTrip(tripID string) []models.StopTime
	ServiceIDsActiveOn(date models.ServiceDate) map[string]bool
}

// ScheduleSource fetches upstream route schedules.
type ScheduleSource interface {
	FetchRouteSchedule(ctx context.Context, routeCode string, date models.ServiceDate) ([]models.UpstreamTrip, error)
}

// RouteResolver resolves upstream route codes.
type RouteResolver interface {
	Resolve(code string) RouteMapping
}

// TripMappingStore persists computed trip mappings.
type TripMappingStore interface {
	SaveTripMapping(ctx context.Context, m TripMapping) error
}

// ScoreObserver is told about every freshly computed trip mapping.
type ScoreObserver interface {
	ObserveTripMapping(score float64, mapped bool)
}

// TripKey identifies one upstream trip on one service date.
type TripKey struct {
	ServiceDate    models.ServiceDate
	UpstreamTripID string
}

func (k TripKey) String() string {
	return k.ServiceDate.String() + "/" + k.UpstreamTripID
}

// TripRequest asks for the canonical trip behind an upstream trip. The
// scheduled start/end and direction are used to find the trip in the route
// schedule when its id is not listed there.
type TripRequest struct {
	Key           TripKey
	RouteCode     string
	StartTime     time.Time
	EndTime       time.Time
	DirectionText string
}

// TripMapping is the immutable outcome for one TripKey. When Mapped is false
// it is a tombstone.
type TripMapping struct {
	Key        TripKey
	RouteCode  string
	RouteID    string
	TripID     string
	Mapped     bool
	Score      float64
	Reason     string
	ResolvedAt time.Time
}

// AlignerOptions configures a ScheduleAligner.
type AlignerOptions struct {
	Threshold float64
	Workers   int
	Location  *time.Location
	Store     TripMappingStore
	Observer  ScoreObserver
}

type scheduleKey struct {
	routeCode string
	date      models.ServiceDate
}

// ScheduleAligner resolves upstream trips to canonical trips by stop-time
// alignment. Mappings are cached per TripKey and computed at most once.
type ScheduleAligner struct {
	routes   RouteResolver
	schedule ScheduleProvider
	upstream ScheduleSource
	opts     AlignerOptions

	mu        sync.RWMutex
	trips     map[TripKey]TripMapping
	tripGroup singleflight.Group

	schedMu    sync.RWMutex
	schedules  map[scheduleKey][]models.UpstreamTrip
	schedGroup singleflight.Group
}

// NewScheduleAligner creates an aligner
func NewScheduleAligner(routes RouteResolver, schedule ScheduleProvider, upstream ScheduleSource, opts AlignerOptions) *ScheduleAligner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &ScheduleAligner{
		routes:    routes,
		schedule:  schedule,
		upstream:  upstream,
		opts:      opts,
		trips:     make(map[TripKey]TripMapping),
		schedules: make(map[scheduleKey][]models.UpstreamTrip),
	}
}

// Lookup returns a cached mapping without resolving.
func (a *ScheduleAligner) Lookup(key TripKey) (TripMapping, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.trips[key]
	return m, ok
}

// Preload seeds the cache with previously persisted mappings.
func (a *ScheduleAligner) Preload(mappings []TripMapping) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range mappings {
		a.trips[m.Key] = m
	}
	log.Printf("Trips: preloaded %d trip mappings", len(mappings))
}

// Forget drops cached mappings and route schedules for service dates before
// the given date.
func (a *ScheduleAligner) Forget(before models.ServiceDate) int {
	dropped := 0

	a.mu.Lock()
	for key := range a.trips {
		if key.ServiceDate.Before(before) {
			delete(a.trips, key)
			dropped++
		}
	}
	a.mu.Unlock()

	a.schedMu.Lock()
	for key := range a.schedules {
		if key.date.Before(before) {
			delete(a.schedules, key)
		}
	}
	a.schedMu.Unlock()

	return dropped
}

// Resolve returns the mapping for req.Key, computing it on a cache miss.
// Concurrent calls for the same key share one computation. Upstream fetch
// failures are returned as errors and not cached.
func (a *ScheduleAligner) Resolve(ctx context.Context, req TripRequest) (TripMapping, error) {
	if m, ok := a.Lookup(req.Key); ok {
		return m, nil
	}

	v, err, _ := a.tripGroup.Do(req.Key.String(), func() (interface{}, error) {
		if m, ok := a.Lookup(req.Key); ok {
			return m, nil
		}

		m, err := a.align(ctx, req)
		if err != nil {
			return TripMapping{}, err
		}
		m.ResolvedAt = time.Now().UTC()

		a.mu.Lock()
		a.trips[req.Key] = m
		a.mu.Unlock()

		if a.opts.Observer != nil {
			a.opts.Observer.ObserveTripMapping(m.Score, m.Mapped)
		}
		if a.opts.Store != nil {
			if err := a.opts.Store.SaveTripMapping(ctx, m); err != nil {
				log.Printf("Warning: Trips: failed to persist mapping %s: %v", req.Key, err)
			}
		}
		return m, nil
	})
	if err != nil {
		return TripMapping{}, err
	}
	return v.(TripMapping), nil
}

// ErrNotResolved is returned by a Resolution for keys it holds no outcome for.
var ErrNotResolved = errors.New("trip not resolved in this batch")

// Resolution is the outcome of one ResolveAll batch. Failed holds the keys
// whose resolution returned an error.
type Resolution struct {
	Mappings map[TripKey]TripMapping
	Failed   map[TripKey]error
}

// Resolve answers from the batch only and never calls upstream, so a key
// whose schedule fetch failed is not fetched twice in one cycle.
func (r Resolution) Resolve(_ context.Context, req TripRequest) (TripMapping, error) {
	if m, ok := r.Mappings[req.Key]; ok {
		return m, nil
	}
	if err, ok := r.Failed[req.Key]; ok {
		return TripMapping{}, err
	}
	return TripMapping{}, fmt.Errorf("%w: %s", ErrNotResolved, req.Key)
}

// ResolveAll resolves the distinct keys of reqs on a bounded worker pool and
// waits for all of them. Failed resolutions are logged and reported in
// Resolution.Failed.
func (a *ScheduleAligner) ResolveAll(ctx context.Context, reqs []TripRequest) Resolution {
	res := Resolution{
		Mappings: make(map[TripKey]TripMapping, len(reqs)),
		Failed:   make(map[TripKey]error),
	}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(a.opts.Workers)

	seen := make(map[TripKey]bool, len(reqs))
	for _, req := range reqs {
		if seen[req.Key] {
			continue
		}
		seen[req.Key] = true

		if m, ok := a.Lookup(req.Key); ok {
			res.Mappings[req.Key] = m
			continue
		}
		if ctx.Err() != nil {
			break
		}

		req := req
		g.Go(func() error {
			m, err := a.Resolve(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("Trips: failed to resolve trip %s on route %s: %v", req.Key, req.RouteCode, err)
				res.Failed[req.Key] = err
				return nil
			}
			res.Mappings[req.Key] = m
			return nil
		})
	}
	g.Wait()

	return res
}

// Mappings returns a snapshot of every cached mapping.
func (a *ScheduleAligner) Mappings() []TripMapping {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]TripMapping, 0, len(a.trips))
	for _, m := range a.trips {
		out = append(out, m)
	}
	return out
}

func (a *ScheduleAligner) align(ctx context.Context, req TripRequest) (TripMapping, error) {
	m := TripMapping{Key: req.Key, RouteCode: req.RouteCode}

	route := a.routes.Resolve(req.RouteCode)
	if !route.Mapped {
		m.Reason = "route unmappable: " + route.Reason
		return m, nil
	}
	m.RouteID = route.RouteID

	upstreamTrips, err := a.routeSchedule(ctx, req.RouteCode, req.Key.ServiceDate)
	if err != nil {
		return TripMapping{}, fmt.Errorf("failed to fetch schedule for route %s: %w", req.RouteCode, err)
	}

	trip, ok := findUpstreamTrip(upstreamTrips, req)
	if !ok {
		m.Reason = "trip not found in upstream route schedule"
		log.Printf("Warning: Trips: trip %s not found in %s schedule", req.Key, req.RouteCode)
		return m, nil
	}

	active := a.schedule.ServiceIDsActiveOn(req.Key.ServiceDate)
	ref := req.Key.ServiceDate.Reference(a.opts.Location)

	best := math.Inf(1)
	var bestTrip models.Trip
	var bestStopTimes []models.StopTime
	candidates := 0
	for _, t := range a.schedule.TripsForRoute(route.RouteID) {
		if !active[t.ServiceID] {
			continue
		}
		candidates++
		stopTimes := a.schedule.StopTimesForTrip(t.TripID)
		score := AlignmentScore(trip.StopTimes, stopTimes, ref)
		if score < best {
			best = score
			bestTrip = t
			bestStopTimes = stopTimes
		}
	}

	if candidates == 0 {
		m.Reason = "no candidates"
		log.Printf("Warning: Trips: no active canonical trips on route %s for %s", route.RouteID, req.Key.ServiceDate)
		return m, nil
	}

	m.Score = best
	if best > a.opts.Threshold {
		m.Reason = "no good match"
		log.Printf("Warning: Trips: no good match for %s on route %s (best %s score %.1f > %.1f)\n%s",
			req.Key, route.RouteID, bestTrip.TripID, best, a.opts.Threshold,
			formatPairing(trip.StopTimes, bestStopTimes, ref))
		return m, nil
	}

	m.TripID = bestTrip.TripID
	m.Mapped = true
	log.Printf("Trips: mapped %s to %s (score %.1f, %d candidates)", req.Key, bestTrip.TripID, best, candidates)
	return m, nil
}

// routeSchedule returns the upstream schedule for one route and day, fetching
// it once per key.
func (a *ScheduleAligner) routeSchedule(ctx context.Context, routeCode string, date models.ServiceDate) ([]models.UpstreamTrip, error) {
	key := scheduleKey{routeCode: routeCode, date: date}

	a.schedMu.RLock()
	trips, ok := a.schedules[key]
	a.schedMu.RUnlock()
	if ok {
		return trips, nil
	}

	v, err, _ := a.schedGroup.Do(routeCode+"@"+date.String(), func() (interface{}, error) {
		trips, err := a.upstream.FetchRouteSchedule(ctx, routeCode, date)
		if err != nil {
			return nil, err
		}
		a.schedMu.Lock()
		a.schedules[key] = trips
		a.schedMu.Unlock()
		return trips, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.UpstreamTrip), nil
}

// findUpstreamTrip looks the trip up by id, then by scheduled start, end and
// direction.
func findUpstreamTrip(trips []models.UpstreamTrip, req TripRequest) (models.UpstreamTrip, bool) {
	for _, t := range trips {
		if t.TripID != "" && t.TripID == req.Key.UpstreamTripID {
			return t, true
		}
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		return models.UpstreamTrip{}, false
	}
	for _, t := range trips {
		if t.StartTime.Equal(req.StartTime) && t.EndTime.Equal(req.EndTime) &&
			strings.EqualFold(t.DirectionText, req.DirectionText) {
			return t, true
		}
	}
	return models.UpstreamTrip{}, false
}

// formatPairing lists upstream and candidate stop times side by side.
func formatPairing(upstream []models.UpstreamStopTime, candidate []models.StopTime, ref time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  %-28s | %s\n", "upstream", "canonical")
	rows := len(upstream)
	if len(candidate) > rows {
		rows = len(candidate)
	}
	for i := 0; i < rows; i++ {
		left, right := "", ""
		if i < len(upstream) {
			u := upstream[i]
			left = fmt.Sprintf("%s %s", u.StopID, u.Time.In(ref.Location()).Format("15:04:05"))
		}
		if i < len(candidate) {
			c := candidate[i]
			at := ref.Add(time.Duration(c.Midpoint()) * time.Second)
			right = fmt.Sprintf("%s %s", c.StopCode, at.Format("15:04:05"))
		}
		fmt.Fprintf(&b, "  %-28s | %s\n", left, right)
	}
	return b.String()
}

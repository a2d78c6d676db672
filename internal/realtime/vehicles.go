package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

// ErrMalformedObservation is returned for observations that cannot be
// published at all.
var ErrMalformedObservation = errors.New("malformed vehicle observation")

// TripResolver maps upstream trips onto canonical trips.
type TripResolver interface {
	Resolve(ctx context.Context, req mapping.TripRequest) (mapping.TripMapping, error)
}

// StopTimeProvider returns the canonical stop times of a trip.
type StopTimeProvider interface {
	StopTimesForTrip(tripID string) []models.StopTime
}

// VehicleEntities are the feed entities built from one observation.
// TripUpdate is nil when the trip could not be mapped. Fresh is false when
// the observation was not newer than the one already delivered and the
// entities are the previously built ones. Partial is set when trip
// resolution failed and only the position was built.
type VehicleEntities struct {
	VehicleID  string
	TripUpdate *gtfs.FeedEntity
	Position   *gtfs.FeedEntity
	Trip       mapping.TripMapping
	Fresh      bool
	Partial    bool
}

type appliedVehicle struct {
	at       time.Time
	entities VehicleEntities
}

// ObservationProcessor turns upstream vehicle observations into trip update
// and vehicle position entities.
type ObservationProcessor struct {
	routes        mapping.RouteResolver
	schedule      StopTimeProvider
	loc           *time.Location
	deviationSign float64

	mu          sync.Mutex
	lastApplied map[string]appliedVehicle
	// built this cycle, not yet delivered
	pending map[string]appliedVehicle
}

// NewObservationProcessor creates a processor. deviationSign is multiplied
// with the upstream deviation (minutes) to get the published delay.
func NewObservationProcessor(routes mapping.RouteResolver, schedule StopTimeProvider, loc *time.Location, deviationSign int) *ObservationProcessor {
	if loc == nil {
		loc = time.UTC
	}
	return &ObservationProcessor{
		routes:        routes,
		schedule:      schedule,
		loc:           loc,
		deviationSign: float64(deviationSign),
		lastApplied:   make(map[string]appliedVehicle),
		pending:       make(map[string]appliedVehicle),
	}
}

// TripRequest builds the aligner request for an observation. The service date
// is the trip's scheduled start truncated to the agency day.
func (p *ObservationProcessor) TripRequest(obs models.VehicleObservation) mapping.TripRequest {
	start := obs.TripStartTime
	if start.IsZero() {
		start = obs.Timestamp
	}
	return mapping.TripRequest{
		Key: mapping.TripKey{
			ServiceDate:    models.ServiceDateOf(start, p.loc),
			UpstreamTripID: obs.TripID,
		},
		RouteCode:     obs.RouteCode,
		StartTime:     obs.TripStartTime,
		EndTime:       obs.TripEndTime,
		DirectionText: obs.DirectionText,
	}
}

// Process builds the entities for one observation, resolving its trip with
// trips. Built entities stay pending until Commit.
func (p *ObservationProcessor) Process(ctx context.Context, obs models.VehicleObservation, trips TripResolver) (VehicleEntities, error) {
	if err := validateObservation(obs); err != nil {
		return VehicleEntities{}, err
	}

	p.mu.Lock()
	pend, building := p.pending[obs.VehicleID]
	prev, seen := p.lastApplied[obs.VehicleID]
	p.mu.Unlock()
	if building && !obs.Timestamp.After(pend.at) {
		return pend.entities, nil
	}
	if !building && seen && prev.covers(obs.Timestamp) {
		stale := prev.entities
		stale.Fresh = false
		return stale, nil
	}

	out := VehicleEntities{VehicleID: obs.VehicleID, Fresh: true}

	route := p.routes.Resolve(obs.RouteCode)
	if route.Mapped && obs.TripID != "" {
		req := p.TripRequest(obs)
		trip, err := trips.Resolve(ctx, req)
		if err != nil {
			log.Printf("Warning: vehicle %s: failed to resolve trip %s, publishing position only: %v", obs.VehicleID, req.Key, err)
			out.Partial = true
		} else {
			out.Trip = trip
		}
	}

	descriptor := p.tripDescriptor(route, out.Trip)
	vehicle := &gtfs.VehicleDescriptor{Id: proto.String(obs.VehicleID)}
	timestamp := proto.Uint64(uint64(obs.Timestamp.Unix()))

	if out.Trip.Mapped {
		out.TripUpdate = &gtfs.FeedEntity{
			Id: proto.String(obs.VehicleID),
			TripUpdate: &gtfs.TripUpdate{
				Trip:           descriptor,
				Vehicle:        vehicle,
				StopTimeUpdate: p.firstStopUpdate(out.Trip.TripID, obs.Deviation),
				Timestamp:      timestamp,
			},
		}
	}

	out.Position = &gtfs.FeedEntity{
		Id: proto.String(obs.VehicleID),
		Vehicle: &gtfs.VehiclePosition{
			Trip:    descriptor,
			Vehicle: vehicle,
			Position: &gtfs.Position{
				Latitude:  proto.Float32(float32(obs.Lat)),
				Longitude: proto.Float32(float32(obs.Lon)),
			},
			Timestamp: timestamp,
		},
	}

	p.mu.Lock()
	p.pending[obs.VehicleID] = appliedVehicle{at: obs.Timestamp, entities: out}
	p.mu.Unlock()

	return out, nil
}

// Commit marks the entities built since the last Commit or Discard as
// delivered. Call it once the sink accepted them.
func (p *ObservationProcessor) Commit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, v := range p.pending {
		p.lastApplied[id] = v
	}
	clear(p.pending)
}

// Discard drops the entities built since the last Commit, so the same
// observations are rebuilt and sent again.
func (p *ObservationProcessor) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.pending)
}

// covers reports whether an observation taken at ts is already delivered. A
// partial delivery is retried for the same timestamp.
func (v appliedVehicle) covers(ts time.Time) bool {
	if v.entities.Partial {
		return ts.Before(v.at)
	}
	return !ts.After(v.at)
}

// Prune forgets vehicles whose last delivered observation is older than cutoff.
func (p *ObservationProcessor) Prune(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, v := range p.lastApplied {
		if v.at.Before(cutoff) {
			delete(p.lastApplied, id)
			n++
		}
	}
	return n
}

// Delay converts an upstream deviation in minutes to a delay in seconds.
func (p *ObservationProcessor) Delay(deviation float64) int32 {
	return int32(math.Round(p.deviationSign * deviation * 60))
}

func (p *ObservationProcessor) tripDescriptor(route mapping.RouteMapping, trip mapping.TripMapping) *gtfs.TripDescriptor {
	if !route.Mapped {
		return nil
	}
	td := &gtfs.TripDescriptor{RouteId: proto.String(route.RouteID)}
	if trip.Mapped {
		td.TripId = proto.String(trip.TripID)
		td.StartDate = proto.String(trip.Key.ServiceDate.String())
		td.ScheduleRelationship = gtfs.TripDescriptor_SCHEDULED.Enum()
	}
	return td
}

func (p *ObservationProcessor) firstStopUpdate(tripID string, deviation float64) []*gtfs.TripUpdate_StopTimeUpdate {
	stopTimes := p.schedule.StopTimesForTrip(tripID)
	if len(stopTimes) == 0 {
		return nil
	}
	first := stopTimes[0]
	return []*gtfs.TripUpdate_StopTimeUpdate{{
		StopSequence: proto.Uint32(uint32(first.StopSequence)),
		StopId:       proto.String(first.StopID),
		Departure:    &gtfs.TripUpdate_StopTimeEvent{Delay: proto.Int32(p.Delay(deviation))},
	}}
}

func validateObservation(obs models.VehicleObservation) error {
	switch {
	case obs.VehicleID == "":
		return fmt.Errorf("%w: missing vehicle id", ErrMalformedObservation)
	case math.IsNaN(obs.Lat) || math.IsInf(obs.Lat, 0) || math.IsNaN(obs.Lon) || math.IsInf(obs.Lon, 0):
		return fmt.Errorf("%w: vehicle %s has no position", ErrMalformedObservation, obs.VehicleID)
	case obs.Timestamp.IsZero():
		return fmt.Errorf("%w: vehicle %s has no timestamp", ErrMalformedObservation, obs.VehicleID)
	}
	return nil
}

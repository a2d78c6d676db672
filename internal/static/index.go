package static

import (
	"fmt"
	"log"
	"sort"

	"github.com/metro-rt/gtfsrt-bridge/internal/models"
	"github.com/metro-rt/gtfsrt-bridge/internal/static/gtfs"
)

// Index is a read-only, in-memory view of a static GTFS feed. It is safe for
// concurrent use once built.
type Index struct {
	routesByAgency map[string][]models.Route
	tripsByRoute   map[string][]models.Trip
	stopTimes      map[string][]models.StopTime
	calendars      map[string]gtfs.Calendar
	added          map[string]map[string]bool // date -> service ids
	removed        map[string]map[string]bool // date -> service ids
	defaultAgency  string
}

// Load parses the GTFS zip at path and indexes it.
func Load(path string) (*Index, error) {
	data, err := gtfs.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GTFS %s: %w", path, err)
	}
	return NewIndex(data), nil
}

// NewIndex builds an Index from parsed GTFS data.
func NewIndex(data *gtfs.Data) *Index {
	idx := &Index{
		routesByAgency: make(map[string][]models.Route),
		tripsByRoute:   make(map[string][]models.Trip),
		stopTimes:      make(map[string][]models.StopTime),
		calendars:      make(map[string]gtfs.Calendar),
		added:          make(map[string]map[string]bool),
		removed:        make(map[string]map[string]bool),
	}

	// Routes without agency_id belong to the feed's only agency.
	if len(data.Agency) == 1 {
		idx.defaultAgency = data.Agency[0].AgencyID
	}
	for _, r := range data.Routes {
		agency := r.AgencyID
		if agency == "" {
			agency = idx.defaultAgency
		}
		idx.routesByAgency[agency] = append(idx.routesByAgency[agency], models.Route{
			RouteID:   r.RouteID,
			AgencyID:  agency,
			ShortName: r.RouteShortName,
			LongName:  r.RouteLongName,
			RouteType: r.RouteType,
		})
	}

	for _, t := range data.Trips {
		idx.tripsByRoute[t.RouteID] = append(idx.tripsByRoute[t.RouteID], models.Trip{
			TripID:      t.TripID,
			RouteID:     t.RouteID,
			ServiceID:   t.ServiceID,
			DirectionID: t.DirectionID,
			Headsign:    t.TripHeadsign,
		})
	}

	stopCodes := make(map[string]string, len(data.Stops))
	for _, s := range data.Stops {
		code := s.StopCode
		if code == "" {
			code = s.StopID
		}
		stopCodes[s.StopID] = code
	}

	for _, st := range data.StopTimes {
		code, ok := stopCodes[st.StopID]
		if !ok {
			code = st.StopID
		}
		idx.stopTimes[st.TripID] = append(idx.stopTimes[st.TripID], models.StopTime{
			TripID:        st.TripID,
			StopID:        st.StopID,
			StopCode:      code,
			StopSequence:  st.StopSequence,
			ArrivalTime:   st.ArrivalTime,
			DepartureTime: st.DepartureTime,
		})
	}
	for tripID := range idx.stopTimes {
		sts := idx.stopTimes[tripID]
		sort.SliceStable(sts, func(i, j int) bool {
			return sts[i].StopSequence < sts[j].StopSequence
		})
	}

	for _, c := range data.Calendars {
		idx.calendars[c.ServiceID] = c
	}
	for _, cd := range data.CalendarDates {
		target := idx.added
		if cd.ExceptionType == gtfs.ExceptionRemoved {
			target = idx.removed
		} else if cd.ExceptionType != gtfs.ExceptionAdded {
			continue
		}
		if target[cd.Date] == nil {
			target[cd.Date] = make(map[string]bool)
		}
		target[cd.Date][cd.ServiceID] = true
	}

	log.Printf("Schedule index: %d agencies, %d routes with trips, %d trips with stop times",
		len(idx.routesByAgency), len(idx.tripsByRoute), len(idx.stopTimes))

	return idx
}

// RoutesForAgency returns the agency's routes in feed order.
func (idx *Index) RoutesForAgency(agencyID string) []models.Route {
	return idx.routesByAgency[agencyID]
}

// TripsForRoute returns the route's trips in feed order.
func (idx *Index) TripsForRoute(routeID string) []models.Trip {
	return idx.tripsByRoute[routeID]
}

// StopTimesForTrip returns the trip's stop times ordered by stop_sequence.
func (idx *Index) StopTimesForTrip(tripID string) []models.StopTime {
	return idx.stopTimes[tripID]
}

// ServiceIDsActiveOn applies calendar.txt and then calendar_dates.txt
// exceptions for date.
func (idx *Index) ServiceIDsActiveOn(date models.ServiceDate) map[string]bool {
	day := date.String()
	weekday := date.Weekday()

	active := make(map[string]bool)
	for id, c := range idx.calendars {
		if day < c.StartDate || day > c.EndDate {
			continue
		}
		if c.Weekdays[weekday] {
			active[id] = true
		}
	}
	for id := range idx.added[day] {
		active[id] = true
	}
	for id := range idx.removed[day] {
		delete(active, id)
	}
	return active
}

package models

import (
	"fmt"
	"time"
)

// ServiceDate is a transit operating day. It is a comparable value type so it
// can be used directly inside map keys.
type ServiceDate struct {
	Year  int
	Month time.Month
	Day   int
}

// ServiceDateOf truncates t to its calendar day in loc.
func ServiceDateOf(t time.Time, loc *time.Location) ServiceDate {
	y, m, d := t.In(loc).Date()
	return ServiceDate{Year: y, Month: m, Day: d}
}

// ParseServiceDate parses a GTFS YYYYMMDD date.
func ParseServiceDate(s string) (ServiceDate, error) {
	t, err := time.Parse("20060102", s)
	if err != nil {
		return ServiceDate{}, fmt.Errorf("invalid service date %q: %w", s, err)
	}
	return ServiceDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// String formats the date as GTFS YYYYMMDD.
func (d ServiceDate) String() string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}

// ISO formats the date as YYYY-MM-DD, the form the upstream API expects.
func (d ServiceDate) ISO() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Reference returns "noon minus 12h" on the service day, the zero point GTFS
// stop times are measured from. It equals midnight except on DST changes.
func (d ServiceDate) Reference(loc *time.Location) time.Time {
	noon := time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, loc)
	return noon.Add(-12 * time.Hour)
}

// Weekday of the service day.
func (d ServiceDate) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

// AddDays returns the service date n days later (or earlier for negative n).
func (d ServiceDate) AddDays(n int) ServiceDate {
	t := time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC)
	return ServiceDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// Before reports whether d is strictly earlier than other.
func (d ServiceDate) Before(other ServiceDate) bool {
	return d.String() < other.String()
}

// IsZero reports whether the date is unset.
func (d ServiceDate) IsZero() bool {
	return d.Year == 0
}

// Route types treated as fixed-guideway when matching short names.
const (
	RouteTypeTram     = 0
	RouteTypeSubway   = 1
	RouteTypeRail     = 2
	RouteTypeBus      = 3
	RouteTypeMonorail = 12
)

// Route is a canonical GTFS route.
type Route struct {
	RouteID   string
	AgencyID  string
	ShortName string
	LongName  string
	RouteType int
}

// IsRail reports whether the route runs on a fixed guideway.
func (r Route) IsRail() bool {
	switch r.RouteType {
	case RouteTypeTram, RouteTypeSubway, RouteTypeRail, RouteTypeMonorail:
		return true
	}
	return false
}

// Trip is a canonical GTFS trip.
type Trip struct {
	TripID      string
	RouteID     string
	ServiceID   string
	DirectionID int
	Headsign    string
}

// StopTime is a canonical GTFS stop time. Times are seconds since the service
// day reference time and may exceed 24h.
type StopTime struct {
	TripID        string
	StopID        string
	StopCode      string
	StopSequence  int
	ArrivalTime   int
	DepartureTime int
}

// Midpoint is the single time used to align this stop time against upstream
// schedules.
func (st StopTime) Midpoint() int {
	return (st.ArrivalTime + st.DepartureTime) / 2
}

// VehicleObservation is one upstream bus position.
type VehicleObservation struct {
	VehicleID     string
	RouteCode     string
	TripID        string
	DirectionNum  int
	DirectionText string
	TripHeadsign  string
	Lat           float64
	Lon           float64
	// Deviation is the upstream schedule deviation in minutes.
	Deviation     float64
	Timestamp     time.Time
	TripStartTime time.Time
	TripEndTime   time.Time
}

// UpstreamStopTime is one stop of an upstream scheduled trip.
type UpstreamStopTime struct {
	StopID   string
	StopName string
	Sequence int
	Time     time.Time
}

// UpstreamTrip is one trip from the upstream route schedule.
type UpstreamTrip struct {
	TripID        string
	RouteCode     string
	DirectionNum  int
	DirectionText string
	Headsign      string
	StartTime     time.Time
	EndTime       time.Time
	StopTimes     []UpstreamStopTime
}

// AlertKind selects one of the upstream alert feeds.
type AlertKind string

const (
	AlertKindBus  AlertKind = "bus"
	AlertKindRail AlertKind = "rail"
)

// Alert is one upstream RSS alert item.
type Alert struct {
	GUID        string
	Kind        AlertKind
	Title       string
	Description string
	Link        string
	PubDate     time.Time
}

// AlertRecord is a published alert along with the routes it informs.
type AlertRecord struct {
	GUID        string
	Title       string
	Description string
	PublishedAt time.Time
	RouteIDs    []string
}

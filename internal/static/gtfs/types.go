package gtfs

// Data represents the parsed GTFS tables the bridge needs
type Data struct {
	Agency        []Agency
	Routes        []Route
	Stops         []Stop
	Trips         []Trip
	StopTimes     []StopTime
	Calendars     []Calendar
	CalendarDates []CalendarDate
}

// Agency represents an agency from agency.txt
type Agency struct {
	AgencyID       string
	AgencyName     string
	AgencyTimezone string
}

// Route represents a route from routes.txt
type Route struct {
	RouteID        string
	AgencyID       string
	RouteShortName string
	RouteLongName  string
	RouteType      int
}

// Stop represents a stop from stops.txt
type Stop struct {
	StopID   string
	StopCode string
	StopName string
}

// Trip represents a trip from trips.txt
type Trip struct {
	RouteID      string
	ServiceID    string
	TripID       string
	TripHeadsign string
	DirectionID  int
}

// StopTime represents a stop time from stop_times.txt.
// Times are seconds after the service day reference time.
type StopTime struct {
	TripID        string
	ArrivalTime   int
	DepartureTime int
	StopID        string
	StopSequence  int
}

// Calendar represents a weekly service pattern from calendar.txt
type Calendar struct {
	ServiceID string
	Weekdays  [7]bool // indexed by time.Weekday
	StartDate string  // YYYYMMDD
	EndDate   string  // YYYYMMDD
}

// Exception types from calendar_dates.txt
const (
	ExceptionAdded   = 1
	ExceptionRemoved = 2
)

// CalendarDate represents a service exception from calendar_dates.txt
type CalendarDate struct {
	ServiceID     string
	Date          string // YYYYMMDD
	ExceptionType int
}

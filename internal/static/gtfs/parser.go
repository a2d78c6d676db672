package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
)

// Parse reads a GTFS zip file and returns parsed data
func Parse(zipPath string) (*Data, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	// Build file map for easy lookup
	files := make(map[string]*zip.File)
	for _, f := range r.File {
		files[f.Name] = f
	}

	for _, required := range []string{"routes.txt", "trips.txt", "stop_times.txt"} {
		if _, ok := files[required]; !ok {
			return nil, fmt.Errorf("GTFS zip %s is missing %s", zipPath, required)
		}
	}

	data := &Data{}
	tables := []struct {
		name  string
		parse func(row func(string) string)
	}{
		{"agency.txt", func(get func(string) string) {
			data.Agency = append(data.Agency, Agency{
				AgencyID:       get("agency_id"),
				AgencyName:     get("agency_name"),
				AgencyTimezone: get("agency_timezone"),
			})
		}},
		{"routes.txt", func(get func(string) string) {
			routeType, _ := strconv.Atoi(get("route_type"))
			data.Routes = append(data.Routes, Route{
				RouteID:        get("route_id"),
				AgencyID:       get("agency_id"),
				RouteShortName: get("route_short_name"),
				RouteLongName:  get("route_long_name"),
				RouteType:      routeType,
			})
		}},
		{"stops.txt", func(get func(string) string) {
			data.Stops = append(data.Stops, Stop{
				StopID:   get("stop_id"),
				StopCode: get("stop_code"),
				StopName: get("stop_name"),
			})
		}},
		{"trips.txt", func(get func(string) string) {
			directionID, _ := strconv.Atoi(get("direction_id"))
			data.Trips = append(data.Trips, Trip{
				RouteID:      get("route_id"),
				ServiceID:    get("service_id"),
				TripID:       get("trip_id"),
				TripHeadsign: get("trip_headsign"),
				DirectionID:  directionID,
			})
		}},
		{"stop_times.txt", func(get func(string) string) {
			arrival, errA := ParseTime(get("arrival_time"))
			departure, errD := ParseTime(get("departure_time"))
			// Non-timepoint rows carry no times; they cannot be aligned.
			if errA != nil && errD != nil {
				return
			}
			if errA != nil {
				arrival = departure
			}
			if errD != nil {
				departure = arrival
			}
			seq, _ := strconv.Atoi(get("stop_sequence"))
			data.StopTimes = append(data.StopTimes, StopTime{
				TripID:        get("trip_id"),
				ArrivalTime:   arrival,
				DepartureTime: departure,
				StopID:        get("stop_id"),
				StopSequence:  seq,
			})
		}},
		{"calendar.txt", func(get func(string) string) {
			c := Calendar{
				ServiceID: get("service_id"),
				StartDate: get("start_date"),
				EndDate:   get("end_date"),
			}
			// Indexed by time.Weekday (Sunday = 0)
			days := []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}
			for i, day := range days {
				c.Weekdays[i] = get(day) == "1"
			}
			data.Calendars = append(data.Calendars, c)
		}},
		{"calendar_dates.txt", func(get func(string) string) {
			exception, _ := strconv.Atoi(get("exception_type"))
			data.CalendarDates = append(data.CalendarDates, CalendarDate{
				ServiceID:     get("service_id"),
				Date:          get("date"),
				ExceptionType: exception,
			})
		}},
	}

	for _, table := range tables {
		f, ok := files[table.name]
		if !ok {
			continue
		}
		if err := readTable(f, table.parse); err != nil {
			log.Printf("Warning: failed to parse %s: %v", table.name, err)
		}
	}

	log.Printf("GTFS parsed: %d routes, %d stops, %d trips, %d stop times, %d calendars, %d calendar dates",
		len(data.Routes), len(data.Stops), len(data.Trips), len(data.StopTimes),
		len(data.Calendars), len(data.CalendarDates))

	return data, nil
}

// readTable streams a CSV file, calling row once per record with a field getter.
func readTable(f *zip.File, row func(get func(string) string)) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return err
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	idx := makeIndex(header)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			continue
		}
		row(func(field string) string {
			return getField(record, idx, field)
		})
	}
}

// ParseTime converts a GTFS HH:MM:SS time (hours may exceed 23) to seconds.
func ParseTime(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid GTFS time %q", s)
	}
	var total int
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid GTFS time %q", s)
		}
		total = total*60 + n
	}
	return total, nil
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int)
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

func getField(record []string, idx map[string]int, field string) string {
	if i, ok := idx[field]; ok && i < len(record) {
		return strings.TrimSpace(record[i])
	}
	return ""
}

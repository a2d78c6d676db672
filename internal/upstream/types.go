package upstream

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Wire formats of the Bus.svc JSON API. Times are agency-local and carry no
// offset, so they are kept as strings until the client converts them.

type busPositionsResponse struct {
	BusPositions []busPosition `json:"BusPositions"`
}

type busPosition struct {
	DateTime      string   `json:"DateTime"`
	Deviation     float64  `json:"Deviation"`
	DirectionNum  flexInt  `json:"DirectionNum"`
	DirectionText string   `json:"DirectionText"`
	Lat           *float64 `json:"Lat"`
	Lon           *float64 `json:"Lon"`
	RouteID       string   `json:"RouteID"`
	TripEndTime   string   `json:"TripEndTime"`
	TripHeadsign  string   `json:"TripHeadsign"`
	TripID        string   `json:"TripID"`
	TripStartTime string   `json:"TripStartTime"`
	VehicleID     string   `json:"VehicleID"`
}

type routeScheduleResponse struct {
	Name       string          `json:"Name"`
	Direction0 []scheduledTrip `json:"Direction0"`
	Direction1 []scheduledTrip `json:"Direction1"`
}

type scheduledTrip struct {
	DirectionNum      flexInt             `json:"DirectionNum"`
	EndTime           string              `json:"EndTime"`
	RouteID           string              `json:"RouteID"`
	StartTime         string              `json:"StartTime"`
	StopTimes         []scheduledStopTime `json:"StopTimes"`
	TripDirectionText string              `json:"TripDirectionText"`
	TripHeadsign      string              `json:"TripHeadsign"`
	TripID            string              `json:"TripID"`
}

type scheduledStopTime struct {
	StopID   string `json:"StopID"`
	StopName string `json:"StopName"`
	StopSeq  int    `json:"StopSeq"`
	Time     string `json:"Time"`
}

type routesResponse struct {
	Routes []struct {
		RouteID         string `json:"RouteID"`
		Name            string `json:"Name"`
		LineDescription string `json:"LineDescription"`
	} `json:"Routes"`
}

// flexInt accepts both 1 and "1"; the API is inconsistent across endpoints.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

var _ json.Unmarshaler = (*flexInt)(nil)

// RSS alert feed.

type rssDocument struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	Source      string `xml:"source"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
}

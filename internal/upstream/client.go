package upstream

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/metro-rt/gtfsrt-bridge/internal/config"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

// localTimeLayout is the upstream's offset-less timestamp format.
const localTimeLayout = "2006-01-02T15:04:05"

// pubDateLayouts are tried in order when parsing RSS pubDate values.
var pubDateLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

// FetchError is returned when an upstream batch call fails (network, non-2xx
// status, or undecodable body).
type FetchError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: %s returned status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %s: %v", e.Op, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Observer receives per-request timings. Implemented by metrics.Collector.
type Observer interface {
	ObserveUpstreamRequest(op string, d time.Duration, err error)
}

// Client talks to the upstream bus API and alert feeds. Every request waits on
// a shared token-bucket limiter first.
type Client struct {
	httpClient    *http.Client
	limiter       *rate.Limiter
	baseURL       string
	apiKey        string
	busAlertsURL  string
	railAlertsURL string
	loc           *time.Location
	observer      Observer
}

// NewClient creates a new upstream client
func NewClient(cfg *config.Config, observer Observer) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.UpstreamTimeout,
		},
		limiter:       rate.NewLimiter(rate.Limit(cfg.UpstreamRateLimit), 1),
		baseURL:       strings.TrimRight(cfg.UpstreamAPIURL, "/"),
		apiKey:        cfg.UpstreamAPIKey,
		busAlertsURL:  cfg.BusAlertsURL,
		railAlertsURL: cfg.RailAlertsURL,
		loc:           cfg.Location,
		observer:      observer,
	}
}

// FetchVehiclePositions returns every bus currently reporting.
func (c *Client) FetchVehiclePositions(ctx context.Context) ([]models.VehicleObservation, error) {
	var resp busPositionsResponse
	if err := c.getJSON(ctx, "positions", "/Bus.svc/json/jBusPositions", nil, &resp); err != nil {
		return nil, err
	}

	observations := make([]models.VehicleObservation, 0, len(resp.BusPositions))
	for _, p := range resp.BusPositions {
		obs := models.VehicleObservation{
			VehicleID:     strings.TrimSpace(p.VehicleID),
			RouteCode:     strings.TrimSpace(p.RouteID),
			TripID:        strings.TrimSpace(p.TripID),
			DirectionNum:  int(p.DirectionNum),
			DirectionText: p.DirectionText,
			TripHeadsign:  p.TripHeadsign,
			Deviation:     p.Deviation,
			Lat:           math.NaN(),
			Lon:           math.NaN(),
			Timestamp:     c.parseLocal(p.DateTime),
			TripStartTime: c.parseLocal(p.TripStartTime),
			TripEndTime:   c.parseLocal(p.TripEndTime),
		}
		if p.Lat != nil {
			obs.Lat = *p.Lat
		}
		if p.Lon != nil {
			obs.Lon = *p.Lon
		}
		observations = append(observations, obs)
	}
	return observations, nil
}

// FetchRouteSchedule returns both directions of a route's schedule for date.
func (c *Client) FetchRouteSchedule(ctx context.Context, routeCode string, date models.ServiceDate) ([]models.UpstreamTrip, error) {
	params := url.Values{}
	params.Set("RouteID", routeCode)
	params.Set("Date", date.ISO())
	params.Set("IncludingVariations", "false")

	var resp routeScheduleResponse
	if err := c.getJSON(ctx, "route schedule", "/Bus.svc/json/jRouteSchedule", params, &resp); err != nil {
		return nil, err
	}

	trips := make([]models.UpstreamTrip, 0, len(resp.Direction0)+len(resp.Direction1))
	for _, direction := range [][]scheduledTrip{resp.Direction0, resp.Direction1} {
		for _, t := range direction {
			trip := models.UpstreamTrip{
				TripID:        strings.TrimSpace(t.TripID),
				RouteCode:     t.RouteID,
				DirectionNum:  int(t.DirectionNum),
				DirectionText: t.TripDirectionText,
				Headsign:      t.TripHeadsign,
				StartTime:     c.parseLocal(t.StartTime),
				EndTime:       c.parseLocal(t.EndTime),
				StopTimes:     make([]models.UpstreamStopTime, 0, len(t.StopTimes)),
			}
			for _, st := range t.StopTimes {
				trip.StopTimes = append(trip.StopTimes, models.UpstreamStopTime{
					StopID:   strings.TrimSpace(st.StopID),
					StopName: st.StopName,
					Sequence: st.StopSeq,
					Time:     c.parseLocal(st.Time),
				})
			}
			trips = append(trips, trip)
		}
	}
	return trips, nil
}

// FetchRouteList returns every upstream route code.
func (c *Client) FetchRouteList(ctx context.Context) ([]string, error) {
	var resp routesResponse
	if err := c.getJSON(ctx, "routes", "/Bus.svc/json/jRoutes", nil, &resp); err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(resp.Routes))
	for _, r := range resp.Routes {
		codes = append(codes, r.RouteID)
	}
	return codes, nil
}

// FetchAlerts returns the items of one alert feed.
func (c *Client) FetchAlerts(ctx context.Context, kind models.AlertKind) ([]models.Alert, error) {
	feedURL := c.busAlertsURL
	if kind == models.AlertKindRail {
		feedURL = c.railAlertsURL
	}

	body, err := c.get(ctx, string(kind)+" alerts", feedURL, false)
	if err != nil {
		return nil, err
	}

	var doc rssDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, &FetchError{Op: string(kind) + " alerts", URL: feedURL, Err: fmt.Errorf("failed to decode RSS: %w", err)}
	}

	alerts := make([]models.Alert, 0, len(doc.Channel.Items))
	for _, item := range doc.Channel.Items {
		alerts = append(alerts, models.Alert{
			GUID:        normalizeGUID(item.GUID),
			Kind:        kind,
			Title:       strings.TrimSpace(item.Title),
			Description: strings.TrimSpace(item.Description),
			Link:        strings.TrimSpace(item.Link),
			PubDate:     c.parsePubDate(item.PubDate),
		})
	}
	return alerts, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, params url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	body, err := c.get(ctx, op, reqURL, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &FetchError{Op: op, URL: reqURL, Err: fmt.Errorf("failed to decode JSON: %w", err)}
	}
	return nil
}

// get performs one rate-limited GET. The API key travels in a header so it
// never appears in logged URLs.
func (c *Client) get(ctx context.Context, op, reqURL string, withKey bool) (body []byte, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveUpstreamRequest(op, time.Since(start), err)
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Op: op, URL: reqURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &FetchError{Op: op, URL: reqURL, Err: err}
	}
	if withKey && c.apiKey != "" {
		req.Header.Set("api_key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Op: op, URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{Op: op, URL: reqURL, StatusCode: resp.StatusCode}
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Op: op, URL: reqURL, Err: err}
	}
	return body, nil
}

// parseLocal parses an offset-less upstream timestamp in the agency timezone.
// Unparseable values yield the zero time, which validation rejects later.
func (c *Client) parseLocal(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(localTimeLayout, s, c.loc)
	if err != nil {
		log.Printf("Upstream: unparseable timestamp %q: %v", s, err)
		return time.Time{}
	}
	return t
}

// parsePubDate parses RSS dates. Zone abbreviations are resolved against the
// agency timezone.
func (c *Client) parsePubDate(s string) time.Time {
	s = strings.TrimSpace(s)
	var errs []error
	for _, layout := range pubDateLayouts {
		t, err := time.ParseInLocation(layout, s, c.loc)
		if err == nil {
			return t
		}
		errs = append(errs, err)
	}
	log.Printf("Upstream: unparseable pubDate %q: %v", s, errors.Join(errs...))
	return time.Time{}
}

// normalizeGUID canonicalizes UUID-shaped GUIDs so case or brace differences
// between polls do not look like new alerts.
func normalizeGUID(raw string) string {
	raw = strings.TrimSpace(raw)
	if id, err := uuid.Parse(strings.Trim(raw, "{}")); err == nil {
		return id.String()
	}
	return raw
}

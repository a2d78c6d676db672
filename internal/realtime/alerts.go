package realtime

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

// ErrMalformedAlert is returned for alerts without a GUID.
var ErrMalformedAlert = errors.New("malformed alert")

// AlertTracker records the GUIDs of emitted alerts.
type AlertTracker interface {
	Track(guid string, publishedAt time.Time)
}

// AlertResult is the outcome of processing one alert. Skip is set when none
// of the routes named in the title resolved.
type AlertResult struct {
	Entity *gtfs.FeedEntity
	Record models.AlertRecord
	Skip   bool
	Fresh  bool
}

type publishedAlert struct {
	at     time.Time
	result AlertResult
}

// AlertProcessor scopes upstream alerts to canonical routes.
type AlertProcessor struct {
	routes   mapping.RouteResolver
	tracker  AlertTracker
	agencyID string

	mu            sync.Mutex
	lastPublished map[string]publishedAlert
	pending       map[string]publishedAlert
}

// NewAlertProcessor creates an alert processor.
func NewAlertProcessor(routes mapping.RouteResolver, tracker AlertTracker, agencyID string) *AlertProcessor {
	return &AlertProcessor{
		routes:        routes,
		tracker:       tracker,
		agencyID:      agencyID,
		lastPublished: make(map[string]publishedAlert),
		pending:       make(map[string]publishedAlert),
	}
}

// Process builds the alert entity for a.
func (p *AlertProcessor) Process(a models.Alert) (AlertResult, error) {
	if a.GUID == "" {
		return AlertResult{}, fmt.Errorf("%w: %q has no guid", ErrMalformedAlert, a.Title)
	}

	routeIDs := p.resolveTitle(a.Title)
	if len(routeIDs) == 0 {
		log.Printf("Alerts: skipping %s, no route in %q resolved", a.GUID, a.Title)
		return AlertResult{Skip: true}, nil
	}

	p.mu.Lock()
	pend, building := p.pending[a.GUID]
	prev, seen := p.lastPublished[a.GUID]
	p.mu.Unlock()
	if building && !a.PubDate.After(pend.at) {
		return pend.result, nil
	}
	if !building && seen && !a.PubDate.After(prev.at) {
		unchanged := prev.result
		unchanged.Fresh = false
		return unchanged, nil
	}

	record := models.AlertRecord{
		GUID:        a.GUID,
		Title:       a.Title,
		Description: a.Description,
		PublishedAt: a.PubDate,
		RouteIDs:    routeIDs,
	}
	result := AlertResult{Entity: p.entity(record), Record: record, Fresh: true}

	p.mu.Lock()
	p.pending[a.GUID] = publishedAlert{at: a.PubDate, result: result}
	p.mu.Unlock()

	if p.tracker != nil {
		p.tracker.Track(a.GUID, a.PubDate)
	}
	return result, nil
}

// Commit marks the alerts built since the last Commit or Discard as
// delivered.
func (p *AlertProcessor) Commit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for guid, a := range p.pending {
		p.lastPublished[guid] = a
	}
	clear(p.pending)
}

// Discard drops the alerts built since the last Commit so they are rebuilt
// and sent again.
func (p *AlertProcessor) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.pending)
}

// Forget drops the ordering state of alerts not in keep.
func (p *AlertProcessor) Forget(keep map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for guid := range p.lastPublished {
		if !keep[guid] {
			delete(p.lastPublished, guid)
		}
	}
}

// Records returns the delivered alerts ordered by GUID.
func (p *AlertProcessor) Records() []models.AlertRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.AlertRecord, 0, len(p.lastPublished))
	for _, a := range p.lastPublished {
		out = append(out, a.result.Record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID < out[j].GUID })
	return out
}

func (p *AlertProcessor) resolveTitle(title string) []string {
	var routeIDs []string
	seen := make(map[string]bool)
	for _, code := range strings.Split(title, ", ") {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		m := p.routes.Resolve(code)
		if !m.Mapped || seen[m.RouteID] {
			continue
		}
		seen[m.RouteID] = true
		routeIDs = append(routeIDs, m.RouteID)
	}
	return routeIDs
}

func (p *AlertProcessor) entity(r models.AlertRecord) *gtfs.FeedEntity {
	informed := make([]*gtfs.EntitySelector, 0, len(r.RouteIDs))
	for _, id := range r.RouteIDs {
		informed = append(informed, &gtfs.EntitySelector{
			AgencyId: proto.String(p.agencyID),
			RouteId:  proto.String(id),
		})
	}

	alert := &gtfs.Alert{
		InformedEntity:  informed,
		HeaderText:      translated(r.Title),
		DescriptionText: translated(r.Description),
	}
	if !r.PublishedAt.IsZero() {
		alert.ActivePeriod = []*gtfs.TimeRange{{Start: proto.Uint64(uint64(r.PublishedAt.Unix()))}}
	}

	return &gtfs.FeedEntity{Id: proto.String(r.GUID), Alert: alert}
}

func translated(text string) *gtfs.TranslatedString {
	return &gtfs.TranslatedString{
		Translation: []*gtfs.TranslatedString_Translation{{
			Text:     proto.String(text),
			Language: proto.String("en"),
		}},
	}
}

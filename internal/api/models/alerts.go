package models

import (
	"time"

	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

// Alert is one delivered alert.
type Alert struct {
	GUID        string    `json:"guid"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	PublishedAt time.Time `json:"publishedAt"`
	RouteIDs    []string  `json:"routeIds"`
}

func NewAlert(a models.AlertRecord) Alert {
	return Alert{
		GUID:        a.GUID,
		Title:       a.Title,
		Description: a.Description,
		PublishedAt: a.PublishedAt.UTC(),
		RouteIDs:    a.RouteIDs,
	}
}

// AlertsResponse is the JSON response for GET /api/alerts
type AlertsResponse struct {
	Alerts []Alert `json:"alerts"`
	Count  int     `json:"count"`
}

package handlers

import (
	"net/http"

	apimodels "github.com/metro-rt/gtfsrt-bridge/internal/api/models"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

// AlertLister lists the delivered alerts.
type AlertLister interface {
	Records() []models.AlertRecord
}

// AlertHandler exposes the delivered alerts with their resolved routes.
type AlertHandler struct {
	alerts AlertLister
}

func NewAlertHandler(alerts AlertLister) *AlertHandler {
	return &AlertHandler{alerts: alerts}
}

// GetAlerts handles GET /api/alerts
// Supports ?route=<canonical route id>.
func (h *AlertHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	route := r.URL.Query().Get("route")

	all := h.alerts.Records()
	resp := apimodels.AlertsResponse{Alerts: make([]apimodels.Alert, 0, len(all))}
	for _, a := range all {
		if route != "" && !informs(a, route) {
			continue
		}
		resp.Alerts = append(resp.Alerts, apimodels.NewAlert(a))
	}
	resp.Count = len(resp.Alerts)

	writeJSON(w, http.StatusOK, resp)
}

func informs(a models.AlertRecord, routeID string) bool {
	for _, id := range a.RouteIDs {
		if id == routeID {
			return true
		}
	}
	return false
}

package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/metro-rt/gtfsrt-bridge/internal/config"
	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

// Cycle kinds.
const (
	KindVehicles = "vehicles"
	KindAlerts   = "alerts"
)

// Cycle is one recorded poll cycle. Error is empty for successful cycles.
type Cycle struct {
	ID         string
	Kind       string
	StartedAt  time.Time
	FinishedAt time.Time
	Entities   int
	Updated    int
	Deleted    int
	Error      string
}

// NewCycle starts a cycle record with a fresh id.
func NewCycle(kind string, startedAt time.Time) Cycle {
	return Cycle{ID: uuid.New().String(), Kind: kind, StartedAt: startedAt.UTC()}
}

// Store is the durable state of the bridge.
type Store interface {
	AlertGUIDs(ctx context.Context) (map[string]time.Time, error)
	UpsertAlertGUIDs(ctx context.Context, guids map[string]time.Time) error
	DeleteAlertGUIDs(ctx context.Context, guids []string) error

	SaveTripMapping(ctx context.Context, m mapping.TripMapping) error
	LoadTripMappings(ctx context.Context, since models.ServiceDate) ([]mapping.TripMapping, error)

	RecordCycle(ctx context.Context, c Cycle) error
	LastSuccessfulCycles(ctx context.Context) (map[string]time.Time, error)

	Cleanup(ctx context.Context, retention time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store                    = (*DB)(nil)
	_ Store                    = (*PostgresDB)(nil)
	_ mapping.TripMappingStore = (Store)(nil)
)

// Open connects to Postgres when DATABASE_URL is set, SQLite otherwise, and
// ensures the schema exists.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}

	sq, err := Connect(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := sq.EnsureSchema(ctx); err != nil {
		sq.Close()
		return nil, err
	}
	return sq, nil
}

// cutoff returns the first service date and instant kept by a retention
// window ending now.
func cutoff(now time.Time, retention time.Duration) (models.ServiceDate, time.Time) {
	if retention < time.Hour {
		retention = time.Hour
	}
	at := now.Add(-retention).UTC()
	return models.ServiceDateOf(at, time.UTC), at
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

// SaveTripMapping persists a computed mapping. Mappings are immutable, so an
// existing row for the same key is kept.
func (db *DB) SaveTripMapping(ctx context.Context, m mapping.TripMapping) error {
	db.LockWrite()
	defer db.UnlockWrite()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO trip_mappings (
			service_date, upstream_trip_id, route_code, route_id, trip_id,
			mapped, score, reason, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_date, upstream_trip_id) DO NOTHING
	`,
		m.Key.ServiceDate.String(), m.Key.UpstreamTripID, m.RouteCode, m.RouteID, m.TripID,
		m.Mapped, m.Score, m.Reason, formatTime(m.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save trip mapping %s: %w", m.Key, err)
	}
	return nil
}

// LoadTripMappings returns the mappings of service dates on or after since.
func (db *DB) LoadTripMappings(ctx context.Context, since models.ServiceDate) ([]mapping.TripMapping, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT service_date, upstream_trip_id, route_code, route_id, trip_id,
			mapped, score, reason, resolved_at
		FROM trip_mappings
		WHERE service_date >= ?
		ORDER BY service_date, upstream_trip_id
	`, since.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query trip mappings: %w", err)
	}
	defer rows.Close()

	var out []mapping.TripMapping
	for rows.Next() {
		var (
			m                mapping.TripMapping
			date, resolvedAt string
		)
		if err := rows.Scan(&date, &m.Key.UpstreamTripID, &m.RouteCode, &m.RouteID, &m.TripID,
			&m.Mapped, &m.Score, &m.Reason, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trip mapping: %w", err)
		}
		if m.Key.ServiceDate, err = models.ParseServiceDate(date); err != nil {
			return nil, err
		}
		if m.ResolvedAt, err = parseTime(resolvedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordCycle stores a finished poll cycle.
func (db *DB) RecordCycle(ctx context.Context, c Cycle) error {
	db.LockWrite()
	defer db.UnlockWrite()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO cycles (cycle_id, kind, started_at, finished_at, entities, updated, deleted, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Kind, formatTime(c.StartedAt), formatTime(c.FinishedAt), c.Entities, c.Updated, c.Deleted, c.Error)
	if err != nil {
		return fmt.Errorf("failed to record %s cycle: %w", c.Kind, err)
	}
	return nil
}

// LastSuccessfulCycles returns the finish time of the latest successful
// cycle of each kind.
func (db *DB) LastSuccessfulCycles(ctx context.Context) (map[string]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT kind, MAX(finished_at) FROM cycles WHERE error = '' GROUP BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var kind string
		var finished sql.NullString
		if err := rows.Scan(&kind, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		if !finished.Valid {
			continue
		}
		at, err := parseTime(finished.String)
		if err != nil {
			return nil, err
		}
		out[kind] = at
	}
	return out, rows.Err()
}

package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

//go:embed schema_postgres.sql
var postgresSchemaSQL string

// PostgresDB is the Store backed by PostgreSQL.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// ConnectPostgres creates a connection pool and checks it.
func ConnectPostgres(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Connected to PostgreSQL database")
	return &PostgresDB{pool: pool}, nil
}

func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// EnsureSchema creates tables if they don't exist.
func (p *PostgresDB) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Println("Database schema ensured (from embedded schema_postgres.sql)")
	return nil
}

func (p *PostgresDB) AlertGUIDs(ctx context.Context) (map[string]time.Time, error) {
	rows, err := p.pool.Query(ctx, "SELECT guid, published_at FROM alert_guids")
	if err != nil {
		return nil, fmt.Errorf("failed to query alert guids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var guid string
		var published time.Time
		if err := rows.Scan(&guid, &published); err != nil {
			return nil, fmt.Errorf("failed to scan alert guid: %w", err)
		}
		out[guid] = published.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert guid rows: %w", err)
	}
	return out, nil
}

func (p *PostgresDB) UpsertAlertGUIDs(ctx context.Context, guids map[string]time.Time) error {
	if len(guids) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for guid, published := range guids {
		batch.Queue(`
			INSERT INTO alert_guids (guid, published_at, last_seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (guid) DO UPDATE SET
				published_at = EXCLUDED.published_at,
				last_seen_at = EXCLUDED.last_seen_at
		`, guid, published.UTC(), now)
	}

	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert alert guids: %w", err)
	}
	return nil
}

func (p *PostgresDB) DeleteAlertGUIDs(ctx context.Context, guids []string) error {
	if len(guids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, "DELETE FROM alert_guids WHERE guid = ANY($1)", guids); err != nil {
		return fmt.Errorf("failed to delete alert guids: %w", err)
	}
	return nil
}

func (p *PostgresDB) SaveTripMapping(ctx context.Context, m mapping.TripMapping) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO trip_mappings (
			service_date, upstream_trip_id, route_code, route_id, trip_id,
			mapped, score, reason, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (service_date, upstream_trip_id) DO NOTHING
	`,
		m.Key.ServiceDate.String(), m.Key.UpstreamTripID, m.RouteCode, m.RouteID, m.TripID,
		m.Mapped, m.Score, m.Reason, m.ResolvedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save trip mapping %s: %w", m.Key, err)
	}
	return nil
}

func (p *PostgresDB) LoadTripMappings(ctx context.Context, since models.ServiceDate) ([]mapping.TripMapping, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT service_date, upstream_trip_id, route_code, route_id, trip_id,
			mapped, score, reason, resolved_at
		FROM trip_mappings
		WHERE service_date >= $1
		ORDER BY service_date, upstream_trip_id
	`, since.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query trip mappings: %w", err)
	}
	defer rows.Close()

	var out []mapping.TripMapping
	for rows.Next() {
		var m mapping.TripMapping
		var date string
		if err := rows.Scan(&date, &m.Key.UpstreamTripID, &m.RouteCode, &m.RouteID, &m.TripID,
			&m.Mapped, &m.Score, &m.Reason, &m.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trip mapping: %w", err)
		}
		if m.Key.ServiceDate, err = models.ParseServiceDate(date); err != nil {
			return nil, err
		}
		m.ResolvedAt = m.ResolvedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trip mapping rows: %w", err)
	}
	return out, nil
}

func (p *PostgresDB) RecordCycle(ctx context.Context, c Cycle) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cycles (cycle_id, kind, started_at, finished_at, entities, updated, deleted, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.Kind, c.StartedAt.UTC(), c.FinishedAt.UTC(), c.Entities, c.Updated, c.Deleted, c.Error)
	if err != nil {
		return fmt.Errorf("failed to record %s cycle: %w", c.Kind, err)
	}
	return nil
}

func (p *PostgresDB) LastSuccessfulCycles(ctx context.Context) (map[string]time.Time, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT kind, MAX(finished_at) FROM cycles WHERE error = '' GROUP BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var kind string
		var finished time.Time
		if err := rows.Scan(&kind, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		out[kind] = finished.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle rows: %w", err)
	}
	return out, nil
}

func (p *PostgresDB) Cleanup(ctx context.Context, retention time.Duration) error {
	date, at := cutoff(time.Now(), retention)

	mappings, err := p.pool.Exec(ctx, "DELETE FROM trip_mappings WHERE service_date < $1", date.String())
	if err != nil {
		return fmt.Errorf("failed to cleanup trip_mappings: %w", err)
	}
	cycles, err := p.pool.Exec(ctx, "DELETE FROM cycles WHERE started_at < $1", at)
	if err != nil {
		return fmt.Errorf("failed to cleanup cycles: %w", err)
	}

	if total := mappings.RowsAffected() + cycles.RowsAffected(); total > 0 {
		log.Printf("Cleanup: deleted %d records older than %v", total, retention)
	}
	return nil
}

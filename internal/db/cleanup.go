package db

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Cleanup deletes trip mappings and cycle history older than the retention
// window. Alert GUIDs are removed when their alert is retracted, not by age.
func (db *DB) Cleanup(ctx context.Context, retention time.Duration) error {
	date, at := cutoff(time.Now(), retention)

	db.LockWrite()
	defer db.UnlockWrite()

	queries := []struct {
		name  string
		query string
		arg   string
	}{
		{
			name:  "trip_mappings",
			query: "DELETE FROM trip_mappings WHERE service_date < ?",
			arg:   date.String(),
		},
		{
			name:  "cycles",
			query: "DELETE FROM cycles WHERE started_at < ?",
			arg:   formatTime(at),
		},
	}

	totalDeleted := 0
	for _, q := range queries {
		result, err := db.conn.ExecContext(ctx, q.query, q.arg)
		if err != nil {
			return fmt.Errorf("failed to cleanup %s: %w", q.name, err)
		}
		rows, _ := result.RowsAffected()
		totalDeleted += int(rows)
	}

	if totalDeleted > 0 {
		log.Printf("Cleanup: deleted %d records older than %v", totalDeleted, retention)
	}

	return nil
}

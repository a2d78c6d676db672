package db

import (
	"context"
	"fmt"
	"time"
)

// AlertGUIDs returns every persisted alert GUID with its publish time.
func (db *DB) AlertGUIDs(ctx context.Context) (map[string]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT guid, published_at FROM alert_guids")
	if err != nil {
		return nil, fmt.Errorf("failed to query alert guids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var guid, published string
		if err := rows.Scan(&guid, &published); err != nil {
			return nil, fmt.Errorf("failed to scan alert guid: %w", err)
		}
		at, err := parseTime(published)
		if err != nil {
			return nil, err
		}
		out[guid] = at
	}
	return out, rows.Err()
}

// UpsertAlertGUIDs inserts or refreshes alert GUIDs in one transaction.
func (db *DB) UpsertAlertGUIDs(ctx context.Context, guids map[string]time.Time) error {
	if len(guids) == 0 {
		return nil
	}

	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO alert_guids (guid, published_at, last_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT (guid) DO UPDATE SET
			published_at = excluded.published_at,
			last_seen_at = excluded.last_seen_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare alert guid statement: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for guid, published := range guids {
		if _, err := stmt.ExecContext(ctx, guid, formatTime(published), now); err != nil {
			return fmt.Errorf("failed to upsert alert guid %s: %w", guid, err)
		}
	}

	return tx.Commit()
}

// DeleteAlertGUIDs removes retracted alert GUIDs.
func (db *DB) DeleteAlertGUIDs(ctx context.Context, guids []string) error {
	if len(guids) == 0 {
		return nil
	}

	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, guid := range guids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM alert_guids WHERE guid = ?", guid); err != nil {
			return fmt.Errorf("failed to delete alert guid %s: %w", guid, err)
		}
	}

	return tx.Commit()
}

package db

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"time"
)

// AlertGUIDStore is the part of Store the AlertTracker needs.
type AlertGUIDStore interface {
	AlertGUIDs(ctx context.Context) (map[string]time.Time, error)
	UpsertAlertGUIDs(ctx context.Context, guids map[string]time.Time) error
	DeleteAlertGUIDs(ctx context.Context, guids []string) error
}

// AlertTracker is the durable published set of the alerts stream. Emitted
// alerts are tracked as pending and written to the store on Flush. Flushed
// GUIDs count as published only once Replace confirms the publish.
type AlertTracker struct {
	store AlertGUIDStore

	mu      sync.Mutex
	pending map[string]time.Time
	flushed map[string]time.Time // persisted, publish not yet confirmed
	known   map[string]time.Time // persisted and published
}

// NewAlertTracker loads the persisted GUIDs.
func NewAlertTracker(ctx context.Context, store AlertGUIDStore) (*AlertTracker, error) {
	known, err := store.AlertGUIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert guids: %w", err)
	}
	log.Printf("Alerts: loaded %d published alert guids", len(known))
	return &AlertTracker{
		store:   store,
		pending: make(map[string]time.Time),
		flushed: make(map[string]time.Time),
		known:   known,
	}, nil
}

// Track marks guid as emitted. It is persisted on the next Flush.
func (t *AlertTracker) Track(guid string, publishedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[guid] = publishedAt
}

// Flush writes pending GUIDs to the store. On failure they stay pending.
func (t *AlertTracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked(ctx)
}

func (t *AlertTracker) flushLocked(ctx context.Context) error {
	if len(t.pending) == 0 {
		return nil
	}
	if err := t.store.UpsertAlertGUIDs(ctx, t.pending); err != nil {
		return fmt.Errorf("failed to flush %d alert guids: %w", len(t.pending), err)
	}
	for guid, at := range t.pending {
		t.flushed[guid] = at
	}
	t.pending = make(map[string]time.Time)
	return nil
}

// IDs flushes pending GUIDs and returns the alerts confirmed published by
// earlier cycles.
func (t *AlertTracker) IDs(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous := make([]string, 0, len(t.known))
	for guid := range t.known {
		previous = append(previous, guid)
	}
	sort.Strings(previous)

	if err := t.flushLocked(ctx); err != nil {
		return nil, err
	}
	return previous, nil
}

// Replace confirms ids as the published set. Persisted GUIDs outside ids are
// deleted.
func (t *AlertTracker) Replace(ctx context.Context, ids []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	var retracted []string
	for _, set := range []map[string]time.Time{t.known, t.flushed} {
		for guid := range set {
			if !keep[guid] {
				retracted = append(retracted, guid)
			}
		}
	}
	sort.Strings(retracted)
	retracted = slices.Compact(retracted)

	if err := t.store.DeleteAlertGUIDs(ctx, retracted); err != nil {
		return fmt.Errorf("failed to delete %d retracted alert guids: %w", len(retracted), err)
	}

	known := make(map[string]time.Time, len(ids))
	for _, id := range ids {
		at, ok := t.flushed[id]
		if !ok {
			at = t.known[id]
		}
		known[id] = at
	}
	t.known = known
	t.flushed = make(map[string]time.Time)
	return nil
}

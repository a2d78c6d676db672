package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Connect(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.EnsureSchema(context.Background()))
	return database
}

func TestDB_EnsureSchemaIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.EnsureSchema(context.Background()))
	require.NoError(t, database.Ping(context.Background()))
}

func TestDB_AlertGUIDs(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	t1 := time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC)

	require.NoError(t, database.UpsertAlertGUIDs(ctx, map[string]time.Time{"g1": t1, "g2": t1}))
	require.NoError(t, database.UpsertAlertGUIDs(ctx, map[string]time.Time{"g2": t1.Add(time.Hour)}))

	got, err := database.AlertGUIDs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, t1.Equal(got["g1"]))
	assert.True(t, t1.Add(time.Hour).Equal(got["g2"]))

	require.NoError(t, database.DeleteAlertGUIDs(ctx, []string{"g1", "missing"}))
	got, err = database.AlertGUIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "g2")
}

func TestDB_TripMappings(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	day := models.ServiceDate{Year: 2024, Month: time.March, Day: 5}
	resolved := time.Date(2024, 3, 5, 8, 1, 2, 300, time.UTC)

	mapped := mapping.TripMapping{
		Key:        mapping.TripKey{ServiceDate: day, UpstreamTripID: "U1"},
		RouteCode:  "A12",
		RouteID:    "r-a12",
		TripID:     "t-early",
		Mapped:     true,
		Score:      5.5,
		ResolvedAt: resolved,
	}
	tombstone := mapping.TripMapping{
		Key:        mapping.TripKey{ServiceDate: day.AddDays(-1), UpstreamTripID: "U2"},
		RouteCode:  "B99",
		Reason:     "route unmappable: blacklisted",
		ResolvedAt: resolved,
	}
	require.NoError(t, database.SaveTripMapping(ctx, mapped))
	require.NoError(t, database.SaveTripMapping(ctx, tombstone))

	// immutable: a second save for the same key is ignored
	changed := mapped
	changed.TripID = "t-late"
	require.NoError(t, database.SaveTripMapping(ctx, changed))

	all, err := database.LoadTripMappings(ctx, day.AddDays(-1))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, tombstone.Key, all[0].Key)
	assert.False(t, all[0].Mapped)
	assert.Equal(t, "route unmappable: blacklisted", all[0].Reason)
	assert.Equal(t, mapped.Key, all[1].Key)
	assert.Equal(t, "t-early", all[1].TripID)
	assert.True(t, all[1].Mapped)
	assert.InDelta(t, 5.5, all[1].Score, 1e-9)
	assert.True(t, resolved.Equal(all[1].ResolvedAt))

	recent, err := database.LoadTripMappings(ctx, day)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "U1", recent[0].Key.UpstreamTripID)
}

func TestDB_Cycles(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	start := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)

	for i, c := range []Cycle{
		{Kind: KindVehicles, FinishedAt: start.Add(1 * time.Second)},
		{Kind: KindVehicles, FinishedAt: start.Add(90 * time.Second)},
		{Kind: KindVehicles, FinishedAt: start.Add(200 * time.Second), Error: "upstream down"},
		{Kind: KindAlerts, FinishedAt: start.Add(500 * time.Millisecond)},
	} {
		rec := NewCycle(c.Kind, start.Add(time.Duration(i)*time.Second))
		rec.FinishedAt = c.FinishedAt
		rec.Error = c.Error
		require.NoError(t, database.RecordCycle(ctx, rec))
	}

	last, err := database.LastSuccessfulCycles(ctx)
	require.NoError(t, err)
	assert.True(t, start.Add(90*time.Second).Equal(last[KindVehicles]), "failed cycles are ignored")
	assert.True(t, start.Add(500*time.Millisecond).Equal(last[KindAlerts]))
}

func TestDB_Cleanup(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	now := time.Now().UTC()
	today := models.ServiceDateOf(now, time.UTC)

	old := NewCycle(KindVehicles, now.Add(-10*24*time.Hour))
	old.FinishedAt = old.StartedAt
	fresh := NewCycle(KindVehicles, now.Add(-time.Minute))
	fresh.FinishedAt = now
	require.NoError(t, database.RecordCycle(ctx, old))
	require.NoError(t, database.RecordCycle(ctx, fresh))

	for _, d := range []models.ServiceDate{today.AddDays(-10), today} {
		require.NoError(t, database.SaveTripMapping(ctx, mapping.TripMapping{
			Key:        mapping.TripKey{ServiceDate: d, UpstreamTripID: "U1"},
			ResolvedAt: now,
		}))
	}
	require.NoError(t, database.UpsertAlertGUIDs(ctx, map[string]time.Time{"old-alert": now.Add(-30 * 24 * time.Hour)}))

	require.NoError(t, database.Cleanup(ctx, 3*24*time.Hour))

	mappings, err := database.LoadTripMappings(ctx, today.AddDays(-30))
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, today, mappings[0].Key.ServiceDate)

	var cycles int
	require.NoError(t, database.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM cycles").Scan(&cycles))
	assert.Equal(t, 1, cycles)

	guids, err := database.AlertGUIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, guids, "old-alert", "alert guids are not aged out")
}

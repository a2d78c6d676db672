package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metro-rt/gtfsrt-bridge/internal/mapping"
	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

type recordingTracker struct {
	mu      sync.Mutex
	tracked map[string]time.Time
}

func (r *recordingTracker) Track(guid string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tracked == nil {
		r.tracked = make(map[string]time.Time)
	}
	r.tracked[guid] = at
}

func newTestAlertProcessor() (*AlertProcessor, *recordingTracker) {
	routes := mapping.NewRouteMapper(mapping.DefaultRules(testRoutes, nil, []string{"B99"})...)
	tracker := &recordingTracker{}
	return NewAlertProcessor(routes, tracker, "1"), tracker
}

func TestAlertProcessor_ResolvesTitleRoutes(t *testing.T) {
	p, tracker := newTestAlertProcessor()
	pub := time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC)

	res, err := p.Process(models.Alert{
		GUID:        "5f0c2a4e-7d1b-4c55-9f0e-1a2b3c4d5e6f",
		Title:       "A12, RED, A12v1, Z9",
		Description: "Detour due to construction",
		PubDate:     pub,
	})
	require.NoError(t, err)
	assert.False(t, res.Skip)
	assert.True(t, res.Fresh)
	assert.Equal(t, []string{"r-a12", "r-red"}, res.Record.RouteIDs)

	e := res.Entity
	assert.Equal(t, "5f0c2a4e-7d1b-4c55-9f0e-1a2b3c4d5e6f", e.GetId())
	alert := e.GetAlert()
	assert.Equal(t, "A12, RED, A12v1, Z9", alert.GetHeaderText().GetTranslation()[0].GetText())
	assert.Equal(t, "Detour due to construction", alert.GetDescriptionText().GetTranslation()[0].GetText())
	require.Len(t, alert.GetInformedEntity(), 2)
	assert.Equal(t, "1", alert.GetInformedEntity()[0].GetAgencyId())
	assert.Equal(t, "r-a12", alert.GetInformedEntity()[0].GetRouteId())
	assert.Equal(t, "r-red", alert.GetInformedEntity()[1].GetRouteId())
	require.Len(t, alert.GetActivePeriod(), 1)
	assert.Equal(t, uint64(pub.Unix()), alert.GetActivePeriod()[0].GetStart())

	assert.Contains(t, tracker.tracked, "5f0c2a4e-7d1b-4c55-9f0e-1a2b3c4d5e6f")
}

func TestAlertProcessor_SkipsUnresolvedTitle(t *testing.T) {
	p, tracker := newTestAlertProcessor()

	for _, title := range []string{"Z1, Z2", "B99", ""} {
		res, err := p.Process(models.Alert{GUID: "g-" + title, Title: title, PubDate: time.Now()})
		require.NoError(t, err)
		assert.True(t, res.Skip, title)
		assert.Nil(t, res.Entity)
	}
	assert.Empty(t, tracker.tracked)
	assert.Empty(t, p.Records())
}

func TestAlertProcessor_OrderingGuard(t *testing.T) {
	p, tracker := newTestAlertProcessor()
	t1 := time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC)

	first, err := p.Process(models.Alert{GUID: "g1", Title: "A12", Description: "first", PubDate: t1})
	require.NoError(t, err)
	require.True(t, first.Fresh)
	p.Commit()

	tests := []struct {
		name  string
		at    time.Time
		fresh bool
		desc  string
	}{
		{"same pubDate is unchanged", t1, false, "first"},
		{"older pubDate is unchanged", t1.Add(-time.Minute), false, "first"},
		{"newer pubDate is re-emitted", t1.Add(time.Minute), true, "second"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := p.Process(models.Alert{GUID: "g1", Title: "A12", Description: "second", PubDate: tc.at})
			require.NoError(t, err)
			assert.Equal(t, tc.fresh, res.Fresh)
			assert.Equal(t, "g1", res.Entity.GetId(), "unchanged alerts are still present")
			assert.Equal(t, tc.desc, res.Record.Description)
		})
	}
	assert.Equal(t, t1.Add(time.Minute), tracker.tracked["g1"])
}

func TestAlertProcessor_MissingGUID(t *testing.T) {
	p, _ := newTestAlertProcessor()
	_, err := p.Process(models.Alert{Title: "A12"})
	assert.ErrorIs(t, err, ErrMalformedAlert)
}

func TestAlertProcessor_Forget(t *testing.T) {
	p, _ := newTestAlertProcessor()
	at := time.Now()
	for _, guid := range []string{"g1", "g2"} {
		_, err := p.Process(models.Alert{GUID: guid, Title: "A12", PubDate: at})
		require.NoError(t, err)
	}
	p.Commit()

	p.Forget(map[string]bool{"g2": true})
	records := p.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "g2", records[0].GUID)

	res, err := p.Process(models.Alert{GUID: "g1", Title: "A12", PubDate: at})
	require.NoError(t, err)
	assert.True(t, res.Fresh, "a forgotten alert is emitted again")
}

func TestAlertProcessor_DiscardRebuildsUndelivered(t *testing.T) {
	p, tracker := newTestAlertProcessor()
	t1 := time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC)
	alert := models.Alert{GUID: "g1", Title: "A12", Description: "first", PubDate: t1}

	_, err := p.Process(alert)
	require.NoError(t, err)
	p.Commit()

	alert.Description = "second"
	alert.PubDate = t1.Add(time.Minute)
	res, err := p.Process(alert)
	require.NoError(t, err)
	require.True(t, res.Fresh)

	again, err := p.Process(alert)
	require.NoError(t, err)
	assert.True(t, again.Fresh, "undelivered alerts stay fresh within a cycle")
	assert.Equal(t, "second", again.Record.Description)

	p.Discard()
	assert.Equal(t, "first", p.Records()[0].Description, "only delivered alerts are listed")

	retry, err := p.Process(alert)
	require.NoError(t, err)
	assert.True(t, retry.Fresh, "a discarded update is rebuilt")
	assert.Equal(t, "second", retry.Record.Description)
	assert.Equal(t, t1.Add(time.Minute), tracker.tracked["g1"])

	p.Commit()
	unchanged, err := p.Process(alert)
	require.NoError(t, err)
	assert.False(t, unchanged.Fresh)
}

func TestAlertProcessor_RecordsOrderedByGUID(t *testing.T) {
	p, _ := newTestAlertProcessor()
	for _, guid := range []string{"g3", "g1", "g2"} {
		_, err := p.Process(models.Alert{GUID: guid, Title: "A12", PubDate: time.Now()})
		require.NoError(t, err)
	}
	assert.Empty(t, p.Records())

	p.Commit()
	var guids []string
	for _, r := range p.Records() {
		guids = append(guids, r.GUID)
	}
	assert.Equal(t, []string{"g1", "g2", "g3"}, guids)
}

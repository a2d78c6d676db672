package mapping

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

var testDate = models.ServiceDate{Year: 2024, Month: time.March, Day: 5}

type fakeSchedule struct {
	routes    []models.Route
	trips     map[string][]models.Trip
	stopTimes map[string][]models.StopTime
	active    map[string]bool
}

func (f *fakeSchedule) RoutesForAgency(string) []models.Route             { return f.routes }
func (f *fakeSchedule) TripsForRoute(id string) []models.Trip              { return f.trips[id] }
func (f *fakeSchedule) StopTimesForTrip(id string) []models.StopTime       { return f.stopTimes[id] }
func (f *fakeSchedule) ServiceIDsActiveOn(models.ServiceDate) map[string]bool { return f.active }

type fakeSource struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	trips []models.UpstreamTrip
}

func (f *fakeSource) FetchRouteSchedule(ctx context.Context, routeCode string, date models.ServiceDate) ([]models.UpstreamTrip, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.trips, nil
}

type recordingStore struct {
	mu    sync.Mutex
	saved []TripMapping
}

func (s *recordingStore) SaveTripMapping(_ context.Context, m TripMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, m)
	return nil
}

func at(hhmm string) time.Time {
	t, _ := time.Parse("15:04", hhmm)
	return testDate.Reference(time.UTC).Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
}

// newTestAligner builds an A12 route with two weekday trips: t-early at
// 08:00/08:10/08:20 and t-late at 09:00/09:10/09:20, plus one Saturday trip.
func newTestAligner(t *testing.T, threshold float64) (*ScheduleAligner, *fakeSource, *recordingStore) {
	t.Helper()
	schedule := &fakeSchedule{
		routes: []models.Route{{RouteID: "r-a12", ShortName: "A12", RouteType: models.RouteTypeBus}},
		trips: map[string][]models.Trip{"r-a12": {
			{TripID: "t-sat", RouteID: "r-a12", ServiceID: "SAT"},
			{TripID: "t-early", RouteID: "r-a12", ServiceID: "WKDY"},
			{TripID: "t-late", RouteID: "r-a12", ServiceID: "WKDY"},
		}},
		stopTimes: map[string][]models.StopTime{
			"t-sat":   {canon("1", "08:00"), canon("2", "08:10"), canon("3", "08:20")},
			"t-early": {canon("1", "08:00"), canon("2", "08:10"), canon("3", "08:25")},
			"t-late":  {canon("1", "09:00"), canon("2", "09:10"), canon("3", "09:20")},
		},
		active: map[string]bool{"WKDY": true},
	}
	source := &fakeSource{trips: []models.UpstreamTrip{
		{
			TripID: "U1", DirectionText: "NORTH", StartTime: at("08:00"), EndTime: at("08:20"),
			StopTimes: []models.UpstreamStopTime{
				{StopID: "1", Time: at("08:00")},
				{StopID: "2", Time: at("08:10")},
				{StopID: "3", Time: at("08:20")},
			},
		},
		{
			TripID: "U-nostops", StopTimes: []models.UpstreamStopTime{{StopID: "99", Time: at("10:00")}},
		},
	}}
	store := &recordingStore{}
	routes := NewRouteMapper(DefaultRules(schedule.routes, nil, []string{"B99"})...)
	a := NewScheduleAligner(routes, schedule, source, AlignerOptions{
		Threshold: threshold,
		Workers:   4,
		Location:  time.UTC,
		Store:     store,
	})
	return a, source, store
}

func tripReq(id, route string) TripRequest {
	return TripRequest{Key: TripKey{ServiceDate: testDate, UpstreamTripID: id}, RouteCode: route}
}

func TestScheduleAligner_MapsBestCandidate(t *testing.T) {
	a, _, store := newTestAligner(t, 25)

	m, err := a.Resolve(context.Background(), tripReq("U1", "A12v1"))
	require.NoError(t, err)

	assert.True(t, m.Mapped)
	assert.Equal(t, "t-early", m.TripID, "the Saturday trip scores 0 but is not active")
	assert.Equal(t, "r-a12", m.RouteID)
	assert.InDelta(t, 5, m.Score, 1e-9)
	require.Len(t, store.saved, 1)
	assert.Equal(t, m.Key, store.saved[0].Key)
}

func TestScheduleAligner_ThresholdBoundary(t *testing.T) {
	const eps = 1e-6
	// best score is exactly 5
	tests := []struct {
		name      string
		threshold float64
		mapped    bool
	}{
		{"score below threshold", 5 + eps, true},
		{"score equal to threshold", 5, true},
		{"score above threshold", 5 - eps, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, _, _ := newTestAligner(t, tc.threshold)
			m, err := a.Resolve(context.Background(), tripReq("U1", "A12"))
			require.NoError(t, err)
			assert.Equal(t, tc.mapped, m.Mapped)
			if !tc.mapped {
				assert.Equal(t, "no good match", m.Reason)
				assert.Empty(t, m.TripID)
			}
		})
	}
}

func TestScheduleAligner_Tombstones(t *testing.T) {
	tests := []struct {
		name   string
		req    TripRequest
		reason string
		fetch  bool
	}{
		{"blacklisted route skips schedule lookup", tripReq("U1", "B99"), "route unmappable: blacklisted", false},
		{"malformed route", tripReq("U1", "???"), "route unmappable: malformed", false},
		{"unknown upstream trip", tripReq("U404", "A12"), "trip not found in upstream route schedule", true},
		{"no shared stops", tripReq("U-nostops", "A12"), "no good match", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, source, _ := newTestAligner(t, 25)
			m, err := a.Resolve(context.Background(), tc.req)
			require.NoError(t, err)
			assert.False(t, m.Mapped)
			assert.Equal(t, tc.reason, m.Reason)
			assert.Equal(t, tc.fetch, source.calls.Load() > 0)

			// tombstones are cached: no second upstream call
			calls := source.calls.Load()
			again, err := a.Resolve(context.Background(), tc.req)
			require.NoError(t, err)
			assert.Equal(t, m, again)
			assert.Equal(t, calls, source.calls.Load())
		})
	}
}

func TestScheduleAligner_NoCandidates(t *testing.T) {
	a, _, _ := newTestAligner(t, 25)
	a.schedule.(*fakeSchedule).active = map[string]bool{}

	m, err := a.Resolve(context.Background(), tripReq("U1", "A12"))
	require.NoError(t, err)
	assert.False(t, m.Mapped)
	assert.Equal(t, "no candidates", m.Reason)
}

func TestScheduleAligner_FallbackByTimesAndDirection(t *testing.T) {
	a, _, _ := newTestAligner(t, 25)
	req := tripReq("renumbered", "A12")
	req.StartTime = at("08:00")
	req.EndTime = at("08:20")
	req.DirectionText = "north"

	m, err := a.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, m.Mapped)
	assert.Equal(t, "t-early", m.TripID)
}

func TestScheduleAligner_FetchErrorNotCached(t *testing.T) {
	a, source, store := newTestAligner(t, 25)
	source.err = errors.New("boom")

	_, err := a.Resolve(context.Background(), tripReq("U1", "A12"))
	require.Error(t, err)
	_, cached := a.Lookup(tripReq("U1", "A12").Key)
	assert.False(t, cached)
	assert.Empty(t, store.saved)

	source.err = nil
	m, err := a.Resolve(context.Background(), tripReq("U1", "A12"))
	require.NoError(t, err)
	assert.True(t, m.Mapped)
}

func TestScheduleAligner_ResolveAllReportsFailures(t *testing.T) {
	a, source, _ := newTestAligner(t, 25)
	source.err = errors.New("upstream 503")

	res := a.ResolveAll(context.Background(), []TripRequest{tripReq("U1", "A12"), tripReq("U1", "A12")})
	assert.Empty(t, res.Mappings)
	require.Contains(t, res.Failed, tripReq("U1", "A12").Key)
	assert.Equal(t, int32(1), source.calls.Load())

	_, err := res.Resolve(context.Background(), tripReq("U1", "A12"))
	assert.ErrorContains(t, err, "upstream 503")
	_, err = res.Resolve(context.Background(), tripReq("U7", "A12"))
	assert.ErrorIs(t, err, ErrNotResolved)
	assert.Equal(t, int32(1), source.calls.Load(), "answering from the batch never fetches again")
}

func TestScheduleAligner_KeysAreValues(t *testing.T) {
	a, _, _ := newTestAligner(t, 25)
	_, err := a.Resolve(context.Background(), tripReq("U1", "A12"))
	require.NoError(t, err)

	key := TripKey{ServiceDate: models.ServiceDate{Year: 2024, Month: time.March, Day: 5}, UpstreamTripID: "U1"}
	m, ok := a.Lookup(key)
	assert.True(t, ok)
	assert.Equal(t, "t-early", m.TripID)
}

func TestScheduleAligner_ResolveAllSingleFlight(t *testing.T) {
	a, source, store := newTestAligner(t, 25)
	source.delay = 20 * time.Millisecond

	var reqs []TripRequest
	for i := 0; i < 10; i++ {
		reqs = append(reqs, tripReq("U1", "A12"), tripReq("U-nostops", "A12"))
	}

	res := a.ResolveAll(context.Background(), reqs)
	require.Len(t, res.Mappings, 2)
	assert.Empty(t, res.Failed)
	assert.True(t, res.Mappings[tripReq("U1", "A12").Key].Mapped)
	assert.False(t, res.Mappings[tripReq("U-nostops", "A12").Key].Mapped)

	assert.Equal(t, int32(1), source.calls.Load(), "route schedule fetched once per route and day")
	assert.Len(t, store.saved, 2)
}

func TestScheduleAligner_ConcurrentResolveSameKey(t *testing.T) {
	a, source, store := newTestAligner(t, 25)
	source.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := a.Resolve(context.Background(), tripReq("U1", "A12"))
			assert.NoError(t, err)
			assert.Equal(t, "t-early", m.TripID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
	assert.Len(t, store.saved, 1)
}

func TestScheduleAligner_PreloadAndForget(t *testing.T) {
	a, source, _ := newTestAligner(t, 25)
	old := TripKey{ServiceDate: testDate.AddDays(-2), UpstreamTripID: "U1"}
	a.Preload([]TripMapping{
		{Key: old, TripID: "t-old", Mapped: true},
		{Key: tripReq("U1", "A12").Key, TripID: "t-cached", Mapped: true},
	})

	m, err := a.Resolve(context.Background(), tripReq("U1", "A12"))
	require.NoError(t, err)
	assert.Equal(t, "t-cached", m.TripID)
	assert.Zero(t, source.calls.Load())

	assert.Equal(t, 1, a.Forget(testDate.AddDays(-1)))
	_, ok := a.Lookup(old)
	assert.False(t, ok)
	assert.Len(t, a.Mappings(), 1)
}

package mapping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

var scoreRef = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

func up(stop string, hhmm string) models.UpstreamStopTime {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	at := scoreRef.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
	return models.UpstreamStopTime{StopID: stop, Time: at}
}

func canon(code string, hhmm string) models.StopTime {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	secs := t.Hour()*3600 + t.Minute()*60
	return models.StopTime{StopCode: code, ArrivalTime: secs, DepartureTime: secs}
}

func TestAlignmentScore(t *testing.T) {
	upstream := []models.UpstreamStopTime{up("1", "08:00"), up("2", "08:10"), up("3", "08:20")}

	tests := []struct {
		name      string
		upstream  []models.UpstreamStopTime
		candidate []models.StopTime
		want      float64
	}{
		{
			name:      "exact match",
			upstream:  upstream,
			candidate: []models.StopTime{canon("1", "08:00"), canon("2", "08:10"), canon("3", "08:20")},
			want:      0,
		},
		{
			name:      "two minutes late throughout",
			upstream:  upstream,
			candidate: []models.StopTime{canon("1", "08:02"), canon("2", "08:12"), canon("3", "08:22")},
			want:      6,
		},
		{
			name:      "one stop missing from candidate",
			upstream:  upstream,
			candidate: []models.StopTime{canon("1", "08:00"), canon("3", "08:20")},
			want:      MissPenalty,
		},
		{
			name:      "candidate stop before upstream time counts as miss",
			upstream:  upstream,
			candidate: []models.StopTime{canon("1", "08:00"), canon("2", "08:05"), canon("3", "08:20")},
			want:      MissPenalty,
		},
		{
			name:      "upstream order does not matter",
			upstream:  []models.UpstreamStopTime{up("3", "08:20"), up("1", "08:00"), up("2", "08:10")},
			candidate: []models.StopTime{canon("1", "08:00"), canon("2", "08:10"), canon("3", "08:20")},
			want:      0,
		},
		{
			name:      "loop trip picks the next visit",
			upstream:  []models.UpstreamStopTime{up("1", "08:00"), up("2", "08:10"), up("1", "08:30")},
			candidate: []models.StopTime{canon("1", "08:00"), canon("2", "08:10"), canon("1", "08:31")},
			want:      1,
		},
		{
			name:      "arrival and departure are averaged",
			upstream:  []models.UpstreamStopTime{up("1", "08:00")},
			candidate: []models.StopTime{{StopCode: "1", ArrivalTime: 8*3600 - 120, DepartureTime: 8*3600 + 240}},
			want:      1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, AlignmentScore(tc.upstream, tc.candidate, scoreRef), 1e-9)
		})
	}
}

func TestAlignmentScore_MissDominance(t *testing.T) {
	candidates := [][]models.StopTime{
		{canon("9", "08:00"), canon("8", "08:10")},
		{canon("9", "23:59"), canon("7", "00:00"), canon("6", "12:00")},
		nil,
	}
	upstreams := [][]models.UpstreamStopTime{
		{up("1", "08:00"), up("2", "08:10"), up("3", "08:20")},
		{up("1", "05:00")},
		nil,
	}

	for _, u := range upstreams {
		for _, c := range candidates {
			assert.Equal(t, AllMissPenalty, AlignmentScore(u, c, scoreRef))
			assert.Equal(t, 14400.0, AlignmentScore(u, c, scoreRef))
		}
	}
}

func TestAlignmentScore_OutOfOrderPenalty(t *testing.T) {
	upstream := []models.UpstreamStopTime{up("1", "08:00"), up("2", "08:10"), up("3", "08:20")}

	ordered := []models.StopTime{canon("1", "08:00"), canon("2", "08:10"), canon("3", "08:20")}
	// Same stops and times, but stops 2 and 3 swapped in the stop_sequence order.
	inverted := []models.StopTime{canon("1", "08:00"), canon("3", "08:20"), canon("2", "08:10")}

	good := AlignmentScore(upstream, ordered, scoreRef)
	bad := AlignmentScore(upstream, inverted, scoreRef)

	assert.Less(t, good, bad)
	assert.InDelta(t, OutOfOrderPenalty, bad-good, 1e-9)
}

func TestAlignmentScore_OutOfOrderKeepsTimeTerm(t *testing.T) {
	upstream := []models.UpstreamStopTime{up("1", "08:00"), up("2", "08:10"), up("3", "08:20")}
	inverted := []models.StopTime{canon("1", "08:00"), canon("3", "08:24"), canon("2", "08:10")}

	// stop 3 matches index 1 after index 2: penalty plus its 4 minute delta
	assert.InDelta(t, OutOfOrderPenalty+4, AlignmentScore(upstream, inverted, scoreRef), 1e-9)
}

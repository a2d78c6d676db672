package mapping

import (
	"math"
	"sort"
	"time"

	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

// Alignment penalties, in minutes.
const (
	MissPenalty       = 15.0
	OutOfOrderPenalty = 15.0
	// AllMissPenalty replaces the sum when no upstream stop is found at all.
	AllMissPenalty = 4 * 60 * 60.0
)

type candidateTime struct {
	at    int64 // unix seconds
	index int   // position in the candidate's stop_sequence order
}

// AlignmentScore measures how far a canonical trip is from an upstream trip.
// Lower is better. Upstream stop ids are compared against canonical stop
// codes; canonical times are offsets from ref, the service day reference time.
func AlignmentScore(upstream []models.UpstreamStopTime, candidate []models.StopTime, ref time.Time) float64 {
	ordered := make([]models.UpstreamStopTime, len(upstream))
	copy(ordered, upstream)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Time.Before(ordered[j].Time)
	})

	base := ref.Unix()
	groups := make(map[string][]candidateTime)
	for i, st := range candidate {
		groups[st.StopCode] = append(groups[st.StopCode], candidateTime{
			at:    base + int64(st.Midpoint()),
			index: i,
		})
	}
	for code := range groups {
		g := groups[code]
		sort.SliceStable(g, func(i, j int) bool { return g[i].at < g[j].at })
	}

	var score float64
	misses := 0
	lastMatched := -1
	for _, u := range ordered {
		group, ok := groups[u.StopID]
		if !ok {
			misses++
			score += MissPenalty
			continue
		}

		ut := u.Time.Unix()
		pos := sort.Search(len(group), func(i int) bool { return group[i].at >= ut })
		if pos == len(group) {
			misses++
			score += MissPenalty
			continue
		}

		match := group[pos]
		delta := math.Abs(float64(ut-match.at)) / 60
		if match.index < lastMatched {
			score += OutOfOrderPenalty + delta
			continue
		}
		score += delta
		lastMatched = match.index
	}

	if misses == len(ordered) {
		return AllMissPenalty
	}
	return score
}

package metrics

import "math"

// WelfordState holds running mean and variance of a stream of values
// (Welford's online algorithm), used here for trip match scores.
type WelfordState struct {
	Count int
	Mean  float64
	M2    float64 // sum of squared differences from the mean
}

// Update adds one observation.
func (w *WelfordState) Update(v float64) {
	w.Count++
	delta := v - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (v - w.Mean)
}

func (w *WelfordState) GetMean() float64 { return w.Mean }

// GetStdDev returns the population standard deviation, 0 with fewer than two
// observations.
func (w *WelfordState) GetStdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}

func (w *WelfordState) GetCount() int { return w.Count }

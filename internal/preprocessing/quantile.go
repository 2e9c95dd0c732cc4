package preprocessing

import (
	"math"
	"sort"
)

// Quantile returns the q-quantile of sorted using linear interpolation between
// order statistics at fractional rank (n-1)*q. sorted must be ascending and free
// of NaN. An empty input (or NaN q) yields NaN.
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 || math.IsNaN(q) {
		return math.NaN()
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}

	rank := float64(n-1) * q
	lower := math.Floor(rank)
	i := int(lower)
	if i+1 >= n {
		return sorted[n-1]
	}
	weight := rank - lower
	return sorted[i] + weight*(sorted[i+1]-sorted[i])
}

// sortedNonMissing copies the non-NaN values of xs and sorts them.
func sortedNonMissing(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

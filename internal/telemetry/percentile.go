package telemetry

import (
	"math"
	"sort"
)

// Percentiles holds nearest-rank percentiles in whole milliseconds.
type Percentiles struct {
	P50 int `json:"p50"`
	P90 int `json:"p90"`
	P95 int `json:"p95"`
}

// CalculatePercentiles returns nearest-rank p50/p90/p95 of durations given
// in seconds. The rank for fraction f is floor(n*f), read from an ascending
// copy with no interpolation between neighbours. A rank that lands on n is
// clamped to the last sample. Values are converted to milliseconds and
// rounded half away from zero. An empty input yields all zeros.
func CalculatePercentiles(durations []float64) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}

	sorted := make([]float64, n)
	copy(sorted, durations)
	sort.Float64s(sorted)

	return Percentiles{
		P50: toMillis(sorted[nearestRank(n, 0.5)]),
		P90: toMillis(sorted[nearestRank(n, 0.9)]),
		P95: toMillis(sorted[nearestRank(n, 0.95)]),
	}
}

func nearestRank(n int, f float64) int {
	i := int(math.Floor(float64(n) * f))
	if i >= n {
		i = n - 1
	}
	return i
}

func toMillis(seconds float64) int {
	return int(math.Round(seconds * 1000))
}

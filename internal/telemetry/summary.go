package telemetry

import (
	"sort"
	"time"
)

// DefaultLongInterruption is the duration above which an interruption is
// counted in CallSummary.NumInterruptions.
const DefaultLongInterruption = 2.0

// SummaryOptions tunes Summarize.
type SummaryOptions struct {
	// LongInterruptionThreshold in seconds. Zero means DefaultLongInterruption.
	LongInterruptionThreshold float64
}

// CallSummary is everything derived from one call's transcript.
type CallSummary struct {
	Interruptions     []Interruption `json:"interruptions"`
	LatencyBlocks     []LatencyBlock `json:"latency_blocks"`
	Latency           Percentiles    `json:"latency"`
	Interruption      Percentiles    `json:"interruption"`
	NumInterruptions  int            `json:"num_interruptions"`
	TimeToFirstWordMs int            `json:"time_to_first_word_ms"`
	Duration          float64        `json:"duration"`
}

// Summarize runs interruption detection and latency measurement over the
// speech turns of a call and rolls both up into percentiles.
func Summarize(turns []Turn, opts SummaryOptions) CallSummary {
	threshold := opts.LongInterruptionThreshold
	if threshold <= 0 {
		threshold = DefaultLongInterruption
	}

	speech := FilterSpeech(turns)
	interruptions := DetectInterruptions(speech)
	blocks := ComputeLatencyBlocks(speech)

	s := CallSummary{
		Interruptions: interruptions,
		LatencyBlocks: blocks,
		Latency:       CalculatePercentiles(LatencyDurations(blocks)),
		Interruption:  CalculatePercentiles(InterruptionDurations(interruptions)),
	}
	for _, in := range interruptions {
		if in.Duration > threshold {
			s.NumInterruptions++
		}
	}
	if len(blocks) > 0 {
		s.TimeToFirstWordMs = toMillis(blocks[0].Duration)
	}
	for _, t := range turns {
		if end := t.End(); end > s.Duration {
			s.Duration = end
		}
	}
	return s
}

// LatencyDurations extracts block durations in seconds.
func LatencyDurations(blocks []LatencyBlock) []float64 {
	out := make([]float64, len(blocks))
	for i, b := range blocks {
		out[i] = b.Duration
	}
	return out
}

// InterruptionDurations extracts interruption durations in seconds.
func InterruptionDurations(interruptions []Interruption) []float64 {
	out := make([]float64, len(interruptions))
	for i, in := range interruptions {
		out[i] = in.Duration
	}
	return out
}

// CallSample is the slice of a stored call needed for population rollups.
type CallSample struct {
	StartedAt             *time.Time
	LatencyDurations      []float64
	InterruptionDurations []float64
}

// SeriesPoint is one chart bucket. Timestamp is the bucket start in Unix
// milliseconds.
type SeriesPoint struct {
	Timestamp int64 `json:"timestamp"`
	Percentiles
}

// PercentileSeries holds the latency and interruption charts for the same
// set of buckets.
type PercentileSeries struct {
	Latency       []SeriesPoint `json:"latency"`
	Interruptions []SeriesPoint `json:"interruptions"`
}

// DefaultChartPeriod is used when BucketPercentiles gets a non-positive period.
const DefaultChartPeriod = time.Hour

// BucketPercentiles groups calls into fixed periods by start time and
// computes pooled latency and interruption percentiles per period. Calls
// without a start time are skipped and empty periods are not emitted.
// Points are ordered by timestamp.
func BucketPercentiles(samples []CallSample, period time.Duration) PercentileSeries {
	if period <= 0 {
		period = DefaultChartPeriod
	}
	periodMs := period.Milliseconds()

	type bucket struct {
		latency       []float64
		interruptions []float64
	}
	buckets := make(map[int64]*bucket)
	for _, s := range samples {
		if s.StartedAt == nil {
			continue
		}
		key := floorDiv(s.StartedAt.UnixMilli(), periodMs) * periodMs
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.latency = append(b.latency, s.LatencyDurations...)
		b.interruptions = append(b.interruptions, s.InterruptionDurations...)
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	series := PercentileSeries{
		Latency:       make([]SeriesPoint, 0, len(keys)),
		Interruptions: make([]SeriesPoint, 0, len(keys)),
	}
	for _, k := range keys {
		b := buckets[k]
		series.Latency = append(series.Latency, SeriesPoint{Timestamp: k, Percentiles: CalculatePercentiles(b.latency)})
		series.Interruptions = append(series.Interruptions, SeriesPoint{Timestamp: k, Percentiles: CalculatePercentiles(b.interruptions)})
	}
	return series
}

// PoolPercentiles computes latency percentiles over every sample plus
// durations that have not been stored yet.
func PoolPercentiles(samples []CallSample, extra []float64) Percentiles {
	var pooled []float64
	for _, s := range samples {
		pooled = append(pooled, s.LatencyDurations...)
	}
	pooled = append(pooled, extra...)
	return CalculatePercentiles(pooled)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

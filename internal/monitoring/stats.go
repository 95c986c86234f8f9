package monitoring

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sortbridge/internal/sorting"
)

// ActuationStats keeps counters for every actuation outcome and a window of
// recent transaction durations for latency percentiles.
type ActuationStats struct {
	mu        sync.Mutex
	succeeded int
	failed    map[sorting.Reason]int
	perBin    map[int]int
	window    []float64 // milliseconds, ring buffer
	next      int
	size      int
}

// StatsSnapshot is a point-in-time view of ActuationStats.
type StatsSnapshot struct {
	Succeeded   int                    `json:"succeeded"`
	Failed      int                    `json:"failed"`
	FailReasons map[sorting.Reason]int `json:"fail_reasons"`
	PerBin      map[int]int            `json:"per_bin"`
	Samples     int                    `json:"latency_samples"`
	P50Ms       float64                `json:"latency_p50_ms"`
	P95Ms       float64                `json:"latency_p95_ms"`
	MaxMs       float64                `json:"latency_max_ms"`
}

// NewActuationStats keeps the last window latencies (default 512).
func NewActuationStats(window int) *ActuationStats {
	if window <= 0 {
		window = 512
	}
	return &ActuationStats{
		failed: make(map[sorting.Reason]int),
		perBin: make(map[int]int),
		window: make([]float64, window),
	}
}

// Observe records one completed transaction.
func (s *ActuationStats) Observe(o sorting.ActuationOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.Succeeded() {
		s.succeeded++
		s.perBin[o.BinID]++
	} else {
		s.failed[o.Reason]++
	}

	s.window[s.next] = float64(o.Duration) / float64(time.Millisecond)
	s.next = (s.next + 1) % len(s.window)
	if s.size < len(s.window) {
		s.size++
	}
}

// Snapshot computes percentiles over the retained latency window.
func (s *ActuationStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	snap := StatsSnapshot{
		Succeeded:   s.succeeded,
		FailReasons: make(map[sorting.Reason]int, len(s.failed)),
		PerBin:      make(map[int]int, len(s.perBin)),
		Samples:     s.size,
	}
	for r, n := range s.failed {
		snap.FailReasons[r] = n
		snap.Failed += n
	}
	for b, n := range s.perBin {
		snap.PerBin[b] = n
	}
	samples := make([]float64, s.size)
	copy(samples, s.window[:s.size])
	s.mu.Unlock()

	if len(samples) == 0 {
		return snap
	}
	sort.Float64s(samples)
	snap.P50Ms = stat.Quantile(0.50, stat.Empirical, samples, nil)
	snap.P95Ms = stat.Quantile(0.95, stat.Empirical, samples, nil)
	snap.MaxMs = samples[len(samples)-1]
	return snap
}

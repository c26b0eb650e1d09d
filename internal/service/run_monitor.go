package service

import (
	"sort"
	"sync"
	"time"

	"github.com/chess-ingest/internal/types"
)

// DefaultMaxSamples is how many recent run durations are kept per job type
const DefaultMaxSamples = 1000

// SlowRunThreshold marks a job run as slow
const SlowRunThreshold = 30 * time.Second

// RunMonitor tracks job run outcomes and durations per job type
type RunMonitor struct {
	mu         sync.RWMutex
	byType     map[types.JobType]*runSamples
	maxSamples int
}

type runSamples struct {
	durations []time.Duration
	outcomes  map[string]int64
	slow      int64
	total     int64
}

// NewRunMonitor creates an empty monitor
func NewRunMonitor() *RunMonitor {
	return &RunMonitor{
		byType:     make(map[types.JobType]*runSamples),
		maxSamples: DefaultMaxSamples,
	}
}

// Record adds one finished run
func (m *RunMonitor) Record(jobType types.JobType, outcome string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byType[jobType]
	if !ok {
		s = &runSamples{outcomes: make(map[string]int64)}
		m.byType[jobType] = s
	}

	s.total++
	s.outcomes[outcome]++
	if duration > SlowRunThreshold {
		s.slow++
	}

	s.durations = append(s.durations, duration)
	if len(s.durations) > m.maxSamples {
		s.durations = s.durations[len(s.durations)-m.maxSamples:]
	}
}

// RunStats summarises the runs of one job type
type RunStats struct {
	Total    int64            `json:"total"`
	Outcomes map[string]int64 `json:"outcomes"`
	SlowRuns int64            `json:"slowRuns"`
	AvgMs    float64          `json:"avgMs"`
	P95Ms    float64          `json:"p95Ms"`
	P99Ms    float64          `json:"p99Ms"`
}

// GetStats returns a snapshot per job type
func (m *RunMonitor) GetStats() map[types.JobType]RunStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.JobType]RunStats, len(m.byType))
	for jobType, s := range m.byType {
		stats := RunStats{
			Total:    s.total,
			SlowRuns: s.slow,
			Outcomes: make(map[string]int64, len(s.outcomes)),
		}
		for k, v := range s.outcomes {
			stats.Outcomes[k] = v
		}

		if len(s.durations) > 0 {
			sorted := make([]time.Duration, len(s.durations))
			copy(sorted, s.durations)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

			var total time.Duration
			for _, d := range sorted {
				total += d
			}
			stats.AvgMs = float64(total.Milliseconds()) / float64(len(sorted))
			stats.P95Ms = float64(sorted[percentileIndex(len(sorted), 0.95)].Milliseconds())
			stats.P99Ms = float64(sorted[percentileIndex(len(sorted), 0.99)].Milliseconds())
		}
		out[jobType] = stats
	}
	return out
}

// Reset clears every sample
func (m *RunMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType = make(map[types.JobType]*runSamples)
}

func percentileIndex(n int, p float64) int {
	i := int(float64(n) * p)
	if i >= n {
		i = n - 1
	}
	return i
}

// Package perf collects rolling latency and real-time-factor samples from the
// synthesis path and aggregates cache hit rates. It is a read-side component:
// recording has no effect on any other subsystem.
package perf

import (
	"sort"
	"sync"
	"time"
)

// Sample is one observation of a synthesis or load operation. RTF is the
// processing-time-to-audio-duration ratio; lower is better.
type Sample struct {
	Timestamp  time.Time
	Latency    time.Duration
	RTF        float64
	CacheHit   bool
	ArtifactID string
}

// Stats aggregates a set of samples.
type Stats struct {
	Count       int           `json:"count"`
	MeanLatency time.Duration `json:"mean_latency_ns"`
	P50Latency  time.Duration `json:"p50_latency_ns"`
	P95Latency  time.Duration `json:"p95_latency_ns"`
	P99Latency  time.Duration `json:"p99_latency_ns"`
	MeanRTF     float64       `json:"mean_rtf"`
}

// HitRate is hit/miss counters for one cache.
type HitRate struct {
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	Rate   float64 `json:"rate"`
}

// Summary is a point-in-time snapshot of everything the monitor tracks.
type Summary struct {
	Overall     Stats              `json:"overall"`
	PerArtifact map[string]Stats   `json:"per_artifact"`
	CacheRates  map[string]HitRate `json:"cache_rates"`
}

// Monitor keeps a count-bounded rolling window of samples plus per-cache
// hit/miss counters. Safe for concurrent Record and Summary calls.
type Monitor struct {
	mu     sync.Mutex
	window []Sample // ring buffer
	next   int
	full   bool
	hits   map[string]int64
	misses map[string]int64
}

// DefaultWindowSize bounds the rolling window when no size is given.
const DefaultWindowSize = 1024

// NewMonitor creates a monitor with a rolling window of windowSize samples.
// windowSize <= 0 uses DefaultWindowSize.
func NewMonitor(windowSize int) *Monitor {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Monitor{
		window: make([]Sample, windowSize),
		hits:   make(map[string]int64),
		misses: make(map[string]int64),
	}
}

// Record appends a sample to the rolling window, dropping the oldest sample
// when the window is full.
func (m *Monitor) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.window[m.next] = s
	m.next++
	if m.next == len(m.window) {
		m.next = 0
		m.full = true
	}
}

// RecordCacheAccess updates the hit/miss counters for one cache. Implements
// cache.AccessRecorder.
func (m *Monitor) RecordCacheAccess(cache string, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hit {
		m.hits[cache]++
	} else {
		m.misses[cache]++
	}
}

// Summary returns a snapshot of overall and per-artifact stats plus cache
// hit rates. Percentiles are computed over the current window contents.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	samples := m.snapshotLocked()
	rates := make(map[string]HitRate, len(m.hits))
	for cache, hits := range m.hits {
		rates[cache] = hitRate(hits, m.misses[cache])
	}
	for cache, misses := range m.misses {
		if _, ok := rates[cache]; !ok {
			rates[cache] = hitRate(0, misses)
		}
	}
	m.mu.Unlock()

	perArtifact := make(map[string][]Sample)
	for _, s := range samples {
		perArtifact[s.ArtifactID] = append(perArtifact[s.ArtifactID], s)
	}

	out := Summary{
		Overall:     computeStats(samples),
		PerArtifact: make(map[string]Stats, len(perArtifact)),
		CacheRates:  rates,
	}
	for id, group := range perArtifact {
		out.PerArtifact[id] = computeStats(group)
	}
	return out
}

// snapshotLocked copies the live window contents. Caller must hold m.mu.
func (m *Monitor) snapshotLocked() []Sample {
	if m.full {
		out := make([]Sample, len(m.window))
		copy(out, m.window)
		return out
	}
	out := make([]Sample, m.next)
	copy(out, m.window[:m.next])
	return out
}

func hitRate(hits, misses int64) HitRate {
	hr := HitRate{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		hr.Rate = float64(hits) / float64(total)
	}
	return hr
}

func computeStats(samples []Sample) Stats {
	if len(samples) == 0 {
		return Stats{}
	}

	latencies := make([]time.Duration, len(samples))
	var latencySum time.Duration
	var rtfSum float64
	for i, s := range samples {
		latencies[i] = s.Latency
		latencySum += s.Latency
		rtfSum += s.RTF
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	return Stats{
		Count:       len(samples),
		MeanLatency: latencySum / time.Duration(len(samples)),
		P50Latency:  percentile(latencies, 0.50),
		P95Latency:  percentile(latencies, 0.95),
		P99Latency:  percentile(latencies, 0.99),
		MeanRTF:     rtfSum / float64(len(samples)),
	}
}

// percentile returns the nearest-rank percentile of sorted durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

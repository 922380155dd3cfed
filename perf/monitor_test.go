package perf

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorOverallStats(t *testing.T) {
	m := NewMonitor(16)

	for i := 1; i <= 4; i++ {
		m.Record(Sample{
			Latency:    time.Duration(i) * 10 * time.Millisecond,
			RTF:        float64(i) / 10,
			ArtifactID: "af_bella",
		})
	}

	sum := m.Summary()
	assert.Equal(t, 4, sum.Overall.Count)
	assert.Equal(t, 25*time.Millisecond, sum.Overall.MeanLatency)
	assert.InDelta(t, 0.25, sum.Overall.MeanRTF, 1e-9)
	assert.Equal(t, 20*time.Millisecond, sum.Overall.P50Latency)
	assert.Equal(t, 40*time.Millisecond, sum.Overall.P99Latency)
}

func TestMonitorWindowDropsOldest(t *testing.T) {
	m := NewMonitor(4)

	for i := range 10 {
		m.Record(Sample{
			Latency:    time.Duration(i+1) * time.Millisecond,
			ArtifactID: "a",
		})
	}

	sum := m.Summary()
	require.Equal(t, 4, sum.Overall.Count)
	// Only the last four samples (7..10ms) remain.
	assert.Equal(t, 8*time.Millisecond, sum.Overall.P50Latency)
	assert.Equal(t, 10*time.Millisecond, sum.Overall.P99Latency)
}

func TestMonitorPerArtifactBreakdown(t *testing.T) {
	m := NewMonitor(16)

	m.Record(Sample{Latency: 10 * time.Millisecond, ArtifactID: "voice-a"})
	m.Record(Sample{Latency: 30 * time.Millisecond, ArtifactID: "voice-a"})
	m.Record(Sample{Latency: 100 * time.Millisecond, ArtifactID: "voice-b"})

	sum := m.Summary()
	require.Len(t, sum.PerArtifact, 2)
	assert.Equal(t, 20*time.Millisecond, sum.PerArtifact["voice-a"].MeanLatency)
	assert.Equal(t, 100*time.Millisecond, sum.PerArtifact["voice-b"].MeanLatency)
}

func TestMonitorCacheRates(t *testing.T) {
	m := NewMonitor(16)

	m.RecordCacheAccess("voices", true)
	m.RecordCacheAccess("voices", true)
	m.RecordCacheAccess("voices", false)
	m.RecordCacheAccess("audio", false)

	sum := m.Summary()
	require.Contains(t, sum.CacheRates, "voices")
	assert.Equal(t, int64(2), sum.CacheRates["voices"].Hits)
	assert.Equal(t, int64(1), sum.CacheRates["voices"].Misses)
	assert.InDelta(t, 2.0/3.0, sum.CacheRates["voices"].Rate, 1e-9)

	// Cache with only misses still appears with a zero rate.
	require.Contains(t, sum.CacheRates, "audio")
	assert.Zero(t, sum.CacheRates["audio"].Rate)
}

func TestMonitorEmptySummary(t *testing.T) {
	m := NewMonitor(8)

	sum := m.Summary()
	assert.Zero(t, sum.Overall.Count)
	assert.Empty(t, sum.PerArtifact)
	assert.Empty(t, sum.CacheRates)
}

func TestMonitorConcurrentRecordAndSummary(t *testing.T) {
	m := NewMonitor(64)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 100 {
				m.Record(Sample{
					Latency:    time.Duration(j) * time.Microsecond,
					ArtifactID: fmt.Sprintf("artifact-%d", i%2),
				})
				m.RecordCacheAccess("audio", j%2 == 0)
			}
		}(i)
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = m.Summary()
			}
		}()
	}
	wg.Wait()

	sum := m.Summary()
	assert.Equal(t, 64, sum.Overall.Count)
	assert.Equal(t, int64(800), sum.CacheRates["audio"].Hits+sum.CacheRates["audio"].Misses)
}

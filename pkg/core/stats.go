package core

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// latencyWindowSize is how many recent request latencies feed the P95
const latencyWindowSize = 1000

// latencyWindow is a fixed ring of recent request latencies in
// milliseconds
type latencyWindow struct {
	mu      sync.Mutex
	samples [latencyWindowSize]float64
	filled  int
	next    int
}

func (w *latencyWindow) observe(d time.Duration) {
	ms := float64(d.Nanoseconds()) / 1e6
	w.mu.Lock()
	w.samples[w.next] = ms
	w.next = (w.next + 1) % latencyWindowSize
	if w.filled < latencyWindowSize {
		w.filled++
	}
	w.mu.Unlock()
}

// p95 returns the 95th percentile over the window, in milliseconds
func (w *latencyWindow) p95() float64 {
	w.mu.Lock()
	n := w.filled
	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return 0
	}
	sort.Float64s(sorted)
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Snapshot is a point-in-time view of the cache's health
type Snapshot struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	HitRate        float64 `json:"hitRate"`
	P95LatencyMS   float64 `json:"p95LatencyMS"`
	ComputeSavedMS float64 `json:"computeSavedMS"`
	TotalSizeBytes int64   `json:"totalSizeBytes"`
	Nodes          int     `json:"nodes"`
	OpenMappings   int     `json:"openMappings"`
	Evictions      uint64  `json:"evictions"`
	Corruptions    uint64  `json:"corruptions"`
	WriteFailures  uint64  `json:"writeFailures"`
}

// Metrics returns a snapshot of the cache's counters and sizes
func (c *Cache) Metrics() Snapshot {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	s := Snapshot{
		Hits:           hits,
		Misses:         misses,
		P95LatencyMS:   c.lat.p95(),
		ComputeSavedMS: float64(atomic.LoadInt64(&c.savedNS)) / 1e6,
		TotalSizeBytes: c.index.TotalSize(),
		Nodes:          c.index.Len(),
		OpenMappings:   c.store.OpenMappings(),
		Evictions:      atomic.LoadUint64(&c.evictions),
		Corruptions:    atomic.LoadUint64(&c.corruptions),
		WriteFailures:  atomic.LoadUint64(&c.writeFailures),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (c *Cache) recordHit(tokens int) {
	atomic.AddUint64(&c.hits, 1)
	saved := int64(tokens) * computeCostPerToken.Nanoseconds()
	atomic.AddInt64(&c.savedNS, saved)
	if c.MetricsEnabled() {
		c.m.Cache.Hit()
		c.m.Cache.Saved(float64(saved) / 1e6)
	}
}

func (c *Cache) recordMiss() {
	atomic.AddUint64(&c.misses, 1)
	if c.MetricsEnabled() {
		c.m.Cache.Miss()
	}
}

func (c *Cache) recordEviction() {
	atomic.AddUint64(&c.evictions, 1)
	if c.MetricsEnabled() {
		c.m.Cache.Evicted()
	}
}

func (c *Cache) recordCorruption() {
	atomic.AddUint64(&c.corruptions, 1)
	if c.MetricsEnabled() {
		c.m.Cache.Corrupt()
	}
}

func (c *Cache) recordWriteFailure() {
	atomic.AddUint64(&c.writeFailures, 1)
	if c.MetricsEnabled() {
		c.m.Cache.WriteFailed()
	}
}

package core

import (
	"github.com/suhlabs/kvshare/pkg/metrics"
	"go.opencensus.io/stats"
)

// M describes metrics for the core package
type M struct {
	Cache cacheMetrics         `group:"cache" description:"metrics about cache effectiveness"`
	Usage metrics.UsageMetrics `group:"telemetry" description:"usage stats for the core package"`
}

type cacheMetrics struct {
	Hits          *stats.Int64Measure   `metric:"hits" extraviews:"sum" tags:"kind" description:"number of cache hits"`
	Misses        *stats.Int64Measure   `metric:"misses" extraviews:"sum" tags:"kind" description:"number of cache misses"`
	Evictions     *stats.Int64Measure   `metric:"evictions" extraviews:"sum" tags:"kind" description:"number of evicted entries"`
	Corruptions   *stats.Int64Measure   `metric:"corruptions" extraviews:"sum" tags:"kind" description:"number of segments that failed verification"`
	WriteFailures *stats.Int64Measure   `metric:"writeFailures" extraviews:"sum" tags:"kind" description:"number of swallowed persistence failures"`
	ComputeSaved  *stats.Float64Measure `metric:"computeSaved" unit:"milliseconds" extraviews:"sum" tags:"kind" description:"estimated compute saved by cache hits"`
}

func (*cacheMetrics) tags() map[string]string {
	return map[string]string{"kind": "cache"}
}

func (m *cacheMetrics) Hit() {
	metrics.Inc(m.Hits, m.tags())
}

func (m *cacheMetrics) Miss() {
	metrics.Inc(m.Misses, m.tags())
}

func (m *cacheMetrics) Evicted() {
	metrics.Inc(m.Evictions, m.tags())
}

func (m *cacheMetrics) Corrupt() {
	metrics.Inc(m.Corruptions, m.tags())
}

func (m *cacheMetrics) WriteFailed() {
	metrics.Inc(m.WriteFailures, m.tags())
}

func (m *cacheMetrics) Saved(ms float64) {
	metrics.Float64(m.ComputeSaved, ms, m.tags())
}

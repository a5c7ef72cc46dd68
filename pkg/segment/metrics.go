package segment

import (
	"github.com/suhlabs/kvshare/pkg/metrics"
	"go.opencensus.io/stats"
)

// M describes metrics for the segment package
type M struct {
	Volume struct {
		Segments segmentMetrics    `group:"segments" description:"metrics about segment files"`
		IO       metrics.IOMetrics `group:"io" description:"metrics about segment IO operations"`
	} `group:"volumetry" description:""`
	Usage metrics.UsageMetrics `group:"telemetry" description:"usage stats for the segment package"`
}

type segmentMetrics struct {
	SegmentsCount *stats.Int64Measure `metric:"segments" extraviews:"sum" tags:"kind,operation" description:"number of segment files affected by store operations"`
	SegmentsSize  *stats.Int64Measure `metric:"segmentsSize" unit:"sumbytes" tags:"kind,operation" description:"cumulated size of segment payloads"`
	OpenMappings  *stats.Int64Measure `metric:"openMappings" tags:"kind" description:"number of live memory mappings"`
}

func (*segmentMetrics) tags(operation string) map[string]string {
	return map[string]string{"kind": "io", "operation": operation}
}

func (m *segmentMetrics) Inc(operation string) {
	metrics.Inc(m.SegmentsCount, m.tags(operation))
}

func (m *segmentMetrics) Size(size int64, operation string) {
	metrics.Int64(m.SegmentsSize, size, m.tags(operation))
}

func (m *segmentMetrics) Mapped(n int) {
	metrics.Int64(m.OpenMappings, int64(n), map[string]string{"kind": "io"})
}

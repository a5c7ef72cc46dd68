package lineage

import (
	"github.com/suhlabs/kvshare/pkg/metrics"
	"go.opencensus.io/stats"
)

// M describes metrics for the lineage package
type M struct {
	Volume indexMetrics         `group:"volumetry" description:"metrics about the lineage forest"`
	Usage  metrics.UsageMetrics `group:"telemetry" description:"usage stats for the lineage package"`
}

type indexMetrics struct {
	NodesCount *stats.Int64Measure `metric:"nodes" tags:"kind" description:"number of indexed nodes"`
	TotalSize  *stats.Int64Measure `metric:"totalSize" unit:"bytes" tags:"kind" description:"cumulated payload size of indexed nodes"`
}

func (m *indexMetrics) Report(nodes int, total int64) {
	tags := map[string]string{"kind": "index"}
	metrics.Int64(m.NodesCount, int64(nodes), tags)
	metrics.Int64(m.TotalSize, total, tags)
}

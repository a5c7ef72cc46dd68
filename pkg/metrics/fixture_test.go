package metrics

import "go.opencensus.io/stats"

type exampleMetrics struct {
	Telemetry struct {
		UsageCounts   []UsageMetrics        `group:"usage" description:""`    // ignored
		FailureCounts []*stats.Int64Measure `group:"failures" description:""` // ignored
		HitCount      *stats.Int64Measure   `metric:"hitCount" description:"number of cache hits" extraviews:"sum"`
	} `group:"telemetry" description:""`
	Volumetry struct {
		Segments struct {
			Count *stats.Int64Measure `metric:"segments" description:"number of segments" tags:"kind"`
			Size  *stats.Int64Measure `metric:"segmentsSize" unit:"sumbytes" description:"cumulated segment bytes" tags:"kind"`
		} `group:"segments" description:""`
	} `group:"volumetry" description:""`
	Storage struct {
		Requests IOMetrics
	} `group:"storage" description:""`
}

func (e *exampleMetrics) Hit() {
	Inc(e.Telemetry.HitCount, map[string]string{"kind": "test"})
}

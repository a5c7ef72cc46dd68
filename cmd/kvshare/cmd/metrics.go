package cmd

import (
	"time"

	"github.com/suhlabs/kvshare/pkg/metrics"
)

type metricsFlags struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"` // pointer because we want to distinguish unset from false
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	m       *M
}

func (m metricsFlags) IsEnabled() bool {
	return m.Enabled != nil && *m.Enabled
}

// M describes metrics for the cmd package
type M struct {
	Usage metrics.UsageMetrics `group:"telemetry" description:"usage stats for the kvshare CLI"`
}

// cliUsage records a usage metric in the CLI context in a single go.
// This is intended to be used in some defer statement.
//
// Metrics are flushed as soon as the command is done.
func cliUsage(t0 time.Time, command string, err error) {
	if kvshareFlags.root.metrics.IsEnabled() {
		kvshareFlags.root.metrics.m.Usage.UsedAll(t0, command)(err)
		metrics.Flush()
	}
}

package lineage

import (
	"time"

	"go.uber.org/zap"
)

// Option is a functional option for the lineage index
type Option func(*Index)

// Logger sets a logger for this index
func Logger(l *zap.Logger) Option {
	return func(x *Index) {
		if l != nil {
			x.l = l
		}
	}
}

// MaxFanout sets the maximum number of children per node
func MaxFanout(n int) Option {
	return func(x *Index) {
		if n > 0 {
			x.maxFanout = n
		}
	}
}

// Clock overrides the index clock. Tests use this to control access
// times.
func Clock(clock func() time.Time) Option {
	return func(x *Index) {
		if clock != nil {
			x.clock = clock
		}
	}
}

// WithMetrics toggles metrics for this index
func WithMetrics(enabled bool) Option {
	return func(x *Index) {
		x.EnableMetrics(enabled)
	}
}

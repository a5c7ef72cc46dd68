package segment

import (
	"go.uber.org/zap"
)

// Option is a functional option for the segment store
type Option func(*Store)

// Logger sets a logger for this store
func Logger(l *zap.Logger) Option {
	return func(d *Store) {
		if l != nil {
			d.l = l
		}
	}
}

// MaxSegmentSize sets the maximum admissible payload size
func MaxSegmentSize(size int64) Option {
	return func(d *Store) {
		d.maxSize = size
	}
}

// MappingCacheSize sets how many live memory mappings the store keeps
// around for reuse. A zero or negative size disables the cache and every
// read maps its file anew.
func MappingCacheSize(size int) Option {
	return func(d *Store) {
		if size < 0 {
			size = 0
		}
		d.cacheSize = size
	}
}

// WithMetrics toggles metrics for this store
func WithMetrics(enabled bool) Option {
	return func(d *Store) {
		d.EnableMetrics(enabled)
	}
}

package core

import (
	"time"

	"github.com/suhlabs/kvshare/pkg/fingerprint"
	"github.com/suhlabs/kvshare/pkg/lineage"
	"go.uber.org/zap"
)

// Option is a functional option for the cache coordinator
type Option func(*Cache)

// Logger sets a logger for this cache
func Logger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.l = l
		}
	}
}

// Mirror persists lineage records out of band, so a restart can warm the
// cache from them
func Mirror(m lineage.Mirror) Option {
	return func(c *Cache) {
		c.mirror = m
	}
}

// MirrorInterval sets how often dirty records flush to the mirror
func MirrorInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.flushEvery = d
		}
	}
}

// WatchIntegrityKey watches the integrity key path for rotations. Only
// meaningful when the key path is a local file.
func WatchIntegrityKey(enabled bool) Option {
	return func(c *Cache) {
		c.watchKey = enabled
	}
}

// EvictBatch sets how many eviction candidates one round considers
func EvictBatch(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.evictBatch = n
		}
	}
}

// Fingerprinter overrides the fingerprint maker, e.g. to preserve token
// order for position-sensitive attention variants
func Fingerprinter(m *fingerprint.Maker) Option {
	return func(c *Cache) {
		c.maker = m
	}
}

// WithMetrics toggles metrics for this cache
func WithMetrics(enabled bool) Option {
	return func(c *Cache) {
		c.EnableMetrics(enabled)
	}
}

package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/suhlabs/kvshare/pkg/core/status"
	"github.com/suhlabs/kvshare/pkg/dlogger"
	"github.com/suhlabs/kvshare/pkg/fingerprint"
	"github.com/suhlabs/kvshare/pkg/integrity"
	"github.com/suhlabs/kvshare/pkg/lineage"
	"github.com/suhlabs/kvshare/pkg/metrics"
	"github.com/suhlabs/kvshare/pkg/secrets"
	"github.com/suhlabs/kvshare/pkg/secrets/localfs"
	"github.com/suhlabs/kvshare/pkg/segment"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultEvictBatch is how many eviction candidates one round considers
const DefaultEvictBatch = 64

// Cache coordinates fingerprinting, integrity, storage and lineage into
// one content-addressed attention state cache
type Cache struct {
	metrics.Enable
	m *M

	cfg    Config
	l      *zap.Logger
	maker  *fingerprint.Maker
	source secrets.Source
	store  *segment.Store
	index  *lineage.Index

	group   singleflight.Group
	evictMu sync.Mutex

	mirror     lineage.Mirror
	flushEvery time.Duration
	dirtyMu    sync.Mutex
	dirty      map[fingerprint.Key]struct{}
	dead       map[fingerprint.Key]struct{}

	watchKey bool
	watcher  *localfs.Watcher

	evictBatch int

	lat           latencyWindow
	hits          uint64
	misses        uint64
	evictions     uint64
	corruptions   uint64
	writeFailures uint64
	savedNS       int64

	closed int32
	done   chan struct{}
	wg     sync.WaitGroup
	stop   sync.Once
}

// New starts a cache coordinator.
//
// The integrity key is resolved through source before anything else: a
// cache without its key has no way to trust its own files, so failures
// here are fatal rather than degraded.
func New(ctx context.Context, cfg Config, source secrets.Source, opts ...Option) (*Cache, error) {
	if source == nil {
		return nil, status.ErrConfiguration.WrapMessage("a secret source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:        cfg,
		l:          dlogger.MustGetLogger(dlogger.LogLevelInfo),
		source:     source,
		flushEvery: DefaultMirrorInterval,
		evictBatch: DefaultEvictBatch,
		dirty:      make(map[fingerprint.Key]struct{}),
		dead:       make(map[fingerprint.Key]struct{}),
		done:       make(chan struct{}),
	}
	for _, apply := range opts {
		apply(c)
	}
	if c.MetricsEnabled() {
		c.m = c.EnsureMetrics("core", &M{}).(*M)
	}
	if c.maker == nil {
		c.maker = fingerprint.New(fingerprint.MaxTokens(cfg.MaxTokens))
	}

	key, err := source.GetIntegrityKey(ctx, cfg.IntegrityKeyPath)
	if err != nil {
		return nil, status.ErrConfiguration.Wrap(err)
	}
	guard, err := integrity.New(key)
	if err != nil {
		return nil, status.ErrConfiguration.Wrap(err)
	}

	c.store, err = segment.New(cfg.CacheRoot, guard,
		segment.MaxSegmentSize(cfg.MaxSegmentBytes),
		segment.Logger(c.l),
		segment.WithMetrics(c.MetricsEnabled()),
	)
	if err != nil {
		return nil, status.ErrConfiguration.Wrap(err)
	}
	c.index = lineage.New(
		lineage.MaxFanout(cfg.MaxFanout),
		lineage.Logger(c.l),
		lineage.WithMetrics(c.MetricsEnabled()),
	)

	if err := c.recover(ctx); err != nil {
		_ = c.store.Close()
		return nil, err
	}

	if c.mirror != nil {
		c.wg.Add(1)
		go c.flushLoop()
	}
	if c.watchKey {
		c.watcher, err = localfs.WatchFile(cfg.IntegrityKeyPath, func() {
			if rerr := c.RotateKey(context.Background()); rerr != nil {
				c.l.Warn("integrity key rotation failed, keeping the previous key", zap.Error(rerr))
			}
		}, localfs.WatcherLogger(c.l))
		if err != nil {
			c.l.Warn("cannot watch the integrity key, rotation disabled", zap.Error(err))
		}
	}

	c.l.Info("cache ready",
		zap.String("root", cfg.CacheRoot),
		zap.Int("nodes", c.index.Len()),
		zap.Int64("size", c.index.TotalSize()),
	)
	return c, nil
}

// recover reconciles the segment directory, the lineage index and the
// mirror into a consistent state.
//
// With a mirror, persisted records are restored, nodes whose file did not
// survive are dropped, and files without a restored node are swept. A
// cache without a mirror starts cold.
func (c *Cache) recover(ctx context.Context) error {
	if c.mirror == nil {
		removed, err := c.store.Sweep(ctx, nil)
		if err != nil {
			return status.ErrConfiguration.Wrap(err)
		}
		if removed > 0 {
			c.l.Info("cache root cleaned", zap.Int("removed", removed))
		}
		return nil
	}

	records, err := c.mirror.Load(ctx)
	if err != nil {
		c.l.Warn("mirror unreadable, starting cold", zap.Error(err))
		records = nil
	}
	if err := c.index.Restore(records); err != nil {
		c.l.Warn("mirror records unusable, starting cold", zap.Error(err))
		_ = c.index.Restore(nil)
	}

	// drop restored nodes whose segment file did not survive
	for _, rec := range c.index.Snapshot() {
		key, kerr := fingerprint.KeyFromString(rec.Key)
		if kerr != nil {
			continue
		}
		ok, herr := c.store.Has(ctx, key)
		if herr != nil {
			return status.ErrConfiguration.Wrap(herr)
		}
		if ok {
			continue
		}
		removed, rerr := c.index.Remove(key)
		if rerr != nil {
			continue
		}
		for _, k := range removed {
			c.markDead(k)
			_ = c.store.Delete(ctx, k)
		}
	}

	removed, err := c.store.Sweep(ctx, func(key fingerprint.Key) bool {
		_, ok := c.index.Lookup(key)
		return ok
	})
	if err != nil {
		return status.ErrConfiguration.Wrap(err)
	}
	if removed > 0 {
		c.l.Info("cache root reconciled", zap.Int("removed", removed))
	}
	return nil
}

// RotateKey re-resolves the integrity key and swaps it in. Segments
// sealed under the previous key are purged lazily as reads fail their
// verification.
func (c *Cache) RotateKey(ctx context.Context) error {
	key, err := c.source.GetIntegrityKey(ctx, c.cfg.IntegrityKeyPath)
	if err != nil {
		return err
	}
	guard, err := integrity.New(key)
	if err != nil {
		return err
	}
	c.store.Rekey(guard)
	return nil
}

// Pin protects the cache entry under key from eviction until Unpin
func (c *Cache) Pin(key fingerprint.Key) error {
	return c.index.Pin(key)
}

// Unpin releases one pin on the cache entry under key
func (c *Cache) Unpin(key fingerprint.Key) error {
	return c.index.Unpin(key)
}

// Fingerprint exposes the cache's fingerprint maker
func (c *Cache) Fingerprint(tokens []uint64) (fingerprint.Key, error) {
	return c.maker.Fingerprint(tokens)
}

// Close stops the background work, flushes the mirror one last time and
// releases the store. Idempotent.
func (c *Cache) Close() error {
	var err error
	c.stop.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		if c.watcher != nil {
			c.watcher.Stop()
		}
		close(c.done)
		c.wg.Wait()
		c.flushMirror()
		if c.mirror != nil {
			err = c.mirror.Close()
		}
		if serr := c.store.Close(); serr != nil && err == nil {
			err = serr
		}
		c.l.Info("cache closed")
	})
	return err
}

func (c *Cache) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

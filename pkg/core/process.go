package core

import (
	"context"
	"sync"
	"time"

	"github.com/suhlabs/kvshare/pkg/core/status"
	"github.com/suhlabs/kvshare/pkg/errors"
	"github.com/suhlabs/kvshare/pkg/fingerprint"
	lineagestatus "github.com/suhlabs/kvshare/pkg/lineage/status"
	"github.com/suhlabs/kvshare/pkg/segment"
	segmentstatus "github.com/suhlabs/kvshare/pkg/segment/status"
	"go.uber.org/zap"
)

// computeCostPerToken approximates how much compute one cached token
// saves, calibrated against prefill cost on the serving fleet
const computeCostPerToken = 4 * time.Millisecond

var errLookupTimeout = errors.New("cache lookup timed out")

// ComputeFunc produces the attention state for a token sequence when the
// cache cannot serve it
type ComputeFunc func(ctx context.Context, tokens []uint64) ([]byte, error)

// Result is the outcome of one Process call. The caller owns it and must
// Close it to release the underlying view on a cache hit.
type Result struct {
	// Key is the fingerprint of the processed sequence
	Key fingerprint.Key

	// CacheHit tells whether the payload was served from the cache
	CacheHit bool

	view      *segment.View
	payload   []byte
	closeOnce sync.Once
}

// Payload returns the attention state bytes. On a hit this is a zero-copy
// window into the cache, valid until Close.
func (r *Result) Payload() []byte {
	if r.view != nil {
		return r.view.Bytes()
	}
	return r.payload
}

// Size returns the payload size
func (r *Result) Size() int64 {
	return int64(len(r.Payload()))
}

// Close releases the result. Safe to call more than once.
func (r *Result) Close() error {
	r.closeOnce.Do(func() {
		if r.view != nil {
			_ = r.view.Close()
		}
		r.payload = nil
	})
	return nil
}

// ProcessOption tunes a single Process call
type ProcessOption func(*processOptions)

type processOptions struct {
	parent *fingerprint.Key
}

// Parent declares the cache entry this sequence extends, linking the new
// entry into the lineage forest
func Parent(key fingerprint.Key) ProcessOption {
	return func(o *processOptions) {
		k := key
		o.parent = &k
	}
}

// Process serves the attention state for a token sequence.
//
// The sequence is fingerprinted and looked up; a hit returns a zero-copy
// view on the cached payload. A miss invokes compute and persists its
// result best effort: persistence failures are logged and swallowed, the
// computed payload is returned either way. Only fingerprint and compute
// errors surface to the caller.
func (c *Cache) Process(ctx context.Context, tokens []uint64, compute ComputeFunc, opts ...ProcessOption) (res *Result, err error) {
	defer func(t0 time.Time) {
		c.lat.observe(time.Since(t0))
		if c.MetricsEnabled() {
			c.m.Usage.UsedAll(t0, "Process")(err)
		}
	}(time.Now())

	if c.isClosed() {
		return nil, status.ErrClosed
	}
	if compute == nil {
		return nil, errors.New("a compute function is required")
	}

	key, err := c.maker.Fingerprint(tokens)
	if err != nil {
		return nil, err
	}
	var po processOptions
	for _, apply := range opts {
		apply(&po)
	}

	if view, ok := c.lookup(ctx, key); ok {
		c.recordHit(len(tokens))
		return &Result{Key: key, CacheHit: true, view: view}, nil
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := c.computeAndPersist(ctx, key, po.parent, tokens, compute)
	if err != nil {
		return nil, err
	}
	c.recordMiss()
	return &Result{Key: key, CacheHit: false, payload: payload}, nil
}

// lookup resolves key to a live view, or reports a miss. Inconsistencies
// found on the way (stale nodes, corrupt files) are repaired here so the
// miss path starts from a clean slate.
func (c *Cache) lookup(ctx context.Context, key fingerprint.Key) (*segment.View, bool) {
	if _, ok := c.index.Lookup(key); !ok {
		return nil, false
	}

	view, err := c.readSegment(ctx, key)
	switch {
	case err == nil:
		if c.index.Touch(key) {
			c.markDirty(key)
			return view, true
		}
		// the node was evicted while we were reading
		_ = view.Close()
		return nil, false
	case errors.Is(err, segmentstatus.ErrCorrupted):
		c.l.Warn("corrupt segment dropped from the cache", zap.Stringer("key", key))
		c.recordCorruption()
		c.purge(ctx, key)
	case errors.Is(err, segmentstatus.ErrNotFound):
		c.l.Warn("dropping index node without a segment file", zap.Stringer("key", key))
		c.purge(ctx, key)
	case errors.Is(err, errLookupTimeout):
		c.l.Debug("lookup timed out", zap.Stringer("key", key), zap.Duration("timeout", c.cfg.LookupTimeout))
	default:
		c.l.Warn("lookup failed, treating as a miss", zap.Stringer("key", key), zap.Error(err))
	}
	return nil, false
}

// readSegment bounds a store read by the configured lookup timeout. A
// view that arrives after the timeout is closed by the drain, so no
// mapping leaks.
func (c *Cache) readSegment(ctx context.Context, key fingerprint.Key) (*segment.View, error) {
	if c.cfg.LookupTimeout < 0 {
		return c.store.Read(ctx, key)
	}

	type outcome struct {
		view *segment.View
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		view, err := c.store.Read(ctx, key)
		ch <- outcome{view: view, err: err}
	}()

	timer := time.NewTimer(c.cfg.LookupTimeout)
	defer timer.Stop()
	drain := func() {
		go func() {
			if out := <-ch; out.view != nil {
				_ = out.view.Close()
			}
		}()
	}

	select {
	case out := <-ch:
		return out.view, out.err
	case <-timer.C:
		drain()
		return nil, errLookupTimeout
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

// computeAndPersist runs compute under a singleflight, so concurrent
// requests for the same key compute once and share the payload
func (c *Cache) computeAndPersist(ctx context.Context, key fingerprint.Key, parent *fingerprint.Key, tokens []uint64, compute ComputeFunc) ([]byte, error) {
	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		payload, cerr := compute(ctx, tokens)
		if cerr != nil {
			return nil, cerr
		}
		c.persist(ctx, key, parent, payload)
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// persist makes room for the payload, writes it and indexes it. Every
// failure on this path is swallowed: the cache misses, the caller does
// not.
func (c *Cache) persist(ctx context.Context, key fingerprint.Key, parent *fingerprint.Key, payload []byte) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	c.makeRoom(ctx, int64(len(payload)))

	if err := c.store.Write(ctx, key, payload); err != nil {
		c.l.Warn("segment not cached", zap.Stringer("key", key), zap.Error(err))
		c.recordWriteFailure()
		return
	}
	if err := c.index.Insert(key, parent, int64(len(payload))); err != nil {
		if errors.Is(err, lineagestatus.ErrExists) {
			c.markDirty(key)
			return
		}
		// keep files and nodes paired: an unindexable segment is removed
		c.l.Warn("segment not indexed", zap.Stringer("key", key), zap.Error(err))
		c.recordWriteFailure()
		_ = c.store.Delete(ctx, key)
		return
	}
	c.markDirty(key)
}

// makeRoom evicts least-recently-used entries until the payload fits the
// budget. When nothing evictable remains the payload is admitted anyway
// rather than failing the request.
func (c *Cache) makeRoom(ctx context.Context, incoming int64) {
	budget := c.cfg.MaxTotalBytes
	for {
		if c.index.TotalSize()+incoming <= budget {
			return
		}
		victims := c.index.SelectLRU(c.evictBatch)
		if len(victims) == 0 {
			c.l.Warn("cache budget exceeded with nothing evictable", zap.Int64("size", c.index.TotalSize()))
			return
		}
		progress := false
		for _, victim := range victims {
			if c.index.TotalSize()+incoming <= budget {
				break
			}
			removed, err := c.index.Remove(victim)
			if err != nil {
				continue
			}
			progress = true
			for _, k := range removed {
				c.markDead(k)
				_ = c.store.Delete(ctx, k)
				c.recordEviction()
				c.l.Debug("evicted", zap.Stringer("key", k))
			}
		}
		if !progress {
			c.l.Warn("eviction made no progress", zap.Int64("size", c.index.TotalSize()))
			return
		}
	}
}

// purge drops a cache entry and its dependents after an inconsistency
func (c *Cache) purge(ctx context.Context, key fingerprint.Key) {
	removed, err := c.index.Remove(key)
	if err != nil {
		if errors.Is(err, lineagestatus.ErrPinned) {
			c.l.Warn("cannot purge a pinned entry", zap.Stringer("key", key))
		}
		return
	}
	for _, k := range removed {
		c.markDead(k)
		_ = c.store.Delete(ctx, k)
	}
}

// Get returns the cached entry under key without computing anything.
// Unlike Process it does not bound the read, so it also serves as the
// fsck and CLI access path.
func (c *Cache) Get(ctx context.Context, key fingerprint.Key) (res *Result, err error) {
	defer func(t0 time.Time) {
		if c.MetricsEnabled() {
			c.m.Usage.UsedAll(t0, "Get")(err)
		}
	}(time.Now())

	if c.isClosed() {
		return nil, status.ErrClosed
	}
	if _, ok := c.index.Lookup(key); !ok {
		return nil, status.ErrNotFound
	}
	view, err := c.store.Read(ctx, key)
	if err != nil {
		if errors.Is(err, segmentstatus.ErrCorrupted) || errors.Is(err, segmentstatus.ErrNotFound) {
			c.purge(ctx, key)
			return nil, status.ErrNotFound.Wrap(err)
		}
		return nil, err
	}
	if c.index.Touch(key) {
		c.markDirty(key)
	}
	return &Result{Key: key, CacheHit: true, view: view}, nil
}

// EvictToBudget forces eviction rounds until the cache size fits the
// given budget. It reports how many entries were evicted.
func (c *Cache) EvictToBudget(ctx context.Context, budget int64) (int, error) {
	if c.isClosed() {
		return 0, status.ErrClosed
	}
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	evicted := 0
	for c.index.TotalSize() > budget {
		victims := c.index.SelectLRU(c.evictBatch)
		if len(victims) == 0 {
			break
		}
		progress := false
		for _, victim := range victims {
			if c.index.TotalSize() <= budget {
				break
			}
			removed, err := c.index.Remove(victim)
			if err != nil {
				continue
			}
			progress = true
			for _, k := range removed {
				c.markDead(k)
				_ = c.store.Delete(ctx, k)
				c.recordEviction()
				evicted++
			}
		}
		if !progress {
			break
		}
	}
	return evicted, nil
}

// FsckReport summarizes a consistency pass over the cache
type FsckReport struct {
	// Checked is the number of segment files examined
	Checked int

	// Corrupt lists segments that failed verification. Their files are
	// removed by the failing read itself.
	Corrupt []fingerprint.Key

	// Orphans lists segment files with no index node
	Orphans []fingerprint.Key

	// Missing lists index nodes with no segment file
	Missing []fingerprint.Key
}

// Clean reports whether the pass found nothing wrong
func (r FsckReport) Clean() bool {
	return len(r.Corrupt) == 0 && len(r.Orphans) == 0 && len(r.Missing) == 0
}

// Fsck verifies every segment against its tag and checks that files and
// index nodes pair up. With repair, orphan files are deleted and nodes
// for corrupt or missing segments are purged.
func (c *Cache) Fsck(ctx context.Context, repair bool) (report FsckReport, err error) {
	defer func(t0 time.Time) {
		if c.MetricsEnabled() {
			c.m.Usage.UsedAll(t0, "Fsck")(err)
		}
	}(time.Now())

	if c.isClosed() {
		return report, status.ErrClosed
	}

	keys, err := c.store.Keys(ctx)
	if err != nil {
		return report, err
	}
	onDisk := make(map[fingerprint.Key]struct{}, len(keys))
	for _, key := range keys {
		if err = ctx.Err(); err != nil {
			return report, err
		}
		onDisk[key] = struct{}{}
		report.Checked++

		if _, ok := c.index.Lookup(key); !ok {
			report.Orphans = append(report.Orphans, key)
			if repair {
				_ = c.store.Delete(ctx, key)
			}
			continue
		}
		view, rerr := c.store.Read(ctx, key)
		if rerr != nil {
			if errors.Is(rerr, segmentstatus.ErrCorrupted) {
				c.recordCorruption()
				report.Corrupt = append(report.Corrupt, key)
				if repair {
					c.purge(ctx, key)
				}
				continue
			}
			return report, rerr
		}
		_ = view.Close()
	}

	for _, rec := range c.index.Snapshot() {
		key, kerr := fingerprint.KeyFromString(rec.Key)
		if kerr != nil {
			continue
		}
		if _, ok := onDisk[key]; ok {
			continue
		}
		report.Missing = append(report.Missing, key)
		if repair {
			c.purge(ctx, key)
		}
	}
	return report, nil
}

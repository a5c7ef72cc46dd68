package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suhlabs/kvshare/internal/rand"
	"github.com/suhlabs/kvshare/pkg/core/status"
	"github.com/suhlabs/kvshare/pkg/errors"
	"github.com/suhlabs/kvshare/pkg/fingerprint"
	"github.com/suhlabs/kvshare/pkg/lineage/bdgr"
	"github.com/suhlabs/kvshare/pkg/secrets/localfs"
)

func writeKeyFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "integrity.key")
	key := bytes.Repeat([]byte{0x5a}, 32)
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600))
	return path
}

func testCache(t *testing.T, cfg Config, opts ...Option) *Cache {
	t.Helper()
	if cfg.CacheRoot == "" {
		cfg.CacheRoot = t.TempDir()
	}
	if cfg.IntegrityKeyPath == "" {
		cfg.IntegrityKeyPath = writeKeyFile(t)
	}
	c, err := New(context.Background(), cfg, localfs.New(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	return c
}

func fixedCompute(payload []byte, calls *int32) ComputeFunc {
	return func(_ context.Context, _ []uint64) ([]byte, error) {
		atomic.AddInt32(calls, 1)
		return payload, nil
	}
}

func segmentPath(c *Cache, key fingerprint.Key) string {
	return filepath.Join(c.cfg.CacheRoot, key.String()+".seg")
}

func TestCacheHitOnPermutedTokens(t *testing.T) {
	c := testCache(t, Config{})
	ctx := context.Background()
	payload := []byte("attention state for a 3-token prompt")
	var calls int32

	first, err := c.Process(ctx, []uint64{3, 1, 2}, fixedCompute(payload, &calls))
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, payload, first.Payload())
	require.NoError(t, first.Close())

	// same token set, different order: same entry
	second, err := c.Process(ctx, []uint64{1, 2, 3}, fixedCompute(payload, &calls))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, payload, second.Payload())
	assert.Equal(t, first.Key, second.Key)
	require.NoError(t, second.Close())

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	snap := c.Metrics()
	assert.Equal(t, uint64(1), snap.Hits)
	assert.Equal(t, uint64(1), snap.Misses)
	assert.InDelta(t, 0.5, snap.HitRate, 0.001)
	// 3 tokens at 4ms each
	assert.InDelta(t, 12.0, snap.ComputeSavedMS, 0.001)
	assert.Equal(t, int64(len(payload)), snap.TotalSizeBytes)
	assert.Equal(t, 1, snap.Nodes)
}

func TestCacheLongSequence(t *testing.T) {
	c := testCache(t, Config{})
	ctx := context.Background()
	tokens := rand.Uint64s(2048)
	payload := rand.Bytes(64 << 10)
	var calls int32

	first, err := c.Process(ctx, tokens, fixedCompute(payload, &calls))
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	require.NoError(t, first.Close())

	second, err := c.Process(ctx, tokens, fixedCompute(payload, &calls))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.True(t, bytes.Equal(payload, second.Payload()))
	require.NoError(t, second.Close())

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	// 2048 tokens at 4ms each
	assert.InDelta(t, 8192.0, c.Metrics().ComputeSavedMS, 0.001)
}

func TestCacheEvictsOldestOverBudget(t *testing.T) {
	c := testCache(t, Config{
		MaxTotalBytes:   1000,
		MaxSegmentBytes: 500,
	})
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0xab}, 400)
	var calls int32

	k1, err := c.Fingerprint([]uint64{1})
	require.NoError(t, err)
	k2, err := c.Fingerprint([]uint64{2})
	require.NoError(t, err)
	k3, err := c.Fingerprint([]uint64{3})
	require.NoError(t, err)

	for _, tokens := range [][]uint64{{1}, {2}, {3}} {
		res, perr := c.Process(ctx, tokens, fixedCompute(payload, &calls))
		require.NoError(t, perr)
		require.NoError(t, res.Close())
	}

	// the oldest entry went, the two newest fit the budget
	_, ok := c.index.Lookup(k1)
	assert.False(t, ok)
	_, ok = c.index.Lookup(k2)
	assert.True(t, ok)
	_, ok = c.index.Lookup(k3)
	assert.True(t, ok)

	_, err = os.Stat(segmentPath(c, k1))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, segmentPath(c, k2))
	assert.FileExists(t, segmentPath(c, k3))

	assert.Equal(t, int64(800), c.index.TotalSize())
	assert.Equal(t, uint64(1), c.Metrics().Evictions)
}

func TestCacheRecomputesAfterCorruption(t *testing.T) {
	c := testCache(t, Config{})
	ctx := context.Background()
	payload := []byte("bytes that will get damaged on disk")
	tokens := []uint64{10, 20, 30}
	var calls int32

	first, err := c.Process(ctx, tokens, fixedCompute(payload, &calls))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// flip one payload byte behind the cache's back
	path := segmentPath(c, first.Key)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x00}, 40)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	second, err := c.Process(ctx, tokens, fixedCompute(payload, &calls))
	require.NoError(t, err)
	assert.False(t, second.CacheHit)
	assert.Equal(t, payload, second.Payload())
	require.NoError(t, second.Close())

	third, err := c.Process(ctx, tokens, fixedCompute(payload, &calls))
	require.NoError(t, err)
	assert.True(t, third.CacheHit)
	assert.Equal(t, payload, third.Payload())
	require.NoError(t, third.Close())

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, uint64(1), c.Metrics().Corruptions)
}

func TestCacheComputeErrorPropagates(t *testing.T) {
	c := testCache(t, Config{})
	boom := errors.New("tensor computation failed")

	_, err := c.Process(context.Background(), []uint64{1}, func(_ context.Context, _ []uint64) ([]byte, error) {
		return nil, boom
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	// nothing was cached on the failed path
	assert.Equal(t, 0, c.index.Len())
	keys, err := c.store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCachePersistFailureStillServes(t *testing.T) {
	c := testCache(t, Config{
		MaxSegmentBytes: 64,
		MaxTotalBytes:   1024,
	})
	ctx := context.Background()
	oversized := bytes.Repeat([]byte{0x01}, 65)
	var calls int32

	res, err := c.Process(ctx, []uint64{1, 2}, fixedCompute(oversized, &calls))
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, oversized, res.Payload())
	require.NoError(t, res.Close())

	// not cached: the next call computes again
	res, err = c.Process(ctx, []uint64{1, 2}, fixedCompute(oversized, &calls))
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	require.NoError(t, res.Close())

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, uint64(2), c.Metrics().WriteFailures)
	assert.Equal(t, 0, c.index.Len())
}

func TestCacheSingleflightDedup(t *testing.T) {
	c := testCache(t, Config{})
	ctx := context.Background()
	payload := []byte("computed exactly once")
	tokens := []uint64{7, 8, 9}

	var calls int32
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(_ context.Context, _ []uint64) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		once.Do(func() { close(started) })
		<-release
		return payload, nil
	}

	const workers = 5
	results := make([]*Result, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Process(ctx, tokens, compute)
		}(i)
	}

	<-started
	// let the remaining workers join the flight
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.False(t, results[i].CacheHit)
		assert.Equal(t, payload, results[i].Payload())
		require.NoError(t, results[i].Close())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, uint64(workers), c.Metrics().Misses)
}

func TestCacheLineageEviction(t *testing.T) {
	c := testCache(t, Config{})
	ctx := context.Background()
	var calls int32

	root, err := c.Process(ctx, []uint64{1}, fixedCompute([]byte("root state"), &calls))
	require.NoError(t, err)
	require.NoError(t, root.Close())

	child, err := c.Process(ctx, []uint64{1, 2}, fixedCompute([]byte("child state"), &calls), Parent(root.Key))
	require.NoError(t, err)
	require.NoError(t, child.Close())

	v, ok := c.index.Lookup(child.Key)
	require.True(t, ok)
	require.NotNil(t, v.Parent)
	assert.Equal(t, root.Key, *v.Parent)

	// evicting everything cascades through the lineage
	evicted, err := c.EvictToBudget(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	keys, err := c.store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, 0, c.index.Len())
}

func TestCachePinnedSurvivesBudget(t *testing.T) {
	c := testCache(t, Config{
		MaxTotalBytes:   1000,
		MaxSegmentBytes: 700,
	})
	ctx := context.Background()
	var calls int32

	first, err := c.Process(ctx, []uint64{1}, fixedCompute(bytes.Repeat([]byte{1}, 400), &calls))
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.NoError(t, c.Pin(first.Key))

	second, err := c.Process(ctx, []uint64{2}, fixedCompute(bytes.Repeat([]byte{2}, 700), &calls))
	require.NoError(t, err)
	require.NoError(t, second.Close())

	// nothing evictable: the budget is exceeded rather than the pin broken
	_, ok := c.index.Lookup(first.Key)
	assert.True(t, ok)
	_, ok = c.index.Lookup(second.Key)
	assert.True(t, ok)
	assert.Equal(t, int64(1100), c.index.TotalSize())

	require.NoError(t, c.Unpin(first.Key))
}

func TestCacheGet(t *testing.T) {
	c := testCache(t, Config{})
	ctx := context.Background()
	payload := []byte("fetch me by key")
	var calls int32

	res, err := c.Process(ctx, []uint64{5, 6}, fixedCompute(payload, &calls))
	require.NoError(t, err)
	require.NoError(t, res.Close())

	got, err := c.Get(ctx, res.Key)
	require.NoError(t, err)
	assert.True(t, got.CacheHit)
	assert.Equal(t, payload, got.Payload())
	require.NoError(t, got.Close())

	missing, err := c.Fingerprint([]uint64{404})
	require.NoError(t, err)
	_, err = c.Get(ctx, missing)
	assert.True(t, errors.Is(err, status.ErrNotFound))
}

func TestCacheTinyLookupTimeoutStaysCorrect(t *testing.T) {
	c := testCache(t, Config{LookupTimeout: time.Nanosecond})
	ctx := context.Background()
	payload := []byte("served correctly even when lookups time out")
	tokens := []uint64{1, 2, 3, 4}
	var calls int32

	for i := 0; i < 3; i++ {
		res, err := c.Process(ctx, tokens, fixedCompute(payload, &calls))
		require.NoError(t, err)
		assert.Equal(t, payload, res.Payload())
		require.NoError(t, res.Close())
	}
	// late views from timed out lookups are drained, not leaked
	assert.Eventually(t, func() bool {
		return c.store.OpenMappings() <= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCacheMirrorWarmStart(t *testing.T) {
	root := t.TempDir()
	metaDir := t.TempDir()
	keyPath := writeKeyFile(t)
	cfg := Config{CacheRoot: root, IntegrityKeyPath: keyPath}
	ctx := context.Background()
	payload := []byte("state that survives a restart")
	tokens := []uint64{11, 12, 13}
	var calls int32

	mirror, err := bdgr.New(metaDir)
	require.NoError(t, err)
	c, err := New(ctx, cfg, localfs.New(), Mirror(mirror))
	require.NoError(t, err)

	res, err := c.Process(ctx, tokens, fixedCompute(payload, &calls))
	require.NoError(t, err)
	require.NoError(t, res.Close())
	require.NoError(t, c.Close())

	// a new coordinator over the same root warms up from the mirror
	mirror, err = bdgr.New(metaDir)
	require.NoError(t, err)
	c, err = New(ctx, cfg, localfs.New(), Mirror(mirror))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, c.Close())
	}()

	assert.Equal(t, 1, c.index.Len())
	res, err = c.Process(ctx, tokens, fixedCompute(payload, &calls))
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, payload, res.Payload())
	require.NoError(t, res.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheMirrorPrunesLostSegments(t *testing.T) {
	root := t.TempDir()
	metaDir := t.TempDir()
	keyPath := writeKeyFile(t)
	cfg := Config{CacheRoot: root, IntegrityKeyPath: keyPath}
	ctx := context.Background()
	var calls int32

	mirror, err := bdgr.New(metaDir)
	require.NoError(t, err)
	c, err := New(ctx, cfg, localfs.New(), Mirror(mirror))
	require.NoError(t, err)

	res, err := c.Process(ctx, []uint64{1}, fixedCompute([]byte("doomed"), &calls))
	require.NoError(t, err)
	key := res.Key
	require.NoError(t, res.Close())
	require.NoError(t, c.Close())

	// the segment file disappears between runs
	require.NoError(t, os.Remove(filepath.Join(root, key.String()+".seg")))

	mirror, err = bdgr.New(metaDir)
	require.NoError(t, err)
	c, err = New(ctx, cfg, localfs.New(), Mirror(mirror))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, c.Close())
	}()

	assert.Equal(t, 0, c.index.Len())
	res, err = c.Process(ctx, []uint64{1}, fixedCompute([]byte("doomed"), &calls))
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	require.NoError(t, res.Close())
}

func TestCacheColdStartSweepsUnmirroredRoot(t *testing.T) {
	root := t.TempDir()
	keyPath := writeKeyFile(t)
	ctx := context.Background()
	var calls int32

	c, err := New(ctx, Config{CacheRoot: root, IntegrityKeyPath: keyPath}, localfs.New())
	require.NoError(t, err)
	res, err := c.Process(ctx, []uint64{1}, fixedCompute([]byte("cold"), &calls))
	require.NoError(t, err)
	require.NoError(t, res.Close())
	require.NoError(t, c.Close())

	// interrupted writes and stale files never survive a cold start
	require.NoError(t, os.WriteFile(filepath.Join(root, ".tmp-123"), []byte("partial"), 0600))

	c, err = New(ctx, Config{CacheRoot: root, IntegrityKeyPath: keyPath}, localfs.New())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, c.Close())
	}()

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheFsck(t *testing.T) {
	c := testCache(t, Config{})
	ctx := context.Background()
	var calls int32

	res, err := c.Process(ctx, []uint64{1}, fixedCompute([]byte("healthy"), &calls))
	require.NoError(t, err)
	require.NoError(t, res.Close())

	report, err := c.Fsck(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 1, report.Checked)

	// an orphan file and a node whose file vanished
	orphan, err := c.Fingerprint([]uint64{98})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(segmentPath(c, orphan), []byte("stray bytes"), 0600))

	lost, err := c.Process(ctx, []uint64{99}, fixedCompute([]byte("about to vanish"), &calls))
	require.NoError(t, err)
	require.NoError(t, lost.Close())
	require.NoError(t, os.Remove(segmentPath(c, lost.Key)))

	report, err = c.Fsck(ctx, true)
	require.NoError(t, err)
	assert.False(t, report.Clean())
	assert.Equal(t, []fingerprint.Key{orphan}, report.Orphans)
	assert.Equal(t, []fingerprint.Key{lost.Key}, report.Missing)

	// repaired: orphan file gone, lost node dropped
	_, serr := os.Stat(segmentPath(c, orphan))
	assert.True(t, os.IsNotExist(serr))
	_, ok := c.index.Lookup(lost.Key)
	assert.False(t, ok)

	report, err = c.Fsck(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestCacheRotateKey(t *testing.T) {
	keyPath := writeKeyFile(t)
	c := testCache(t, Config{IntegrityKeyPath: keyPath})
	ctx := context.Background()
	payload := []byte("sealed under the first key")
	tokens := []uint64{21, 22}
	var calls int32

	res, err := c.Process(ctx, tokens, fixedCompute(payload, &calls))
	require.NoError(t, err)
	require.NoError(t, res.Close())

	next := bytes.Repeat([]byte{0x77}, 32)
	require.NoError(t, os.WriteFile(keyPath, []byte(hex.EncodeToString(next)), 0600))
	require.NoError(t, c.RotateKey(ctx))

	// the old segment fails verification and is recomputed under the new key
	res, err = c.Process(ctx, tokens, fixedCompute(payload, &calls))
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	require.NoError(t, res.Close())

	res, err = c.Process(ctx, tokens, fixedCompute(payload, &calls))
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	require.NoError(t, res.Close())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCacheClose(t *testing.T) {
	keyPath := writeKeyFile(t)
	c, err := New(context.Background(), Config{CacheRoot: t.TempDir(), IntegrityKeyPath: keyPath}, localfs.New())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Process(context.Background(), []uint64{1}, fixedCompute([]byte("x"), new(int32)))
	assert.True(t, errors.Is(err, status.ErrClosed))
	_, err = c.Get(context.Background(), fingerprint.Key{})
	assert.True(t, errors.Is(err, status.ErrClosed))
}

func TestCacheTokenLimit(t *testing.T) {
	c := testCache(t, Config{MaxTokens: 4})

	tokens := []uint64{1, 2, 3, 4, 5}
	_, err := c.Process(context.Background(), tokens, fixedCompute([]byte("x"), new(int32)))
	require.Error(t, err)
	var tooMany *fingerprint.TooManyTokens
	require.True(t, errors.As(err, &tooMany))
	assert.Equal(t, 5, tooMany.Count)
}

func TestCacheStartupFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("nil source", func(t *testing.T) {
		_, err := New(ctx, Config{CacheRoot: t.TempDir(), IntegrityKeyPath: "/k"}, nil)
		assert.True(t, errors.Is(err, status.ErrConfiguration))
	})

	t.Run("missing cache root", func(t *testing.T) {
		_, err := New(ctx, Config{IntegrityKeyPath: "/k"}, localfs.New())
		assert.True(t, errors.Is(err, status.ErrConfiguration))
	})

	t.Run("missing key path", func(t *testing.T) {
		_, err := New(ctx, Config{CacheRoot: t.TempDir()}, localfs.New())
		assert.True(t, errors.Is(err, status.ErrConfiguration))
	})

	t.Run("unresolvable key", func(t *testing.T) {
		_, err := New(ctx, Config{
			CacheRoot:        t.TempDir(),
			IntegrityKeyPath: filepath.Join(t.TempDir(), "absent.key"),
		}, localfs.New())
		assert.True(t, errors.Is(err, status.ErrConfiguration))
	})

	t.Run("segment limit above budget", func(t *testing.T) {
		_, err := New(ctx, Config{
			CacheRoot:        t.TempDir(),
			IntegrityKeyPath: writeKeyFile(t),
			MaxSegmentBytes:  2048,
			MaxTotalBytes:    1024,
		}, localfs.New())
		assert.True(t, errors.Is(err, status.ErrConfiguration))
	})
}

func TestCacheP95Latency(t *testing.T) {
	var w latencyWindow
	assert.Equal(t, 0.0, w.p95())

	for i := 1; i <= 100; i++ {
		w.observe(time.Duration(i) * time.Millisecond)
	}
	p95 := w.p95()
	assert.InDelta(t, 96.0, p95, 1.0)

	// the window slides: old samples fall out
	for i := 0; i < latencyWindowSize; i++ {
		w.observe(time.Millisecond)
	}
	assert.InDelta(t, 1.0, w.p95(), 0.001)
}

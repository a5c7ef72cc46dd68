package segment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	lru "github.com/hashicorp/golang-lru"
	"github.com/suhlabs/kvshare/pkg/dlogger"
	"github.com/suhlabs/kvshare/pkg/errors"
	"github.com/suhlabs/kvshare/pkg/fingerprint"
	"github.com/suhlabs/kvshare/pkg/integrity"
	"github.com/suhlabs/kvshare/pkg/metrics"
	"github.com/suhlabs/kvshare/pkg/segment/status"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// DefaultMaxSegmentSize is the default maximum payload size
	DefaultMaxSegmentSize = 2 * units.GiB

	// DefaultMappingCacheSize is the default number of live mappings kept
	// for reuse
	DefaultMappingCacheSize = 128

	segmentSuffix = ".seg"
	tmpPattern    = ".tmp-*"
	tmpPrefix     = ".tmp-"
)

var errTruncated = errors.New("segment file shorter than its tag")

// Store persists segments as authenticated files under a single root
// directory
type Store struct {
	metrics.Enable
	m *M

	root    string
	maxSize int64
	guard   atomic.Value // *integrity.Guard
	l       *zap.Logger

	cacheSize int

	mu       sync.Mutex
	mappings map[*mapping]struct{}
	cache    *lru.Cache // fingerprint.Key -> *mapping
	closed   bool
}

// New creates a segment store rooted at dir, tagging and verifying
// payloads with the given guard
func New(dir string, guard *integrity.Guard, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("a root directory is required")
	}
	if guard == nil {
		return nil, errors.New("an integrity guard is required")
	}

	d := &Store{
		root:      dir,
		maxSize:   DefaultMaxSegmentSize,
		cacheSize: DefaultMappingCacheSize,
		l:         dlogger.MustGetLogger(dlogger.LogLevelInfo),
		mappings:  make(map[*mapping]struct{}),
	}
	d.guard.Store(guard)
	for _, apply := range opts {
		apply(d)
	}
	if d.maxSize <= 0 {
		return nil, errors.New("maximum segment size must be positive")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.New("create cache root").Wrap(err)
	}

	if d.cacheSize > 0 {
		cache, err := lru.NewWithEvict(d.cacheSize, func(_, value interface{}) {
			// eviction callbacks only ever fire under d.mu
			d.releaseLocked(value.(*mapping))
		})
		if err != nil {
			return nil, err
		}
		d.cache = cache
	}

	if d.MetricsEnabled() {
		d.m = d.EnsureMetrics("segment", &M{}).(*M)
	}
	return d, nil
}

// Root returns the store's root directory
func (d *Store) Root() string {
	return d.root
}

// Write atomically persists a payload under its key. The segment becomes
// visible only after its bytes and tag are fully on disk; a failed write
// leaves nothing behind.
func (d *Store) Write(ctx context.Context, key fingerprint.Key, payload []byte) (err error) {
	d.l.Debug("Start segment Write", zap.Stringer("key", key), zap.Int("size", len(payload)))
	defer func(t0 time.Time) {
		if d.MetricsEnabled() {
			d.m.Volume.IO.IORecord(t0, "Write")(int64(len(payload)), err)
		}
		d.l.Debug("End segment Write", zap.Stringer("key", key), zap.Error(err))
	}(time.Now())

	if err = ctx.Err(); err != nil {
		return err
	}
	if int64(len(payload)) > d.maxSize {
		return status.ErrTooLarge
	}
	if err = d.guardClosed(); err != nil {
		return err
	}

	tag := d.currentGuard().Tag(payload)

	tmp, err := os.CreateTemp(d.root, tmpPattern)
	if err != nil {
		return errors.New("create segment temp file").Wrap(err)
	}
	werr := writeAll(tmp, tag[:], payload)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return errors.New("write segment").Wrap(werr)
	}

	if err = os.Rename(tmp.Name(), d.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.New("publish segment").Wrap(err)
	}

	// drop any mapping of the replaced file: it points at the old inode
	d.mu.Lock()
	if d.cache != nil {
		d.cache.Remove(key)
	}
	d.mu.Unlock()

	if d.MetricsEnabled() {
		d.m.Volume.Segments.Inc("write")
		d.m.Volume.Segments.Size(int64(len(payload)), "write")
	}
	return nil
}

// Read returns a zero-copy view on the payload stored under key.
//
// The payload is verified against its stored tag on every read; a
// verification failure removes the file and reports ErrCorrupted.
func (d *Store) Read(ctx context.Context, key fingerprint.Key) (v *View, err error) {
	d.l.Debug("Start segment Read", zap.Stringer("key", key))
	defer func(t0 time.Time) {
		if d.MetricsEnabled() {
			d.m.Usage.UsedAll(t0, "Read")(err)
		}
		d.l.Debug("End segment Read", zap.Stringer("key", key), zap.Error(err))
	}(time.Now())

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	m, err := d.acquire(key)
	if err != nil {
		if errors.Is(err, errTruncated) {
			d.l.Warn("removing truncated segment", zap.Stringer("key", key))
			_ = os.Remove(d.path(key))
			if d.MetricsEnabled() {
				d.m.Volume.Segments.Inc("corrupt")
			}
			return nil, status.ErrCorrupted.Wrap(err)
		}
		return nil, err
	}

	payload := m.data[integrity.TagSize:]
	var tag integrity.Tag
	copy(tag[:], m.data[:integrity.TagSize])
	if !d.currentGuard().Verify(payload, tag) {
		d.discard(key, m)
		d.l.Warn("removing corrupt segment", zap.Stringer("key", key))
		if d.MetricsEnabled() {
			d.m.Volume.Segments.Inc("corrupt")
		}
		return nil, status.ErrCorrupted
	}

	if d.MetricsEnabled() {
		d.m.Volume.Segments.Size(int64(len(payload)), "read")
	}
	return &View{store: d, m: m, payload: payload}, nil
}

// acquire returns a referenced mapping for key, reusing a live one when
// possible
func (d *Store) acquire(key fingerprint.Key) (*mapping, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, status.ErrClosed
	}
	if d.cache != nil {
		if cached, ok := d.cache.Get(key); ok {
			m := cached.(*mapping)
			m.refs++
			d.mu.Unlock()
			return m, nil
		}
	}
	d.mu.Unlock()

	m, err := d.mapFile(key)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = unix.Munmap(m.data)
		return nil, status.ErrClosed
	}
	if d.cache != nil {
		if cached, ok := d.cache.Get(key); ok {
			// lost a mapping race: reuse the winner, drop ours
			winner := cached.(*mapping)
			winner.refs++
			d.mu.Unlock()
			_ = unix.Munmap(m.data)
			return winner, nil
		}
	}
	m.refs = 1
	d.mappings[m] = struct{}{}
	if d.cache != nil {
		m.refs++
		d.cache.Add(key, m)
	}
	if d.MetricsEnabled() {
		d.m.Volume.Segments.Mapped(len(d.mappings))
	}
	d.mu.Unlock()
	return m, nil
}

// mapFile opens and memory-maps one segment file read-only
func (d *Store) mapFile(key fingerprint.Key) (*mapping, error) {
	f, err := os.Open(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.ErrNotFound
		}
		return nil, errors.New("open segment").Wrap(err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.New("stat segment").Wrap(err)
	}
	if fi.Size() < integrity.TagSize {
		return nil, errTruncated
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.New("map segment").Wrap(err)
	}
	adviseRandom(int(f.Fd()), data)

	return &mapping{key: key, data: data}, nil
}

// discard drops a mapping whose file failed verification and removes the
// file itself
func (d *Store) discard(key fingerprint.Key, m *mapping) {
	d.mu.Lock()
	if d.cache != nil {
		if cached, ok := d.cache.Peek(key); ok && cached.(*mapping) == m {
			d.cache.Remove(key)
		}
	}
	d.releaseLocked(m)
	d.mu.Unlock()
	_ = os.Remove(d.path(key))
}

// Delete removes the segment stored under key. Deleting an absent segment
// is not an error.
func (d *Store) Delete(ctx context.Context, key fingerprint.Key) (err error) {
	d.l.Debug("Start segment Delete", zap.Stringer("key", key))
	defer func(t0 time.Time) {
		if d.MetricsEnabled() {
			d.m.Usage.UsedAll(t0, "Delete")(err)
		}
		d.l.Debug("End segment Delete", zap.Stringer("key", key), zap.Error(err))
	}(time.Now())

	if err = ctx.Err(); err != nil {
		return err
	}
	if err = d.guardClosed(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.cache != nil {
		d.cache.Remove(key)
	}
	d.mu.Unlock()

	if err = os.Remove(d.path(key)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New("delete segment").Wrap(err)
	}
	if d.MetricsEnabled() {
		d.m.Volume.Segments.Inc("delete")
	}
	return nil
}

// Has tells whether a segment file exists for key
func (d *Store) Has(ctx context.Context, key fingerprint.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.New("stat segment").Wrap(err)
	}
	return true, nil
}

// Stat returns the payload size of the segment stored under key
func (d *Store) Stat(ctx context.Context, key fingerprint.Key) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fi, err := os.Stat(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, status.ErrNotFound
		}
		return 0, errors.New("stat segment").Wrap(err)
	}
	size := fi.Size() - integrity.TagSize
	if size < 0 {
		size = 0
	}
	return size, nil
}

// Keys lists the keys of all visible segment files
func (d *Store) Keys(ctx context.Context) ([]fingerprint.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, errors.New("list cache root").Wrap(err)
	}
	keys := make([]fingerprint.Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if key, ok := parseSegmentName(entry.Name()); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Sweep removes leftover temp files and any segment file not accepted by
// keep. A nil keep drops every segment. It reports the number of files
// removed.
//
// Sweep restores the store to a clean state after a crash: half-written
// temp files and orphaned segments never survive a restart.
func (d *Store) Sweep(ctx context.Context, keep func(fingerprint.Key) bool) (removed int, err error) {
	d.l.Debug("Start segment Sweep")
	defer func(t0 time.Time) {
		if d.MetricsEnabled() {
			d.m.Usage.UsedAll(t0, "Sweep")(err)
		}
		d.l.Debug("End segment Sweep", zap.Int("removed", removed), zap.Error(err))
	}(time.Now())

	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, errors.New("list cache root").Wrap(err)
	}
	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			if os.Remove(filepath.Join(d.root, name)) == nil {
				removed++
			}
			continue
		}
		key, ok := parseSegmentName(name)
		if !ok {
			d.l.Warn("unexpected file in cache root", zap.String("file", name))
			continue
		}
		if keep != nil && keep(key) {
			continue
		}
		if derr := d.Delete(ctx, key); derr == nil {
			removed++
		}
	}
	return removed, nil
}

// Rekey swaps the integrity guard. Segments written under the previous
// key fail verification on their next read and are purged then.
func (d *Store) Rekey(guard *integrity.Guard) {
	if guard == nil {
		return
	}
	d.guard.Store(guard)
	d.l.Info("integrity key rotated")
}

// OpenMappings reports the number of live memory mappings, including
// cached ones
func (d *Store) OpenMappings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mappings)
}

// Close releases every live mapping and shuts the store down. Views that
// are still open become invalid; closing them afterwards stays safe.
func (d *Store) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	if d.cache != nil {
		d.cache.Purge()
	}

	remaining := make([]*mapping, 0, len(d.mappings))
	for m := range d.mappings {
		remaining = append(remaining, m)
	}
	if len(remaining) > 0 {
		d.l.Warn("releasing mappings still open at shutdown", zap.Int("count", len(remaining)))
	}
	for _, m := range remaining {
		m.released = true
		delete(d.mappings, m)
		if err := unix.Munmap(m.data); err != nil {
			d.l.Warn("munmap failed", zap.Stringer("key", m.key), zap.Error(err))
		}
		m.data = nil
	}
	return nil
}

// release drops one reference on a mapping
func (d *Store) release(m *mapping) {
	d.mu.Lock()
	d.releaseLocked(m)
	d.mu.Unlock()
}

func (d *Store) releaseLocked(m *mapping) {
	if m.refs > 0 {
		m.refs--
	}
	if m.released || m.refs > 0 {
		return
	}
	m.released = true
	delete(d.mappings, m)
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			d.l.Warn("munmap failed", zap.Stringer("key", m.key), zap.Error(err))
		}
		m.data = nil
	}
}

func (d *Store) guardClosed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return status.ErrClosed
	}
	return nil
}

func (d *Store) currentGuard() *integrity.Guard {
	return d.guard.Load().(*integrity.Guard)
}

func (d *Store) path(key fingerprint.Key) string {
	return filepath.Join(d.root, key.String()+segmentSuffix)
}

func parseSegmentName(name string) (fingerprint.Key, bool) {
	if !strings.HasSuffix(name, segmentSuffix) {
		return fingerprint.Key{}, false
	}
	key, err := fingerprint.KeyFromString(strings.TrimSuffix(name, segmentSuffix))
	if err != nil {
		return fingerprint.Key{}, false
	}
	return key, true
}

func writeAll(f *os.File, chunks ...[]byte) error {
	for _, chunk := range chunks {
		if _, err := f.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

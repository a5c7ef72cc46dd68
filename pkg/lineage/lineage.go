package lineage

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/suhlabs/kvshare/pkg/dlogger"
	"github.com/suhlabs/kvshare/pkg/fingerprint"
	"github.com/suhlabs/kvshare/pkg/lineage/status"
	"github.com/suhlabs/kvshare/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultMaxFanout is the default maximum number of children per node
const DefaultMaxFanout = 256

type node struct {
	key        fingerprint.Key
	parent     *node
	children   map[fingerprint.Key]*node
	size       int64
	pins       int
	lastAccess time.Time
	createdAt  time.Time
}

// NodeView is a read-only copy of one indexed node
type NodeView struct {
	Key        fingerprint.Key
	Parent     *fingerprint.Key
	Children   int
	Size       int64
	Pins       int
	LastAccess time.Time
	CreatedAt  time.Time
}

// Index is an in-memory forest of cached segments keyed by fingerprint.
//
// All operations take a single mutex and complete without IO, so the
// index may be shared freely between goroutines.
type Index struct {
	metrics.Enable
	m *M

	mu        sync.Mutex
	nodes     map[fingerprint.Key]*node
	roots     map[fingerprint.Key]*node
	total     int64
	maxFanout int
	clock     func() time.Time
	l         *zap.Logger
}

// New creates an empty lineage index
func New(opts ...Option) *Index {
	x := &Index{
		nodes:     make(map[fingerprint.Key]*node),
		roots:     make(map[fingerprint.Key]*node),
		maxFanout: DefaultMaxFanout,
		clock:     time.Now,
		l:         dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(x)
	}
	if x.MetricsEnabled() {
		x.m = x.EnsureMetrics("lineage", &M{}).(*M)
	}
	return x
}

// Insert indexes a new node. A nil parent declares a root. The node's
// access time starts at the current clock.
//
// Insert verifies all preconditions before mutating anything, so a failed
// insert leaves the index untouched.
func (x *Index) Insert(key fingerprint.Key, parent *fingerprint.Key, size int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.nodes[key]; ok {
		return status.ErrExists
	}
	var p *node
	if parent != nil {
		var ok bool
		p, ok = x.nodes[*parent]
		if !ok {
			return status.ErrParentNotFound
		}
		if len(p.children) >= x.maxFanout {
			return status.ErrFanoutExceeded
		}
	}

	now := x.clock()
	n := &node{
		key:        key,
		parent:     p,
		children:   make(map[fingerprint.Key]*node),
		size:       size,
		lastAccess: now,
		createdAt:  now,
	}
	x.nodes[key] = n
	if p == nil {
		x.roots[key] = n
	} else {
		p.children[key] = n
	}
	x.total += size

	x.l.Debug("lineage insert", zap.Stringer("key", key), zap.Int64("size", size), zap.Bool("root", p == nil))
	if x.MetricsEnabled() {
		x.m.Usage.Inc("Insert")
		x.m.Volume.Report(len(x.nodes), x.total)
	}
	return nil
}

// Lookup returns a copy of the node indexed under key, without refreshing
// its access time
func (x *Index) Lookup(key fingerprint.Key) (NodeView, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n, ok := x.nodes[key]
	if !ok {
		return NodeView{}, false
	}
	return x.view(n), true
}

// Touch refreshes the access time of the node indexed under key. It
// reports whether the node exists.
func (x *Index) Touch(key fingerprint.Key) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	n, ok := x.nodes[key]
	if !ok {
		return false
	}
	n.lastAccess = x.clock()
	return true
}

// Pin protects the node indexed under key from removal. Pins nest.
func (x *Index) Pin(key fingerprint.Key) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	n, ok := x.nodes[key]
	if !ok {
		return status.ErrNotFound
	}
	n.pins++
	return nil
}

// Unpin releases one pin on the node indexed under key
func (x *Index) Unpin(key fingerprint.Key) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	n, ok := x.nodes[key]
	if !ok {
		return status.ErrNotFound
	}
	if n.pins == 0 {
		return status.ErrNotPinned
	}
	n.pins--
	return nil
}

// Remove unindexes the node under key together with its unpinned
// descendants and returns the keys actually removed.
//
// A pinned descendant is spared: it detaches from the removed subtree and
// becomes a root, keeping its own subtree intact. Removing a pinned node
// itself fails with ErrPinned.
func (x *Index) Remove(key fingerprint.Key) ([]fingerprint.Key, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	n, ok := x.nodes[key]
	if !ok {
		return nil, status.ErrNotFound
	}
	if n.pins > 0 {
		return nil, status.ErrPinned
	}

	if n.parent == nil {
		delete(x.roots, key)
	} else {
		delete(n.parent.children, key)
		n.parent = nil
	}

	removed := x.removeSubtree(n, nil)

	x.l.Debug("lineage remove", zap.Stringer("key", key), zap.Int("cascade", len(removed)))
	if x.MetricsEnabled() {
		x.m.Usage.Inc("Remove")
		x.m.Volume.Report(len(x.nodes), x.total)
	}
	return removed, nil
}

// removeSubtree drops n and its unpinned descendants, promoting pinned
// descendants to roots. The caller holds the mutex and has already
// detached n from its parent.
func (x *Index) removeSubtree(n *node, removed []fingerprint.Key) []fingerprint.Key {
	for key, child := range n.children {
		delete(n.children, key)
		child.parent = nil
		if child.pins > 0 {
			x.roots[key] = child
			continue
		}
		removed = x.removeSubtree(child, removed)
	}
	delete(x.nodes, n.key)
	x.total -= n.size
	return append(removed, n.key)
}

// SelectLRU returns up to n unpinned keys ordered by ascending access
// time
func (x *Index) SelectLRU(n int) []fingerprint.Key {
	x.mu.Lock()
	defer x.mu.Unlock()

	if n <= 0 {
		return nil
	}
	candidates := make([]*node, 0, len(x.nodes))
	for _, nd := range x.nodes {
		if nd.pins == 0 {
			candidates = append(candidates, nd)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].lastAccess.Equal(candidates[j].lastAccess) {
			return candidates[i].lastAccess.Before(candidates[j].lastAccess)
		}
		return bytes.Compare(candidates[i].key[:], candidates[j].key[:]) < 0
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	keys := make([]fingerprint.Key, len(candidates))
	for i, nd := range candidates {
		keys[i] = nd.key
	}
	return keys
}

// TotalSize returns the cumulated payload size of all indexed nodes
func (x *Index) TotalSize() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.total
}

// Len returns the number of indexed nodes
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.nodes)
}

// Roots returns the keys of all root nodes
func (x *Index) Roots() []fingerprint.Key {
	x.mu.Lock()
	defer x.mu.Unlock()
	keys := make([]fingerprint.Key, 0, len(x.roots))
	for key := range x.roots {
		keys = append(keys, key)
	}
	return keys
}

// Records captures the nodes indexed under keys as a batch of records.
// Keys no longer indexed are skipped.
func (x *Index) Records(keys []fingerprint.Key) []NodeRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	records := make([]NodeRecord, 0, len(keys))
	for _, key := range keys {
		n, ok := x.nodes[key]
		if !ok {
			continue
		}
		records = append(records, x.record(n))
	}
	return records
}

// Snapshot captures every indexed node as a batch of records, parents
// listed before their children
func (x *Index) Snapshot() []NodeRecord {
	x.mu.Lock()
	defer x.mu.Unlock()

	records := make([]NodeRecord, 0, len(x.nodes))
	var walk func(n *node)
	walk = func(n *node) {
		records = append(records, x.record(n))
		for _, child := range n.childrenSorted() {
			walk(child)
		}
	}
	for _, root := range sortedNodes(x.roots) {
		walk(root)
	}
	return records
}

// Restore rebuilds the index from a batch of records, replacing its
// current content. Pins do not survive a restore.
//
// Records pointing at an absent parent and children in excess of the
// fanout limit degrade to roots instead of failing the whole restore.
func (x *Index) Restore(records []NodeRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.nodes = make(map[fingerprint.Key]*node, len(records))
	x.roots = make(map[fingerprint.Key]*node)
	x.total = 0

	parents := make(map[fingerprint.Key]fingerprint.Key, len(records))
	for _, rec := range records {
		key, err := fingerprint.KeyFromString(rec.Key)
		if err != nil {
			return err
		}
		if _, ok := x.nodes[key]; ok {
			return status.ErrExists
		}
		n := &node{
			key:        key,
			children:   make(map[fingerprint.Key]*node),
			size:       rec.Size,
			lastAccess: time.Unix(0, rec.LastAccess),
			createdAt:  time.Unix(0, rec.CreatedAt),
		}
		x.nodes[key] = n
		x.total += rec.Size
		if rec.Parent != "" {
			parent, err := fingerprint.KeyFromString(rec.Parent)
			if err != nil {
				return err
			}
			parents[key] = parent
		}
	}

	for key, n := range x.nodes {
		parentKey, ok := parents[key]
		if !ok {
			x.roots[key] = n
			continue
		}
		p, ok := x.nodes[parentKey]
		if !ok {
			x.l.Warn("restored node without its parent, keeping it as a root", zap.Stringer("key", key))
			x.roots[key] = n
			continue
		}
		if len(p.children) >= x.maxFanout {
			x.l.Warn("restored node overflows its parent, keeping it as a root", zap.Stringer("key", key))
			x.roots[key] = n
			continue
		}
		n.parent = p
		p.children[key] = n
	}

	if x.MetricsEnabled() {
		x.m.Volume.Report(len(x.nodes), x.total)
	}
	return nil
}

func (x *Index) view(n *node) NodeView {
	v := NodeView{
		Key:        n.key,
		Children:   len(n.children),
		Size:       n.size,
		Pins:       n.pins,
		LastAccess: n.lastAccess,
		CreatedAt:  n.createdAt,
	}
	if n.parent != nil {
		parent := n.parent.key
		v.Parent = &parent
	}
	return v
}

func (x *Index) record(n *node) NodeRecord {
	rec := NodeRecord{
		Key:        n.key.String(),
		Size:       n.size,
		LastAccess: n.lastAccess.UnixNano(),
		CreatedAt:  n.createdAt.UnixNano(),
	}
	if n.parent != nil {
		rec.Parent = n.parent.key.String()
	}
	return rec
}

func (n *node) childrenSorted() []*node {
	return sortedNodes(n.children)
}

func sortedNodes(m map[fingerprint.Key]*node) []*node {
	nodes := make([]*node, 0, len(m))
	for _, n := range m {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return bytes.Compare(nodes[i].key[:], nodes[j].key[:]) < 0
	})
	return nodes
}

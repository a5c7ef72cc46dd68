package segment

import (
	"sync"

	"github.com/suhlabs/kvshare/pkg/fingerprint"
)

// mapping is a live read-only memory mapping of one segment file. It is
// shared between the store's reuse cache and any number of open views,
// and unmapped when the last reference is released.
type mapping struct {
	key      fingerprint.Key
	data     []byte // tag followed by payload
	refs     int    // guarded by the store mutex
	released bool
}

// View is a zero-copy window on the payload of a cached segment.
//
// The bytes returned by Bytes are backed by a shared memory mapping: they
// are valid until the view is closed, and must not be modified. Closing
// the store invalidates all outstanding views.
type View struct {
	store   *Store
	m       *mapping
	payload []byte

	closeOnce sync.Once
}

// Key returns the cache key of the viewed segment
func (v *View) Key() fingerprint.Key {
	return v.m.key
}

// Bytes returns the segment payload without copying
func (v *View) Bytes() []byte {
	return v.payload
}

// Size returns the payload size in bytes
func (v *View) Size() int64 {
	return int64(len(v.payload))
}

// Close releases the view's reference on the underlying mapping. Close is
// idempotent and never double-frees a mapping.
func (v *View) Close() error {
	v.closeOnce.Do(func() {
		v.store.release(v.m)
		v.payload = nil
	})
	return nil
}

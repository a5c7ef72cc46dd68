package lineage

import (
	"context"

	"github.com/suhlabs/kvshare/pkg/fingerprint"
)

// NodeRecord is the serializable form of one indexed node.
//
// Keys are hex-encoded fingerprints and timestamps are unix nanoseconds,
// so records marshal identically across processes.
type NodeRecord struct {
	Key        string `json:"key"`
	Parent     string `json:"parent,omitempty"`
	Size       int64  `json:"size"`
	LastAccess int64  `json:"lastAccess"`
	CreatedAt  int64  `json:"createdAt"`
}

// Mirror persists node records out of band.
//
// The cache treats its mirror as best effort: mirror failures never fail
// cache operations, they only degrade what a restart can recover.
type Mirror interface {
	// UpsertBatch persists a batch of records transactionally
	UpsertBatch(ctx context.Context, records []NodeRecord) error

	// DeleteBatch unpersists a batch of keys transactionally
	DeleteBatch(ctx context.Context, keys []fingerprint.Key) error

	// Load returns every persisted record
	Load(ctx context.Context) ([]NodeRecord, error)

	// Close releases the mirror
	Close() error
}

// Package secrets fetches the cache's integrity key from an external
// secret store.
//
// The key never lives in configuration files: callers point the cache at
// a source and a path, and the key material is fetched at startup. A
// source that cannot produce the key is a fatal configuration error for
// the cache.
package secrets

import (
	"context"
)

// Source implementations know how to fetch key material from one secret
// backend.
//
// Examples are a vault server or a locally provisioned key file.
// Implementations of this interface are assumed to be fairly simple.
type Source interface {
	String() string

	// GetIntegrityKey returns the raw key material stored at path
	GetIntegrityKey(ctx context.Context, path string) ([]byte, error)

	// Close releases the source
	Close() error
}

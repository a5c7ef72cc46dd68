// Package status declares the errors reported by the cache coordinator.
package status

import (
	"github.com/suhlabs/kvshare/pkg/errors"
)

var (
	// ErrConfiguration indicates that the cache cannot start with this
	// configuration. It is fatal: there is no degraded mode without a
	// valid integrity key and a cache root.
	ErrConfiguration = errors.New("invalid cache configuration")

	// ErrClosed indicates an operation on a cache that was shut down
	ErrClosed = errors.New("cache is closed")

	// ErrNotFound indicates that nothing is cached under this key
	ErrNotFound = errors.New("not cached")
)

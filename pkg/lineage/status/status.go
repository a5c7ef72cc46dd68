// Package status declares the errors reported by the lineage index.
package status

import (
	"github.com/suhlabs/kvshare/pkg/errors"
)

var (
	// ErrNotFound indicates that no node is indexed under this key
	ErrNotFound = errors.New("lineage node not found")

	// ErrExists indicates that a node is already indexed under this key
	ErrExists = errors.New("lineage node already indexed")

	// ErrParentNotFound indicates that the declared parent is not indexed
	ErrParentNotFound = errors.New("lineage parent not found")

	// ErrFanoutExceeded indicates that the parent already holds the maximum
	// number of children
	ErrFanoutExceeded = errors.New("lineage fanout exceeded")

	// ErrPinned indicates an attempt to remove a pinned node
	ErrPinned = errors.New("lineage node is pinned")

	// ErrNotPinned indicates an unpin without a matching pin
	ErrNotPinned = errors.New("lineage node is not pinned")
)

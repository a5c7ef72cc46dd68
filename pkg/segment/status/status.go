// Package status declares error constants returned by the
// segment store.
//
// NOTE: such constants are located in a separate package to avoid
// creating undue cyclical dependencies between pkg/segment and its
// consumers.
package status

import "github.com/suhlabs/kvshare/pkg/errors"

var (
	// Sentinel errors returned by the segment store

	// ErrNotFound indicates that no segment file exists for the requested key
	ErrNotFound = errors.New("segment not found")

	// ErrCorrupted indicates that a stored segment failed integrity
	// verification. The offending file has been removed.
	ErrCorrupted = errors.New("segment failed integrity verification")

	// ErrTooLarge indicates that the payload exceeds the maximum admissible segment size
	ErrTooLarge = errors.New("payload exceeds maximum segment size")

	// ErrClosed indicates an operation on a store that has been shut down
	ErrClosed = errors.New("segment store is closed")
)

// Package status declares the errors reported by secret sources.
package status

import (
	"github.com/suhlabs/kvshare/pkg/errors"
)

var (
	// ErrNotFound indicates that the secret store holds nothing at this path
	ErrNotFound = errors.New("no secret at this path")

	// ErrMalformed indicates that the stored key material cannot be decoded
	ErrMalformed = errors.New("malformed key material")
)

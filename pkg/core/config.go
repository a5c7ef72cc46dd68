package core

import (
	"time"

	"github.com/docker/go-units"
	"github.com/suhlabs/kvshare/pkg/core/status"
	"github.com/suhlabs/kvshare/pkg/fingerprint"
	"github.com/suhlabs/kvshare/pkg/lineage"
	"github.com/suhlabs/kvshare/pkg/segment"
)

const (
	// DefaultLookupTimeout bounds how long a lookup may stall before the
	// request falls through to a recompute
	DefaultLookupTimeout = 50 * time.Millisecond

	// DefaultMaxTotalBytes is the default cache budget
	DefaultMaxTotalBytes = 64 * units.GiB
)

// Config describes a cache coordinator.
//
// The zero value is not usable: CacheRoot and IntegrityKeyPath are
// required. Everything else defaults to production values.
type Config struct {
	// CacheRoot is the directory holding segment files
	CacheRoot string `json:"cacheRoot" yaml:"cacheRoot"`

	// IntegrityKeyPath locates the integrity key in the secret source
	IntegrityKeyPath string `json:"integrityKeyPath" yaml:"integrityKeyPath"`

	// MaxSegmentBytes is the largest admissible payload
	MaxSegmentBytes int64 `json:"maxSegmentBytes" yaml:"maxSegmentBytes"`

	// MaxTotalBytes budgets the cumulated payload size of all cached
	// segments
	MaxTotalBytes int64 `json:"maxTotalBytes" yaml:"maxTotalBytes"`

	// MaxFanout bounds the number of children per lineage node
	MaxFanout int `json:"maxFanout" yaml:"maxFanout"`

	// MaxTokens bounds the fingerprintable sequence length
	MaxTokens int `json:"maxTokens" yaml:"maxTokens"`

	// LookupTimeout bounds a single cache lookup. Zero means the default,
	// a negative value disables the bound.
	LookupTimeout time.Duration `json:"lookupTimeout" yaml:"lookupTimeout"`
}

// Validate applies defaults, then rejects configurations the cache cannot
// run with
func (c *Config) Validate() error {
	if c.MaxSegmentBytes == 0 {
		c.MaxSegmentBytes = segment.DefaultMaxSegmentSize
	}
	if c.MaxTotalBytes == 0 {
		c.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if c.MaxFanout == 0 {
		c.MaxFanout = lineage.DefaultMaxFanout
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = fingerprint.DefaultMaxTokens
	}
	if c.LookupTimeout == 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}

	if c.CacheRoot == "" {
		return status.ErrConfiguration.WrapMessage("a cache root directory is required")
	}
	if c.IntegrityKeyPath == "" {
		return status.ErrConfiguration.WrapMessage("an integrity key path is required")
	}
	if c.MaxSegmentBytes < 0 || c.MaxTotalBytes < 0 {
		return status.ErrConfiguration.WrapMessage("sizes must be positive")
	}
	if c.MaxSegmentBytes > c.MaxTotalBytes {
		return status.ErrConfiguration.WrapMessage("the segment limit exceeds the cache budget")
	}
	if c.MaxFanout < 0 || c.MaxTokens < 0 {
		return status.ErrConfiguration.WrapMessage("limits must be positive")
	}
	return nil
}

package fingerprint

import (
	"encoding/binary"
	"fmt"
	"sort"

	blake2b "github.com/minio/blake2b-simd"
)

const (
	// DefaultMaxTokens is the maximum admissible number of tokens per sequence
	DefaultMaxTokens = 32768

	// canonical encoding markers, hashed along with the tokens so that
	// sorted and order-preserving keys never collide
	modeSorted    byte = 0x01
	modePreserved byte = 0x02
)

// TooManyTokens is an error that's returned when a token sequence exceeds
// the admissible maximum.
type TooManyTokens struct {
	Count int
	Limit int
}

func (e *TooManyTokens) Error() string {
	return fmt.Sprintf("sequence of %d tokens exceeds the maximum of %d", e.Count, e.Limit)
}

// Option to configure a key maker
type Option func(*Maker)

// MaxTokens sets the maximum admissible number of tokens per sequence
func MaxTokens(limit int) Option {
	return func(m *Maker) {
		if limit > 0 {
			m.maxTokens = limit
		}
	}
}

// PreserveOrder derives keys from the tokens in their given order, instead
// of the default canonical sort. Sequences holding the same tokens in a
// different order then map to distinct keys.
func PreserveOrder() Option {
	return func(m *Maker) {
		m.preserveOrder = true
	}
}

// New creates a key maker for token sequences
func New(opts ...Option) *Maker {
	m := &Maker{
		maxTokens: DefaultMaxTokens,
	}
	for _, apply := range opts {
		apply(m)
	}
	return m
}

// Maker derives cache keys from token sequences
type Maker struct {
	maxTokens     int
	preserveOrder bool
}

// Fingerprint computes the cache key for a token sequence.
//
// The same sequence always yields the same key. Sequences longer than the
// configured maximum are rejected with a *TooManyTokens error.
func (m *Maker) Fingerprint(tokens []uint64) (Key, error) {
	if len(tokens) > m.maxTokens {
		return Key{}, &TooManyTokens{Count: len(tokens), Limit: m.maxTokens}
	}

	canonical := tokens
	if !m.preserveOrder {
		canonical = make([]uint64, len(tokens))
		copy(canonical, tokens)
		sort.Slice(canonical, func(i, j int) bool { return canonical[i] < canonical[j] })
	}

	buf := make([]byte, 0, 9+8*len(canonical))
	if m.preserveOrder {
		buf = append(buf, modePreserved)
	} else {
		buf = append(buf, modeSorted)
	}
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(len(canonical)))
	buf = append(buf, scratch[:]...)
	for _, token := range canonical {
		binary.BigEndian.PutUint64(scratch[:], token)
		buf = append(buf, scratch[:]...)
	}

	return Key(blake2b.Sum256(buf)), nil
}

// MaxTokens reports the configured sequence limit
func (m *Maker) MaxTokens() int {
	return m.maxTokens
}

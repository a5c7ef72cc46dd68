package integrity

import (
	"crypto/hmac"
	"fmt"

	blake2b "github.com/minio/blake2b-simd"
)

const (
	// TagSize is the size of an authentication tag
	TagSize = 32

	// MinKeySize is the smallest admissible secret key length
	MinKeySize = 16

	// MaxKeySize is the largest key length supported by blake2b
	MaxKeySize = 64
)

// Tag is a keyed blake2b-256 MAC over a payload
type Tag [TagSize]byte

// InvalidKeyLength is an error that's returned when the secret key has an
// inadmissible length.
type InvalidKeyLength struct {
	Length int
}

func (e *InvalidKeyLength) Error() string {
	return fmt.Sprintf("secret key of %d bytes, admissible lengths are %d to %d", e.Length, MinKeySize, MaxKeySize)
}

// Guard tags and verifies payloads with a keyed hash
type Guard struct {
	key []byte
}

// New creates a guard from a secret key. The key is copied: the caller may
// zero its own buffer afterwards.
func New(key []byte) (*Guard, error) {
	if len(key) < MinKeySize || len(key) > MaxKeySize {
		return nil, &InvalidKeyLength{Length: len(key)}
	}
	g := &Guard{key: make([]byte, len(key))}
	copy(g.key, key)
	return g, nil
}

// Tag computes the authentication tag for a payload
func (g *Guard) Tag(payload []byte) Tag {
	h, err := blake2b.New(&blake2b.Config{
		Size: TagSize,
		Key:  g.key,
	})
	if err != nil {
		// the configuration is fixed and the key length was checked at
		// construction time
		panic(fmt.Sprintf("keyed blake2b setup: %v", err))
	}
	_, _ = h.Write(payload)

	var t Tag
	copy(t[:], h.Sum(nil))
	return t
}

// Verify recomputes the tag for a payload and compares it with the stored
// tag in constant time.
func (g *Guard) Verify(payload []byte, tag Tag) bool {
	computed := g.Tag(payload)
	return hmac.Equal(computed[:], tag[:])
}

package fingerprint

import (
	"encoding/hex"
	"fmt"
)

const (
	// KeySize for blake2b-256 keys
	KeySize = 32

	// KeySizeHex for hex representation of a key
	KeySizeHex = 64
)

// NewKey creates a new key from data
func NewKey(data []byte) (Key, error) {
	if len(data) != KeySize {
		return Key{}, &BadKeySize{Key: data}
	}
	var k Key
	copy(k[:], data)
	return k, nil
}

// MustNewKey creates a new key from data but panics if there is an error
func MustNewKey(data []byte) Key {
	k, e := NewKey(data)
	if e != nil {
		panic(e.Error())
	}
	return k
}

// KeyFromString creates a new key from its hex representation
func KeyFromString(src string) (Key, error) {
	data, err := hex.DecodeString(src)
	if err != nil {
		return Key{}, fmt.Errorf("invalid key %q: %v", src, err)
	}
	return NewKey(data)
}

// Key type for cache keys
type Key [KeySize]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// BadKeySize is an error that's returned when the key to create has an invalid size.
type BadKeySize struct {
	Key []byte
}

func (b *BadKeySize) Error() string {
	return fmt.Sprintf("%x has invalid size of %d, expected %d", b.Key, len(b.Key), KeySize)
}

package integrity

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret(t *testing.T, size int) []byte {
	key := make([]byte, size)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestGuardRoundTrip(t *testing.T) {
	g, err := New(testSecret(t, 32))
	require.NoError(t, err)

	payload := []byte("kv tensor bytes")
	tag := g.Tag(payload)
	assert.Len(t, tag[:], TagSize)
	assert.True(t, g.Verify(payload, tag))

	// an empty payload tags and verifies too
	empty := g.Tag(nil)
	assert.True(t, g.Verify(nil, empty))
	assert.NotEqual(t, tag, empty)
}

func TestGuardDetectsTampering(t *testing.T) {
	g, err := New(testSecret(t, 32))
	require.NoError(t, err)

	payload := testSecret(t, 64)
	tag := g.Tag(payload)

	// flipping any single bit of the payload invalidates the tag
	for i := range payload {
		payload[i] ^= 0x01
		assert.False(t, g.Verify(payload, tag), "flip at byte %d went undetected", i)
		payload[i] ^= 0x01
	}
	assert.True(t, g.Verify(payload, tag))

	// a tampered tag never verifies
	for i := range tag {
		tag[i] ^= 0x80
		assert.False(t, g.Verify(payload, tag))
		tag[i] ^= 0x80
	}
}

func TestGuardKeyIndependence(t *testing.T) {
	g1, err := New(testSecret(t, 32))
	require.NoError(t, err)
	g2, err := New(testSecret(t, 32))
	require.NoError(t, err)

	payload := []byte("same bytes, different keys")
	assert.NotEqual(t, g1.Tag(payload), g2.Tag(payload))
	assert.False(t, g2.Verify(payload, g1.Tag(payload)))
}

func TestGuardKeyLength(t *testing.T) {
	for _, size := range []int{MinKeySize, 32, MaxKeySize} {
		_, err := New(testSecret(t, size))
		require.NoError(t, err, "key size %d", size)
	}

	for _, size := range []int{0, 1, MinKeySize - 1, MaxKeySize + 1} {
		_, err := New(testSecret(t, size))
		require.Error(t, err, "key size %d", size)
		var badLength *InvalidKeyLength
		require.ErrorAs(t, err, &badLength)
		assert.Equal(t, size, badLength.Length)
	}
}

func TestGuardCopiesKey(t *testing.T) {
	key := testSecret(t, 32)
	g, err := New(key)
	require.NoError(t, err)

	payload := []byte("payload")
	tag := g.Tag(payload)

	// zeroing the caller's buffer does not affect the guard
	for i := range key {
		key[i] = 0
	}
	assert.True(t, g.Verify(payload, tag))
}

package fingerprint

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterminism(t *testing.T) {
	m := New()
	tokens := []uint64{42, 7, 42, 1 << 40, 0}

	k1, err := m.Fingerprint(tokens)
	require.NoError(t, err)
	k2, err := m.Fingerprint(tokens)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	// a fresh maker produces the same key
	k3, err := New().Fingerprint(tokens)
	require.NoError(t, err)
	assert.Equal(t, k1, k3)
}

func TestFingerprintOrderIndependence(t *testing.T) {
	m := New()

	k1, err := m.Fingerprint([]uint64{3, 1, 2})
	require.NoError(t, err)
	k2, err := m.Fingerprint([]uint64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	// larger random permutation
	tokens := make([]uint64, 512)
	for i := range tokens {
		tokens[i] = rand.Uint64()
	}
	base, err := m.Fingerprint(tokens)
	require.NoError(t, err)

	shuffled := make([]uint64, len(tokens))
	copy(shuffled, tokens)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	permuted, err := m.Fingerprint(shuffled)
	require.NoError(t, err)
	assert.Equal(t, base, permuted)

	// the input slice is never reordered in place
	assert.Equal(t, []uint64{3, 1, 2}, func() []uint64 {
		in := []uint64{3, 1, 2}
		_, e := m.Fingerprint(in)
		require.NoError(t, e)
		return in
	}())
}

func TestFingerprintDistinctInputs(t *testing.T) {
	m := New()

	k1, err := m.Fingerprint([]uint64{1, 2, 3})
	require.NoError(t, err)
	k2, err := m.Fingerprint([]uint64{1, 2, 4})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	// the count prefix separates sequences that would otherwise
	// encode to the same byte stream
	k3, err := m.Fingerprint([]uint64{0, 1})
	require.NoError(t, err)
	k4, err := m.Fingerprint([]uint64{0, 0, 1})
	require.NoError(t, err)
	assert.NotEqual(t, k3, k4)

	empty, err := m.Fingerprint(nil)
	require.NoError(t, err)
	zero, err := m.Fingerprint([]uint64{0})
	require.NoError(t, err)
	assert.NotEqual(t, empty, zero)
}

func TestFingerprintPreserveOrder(t *testing.T) {
	ordered := New(PreserveOrder())

	k1, err := ordered.Fingerprint([]uint64{3, 1, 2})
	require.NoError(t, err)
	k2, err := ordered.Fingerprint([]uint64{1, 2, 3})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	// same tokens in the same order still agree
	k3, err := ordered.Fingerprint([]uint64{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, k1, k3)

	// modes never alias, even for an already sorted sequence
	sorted, err := New().Fingerprint([]uint64{1, 2, 3})
	require.NoError(t, err)
	assert.NotEqual(t, k2, sorted)
}

func TestFingerprintTokenLimit(t *testing.T) {
	m := New(MaxTokens(4))
	assert.Equal(t, 4, m.MaxTokens())

	_, err := m.Fingerprint([]uint64{1, 2, 3, 4})
	require.NoError(t, err)

	_, err = m.Fingerprint([]uint64{1, 2, 3, 4, 5})
	require.Error(t, err)

	var tooMany *TooManyTokens
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, 5, tooMany.Count)
	assert.Equal(t, 4, tooMany.Limit)

	assert.Equal(t, DefaultMaxTokens, New().MaxTokens())
}

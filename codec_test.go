package cobase

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOrderedRoundTrip(t *testing.T) {
	values := []any{int64(0), int64(1), int64(-1), int64(9223372036854775807), int64(-9223372036854775808), "", "hello", "a\x00b"}
	for _, v := range values {
		enc, err := EncodeOrdered(v)
		require.NoError(t, err)
		dec, rest, err := DecodeOrdered(enc)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, v, dec)
	}
}

func TestEncodeOrderedPreservesNumericOrder(t *testing.T) {
	ints := []int64{-100, -1, 0, 1, 2, 100, 1 << 40}
	encoded := make([][]byte, len(ints))
	for i, v := range ints {
		enc, err := EncodeOrdered(v)
		require.NoError(t, err)
		encoded[i] = enc
	}
	assert.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return string(encoded[i]) < string(encoded[j])
	}))
}

func TestEncodeOrderedPreservesStringOrder(t *testing.T) {
	strs := []string{"a", "aa", "ab", "b", "ba"}
	encoded := make([][]byte, len(strs))
	for i, v := range strs {
		enc, err := EncodeOrdered(v)
		require.NoError(t, err)
		encoded[i] = enc
	}
	assert.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return string(encoded[i]) < string(encoded[j])
	}))
}

func TestEncodeOrderedUnsupportedType(t *testing.T) {
	_, err := EncodeOrdered(3.14)
	assert.Error(t, err)
}

func TestEncodeIndexEntryKeyRoundTrip(t *testing.T) {
	key, err := EncodeIndexEntryKey("some-key", int64(42))
	require.NoError(t, err)
	indexKey, sourceID, err := DecodeIndexEntryKey(key)
	require.NoError(t, err)
	assert.Equal(t, "some-key", indexKey)
	assert.Equal(t, int64(42), sourceID)
}

func TestEncodeIndexEntryKeySurvivesSeparatorByteInString(t *testing.T) {
	// The index key's own string content may contain the byte the
	// composite key uses as its separator; the self-terminating string
	// encoding must still let DecodeIndexEntryKey find the true separator.
	tricky := string([]byte{0x1E, 0x1F, 0x00})
	key, err := EncodeIndexEntryKey(tricky, "src")
	require.NoError(t, err)
	indexKey, sourceID, err := DecodeIndexEntryKey(key)
	require.NoError(t, err)
	assert.Equal(t, tricky, indexKey)
	assert.Equal(t, "src", sourceID)
}

func TestIndexKeyPrefixRangeOrdersBySourceID(t *testing.T) {
	gte, lt, err := IndexKeyPrefixRange("k")
	require.NoError(t, err)

	k1, err := EncodeIndexEntryKey("k", int64(1))
	require.NoError(t, err)
	k2, err := EncodeIndexEntryKey("k", int64(2))
	require.NoError(t, err)
	other, err := EncodeIndexEntryKey("other", int64(1))
	require.NoError(t, err)

	assert.True(t, string(gte) <= string(k1))
	assert.True(t, string(k1) < string(k2))
	assert.True(t, string(k2) < string(lt))
	assert.True(t, string(other) >= string(lt) || string(other) < string(gte))
}

func TestDecodeOrderedEmptyInput(t *testing.T) {
	_, _, err := DecodeOrdered(nil)
	assert.Error(t, err)
}

package cobase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahamid/cobase/cobase_errors"
)

func TestStringIDRejectsEmpty(t *testing.T) {
	_, err := StringID("")
	assert.ErrorIs(t, err, cobase_errors.ErrBadId)
}

func TestStringIDRejectsPositiveIntegerLooking(t *testing.T) {
	for _, s := range []string{"1", "42", "9223372036854775807", "01"} {
		_, err := StringID(s)
		assert.Error(t, err, "expected %q to be rejected as a string id", s)
	}
}

func TestStringIDAcceptsNonNumericStrings(t *testing.T) {
	for _, s := range []string{"abc", "-1", "0x1", "1.5"} {
		id, err := StringID(s)
		require.NoError(t, err, "expected %q to be accepted", s)
		assert.Equal(t, s, id.String())
	}
}

func TestIntIDRoundTrip(t *testing.T) {
	id := IntID(42)
	assert.True(t, id.IsInt())
	assert.Equal(t, "42", id.String())
	assert.Equal(t, int64(42), id.Scalar())
}

func TestParseIDRoundTripsBothKinds(t *testing.T) {
	num := IntID(7)
	assert.Equal(t, num, ParseID(num.String()))

	str, err := StringID("widget")
	require.NoError(t, err)
	assert.Equal(t, str, ParseID(str.String()))
}

func TestIDKeyPreservesOrderAcrossIntegers(t *testing.T) {
	a := IntID(1).Key()
	b := IntID(2).Key()
	c := IntID(1000).Key()
	assert.True(t, string(a) < string(b))
	assert.True(t, string(b) < string(c))
}

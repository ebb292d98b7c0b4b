package arid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	s := id.String()
	assert.Len(t, s, EncodedLen)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Equal(t, s, parsed.String())
}

func TestZeroValueIsAllZeroID(t *testing.T) {
	var unset ID
	assert.True(t, unset.IsZero())

	zero, err := FromBytes(make([]byte, Size))
	require.NoError(t, err)
	assert.Equal(t, unset, zero)
	assert.True(t, zero.IsZero())
}

func TestParseRejectsBadLength(t *testing.T) {
	_, err := Parse("too-short")
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestTextMarshalRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	text, err := id.MarshalText()
	require.NoError(t, err)

	var got ID
	require.NoError(t, got.UnmarshalText(text))
	assert.Equal(t, id, got)
}

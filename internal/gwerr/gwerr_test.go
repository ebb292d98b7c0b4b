package gwerr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NotFound("chunkstore.Get", cause)

	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindInvalidRange))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "chunkstore.Get")
	assert.Contains(t, err.Error(), "boom")
}

func TestKindOfUnknownForPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:           http.StatusNotFound,
		KindChunkNotFound:      http.StatusNotFound,
		KindInvalidRange:       http.StatusRequestedRangeNotSatisfiable,
		KindInvalidBundle:      http.StatusBadGateway,
		KindInvalidMerkleProof: http.StatusBadGateway,
		KindQueueFull:          http.StatusTooManyRequests,
		KindCancelled:          499,
		KindUnknown:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), kind.String())
	}
}

func TestNilCauseStillFormats(t *testing.T) {
	err := TraversalCycle("parentchain.Resolve", nil)
	assert.Nil(t, err.Unwrap())
	assert.Contains(t, err.Error(), "TraversalCycle")
}

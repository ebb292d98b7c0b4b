package contiguous

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/gateway-node/arid"
)

func TestPutGetByID(t *testing.T) {
	s := New(TTLPolicy{Default: time.Hour})
	id := arid.MustParse("----LT69qUmuIeC4qb0MZHlxVp7UxLu_14rEkA_9n6w")
	now := time.Unix(1000, 0)
	hash := [32]byte{1, 2, 3}
	s.Put(now, id, nil, "", []byte("hello"), Entry{Hash: hash, Size: 5})

	data, entry, ok := s.GetByID(now, id)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)
	require.Equal(t, int64(5), entry.Size)
}

func TestCleanupEvictsPastTTL(t *testing.T) {
	s := New(TTLPolicy{Default: time.Minute})
	id := arid.MustParse("----LT69qUmuIeC4qb0MZHlxVp7UxLu_14rEkA_9n6w")
	start := time.Unix(1000, 0)
	s.Put(start, id, nil, "", []byte("x"), Entry{Hash: [32]byte{9}})

	evicted := s.Cleanup(start.Add(30 * time.Second))
	require.Equal(t, 0, evicted)
	require.Equal(t, 1, s.Len())

	evicted = s.Cleanup(start.Add(2 * time.Minute))
	require.Equal(t, 1, evicted)
	require.Equal(t, 0, s.Len())

	_, _, ok := s.GetByID(start, id)
	require.False(t, ok)
}

func TestPreferredArNSNameGetsLongerTTL(t *testing.T) {
	s := New(TTLPolicy{
		Default:   time.Minute,
		Preferred: map[string]time.Duration{"my-name": 24 * time.Hour},
	})
	id := arid.MustParse("----LT69qUmuIeC4qb0MZHlxVp7UxLu_14rEkA_9n6w")
	start := time.Unix(1000, 0)
	s.Put(start, id, nil, "my-name", []byte("x"), Entry{Hash: [32]byte{1}})

	// Past the default TTL but well within the preferred-name TTL.
	evicted := s.Cleanup(start.Add(2 * time.Minute))
	require.Equal(t, 0, evicted)
}

func TestGetByDataRootAndMarkVerified(t *testing.T) {
	s := New(TTLPolicy{Default: time.Hour})
	id := arid.MustParse("----LT69qUmuIeC4qb0MZHlxVp7UxLu_14rEkA_9n6w")
	now := time.Unix(1000, 0)
	hash := [32]byte{5}
	root := [32]byte{6}
	s.Put(now, id, &root, "", []byte("payload"), Entry{Hash: hash, Verified: false})

	data, entry, ok := s.GetByDataRoot(now, root)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), data)
	require.False(t, entry.Verified)

	s.MarkVerified(hash)
	_, entry, ok = s.GetByDataRoot(now, root)
	require.True(t, ok)
	require.True(t, entry.Verified)
}

package chunkstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ar-io/gateway-node/arid"
)

func TestDataStorePutGet(t *testing.T) {
	store, err := NewDataStore(16, time.Hour)
	require.NoError(t, err)

	dataRoot, err := arid.New()
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	c := Chunk{DataRoot: dataRoot, RelativeOffset: 0, Data: []byte("chunk bytes")}
	store.Put(now, c)

	got, ok := store.Get(now, dataRoot, 0)
	require.True(t, ok)
	assert.Equal(t, c.Data, got.Data)

	_, ok = store.Get(now, dataRoot, 1)
	assert.False(t, ok)
}

func TestDataStoreCleanupEvictsExpired(t *testing.T) {
	store, err := NewDataStore(16, time.Minute)
	require.NoError(t, err)

	dataRoot, err := arid.New()
	require.NoError(t, err)

	start := time.Unix(1000, 0)
	store.Put(start, Chunk{DataRoot: dataRoot, RelativeOffset: 0})

	evicted := store.Cleanup(start.Add(30 * time.Second))
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 1, store.Len())

	evicted = store.Cleanup(start.Add(2 * time.Minute))
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, store.Len())
}

func TestDataStoreGetRefreshesTTL(t *testing.T) {
	store, err := NewDataStore(16, time.Minute)
	require.NoError(t, err)

	dataRoot, err := arid.New()
	require.NoError(t, err)

	start := time.Unix(1000, 0)
	store.Put(start, Chunk{DataRoot: dataRoot, RelativeOffset: 0})

	_, ok := store.Get(start.Add(50*time.Second), dataRoot, 0)
	require.True(t, ok)

	evicted := store.Cleanup(start.Add(70 * time.Second))
	assert.Equal(t, 0, evicted, "Get should have refreshed lastRequestAt")
}

func TestMetadataStorePutGetCleanup(t *testing.T) {
	store, err := NewMetadataStore(16, time.Minute)
	require.NoError(t, err)

	now := time.Unix(2000, 0)
	store.Put(now, 123456, Chunk{Hash: [32]byte{1, 2, 3}})

	got, ok := store.Get(now, 123456)
	require.True(t, ok)
	assert.Equal(t, [32]byte{1, 2, 3}, got.Hash)

	evicted := store.Cleanup(now.Add(2 * time.Minute))
	assert.Equal(t, 1, evicted)
}

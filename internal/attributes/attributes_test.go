package attributes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/gateway-node/arid"
)

func mustID(t *testing.T, b byte) arid.ID {
	t.Helper()
	var raw [32]byte
	raw[0] = b
	id, err := arid.FromBytes(raw[:])
	require.NoError(t, err)
	return id
}

func TestMemoryGetNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), mustID(t, 1))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPutGetRoundtrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := mustID(t, 1)
	row := Row{ID: id, Size: 500, DataOffset: 1185}
	require.NoError(t, m.Put(ctx, row))

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, row.Size, got.Size)
	require.Equal(t, row.DataOffset, got.DataOffset)
}

func TestSetRootOnceThenNoop(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := mustID(t, 1)
	require.NoError(t, m.Put(ctx, Row{ID: id}))

	root := mustID(t, 2)
	require.NoError(t, m.SetRoot(ctx, id, root, 0, 0))

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, got.HasRoot)
	require.Equal(t, root, got.RootTransactionID)
	require.Equal(t, int64(0), got.RootDataItemOffset)

	// Second call is a no-op: a different root must not overwrite the first.
	other := mustID(t, 3)
	require.NoError(t, m.SetRoot(ctx, id, other, 99, 99))
	got, err = m.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, root, got.RootTransactionID)
}

func TestSetVerifiedMonotonic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := mustID(t, 1)
	require.NoError(t, m.Put(ctx, Row{ID: id}))
	require.NoError(t, m.SetVerified(ctx, id))

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, got.Verified)
}

func TestPutPreservesRootHashVerified(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := mustID(t, 1)
	require.NoError(t, m.Put(ctx, Row{ID: id}))
	require.NoError(t, m.SetRoot(ctx, id, mustID(t, 2), 1, 2))
	require.NoError(t, m.SetVerified(ctx, id))

	// Re-indexing the structural row must not wipe the computed fields.
	require.NoError(t, m.Put(ctx, Row{ID: id, Size: 123}))
	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, got.HasRoot)
	require.True(t, got.Verified)
	require.Equal(t, int64(123), got.Size)
}

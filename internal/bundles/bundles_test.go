package bundles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/gateway-node/arid"
)

func id(b byte) arid.ID {
	var raw [32]byte
	raw[0] = b
	v, _ := arid.FromBytes(raw[:])
	return v
}

func TestLifecycleTimestamps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	bid := id(1)
	require.NoError(t, m.Upsert(ctx, Record{ID: bid, RootTransactionID: bid, State: StateNew}))

	t0 := time.Unix(1000, 0)
	require.NoError(t, m.Transition(ctx, bid, StateQueued, t0))
	rec, err := m.Get(ctx, bid)
	require.NoError(t, err)
	require.Equal(t, t0, rec.FirstQueuedAt)
	require.Equal(t, t0, rec.LastQueuedAt)

	// A re-queue moves lastQueuedAt but not firstQueuedAt.
	t1 := t0.Add(time.Minute)
	require.NoError(t, m.Transition(ctx, bid, StateQueued, t1))
	rec, _ = m.Get(ctx, bid)
	require.Equal(t, t0, rec.FirstQueuedAt)
	require.Equal(t, t1, rec.LastQueuedAt)

	require.NoError(t, m.Transition(ctx, bid, StateDownloading, t1))
	rec, _ = m.Get(ctx, bid)
	require.Equal(t, 1, rec.ImportAttemptCount)

	require.NoError(t, m.Transition(ctx, bid, StateUnbundling, t1))
	require.NoError(t, m.Transition(ctx, bid, StateIndexed, t1))
	rec, _ = m.Get(ctx, bid)
	require.Equal(t, StateIndexed, rec.State)
	require.Equal(t, t1, rec.FirstUnbundledAt)
	require.Equal(t, t1, rec.FirstFullyIndexedAt)
}

func TestInStateOrdersOldestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := byte(1); i <= 3; i++ {
		bid := id(i)
		require.NoError(t, m.Upsert(ctx, Record{ID: bid, RootTransactionID: bid, State: StateNew}))
		require.NoError(t, m.Transition(ctx, bid, StateFailed, time.Unix(int64(100-i), 0)))
	}
	recs, err := m.InState(ctx, 2, StateFailed)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, id(3), recs[0].ID)
	require.Equal(t, id(2), recs[1].ID)
}

func TestDataItemsRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	bid := id(1)
	require.NoError(t, m.Upsert(ctx, Record{ID: bid, RootTransactionID: bid, State: StateIndexed}))

	items := []NormalizedDataItem{
		{ID: id(2), ParentID: bid, RootTransactionID: bid, Offset: 100, DataOffset: 1185, Size: 500},
	}
	require.NoError(t, m.PutDataItems(ctx, bid, items))

	got, err := m.DataItems(ctx, bid)
	require.NoError(t, err)
	require.Equal(t, items, got)

	rec, _ := m.Get(ctx, bid)
	require.Equal(t, 1, rec.MatchedDataItemCount)
}

package verification

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/internal/attributes"
	"github.com/ar-io/gateway-node/internal/bundles"
	"github.com/ar-io/gateway-node/internal/gwlog"
	"github.com/ar-io/gateway-node/internal/merkle"
)

func id(b byte) arid.ID {
	var raw [32]byte
	raw[0] = b
	v, _ := arid.FromBytes(raw[:])
	return v
}

type stubPayload struct {
	payloads map[arid.ID][]byte
}

func (s *stubPayload) FetchPayload(_ context.Context, id arid.ID) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.payloads[id])), nil
}

func seed(t *testing.T, store bundles.Store, attrs attributes.Store, bundleID arid.ID, payload []byte, trustedRoot []byte, itemIDs ...arid.ID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, bundles.Record{
		ID: bundleID, RootTransactionID: bundleID,
		State: bundles.StateIndexed, DataRootTrusted: trustedRoot,
	}))
	var items []bundles.NormalizedDataItem
	for _, iid := range itemIDs {
		items = append(items, bundles.NormalizedDataItem{ID: iid, ParentID: bundleID, RootTransactionID: bundleID})
		require.NoError(t, attrs.Put(ctx, attributes.Row{ID: iid, ParentID: bundleID, HasParent: true}))
	}
	require.NoError(t, store.PutDataItems(ctx, bundleID, items))
}

func TestVerifyFlipsBundleAndDescendants(t *testing.T) {
	ctx := context.Background()
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	tree, err := merkle.BuildTree(payload)
	require.NoError(t, err)

	bundleID, itemA, itemB := id(1), id(2), id(3)
	store := bundles.NewMemory()
	attrs := attributes.NewMemory()
	seed(t, store, attrs, bundleID, payload, tree.DataRoot, itemA, itemB)

	w := New(gwlog.Nop(), store, attrs, &stubPayload{
		payloads: map[arid.ID][]byte{bundleID: payload},
	})

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := store.Get(ctx, bundleID)
	require.NoError(t, err)
	require.True(t, rec.Verified)

	for _, iid := range []arid.ID{itemA, itemB} {
		row, err := attrs.Get(ctx, iid)
		require.NoError(t, err)
		require.True(t, row.Verified)
	}
}

func TestMismatchCountsRetryAndLeavesUnverified(t *testing.T) {
	ctx := context.Background()
	payload := []byte("actual bundle payload bytes")
	wrongRoot := make([]byte, 32) // not the payload's data root

	bundleID := id(1)
	store := bundles.NewMemory()
	attrs := attributes.NewMemory()
	seed(t, store, attrs, bundleID, payload, wrongRoot, id(2))

	w := New(gwlog.Nop(), store, attrs, &stubPayload{
		payloads: map[arid.ID][]byte{bundleID: payload},
	})

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	rec, err := store.Get(ctx, bundleID)
	require.NoError(t, err)
	require.False(t, rec.Verified)
	require.Equal(t, 1, rec.RetryCount)

	row, err := attrs.Get(ctx, id(2))
	require.NoError(t, err)
	require.False(t, row.Verified)
}

func TestRetryCapStopsVerification(t *testing.T) {
	ctx := context.Background()
	payload := []byte("payload")
	bundleID := id(1)
	store := bundles.NewMemory()
	attrs := attributes.NewMemory()
	seed(t, store, attrs, bundleID, payload, make([]byte, 32))

	w := New(gwlog.Nop(), store, attrs, &stubPayload{
		payloads: map[arid.ID][]byte{bundleID: payload},
	})
	w.MaxRetries = 2

	for i := 0; i < 5; i++ {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
	}
	rec, err := store.Get(ctx, bundleID)
	require.NoError(t, err)
	// Two real attempts, then the cap excludes the bundle from passes.
	require.Equal(t, 2, rec.RetryCount)
}

func TestPreferredBundlesSortFirst(t *testing.T) {
	preferred := id(9)
	recs := []bundles.Record{
		{ID: id(1), RetryCount: 0},
		{ID: preferred, RetryCount: 3},
		{ID: id(2), RetryCount: 1},
	}
	sortCandidates(recs, func(x arid.ID) bool { return x == preferred })
	require.Equal(t, preferred, recs[0].ID)
	require.Equal(t, id(1), recs[1].ID)
	require.Equal(t, id(2), recs[2].ID)
}

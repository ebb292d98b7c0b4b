package unbundling

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/crypto"
	"github.com/ar-io/gateway-node/internal/attributes"
	"github.com/ar-io/gateway-node/internal/bundle"
	"github.com/ar-io/gateway-node/internal/bundles"
	"github.com/ar-io/gateway-node/internal/filter"
	"github.com/ar-io/gateway-node/internal/gwerr"
	"github.com/ar-io/gateway-node/internal/gwlog"
)

func id(b byte) arid.ID {
	var raw [32]byte
	raw[0] = b
	v, _ := arid.FromBytes(raw[:])
	return v
}

// buildItem assembles raw ANS-104 data item bytes with an Arweave-type
// signature header, no target, no anchor, and no tags.
func buildItem(sigFill byte, data []byte) (raw []byte, itemID arid.ID) {
	sig := make([]byte, 512)
	for i := range sig {
		sig[i] = sigFill
	}
	owner := make([]byte, 512)

	raw = make([]byte, 0, 2+512+512+2+16+len(data))
	raw = append(raw, 1, 0) // signature type 1, little-endian
	raw = append(raw, sig...)
	raw = append(raw, owner...)
	raw = append(raw, 0) // no target
	raw = append(raw, 0) // no anchor
	counts := make([]byte, 16)
	raw = append(raw, counts...) // zero tags, zero tag bytes
	raw = append(raw, data...)

	itemID, _ = arid.FromBytes(crypto.SHA256(sig))
	return raw, itemID
}

// buildBundle wraps items into a container.
func buildBundle(items ...[]byte) []byte {
	count := make([]byte, 32)
	binary.LittleEndian.PutUint64(count[:8], uint64(len(items)))
	out := append([]byte(nil), count...)
	for _, item := range items {
		size := make([]byte, 32)
		binary.LittleEndian.PutUint64(size[:8], uint64(len(item)))
		out = append(out, size...)
		itemID, _ := arid.FromBytes(crypto.SHA256(item[2 : 2+512]))
		out = append(out, itemID.Bytes()...)
	}
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

type stubFetcher struct {
	payloads map[arid.ID][]byte
}

func (f *stubFetcher) FetchBundle(_ context.Context, id arid.ID) ([]byte, error) {
	return f.payloads[id], nil
}

func always(t *testing.T) filter.Filter {
	t.Helper()
	f, err := filter.Parse(`{"always":true}`)
	require.NoError(t, err)
	return f
}

func newPipeline(t *testing.T, cfg Config, fetch BundleFetcher, store bundles.Store, attrs attributes.Store) *Pipeline {
	t.Helper()
	p, err := New(gwlog.Nop(), cfg, store, attrs, fetch, always(t), always(t))
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return p
}

func TestPipelineIndexesBundle(t *testing.T) {
	item1, id1 := buildItem(0xAA, []byte("first payload"))
	item2, id2 := buildItem(0xBB, []byte("second"))
	container := buildBundle(item1, item2)

	// Sanity: the container parses with the codec the pipeline uses.
	parsed, err := bundle.Parse(container)
	require.NoError(t, err)
	require.Len(t, parsed.Entries, 2)

	bundleID := id(1)
	store := bundles.NewMemory()
	attrs := attributes.NewMemory()
	p := newPipeline(t, DefaultConfig(), &stubFetcher{
		payloads: map[arid.ID][]byte{bundleID: container},
	}, store, attrs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.Enqueue(ctx, Job{ID: bundleID, Height: 1234}))

	require.Eventually(t, func() bool {
		rec, err := store.Get(ctx, bundleID)
		return err == nil && rec.State == bundles.StateIndexed
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := store.Get(ctx, bundleID)
	require.NoError(t, err)
	require.Equal(t, 2, rec.DataItemCount)
	require.Equal(t, 2, rec.MatchedDataItemCount)

	items, err := store.DataItems(ctx, bundleID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, id1, items[0].ID)
	require.Equal(t, id2, items[1].ID)
	require.Equal(t, int64(len("first payload")), items[0].Size)
	// Offsets place the first item right after the header section.
	require.Equal(t, int64(32+64*2), items[0].Offset)
	require.Equal(t, items[0].Offset+int64(len(item1)-len("first payload")), items[0].DataOffset)

	// Attributes rows exist for the resolver to walk.
	row, err := attrs.Get(ctx, id1)
	require.NoError(t, err)
	require.True(t, row.HasParent)
	require.Equal(t, bundleID, row.ParentID)
	require.Equal(t, int64(1234), items[0].Height)
}

func TestPipelineMarksInvalidBundleFailed(t *testing.T) {
	bundleID := id(1)
	store := bundles.NewMemory()
	p := newPipeline(t, DefaultConfig(), &stubFetcher{
		payloads: map[arid.ID][]byte{bundleID: []byte("not a bundle")},
	}, store, attributes.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.Enqueue(ctx, Job{ID: bundleID}))
	require.Eventually(t, func() bool {
		rec, err := store.Get(ctx, bundleID)
		return err == nil && rec.State == bundles.StateFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEnqueueBackPressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	store := bundles.NewMemory()
	p := newPipeline(t, cfg, &stubFetcher{}, store, attributes.NewMemory())

	ctx := context.Background()
	require.NoError(t, p.Enqueue(ctx, Job{ID: id(1)}))
	err := p.Enqueue(ctx, Job{ID: id(2)})
	require.True(t, gwerr.Is(err, gwerr.KindQueueFull))
}

func TestRepairRequeuesAndDrops(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	store := bundles.NewMemory()
	p := newPipeline(t, cfg, &stubFetcher{}, store, attributes.NewMemory())

	retryable := id(1)
	exhausted := id(2)
	require.NoError(t, store.Upsert(ctx, bundles.Record{
		ID: retryable, RootTransactionID: retryable,
		State: bundles.StateFailed, ImportAttemptCount: 1,
	}))
	require.NoError(t, store.Upsert(ctx, bundles.Record{
		ID: exhausted, RootTransactionID: exhausted,
		State: bundles.StateFailed, ImportAttemptCount: 3,
	}))

	requeued, dropped, err := p.Repair(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
	require.Equal(t, 1, dropped)

	rec, _ := store.Get(ctx, retryable)
	require.Equal(t, bundles.StateQueued, rec.State)
	rec, _ = store.Get(ctx, exhausted)
	require.Equal(t, bundles.StateSkipped, rec.State)
}

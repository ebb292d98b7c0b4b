// Package parentchain implements the root-parent data source: given a
// data-item id, walk its parentId chain through the attributes store to
// (rootTransactionId, rootDataItemOffset, rootDataOffset), per spec.md
// §4.4. Grounded on the teacher's absence of any such concept (goar never
// resolves nested bundles) combined with AKJUS-bsc-erigon's
// golang.org/x/sync/singleflight usage pattern for coalescing concurrent
// fan-out onto one computation, adapted here to coalesce concurrent
// traversals of the same id rather than concurrent block fetches.
package parentchain

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/internal/attributes"
	"github.com/ar-io/gateway-node/internal/gwerr"
)

// LegacyIndex is the fallback side index spec.md §4.4 describes for when
// attributes are missing mid-chain: an explicit id->rootTxId index plus an
// ANS-104 offset source that parses the containing bundle directly.
type LegacyIndex interface {
	// RootTransactionID returns the root tx id for a data item, from a side
	// index built independently of the attributes store's parentId chain.
	RootTransactionID(ctx context.Context, id arid.ID) (arid.ID, error)
	// Offsets returns the header/payload offsets of id within root, parsed
	// directly from the bundle's ANS-104 header.
	Offsets(ctx context.Context, root, id arid.ID) (headerOffset, dataOffset int64, err error)
}

// Root is the absolute roll-up produced by traversal.
type Root struct {
	RootTransactionID  arid.ID
	RootDataItemOffset int64
	RootDataOffset     int64
}

// Resolver walks the attributes store's parentId chain to a root
// transaction, caching the result per spec.md §3's "compute once, persist"
// rule and coalescing concurrent callers for the same id.
type Resolver struct {
	attrs            attributes.Store
	legacy           LegacyIndex
	fallbackToLegacy bool
	group            singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLegacyIndex enables the legacy fallback path for incomplete chains.
func WithLegacyIndex(idx LegacyIndex) Option {
	return func(r *Resolver) {
		r.legacy = idx
		r.fallbackToLegacy = true
	}
}

// New builds a Resolver over the given attributes store.
func New(attrs attributes.Store, opts ...Option) *Resolver {
	r := &Resolver{attrs: attrs}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the root transaction and absolute offsets for id,
// computing and persisting them on first call and returning the cached
// value thereafter. Implements the traverseToRoot algorithm of spec.md
// §4.4, including the self-referential-root and target-offset-not-
// double-counted edge cases.
func (r *Resolver) Resolve(ctx context.Context, id arid.ID) (Root, error) {
	v, err, _ := r.group.Do(id.String(), func() (interface{}, error) {
		return r.resolve(ctx, id)
	})
	if err != nil {
		return Root{}, err
	}
	return v.(Root), nil
}

func (r *Resolver) resolve(ctx context.Context, id arid.ID) (Root, error) {
	a, err := r.attrs.Get(ctx, id)
	if err != nil {
		return Root{}, fmt.Errorf("parentchain: attributes(%s): %w", id, err)
	}
	if a.HasRoot {
		return Root{
			RootTransactionID:  a.RootTransactionID,
			RootDataItemOffset: a.RootDataItemOffset,
			RootDataOffset:     a.RootDataOffset,
		}, nil
	}

	// Self-referential root: a base-layer transaction's own attributes row
	// either has no parent, or names itself as its parent. Either way the
	// payload starts where the tx body starts.
	if !a.HasParent || a.ParentID == id {
		root := Root{RootTransactionID: id, RootDataItemOffset: 0, RootDataOffset: 0}
		if err := r.attrs.SetRoot(ctx, id, root.RootTransactionID, root.RootDataItemOffset, root.RootDataOffset); err != nil {
			return Root{}, err
		}
		return root, nil
	}

	visited := map[arid.ID]struct{}{id: {}}
	cur := id
	curRow := a
	var ancestorPayloadAcc int64

	for curRow.HasParent && curRow.ParentID != cur {
		if _, seen := visited[curRow.ParentID]; seen {
			return r.handleCycle(ctx, id)
		}
		visited[curRow.ParentID] = struct{}{}

		parentRow, err := r.attrs.Get(ctx, curRow.ParentID)
		if err != nil {
			if r.fallbackToLegacy {
				return r.resolveLegacy(ctx, id)
			}
			return Root{}, gwerr.TraversalIncomplete("parentchain.resolve", fmt.Errorf("missing attributes for ancestor %s of %s", curRow.ParentID, id))
		}

		ancestorPayloadAcc += parentRow.DataOffset
		cur = curRow.ParentID
		curRow = parentRow
	}

	root := Root{
		RootTransactionID:  cur,
		RootDataItemOffset: ancestorPayloadAcc + a.Offset,
		RootDataOffset:     ancestorPayloadAcc + a.DataOffset,
	}
	if err := r.attrs.SetRoot(ctx, id, root.RootTransactionID, root.RootDataItemOffset, root.RootDataOffset); err != nil {
		return Root{}, err
	}
	return root, nil
}

func (r *Resolver) handleCycle(ctx context.Context, id arid.ID) (Root, error) {
	if r.fallbackToLegacy {
		return r.resolveLegacy(ctx, id)
	}
	return Root{}, gwerr.TraversalCycle("parentchain.resolve", fmt.Errorf("cycle detected reaching %s", id))
}

func (r *Resolver) resolveLegacy(ctx context.Context, id arid.ID) (Root, error) {
	if r.legacy == nil {
		return Root{}, gwerr.TraversalIncomplete("parentchain.resolveLegacy", fmt.Errorf("no legacy index configured for %s", id))
	}
	rootTxID, err := r.legacy.RootTransactionID(ctx, id)
	if err != nil {
		return Root{}, gwerr.TraversalIncomplete("parentchain.resolveLegacy", err)
	}
	headerOffset, dataOffset, err := r.legacy.Offsets(ctx, rootTxID, id)
	if err != nil {
		return Root{}, gwerr.TraversalIncomplete("parentchain.resolveLegacy", err)
	}
	root := Root{RootTransactionID: rootTxID, RootDataItemOffset: headerOffset, RootDataOffset: dataOffset}
	if err := r.attrs.SetRoot(ctx, id, root.RootTransactionID, root.RootDataItemOffset, root.RootDataOffset); err != nil {
		return Root{}, err
	}
	return root, nil
}

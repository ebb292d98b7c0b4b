// Package attributes is the façade over the persisted mapping
// id -> {parentId, size, offset, dataOffset, rootTransactionId?,
// rootDataItemOffset?, rootDataOffset?, contentType?, hash?, verified}
// spec.md §3 describes. It is the attributes store the parent-chain
// resolver (internal/parentchain) walks and the verification worker
// (internal/verification) flips verified bits on.
//
// Grounded on the teacher's plain-struct-plus-mutex style (no repo in the
// pack has a dedicated "attributes" concept; the closest analog is the
// teacher's own NormalizedDataItem-shaped types in
// transaction/data_item/types.go, generalized here into a row that also
// carries the absolute roll-ups spec.md §3 wants cached).
package attributes

import (
	"context"
	"errors"
	"sync"

	"github.com/ar-io/gateway-node/arid"
)

// ErrNotFound is returned when no attributes row exists for an id.
var ErrNotFound = errors.New("attributes: not found")

// Row is one id's attributes. ParentID.IsZero() means "no parent" (the id
// names a base-layer transaction). RootTransactionID/RootDataItemOffset/
// RootDataOffset are unset until the parent-chain resolver computes them
// once; HasRoot distinguishes "computed as zero" from "never computed",
// since a zero rootDataItemOffset is a valid value (spec.md §3,
// "Zero-offset items ... must be distinct from unset").
type Row struct {
	ID       arid.ID
	ParentID arid.ID
	HasParent bool

	Offset     int64 // header start, relative to the enclosing container's payload
	DataOffset int64 // payload start, relative to the enclosing container's payload
	Size       int64

	HasRoot            bool
	RootTransactionID  arid.ID
	RootDataItemOffset int64
	RootDataOffset     int64

	ContentType string
	HasHash     bool
	Hash        [32]byte

	Verified bool
}

// Store is the read/write contract the parent-chain resolver and
// verification worker depend on. Implementations: Memory (this file) and
// internal/storesql.SQLAttributes.
type Store interface {
	// Get returns the attributes row for id, or ErrNotFound.
	Get(ctx context.Context, id arid.ID) (Row, error)

	// SetRoot persists the computed absolute roll-up for id, once. Per
	// spec.md §3 ("set once on first successful traversal and never
	// mutated"), a second call for the same id is a no-op returning nil:
	// losing writers in a concurrent-traversal race simply discard their
	// computation, matching spec.md §5's "concurrent writers coalesce."
	SetRoot(ctx context.Context, id arid.ID, rootTxID arid.ID, rootDataItemOffset, rootDataOffset int64) error

	// SetHash persists the content hash for id on first computation.
	SetHash(ctx context.Context, id arid.ID, hash [32]byte) error

	// SetVerified flips verified to true. Per spec.md §3 this transition is
	// monotonic (false->true only); setting an already-verified row is a
	// no-op.
	SetVerified(ctx context.Context, id arid.ID) error

	// Put inserts or overwrites the structural fields of a row (parent,
	// offsets, size, content type) — used by the unbundling indexer when a
	// data item is first observed. Put never touches Root*/Hash/Verified
	// fields of an existing row.
	Put(ctx context.Context, row Row) error
}

// Memory is an in-memory, mutex-guarded Store, used by default and by
// tests. Mirrors the teacher's preference for simple concrete structs
// with a sync.Mutex over anything heavier for in-process state.
type Memory struct {
	mu   sync.RWMutex
	rows map[arid.ID]Row
}

// NewMemory builds an empty in-memory attributes store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[arid.ID]Row)}
}

func (m *Memory) Get(_ context.Context, id arid.ID) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return Row{}, ErrNotFound
	}
	return row, nil
}

func (m *Memory) Put(_ context.Context, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rows[row.ID]
	if ok {
		// Preserve fields owned exclusively by SetRoot/SetHash/SetVerified.
		row.HasRoot = existing.HasRoot
		row.RootTransactionID = existing.RootTransactionID
		row.RootDataItemOffset = existing.RootDataItemOffset
		row.RootDataOffset = existing.RootDataOffset
		row.HasHash = existing.HasHash
		row.Hash = existing.Hash
		row.Verified = existing.Verified
	}
	m.rows[row.ID] = row
	return nil
}

func (m *Memory) SetRoot(_ context.Context, id, rootTxID arid.ID, rootDataItemOffset, rootDataOffset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if row.HasRoot {
		return nil
	}
	row.HasRoot = true
	row.RootTransactionID = rootTxID
	row.RootDataItemOffset = rootDataItemOffset
	row.RootDataOffset = rootDataOffset
	m.rows[id] = row
	return nil
}

func (m *Memory) SetHash(_ context.Context, id arid.ID, hash [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if row.HasHash {
		return nil
	}
	row.HasHash = true
	row.Hash = hash
	m.rows[id] = row
	return nil
}

func (m *Memory) SetVerified(_ context.Context, id arid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	row.Verified = true
	m.rows[id] = row
	return nil
}

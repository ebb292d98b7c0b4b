// Package bundles owns the bundles database: one row per bundle id
// tracking the unbundling lifecycle (NEW -> QUEUED -> DOWNLOADING ->
// UNBUNDLING -> INDEXED, with SKIPPED and FAILED exits and bounded
// retry), plus the normalized data-item rows indexing produces.
//
// Grounded on the teacher's plain-struct-plus-mutex store idiom
// (internal/attributes follows the same shape); the SQL-backed
// implementation lives in internal/storesql.
package bundles

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/tag"
)

// ErrNotFound is returned when no row exists for a bundle id.
var ErrNotFound = errors.New("bundles: not found")

// State is a bundle's position in the unbundling lifecycle.
type State string

const (
	StateNew         State = "NEW"
	StateQueued      State = "QUEUED"
	StateDownloading State = "DOWNLOADING"
	StateUnbundling  State = "UNBUNDLING"
	StateIndexed     State = "INDEXED"
	StateSkipped     State = "SKIPPED"
	StateFailed      State = "FAILED"
)

// Record is one bundle's row.
type Record struct {
	ID                arid.ID
	RootTransactionID arid.ID
	State             State

	FirstQueuedAt       time.Time
	LastQueuedAt        time.Time
	FirstSkippedAt      time.Time
	FirstUnbundledAt    time.Time
	FirstFullyIndexedAt time.Time
	LastStateAt         time.Time

	ImportAttemptCount   int
	MatchedDataItemCount int
	DataItemCount        int

	// DataRootTrusted is the chain-claimed data root for the bundle's
	// payload, recorded at queue time so the verification worker can
	// compare against its own recomputation.
	DataRootTrusted []byte
	Verified        bool
	RetryCount      int
}

// NormalizedDataItem is the indexed form of one contained data item,
// per the data model: signature and owner are referenced by offset into
// the enclosing bundle rather than duplicated.
type NormalizedDataItem struct {
	ID                arid.ID
	ParentID          arid.ID
	RootTransactionID arid.ID
	Height            int64
	SignatureType     int
	SignatureOffset   int64
	SignatureSize     int64
	OwnerOffset       int64
	OwnerSize         int64
	Target            string
	Anchor            string
	Tags              []tag.Tag
	ContentType       string
	// Offset/DataOffset/Size place the item within its parent's payload.
	Offset     int64
	DataOffset int64
	Size       int64
	IndexedAt  time.Time
}

// Store is the bundles DB contract.
type Store interface {
	Get(ctx context.Context, id arid.ID) (Record, error)
	// Upsert inserts or replaces a bundle row.
	Upsert(ctx context.Context, rec Record) error
	// Transition moves a bundle to state, maintaining the lifecycle
	// timestamps and counters.
	Transition(ctx context.Context, id arid.ID, state State, now time.Time) error
	// MarkVerified flips the bundle's verified bit (monotonic).
	MarkVerified(ctx context.Context, id arid.ID) error
	// IncrementRetry bumps the verification retry counter.
	IncrementRetry(ctx context.Context, id arid.ID) error

	// PutDataItems records the normalized items indexed out of a bundle.
	PutDataItems(ctx context.Context, bundleID arid.ID, items []NormalizedDataItem) error
	// DataItems lists the indexed items of a bundle.
	DataItems(ctx context.Context, bundleID arid.ID) ([]NormalizedDataItem, error)

	// InState lists up to limit bundles currently in any of the given
	// states, oldest state-change first.
	InState(ctx context.Context, limit int, states ...State) ([]Record, error)
}

// Memory is the in-memory Store used by default and by tests.
type Memory struct {
	mu    sync.RWMutex
	rows  map[arid.ID]*Record
	items map[arid.ID][]NormalizedDataItem
}

// NewMemory builds an empty in-memory bundles store.
func NewMemory() *Memory {
	return &Memory{
		rows:  make(map[arid.ID]*Record),
		items: make(map[arid.ID][]NormalizedDataItem),
	}
}

func (m *Memory) Get(_ context.Context, id arid.ID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *Memory) Upsert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := rec
	m.rows[rec.ID] = &copied
	return nil
}

func (m *Memory) Transition(_ context.Context, id arid.ID, state State, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	applyTransition(rec, state, now)
	return nil
}

// applyTransition maintains the first/last timestamps and attempt
// counters the lifecycle defines.
func applyTransition(rec *Record, state State, now time.Time) {
	rec.State = state
	rec.LastStateAt = now
	switch state {
	case StateQueued:
		if rec.FirstQueuedAt.IsZero() {
			rec.FirstQueuedAt = now
		}
		rec.LastQueuedAt = now
	case StateSkipped:
		if rec.FirstSkippedAt.IsZero() {
			rec.FirstSkippedAt = now
		}
	case StateDownloading:
		rec.ImportAttemptCount++
	case StateUnbundling:
		if rec.FirstUnbundledAt.IsZero() {
			rec.FirstUnbundledAt = now
		}
	case StateIndexed:
		if rec.FirstFullyIndexedAt.IsZero() {
			rec.FirstFullyIndexedAt = now
		}
	}
}

func (m *Memory) MarkVerified(_ context.Context, id arid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	rec.Verified = true
	return nil
}

func (m *Memory) IncrementRetry(_ context.Context, id arid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	rec.RetryCount++
	return nil
}

func (m *Memory) PutDataItems(_ context.Context, bundleID arid.ID, items []NormalizedDataItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[bundleID] = append(m.items[bundleID], items...)
	if rec, ok := m.rows[bundleID]; ok {
		rec.MatchedDataItemCount = len(m.items[bundleID])
	}
	return nil
}

func (m *Memory) DataItems(_ context.Context, bundleID arid.ID) ([]NormalizedDataItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]NormalizedDataItem(nil), m.items[bundleID]...), nil
}

func (m *Memory) InState(_ context.Context, limit int, states ...State) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[State]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}
	var out []Record
	for _, rec := range m.rows {
		if _, ok := want[rec.State]; ok {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastStateAt.Before(out[j].LastStateAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

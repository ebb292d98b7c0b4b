// Package chunkstore implements the two content-addressed chunk stores
// spec.md §4.2 describes: chunk data keyed by (dataRoot, relativeOffset),
// and chunk metadata keyed by absolute weave offset. Both are owned
// exclusively by this package; eviction is last-request-time TTL,
// invoked explicitly via Cleanup(now) rather than a background goroutine,
// so the scheduler (internal/scheduler) controls cadence.
//
// Grounded on the teacher's transaction.Chunk/Proof types
// (transaction/types.go) for the chunk shape, and on
// github.com/hashicorp/golang-lru/v2's bounded map for the hot-path
// lookup structure (a direct dependency in dolthub-dolt's go.mod) —
// TTL bookkeeping on top is hand-rolled since the pack's lru package is
// capacity-bounded, not time-bounded.
package chunkstore

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ar-io/gateway-node/arid"
)

// Chunk is a cached, potentially-validated chunk of transaction payload.
type Chunk struct {
	DataRoot       arid.ID
	DataSize       int64
	RelativeOffset int64 // start offset of this chunk within the transaction payload
	Data           []byte
	DataPath       []byte
	TxPath         []byte
	Hash           [32]byte
	Source         string
	SourceHost     string
	Verified       bool
}

// dataKey identifies a chunk by the (dataRoot, relativeOffset) pair used
// when a caller already knows which transaction it's reading from.
type dataKey struct {
	dataRoot arid.ID
	relOffset int64
}

type entry struct {
	chunk         Chunk
	lastRequestAt time.Time
}

// DataStore is the content-addressed chunk data store, keyed by
// (dataRoot, relativeOffset).
type DataStore struct {
	mu    sync.Mutex
	cache *lru.Cache[dataKey, *entry]
	ttl   time.Duration
}

// NewDataStore builds a data store capped at capacity entries, evicting
// entries whose last request predates ttl when Cleanup runs.
func NewDataStore(capacity int, ttl time.Duration) (*DataStore, error) {
	cache, err := lru.New[dataKey, *entry](capacity)
	if err != nil {
		return nil, err
	}
	return &DataStore{cache: cache, ttl: ttl}, nil
}

// Put stores a chunk, keyed by its (dataRoot, relativeOffset).
func (s *DataStore) Put(now time.Time, c Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dataKey{dataRoot: c.DataRoot, relOffset: c.RelativeOffset}
	s.cache.Add(key, &entry{chunk: c, lastRequestAt: now})
}

// Get retrieves a chunk by (dataRoot, relativeOffset), bumping its
// last-request time so it survives the next Cleanup pass.
func (s *DataStore) Get(now time.Time, dataRoot arid.ID, relativeOffset int64) (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dataKey{dataRoot: dataRoot, relOffset: relativeOffset}
	e, ok := s.cache.Get(key)
	if !ok {
		return Chunk{}, false
	}
	e.lastRequestAt = now
	return e.chunk, true
}

// Cleanup evicts entries whose lastRequestAt + ttl has passed relative to
// now. Per spec.md's ownership rule, eviction never interleaves with an
// in-flight read of the same key: callers hold s.mu for the duration of
// both Get and the eviction scan, so a reader always observes a
// consistent snapshot.
func (s *DataStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for _, key := range s.cache.Keys() {
		e, ok := s.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.lastRequestAt) > s.ttl {
			s.cache.Remove(key)
			evicted++
		}
	}
	return evicted
}

// Len reports the current entry count, for metrics/tests.
func (s *DataStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// MetadataStore is the content-addressed chunk metadata store, keyed by
// absolute weave offset — the fast path spec.md §4.2.2 step 1 describes.
type MetadataStore struct {
	mu    sync.Mutex
	cache *lru.Cache[int64, *entry]
	ttl   time.Duration
}

// NewMetadataStore builds a metadata store capped at capacity entries.
func NewMetadataStore(capacity int, ttl time.Duration) (*MetadataStore, error) {
	cache, err := lru.New[int64, *entry](capacity)
	if err != nil {
		return nil, err
	}
	return &MetadataStore{cache: cache, ttl: ttl}, nil
}

// Put stores a chunk keyed by its absolute weave offset.
func (s *MetadataStore) Put(now time.Time, absoluteOffset int64, c Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(absoluteOffset, &entry{chunk: c, lastRequestAt: now})
}

// Get retrieves a chunk by absolute weave offset.
func (s *MetadataStore) Get(now time.Time, absoluteOffset int64) (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Get(absoluteOffset)
	if !ok {
		return Chunk{}, false
	}
	e.lastRequestAt = now
	return e.chunk, true
}

// Cleanup evicts entries past their TTL; see DataStore.Cleanup.
func (s *MetadataStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for _, key := range s.cache.Keys() {
		e, ok := s.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.lastRequestAt) > s.ttl {
			s.cache.Remove(key)
			evicted++
		}
	}
	return evicted
}

// Len reports the current entry count, for metrics/tests.
func (s *MetadataStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

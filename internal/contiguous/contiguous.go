// Package contiguous implements the contiguous-data content-addressed
// cache store backing the "cache" data source (spec.md §4.3.4): bytes
// keyed by their SHA-256 content hash, plus the id->hash and
// dataRoot->hash secondary indexes spec.md §6's `contiguous_data`/
// `contiguous_data_ids`/`data_roots` tables describe. Cleanup is
// last-request-time TTL, with a longer default than chunks and a
// per-name override for preferred ArNS names (spec.md §3 "Ownership &
// lifecycles").
//
// Grounded on internal/chunkstore's mutex+LRU shape (itself grounded on
// the teacher's transaction.Chunk/Proof types), generalized from
// fixed-size chunk payloads to arbitrary-length contiguous blobs, and on
// WebFirstLanguage-beenet's pkg/content convention of keying everything
// off a content hash rather than a request-specific id.
package contiguous

import (
	"errors"
	"sync"
	"time"

	"github.com/ar-io/gateway-node/arid"
)

// ErrNotFound is returned when no cache entry exists for a lookup key.
var ErrNotFound = errors.New("contiguous: not found")

// Entry is one cached contiguous blob's metadata. The bytes are held
// beside it in the store and returned together with it by GetByID,
// GetByHash and GetByDataRoot.
type Entry struct {
	Hash        [32]byte
	Size        int64
	Verified    bool
	Trusted     bool
	ContentType string
}

type record struct {
	entry         Entry
	data          []byte
	lastRequestAt time.Time
	ttl           time.Duration // per-entry override (preferred ArNS names get a longer TTL)
}

// TTLPolicy resolves the retention window for an id, taking the
// per-preferred-name override (spec.md §3) into account; arnsName is
// empty when the request did not resolve through an ArNS name.
type TTLPolicy struct {
	Default   time.Duration
	Preferred map[string]time.Duration
}

// For returns the TTL to apply for a given (possibly empty) ArNS name.
func (p TTLPolicy) For(arnsName string) time.Duration {
	if arnsName != "" {
		if d, ok := p.Preferred[arnsName]; ok {
			return d
		}
	}
	return p.Default
}

// Store is the content-addressed contiguous data cache.
type Store struct {
	mu       sync.RWMutex
	byHash   map[[32]byte]*record
	byID     map[arid.ID][32]byte
	byRoot   map[[32]byte][32]byte // data_root -> content hash
	policy   TTLPolicy
}

// New builds an empty contiguous data store with the given TTL policy.
func New(policy TTLPolicy) *Store {
	return &Store{
		byHash: make(map[[32]byte]*record),
		byID:   make(map[arid.ID][32]byte),
		byRoot: make(map[[32]byte][32]byte),
		policy: policy,
	}
}

// Put stores data under its content hash and indexes it by id and, if
// known, data root. arnsName selects the TTL policy bucket (empty string
// is the default bucket).
func (s *Store) Put(now time.Time, id arid.ID, dataRoot *[32]byte, arnsName string, data []byte, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &record{entry: entry, data: data, lastRequestAt: now, ttl: s.policy.For(arnsName)}
	s.byHash[entry.Hash] = rec
	s.byID[id] = entry.Hash
	if dataRoot != nil {
		s.byRoot[*dataRoot] = entry.Hash
	}
}

// GetByID returns cached bytes and metadata for id, bumping its
// last-request time.
func (s *Store) GetByID(now time.Time, id arid.ID) ([]byte, Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.byID[id]
	if !ok {
		return nil, Entry{}, false
	}
	rec, ok := s.byHash[hash]
	if !ok {
		return nil, Entry{}, false
	}
	rec.lastRequestAt = now
	return rec.data, rec.entry, true
}

// GetByHash returns cached bytes and metadata by content hash.
func (s *Store) GetByHash(now time.Time, hash [32]byte) ([]byte, Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byHash[hash]
	if !ok {
		return nil, Entry{}, false
	}
	rec.lastRequestAt = now
	return rec.data, rec.entry, true
}

// GetByDataRoot returns cached bytes and metadata keyed by the
// transaction's data_root, for the base-layer ("cache") data source.
func (s *Store) GetByDataRoot(now time.Time, dataRoot [32]byte) ([]byte, Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.byRoot[dataRoot]
	if !ok {
		return nil, Entry{}, false
	}
	rec, ok := s.byHash[hash]
	if !ok {
		return nil, Entry{}, false
	}
	rec.lastRequestAt = now
	return rec.data, rec.entry, true
}

// MarkVerified flips the Verified bit of the cached entry with the given
// content hash (monotonic, per spec.md §3). The verification worker does
// not call it; that worker marks bundles and attributes rows only.
func (s *Store) MarkVerified(hash [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byHash[hash]; ok {
		rec.entry.Verified = true
	}
}

// Cleanup evicts entries whose lastRequestAt + ttl has passed. Like
// internal/chunkstore, eviction never interleaves with a read of the
// same key: both hold s.mu for their full duration.
func (s *Store) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for hash, rec := range s.byHash {
		if now.Sub(rec.lastRequestAt) > rec.ttl {
			delete(s.byHash, hash)
			evicted++
		}
	}
	for id, hash := range s.byID {
		if _, ok := s.byHash[hash]; !ok {
			delete(s.byID, id)
		}
	}
	for root, hash := range s.byRoot {
		if _, ok := s.byHash[hash]; !ok {
			delete(s.byRoot, root)
		}
	}
	return evicted
}

// Len reports the current blob count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byHash)
}

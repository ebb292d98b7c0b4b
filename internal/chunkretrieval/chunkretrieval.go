// Package chunkretrieval locates, validates, caches, and broadcasts
// chunks by absolute weave offset. Retrieval follows the three-step
// ladder of the design: absolute-offset cache fast path, then a
// tx_path-validated fetch from a configured network source, then a
// fallback that resolves the containing transaction's (data_root,
// data_size, txStart) and validates only the data_path. Concurrent
// requests for the same offset coalesce onto one in-flight fetch.
//
// Grounded on the teacher's client.GetChunk/UploadChunk wire handling
// (client/client.go) for the chunk JSON shape, internal/merkle (itself
// the teacher's transaction/merkle.go) for proof validation, and
// AKJUS-bsc-erigon's singleflight pattern for fetch coalescing. Network
// fetch outcomes are explicit variants rather than caught exceptions so
// the per-source circuit breakers (internal/breaker) can decide on a
// value, not a recovered panic.
package chunkretrieval

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/crypto"
	"github.com/ar-io/gateway-node/internal/arweave"
	"github.com/ar-io/gateway-node/internal/breaker"
	"github.com/ar-io/gateway-node/internal/chunkstore"
	"github.com/ar-io/gateway-node/internal/gwerr"
	"github.com/ar-io/gateway-node/internal/merkle"
)

// Block is the subset of a stable block's row the tx_path validation
// path needs: its tx_root and the weave range its transactions occupy.
type Block struct {
	Height        int64
	TxRoot        []byte
	TxCount       int
	WeaveSize     int64
	PrevWeaveSize int64
}

// BlockIndex resolves the block whose weave range
// [PrevWeaveSize, WeaveSize) contains an absolute offset.
type BlockIndex interface {
	BlockByWeaveOffset(ctx context.Context, absoluteOffset int64) (Block, error)
}

// TxPlacement locates a transaction within the weave for the fallback
// retrieval path.
type TxPlacement struct {
	ID       arid.ID
	DataRoot []byte
	DataSize int64
	// TxStart is the absolute weave offset of the transaction's first
	// payload byte.
	TxStart int64
}

// TxOffsetIndex resolves the transaction containing an absolute weave
// offset, local DB first with chain fallback.
type TxOffsetIndex interface {
	TxByAbsoluteOffset(ctx context.Context, absoluteOffset int64) (TxPlacement, error)
}

// fetchOutcome classifies one source's attempt at producing a chunk, so
// breaker/weight decisions are made on values rather than error types.
type fetchOutcome int

const (
	outcomeOK fetchOutcome = iota
	outcomeMiss
	outcomeInvalidProof
	outcomeNetwork
)

// source is one network chunk provider wrapped in its circuit breaker.
type source struct {
	client *arweave.Client
	brk    *breaker.Breaker
}

// Service implements chunk retrieval per the contract in the design:
// GetChunkByAny and the absolute-offset entry point (GetByAbsoluteOffset)
// the data source stack drives.
type Service struct {
	log     *zap.Logger
	data    *chunkstore.DataStore
	meta    *chunkstore.MetadataStore
	blocks  BlockIndex
	offsets TxOffsetIndex
	sources []*source

	group singleflight.Group
	now   func() time.Time

	// AttemptTimeout bounds each per-source fetch attempt.
	AttemptTimeout time.Duration
}

// New builds a Service over the given stores, indexes, and ordered
// network sources.
func New(log *zap.Logger, data *chunkstore.DataStore, meta *chunkstore.MetadataStore, blocks BlockIndex, offsets TxOffsetIndex, clients []*arweave.Client) *Service {
	s := &Service{
		log:            log,
		data:           data,
		meta:           meta,
		blocks:         blocks,
		offsets:        offsets,
		now:            time.Now,
		AttemptTimeout: 5 * time.Second,
	}
	for _, c := range clients {
		s.sources = append(s.sources, &source{client: c, brk: breaker.New(breaker.DefaultConfig())})
	}
	return s
}

// ByAnyParams parameterizes GetChunkByAny.
type ByAnyParams struct {
	TxSize         int64
	AbsoluteOffset int64
	DataRoot       arid.ID
	RelativeOffset int64
	Attrs          arweave.Attributes
}

// GetChunkByAny returns a validated chunk whose relative byte range
// contains RelativeOffset, with its data_path valid for DataRoot.
func (s *Service) GetChunkByAny(ctx context.Context, p ByAnyParams) (chunkstore.Chunk, error) {
	if c, ok := s.data.Get(s.now(), p.DataRoot, p.RelativeOffset); ok {
		c.Source = "cache"
		return c, nil
	}
	c, err := s.GetByAbsoluteOffset(ctx, p.AbsoluteOffset, p.Attrs)
	if err != nil {
		return chunkstore.Chunk{}, err
	}
	if c.DataRoot != p.DataRoot {
		return chunkstore.Chunk{}, gwerr.InvalidMerkleProof("chunkretrieval.GetChunkByAny",
			fmt.Errorf("chunk at %d proves root %s, wanted %s", p.AbsoluteOffset, c.DataRoot, p.DataRoot))
	}
	return c, nil
}

// GetByAbsoluteOffset retrieves the chunk covering an absolute weave
// offset, coalescing concurrent callers for the same offset onto one
// in-flight fetch.
func (s *Service) GetByAbsoluteOffset(ctx context.Context, absoluteOffset int64, attrs arweave.Attributes) (chunkstore.Chunk, error) {
	v, err, _ := s.group.Do(strconv.FormatInt(absoluteOffset, 10), func() (interface{}, error) {
		return s.retrieve(ctx, absoluteOffset, attrs)
	})
	if err != nil {
		return chunkstore.Chunk{}, err
	}
	return v.(chunkstore.Chunk), nil
}

func (s *Service) retrieve(ctx context.Context, absoluteOffset int64, attrs arweave.Attributes) (chunkstore.Chunk, error) {
	// Fast path: the absolute-offset cache.
	if c, ok := s.meta.Get(s.now(), absoluteOffset); ok {
		if sha256.Sum256(c.Data) != c.Hash {
			// Never serve a cached chunk whose hash no longer matches.
			s.log.Warn("cached chunk failed hash check, refetching",
				zap.Int64("absolute_offset", absoluteOffset))
		} else {
			c.Source = "cache"
			return c, nil
		}
	}

	var sawInvalid bool
	for _, src := range s.sources {
		now := s.now()
		if !src.brk.Allow(now) {
			continue
		}
		c, outcome := s.trySource(ctx, src, absoluteOffset, attrs)
		switch outcome {
		case outcomeOK:
			src.brk.Record(now, nil)
			s.persist(c, absoluteOffset)
			return c, nil
		case outcomeMiss:
			src.brk.Record(now, nil)
		case outcomeInvalidProof:
			// A validation failure demerits the peer like a network failure;
			// the error does not propagate until every source is tried.
			sawInvalid = true
			src.brk.Record(now, errors.New("invalid proof"))
		case outcomeNetwork:
			src.brk.Record(now, errors.New("network"))
		}
		if ctx.Err() != nil {
			return chunkstore.Chunk{}, gwerr.Cancelled("chunkretrieval.retrieve", ctx.Err())
		}
	}

	if sawInvalid {
		return chunkstore.Chunk{}, gwerr.InvalidMerkleProof("chunkretrieval.retrieve",
			fmt.Errorf("no source produced a provable chunk for offset %d", absoluteOffset))
	}
	return chunkstore.Chunk{}, gwerr.ChunkNotFound("chunkretrieval.retrieve",
		fmt.Errorf("offset %d unavailable from %d sources", absoluteOffset, len(s.sources)))
}

func (s *Service) trySource(ctx context.Context, src *source, absoluteOffset int64, attrs arweave.Attributes) (chunkstore.Chunk, fetchOutcome) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.AttemptTimeout)
	defer cancel()

	raw, err := src.client.Chunk(attemptCtx, absoluteOffset, attrs)
	if err != nil {
		if arweave.IsNotFound(err) {
			return chunkstore.Chunk{}, outcomeMiss
		}
		return chunkstore.Chunk{}, outcomeNetwork
	}

	chunkBytes, err := crypto.Base64URLDecode(raw.Chunk)
	if err != nil {
		return chunkstore.Chunk{}, outcomeInvalidProof
	}
	dataPath, err := crypto.Base64URLDecode(raw.DataPath)
	if err != nil {
		return chunkstore.Chunk{}, outcomeInvalidProof
	}

	if raw.TxPath != "" {
		txPath, err := crypto.Base64URLDecode(raw.TxPath)
		if err != nil {
			return chunkstore.Chunk{}, outcomeInvalidProof
		}
		c, ok := s.validateWithTxPath(ctx, absoluteOffset, chunkBytes, dataPath, txPath)
		if !ok {
			return chunkstore.Chunk{}, outcomeInvalidProof
		}
		c.SourceHost = src.client.BaseURL
		return c, outcomeOK
	}

	// Fallback: no tx_path on the response; place the transaction via the
	// tx-offset index and validate the data_path alone.
	placement, err := s.offsets.TxByAbsoluteOffset(ctx, absoluteOffset)
	if err != nil {
		return chunkstore.Chunk{}, outcomeNetwork
	}
	c, ok := s.validateDataPath(placement.DataRoot, placement.DataSize, absoluteOffset-placement.TxStart, chunkBytes, dataPath, nil)
	if !ok {
		return chunkstore.Chunk{}, outcomeInvalidProof
	}
	c.SourceHost = src.client.BaseURL
	return c, outcomeOK
}

// validateWithTxPath runs the full two-proof ladder: tx_path against the
// containing block's tx_root, then data_path against the data_root the
// tx_path leaf proves.
func (s *Service) validateWithTxPath(ctx context.Context, absoluteOffset int64, chunkBytes, dataPath, txPath []byte) (chunkstore.Chunk, bool) {
	block, err := s.blocks.BlockByWeaveOffset(ctx, absoluteOffset)
	if err != nil {
		return chunkstore.Chunk{}, false
	}

	blockRelOffset := absoluteOffset - block.PrevWeaveSize
	blockRange := block.WeaveSize - block.PrevWeaveSize
	txResult, err := merkle.ValidatePath(block.TxRoot, int(blockRelOffset), int(blockRange), txPath)
	if err != nil {
		return chunkstore.Chunk{}, false
	}

	dataRoot := txResult.Leaf
	txStart := block.PrevWeaveSize + int64(txResult.StartOffset)
	txSize := int64(txResult.EndOffset - txResult.StartOffset)
	relativeOffset := absoluteOffset - txStart

	c, ok := s.validateDataPath(dataRoot, txSize, relativeOffset, chunkBytes, dataPath, txPath)
	return c, ok
}

func (s *Service) validateDataPath(dataRoot []byte, dataSize, relativeOffset int64, chunkBytes, dataPath, txPath []byte) (chunkstore.Chunk, bool) {
	result, err := merkle.ValidatePath(dataRoot, int(relativeOffset), int(dataSize), dataPath)
	if err != nil {
		return chunkstore.Chunk{}, false
	}
	hash := sha256.Sum256(chunkBytes)
	if !bytesEqual(result.Leaf, hash[:]) {
		return chunkstore.Chunk{}, false
	}
	if result.EndOffset-result.StartOffset != len(chunkBytes) {
		return chunkstore.Chunk{}, false
	}

	root, err := arid.FromBytes(dataRoot)
	if err != nil {
		return chunkstore.Chunk{}, false
	}
	return chunkstore.Chunk{
		DataRoot:       root,
		DataSize:       dataSize,
		RelativeOffset: int64(result.StartOffset),
		Data:           chunkBytes,
		DataPath:       dataPath,
		TxPath:         txPath,
		Hash:           hash,
		Verified:       true,
	}, true
}

// persist writes a validated chunk into both stores: the (data_root,
// relative_offset) primary and the absolute-offset secondary, built
// together so a fast-path hit always has both halves.
func (s *Service) persist(c chunkstore.Chunk, absoluteOffset int64) {
	now := s.now()
	s.data.Put(now, c)
	s.meta.Put(now, absoluteOffset, c)
}

// Place resolves the transaction containing an absolute offset via the
// tx-offset index, for callers that need placement metadata alongside a
// chunk (the /chunk/{o}/data headers).
func (s *Service) Place(ctx context.Context, absoluteOffset int64) (TxPlacement, error) {
	return s.offsets.TxByAbsoluteOffset(ctx, absoluteOffset)
}

// Cleanup evicts expired entries from both stores, returning the count.
func (s *Service) Cleanup(now time.Time) int {
	return s.data.Cleanup(now) + s.meta.Cleanup(now)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MemoryBlockIndex is a sorted in-memory BlockIndex for tests and for
// gateways running without a chain database; lookup is binary search by
// weave offset.
type MemoryBlockIndex struct {
	blocks []Block // sorted ascending by WeaveSize
}

// NewMemoryBlockIndex builds an index over blocks, which must be sorted
// ascending by WeaveSize.
func NewMemoryBlockIndex(blocks []Block) *MemoryBlockIndex {
	return &MemoryBlockIndex{blocks: blocks}
}

// MemoryTxOffsetIndex is a sorted in-memory TxOffsetIndex; lookup is
// binary search by each transaction's end offset.
type MemoryTxOffsetIndex struct {
	placements []TxPlacement // sorted ascending by TxStart
}

// NewMemoryTxOffsetIndex builds an index over placements, which must be
// sorted ascending by TxStart and non-overlapping.
func NewMemoryTxOffsetIndex(placements []TxPlacement) *MemoryTxOffsetIndex {
	return &MemoryTxOffsetIndex{placements: placements}
}

func (m *MemoryTxOffsetIndex) TxByAbsoluteOffset(_ context.Context, absoluteOffset int64) (TxPlacement, error) {
	lo, hi := 0, len(m.placements)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.placements[mid].TxStart+m.placements[mid].DataSize <= absoluteOffset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(m.placements) || absoluteOffset < m.placements[lo].TxStart {
		return TxPlacement{}, fmt.Errorf("chunkretrieval: no transaction covers weave offset %d", absoluteOffset)
	}
	return m.placements[lo], nil
}

func (m *MemoryBlockIndex) BlockByWeaveOffset(_ context.Context, absoluteOffset int64) (Block, error) {
	lo, hi := 0, len(m.blocks)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.blocks[mid].WeaveSize <= absoluteOffset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(m.blocks) {
		return Block{}, fmt.Errorf("chunkretrieval: no block covers weave offset %d", absoluteOffset)
	}
	b := m.blocks[lo]
	if absoluteOffset < b.PrevWeaveSize {
		return Block{}, fmt.Errorf("chunkretrieval: weave offset %d falls in a gap before block %d", absoluteOffset, b.Height)
	}
	return b, nil
}

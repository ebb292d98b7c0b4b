// The chunks and chunks-data-item sources: verified byte delivery out
// of the chunk retrieval service. "chunks" serves base-layer
// transactions directly; "chunks-data-item" first rewrites a data-item
// request into a root-transaction request via the parent-chain resolver
// and then drives the same chunk iteration.
package datasource

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/internal/arweave"
	"github.com/ar-io/gateway-node/internal/attributes"
	"github.com/ar-io/gateway-node/internal/chunkretrieval"
	"github.com/ar-io/gateway-node/internal/gwerr"
	"github.com/ar-io/gateway-node/internal/parentchain"
)

// TxWeave places a transaction's payload within the weave.
type TxWeave struct {
	TxStart  int64 // absolute weave offset of the first payload byte
	Size     int64
	DataRoot []byte
}

// TxIndex resolves a base-layer transaction's weave placement, local DB
// first with chain fallback.
type TxIndex interface {
	TxWeave(ctx context.Context, id arid.ID, attrs arweave.Attributes) (TxWeave, error)
}

// ChainTxIndex is the chain-fallback TxIndex: /tx/{id}/offset plus
// /tx/{id}/data_root against the trusted node. Arweave reports the
// inclusive end offset, so the start is offset - size + 1.
type ChainTxIndex struct {
	Client *arweave.Client
}

func (c *ChainTxIndex) TxWeave(ctx context.Context, id arid.ID, attrs arweave.Attributes) (TxWeave, error) {
	off, err := c.Client.TxOffset(ctx, id.String(), attrs)
	if err != nil {
		return TxWeave{}, err
	}
	rootField, err := c.Client.TxField(ctx, id.String(), "data_root", attrs)
	if err != nil {
		return TxWeave{}, err
	}
	root, err := arid.Parse(rootField)
	if err != nil {
		return TxWeave{}, fmt.Errorf("datasource: data_root for %s: %w", id, err)
	}
	return TxWeave{
		TxStart:  off.Offset - off.Size + 1,
		Size:     off.Size,
		DataRoot: root.Bytes(),
	}, nil
}

// ChunksSource streams verified bytes for a base-layer transaction by
// iterating chunks through the retrieval service.
type ChunksSource struct {
	Txs    TxIndex
	Chunks *chunkretrieval.Service
}

func (s *ChunksSource) Name() string { return "chunks" }

func (s *ChunksSource) GetData(ctx context.Context, req Request) (*Result, error) {
	weave, err := s.Txs.TxWeave(ctx, req.ID, req.Attrs)
	if err != nil {
		return nil, err
	}
	region, err := regionOrWhole(req.Region, weave.Size)
	if err != nil {
		return nil, err
	}
	return s.streamWeaveRange(ctx, weave, region, req.Attrs)
}

// streamWeaveRange pumps the chunks covering
// [TxStart+region.Offset, TxStart+region.Offset+region.Size) into a
// pipe, slicing each chunk to the byte-accurate bounds. The reader sees
// exactly region.Size bytes or a mid-stream error; never a silent
// truncation.
func (s *ChunksSource) streamWeaveRange(ctx context.Context, weave TxWeave, region Region, attrs arweave.Attributes) (*Result, error) {
	if region.Size == 0 {
		return &Result{Reader: io.NopCloser(bytes.NewReader(nil)), Size: 0, Verified: true}, nil
	}

	// Fetch the first chunk before returning so a total miss is a clean
	// source failure rather than a mid-stream error.
	first, err := s.Chunks.GetByAbsoluteOffset(ctx, weave.TxStart+region.Offset, attrs)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		remaining := region.Size
		cur := region.Offset // relative to the tx payload
		chunk := first
		for remaining > 0 {
			within := cur - chunk.RelativeOffset
			if within < 0 || within >= int64(len(chunk.Data)) {
				pw.CloseWithError(gwerr.ChunkNotFound("datasource.chunks",
					fmt.Errorf("chunk at relative %d does not cover read cursor %d", chunk.RelativeOffset, cur)))
				return
			}
			n := int64(len(chunk.Data)) - within
			if n > remaining {
				n = remaining
			}
			if _, werr := pw.Write(chunk.Data[within : within+n]); werr != nil {
				return
			}
			cur += n
			remaining -= n
			if remaining == 0 {
				break
			}
			next, gerr := s.Chunks.GetByAbsoluteOffset(ctx, weave.TxStart+cur, attrs)
			if gerr != nil {
				pw.CloseWithError(gerr)
				return
			}
			chunk = next
		}
		pw.Close()
	}()

	return &Result{
		Reader:   pr,
		Size:     region.Size,
		Verified: true,
	}, nil
}

// ChunksDataItemSource is sugar over ChunksSource: it rewrites a
// data-item request to a root-transaction request via the parent-chain
// resolver, then drives the same verified chunk iteration.
type ChunksDataItemSource struct {
	Attrs    attributes.Store
	Resolver *parentchain.Resolver
	Txs      TxIndex
	Chunks   *chunkretrieval.Service
}

func (s *ChunksDataItemSource) Name() string { return "chunks-data-item" }

func (s *ChunksDataItemSource) GetData(ctx context.Context, req Request) (*Result, error) {
	row, err := s.Attrs.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if !row.HasParent {
		// A base-layer transaction; the plain chunks source handles it.
		return nil, gwerr.NotFound("datasource.chunks-data-item",
			fmt.Errorf("%s is not a data item", req.ID))
	}

	root, err := s.Resolver.Resolve(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	region, err := regionOrWhole(req.Region, row.Size)
	if err != nil {
		return nil, err
	}

	weave, err := s.Txs.TxWeave(ctx, root.RootTransactionID, req.Attrs)
	if err != nil {
		return nil, err
	}
	// The item's payload lives at rootDataOffset within the root tx's
	// payload; shift the requested region there.
	absolute := Region{Offset: root.RootDataOffset + region.Offset, Size: region.Size}
	if absolute.Offset+absolute.Size > weave.Size {
		return nil, gwerr.InvalidRange("datasource.chunks-data-item",
			fmt.Errorf("data item region [%d,%d) exceeds root tx payload of %d bytes",
				absolute.Offset, absolute.Offset+absolute.Size, weave.Size))
	}

	inner := ChunksSource{Txs: s.Txs, Chunks: s.Chunks}
	res, err := inner.streamWeaveRange(ctx, weave, absolute, req.Attrs)
	if err != nil {
		return nil, err
	}
	res.ContentType = row.ContentType
	return res, nil
}

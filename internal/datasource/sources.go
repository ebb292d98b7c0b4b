// The cache, trusted-gateways, ar-io-network, and tx-data sources.
package datasource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ar-io/gateway-node/crypto"
	"github.com/ar-io/gateway-node/internal/arweave"
	"github.com/ar-io/gateway-node/internal/breaker"
	"github.com/ar-io/gateway-node/internal/contiguous"
	"github.com/ar-io/gateway-node/internal/gwerr"
	"github.com/ar-io/gateway-node/internal/peers"
)

// CacheSource serves bytes from the contiguous-data content-addressed
// store. Always cached=true; verified/trusted are copied from the cache
// entry, and the content hash is always present.
type CacheSource struct {
	Store *contiguous.Store
}

func (s *CacheSource) Name() string { return "cache" }

func (s *CacheSource) GetData(ctx context.Context, req Request) (*Result, error) {
	data, entry, ok := s.Store.GetByID(time.Now(), req.ID)
	if !ok {
		return nil, gwerr.NotFound("datasource.cache", fmt.Errorf("%s not cached", req.ID))
	}
	region, err := regionOrWhole(req.Region, int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &Result{
		Reader:      io.NopCloser(bytes.NewReader(data[region.Offset : region.Offset+region.Size])),
		Size:        region.Size,
		Verified:    entry.Verified,
		Trusted:     entry.Trusted,
		Cached:      true,
		HasHash:     true,
		Hash:        entry.Hash,
		ContentType: entry.ContentType,
	}, nil
}

// gatewayTarget is one outbound gateway with its circuit breaker;
// shared by the trusted-gateways and ar-io-network sources.
type gatewayTarget struct {
	client *arweave.Client
	brk    *breaker.Breaker
}

func newGatewayTargets(urls []string, release string) []*gatewayTarget {
	out := make([]*gatewayTarget, 0, len(urls))
	for _, u := range urls {
		out = append(out, &gatewayTarget{
			client: arweave.New(u, release),
			brk:    breaker.New(breaker.DefaultConfig()),
		})
	}
	return out
}

// TrustedGatewaysSource fetches contiguous data from the operator's
// configured gateway URLs, in priority order. Responses are trusted by
// operator policy; they are additionally verified only when the peer
// advertises X-AR-IO-Verified and returns a digest matching one this
// gateway already trusts (see KnownDigest).
type TrustedGatewaysSource struct {
	Log     *zap.Logger
	Targets []*gatewayTarget

	// KnownDigest reports a digest already associated with the id, when one
	// is known (e.g. from the attributes store), so a peer's digest claim
	// can be cross-checked.
	KnownDigest func(ctx context.Context, req Request) string
}

// NewTrustedGatewaysSource builds the source over the configured URLs.
func NewTrustedGatewaysSource(log *zap.Logger, urls []string, release string) *TrustedGatewaysSource {
	return &TrustedGatewaysSource{Log: log, Targets: newGatewayTargets(urls, release)}
}

func (s *TrustedGatewaysSource) Name() string { return "trusted-gateways" }

func (s *TrustedGatewaysSource) GetData(ctx context.Context, req Request) (*Result, error) {
	var expected string
	if s.KnownDigest != nil {
		expected = s.KnownDigest(ctx, req)
	}

	offset, size := int64(0), int64(-1)
	if req.Region != nil {
		offset, size = req.Region.Offset, req.Region.Size
	}

	var lastErr error
	for _, t := range s.Targets {
		now := time.Now()
		if !t.brk.Allow(now) {
			continue
		}
		resp, err := t.client.Data(ctx, req.ID.String(), offset, size, expected, req.Attrs.NextHop())
		t.brk.Record(now, err)
		if err != nil {
			lastErr = err
			continue
		}
		verified := resp.Verified && expected != "" && resp.DigestMatched
		res := &Result{
			Reader:      resp.Body,
			Size:        resp.Size,
			Trusted:     true,
			Verified:    verified,
			ContentType: resp.ContentType,
		}
		if digest, derr := crypto.Base64URLDecode(resp.Digest); derr == nil && len(digest) == 32 {
			copy(res.Hash[:], digest)
			res.HasHash = true
		}
		return res, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all trusted gateways skipped by open breakers")
	}
	return nil, gwerr.NotFound("datasource.trusted-gateways", lastErr)
}

// ARIONetworkSource fetches contiguous data from weighted-sampled AR.IO
// peers. When a digest is already known it travels as
// X-AR-IO-Expected-Digest, and responses whose digest disagrees are
// rejected and demerit the peer.
type ARIONetworkSource struct {
	Log     *zap.Logger
	Ledger  *peers.Ledger
	Release string
	// DrawSize is how many peers one attempt samples.
	DrawSize int

	KnownDigest func(ctx context.Context, req Request) string
}

func (s *ARIONetworkSource) Name() string { return "ar-io-network" }

func (s *ARIONetworkSource) GetData(ctx context.Context, req Request) (*Result, error) {
	draw := s.DrawSize
	if draw <= 0 {
		draw = 3
	}
	var expected string
	if s.KnownDigest != nil {
		expected = s.KnownDigest(ctx, req)
	}

	offset, size := int64(0), int64(-1)
	if req.Region != nil {
		offset, size = req.Region.Offset, req.Region.Size
	}

	var lastErr error
	for _, p := range s.Ledger.SelectForRead(draw) {
		start := time.Now()
		client := arweave.New(p.URL, s.Release)
		resp, err := client.Data(ctx, req.ID.String(), offset, size, expected, req.Attrs.NextHop())
		now := time.Now()
		if err != nil {
			p.RecordFailure(now)
			lastErr = err
			continue
		}
		if expected != "" && resp.Digest != "" && !resp.DigestMatched {
			resp.Body.Close()
			p.RecordFailure(now)
			lastErr = fmt.Errorf("peer %s returned digest %s, expected %s", p.URL, resp.Digest, expected)
			continue
		}
		p.RecordSuccess(now, now.Sub(start))
		res := &Result{
			Reader:      resp.Body,
			Size:        resp.Size,
			ContentType: resp.ContentType,
		}
		if digest, derr := crypto.Base64URLDecode(resp.Digest); derr == nil && len(digest) == 32 {
			copy(res.Hash[:], digest)
			res.HasHash = true
		}
		return res, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no ar-io peers available")
	}
	return nil, gwerr.NotFound("datasource.ar-io-network", lastErr)
}

// TxDataSource is the legacy path: fetch the full transaction body from
// the trusted node and slice the requested region out of it.
type TxDataSource struct {
	Client *arweave.Client
}

func (s *TxDataSource) Name() string { return "tx-data" }

func (s *TxDataSource) GetData(ctx context.Context, req Request) (*Result, error) {
	data, err := s.Client.TxData(ctx, req.ID.String(), req.Attrs)
	if err != nil {
		return nil, err
	}
	region, err := regionOrWhole(req.Region, int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &Result{
		Reader:  io.NopCloser(bytes.NewReader(data[region.Offset : region.Offset+region.Size])),
		Size:    region.Size,
		Trusted: true,
	}, nil
}

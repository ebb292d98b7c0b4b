package datasource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/internal/arweave"
	"github.com/ar-io/gateway-node/internal/attributes"
	"github.com/ar-io/gateway-node/internal/contiguous"
	"github.com/ar-io/gateway-node/internal/gwerr"
	"github.com/ar-io/gateway-node/internal/gwlog"
)

func id(b byte) arid.ID {
	var raw [32]byte
	raw[0] = b
	v, _ := arid.FromBytes(raw[:])
	return v
}

// stubSource returns fixed bytes or a fixed error, recording calls.
type stubSource struct {
	name  string
	data  []byte
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) GetData(_ context.Context, req Request) (*Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	data := s.data
	if req.Region != nil {
		end := req.Region.Offset + req.Region.Size
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		data = data[req.Region.Offset:end]
	}
	return &Result{
		Reader: io.NopCloser(bytes.NewReader(data)),
		Size:   int64(len(data)),
	}, nil
}

func TestCompositeShortCircuitsOnFirstHit(t *testing.T) {
	first := &stubSource{name: "a", err: errors.New("miss")}
	second := &stubSource{name: "b", data: []byte("payload")}
	third := &stubSource{name: "c", data: []byte("never")}

	c := NewComposite(gwlog.Nop(), attributes.NewMemory(), []Source{first, second, third})
	res, err := c.GetData(context.Background(), Request{ID: id(1)})
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Reader)
	require.Equal(t, "payload", string(body))
	require.Equal(t, "b", res.SourceName)
	require.Equal(t, 1, first.calls)
	require.Equal(t, 1, second.calls)
	require.Equal(t, 0, third.calls)
}

func TestCompositeNotFoundWhenAllMiss(t *testing.T) {
	c := NewComposite(gwlog.Nop(), attributes.NewMemory(), []Source{
		&stubSource{name: "a", err: errors.New("miss")},
	})
	_, err := c.GetData(context.Background(), Request{ID: id(1)})
	require.True(t, gwerr.Is(err, gwerr.KindNotFound))
}

func TestCompositeRejectsExcessHops(t *testing.T) {
	src := &stubSource{name: "a", data: []byte("x")}
	c := NewComposite(gwlog.Nop(), attributes.NewMemory(), []Source{src})
	_, err := c.GetData(context.Background(), Request{
		ID:    id(1),
		Attrs: arweave.Attributes{Hops: arweave.MaxHops + 1},
	})
	require.Error(t, err)
	require.Equal(t, 0, src.calls)
}

func TestCompositeRegionValidation(t *testing.T) {
	ctx := context.Background()
	attrs := attributes.NewMemory()
	require.NoError(t, attrs.Put(ctx, attributes.Row{ID: id(1), Size: 500}))

	src := &stubSource{name: "a", data: make([]byte, 500)}
	c := NewComposite(gwlog.Nop(), attrs, []Source{src})

	// Offset past the payload end is InvalidRange.
	_, err := c.GetData(ctx, Request{ID: id(1), Region: &Region{Offset: 500, Size: 1}})
	require.True(t, gwerr.Is(err, gwerr.KindInvalidRange))

	// Oversized regions truncate to the payload end.
	res, err := c.GetData(ctx, Request{ID: id(1), Region: &Region{Offset: 400, Size: 1000}})
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Size)
}

func TestCacheSource(t *testing.T) {
	store := contiguous.New(contiguous.TTLPolicy{Default: time.Hour})
	data := []byte("hello contiguous world")
	hash := sha256.Sum256(data)
	store.Put(time.Now(), id(1), nil, "", data, contiguous.Entry{
		Hash:        hash,
		Size:        int64(len(data)),
		Verified:    true,
		ContentType: "text/plain",
	})

	src := &CacheSource{Store: store}
	res, err := src.GetData(context.Background(), Request{ID: id(1)})
	require.NoError(t, err)
	require.True(t, res.Cached)
	require.True(t, res.Verified)
	require.True(t, res.HasHash)
	require.Equal(t, hash, res.Hash)
	body, _ := io.ReadAll(res.Reader)
	require.Equal(t, data, body)

	// Sub-region of a cached entry.
	res, err = src.GetData(context.Background(), Request{ID: id(1), Region: &Region{Offset: 6, Size: 10}})
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Reader)
	require.Equal(t, "contiguous", string(body))

	_, err = src.GetData(context.Background(), Request{ID: id(9)})
	require.True(t, gwerr.Is(err, gwerr.KindNotFound))
}

func TestRegionOrWhole(t *testing.T) {
	r, err := regionOrWhole(nil, 500)
	require.NoError(t, err)
	require.Equal(t, Region{Offset: 0, Size: 500}, r)

	r, err = regionOrWhole(&Region{Offset: 100, Size: 1000}, 500)
	require.NoError(t, err)
	require.Equal(t, Region{Offset: 100, Size: 400}, r)

	_, err = regionOrWhole(&Region{Offset: 500, Size: 1}, 500)
	require.True(t, gwerr.Is(err, gwerr.KindInvalidRange))
}

package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/crypto"
	"github.com/ar-io/gateway-node/internal/arweave"
	"github.com/ar-io/gateway-node/internal/attributes"
	"github.com/ar-io/gateway-node/internal/bundles"
	"github.com/ar-io/gateway-node/internal/chunkretrieval"
	"github.com/ar-io/gateway-node/internal/chunkstore"
	"github.com/ar-io/gateway-node/internal/datasource"
	"github.com/ar-io/gateway-node/internal/filter"
	"github.com/ar-io/gateway-node/internal/gwlog"
	"github.com/ar-io/gateway-node/internal/merkle"
	"github.com/ar-io/gateway-node/internal/peers"
	"github.com/ar-io/gateway-node/internal/unbundling"
)

func id(b byte) arid.ID {
	var raw [32]byte
	raw[0] = b
	v, _ := arid.FromBytes(raw[:])
	return v
}

// memorySource serves fixed payloads by id, with hashes, as the cache
// source would.
type memorySource struct {
	payloads map[arid.ID][]byte
}

func (s *memorySource) Name() string { return "cache" }

func (s *memorySource) GetData(_ context.Context, req datasource.Request) (*datasource.Result, error) {
	data, ok := s.payloads[req.ID]
	if !ok {
		return nil, io.EOF
	}
	offset, size := int64(0), int64(len(data))
	if req.Region != nil {
		offset = req.Region.Offset
		size = req.Region.Size
		if offset+size > int64(len(data)) {
			size = int64(len(data)) - offset
		}
	}
	hash := sha256.Sum256(data)
	return &datasource.Result{
		Reader:   io.NopCloser(bytes.NewReader(data[offset : offset+size])),
		Size:     size,
		Verified: true,
		Cached:   true,
		HasHash:  true,
		Hash:     hash,
	}, nil
}

func newDataServer(t *testing.T, payloads map[arid.ID][]byte, rows ...attributes.Row) (*Server, attributes.Store) {
	t.Helper()
	attrStore := attributes.NewMemory()
	for _, row := range rows {
		require.NoError(t, attrStore.Put(context.Background(), row))
	}
	return &Server{
		Log:   gwlog.Nop(),
		Data:  datasource.NewComposite(gwlog.Nop(), attrStore, []datasource.Source{&memorySource{payloads: payloads}}),
		Attrs: attrStore,
	}, attrStore
}

// Whole-payload delivery: 200 with exact Content-Length, the digest
// headers, and the verification bits.
func TestGetDataWhole(t *testing.T) {
	tx := id(1)
	payload := make([]byte, 700)
	for i := range payload {
		payload[i] = byte(i)
	}
	s, _ := newDataServer(t, map[arid.ID][]byte{tx: payload},
		attributes.Row{ID: tx, Size: 700})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/"+tx.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "700", rec.Header().Get("Content-Length"))
	require.Equal(t, "true", rec.Header().Get("X-AR-IO-Verified"))
	require.Equal(t, "HIT", rec.Header().Get("X-AR-IO-Cache"))
	require.Equal(t, payload, rec.Body.Bytes())

	digest := crypto.Base64URLEncode(hashOf(payload))
	require.Equal(t, digest, rec.Header().Get("X-AR-IO-Digest"))
	require.Equal(t, `"`+digest+`"`, rec.Header().Get("ETag"))
}

func hashOf(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// Range delivery: bytes=50-249 of a 500-byte payload yields 206 with
// Content-Range bytes 50-249/500 and exactly that slice.
func TestGetDataRange(t *testing.T) {
	di := id(2)
	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(255 - i%256)
	}
	s, _ := newDataServer(t, map[arid.ID][]byte{di: payload},
		attributes.Row{ID: di, Size: 500})

	req := httptest.NewRequest("GET", "/"+di.String(), nil)
	req.Header.Set("Range", "bytes=50-249")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 50-249/500", rec.Header().Get("Content-Range"))
	require.Equal(t, "200", rec.Header().Get("Content-Length"))
	require.Equal(t, payload[50:250], rec.Body.Bytes())
}

// A resolved data item reports its root transaction and absolute
// payload offset in the response headers.
func TestGetDataRootHeaders(t *testing.T) {
	tx := id(1)
	di := id(2)
	payload := make([]byte, 500)
	s, attrStore := newDataServer(t, map[arid.ID][]byte{di: payload},
		attributes.Row{ID: di, ParentID: tx, HasParent: true, Offset: 100, DataOffset: 1185, Size: 500})
	require.NoError(t, attrStore.SetRoot(context.Background(), di, tx, 100, 1185))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/"+di.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, tx.String(), rec.Header().Get("X-AR-IO-Root-Transaction-Id"))
	require.Equal(t, "1185", rec.Header().Get("X-AR-IO-Data-Item-Data-Offset"))
}

func TestGetDataRangeNotSatisfiable(t *testing.T) {
	di := id(2)
	s, _ := newDataServer(t, map[arid.ID][]byte{di: make([]byte, 500)},
		attributes.Row{ID: di, Size: 500})

	req := httptest.NewRequest("GET", "/"+di.String(), nil)
	req.Header.Set("Range", "bytes=500-600")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestGetDataNotFound(t *testing.T) {
	s, _ := newDataServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/"+id(7).String(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// Chunk JSON delivery: first call misses the offset cache and validates
// from the node, the second hits.
func TestChunkJSONMissThenHit(t *testing.T) {
	const txStart = int64(1000)
	payload := make([]byte, 700)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	tree, err := merkle.BuildTree(payload)
	require.NoError(t, err)

	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"chunk":     crypto.Base64URLEncode(payload),
			"data_path": crypto.Base64URLEncode(tree.Proofs[0].Proof),
		})
	}))
	defer node.Close()

	data, err := chunkstore.NewDataStore(16, time.Hour)
	require.NoError(t, err)
	meta, err := chunkstore.NewMetadataStore(16, time.Hour)
	require.NoError(t, err)
	svc := chunkretrieval.New(gwlog.Nop(), data, meta,
		chunkretrieval.NewMemoryBlockIndex(nil),
		chunkretrieval.NewMemoryTxOffsetIndex([]chunkretrieval.TxPlacement{
			{ID: id(1), DataRoot: tree.DataRoot, DataSize: 700, TxStart: txStart},
		}),
		[]*arweave.Client{arweave.New(node.URL, "test")})

	s := &Server{Log: gwlog.Nop(), Chunks: svc}
	handler := s.Handler()

	url := "/chunk/1000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", url, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "MISS", rec.Header().Get("X-AR-IO-Cache"))

	var body struct {
		Chunk    string `json:"chunk"`
		DataPath string `json:"data_path"`
		Packing  string `json:"packing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "unpacked", body.Packing)
	decoded, err := crypto.Base64URLDecode(body.Chunk)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
	require.LessOrEqual(t, len(decoded), merkle.MaxChunkSize)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest("GET", url, nil))
	require.Equal(t, "HIT", rec2.Header().Get("X-AR-IO-Cache"))
	require.Equal(t, rec.Body.String(), rec2.Body.String())
}

// Broadcast shortfall surfaces the counts in a 500 body.
func TestPostChunkShortfall(t *testing.T) {
	urls := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ok := i < 2
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ok {
				http.Error(w, "down", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)
		urls = append(urls, srv.URL)
	}
	ledger := peers.New(peers.RoleChunks, urls, nil, time.Second)
	b, err := chunkretrieval.NewBroadcaster(gwlog.Nop(), ledger, "test", 1)
	require.NoError(t, err)
	t.Cleanup(b.Release)

	s := &Server{
		Log:                  gwlog.Nop(),
		Broadcaster:          b,
		ChunkPostMinSuccess:  3,
		ChunkPostAbortTimeout: 5 * time.Second,
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/chunk", bytes.NewReader([]byte(`{}`))))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var res chunkretrieval.BroadcastResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 2, res.SuccessCount)
	require.Equal(t, 3, res.FailureCount)
}

func TestQueueBundleAndStatus(t *testing.T) {
	store := bundles.NewMemory()
	always, err := filter.Parse(`{"always":true}`)
	require.NoError(t, err)
	pipeline, err := unbundling.New(gwlog.Nop(), unbundling.DefaultConfig(), store,
		attributes.NewMemory(), nil, always, always)
	require.NoError(t, err)
	t.Cleanup(pipeline.Release)

	s := &Server{Log: gwlog.Nop(), Pipeline: pipeline, Bundles: store}
	handler := s.Handler()

	bid := id(5)
	body, _ := json.Marshal(map[string]string{"id": bid.String()})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/ar-io/admin/queue-bundle", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ar-io/admin/bundle-status/"+bid.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "QUEUED", status["state"])
}

func TestParseRange(t *testing.T) {
	ranges, err := parseRange("", 100)
	require.NoError(t, err)
	require.Nil(t, ranges)

	ranges, err = parseRange("bytes=0-49", 100)
	require.NoError(t, err)
	require.Equal(t, []byteRange{{0, 49}}, ranges)

	ranges, err = parseRange("bytes=50-", 100)
	require.NoError(t, err)
	require.Equal(t, []byteRange{{50, 99}}, ranges)

	ranges, err = parseRange("bytes=-10", 100)
	require.NoError(t, err)
	require.Equal(t, []byteRange{{90, 99}}, ranges)

	ranges, err = parseRange("bytes=0-9,20-29", 100)
	require.NoError(t, err)
	require.Len(t, ranges, 2)

	// End past the payload clamps.
	ranges, err = parseRange("bytes=90-200", 100)
	require.NoError(t, err)
	require.Equal(t, []byteRange{{90, 99}}, ranges)

	_, err = parseRange("bytes=100-", 100)
	require.Error(t, err)

	_, err = parseRange("lines=1-2", 100)
	require.Error(t, err)

	_, err = parseRange("bytes=-10", math.MaxInt64)
	require.Error(t, err)
}

// Package httpapi serves the gateway's HTTP surface: contiguous data by
// id, chunks by absolute offset, chunk broadcast, and the admin and
// info endpoints. Built on net/http's ServeMux with method+wildcard
// patterns — no router library is used anywhere in the retrieval pack,
// and the teacher's own HTTP layer is bare net/http.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/internal/arweave"
	"github.com/ar-io/gateway-node/internal/attributes"
	"github.com/ar-io/gateway-node/internal/bundles"
	"github.com/ar-io/gateway-node/internal/chunkretrieval"
	"github.com/ar-io/gateway-node/internal/datasource"
	"github.com/ar-io/gateway-node/internal/gwerr"
	"github.com/ar-io/gateway-node/internal/unbundling"
)

// Server wires the HTTP handlers to the engine underneath.
type Server struct {
	Log         *zap.Logger
	Data        *datasource.Composite
	Chunks      *chunkretrieval.Service
	Broadcaster *chunkretrieval.Broadcaster
	Pipeline    *unbundling.Pipeline
	Bundles     bundles.Store
	Attrs       attributes.Store

	// Identity/info fields reported by /ar-io/info.
	WalletAddress  string
	Release        string
	UnbundleFilter string
	IndexFilter    string

	ChunkPostMinSuccess  int
	ChunkPostAbortTimeout time.Duration
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ar-io/info", s.handleInfo)
	mux.HandleFunc("GET /ar-io/admin/bundle-status/{id}", s.handleBundleStatus)
	mux.HandleFunc("POST /ar-io/admin/queue-bundle", s.handleQueueBundle)
	mux.HandleFunc("POST /ar-io/admin/queue-data-item", s.handleQueueDataItem)
	mux.HandleFunc("POST /ar-io/admin/export-parquet", s.handleExportParquet)

	// GET patterns also match HEAD; the handlers skip the body themselves.
	mux.HandleFunc("GET /chunk/{offset}", s.handleChunkJSON)
	mux.HandleFunc("GET /chunk/{offset}/data", s.handleChunkData)
	mux.HandleFunc("POST /chunk", s.handlePostChunk)

	mux.HandleFunc("GET /{id...}", s.handleData)

	return mux
}

// requestAttrs extracts the AR.IO request decorations a peer gateway
// may have attached.
func requestAttrs(r *http.Request) arweave.Attributes {
	q := r.URL.Query()
	hops, _ := strconv.Atoi(q.Get("ar-io-hops"))
	return arweave.Attributes{
		Origin:        q.Get("ar-io-origin"),
		OriginRelease: q.Get("ar-io-origin-release"),
		Hops:          hops,
		ArNSRecord:    q.Get("ar-io-arns-record"),
		ArNSBasename:  q.Get("ar-io-arns-basename"),
	}
}

// writeError maps a gwerr kind to its HTTP status; unknown errors are
// 500s with no detail leaked.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := gwerr.KindOf(err)
	status := kind.HTTPStatus()
	if kind == gwerr.KindCancelled {
		// Client already left; nothing useful to write.
		return
	}
	s.Log.Debug("request failed",
		zap.String("path", r.URL.Path),
		zap.String("kind", kind.String()),
		zap.Error(err))
	http.Error(w, kind.String(), status)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"wallet":               s.WalletAddress,
		"release":              s.Release,
		"ans104UnbundleFilter": json.RawMessage(orEmptyObject(s.UnbundleFilter)),
		"ans104IndexFilter":    json.RawMessage(orEmptyObject(s.IndexFilter)),
		"onDemandOrder":        s.Data.Order(),
	}
	writeJSON(w, http.StatusOK, info)
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func (s *Server) handleBundleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := arid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	rec, err := s.Bundles.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                   rec.ID.String(),
		"rootTransactionId":    rec.RootTransactionID.String(),
		"state":                string(rec.State),
		"firstQueuedAt":        timeOrNil(rec.FirstQueuedAt),
		"lastQueuedAt":         timeOrNil(rec.LastQueuedAt),
		"firstSkippedAt":       timeOrNil(rec.FirstSkippedAt),
		"firstUnbundledAt":     timeOrNil(rec.FirstUnbundledAt),
		"firstFullyIndexedAt":  timeOrNil(rec.FirstFullyIndexedAt),
		"importAttemptCount":   rec.ImportAttemptCount,
		"matchedDataItemCount": rec.MatchedDataItemCount,
		"dataItemCount":        rec.DataItemCount,
		"matchedPercent":       matchedPercent(rec.MatchedDataItemCount, rec.DataItemCount),
		"verified":             rec.Verified,
	})
}

// matchedPercent reports the share of a bundle's items that matched the
// index filter, rounded to two decimal places.
func matchedPercent(matched, total int) float64 {
	if total == 0 {
		return 0
	}
	pct, _ := decimal.NewFromInt(int64(matched)).
		Div(decimal.NewFromInt(int64(total))).
		Mul(decimal.NewFromInt(100)).
		Round(2).Float64()
	return pct
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) handleQueueBundle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string `json:"id"`
		RootTxID string `json:"rootTxId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	id, err := arid.Parse(body.ID)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	job := unbundling.Job{ID: id}
	if body.RootTxID != "" {
		root, err := arid.Parse(body.RootTxID)
		if err != nil {
			http.Error(w, "invalid rootTxId", http.StatusBadRequest)
			return
		}
		job.RootTxID = root
	}
	if err := s.Pipeline.Enqueue(r.Context(), job); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleQueueDataItem optimistically indexes data items ahead of their
// bundle's processing: the posted attributes become rows immediately so
// reads can resolve, and the bundle pipeline reconciles later.
func (s *Server) handleQueueDataItem(w http.ResponseWriter, r *http.Request) {
	var items []struct {
		ID          string `json:"id"`
		ParentID    string `json:"parentId"`
		Offset      int64  `json:"offset"`
		DataOffset  int64  `json:"dataOffset"`
		Size        int64  `json:"size"`
		ContentType string `json:"contentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	for _, in := range items {
		id, err := arid.Parse(in.ID)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid id %q", in.ID), http.StatusBadRequest)
			return
		}
		row := attributes.Row{
			ID:          id,
			Offset:      in.Offset,
			DataOffset:  in.DataOffset,
			Size:        in.Size,
			ContentType: in.ContentType,
		}
		if in.ParentID != "" {
			parent, err := arid.Parse(in.ParentID)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid parentId %q", in.ParentID), http.StatusBadRequest)
				return
			}
			row.ParentID = parent
			row.HasParent = true
		}
		if err := s.Attrs.Put(r.Context(), row); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"indexed": len(items)})
}

// handleExportParquet acknowledges an analytics export request with 202
// Accepted. It does not start or forward an export.
func (s *Server) handleExportParquet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// with a short grace window for in-flight streams.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Chunk endpoints: JSON chunk by absolute offset, raw chunk bytes with
// metadata headers, and chunk broadcast.
package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ar-io/gateway-node/crypto"
	"github.com/ar-io/gateway-node/internal/chunkstore"
	"github.com/ar-io/gateway-node/internal/gwerr"
)

func (s *Server) handleChunkJSON(w http.ResponseWriter, r *http.Request) {
	offset, err := strconv.ParseInt(r.PathValue("offset"), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	attrs := requestAttrs(r)

	chunk, err := s.Chunks.GetByAbsoluteOffset(r.Context(), offset, attrs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setChunkHeaders(w, chunk)
	body := map[string]string{
		"chunk":     crypto.Base64URLEncode(chunk.Data),
		"data_path": crypto.Base64URLEncode(chunk.DataPath),
		"packing":   "unpacked",
	}
	if len(chunk.TxPath) > 0 {
		body["tx_path"] = crypto.Base64URLEncode(chunk.TxPath)
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleChunkData(w http.ResponseWriter, r *http.Request) {
	offset, err := strconv.ParseInt(r.PathValue("offset"), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	attrs := requestAttrs(r)

	chunk, err := s.Chunks.GetByAbsoluteOffset(r.Context(), offset, attrs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setChunkHeaders(w, chunk)
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("X-AR-IO-Chunk-Data-Path", crypto.Base64URLEncode(chunk.DataPath))
	h.Set("X-AR-IO-Chunk-Data-Root", chunk.DataRoot.String())
	h.Set("X-AR-IO-Chunk-Relative-Start-Offset", strconv.FormatInt(chunk.RelativeOffset, 10))
	h.Set("X-AR-IO-Chunk-Tx-Data-Size", strconv.FormatInt(chunk.DataSize, 10))
	if len(chunk.TxPath) > 0 {
		h.Set("X-AR-IO-Chunk-Tx-Path", crypto.Base64URLEncode(chunk.TxPath))
	}

	// Absolute placement, when the tx-offset index can produce it.
	if placement, perr := s.Chunks.Place(r.Context(), offset); perr == nil {
		h.Set("X-AR-IO-Chunk-Tx-Id", placement.ID.String())
		h.Set("X-AR-IO-Chunk-Tx-Start-Offset", strconv.FormatInt(placement.TxStart, 10))
		h.Set("X-AR-IO-Chunk-Start-Offset", strconv.FormatInt(placement.TxStart+chunk.RelativeOffset, 10))
		h.Set("X-AR-IO-Chunk-Read-Offset", strconv.FormatInt(offset-placement.TxStart-chunk.RelativeOffset, 10))
	}

	h.Set("Content-Length", strconv.Itoa(len(chunk.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(chunk.Data)
}

func (s *Server) setChunkHeaders(w http.ResponseWriter, chunk chunkstore.Chunk) {
	h := w.Header()
	if chunk.Source == "cache" {
		h.Set("X-AR-IO-Cache", "HIT")
	} else {
		h.Set("X-AR-IO-Cache", "MISS")
	}
	if chunk.Source != "" {
		h.Set("X-AR-IO-Chunk-Source-Type", chunk.Source)
	}
	if chunk.SourceHost != "" {
		h.Set("X-AR-IO-Chunk-Host", chunk.SourceHost)
	}
	digest := crypto.Base64URLEncode(chunk.Hash[:])
	h.Set("X-AR-IO-Digest", digest)
	h.Set("ETag", `"`+digest+`"`)
	h.Set("X-AR-IO-Verified", strconv.FormatBool(chunk.Verified))
}

// handlePostChunk relays an Arweave chunk JSON object to the configured
// chunk-POST peers.
func (s *Server) handlePostChunk(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<21))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	attrs := requestAttrs(r)

	res, err := s.Broadcaster.Broadcast(r.Context(), body, s.ChunkPostMinSuccess, s.ChunkPostAbortTimeout, attrs)
	if err != nil {
		if gwerr.Is(err, gwerr.KindBroadcastShortfall) {
			writeJSON(w, http.StatusInternalServerError, res)
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.Log.Debug("chunk broadcast",
		zap.Int("success", res.SuccessCount),
		zap.Int("failure", res.FailureCount))
	writeJSON(w, http.StatusOK, res)
}

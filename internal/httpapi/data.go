// Contiguous-data handlers: GET/HEAD /{id}[/{path...}], with Range and
// manifest path resolution. The chunk handlers are in chunk.go.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/crypto"
	"github.com/ar-io/gateway-node/internal/arweave"
	"github.com/ar-io/gateway-node/internal/datasource"
	"github.com/ar-io/gateway-node/internal/gwerr"
)

// manifestContentType marks an Arweave path manifest.
const manifestContentType = "application/x.arweave-manifest+json"

// byteRange is one parsed Range specifier, already resolved against the
// payload size.
type byteRange struct {
	start, end int64 // inclusive bounds
}

// parseRange parses a Range header against size. A nil slice with a nil
// error means "no range requested." When the payload size is unknown
// the caller passes math.MaxInt64: explicit start-end ranges still
// resolve, suffix ranges cannot.
func parseRange(header string, size int64) ([]byteRange, error) {
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, fmt.Errorf("unsupported range unit")
	}
	var out []byteRange
	for _, spec := range strings.Split(header[len(prefix):], ",") {
		spec = strings.TrimSpace(spec)
		dash := strings.Index(spec, "-")
		if dash < 0 {
			return nil, fmt.Errorf("malformed range %q", spec)
		}
		startStr, endStr := spec[:dash], spec[dash+1:]
		var r byteRange
		switch {
		case startStr == "" && endStr != "":
			// Suffix range: last N bytes.
			if size == math.MaxInt64 {
				return nil, fmt.Errorf("suffix range against unknown size")
			}
			n, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("malformed suffix range %q", spec)
			}
			if n > size {
				n = size
			}
			r = byteRange{start: size - n, end: size - 1}
		case startStr != "":
			start, err := strconv.ParseInt(startStr, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed range %q", spec)
			}
			if start >= size {
				return nil, gwerr.InvalidRange("httpapi.parseRange",
					fmt.Errorf("start %d >= size %d", start, size))
			}
			end := size - 1
			if endStr != "" {
				end, err = strconv.ParseInt(endStr, 10, 64)
				if err != nil || end < start {
					return nil, fmt.Errorf("malformed range %q", spec)
				}
				if end >= size {
					end = size - 1
				}
			}
			r = byteRange{start: start, end: end}
		default:
			return nil, fmt.Errorf("malformed range %q", spec)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	attrs := requestAttrs(r)

	raw := r.PathValue("id")
	idPart, subPath, _ := strings.Cut(raw, "/")
	id, err := arid.Parse(idPart)
	if err != nil {
		http.Error(w, "invalid identifier", http.StatusBadRequest)
		return
	}

	if subPath != "" {
		resolved, err := s.resolveManifestPath(r, id, subPath, attrs)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		id = resolved
	}

	size := int64(math.MaxInt64)
	if row, err := s.Attrs.Get(r.Context(), id); err == nil && row.Size > 0 {
		size = row.Size
	}

	ranges, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		if gwerr.Is(err, gwerr.KindInvalidRange) {
			http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		} else {
			http.Error(w, "malformed range", http.StatusBadRequest)
		}
		return
	}

	switch {
	case len(ranges) == 0:
		s.serveWhole(w, r, id, attrs)
	case len(ranges) == 1:
		s.serveSingleRange(w, r, id, ranges[0], attrs)
	default:
		s.serveMultiRange(w, r, id, ranges, attrs)
	}
}

func (s *Server) serveWhole(w http.ResponseWriter, r *http.Request, id arid.ID, attrs arweave.Attributes) {
	res, err := s.Data.GetData(r.Context(), datasource.Request{ID: id, Attrs: attrs})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer res.Reader.Close()

	s.setDataHeaders(r.Context(), w, id, res, attrs)
	if res.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, res.Reader); err != nil {
		// Mid-stream failure: the connection is already committed; the
		// mismatch against Content-Length is the client's signal.
		s.Log.Debug("data stream aborted", zap.String("id", id.String()), zap.Error(err))
	}
}

func (s *Server) serveSingleRange(w http.ResponseWriter, r *http.Request, id arid.ID, br byteRange, attrs arweave.Attributes) {
	region := &datasource.Region{Offset: br.start, Size: br.end - br.start + 1}
	res, err := s.Data.GetData(r.Context(), datasource.Request{ID: id, Region: region, Attrs: attrs})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer res.Reader.Close()

	s.setDataHeaders(r.Context(), w, id, res, attrs)
	// A truncated region (request past payload end) answers with the
	// delivered bounds, not the requested ones.
	end := br.start + res.Size - 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", br.start, end, s.totalSize(r.Context(), id)))
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, res.Reader); err != nil {
		s.Log.Debug("range stream aborted", zap.String("id", id.String()), zap.Error(err))
	}
}

// serveMultiRange answers a multi-range request as multipart/byteranges,
// resolving each part through the stack independently.
func (s *Server) serveMultiRange(w http.ResponseWriter, r *http.Request, id arid.ID, ranges []byteRange, attrs arweave.Attributes) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}

	total := s.totalSize(r.Context(), id)
	for _, br := range ranges {
		region := &datasource.Region{Offset: br.start, Size: br.end - br.start + 1}
		res, err := s.Data.GetData(r.Context(), datasource.Request{ID: id, Region: region, Attrs: attrs})
		if err != nil {
			// Bytes may already be on the wire; terminate rather than
			// restart on another source.
			s.Log.Debug("multi-range part failed", zap.String("id", id.String()), zap.Error(err))
			return
		}
		header := textproto.MIMEHeader{}
		if res.ContentType != "" {
			header.Set("Content-Type", res.ContentType)
		}
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", br.start, br.start+res.Size-1, total))
		part, err := mw.CreatePart(header)
		if err != nil {
			res.Reader.Close()
			return
		}
		_, err = io.Copy(part, res.Reader)
		res.Reader.Close()
		if err != nil {
			return
		}
	}
	mw.Close()
}

// totalSize reports the full payload size for Content-Range, or "*"
// when unknown.
func (s *Server) totalSize(ctx context.Context, id arid.ID) string {
	if row, err := s.Attrs.Get(ctx, id); err == nil && row.Size > 0 {
		return strconv.FormatInt(row.Size, 10)
	}
	return "*"
}

func (s *Server) setDataHeaders(ctx context.Context, w http.ResponseWriter, id arid.ID, res *datasource.Result, attrs arweave.Attributes) {
	h := w.Header()
	if res.ContentType != "" {
		h.Set("Content-Type", res.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	h.Set("X-AR-IO-Verified", strconv.FormatBool(res.Verified))
	h.Set("X-AR-IO-Trusted", strconv.FormatBool(res.Trusted))
	if res.Cached {
		h.Set("X-AR-IO-Cache", "HIT")
	} else {
		h.Set("X-AR-IO-Cache", "MISS")
	}
	h.Set("X-AR-IO-Data-Id", id.String())
	if row, err := s.Attrs.Get(ctx, id); err == nil && row.HasRoot {
		h.Set("X-AR-IO-Root-Transaction-Id", row.RootTransactionID.String())
		h.Set("X-AR-IO-Data-Item-Data-Offset", strconv.FormatInt(row.RootDataOffset, 10))
	}
	h.Set("X-AR-IO-Hops", strconv.Itoa(attrs.Hops))
	if attrs.Origin != "" {
		h.Set("X-AR-IO-Origin", attrs.Origin)
	}
	if attrs.OriginRelease != "" {
		h.Set("X-AR-IO-Origin-Node-Release", attrs.OriginRelease)
	}
	if attrs.ArNSName != "" {
		h.Set("X-ArNS-Name", attrs.ArNSName)
	}
	if attrs.ArNSBasename != "" {
		h.Set("X-ArNS-Basename", attrs.ArNSBasename)
	}
	if attrs.ArNSRecord != "" {
		h.Set("X-ArNS-Record", attrs.ArNSRecord)
	}
	if res.HasHash {
		digest := crypto.Base64URLEncode(res.Hash[:])
		h.Set("X-AR-IO-Digest", digest)
		h.Set("ETag", `"`+digest+`"`)
		h.Set("Content-Digest", "sha-256=:"+digest+":")
	}
}

// resolveManifestPath resolves a sub-path beneath a manifest id to the
// target data item id listed in the manifest's paths map.
func (s *Server) resolveManifestPath(r *http.Request, id arid.ID, subPath string, attrs arweave.Attributes) (arid.ID, error) {
	res, err := s.Data.GetData(r.Context(), datasource.Request{ID: id, Attrs: attrs})
	if err != nil {
		return arid.ID{}, err
	}
	defer res.Reader.Close()
	if res.ContentType != "" && res.ContentType != manifestContentType {
		return arid.ID{}, gwerr.NotFound("httpapi.manifest",
			fmt.Errorf("%s is not a path manifest", id))
	}

	var manifest struct {
		Index struct {
			Path string `json:"path"`
		} `json:"index"`
		Paths map[string]struct {
			ID string `json:"id"`
		} `json:"paths"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Reader, 1<<22)).Decode(&manifest); err != nil {
		return arid.ID{}, gwerr.NotFound("httpapi.manifest", err)
	}

	if subPath == "" && manifest.Index.Path != "" {
		subPath = manifest.Index.Path
	}
	entry, ok := manifest.Paths[subPath]
	if !ok {
		return arid.ID{}, gwerr.NotFound("httpapi.manifest",
			fmt.Errorf("path %q not in manifest %s", subPath, id))
	}
	return arid.Parse(entry.ID)
}

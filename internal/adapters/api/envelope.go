package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"geneatlas/internal/diff"
	"geneatlas/internal/model"
)

// APIVersion is reported in every envelope.
const APIVersion = "v1"

type envelope struct {
	APIVersion string           `json:"api_version"`
	Dataset    *model.DatasetID `json:"dataset,omitempty"`
	Data       any              `json:"data"`
	Meta       *meta            `json:"meta,omitempty"`
	Provenance *provenance      `json:"provenance,omitempty"`
}

type meta struct {
	NextCursor *string `json:"next_cursor"`
}

type diffData struct {
	Diff model.DiffPage `json:"diff"`
	QC   diff.QC        `json:"qc"`
}

type provenance struct {
	DatasetHash            string `json:"dataset_hash"`
	Release                string `json:"release"`
	Species                string `json:"species"`
	Assembly               string `json:"assembly"`
	ManifestVersion        string `json:"manifest_version"`
	DBSchemaVersion        string `json:"db_schema_version"`
	DatasetSignatureSHA256 string `json:"dataset_signature_sha256"`
	FromDatasetHash        string `json:"from_dataset_hash,omitempty"`
}

func provenanceOf(to model.ArtifactManifest, from *model.ArtifactManifest) *provenance {
	p := &provenance{
		DatasetHash:            to.Checksums.SQLiteSHA256,
		Release:                to.Dataset.Release,
		Species:                to.Dataset.Species,
		Assembly:               to.Dataset.Assembly,
		ManifestVersion:        to.ManifestVersion,
		DBSchemaVersion:        to.DBSchemaVersion,
		DatasetSignatureSHA256: to.DatasetSignatureSHA256,
	}
	if from != nil {
		p.FromDatasetHash = from.Checksums.SQLiteSHA256
	}
	return p
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	RequestID string         `json:"request_id,omitempty"`
}

// encodedBody is a serialized response with its strong validator.
type encodedBody struct {
	body []byte
	etag string
}

func encodeBody(v any) (encodedBody, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return encodedBody{}, fmt.Errorf("encode response: %w", err)
	}
	sum := blake3.Sum256(b)
	return encodedBody{body: b, etag: `"` + hex.EncodeToString(sum[:]) + `"`}, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, requestID string, e *Error) {
	if e.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.retryAfter))
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	writeJSON(w, e.Status, errorBody{Error: errorPayload{
		Code:      e.Code,
		Message:   e.Message,
		Details:   details,
		RequestID: requestID,
	}})
}

// compressor negotiates and applies response compression.
type compressor struct {
	enabled  bool
	minBytes int
	zstd     *zstd.Encoder
}

func newCompressor(enabled bool, minBytes int) (*compressor, error) {
	c := &compressor{enabled: enabled, minBytes: minBytes}
	if !enabled {
		return c, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	c.zstd = enc
	return c, nil
}

func acceptsEncoding(header, name string) bool {
	for _, part := range strings.Split(header, ",") {
		token, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(token), name) {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

// compress returns the body encoded for the client and the content coding
// used, empty for identity.
func (c *compressor) compress(body []byte, acceptEncoding string) ([]byte, string, error) {
	if !c.enabled || len(body) < c.minBytes {
		return body, "", nil
	}
	switch {
	case acceptsEncoding(acceptEncoding, "zstd"):
		return c.zstd.EncodeAll(body, make([]byte, 0, len(body)/2)), "zstd", nil
	case acceptsEncoding(acceptEncoding, "gzip"):
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, "", err
		}
		if err := zw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "gzip", nil
	default:
		return body, "", nil
	}
}

func etagMatches(ifNoneMatch, etag string) bool {
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// writeBody sends an encoded envelope honouring If-None-Match, compression
// and the response size ceiling. It returns the number of body bytes written.
func (h *Handler) writeBody(w http.ResponseWriter, r *http.Request, requestID string, enc encodedBody, cacheFor time.Duration) int {
	hdr := w.Header()
	hdr.Set("ETag", enc.etag)
	hdr.Set("Vary", "Accept-Encoding")
	if cacheFor > 0 {
		hdr.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(cacheFor/time.Second)))
	} else {
		hdr.Set("Cache-Control", "no-cache")
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && etagMatches(inm, enc.etag) {
		w.WriteHeader(http.StatusNotModified)
		return 0
	}
	out, coding, err := h.compressor.compress(enc.body, r.Header.Get("Accept-Encoding"))
	if err != nil {
		writeError(w, requestID, newError(http.StatusInternalServerError, CodeInternal, "response compression failed", nil))
		return 0
	}
	if len(out) > h.opts.ResponseMaxBytes {
		hdr.Del("ETag")
		hdr.Del("Cache-Control")
		writeError(w, requestID, newError(http.StatusRequestEntityTooLarge, CodeQueryRejectedByPolicy,
			"response size exceeds configured limit",
			map[string]any{"size_bytes": len(out), "max": h.opts.ResponseMaxBytes}))
		return 0
	}
	hdr.Set("Content-Type", "application/json; charset=utf-8")
	hdr.Set("Content-Length", strconv.Itoa(len(out)))
	if coding != "" {
		hdr.Set("Content-Encoding", coding)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return 0
	}
	n, _ := w.Write(out)
	return n
}

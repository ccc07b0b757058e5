package httpapi

import (
	"bytes"
	"net/http"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/canonical"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/internal/idempotency"
)

const headerIdempotencyKey = "idempotency-key"

// recorder buffers a handler's response so a first execution can be cached
// before it is written out.
type recorder struct {
	status int
	body   bytes.Buffer
	header http.Header
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *recorder) Header() http.Header        { return r.header }
func (r *recorder) WriteHeader(code int)       { r.status = code }
func (r *recorder) Write(b []byte) (int, error) { return r.body.Write(b) }

// writeFunc executes the actual mutation with the parsed body bytes.
type writeFunc func(w http.ResponseWriter, r *http.Request, body []byte)

// idempotent wraps a write handler with the replay registry: a repeated key
// with the same payload hash replays the cached bytes verbatim; a different
// hash conflicts. Only non-5xx outcomes are cached so transient failures
// stay retryable under the same key.
func (h *handler) idempotent(operationID string, by actor.Actor, next writeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerIdempotencyKey)
		if key == "" {
			writeError(w, r, errors.SchemaInvalid("idempotency-key header is required for writes"))
			return
		}
		body, err := readBody(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		payload := body
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		hash, err := canonical.HashBytes(payload)
		if err != nil {
			writeError(w, r, errors.SchemaInvalid("request body must be valid JSON").WithCause(err))
			return
		}

		scopeKey := idempotency.ScopeKey(by, operationID, key)
		if rec, err := h.idem.Check(r.Context(), scopeKey, hash); err != nil {
			writeError(w, r, err)
			return
		} else if rec != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.Result)
			return
		}

		rec := newRecorder()
		next(rec, r, body)

		if rec.status < http.StatusInternalServerError {
			if err := h.idem.Save(r.Context(), scopeKey, hash, rec.status, rec.body.Bytes()); err != nil {
				writeError(w, r, err)
				return
			}
		}
		for k, vals := range rec.header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(rec.status)
		_, _ = w.Write(rec.body.Bytes())
	}
}

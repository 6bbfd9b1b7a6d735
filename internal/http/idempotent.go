package httpapi

import (
	"bytes"
	"net/http"

	"github.com/example/ride-dispatch/internal/idempotency"
)

const idempotencyHeader = "Idempotency-Key"

// withIdempotency replays a cached response byte for byte when the
// client retries with the same Idempotency-Key. The wrapped handler runs
// at most once per key within the guard's TTL.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" || s.Guard == nil {
			next(w, r)
			return
		}

		if e, ok, err := s.Guard.Get(r.Context(), key); err != nil {
			// A broken cache must not block the request; run it fresh.
			s.logger.Warn("idempotency lookup failed", "key", key, "error", err)
		} else if ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(e.Status)
			w.Write(e.Body)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		entry := idempotency.Entry{Key: key, Status: rec.status, Body: rec.body.Bytes()}
		if err := s.Guard.Set(r.Context(), entry); err != nil {
			s.logger.Warn("idempotency store failed", "key", key, "error", err)
		}
	}
}

type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recordingWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recordingWriter) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

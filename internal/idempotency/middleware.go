package idempotency

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentmux/gateway/internal/httpx"
)

// HeaderKey carries the client's idempotency key.
const HeaderKey = "Idempotency-Key"

// HeaderReplayed marks a response served from the cache or another
// caller's execution rather than a fresh one.
const HeaderReplayed = "X-Idempotent-Replayed"

// Policy selects which requests the idempotency layer applies to.
type Policy struct {
	// Methods is the set of HTTP methods gated by the cache.
	Methods []string

	// ExcludePaths lists path prefixes that bypass the cache entirely.
	ExcludePaths []string
}

// DefaultPolicy gates the standard mutating methods with no exclusions.
func DefaultPolicy() Policy {
	return Policy{Methods: []string{http.MethodPost, http.MethodPut, http.MethodPatch}}
}

func (p Policy) applies(r *http.Request) bool {
	for _, prefix := range p.ExcludePaths {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return false
		}
	}
	for _, m := range p.Methods {
		if strings.EqualFold(m, r.Method) {
			return true
		}
	}
	return false
}

// recorder captures a handler's response so it can be both returned to
// the caller and stored for replay.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: http.Header{}, status: http.StatusOK}
}

func (rw *recorder) Header() http.Header { return rw.header }

func (rw *recorder) WriteHeader(status int) { rw.status = status }

func (rw *recorder) Write(b []byte) (int, error) { return rw.body.Write(b) }

// Middleware applies the idempotency contract to mutating requests that
// carry an Idempotency-Key: a completed duplicate replays the stored
// response, a concurrent duplicate waits for the in-flight execution, and
// a key reused with different request content is rejected.
func Middleware(cache *Cache, pol Policy, log zerolog.Logger) func(http.Handler) http.Handler {
	log = log.With().Str("component", "idempotency").Logger()
	if len(pol.Methods) == 0 {
		pol.Methods = DefaultPolicy().Methods
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" || !pol.applies(r) {
				next.ServeHTTP(w, r)
				return
			}
			if !ValidKey(key) {
				httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidIdempotencyKey,
					"idempotency key length must be between 8 and 256 characters")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidRequest, "failed to read request body")
				return
			}
			r.Body.Close()
			fp := Fingerprint(r.Method, r.URL.Path, body)

			if rec, ok := cache.Get(key); ok {
				if rec.Fingerprint != fp {
					rejectMismatch(w, r, key, log)
					return
				}
				metricReplays.Inc()
				writeRecord(w, rec)
				return
			}
			if pfp, ok := cache.PendingFingerprint(key); ok && pfp != fp {
				rejectMismatch(w, r, key, log)
				return
			}

			var live *recorder
			rec, coalesced := cache.Execute(key, fp, func() *Record {
				// The body is fully buffered; downstream sees plain bytes
				// with an exact length, not the original transfer framing.
				r.Body = io.NopCloser(bytes.NewReader(body))
				r.ContentLength = int64(len(body))
				r.TransferEncoding = nil
				r.Header.Del("Transfer-Encoding")
				r.Header.Del("Content-Encoding")
				rw := newRecorder()
				next.ServeHTTP(rw, r)
				live = rw
				return &Record{
					Key:         key,
					Fingerprint: fp,
					StatusCode:  rw.status,
					Headers:     CacheableHeaders(rw.header),
					Body:        bytes.Clone(rw.body.Bytes()),
				}
			})

			// A flight joined between the pending check and Execute may
			// belong to a different request; verify before replaying.
			if rec.Fingerprint != fp {
				rejectMismatch(w, r, key, log)
				return
			}
			if !coalesced && live != nil {
				for name, values := range live.header {
					w.Header()[name] = values
				}
				w.WriteHeader(live.status)
				_, _ = w.Write(live.body.Bytes())
				return
			}
			metricCoalesced.Inc()
			writeRecord(w, rec)
		})
	}
}

func rejectMismatch(w http.ResponseWriter, r *http.Request, key string, log zerolog.Logger) {
	metricMismatches.Inc()
	log.Warn().Str("idempotency_key", key).Msg("key reused with different request content")
	httpx.WriteError(w, r, http.StatusUnprocessableEntity, httpx.CodeIdempotencyKeyMismatch,
		"idempotency key was already used with a different request")
}

func writeRecord(w http.ResponseWriter, rec *Record) {
	for name, values := range rec.Headers {
		w.Header()[name] = values
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
}

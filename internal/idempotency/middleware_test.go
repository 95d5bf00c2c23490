package idempotency

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdempotentServer(cache *Cache, handler http.HandlerFunc) http.Handler {
	return Middleware(cache, DefaultPolicy(), zerolog.Nop())(handler)
}

func postRequest(key, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/publish", strings.NewReader(body))
	if key != "" {
		r.Header.Set(HeaderKey, key)
	}
	return r
}

func TestMiddlewarePassthroughWithoutKey(t *testing.T) {
	cache := NewCache(Options{})
	calls := 0
	handler := newIdempotentServer(cache, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, postRequest("", `{}`))
		assert.Equal(t, http.StatusCreated, rec.Code)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, cache.Size())
}

func TestMiddlewareIgnoresReads(t *testing.T) {
	cache := NewCache(Options{})
	calls := 0
	handler := newIdempotentServer(cache, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hub/stats", nil)
	req.Header.Set(HeaderKey, "key-00000001")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, cache.Size())
}

func TestMiddlewareSkipsExcludedPaths(t *testing.T) {
	cache := NewCache(Options{})
	pol := DefaultPolicy()
	pol.ExcludePaths = []string{"/api/v1/maintenance"}
	calls := 0
	handler := Middleware(cache, pol, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/drain", strings.NewReader(`{}`))
		req.Header.Set(HeaderKey, "key-00000001")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, cache.Size())
}

func TestMiddlewareRejectsBadKeyLength(t *testing.T) {
	cache := NewCache(Options{})
	handler := newIdempotentServer(cache, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for an invalid key")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postRequest("short", `{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_IDEMPOTENCY_KEY")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, postRequest(strings.Repeat("k", 257), `{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	cache := NewCache(Options{})
	var calls atomic.Int32
	handler := newIdempotentServer(cache, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, `{"n":1}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Resource-ID", "res-1")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"res-1"}`)
	})

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, postRequest("key-00000001", `{"n":1}`))
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(HeaderReplayed))

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, postRequest("key-00000001", `{"n":1}`))
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, `{"id":"res-1"}`, second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, "res-1", second.Header().Get("X-Resource-ID"))

	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddlewareStripsTransferFraming(t *testing.T) {
	cache := NewCache(Options{})
	handler := newIdempotentServer(cache, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Encoding"))
		assert.Empty(t, r.Header.Get("Transfer-Encoding"))
		assert.Empty(t, r.TransferEncoding)
		assert.Equal(t, int64(7), r.ContentLength)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, `{"n":1}`, string(body))
		w.WriteHeader(http.StatusCreated)
	})

	req := postRequest("key-00000001", `{"n":1}`)
	req.Header.Set("Content-Encoding", "identity")
	req.Header.Set("Transfer-Encoding", "chunked")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestMiddlewareRejectsFingerprintMismatch(t *testing.T) {
	cache := NewCache(Options{})
	handler := newIdempotentServer(cache, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	handler.ServeHTTP(httptest.NewRecorder(), postRequest("key-00000001", `{"n":1}`))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postRequest("key-00000001", `{"n":2}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "IDEMPOTENCY_KEY_MISMATCH")
}

func TestMiddlewareDoesNotCacheServerErrors(t *testing.T) {
	cache := NewCache(Options{})
	var calls atomic.Int32
	handler := newIdempotentServer(cache, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, postRequest("key-00000001", `{}`))
	assert.Equal(t, http.StatusInternalServerError, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, postRequest("key-00000001", `{}`))
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Empty(t, second.Header().Get(HeaderReplayed))
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddlewareCachesClientErrors(t *testing.T) {
	cache := NewCache(Options{})
	var calls atomic.Int32
	handler := newIdempotentServer(cache, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	handler.ServeHTTP(httptest.NewRecorder(), postRequest("key-00000001", `{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postRequest("key-00000001", `{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderReplayed))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddlewareCoalescesConcurrentDuplicates(t *testing.T) {
	cache := NewCache(Options{})
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := newIdempotentServer(cache, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"res-1"}`)
	})

	recorders := [2]*httptest.ResponseRecorder{httptest.NewRecorder(), httptest.NewRecorder()}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.ServeHTTP(recorders[0], postRequest("key-00000001", `{}`))
	}()

	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.ServeHTTP(recorders[1], postRequest("key-00000001", `{}`))
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, rec := range recorders {
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, `{"id":"res-1"}`, rec.Body.String())
	}
}

func TestMiddlewareRejectsConcurrentMismatchFast(t *testing.T) {
	cache := NewCache(Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := newIdempotentServer(cache, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
	})

	go handler.ServeHTTP(httptest.NewRecorder(), postRequest("key-00000001", `{"n":1}`))
	<-entered

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postRequest("key-00000001", `{"n":2}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	close(release)
}

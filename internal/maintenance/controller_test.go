package maintenance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeTransitions(t *testing.T) {
	c := NewController(zerolog.Nop())
	assert.Equal(t, ModeRunning, c.Mode())
	assert.False(t, c.Rejecting())

	require.NoError(t, c.EnterMaintenance("db migration"))
	assert.Equal(t, ModeMaintenance, c.Mode())
	assert.True(t, c.Rejecting())
	assert.Equal(t, "db migration", c.Snapshot().Reason)

	require.NoError(t, c.Resume())
	assert.Equal(t, ModeRunning, c.Mode())
	assert.False(t, c.Rejecting())
}

func TestDrainingIsTerminal(t *testing.T) {
	c := NewController(zerolog.Nop())
	require.NoError(t, c.StartDraining(30*time.Second, "deploy"))
	assert.True(t, c.Draining())

	assert.Error(t, c.Resume())
	assert.Error(t, c.EnterMaintenance("nope"))
	assert.Equal(t, ModeDraining, c.Mode())

	// A second drain call keeps the original deadline.
	require.NoError(t, c.StartDraining(5*time.Second, "again"))
	assert.Equal(t, 30, c.Snapshot().DeadlineSeconds)
}

func TestDrainDeadlineBounds(t *testing.T) {
	c := NewController(zerolog.Nop())
	assert.ErrorIs(t, c.StartDraining(0, ""), ErrInvalidDeadline)
	assert.ErrorIs(t, c.StartDraining(500*time.Millisecond, ""), ErrInvalidDeadline)
	assert.ErrorIs(t, c.StartDraining(301*time.Second, ""), ErrInvalidDeadline)
	require.NoError(t, c.StartDraining(MaxDrainDeadline, ""))
}

func TestInflightTrackingIsSymmetric(t *testing.T) {
	c := NewController(zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.BeginRequest()
			defer c.EndRequest()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), c.Inflight())
}

func TestAwaitDrainedCompletesWhenIdle(t *testing.T) {
	c := NewController(zerolog.Nop())
	require.NoError(t, c.StartDraining(5*time.Second, ""))
	require.NoError(t, c.AwaitDrained(context.Background()))
}

func TestAwaitDrainedWaitsForInflight(t *testing.T) {
	c := NewController(zerolog.Nop())
	c.BeginRequest()
	require.NoError(t, c.StartDraining(10*time.Second, ""))

	done := make(chan error, 1)
	go func() { done <- c.AwaitDrained(context.Background()) }()

	time.Sleep(150 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("drain finished with a request still inflight")
	default:
	}

	c.EndRequest()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not observe the released request")
	}
}

func TestAwaitDrainedDeadline(t *testing.T) {
	c := NewController(zerolog.Nop())
	c.BeginRequest()
	defer c.EndRequest()
	require.NoError(t, c.StartDraining(time.Second, ""))

	err := c.AwaitDrained(context.Background())
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
}

func TestRetryAfterReflectsDrainRemaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := NewController(zerolog.Nop(), WithClock(clock))

	assert.Equal(t, 30, c.RetryAfterSeconds())
	require.NoError(t, c.EnterMaintenance(""))
	assert.Equal(t, 30, c.RetryAfterSeconds())

	require.NoError(t, c.Resume())
	require.NoError(t, c.StartDraining(20*time.Second, ""))
	assert.Equal(t, 20, c.RetryAfterSeconds())

	mu.Lock()
	now = now.Add(12 * time.Second)
	mu.Unlock()
	assert.Equal(t, 8, c.RetryAfterSeconds())

	mu.Lock()
	now = now.Add(30 * time.Second)
	mu.Unlock()
	assert.Equal(t, 1, c.RetryAfterSeconds())
}

func newGatedServer(c *Controller) http.Handler {
	mw := Middleware(c, []string{"/healthz", "/api/v1/maintenance"}, nil)
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMiddlewareRejectsMutationsDuringMaintenance(t *testing.T) {
	c := NewController(zerolog.Nop())
	handler := newGatedServer(c)
	require.NoError(t, c.EnterMaintenance("window"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/publish", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "MAINTENANCE_MODE")

	// Reads still pass.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/hub/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsMutationsDuringDrain(t *testing.T) {
	c := NewController(zerolog.Nop())
	handler := newGatedServer(c)
	require.NoError(t, c.StartDraining(30*time.Second, ""))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/thing", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "DRAINING")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMiddlewareAllowListBypassesGate(t *testing.T) {
	c := NewController(zerolog.Nop())
	handler := newGatedServer(c)
	require.NoError(t, c.StartDraining(30*time.Second, ""))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/resume", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareTracksInflight(t *testing.T) {
	c := NewController(zerolog.Nop())
	release := make(chan struct{})
	mw := Middleware(c, nil, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))

	go handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	require.Eventually(t, func() bool { return c.Inflight() == 1 }, time.Second, 10*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return c.Inflight() == 0 }, time.Second, 10*time.Millisecond)
}

// A handler on an untracked path can outlive a drain without holding the
// inflight counter, the way the long-lived WebSocket route does.
func TestMiddlewareSkipsInflightForUntrackedPaths(t *testing.T) {
	c := NewController(zerolog.Nop())
	entered := make(chan struct{})
	release := make(chan struct{})
	mw := Middleware(c, nil, []string{"/ws"})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))

	go handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	defer close(release)

	<-entered
	assert.Equal(t, int64(0), c.Inflight())

	require.NoError(t, c.StartDraining(time.Second, ""))
	require.NoError(t, c.AwaitDrained(context.Background()))
}

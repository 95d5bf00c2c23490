// Package maintenance coordinates the gateway's operational modes:
// normal running, a reversible maintenance window that rejects mutating
// traffic, and a terminal drain used for graceful shutdown. The
// controller tracks inflight requests so a drain can hand off once the
// last one completes.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Mode is the gateway's operational state.
type Mode string

const (
	ModeRunning     Mode = "running"
	ModeMaintenance Mode = "maintenance"
	ModeDraining    Mode = "draining"
)

// Drain deadlines are bounded; anything outside is an operator mistake.
const (
	MinDrainDeadline = 1 * time.Second
	MaxDrainDeadline = 300 * time.Second
)

// ErrInvalidDeadline reports a drain deadline outside [1s, 300s].
var ErrInvalidDeadline = errors.New("drain deadline out of range")

// ErrDeadlineExceeded reports a drain that timed out with requests still
// inflight.
var ErrDeadlineExceeded = errors.New("drain deadline exceeded")

// Status is the operator-visible snapshot of the controller.
type Status struct {
	Mode            Mode      `json:"mode"`
	Reason          string    `json:"reason,omitempty"`
	Since           time.Time `json:"since,omitempty"`
	DeadlineSeconds int       `json:"deadlineSeconds,omitempty"`
	Inflight        int64     `json:"inflight"`
}

// Controller owns the mode state machine. Transitions: running and
// maintenance may both enter draining; draining is terminal for the
// process. Running and maintenance interconvert freely.
type Controller struct {
	log zerolog.Logger
	now func() time.Time

	mu       sync.RWMutex
	mode     Mode
	reason   string
	since    time.Time
	deadline time.Duration

	inflight atomic.Int64
}

// Option adjusts controller construction.
type Option func(*Controller)

// WithClock overrides the clock, for drain tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController starts in running mode.
func NewController(log zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		log:  log.With().Str("component", "maintenance").Logger(),
		now:  time.Now,
		mode: ModeRunning,
	}
	for _, o := range opts {
		o(c)
	}
	c.since = c.now()
	return c
}

// Mode returns the current operational mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Draining reports whether the terminal drain has begun. New WebSocket
// upgrades are refused from that point on.
func (c *Controller) Draining() bool {
	return c.Mode() == ModeDraining
}

// Rejecting reports whether mutating HTTP traffic should be turned away.
func (c *Controller) Rejecting() bool {
	mode := c.Mode()
	return mode == ModeMaintenance || mode == ModeDraining
}

// Snapshot returns the operator-visible status.
func (c *Controller) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Mode:            c.mode,
		Reason:          c.reason,
		Since:           c.since,
		DeadlineSeconds: int(c.deadline / time.Second),
		Inflight:        c.inflight.Load(),
	}
}

// EnterMaintenance switches to the reversible maintenance window.
// Draining is terminal and cannot be downgraded.
func (c *Controller) EnterMaintenance(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeDraining {
		return fmt.Errorf("cannot enter maintenance while draining")
	}
	c.mode = ModeMaintenance
	c.reason = reason
	c.since = c.now()
	c.log.Warn().Str("reason", reason).Msg("maintenance mode entered")
	return nil
}

// Resume returns to running mode. A drain in progress cannot be resumed.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeDraining {
		return fmt.Errorf("cannot resume while draining")
	}
	c.mode = ModeRunning
	c.reason = ""
	c.since = c.now()
	c.log.Info().Msg("resumed normal operation")
	return nil
}

// StartDraining enters the terminal drain with the given deadline.
// Calling it again while draining only logs; the first deadline stands.
func (c *Controller) StartDraining(deadline time.Duration, reason string) error {
	if deadline < MinDrainDeadline || deadline > MaxDrainDeadline {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidDeadline, deadline, MinDrainDeadline, MaxDrainDeadline)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeDraining {
		c.log.Warn().Msg("drain already in progress")
		return nil
	}
	c.mode = ModeDraining
	c.reason = reason
	c.since = c.now()
	c.deadline = deadline
	c.log.Warn().Dur("deadline", deadline).Str("reason", reason).Msg("draining started")
	return nil
}

// RetryAfterSeconds is the Retry-After hint for rejected requests: the
// drain's remaining time, or a fixed backoff during maintenance.
func (c *Controller) RetryAfterSeconds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mode == ModeDraining {
		remaining := c.deadline - c.now().Sub(c.since)
		if remaining < time.Second {
			return 1
		}
		return int((remaining + time.Second - 1) / time.Second)
	}
	return 30
}

// BeginRequest registers one inflight request. Callers must pair it with
// EndRequest on every path, including panics.
func (c *Controller) BeginRequest() {
	c.inflight.Add(1)
	metricInflight.Inc()
}

// EndRequest releases one inflight request.
func (c *Controller) EndRequest() {
	c.inflight.Add(-1)
	metricInflight.Dec()
}

// Inflight returns the number of requests currently being served.
func (c *Controller) Inflight() int64 {
	return c.inflight.Load()
}

// AwaitDrained blocks until every inflight request finishes, the drain
// deadline passes, or the context is canceled. It polls at 100ms; drain
// completion does not need finer resolution.
func (c *Controller) AwaitDrained(ctx context.Context) error {
	c.mu.RLock()
	deadline := c.since.Add(c.deadline)
	c.mu.RUnlock()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.inflight.Load() == 0 {
			c.log.Info().Msg("drain complete")
			return nil
		}
		if !c.now().Before(deadline) {
			remaining := c.inflight.Load()
			c.log.Warn().Int64("inflight", remaining).Msg("drain deadline exceeded")
			return fmt.Errorf("%w: %d requests still inflight", ErrDeadlineExceeded, remaining)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Heartbeater periodically broadcasts a heartbeat frame to every connection
// and reaps connections that have not answered within the timeout. The
// reaper is the only path that removes a silently dead transport; fan-out
// send failures alone never unregister a connection.
type Heartbeater struct {
	hub      *Hub
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewHeartbeater wires a heartbeat loop to the hub. Zero interval and
// timeout select 30s and 90s.
func NewHeartbeater(h *Hub, interval, timeout time.Duration, log zerolog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Heartbeater{
		hub:      h,
		interval: interval,
		timeout:  timeout,
		log:      log.With().Str("component", "heartbeat").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop; call Stop to end it.
func (hb *Heartbeater) Start() {
	go hb.run()
}

// Stop ends the loop and waits for it to exit. Idempotent.
func (hb *Heartbeater) Stop() {
	hb.once.Do(func() { close(hb.stop) })
	<-hb.done
}

func (hb *Heartbeater) run() {
	defer close(hb.done)
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hb.stop:
			return
		case <-ticker.C:
			hb.tick()
		}
	}
}

func (hb *Heartbeater) tick() {
	sent := hb.hub.Broadcast(HeartbeatFrame{
		Type:       FrameHeartbeat,
		ServerTime: Timestamp(hb.hub.now()),
	})
	hb.log.Debug().Int("sent", sent).Msg("heartbeat broadcast")

	for _, id := range hb.hub.DeadConnections(hb.timeout) {
		hb.log.Info().Str("connection_id", id).Dur("timeout", hb.timeout).Msg("reaping dead connection")
		_ = hb.hub.CloseConnection(id, CloseHeartbeatTimeout, "heartbeat timeout")
	}
}

// Janitor periodically prunes expired history entries and drops buffers
// that are empty with no subscribers.
type Janitor struct {
	hub      *Hub
	interval time.Duration
	log      zerolog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewJanitor wires a cleanup sweep to the hub. Zero interval selects 60s.
func NewJanitor(h *Hub, interval time.Duration, log zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		hub:      h,
		interval: interval,
		log:      log.With().Str("component", "janitor").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (j *Janitor) Start() {
	go j.run()
}

// Stop ends the sweep loop and waits for it to exit. Idempotent.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stop) })
	<-j.done
}

func (j *Janitor) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			pruned := j.hub.PruneBuffers()
			removed := j.hub.PruneUnusedBuffers()
			if pruned > 0 || removed > 0 {
				j.log.Debug().Int("entries_pruned", pruned).Int("buffers_removed", removed).Msg("cleanup sweep")
			}
		}
	}
}

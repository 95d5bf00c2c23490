// Package producer feeds the built-in system channels: periodic host
// health snapshots and gateway throughput metrics, published through the
// same fan-out path as every other event.
package producer

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/agentmux/gateway/internal/channel"
	"github.com/agentmux/gateway/internal/hub"
)

type healthSnapshot struct {
	Status            string  `json:"status"`
	UptimeSeconds     int64   `json:"uptimeSeconds"`
	Connections       int     `json:"connections"`
	Goroutines        int     `json:"goroutines"`
	CPUPercent        float64 `json:"cpuPercent"`
	Load1             float64 `json:"load1"`
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
}

type metricsSnapshot struct {
	MessagesPerSecond float64            `json:"messagesPerSecond"`
	Connections       int                `json:"connections"`
	Subscriptions     int                `json:"subscriptions"`
	Channels          int                `json:"channels"`
	BufferUtilization map[string]float64 `json:"bufferUtilization"`
	HeapAllocBytes    uint64             `json:"heapAllocBytes"`
	Goroutines        int                `json:"goroutines"`
}

// System runs the health and metrics publishing loops.
type System struct {
	hub *hub.Hub
	log zerolog.Logger

	healthInterval  time.Duration
	metricsInterval time.Duration
	startedAt       time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewSystem wires the producers to the hub. Zero intervals select 30s for
// health and 15s for metrics.
func NewSystem(h *hub.Hub, log zerolog.Logger, healthInterval, metricsInterval time.Duration) *System {
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	if metricsInterval <= 0 {
		metricsInterval = 15 * time.Second
	}
	return &System{
		hub:             h,
		log:             log.With().Str("component", "producer").Logger(),
		healthInterval:  healthInterval,
		metricsInterval: metricsInterval,
		startedAt:       time.Now(),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches both loops; call Stop to end them.
func (s *System) Start() {
	go s.run()
}

// Stop ends the loops and waits for them to exit. Idempotent.
func (s *System) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *System) run() {
	defer close(s.done)
	health := time.NewTicker(s.healthInterval)
	defer health.Stop()
	metrics := time.NewTicker(s.metricsInterval)
	defer metrics.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-health.C:
			s.publishHealth()
		case <-metrics.C:
			s.publishMetrics()
		}
	}
}

func (s *System) publishHealth() {
	snapshot := healthSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt) / time.Second),
		Connections:   s.hub.ConnectionCount(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snapshot.CPUPercent = percents[0]
	}
	if avg, err := load.Avg(); err == nil {
		snapshot.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot.MemoryUsedPercent = vm.UsedPercent
	}

	if _, err := s.hub.Publish(channel.SystemHealth, "health_snapshot", snapshot, nil); err != nil {
		s.log.Error().Err(err).Msg("health snapshot publish failed")
	}
}

func (s *System) publishMetrics() {
	stats := s.hub.HubStats()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snapshot := metricsSnapshot{
		MessagesPerSecond: stats.MessagesPerSecond,
		Connections:       stats.Connections,
		Subscriptions:     stats.Subscriptions,
		Channels:          stats.Channels,
		BufferUtilization: stats.BufferUtilization,
		HeapAllocBytes:    ms.HeapAlloc,
		Goroutines:        runtime.NumGoroutine(),
	}

	if _, err := s.hub.Publish(channel.SystemMetrics, "metrics_snapshot", snapshot, nil); err != nil {
		s.log.Error().Err(err).Msg("metrics snapshot publish failed")
	}
}

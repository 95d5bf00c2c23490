// Command gateway runs the AgentMux real-time gateway: the WebSocket
// fan-out hub, the HTTP control surface, and the optional event-bus
// ingest bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/agentmux/gateway/internal/api"
	"github.com/agentmux/gateway/internal/config"
	"github.com/agentmux/gateway/internal/hub"
	"github.com/agentmux/gateway/internal/idempotency"
	"github.com/agentmux/gateway/internal/ingest"
	"github.com/agentmux/gateway/internal/maintenance"
	"github.com/agentmux/gateway/internal/producer"
	"github.com/agentmux/gateway/internal/transport"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Str("addr", cfg.Addr()).Msg("gateway starting")

	h := hub.New(hub.Options{
		Logger:            log,
		AckRequired:       cfg.AckRequiredSet(),
		ServerVersion:     version,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval.Std(),
		MaxPendingAcks:    cfg.Hub.MaxPendingAcks,
	})

	heartbeater := hub.NewHeartbeater(h, cfg.Hub.HeartbeatInterval.Std(), cfg.Hub.ConnectionTimeout.Std(), log)
	heartbeater.Start()
	defer heartbeater.Stop()

	janitor := hub.NewJanitor(h, cfg.Hub.JanitorInterval.Std(), log)
	janitor.Start()
	defer janitor.Stop()

	cache := idempotency.NewCache(idempotency.Options{
		TTL:        cfg.Idempotency.TTL.Std(),
		MaxRecords: cfg.Idempotency.MaxRecords,
	})
	cache.Start(cfg.Idempotency.SweepInterval.Std())
	defer cache.Stop()

	ctrl := maintenance.NewController(log)

	if cfg.Producers.Enabled {
		system := producer.NewSystem(h, log, cfg.Producers.HealthInterval.Std(), cfg.Producers.MetricsInterval.Std())
		system.Start()
		defer system.Stop()
	}

	if cfg.NATS.Enabled {
		bridge := ingest.NewBridge(h, log, cfg.NATS.URL, cfg.NATS.Subject)
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Stop()
	}

	ws := transport.NewServer(transport.Options{
		Logger:            log,
		Hub:               h,
		Drainer:           ctrl,
		MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
		Burst:             cfg.WebSocket.Burst,
		QueueSize:         cfg.WebSocket.QueueSize,
	})

	drainRequested := make(chan struct{}, 1)
	srv := api.NewServer(api.Options{
		Logger:      log,
		Hub:         h,
		Maintenance: ctrl,
		Idempotency: cache,
		IdempotencyPolicy: idempotency.Policy{
			Methods:      cfg.Idempotency.Methods,
			ExcludePaths: cfg.Idempotency.ExcludePaths,
		},
		WebSocket:            ws,
		Version:              version,
		DefaultDrainDeadline: cfg.Drain.DefaultDeadline.Std(),
		OnDrain: func() {
			select {
			case drainRequested <- struct{}{}:
			default:
			}
		},
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-signals:
		log.Warn().Str("signal", sig.String()).Msg("shutdown signal received")
		if err := ctrl.StartDraining(cfg.Drain.DefaultDeadline.Std(), "signal "+sig.String()); err != nil {
			return err
		}
	case <-drainRequested:
		log.Warn().Msg("drain requested over HTTP")
	}

	// A second signal aborts the graceful path.
	go func() {
		sig := <-signals
		log.Error().Str("signal", sig.String()).Msg("second signal, exiting immediately")
		os.Exit(1)
	}()

	if err := ctrl.AwaitDrained(context.Background()); err != nil {
		log.Warn().Err(err).Msg("drain incomplete, shutting down anyway")
	}

	// Open WebSockets are not counted as inflight HTTP; close whatever is
	// still connected before the listener goes down.
	if n := h.CloseAll(hub.CloseGoingAway, "server shutting down"); n > 0 {
		log.Info().Int("connections", n).Msg("remaining connections closed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	log.Info().Msg("gateway stopped")
	return nil
}

func newLogger(cfg config.Log) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var out = os.Stdout
	logger := zerolog.New(out)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "agentmux-gateway").Logger(), nil
}

// Package config loads gateway settings with three layers of precedence:
// compiled defaults, an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that parses "30s" style strings from both
// YAML and environment values.
type Duration time.Duration

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Bare integers are taken as nanoseconds, matching time.Duration.
		var n int64
		if intErr := unmarshal(&n); intErr == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Server holds the HTTP listener settings.
type Server struct {
	Host         string   `yaml:"host" env:"GATEWAY_HOST"`
	Port         int      `yaml:"port" env:"GATEWAY_PORT"`
	ReadTimeout  Duration `yaml:"read_timeout" env:"GATEWAY_READ_TIMEOUT"`
	WriteTimeout Duration `yaml:"write_timeout" env:"GATEWAY_WRITE_TIMEOUT"`
}

// Log holds logging settings.
type Log struct {
	Level  string `yaml:"level" env:"GATEWAY_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"GATEWAY_LOG_PRETTY"`
}

// Hub holds fan-out core settings.
type Hub struct {
	HeartbeatInterval   Duration `yaml:"heartbeat_interval" env:"GATEWAY_HEARTBEAT_INTERVAL"`
	ConnectionTimeout   Duration `yaml:"connection_timeout" env:"GATEWAY_CONNECTION_TIMEOUT"`
	JanitorInterval     Duration `yaml:"janitor_interval" env:"GATEWAY_JANITOR_INTERVAL"`
	MaxPendingAcks      int      `yaml:"max_pending_acks" env:"GATEWAY_MAX_PENDING_ACKS"`
	AckRequiredPrefixes []string `yaml:"ack_required_prefixes" env:"GATEWAY_ACK_REQUIRED_PREFIXES" envSeparator:","`
}

// WebSocket holds transport settings.
type WebSocket struct {
	MessagesPerSecond float64 `yaml:"messages_per_second" env:"GATEWAY_WS_MESSAGES_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"GATEWAY_WS_BURST"`
	QueueSize         int     `yaml:"queue_size" env:"GATEWAY_WS_QUEUE_SIZE"`
}

// Idempotency holds replay-cache settings.
type Idempotency struct {
	TTL           Duration `yaml:"ttl" env:"GATEWAY_IDEMPOTENCY_TTL"`
	MaxRecords    int      `yaml:"max_records" env:"GATEWAY_IDEMPOTENCY_MAX_RECORDS"`
	SweepInterval Duration `yaml:"sweep_interval" env:"GATEWAY_IDEMPOTENCY_SWEEP_INTERVAL"`
	Methods       []string `yaml:"methods" env:"GATEWAY_IDEMPOTENCY_METHODS" envSeparator:","`
	ExcludePaths  []string `yaml:"exclude_paths" env:"GATEWAY_IDEMPOTENCY_EXCLUDE_PATHS" envSeparator:","`
}

// Drain holds shutdown settings.
type Drain struct {
	DefaultDeadline Duration `yaml:"default_deadline" env:"GATEWAY_DRAIN_DEADLINE"`
}

// NATS holds the optional event-ingest bridge settings.
type NATS struct {
	Enabled bool   `yaml:"enabled" env:"GATEWAY_NATS_ENABLED"`
	URL     string `yaml:"url" env:"GATEWAY_NATS_URL"`
	Subject string `yaml:"subject" env:"GATEWAY_NATS_SUBJECT"`
}

// Producers holds the built-in system channel producer settings.
type Producers struct {
	Enabled         bool     `yaml:"enabled" env:"GATEWAY_PRODUCERS_ENABLED"`
	HealthInterval  Duration `yaml:"health_interval" env:"GATEWAY_HEALTH_INTERVAL"`
	MetricsInterval Duration `yaml:"metrics_interval" env:"GATEWAY_METRICS_INTERVAL"`
}

// Config is the full gateway configuration.
type Config struct {
	Server      Server      `yaml:"server"`
	Log         Log         `yaml:"log"`
	Hub         Hub         `yaml:"hub"`
	WebSocket   WebSocket   `yaml:"websocket"`
	Idempotency Idempotency `yaml:"idempotency"`
	Drain       Drain       `yaml:"drain"`
	NATS        NATS        `yaml:"nats"`
	Producers   Producers   `yaml:"producers"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
		},
		Log: Log{Level: "info"},
		Hub: Hub{
			HeartbeatInterval: Duration(30 * time.Second),
			ConnectionTimeout: Duration(90 * time.Second),
			JanitorInterval:   Duration(time.Minute),
			MaxPendingAcks:    10000,
			AckRequiredPrefixes: []string{
				"workspace:conflicts",
				"workspace:reservations",
				"user:notifications",
			},
		},
		WebSocket: WebSocket{
			MessagesPerSecond: 50,
			Burst:             100,
			QueueSize:         1000,
		},
		Idempotency: Idempotency{
			TTL:           Duration(24 * time.Hour),
			MaxRecords:    10000,
			SweepInterval: Duration(time.Minute),
			Methods:       []string{"POST", "PUT", "PATCH"},
		},
		Drain: Drain{DefaultDeadline: Duration(30 * time.Second)},
		NATS: NATS{
			URL:     "nats://localhost:4222",
			Subject: "agentmux.events.>",
		},
		Producers: Producers{
			Enabled:         true,
			HealthInterval:  Duration(30 * time.Second),
			MetricsInterval: Duration(15 * time.Second),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty the file must exist), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	err := env.ParseWithOptions(&cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(Duration(0)): func(v string) (any, error) {
				d, err := time.ParseDuration(v)
				return Duration(d), err
			},
		},
	})
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Hub.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Hub.ConnectionTimeout <= c.Hub.HeartbeatInterval {
		return fmt.Errorf("connection timeout %s must exceed heartbeat interval %s",
			c.Hub.ConnectionTimeout, c.Hub.HeartbeatInterval)
	}
	if c.WebSocket.QueueSize < 1 {
		return fmt.Errorf("websocket queue size must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AckRequiredSet converts the configured prefixes into the hub's set form.
func (c Config) AckRequiredSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Hub.AckRequiredPrefixes))
	for _, p := range c.Hub.AckRequiredPrefixes {
		out[p] = struct{}{}
	}
	return out
}

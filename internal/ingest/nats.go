// Package ingest bridges external event sources into the hub. Backend
// services publish envelopes on a NATS subject; the bridge validates each
// one and republishes it on the target channel so remote producers and
// in-process producers share one fan-out path.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/agentmux/gateway/internal/channel"
	"github.com/agentmux/gateway/internal/hub"
)

var (
	metricIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ingest_events_total",
		Help: "Envelopes accepted from the event bus.",
	})

	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ingest_rejected_total",
		Help: "Envelopes rejected, by reason.",
	}, []string{"reason"})
)

// Envelope is the bus wire format for one event.
type Envelope struct {
	Channel  string          `json:"channel"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata *hub.Metadata   `json:"metadata,omitempty"`
}

// Bridge subscribes to the configured subject and republishes envelopes
// through the hub.
type Bridge struct {
	log     zerolog.Logger
	hub     *hub.Hub
	url     string
	subject string

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewBridge prepares a bridge; Start connects it.
func NewBridge(h *hub.Hub, log zerolog.Logger, url, subject string) *Bridge {
	return &Bridge{
		log:     log.With().Str("component", "ingest").Logger(),
		hub:     h,
		url:     url,
		subject: subject,
	}
}

// Start connects to the bus and subscribes. The connection retries
// forever; a gateway without its event feed is not serving its purpose.
func (b *Bridge) Start() error {
	conn, err := nats.Connect(b.url,
		nats.Name("agentmux-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warn().Err(err).Msg("event bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info().Str("url", nc.ConnectedUrl()).Msg("event bus reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect event bus at %s: %w", b.url, err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(b.subject, b.handle)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	b.log.Info().Str("url", b.url).Str("subject", b.subject).Msg("event bus connected")
	return nil
}

// Stop drains the subscription so in-flight envelopes finish, then closes.
func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Bridge) handle(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		metricRejected.WithLabelValues("malformed").Inc()
		b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed envelope")
		return
	}
	ch, err := channel.Parse(env.Channel)
	if err != nil {
		metricRejected.WithLabelValues("invalid_channel").Inc()
		b.log.Warn().Str("channel", env.Channel).Str("subject", msg.Subject).Msg("envelope for invalid channel")
		return
	}
	if env.Type == "" {
		metricRejected.WithLabelValues("missing_type").Inc()
		b.log.Warn().Str("channel", env.Channel).Msg("envelope without event type")
		return
	}

	if _, err := b.hub.Publish(ch, env.Type, env.Payload, env.Metadata); err != nil {
		metricRejected.WithLabelValues("publish_failed").Inc()
		b.log.Error().Err(err).Str("channel", env.Channel).Msg("republish failed")
		return
	}
	metricIngested.Inc()
}

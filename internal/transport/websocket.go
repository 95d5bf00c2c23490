// Package transport is the WebSocket edge of the gateway: it upgrades
// HTTP connections, pumps frames between the socket and the hub, and
// enforces the per-connection inbound rate limit and outbound queue bound.
package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentmux/gateway/internal/channel"
	"github.com/agentmux/gateway/internal/httpx"
	"github.com/agentmux/gateway/internal/hub"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20

	// A client that keeps sending through throttling gets disconnected.
	maxThrottleStrikes = 10
)

// Drainer gates new upgrades during shutdown.
type Drainer interface {
	Draining() bool
}

// Options configures the WebSocket server.
type Options struct {
	Logger  zerolog.Logger
	Hub     *hub.Hub
	Drainer Drainer

	// MessagesPerSecond bounds inbound client frames; zero selects 50
	// with a burst of 100.
	MessagesPerSecond float64
	Burst             int

	// QueueSize bounds the per-connection outbound queue; zero selects
	// 1000. Overflow closes the connection rather than block fan-out.
	QueueSize int
}

// Server upgrades and serves WebSocket clients.
type Server struct {
	log     zerolog.Logger
	hub     *hub.Hub
	drainer Drainer

	msgRate   rate.Limit
	burst     int
	queueSize int

	upgrader websocket.Upgrader
}

// NewServer builds the WebSocket endpoint handler.
func NewServer(opts Options) *Server {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 100
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	return &Server{
		log:       opts.Logger.With().Str("component", "transport").Logger(),
		hub:       opts.Hub,
		drainer:   opts.Drainer,
		msgRate:   rate.Limit(opts.MessagesPerSecond),
		burst:     opts.Burst,
		queueSize: opts.QueueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway sits behind the platform's edge proxy, which
			// owns origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles one upgrade. Upgrades are refused while draining so
// clients reconnect against a healthy instance.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.drainer != nil && s.drainer.Draining() {
		w.Header().Set("Retry-After", "5")
		httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeDraining,
			"gateway is draining; reconnect to another instance")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	ws.SetReadLimit(maxMessageSize)

	sender := newQueueSender(ws, s.queueSize)
	go sender.writePump()

	conn := s.hub.AddConnection(sender, nil)
	s.readPump(conn, ws, sender)
}

func (s *Server) readPump(conn *hub.Connection, ws *websocket.Conn, sender *queueSender) {
	defer func() {
		s.hub.RemoveConnection(conn.ID)
		sender.shutdown()
	}()

	limiter := rate.NewLimiter(s.msgRate, s.burst)
	strikes := 0

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connection_id", conn.ID).Err(err).Msg("read failed")
			}
			return
		}

		if !limiter.Allow() {
			strikes++
			if strikes > maxThrottleStrikes {
				_ = s.hub.SendToConnection(conn.ID,
					hub.NewErrorFrame(hub.CodeRateLimited, "message rate limit exceeded"))
				_ = sender.Close(hub.CloseRateLimited, "message rate limit exceeded")
				return
			}
			reservation := limiter.Reserve()
			delay := reservation.Delay()
			reservation.Cancel()
			_ = s.hub.SendToConnection(conn.ID, hub.ThrottledFrame{
				Type:          hub.FrameThrottled,
				Message:       "message rate limit exceeded, slow down",
				ResumeAfterMs: delay.Milliseconds(),
			})
			continue
		}
		strikes = 0

		s.dispatch(conn, data)
	}
}

// dispatch parses one client frame strictly and routes it. Malformed JSON
// and unknown fields both yield INVALID_FORMAT; the connection stays open.
func (s *Server) dispatch(conn *hub.Connection, data []byte) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var frame hub.ClientFrame
	if err := dec.Decode(&frame); err != nil {
		s.sendError(conn.ID, hub.NewErrorFrame(hub.CodeInvalidFormat, "frame is not a valid JSON object"))
		return
	}

	switch frame.Type {
	case hub.ClientSubscribe:
		s.handleSubscribe(conn, frame)
	case hub.ClientUnsubscribe:
		s.handleUnsubscribe(conn, frame)
	case hub.ClientBackfill:
		s.handleBackfill(conn, frame)
	case hub.ClientPing:
		s.handlePing(conn, frame)
	case hub.ClientReconnect:
		s.handleReconnect(conn, frame)
	case hub.ClientAck:
		s.handleAck(conn, frame)
	default:
		s.sendError(conn.ID, hub.NewErrorFrame(hub.CodeInvalidFormat, "unknown frame type "+strconv.Quote(frame.Type)))
	}
}

func (s *Server) handleSubscribe(conn *hub.Connection, frame hub.ClientFrame) {
	ch, err := channel.Parse(frame.Channel)
	if err != nil {
		s.sendChannelError(conn.ID, frame.Channel)
		return
	}
	res, err := s.hub.Subscribe(conn.ID, ch, frame.Cursor)
	if err != nil {
		return
	}
	_ = s.hub.SendToConnection(conn.ID, hub.SubscribedFrame{
		Type:    hub.FrameSubscribed,
		Channel: string(ch),
		Cursor:  res.Cursor,
	})
	if len(res.Missed) > 0 {
		_, _ = s.hub.DeliverBacklog(conn.ID, ch, res.Missed)
	}
}

func (s *Server) handleUnsubscribe(conn *hub.Connection, frame hub.ClientFrame) {
	ch, err := channel.Parse(frame.Channel)
	if err != nil {
		s.sendChannelError(conn.ID, frame.Channel)
		return
	}
	if err := s.hub.Unsubscribe(conn.ID, ch); err != nil {
		return
	}
	_ = s.hub.SendToConnection(conn.ID, hub.UnsubscribedFrame{
		Type:    hub.FrameUnsubscribed,
		Channel: string(ch),
	})
}

func (s *Server) handleBackfill(conn *hub.Connection, frame hub.ClientFrame) {
	ch, err := channel.Parse(frame.Channel)
	if err != nil {
		s.sendChannelError(conn.ID, frame.Channel)
		return
	}
	res := s.hub.Replay(ch, frame.FromCursor, frame.Limit)
	messages := res.Messages
	if messages == nil {
		messages = []*hub.Message{}
	}
	_ = s.hub.SendToConnection(conn.ID, hub.BackfillResponseFrame{
		Type:       hub.FrameBackfillResponse,
		Channel:    string(ch),
		Messages:   messages,
		LastCursor: res.LastCursor,
		HasMore:    res.HasMore,
	})
}

func (s *Server) handlePing(conn *hub.Connection, frame hub.ClientFrame) {
	_ = s.hub.UpdateHeartbeat(conn.ID)
	subscriptions, cursors, err := s.hub.SubscriptionState(conn.ID)
	if err != nil {
		return
	}
	_ = s.hub.SendToConnection(conn.ID, hub.PongFrame{
		Type:          hub.FramePong,
		Timestamp:     frame.Timestamp,
		ServerTime:    hub.Timestamp(time.Now()),
		Subscriptions: subscriptions,
		Cursors:       cursors,
	})
}

func (s *Server) handleReconnect(conn *hub.Connection, frame hub.ClientFrame) {
	cursors := make(map[channel.Channel]hub.Cursor, len(frame.Cursors))
	for raw, cursor := range frame.Cursors {
		ch, err := channel.Parse(raw)
		if err != nil {
			s.sendChannelError(conn.ID, raw)
			continue
		}
		cursors[ch] = cursor
	}
	res, err := s.hub.HandleReconnect(conn.ID, cursors)
	if err != nil {
		return
	}
	_ = s.hub.SendToConnection(conn.ID, hub.ReconnectAckFrame{
		Type:                hub.FrameReconnectAck,
		Replayed:            res.Replayed,
		Expired:             res.Expired,
		NewCursors:          res.NewCursors,
		PendingAcksReplayed: res.PendingAcksReplayed,
	})
}

func (s *Server) handleAck(conn *hub.Connection, frame hub.ClientFrame) {
	if len(frame.MessageIDs) == 0 {
		s.sendError(conn.ID, hub.NewErrorFrame(hub.CodeInvalidFormat, "ack requires at least one message id"))
		return
	}
	acknowledged, notFound, err := s.hub.HandleAck(conn.ID, frame.MessageIDs)
	if err != nil {
		return
	}
	if acknowledged == nil {
		acknowledged = []string{}
	}
	if notFound == nil {
		notFound = []string{}
	}
	_ = s.hub.SendToConnection(conn.ID, hub.AckResponseFrame{
		Type:         hub.FrameAckResponse,
		Acknowledged: acknowledged,
		NotFound:     notFound,
	})
}

func (s *Server) sendChannelError(connID, raw string) {
	frame := hub.NewErrorFrame(hub.CodeInvalidChannel, "channel name does not match scope:type[:id]")
	frame.Channel = raw
	s.sendError(connID, frame)
}

func (s *Server) sendError(connID string, frame hub.ErrorFrame) {
	if err := s.hub.SendToConnection(connID, frame); err != nil {
		s.log.Debug().Str("connection_id", connID).Err(err).Msg("error frame not delivered")
	}
}

// queueSender is the hub.Sender over a gorilla connection: a bounded
// queue drained by a single writer goroutine. Send never blocks.
type queueSender struct {
	ws    *websocket.Conn
	queue chan []byte

	once   sync.Once
	closed chan struct{}
}

func newQueueSender(ws *websocket.Conn, size int) *queueSender {
	return &queueSender{
		ws:     ws,
		queue:  make(chan []byte, size),
		closed: make(chan struct{}),
	}
}

func (q *queueSender) Send(data []byte) error {
	select {
	case <-q.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case q.queue <- data:
		return nil
	default:
		return hub.ErrQueueFull
	}
}

func (q *queueSender) Close(code int, reason string) error {
	var err error
	q.once.Do(func() {
		deadline := time.Now().Add(writeTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		err = q.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		close(q.closed)
		_ = q.ws.Close()
	})
	return err
}

// shutdown tears the socket down without a close frame, for paths where
// the peer is already gone.
func (q *queueSender) shutdown() {
	q.once.Do(func() {
		close(q.closed)
		_ = q.ws.Close()
	})
}

func (q *queueSender) writePump() {
	for {
		select {
		case <-q.closed:
			return
		case data := <-q.queue:
			_ = q.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := q.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				q.shutdown()
				return
			}
		}
	}
}

// Package hub implements the gateway's in-process fan-out broker: a
// channel directory with bounded per-channel history, cursor-based resume,
// per-message acknowledgment on designated channels, and connection
// heartbeating. The hub is reentrant; concurrent publishers to the same
// channel are linearized by that channel's buffer.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmux/gateway/internal/channel"
)

// CloseRateLimited is the close code used when a connection exceeds its
// outbound queue or pending-ack bound.
const CloseRateLimited = 4429

// CloseHeartbeatTimeout is used when the dead-connection reaper removes a
// connection that stopped answering heartbeats.
const CloseHeartbeatTimeout = 4408

// CloseGoingAway is the standard going-away code used when shutdown
// force-closes connections that outlived the drain deadline.
const CloseGoingAway = 1001

// ErrInvalidChannel reports a publish or subscribe against a channel
// string that matches neither canonical form.
var ErrInvalidChannel = errors.New("invalid channel")

// Options configures a Hub. Zero values select the documented defaults.
type Options struct {
	Logger zerolog.Logger

	// AckRequired is the set of channel prefixes whose messages are
	// tracked until acknowledged. Nil selects channel.DefaultAckRequired.
	AckRequired map[string]struct{}

	ServerVersion string

	// HeartbeatInterval is advertised to clients in the connected frame.
	HeartbeatInterval time.Duration

	// MaxPendingAcks bounds the per-connection pending-ack map; a
	// connection exceeding it is closed with WS_RATE_LIMITED. Default 10000.
	MaxPendingAcks int

	// Now overrides the clock, for retention tests.
	Now func() time.Time
}

type channelState struct {
	// mu linearizes push+fan-out so per-subscriber delivery order equals
	// the buffer's sequence order. Distinct channels are independent.
	mu   sync.Mutex
	ring *Ring
}

// Hub is the connection registry and dispatch core.
type Hub struct {
	opts Options
	now  func() time.Time
	log  zerolog.Logger

	mu      sync.RWMutex
	conns   map[string]*Connection
	subs    map[channel.Channel]map[string]*Connection
	buffers map[channel.Channel]*channelState

	msgCount   atomic.Uint64
	statsSince atomic.Int64

	lossMu        sync.Mutex
	sendFailures  map[string]uint64
	cursorExpired map[string]uint64
	lastDropAt    time.Time
}

// New creates an empty hub.
func New(opts Options) *Hub {
	if opts.AckRequired == nil {
		opts.AckRequired = channel.DefaultAckRequired()
	}
	if opts.MaxPendingAcks <= 0 {
		opts.MaxPendingAcks = 10000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	h := &Hub{
		opts:          opts,
		now:           opts.Now,
		log:           opts.Logger.With().Str("component", "hub").Logger(),
		conns:         make(map[string]*Connection),
		subs:          make(map[channel.Channel]map[string]*Connection),
		buffers:       make(map[channel.Channel]*channelState),
		sendFailures:  make(map[string]uint64),
		cursorExpired: make(map[string]uint64),
	}
	h.statsSince.Store(h.now().UnixNano())
	return h
}

// ============================================================================
// CONNECTION LIFECYCLE
// ============================================================================

// AddConnection admits a connection and emits the connected server frame.
func (h *Hub) AddConnection(sender Sender, auth any) *Connection {
	now := h.now()
	conn := newConnection(uuid.NewString(), sender, auth, now)

	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
	metricConnections.Inc()

	frame := ConnectedFrame{
		Type:          FrameConnected,
		ConnectionID:  conn.ID,
		ServerTime:    Timestamp(now),
		ServerVersion: h.opts.ServerVersion,
		Capabilities: &Capabilities{
			Backfill:       true,
			Compression:    false,
			Acknowledgment: true,
		},
		HeartbeatIntervalMs: h.opts.HeartbeatInterval.Milliseconds(),
	}
	if err := conn.send(frame); err != nil {
		h.log.Warn().Str("connection_id", conn.ID).Err(err).Msg("connected frame not delivered")
	}
	h.log.Info().Str("connection_id", conn.ID).Msg("connection admitted")
	return conn
}

// RemoveConnection unregisters a connection; its subscriptions and pending
// acks die with it.
func (h *Hub) RemoveConnection(id string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, id)
	for ch, set := range h.subs {
		delete(set, id)
		if len(set) == 0 {
			delete(h.subs, ch)
		}
	}
	h.mu.Unlock()

	metricConnections.Dec()
	metricSubscriptions.Sub(float64(len(conn.subscriptionCursors())))
	metricAcksPending.Sub(float64(conn.pendingCount()))
	h.log.Info().Str("connection_id", id).Msg("connection removed")
}

// CloseConnection closes the transport and then unregisters.
func (h *Hub) CloseConnection(id string, code int, reason string) error {
	h.mu.RLock()
	conn, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}
	if err := conn.close(code, reason); err != nil {
		h.log.Debug().Str("connection_id", id).Err(err).Msg("transport close failed")
	}
	h.RemoveConnection(id)
	return nil
}

// CloseAll force-closes every remaining connection and returns how many
// were closed. Shutdown calls it after the drain deadline.
func (h *Hub) CloseAll(code int, reason string) int {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		_ = h.CloseConnection(id, code, reason)
	}
	return len(ids)
}

// Connection returns the live connection for id.
func (h *Hub) Connection(id string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[id]
	return conn, ok
}

// ConnectionCount is used by the drain controller and the producers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

// SubscribeResult reports the outcome of one subscription: the newest
// retained cursor (if any), the messages missed since the client's cursor,
// and whether that cursor had left retention.
type SubscribeResult struct {
	Cursor  Cursor
	Missed  []*Message
	Expired bool
}

// Subscribe registers a subscription. A valid cursor yields the messages
// strictly after it; an invalid or expired one yields the full retained
// history with Expired set (only reconnect surfaces that flag to clients).
func (h *Hub) Subscribe(id string, ch channel.Channel, cursor Cursor) (SubscribeResult, error) {
	h.mu.Lock()
	if _, ok := h.conns[id]; !ok {
		h.mu.Unlock()
		return SubscribeResult{}, ErrConnectionNotFound
	}
	st := h.bufferLocked(ch)
	h.mu.Unlock()

	// Registration and the backlog snapshot happen under the channel lock:
	// a concurrent publish holds it across push+fan-out, so each message
	// lands either in Missed or in live delivery, never both.
	st.mu.Lock()
	h.mu.Lock()
	conn, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		st.mu.Unlock()
		return SubscribeResult{}, ErrConnectionNotFound
	}
	set := h.subs[ch]
	if set == nil {
		set = make(map[string]*Connection)
		h.subs[ch] = set
	}
	_, had := set[id]
	set[id] = conn
	h.mu.Unlock()

	conn.subscribe(ch)

	res := SubscribeResult{}
	if latest, ok := st.ring.LatestCursor(); ok {
		res.Cursor = latest
	}
	if cursor != "" {
		if st.ring.IsValidCursor(cursor) {
			res.Missed = st.ring.Slice(cursor, 0)
		} else {
			res.Missed = st.ring.All(0)
			res.Expired = true
			h.noteCursorExpired(ch)
		}
	}
	st.mu.Unlock()

	if !had {
		metricSubscriptions.Inc()
	}
	return res, nil
}

// Unsubscribe drops one subscription; the channel's buffer stays until the
// cleanup sweep finds it empty and unobserved.
func (h *Hub) Unsubscribe(id string, ch channel.Channel) error {
	h.mu.Lock()
	conn, ok := h.conns[id]
	if ok {
		if set := h.subs[ch]; set != nil {
			if _, had := set[id]; had {
				delete(set, id)
				metricSubscriptions.Dec()
			}
			if len(set) == 0 {
				delete(h.subs, ch)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}
	conn.unsubscribe(ch)
	return nil
}

// ============================================================================
// PUBLISH / FAN-OUT
// ============================================================================

// Publish builds a message, records it in the channel's history, and fans
// it out to every subscriber. Delivery is best effort per subscriber: a
// failed send is counted, a queue overflow closes that connection, and
// neither affects the remaining subscribers. Publish returns once every
// send is enqueued; it never waits for transport flush.
func (h *Hub) Publish(ch channel.Channel, msgType string, payload any, meta *Metadata) (*Message, error) {
	if !channel.Valid(string(ch)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, ch)
	}

	msg, err := newMessage(ch, msgType, payload, meta, h.now())
	if err != nil {
		h.log.Error().Str("channel", string(ch)).Err(err).Msg("payload serialization failed")
		h.sendErrorToSubscribers(ch, CodeSerialization, "message payload could not be serialized")
		return nil, err
	}

	st := h.buffer(ch)
	ackRequired := h.isAckRequired(ch)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.ring.Push(msg)
	data, err := json.Marshal(MessageFrame{Type: FrameMessage, Message: msg, AckRequired: ackRequired})
	if err != nil {
		h.log.Error().Str("channel", string(ch)).Err(err).Msg("frame serialization failed")
		h.sendErrorToSubscribers(ch, CodeSerialization, "message frame could not be serialized")
		return msg, nil
	}

	prefix := ch.Prefix()
	now := h.now()
	for _, conn := range h.subscriberSnapshot(ch) {
		if err := conn.deliver(ch, data, msg, ackRequired, now); err != nil {
			h.noteSendFailure(ch, conn, err)
			continue
		}
		metricDelivered.WithLabelValues(prefix).Inc()
		if ackRequired {
			metricAcksPending.Inc()
			h.enforcePendingAckBound(conn)
		}
	}

	metricPublished.WithLabelValues(prefix).Inc()
	h.msgCount.Add(1)
	return msg, nil
}

// DeliverBacklog replays missed messages to one connection, flagging and
// tracking ack-required entries exactly as live fan-out does. Returns how
// many frames were delivered.
func (h *Hub) DeliverBacklog(id string, ch channel.Channel, msgs []*Message) (int, error) {
	conn, ok := h.Connection(id)
	if !ok {
		return 0, ErrConnectionNotFound
	}
	ackRequired := h.isAckRequired(ch)
	now := h.now()
	delivered := 0
	for _, msg := range msgs {
		data, err := json.Marshal(MessageFrame{Type: FrameMessage, Message: msg, AckRequired: ackRequired})
		if err != nil {
			h.log.Error().Str("channel", string(ch)).Err(err).Msg("backlog frame serialization failed")
			continue
		}
		if err := conn.deliver(ch, data, msg, ackRequired, now); err != nil {
			h.noteSendFailure(ch, conn, err)
			break
		}
		delivered++
		metricDelivered.WithLabelValues(ch.Prefix()).Inc()
		if ackRequired {
			metricAcksPending.Inc()
			h.enforcePendingAckBound(conn)
		}
	}
	return delivered, nil
}

func (h *Hub) enforcePendingAckBound(conn *Connection) {
	if conn.pendingCount() <= h.opts.MaxPendingAcks {
		return
	}
	h.log.Warn().Str("connection_id", conn.ID).
		Int("pending", conn.pendingCount()).
		Int("limit", h.opts.MaxPendingAcks).
		Msg("pending-ack bound exceeded, closing connection")
	_ = h.CloseConnection(conn.ID, CloseRateLimited, "pending acknowledgment limit exceeded")
}

func (h *Hub) sendErrorToSubscribers(ch channel.Channel, code, message string) {
	frame := NewErrorFrame(code, message)
	frame.Channel = string(ch)
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for _, conn := range h.subscriberSnapshot(ch) {
		if err := conn.sendRaw(data); err != nil {
			h.noteSendFailure(ch, conn, err)
		}
	}
}

// ============================================================================
// ACKNOWLEDGMENT
// ============================================================================

// HandleAck removes the given ids from the connection's pending map.
// Already-acknowledged or unknown ids come back as notFound.
func (h *Hub) HandleAck(id string, messageIDs []string) (acknowledged, notFound []string, err error) {
	conn, ok := h.Connection(id)
	if !ok {
		return nil, nil, ErrConnectionNotFound
	}
	acknowledged, notFound = conn.removeAcks(messageIDs)
	metricAcksPending.Sub(float64(len(acknowledged)))
	return acknowledged, notFound, nil
}

// PendingAcks snapshots the connection's unacknowledged messages.
func (h *Hub) PendingAcks(id string) ([]*PendingAck, error) {
	conn, ok := h.Connection(id)
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return conn.pendingSnapshot(), nil
}

// ReplayPendingAcks re-sends every still-pending message, bumping each
// entry's replay counter and send stamp.
func (h *Hub) ReplayPendingAcks(id string) (int, error) {
	conn, ok := h.Connection(id)
	if !ok {
		return 0, ErrConnectionNotFound
	}
	return h.replayPending(conn, nil), nil
}

// replayPending re-sends pending entries in send order. A non-nil only set
// restricts the replay to those message ids.
func (h *Hub) replayPending(conn *Connection, only map[string]struct{}) int {
	pending := conn.pendingSnapshot()
	sort.Slice(pending, func(i, j int) bool { return pending[i].SentAt.Before(pending[j].SentAt) })

	now := h.now()
	replayed := 0
	for _, p := range pending {
		if only != nil {
			if _, ok := only[p.Message.ID]; !ok {
				continue
			}
		}
		if !conn.markReplayed(p.Message.ID, now) {
			continue
		}
		data, err := json.Marshal(MessageFrame{Type: FrameMessage, Message: p.Message, AckRequired: true})
		if err != nil {
			continue
		}
		if err := conn.sendRaw(data); err != nil {
			h.noteSendFailure(p.Message.Channel, conn, err)
			break
		}
		replayed++
	}
	return replayed
}

// ============================================================================
// REPLAY / RECONNECT
// ============================================================================

// ReplayResult is the stateless catch-up contract behind backfill.
type ReplayResult struct {
	Messages   []*Message
	HasMore    bool
	LastCursor Cursor
	Expired    bool
}

// Replay returns up to limit messages after the cursor without touching
// subscription state. An invalid cursor yields the retained history and
// Expired set.
func (h *Hub) Replay(ch channel.Channel, cursor Cursor, limit int) ReplayResult {
	if limit <= 0 {
		limit = 100
	}
	st, ok := h.peekBuffer(ch)
	if !ok {
		return ReplayResult{Expired: cursor != ""}
	}

	var msgs []*Message
	res := ReplayResult{}
	if cursor != "" && st.ring.IsValidCursor(cursor) {
		msgs = st.ring.Slice(cursor, limit+1)
	} else {
		msgs = st.ring.All(limit + 1)
		if cursor != "" {
			res.Expired = true
			h.noteCursorExpired(ch)
		}
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		res.HasMore = true
	}
	res.Messages = msgs
	if len(msgs) > 0 {
		res.LastCursor = msgs[len(msgs)-1].Cursor
	}
	return res
}

// ReconnectResult summarizes a resume across channels.
type ReconnectResult struct {
	Replayed            map[string]int
	Expired             []string
	NewCursors          map[string]Cursor
	PendingAcksReplayed int
}

// HandleReconnect resubscribes the connection at each supplied cursor,
// delivers the missed messages, reports channels whose cursors had left
// retention, and finally replays any still-pending acks.
func (h *Hub) HandleReconnect(id string, cursors map[channel.Channel]Cursor) (ReconnectResult, error) {
	res := ReconnectResult{
		Replayed:   make(map[string]int),
		Expired:    []string{},
		NewCursors: make(map[string]Cursor),
	}
	conn, ok := h.Connection(id)
	if !ok {
		return res, ErrConnectionNotFound
	}

	// Only entries pending from before this reconnect get re-sent at the
	// end; backlog delivery below tracks fresh ones that just went out.
	prior := make(map[string]struct{})
	for _, p := range conn.pendingSnapshot() {
		prior[p.Message.ID] = struct{}{}
	}

	ordered := make([]channel.Channel, 0, len(cursors))
	for ch := range cursors {
		ordered = append(ordered, ch)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, ch := range ordered {
		cursor := cursors[ch]
		sres, err := h.Subscribe(id, ch, cursor)
		if err != nil {
			return res, err
		}
		n, err := h.DeliverBacklog(id, ch, sres.Missed)
		if err != nil {
			return res, err
		}
		res.Replayed[string(ch)] = n
		if sres.Expired {
			res.Expired = append(res.Expired, string(ch))
		}
		if last, ok := conn.lastDelivered(ch); ok && last != "" {
			res.NewCursors[string(ch)] = last
		} else if !sres.Expired && cursor != "" {
			res.NewCursors[string(ch)] = cursor
		}
	}

	res.PendingAcksReplayed = h.replayPending(conn, prior)
	return res, nil
}

// SubscriptionState returns the connection's subscribed channels (sorted)
// and its last-delivered cursor per channel, for pong frames.
func (h *Hub) SubscriptionState(id string) ([]string, map[string]Cursor, error) {
	conn, ok := h.Connection(id)
	if !ok {
		return nil, nil, ErrConnectionNotFound
	}
	cursors := conn.subscriptionCursors()
	channels := make([]string, 0, len(cursors))
	for ch := range cursors {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels, cursors, nil
}

// ============================================================================
// HEARTBEAT SUPPORT
// ============================================================================

// UpdateHeartbeat stamps the connection's liveness clock.
func (h *Hub) UpdateHeartbeat(id string) error {
	conn, ok := h.Connection(id)
	if !ok {
		return ErrConnectionNotFound
	}
	conn.touchHeartbeat(h.now())
	return nil
}

// DeadConnections lists connections whose last heartbeat is older than the
// timeout. The reaper is the only component that removes dead transports.
func (h *Hub) DeadConnections(timeout time.Duration) []string {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	now := h.now()
	var dead []string
	for _, c := range conns {
		if now.Sub(c.heartbeatAt()) > timeout {
			dead = append(dead, c.ID)
		}
	}
	return dead
}

// ============================================================================
// BROADCAST
// ============================================================================

// Broadcast serializes a frame once and sends it to every connection,
// returning the number of successful enqueues.
func (h *Hub) Broadcast(frame any) int {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("broadcast frame serialization failed")
		return 0
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.sendRaw(data); err != nil {
			h.noteSendFailure("", c, err)
			continue
		}
		sent++
	}
	return sent
}

// SendToConnection sends one frame to one connection.
func (h *Hub) SendToConnection(id string, frame any) error {
	conn, ok := h.Connection(id)
	if !ok {
		return ErrConnectionNotFound
	}
	return conn.send(frame)
}

// ============================================================================
// MAINTENANCE / DIAGNOSTICS
// ============================================================================

// PrefixLoss breaks loss telemetry down by channel prefix.
type PrefixLoss struct {
	CapacityEvictions uint64 `json:"capacityEvictions"`
	TTLExpirations    uint64 `json:"ttlExpirations"`
	SendFailures      uint64 `json:"sendFailures"`
	CursorExpired     uint64 `json:"cursorExpired"`
}

// LossStats aggregates every way a subscriber can miss an event.
type LossStats struct {
	CapacityEvictions uint64                `json:"capacityEvictions"`
	TTLExpirations    uint64                `json:"ttlExpirations"`
	SendFailures      uint64                `json:"sendFailures"`
	CursorExpired     uint64                `json:"cursorExpired"`
	LastDropAt        *Timestamp            `json:"lastDropAt,omitempty"`
	ByPrefix          map[string]PrefixLoss `json:"byPrefix"`
}

// Stats is the hub's diagnostic snapshot.
type Stats struct {
	Connections           int                `json:"connections"`
	Channels              int                `json:"channels"`
	Subscriptions         int                `json:"subscriptions"`
	SubscriptionsByPrefix map[string]int     `json:"subscriptionsByPrefix"`
	MessagesPerSecond     float64            `json:"messagesPerSecond"`
	BufferUtilization     map[string]float64 `json:"bufferUtilization"`
	Loss                  LossStats          `json:"loss"`
}

// HubStats computes the diagnostic snapshot.
func (h *Hub) HubStats() Stats {
	h.mu.RLock()
	connections := len(h.conns)
	channels := len(h.buffers)
	subsByPrefix := make(map[string]int)
	totalSubs := 0
	for ch, set := range h.subs {
		subsByPrefix[ch.Prefix()] += len(set)
		totalSubs += len(set)
	}
	type prefixAgg struct {
		util  float64
		count int
		loss  PrefixLoss
	}
	agg := make(map[string]*prefixAgg)
	for ch, st := range h.buffers {
		p := ch.Prefix()
		a := agg[p]
		if a == nil {
			a = &prefixAgg{}
			agg[p] = a
		}
		a.util += st.ring.Utilization()
		a.count++
		evictions, expirations, _ := st.ring.LossCounters()
		a.loss.CapacityEvictions += evictions
		a.loss.TTLExpirations += expirations
	}
	h.mu.RUnlock()

	loss := LossStats{ByPrefix: make(map[string]PrefixLoss)}
	utilization := make(map[string]float64)
	for p, a := range agg {
		utilization[p] = a.util / float64(a.count)
		loss.CapacityEvictions += a.loss.CapacityEvictions
		loss.TTLExpirations += a.loss.TTLExpirations
		loss.ByPrefix[p] = a.loss
	}

	h.lossMu.Lock()
	for p, n := range h.sendFailures {
		loss.SendFailures += n
		pl := loss.ByPrefix[p]
		pl.SendFailures = n
		loss.ByPrefix[p] = pl
	}
	for p, n := range h.cursorExpired {
		loss.CursorExpired += n
		pl := loss.ByPrefix[p]
		pl.CursorExpired = n
		loss.ByPrefix[p] = pl
	}
	if !h.lastDropAt.IsZero() {
		ts := Timestamp(h.lastDropAt)
		loss.LastDropAt = &ts
	}
	h.lossMu.Unlock()

	elapsed := time.Duration(h.now().UnixNano() - h.statsSince.Load())
	rate := 0.0
	if elapsed > 0 {
		rate = float64(h.msgCount.Load()) / elapsed.Seconds()
	}

	return Stats{
		Connections:           connections,
		Channels:              channels,
		Subscriptions:         totalSubs,
		SubscriptionsByPrefix: subsByPrefix,
		MessagesPerSecond:     rate,
		BufferUtilization:     utilization,
		Loss:                  loss,
	}
}

// ResetMessageStats restarts the messages-per-second window.
func (h *Hub) ResetMessageStats() {
	h.msgCount.Store(0)
	h.statsSince.Store(h.now().UnixNano())
}

// PruneBuffers drops expired entries from every buffer and returns the
// total removed.
func (h *Hub) PruneBuffers() int {
	h.mu.RLock()
	states := make([]*channelState, 0, len(h.buffers))
	for _, st := range h.buffers {
		states = append(states, st)
	}
	h.mu.RUnlock()

	total := 0
	for _, st := range states {
		total += st.ring.Prune()
	}
	return total
}

// PruneUnusedBuffers removes buffers that are both empty after pruning and
// have no subscribers, returning how many were dropped.
func (h *Hub) PruneUnusedBuffers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for ch, st := range h.buffers {
		st.ring.Prune()
		if st.ring.ValidSize() == 0 && len(h.subs[ch]) == 0 {
			delete(h.buffers, ch)
			removed++
		}
	}
	return removed
}

// ============================================================================
// INTERNAL
// ============================================================================

func (h *Hub) isAckRequired(ch channel.Channel) bool {
	_, ok := h.opts.AckRequired[ch.Prefix()]
	return ok
}

// buffer returns the channel's state, creating it lazily from the prefix
// retention table.
func (h *Hub) buffer(ch channel.Channel) *channelState {
	h.mu.RLock()
	st, ok := h.buffers[ch]
	h.mu.RUnlock()
	if ok {
		return st
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bufferLocked(ch)
}

// bufferLocked requires h.mu held for writing.
func (h *Hub) bufferLocked(ch channel.Channel) *channelState {
	if st, ok := h.buffers[ch]; ok {
		return st
	}
	retention := channel.RetentionFor(ch)
	ring := NewRing(retention.Capacity, retention.TTL, h.now)
	prefix := ch.Prefix()
	ring.OnLoss(
		func(n int) {
			metricCapacityEvictions.WithLabelValues(prefix).Add(float64(n))
			h.noteDrop()
		},
		func(n int) {
			metricTTLExpirations.WithLabelValues(prefix).Add(float64(n))
		},
	)
	st := &channelState{ring: ring}
	h.buffers[ch] = st
	return st
}

func (h *Hub) peekBuffer(ch channel.Channel) (*channelState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.buffers[ch]
	return st, ok
}

func (h *Hub) subscriberSnapshot(ch channel.Channel) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[ch]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) noteSendFailure(ch channel.Channel, conn *Connection, err error) {
	prefix := "broadcast"
	if ch != "" {
		prefix = ch.Prefix()
	}
	metricSendFailures.WithLabelValues(prefix).Inc()

	h.lossMu.Lock()
	h.sendFailures[prefix]++
	h.lastDropAt = h.now()
	h.lossMu.Unlock()

	h.log.Warn().Str("connection_id", conn.ID).Str("channel", string(ch)).Err(err).Msg("send failed")
	if errors.Is(err, ErrQueueFull) {
		_ = h.CloseConnection(conn.ID, CloseRateLimited, "outbound queue overflow")
	}
}

func (h *Hub) noteCursorExpired(ch channel.Channel) {
	metricCursorExpired.WithLabelValues(ch.Prefix()).Inc()
	h.lossMu.Lock()
	h.cursorExpired[ch.Prefix()]++
	h.lossMu.Unlock()
}

func (h *Hub) noteDrop() {
	h.lossMu.Lock()
	h.lastDropAt = h.now()
	h.lossMu.Unlock()
}

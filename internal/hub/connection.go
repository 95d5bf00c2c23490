package hub

import (
	"encoding/json"
	"errors"
	"time"

	"sync"

	"github.com/agentmux/gateway/internal/channel"
)

// ErrQueueFull is returned by senders whose bounded outbound queue
// overflowed. The hub treats it as a send failure; the transport closes
// the connection rather than block a publisher.
var ErrQueueFull = errors.New("outbound queue full")

// ErrConnectionNotFound reports an operation against an unknown or already
// removed connection id.
var ErrConnectionNotFound = errors.New("connection not found")

// Sender abstracts the transport side of a connection. Send must never
// block: implementations enqueue into a bounded queue and fail fast on
// overflow. Close tears down the underlying transport with a close code.
type Sender interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// PendingAck tracks one unacknowledged message on an ack-required channel.
type PendingAck struct {
	Message     *Message
	SentAt      time.Time
	ReplayCount int
}

// Connection is the hub-side state of one client connection. The mutex
// guards subscriptions, pending acks, and the heartbeat stamp, and is held
// across transport sends so per-connection frame order matches delivery
// order. Lock ordering: hub map locks are always acquired before a
// connection lock, never after.
type Connection struct {
	ID          string
	ConnectedAt time.Time
	Auth        any

	mu            sync.Mutex
	sender        Sender
	subscriptions map[channel.Channel]Cursor
	pendingAcks   map[string]*PendingAck
	lastHeartbeat time.Time
}

func newConnection(id string, sender Sender, auth any, now time.Time) *Connection {
	return &Connection{
		ID:            id,
		ConnectedAt:   now,
		Auth:          auth,
		sender:        sender,
		subscriptions: make(map[channel.Channel]Cursor),
		pendingAcks:   make(map[string]*PendingAck),
		lastHeartbeat: now,
	}
}

// send marshals and enqueues one frame.
func (c *Connection) send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender.Send(data)
}

// sendRaw enqueues pre-serialized bytes (the fan-out path serializes each
// published message exactly once).
func (c *Connection) sendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender.Send(data)
}

func (c *Connection) close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender.Close(code, reason)
}

// deliver sends a serialized message frame and advances the per-channel
// cursor; ack-required messages are recorded as pending until the client
// acknowledges them. Returns ErrQueueFull (or another send error) without
// touching the pending map when the enqueue fails.
func (c *Connection) deliver(ch channel.Channel, data []byte, msg *Message, ackRequired bool, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sender.Send(data); err != nil {
		return err
	}
	c.subscriptions[ch] = msg.Cursor
	if ackRequired {
		c.pendingAcks[msg.ID] = &PendingAck{Message: msg, SentAt: now}
	}
	return nil
}

func (c *Connection) subscribe(ch channel.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[ch]; !ok {
		c.subscriptions[ch] = ""
	}
}

func (c *Connection) unsubscribe(ch channel.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, ch)
}

// subscriptionCursors snapshots channel -> last delivered cursor.
func (c *Connection) subscriptionCursors() map[string]Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Cursor, len(c.subscriptions))
	for ch, cur := range c.subscriptions {
		out[string(ch)] = cur
	}
	return out
}

func (c *Connection) lastDelivered(ch channel.Channel) (Cursor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.subscriptions[ch]
	return cur, ok
}

func (c *Connection) touchHeartbeat(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = now
}

func (c *Connection) heartbeatAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// removeAcks deletes the given message ids from the pending map, reporting
// which were present and which were not. Acknowledging twice reports the
// second attempt as not found.
func (c *Connection) removeAcks(ids []string) (acknowledged, notFound []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.pendingAcks[id]; ok {
			delete(c.pendingAcks, id)
			acknowledged = append(acknowledged, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return acknowledged, notFound
}

// pendingCount returns the current pending-ack backlog.
func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingAcks)
}

// pendingSnapshot copies the pending entries for replay.
func (c *Connection) pendingSnapshot() []*PendingAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PendingAck, 0, len(c.pendingAcks))
	for _, p := range c.pendingAcks {
		out = append(out, p)
	}
	return out
}

// markReplayed bumps the replay counter and send stamp of a still-pending
// entry; a message acked between snapshot and replay is skipped.
func (c *Connection) markReplayed(msgID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pendingAcks[msgID]
	if !ok {
		return false
	}
	p.ReplayCount++
	p.SentAt = now
	return true
}

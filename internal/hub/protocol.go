package hub

// Wire protocol: every frame is one UTF-8 JSON object discriminated by
// "type". Client frames are parsed strictly by the transport; server
// frames are built here so the hub and the transport agree on one
// vocabulary.

// Client frame types.
const (
	ClientSubscribe   = "subscribe"
	ClientUnsubscribe = "unsubscribe"
	ClientBackfill    = "backfill"
	ClientPing        = "ping"
	ClientReconnect   = "reconnect"
	ClientAck         = "ack"
)

// Server frame types.
const (
	FrameConnected        = "connected"
	FrameSubscribed       = "subscribed"
	FrameUnsubscribed     = "unsubscribed"
	FrameMessage          = "message"
	FrameBackfillResponse = "backfill_response"
	FramePong             = "pong"
	FrameHeartbeat        = "heartbeat"
	FrameReconnectAck     = "reconnect_ack"
	FrameAckResponse      = "ack_response"
	FrameError            = "error"
	FrameThrottled        = "throttled"
)

// Stable wire error codes.
const (
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeInvalidChannel     = "INVALID_CHANNEL"
	CodeSubscriptionDenied = "WS_SUBSCRIPTION_DENIED"
	CodeAuthRequired       = "WS_AUTHENTICATION_REQUIRED"
	CodeCursorExpired      = "WS_CURSOR_EXPIRED"
	CodeRateLimited        = "WS_RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeSerialization      = "SERIALIZATION_ERROR"
)

// Error severities advertised to clients.
const (
	SeverityTerminal    = "terminal"
	SeverityRecoverable = "recoverable"
	SeverityRetry       = "retry"
)

// ClientFrame is the union of all client-to-server frames; the Type field
// selects which of the remaining fields are meaningful.
type ClientFrame struct {
	Type       string            `json:"type"`
	Channel    string            `json:"channel,omitempty"`
	Cursor     Cursor            `json:"cursor,omitempty"`
	FromCursor Cursor            `json:"fromCursor,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Timestamp  float64           `json:"timestamp,omitempty"`
	Cursors    map[string]Cursor `json:"cursors,omitempty"`
	MessageIDs []string          `json:"messageIds,omitempty"`
}

// Capabilities advertises optional protocol features in the connected frame.
type Capabilities struct {
	Backfill       bool `json:"backfill"`
	Compression    bool `json:"compression"`
	Acknowledgment bool `json:"acknowledgment"`
}

type ConnectedFrame struct {
	Type                string        `json:"type"`
	ConnectionID        string        `json:"connectionId"`
	ServerTime          Timestamp     `json:"serverTime"`
	ServerVersion       string        `json:"serverVersion,omitempty"`
	Capabilities        *Capabilities `json:"capabilities,omitempty"`
	HeartbeatIntervalMs int64         `json:"heartbeatIntervalMs,omitempty"`
}

type SubscribedFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Cursor  Cursor `json:"cursor,omitempty"`
}

type UnsubscribedFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type MessageFrame struct {
	Type        string   `json:"type"`
	Message     *Message `json:"message"`
	AckRequired bool     `json:"ackRequired,omitempty"`
}

type BackfillResponseFrame struct {
	Type       string     `json:"type"`
	Channel    string     `json:"channel"`
	Messages   []*Message `json:"messages"`
	LastCursor Cursor     `json:"lastCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

type PongFrame struct {
	Type          string            `json:"type"`
	Timestamp     float64           `json:"timestamp"`
	ServerTime    Timestamp         `json:"serverTime"`
	Subscriptions []string          `json:"subscriptions"`
	Cursors       map[string]Cursor `json:"cursors"`
}

type HeartbeatFrame struct {
	Type       string    `json:"type"`
	ServerTime Timestamp `json:"serverTime"`
}

type ReconnectAckFrame struct {
	Type                string            `json:"type"`
	Replayed            map[string]int    `json:"replayed"`
	Expired             []string          `json:"expired"`
	NewCursors          map[string]Cursor `json:"newCursors"`
	PendingAcksReplayed int               `json:"pendingAcksReplayed,omitempty"`
}

type AckResponseFrame struct {
	Type         string   `json:"type"`
	Acknowledged []string `json:"acknowledged"`
	NotFound     []string `json:"notFound"`
}

type ErrorFrame struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Channel  string `json:"channel,omitempty"`
	Details  any    `json:"details,omitempty"`
	Severity string `json:"severity,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

type ThrottledFrame struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	ResumeAfterMs int64  `json:"resumeAfterMs"`
	CurrentCount  int    `json:"currentCount,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	ResetsAt      string `json:"resetsAt,omitempty"`
}

// NewErrorFrame builds an error frame with the severity the error taxonomy
// prescribes for the code.
func NewErrorFrame(code, message string) ErrorFrame {
	severity := SeverityRecoverable
	switch code {
	case CodeSubscriptionDenied:
		severity = SeverityTerminal
	case CodeRateLimited, CodeInternal, CodeSerialization:
		severity = SeverityRetry
	}
	return ErrorFrame{Type: FrameError, Code: code, Message: message, Severity: severity}
}

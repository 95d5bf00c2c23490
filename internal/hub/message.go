package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/gateway/internal/channel"
)

// isoMilli is the wall-clock format on the wire: ISO-8601 UTC with
// millisecond precision.
const isoMilli = "2006-01-02T15:04:05.000Z"

// Timestamp marshals as ISO-8601 UTC with millisecond precision.
type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(isoMilli))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(isoMilli, s)
	if err != nil {
		// Producers outside the gateway may emit full RFC 3339.
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	*t = Timestamp(parsed)
	return nil
}

func (t Timestamp) Time() time.Time { return time.Time(t) }

// Metadata carries optional correlation identifiers attached by producers.
type Metadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
}

// Message is one immutable event on a channel. The cursor is assigned when
// the message enters its channel's ring buffer; subscribers hold read-only
// views and must not mutate the payload.
type Message struct {
	ID        string          `json:"id"`
	Cursor    Cursor          `json:"cursor,omitempty"`
	Timestamp Timestamp       `json:"timestamp"`
	Channel   channel.Channel `json:"channel"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

// newMessage builds a message with a fresh id and the given wall-clock
// time. The payload is serialized verbatim; heterogeneous producer types
// stay opaque to the hub.
func newMessage(ch channel.Channel, msgType string, payload any, meta *Metadata, now time.Time) (*Message, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("serialize payload for %s: %w", ch, err)
		}
		raw = encoded
	}
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: Timestamp(now),
		Channel:   ch,
		Type:      msgType,
		Payload:   raw,
		Metadata:  meta,
	}, nil
}

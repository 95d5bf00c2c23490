// Package channel defines the logical stream taxonomy of the gateway:
// canonical channel names, per-type retention contracts, and the set of
// channels whose messages require explicit client acknowledgment.
package channel

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Channel is the canonical string form of one logical stream:
// "scope:type:id" for agent/workspace/user scopes, "scope:type" for system.
type Channel string

var (
	scopedPattern = regexp.MustCompile(`^(agent|workspace|user):[a-z_]+(:[A-Za-z0-9_-]+)?$`)
	systemPattern = regexp.MustCompile(`^system:[a-z_]+$`)
)

// ErrInvalid reports a channel string that matches neither canonical form.
type ErrInvalid struct {
	Raw string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("invalid channel %q", e.Raw)
}

// Parse validates a raw channel string and returns its canonical form.
func Parse(raw string) (Channel, error) {
	if scopedPattern.MatchString(raw) || systemPattern.MatchString(raw) {
		return Channel(raw), nil
	}
	return "", &ErrInvalid{Raw: raw}
}

// Valid reports whether raw is a canonical channel string.
func Valid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

// Scope returns the leading scope segment ("agent", "workspace", "user",
// "system").
func (c Channel) Scope() string {
	s := string(c)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// Prefix returns the "scope:type" portion, which keys the retention table
// and the ack-required set.
func (c Channel) Prefix() string {
	s := string(c)
	first := strings.IndexByte(s, ':')
	if first < 0 {
		return s
	}
	second := strings.IndexByte(s[first+1:], ':')
	if second < 0 {
		return s
	}
	return s[:first+1+second]
}

// ID returns the trailing identifier segment, or "" for system channels.
func (c Channel) ID() string {
	s := string(c)
	if s == c.Prefix() {
		return ""
	}
	return s[len(c.Prefix())+1:]
}

func (c Channel) String() string { return string(c) }

// Constructors for the known channel families. Producers should use these
// rather than assembling strings by hand.

func AgentOutput(agentID string) Channel     { return Channel("agent:output:" + agentID) }
func AgentState(agentID string) Channel      { return Channel("agent:state:" + agentID) }
func AgentTools(agentID string) Channel      { return Channel("agent:tools:" + agentID) }
func WorkspaceAgents(ws string) Channel      { return Channel("workspace:agents:" + ws) }
func WorkspaceReservations(ws string) Channel { return Channel("workspace:reservations:" + ws) }
func WorkspaceConflicts(ws string) Channel   { return Channel("workspace:conflicts:" + ws) }
func WorkspaceHandoffs(ws string) Channel    { return Channel("workspace:handoffs:" + ws) }
func WorkspaceGit(ws string) Channel         { return Channel("workspace:git:" + ws) }
func UserMail(userID string) Channel         { return Channel("user:mail:" + userID) }
func UserNotifications(userID string) Channel { return Channel("user:notifications:" + userID) }

const (
	SystemHealth  Channel = "system:health"
	SystemMetrics Channel = "system:metrics"
	SystemDCG     Channel = "system:dcg"
)

// Retention is the history contract for one channel type: how many
// messages its ring buffer holds and how long each entry stays valid.
type Retention struct {
	Capacity int
	TTL      time.Duration
}

// retentionByPrefix holds the contractual retention table. Values are part
// of the wire contract with reconnecting clients; do not tune casually.
var retentionByPrefix = map[string]Retention{
	"agent:output":           {Capacity: 10000, TTL: 5 * time.Minute},
	"agent:state":            {Capacity: 100, TTL: time.Hour},
	"agent:tools":            {Capacity: 500, TTL: 10 * time.Minute},
	"workspace:agents":       {Capacity: 200, TTL: 30 * time.Minute},
	"workspace:reservations": {Capacity: 500, TTL: 30 * time.Minute},
	"workspace:conflicts":    {Capacity: 500, TTL: 30 * time.Minute},
	"user:mail":              {Capacity: 1000, TTL: 24 * time.Hour},
	"user:notifications":     {Capacity: 500, TTL: time.Hour},
	"system:health":          {Capacity: 60, TTL: time.Minute},
	"system:metrics":         {Capacity: 120, TTL: 2 * time.Minute},
}

// DefaultRetention applies to channel types absent from the table.
var DefaultRetention = Retention{Capacity: 1000, TTL: 5 * time.Minute}

// RetentionFor returns the retention contract for the channel's prefix.
func RetentionFor(c Channel) Retention {
	if r, ok := retentionByPrefix[c.Prefix()]; ok {
		return r
	}
	return DefaultRetention
}

// DefaultAckRequired lists the channel prefixes whose messages are tracked
// per connection until explicitly acknowledged. The hub takes this as its
// default; tests and embedders may pass their own set.
func DefaultAckRequired() map[string]struct{} {
	return map[string]struct{}{
		"workspace:conflicts":    {},
		"workspace:reservations": {},
		"user:notifications":     {},
	}
}

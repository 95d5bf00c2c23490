package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/gateway/internal/channel"
	"github.com/agentmux/gateway/internal/hub"
)

type stubDrainer struct {
	draining atomic.Bool
}

func (d *stubDrainer) Draining() bool { return d.draining.Load() }

type wsEnv struct {
	hub     *hub.Hub
	drainer *stubDrainer
	server  *httptest.Server
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	env := &wsEnv{
		hub:     hub.New(hub.Options{Logger: zerolog.Nop()}),
		drainer: &stubDrainer{},
	}
	ws := NewServer(Options{
		Logger:  zerolog.Nop(),
		Hub:     env.hub,
		Drainer: env.drainer,
	})
	env.server = httptest.NewServer(ws)
	t.Cleanup(env.server.Close)
	return env
}

func (e *wsEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// expectFrame reads until a frame of the wanted type arrives, skipping
// unrelated traffic like heartbeats.
func expectFrame(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("frame of type %q never arrived", frameType)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestConnectHandshake(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)

	connected := expectFrame(t, conn, "connected")
	assert.NotEmpty(t, connected["connectionId"])
	caps := connected["capabilities"].(map[string]any)
	assert.Equal(t, true, caps["backfill"])
	assert.Equal(t, true, caps["acknowledgment"])
	assert.Equal(t, false, caps["compression"])
}

func TestSubscribePublishDeliver(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	expectFrame(t, conn, "connected")

	send(t, conn, map[string]any{"type": "subscribe", "channel": "agent:output:agent-1"})
	subscribed := expectFrame(t, conn, "subscribed")
	assert.Equal(t, "agent:output:agent-1", subscribed["channel"])

	_, err := env.hub.Publish(channel.AgentOutput("agent-1"), "output_chunk", map[string]string{"text": "hello"}, nil)
	require.NoError(t, err)

	frame := expectFrame(t, conn, "message")
	msg := frame["message"].(map[string]any)
	assert.Equal(t, "agent:output:agent-1", msg["channel"])
	assert.Equal(t, "output_chunk", msg["type"])
	assert.NotEmpty(t, msg["cursor"])
	assert.Nil(t, frame["ackRequired"])
}

func TestSubscribeWithCursorReplaysMissed(t *testing.T) {
	env := newWSEnv(t)
	ch := channel.AgentOutput("agent-1")

	first, err := env.hub.Publish(ch, "output_chunk", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	_, err = env.hub.Publish(ch, "output_chunk", map[string]int{"n": 2}, nil)
	require.NoError(t, err)

	conn := env.dial(t)
	expectFrame(t, conn, "connected")
	send(t, conn, map[string]any{"type": "subscribe", "channel": string(ch), "cursor": string(first.Cursor)})
	expectFrame(t, conn, "subscribed")

	replayed := expectFrame(t, conn, "message")
	msg := replayed["message"].(map[string]any)
	payload := msg["payload"].(map[string]any)
	assert.Equal(t, float64(2), payload["n"])
}

func TestBackfill(t *testing.T) {
	env := newWSEnv(t)
	ch := channel.AgentOutput("agent-1")
	cursors := make([]hub.Cursor, 0, 3)
	for i := 0; i < 3; i++ {
		msg, err := env.hub.Publish(ch, "output_chunk", map[string]int{"n": i}, nil)
		require.NoError(t, err)
		cursors = append(cursors, msg.Cursor)
	}

	conn := env.dial(t)
	expectFrame(t, conn, "connected")
	send(t, conn, map[string]any{
		"type":       "backfill",
		"channel":    string(ch),
		"fromCursor": string(cursors[0]),
		"limit":      10,
	})

	resp := expectFrame(t, conn, "backfill_response")
	messages := resp["messages"].([]any)
	assert.Len(t, messages, 2)
	assert.Equal(t, false, resp["hasMore"])
	assert.Equal(t, string(cursors[2]), resp["lastCursor"])
}

func TestPingPong(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	expectFrame(t, conn, "connected")

	send(t, conn, map[string]any{"type": "subscribe", "channel": "agent:state:agent-1"})
	expectFrame(t, conn, "subscribed")

	send(t, conn, map[string]any{"type": "ping", "timestamp": 1234.0})
	pong := expectFrame(t, conn, "pong")
	assert.Equal(t, 1234.0, pong["timestamp"])
	assert.NotEmpty(t, pong["serverTime"])
	subs := pong["subscriptions"].([]any)
	assert.Equal(t, []any{"agent:state:agent-1"}, subs)
}

func TestAckOverWire(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	expectFrame(t, conn, "connected")

	send(t, conn, map[string]any{"type": "subscribe", "channel": "workspace:conflicts:ws-1"})
	expectFrame(t, conn, "subscribed")

	_, err := env.hub.Publish(channel.WorkspaceConflicts("ws-1"), "conflict_detected", map[string]string{"path": "a.go"}, nil)
	require.NoError(t, err)

	frame := expectFrame(t, conn, "message")
	assert.Equal(t, true, frame["ackRequired"])
	msgID := frame["message"].(map[string]any)["id"].(string)

	send(t, conn, map[string]any{"type": "ack", "messageIds": []string{msgID}})
	resp := expectFrame(t, conn, "ack_response")
	assert.Equal(t, []any{msgID}, resp["acknowledged"])
	assert.Empty(t, resp["notFound"])

	// A second ack of the same id reports notFound.
	send(t, conn, map[string]any{"type": "ack", "messageIds": []string{msgID}})
	resp = expectFrame(t, conn, "ack_response")
	assert.Empty(t, resp["acknowledged"])
	assert.Equal(t, []any{msgID}, resp["notFound"])
}

func TestAckWithoutMessageIDsRejected(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	expectFrame(t, conn, "connected")

	send(t, conn, map[string]any{"type": "ack", "messageIds": []string{}})
	errFrame := expectFrame(t, conn, "error")
	assert.Equal(t, "INVALID_FORMAT", errFrame["code"])

	// The connection survives the rejection.
	send(t, conn, map[string]any{"type": "ping", "timestamp": 1.0})
	expectFrame(t, conn, "pong")
}

func TestReconnectOverWire(t *testing.T) {
	env := newWSEnv(t)
	ch := channel.AgentOutput("agent-1")

	first, err := env.hub.Publish(ch, "output_chunk", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	_, err = env.hub.Publish(ch, "output_chunk", map[string]int{"n": 2}, nil)
	require.NoError(t, err)

	conn := env.dial(t)
	expectFrame(t, conn, "connected")
	send(t, conn, map[string]any{
		"type":    "reconnect",
		"cursors": map[string]string{string(ch): string(first.Cursor)},
	})

	// The missed message arrives, then the summary.
	msg := expectFrame(t, conn, "message")
	payload := msg["message"].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, float64(2), payload["n"])

	ack := expectFrame(t, conn, "reconnect_ack")
	replayed := ack["replayed"].(map[string]any)
	assert.Equal(t, float64(1), replayed[string(ch)])
	assert.Empty(t, ack["expired"])
}

func TestReconnectAckRequiredDeliversOnce(t *testing.T) {
	env := newWSEnv(t)
	ch := channel.WorkspaceConflicts("ws-1")

	first, err := env.hub.Publish(ch, "conflict_detected", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	second, err := env.hub.Publish(ch, "conflict_detected", map[string]int{"n": 2}, nil)
	require.NoError(t, err)

	conn := env.dial(t)
	expectFrame(t, conn, "connected")
	send(t, conn, map[string]any{
		"type":    "reconnect",
		"cursors": map[string]string{string(ch): string(first.Cursor)},
	})

	msg := expectFrame(t, conn, "message")
	assert.Equal(t, true, msg["ackRequired"])
	assert.Equal(t, second.ID, msg["message"].(map[string]any)["id"])

	// The very next frame is the summary; the tracked backlog message must
	// not come around again as a pending-ack replay.
	next := readFrame(t, conn)
	require.Equal(t, "reconnect_ack", next["type"])
	assert.Nil(t, next["pendingAcksReplayed"])
	assert.Equal(t, float64(1), next["replayed"].(map[string]any)[string(ch)])
}

func TestInvalidFrameKeepsConnectionOpen(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	expectFrame(t, conn, "connected")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	errFrame := expectFrame(t, conn, "error")
	assert.Equal(t, "INVALID_FORMAT", errFrame["code"])

	// The connection still works.
	send(t, conn, map[string]any{"type": "ping", "timestamp": 1.0})
	expectFrame(t, conn, "pong")
}

func TestUnknownFrameType(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	expectFrame(t, conn, "connected")

	send(t, conn, map[string]any{"type": "teleport"})
	errFrame := expectFrame(t, conn, "error")
	assert.Equal(t, "INVALID_FORMAT", errFrame["code"])
}

func TestInvalidChannelName(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	expectFrame(t, conn, "connected")

	send(t, conn, map[string]any{"type": "subscribe", "channel": "Nope Not A Channel"})
	errFrame := expectFrame(t, conn, "error")
	assert.Equal(t, "INVALID_CHANNEL", errFrame["code"])
	assert.Equal(t, "Nope Not A Channel", errFrame["channel"])
}

func TestUpgradeRefusedWhileDraining(t *testing.T) {
	env := newWSEnv(t)
	env.drainer.draining.Store(true)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestDisconnectRemovesConnection(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t)
	expectFrame(t, conn, "connected")

	require.Eventually(t, func() bool { return env.hub.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return env.hub.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestThrottlingDisconnectsAbusiveClient(t *testing.T) {
	h := hub.New(hub.Options{Logger: zerolog.Nop()})
	ws := NewServer(Options{
		Logger:            zerolog.Nop(),
		Hub:               h,
		Drainer:           &stubDrainer{},
		MessagesPerSecond: 1,
		Burst:             1,
	})
	server := httptest.NewServer(ws)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 30; i++ {
		data := []byte(fmt.Sprintf(`{"type":"ping","timestamp":%d}`, i))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}

	sawThrottled := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Server closed the connection after repeated violations.
			assert.True(t, sawThrottled)
			return
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == "throttled" {
			sawThrottled = true
		}
	}
	t.Fatal("connection was never closed for rate abuse")
}

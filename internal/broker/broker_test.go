package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
	"github.com/MrSnakeDoc/ally-relay/internal/registry"
)

const readTimeout = 2 * time.Second

type harness struct {
	t   *testing.T
	reg *registry.Registry
	b   *Broker
	srv *httptest.Server
}

func newHarness(t *testing.T, extra ...Option) *harness {
	t.Helper()
	reg := registry.New()
	b := New(reg, logger.NewNop(), DefaultOptions(), extra...)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		b.Shutdown()
		srv.Close()
	})
	return &harness{t: t, reg: reg, b: b, srv: srv}
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) register(name string) (id, token string) {
	h.t.Helper()
	id, token, err := h.reg.Register(name, "linux")
	require.NoError(h.t, err)
	return id, token
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := encode(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func next(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func expect(t *testing.T, conn *websocket.Conn, event string, into any) {
	t.Helper()
	env := next(t, conn)
	require.Equal(t, event, env.Event, "payload: %s", string(env.Data))
	if into != nil {
		require.NoError(t, json.Unmarshal(env.Data, into))
	}
}

func (h *harness) viewer() *websocket.Conn {
	h.t.Helper()
	conn := h.dial()
	send(h.t, conn, EventWebConnect, webConnectPayload{ClientID: "web-1"})
	expect(h.t, conn, EventAllyInstances, nil)
	return conn
}

func (h *harness) desktop(token string) *websocket.Conn {
	h.t.Helper()
	conn := h.dial()
	send(h.t, conn, EventAllyConnect, allyConnectPayload{Token: token})
	require.Eventually(h.t, func() bool {
		_, err := h.reg.ConnFor(token)
		return err == nil
	}, readTimeout, 10*time.Millisecond)
	return conn
}

func TestSnapshotOnJoinHidesTokens(t *testing.T) {
	h := newHarness(t)
	id, token := h.register("Desk-1")

	conn := h.dial()
	send(t, conn, EventWebConnect, webConnectPayload{ClientID: "web-1"})

	env := next(t, conn)
	require.Equal(t, EventAllyInstances, env.Event)
	assert.NotContains(t, string(env.Data), token)

	var list []domain.PublicInstance
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, domain.StatusOffline, list[0].Status)
}

func TestDesktopConnectBroadcastsOnline(t *testing.T) {
	h := newHarness(t)
	id, token := h.register("Desk-1")
	v := h.viewer()

	h.desktop(token)

	var d domain.Delta
	expect(t, v, EventAllyStatus, &d)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, token, d.Token)
	assert.Equal(t, domain.StatusOnline, d.Status)

	// A viewer joining afterwards sees the online state in its snapshot.
	late := h.dial()
	send(t, late, EventWebConnect, webConnectPayload{ClientID: "web-2"})
	var list []domain.PublicInstance
	expect(t, late, EventAllyInstances, &list)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StatusOnline, list[0].Status)
}

func TestAllyConnectUnknownToken(t *testing.T) {
	h := newHarness(t)
	conn := h.dial()

	send(t, conn, EventAllyConnect, allyConnectPayload{Token: "nope"})

	var e errorPayload
	expect(t, conn, EventError, &e)
	assert.Equal(t, domain.ErrNotFound.Error(), e.Message)
	assert.Equal(t, EventAllyConnect, e.Event)
}

func TestCommandDelivery(t *testing.T) {
	h := newHarness(t)
	_, token := h.register("Desk-1")
	v := h.viewer()
	desk := h.desktop(token)
	expect(t, v, EventAllyStatus, nil)

	send(t, v, EventCommandSend, commandSendPayload{
		Token:   token,
		Command: "chat",
		Payload: json.RawMessage(`{"message":"hi"}`),
	})

	var got commandReceivePayload
	expect(t, desk, EventCommandReceive, &got)
	assert.Equal(t, "chat", got.Command)
	assert.JSONEq(t, `{"message":"hi"}`, string(got.Payload))
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name  string
		token func(h *harness) string
		want  string
	}{
		{
			name:  "registered but offline",
			token: func(h *harness) string { _, tok := h.register("Desk-1"); return tok },
			want:  domain.ErrInstanceOffline.Error(),
		},
		{
			name:  "unknown token",
			token: func(*harness) string { return "missing" },
			want:  domain.ErrNotFound.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			token := tt.token(h)
			v := h.viewer()

			send(t, v, EventCommandSend, commandSendPayload{Token: token, Command: "chat"})

			var e errorPayload
			expect(t, v, EventError, &e)
			assert.Equal(t, tt.want, e.Message)
		})
	}
}

func TestCommandRequiresViewer(t *testing.T) {
	h := newHarness(t)
	_, token := h.register("Desk-1")
	conn := h.dial()

	send(t, conn, EventCommandSend, commandSendPayload{Token: token, Command: "chat"})

	var e errorPayload
	expect(t, conn, EventError, &e)
	assert.Contains(t, e.Message, domain.ErrInvalidInput.Error())
}

func TestResponseRelayedToViewers(t *testing.T) {
	h := newHarness(t)
	id, token := h.register("Desk-1")
	v1 := h.viewer()
	v2 := h.viewer()
	desk := h.desktop(token)
	expect(t, v1, EventAllyStatus, nil)
	expect(t, v2, EventAllyStatus, nil)

	send(t, desk, EventResponseSend, responseSendPayload{
		Response: json.RawMessage(`"hello"`),
		Type:     "chat",
	})

	for _, v := range []*websocket.Conn{v1, v2} {
		var got responseReceivePayload
		expect(t, v, EventResponseReceive, &got)
		assert.Equal(t, token, got.Token)
		assert.Equal(t, "chat", got.Type)
		assert.JSONEq(t, `"hello"`, string(got.Response))
	}

	msgs, err := h.reg.Messages(id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.DirectionResponse, msgs[0].Direction)
}

func TestResponseOrderedWithStatusDeltas(t *testing.T) {
	h := newHarness(t)
	id, token := h.register("Desk-1")
	v := h.viewer()
	desk := h.desktop(token)
	expect(t, v, EventAllyStatus, nil)

	send(t, desk, EventResponseSend, responseSendPayload{Response: json.RawMessage(`"done"`), Type: "chat"})
	require.Eventually(t, func() bool {
		msgs, err := h.reg.Messages(id)
		return err == nil && len(msgs) == 1
	}, readTimeout, 5*time.Millisecond)

	model := "llama3"
	require.NoError(t, h.b.Heartbeat(id, token, domain.Patch{CurrentModel: &model}))

	expect(t, v, EventResponseReceive, nil)
	var d domain.Delta
	expect(t, v, EventAllyStatus, &d)
	assert.Equal(t, "llama3", d.CurrentModel)
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	h := newHarness(t)
	id, token := h.register("Desk-1")
	v := h.viewer()
	desk := h.desktop(token)
	expect(t, v, EventAllyStatus, nil)

	require.NoError(t, desk.Close())

	var d domain.Delta
	expect(t, v, EventAllyStatus, &d)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, domain.StatusOffline, d.Status)

	_, err := h.reg.ConnFor(token)
	assert.ErrorIs(t, err, domain.ErrInstanceOffline)
}

func TestNewConnectionSupersedesOld(t *testing.T) {
	h := newHarness(t)
	id, token := h.register("Desk-1")
	v := h.viewer()

	first := h.desktop(token)
	expect(t, v, EventAllyStatus, nil)
	firstConn, err := h.reg.ConnFor(token)
	require.NoError(t, err)

	second := h.dial()
	send(t, second, EventAllyConnect, allyConnectPayload{Token: token})

	var e errorPayload
	expect(t, first, EventError, &e)
	assert.Equal(t, supersededReason, e.Message)

	// The evicted socket is closed by the server.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err = first.ReadMessage()
	require.Error(t, err)

	var d domain.Delta
	expect(t, v, EventAllyStatus, &d)
	assert.Equal(t, domain.StatusOnline, d.Status)

	// The late close of the first socket must not flip the instance offline.
	require.Eventually(t, func() bool {
		conns, _ := h.b.Stats()
		return conns == 2
	}, readTimeout, 10*time.Millisecond)

	connID, err := h.reg.ConnFor(token)
	require.NoError(t, err)
	assert.NotEqual(t, firstConn, connID)

	pub, err := h.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, pub.Status)

	send(t, v, EventCommandSend, commandSendPayload{Token: token, Command: "ping"})
	expect(t, second, EventCommandReceive, nil)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.dial()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var e errorPayload
	expect(t, conn, EventError, &e)
	assert.Contains(t, e.Message, "malformed")

	send(t, conn, "nope:unknown", struct{}{})
	expect(t, conn, EventError, &e)
	assert.Contains(t, e.Message, "unknown event")

	send(t, conn, EventWebConnect, webConnectPayload{ClientID: "web-1"})
	expect(t, conn, EventAllyInstances, nil)
}

func TestRolesAreExclusive(t *testing.T) {
	h := newHarness(t)
	_, token := h.register("Desk-1")
	v := h.viewer()

	send(t, v, EventAllyConnect, allyConnectPayload{Token: token})

	var e errorPayload
	expect(t, v, EventError, &e)
	assert.Contains(t, e.Message, "viewer")

	_, err := h.reg.ConnFor(token)
	assert.ErrorIs(t, err, domain.ErrInstanceOffline)
}

func TestStatusPushFromDesktop(t *testing.T) {
	h := newHarness(t)
	_, token := h.register("Desk-1")
	v := h.viewer()
	desk := h.desktop(token)
	expect(t, v, EventAllyStatus, nil)

	typing := true
	send(t, desk, EventAllyStatus, statusPushPayload{Patch: domain.Patch{IsTyping: &typing}})

	var d domain.Delta
	expect(t, v, EventAllyStatus, &d)
	assert.True(t, d.IsTyping)

	_, other := h.register("Desk-2")
	send(t, desk, EventAllyStatus, statusPushPayload{Token: other, Patch: domain.Patch{IsTyping: &typing}})
	var e errorPayload
	expect(t, desk, EventError, &e)
	assert.Equal(t, domain.ErrUnauthorized.Error(), e.Message)
}

func TestHeartbeatBroadcasts(t *testing.T) {
	h := newHarness(t)
	id, token := h.register("Desk-1")
	v := h.viewer()

	model := "llama3"
	require.NoError(t, h.b.Heartbeat(id, token, domain.Patch{CurrentModel: &model}))

	var d domain.Delta
	expect(t, v, EventAllyStatus, &d)
	assert.Equal(t, "llama3", d.CurrentModel)
	assert.Equal(t, domain.StatusOffline, d.Status)

	err := h.b.Heartbeat(id, "wrong", domain.Patch{CurrentModel: &model})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	busy := "busy"
	err = h.b.Heartbeat(id, "wrong", domain.Patch{Status: &busy})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	err = h.b.Heartbeat("unknown-id", token, domain.Patch{Status: &busy})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusPushWrongTokenIsUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.register("Desk-1")
	conn := h.dial()

	busy := "busy"
	send(t, conn, EventAllyStatus, statusPushPayload{Token: "wrong", Patch: domain.Patch{Status: &busy}})

	var e errorPayload
	expect(t, conn, EventError, &e)
	assert.Equal(t, domain.ErrUnauthorized.Error(), e.Message)
}

func TestDeleteEvictsBoundConnection(t *testing.T) {
	h := newHarness(t)
	id, token := h.register("Desk-1")
	v := h.viewer()
	desk := h.desktop(token)
	expect(t, v, EventAllyStatus, nil)

	require.NoError(t, h.b.Delete(id, token))

	var e errorPayload
	expect(t, desk, EventError, &e)
	assert.Equal(t, deletedReason, e.Message)

	var d domain.Delta
	expect(t, v, EventAllyStatus, &d)
	assert.True(t, d.Removed)
	assert.Equal(t, id, d.ID)

	_, err := h.reg.Get(id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepBroadcastsRemoval(t *testing.T) {
	h := newHarness(t)
	id, _ := h.register("Desk-1")
	v := h.viewer()

	// lastSeen is "now", so a negative threshold makes it stale.
	require.Equal(t, 1, h.b.Sweep(-time.Second))

	var d domain.Delta
	expect(t, v, EventAllyStatus, &d)
	assert.True(t, d.Removed)
	assert.Equal(t, id, d.ID)
}

type recordingMirror struct {
	mu     sync.Mutex
	deltas []domain.Delta
}

func (m *recordingMirror) Apply(_ context.Context, d domain.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas = append(m.deltas, d)
	return nil
}

func (m *recordingMirror) statuses() []domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Status, 0, len(m.deltas))
	for _, d := range m.deltas {
		out = append(out, d.Status)
	}
	return out
}

func TestMirrorReceivesDeltasInOrder(t *testing.T) {
	m := &recordingMirror{}
	h := newHarness(t, WithMirror(m))
	_, token := h.register("Desk-1")

	desk := h.desktop(token)
	require.NoError(t, desk.Close())

	require.Eventually(t, func() bool {
		return len(m.statuses()) == 2
	}, readTimeout, 10*time.Millisecond)
	assert.Equal(t, []domain.Status{domain.StatusOnline, domain.StatusOffline}, m.statuses())
	assert.True(t, h.b.MirrorEnabled())
}

func TestUpgradeChecksOrigin(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowedOrigins = []string{"https://Dash.example.com/"}
	b := New(registry.New(), logger.NewNop(), opts)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		b.Shutdown()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{name: "native client without origin", ok: true},
		{name: "allowed origin", origin: "https://dash.example.com", ok: true},
		{name: "other origin", origin: "https://evil.example.com", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.ok {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamapp/callkit/internal/config"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// relayStub accepts websocket connections and records/echoes envelopes.
type relayStub struct {
	t *testing.T

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []Envelope
	headers  []http.Header
}

func newRelayStub(t *testing.T) (*relayStub, *httptest.Server) {
	rs := &relayStub{t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rs.mu.Lock()
		rs.conns = append(rs.conns, conn)
		rs.headers = append(rs.headers, r.Header.Clone())
		rs.mu.Unlock()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			rs.mu.Lock()
			rs.received = append(rs.received, env)
			rs.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return rs, srv
}

func (rs *relayStub) push(env Envelope) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.NotEmpty(rs.t, rs.conns)
	require.NoError(rs.t, rs.conns[len(rs.conns)-1].WriteJSON(env))
}

func (rs *relayStub) receivedEvents() []Envelope {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]Envelope(nil), rs.received...)
}

func (rs *relayStub) dropAll() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, c := range rs.conns {
		c.Close()
	}
}

func (rs *relayStub) connCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.conns)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testClientConfig(srv *httptest.Server) config.Signal {
	return config.Signal{
		ServerURL:       wsURL(srv),
		AuthToken:       "tok-123",
		DialTimeoutSec:  2,
		ReconnectMaxSec: 2,
	}
}

func startClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(testClientConfig(srv), "alice")
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestClientHandshakeHeaders(t *testing.T) {
	rs, srv := newRelayStub(t)
	startClient(t, srv)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.Len(t, rs.headers, 1)
	assert.Equal(t, "Bearer tok-123", rs.headers[0].Get("Authorization"))
	assert.Equal(t, "alice", rs.headers[0].Get("X-User-ID"))
}

func TestSendAndReceive(t *testing.T) {
	rs, srv := newRelayStub(t)
	c := startClient(t, srv)

	sub, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.Send(EventCallInitiate, InitiatePayload{RecipientID: "bob", CallType: "voice"}))
	require.Eventually(t, func() bool {
		return len(rs.receivedEvents()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, EventCallInitiate, rs.receivedEvents()[0].Event)

	env, err := NewEnvelope(EventCallRinging, RingingPayload{CallID: "c1", CallType: "voice"})
	require.NoError(t, err)
	rs.push(env)

	select {
	case got := <-sub:
		assert.Equal(t, EventCallRinging, got.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never reached subscriber")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewClient(config.Signal{
		ServerURL:       "ws://127.0.0.1:1/ws",
		DialTimeoutSec:  1,
		ReconnectMaxSec: 1,
	}, "alice")
	defer c.Close()

	err := c.Send(EventCallEnd, EndPayload{CallID: "c1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectAfterDrop(t *testing.T) {
	rs, srv := newRelayStub(t)
	c := startClient(t, srv)

	var mu sync.Mutex
	var states []bool
	c.OnStateChange(func(up bool) {
		mu.Lock()
		states = append(states, up)
		mu.Unlock()
	})

	rs.dropAll()
	require.Eventually(t, func() bool {
		return rs.connCount() >= 2 && c.Connected()
	}, 5*time.Second, 20*time.Millisecond)

	// The new connection carries traffic again.
	require.NoError(t, c.Send(EventCallEnd, EndPayload{CallID: "c1"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, false)
	assert.Contains(t, states, true)
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	rs, srv := newRelayStub(t)
	c := startClient(t, srv)

	sub, cancel := c.Subscribe()
	cancel()
	// Cancel twice is harmless.
	cancel()

	env, err := NewEnvelope(EventCallRinging, RingingPayload{CallID: "c1"})
	require.NoError(t, err)
	rs.push(env)

	// Channel is closed, not left dangling.
	_, open := <-sub
	assert.False(t, open)
}

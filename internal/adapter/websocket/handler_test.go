package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/tenantcast/internal/adapter/metrics"
	"github.com/pscheid92/tenantcast/internal/broadcast"
	"github.com/pscheid92/tenantcast/internal/domain"
)

const ackOK = `{"type":"authenticated","success":true}`

type testEnv struct {
	registry *broadcast.Registry
	metrics  *metrics.WebSocketMetrics
	url      string
}

func newTestEnv(t *testing.T, limits LimitsConfig) *testEnv {
	t.Helper()

	// Real clock: write deadlines are applied to real sockets.
	clock := clockwork.NewRealClock()
	reg := prometheus.NewRegistry()
	registry := broadcast.NewRegistry(clock, broadcast.Config{HeartbeatInterval: time.Hour}, metrics.NewRegistryMetrics(reg))
	wsMetrics := metrics.NewWebSocketMetrics(reg)

	handler := NewHandler(registry, NewConnectionLimits(clock, limits), wsMetrics, NewCheckOrigin("https://crm.example.com", false))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Cleanup(registry.Stop)

	return &testEnv{
		registry: registry,
		metrics:  wsMetrics,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + Path,
	}
}

func defaultLimits() LimitsConfig {
	return LimitsConfig{MaxConnections: 100, MaxConnectionsPerIP: 100, RatePerIP: 1000, RateBurst: 1000}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) authenticate(t *testing.T, conn *websocket.Conn, tenantID string) {
	t.Helper()
	send(t, conn, `{"type":"authenticate","tenantId":"`+tenantID+`","userId":"u1"}`)
	assert.JSONEq(t, ackOK, read(t, conn))
	require.Eventually(t, func() bool { return e.registry.ClientCount(tenantID) >= 1 }, time.Second, 5*time.Millisecond)
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func testEvent(id int) domain.Event {
	return domain.Event{Type: "entity_changed", Module: "invoices", Action: domain.ActionUpdate, Data: map[string]any{"id": id}}
}

func TestHandler_AuthenticateThenReceiveBroadcast(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := env.dial(t)

	env.authenticate(t, conn, "t1")

	n, err := env.registry.Broadcast(context.Background(), "t1", testEvent(7))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.JSONEq(t, `{"type":"entity_changed","module":"invoices","action":"update","data":{"id":7}}`, read(t, conn))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Upgrades))
}

func TestHandler_TenantIsolation(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	a := env.dial(t)
	b := env.dial(t)
	env.authenticate(t, a, "t1")
	env.authenticate(t, b, "t2")

	_, err := env.registry.Broadcast(context.Background(), "t1", testEvent(1))
	require.NoError(t, err)
	_, err = env.registry.Broadcast(context.Background(), "t2", testEvent(2))
	require.NoError(t, err)

	assert.Contains(t, read(t, a), `"id":1`)
	assert.Contains(t, read(t, b), `"id":2`, "t2 sees only its own event")
}

func TestHandler_MalformedMessageKeepsConnection(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := env.dial(t)

	send(t, conn, "not json")
	send(t, conn, `{"type":"authenticate"}`)
	env.authenticate(t, conn, "t1")
}

func TestHandler_BinaryFramesAreIgnored(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := env.dial(t)

	binaryAuth := []byte(`{"type":"authenticate","tenantId":"t1","userId":"u1"}`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, binaryAuth))
	env.authenticate(t, conn, "t2")

	assert.Equal(t, 0, env.registry.ClientCount("t1"), "binary authenticate must not bind the tenant")
	assert.Equal(t, 1, env.registry.ClientCount("t2"))
}

func TestHandler_ClientCloseRemovesConnection(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := env.dial(t)
	env.authenticate(t, conn, "t1")

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return env.registry.ClientCount("t1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandler_AbruptDisconnectRemovesConnection(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := env.dial(t)
	env.authenticate(t, conn, "t1")

	require.NoError(t, conn.UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		stats, err := env.registry.Stats(context.Background())
		return err == nil && stats.Connections == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHandler_UnresponsivePeerIsTerminated(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := env.dial(t)
	env.authenticate(t, conn, "t1")

	// The peer never reads again, so the ping is never answered.
	terminated, err := env.registry.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, terminated)

	terminated, err = env.registry.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, terminated)
	assert.Equal(t, 0, env.registry.ClientCount("t1"))
}

func TestHandler_PongKeepsPeerAlive(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := env.dial(t)
	env.authenticate(t, conn, "t1")

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		select {
		case pinged <- struct{}{}:
		default:
		}
		return err
	})

	messages := make(chan string, 4)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(messages)
				return
			}
			messages <- string(data)
		}
	}()

	_, err := env.registry.Sweep()
	require.NoError(t, err)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}

	// Frames are handled in order, so once this ack arrives the pong has been processed.
	send(t, conn, `{"type":"authenticate","tenantId":"t1","userId":"u1"}`)
	select {
	case msg := <-messages:
		assert.JSONEq(t, ackOK, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received")
	}

	terminated, err := env.registry.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, terminated)
	assert.Equal(t, 1, env.registry.ClientCount("t1"))
}

func TestHandler_StopSendsCloseFrame(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := env.dial(t)
	env.authenticate(t, conn, "t1")

	env.registry.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "server shutting down", closeErr.Text)
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, defaultLimits())

	header := http.Header{"Origin": []string{"https://evil.example.net"}}
	_, resp, err := websocket.DefaultDialer.Dial(env.url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rejected.WithLabelValues("origin")))
}

func TestHandler_GlobalLimit(t *testing.T) {
	env := newTestEnv(t, LimitsConfig{MaxConnections: 1, MaxConnectionsPerIP: 10, RatePerIP: 1000, RateBurst: 1000})
	first := env.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rejected.WithLabelValues(string(LimitReasonGlobal))))

	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		conn, resp, err := websocket.DefaultDialer.Dial(env.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond, "the slot is released once the first connection ends")
}

func TestHandler_RateLimit(t *testing.T) {
	env := newTestEnv(t, LimitsConfig{MaxConnections: 10, MaxConnectionsPerIP: 10, RatePerIP: 0.001, RateBurst: 1})
	env.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandler_RegistryStoppedRefusesConnection(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	env.registry.Stop()

	conn := env.dial(t)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestIsNormalClose(t *testing.T) {
	assert.True(t, isNormalClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.True(t, isNormalClose(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.False(t, isNormalClose(&websocket.CloseError{Code: websocket.CloseProtocolError}))
	assert.False(t, isNormalClose(errors.New("connection reset")))
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, Path, nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", remoteIP(r))

	r.RemoteAddr = "unix"
	assert.Equal(t, "unix", remoteIP(r))
}

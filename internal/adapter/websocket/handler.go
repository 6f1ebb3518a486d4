package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pscheid92/tenantcast/internal/adapter/metrics"
	"github.com/pscheid92/tenantcast/internal/broadcast"
	"github.com/pscheid92/tenantcast/internal/platform/correlation"
)

// Path is the fixed upgrade path.
const Path = "/ws"

const (
	maxMessageSize   = 64 << 10
	handshakeTimeout = 10 * time.Second
	closeGracePeriod = time.Second
)

// Registry is the part of broadcast.Registry the transport drives.
type Registry interface {
	Open(ctx context.Context, transport broadcast.Transport) (*broadcast.Client, error)
	HandleMessage(client *broadcast.Client, raw []byte)
	Close(client *broadcast.Client)
	Fail(client *broadcast.Client, err error)
}

// Handler upgrades HTTP requests to WebSocket connections owned by a Registry.
type Handler struct {
	registry Registry
	limits   *ConnectionLimits
	metrics  *metrics.WebSocketMetrics
	upgrader websocket.Upgrader
}

func NewHandler(registry Registry, limits *ConnectionLimits, m *metrics.WebSocketMetrics, checkOrigin func(*http.Request) bool) *Handler {
	return &Handler{
		registry: registry,
		limits:   limits,
		metrics:  m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      checkOrigin,
			Error:            upgradeError(m),
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)

	if ok, reason := h.limits.Acquire(ip); !ok {
		h.metrics.Rejected.WithLabelValues(string(reason)).Inc()
		slog.WarnContext(r.Context(), "WebSocket connection rejected", "reason", reason, "remote_ip", ip)

		status := http.StatusTooManyRequests
		if reason == LimitReasonGlobal {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer h.limits.Release(ip)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		return
	}
	h.metrics.Upgrades.Inc()
	conn.SetReadLimit(maxMessageSize)

	ctx, _ := correlation.Ensure(r.Context())
	client, err := h.registry.Open(ctx, conn)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to register connection", "remote_ip", ip, "error", err)
		closeMsg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeGracePeriod))
		_ = conn.Close()
		return
	}

	conn.SetPongHandler(func(string) error {
		client.MarkAlive()
		return nil
	})

	h.readPump(conn, client)
}

// readPump runs until the connection fails or is closed from either side.
// Only text frames carry protocol messages; binary frames are dropped.
func (h *Handler) readPump(conn *websocket.Conn, client *broadcast.Client) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			h.finish(client, err)
			return
		}
		if messageType != websocket.TextMessage {
			slog.DebugContext(client.Context(), "Ignoring non-text frame", "connection_id", client.ID().String(), "message_type", messageType)
			continue
		}
		h.registry.HandleMessage(client, data)
	}
}

func (h *Handler) finish(client *broadcast.Client, err error) {
	if client.Closed() || isNormalClose(err) {
		h.registry.Close(client)
		return
	}
	h.registry.Fail(client, err)
}

func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}

func upgradeError(m *metrics.WebSocketMetrics) func(http.ResponseWriter, *http.Request, int, error) {
	return func(w http.ResponseWriter, r *http.Request, status int, reason error) {
		label := "bad_handshake"
		if status == http.StatusForbidden {
			label = "origin"
		}
		m.Rejected.WithLabelValues(label).Inc()
		slog.DebugContext(r.Context(), "WebSocket upgrade failed", "status", status, "error", reason)
		http.Error(w, http.StatusText(status), status)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

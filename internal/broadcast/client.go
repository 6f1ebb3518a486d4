package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	closeFrameWait    = time.Second
	messageBufferSize = 16
)

// Transport is the part of a WebSocket connection the registry writes to.
// *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	writerStopped
	queueFull
)

// liveness is the heartbeat state of a connection. It starts alive, every pong marks it alive
// again and every sweep reads and clears it before sending the next probe.
type liveness struct {
	alive atomic.Bool
}

func (l *liveness) markAlive() {
	l.alive.Store(true)
}

// probe clears the flag and reports whether the peer answered since the previous probe.
func (l *liveness) probe() bool {
	return l.alive.Swap(false)
}

// Client is one transport-level connection known to a Registry.
type Client struct {
	id        uuid.UUID
	ctx       context.Context
	transport Transport
	clock     clockwork.Clock
	liveness  liveness

	sendChannel chan []byte
	pingChannel chan struct{}
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	stopped     atomic.Bool

	// Owned by the registry goroutine.
	tenantID string
	userID   string
}

func newClient(ctx context.Context, transport Transport, clock clockwork.Clock) *Client {
	c := &Client{
		id:          uuid.New(),
		ctx:         ctx,
		transport:   transport,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		pingChannel: make(chan struct{}, 1),
		doneChannel: make(chan struct{}),
	}
	c.liveness.markAlive()
	c.wg.Add(1)
	go c.run()
	return c
}

// ID returns the connection ID used in logs.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// Context returns the logging context of the connection.
func (c *Client) Context() context.Context {
	return c.ctx
}

// MarkAlive records a heartbeat reply. Safe to call from the transport's read goroutine.
func (c *Client) MarkAlive() {
	c.liveness.markAlive()
}

// Closed reports whether the server side has shut the connection down, either because the
// registry removed it or because a write failed.
func (c *Client) Closed() bool {
	return c.stopped.Load()
}

func (c *Client) run() {
	defer c.wg.Done()
	defer c.stopped.Store(true)

	for {
		select {
		case msg := <-c.sendChannel:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		case <-c.pingChannel:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.doneChannel:
			return
		}
	}
}

// write reports false when the connection is unusable. The transport is closed so the read
// side notices and reports the close to the registry.
func (c *Client) write(messageType int, data []byte) bool {
	c.updateWriteDeadline()
	if err := c.transport.WriteMessage(messageType, data); err != nil {
		slog.DebugContext(c.ctx, "Write failed, closing connection", "connection_id", c.id.String(), "error", err)
		_ = c.transport.Close()
		return false
	}
	return true
}

func (c *Client) enqueue(data []byte) enqueueResult {
	if c.stopped.Load() {
		return writerStopped
	}
	select {
	case c.sendChannel <- data:
		return enqueued
	default:
		return queueFull
	}
}

// ping queues a heartbeat probe. A probe that is already pending is enough.
func (c *Client) ping() {
	if c.stopped.Load() {
		return
	}
	select {
	case c.pingChannel <- struct{}{}:
	default:
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		close(c.doneChannel)
		_ = c.transport.Close()
	})
	c.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing the transport. A writer stuck
// on a stalled peer gets closeFrameWait to finish; after that the transport is closed without
// a close frame.
func (c *Client) stopGraceful(reason string) {
	c.stopOnce.Do(func() {
		close(c.doneChannel)

		// The writer must be gone before the close frame is written; gorilla allows one writer.
		if !c.waitWriter(closeFrameWait) {
			slog.DebugContext(c.ctx, "Writer stalled, closing without close frame", "connection_id", c.id.String())
			_ = c.transport.Close()
			return
		}

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.updateWriteDeadline()
		_ = c.transport.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = c.transport.Close()
	})
	c.wg.Wait()
}

func (c *Client) waitWriter(timeout time.Duration) bool {
	exited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(exited)
	}()

	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-exited:
		return true
	case <-timer.Chan():
		return false
	}
}

func (c *Client) updateWriteDeadline() {
	_ = c.transport.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
}

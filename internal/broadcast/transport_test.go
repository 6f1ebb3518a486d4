package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport records everything the registry writes. When blocked, writes stall until
// the transport is unblocked or closed, like a peer that stopped reading.
type fakeTransport struct {
	mu         sync.Mutex
	messages   [][]byte
	pings      int
	closeFrame []byte
	closed     bool
	failWrites bool
	blocked    chan struct{}
	stalled    bool
	closedCh   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closedCh: make(chan struct{})}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	blocked := f.blocked
	if messageType == websocket.CloseMessage {
		// Close frames are written under a deadline and never stall.
		f.closeFrame = data
		f.mu.Unlock()
		return nil
	}
	f.stalled = blocked != nil
	f.mu.Unlock()

	if blocked != nil {
		select {
		case <-blocked:
		case <-f.closedCh:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled = false

	if f.closed {
		return errTransportClosed
	}
	if f.failWrites {
		return errors.New("write failed")
	}

	switch messageType {
	case websocket.TextMessage:
		f.messages = append(f.messages, append([]byte(nil), data...))
	case websocket.PingMessage:
		f.pings++
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	return nil
}

func (f *fakeTransport) block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = make(chan struct{})
}

// Stalled reports whether a write is waiting on the blocked peer.
func (f *fakeTransport) Stalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stalled
}

func (f *fakeTransport) setFailWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = true
}

func (f *fakeTransport) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = string(m)
	}
	return out
}

func (f *fakeTransport) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) CloseFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeFrame
}

func waitForMessages(t *testing.T, f *fakeTransport, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.Messages()) >= n }, time.Second, 2*time.Millisecond,
		"expected %d messages, got %v", n, f.Messages())
	return f.Messages()
}

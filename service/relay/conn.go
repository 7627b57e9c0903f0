package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the part of *websocket.Conn the relay writes through.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live transport session. Identity, room and heartbeat fields are
// written only by the registry loop; the writer goroutine owns the transport.
type Conn struct {
	ClientID string
	Remote   string

	UserID          string
	ProjectID       string
	ConnectedAt     time.Time
	JoinedAt        time.Time
	LastHeartbeatAt time.Time

	transport Transport
	writeWait time.Duration

	send   chan []byte
	pingCh chan struct{}
	quit   chan struct{}

	dead      atomic.Bool // writer failed; evicted by the next sweep
	closed    atomic.Bool
	closeOnce sync.Once
}

func newConn(clientID, remote string, t Transport, queue int, writeWait time.Duration, now time.Time) *Conn {
	return &Conn{
		ClientID:        clientID,
		Remote:          remote,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		transport:       t,
		writeWait:       writeWait,
		send:            make(chan []byte, queue),
		pingCh:          make(chan struct{}, 1),
		quit:            make(chan struct{}),
	}
}

// writable reports whether deliveries can still be queued.
func (c *Conn) writable() bool {
	return !c.dead.Load() && !c.closed.Load()
}

// enqueue never blocks; a full queue or an unwritable transport skips the frame.
func (c *Conn) enqueue(payload []byte) bool {
	if !c.writable() {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Conn) requestPing() {
	if !c.writable() {
		return
	}
	select {
	case c.pingCh <- struct{}{}:
	default:
	}
}

// writeLoop drains the send queue until close. A failed write marks the
// connection dead and stops the loop without closing the socket.
func (c *Conn) writeLoop() {
	defer func() {
		// any exit other than close, a panic included, leaves the conn unwritable
		if !c.closed.Load() {
			c.dead.Store(true)
		}
	}()
	for {
		select {
		case <-c.quit:
			return
		case payload := <-c.send:
			_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.transport.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.dead.Store(true)
				return
			}
		case <-c.pingCh:
			if err := c.transport.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeWait)); err != nil {
				c.dead.Store(true)
				return
			}
		}
	}
}

// close sends a close frame (best effort) and releases the socket.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		_ = c.transport.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeWait))
		_ = c.transport.Close()
	})
}

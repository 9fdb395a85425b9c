package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketplace-chat/internal/models"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = 50 * time.Second

	readLimit = 64 * 1024

	DefaultSendBuffer = 64
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// outbound is a queued frame. written runs on the write pump once the frame is on the wire.
type outbound struct {
	event   models.ChatEvent
	written func()
}

// Connection is one live websocket of a user. Send never blocks: frames go through a buffered
// channel drained by the write pump. Frames still queued at Close are dropped.
type Connection struct {
	conn *websocket.Conn
	info ConnInfo
	send chan outbound
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func NewConnection(conn *websocket.Conn, info ConnInfo, buffer int) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Connection{
		conn: conn,
		info: info,
		send: make(chan outbound, buffer),
		done: make(chan struct{}),
	}
}

func (c *Connection) ID() string {
	return c.info.ConnID
}

func (c *Connection) Info() ConnInfo {
	return c.info
}

// Send enqueues a frame for the write pump.
func (c *Connection) Send(event models.ChatEvent) error {
	return c.enqueue(outbound{event: event})
}

// SendTracked enqueues a frame and runs written after the write pump delivered it.
func (c *Connection) SendTracked(event models.ChatEvent, written func()) error {
	return c.enqueue(outbound{event: event, written: written})
}

func (c *Connection) enqueue(out outbound) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- out:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Supersede tells the client a newer connection took over, then closes this one.
func (c *Connection) Supersede() {
	c.setReason("superseded")
	if err := c.Send(models.ChatEvent{Type: models.EventSuperseded}); err != nil {
		c.Close("superseded")
	}
}

// Close stops the pumps. Safe to call more than once.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.setReason(reason)
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once the connection is shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Connection) setReason(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		c.reason = reason
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case out := <-c.send:
			select {
			case <-c.done:
				return
			default:
			}
			if err := c.write(out.event); err != nil {
				log.Printf("ws write failed conn_id=%s user_id=%s type=%s err=%v", c.info.ConnID, c.info.UserID, out.event.Type, err)
				c.Close("write error")
				return
			}
			if out.written != nil {
				out.written()
			}
			if out.event.Type == models.EventSuperseded {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded"),
					time.Now().Add(writeWait))
				c.Close("superseded")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close("ping error")
				return
			}
		}
	}
}

func (c *Connection) write(event models.ChatEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, body)
}

// Package relay runs authenticated websocket sessions: it reads inbound
// frames one at a time and turns them into message operations.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/casework/messaging/internal/model"
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned when a slow client has a full queue.
	ErrSendQueueFull = errors.New("send queue full")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// Options tunes connection keepalive and buffering.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	SendBuffer   int
	// ReplyWait bounds how long a reply to the client's own frame waits for
	// queue space before the connection is dropped. Zero means writeWait.
	ReplyWait time.Duration
}

// DefaultOptions matches the service defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		PongWait:     90 * time.Second,
		SendBuffer:   64,
		ReplyWait:    writeWait,
	}
}

// Conn is one authenticated websocket. All writes go through a buffered
// queue drained by a single writer goroutine.
type Conn struct {
	id     string
	userID int64
	ws     *websocket.Conn
	opts   Options

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
}

func newConn(ws *websocket.Conn, userID int64, opts Options) *Conn {
	if opts.ReplyWait <= 0 {
		opts.ReplyWait = writeWait
	}
	return &Conn{
		id:        uuid.NewString(),
		userID:    userID,
		ws:        ws,
		opts:      opts,
		send:      make(chan []byte, opts.SendBuffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// ID identifies this connection in logs.
func (c *Conn) ID() string {
	return c.id
}

// UserID is the authenticated owner of the connection.
func (c *Conn) UserID() int64 {
	return c.userID
}

// Send queues a frame without blocking. Fan-out uses it; a full queue is a
// failed delivery for that recipient only.
func (c *Conn) Send(frame model.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Reply queues the answer to a frame this connection sent. It waits for
// queue space; if none frees up within ReplyWait the connection is closed
// with 1013 so the client reconnects instead of missing a reply.
func (c *Conn) Reply(frame model.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	timer := time.NewTimer(c.opts.ReplyWait)
	defer timer.Stop()

	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- data:
		return nil
	case <-timer.C:
		c.closeWith(websocket.CloseTryAgainLater)
		return ErrSendQueueFull
	}
}

// Close stops the writer, which flushes the queue and closes the socket.
func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure)
}

func (c *Conn) closeWith(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.done)
	})
}

// writePump drains the send queue and pings the peer.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		// A failed write must not leave Reply waiting on a dead queue.
		c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, ""))
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still queued when the connection closes.
func (c *Conn) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump delivers inbound text frames to handle, one at a time, until the
// peer goes away or stops answering pings.
func (c *Conn) readPump(handle func([]byte)) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}
		// Any traffic proves the peer is alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		handle(data)
	}
}

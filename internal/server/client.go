package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfleet/internal/database"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	errClientClosed   = errors.New("client is not open")
	errSendBufferFull = errors.New("client send buffer is full")
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       database.User
	// connId distinguishes this connection from the user's other
	// connections across the fleet.
	connId   string
	state    atomic.Int32
	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

// NewClient wraps an authenticated connection. The client starts in
// CONNECTING and becomes OPEN once the chat server accepts it.
func NewClient(user database.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		connId:     uuid.NewString(),
		send:       make(chan []byte, sendBufferSize),
		stop:       make(chan struct{}),
	}
}

func (c *Client) User() database.User {
	return c.user
}

func (c *Client) ConnId() string {
	return c.connId
}

func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) IsOpen() bool {
	return c.State() == StateOpen
}

func (c *Client) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// close moves the client to CLOSED and stops its write pump. It reports
// whether this call made the transition.
func (c *Client) close() bool {
	prev := ConnState(c.state.Swap(int32(StateClosed)))
	c.stopOnce.Do(func() { close(c.stop) })
	return prev != StateClosed
}

// Deliver queues a frame without blocking.
func (c *Client) Deliver(frame []byte) error {
	if !c.IsOpen() {
		return errClientClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// deliverWait queues a frame, waiting for room in the send buffer.
func (c *Client) deliverWait(ctx context.Context, frame []byte) error {
	if !c.IsOpen() {
		return errClientClosed
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.stop:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) queueFrame(f *ServerFrame) bool {
	data, err := serializeFrame(f)
	if err != nil {
		c.log.Println("failed to serialize frame:", err)
		return false
	}

	if err := c.Deliver(data); err != nil {
		c.log.Printf("failed to send frame to user %d: %v", c.user.Id, err)
		return false
	}

	return true
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if !c.sendMessage(websocket.TextMessage, data) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.chatServer.Close(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		c.chatServer.handleFrame(c, raw)
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

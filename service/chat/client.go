package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatgate/logger"
)

// Connection lifecycle. Terminal state is StateDisconnected.
const (
	StateConnecting int32 = iota
	StateAuthenticating
	StateConnected
	StateDisconnected
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 75 * time.Second
	pingPeriod = 25 * time.Second
)

// Client is one live connection. UserID is bound exactly once during
// authentication and never changes afterwards; the peer is never trusted
// to self-report identity on later frames.
type Client struct {
	ConnID string
	UserID string

	ws    *websocket.Conn
	send  chan []byte
	state atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(ws *websocket.Conn, sendQueueSize int) *Client {
	c := &Client{
		ConnID: uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	c.state.Store(StateConnecting)
	return c
}

func (c *Client) State() int32     { return c.state.Load() }
func (c *Client) setState(s int32) { c.state.Store(s) }

// Enqueue hands a frame to the writer pump. Slow clients get frames
// dropped rather than blocking the caller; the reconnect/history path
// fills any gap from the store.
func (c *Client) Enqueue(payload []byte) bool {
	if c.State() == StateDisconnected {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		logger.Warnf("[ws] send queue full, dropping frame conn=%s user=%s", c.ConnID, c.UserID)
		return false
	}
}

// writePump is the single writer goroutine of this connection. Nothing
// else may call WriteMessage.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close transitions to disconnected and tears down only this
// connection's pumps; it never touches consumer or heartbeat tasks.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		close(c.done)
		_ = c.ws.Close()
	})
}

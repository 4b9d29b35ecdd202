package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/masomo/campus/core/user"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxFrameSize = 64 << 10
)

type conn struct {
	ws      *websocket.Conn
	user    user.User
	limiter *rate.Limiter

	// rooms is guarded by the hub's lock.
	rooms map[string]struct{}

	mu     sync.Mutex
	send   chan []byte // buffered channel of outbound frames
	closed bool
}

func newConn(ws *websocket.Conn, usr user.User, limiter *rate.Limiter, bufSize int) *conn {
	return &conn{
		ws:      ws,
		user:    usr,
		limiter: limiter,
		rooms:   make(map[string]struct{}),
		send:    make(chan []byte, bufSize),
	}
}

// enqueue queues msg without blocking. It reports false if the buffer is full or the conn is closed.
func (c *conn) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writer pumps frames from the send buffer to the socket, and pings the peer.
func (c *conn) writer() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the hub closed the channel
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package broker

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the largest inbound frame the broker accepts. Larger
	// frames are answered with code 405 and dropped.
	maxMessageSize = 8192

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the broker uses. Tests substitute a
// fake; production always passes the fasthttp/websocket connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Role classifies a registry entry. Endpoints join as unknown and are promoted
// by the pairing handshake.
type Role string

const (
	RoleUnknown    Role = "unknown"
	RoleController Role = "controller"
	RoleApp        Role = "app"
)

// Client is one broker registry entry. Real entries own a WebSocket connection
// with read and write pumps; synthetic controller entries have a nil conn and
// silently discard outbound writes.
type Client struct {
	hub  *Hub
	id   string
	conn Conn
	send chan []byte
	log  zerolog.Logger

	mu         sync.RWMutex
	role       Role
	peerID     string
	lastActive time.Time

	closeOnce sync.Once
}

func newClient(hub *Hub, id string, conn Conn, logger zerolog.Logger) *Client {
	c := &Client{
		hub:        hub,
		id:         id,
		conn:       conn,
		log:        logger.With().Str("client_id", id).Logger(),
		role:       RoleUnknown,
		lastActive: time.Now(),
	}
	if conn != nil {
		c.send = make(chan []byte, 64)
	}
	return c
}

// ID returns the broker-assigned client id.
func (c *Client) ID() string { return c.id }

// Role returns the entry's current role.
func (c *Client) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// PeerID returns the paired peer's id, or empty when unpaired.
func (c *Client) PeerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

// LastActive returns the time of the last inbound frame or registration.
func (c *Client) LastActive() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActive
}

// Synthetic reports whether the entry has no real transport.
func (c *Client) Synthetic() bool { return c.conn == nil }

func (c *Client) setRole(role Role) {
	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
}

func (c *Client) setPeer(peerID string) {
	c.mu.Lock()
	c.peerID = peerID
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// readPump reads frames from the WebSocket connection and hands them to the
// Hub. It runs in its own goroutine and triggers the close cascade on exit.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleClose(c)
		_ = c.conn.Close()
	}()

	// Read limit sits above maxMessageSize so oversize frames surface as a 405
	// reply instead of a transport error.
	c.conn.SetReadLimit(2 * maxMessageSize)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		c.hub.handleInbound(c, message)
	}
}

// writePump writes messages from the send channel to the WebSocket connection.
// It runs in its own goroutine and exits when the send channel is closed.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// enqueue hands a message to the write pump. Writes to synthetic entries are
// discarded and count as delivered. A full send buffer drops the message and
// reports failure; it never blocks the caller.
func (c *Client) enqueue(msg []byte) bool {
	if c.conn == nil {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn().Msg("Client send buffer full, dropping message")
		return false
	}
}

// closeSend closes the send channel exactly once, letting the write pump drain
// and exit.
func (c *Client) closeSend() {
	if c.send == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.send) })
}

// closeTransport closes the underlying connection. Safe on synthetic entries
// and safe to call more than once.
func (c *Client) closeTransport() {
	c.closeSend()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

package room

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/folioworks/folio/internal/identity"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

// Client is the server side of one room connection: it pumps frames between
// the websocket and the room loop.
type Client struct {
	connectionID string
	room         *Room
	conn         *websocket.Conn
	send         chan Message
	user         identity.User
	cursor       int
	onClose      func()
	logger       *zap.Logger
}

// ClientConfig describes a new room connection. OnClose runs once after the
// connection detaches from its room, letting the owner release its room
// reference.
type ClientConfig struct {
	ConnectionID string
	Room         *Room
	Conn         *websocket.Conn
	User         identity.User
	Cursor       int
	OnClose      func()
	Logger       *zap.Logger
}

// NewClient wraps an upgraded websocket connection for the given room.
// Cursor is the operation log position the client claims to have seen, so a
// reconnecting client only replays what it missed.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		connectionID: cfg.ConnectionID,
		room:         cfg.Room,
		conn:         cfg.Conn,
		send:         make(chan Message, sendBufferSize),
		user:         cfg.User,
		cursor:       cfg.Cursor,
		onClose:      cfg.OnClose,
		logger:       logger,
	}
}

// ConnectionID returns the unique id of this connection.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// Start attaches the client to its room and begins the read/write pumps.
func (c *Client) Start() {
	c.room.Attach(c)
	go c.writePump()
	go c.readPump()
}

func (c *Client) enqueue(message Message) {
	select {
	case c.send <- message:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.room.Detach(c)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var message Message
		if err := c.conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("unexpected websocket close",
					zap.String("connection_id", c.connectionID),
					zap.Error(err))
			}
			return
		}
		c.room.deliver(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Warn("failed to write frame",
					zap.String("connection_id", c.connectionID),
					zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package network

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// Command types accepted from viewers.
const (
	CmdTrigger = "TRIGGER"
	CmdResolve = "RESOLVE"
)

// Command represents an incoming instruction from the dashboard.
type Command struct {
	Type     string `json:"type"`               // "TRIGGER" or "RESOLVE"
	Response string `json:"response,omitempty"` // ResponseKind for RESOLVE
}

// Client is one WebSocket connection bound to a session.
type Client struct {
	hub     *Hub
	session *session.Session
	conn    *websocket.Conn
	send    chan []byte
}

// NewClient creates a new WebSocket client for s.
func NewClient(hub *Hub, s *session.Session, conn *websocket.Conn) *Client {
	return &Client{
		hub:     hub,
		session: s,
		conn:    conn,
		send:    make(chan []byte, hub.sendBuffer),
	}
}

// Register adds the client to the hub. It reports false if the hub has stopped.
func (c *Client) Register() bool {
	select {
	case c.hub.register <- c:
		return true
	case <-c.hub.done:
		return false
	}
}

// ReadPump applies commands from the websocket connection to the session.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.metrics.RecordWSError()
				c.hub.logger.Warn("websocket read failed", "session", c.session.ID[:8], "error", err)
			}
			break
		}
		c.hub.metrics.RecordWSMessage(true)

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.reply(errorFrame("malformed command"))
			continue
		}
		c.handleCommand(cmd)
	}
}

// handleCommand applies cmd. State changes reach every viewer through the
// hub; only failures are answered directly.
func (c *Client) handleCommand(cmd Command) {
	c.session.Touch(time.Now())

	switch cmd.Type {
	case CmdTrigger:
		if _, err := c.session.Trigger(); err != nil {
			c.reply(errorFrame(err.Error()))
		}
	case CmdResolve:
		kind, err := emergency.ParseResponseKind(cmd.Response)
		if err != nil {
			c.reply(errorFrame(err.Error()))
			return
		}
		if _, err := c.session.Resolve(kind); err != nil {
			if !errors.Is(err, emergency.ErrNoActiveEmergency) {
				c.hub.logger.Warn("resolve failed", "session", c.session.ID[:8], "error", err)
			}
			c.reply(errorFrame(err.Error()))
		}
	default:
		c.reply(errorFrame("unknown command type: " + cmd.Type))
	}
}

// reply queues a frame for this client only, through the hub so it never
// races the hub closing the send channel.
func (c *Client) reply(frame []byte) {
	select {
	case c.hub.direct <- clientFrame{client: c, payload: frame}:
	case <-c.hub.done:
	}
}

func errorFrame(msg string) []byte {
	b, _ := json.Marshal(Message{
		Type:      MsgTypeError,
		Timestamp: time.Now().Unix(),
		Payload:   map[string]string{"error": msg},
	})
	return b
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package server

import (
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 512 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	ID    string
	Name  string
	Color string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// The session this client is currently in (nil if not joined).
	mu      sync.Mutex
	session *Session
	joining bool // join requested, session not attached yet
	gone    bool // connection has gone away
	closed  bool // send has been closed
}

var (
	adjectives = []string{"Red", "Blue", "Green", "Gold", "Silver", "Purple", "Orange", "Teal", "Coral", "Jade"}
	animals    = []string{"Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer", "Lynx", "Crow", "Dove", "Seal"}
	colors     = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}
)

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:    uuid.NewString(),
		Name:  adjectives[rand.IntN(len(adjectives))] + " " + animals[rand.IntN(len(animals))],
		Color: colors[rand.IntN(len(colors))],
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, 256),
	}
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// beginJoin marks a join as pending. It reports false if the client is
// already in a session or waiting for one.
func (c *Client) beginJoin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil || c.joining {
		return false
	}
	c.joining = true
	return true
}

// abortJoin clears a pending join that no session will complete.
func (c *Client) abortJoin() {
	c.mu.Lock()
	c.joining = false
	c.mu.Unlock()
}

// attach records s as the client's session. It reports false if the
// client disconnected while the join was pending.
func (c *Client) attach(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joining = false
	if c.gone {
		return false
	}
	c.session = s
	return true
}

// markGone flags the client as disconnected and returns the session it
// has to leave, if any.
func (c *Client) markGone() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gone = true
	return c.session
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		if s := c.markGone(); s != nil {
			s.removeClient(c)
		}
		c.conn.Close()
		c.hub.metrics.ClientDisconnected()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("client read error", "client", c.ID, "err", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.route(msg)
	}
}

func (c *Client) route(msg ClientMessage) {
	switch msg.Type {
	case MsgJoin:
		if msg.WorkflowID == "" {
			c.sendError("join requires a workflowId")
			return
		}
		if !c.beginJoin() {
			c.sendError("already joined to a workflow")
			return
		}
		c.hub.requestJoin(c, msg.WorkflowID)
	case MsgPush, MsgUndo, MsgRedo, MsgClear, MsgSave, MsgRestore, MsgVersions:
		s := c.currentSession()
		if s == nil {
			c.sendError("not joined to a workflow")
			return
		}
		s.submit(clientMessage{client: c, msg: msg})
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) sendMsg(msg ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg.Encode():
	default:
		// Client too slow, drop message.
	}
}

// closeSend closes the send channel, which makes WritePump close the
// connection.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendError(message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Message: message})
}

func (c *Client) Info() ClientInfo {
	return ClientInfo{ID: c.ID, Name: c.Name, Color: c.Color}
}

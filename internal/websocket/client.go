package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Cross-origin upgrades are refused by the default origin check
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Client is one participant connection
type Client struct {
	id            string
	participantID string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	logger        *slog.Logger
}

// ClientMessage is a control frame sent by the browser
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, participantID string, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:            id,
		participantID: participantID,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		logger:        logger.With("client_id", id, "participant_id", participantID),
	}
}

// readPump handles control frames until the peer goes away, then
// unregisters the client
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		err := c.conn.ReadJSON(&msg)
		switch {
		case err == nil:
			c.handle(msg)
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			return
		case websocket.IsUnexpectedCloseError(err):
			c.logger.Warn("websocket read failed", "error", err)
			return
		default:
			// A frame that is not JSON leaves the connection usable
			var syntax *json.SyntaxError
			var mismatch *json.UnmarshalTypeError
			if !errors.As(err, &syntax) && !errors.As(err, &mismatch) {
				c.logger.Debug("websocket closed", "error", err)
				return
			}
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "invalid message format"}})
		}
	}
}

func (c *Client) handle(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.Topic != TopicLeaderboard {
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "unknown topic"}})
			return
		}
		c.hub.Subscribe(c, msg.Topic)
		c.reply(Message{Type: "subscribed", Topic: msg.Topic, Data: map[string]string{"status": "ok"}})
	case MessageTypeUnsubscribe:
		if msg.Topic == "" {
			return
		}
		c.hub.Unsubscribe(c, msg.Topic)
		c.reply(Message{Type: "unsubscribed", Topic: msg.Topic, Data: map[string]string{"status": "ok"}})
	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})
	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

// reply queues a direct answer. It is dropped when the buffer is full.
func (c *Client) reply(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump writes one frame per queued message and keeps the peer alive
// with pings. It exits when the hub closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades an authenticated request. The connection receives the
// participant's own events plus any topics it subscribes to.
func ServeWs(hub *Hub, participantID string, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		logger.Warn("websocket upgrade failed", "participant_id", participantID, "error", err)
		return
	}

	client := NewClient(hub, conn, participantID, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	client.logger.Debug("new websocket connection")
}

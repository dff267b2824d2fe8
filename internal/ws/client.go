package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"whatsapp-relay/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	handler *Handler
	session *Session

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// accept runs on the hub goroutine. It filters what this browser already
// has and returns the frame to send. Chat lists are re-encoded from the
// session mirror so the open chat stays read.
func (c *Client) accept(out outbound) ([]byte, bool) {
	switch out.event {
	case models.EventMessage:
		if msg, ok := out.data.(models.Message); ok && !c.session.Deliver(msg) {
			return nil, false
		}
	case models.EventChats:
		if chats, ok := out.data.([]models.Chat); ok {
			return c.encode(models.EventChats, c.session.Chats(chats))
		}
	}
	return out.payload, true
}

func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) encode(event string, data any) ([]byte, bool) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		c.handler.Log.Errorf("Failed to encode %s event: %v", event, err)
		return nil, false
	}
	return payload, true
}

func (c *Client) emit(event string, data any) {
	if payload, ok := c.encode(event, data); ok {
		c.enqueue(payload)
	}
}

// readPump pumps messages from the websocket connection to the hub. It
// owns the connection lifecycle: when it returns, polling is cancelled and
// the client is unregistered.
func (c *Client) readPump(cancel context.CancelFunc) {
	defer func() {
		cancel()
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var in inbound
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.Log.Warnf("Websocket %s closed: %v", c.session.ID, err)
			}
			return
		}
		c.handle(in)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
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

// poll pushes messages of the open chat the browser has not seen yet,
// until ctx is cancelled.
func (c *Client) poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.syncOpenChat()
		}
	}
}

func (c *Client) syncOpenChat() {
	chatID, since := c.session.Cursor()
	if chatID == "" {
		return
	}
	for _, msg := range c.handler.Source.MessagesSince(chatID, since) {
		if c.session.Deliver(msg) {
			c.emit(models.EventMessage, msg)
		}
	}
}

type chatRequest struct {
	ChatID        string `json:"chatId"`
	LastTimestamp int64  `json:"lastTimestamp"`
}

type typingEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	User   string `json:"user"`
}

type errorEvent struct {
	Message string `json:"message"`
}

func (c *Client) handle(in inbound) {
	switch in.Event {
	case models.EventGetChats:
		c.emit(models.EventChats, c.session.Chats(c.handler.Source.Chats()))

	case models.EventSyncMessages:
		var req chatRequest
		if err := json.Unmarshal(in.Data, &req); err != nil || req.ChatID == "" {
			c.emit(models.EventError, errorEvent{Message: "sync-messages needs a chatId"})
			return
		}
		c.session.Open(req.ChatID, req.LastTimestamp)
		c.syncOpenChat()

	case models.EventTypingStart, models.EventTypingStop:
		var req chatRequest
		if err := json.Unmarshal(in.Data, &req); err != nil || req.ChatID == "" {
			return
		}
		c.hub.BroadcastExcept(c, in.Event, typingEvent{
			ChatID: req.ChatID,
			UserID: c.session.ID,
			User:   c.session.User,
		})

	case models.EventMarkRead:
		var req chatRequest
		if err := json.Unmarshal(in.Data, &req); err != nil || req.ChatID == "" {
			return
		}
		c.session.MarkRead(req.ChatID)
		if err := c.handler.Source.MarkRead(req.ChatID); err != nil {
			c.emit(models.EventError, errorEvent{Message: err.Error()})
		}

	default:
		c.emit(models.EventError, errorEvent{Message: "unknown event " + in.Event})
	}
}

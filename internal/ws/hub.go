// Package ws fans relay events out to browsers over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"sync/atomic"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// Envelope is the wire format of every WebSocket frame.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	event   string
	data    any
	payload []byte
	except  *Client
}

type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Events for every client.
	broadcast chan outbound

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	done  chan struct{}
	count atomic.Int64
	log   waLog.Logger
}

func NewHub(log waLog.Logger) *Hub {
	if log == nil {
		log = waLog.Noop
	}
	return &Hub{
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run serves register, unregister and broadcast requests until ctx is
// done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			client.close()
			delete(h.clients, client)
		}
		h.count.Store(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.count.Store(int64(len(h.clients)))
			}
		case out := <-h.broadcast:
			for client := range h.clients {
				if client == out.except {
					continue
				}
				payload, ok := client.accept(out)
				if !ok {
					continue
				}
				// slow clients are dropped rather than blocking everyone
				if !client.enqueue(payload) {
					h.log.Warnf("Dropping slow websocket client %s", client.session.ID)
					client.close()
					delete(h.clients, client)
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

// Broadcast sends an event to every client.
func (h *Hub) Broadcast(event string, data any) {
	h.publish(outbound{event: event, data: data}, nil)
}

// BroadcastExcept sends an event to every client but sender.
func (h *Hub) BroadcastExcept(sender *Client, event string, data any) {
	h.publish(outbound{event: event, data: data}, sender)
}

func (h *Hub) publish(out outbound, except *Client) {
	payload, err := json.Marshal(Envelope{Event: out.event, Data: out.data})
	if err != nil {
		h.log.Errorf("Failed to encode %s event: %v", out.event, err)
		return
	}
	out.payload = payload
	out.except = except

	select {
	case h.broadcast <- out:
	case <-h.done:
	}
}

// ClientCount is the number of connected browsers.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

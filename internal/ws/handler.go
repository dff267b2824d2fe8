package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-relay/internal/cache"
	"whatsapp-relay/internal/models"
	"whatsapp-relay/internal/status"
)

// Source is the server side state sockets read from.
type Source interface {
	Snapshot() status.Payload
	Chats() []models.Chat
	MessagesSince(chatID string, ts int64) []models.Message
	MarkRead(chatID string) error
}

// TokenVerifier resolves a session token to a username.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Handler upgrades authenticated requests to WebSocket clients of Hub.
type Handler struct {
	Hub          *Hub
	Source       Source
	Auth         TokenVerifier
	Log          waLog.Logger
	PollInterval time.Duration
	// MessageBuffer bounds each per-chat buffer of a session mirror.
	MessageBuffer int
	Upgrader      websocket.Upgrader
}

// NewHandler returns a Handler accepting any origin listed in origins,
// or every origin when origins contains "*".
func NewHandler(hub *Hub, src Source, auth TokenVerifier, log waLog.Logger, poll time.Duration, origins []string) *Handler {
	if log == nil {
		log = waLog.Noop
	}
	return &Handler{
		Hub:           hub,
		Source:        src,
		Auth:          auth,
		Log:           log,
		PollInterval:  poll,
		MessageBuffer: cache.DefaultLimit,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// tokenFrom reads the session token from the Authorization header or,
// since browsers cannot set headers on WebSocket requests, the query.
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.Auth.Verify(tokenFrom(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:     h.Hub,
		conn:    conn,
		handler: h,
		session: newSession(user, h.MessageBuffer),
		send:    make(chan []byte, sendBuffer),
	}
	if !h.Hub.add(client) {
		conn.Close()
		return
	}
	h.Log.Infof("Websocket %s opened by %s", client.session.ID, user)

	// current state first, so late joiners render immediately
	client.emit(models.EventStatus, h.Source.Snapshot())
	client.emit(models.EventChats, client.session.Chats(h.Source.Chats()))

	ctx, cancel := context.WithCancel(context.Background())
	go client.writePump()
	go client.poll(ctx, h.PollInterval)
	go client.readPump(cancel)
}

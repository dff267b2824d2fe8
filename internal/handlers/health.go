package handlers

import (
	"net/http"
	"time"

	"whatsapp-relay/internal/status"
)

// StateReader reports the WhatsApp connection state.
type StateReader interface {
	State() status.State
}

// ClientCounter reports open WebSocket connections.
type ClientCounter interface {
	ClientCount() int
}

type HealthHandler struct {
	State   StateReader
	Clients ClientCounter
	Started time.Time
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    int64(time.Since(h.Started).Seconds()),
		"whatsapp":  h.State.State().Status,
		"wsClients": h.Clients.ClientCount(),
	})
}

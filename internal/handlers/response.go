// Package handlers implements the relay's REST endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"whatsapp-relay/internal/common"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// statusFor maps a relay error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidCredentials),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrNotConnected),
		errors.Is(err, common.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, common.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, common.ErrChatNotFound),
		errors.Is(err, common.ErrMediaNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	} else if errors.Is(err, common.ErrDeliveryFailed) {
		msg = common.ErrDeliveryFailed.Error()
	}
	writeError(w, status, msg)
}

// MethodNotAllowed answers a known path requested with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

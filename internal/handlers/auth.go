package handlers

import (
	"encoding/json"
	"net/http"

	"whatsapp-relay/internal/auth"
	"whatsapp-relay/internal/middleware"
)

// maxLoginBody bounds the JSON body of a login request.
const maxLoginBody = 4 << 10

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Authenticator logs users in and verifies their tokens.
type Authenticator interface {
	Login(username, password string) (string, error)
	Verify(token string) (string, error)
}

type AuthHandler struct {
	Auth Authenticator
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody))
	if err := dec.Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := auth.ValidateInput(creds.Username, creds.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := h.Auth.Login(creds.Username, creds.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	user, err := h.Auth.Verify(token)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token, "user": user})
}

// Session answers who the bearer of a valid token is. It runs behind
// middleware.Auth, which already rejected bad tokens.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "invalid token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "user": user})
}

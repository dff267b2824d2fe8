package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"whatsapp-relay/internal/auth"
	"whatsapp-relay/internal/middleware"
	"whatsapp-relay/internal/users"
)

func newAuthRouter(t *testing.T) http.Handler {
	t.Helper()
	store := users.NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	_, err := store.Upsert("Comercial", "Comercial@2025", bcrypt.MinCost)
	require.NoError(t, err)

	svc := auth.NewService(store, []byte("handler-secret"), time.Hour, nil)
	h := &AuthHandler{Auth: svc}

	r := mux.NewRouter()
	r.HandleFunc("/api/login", h.Login).Methods(http.MethodPost)
	r.Handle("/api/session", middleware.Auth(svc)(http.HandlerFunc(h.Session))).Methods(http.MethodGet)
	return r
}

func login(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func session(router http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestComercialLoginAndSession(t *testing.T) {
	router := newAuthRouter(t)

	rr := login(t, router, `{"username":"Comercial","password":"Comercial@2025"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Token string `json:"token"`
		User  string `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, "Comercial", resp.User)

	rr = session(router, resp.Token)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true,"user":"Comercial"}`, rr.Body.String())

	// one character changed inside the signature
	tampered := []byte(resp.Token)
	i := strings.LastIndex(resp.Token, ".") + 5
	if tampered[i] == 'a' {
		tampered[i] = 'b'
	} else {
		tampered[i] = 'a'
	}
	rr = session(router, string(tampered))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"ok":false,"error":"invalid token"}`, rr.Body.String())
}

func TestLogin_Errors(t *testing.T) {
	router := newAuthRouter(t)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"Malformed JSON", `{"username":`, http.StatusBadRequest},
		{"Missing Password", `{"username":"Comercial"}`, http.StatusBadRequest},
		{"Oversize Username", `{"username":"` + strings.Repeat("a", auth.MaxFieldLength+1) + `","password":"x"}`, http.StatusBadRequest},
		{"Wrong Password", `{"username":"Comercial","password":"nope"}`, http.StatusUnauthorized},
		{"Unknown User", `{"username":"ghost","password":"Comercial@2025"}`, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := login(t, router, tt.body)
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestLogin_UsernameIsCaseInsensitive(t *testing.T) {
	router := newAuthRouter(t)

	rr := login(t, router, `{"username":"comercial","password":"Comercial@2025"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"user":"Comercial"`)
}

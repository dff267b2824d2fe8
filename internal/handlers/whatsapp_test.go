package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-relay/internal/common"
	"whatsapp-relay/internal/models"
	"whatsapp-relay/internal/status"
)

type fakeRelay struct {
	state    status.State
	chats    []models.Chat
	messages map[string][]models.Message
	sendErr  error

	sentTo    string
	sentText  string
	sentMedia models.MediaUpload
	lastLimit int
	restarted bool
	read      string
}

func (f *fakeRelay) State() status.State  { return f.state }
func (f *fakeRelay) Chats() []models.Chat { return f.chats }

func (f *fakeRelay) Snapshot() status.Payload {
	p := status.Payload{Status: f.state.Status}
	switch f.state.Status {
	case status.QR:
		p.QR = "data:image/png;base64," + f.state.QR
	case status.Connected:
		p.Chats = f.chats
	}
	return p
}

func (f *fakeRelay) Restart(context.Context) error {
	f.restarted = true
	return nil
}

func (f *fakeRelay) Messages(chatID string, limit int) ([]models.Message, error) {
	f.lastLimit = limit
	msgs, ok := f.messages[chatID]
	if !ok {
		return nil, common.ErrChatNotFound
	}
	return msgs, nil
}

func (f *fakeRelay) MarkRead(chatID string) error {
	f.read = chatID
	return nil
}

func (f *fakeRelay) SendMessage(_ context.Context, chatID, text string) (models.Message, error) {
	if f.sendErr != nil {
		return models.Message{}, f.sendErr
	}
	f.sentTo, f.sentText = chatID, text
	return models.Message{ID: "3EB0ABC", ChatID: chatID, Body: text, FromMe: true}, nil
}

func (f *fakeRelay) SendMedia(_ context.Context, chatID string, media models.MediaUpload) (models.Message, error) {
	if f.sendErr != nil {
		return models.Message{}, f.sendErr
	}
	f.sentTo, f.sentMedia = chatID, media
	return models.Message{ID: "3EB0DEF", ChatID: chatID, HasMedia: true}, nil
}

func (f *fakeRelay) ProfilePicture(context.Context, string) (string, error) {
	if f.state.Status != status.Connected {
		return "", common.ErrNotConnected
	}
	return "https://pps.example/pic.jpg", nil
}

func (f *fakeRelay) DownloadMedia(_ context.Context, id string) ([]byte, *models.Media, error) {
	if id != "m1" {
		return nil, nil, common.ErrMediaNotFound
	}
	return []byte("JPEGDATA"), &models.Media{Mimetype: "image/jpeg", Filename: "a.jpg"}, nil
}

func newWhatsAppHandler(relay *fakeRelay) *WhatsAppHandler {
	return &WhatsAppHandler{Relay: relay, MaxUpload: 1 << 10, Log: waLog.Noop}
}

func TestSend(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		sendErr        error
		expectedStatus int
	}{
		{"Phone Number", `{"to":"+55 (11) 99999-0000","message":"hi"}`, nil, http.StatusOK},
		{"Missing Message", `{"to":"5511999990000"}`, nil, http.StatusBadRequest},
		{"Bad Recipient", `{"to":"call me","message":"hi"}`, nil, http.StatusBadRequest},
		{"Not Connected", `{"to":"5511999990000","message":"hi"}`, common.ErrNotConnected, http.StatusServiceUnavailable},
		{"Delivery Failed", `{"to":"5511999990000","message":"hi"}`,
			&common.DeliveryError{Op: "send message", Err: context.DeadlineExceeded}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := &fakeRelay{sendErr: tt.sendErr}
			h := newWhatsAppHandler(relay)

			req := httptest.NewRequest(http.MethodPost, "/api/whatsapp/send", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.Send(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus == http.StatusOK {
				assert.JSONEq(t, `{"success":true,"messageId":"3EB0ABC"}`, rr.Body.String())
				assert.Equal(t, "5511999990000@s.whatsapp.net", relay.sentTo)
			}
		})
	}
}

func TestDeliveryErrorHidesCause(t *testing.T) {
	relay := &fakeRelay{sendErr: &common.DeliveryError{Op: "send message", Err: context.DeadlineExceeded}}
	rr := httptest.NewRecorder()
	newWhatsAppHandler(relay).Send(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"to":"1","message":"x"}`)))

	assert.JSONEq(t, `{"success":false,"error":"delivery failed"}`, rr.Body.String())
}

func multipartBody(t *testing.T, to, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if to != "" {
		require.NoError(t, mw.WriteField("to", to))
	}
	require.NoError(t, mw.WriteField("caption", "look"))

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestSendMedia(t *testing.T) {
	tests := []struct {
		name           string
		to             string
		filename       string
		contentType    string
		size           int
		expectedStatus int
	}{
		{"Image", "5511999990000", "photo.jpg", "image/jpeg", 100, http.StatusOK},
		{"Octet Stream Falls Back To Extension", "5511999990000", "note.pdf", "application/octet-stream", 100, http.StatusOK},
		{"Unsupported Type", "5511999990000", "tool.exe", "application/x-msdownload", 100, http.StatusUnsupportedMediaType},
		{"Too Large", "5511999990000", "big.jpg", "image/jpeg", 2 << 10, http.StatusRequestEntityTooLarge},
		{"Missing Recipient", "", "photo.jpg", "image/jpeg", 100, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := &fakeRelay{}
			h := newWhatsAppHandler(relay)

			body, ct := multipartBody(t, tt.to, tt.filename, tt.contentType, bytes.Repeat([]byte{1}, tt.size))
			req := httptest.NewRequest(http.MethodPost, "/api/whatsapp/send-media", body)
			req.Header.Set("Content-Type", ct)
			rr := httptest.NewRecorder()
			h.SendMedia(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code, rr.Body.String())
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, tt.filename, relay.sentMedia.Filename)
				assert.Equal(t, "look", relay.sentMedia.Caption)
				assert.Len(t, relay.sentMedia.Data, tt.size)
			}
		})
	}
}

func TestSendMedia_UploadLargerThanBodyLimit(t *testing.T) {
	h := newWhatsAppHandler(&fakeRelay{})

	body, ct := multipartBody(t, "1", "huge.jpg", "image/jpeg", bytes.Repeat([]byte{1}, 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/api/whatsapp/send-media", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	h.SendMedia(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestMessages(t *testing.T) {
	relay := &fakeRelay{messages: map[string][]models.Message{
		"5511999990000@s.whatsapp.net": {{ID: "1", Body: "hi"}},
	}}
	h := newWhatsAppHandler(relay)

	tests := []struct {
		name           string
		chatID         string
		limit          string
		expectedStatus int
		expectedLimit  int
	}{
		{"Default Limit", "5511999990000@s.whatsapp.net", "", http.StatusOK, 50},
		{"Legacy Server", "5511999990000@c.us", "10", http.StatusOK, 10},
		{"Max Limit", "5511999990000@s.whatsapp.net", "500", http.StatusOK, 500},
		{"Limit Too Large", "5511999990000@s.whatsapp.net", "501", http.StatusBadRequest, 0},
		{"Limit Not A Number", "5511999990000@s.whatsapp.net", "ten", http.StatusBadRequest, 0},
		{"Unknown Chat", "4400@s.whatsapp.net", "", http.StatusNotFound, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay.lastLimit = 0
			req := httptest.NewRequest(http.MethodGet, "/api/whatsapp/chat/x/messages?limit="+tt.limit, nil)
			req = mux.SetURLVars(req, map[string]string{"chatId": tt.chatID})
			rr := httptest.NewRecorder()
			h.Messages(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, tt.expectedLimit, relay.lastLimit)
		})
	}
}

func TestStatus(t *testing.T) {
	relay := &fakeRelay{
		state: status.State{Status: status.QR, QR: "AAAA", QRAttempts: 2},
		chats: []models.Chat{{ID: "a"}},
	}
	h := newWhatsAppHandler(relay)

	rr := httptest.NewRecorder()
	h.Status(rr, httptest.NewRequest(http.MethodGet, "/api/whatsapp/status", nil))
	assert.JSONEq(t, `{"status":"qr","qr":"data:image/png;base64,AAAA","qrAttempts":2,"chats":[]}`, rr.Body.String())

	relay.state = status.State{Status: status.Connected}
	rr = httptest.NewRecorder()
	h.Status(rr, httptest.NewRequest(http.MethodGet, "/api/whatsapp/status", nil))

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, status.Connected, resp.Status)
	assert.Empty(t, resp.QR)
	assert.Len(t, resp.Chats, 1)
}

func TestRestartAndMarkRead(t *testing.T) {
	relay := &fakeRelay{}
	h := newWhatsAppHandler(relay)

	rr := httptest.NewRecorder()
	h.Restart(rr, httptest.NewRequest(http.MethodPost, "/api/whatsapp/restart", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, relay.restarted)

	req := mux.SetURLVars(httptest.NewRequest(http.MethodPost, "/", nil), map[string]string{"chatId": "120363@g.us"})
	rr = httptest.NewRecorder()
	h.MarkRead(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "120363@g.us", relay.read)
}

func TestProfilePicture(t *testing.T) {
	relay := &fakeRelay{}
	h := newWhatsAppHandler(relay)
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"chatId": "5511"})

	rr := httptest.NewRecorder()
	h.ProfilePicture(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	relay.state.Status = status.Connected
	rr = httptest.NewRecorder()
	h.ProfilePicture(rr, req)
	assert.JSONEq(t, `{"url":"https://pps.example/pic.jpg"}`, rr.Body.String())
}

func TestMedia(t *testing.T) {
	h := newWhatsAppHandler(&fakeRelay{})

	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"messageId": "m1"})
	rr := httptest.NewRecorder()
	h.Media(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/jpeg", rr.Header().Get("Content-Type"))
	assert.Equal(t, "JPEGDATA", rr.Body.String())

	req = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"messageId": "nope"})
	rr = httptest.NewRecorder()
	h.Media(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type staticState status.Status

func (s staticState) State() status.State { return status.State{Status: status.Status(s)} }

type staticCount int

func (c staticCount) ClientCount() int { return int(c) }

func TestHealth(t *testing.T) {
	h := &HealthHandler{State: staticState(status.Connected), Clients: staticCount(3), Started: time.Now().Add(-time.Minute)}

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "connected", resp["whatsapp"])
	assert.EqualValues(t, 3, resp["wsClients"])
	assert.GreaterOrEqual(t, resp["uptime"].(float64), float64(59))
}

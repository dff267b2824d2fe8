package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-relay/internal/models"
	"whatsapp-relay/internal/status"
)

type fakeSource struct {
	mu        sync.Mutex
	chats     []models.Chat
	messages  []models.Message
	sinceHits int
	read      []string
}

func (f *fakeSource) Snapshot() status.Payload {
	return status.Payload{Status: status.Connected}
}

func (f *fakeSource) Chats() []models.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Chat(nil), f.chats...)
}

func (f *fakeSource) MessagesSince(chatID string, ts int64) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceHits++
	var out []models.Message
	for _, m := range f.messages {
		if m.ChatID == chatID && m.Timestamp > ts {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSource) MarkRead(chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, chatID)
	return nil
}

func (f *fakeSource) add(m models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
}

func (f *fakeSource) hits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinceHits
}

type staticAuth struct{}

func (staticAuth) Verify(token string) (string, error) {
	if token == "good" {
		return "Comercial", nil
	}
	return "", errors.New("invalid token")
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func setup(t *testing.T, src *fakeSource) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	h := NewHandler(hub, src, staticAuth{}, nil, 20*time.Millisecond, []string{"*"})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=good", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// status and chats snapshot come first
	assert.Equal(t, models.EventStatus, read(t, conn).Event)
	assert.Equal(t, models.EventChats, read(t, conn).Event)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: data}))
}

func TestUnauthorized(t *testing.T) {
	_, url := setup(t, &fakeSource{})

	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer good"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestBroadcast_DeduplicatesMessages(t *testing.T) {
	hub, url := setup(t, &fakeSource{})
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	msg := models.Message{ID: "m1", ChatID: "a", Body: "hi", Timestamp: 10}
	hub.Broadcast(models.EventMessage, msg)
	hub.Broadcast(models.EventMessage, msg)
	hub.Broadcast(models.EventStatus, status.Payload{Status: status.Disconnected})

	f := read(t, conn)
	assert.Equal(t, models.EventMessage, f.Event)
	var got models.Message
	require.NoError(t, json.Unmarshal(f.Data, &got))
	assert.Equal(t, msg, got)

	assert.Equal(t, models.EventStatus, read(t, conn).Event)
}

func TestTypingRelayedToOthers(t *testing.T) {
	hub, url := setup(t, &fakeSource{})
	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	send(t, a, models.EventTypingStart, map[string]string{"chatId": "c1"})

	f := read(t, b)
	assert.Equal(t, models.EventTypingStart, f.Event)
	var typing typingEvent
	require.NoError(t, json.Unmarshal(f.Data, &typing))
	assert.Equal(t, "c1", typing.ChatID)
	assert.Equal(t, "Comercial", typing.User)
	assert.NotEmpty(t, typing.UserID)

	// the sender only sees what comes next
	hub.Broadcast(models.EventStatus, status.Payload{Status: status.Connected})
	assert.Equal(t, models.EventStatus, read(t, a).Event)
}

func TestSyncMessagesAndPolling(t *testing.T) {
	src := &fakeSource{}
	src.add(models.Message{ID: "1", ChatID: "c1", Body: "old", Timestamp: 100})
	src.add(models.Message{ID: "2", ChatID: "c1", Body: "new", Timestamp: 200})
	_, url := setup(t, src)
	conn := dial(t, url)

	send(t, conn, models.EventSyncMessages, map[string]any{"chatId": "c1", "lastTimestamp": 100})

	var got models.Message
	f := read(t, conn)
	require.Equal(t, models.EventMessage, f.Event)
	require.NoError(t, json.Unmarshal(f.Data, &got))
	assert.Equal(t, "new", got.Body)

	src.add(models.Message{ID: "3", ChatID: "c1", Body: "newer", Timestamp: 300})
	f = read(t, conn)
	require.Equal(t, models.EventMessage, f.Event)
	require.NoError(t, json.Unmarshal(f.Data, &got))
	assert.Equal(t, "newer", got.Body)
}

func TestPollingStopsOnDisconnect(t *testing.T) {
	src := &fakeSource{}
	hub, url := setup(t, src)
	conn := dial(t, url)
	send(t, conn, models.EventSyncMessages, map[string]any{"chatId": "c1"})

	require.Eventually(t, func() bool { return src.hits() > 2 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	settled := src.hits()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, src.hits())
}

func TestMarkReadAndUnknownEvent(t *testing.T) {
	src := &fakeSource{chats: []models.Chat{{ID: "c1", UnreadCount: 2}}}
	_, url := setup(t, src)
	conn := dial(t, url)

	send(t, conn, models.EventMarkRead, map[string]string{"chatId": "c1"})
	send(t, conn, "bogus", nil)

	f := read(t, conn)
	assert.Equal(t, models.EventError, f.Event)

	send(t, conn, models.EventGetChats, nil)
	f = read(t, conn)
	require.Equal(t, models.EventChats, f.Event)
	var chats []models.Chat
	require.NoError(t, json.Unmarshal(f.Data, &chats))
	require.Len(t, chats, 1)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, []string{"c1"}, src.read)
}

func TestBroadcastChats_OpenChatStaysRead(t *testing.T) {
	src := &fakeSource{}
	hub, url := setup(t, src)
	conn := dial(t, url)
	send(t, conn, models.EventSyncMessages, map[string]any{"chatId": "c1"})

	// wait until the open chat is registered by round-tripping get-chats
	send(t, conn, models.EventGetChats, nil)
	require.Equal(t, models.EventChats, read(t, conn).Event)

	hub.Broadcast(models.EventChats, []models.Chat{
		{ID: "c1", UnreadCount: 3},
		{ID: "c2", UnreadCount: 1},
	})

	f := read(t, conn)
	require.Equal(t, models.EventChats, f.Event)
	var chats []models.Chat
	require.NoError(t, json.Unmarshal(f.Data, &chats))
	unread := map[string]int{}
	for _, c := range chats {
		unread[c.ID] = c.UnreadCount
	}
	assert.Equal(t, map[string]int{"c1": 0, "c2": 1}, unread)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example/"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://app.example")
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
}

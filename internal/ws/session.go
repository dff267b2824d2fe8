package ws

import (
	"sync"

	"github.com/google/uuid"

	"whatsapp-relay/internal/cache"
	"whatsapp-relay/internal/models"
)

// Session is the state one browser tab holds while its socket is open:
// who is logged in, what it has already been sent and which chat is open.
// It is discarded when the socket closes.
type Session struct {
	ID   string
	User string

	cache *cache.Cache

	mu     sync.Mutex
	cursor int64
}

func newSession(user string, buffer int) *Session {
	return &Session{
		ID:    uuid.NewString(),
		User:  user,
		cache: cache.New(buffer),
	}
}

// Open selects chatID and resets the sync cursor to lastTimestamp.
func (s *Session) Open(chatID string, lastTimestamp int64) {
	s.cache.SetOpen(chatID)
	s.mu.Lock()
	s.cursor = lastTimestamp
	s.mu.Unlock()
}

// Cursor returns the open chat and the newest timestamp delivered for it.
func (s *Session) Cursor() (string, int64) {
	chatID := s.cache.Open()
	s.mu.Lock()
	defer s.mu.Unlock()
	return chatID, s.cursor
}

func (s *Session) advance(chatID string, ts int64) {
	if s.cache.Open() != chatID {
		return
	}
	s.mu.Lock()
	if ts > s.cursor {
		s.cursor = ts
	}
	s.mu.Unlock()
}

// Deliver records msg in the session mirror. It reports false when the
// browser already has it.
func (s *Session) Deliver(msg models.Message) bool {
	if !s.cache.AppendMessage(msg) {
		return false
	}
	s.advance(msg.ChatID, msg.Timestamp)
	return true
}

// Chats refreshes the mirror from list and returns the session's view.
func (s *Session) Chats(list []models.Chat) []models.Chat {
	s.cache.UpsertChats(list)
	return s.cache.Chats()
}

func (s *Session) MarkRead(chatID string) {
	s.cache.MarkRead(chatID)
}

// Package cache keeps recent chats and per-chat message buffers in memory.
package cache

import (
	"slices"
	"sort"
	"sync"

	"whatsapp-relay/internal/models"
)

// DefaultLimit bounds each per-chat buffer.
const DefaultLimit = 500

// messageKey is the duplicate-detection identity of a message.
type messageKey struct {
	chatID    string
	timestamp int64
	body      string
	fromMe    bool
}

func keyOf(m models.Message) messageKey {
	return messageKey{chatID: m.ChatID, timestamp: m.Timestamp, body: m.Body, fromMe: m.FromMe}
}

// Cache is safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	limit int

	chats    map[string]*models.Chat
	messages map[string][]models.Message
	seen     map[messageKey]struct{}
	byID     map[string]messageKey
	open     string
}

func New(limit int) *Cache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	c := &Cache{limit: limit}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.chats = map[string]*models.Chat{}
	c.messages = map[string][]models.Message{}
	c.seen = map[messageKey]struct{}{}
	c.byID = map[string]messageKey{}
}

// Reset drops everything, including the open chat.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	c.open = ""
}

// UpsertChats replaces the chat list wholesale. The open chat marker
// survives, and the open chat never shows unread messages.
func (c *Cache) UpsertChats(list []models.Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chats := make(map[string]*models.Chat, len(list))
	for i := range list {
		chat := list[i]
		if chat.ID == "" {
			continue
		}
		if chat.ID == c.open {
			chat.UnreadCount = 0
		}
		chats[chat.ID] = &chat
	}
	c.chats = chats
}

// MergeChats upserts each chat of list and keeps chats it does not name.
// A chat without a last message keeps the preview already known.
func (c *Cache) MergeChats(list []models.Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range list {
		chat := list[i]
		if chat.ID == "" {
			continue
		}
		if old, ok := c.chats[chat.ID]; ok && chat.LastMessage == nil {
			chat.LastMessage = old.LastMessage
		}
		if chat.ID == c.open {
			chat.UnreadCount = 0
		}
		c.chats[chat.ID] = &chat
	}
}

// EnsureChat adds chat unless it is already known and reports whether it
// was added.
func (c *Cache) EnsureChat(chat models.Chat) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.chats[chat.ID]; ok || chat.ID == "" {
		return false
	}
	c.chats[chat.ID] = &chat
	return true
}

// AppendMessage stores msg unless an identical one is already present and
// reports whether it was added.
func (c *Cache) AppendMessage(msg models.Message) bool {
	if msg.ChatID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := keyOf(msg)
	if _, dup := c.seen[key]; dup {
		return false
	}

	buf := c.messages[msg.ChatID]
	// first index with a later timestamp keeps equal timestamps in arrival order
	i := sort.Search(len(buf), func(i int) bool { return buf[i].Timestamp > msg.Timestamp })
	buf = slices.Insert(buf, i, msg)
	c.seen[key] = struct{}{}
	if msg.ID != "" {
		c.byID[msg.ID] = key
	}

	if len(buf) > c.limit {
		for _, old := range buf[:len(buf)-c.limit] {
			c.forget(old)
		}
		buf = slices.Clone(buf[len(buf)-c.limit:])
	}
	c.messages[msg.ChatID] = buf

	// an old message can be evicted straight away
	if _, kept := c.seen[key]; !kept {
		return false
	}

	chat, ok := c.chats[msg.ChatID]
	if !ok {
		chat = &models.Chat{ID: msg.ChatID, Name: msg.ChatID}
		c.chats[msg.ChatID] = chat
	}
	if chat.LastMessage == nil || msg.Timestamp >= chat.LastMessage.Timestamp {
		chat.LastMessage = msg.Preview()
	}
	if !msg.FromMe && msg.ChatID != c.open {
		chat.UnreadCount++
	}
	return true
}

func (c *Cache) forget(m models.Message) {
	delete(c.seen, keyOf(m))
	if m.ID != "" {
		delete(c.byID, m.ID)
	}
}

// MarkRead resets the unread counter of a chat.
func (c *Cache) MarkRead(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chat, ok := c.chats[chatID]; ok && chat.UnreadCount != 0 {
		chat.UnreadCount = 0
	}
}

// SetOpen marks chatID as the chat currently on screen and clears its
// unread counter. An empty id closes it.
func (c *Cache) SetOpen(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open = chatID
	if chat, ok := c.chats[chatID]; ok {
		chat.UnreadCount = 0
	}
}

func (c *Cache) Open() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// HasChat reports whether chatID is known.
func (c *Cache) HasChat(chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.chats[chatID]
	return ok
}

// Chat returns a copy of one chat.
func (c *Cache) Chat(chatID string) (models.Chat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chat, ok := c.chats[chatID]
	if !ok {
		return models.Chat{}, false
	}
	return copyChat(chat), true
}

// SetChatName updates the display name of a known chat.
func (c *Cache) SetChatName(chatID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chat, ok := c.chats[chatID]; ok && name != "" {
		chat.Name = name
	}
}

// Chats returns copies of all chats, most recent activity first.
func (c *Cache) Chats() []models.Chat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Chat, 0, len(c.chats))
	for _, chat := range c.chats {
		out = append(out, copyChat(chat))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := lastTimestamp(out[i]), lastTimestamp(out[j])
		if ti != tj {
			return ti > tj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns up to limit of the newest messages of a chat in
// ascending timestamp order. limit <= 0 returns the whole buffer.
func (c *Cache) Messages(chatID string, limit int) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := c.messages[chatID]
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return slices.Clone(buf)
}

// MessagesSince returns messages of a chat strictly newer than ts.
func (c *Cache) MessagesSince(chatID string, ts int64) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := c.messages[chatID]
	i := sort.Search(len(buf), func(i int) bool { return buf[i].Timestamp > ts })
	return slices.Clone(buf[i:])
}

// Message finds a stored message by id.
func (c *Cache) Message(id string) (models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key, ok := c.byID[id]
	if !ok {
		return models.Message{}, false
	}
	for _, m := range c.messages[key.chatID] {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

func copyChat(chat *models.Chat) models.Chat {
	out := *chat
	if chat.LastMessage != nil {
		lm := *chat.LastMessage
		out.LastMessage = &lm
	}
	return out
}

func lastTimestamp(chat models.Chat) int64 {
	if chat.LastMessage == nil {
		return 0
	}
	return chat.LastMessage.Timestamp
}

package whatsapp

import (
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
)

// mediaRefs remembers how to download recent attachments, oldest evicted first.
type mediaRefs struct {
	mu    sync.Mutex
	limit int
	refs  map[string]whatsmeow.DownloadableMessage
	order []string
}

func newMediaRefs(limit int) *mediaRefs {
	return &mediaRefs{limit: limit, refs: make(map[string]whatsmeow.DownloadableMessage)}
}

func (r *mediaRefs) put(id string, ref whatsmeow.DownloadableMessage) {
	if id == "" || ref == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.refs[id]; !ok {
		r.order = append(r.order, id)
	}
	r.refs[id] = ref
	for len(r.order) > r.limit {
		delete(r.refs, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *mediaRefs) get(id string) (whatsmeow.DownloadableMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[id]
	return ref, ok
}

type pictureEntry struct {
	url     string
	expires time.Time
}

// pictureCache keeps profile picture lookups, misses included, for a TTL.
type pictureCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]pictureEntry
	now     func() time.Time
}

func newPictureCache(ttl time.Duration) *pictureCache {
	return &pictureCache{ttl: ttl, entries: make(map[string]pictureEntry), now: time.Now}
}

func (c *pictureCache) get(chatID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[chatID]
	if !ok {
		return "", false
	}
	if c.now().After(e.expires) {
		delete(c.entries, chatID)
		return "", false
	}
	return e.url, true
}

func (c *pictureCache) put(chatID, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[chatID] = pictureEntry{url: url, expires: c.now().Add(c.ttl)}
}

func (c *pictureCache) drop(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, chatID)
}

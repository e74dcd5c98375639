// Package replycache maps outbound message ids back to the conversation and
// session that produced them, so a user quoting an old reply can be routed
// with that reply as context.
package replycache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultSize = 10000
	defaultTTL  = 24 * time.Hour
)

// Config bounds the cache by count and age. Zero values use the defaults.
type Config struct {
	Size int
	TTL  time.Duration
}

// Entry is what the cache remembers about one outbound message.
type Entry struct {
	StoredAt       time.Time `json:"stored_at"`
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	Excerpt        string    `json:"excerpt,omitempty"`
}

// Cache is safe for concurrent use. Entries are evicted by LRU order once
// Size is reached, and lookups past TTL are misses.
type Cache struct {
	entries *lru.Cache[string, Entry]
	now     func() time.Time
	ttl     time.Duration
}

// New creates a cache.
func New(cfg Config) *Cache {
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	// lru.New only errors on a non-positive size, guarded above.
	entries, _ := lru.New[string, Entry](cfg.Size)
	return &Cache{
		entries: entries,
		ttl:     cfg.TTL,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (c *Cache) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Put records an outbound message. Empty ids are ignored.
func (c *Cache) Put(outboundID, conversationID, sessionID, excerpt string) {
	if outboundID == "" {
		return
	}
	c.entries.Add(outboundID, Entry{
		ConversationID: conversationID,
		SessionID:      sessionID,
		Excerpt:        excerpt,
		StoredAt:       c.now(),
	})
}

// Get returns the entry for outboundID. Unknown and expired ids both return
// false.
func (c *Cache) Get(outboundID string) (Entry, bool) {
	if outboundID == "" {
		return Entry{}, false
	}
	entry, ok := c.entries.Get(outboundID)
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(entry.StoredAt) >= c.ttl {
		c.entries.Remove(outboundID)
		return Entry{}, false
	}
	return entry, true
}

// Len returns the number of stored entries, including expired ones not yet
// looked up.
func (c *Cache) Len() int {
	return c.entries.Len()
}

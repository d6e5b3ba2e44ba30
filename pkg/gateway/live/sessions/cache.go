package sessions

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vango-go/vai-relay/pkg/gateway/live/output"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

// Entry is the ephemeral state of a closed connection. It is a hint for the
// next connection presenting the same id, never a source of truth.
type Entry struct {
	Owner             string
	Mode              output.Mode
	Voice             string
	LastConcreteVoice string
	ConversationID    string
}

// Selection rebuilds the output selection the entry describes.
func (e Entry) Selection() *output.Selection {
	return output.Restore(e.Mode, e.Voice, e.LastConcreteVoice)
}

type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
	Now     func() time.Time
}

// Cache holds Entries for a bounded time. When full, the least recently
// stored entry is evicted.
type Cache struct {
	// mu makes the owner check and the write in Put one step.
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items *expirable.LRU[string, cacheItem]
}

type cacheItem struct {
	entry     Entry
	expiresAt time.Time
}

func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		ttl:   cfg.TTL,
		now:   cfg.Now,
		items: expirable.NewLRU[string, cacheItem](cfg.MaxSize, nil, cfg.TTL),
	}
}

func (c *Cache) live(item cacheItem) bool { return c.now().Before(item.expiresAt) }

// Put stores e under id. A live entry owned by someone else is kept, so a
// client guessing another user's id cannot evict their state.
func (c *Cache) Put(id mnemonic.ID, e Entry) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := id.Key()
	if item, ok := c.items.Peek(key); ok && item.entry.Owner != e.Owner && c.live(item) {
		return false
	}
	c.items.Add(key, cacheItem{entry: e, expiresAt: c.now().Add(c.ttl)})
	return true
}

// Take removes and returns the entry for id. Entries belonging to another
// owner are left in place and reported as a miss.
func (c *Cache) Take(id mnemonic.ID, owner string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := id.Key()
	item, ok := c.items.Peek(key)
	if !ok {
		return Entry{}, false
	}
	if !c.live(item) {
		c.items.Remove(key)
		return Entry{}, false
	}
	if item.entry.Owner != owner {
		return Entry{}, false
	}
	c.items.Remove(key)
	return item.entry, true
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.items.Len()
}

// Sweep drops expired entries and reports how many were removed. The LRU
// also expires entries on its own; Sweep applies the cache clock.
func (c *Cache) Sweep() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.items.Keys() {
		if item, ok := c.items.Peek(key); ok && !c.live(item) {
			if c.items.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/dagci/pkg/domain"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Cache implements ports.Cache with an in-memory map.
type Cache struct {
	entries map[string]entry
	ttl     time.Duration
	mu      sync.RWMutex
	now     func() time.Time
}

// NewCache creates an in-memory cache. A zero ttl keeps entries forever.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Get returns a copy of the entry stored under key. An expired entry is
// dropped.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, domain.ErrCacheMiss
	}
	if e.expired(c.now()) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expired(c.now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, domain.ErrCacheMiss
	}
	return append([]byte(nil), e.data...), nil
}

// Put stores data under key and evicts every expired entry. Concurrent
// writers race; the last one wins.
func (c *Cache) Put(ctx context.Context, key string, data []byte) error {
	now := c.now()
	e := entry{data: append([]byte(nil), data...)}
	if c.ttl > 0 {
		e.expiresAt = now.Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, old := range c.entries {
		if old.expired(now) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = e
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

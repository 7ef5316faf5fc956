// ABOUTME: In-memory TTL+LRU cache of recently seen message dedup keys
// ABOUTME: Fronts the store's unique index so redelivered events skip the database round trip

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

const janitorInterval = time.Minute

// Key builds the dedup key for a message. The separator cannot occur in ids
// coming from the chat networks.
func Key(accountID, chatID, messageID string) string {
	return strings.Join([]string{accountID, chatID, messageID}, "\x1f")
}

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers keys for ttl, holding at most maxSize of them. When full, the
// least recently claimed key is evicted. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int

	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its janitor goroutine. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Seen reports whether key was claimed within the ttl.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && time.Since(e.seenAt) < c.ttl
}

// Claim marks key as seen. It returns true if the caller is the first to claim
// it within the ttl, false if it is a duplicate. Check and mark are one step so
// two concurrent deliveries of the same message cannot both win.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && time.Since(e.seenAt) < c.ttl {
		return false
	}
	c.touch(key)
	return true
}

// Release forgets key so a later delivery can be processed again. Used when
// persisting a claimed message fails.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// Len returns the number of keys held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// touch inserts or refreshes key. Must be called with mu held.
func (c *Cache) touch(key string) {
	now := time.Now()

	if e, ok := c.entries[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.entries, oldest)
		}
	}

	c.entries[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep drops expired keys. Entries are ordered by claim time, so it stops at
// the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if time.Since(c.entries[key].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, key)
	}
}

// Close stops the janitor. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

package local

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Config holds LocalCache settings.
type Config struct {
	GCInterval time.Duration
	// Now overrides the clock used for expiry; nil means time.Now.
	Now func() time.Time
}

// item is either a string value or a hash, with an optional deadline.
type item struct {
	data     string
	fields   map[string]string // non-nil for hashes
	expireAt time.Time         // zero = no expiry
}

func (it *item) expired(now time.Time) bool {
	return !it.expireAt.IsZero() && !now.Before(it.expireAt)
}

// LocalCache is an in-process cache implementing the Cache interface.
// A single mutex guards all keys so SetNX and hash updates are atomic.
type LocalCache struct {
	mu         sync.Mutex
	items      map[string]*item
	now        func() time.Time
	gcInterval time.Duration
	stopGC     chan struct{}
	closeOnce  sync.Once
}

// NewCache creates a LocalCache and starts the background GC goroutine.
func NewCache(cfg Config) (*LocalCache, error) {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &LocalCache{
		items:      make(map[string]*item),
		now:        now,
		gcInterval: interval,
		stopGC:     make(chan struct{}),
	}
	go c.runGC()
	return c, nil
}

// Close stops the background GC goroutine. Safe to call more than once.
func (c *LocalCache) Close() {
	c.closeOnce.Do(func() { close(c.stopGC) })
}

func (c *LocalCache) runGC() {
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopGC:
			return
		}
	}
}

func (c *LocalCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
		}
	}
}

// live returns the unexpired item for key, evicting it if stale. Caller holds mu.
func (c *LocalCache) live(key string) (*item, bool) {
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if it.expired(c.now()) {
		delete(c.items, key)
		return nil, false
	}
	return it, true
}

func (c *LocalCache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

// ---- KV ----

func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok || it.fields != nil {
		return "", ErrNotFound
	}
	return it.data, nil
}

func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &item{data: value, expireAt: c.deadline(ttl)}
	return nil
}

func (c *LocalCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func (c *LocalCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live(key)
	return ok, nil
}

func (c *LocalCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live(key); ok {
		return false, nil
	}
	c.items[key] = &item{data: value, expireAt: c.deadline(ttl)}
	return true, nil
}

func (c *LocalCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok {
		return ErrNotFound
	}
	if ttl <= 0 {
		delete(c.items, key)
		return nil
	}
	it.expireAt = c.now().Add(ttl)
	return nil
}

// ---- Hash ----

func (c *LocalCache) HSet(_ context.Context, key, field, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok || it.fields == nil {
		it = &item{fields: make(map[string]string)}
		c.items[key] = it
	}
	it.fields[field] = value
	return nil
}

func (c *LocalCache) HGet(_ context.Context, key, field string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok || it.fields == nil {
		return "", ErrNotFound
	}
	v, ok := it.fields[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (c *LocalCache) HGetAll(_ context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make(map[string]string)
	if it, ok := c.live(key); ok && it.fields != nil {
		for f, v := range it.fields {
			result[f] = v
		}
	}
	return result, nil
}

// HDel removes fields; the hash itself disappears once empty, as in Redis.
func (c *LocalCache) HDel(_ context.Context, key string, fields ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key)
	if !ok || it.fields == nil {
		return nil
	}
	for _, f := range fields {
		delete(it.fields, f)
	}
	if len(it.fields) == 0 {
		delete(c.items, key)
	}
	return nil
}

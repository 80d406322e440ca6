package source

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/addonpkg/addonpkg/pkg/store"
)

const cacheDir = "http"

// ResponseCache keeps GET response bodies on disk for a bounded time. It is
// created by the caller and handed to adapters; nothing else holds it.
type ResponseCache struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewResponseCache returns a cache backed by s. A non-positive ttl disables
// reads, so every lookup misses.
func NewResponseCache(s store.Store, ttl time.Duration) *ResponseCache {
	return &ResponseCache{store: s, ttl: ttl, now: time.Now}
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached body for url if it is younger than the TTL.
func (c *ResponseCache) Get(url string) ([]byte, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	key := cacheKey(url)
	mod, err := c.store.ModTime(cacheDir, key)
	if err != nil || c.now().Sub(mod) > c.ttl {
		return nil, false
	}
	data, err := c.store.ReadFile(cacheDir, key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores body for url.
func (c *ResponseCache) Put(url string, body []byte) error {
	if c == nil {
		return nil
	}
	return c.store.WriteFile(body, 0o644, cacheDir, cacheKey(url))
}

// Purge removes every cached response.
func (c *ResponseCache) Purge() {
	if c == nil {
		return
	}
	c.store.Remove(cacheDir)
}

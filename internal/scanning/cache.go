package scanning

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cached remembers what a Scanner recognized for a document, so uploading
// the same bank document twice costs one remote call.
type Cached struct {
	next  Scanner
	cache *gocache.Cache

	// OnLookup, when set, is told whether each lookup was a hit
	OnLookup func(hit bool)
}

// NewCached wraps next with a cache whose entries live for ttl.
func NewCached(next Scanner, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func cacheKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RecognizeText serves a cached transcription or asks the wrapped scanner.
// Failures are never cached.
func (c *Cached) RecognizeText(data []byte, contentType string) (string, error) {
	key := cacheKey(data)
	if val, found := c.cache.Get(key); found {
		c.lookup(true)
		return val.(string), nil
	}
	c.lookup(false)

	text, err := c.next.RecognizeText(data, contentType)
	if err != nil {
		return "", err
	}
	c.cache.SetDefault(key, text)
	return text, nil
}

func (c *Cached) lookup(hit bool) {
	if c.OnLookup != nil {
		c.OnLookup(hit)
	}
}

// Close flushes the cache and closes the wrapped scanner
func (c *Cached) Close() error {
	c.cache.Flush()
	return c.next.Close()
}

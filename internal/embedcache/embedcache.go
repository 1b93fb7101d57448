// Package embedcache memoizes provider embedding calls: asking for the
// same (model, dimensions, text) twice within the TTL hits the cache and
// never reaches the adapter. Entries expire after the TTL and the oldest
// entry is evicted once the cache is full.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/just-every/ensemble/internal/provideradapter"
)

// DefaultTTL is how long a cached vector stays valid.
const DefaultTTL = time.Hour

// DefaultMaxEntries caps the number of cached vectors.
const DefaultMaxEntries = 1000

type entry struct {
	vector    []float64
	createdAt time.Time
}

// Cache is a TTL-bounded embedding memoizer. Concurrent readers are safe;
// writes are serialized by the mutex.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// New builds a Cache. Non-positive ttl/maxEntries fall back to the
// defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]*entry, maxEntries),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Embed returns one vector per input text, in input order, calling
// adapter.CreateEmbedding only for the texts that miss the cache. A batch
// that fully hits never touches the adapter.
func (c *Cache) Embed(ctx context.Context, adapter provideradapter.Adapter, texts []string, model string, opts provideradapter.EmbeddingOptions) ([][]float64, error) {
	out := make([][]float64, len(texts))

	var missTexts []string
	var missIndices []int
	for i, text := range texts {
		if v, ok := c.get(key(model, opts.Dimensions, text)); ok {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, text)
		missIndices = append(missIndices, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := adapter.CreateEmbedding(ctx, missTexts, model, opts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedcache: adapter returned %d vectors for %d texts", len(vectors), len(missTexts))
	}

	for j, v := range vectors {
		i := missIndices[j]
		out[i] = v
		c.put(key(model, opts.Dimensions, texts[i]), v)
	}
	return out, nil
}

// Size returns the number of live entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry, c.maxEntries)
}

func (c *Cache) get(k string) ([]float64, bool) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.createdAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, k)
		c.mu.Unlock()
		return nil, false
	}
	return e.vector, true
}

func (c *Cache) put(k string, vector []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[k] = &entry{vector: vector, createdAt: c.now()}
}

// evictOldest removes the entry with the earliest createdAt. Caller holds
// the write lock.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.createdAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// key hashes (model, dimensions, text) into a fixed-width cache key.
func key(model string, dimensions int, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", dimensions)
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

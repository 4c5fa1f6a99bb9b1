package embedding

import (
	"container/list"
	"context"
	"sync"
)

// EmbeddingCache is an LRU cache for embeddings keyed by text.
type EmbeddingCache struct {
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value []float32
}

// NewEmbeddingCache creates a new cache with the given capacity.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	return &EmbeddingCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached embedding for key if present and marks it recently used.
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}
	return nil, false
}

// Set stores the embedding for key, evicting the least recently used entry if at capacity.
func (c *EmbeddingCache) Set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	c.cache[key] = c.lru.PushFront(&cacheEntry{key: key, value: value})
	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached entries.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// CachedEmbedder memoises another Embedder. Batch calls only forward cache misses.
// Returned slices are shared with the cache and must not be modified.
type CachedEmbedder struct {
	inner Embedder
	cache *EmbeddingCache
}

// NewCachedEmbedder wraps inner with an LRU cache of the given capacity.
func NewCachedEmbedder(inner Embedder, capacity int) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: NewEmbeddingCache(capacity)}
}

// Embed returns the cached embedding or computes and stores it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, v)
	return v, nil
}

// EmbedBatch embeds texts, sending only uncached ones to the wrapped embedder in one batch.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingAt []int
	for i, text := range texts {
		if v, ok := c.cache.Get(text); ok {
			out[i] = v
			continue
		}
		missing = append(missing, text)
		missingAt = append(missingAt, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vs, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vs {
		out[missingAt[j]] = v
		c.cache.Set(missing[j], v)
	}
	return out, nil
}

// Dimensions returns the wrapped embedder's dimension.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Model returns the wrapped embedder's model identifier.
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

// Close closes the wrapped embedder.
func (c *CachedEmbedder) Close() error { return c.inner.Close() }

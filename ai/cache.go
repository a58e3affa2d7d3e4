package ai

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrEmbedderRequired is returned when a wrapped embedder is not provided.
var ErrEmbedderRequired = errors.New("embedder required")

// CachingEmbedder memoizes embeddings by exact text in a bounded LRU.
// Queries repeat far more often than documents, so this mostly serves the
// query path.
type CachingEmbedder struct {
	inner  Embedder
	cache  *lru.Cache[string, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachingEmbedder wraps inner with a cache holding up to size embeddings.
func NewCachingEmbedder(inner Embedder, size int) (*CachingEmbedder, error) {
	if inner == nil {
		return nil, ErrEmbedderRequired
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &CachingEmbedder{inner: inner, cache: cache}, nil
}

// EmbedText returns the cached embedding of text, computing it on a miss.
func (c *CachingEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)
	v, err := c.inner.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, v)
	return v, nil
}

// EmbedTexts embeds only the texts missing from the cache, in one batch.
func (c *CachingEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, text := range texts {
		if v, ok := c.cache.Get(text); ok {
			c.hits.Add(1)
			out[i] = v
			continue
		}
		c.misses.Add(1)
		missing = append(missing, text)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.inner.EmbedTexts(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedding count mismatch: expected %d, got %d", len(missing), len(vectors))
	}
	for j, v := range vectors {
		out[slots[j]] = v
		c.cache.Add(missing[j], v)
	}
	return out, nil
}

// Stats returns the cache hit and miss counts.
func (c *CachingEmbedder) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Purge empties the cache. Call it after switching embedding models.
func (c *CachingEmbedder) Purge() {
	c.cache.Purge()
}

// Package cache memoizes embeddings in a ristretto cache.
package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/vosbek/memoryme/memory"
)

// Config sizes the cache.
type Config struct {
	// MaxBytes bounds the total size of cached vectors.
	MaxBytes int64
	// ExpectedItems tunes ristretto's admission counters.
	ExpectedItems int64
}

// DefaultConfig holds roughly 64 MiB of vectors.
var DefaultConfig = Config{
	MaxBytes:      64 << 20,
	ExpectedItems: 100_000,
}

// Embedder wraps another embedder. Failed calls are not cached.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

var _ memory.Embedder = (*Embedder)(nil)

// New wraps inner. Zero fields of cfg take DefaultConfig values.
func New(inner memory.Embedder, cfg Config) (*Embedder, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig.MaxBytes
	}
	if cfg.ExpectedItems <= 0 {
		cfg.ExpectedItems = DefaultConfig.ExpectedItems
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.ExpectedItems * 10,
		MaxCost:     cfg.MaxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{inner: inner, cache: c}, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := memory.ContentHash(text)
	if v, ok := e.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, append([]float32(nil), vec...), int64(4*len(vec)))
	return vec, nil
}

func (e *Embedder) Dimensions() int { return e.inner.Dimensions() }

// Wait blocks until pending writes are visible to Get.
func (e *Embedder) Wait() { e.cache.Wait() }

// Hits reports cache hits so far.
func (e *Embedder) Hits() uint64 { return e.cache.Metrics.Hits() }

// Close stops the cache's background goroutines.
func (e *Embedder) Close() { e.cache.Close() }

// Package mock provides deterministic embedders for tests and offline use.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"

	"github.com/vosbek/memoryme/memory"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

// Embedder hashes tokens into a fixed number of buckets (feature hashing),
// so texts that share words get similar vectors.
type Embedder struct {
	dimensions int
}

var _ memory.Embedder = (*Embedder)(nil)

// New creates a hashing embedder. dims <= 0 uses DefaultDimensions.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{dimensions: dims}
}

// Embed returns the unit-length bag-of-words vector of text. Text without
// any word yields the zero vector.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	embedding := make([]float32, m.dimensions)
	for _, tok := range memory.Tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := sum % uint64(m.dimensions)
		if sum>>63 == 1 {
			embedding[idx]--
		} else {
			embedding[idx]++
		}
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// Failing always fails, as an unreachable embedding service would.
type Failing struct {
	Dims int
	Err  error
}

func (f Failing) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return nil, fmt.Errorf("%w: mock embedder is down", memory.ErrEmbeddingUnavailable)
}

func (f Failing) Dimensions() int { return f.Dims }

// Static serves fixed vectors by exact text. Other texts go to Fallback, or
// fail when it is nil.
type Static struct {
	Dims     int
	Vectors  map[string][]float32
	Fallback memory.Embedder
}

func (s Static) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.Vectors[text]; ok {
		return append([]float32(nil), v...), nil
	}
	if s.Fallback != nil {
		return s.Fallback.Embed(ctx, text)
	}
	return nil, fmt.Errorf("%w: no static vector for %q", memory.ErrEmbeddingUnavailable, text)
}

func (s Static) Dimensions() int { return s.Dims }

// Flaky fails its first Failures calls and then delegates to Inner.
type Flaky struct {
	Inner    memory.Embedder
	Failures int64

	calls atomic.Int64
}

func (f *Flaky) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.calls.Add(1) <= f.Failures {
		return nil, fmt.Errorf("%w: flaky call %d", memory.ErrEmbeddingUnavailable, f.calls.Load())
	}
	return f.Inner.Embed(ctx, text)
}

func (f *Flaky) Dimensions() int { return f.Inner.Dimensions() }

// Calls returns the number of Embed calls so far.
func (f *Flaky) Calls() int64 { return f.calls.Load() }

// Counter records the texts it was asked to embed.
type Counter struct {
	Inner memory.Embedder

	mu    sync.Mutex
	texts []string
}

func (c *Counter) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return c.Inner.Embed(ctx, text)
}

func (c *Counter) Dimensions() int { return c.Inner.Dimensions() }

// Texts returns a copy of the texts seen, in call order.
func (c *Counter) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

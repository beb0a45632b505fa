package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/embedder/cache"
	"github.com/vosbek/memoryme/memory/embedder/mock"
	"github.com/vosbek/memoryme/memory/embedder/ollama"
)

// guardedEmbedder bounds each call by a timeout and an optional rate limit.
type guardedEmbedder struct {
	inner   memory.Embedder
	timeout time.Duration
	limiter *rate.Limiter
}

func guard(inner memory.Embedder, cfg EmbedderConfig) *guardedEmbedder {
	g := &guardedEmbedder{inner: inner, timeout: cfg.Timeout}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

func (g *guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: throttled: %v", memory.ErrEmbeddingUnavailable, err)
		}
	}
	vec, err := g.inner.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", memory.ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}
	return vec, nil
}

func (g *guardedEmbedder) Dimensions() int { return g.inner.Dimensions() }

// newEmbedder builds the embedder named by cfg.Kind. EmbedderNone yields nil.
// The returned close function releases the cache.
func newEmbedder(cfg EmbedderConfig) (memory.Embedder, func(), error) {
	var inner memory.Embedder
	switch cfg.Kind {
	case EmbedderNone, "":
		return nil, func() {}, nil
	case EmbedderMock:
		inner = mock.New(cfg.Dimensions)
	case EmbedderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.Host != "" {
			opts = append(opts, ollama.WithHost(cfg.Host, nil))
		}
		e, err := ollama.New(cfg.Dimensions, opts...)
		if err != nil {
			return nil, nil, err
		}
		inner = e
	default:
		return nil, nil, memory.Invalid("embedder.kind", "unknown kind %q", cfg.Kind)
	}

	if cfg.CacheBytes <= 0 {
		return inner, func() {}, nil
	}
	c, err := cache.New(inner, cache.Config{MaxBytes: cfg.CacheBytes})
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

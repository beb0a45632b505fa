// Package ollama embeds text through a local Ollama server.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/vosbek/memoryme/memory"
)

// DefaultModel is a small general-purpose embedding model.
const DefaultModel = "nomic-embed-text"

// Embedder calls the Ollama embed endpoint.
type Embedder struct {
	client     *api.Client
	model      string
	dimensions int
}

var _ memory.Embedder = (*Embedder)(nil)

// Option configures an Embedder.
type Option func(*Embedder)

// WithModel selects the embedding model.
func WithModel(model string) Option {
	return func(e *Embedder) {
		if model != "" {
			e.model = model
		}
	}
}

// WithClient replaces the client built from the environment.
func WithClient(c *api.Client) Option {
	return func(e *Embedder) { e.client = c }
}

// WithHost points the client at host, e.g. "http://127.0.0.1:11434".
func WithHost(host string, hc *http.Client) Option {
	return func(e *Embedder) {
		u, err := url.Parse(host)
		if err != nil || host == "" {
			return
		}
		if hc == nil {
			hc = http.DefaultClient
		}
		e.client = api.NewClient(u, hc)
	}
}

// New returns an Embedder producing dims-wide vectors. Without WithClient
// or WithHost the client honours OLLAMA_HOST.
func New(dims int, opts ...Option) (*Embedder, error) {
	e := &Embedder{model: DefaultModel, dimensions: dims}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		e.client = c
	}
	return e, nil
}

// Embed returns the model's embedding of text. Transport and model errors
// wrap memory.ErrEmbeddingUnavailable.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ollama embed: %v", memory.ErrEmbeddingUnavailable, err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: ollama returned no embedding", memory.ErrEmbeddingUnavailable)
	}
	vec := resp.Embeddings[0]
	if e.dimensions > 0 && len(vec) != e.dimensions {
		return nil, &memory.DimensionMismatchError{Expected: e.dimensions, Actual: len(vec)}
	}
	return vec, nil
}

// Dimensions returns the configured width, or 0 when it is learned from the
// first response.
func (e *Embedder) Dimensions() int { return e.dimensions }

// Model returns the model name.
func (e *Embedder) Model() string { return e.model }

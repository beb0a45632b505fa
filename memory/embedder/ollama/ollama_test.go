package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/embedder/ollama"
)

func fakeServer(t *testing.T, vec []float32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req["model"])

		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "model not loaded"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model":      "test-model",
			"embeddings": [][]float32{vec},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed(t *testing.T) {
	srv := fakeServer(t, []float32{0.1, 0.2, 0.3}, http.StatusOK)
	e, err := ollama.New(3, ollama.WithHost(srv.URL, srv.Client()), ollama.WithModel("test-model"))
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, e.Dimensions())
}

func TestEmbedErrors(t *testing.T) {
	srv := fakeServer(t, nil, http.StatusInternalServerError)
	e, err := ollama.New(3, ollama.WithHost(srv.URL, srv.Client()), ollama.WithModel("test-model"))
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "hello")
	assert.True(t, errors.Is(err, memory.ErrEmbeddingUnavailable))

	wide := fakeServer(t, []float32{1, 2}, http.StatusOK)
	e, err = ollama.New(3, ollama.WithHost(wide.URL, wide.Client()), ollama.WithModel("test-model"))
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "hello")
	var dm *memory.DimensionMismatchError
	assert.True(t, errors.As(err, &dm))
}

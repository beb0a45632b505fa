package cache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosbek/memoryme/memory/embedder/cache"
	"github.com/vosbek/memoryme/memory/embedder/mock"
)

func TestCacheMemoizes(t *testing.T) {
	ctx := context.Background()
	counter := &mock.Counter{Inner: mock.New(16)}
	e, err := cache.New(counter, cache.Config{})
	require.NoError(t, err)
	defer e.Close()

	first, err := e.Embed(ctx, "hello world")
	require.NoError(t, err)
	e.Wait()

	second, err := e.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"hello world"}, counter.Texts())
	assert.Equal(t, uint64(1), e.Hits())

	second[0] = 42
	third, _ := e.Embed(ctx, "hello world")
	assert.NotEqual(t, float32(42), third[0], "callers get copies")
	assert.Equal(t, 16, e.Dimensions())
}

func TestCacheSkipsFailures(t *testing.T) {
	ctx := context.Background()
	flaky := &mock.Flaky{Inner: mock.New(8), Failures: 1}
	e, err := cache.New(flaky, cache.Config{})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(ctx, "x")
	require.Error(t, err)
	e.Wait()
	_, err = e.Embed(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(2), flaky.Calls())
}

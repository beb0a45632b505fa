// Package vectortest is a conformance suite run by every VectorIndex
// implementation's tests.
package vectortest

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosbek/memoryme/memory"
)

// Factory builds an empty index of the given dimension.
type Factory func(t *testing.T, dim int) memory.VectorIndex

// RandomVectors returns n seeded random vectors.
func RandomVectors(seed int64, n, dim int) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

// Run exercises the VectorIndex contract.
func Run(t *testing.T, newIndex Factory) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("self query is nearest", func(t *testing.T) {
		idx := newIndex(t, 16)
		vecs := RandomVectors(1, 50, 16)
		for i, v := range vecs {
			require.NoError(t, idx.Upsert(ctx, fmt.Sprintf("r%02d", i), v, base))
		}
		assert.Equal(t, 50, idx.Len())

		for i, v := range vecs {
			hits, err := idx.Query(ctx, v, 1)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, fmt.Sprintf("r%02d", i), hits[0].ID)
			assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)
		}
	})

	t.Run("no stale reads after remove", func(t *testing.T) {
		idx := newIndex(t, 8)
		vecs := RandomVectors(2, 40, 8)
		for i, v := range vecs {
			require.NoError(t, idx.Upsert(ctx, fmt.Sprintf("r%02d", i), v, base))
		}
		for i := 0; i < 40; i += 2 {
			require.NoError(t, idx.Remove(ctx, fmt.Sprintf("r%02d", i)))
		}
		assert.Equal(t, 20, idx.Len())

		for i, v := range vecs {
			hits, err := idx.Query(ctx, v, 40)
			require.NoError(t, err)
			assert.Len(t, hits, 20)
			for _, h := range hits {
				var n int
				_, _ = fmt.Sscanf(h.ID, "r%02d", &n)
				assert.NotZero(t, n%2, "removed id %s returned for query %d", h.ID, i)
			}
		}
		assert.NotContains(t, idx.IDs(), "r00")
	})

	t.Run("upsert replaces", func(t *testing.T) {
		idx := newIndex(t, 4)
		require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0, 0, 0}, base))
		require.NoError(t, idx.Upsert(ctx, "b", []float32{0, 1, 0, 0}, base))
		require.NoError(t, idx.Upsert(ctx, "a", []float32{0, 0, 1, 0}, base.Add(time.Second)))
		assert.Equal(t, 2, idx.Len())

		hits, err := idx.Query(ctx, []float32{0, 0, 1, 0}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "a", hits[0].ID)
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)

		hits, err = idx.Query(ctx, []float32{1, 0, 0, 0}, 2)
		require.NoError(t, err)
		for _, h := range hits {
			assert.Less(t, h.Similarity, 0.5)
		}
	})

	t.Run("ties broken by recency", func(t *testing.T) {
		idx := newIndex(t, 3)
		v := []float32{1, 2, 3}
		require.NoError(t, idx.Upsert(ctx, "old", v, base))
		require.NoError(t, idx.Upsert(ctx, "new", v, base.Add(time.Hour)))

		hits, err := idx.Query(ctx, v, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "new", hits[0].ID)
		assert.Equal(t, "old", hits[1].ID)
	})

	t.Run("touch changes recency only", func(t *testing.T) {
		idx := newIndex(t, 3)
		v := []float32{1, 2, 3}
		require.NoError(t, idx.Upsert(ctx, "old", v, base))
		require.NoError(t, idx.Upsert(ctx, "new", v, base.Add(time.Hour)))
		require.NoError(t, idx.Touch(ctx, "old", base.Add(2*time.Hour)))
		require.NoError(t, idx.Touch(ctx, "missing", base))

		hits, err := idx.Query(ctx, v, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "old", hits[0].ID)
		assert.True(t, hits[0].UpdatedAt.Equal(base.Add(2*time.Hour)))
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)
		assert.Equal(t, 2, idx.Len())

		zero := []float32{0, 0, 0}
		require.NoError(t, idx.Upsert(ctx, "z", zero, base))
		require.NoError(t, idx.Touch(ctx, "z", base.Add(3*time.Hour)))
		hits, err = idx.Query(ctx, v, 3)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, "z", hits[2].ID)
		assert.True(t, hits[2].UpdatedAt.Equal(base.Add(3*time.Hour)))
	})

	t.Run("zero vectors score zero", func(t *testing.T) {
		idx := newIndex(t, 3)
		require.NoError(t, idx.Upsert(ctx, "zero", []float32{0, 0, 0}, base))
		require.NoError(t, idx.Upsert(ctx, "x", []float32{1, 0, 0}, base))

		hits, err := idx.Query(ctx, []float32{1, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "x", hits[0].ID)
		assert.Equal(t, "zero", hits[1].ID)
		assert.Equal(t, 0.0, hits[1].Similarity)

		hits, err = idx.Query(ctx, []float32{0, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		for _, h := range hits {
			assert.Equal(t, 0.0, h.Similarity)
		}
	})

	t.Run("opposite vectors", func(t *testing.T) {
		idx := newIndex(t, 2)
		require.NoError(t, idx.Upsert(ctx, "neg", []float32{-1, 0}, base))
		hits, err := idx.Query(ctx, []float32{2, 0}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.InDelta(t, -1.0, hits[0].Similarity, 1e-5)
	})

	t.Run("validation", func(t *testing.T) {
		idx := newIndex(t, 3)
		err := idx.Upsert(ctx, "a", []float32{1, 2}, base)
		assert.ErrorIs(t, err, memory.ErrValidation)

		require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 2, 3}, base))
		_, err = idx.Query(ctx, []float32{1}, 1)
		assert.ErrorIs(t, err, memory.ErrValidation)

		hits, err := idx.Query(ctx, []float32{1, 2, 3}, 0)
		require.NoError(t, err)
		assert.Empty(t, hits)

		assert.NoError(t, idx.Remove(ctx, "missing"))
		assert.Equal(t, 3, idx.Dimensions())
	})

	t.Run("adopts first dimension", func(t *testing.T) {
		idx := newIndex(t, 0)
		assert.Equal(t, 0, idx.Dimensions())
		require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 2, 3, 4, 5}, base))
		assert.Equal(t, 5, idx.Dimensions())
		assert.ErrorIs(t, idx.Upsert(ctx, "b", []float32{1}, base), memory.ErrValidation)
	})

	t.Run("empty index", func(t *testing.T) {
		idx := newIndex(t, 3)
		hits, err := idx.Query(ctx, []float32{1, 2, 3}, 5)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

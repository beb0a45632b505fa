package vector

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosbek/memoryme/memory"
)

func TestNormalize(t *testing.T) {
	v, ok := Normalize([]float32{3, 4})
	require.True(t, ok)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	z, ok := Normalize([]float32{0, 0, 0})
	assert.False(t, ok)
	assert.Equal(t, []float32{0, 0, 0}, z)
}

func TestCosineZeroVector(t *testing.T) {
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 2}))
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.False(t, math.IsNaN(Cosine([]float32{0}, []float32{0})))
}

func TestCheckDimension(t *testing.T) {
	assert.NoError(t, CheckDimension(0, []float32{1}))
	assert.ErrorIs(t, CheckDimension(3, []float32{1}), memory.ErrValidation)
	assert.Error(t, CheckDimension(0, nil))
}

func TestTopKOrdersTiesByRecency(t *testing.T) {
	now := time.Now()
	top := NewTopK(3)
	top.Push("old", 0.5, now.Add(-time.Hour))
	top.Push("best", 0.9, now)
	top.Push("new", 0.5, now)
	top.Push("worst", 0.1, now)
	top.Push("mid", 0.7, now)

	hits := top.Results()
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"best", "mid", "new"}, []string{hits[0].ID, hits[1].ID, hits[2].ID})

	assert.Empty(t, NewTopK(0).Results())
}

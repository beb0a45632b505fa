package linear_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/vector/linear"
	"github.com/vosbek/memoryme/memory/vector/vectortest"
)

func TestContract(t *testing.T) {
	vectortest.Run(t, func(t *testing.T, dim int) memory.VectorIndex {
		idx := linear.New(dim)
		t.Cleanup(func() { idx.Close() })
		return idx
	})
}

func TestClosed(t *testing.T) {
	idx := linear.New(2)
	assert.NoError(t, idx.Close())
	assert.ErrorIs(t, idx.Upsert(context.Background(), "a", []float32{1, 1}, time.Now()), memory.ErrClosed)
	_, err := idx.Query(context.Background(), []float32{1, 1}, 1)
	assert.ErrorIs(t, err, memory.ErrClosed)
}

// Package linear is the brute-force VectorIndex: every live vector is
// compared against the query on every call. It is the required fallback
// when no specialized index is configured.
package linear

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/vector"
)

type entry struct {
	vec       []float32 // unit length, or all zeros
	zero      bool
	updatedAt time.Time
}

// Index is a linear-scan vector index.
type Index struct {
	mu      sync.RWMutex
	dim     int
	entries map[string]*entry
	closed  bool
}

var _ memory.VectorIndex = (*Index)(nil)

// New creates an index. dim 0 adopts the dimension of the first upsert.
func New(dim int) *Index {
	return &Index{dim: dim, entries: make(map[string]*entry)}
}

func (x *Index) Upsert(ctx context.Context, id string, vec []float32, updatedAt time.Time) error {
	if id == "" {
		return memory.Invalid("id", "empty id")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return memory.ErrClosed
	}
	if err := vector.CheckDimension(x.dim, vec); err != nil {
		return err
	}
	if x.dim == 0 {
		x.dim = len(vec)
	}
	unit, ok := vector.Normalize(vec)
	x.entries[id] = &entry{vec: unit, zero: !ok, updatedAt: updatedAt}
	return nil
}

func (x *Index) Remove(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return memory.ErrClosed
	}
	delete(x.entries, id)
	return nil
}

func (x *Index) Touch(ctx context.Context, id string, updatedAt time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return memory.ErrClosed
	}
	if e, ok := x.entries[id]; ok {
		e.updatedAt = updatedAt
	}
	return nil
}

func (x *Index) Query(ctx context.Context, vec []float32, k int) ([]memory.VectorHit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, memory.ErrClosed
	}
	if k <= 0 || len(x.entries) == 0 {
		return nil, nil
	}
	if err := vector.CheckDimension(x.dim, vec); err != nil {
		return nil, err
	}
	q, ok := vector.Normalize(vec)

	top := vector.NewTopK(k)
	n := 0
	for id, e := range x.entries {
		// Honour cancellation on large scans without checking every entry.
		if n++; n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		sim := 0.0
		if ok && !e.zero {
			sim = vector.Clamp(vector.Dot(q, e.vec))
		}
		top.Push(id, sim, e.updatedAt)
	}
	return top.Results(), nil
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

func (x *Index) Dimensions() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

func (x *Index) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.entries))
	for id := range x.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	x.entries = nil
	return nil
}

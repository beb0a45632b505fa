// Package vector holds the cosine math and result ordering shared by the
// VectorIndex implementations.
package vector

import (
	"container/heap"
	"math"
	"sort"
	"time"

	"github.com/vosbek/memoryme/memory"
)

// Normalize returns a unit-length copy of v. The second result is false for
// a zero (or non-finite) vector, in which case the copy is all zeros.
func Normalize(v []float32) ([]float32, bool) {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return out, false
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out, true
}

// Dot computes the dot product of equal-length vectors.
func Dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// Cosine computes cosine similarity without assuming unit length.
// Zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return Clamp(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Clamp bounds a similarity to [-1,1] against rounding drift.
func Clamp(s float64) float64 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	case math.IsNaN(s):
		return 0
	}
	return s
}

// CheckDimension validates v against the index dimension. dim 0 accepts anything non-empty.
func CheckDimension(dim int, v []float32) error {
	if len(v) == 0 {
		return memory.Invalid("vector", "empty vector")
	}
	if dim != 0 && len(v) != dim {
		return &memory.DimensionMismatchError{Expected: dim, Actual: len(v)}
	}
	return nil
}

// Less orders hits by similarity desc, then UpdatedAt desc, then ID.
func Less(a, b memory.VectorHit) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// Sort orders hits in place.
func Sort(hits []memory.VectorHit) {
	sort.Slice(hits, func(i, j int) bool { return Less(hits[i], hits[j]) })
}

// TopK keeps the k best hits seen so far. The heap root is the worst kept hit.
type TopK struct {
	k    int
	hits hitHeap
}

// NewTopK creates a collector for k hits.
func NewTopK(k int) *TopK {
	return &TopK{k: k, hits: make(hitHeap, 0, k)}
}

// Push offers a hit.
func (t *TopK) Push(id string, sim float64, updatedAt time.Time) {
	if t.k <= 0 {
		return
	}
	h := memory.VectorHit{ID: id, Similarity: sim, UpdatedAt: updatedAt}
	if len(t.hits) < t.k {
		heap.Push(&t.hits, h)
		return
	}
	if Less(h, t.hits[0]) {
		t.hits[0] = h
		heap.Fix(&t.hits, 0)
	}
}

// Len returns the number of kept hits.
func (t *TopK) Len() int { return len(t.hits) }

// Results returns the kept hits, best first.
func (t *TopK) Results() []memory.VectorHit {
	out := make([]memory.VectorHit, len(t.hits))
	copy(out, t.hits)
	Sort(out)
	return out
}

// hitHeap is a heap whose root is the worst hit.
type hitHeap []memory.VectorHit

var _ heap.Interface = (*hitHeap)(nil)

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return Less(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x any) { *h = append(*h, x.(memory.VectorHit)) }

func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

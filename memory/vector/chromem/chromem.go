// Package chromem implements the VectorIndex contract on a chromem-go
// collection. chromem-go is a pure Go, embedded vector database.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	chromem "github.com/philippgille/chromem-go"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/vector"
)

func logger() *log.Logger { return memory.Logger("chromem") }

const updatedAtKey = "updated_at"

// Index wraps one chromem collection.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection
	dim int

	// live ids mapped to their updatedAt; zero vectors are held aside
	// because chromem would normalize them to NaN.
	ids   map[string]time.Time
	zeros map[string]time.Time

	closed bool
	mu     sync.RWMutex
}

var _ memory.VectorIndex = (*Index)(nil)

// New creates an in-memory chromem-backed index. dim 0 adopts the
// dimension of the first upsert.
func New(collection string, dim int) (*Index, error) {
	if collection == "" {
		collection = "records"
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(
		collection,
		nil, // No collection metadata
		nil, // No embedding func (vectors are supplied)
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{
		db:    db,
		col:   col,
		dim:   dim,
		ids:   make(map[string]time.Time),
		zeros: make(map[string]time.Time),
	}, nil
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
	if err := x.removeLocked(ctx, id); err != nil {
		return err
	}

	unit, ok := vector.Normalize(vec)
	if !ok {
		x.zeros[id] = updatedAt
		return nil
	}

	doc := chromem.Document{
		ID:        id,
		Embedding: unit,
		Metadata:  map[string]string{updatedAtKey: updatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	x.ids[id] = updatedAt
	logger().Debug("stored vector", "id", id, "dims", len(vec))
	return nil
}

func (x *Index) Remove(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return memory.ErrClosed
	}
	return x.removeLocked(ctx, id)
}

// Touch updates the id table only; the document metadata keeps the time
// the vector was stored.
func (x *Index) Touch(ctx context.Context, id string, updatedAt time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return memory.ErrClosed
	}
	if _, ok := x.zeros[id]; ok {
		x.zeros[id] = updatedAt
	} else if _, ok := x.ids[id]; ok {
		x.ids[id] = updatedAt
	}
	return nil
}

func (x *Index) removeLocked(ctx context.Context, id string) error {
	delete(x.zeros, id)
	if _, ok := x.ids[id]; !ok {
		return nil
	}
	if err := x.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	delete(x.ids, id)
	return nil
}

func (x *Index) Query(ctx context.Context, vec []float32, k int) ([]memory.VectorHit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, memory.ErrClosed
	}
	if k <= 0 || len(x.ids)+len(x.zeros) == 0 {
		return nil, nil
	}
	if err := vector.CheckDimension(x.dim, vec); err != nil {
		return nil, err
	}

	top := vector.NewTopK(k)
	for id, t := range x.zeros {
		top.Push(id, 0, t)
	}

	q, ok := vector.Normalize(vec)
	if !ok {
		for id, t := range x.ids {
			top.Push(id, 0, t)
		}
		return top.Results(), nil
	}

	// chromem-go requires nResults <= collection size. Over-fetch a little so
	// recency can break ties at the cut.
	n := min(k*2+8, x.col.Count())
	if n == 0 {
		return top.Results(), nil
	}
	results, err := x.col.QueryEmbedding(ctx, q, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	for _, r := range results {
		updatedAt, live := x.ids[r.ID]
		if !live {
			// The collection and the id table disagree; never surface it.
			logger().Warn("skipping unknown document", "id", r.ID)
			continue
		}
		top.Push(r.ID, vector.Clamp(float64(r.Similarity)), updatedAt)
	}
	return top.Results(), nil
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids) + len(x.zeros)
}

func (x *Index) Dimensions() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

func (x *Index) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.ids)+len(x.zeros))
	for id := range x.ids {
		ids = append(ids, id)
	}
	for id := range x.zeros {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases resources. chromem-go keeps everything in memory.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	return nil
}

package memory

import (
	"context"
	"time"
)

// LexicalHit is a record matched by lexical search.
type LexicalHit struct {
	ID        string
	Score     float64
	UpdatedAt time.Time
}

// VectorHit is a record matched by vector similarity in [-1,1].
type VectorHit struct {
	ID         string
	Similarity float64
	UpdatedAt  time.Time
}

// RecordStore stores canonical memory records.
// It is the source of truth for existence and metadata.
//
// Implementations: sqlite.Store (memory/store/sqlite).
type RecordStore interface {
	// Create validates rec, assigns its ID and timestamps, and persists it.
	Create(ctx context.Context, rec Record) (Record, error)

	// Get returns the record or a *NotFoundError.
	Get(ctx context.Context, id string) (Record, error)

	// Update applies patch and bumps UpdatedAt.
	Update(ctx context.Context, id string, patch RecordPatch) (Record, error)

	// Delete removes the record. It reports false if the id was absent.
	Delete(ctx context.Context, id string) (bool, error)

	// Put stores rec as-is, keeping its ID and timestamps. Used by snapshot import.
	Put(ctx context.Context, rec Record) error

	ListRecent(ctx context.Context, limit int) ([]Record, error)

	// FindByTags returns records carrying all of tags, newest first.
	FindByTags(ctx context.Context, tags []string, limit, offset int) ([]Record, error)

	FindByType(ctx context.Context, t RecordType, limit, offset int) ([]Record, error)

	// LexicalSearch ranks records by case-insensitive term and substring
	// matches over title, content and tags.
	LexicalSearch(ctx context.Context, query string, limit int) ([]LexicalHit, error)

	Count(ctx context.Context) (int, error)

	// ForEach visits every record in creation order. Returning an error stops the walk.
	ForEach(ctx context.Context, fn func(Record) error) error

	Close() error
}

// EmbeddingStore persists embeddings next to their records.
// The SQLite record store implements it; the engine uses it when present.
type EmbeddingStore interface {
	PutEmbedding(ctx context.Context, id string, vec []float32, contentHash string) error
	GetEmbedding(ctx context.Context, id string) ([]float32, string, error)
	DeleteEmbedding(ctx context.Context, id string) error
	ForEachEmbedding(ctx context.Context, fn func(id string, vec []float32, contentHash string, updatedAt time.Time) error) error
}

// VectorIndex stores one vector per record id and answers nearest-neighbour
// queries by cosine similarity.
//
// Query never returns an id after Remove for it has returned. Ties are
// broken by updatedAt, newest first.
//
// Implementations: linear.Index (fallback), hnsw.Index, chromem.Index.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vec []float32, updatedAt time.Time) error
	Remove(ctx context.Context, id string) error
	Query(ctx context.Context, vec []float32, k int) ([]VectorHit, error)

	// Touch sets the recency of id without changing its vector. Unknown
	// ids are ignored.
	Touch(ctx context.Context, id string, updatedAt time.Time) error

	// Len returns the number of live vectors.
	Len() int

	// Dimensions returns the fixed dimension, or 0 before the first upsert.
	Dimensions() int

	// IDs lists live ids, used by the repair pass.
	IDs() []string

	Close() error
}

// GraphStore stores typed entities and weighted directed relationships.
// Entities and relationships are addressed by id; record provenance decides
// when derived ones are garbage collected.
//
// Implementations: graph.Store (memory/graph).
type GraphStore interface {
	// UpsertEntity dedups by normalized (name, type) and appends observation.
	UpsertEntity(ctx context.Context, name, entityType, observation string) (string, error)

	// UpsertRelationship creates the (from, to, type) edge or raises its
	// strength by strengthDelta, capped at 1.
	UpsertRelationship(ctx context.Context, fromID, toID, relType string, strengthDelta float64) (string, error)

	GetEntity(ctx context.Context, id string) (Entity, error)
	GetRelationship(ctx context.Context, id string) (Relationship, error)

	// DeleteEntity removes the entity and every relationship referencing it.
	DeleteEntity(ctx context.Context, id string) (bool, error)

	Neighbors(ctx context.Context, id string, dir Direction) ([]Relationship, error)
	ByType(ctx context.Context, entityType string, limit int) ([]Entity, error)

	// Path returns the shortest walk from fromID to toID within maxDepth hops,
	// preferring the highest cumulative strength. Unreachable yields an empty walk.
	Path(ctx context.Context, fromID, toID string, maxDepth int, dir Direction) ([]Relationship, error)

	// Search ranks entities by name match quality. An empty entityType matches all.
	Search(ctx context.Context, text string, limit int, entityType string) ([]EntityMatch, error)

	// ApplyRecord atomically replaces the contribution of recordID.
	ApplyRecord(ctx context.Context, recordID string, ex Extraction) error

	// RemoveRecord withdraws the contribution of recordID, deleting entities
	// and relationships it was the last supporter of.
	RemoveRecord(ctx context.Context, recordID string) error

	RecordsForEntities(ctx context.Context, entityIDs []string) ([]string, error)
	EntitiesForRecord(ctx context.Context, recordID string) ([]string, error)

	// Records lists record ids that currently contribute to the graph.
	Records(ctx context.Context) ([]string, error)

	Entities(ctx context.Context) ([]Entity, error)
	Relationships(ctx context.Context) ([]Relationship, error)
	Stats(ctx context.Context) GraphStats

	// Reset empties the graph.
	Reset(ctx context.Context) error
}

// Extractor derives entities and relationships from record text and tags.
// It must be a pure, deterministic function of its inputs.
//
// Implementations: extract.Extractor (memory/extract).
type Extractor interface {
	Extract(text string, tags []string) (Extraction, error)
}

// Embedder converts text to vector embeddings. It is supplied by the host.
// Implementations: mock.Embedder (testing), cache.Embedder (decorator), ollama.Embedder.
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

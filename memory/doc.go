// Package memory defines the data model and store contracts of the hybrid
// retrieval engine.
//
// A memory record (snippet, note, decision, meeting log...) lives in a
// RecordStore. Derived state is kept in two further stores:
//   - VectorIndex: one embedding per record, queried by cosine similarity
//   - GraphStore: entities and weighted relationships extracted from records
//
// Architecture:
//   - RecordStore: source of truth for existence and metadata (SQLite in memory/store/sqlite)
//   - VectorIndex: linear scan fallback, HNSW, or chromem-go (memory/vector/...)
//   - GraphStore: arena of entities and relationships with record provenance (memory/graph)
//   - Extractor: deterministic rule-based entity extraction (memory/extract)
//   - Embedder: supplied by the host; the engine never computes embeddings itself
//
// The engine package orchestrates the write path and the hybrid query planner
// on top of these contracts.
package memory

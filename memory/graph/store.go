// Package graph is the in-memory entity-relationship store.
//
// Entities and relationships live in flat maps keyed by id with adjacency
// sets on the side. Every derived entity and relationship remembers the
// records that support it as a roaring bitmap of record ordinals; when the
// last supporter goes away so does the entity, unless it was created
// directly through UpsertEntity or UpsertRelationship.
//
// The graph is derived state: the engine rebuilds it from the record store
// at startup.
package graph

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/vosbek/memoryme/memory"
)

func logger() *log.Logger { return memory.Logger("graph") }

type entity struct {
	id, name, typ, key string
	created, updated   time.Time

	pinned   bool
	manual   []memory.Observation
	observed map[uint32]memory.Observation
	records  *roaring.Bitmap
}

type relKey struct {
	from, to, typ string
}

type relationship struct {
	id               string
	key              relKey
	props            memory.Metadata
	created, updated time.Time

	pinned  bool
	manual  float64
	contrib map[uint32]float64
	records *roaring.Bitmap
}

func (r *relationship) strength() float64 {
	s := r.manual
	for _, c := range r.contrib {
		s += c
	}
	return math.Min(1, s)
}

// Store implements memory.GraphStore.
type Store struct {
	mu sync.RWMutex

	entities map[string]*entity
	byKey    map[string]string
	rels     map[string]*relationship
	relByKey map[relKey]string
	out      map[string]map[string]struct{}
	in       map[string]map[string]struct{}

	// record provenance
	ordinals   map[string]uint32
	recordIDs  map[uint32]string
	nextOrd    uint32
	recordEnts map[string][]string
	recordRels map[string][]string

	now func() time.Time
}

var _ memory.GraphStore = (*Store)(nil)

// New returns an empty graph.
func New() *Store {
	s := &Store{now: func() time.Time { return time.Now().UTC() }}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.entities = make(map[string]*entity)
	s.byKey = make(map[string]string)
	s.rels = make(map[string]*relationship)
	s.relByKey = make(map[relKey]string)
	s.out = make(map[string]map[string]struct{})
	s.in = make(map[string]map[string]struct{})
	s.ordinals = make(map[string]uint32)
	s.recordIDs = make(map[uint32]string)
	s.nextOrd = 0
	s.recordEnts = make(map[string][]string)
	s.recordRels = make(map[string][]string)
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// UpsertEntity creates the manual entity (name, type) or returns the
// existing one. A non-empty observation is appended on every call.
func (s *Store) UpsertEntity(ctx context.Context, name, entityType, observation string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	entityType = normalizeType(entityType)
	if name == "" {
		return "", memory.Invalid("name", "empty entity name")
	}
	if entityType == "" {
		return "", memory.Invalid("type", "empty entity type")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreateEntity(name, entityType)
	e.pinned = true
	if text := strings.TrimSpace(observation); text != "" {
		now := s.now()
		e.manual = append(e.manual, memory.Observation{Text: text, CreatedAt: now})
		e.updated = now
	}
	return e.id, nil
}

func (s *Store) getOrCreateEntity(name, entityType string) *entity {
	key := memory.EntityKey(name, entityType)
	if id, ok := s.byKey[key]; ok {
		return s.entities[id]
	}
	now := s.now()
	e := &entity{
		id:       uuid.New().String(),
		name:     name,
		typ:      entityType,
		key:      key,
		created:  now,
		updated:  now,
		observed: make(map[uint32]memory.Observation),
		records:  roaring.New(),
	}
	s.entities[e.id] = e
	s.byKey[key] = e.id
	return e
}

func (s *Store) UpsertRelationship(ctx context.Context, fromID, toID, relType string, strengthDelta float64) (string, error) {
	relType = normalizeType(relType)
	if relType == "" {
		return "", memory.Invalid("type", "empty relationship type")
	}
	if math.IsNaN(strengthDelta) || strengthDelta < 0 {
		return "", memory.Invalid("strength", "delta must be a non-negative number, got %v", strengthDelta)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{fromID, toID} {
		if _, ok := s.entities[id]; !ok {
			return "", memory.Invalid("endpoint", "entity %q does not exist", id)
		}
	}
	r := s.getOrCreateRel(relKey{fromID, toID, relType})
	r.pinned = true
	r.manual = math.Min(1, r.manual+strengthDelta)
	r.updated = s.now()
	return r.id, nil
}

func (s *Store) getOrCreateRel(k relKey) *relationship {
	if id, ok := s.relByKey[k]; ok {
		return s.rels[id]
	}
	now := s.now()
	r := &relationship{
		id:      uuid.New().String(),
		key:     k,
		created: now,
		updated: now,
		contrib: make(map[uint32]float64),
		records: roaring.New(),
	}
	s.rels[r.id] = r
	s.relByKey[k] = r.id
	addEdge(s.out, k.from, r.id)
	addEdge(s.in, k.to, r.id)
	return r
}

func addEdge(adj map[string]map[string]struct{}, node, rel string) {
	set, ok := adj[node]
	if !ok {
		set = make(map[string]struct{})
		adj[node] = set
	}
	set[rel] = struct{}{}
}

func removeEdge(adj map[string]map[string]struct{}, node, rel string) {
	if set, ok := adj[node]; ok {
		delete(set, rel)
		if len(set) == 0 {
			delete(adj, node)
		}
	}
}

func (s *Store) GetEntity(ctx context.Context, id string) (memory.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return memory.Entity{}, memory.NotFound("entity", id)
	}
	return s.entityView(e), nil
}

func (s *Store) GetRelationship(ctx context.Context, id string) (memory.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rels[id]
	if !ok {
		return memory.Relationship{}, memory.NotFound("relationship", id)
	}
	return relView(r), nil
}

// DeleteEntity removes the entity and every relationship touching it.
func (s *Store) DeleteEntity(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return false, nil
	}
	s.dropEntity(id)
	return true, nil
}

func (s *Store) dropEntity(id string) {
	e := s.entities[id]
	var touching []string
	for rid := range s.out[id] {
		touching = append(touching, rid)
	}
	for rid := range s.in[id] {
		touching = append(touching, rid)
	}
	for _, rid := range touching {
		if _, ok := s.rels[rid]; ok {
			s.dropRel(rid)
		}
	}
	it := e.records.Iterator()
	for it.HasNext() {
		if rec, ok := s.recordIDs[it.Next()]; ok {
			s.recordEnts[rec] = without(s.recordEnts[rec], id)
		}
	}
	delete(s.byKey, e.key)
	delete(s.entities, id)
}

func (s *Store) dropRel(id string) {
	r := s.rels[id]
	it := r.records.Iterator()
	for it.HasNext() {
		if rec, ok := s.recordIDs[it.Next()]; ok {
			s.recordRels[rec] = without(s.recordRels[rec], id)
		}
	}
	removeEdge(s.out, r.key.from, id)
	removeEdge(s.in, r.key.to, id)
	delete(s.relByKey, r.key)
	delete(s.rels, id)
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Neighbors returns relationships touching id, strongest first.
func (s *Store) Neighbors(ctx context.Context, id string, dir memory.Direction) ([]memory.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entities[id]; !ok {
		return nil, memory.NotFound("entity", id)
	}
	var out []memory.Relationship
	for _, rid := range s.edges(id, dir) {
		out = append(out, relView(s.rels[rid]))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// edges lists relationship ids adjacent to id, sorted and de-duplicated.
func (s *Store) edges(id string, dir memory.Direction) []string {
	seen := make(map[string]struct{})
	if dir == memory.DirectionOutgoing || dir == memory.DirectionBoth {
		for rid := range s.out[id] {
			seen[rid] = struct{}{}
		}
	}
	if dir == memory.DirectionIncoming || dir == memory.DirectionBoth {
		for rid := range s.in[id] {
			seen[rid] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for rid := range seen {
		ids = append(ids, rid)
	}
	sort.Strings(ids)
	return ids
}

// ByType lists entities of entityType ordered by name. limit <= 0 lists all.
func (s *Store) ByType(ctx context.Context, entityType string, limit int) ([]memory.Entity, error) {
	entityType = normalizeType(entityType)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.Entity
	for _, e := range s.entities {
		if e.typ == entityType {
			out = append(out, s.entityView(e))
		}
	}
	sortEntities(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortEntities(es []memory.Entity) {
	sort.Slice(es, func(i, j int) bool {
		a, b := memory.NormalizeName(es[i].Name), memory.NormalizeName(es[j].Name)
		if a != b {
			return a < b
		}
		return es[i].ID < es[j].ID
	})
}

func (s *Store) Entities(ctx context.Context) ([]memory.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, s.entityView(e))
	}
	sortEntities(out)
	return out, nil
}

func (s *Store) Relationships(ctx context.Context) ([]memory.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.Relationship, 0, len(s.rels))
	for _, r := range s.rels {
		out = append(out, relView(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Stats(ctx context.Context) memory.GraphStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memory.GraphStats{
		Entities:      len(s.entities),
		Relationships: len(s.rels),
		Records:       len(s.ordinals),
	}
}

func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// entityView copies e out. Manual observations come first, then extracted
// ones by time and record id.
func (s *Store) entityView(e *entity) memory.Entity {
	obs := make([]memory.Observation, 0, len(e.manual)+len(e.observed))
	obs = append(obs, e.manual...)
	derived := make([]memory.Observation, 0, len(e.observed))
	for _, o := range e.observed {
		derived = append(derived, o)
	}
	sort.Slice(derived, func(i, j int) bool {
		if !derived[i].CreatedAt.Equal(derived[j].CreatedAt) {
			return derived[i].CreatedAt.Before(derived[j].CreatedAt)
		}
		return derived[i].RecordID < derived[j].RecordID
	})
	obs = append(obs, derived...)
	if len(obs) == 0 {
		obs = nil
	}
	return memory.Entity{
		ID:           e.id,
		Name:         e.name,
		Type:         e.typ,
		Observations: obs,
		CreatedAt:    e.created,
		UpdatedAt:    e.updated,
	}
}

func relView(r *relationship) memory.Relationship {
	return memory.Relationship{
		ID:         r.id,
		FromID:     r.key.from,
		ToID:       r.key.to,
		Type:       r.key.typ,
		Strength:   r.strength(),
		Properties: r.props.Clone(),
		CreatedAt:  r.created,
		UpdatedAt:  r.updated,
	}
}

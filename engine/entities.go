package engine

import (
	"context"

	"github.com/vosbek/memoryme/memory"
)

// GraphView is the full entity graph, for visualization.
type GraphView struct {
	Entities      []memory.Entity       `json:"entities"`
	Relationships []memory.Relationship `json:"relationships"`
}

// SearchEntities ranks entities by name match quality. An empty
// entityType matches every type.
func (e *Engine) SearchEntities(ctx context.Context, text string, limit int, entityType string) ([]memory.EntityMatch, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.graph.Search(ctx, text, limit, entityType)
}

// Entity returns the entity or a *memory.NotFoundError.
func (e *Engine) Entity(ctx context.Context, id string) (memory.Entity, error) {
	if err := e.checkOpen(); err != nil {
		return memory.Entity{}, err
	}
	return e.graph.GetEntity(ctx, id)
}

// EntitiesByType lists entities of one type by name.
func (e *Engine) EntitiesByType(ctx context.Context, entityType string, limit int) ([]memory.Entity, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.graph.ByType(ctx, entityType, limit)
}

// Relationships returns the relationships of an entity in dir.
func (e *Engine) Relationships(ctx context.Context, entityID string, dir memory.Direction) ([]memory.Relationship, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.graph.Neighbors(ctx, entityID, dir)
}

// Path returns the strongest shortest walk between two entities within
// maxDepth hops, or an empty walk when there is none.
func (e *Engine) Path(ctx context.Context, fromID, toID string, maxDepth int, dir memory.Direction) ([]memory.Relationship, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.graph.Path(ctx, fromID, toID, maxDepth, dir)
}

// Graph lists every entity and relationship.
func (e *Engine) Graph(ctx context.Context) (GraphView, error) {
	if err := e.checkOpen(); err != nil {
		return GraphView{}, err
	}
	ents, err := e.graph.Entities(ctx)
	if err != nil {
		return GraphView{}, err
	}
	rels, err := e.graph.Relationships(ctx)
	if err != nil {
		return GraphView{}, err
	}
	return GraphView{Entities: ents, Relationships: rels}, nil
}

// RecordEntities returns the entities derived from a record.
func (e *Engine) RecordEntities(ctx context.Context, recordID string) ([]memory.Entity, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := e.graph.EntitiesForRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Entity, 0, len(ids))
	for _, id := range ids {
		ent, err := e.graph.GetEntity(ctx, id)
		if memory.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}

// AddEntity creates or extends a manual entity. Manual entities survive
// the deletion of every record mentioning them.
func (e *Engine) AddEntity(ctx context.Context, name, entityType, observation string) (memory.Entity, error) {
	if err := e.checkOpen(); err != nil {
		return memory.Entity{}, err
	}
	e.maint.RLock()
	defer e.maint.RUnlock()
	id, err := e.graph.UpsertEntity(ctx, name, entityType, observation)
	if err != nil {
		return memory.Entity{}, err
	}
	return e.graph.GetEntity(ctx, id)
}

// Relate creates the manual relationship (from, to, type) or raises its
// strength by delta.
func (e *Engine) Relate(ctx context.Context, fromID, toID, relType string, delta float64) (memory.Relationship, error) {
	if err := e.checkOpen(); err != nil {
		return memory.Relationship{}, err
	}
	e.maint.RLock()
	defer e.maint.RUnlock()
	id, err := e.graph.UpsertRelationship(ctx, fromID, toID, relType, delta)
	if err != nil {
		return memory.Relationship{}, err
	}
	return e.graph.GetRelationship(ctx, id)
}

// DeleteEntity removes an entity and its relationships. Records that
// mention it recreate it when they are next extracted.
func (e *Engine) DeleteEntity(ctx context.Context, id string) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	e.maint.RLock()
	defer e.maint.RUnlock()
	return e.graph.DeleteEntity(ctx, id)
}

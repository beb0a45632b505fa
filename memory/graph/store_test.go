package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosbek/memoryme/memory"
)

func redisExtraction() memory.Extraction {
	return memory.Extraction{
		Entities: []memory.ExtractedEntity{
			{Name: "Redis", Type: memory.EntityTechnology, Observation: "Use Redis for session cache", Positions: []int{1}},
			{Name: "session cache", Type: memory.EntityConcept, Observation: "Use Redis for session cache", Positions: []int{3}},
			{Name: "Alice", Type: memory.EntityPerson, Observation: "owned by Alice", Positions: []int{7}},
		},
		Relationships: []memory.ExtractedRelationship{
			{From: 0, To: 1, Type: memory.RelUsedFor, Strength: 0.5},
			{From: 1, To: 2, Type: memory.RelBelongsTo, Strength: 0.4},
			{From: 0, To: 2, Type: memory.RelRelatedTo, Strength: 0.2},
		},
	}
}

func entityID(t *testing.T, g *Store, name, typ string) string {
	t.Helper()
	id, ok := g.byKey[memory.EntityKey(name, typ)]
	require.True(t, ok, "entity %s/%s missing", name, typ)
	return id
}

func TestUpsertEntityDedups(t *testing.T) {
	ctx := context.Background()
	g := New()

	a, err := g.UpsertEntity(ctx, "Redis", "technology", "fast")
	require.NoError(t, err)
	b, err := g.UpsertEntity(ctx, "  redis ", "Technology", "in-memory")
	require.NoError(t, err)
	c, err := g.UpsertEntity(ctx, "Ｒｅｄｉｓ", "technology", "fast")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)

	other, err := g.UpsertEntity(ctx, "Redis", "project", "")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	e, err := g.GetEntity(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "Redis", e.Name)
	require.Len(t, e.Observations, 3, "one observation per call, repeats included")
	assert.Equal(t, "fast", e.Observations[0].Text)
	assert.Equal(t, "in-memory", e.Observations[1].Text)
	assert.Equal(t, "fast", e.Observations[2].Text)

	_, err = g.UpsertEntity(ctx, "Redis", "technology", "")
	require.NoError(t, err)
	e, err = g.GetEntity(ctx, a)
	require.NoError(t, err)
	assert.Len(t, e.Observations, 3, "empty observations are not recorded")

	_, err = g.UpsertEntity(ctx, "", "technology", "")
	assert.True(t, memory.IsValidation(err))
	_, err = g.UpsertEntity(ctx, "x", " ", "")
	assert.True(t, memory.IsValidation(err))
}

func TestUpsertRelationshipBlendsStrength(t *testing.T) {
	ctx := context.Background()
	g := New()
	a, _ := g.UpsertEntity(ctx, "A", "concept", "")
	b, _ := g.UpsertEntity(ctx, "B", "concept", "")

	r1, err := g.UpsertRelationship(ctx, a, b, "depends-on", 0.4)
	require.NoError(t, err)
	r2, err := g.UpsertRelationship(ctx, a, b, "depends-on", 0.4)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)

	rel, err := g.GetRelationship(ctx, r1)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, rel.Strength, 1e-9)

	_, err = g.UpsertRelationship(ctx, a, b, "depends-on", 0.7)
	require.NoError(t, err)
	rel, _ = g.GetRelationship(ctx, r1)
	assert.Equal(t, 1.0, rel.Strength)

	reverse, err := g.UpsertRelationship(ctx, b, a, "depends-on", 0.1)
	require.NoError(t, err)
	assert.NotEqual(t, r1, reverse, "relationships are directed")

	_, err = g.UpsertRelationship(ctx, a, "ghost", "depends-on", 0.1)
	assert.True(t, memory.IsValidation(err))
	_, err = g.UpsertRelationship(ctx, a, b, "depends-on", -1)
	assert.True(t, memory.IsValidation(err))
}

func TestDeleteEntityCascades(t *testing.T) {
	ctx := context.Background()
	g := New()
	a, _ := g.UpsertEntity(ctx, "A", "concept", "")
	b, _ := g.UpsertEntity(ctx, "B", "concept", "")
	c, _ := g.UpsertEntity(ctx, "C", "concept", "")
	ab, _ := g.UpsertRelationship(ctx, a, b, "related-to", 0.5)
	cb, _ := g.UpsertRelationship(ctx, c, b, "related-to", 0.5)
	ac, _ := g.UpsertRelationship(ctx, a, c, "related-to", 0.5)

	ok, err := g.DeleteEntity(ctx, b)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, id := range []string{ab, cb} {
		_, err := g.GetRelationship(ctx, id)
		assert.True(t, memory.IsNotFound(err))
	}
	_, err = g.GetRelationship(ctx, ac)
	assert.NoError(t, err)

	rels, err := g.Relationships(ctx)
	require.NoError(t, err)
	for _, r := range rels {
		assert.NotEqual(t, b, r.FromID)
		assert.NotEqual(t, b, r.ToID)
	}

	ok, err = g.DeleteEntity(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := New()
	ex := redisExtraction()

	require.NoError(t, g.ApplyRecord(ctx, "r1", ex))
	first, _ := g.Relationships(ctx)
	require.NoError(t, g.ApplyRecord(ctx, "r1", ex))
	second, _ := g.Relationships(ctx)

	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Strength, second[i].Strength)
	}

	redis := entityID(t, g, "Redis", "technology")
	e, _ := g.GetEntity(ctx, redis)
	require.Len(t, e.Observations, 1)
	assert.Equal(t, "r1", e.Observations[0].RecordID)
	assert.Equal(t, memory.GraphStats{Entities: 3, Relationships: 3, Records: 1}, g.Stats(ctx))
}

func TestStrengthSumsAcrossRecords(t *testing.T) {
	ctx := context.Background()
	g := New()
	require.NoError(t, g.ApplyRecord(ctx, "r1", redisExtraction()))
	require.NoError(t, g.ApplyRecord(ctx, "r2", redisExtraction()))

	redis := entityID(t, g, "Redis", "technology")
	cache := entityID(t, g, "session cache", "concept")
	out, err := g.Neighbors(ctx, redis, memory.DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, cache, out[0].ToID)
	assert.InDelta(t, 1.0, out[0].Strength, 1e-9)
	assert.InDelta(t, 0.4, out[1].Strength, 1e-9)

	require.NoError(t, g.RemoveRecord(ctx, "r2"))
	out, _ = g.Neighbors(ctx, redis, memory.DirectionOutgoing)
	assert.InDelta(t, 0.5, out[0].Strength, 1e-9)

	recs, err := g.RecordsForEntities(ctx, []string{redis})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, recs)
}

func TestRemoveRecordCollectsOrphans(t *testing.T) {
	ctx := context.Background()
	g := New()
	require.NoError(t, g.ApplyRecord(ctx, "r1", redisExtraction()))

	shared := memory.Extraction{Entities: []memory.ExtractedEntity{{Name: "redis", Type: "technology"}}}
	require.NoError(t, g.ApplyRecord(ctx, "r2", shared))

	manual, err := g.UpsertEntity(ctx, "Alice", "person", "on call")
	require.NoError(t, err)

	require.NoError(t, g.RemoveRecord(ctx, "r1"))

	st := g.Stats(ctx)
	assert.Equal(t, 2, st.Entities, "redis (still supported) and alice (manual) survive")
	assert.Equal(t, 0, st.Relationships)
	assert.Equal(t, 1, st.Records)

	_, ok := g.byKey[memory.EntityKey("session cache", "concept")]
	assert.False(t, ok)

	alice, err := g.GetEntity(ctx, manual)
	require.NoError(t, err)
	require.Len(t, alice.Observations, 1)
	assert.Equal(t, "on call", alice.Observations[0].Text)

	ents, _ := g.EntitiesForRecord(ctx, "r1")
	assert.Empty(t, ents)
	recs, _ := g.Records(ctx)
	assert.Equal(t, []string{"r2"}, recs)

	require.NoError(t, g.RemoveRecord(ctx, "never-applied"))
}

func TestApplyRecordReplacesContribution(t *testing.T) {
	ctx := context.Background()
	g := New()
	require.NoError(t, g.ApplyRecord(ctx, "r1", redisExtraction()))
	redis := entityID(t, g, "Redis", "technology")

	next := memory.Extraction{
		Entities: []memory.ExtractedEntity{
			{Name: "Redis", Type: "technology", Observation: "Redis backs the rate limiter"},
			{Name: "rate limiter", Type: "concept", Observation: "Redis backs the rate limiter"},
		},
		Relationships: []memory.ExtractedRelationship{{From: 0, To: 1, Type: "used-for", Strength: 1}},
	}
	require.NoError(t, g.ApplyRecord(ctx, "r1", next))

	assert.Equal(t, redis, entityID(t, g, "Redis", "technology"), "surviving entity keeps its id")
	_, ok := g.byKey[memory.EntityKey("Alice", "person")]
	assert.False(t, ok)
	assert.Equal(t, memory.GraphStats{Entities: 2, Relationships: 1, Records: 1}, g.Stats(ctx))

	e, _ := g.GetEntity(ctx, redis)
	require.Len(t, e.Observations, 1)
	assert.Equal(t, "Redis backs the rate limiter", e.Observations[0].Text)

	require.NoError(t, g.ApplyRecord(ctx, "r1", memory.Extraction{}))
	assert.Equal(t, memory.GraphStats{}, g.Stats(ctx))
}

func TestApplyRecordValidates(t *testing.T) {
	ctx := context.Background()
	g := New()
	bad := memory.Extraction{
		Entities:      []memory.ExtractedEntity{{Name: "A", Type: "concept"}},
		Relationships: []memory.ExtractedRelationship{{From: 0, To: 3}},
	}
	assert.True(t, memory.IsValidation(g.ApplyRecord(ctx, "r1", bad)))
	assert.Equal(t, memory.GraphStats{}, g.Stats(ctx), "nothing applied")
}

func TestPath(t *testing.T) {
	ctx := context.Background()
	g := New()
	id := func(n string) string {
		x, err := g.UpsertEntity(ctx, n, "concept", "")
		require.NoError(t, err)
		return x
	}
	a, b, c, d, e := id("a"), id("b"), id("c"), id("d"), id("e")
	rel := func(from, to string, s float64) string {
		x, err := g.UpsertRelationship(ctx, from, to, "related-to", s)
		require.NoError(t, err)
		return x
	}
	ab := rel(a, b, 0.2)
	bd := rel(b, d, 0.2)
	ac := rel(a, c, 0.9)
	cd := rel(c, d, 0.9)
	rel(d, e, 0.5)

	walk, err := g.Path(ctx, a, d, 3, memory.DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, walk, 2)
	assert.Equal(t, ac, walk[0].ID, "stronger of two equal-length walks")
	assert.Equal(t, cd, walk[1].ID)
	_ = ab
	_ = bd

	walk, err = g.Path(ctx, a, e, 2, memory.DirectionOutgoing)
	require.NoError(t, err)
	assert.Empty(t, walk, "beyond max depth")

	walk, err = g.Path(ctx, e, a, 5, memory.DirectionOutgoing)
	require.NoError(t, err)
	assert.Empty(t, walk, "against edge direction")

	walk, err = g.Path(ctx, e, a, 5, memory.DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, walk, 3)

	walk, err = g.Path(ctx, a, a, 5, memory.DirectionBoth)
	require.NoError(t, err)
	assert.Empty(t, walk)

	walk, err = g.Path(ctx, a, d, 0, memory.DirectionBoth)
	require.NoError(t, err)
	assert.Empty(t, walk)

	_, err = g.Path(ctx, a, "ghost", 3, memory.DirectionBoth)
	assert.True(t, memory.IsNotFound(err))
}

func TestPathTerminatesOnCycles(t *testing.T) {
	ctx := context.Background()
	g := New()
	x, _ := g.UpsertEntity(ctx, "x", "concept", "")
	y, _ := g.UpsertEntity(ctx, "y", "concept", "")
	z, _ := g.UpsertEntity(ctx, "z", "concept", "")
	lonely, _ := g.UpsertEntity(ctx, "lonely", "concept", "")
	g.UpsertRelationship(ctx, x, y, "related-to", 1)
	g.UpsertRelationship(ctx, y, z, "related-to", 1)
	g.UpsertRelationship(ctx, z, x, "related-to", 1)

	walk, err := g.Path(ctx, x, lonely, 1000, memory.DirectionBoth)
	require.NoError(t, err)
	assert.Empty(t, walk)
}

func TestSearchRanking(t *testing.T) {
	ctx := context.Background()
	g := New()
	for _, n := range []string{"Redis", "Redis Cluster", "session cache", "PostgreSQL", "hiredis"} {
		_, err := g.UpsertEntity(ctx, n, "technology", "")
		require.NoError(t, err)
	}
	_, err := g.UpsertEntity(ctx, "Redis", "project", "")
	require.NoError(t, err)

	matches, err := g.Search(ctx, "redis", 10, "technology")
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "Redis", matches[0].Entity.Name)
	assert.Equal(t, 1.0, matches[0].Score)
	assert.Equal(t, "Redis Cluster", matches[1].Entity.Name)
	assert.Equal(t, 0.8, matches[1].Score)
	assert.Equal(t, "hiredis", matches[2].Entity.Name)
	assert.Equal(t, 0.4, matches[2].Score)

	matches, err = g.Search(ctx, "how do we warm the session cache", 10, "")
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "session cache", matches[0].Entity.Name)
	assert.Equal(t, 0.7, matches[0].Score)

	matches, err = g.Search(ctx, "cluster", 10, "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 0.6, matches[0].Score)

	all, err := g.Search(ctx, "redis", 10, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := g.Search(ctx, "   ", 10, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestByTypeAndReset(t *testing.T) {
	ctx := context.Background()
	g := New()
	g.UpsertEntity(ctx, "zeta", "concept", "")
	g.UpsertEntity(ctx, "Alpha", "concept", "")
	g.UpsertEntity(ctx, "Bob", "person", "")

	got, err := g.ByType(ctx, "concept", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Alpha", got[0].Name)

	got, _ = g.ByType(ctx, "concept", 1)
	assert.Len(t, got, 1)

	require.NoError(t, g.Reset(ctx))
	assert.Equal(t, memory.GraphStats{}, g.Stats(ctx))
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/embedder/mock"
	"github.com/vosbek/memoryme/memory/queue"
)

func setupEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	cfg := DefaultConfig
	cfg.DataDir = t.TempDir()
	cfg.Index.Kind = IndexLinear
	cfg.Embedder = EmbedderConfig{Kind: EmbedderMock, Dimensions: 32}
	cfg.Queue = queue.Config{Workers: 2, Buffer: 256, MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	cfg.Log.Level = "error"

	e, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(ctx))
}

func TestRepairRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)

	rec, err := e.Create(ctx, memory.Record{Content: "Carol tuned the Postgres connection pool"})
	require.NoError(t, err)
	waitIdle(t, e)

	ghost := make([]float32, 32)
	ghost[0] = 1
	require.NoError(t, e.index.Upsert(ctx, "ghost", ghost, time.Now()))
	require.NoError(t, e.graph.ApplyRecord(ctx, "ghost-record", memory.Extraction{
		Entities: []memory.ExtractedEntity{{Name: "Phantom", Type: memory.EntityProject, Observation: "seen once"}},
	}))

	rep, err := e.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrphanVectors)
	assert.Equal(t, 1, rep.OrphanGraphRecords)
	assert.Zero(t, rep.QueuedEmbeddings)

	assert.Equal(t, []string{rec.ID}, e.index.IDs())
	matches, err := e.SearchEntities(ctx, "Phantom", 5, "")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRepairRestoresAndRequeues(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)

	rec, err := e.Create(ctx, memory.Record{Content: "Nightly backup job for the analytics database"})
	require.NoError(t, err)
	waitIdle(t, e)

	require.NoError(t, e.index.Remove(ctx, rec.ID))
	rep, err := e.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RestoredVectors)
	assert.Equal(t, 1, e.index.Len())

	require.NoError(t, e.index.Remove(ctx, rec.ID))
	require.NoError(t, e.embeddings.DeleteEmbedding(ctx, rec.ID))
	rep, err = e.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.QueuedEmbeddings)
	waitIdle(t, e)
	assert.Equal(t, 1, e.index.Len())
}

func TestVectorHitWithoutRecordTriggersRepair(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)

	rec, err := e.Create(ctx, memory.Record{Content: "rotate the signing keys"})
	require.NoError(t, err)
	waitIdle(t, e)

	vec, err := e.embedder.Embed(ctx, rec.Content)
	require.NoError(t, err)
	require.NoError(t, e.index.Upsert(ctx, "ghost", vec, time.Now().Add(time.Hour)))

	res, err := e.Query(ctx, rec.Content, QueryOptions{Mode: ModeVector})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	for _, r := range res {
		assert.NotEqual(t, "ghost", r.Record.ID)
	}
	assert.Equal(t, rec.ID, res[0].Record.ID)

	require.Eventually(t, func() bool {
		h, err := e.Health(ctx)
		return err == nil && h.Queryable && h.Vectors == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEmbedRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	counter := &mock.Counter{Inner: mock.New(32)}
	e := setupEngine(t, WithEmbedder(counter))

	rec, err := e.Create(ctx, memory.Record{Content: "cache warmup script"})
	require.NoError(t, err)
	waitIdle(t, e)

	require.NoError(t, e.embedRecord(ctx, rec.ID))
	require.NoError(t, e.embedRecord(ctx, "missing"))
	assert.Len(t, counter.Texts(), 1)

	_, err = e.Delete(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, e.embedRecord(ctx, rec.ID))
	assert.Zero(t, e.index.Len())
}

func TestExtractionFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	x := &flakyExtractor{failures: 1}
	e := setupEngine(t, WithExtractor(x))

	rec, err := e.Create(ctx, memory.Record{Content: "anything"})
	require.NoError(t, err, "extraction failures never fail the write")
	waitIdle(t, e)

	ents, err := e.RecordEntities(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "Widget", ents[0].Name)
}

type flakyExtractor struct {
	mu       sync.Mutex
	failures int
}

func (f *flakyExtractor) Extract(text string, tags []string) (memory.Extraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		panic("rule table corrupted")
	}
	return memory.Extraction{Entities: []memory.ExtractedEntity{
		{Name: "Widget", Type: memory.EntityProject, Observation: text},
	}}, nil
}

func TestTitleEditRefreshesVectorRecency(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)

	rec, err := e.Create(ctx, memory.Record{Title: "old", Content: "pgbouncer pool sizing"})
	require.NoError(t, err)
	waitIdle(t, e)

	title := "new"
	updated, err := e.Update(ctx, rec.ID, memory.RecordPatch{Title: &title})
	require.NoError(t, err)
	require.True(t, updated.UpdatedAt.After(rec.UpdatedAt))

	vec, err := e.embedder.Embed(ctx, rec.Content)
	require.NoError(t, err)
	hits, err := e.index.Query(ctx, vec, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.True(t, hits[0].UpdatedAt.Equal(updated.UpdatedAt))
}

func TestExhaustedExtractionIsRecoveredByRepair(t *testing.T) {
	ctx := context.Background()
	x := &switchExtractor{}
	x.broken.Store(true)
	e := setupEngine(t, WithExtractor(x))

	rec, err := e.Create(ctx, memory.Record{Content: "anything"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return e.queue.Stats().Failed >= 1
	}, 5*time.Second, 5*time.Millisecond, "the queued retries give up")
	waitIdle(t, e)

	ents, err := e.RecordEntities(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, ents)
	h, err := e.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Unextracted)

	x.broken.Store(false)
	rep, err := e.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.QueuedExtractions)
	waitIdle(t, e)

	ents, err = e.RecordEntities(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "Widget", ents[0].Name)
	h, err = e.Health(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.Unextracted)

	// Nothing is left to re-extract.
	rep, err = e.Repair(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.QueuedExtractions)
}

// switchExtractor fails while broken is set.
type switchExtractor struct {
	broken atomic.Bool
}

func (x *switchExtractor) Extract(text string, tags []string) (memory.Extraction, error) {
	if x.broken.Load() {
		return memory.Extraction{}, errors.New("rule table unavailable")
	}
	return memory.Extraction{Entities: []memory.ExtractedEntity{
		{Name: "Widget", Type: memory.EntityProject, Observation: text},
	}}, nil
}

func TestChooseMode(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)
	_, err := e.Create(ctx, memory.Record{Content: "The billing service depends on Stripe"})
	require.NoError(t, err)
	waitIdle(t, e)

	assert.Equal(t, ModeHybrid, e.chooseMode(ctx, "stripe billing", QueryOptions{}))
	assert.Equal(t, ModeVector, e.chooseMode(ctx, "how do we retry failed card payments overnight", QueryOptions{}))

	e.embedder = nil
	assert.Equal(t, ModeHybrid, e.chooseMode(ctx, "how do we retry failed card payments overnight", QueryOptions{}))
}

func TestMergeRewardsCorroboration(t *testing.T) {
	now := time.Now()
	a := memory.Record{ID: "a", UpdatedAt: now}
	b := memory.Record{ID: "b", UpdatedAt: now.Add(time.Second)}

	text := newChannelHits()
	text.add(a, 2.5)
	vec := newChannelHits()
	vec.add(a, 0.8)
	vec.add(b, 0.8)

	out := merge(mergeInput{text: text, vector: vec, weights: DefaultConfig.Planner.Weights, bonus: 0.1})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Record.ID)
	assert.InDelta(t, 0.5+0.3+0.1, out[0].Score, 1e-9)
	assert.InDelta(t, 0.5, out[1].Score, 1e-9)

	// Equal scores fall back to recency.
	out = merge(mergeInput{vector: vec, weights: DefaultConfig.Planner.Weights})
	assert.Equal(t, []string{"b", "a"}, []string{out[0].Record.ID, out[1].Record.ID})
}

func TestConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t)

	seed, err := e.Create(ctx, memory.Record{Content: "shared record"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Create(ctx, memory.Record{Content: fmt.Sprintf("note %d about Redis", i)})
			assert.NoError(t, err)
			content := fmt.Sprintf("shared record revision %d", i)
			_, err = e.Update(ctx, seed.ID, memory.RecordPatch{Content: &content})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	waitIdle(t, e)

	h, err := e.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, h.Records)
	assert.Equal(t, 9, h.Vectors)
	assert.Zero(t, e.locks.size())

	final, err := e.Get(ctx, seed.ID)
	require.NoError(t, err)
	_, hash, err := e.embeddings.GetEmbedding(ctx, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.ContentHash(final.Content), hash, "the stored vector matches the latest content")
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key must wait")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()
	assert.Zero(t, k.size())
}

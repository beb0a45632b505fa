package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/queue"
)

const (
	embedKeyPrefix   = "embed:"
	extractKeyPrefix = "extract:"
)

// Create persists rec, applies its extracted entities to the graph and
// schedules its embedding. Only Record Store failures are returned.
func (e *Engine) Create(ctx context.Context, rec memory.Record) (memory.Record, error) {
	if err := e.checkOpen(); err != nil {
		return memory.Record{}, err
	}
	e.maint.RLock()
	created, err := e.records.Create(ctx, rec)
	if err != nil {
		e.maint.RUnlock()
		return memory.Record{}, err
	}
	unlock := e.locks.Lock(created.ID)
	e.applyExtraction(ctx, created)
	embed := e.prepareEmbedding(ctx, created)
	unlock()
	e.maint.RUnlock()

	if embed {
		e.submitEmbed(ctx, created.ID)
	}
	return created, nil
}

// Get returns the record or a *memory.NotFoundError.
func (e *Engine) Get(ctx context.Context, id string) (memory.Record, error) {
	if err := e.checkOpen(); err != nil {
		return memory.Record{}, err
	}
	return e.records.Get(ctx, id)
}

// Update applies patch. The graph is re-derived when content or tags
// changed and the embedding is refreshed when content changed.
func (e *Engine) Update(ctx context.Context, id string, patch memory.RecordPatch) (memory.Record, error) {
	if err := e.checkOpen(); err != nil {
		return memory.Record{}, err
	}
	e.maint.RLock()
	unlock := e.locks.Lock(id)

	before, err := e.records.Get(ctx, id)
	if err != nil {
		unlock()
		e.maint.RUnlock()
		return memory.Record{}, err
	}
	after, err := e.records.Update(ctx, id, patch)
	if err != nil {
		unlock()
		e.maint.RUnlock()
		return memory.Record{}, err
	}

	if memory.ExtractionInputChanged(before, after) {
		e.applyExtraction(ctx, after)
	}
	if err := e.index.Touch(ctx, id, after.UpdatedAt); err != nil {
		logger().Warn("refresh vector recency", "record", id, "err", err)
	}
	embed := false
	if before.Content != after.Content {
		embed = e.prepareEmbedding(ctx, after)
	}
	unlock()
	e.maint.RUnlock()

	if embed {
		e.submitEmbed(ctx, id)
	}
	return after, nil
}

// Delete removes the record, its vector and its graph contribution. It
// reports false when the id did not exist.
func (e *Engine) Delete(ctx context.Context, id string) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	e.maint.RLock()
	defer e.maint.RUnlock()
	unlock := e.locks.Lock(id)
	defer unlock()

	ok, err := e.records.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	// Derived state is cleaned even for unknown ids so leftovers of a
	// crashed write disappear.
	if err := e.index.Remove(ctx, id); err != nil {
		logger().Warn("remove vector", "record", id, "err", err)
		e.scheduleRepair()
	}
	if err := e.graph.RemoveRecord(ctx, id); err != nil {
		logger().Warn("remove graph contribution", "record", id, "err", err)
		e.scheduleRepair()
	}
	e.noteExtraction(id, nil)
	return ok, nil
}

// ListRecent returns the most recently updated records.
func (e *Engine) ListRecent(ctx context.Context, limit int) ([]memory.Record, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.records.ListRecent(ctx, limit)
}

// FindByTags returns records carrying every tag, newest first.
func (e *Engine) FindByTags(ctx context.Context, tags []string, limit, offset int) ([]memory.Record, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.records.FindByTags(ctx, tags, limit, offset)
}

// FindByType returns records of type t, newest first.
func (e *Engine) FindByType(ctx context.Context, t memory.RecordType, limit, offset int) ([]memory.Record, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.records.FindByType(ctx, t, limit, offset)
}

// applyExtraction replaces the graph contribution of rec. A failure leaves
// the previous contribution in place and queues a retry. Callers hold the
// key lock of rec.ID.
func (e *Engine) applyExtraction(ctx context.Context, rec memory.Record) {
	if err := e.extractAndApply(ctx, rec); err != nil {
		logger().Warn("extraction failed, retrying in background", "record", rec.ID, "err", err)
		e.queueExtract(rec.ID)
	}
}

func (e *Engine) queueExtract(id string) {
	task := queue.Task{
		Key: extractKeyPrefix + id,
		Run: func(ctx context.Context) error { return e.reextract(ctx, id) },
	}
	if err := e.queue.TrySubmit(task); err != nil {
		logger().Warn("queue extraction retry", "record", id, "err", err)
	}
}

func (e *Engine) extractAndApply(ctx context.Context, rec memory.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: extractor panicked: %v", memory.ErrExtractionFailure, r)
		}
		e.noteExtraction(rec.ID, err)
	}()
	ex, err := e.extractor.Extract(rec.Content, rec.Tags)
	if err != nil {
		if !errors.Is(err, memory.ErrExtractionFailure) {
			err = fmt.Errorf("%w: %v", memory.ErrExtractionFailure, err)
		}
		return err
	}
	if err := e.graph.ApplyRecord(ctx, rec.ID, ex); err != nil {
		return fmt.Errorf("apply extraction: %w", err)
	}
	return nil
}

// reextract is the queued retry of a failed extraction.
func (e *Engine) reextract(ctx context.Context, id string) error {
	e.maint.RLock()
	defer e.maint.RUnlock()
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.records.Get(ctx, id)
	if memory.IsNotFound(err) {
		e.noteExtraction(id, nil)
		return e.graph.RemoveRecord(ctx, id)
	}
	if err != nil {
		return err
	}
	return e.extractAndApply(ctx, rec)
}

// noteExtraction records the outcome of an extraction of id.
func (e *Engine) noteExtraction(id string, err error) {
	e.extractMu.Lock()
	defer e.extractMu.Unlock()
	if err != nil {
		e.unextracted[id] = struct{}{}
	} else {
		delete(e.unextracted, id)
	}
}

func (e *Engine) unextractedIDs() []string {
	e.extractMu.Lock()
	defer e.extractMu.Unlock()
	ids := make([]string, 0, len(e.unextracted))
	for id := range e.unextracted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// prepareEmbedding reports whether rec needs an embed task. A record whose
// content became empty loses its vector here. Callers hold the key lock.
func (e *Engine) prepareEmbedding(ctx context.Context, rec memory.Record) bool {
	if strings.TrimSpace(rec.Content) == "" {
		e.dropVector(ctx, rec.ID)
		return false
	}
	return e.embedder != nil
}

func (e *Engine) dropVector(ctx context.Context, id string) {
	if err := e.index.Remove(ctx, id); err != nil {
		logger().Warn("remove vector", "record", id, "err", err)
	}
	if err := e.embeddings.DeleteEmbedding(ctx, id); err != nil {
		logger().Warn("delete embedding", "record", id, "err", err)
	}
}

// submitEmbed queues the embed task of id, waiting for buffer space until
// ctx is done. A task that cannot be queued is picked up by the next repair.
func (e *Engine) submitEmbed(ctx context.Context, id string) {
	task := queue.Task{
		Key: embedKeyPrefix + id,
		Run: func(ctx context.Context) error { return e.embedRecord(ctx, id) },
	}
	if err := e.queue.Submit(ctx, task); err != nil {
		logger().Warn("queue embedding", "record", id, "err", err)
	}
}

// embedRecord computes and stores the embedding of id. It is idempotent:
// a vector already computed from the current content is kept, a result
// computed from content that changed meanwhile is discarded, and a deleted
// record is skipped.
func (e *Engine) embedRecord(ctx context.Context, id string) error {
	if e.embedder == nil {
		return nil
	}
	rec, err := e.records.Get(ctx, id)
	if memory.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if strings.TrimSpace(rec.Content) == "" {
		return nil
	}
	hash := memory.ContentHash(rec.Content)
	if _, stored, err := e.embeddings.GetEmbedding(ctx, id); err == nil && stored == hash {
		return nil
	}

	vec, err := e.embedder.Embed(ctx, rec.Content)
	if err != nil {
		var dm *memory.DimensionMismatchError
		if errors.As(err, &dm) {
			return backoff.Permanent(err)
		}
		logger().Debug("embedding failed", "record", id, "err", err)
		return err
	}

	e.maint.RLock()
	defer e.maint.RUnlock()
	unlock := e.locks.Lock(id)
	defer unlock()

	cur, err := e.records.Get(ctx, id)
	if memory.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if memory.ContentHash(cur.Content) != hash {
		// The update that changed it queued a fresh task.
		return nil
	}
	if err := e.index.Upsert(ctx, id, vec, cur.UpdatedAt); err != nil {
		if memory.IsValidation(err) {
			logger().Error("embedding rejected by index", "record", id, "err", err)
			return backoff.Permanent(err)
		}
		return err
	}
	if err := e.embeddings.PutEmbedding(ctx, id, vec, hash); err != nil {
		return fmt.Errorf("persist embedding: %w", err)
	}
	return nil
}

// scheduleRepair starts a background consistency pass unless one is
// already running.
func (e *Engine) scheduleRepair() {
	e.corrupt.Add(1)
	if !e.repairing.CompareAndSwap(false, true) {
		return
	}
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed.Load() {
		e.repairing.Store(false)
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer e.repairing.Store(false)
		if _, err := e.Repair(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger().Warn("background repair", "err", err)
		}
	}()
}

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/queue"
)

// Health is a diagnostic snapshot.
type Health struct {
	Records       int         `json:"records"`
	Vectors       int         `json:"vectors"`
	Dimensions    int         `json:"dimensions"`
	Entities      int         `json:"entities"`
	Relationships int         `json:"relationships"`
	GraphRecords  int         `json:"graph_records"`
	IndexKind     string      `json:"index_kind"`
	Embedder      bool        `json:"embedder"`
	Queryable     bool        `json:"queryable"`
	Pending       int         `json:"pending"`
	Unextracted   int         `json:"unextracted"` // extraction failed, graph contribution missing
	Queue         queue.Stats `json:"queue"`
}

// Health reports store sizes and whether the index can answer queries.
// The index stops being queryable when an inconsistency was detected and
// the repair it triggered has not finished yet.
func (e *Engine) Health(ctx context.Context) (Health, error) {
	if err := e.checkOpen(); err != nil {
		return Health{Queryable: false, IndexKind: e.indexKind}, err
	}
	n, err := e.records.Count(ctx)
	if err != nil {
		return Health{}, err
	}
	gs := e.graph.Stats(ctx)
	qs := e.queue.Stats()
	return Health{
		Records:       n,
		Vectors:       e.index.Len(),
		Dimensions:    e.index.Dimensions(),
		Entities:      gs.Entities,
		Relationships: gs.Relationships,
		GraphRecords:  gs.Records,
		IndexKind:     e.indexKind,
		Embedder:      e.embedder != nil,
		Queryable:     e.corrupt.Load() == 0,
		Pending:       qs.Queued + qs.Running + qs.Delayed,
		Unextracted:   len(e.unextractedIDs()),
		Queue:         qs,
	}, nil
}

// RepairReport counts what a repair pass fixed.
type RepairReport struct {
	// OrphanVectors were indexed for records that no longer exist.
	OrphanVectors int `json:"orphan_vectors"`
	// EmptyVectors belonged to records whose content is now empty.
	EmptyVectors int `json:"empty_vectors"`
	// RestoredVectors were persisted but missing from the index.
	RestoredVectors int `json:"restored_vectors"`
	// OrphanGraphRecords contributed to the graph without a record.
	OrphanGraphRecords int `json:"orphan_graph_records"`
	// QueuedEmbeddings lacked a current embedding and were re-queued.
	QueuedEmbeddings int `json:"queued_embeddings"`
	// QueuedExtractions failed extraction earlier and were re-queued.
	QueuedExtractions int           `json:"queued_extractions"`
	Duration          time.Duration `json:"duration"`
}

type recordState struct {
	hash      string // empty when the record has no content
	updatedAt time.Time
}

// Repair reconciles the index and the graph with the record store.
func (e *Engine) Repair(ctx context.Context) (RepairReport, error) {
	if err := e.checkOpen(); err != nil {
		return RepairReport{}, err
	}
	start := time.Now()
	e.maint.Lock()
	rep, pending, err := e.repairLocked(ctx)
	e.maint.Unlock()
	if err != nil {
		return rep, err
	}

	for _, id := range pending {
		e.submitEmbed(ctx, id)
	}
	rep.QueuedEmbeddings = len(pending)
	for _, id := range e.unextractedIDs() {
		e.queueExtract(id)
		rep.QueuedExtractions++
	}
	if rep != (RepairReport{}) {
		rep.Duration = time.Since(start)
		logger().Info("repair",
			"orphan_vectors", rep.OrphanVectors,
			"empty_vectors", rep.EmptyVectors,
			"restored_vectors", rep.RestoredVectors,
			"orphan_graph_records", rep.OrphanGraphRecords,
			"queued_embeddings", rep.QueuedEmbeddings,
			"queued_extractions", rep.QueuedExtractions,
			"took", rep.Duration,
		)
	}
	return rep, nil
}

func (e *Engine) repairLocked(ctx context.Context) (RepairReport, []string, error) {
	var rep RepairReport
	live, err := e.recordStates(ctx)
	if err != nil {
		return rep, nil, err
	}

	indexed := make(map[string]bool)
	for _, id := range e.index.IDs() {
		st, ok := live[id]
		switch {
		case !ok:
			rep.OrphanVectors++
		case st.hash == "":
			rep.EmptyVectors++
		default:
			indexed[id] = true
			continue
		}
		if err := e.index.Remove(ctx, id); err != nil {
			return rep, nil, fmt.Errorf("remove orphan vector %s: %w", id, err)
		}
		if err := e.embeddings.DeleteEmbedding(ctx, id); err != nil {
			return rep, nil, err
		}
	}

	current := make(map[string]bool)
	err = e.embeddings.ForEachEmbedding(ctx, func(id string, vec []float32, hash string, updatedAt time.Time) error {
		st, ok := live[id]
		if !ok || st.hash != hash {
			return nil
		}
		current[id] = true
		if indexed[id] {
			return nil
		}
		if err := e.index.Upsert(ctx, id, vec, st.updatedAt); err != nil {
			logger().Warn("restore vector", "record", id, "err", err)
			current[id] = false
			return nil
		}
		rep.RestoredVectors++
		return nil
	})
	if err != nil {
		return rep, nil, fmt.Errorf("scan embeddings: %w", err)
	}

	contributing, err := e.graph.Records(ctx)
	if err != nil {
		return rep, nil, err
	}
	for _, id := range contributing {
		if _, ok := live[id]; ok {
			continue
		}
		if err := e.graph.RemoveRecord(ctx, id); err != nil {
			return rep, nil, err
		}
		rep.OrphanGraphRecords++
	}
	e.corrupt.Store(0)

	var pending []string
	if e.embedder != nil {
		for id, st := range live {
			if st.hash != "" && !current[id] {
				pending = append(pending, id)
			}
		}
	}
	return rep, pending, nil
}

func stateOf(r memory.Record) recordState {
	st := recordState{updatedAt: r.UpdatedAt}
	if strings.TrimSpace(r.Content) != "" {
		st.hash = memory.ContentHash(r.Content)
	}
	return st
}

func (e *Engine) recordStates(ctx context.Context) (map[string]recordState, error) {
	live := make(map[string]recordState)
	err := e.records.ForEach(ctx, func(r memory.Record) error {
		live[r.ID] = stateOf(r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return live, nil
}

// Rebuild re-derives the graph from every record and loads persisted
// embeddings that match current content into the index.
func (e *Engine) Rebuild(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.maint.Lock()
	failed, err := e.rebuildLocked(ctx)
	e.maint.Unlock()
	for _, id := range failed {
		e.queueExtract(id)
	}
	return err
}

func (e *Engine) rebuildLocked(ctx context.Context) ([]string, error) {
	if err := e.graph.Reset(ctx); err != nil {
		return nil, err
	}
	live := make(map[string]recordState)
	var failed []string
	err := e.records.ForEach(ctx, func(r memory.Record) error {
		live[r.ID] = stateOf(r)
		if err := e.extractAndApply(ctx, r); err != nil {
			logger().Warn("extraction failed during rebuild", "record", r.ID, "err", err)
			failed = append(failed, r.ID)
		}
		return nil
	})
	if err != nil {
		return failed, fmt.Errorf("scan records: %w", err)
	}

	var loaded, stale int
	err = e.embeddings.ForEachEmbedding(ctx, func(id string, vec []float32, hash string, updatedAt time.Time) error {
		st, ok := live[id]
		if !ok || st.hash == "" || st.hash != hash {
			stale++
			return nil
		}
		if err := e.index.Upsert(ctx, id, vec, st.updatedAt); err != nil {
			logger().Warn("load vector", "record", id, "err", err)
			stale++
			return nil
		}
		loaded++
		return nil
	})
	if err != nil {
		return failed, fmt.Errorf("scan embeddings: %w", err)
	}
	logger().Debug("rebuild done", "records", len(live), "vectors", loaded, "stale", stale)
	return failed, nil
}

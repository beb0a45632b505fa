package graph

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/vosbek/memoryme/memory"
)

// ApplyRecord replaces everything recordID contributed with ex. Entities and
// relationships that survive keep their ids; those recordID alone supported
// and ex no longer mentions are collected.
func (s *Store) ApplyRecord(ctx context.Context, recordID string, ex memory.Extraction) error {
	if recordID == "" {
		return memory.Invalid("record", "empty record id")
	}
	if err := validateExtraction(ex); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ex.Entities) == 0 {
		s.withdraw(recordID)
		return nil
	}

	ord := s.ordinal(recordID)
	now := s.now()
	oldEnts, oldRels := s.recordEnts[recordID], s.recordRels[recordID]

	ids := make([]string, len(ex.Entities))
	kept := make(map[string]struct{}, len(ex.Entities))
	for i, ee := range ex.Entities {
		typ := normalizeType(ee.Type)
		if typ == "" {
			typ = memory.EntityConcept
		}
		e := s.getOrCreateEntity(strings.Join(strings.Fields(ee.Name), " "), typ)
		ids[i] = e.id
		if _, dup := kept[e.id]; dup {
			continue
		}
		kept[e.id] = struct{}{}
		e.records.Add(ord)

		text := strings.TrimSpace(ee.Observation)
		prev, had := e.observed[ord]
		switch {
		case text == "":
			if had {
				delete(e.observed, ord)
				e.updated = now
			}
		case !had || prev.Text != text:
			e.observed[ord] = memory.Observation{Text: text, RecordID: recordID, CreatedAt: now}
			e.updated = now
		}
	}

	contrib := make(map[string]float64, len(ex.Relationships))
	for _, er := range ex.Relationships {
		from, to := ids[er.From], ids[er.To]
		if from == to {
			continue
		}
		typ := normalizeType(er.Type)
		if typ == "" {
			typ = memory.RelRelatedTo
		}
		r := s.getOrCreateRel(relKey{from, to, typ})
		c := math.Max(0, math.Min(1, er.Strength))
		if old, ok := contrib[r.id]; !ok || c > old {
			contrib[r.id] = c
		}
	}
	for rid, c := range contrib {
		r := s.rels[rid]
		if prev, ok := r.contrib[ord]; !ok || prev != c {
			r.contrib[ord] = c
			r.updated = now
		}
		r.records.Add(ord)
	}

	for _, rid := range oldRels {
		if _, ok := contrib[rid]; !ok {
			s.releaseRel(rid, ord)
		}
	}
	for _, eid := range oldEnts {
		if _, ok := kept[eid]; !ok {
			s.releaseEntity(eid, ord)
		}
	}

	s.recordEnts[recordID] = sortedKeys(kept)
	s.recordRels[recordID] = sortedKeys(contrib)
	logger().Debug("applied record", "record", recordID, "entities", len(kept), "relationships", len(contrib))
	return nil
}

func validateExtraction(ex memory.Extraction) error {
	for i, ee := range ex.Entities {
		if strings.TrimSpace(ee.Name) == "" {
			return memory.Invalid("entities", "entity %d has an empty name", i)
		}
	}
	n := len(ex.Entities)
	for i, er := range ex.Relationships {
		if er.From < 0 || er.From >= n || er.To < 0 || er.To >= n {
			return memory.Invalid("relationships", "relationship %d references a missing entity", i)
		}
		if math.IsNaN(er.Strength) {
			return memory.Invalid("relationships", "relationship %d has NaN strength", i)
		}
	}
	return nil
}

// RemoveRecord withdraws recordID's contribution. Unknown ids are a no-op.
func (s *Store) RemoveRecord(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdraw(recordID)
	return nil
}

func (s *Store) withdraw(recordID string) {
	ord, ok := s.ordinals[recordID]
	if !ok {
		return
	}
	for _, rid := range s.recordRels[recordID] {
		s.releaseRel(rid, ord)
	}
	for _, eid := range s.recordEnts[recordID] {
		s.releaseEntity(eid, ord)
	}
	delete(s.recordRels, recordID)
	delete(s.recordEnts, recordID)
	delete(s.recordIDs, ord)
	delete(s.ordinals, recordID)
	logger().Debug("withdrew record", "record", recordID)
}

func (s *Store) ordinal(recordID string) uint32 {
	if ord, ok := s.ordinals[recordID]; ok {
		return ord
	}
	ord := s.nextOrd
	s.nextOrd++
	s.ordinals[recordID] = ord
	s.recordIDs[ord] = recordID
	return ord
}

func (s *Store) releaseRel(id string, ord uint32) {
	r, ok := s.rels[id]
	if !ok {
		return
	}
	delete(r.contrib, ord)
	r.records.Remove(ord)
	r.updated = s.now()
	if r.records.IsEmpty() && !r.pinned {
		s.dropRel(id)
	}
}

func (s *Store) releaseEntity(id string, ord uint32) {
	e, ok := s.entities[id]
	if !ok {
		return
	}
	delete(e.observed, ord)
	e.records.Remove(ord)
	e.updated = s.now()
	if e.records.IsEmpty() && !e.pinned {
		s.dropEntity(id)
	}
}

// RecordsForEntities returns the ids of records supporting any of entityIDs.
func (s *Store) RecordsForEntities(ctx context.Context, entityIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	union := roaring.New()
	for _, id := range entityIDs {
		if e, ok := s.entities[id]; ok {
			union.Or(e.records)
		}
	}
	out := make([]string, 0, union.GetCardinality())
	it := union.Iterator()
	for it.HasNext() {
		if rec, ok := s.recordIDs[it.Next()]; ok {
			out = append(out, rec)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) EntitiesForRecord(ctx context.Context, recordID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.recordEnts[recordID]...), nil
}

func (s *Store) Records(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ordinals))
	for id := range s.ordinals {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

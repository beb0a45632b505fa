package graph

import (
	"context"

	"github.com/vosbek/memoryme/memory"
)

type step struct {
	rel, prev string
	score     float64
}

// Path runs a level-synchronous breadth-first search from fromID. Each node
// keeps the strongest way of reaching it at its shortest depth, so the walk
// returned is shortest first and strongest second.
func (s *Store) Path(ctx context.Context, fromID, toID string, maxDepth int, dir memory.Direction) ([]memory.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range []string{fromID, toID} {
		if _, ok := s.entities[id]; !ok {
			return nil, memory.NotFound("entity", id)
		}
	}
	if fromID == toID || maxDepth <= 0 {
		return []memory.Relationship{}, nil
	}

	best := map[string]step{fromID: {}}
	frontier := []string{fromID}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := make(map[string]step)
		for _, node := range frontier {
			base := best[node].score
			for _, rid := range s.edges(node, dir) {
				r := s.rels[rid]
				other := r.key.to
				if other == node {
					other = r.key.from
				}
				if _, seen := best[other]; seen {
					continue
				}
				cand := step{rel: rid, prev: node, score: base + r.strength()}
				cur, ok := next[other]
				if !ok || cand.score > cur.score || (cand.score == cur.score && rid < cur.rel) {
					next[other] = cand
				}
			}
		}
		for n, st := range next {
			best[n] = st
		}
		if _, ok := next[toID]; ok {
			return s.walk(best, fromID, toID), nil
		}
		frontier = sortedKeys(next)
	}
	return []memory.Relationship{}, nil
}

func (s *Store) walk(best map[string]step, fromID, toID string) []memory.Relationship {
	var rev []memory.Relationship
	for node := toID; node != fromID; node = best[node].prev {
		rev = append(rev, relView(s.rels[best[node].rel]))
	}
	out := make([]memory.Relationship, len(rev))
	for i, r := range rev {
		out[len(rev)-1-i] = r
	}
	return out
}

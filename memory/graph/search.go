package graph

import (
	"context"
	"sort"
	"strings"

	"github.com/vosbek/memoryme/memory"
)

const defaultSearchLimit = 10

// Match qualities, best first.
const (
	scoreExact     = 1.0
	scorePrefix    = 0.8
	scoreMentioned = 0.7
	scoreWord      = 0.6
	scoreSubstring = 0.4
)

// Search ranks entities by how well their normalized name matches text.
func (s *Store) Search(ctx context.Context, text string, limit int, entityType string) ([]memory.EntityMatch, error) {
	q := memory.NormalizeName(text)
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	entityType = normalizeType(entityType)
	qWords := wordForm(q)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.EntityMatch
	for _, e := range s.entities {
		if entityType != "" && e.typ != entityType {
			continue
		}
		score := matchScore(q, qWords, memory.NormalizeName(e.name))
		if score == 0 {
			continue
		}
		out = append(out, memory.EntityMatch{Entity: s.entityView(e), Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		a, b := memory.NormalizeName(out[i].Entity.Name), memory.NormalizeName(out[j].Entity.Name)
		if a != b {
			return a < b
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchScore(q, qWords, name string) float64 {
	nWords := wordForm(name)
	switch {
	case name == q:
		return scoreExact
	case strings.HasPrefix(name, q):
		return scorePrefix
	case nWords != "  " && strings.Contains(qWords, nWords):
		return scoreMentioned
	case qWords != "  " && strings.Contains(nWords, qWords):
		return scoreWord
	case strings.Contains(name, q):
		return scoreSubstring
	}
	return 0
}

// wordForm pads the tokens of s with spaces so whole-word containment is a
// substring test.
func wordForm(s string) string {
	return " " + strings.Join(memory.Tokenize(s), " ") + " "
}

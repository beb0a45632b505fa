package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vosbek/memoryme/memory"
)

// Column weights for bm25: title, content, tags.
const bm25Weights = "3.0, 1.0, 2.0"

const (
	substringWeight = 0.5
	phraseBonus     = 1.0
)

// LexicalSearch combines FTS5 prefix matching with a substring scan so
// fragments inside longer words ("cach" in "caching") still match.
func (s *Store) LexicalSearch(ctx context.Context, query string, limit int) ([]memory.LexicalHit, error) {
	terms := uniqueTerms(memory.Tokenize(query))
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	pool := max(limit*4, 64)

	fts, err := s.ftsScores(ctx, terms, pool)
	if err != nil {
		// FTS is an accelerator; the substring scan below still answers.
		logger().Warn("fts query failed", "query", query, "err", err)
		fts = nil
	}

	cands, err := s.candidates(ctx, terms, pool, fts)
	if err != nil {
		return nil, err
	}

	phrase := " " + strings.Join(terms, " ") + " "
	hits := make([]memory.LexicalHit, 0, len(cands))
	for _, c := range cands {
		hay := strings.ToLower(c.title + " " + c.content + " " + strings.Join(c.tags, " "))
		score := fts[c.id]
		for _, t := range terms {
			if strings.Contains(hay, t) {
				score += substringWeight
			}
		}
		if len(terms) > 1 && strings.Contains(" "+strings.Join(memory.Tokenize(hay), " ")+" ", phrase) {
			score += phraseBonus
		}
		if score <= 0 {
			continue
		}
		hits = append(hits, memory.LexicalHit{ID: c.id, Score: score, UpdatedAt: c.updatedAt})
	}

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) ftsScores(ctx context.Context, terms []string, pool int) (map[string]float64, error) {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = `"` + t + `"*`
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, -bm25(records_fts, `+bm25Weights+`)
		 FROM records_fts JOIN records r ON r.rowid = records_fts.rowid
		 WHERE records_fts MATCH ?
		 ORDER BY bm25(records_fts, `+bm25Weights+`)
		 LIMIT ?`,
		strings.Join(parts, " OR "), pool)
	if err != nil {
		return nil, fmt.Errorf("fts match: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var (
			id    string
			score float64
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		scores[id] = max(score, 0)
	}
	return scores, rows.Err()
}

type candidate struct {
	id, title, content string
	tags               []string
	updatedAt          time.Time
}

// candidates loads every record FTS matched, then up to pool of the most
// recent records that contain a term only as a substring. FTS matches are
// never cut by the pool, so a strong bm25 hit survives any number of newer
// infix matches.
func (s *Store) candidates(ctx context.Context, terms []string, pool int, fts map[string]float64) ([]candidate, error) {
	ids := make([]any, 0, len(fts))
	for id := range fts {
		ids = append(ids, id)
	}

	var out []candidate
	if len(ids) > 0 {
		matched, err := s.loadCandidates(ctx,
			`SELECT id, title, content, tags, updated_at FROM records
			 WHERE id IN (`+placeholders(len(ids))+`)`, ids...)
		if err != nil {
			return nil, err
		}
		out = matched
	}

	conds := make([]string, len(terms))
	args := make([]any, 0, len(terms)+len(ids)+1)
	for i, t := range terms {
		conds[i] = `instr(lower(title || ' ' || content || ' ' || tags), ?) > 0`
		args = append(args, t)
	}
	query := `SELECT id, title, content, tags, updated_at FROM records
		 WHERE (` + strings.Join(conds, " OR ") + `)`
	if len(ids) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(ids)) + `)`
		args = append(args, ids...)
	}
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ?`
	args = append(args, pool)

	rest, err := s.loadCandidates(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return append(out, rest...), nil
}

func (s *Store) loadCandidates(ctx context.Context, query string, args ...any) ([]candidate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("substring scan: %w", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var (
			c       candidate
			tags    string
			updated int64
		)
		if err := rows.Scan(&c.id, &c.title, &c.content, &tags, &updated); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &c.tags); err != nil {
			// Still scored on title and content.
			logger().Warn("unreadable tags", "err", &memory.CorruptionError{Store: "records", ID: c.id, Reason: "tags: " + err.Error()})
			c.tags = nil
		}
		c.updatedAt = fromNanos(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

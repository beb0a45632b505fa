package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/vector"
)

// Mode selects the channels a query runs.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeVector Mode = "vector"
	ModeText   Mode = "text"
	ModeGraph  Mode = "graph"
	ModeHybrid Mode = "hybrid"
)

// ParseMode parses a mode name; "" is ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeVector, ModeText, ModeGraph, ModeHybrid:
		return m, nil
	default:
		return "", memory.Invalid("mode", "unknown query mode %q", s)
	}
}

// Channel names a retrieval channel.
type Channel string

const (
	ChannelText   Channel = "text"
	ChannelVector Channel = "vector"
	ChannelGraph  Channel = "graph"
)

// QueryOptions controls a Query.
type QueryOptions struct {
	Mode Mode

	// Limit defaults to the planner's DefaultLimit.
	Limit  int
	Offset int

	// Threshold is the minimum score to include; zero disables filtering.
	// In vector mode it applies to the raw cosine similarity, otherwise to
	// the final score.
	Threshold float64

	// Vector is a caller-supplied query embedding. When nil the engine
	// embeds the query text.
	Vector []float32

	// Weights overrides the configured channel weights.
	Weights *Weights
}

// ChannelScores are the per-channel scores of a result. In hybrid results
// they are normalized to [0,1]; in vector mode Vector is the raw cosine.
type ChannelScores struct {
	Text   float64 `json:"text,omitempty"`
	Vector float64 `json:"vector,omitempty"`
	Graph  float64 `json:"graph,omitempty"`
}

// Result is one ranked record.
type Result struct {
	Record   memory.Record `json:"record"`
	Score    float64       `json:"score"`
	Scores   ChannelScores `json:"scores"`
	Channels []Channel     `json:"channels"`
}

// channelHits maps record id to a raw channel score.
type channelHits struct {
	scores  map[string]float64
	records map[string]memory.Record
}

func newChannelHits() *channelHits {
	return &channelHits{scores: make(map[string]float64), records: make(map[string]memory.Record)}
}

func (h *channelHits) add(rec memory.Record, score float64) {
	if old, ok := h.scores[rec.ID]; ok && old >= score {
		return
	}
	h.scores[rec.ID] = score
	h.records[rec.ID] = rec
}

// normalized returns scores divided by the channel maximum, negatives
// clamped to zero.
func (h *channelHits) normalized() map[string]float64 {
	var max float64
	for _, s := range h.scores {
		if s > max {
			max = s
		}
	}
	out := make(map[string]float64, len(h.scores))
	for id, s := range h.scores {
		if s <= 0 || max <= 0 {
			out[id] = 0
			continue
		}
		out[id] = s / max
	}
	return out
}

// Query ranks records for text. See Mode for the channels each mode runs.
func (e *Engine) Query(ctx context.Context, text string, opts QueryOptions) ([]Result, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" && len(opts.Vector) == 0 {
		return nil, memory.Invalid("text", "empty query")
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, memory.Invalid("limit", "limit and offset must not be negative")
	}
	if opts.Limit == 0 {
		opts.Limit = e.cfg.Planner.DefaultLimit
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}
	auto := mode == ModeAuto
	if auto {
		mode = e.chooseMode(ctx, text, opts)
	}
	pool := (opts.Offset + opts.Limit) * e.cfg.Planner.CandidateMultiplier
	if pool < e.cfg.Planner.MinCandidates {
		pool = e.cfg.Planner.MinCandidates
	}

	var results []Result
	switch mode {
	case ModeText:
		hits, err := e.textChannel(ctx, text, pool)
		if err != nil {
			return nil, err
		}
		results = single(hits, ChannelText, opts.Threshold, false)
	case ModeVector:
		hits, err := e.vectorChannel(ctx, text, opts.Vector, pool)
		if err != nil && auto && text != "" && ctx.Err() == nil {
			// Auto queries degrade to the other channels rather than fail.
			logger().Warn("vector channel failed, falling back to hybrid", "err", err)
			results, err = e.hybrid(ctx, text, opts, pool, false)
			if err != nil {
				return nil, err
			}
			break
		}
		if err != nil {
			return nil, err
		}
		results = single(hits, ChannelVector, opts.Threshold, true)
	case ModeGraph:
		hits, err := e.graphChannel(ctx, text)
		if err != nil {
			return nil, err
		}
		results = single(hits, ChannelGraph, opts.Threshold, true)
	case ModeHybrid:
		var err error
		results, err = e.hybrid(ctx, text, opts, pool, true)
		if err != nil {
			return nil, err
		}
	default:
		return nil, memory.Invalid("mode", "unknown query mode %q", mode)
	}
	return paginate(results, opts.Offset, opts.Limit), nil
}

// chooseMode runs hybrid for short queries and queries naming a known
// entity, and vector otherwise.
func (e *Engine) chooseMode(ctx context.Context, text string, opts QueryOptions) Mode {
	if e.embedder == nil && len(opts.Vector) == 0 {
		return ModeHybrid
	}
	if len(memory.Tokenize(text)) <= e.cfg.Planner.AutoShortQueryTokens {
		return ModeHybrid
	}
	matches, err := e.graph.Search(ctx, text, 1, "")
	if err == nil && len(matches) > 0 && matches[0].Score >= 0.7 {
		return ModeHybrid
	}
	return ModeVector
}

// hybrid runs the channels in parallel and merges them. withVector false
// skips the vector channel.
func (e *Engine) hybrid(ctx context.Context, text string, opts QueryOptions, pool int, withVector bool) ([]Result, error) {
	var textHits, vecHits, graphHits *channelHits
	g, gctx := errgroup.WithContext(ctx)
	degrade := func(ch Channel, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger().Warn("query channel failed", "channel", ch, "err", err)
		return nil
	}
	if text != "" {
		g.Go(func() error {
			hits, err := e.textChannel(gctx, text, pool)
			if err != nil {
				return degrade(ChannelText, err)
			}
			textHits = hits
			return nil
		})
		g.Go(func() error {
			hits, err := e.graphChannel(gctx, text)
			if err != nil {
				return degrade(ChannelGraph, err)
			}
			graphHits = hits
			return nil
		})
	}
	if withVector && (e.embedder != nil || len(opts.Vector) > 0) {
		g.Go(func() error {
			hits, err := e.vectorChannel(gctx, text, opts.Vector, pool)
			if err != nil {
				return degrade(ChannelVector, err)
			}
			vecHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	w := e.cfg.Planner.Weights
	if opts.Weights != nil {
		w = *opts.Weights
	}
	return merge(mergeInput{
		text:      textHits,
		vector:    vecHits,
		graph:     graphHits,
		weights:   w,
		bonus:     e.cfg.Planner.CorroborationBonus,
		threshold: opts.Threshold,
	}), nil
}

type mergeInput struct {
	text, vector, graph *channelHits
	weights             Weights
	bonus               float64
	threshold           float64
}

// merge combines max-normalized channel scores into a weighted sum and adds
// the corroboration bonus for every extra channel that found a record.
func merge(in mergeInput) []Result {
	type acc struct {
		rec    memory.Record
		scores ChannelScores
		chans  []Channel
	}
	byID := make(map[string]*acc)
	visit := func(h *channelHits, ch Channel, set func(*ChannelScores, float64)) {
		if h == nil {
			return
		}
		for id, s := range h.normalized() {
			if s <= 0 {
				continue
			}
			a := byID[id]
			if a == nil {
				a = &acc{rec: h.records[id]}
				byID[id] = a
			}
			set(&a.scores, s)
			a.chans = append(a.chans, ch)
		}
	}
	visit(in.text, ChannelText, func(c *ChannelScores, s float64) { c.Text = s })
	visit(in.vector, ChannelVector, func(c *ChannelScores, s float64) { c.Vector = s })
	visit(in.graph, ChannelGraph, func(c *ChannelScores, s float64) { c.Graph = s })

	out := make([]Result, 0, len(byID))
	for _, a := range byID {
		score := in.weights.Vector*a.scores.Vector +
			in.weights.Text*a.scores.Text +
			in.weights.Graph*a.scores.Graph +
			in.bonus*float64(len(a.chans)-1)
		if in.threshold > 0 && score < in.threshold {
			continue
		}
		out = append(out, Result{Record: a.rec, Score: score, Scores: a.scores, Channels: a.chans})
	}
	sortResults(out)
	return out
}

// single ranks the hits of one channel. raw keeps the channel's own scores
// instead of max-normalizing them.
func single(h *channelHits, ch Channel, threshold float64, raw bool) []Result {
	scores := h.scores
	if !raw {
		scores = h.normalized()
	}
	out := make([]Result, 0, len(scores))
	for id, s := range scores {
		if threshold > 0 && s < threshold {
			continue
		}
		r := Result{Record: h.records[id], Score: s, Channels: []Channel{ch}}
		switch ch {
		case ChannelText:
			r.Scores.Text = s
		case ChannelVector:
			r.Scores.Vector = s
		case ChannelGraph:
			r.Scores.Graph = s
		}
		out = append(out, r)
	}
	sortResults(out)
	return out
}

func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.UpdatedAt.Equal(b.Record.UpdatedAt) {
			return a.Record.UpdatedAt.After(b.Record.UpdatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
}

func paginate(rs []Result, offset, limit int) []Result {
	if offset >= len(rs) {
		return []Result{}
	}
	end := offset + limit
	if end > len(rs) {
		end = len(rs)
	}
	return rs[offset:end]
}

func (e *Engine) textChannel(ctx context.Context, text string, pool int) (*channelHits, error) {
	hits, err := e.records.LexicalSearch(ctx, text, pool)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	out := newChannelHits()
	for _, h := range hits {
		rec, err := e.records.Get(ctx, h.ID)
		if memory.IsNotFound(err) {
			continue // deleted since the search
		}
		if err != nil {
			return nil, err
		}
		out.add(rec, h.Score)
	}
	return out, nil
}

// vectorChannel queries the index with vec, or with the embedding of text
// when vec is nil. Hits without a record are skipped and trigger a repair.
func (e *Engine) vectorChannel(ctx context.Context, text string, vec []float32, pool int) (*channelHits, error) {
	if len(vec) == 0 {
		if e.embedder == nil {
			return nil, fmt.Errorf("%w: no embedder configured", memory.ErrEmbeddingUnavailable)
		}
		var err error
		vec, err = e.embedder.Embed(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, memory.ErrEmbeddingUnavailable) {
				err = fmt.Errorf("%w: %v", memory.ErrEmbeddingUnavailable, err)
			}
			return nil, err
		}
	}
	hits, err := e.index.Query(ctx, vec, pool)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	out := newChannelHits()
	for _, h := range hits {
		rec, err := e.records.Get(ctx, h.ID)
		if memory.IsNotFound(err) {
			logger().Warn("vector without record",
				"err", &memory.CorruptionError{Store: "vector", ID: h.ID, Reason: "record missing"})
			e.scheduleRepair()
			continue
		}
		if err != nil {
			return nil, err
		}
		out.add(rec, vector.Clamp(h.Similarity))
	}
	return out, nil
}

// graphChannel scores records by the entities they support: a direct name
// match scores its match quality and a one-hop neighbour scores quality
// times relationship strength times the hop decay.
func (e *Engine) graphChannel(ctx context.Context, text string) (*channelHits, error) {
	matches, err := e.graph.Search(ctx, text, e.cfg.Planner.GraphSeeds, "")
	if err != nil {
		return nil, fmt.Errorf("entity search: %w", err)
	}
	entityScores := make(map[string]float64)
	raise := func(id string, s float64) {
		if s > entityScores[id] {
			entityScores[id] = s
		}
	}
	for _, m := range matches {
		raise(m.Entity.ID, m.Score)
		rels, err := e.graph.Neighbors(ctx, m.Entity.ID, memory.DirectionBoth)
		if err != nil {
			if memory.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, r := range rels {
			other := r.ToID
			if other == m.Entity.ID {
				other = r.FromID
			}
			raise(other, m.Score*r.Strength*e.cfg.Planner.GraphHopDecay)
		}
	}

	recordScores := make(map[string]float64)
	for _, id := range sortedIDs(entityScores) {
		recs, err := e.graph.RecordsForEntities(ctx, []string{id})
		if err != nil {
			return nil, err
		}
		for _, rid := range recs {
			if s := entityScores[id]; s > recordScores[rid] {
				recordScores[rid] = s
			}
		}
	}

	out := newChannelHits()
	for _, rid := range sortedIDs(recordScores) {
		rec, err := e.records.Get(ctx, rid)
		if memory.IsNotFound(err) {
			logger().Warn("graph provenance without record",
				"err", &memory.CorruptionError{Store: "graph", ID: rid, Reason: "record missing"})
			e.scheduleRepair()
			continue
		}
		if err != nil {
			return nil, err
		}
		out.add(rec, recordScores[rid])
	}
	return out, nil
}

func sortedIDs(m map[string]float64) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package hnsw implements the VectorIndex contract over a Hierarchical
// Navigable Small World graph.
//
// Removed vectors are tombstoned in a roaring bitmap and filtered from every
// result; the graph keeps them for navigation until Compact rebuilds it.
// Zero vectors are kept outside the graph because they have no direction.
package hnsw

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"
	"github.com/charmbracelet/log"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/vector"
)

func logger() *log.Logger { return memory.Logger("hnsw") }

const maxLevelCap = 16

// Options configures the graph.
type Options struct {
	// M is the number of links established per node and layer. Layer 0 allows 2*M.
	M int

	// EfConstruction is the candidate list size used while inserting.
	EfConstruction int

	// EfSearch is the candidate list size used while querying; raised to k when smaller.
	EfSearch int

	// Heuristic selects diverse neighbours instead of the plain closest M.
	Heuristic bool

	// CompactRatio triggers a rebuild when tombstones exceed this share of nodes.
	// Zero disables automatic compaction.
	CompactRatio float64

	// Seed makes level assignment reproducible.
	Seed int64
}

// DefaultOptions are reasonable for 10^4 to 10^5 vectors of a few hundred dimensions.
var DefaultOptions = Options{
	M:              16,
	EfConstruction: 200,
	EfSearch:       64,
	Heuristic:      true,
	CompactRatio:   0.25,
	Seed:           42,
}

type node struct {
	id        string
	vec       []float32 // unit length
	level     int
	links     [][]uint32
	updatedAt time.Time
}

// Stats describes the graph's internal state.
type Stats struct {
	Nodes      int
	Live       int
	Tombstones int
	Zero       int
	MaxLevel   int
}

// Index is an HNSW vector index.
type Index struct {
	mu       sync.RWMutex
	dim      int
	opts     Options
	ml       float64
	rng      *rand.Rand
	nodes    []*node
	byID     map[string]uint32
	deleted  *roaring.Bitmap
	zeros    map[string]time.Time
	ep       uint32
	hasEP    bool
	maxLevel int
	closed   bool
}

var _ memory.VectorIndex = (*Index)(nil)

// New creates an index. dim 0 adopts the dimension of the first upsert.
func New(dim int, optFns ...func(o *Options)) *Index {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.M < 2 {
		// M == 1 would make the level multiplier 1/log(1).
		opts.M = 2
	}
	if opts.EfConstruction < opts.M {
		opts.EfConstruction = opts.M
	}
	if opts.EfSearch < 1 {
		opts.EfSearch = 1
	}
	x := &Index{dim: dim, opts: opts}
	x.reset()
	return x
}

func (x *Index) reset() {
	x.ml = 1 / math.Log(float64(x.opts.M))
	x.rng = rand.New(rand.NewSource(x.opts.Seed)) // nolint gosec
	x.nodes = nil
	x.byID = make(map[string]uint32)
	x.deleted = roaring.New()
	x.zeros = make(map[string]time.Time)
	x.ep, x.hasEP, x.maxLevel = 0, false, 0
}

func distance(a, b []float32) float64 {
	return 1 - vector.Dot(a, b)
}

func (x *Index) maxConnections(level int) int {
	if level == 0 {
		return 2 * x.opts.M
	}
	return x.opts.M
}

func (x *Index) Upsert(ctx context.Context, id string, vec []float32, updatedAt time.Time) error {
	if id == "" {
		return memory.Invalid("id", "empty id")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return memory.ErrClosed
	}
	if err := vector.CheckDimension(x.dim, vec); err != nil {
		return err
	}
	if x.dim == 0 {
		x.dim = len(vec)
	}

	replaced := x.removeLocked(id)
	if unit, ok := vector.Normalize(vec); ok {
		x.insertLocked(id, unit, updatedAt)
	} else {
		x.zeros[id] = updatedAt
	}
	if replaced {
		x.maybeCompactLocked()
	}
	return nil
}

func (x *Index) insertLocked(id string, unit []float32, updatedAt time.Time) {
	level := int(math.Floor(-math.Log(1-x.rng.Float64()) * x.ml))
	if level > maxLevelCap {
		level = maxLevelCap
	}
	ord := uint32(len(x.nodes))
	n := &node{id: id, vec: unit, level: level, links: make([][]uint32, level+1), updatedAt: updatedAt}
	x.nodes = append(x.nodes, n)
	x.byID[id] = ord

	if !x.hasEP {
		x.ep, x.hasEP, x.maxLevel = ord, true, level
		return
	}

	cur := candidate{node: x.ep, dist: distance(unit, x.nodes[x.ep].vec)}
	for l := x.maxLevel; l > level; l-- {
		cur = x.greedy(unit, cur, l)
	}

	for l := min(level, x.maxLevel); l >= 0; l-- {
		found := x.searchLayer(unit, cur, x.opts.EfConstruction, l)
		neighbours := x.selectNeighbours(unit, found, x.opts.M)
		n.links[l] = make([]uint32, 0, len(neighbours))
		for _, c := range neighbours {
			n.links[l] = append(n.links[l], c.node)
		}
		for _, c := range neighbours {
			x.link(c.node, ord, l)
		}
		cur = found[0]
	}

	if level > x.maxLevel {
		x.ep, x.maxLevel = ord, level
	}
}

// greedy walks layer l towards q until no neighbour is closer.
func (x *Index) greedy(q []float32, cur candidate, l int) candidate {
	for changed := true; changed; {
		changed = false
		for _, nb := range x.nodes[cur.node].links[l] {
			if d := distance(q, x.nodes[nb].vec); d < cur.dist {
				cur = candidate{node: nb, dist: d}
				changed = true
			}
		}
	}
	return cur
}

// searchLayer returns up to ef nodes closest to q on layer l, nearest first.
func (x *Index) searchLayer(q []float32, ep candidate, ef int, l int) []candidate {
	visited := bitset.New(uint(len(x.nodes)))
	visited.Set(uint(ep.node))

	candidates := &priorityQueue{}
	results := &priorityQueue{max: true}
	heap.Push(candidates, ep)
	heap.Push(results, ep)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		if results.Len() >= ef && c.dist > results.top().dist {
			break
		}
		links := x.nodes[c.node].links
		if l >= len(links) {
			continue
		}
		for _, nb := range links[l] {
			if visited.Test(uint(nb)) {
				continue
			}
			visited.Set(uint(nb))

			d := distance(q, x.nodes[nb].vec)
			if results.Len() < ef || d < results.top().dist {
				item := candidate{node: nb, dist: d}
				heap.Push(candidates, item)
				heap.Push(results, item)
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// selectNeighbours picks up to m of the sorted candidates. The heuristic keeps
// a candidate only if it is closer to the base than to every kept one, then
// tops up with the pruned ones.
func (x *Index) selectNeighbours(base []float32, sorted []candidate, m int) []candidate {
	if len(sorted) <= m || !x.opts.Heuristic {
		if len(sorted) > m {
			sorted = sorted[:m]
		}
		return sorted
	}
	kept := make([]candidate, 0, m)
	var pruned []candidate
	for _, c := range sorted {
		if len(kept) >= m {
			break
		}
		good := true
		for _, k := range kept {
			if distance(x.nodes[c.node].vec, x.nodes[k.node].vec) < c.dist {
				good = false
				break
			}
		}
		if good {
			kept = append(kept, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, c := range pruned {
		if len(kept) >= m {
			break
		}
		kept = append(kept, c)
	}
	return kept
}

// link adds a directed edge first->second on level and prunes first's links
// back to the layer maximum.
func (x *Index) link(first, second uint32, level int) {
	n := x.nodes[first]
	n.links[level] = append(n.links[level], second)

	maxConn := x.maxConnections(level)
	if len(n.links[level]) <= maxConn {
		return
	}

	cands := make([]candidate, 0, len(n.links[level]))
	for _, id := range n.links[level] {
		cands = append(cands, candidate{node: id, dist: distance(n.vec, x.nodes[id].vec)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	selected := x.selectNeighbours(n.vec, cands, maxConn)
	n.links[level] = n.links[level][:0]
	for _, c := range selected {
		n.links[level] = append(n.links[level], c.node)
	}
}

func (x *Index) Remove(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return memory.ErrClosed
	}
	if x.removeLocked(id) {
		x.maybeCompactLocked()
	}
	return nil
}

func (x *Index) Touch(ctx context.Context, id string, updatedAt time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return memory.ErrClosed
	}
	if _, ok := x.zeros[id]; ok {
		x.zeros[id] = updatedAt
	} else if ord, ok := x.byID[id]; ok {
		x.nodes[ord].updatedAt = updatedAt
	}
	return nil
}

func (x *Index) removeLocked(id string) bool {
	if _, ok := x.zeros[id]; ok {
		delete(x.zeros, id)
		return false
	}
	ord, ok := x.byID[id]
	if !ok {
		return false
	}
	x.deleted.Add(ord)
	delete(x.byID, id)
	return true
}

func (x *Index) maybeCompactLocked() {
	if x.opts.CompactRatio <= 0 || len(x.nodes) < 64 {
		return
	}
	if float64(x.deleted.GetCardinality()) > x.opts.CompactRatio*float64(len(x.nodes)) {
		x.compactLocked()
	}
}

// Compact rebuilds the graph from live nodes, dropping tombstones.
func (x *Index) Compact() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.compactLocked()
}

func (x *Index) compactLocked() {
	before := len(x.nodes)
	live := make([]*node, 0, len(x.byID))
	for ord, n := range x.nodes {
		if !x.deleted.Contains(uint32(ord)) {
			live = append(live, n)
		}
	}
	zeros := x.zeros
	x.reset()
	x.zeros = zeros
	for _, n := range live {
		x.insertLocked(n.id, n.vec, n.updatedAt)
	}
	logger().Debug("compacted graph", "before", before, "after", len(x.nodes))
}

func (x *Index) Query(ctx context.Context, vec []float32, k int) ([]memory.VectorHit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, memory.ErrClosed
	}
	graphLive := len(x.byID)
	if k <= 0 || graphLive+len(x.zeros) == 0 {
		return nil, nil
	}
	if err := vector.CheckDimension(x.dim, vec); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q, ok := vector.Normalize(vec)
	if !ok {
		// A zero query scores 0 against everything; only recency orders it.
		top := vector.NewTopK(k)
		for id, ord := range x.byID {
			top.Push(id, 0, x.nodes[ord].updatedAt)
		}
		x.pushZeros(top)
		return top.Results(), nil
	}

	top := vector.NewTopK(k)
	if graphLive > 0 {
		cur := candidate{node: x.ep, dist: distance(q, x.nodes[x.ep].vec)}
		for l := x.maxLevel; l > 0; l-- {
			cur = x.greedy(q, cur, l)
		}
		ef := max(x.opts.EfSearch, k)
		for _, c := range x.searchLayer(q, cur, ef, 0) {
			if x.deleted.Contains(c.node) {
				continue
			}
			n := x.nodes[c.node]
			top.Push(n.id, vector.Clamp(1-c.dist), n.updatedAt)
		}
		if want := min(k, graphLive); top.Len() < want {
			// Tombstones or a disconnected region starved the search.
			top = vector.NewTopK(k)
			for id, ord := range x.byID {
				n := x.nodes[ord]
				top.Push(id, vector.Clamp(vector.Dot(q, n.vec)), n.updatedAt)
			}
		}
	}
	x.pushZeros(top)
	return top.Results(), nil
}

func (x *Index) pushZeros(top *vector.TopK) {
	for id, t := range x.zeros {
		top.Push(id, 0, t)
	}
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID) + len(x.zeros)
}

func (x *Index) Dimensions() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

func (x *Index) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.byID)+len(x.zeros))
	for id := range x.byID {
		ids = append(ids, id)
	}
	for id := range x.zeros {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats reports graph internals.
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Nodes:      len(x.nodes),
		Live:       len(x.byID),
		Tombstones: int(x.deleted.GetCardinality()),
		Zero:       len(x.zeros),
		MaxLevel:   x.maxLevel,
	}
}

func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	x.nodes = nil
	x.byID = nil
	return nil
}

// Package engine wires the record store, vector index, entity graph,
// extractor and embedder into one hybrid retrieval engine.
//
// Writes persist synchronously and update the graph before returning.
// Embeddings are computed by a background work queue, so a record is
// readable and lexically searchable immediately and joins vector results
// once its embedding lands.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/extract"
	"github.com/vosbek/memoryme/memory/graph"
	"github.com/vosbek/memoryme/memory/queue"
	"github.com/vosbek/memoryme/memory/store/sqlite"
	"github.com/vosbek/memoryme/memory/vector/chromem"
	"github.com/vosbek/memoryme/memory/vector/hnsw"
	"github.com/vosbek/memoryme/memory/vector/linear"
)

func logger() *log.Logger { return memory.Logger("engine") }

// Engine is the hybrid retrieval engine. It owns its stores; Close releases them.
type Engine struct {
	cfg Config

	store      *sqlite.Store
	records    memory.RecordStore
	embeddings memory.EmbeddingStore
	index      memory.VectorIndex
	indexKind  string
	graph      memory.GraphStore
	extractor  memory.Extractor
	embedder   memory.Embedder // nil when no embedder is configured
	queue      *queue.Queue

	// maint is held shared by writes and exclusively by Rebuild and Repair.
	// It is always taken before a key lock.
	maint sync.RWMutex
	locks *keyedMutex

	// ctx is cancelled by Close and bounds background repairs.
	ctx    context.Context
	cancel context.CancelFunc
	bgMu   sync.Mutex
	bg     sync.WaitGroup

	// unextracted holds records whose last extraction failed. Repair
	// queues them again.
	extractMu   sync.Mutex
	unextracted map[string]struct{}

	closers   []func()
	corrupt   atomic.Int64
	repairing atomic.Bool
	closed    atomic.Bool
	closeErr  error
	once      sync.Once

	// Options applied before wiring.
	customEmbedder  memory.Embedder
	embedderSet     bool
	customExtractor memory.Extractor
	customIndex     memory.VectorIndex
	customIndexKind string
	customGraph     memory.GraphStore
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmbedder sets the host embedder, replacing the one described by
// Config.Embedder. A nil embedder disables the vector channel.
func WithEmbedder(e memory.Embedder) Option {
	return func(en *Engine) {
		en.customEmbedder = e
		en.embedderSet = true
	}
}

// WithExtractor replaces the rule-based extractor.
func WithExtractor(x memory.Extractor) Option {
	return func(e *Engine) { e.customExtractor = x }
}

// WithIndex supplies the vector index. kind is reported by Health.
func WithIndex(idx memory.VectorIndex, kind string) Option {
	return func(e *Engine) {
		e.customIndex = idx
		e.customIndexKind = kind
	}
}

// WithGraph supplies the graph store.
func WithGraph(g memory.GraphStore) Option {
	return func(e *Engine) { e.customGraph = g }
}

// WithLogger sets the base logger every package logs through.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			memory.SetLogger(l)
		}
	}
}

// Open creates the engine described by cfg, loads persisted state into the
// in-memory index and graph, and runs a consistency repair.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, locks: newKeyedMutex(), unextracted: make(map[string]struct{})}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(e)
	}
	if cfg.Log.Level != "" {
		if lvl, err := log.ParseLevel(cfg.Log.Level); err == nil {
			memory.SetLevel(lvl)
		}
	}

	if err := e.wire(); err != nil {
		e.release()
		return nil, err
	}

	if err := e.Rebuild(ctx); err != nil {
		e.release()
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	if _, err := e.Repair(ctx); err != nil {
		e.release()
		return nil, fmt.Errorf("repair: %w", err)
	}
	logger().Info("engine open",
		"db", e.store.Path(),
		"index", e.indexKind,
		"vectors", e.index.Len(),
		"entities", e.graph.Stats(ctx).Entities,
	)
	return e, nil
}

func (e *Engine) wire() error {
	path := e.cfg.DatabasePath()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	e.store = st
	e.records = st
	e.embeddings = st
	e.closers = append(e.closers, func() {
		if err := st.Close(); err != nil {
			e.closeErr = errors.Join(e.closeErr, err)
		}
	})

	if e.embedderSet {
		e.embedder = e.customEmbedder
	} else {
		emb, closeFn, err := newEmbedder(e.cfg.Embedder)
		if err != nil {
			return err
		}
		e.embedder = emb
		e.closers = append(e.closers, closeFn)
	}
	if e.embedder != nil {
		e.embedder = guard(e.embedder, e.cfg.Embedder)
	}

	dim := e.cfg.Index.Dimension
	if dim == 0 && e.embedder != nil {
		dim = e.embedder.Dimensions()
	}
	if e.customIndex != nil {
		e.index, e.indexKind = e.customIndex, e.customIndexKind
	} else {
		idx, err := newIndex(e.cfg.Index, dim)
		if err != nil {
			return err
		}
		e.index, e.indexKind = idx, e.cfg.Index.Kind
	}
	e.closers = append(e.closers, func() {
		if err := e.index.Close(); err != nil {
			e.closeErr = errors.Join(e.closeErr, err)
		}
	})

	e.graph = e.customGraph
	if e.graph == nil {
		e.graph = graph.New()
	}
	e.extractor = e.customExtractor
	if e.extractor == nil {
		e.extractor = extract.New(
			extract.WithMaxTextBytes(e.cfg.Extract.MaxTextBytes),
			extract.WithMaxEntities(e.cfg.Extract.MaxEntities),
		)
	}

	e.queue = queue.New(e.cfg.Queue)
	return nil
}

func newIndex(cfg IndexConfig, dim int) (memory.VectorIndex, error) {
	switch cfg.Kind {
	case IndexLinear:
		return linear.New(dim), nil
	case IndexHNSW, "":
		return hnsw.New(dim, func(o *hnsw.Options) {
			if cfg.M > 0 {
				o.M = cfg.M
			}
			if cfg.EfConstruction > 0 {
				o.EfConstruction = cfg.EfConstruction
			}
			if cfg.EfSearch > 0 {
				o.EfSearch = cfg.EfSearch
			}
		}), nil
	case IndexChromem:
		return chromem.New("records", dim)
	default:
		return nil, memory.Invalid("index.kind", "unknown kind %q", cfg.Kind)
	}
}

// release runs closers in reverse order.
func (e *Engine) release() {
	e.cancel()
	if e.queue != nil {
		e.queue.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return memory.ErrClosed
	}
	return nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Drain waits until the background queue has nothing queued or running.
func (e *Engine) Drain(ctx context.Context) error {
	return e.queue.Drain(ctx)
}

// Close drains background work until ctx is done, then stops the queue and
// closes the index and the record store.
func (e *Engine) Close(ctx context.Context) error {
	var drainErr error
	e.once.Do(func() {
		if err := e.queue.Drain(ctx); err != nil {
			drainErr = fmt.Errorf("drain queue: %w", err)
			logger().Warn("closing with pending work", "stats", e.queue.Stats())
		}
		e.bgMu.Lock()
		e.closed.Store(true)
		e.bgMu.Unlock()
		e.cancel()
		e.bg.Wait()

		// Workers may be waiting on maint; stop them before taking it.
		e.queue.Close()
		e.maint.Lock()
		e.release()
		e.maint.Unlock()
	})
	return errors.Join(drainErr, e.closeErr)
}

package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"github.com/vosbek/memoryme/memory/extract"
	"github.com/vosbek/memoryme/memory/queue"
	"github.com/vosbek/memoryme/memory/vector/hnsw"
)

// Index kinds.
const (
	IndexLinear  = "linear"
	IndexHNSW    = "hnsw"
	IndexChromem = "chromem"
)

// Embedder kinds.
const (
	EmbedderMock   = "mock"
	EmbedderOllama = "ollama"
	EmbedderNone   = "none"
)

// Config holds engine configuration.
type Config struct {
	// DataDir holds the database when DBPath is empty.
	DataDir string `mapstructure:"data_dir"`

	// DBPath is the SQLite database file. ":memory:" is not supported; use a temp dir.
	DBPath string `mapstructure:"db_path"`

	Index    IndexConfig    `mapstructure:"index"`
	Planner  PlannerConfig  `mapstructure:"planner"`
	Queue    queue.Config   `mapstructure:"queue"`
	Embedder EmbedderConfig `mapstructure:"embedder"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Log      LogConfig      `mapstructure:"log"`
}

// IndexConfig selects and tunes the vector index.
type IndexConfig struct {
	Kind           string `mapstructure:"kind"`
	Dimension      int    `mapstructure:"dimension"`
	M              int    `mapstructure:"m"`
	EfConstruction int    `mapstructure:"ef_construction"`
	EfSearch       int    `mapstructure:"ef_search"`
}

// Weights are the per-channel weights of the composite score.
type Weights struct {
	Vector float64 `mapstructure:"vector" json:"vector"`
	Text   float64 `mapstructure:"text" json:"text"`
	Graph  float64 `mapstructure:"graph" json:"graph"`
}

// PlannerConfig tunes the Hybrid Query Planner.
type PlannerConfig struct {
	Weights Weights `mapstructure:"weights"`

	// CorroborationBonus is added once per channel beyond the first that
	// found a record.
	CorroborationBonus float64 `mapstructure:"corroboration_bonus"`

	CandidateMultiplier int `mapstructure:"candidate_multiplier"`
	MinCandidates       int `mapstructure:"min_candidates"`

	// AutoShortQueryTokens is the token count at or under which auto mode
	// runs hybrid.
	AutoShortQueryTokens int `mapstructure:"auto_short_query_tokens"`

	// GraphHopDecay scales the score of records reached through a neighbour.
	GraphHopDecay float64 `mapstructure:"graph_hop_decay"`

	// GraphSeeds bounds the entities matched by the graph channel.
	GraphSeeds int `mapstructure:"graph_seeds"`

	DefaultLimit int `mapstructure:"default_limit"`
}

// EmbedderConfig selects the embedder built by Open when WithEmbedder is not used.
type EmbedderConfig struct {
	Kind       string        `mapstructure:"kind"`
	Model      string        `mapstructure:"model"`
	Host       string        `mapstructure:"host"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// RateLimit is calls per second; zero disables throttling.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`

	// CacheBytes sizes the embedding cache; zero disables it.
	CacheBytes int64 `mapstructure:"cache_bytes"`
}

// ExtractConfig bounds the extractor.
type ExtractConfig struct {
	MaxTextBytes int `mapstructure:"max_text_bytes"`
	MaxEntities  int `mapstructure:"max_entities"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfig is the configuration used when nothing is overridden.
var DefaultConfig = Config{
	DataDir: ".memoryme",
	Index: IndexConfig{
		Kind:           IndexHNSW,
		M:              hnsw.DefaultOptions.M,
		EfConstruction: hnsw.DefaultOptions.EfConstruction,
		EfSearch:       hnsw.DefaultOptions.EfSearch,
	},
	Planner: PlannerConfig{
		Weights:              Weights{Vector: 0.5, Text: 0.3, Graph: 0.2},
		CorroborationBonus:   0.1,
		CandidateMultiplier:  3,
		MinCandidates:        50,
		AutoShortQueryTokens: 4,
		GraphHopDecay:        0.5,
		GraphSeeds:           10,
		DefaultLimit:         10,
	},
	Queue: queue.DefaultConfig,
	Embedder: EmbedderConfig{
		Kind:       EmbedderMock,
		Dimensions: 384,
		Timeout:    30 * time.Second,
		Burst:      1,
		CacheBytes: 64 << 20,
	},
	Extract: ExtractConfig{
		MaxTextBytes: extract.DefaultMaxTextBytes,
		MaxEntities:  64,
	},
	Log: LogConfig{Level: "info"},
}

// LoadConfig reads path (YAML) over DefaultConfig and applies MEMORYME_*
// environment overrides, e.g. MEMORYME_INDEX_KIND=linear. An empty path
// loads defaults and environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig)

	v.SetEnvPrefix("MEMORYME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("data_dir", c.DataDir)
	v.SetDefault("db_path", c.DBPath)

	v.SetDefault("index.kind", c.Index.Kind)
	v.SetDefault("index.dimension", c.Index.Dimension)
	v.SetDefault("index.m", c.Index.M)
	v.SetDefault("index.ef_construction", c.Index.EfConstruction)
	v.SetDefault("index.ef_search", c.Index.EfSearch)

	v.SetDefault("planner.weights.vector", c.Planner.Weights.Vector)
	v.SetDefault("planner.weights.text", c.Planner.Weights.Text)
	v.SetDefault("planner.weights.graph", c.Planner.Weights.Graph)
	v.SetDefault("planner.corroboration_bonus", c.Planner.CorroborationBonus)
	v.SetDefault("planner.candidate_multiplier", c.Planner.CandidateMultiplier)
	v.SetDefault("planner.min_candidates", c.Planner.MinCandidates)
	v.SetDefault("planner.auto_short_query_tokens", c.Planner.AutoShortQueryTokens)
	v.SetDefault("planner.graph_hop_decay", c.Planner.GraphHopDecay)
	v.SetDefault("planner.graph_seeds", c.Planner.GraphSeeds)
	v.SetDefault("planner.default_limit", c.Planner.DefaultLimit)

	v.SetDefault("queue.workers", c.Queue.Workers)
	v.SetDefault("queue.buffer", c.Queue.Buffer)
	v.SetDefault("queue.max_retries", c.Queue.MaxRetries)
	v.SetDefault("queue.initial_backoff", c.Queue.InitialBackoff)
	v.SetDefault("queue.max_backoff", c.Queue.MaxBackoff)

	v.SetDefault("embedder.kind", c.Embedder.Kind)
	v.SetDefault("embedder.model", c.Embedder.Model)
	v.SetDefault("embedder.host", c.Embedder.Host)
	v.SetDefault("embedder.dimensions", c.Embedder.Dimensions)
	v.SetDefault("embedder.timeout", c.Embedder.Timeout)
	v.SetDefault("embedder.rate_limit", c.Embedder.RateLimit)
	v.SetDefault("embedder.burst", c.Embedder.Burst)
	v.SetDefault("embedder.cache_bytes", c.Embedder.CacheBytes)

	v.SetDefault("extract.max_text_bytes", c.Extract.MaxTextBytes)
	v.SetDefault("extract.max_entities", c.Extract.MaxEntities)

	v.SetDefault("log.level", c.Log.Level)
}

// Validate rejects unknown kinds and negative weights.
func (c Config) Validate() error {
	var errs []error
	switch c.Index.Kind {
	case IndexLinear, IndexHNSW, IndexChromem:
	default:
		errs = append(errs, fmt.Errorf("index.kind: unknown kind %q", c.Index.Kind))
	}
	switch c.Embedder.Kind {
	case EmbedderMock, EmbedderOllama, EmbedderNone, "":
	default:
		errs = append(errs, fmt.Errorf("embedder.kind: unknown kind %q", c.Embedder.Kind))
	}
	w := c.Planner.Weights
	if w.Vector < 0 || w.Text < 0 || w.Graph < 0 {
		errs = append(errs, errors.New("planner.weights: negative weight"))
	}
	if c.Log.Level != "" {
		if _, err := log.ParseLevel(c.Log.Level); err != nil {
			errs = append(errs, fmt.Errorf("log.level: %w", err))
		}
	}
	return errors.Join(errs...)
}

// DatabasePath resolves the SQLite file location.
func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	dir := c.DataDir
	if dir == "" {
		dir = DefaultConfig.DataDir
	}
	return filepath.Join(dir, "memoryme.db")
}

// withDefaults fills zero planner fields so a partly built Config still works.
func (c Config) withDefaults() Config {
	d := DefaultConfig.Planner
	p := &c.Planner
	if p.Weights == (Weights{}) {
		p.Weights = d.Weights
	}
	if p.CandidateMultiplier <= 0 {
		p.CandidateMultiplier = d.CandidateMultiplier
	}
	if p.MinCandidates <= 0 {
		p.MinCandidates = d.MinCandidates
	}
	if p.AutoShortQueryTokens <= 0 {
		p.AutoShortQueryTokens = d.AutoShortQueryTokens
	}
	if p.GraphHopDecay <= 0 {
		p.GraphHopDecay = d.GraphHopDecay
	}
	if p.GraphSeeds <= 0 {
		p.GraphSeeds = d.GraphSeeds
	}
	if p.DefaultLimit <= 0 {
		p.DefaultLimit = d.DefaultLimit
	}
	if c.Index.Kind == "" {
		c.Index.Kind = DefaultConfig.Index.Kind
	}
	if c.Extract.MaxTextBytes <= 0 {
		c.Extract.MaxTextBytes = DefaultConfig.Extract.MaxTextBytes
	}
	if c.Extract.MaxEntities <= 0 {
		c.Extract.MaxEntities = DefaultConfig.Extract.MaxEntities
	}
	return c
}

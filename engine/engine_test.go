package engine_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/vosbek/memoryme/engine"
	"github.com/vosbek/memoryme/memory"
	"github.com/vosbek/memoryme/memory/embedder/mock"
	"github.com/vosbek/memoryme/memory/queue"
)

func testConfig(t *testing.T) engine.Config {
	t.Helper()
	cfg := engine.DefaultConfig
	cfg.DataDir = t.TempDir()
	cfg.Index.Kind = engine.IndexLinear
	cfg.Embedder = engine.EmbedderConfig{Kind: engine.EmbedderMock, Dimensions: 64}
	cfg.Queue = queue.Config{
		Workers:        2,
		Buffer:         64,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	cfg.Log.Level = "error"
	return cfg
}

func openEngine(t *testing.T, cfg engine.Config, opts ...engine.Option) *engine.Engine {
	t.Helper()
	e, err := engine.Open(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func drain(e *engine.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Drain(ctx)
}

func ids(rs []engine.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Record.ID
	}
	return out
}

func TestSessionCacheScenario(t *testing.T) {
	ctx := context.Background()

	Convey("Given a record about a session cache", t, func() {
		e := openEngine(t, testConfig(t))
		rec, err := e.Create(ctx, memory.Record{Content: "Use Redis for session cache, owned by Alice"})
		So(err, ShouldBeNil)

		Convey("The extractor derives the three entities", func() {
			view, err := e.Graph(ctx)
			So(err, ShouldBeNil)

			got := map[string]string{}
			for _, ent := range view.Entities {
				got[ent.Name] = ent.Type
			}
			So(got["Redis"], ShouldEqual, memory.EntityTechnology)
			So(got["Alice"], ShouldEqual, memory.EntityPerson)
			So(got["session cache"], ShouldEqual, memory.EntityConcept)
			So(len(view.Relationships), ShouldBeGreaterThanOrEqualTo, 2)
		})

		Convey("A graph query for Redis returns the record", func() {
			res, err := e.Query(ctx, "Redis", engine.QueryOptions{Mode: engine.ModeGraph})
			So(err, ShouldBeNil)
			So(ids(res), ShouldContain, rec.ID)
			So(res[0].Channels, ShouldResemble, []engine.Channel{engine.ChannelGraph})
		})

		Convey("The record is readable and lexically searchable at once", func() {
			got, err := e.Get(ctx, rec.ID)
			So(err, ShouldBeNil)
			So(got.Content, ShouldEqual, rec.Content)

			res, err := e.Query(ctx, "session", engine.QueryOptions{Mode: engine.ModeText})
			So(err, ShouldBeNil)
			So(ids(res), ShouldResemble, []string{rec.ID})
		})
	})
}

func TestNearDuplicateScenario(t *testing.T) {
	ctx := context.Background()
	first := "Redis session cache configuration for the billing api"
	second := "Redis session cache configuration for the billing API"
	emb := mock.Static{Dims: 4, Vectors: map[string][]float32{
		first:  {1, 0, 0, 0},
		second: {0.99, 0.14, 0, 0},
	}}

	Convey("Given two near-identical records", t, func() {
		e := openEngine(t, testConfig(t), engine.WithEmbedder(emb))
		a, err := e.Create(ctx, memory.Record{Content: first})
		So(err, ShouldBeNil)
		b, err := e.Create(ctx, memory.Record{Content: second})
		So(err, ShouldBeNil)
		So(drain(e), ShouldBeNil)

		Convey("A vector query with either text returns both, the other second", func() {
			res, err := e.Query(ctx, first, engine.QueryOptions{Mode: engine.ModeVector})
			So(err, ShouldBeNil)
			So(ids(res), ShouldResemble, []string{a.ID, b.ID})
			So(res[1].Score, ShouldBeGreaterThan, 0.9)

			res, err = e.Query(ctx, second, engine.QueryOptions{Mode: engine.ModeVector})
			So(err, ShouldBeNil)
			So(ids(res), ShouldResemble, []string{b.ID, a.ID})
			So(res[1].Score, ShouldBeGreaterThan, 0.9)
		})

		Convey("A threshold above the second similarity keeps only the first", func() {
			res, err := e.Query(ctx, first, engine.QueryOptions{Mode: engine.ModeVector, Threshold: 0.999})
			So(err, ShouldBeNil)
			So(ids(res), ShouldResemble, []string{a.ID})
		})

		Convey("A caller-supplied vector is used as is", func() {
			res, err := e.Query(ctx, "", engine.QueryOptions{Mode: engine.ModeVector, Vector: []float32{0, 1, 0, 0}})
			So(err, ShouldBeNil)
			So(res[0].Record.ID, ShouldEqual, b.ID)
		})
	})
}

func TestSoleMentionScenario(t *testing.T) {
	ctx := context.Background()

	Convey("Given a record that is the only mention of ProjectX", t, func() {
		e := openEngine(t, testConfig(t))
		rec, err := e.Create(ctx, memory.Record{Content: "We depend on ProjectX for billing."})
		So(err, ShouldBeNil)

		matches, err := e.SearchEntities(ctx, "ProjectX", 5, memory.EntityProject)
		So(err, ShouldBeNil)
		So(len(matches), ShouldEqual, 1)
		entityID := matches[0].Entity.ID

		Convey("Deleting the record makes the entity unreachable", func() {
			ok, err := e.Delete(ctx, rec.ID)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			_, err = e.Entity(ctx, entityID)
			So(memory.IsNotFound(err), ShouldBeTrue)

			So(drain(e), ShouldBeNil)
			for _, mode := range []engine.Mode{engine.ModeText, engine.ModeVector, engine.ModeGraph, engine.ModeHybrid} {
				res, err := e.Query(ctx, "ProjectX billing", engine.QueryOptions{Mode: mode})
				So(err, ShouldBeNil)
				So(ids(res), ShouldNotContain, rec.ID)
			}

			_, err = e.Get(ctx, rec.ID)
			So(memory.IsNotFound(err), ShouldBeTrue)
		})

		Convey("Deleting an unknown id reports false", func() {
			ok, err := e.Delete(ctx, "missing")
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})
	})
}

func TestEmbedderDownScenario(t *testing.T) {
	ctx := context.Background()

	Convey("Given an embedder that always fails", t, func() {
		e := openEngine(t, testConfig(t), engine.WithEmbedder(mock.Failing{Dims: 8}))

		var created []string
		for _, content := range []string{
			"deploy the worker fleet on friday",
			"deploy checklist for the gateway",
			"rollback plan if the deploy fails",
		} {
			rec, err := e.Create(ctx, memory.Record{Content: content})
			So(err, ShouldBeNil)
			created = append(created, rec.ID)
		}
		So(drain(e), ShouldBeNil)

		Convey("Text queries still find every record", func() {
			res, err := e.Query(ctx, "deploy", engine.QueryOptions{Mode: engine.ModeText})
			So(err, ShouldBeNil)
			So(len(res), ShouldEqual, 3)
			for _, id := range created {
				So(ids(res), ShouldContain, id)
			}
		})

		Convey("Vector queries find nothing", func() {
			res, err := e.Query(ctx, "", engine.QueryOptions{Mode: engine.ModeVector, Vector: make([]float32, 8)})
			So(err, ShouldBeNil)
			So(res, ShouldBeEmpty)

			_, err = e.Query(ctx, "deploy", engine.QueryOptions{Mode: engine.ModeVector})
			So(errors.Is(err, memory.ErrEmbeddingUnavailable), ShouldBeTrue)
		})

		Convey("Hybrid degrades to the remaining channels", func() {
			res, err := e.Query(ctx, "deploy", engine.QueryOptions{Mode: engine.ModeHybrid})
			So(err, ShouldBeNil)
			So(len(res), ShouldEqual, 3)
		})

		Convey("Auto mode falls back to hybrid for long questions", func() {
			res, err := e.Query(ctx, "rollback plan for the nightly gateway deploy", engine.QueryOptions{})
			So(err, ShouldBeNil)
			So(res, ShouldNotBeEmpty)
			So(ids(res), ShouldContain, created[2])
			for _, r := range res {
				So(r.Channels, ShouldNotContain, engine.ChannelVector)
			}
		})

		Convey("Health reports records without vectors", func() {
			h, err := e.Health(ctx)
			So(err, ShouldBeNil)
			So(h.Records, ShouldEqual, 3)
			So(h.Vectors, ShouldEqual, 0)
			So(h.Queryable, ShouldBeTrue)
		})
	})
}

func TestCorroboration(t *testing.T) {
	ctx := context.Background()
	emb := mock.Static{Dims: 2, Vectors: map[string][]float32{
		"alpha zeta": {1, 0},
		"omega zeta": {1, 0},
		"alpha":      {1, 0},
	}}

	Convey("Given two records with equal vector scores", t, func() {
		e := openEngine(t, testConfig(t), engine.WithEmbedder(emb))
		both, err := e.Create(ctx, memory.Record{Content: "alpha zeta"})
		So(err, ShouldBeNil)
		vectorOnly, err := e.Create(ctx, memory.Record{Content: "omega zeta"})
		So(err, ShouldBeNil)
		So(drain(e), ShouldBeNil)

		Convey("The one the text channel also found ranks strictly higher", func() {
			res, err := e.Query(ctx, "alpha", engine.QueryOptions{Mode: engine.ModeHybrid})
			So(err, ShouldBeNil)
			So(ids(res), ShouldResemble, []string{both.ID, vectorOnly.ID})
			So(res[0].Score, ShouldBeGreaterThan, res[1].Score)
			So(res[0].Channels, ShouldContain, engine.ChannelText)
			So(res[0].Channels, ShouldContain, engine.ChannelVector)
			So(res[1].Channels, ShouldResemble, []engine.Channel{engine.ChannelVector})
		})

		Convey("Pagination applies after ranking", func() {
			res, err := e.Query(ctx, "alpha", engine.QueryOptions{Mode: engine.ModeHybrid, Limit: 1, Offset: 1})
			So(err, ShouldBeNil)
			So(ids(res), ShouldResemble, []string{vectorOnly.ID})

			res, err = e.Query(ctx, "alpha", engine.QueryOptions{Mode: engine.ModeHybrid, Offset: 5})
			So(err, ShouldBeNil)
			So(res, ShouldBeEmpty)
		})

		Convey("A composite threshold drops the weaker record", func() {
			res, err := e.Query(ctx, "alpha", engine.QueryOptions{Mode: engine.ModeHybrid, Threshold: 0.6})
			So(err, ShouldBeNil)
			So(ids(res), ShouldResemble, []string{both.ID})
		})
	})
}

func TestUpdateRederives(t *testing.T) {
	ctx := context.Background()

	Convey("Given a record about Kafka", t, func() {
		counter := &mock.Counter{Inner: mock.New(64)}
		e := openEngine(t, testConfig(t), engine.WithEmbedder(counter))
		rec, err := e.Create(ctx, memory.Record{Title: "queue", Content: "The ingest pipeline uses Kafka"})
		So(err, ShouldBeNil)
		So(drain(e), ShouldBeNil)

		Convey("Changing content replaces entities and the vector", func() {
			content := "The ingest pipeline uses RabbitMQ"
			updated, err := e.Update(ctx, rec.ID, memory.RecordPatch{Content: &content})
			So(err, ShouldBeNil)
			So(updated.UpdatedAt.After(rec.UpdatedAt), ShouldBeTrue)
			So(drain(e), ShouldBeNil)

			kafka, err := e.SearchEntities(ctx, "Kafka", 5, "")
			So(err, ShouldBeNil)
			So(kafka, ShouldBeEmpty)
			rabbit, err := e.SearchEntities(ctx, "RabbitMQ", 5, "")
			So(err, ShouldBeNil)
			So(len(rabbit), ShouldEqual, 1)

			So(counter.Texts(), ShouldResemble, []string{"The ingest pipeline uses Kafka", content})

			res, err := e.Query(ctx, content, engine.QueryOptions{Mode: engine.ModeVector, Limit: 1})
			So(err, ShouldBeNil)
			So(res[0].Record.ID, ShouldEqual, rec.ID)
			So(res[0].Score, ShouldAlmostEqual, 1.0, 1e-6)
		})

		Convey("A title-only edit does not re-embed", func() {
			title := "streaming"
			_, err := e.Update(ctx, rec.ID, memory.RecordPatch{Title: &title})
			So(err, ShouldBeNil)
			So(drain(e), ShouldBeNil)
			_, err = e.Repair(ctx)
			So(err, ShouldBeNil)
			So(drain(e), ShouldBeNil)
			So(counter.Texts(), ShouldResemble, []string{"The ingest pipeline uses Kafka"})
		})

		Convey("Emptying the content removes the vector", func() {
			empty := ""
			_, err := e.Update(ctx, rec.ID, memory.RecordPatch{Content: &empty})
			So(err, ShouldBeNil)
			h, err := e.Health(ctx)
			So(err, ShouldBeNil)
			So(h.Vectors, ShouldEqual, 0)
			So(h.Entities, ShouldEqual, 0)
		})

		Convey("Updating a missing record is not found", func() {
			title := "x"
			_, err := e.Update(ctx, "missing", memory.RecordPatch{Title: &title})
			So(memory.IsNotFound(err), ShouldBeTrue)
		})
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()

	Convey("Given an engine with embedded records", t, func() {
		src := openEngine(t, testConfig(t))
		var created []memory.Record
		for _, content := range []string{
			"Postgres migration plan for the billing service",
			"Alice owns the Terraform modules",
			"Use Redis for session cache",
		} {
			rec, err := src.Create(ctx, memory.Record{
				Type:     memory.TypeDecision,
				Content:  content,
				Tags:     []string{"infra"},
				Metadata: memory.Metadata{"priority": memory.IntValue(2)},
			})
			So(err, ShouldBeNil)
			created = append(created, rec)
		}
		So(drain(src), ShouldBeNil)

		var buf bytes.Buffer
		stats, err := src.Export(ctx, &buf)
		So(err, ShouldBeNil)
		So(stats.Records, ShouldEqual, 3)
		So(stats.Embeddings, ShouldEqual, 3)

		Convey("Importing into an empty engine restores records, vectors and graph", func() {
			dst := openEngine(t, testConfig(t))
			stats, err := dst.Import(ctx, &buf)
			So(err, ShouldBeNil)
			So(stats.Records, ShouldEqual, 3)
			So(stats.Embeddings, ShouldEqual, 3)

			for _, want := range created {
				got, err := dst.Get(ctx, want.ID)
				So(err, ShouldBeNil)
				So(got.Content, ShouldEqual, want.Content)
				So(got.CreatedAt.Equal(want.CreatedAt), ShouldBeTrue)
				So(got.Metadata["priority"].Equal(memory.IntValue(2)), ShouldBeTrue)
			}

			h, err := dst.Health(ctx)
			So(err, ShouldBeNil)
			So(h.Vectors, ShouldEqual, 3)
			So(h.Entities, ShouldBeGreaterThan, 0)

			res, err := dst.Query(ctx, "Terraform", engine.QueryOptions{Mode: engine.ModeGraph})
			So(err, ShouldBeNil)
			So(ids(res), ShouldContain, created[1].ID)
		})

		Convey("Garbage is rejected", func() {
			dst := openEngine(t, testConfig(t))
			_, err := dst.Import(ctx, bytes.NewReader([]byte("not a snapshot")))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()

	Convey("Given a closed engine with data", t, func() {
		cfg := testConfig(t)
		first, err := engine.Open(ctx, cfg)
		So(err, ShouldBeNil)
		rec, err := first.Create(ctx, memory.Record{Content: "Bob maintains the Kubernetes cluster"})
		So(err, ShouldBeNil)
		So(drain(first), ShouldBeNil)
		So(first.Close(ctx), ShouldBeNil)

		_, err = first.Get(ctx, rec.ID)
		So(errors.Is(err, memory.ErrClosed), ShouldBeTrue)

		Convey("Reopening restores vectors and the graph", func() {
			second := openEngine(t, cfg)
			h, err := second.Health(ctx)
			So(err, ShouldBeNil)
			So(h.Records, ShouldEqual, 1)
			So(h.Vectors, ShouldEqual, 1)
			So(h.Queue.Queued+h.Queue.Running, ShouldEqual, 0)

			res, err := second.Query(ctx, "Kubernetes", engine.QueryOptions{Mode: engine.ModeGraph})
			So(err, ShouldBeNil)
			So(ids(res), ShouldContain, rec.ID)
		})
	})
}

func TestQueryValidation(t *testing.T) {
	ctx := context.Background()

	Convey("Given an engine", t, func() {
		e := openEngine(t, testConfig(t))

		Convey("An empty query without a vector is rejected", func() {
			_, err := e.Query(ctx, "   ", engine.QueryOptions{})
			So(memory.IsValidation(err), ShouldBeTrue)
		})

		Convey("Negative pagination is rejected", func() {
			_, err := e.Query(ctx, "x", engine.QueryOptions{Offset: -1})
			So(memory.IsValidation(err), ShouldBeTrue)
		})

		Convey("Unknown modes are rejected", func() {
			_, err := engine.ParseMode("fuzzy")
			So(memory.IsValidation(err), ShouldBeTrue)
			m, err := engine.ParseMode("")
			So(err, ShouldBeNil)
			So(m, ShouldEqual, engine.ModeAuto)
		})

		Convey("Invalid records are rejected without side effects", func() {
			_, err := e.Create(ctx, memory.Record{})
			So(memory.IsValidation(err), ShouldBeTrue)
			h, err := e.Health(ctx)
			So(err, ShouldBeNil)
			So(h.Records, ShouldEqual, 0)
		})
	})
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/vosbek/memoryme/memory"
)

const snapshotVersion = 1

// Snapshot line kinds.
const (
	lineHeader    = "header"
	lineRecord    = "record"
	lineEmbedding = "embedding"
)

// snapshotLine is one JSON value of a snapshot stream. A snapshot is a
// header followed by every record and then every embedding.
type snapshotLine struct {
	Kind string `json:"kind"`

	Version    int       `json:"version,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	Dimensions int       `json:"dimensions,omitempty"`

	Record *memory.Record `json:"record,omitempty"`

	ID          string    `json:"id,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Vector      []float32 `json:"vector,omitempty"`
}

// SnapshotStats counts the lines of an export or import.
type SnapshotStats struct {
	Records    int `json:"records"`
	Embeddings int `json:"embeddings"`
	Skipped    int `json:"skipped"`
}

// Export writes a zstd-compressed JSON-lines snapshot of every record and
// persisted embedding to w.
func (e *Engine) Export(ctx context.Context, w io.Writer) (SnapshotStats, error) {
	var stats SnapshotStats
	if err := e.checkOpen(); err != nil {
		return stats, err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return stats, fmt.Errorf("zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)

	e.maint.RLock()
	err = e.exportLocked(ctx, enc, &stats)
	e.maint.RUnlock()
	if err != nil {
		zw.Close()
		return stats, err
	}
	if err := zw.Close(); err != nil {
		return stats, fmt.Errorf("finish snapshot: %w", err)
	}
	return stats, nil
}

func (e *Engine) exportLocked(ctx context.Context, enc *json.Encoder, stats *SnapshotStats) error {
	header := snapshotLine{
		Kind:       lineHeader,
		Version:    snapshotVersion,
		CreatedAt:  time.Now().UTC(),
		Dimensions: e.index.Dimensions(),
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	err := e.records.ForEach(ctx, func(r memory.Record) error {
		if err := enc.Encode(snapshotLine{Kind: lineRecord, Record: &r}); err != nil {
			return fmt.Errorf("write record %s: %w", r.ID, err)
		}
		stats.Records++
		return nil
	})
	if err != nil {
		return err
	}
	return e.embeddings.ForEachEmbedding(ctx, func(id string, vec []float32, hash string, _ time.Time) error {
		line := snapshotLine{Kind: lineEmbedding, ID: id, ContentHash: hash, Vector: vec}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("write embedding %s: %w", id, err)
		}
		stats.Embeddings++
		return nil
	})
}

// Import loads a snapshot written by Export. Records are stored with their
// original ids and timestamps, replacing existing records with the same id.
// The graph and the index are rebuilt afterwards.
func (e *Engine) Import(ctx context.Context, r io.Reader) (SnapshotStats, error) {
	var stats SnapshotStats
	if err := e.checkOpen(); err != nil {
		return stats, err
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	e.maint.Lock()
	err = e.importLocked(ctx, json.NewDecoder(zr), &stats)
	e.maint.Unlock()
	if err != nil {
		return stats, err
	}

	if err := e.Rebuild(ctx); err != nil {
		return stats, fmt.Errorf("rebuild after import: %w", err)
	}
	if _, err := e.Repair(ctx); err != nil {
		return stats, fmt.Errorf("repair after import: %w", err)
	}
	logger().Info("snapshot imported", "records", stats.Records, "embeddings", stats.Embeddings, "skipped", stats.Skipped)
	return stats, nil
}

func (e *Engine) importLocked(ctx context.Context, dec *json.Decoder, stats *SnapshotStats) error {
	var header snapshotLine
	if err := dec.Decode(&header); err != nil {
		return memory.Invalid("snapshot", "unreadable header: %v", err)
	}
	if header.Kind != lineHeader || header.Version != snapshotVersion {
		return memory.Invalid("snapshot", "unsupported snapshot (kind %q, version %d)", header.Kind, header.Version)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var line snapshotLine
		err := dec.Decode(&line)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return memory.Invalid("snapshot", "line %d: %v", stats.Records+stats.Embeddings+stats.Skipped+2, err)
		}

		switch line.Kind {
		case lineRecord:
			if line.Record == nil {
				stats.Skipped++
				continue
			}
			if err := e.records.Put(ctx, *line.Record); err != nil {
				if memory.IsValidation(err) {
					logger().Warn("skipping invalid record", "record", line.Record.ID, "err", err)
					stats.Skipped++
					continue
				}
				return err
			}
			stats.Records++
		case lineEmbedding:
			err := e.embeddings.PutEmbedding(ctx, line.ID, line.Vector, line.ContentHash)
			if memory.IsNotFound(err) || memory.IsValidation(err) {
				stats.Skipped++
				continue
			}
			if err != nil {
				return err
			}
			stats.Embeddings++
		default:
			stats.Skipped++
		}
	}
}

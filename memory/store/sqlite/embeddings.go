package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vosbek/memoryme/memory"
)

// PutEmbedding stores vec for an existing record.
func (s *Store) PutEmbedding(ctx context.Context, id string, vec []float32, contentHash string) error {
	if len(vec) == 0 {
		return memory.Invalid("vector", "empty vector")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.NotFound("record", id)
	}
	if err != nil {
		return fmt.Errorf("lookup record %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO embeddings (record_id, dims, vector, content_hash, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(record_id) DO UPDATE SET dims = excluded.dims, vector = excluded.vector,
		   content_hash = excluded.content_hash, updated_at = excluded.updated_at`,
		id, len(vec), encodeVector(vec), contentHash, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put embedding %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) GetEmbedding(ctx context.Context, id string) ([]float32, string, error) {
	var (
		dims int
		blob []byte
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT dims, vector, content_hash FROM embeddings WHERE record_id = ?`, id,
	).Scan(&dims, &blob, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", memory.NotFound("embedding", id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("get embedding %s: %w", id, err)
	}
	vec, err := decodeVector(id, dims, blob)
	if err != nil {
		return nil, "", err
	}
	return vec, hash, nil
}

func (s *Store) DeleteEmbedding(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("delete embedding %s: %w", id, err)
	}
	return nil
}

// ForEachEmbedding visits stored embeddings joined with their record's
// UpdatedAt. Undecodable rows are skipped and logged.
func (s *Store) ForEachEmbedding(ctx context.Context, fn func(id string, vec []float32, contentHash string, updatedAt time.Time) error) error {
	type row struct {
		id, hash  string
		vec       []float32
		updatedAt time.Time
	}
	after := ""
	for {
		rows, err := s.db.QueryContext(ctx,
			`SELECT e.record_id, e.dims, e.vector, e.content_hash, r.updated_at
			 FROM embeddings e JOIN records r ON r.id = e.record_id
			 WHERE e.record_id > ?
			 ORDER BY e.record_id LIMIT ?`, after, batchSize)
		if err != nil {
			return fmt.Errorf("query embeddings: %w", err)
		}
		var batch []row
		n := 0
		for rows.Next() {
			var (
				r       row
				dims    int
				blob    []byte
				updated int64
			)
			if err := rows.Scan(&r.id, &dims, &blob, &r.hash, &updated); err != nil {
				rows.Close()
				return fmt.Errorf("scan embedding: %w", err)
			}
			n++
			after = r.id
			vec, err := decodeVector(r.id, dims, blob)
			if err != nil {
				logger().Warn("skipping embedding", "id", r.id, "err", err)
				continue
			}
			r.vec, r.updatedAt = vec, fromNanos(updated)
			batch = append(batch, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("query embeddings: %w", err)
		}

		for _, r := range batch {
			if err := fn(r.id, r.vec, r.hash, r.updatedAt); err != nil {
				return err
			}
		}
		if n < batchSize {
			return nil
		}
	}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(id string, dims int, blob []byte) ([]float32, error) {
	if dims <= 0 || len(blob) != 4*dims {
		return nil, &memory.CorruptionError{
			Store:  "embeddings",
			ID:     id,
			Reason: fmt.Sprintf("blob of %d bytes for %d dims", len(blob), dims),
		}
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vec, nil
}

// Package sqlite is the durable record store. Records, their tags and their
// embeddings live in one SQLite database; an FTS5 table kept in sync by
// triggers serves lexical search.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/ext/unicode"

	"github.com/vosbek/memoryme/memory"
)

func logger() *log.Logger { return memory.Logger("sqlite") }

const (
	defaultLimit = 50
	batchSize    = 256
)

const recordColumns = `id, type, title, content, tags, metadata, created_at, updated_at`

// Store is a RecordStore and EmbeddingStore on SQLite.
type Store struct {
	db   *sql.DB
	path string

	// last hands out strictly increasing timestamps.
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

var (
	_ memory.RecordStore    = (*Store)(nil)
	_ memory.EmbeddingStore = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies the schema.
// Every connection gets Unicode-aware lower() so substring matching folds
// non-ASCII text the way Tokenize does.
func Open(path string) (*Store, error) {
	db, err := driver.Open("file:"+path+dsnPragmas, unicode.Register)
	if err != nil {
		return nil, fmt.Errorf("open record db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping record db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(Triggers); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply triggers: %w", err)
	}
	logger().Debug("opened record store", "path", path)
	return &Store{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// stamp returns a UTC timestamp strictly after every earlier one and after floor.
func (s *Store) stamp(floor time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Round(0)
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	if !t.After(floor) {
		t = floor.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func (s *Store) Create(ctx context.Context, rec memory.Record) (memory.Record, error) {
	rec = rec.Clone()
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return memory.Record{}, err
	}
	rec.ID = uuid.New().String()
	rec.CreatedAt = s.stamp(time.Time{})
	rec.UpdatedAt = rec.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, rec); err != nil {
		return memory.Record{}, err
	}
	if err := replaceTags(ctx, tx, rec.ID, rec.Tags); err != nil {
		return memory.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return memory.Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (memory.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Record{}, memory.NotFound("record", id)
	}
	if err != nil {
		return memory.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, id string, patch memory.RecordPatch) (memory.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Record{}, memory.NotFound("record", id)
	}
	if err != nil {
		return memory.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	if patch.Empty() {
		return cur, nil
	}

	next := patch.Apply(cur)
	if err := next.Validate(); err != nil {
		return memory.Record{}, err
	}
	next.UpdatedAt = s.stamp(cur.UpdatedAt)

	tags, meta, err := encodeFields(next)
	if err != nil {
		return memory.Record{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE records SET type = ?, title = ?, content = ?, tags = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		string(next.Type), next.Title, next.Content, tags, meta, next.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return memory.Record{}, fmt.Errorf("update record %s: %w", id, err)
	}
	if patch.Tags != nil {
		if err := replaceTags(ctx, tx, id, next.Tags); err != nil {
			return memory.Record{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return memory.Record{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", id, err)
	}
	return n > 0, nil
}

// Put inserts or replaces rec, keeping its id and timestamps.
func (s *Store) Put(ctx context.Context, rec memory.Record) error {
	rec = rec.Clone()
	rec.Normalize()
	if rec.ID == "" {
		return memory.Invalid("id", "empty id")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.stamp(time.Time{})
	}
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		rec.UpdatedAt = rec.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	tags, meta, err := encodeFields(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET type = excluded.type, title = excluded.title,
		   content = excluded.content, tags = excluded.tags, metadata = excluded.metadata,
		   created_at = excluded.created_at, updated_at = excluded.updated_at`,
		rec.ID, string(rec.Type), rec.Title, rec.Content, tags, meta,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.ID, err)
	}
	if err := replaceTags(ctx, tx, rec.ID, rec.Tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.mu.Lock()
	if rec.UpdatedAt.After(s.last) {
		s.last = rec.UpdatedAt
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records ORDER BY updated_at DESC, id ASC LIMIT ?`, limit)
}

// FindByTags matches records carrying every tag in tags.
func (s *Store) FindByTags(ctx context.Context, tags []string, limit, offset int) ([]memory.Record, error) {
	tags = memory.NormalizeTags(tags)
	if len(tags) == 0 {
		return nil, memory.Invalid("tags", "at least one tag is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	offset = max(offset, 0)

	args := make([]any, 0, len(tags)+3)
	for _, t := range tags {
		args = append(args, t)
	}
	args = append(args, len(tags), limit, offset)

	q := `SELECT r.id, r.type, r.title, r.content, r.tags, r.metadata, r.created_at, r.updated_at
		FROM records r JOIN record_tags t ON t.record_id = r.id
		WHERE t.tag IN (` + placeholders(len(tags)) + `)
		GROUP BY r.id
		HAVING COUNT(DISTINCT t.tag) = ?
		ORDER BY r.updated_at DESC, r.id ASC
		LIMIT ? OFFSET ?`
	return s.queryRecords(ctx, q, args...)
}

func (s *Store) FindByType(ctx context.Context, t memory.RecordType, limit, offset int) ([]memory.Record, error) {
	if !t.Valid() {
		return nil, memory.Invalid("type", "unknown record type %q", t)
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE type = ? ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`,
		string(t), limit, max(offset, 0))
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// ForEach walks records in batches so fn may call back into the store.
func (s *Store) ForEach(ctx context.Context, fn func(memory.Record) error) error {
	var (
		afterCreated int64 = -1 << 63
		afterID      string
	)
	for {
		batch, err := s.queryRecords(ctx,
			`SELECT `+recordColumns+` FROM records
			 WHERE created_at > ? OR (created_at = ? AND id > ?)
			 ORDER BY created_at ASC, id ASC LIMIT ?`,
			afterCreated, afterCreated, afterID, batchSize)
		if err != nil {
			return err
		}
		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(batch) < batchSize {
			return nil
		}
		last := batch[len(batch)-1]
		afterCreated, afterID = last.CreatedAt.UnixNano(), last.ID
	}
}

func (s *Store) queryRecords(ctx context.Context, q string, args ...any) ([]memory.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (memory.Record, error) {
	var (
		rec              memory.Record
		typ, tags, meta  string
		created, updated int64
	)
	if err := row.Scan(&rec.ID, &typ, &rec.Title, &rec.Content, &tags, &meta, &created, &updated); err != nil {
		return memory.Record{}, err
	}
	rec.Type = memory.RecordType(typ)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return memory.Record{}, &memory.CorruptionError{Store: "records", ID: rec.ID, Reason: "tags: " + err.Error()}
	}
	if len(rec.Tags) == 0 {
		rec.Tags = nil
	}
	if meta != "" && meta != "{}" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return memory.Record{}, &memory.CorruptionError{Store: "records", ID: rec.ID, Reason: "metadata: " + err.Error()}
		}
	}
	return rec, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec memory.Record) error {
	tags, meta, err := encodeFields(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), rec.Title, rec.Content, tags, meta,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func replaceTags(ctx context.Context, tx *sql.Tx, id string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_tags WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("clear tags for %s: %w", id, err)
	}
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO record_tags (record_id, tag) VALUES (?, ?)`, id, t); err != nil {
			return fmt.Errorf("insert tag %q for %s: %w", t, id, err)
		}
	}
	return nil
}

func encodeFields(rec memory.Record) (tags, meta string, err error) {
	tagList := rec.Tags
	if tagList == nil {
		tagList = []string{}
	}
	tb, err := json.Marshal(tagList)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	meta = "{}"
	if len(rec.Metadata) > 0 {
		mb, err := json.Marshal(rec.Metadata)
		if err != nil {
			return "", "", fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(mb)
	}
	return string(tb), meta, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

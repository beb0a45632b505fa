package sqlite

// Schema is the SQL schema of the record database. Timestamps are unix
// nanoseconds (UTC); tags and metadata are JSON documents.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    content     TEXT NOT NULL DEFAULT '',
    tags        TEXT NOT NULL DEFAULT '[]',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS record_tags (
    record_id   TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
    tag         TEXT NOT NULL,
    PRIMARY KEY (record_id, tag)
);

CREATE TABLE IF NOT EXISTS embeddings (
    record_id    TEXT PRIMARY KEY REFERENCES records(id) ON DELETE CASCADE,
    dims         INTEGER NOT NULL,
    vector       BLOB NOT NULL,
    content_hash TEXT NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
    title,
    content,
    tags,
    content='records',
    content_rowid='rowid'
);

CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at DESC, id);
CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at, id);
CREATE INDEX IF NOT EXISTS idx_records_type ON records(type, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_record_tags_tag ON record_tags(tag);
`

// Triggers keep records_fts in sync with records.
const Triggers = `
CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON records BEGIN
    INSERT INTO records_fts(rowid, title, content, tags) VALUES (new.rowid, new.title, new.content, new.tags);
END;
CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON records BEGIN
    INSERT INTO records_fts(records_fts, rowid, title, content, tags) VALUES('delete', old.rowid, old.title, old.content, old.tags);
END;
CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE ON records BEGIN
    INSERT INTO records_fts(records_fts, rowid, title, content, tags) VALUES('delete', old.rowid, old.title, old.content, old.tags);
    INSERT INTO records_fts(rowid, title, content, tags) VALUES (new.rowid, new.title, new.content, new.tags);
END;
`

// dsnPragmas configures WAL, a busy timeout, foreign keys and immediate
// write transactions so concurrent writers queue instead of failing.
const dsnPragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate"

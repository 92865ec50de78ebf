// Package sqlite is the embedded, single-process storage backend: one
// SQLite database file backs both the EventStorageAdapter and
// EntityStorageAdapter contracts for every tenant sharing this
// process, following the teacher's single-database, prepared-statement
// style (internal/storage/sqlite/sqlite.go) adapted to the
// tenant-scoped event-sourcing model.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements both storage.EventStorageAdapter and
// storage.EntityStorageAdapter against a single SQLite database. Unlike
// the relational backend, there is no connection pool to share: embedded
// deployments are single-writer by construction.
type Store struct {
	db  *sql.DB
	fts *ftsIndex // optional, nil if not configured
}

// New opens (creating if absent) a SQLite database at path. Use
// ":memory:" for an ephemeral, test-only store.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded backend
	return &Store{db: db}, nil
}

// WithFullTextIndex attaches a Bleve-backed substring assist index used
// by SearchEntities for bare-string clauses over large data payloads.
// Backfills every entity already in the database so the index is
// complete before SearchEntities starts narrowing candidates with it.
func (s *Store) WithFullTextIndex(dataDir string) error {
	idx, err := newFTSIndex(dataDir)
	if err != nil {
		return err
	}
	s.fts = idx
	return s.backfillFullTextIndex(context.Background())
}

func (s *Store) backfillFullTextIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT guid, type, modified FROM entities`)
	if err != nil {
		return fmt.Errorf("backfill full-text index: query entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var guid, entityType, modifiedJSON string
		if err := rows.Scan(&guid, &entityType, &modifiedJSON); err != nil {
			return fmt.Errorf("backfill full-text index: scan entity: %w", err)
		}
		var doc struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(modifiedJSON), &doc); err != nil {
			return fmt.Errorf("backfill full-text index: unmarshal entity %s: %w", guid, err)
		}
		if err := s.fts.Index(guid, entityType, string(doc.Data)); err != nil {
			return fmt.Errorf("backfill full-text index: index entity %s: %w", guid, err)
		}
	}
	return rows.Err()
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	entity_guid TEXT NOT NULL,
	type TEXT NOT NULL,
	data TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	user_id TEXT,
	sync_level INTEGER NOT NULL DEFAULT 0,
	UNIQUE (guid, tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_events_tenant ON events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_events_entity_guid ON events(tenant_id, entity_guid);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_sync_level ON events(tenant_id, sync_level);

CREATE TABLE IF NOT EXISTS audit_log (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	entity_guid TEXT NOT NULL,
	event_guid TEXT NOT NULL,
	action TEXT NOT NULL,
	changes TEXT,
	user_id TEXT,
	timestamp TEXT NOT NULL,
	signature TEXT,
	sync_level INTEGER NOT NULL DEFAULT 0,
	UNIQUE (guid, tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log(tenant_id);
CREATE INDEX IF NOT EXISTS idx_audit_entity_guid ON audit_log(tenant_id, entity_guid, timestamp);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	guid TEXT NOT NULL,
	type TEXT NOT NULL,
	initial TEXT NOT NULL,
	modified TEXT NOT NULL,
	version INTEGER NOT NULL,
	last_updated TEXT NOT NULL,
	external_id TEXT,
	sync_level INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (id, tenant_id),
	UNIQUE (guid, tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_entities_guid_timestamp ON entities(tenant_id, guid, last_updated);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_external_id ON entities(tenant_id, external_id) WHERE external_id IS NOT NULL AND external_id != '';

CREATE TABLE IF NOT EXISTS potential_duplicates (
	entity_guid TEXT NOT NULL,
	duplicate_guid TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	PRIMARY KEY (entity_guid, duplicate_guid, tenant_id)
);

CREATE TABLE IF NOT EXISTS merkle_root (
	tenant_id TEXT PRIMARY KEY,
	root TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	tenant_id TEXT PRIMARY KEY,
	last_remote_sync TEXT NOT NULL DEFAULT '',
	last_local_sync TEXT NOT NULL DEFAULT '',
	last_pull_external TEXT NOT NULL DEFAULT '',
	last_push_external TEXT NOT NULL DEFAULT ''
);
`

// Initialize is idempotent schema setup, safe to call on every startup.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle (and the full-text
// index, if attached).
func (s *Store) Close() error {
	if s.fts != nil {
		s.fts.Close()
	}
	return s.db.Close()
}

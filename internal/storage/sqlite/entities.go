package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/query"
	"github.com/amaydixit11/formvault/internal/storage"
)

// SaveEntity upserts a pair by (id, tenant_id); a pair whose guid is
// already held by a different id is rejected by the (guid, tenant_id)
// unique constraint rather than merged. If initial is absent on first save
// (zero-value EntityDoc), EntityStore normalizes it before calling this;
// the adapter itself just persists what it is given.
func (s *Store) SaveEntity(ctx context.Context, tenantID string, pair model.EntityPair) error {
	initialJSON, err := json.Marshal(pair.Initial)
	if err != nil {
		return fmt.Errorf("%w: marshal initial: %v", model.ErrSerialization, err)
	}
	modifiedJSON, err := json.Marshal(pair.Modified)
	if err != nil {
		return fmt.Errorf("%w: marshal modified: %v", model.ErrSerialization, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, tenant_id, guid, type, initial, modified, version, last_updated, external_id, sync_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			guid = excluded.guid,
			type = excluded.type,
			initial = excluded.initial,
			modified = excluded.modified,
			version = excluded.version,
			last_updated = excluded.last_updated,
			external_id = excluded.external_id,
			sync_level = excluded.sync_level
	`, pair.Modified.ID, tenantID, pair.Guid, string(pair.Modified.Type), string(initialJSON), string(modifiedJSON),
		pair.Modified.Version, pair.Modified.LastUpdated, nullIfEmpty(pair.Modified.ExternalID), int(pair.Modified.SyncLevel))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: entity %s", model.ErrValidation, pair.Guid)
		}
		return fmt.Errorf("%w: save entity: %v", model.ErrStorage, err)
	}

	if s.fts != nil {
		if err := s.fts.Index(pair.Guid, string(pair.Modified.Type), string(pair.Modified.Data)); err != nil {
			return fmt.Errorf("%w: index entity for full-text search: %v", model.ErrStorage, err)
		}
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanPair(row interface{ Scan(dest ...interface{}) error }) (model.EntityPair, error) {
	var guid, initialJSON, modifiedJSON string
	if err := row.Scan(&guid, &initialJSON, &modifiedJSON); err != nil {
		return model.EntityPair{}, err
	}
	var pair model.EntityPair
	pair.Guid = guid
	if err := json.Unmarshal([]byte(initialJSON), &pair.Initial); err != nil {
		return model.EntityPair{}, err
	}
	if err := json.Unmarshal([]byte(modifiedJSON), &pair.Modified); err != nil {
		return model.EntityPair{}, err
	}
	return pair, nil
}

// GetEntity looks up a pair by id first, falling back to guid.
func (s *Store) GetEntity(ctx context.Context, tenantID, idOrGuid string) (model.EntityPair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guid, initial, modified FROM entities
		WHERE tenant_id = ? AND (id = ? OR guid = ?)
	`, tenantID, idOrGuid, idOrGuid)
	pair, err := scanPair(row)
	if err == sql.ErrNoRows {
		return model.EntityPair{}, fmt.Errorf("%w: entity %s", model.ErrNotFound, idOrGuid)
	}
	if err != nil {
		return model.EntityPair{}, fmt.Errorf("%w: get entity: %v", model.ErrStorage, err)
	}
	return pair, nil
}

// GetEntityByExternalID looks up a pair by its external_id.
func (s *Store) GetEntityByExternalID(ctx context.Context, tenantID, externalID string) (model.EntityPair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guid, initial, modified FROM entities WHERE tenant_id = ? AND external_id = ?
	`, tenantID, externalID)
	pair, err := scanPair(row)
	if err == sql.ErrNoRows {
		return model.EntityPair{}, fmt.Errorf("%w: entity with external_id %s", model.ErrNotFound, externalID)
	}
	if err != nil {
		return model.EntityPair{}, fmt.Errorf("%w: get entity by external id: %v", model.ErrStorage, err)
	}
	return pair, nil
}

// GetAllEntities returns every entity pair for the tenant.
func (s *Store) GetAllEntities(ctx context.Context, tenantID string) ([]model.EntityPair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guid, initial, modified FROM entities WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: list entities: %v", model.ErrStorage, err)
	}
	defer rows.Close()

	var out []model.EntityPair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entity: %v", model.ErrStorage, err)
		}
		out = append(out, pair)
	}
	return out, nil
}

// GetModifiedEntitiesSince returns pairs whose modified.last_updated is
// strictly greater than since.
func (s *Store) GetModifiedEntitiesSince(ctx context.Context, tenantID, since string) ([]model.EntityPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, initial, modified FROM entities WHERE tenant_id = ? AND last_updated > ?
	`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: list modified entities: %v", model.ErrStorage, err)
	}
	defer rows.Close()

	var out []model.EntityPair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entity: %v", model.ErrStorage, err)
		}
		out = append(out, pair)
	}
	return out, nil
}

// DeleteEntity removes the pair and any dangling duplicate-candidate rows
// referencing it.
func (s *Store) DeleteEntity(ctx context.Context, tenantID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback()

	var guid string
	err = tx.QueryRowContext(ctx, `SELECT guid FROM entities WHERE tenant_id = ? AND id = ?`, tenantID, id).Scan(&guid)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: entity %s", model.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%w: lookup entity for delete: %v", model.ErrStorage, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE tenant_id = ? AND id = ?`, tenantID, id); err != nil {
		return fmt.Errorf("%w: delete entity: %v", model.ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM potential_duplicates WHERE tenant_id = ? AND (entity_guid = ? OR duplicate_guid = ?)
	`, tenantID, guid, guid); err != nil {
		return fmt.Errorf("%w: purge duplicate rows: %v", model.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit delete: %v", model.ErrStorage, err)
	}

	if s.fts != nil {
		if err := s.fts.Delete(guid); err != nil {
			return fmt.Errorf("%w: remove entity from full-text index: %v", model.ErrStorage, err)
		}
	}
	return nil
}

// MarkEntityAsSynced copies modified into initial (raising initial's
// version to match) and stamps last_updated.
func (s *Store) MarkEntityAsSynced(ctx context.Context, tenantID, id, now string) error {
	row := s.db.QueryRowContext(ctx, `SELECT modified FROM entities WHERE tenant_id = ? AND id = ?`, tenantID, id)
	var modifiedJSON string
	if err := row.Scan(&modifiedJSON); err == sql.ErrNoRows {
		return fmt.Errorf("%w: entity %s", model.ErrNotFound, id)
	} else if err != nil {
		return fmt.Errorf("%w: mark synced lookup: %v", model.ErrStorage, err)
	}

	var modified model.EntityDoc
	if err := json.Unmarshal([]byte(modifiedJSON), &modified); err != nil {
		return fmt.Errorf("%w: unmarshal modified: %v", model.ErrStorage, err)
	}
	modified.LastUpdated = now
	syncedJSON, err := json.Marshal(modified)
	if err != nil {
		return fmt.Errorf("%w: marshal synced entity: %v", model.ErrSerialization, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE entities SET initial = ?, modified = ?, last_updated = ? WHERE tenant_id = ? AND id = ?
	`, string(syncedJSON), string(syncedJSON), now, tenantID, id)
	if err != nil {
		return fmt.Errorf("%w: mark synced: %v", model.ErrStorage, err)
	}
	return nil
}

// SearchEntities evaluates criteria against every pair in-process using
// the shared query engine, choosing case-insensitive substring semantics
// for bare-string clauses. When a full-text index is attached, the first
// bare-string clause narrows the candidate set before the exact matcher
// re-verifies every candidate, so a bleve tokenization quirk can only
// cost recall on that assist path, never return a false match.
func (s *Store) SearchEntities(ctx context.Context, tenantID string, criteria storage.EntityCriteria) ([]model.EntityPair, error) {
	compiled, err := query.Compile(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}

	all, err := s.GetAllEntities(ctx, tenantID)
	if err != nil || len(all) == 0 {
		return nil, err
	}

	if s.fts != nil {
		if term := firstBareStringTerm(compiled); term != "" {
			hits, err := s.fts.Search(term, len(all))
			if err != nil {
				return nil, fmt.Errorf("%w: full-text search assist: %v", model.ErrStorage, err)
			}
			all = intersectByGuid(all, hits)
		}
	}

	var out []model.EntityPair
	for _, pair := range all {
		if compiled.MatchesPair(pair, query.BareStringSubstring) {
			out = append(out, pair)
		}
	}
	return out, nil
}

// SavePotentialDuplicates is idempotent: pair identity is the ordered
// (entity_guid, duplicate_guid). A reversed pair is stored as a
// separate row.
func (s *Store) SavePotentialDuplicates(ctx context.Context, tenantID string, pairs []model.DuplicateCandidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback()

	for _, p := range pairs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO potential_duplicates (entity_guid, duplicate_guid, tenant_id) VALUES (?, ?, ?)
		`, p.EntityGuid, p.DuplicateGuid, tenantID); err != nil {
			return fmt.Errorf("%w: save duplicate candidate: %v", model.ErrStorage, err)
		}
	}
	return tx.Commit()
}

// GetPotentialDuplicates returns every candidate pair for the tenant.
func (s *Store) GetPotentialDuplicates(ctx context.Context, tenantID string) ([]model.DuplicateCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_guid, duplicate_guid FROM potential_duplicates WHERE tenant_id = ?
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: list duplicate candidates: %v", model.ErrStorage, err)
	}
	defer rows.Close()

	var out []model.DuplicateCandidate
	for rows.Next() {
		var d model.DuplicateCandidate
		if err := rows.Scan(&d.EntityGuid, &d.DuplicateGuid); err != nil {
			return nil, fmt.Errorf("%w: scan duplicate candidate: %v", model.ErrStorage, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ResolvePotentialDuplicates removes exactly the listed pairs.
func (s *Store) ResolvePotentialDuplicates(ctx context.Context, tenantID string, pairs []model.DuplicateCandidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback()

	for _, p := range pairs {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM potential_duplicates WHERE tenant_id = ? AND entity_guid = ? AND duplicate_guid = ?
		`, tenantID, p.EntityGuid, p.DuplicateGuid); err != nil {
			return fmt.Errorf("%w: resolve duplicate candidate: %v", model.ErrStorage, err)
		}
	}
	return tx.Commit()
}

// firstBareStringTerm returns the first bare-string clause's term, or ""
// if criteria has none. Only one term seeds the full-text assist query;
// remaining clauses are still enforced by the exact in-process matcher.
func firstBareStringTerm(criteria query.Criteria) string {
	for _, clause := range criteria {
		if clause.Match.Contains != nil {
			return *clause.Match.Contains
		}
	}
	return ""
}

// intersectByGuid narrows pairs down to those whose guid is in hits,
// preserving pairs' original order.
func intersectByGuid(pairs []model.EntityPair, hits []string) []model.EntityPair {
	keep := make(map[string]bool, len(hits))
	for _, h := range hits {
		keep[h] = true
	}
	out := make([]model.EntityPair, 0, len(pairs))
	for _, p := range pairs {
		if keep[p.Guid] {
			out = append(out, p)
		}
	}
	return out
}

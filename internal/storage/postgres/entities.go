package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/query"
	"github.com/amaydixit11/formvault/internal/storage"
)

// SaveEntity upserts a pair by (id, tenant_id). A pair whose guid is
// already held by a different id is not merged into that row; the
// (guid, tenant_id) unique constraint rejects it.
func (s *Store) SaveEntity(ctx context.Context, tenantID string, pair model.EntityPair) error {
	initialJSON, err := json.Marshal(pair.Initial)
	if err != nil {
		return fmt.Errorf("%w: marshal initial: %v", model.ErrSerialization, err)
	}
	modifiedJSON, err := json.Marshal(pair.Modified)
	if err != nil {
		return fmt.Errorf("%w: marshal modified: %v", model.ErrSerialization, err)
	}
	lastUpdated, err := parseTS(pair.Modified.LastUpdated)
	if err != nil {
		return fmt.Errorf("%w: invalid last_updated %q: %v", model.ErrValidation, pair.Modified.LastUpdated, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO entities (id, tenant_id, guid, type, initial, modified, version, sync_level, last_updated, external_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id, tenant_id) DO UPDATE SET
			guid = excluded.guid,
			type = excluded.type,
			initial = excluded.initial,
			modified = excluded.modified,
			version = excluded.version,
			sync_level = excluded.sync_level,
			last_updated = excluded.last_updated,
			external_id = excluded.external_id
	`, pair.Modified.ID, tenantID, pair.Guid, string(pair.Modified.Type), initialJSON, modifiedJSON,
		pair.Modified.Version, pair.Modified.SyncLevel.String(), lastUpdated, nullIfEmpty(pair.Modified.ExternalID))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: entity %s", model.ErrValidation, pair.Guid)
		}
		return fmt.Errorf("%w: save entity: %v", model.ErrStorage, err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// entityRow is the sqlx struct-scan destination for the wide entities row.
type entityRow struct {
	Guid     string `db:"guid"`
	Initial  []byte `db:"initial"`
	Modified []byte `db:"modified"`
}

func (r entityRow) toModel() (model.EntityPair, error) {
	var pair model.EntityPair
	pair.Guid = r.Guid
	if err := json.Unmarshal(r.Initial, &pair.Initial); err != nil {
		return model.EntityPair{}, err
	}
	if err := json.Unmarshal(r.Modified, &pair.Modified); err != nil {
		return model.EntityPair{}, err
	}
	return pair, nil
}

// GetEntity looks up a pair by id first, falling back to guid.
func (s *Store) GetEntity(ctx context.Context, tenantID, idOrGuid string) (model.EntityPair, error) {
	var row entityRow
	err := s.db.GetContext(ctx, &row, `
		SELECT guid, initial, modified FROM entities WHERE tenant_id = $1 AND (id = $2 OR guid = $2)
	`, tenantID, idOrGuid)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EntityPair{}, fmt.Errorf("%w: entity %s", model.ErrNotFound, idOrGuid)
	}
	if err != nil {
		return model.EntityPair{}, fmt.Errorf("%w: get entity: %v", model.ErrStorage, err)
	}
	pair, err := row.toModel()
	if err != nil {
		return model.EntityPair{}, fmt.Errorf("%w: decode entity: %v", model.ErrSerialization, err)
	}
	return pair, nil
}

// GetEntityByExternalID looks up a pair by external_id.
func (s *Store) GetEntityByExternalID(ctx context.Context, tenantID, externalID string) (model.EntityPair, error) {
	var row entityRow
	err := s.db.GetContext(ctx, &row, `
		SELECT guid, initial, modified FROM entities WHERE tenant_id = $1 AND external_id = $2
	`, tenantID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EntityPair{}, fmt.Errorf("%w: entity with external_id %s", model.ErrNotFound, externalID)
	}
	if err != nil {
		return model.EntityPair{}, fmt.Errorf("%w: get entity by external id: %v", model.ErrStorage, err)
	}
	pair, err := row.toModel()
	if err != nil {
		return model.EntityPair{}, fmt.Errorf("%w: decode entity: %v", model.ErrSerialization, err)
	}
	return pair, nil
}

func (s *Store) queryPairs(ctx context.Context, sqlQuery string, args ...interface{}) ([]model.EntityPair, error) {
	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, sqlQuery, args...); err != nil {
		return nil, fmt.Errorf("%w: list entities: %v", model.ErrStorage, err)
	}
	out := make([]model.EntityPair, 0, len(rows))
	for _, r := range rows {
		pair, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("%w: decode entity: %v", model.ErrSerialization, err)
		}
		out = append(out, pair)
	}
	return out, nil
}

// GetAllEntities returns every entity pair for the tenant.
func (s *Store) GetAllEntities(ctx context.Context, tenantID string) ([]model.EntityPair, error) {
	return s.queryPairs(ctx, `SELECT guid, initial, modified FROM entities WHERE tenant_id = $1`, tenantID)
}

// GetModifiedEntitiesSince returns pairs modified strictly after since.
func (s *Store) GetModifiedEntitiesSince(ctx context.Context, tenantID, since string) ([]model.EntityPair, error) {
	ts, err := resolveCursor(since)
	if err != nil {
		return nil, err
	}
	return s.queryPairs(ctx, `
		SELECT guid, initial, modified FROM entities WHERE tenant_id = $1 AND last_updated > $2
	`, tenantID, ts)
}

// DeleteEntity removes the pair and any dangling duplicate-candidate rows
// referencing it.
func (s *Store) DeleteEntity(ctx context.Context, tenantID, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	var guid string
	err = tx.QueryRow(ctx, `SELECT guid FROM entities WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&guid)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: entity %s", model.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%w: lookup entity for delete: %v", model.ErrStorage, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE tenant_id = $1 AND id = $2`, tenantID, id); err != nil {
		return fmt.Errorf("%w: delete entity: %v", model.ErrStorage, err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM potential_duplicates WHERE tenant_id = $1 AND (entity_guid = $2 OR duplicate_guid = $2)
	`, tenantID, guid); err != nil {
		return fmt.Errorf("%w: purge duplicate rows: %v", model.ErrStorage, err)
	}
	return tx.Commit(ctx)
}

// MarkEntityAsSynced copies modified into initial, stamping both the
// row's last_updated column and the entity doc's own LastUpdated field
// with now so the two JSON blobs end up deep-equal, matching the
// initial == modified invariant a synced pair must satisfy.
func (s *Store) MarkEntityAsSynced(ctx context.Context, tenantID, id, now string) error {
	var modifiedJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT modified FROM entities WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&modifiedJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: entity %s", model.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%w: mark synced lookup: %v", model.ErrStorage, err)
	}

	var modified model.EntityDoc
	if err := json.Unmarshal(modifiedJSON, &modified); err != nil {
		return fmt.Errorf("%w: unmarshal modified: %v", model.ErrSerialization, err)
	}
	modified.LastUpdated = now
	syncedJSON, err := json.Marshal(modified)
	if err != nil {
		return fmt.Errorf("%w: marshal synced entity: %v", model.ErrSerialization, err)
	}

	nowTS, err := parseTS(now)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp %q: %v", model.ErrValidation, now, err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE entities SET initial = $1, modified = $1, last_updated = $2 WHERE tenant_id = $3 AND id = $4
	`, syncedJSON, nowTS, tenantID, id)
	if err != nil {
		return fmt.Errorf("%w: mark synced: %v", model.ErrStorage, err)
	}
	return nil
}

// SearchEntities evaluates criteria in-process, choosing
// case-insensitive equality semantics for bare-string clauses.
func (s *Store) SearchEntities(ctx context.Context, tenantID string, criteria storage.EntityCriteria) ([]model.EntityPair, error) {
	compiled, err := query.Compile(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}

	all, err := s.GetAllEntities(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var out []model.EntityPair
	for _, pair := range all {
		if compiled.MatchesPair(pair, query.BareStringEquality) {
			out = append(out, pair)
		}
	}
	return out, nil
}

// SavePotentialDuplicates is idempotent; pair identity is
// (entity_guid, duplicate_guid).
func (s *Store) SavePotentialDuplicates(ctx context.Context, tenantID string, pairs []model.DuplicateCandidate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	for _, p := range pairs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO potential_duplicates (entity_guid, duplicate_guid, tenant_id)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING
		`, p.EntityGuid, p.DuplicateGuid, tenantID); err != nil {
			return fmt.Errorf("%w: save duplicate candidate: %v", model.ErrStorage, err)
		}
	}
	return tx.Commit(ctx)
}

// GetPotentialDuplicates returns every candidate pair for the tenant.
func (s *Store) GetPotentialDuplicates(ctx context.Context, tenantID string) ([]model.DuplicateCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_guid, duplicate_guid FROM potential_duplicates WHERE tenant_id = $1
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
	return out, rows.Err()
}

// ResolvePotentialDuplicates removes exactly the listed pairs.
func (s *Store) ResolvePotentialDuplicates(ctx context.Context, tenantID string, pairs []model.DuplicateCandidate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	for _, p := range pairs {
		if _, err := tx.Exec(ctx, `
			DELETE FROM potential_duplicates WHERE tenant_id = $1 AND entity_guid = $2 AND duplicate_guid = $3
		`, tenantID, p.EntityGuid, p.DuplicateGuid); err != nil {
			return fmt.Errorf("%w: resolve duplicate candidate: %v", model.ErrStorage, err)
		}
	}
	return tx.Commit(ctx)
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage"
)

// SaveEvents is an atomic batch insert; a unique-key violation on an
// already-present guid surfaces as model.ErrDuplicateEvent for that
// event's position.
func (s *Store) SaveEvents(ctx context.Context, tenantID string, events []model.Event) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback()

	guids := make([]string, 0, len(events))
	for _, e := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (guid, tenant_id, entity_guid, type, data, timestamp, user_id, sync_level)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.Guid, tenantID, e.EntityGuid, e.Type, string(e.Data), e.Timestamp, e.UserID, int(e.SyncLevel))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: guid %s", model.ErrDuplicateEvent, e.Guid)
			}
			return nil, fmt.Errorf("%w: insert event: %v", model.ErrStorage, err)
		}
		guids = append(guids, e.Guid)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", model.ErrStorage, err)
	}
	return guids, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanEvent(rows interface {
	Scan(dest ...interface{}) error
}) (model.Event, error) {
	var e model.Event
	var data string
	var syncLevel int
	if err := rows.Scan(&e.Guid, &e.EntityGuid, &e.Type, &data, &e.Timestamp, &e.UserID, &syncLevel); err != nil {
		return model.Event{}, err
	}
	e.Data = []byte(data)
	e.SyncLevel = model.SyncLevel(syncLevel)
	return e, nil
}

// GetEvents returns all events for the tenant ordered by insertion.
func (s *Store) GetEvents(ctx context.Context, tenantID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, entity_guid, type, data, timestamp, user_id, sync_level
		FROM events WHERE tenant_id = ? ORDER BY rowid ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %v", model.ErrStorage, err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", model.ErrStorage, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// GetEventsSince returns events with timestamp strictly greater than
// since, sorted ascending.
func (s *Store) GetEventsSince(ctx context.Context, tenantID, since string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, entity_guid, type, data, timestamp, user_id, sync_level
		FROM events WHERE tenant_id = ? AND timestamp > ? ORDER BY timestamp ASC
	`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: query events since: %v", model.ErrStorage, err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", model.ErrStorage, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// GetEventsSincePaginated returns at most limit events with timestamp
// strictly greater than since. NextCursor is the last event's timestamp
// when the page is full, else empty.
func (s *Store) GetEventsSincePaginated(ctx context.Context, tenantID, since string, limit int) (storage.Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, entity_guid, type, data, timestamp, user_id, sync_level
		FROM events WHERE tenant_id = ? AND timestamp > ? ORDER BY timestamp ASC LIMIT ?
	`, tenantID, since, limit)
	if err != nil {
		return storage.Page{}, fmt.Errorf("%w: query paginated events: %v", model.ErrStorage, err)
	}
	defer rows.Close()

	var page storage.Page
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return storage.Page{}, fmt.Errorf("%w: scan event: %v", model.ErrStorage, err)
		}
		page.Events = append(page.Events, e)
	}
	if len(page.Events) == limit {
		page.NextCursor = page.Events[len(page.Events)-1].Timestamp
	}
	return page, nil
}

// GetEventsForEntitySubtree returns events whose entity_guid is rootGuid
// or a transitive descendant under data.parentGuid, filtered to
// timestamp >= sinceInclusive, sorted ascending. Traversal is
// breadth-first with a visited set so it terminates even on cyclic
// parent links.
func (s *Store) GetEventsForEntitySubtree(ctx context.Context, tenantID, rootGuid, sinceInclusive string) ([]model.Event, error) {
	all, err := s.GetEvents(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]string)
	for _, e := range all {
		if parent := e.ParentGuid(); parent != "" {
			children[parent] = append(children[parent], e.EntityGuid)
		}
	}

	visited := map[string]bool{rootGuid: true}
	queue := []string{rootGuid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			if !visited[child] {
				visited[child] = true
				queue = append(queue, child)
			}
		}
	}

	var result []model.Event
	for _, e := range all {
		if visited[e.EntityGuid] && e.Timestamp >= sinceInclusive {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp < result[j].Timestamp })
	return result, nil
}

// IsEventExisted reports whether guid is already present for the tenant.
func (s *Store) IsEventExisted(ctx context.Context, tenantID, guid string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE tenant_id = ? AND guid = ?`, tenantID, guid).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: check event existence: %v", model.ErrStorage, err)
	}
	return count > 0, nil
}

// SaveAuditLog appends audit rows in one transaction.
func (s *Store) SaveAuditLog(ctx context.Context, tenantID string, entries []model.AuditLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback()

	for _, a := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (guid, tenant_id, entity_guid, event_guid, action, changes, user_id, timestamp, signature, sync_level)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.Guid, tenantID, a.EntityGuid, a.EventGuid, a.Action, string(a.Changes), a.UserID, a.Timestamp, a.Signature, int(a.SyncLevel))
		if err != nil {
			return fmt.Errorf("%w: insert audit entry: %v", model.ErrStorage, err)
		}
	}
	return tx.Commit()
}

func scanAudit(rows interface{ Scan(dest ...interface{}) error }) (model.AuditLogEntry, error) {
	var a model.AuditLogEntry
	var changes string
	var sig sql.NullString
	var syncLevel int
	if err := rows.Scan(&a.Guid, &a.EntityGuid, &a.EventGuid, &a.Action, &changes, &a.UserID, &a.Timestamp, &sig, &syncLevel); err != nil {
		return model.AuditLogEntry{}, err
	}
	a.Changes = []byte(changes)
	a.Signature = sig.String
	a.SyncLevel = model.SyncLevel(syncLevel)
	return a, nil
}

// GetAuditLogSince returns audit rows with timestamp strictly greater
// than since.
func (s *Store) GetAuditLogSince(ctx context.Context, tenantID, since string) ([]model.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, entity_guid, event_guid, action, changes, user_id, timestamp, signature, sync_level
		FROM audit_log WHERE tenant_id = ? AND timestamp > ? ORDER BY timestamp ASC
	`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: query audit log: %v", model.ErrStorage, err)
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan audit entry: %v", model.ErrStorage, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// GetAuditTrailByEntityGuid returns an entity's audit entries, newest
// first.
func (s *Store) GetAuditTrailByEntityGuid(ctx context.Context, tenantID, entityGuid string) ([]model.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, entity_guid, event_guid, action, changes, user_id, timestamp, signature, sync_level
		FROM audit_log WHERE tenant_id = ? AND entity_guid = ? ORDER BY timestamp DESC
	`, tenantID, entityGuid)
	if err != nil {
		return nil, fmt.Errorf("%w: query audit trail: %v", model.ErrStorage, err)
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan audit entry: %v", model.ErrStorage, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveMerkleRoot upserts the tenant's persisted root. An empty string
// clears it.
func (s *Store) SaveMerkleRoot(ctx context.Context, tenantID, root string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merkle_root (tenant_id, root) VALUES (?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET root = excluded.root
	`, tenantID, root)
	if err != nil {
		return fmt.Errorf("%w: save merkle root: %v", model.ErrStorage, err)
	}
	return nil
}

// GetMerkleRoot returns the tenant's persisted root, or "" if unset.
func (s *Store) GetMerkleRoot(ctx context.Context, tenantID string) (string, error) {
	var root string
	err := s.db.QueryRowContext(ctx, `SELECT root FROM merkle_root WHERE tenant_id = ?`, tenantID).Scan(&root)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: get merkle root: %v", model.ErrStorage, err)
	}
	return root, nil
}

// UpdateEventSyncLevel advances a single event's sync level. Regression
// is rejected.
func (s *Store) UpdateEventSyncLevel(ctx context.Context, tenantID, guid string, level model.SyncLevel) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET sync_level = ? WHERE tenant_id = ? AND guid = ? AND sync_level <= ?
	`, int(level), tenantID, guid, int(level))
	if err != nil {
		return fmt.Errorf("%w: update event sync level: %v", model.ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		_ = s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE tenant_id = ? AND guid = ?`, tenantID, guid).Scan(&exists)
		if !exists {
			return fmt.Errorf("%w: event %s", model.ErrNotFound, guid)
		}
		return fmt.Errorf("%w: sync_level must advance monotonically", model.ErrValidation)
	}
	return nil
}

// UpdateAuditLogSyncLevel advances the sync level for every audit row
// belonging to entityGuid.
func (s *Store) UpdateAuditLogSyncLevel(ctx context.Context, tenantID, entityGuid string, level model.SyncLevel) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_log SET sync_level = ? WHERE tenant_id = ? AND entity_guid = ? AND sync_level <= ?
	`, int(level), tenantID, entityGuid, int(level))
	if err != nil {
		return fmt.Errorf("%w: update audit sync level: %v", model.ErrStorage, err)
	}
	return nil
}

// UpdateSyncLevelFromEvents advances the sync level for a batch of event
// guids in one statement, used after a push page is acknowledged.
func (s *Store) UpdateSyncLevelFromEvents(ctx context.Context, tenantID string, guids []string, level model.SyncLevel) error {
	if len(guids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(guids)), ",")
	args := make([]interface{}, 0, len(guids)+2)
	args = append(args, int(level), tenantID)
	for _, g := range guids {
		args = append(args, g)
	}
	args = append(args, int(level))
	query := fmt.Sprintf(`
		UPDATE events SET sync_level = ? WHERE tenant_id = ? AND guid IN (%s) AND sync_level <= ?
	`, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: batch update sync level: %v", model.ErrStorage, err)
	}
	return nil
}

// GetCursors returns the tenant's four sync cursors, defaulting to the
// empty string for an uninitialized tenant.
func (s *Store) GetCursors(ctx context.Context, tenantID string) (model.SyncCursors, error) {
	var c model.SyncCursors
	err := s.db.QueryRowContext(ctx, `
		SELECT last_remote_sync, last_local_sync, last_pull_external, last_push_external
		FROM sync_cursors WHERE tenant_id = ?
	`, tenantID).Scan(&c.LastRemoteSync, &c.LastLocalSync, &c.LastPullExternal, &c.LastPushExternal)
	if err == sql.ErrNoRows {
		return model.SyncCursors{}, nil
	}
	if err != nil {
		return model.SyncCursors{}, fmt.Errorf("%w: get cursors: %v", model.ErrStorage, err)
	}
	return c, nil
}

func (s *Store) upsertCursor(ctx context.Context, tenantID, column, ts string) error {
	query := fmt.Sprintf(`
		INSERT INTO sync_cursors (tenant_id, %s) VALUES (?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET %s = excluded.%s
	`, column, column, column)
	if _, err := s.db.ExecContext(ctx, query, tenantID, ts); err != nil {
		return fmt.Errorf("%w: set %s: %v", model.ErrStorage, column, err)
	}
	return nil
}

func (s *Store) SetLastRemoteSync(ctx context.Context, tenantID, ts string) error {
	return s.upsertCursor(ctx, tenantID, "last_remote_sync", ts)
}

func (s *Store) SetLastLocalSync(ctx context.Context, tenantID, ts string) error {
	return s.upsertCursor(ctx, tenantID, "last_local_sync", ts)
}

func (s *Store) SetLastPullExternal(ctx context.Context, tenantID, ts string) error {
	return s.upsertCursor(ctx, tenantID, "last_pull_external", ts)
}

func (s *Store) SetLastPushExternal(ctx context.Context, tenantID, ts string) error {
	return s.upsertCursor(ctx, tenantID, "last_push_external", ts)
}

// ClearStore destructively wipes every table for one tenant, leaving
// other tenants untouched.
func (s *Store) ClearStore(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback()

	tables := []string{"events", "audit_log", "entities", "potential_duplicates", "merkle_root", "sync_cursors"}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE tenant_id = ?", t), tenantID); err != nil {
			return fmt.Errorf("%w: clear %s: %v", model.ErrStorage, t, err)
		}
	}
	return tx.Commit()
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage"
)

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// SaveEvents is an atomic batch insert within one pooled connection's
// transaction; a unique-key violation on guid surfaces as
// model.ErrDuplicateEvent.
func (s *Store) SaveEvents(ctx context.Context, tenantID string, events []model.Event) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	guids := make([]string, 0, len(events))
	for _, e := range events {
		ts, err := parseTS(e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timestamp %q: %v", model.ErrValidation, e.Timestamp, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO events (guid, tenant_id, entity_guid, type, data, timestamp, user_id, sync_level)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, e.Guid, tenantID, e.EntityGuid, e.Type, []byte(e.Data), ts, e.UserID, int(e.SyncLevel))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: guid %s", model.ErrDuplicateEvent, e.Guid)
			}
			return nil, fmt.Errorf("%w: insert event: %v", model.ErrStorage, err)
		}
		guids = append(guids, e.Guid)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", model.ErrStorage, err)
	}
	return guids, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// eventRow is the sqlx struct-scan destination for the wide events row;
// toModel converts it to the domain model.Event the rest of formvault uses.
type eventRow struct {
	Guid       string    `db:"guid"`
	EntityGuid string    `db:"entity_guid"`
	Type       string    `db:"type"`
	Data       []byte    `db:"data"`
	Timestamp  time.Time `db:"timestamp"`
	UserID     string    `db:"user_id"`
	SyncLevel  int       `db:"sync_level"`
}

func (r eventRow) toModel() model.Event {
	return model.Event{
		Guid:       r.Guid,
		EntityGuid: r.EntityGuid,
		Type:       r.Type,
		Data:       r.Data,
		Timestamp:  formatTS(r.Timestamp),
		UserID:     r.UserID,
		SyncLevel:  model.SyncLevel(r.SyncLevel),
	}
}

// queryEvents runs query through the sqlx handle, StructScanning every
// row into an eventRow rather than listing positional Scan destinations.
func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]model.Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%w: query events: %v", model.ErrStorage, err)
	}
	events := make([]model.Event, len(rows))
	for i, r := range rows {
		events[i] = r.toModel()
	}
	return events, nil
}

// GetEvents returns all events for the tenant ordered by timestamp
// ascending. The events table has no insertion-order column, so events
// sharing a timestamp come back in no defined order.
func (s *Store) GetEvents(ctx context.Context, tenantID string) ([]model.Event, error) {
	return s.queryEvents(ctx, `
		SELECT guid, entity_guid, type, data, timestamp, user_id, sync_level
		FROM events WHERE tenant_id = $1 ORDER BY timestamp ASC
	`, tenantID)
}

// GetEventsSince returns events strictly after since, ascending.
func (s *Store) GetEventsSince(ctx context.Context, tenantID, since string) ([]model.Event, error) {
	ts, err := resolveCursor(since)
	if err != nil {
		return nil, err
	}
	return s.queryEvents(ctx, `
		SELECT guid, entity_guid, type, data, timestamp, user_id, sync_level
		FROM events WHERE tenant_id = $1 AND timestamp > $2 ORDER BY timestamp ASC
	`, tenantID, ts)
}

// resolveCursor treats an empty cursor as "the beginning of time".
func resolveCursor(since string) (time.Time, error) {
	if since == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	return parseTS(since)
}

// GetEventsSincePaginated mirrors the embedded backend's pagination
// contract.
func (s *Store) GetEventsSincePaginated(ctx context.Context, tenantID, since string, limit int) (storage.Page, error) {
	ts, err := resolveCursor(since)
	if err != nil {
		return storage.Page{}, err
	}
	events, err := s.queryEvents(ctx, `
		SELECT guid, entity_guid, type, data, timestamp, user_id, sync_level
		FROM events WHERE tenant_id = $1 AND timestamp > $2 ORDER BY timestamp ASC LIMIT $3
	`, tenantID, ts, limit)
	if err != nil {
		return storage.Page{}, err
	}
	page := storage.Page{Events: events}
	if len(events) == limit {
		page.NextCursor = events[len(events)-1].Timestamp
	}
	return page, nil
}

// GetEventsForEntitySubtree mirrors the embedded backend's breadth-first,
// cycle-safe traversal.
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
	return result, nil
}

// IsEventExisted reports whether guid is already present for the tenant.
func (s *Store) IsEventExisted(ctx context.Context, tenantID, guid string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE tenant_id = $1 AND guid = $2)`, tenantID, guid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: check event existence: %v", model.ErrStorage, err)
	}
	return exists, nil
}

// SaveAuditLog appends audit rows in one transaction.
func (s *Store) SaveAuditLog(ctx context.Context, tenantID string, entries []model.AuditLogEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	for _, a := range entries {
		ts, err := parseTS(a.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: invalid audit timestamp %q: %v", model.ErrValidation, a.Timestamp, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO audit_log (tenant_id, action, guid, entity_guid, event_guid, changes, signature, user_id, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, tenantID, a.Action, a.Guid, a.EntityGuid, a.EventGuid, []byte(a.Changes), a.Signature, a.UserID, ts)
		if err != nil {
			return fmt.Errorf("%w: insert audit entry: %v", model.ErrStorage, err)
		}
	}
	return tx.Commit(ctx)
}

// auditRow is the sqlx struct-scan destination for the wide audit_log row.
type auditRow struct {
	Action     string         `db:"action"`
	Guid       string         `db:"guid"`
	EntityGuid string         `db:"entity_guid"`
	EventGuid  string         `db:"event_guid"`
	Changes    []byte         `db:"changes"`
	Signature  sql.NullString `db:"signature"`
	UserID     string         `db:"user_id"`
	Timestamp  time.Time      `db:"timestamp"`
}

func (r auditRow) toModel() model.AuditLogEntry {
	return model.AuditLogEntry{
		Guid:       r.Guid,
		EntityGuid: r.EntityGuid,
		EventGuid:  r.EventGuid,
		Action:     r.Action,
		Changes:    r.Changes,
		UserID:     r.UserID,
		Timestamp:  formatTS(r.Timestamp),
		Signature:  r.Signature.String,
	}
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...interface{}) ([]model.AuditLogEntry, error) {
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%w: query audit log: %v", model.ErrStorage, err)
	}
	out := make([]model.AuditLogEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// GetAuditLogSince returns audit rows strictly after since.
func (s *Store) GetAuditLogSince(ctx context.Context, tenantID, since string) ([]model.AuditLogEntry, error) {
	ts, err := resolveCursor(since)
	if err != nil {
		return nil, err
	}
	return s.queryAudit(ctx, `
		SELECT action, guid, entity_guid, event_guid, changes, signature, user_id, timestamp
		FROM audit_log WHERE tenant_id = $1 AND timestamp > $2 ORDER BY timestamp ASC
	`, tenantID, ts)
}

// GetAuditTrailByEntityGuid returns an entity's audit entries, newest
// first.
func (s *Store) GetAuditTrailByEntityGuid(ctx context.Context, tenantID, entityGuid string) ([]model.AuditLogEntry, error) {
	return s.queryAudit(ctx, `
		SELECT action, guid, entity_guid, event_guid, changes, signature, user_id, timestamp
		FROM audit_log WHERE tenant_id = $1 AND entity_guid = $2 ORDER BY timestamp DESC
	`, tenantID, entityGuid)
}

// SaveMerkleRoot upserts the tenant's persisted root.
func (s *Store) SaveMerkleRoot(ctx context.Context, tenantID, root string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO merkle_root (tenant_id, root) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET root = excluded.root
	`, tenantID, root)
	if err != nil {
		return fmt.Errorf("%w: save merkle root: %v", model.ErrStorage, err)
	}
	return nil
}

// GetMerkleRoot returns the tenant's persisted root, or "" if unset.
func (s *Store) GetMerkleRoot(ctx context.Context, tenantID string) (string, error) {
	var root string
	err := s.pool.QueryRow(ctx, `SELECT root FROM merkle_root WHERE tenant_id = $1`, tenantID).Scan(&root)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: get merkle root: %v", model.ErrStorage, err)
	}
	return root, nil
}

// UpdateEventSyncLevel advances a single event's sync level; regression
// is rejected.
func (s *Store) UpdateEventSyncLevel(ctx context.Context, tenantID, guid string, level model.SyncLevel) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET sync_level = $1 WHERE tenant_id = $2 AND guid = $3 AND sync_level <= $1
	`, int(level), tenantID, guid)
	if err != nil {
		return fmt.Errorf("%w: update event sync level: %v", model.ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		_ = s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE tenant_id = $1 AND guid = $2)`, tenantID, guid).Scan(&exists)
		if !exists {
			return fmt.Errorf("%w: event %s", model.ErrNotFound, guid)
		}
		return fmt.Errorf("%w: sync_level must advance monotonically", model.ErrValidation)
	}
	return nil
}

// UpdateAuditLogSyncLevel is a no-op on this backend: the relational
// schema's audit_log table carries no sync_level column, since sync
// progression is tracked on the event row an audit entry mirrors.
func (s *Store) UpdateAuditLogSyncLevel(ctx context.Context, tenantID, entityGuid string, level model.SyncLevel) error {
	return nil
}

// UpdateSyncLevelFromEvents advances sync level for a batch of guids.
func (s *Store) UpdateSyncLevelFromEvents(ctx context.Context, tenantID string, guids []string, level model.SyncLevel) error {
	if len(guids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE events SET sync_level = $1 WHERE tenant_id = $2 AND guid = ANY($3) AND sync_level <= $1
	`, int(level), tenantID, guids)
	if err != nil {
		return fmt.Errorf("%w: batch update sync level: %v", model.ErrStorage, err)
	}
	return nil
}

// GetCursors returns the tenant's four sync cursors.
func (s *Store) GetCursors(ctx context.Context, tenantID string) (model.SyncCursors, error) {
	var c model.SyncCursors
	c.LastRemoteSync = s.readCursor(ctx, "last_remote_sync_timestamp", tenantID)
	c.LastLocalSync = s.readCursor(ctx, "last_local_sync_timestamp", tenantID)
	c.LastPullExternal = s.readCursor(ctx, "last_pull_external_sync_timestamp", tenantID)
	c.LastPushExternal = s.readCursor(ctx, "last_push_external_sync_timestamp", tenantID)
	return c, nil
}

func (s *Store) readCursor(ctx context.Context, table, tenantID string) string {
	var ts time.Time
	query := fmt.Sprintf(`SELECT timestamp FROM %s WHERE tenant_id = $1`, table)
	if err := s.pool.QueryRow(ctx, query, tenantID).Scan(&ts); err != nil {
		return ""
	}
	return formatTS(ts)
}

// setCursor replaces the tenant's prior cursor value with the new one:
// an upsert on tenant_id, since a cursor table holds at most one row per
// tenant.
func (s *Store) setCursor(ctx context.Context, table, tenantID, ts string) error {
	parsed, err := parseTS(ts)
	if err != nil {
		return fmt.Errorf("%w: invalid cursor timestamp %q: %v", model.ErrValidation, ts, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, timestamp) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET timestamp = excluded.timestamp
	`, table)
	if _, err := s.pool.Exec(ctx, query, tenantID, parsed); err != nil {
		return fmt.Errorf("%w: set cursor %s: %v", model.ErrStorage, table, err)
	}
	return nil
}

func (s *Store) SetLastRemoteSync(ctx context.Context, tenantID, ts string) error {
	return s.setCursor(ctx, "last_remote_sync_timestamp", tenantID, ts)
}

func (s *Store) SetLastLocalSync(ctx context.Context, tenantID, ts string) error {
	return s.setCursor(ctx, "last_local_sync_timestamp", tenantID, ts)
}

func (s *Store) SetLastPullExternal(ctx context.Context, tenantID, ts string) error {
	return s.setCursor(ctx, "last_pull_external_sync_timestamp", tenantID, ts)
}

func (s *Store) SetLastPushExternal(ctx context.Context, tenantID, ts string) error {
	return s.setCursor(ctx, "last_push_external_sync_timestamp", tenantID, ts)
}

// ClearStore destructively wipes every table for one tenant.
func (s *Store) ClearStore(ctx context.Context, tenantID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	tables := []string{
		"events", "audit_log", "entities", "potential_duplicates", "merkle_root",
		"last_remote_sync_timestamp", "last_local_sync_timestamp",
		"last_pull_external_sync_timestamp", "last_push_external_sync_timestamp",
	}
	for _, t := range tables {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE tenant_id = $1", t), tenantID); err != nil {
			return fmt.Errorf("%w: clear %s: %v", model.ErrStorage, t, err)
		}
	}
	return tx.Commit(ctx)
}

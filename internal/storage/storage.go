// Package storage defines the capability interfaces every backend
// implements: an embedded, single-process adapter and a
// relational, multi-tenant adapter. The core depends only on these
// interfaces, never on a concrete backend.
package storage

import (
	"context"

	"github.com/amaydixit11/formvault/internal/model"
)

// Page is the result of a paginated events-since query.
type Page struct {
	Events     []model.Event
	NextCursor string // empty means no further page
}

// EntityCriteria is the untyped search document search_entities accepts
// over the wire, compiled by the query package before matching.
type EntityCriteria = map[string]interface{}

// EventStorageAdapter owns the event log, the audit log, the Merkle root,
// and the four sync cursors for a tenant.
type EventStorageAdapter interface {
	Initialize(ctx context.Context) error

	SaveEvents(ctx context.Context, tenantID string, events []model.Event) ([]string, error)
	GetEvents(ctx context.Context, tenantID string) ([]model.Event, error)
	GetEventsSince(ctx context.Context, tenantID, since string) ([]model.Event, error)
	GetEventsSincePaginated(ctx context.Context, tenantID, since string, limit int) (Page, error)
	GetEventsForEntitySubtree(ctx context.Context, tenantID, rootGuid, sinceInclusive string) ([]model.Event, error)
	IsEventExisted(ctx context.Context, tenantID, guid string) (bool, error)

	SaveAuditLog(ctx context.Context, tenantID string, entries []model.AuditLogEntry) error
	GetAuditLogSince(ctx context.Context, tenantID, since string) ([]model.AuditLogEntry, error)
	GetAuditTrailByEntityGuid(ctx context.Context, tenantID, entityGuid string) ([]model.AuditLogEntry, error)

	SaveMerkleRoot(ctx context.Context, tenantID, root string) error
	GetMerkleRoot(ctx context.Context, tenantID string) (string, error)

	UpdateEventSyncLevel(ctx context.Context, tenantID, guid string, level model.SyncLevel) error
	UpdateAuditLogSyncLevel(ctx context.Context, tenantID, entityGuid string, level model.SyncLevel) error
	UpdateSyncLevelFromEvents(ctx context.Context, tenantID string, guids []string, level model.SyncLevel) error

	GetCursors(ctx context.Context, tenantID string) (model.SyncCursors, error)
	SetLastRemoteSync(ctx context.Context, tenantID, ts string) error
	SetLastLocalSync(ctx context.Context, tenantID, ts string) error
	SetLastPullExternal(ctx context.Context, tenantID, ts string) error
	SetLastPushExternal(ctx context.Context, tenantID, ts string) error

	ClearStore(ctx context.Context, tenantID string) error
	Close() error
}

// EntityStorageAdapter owns entity pairs and the duplicate-candidate queue
// for a tenant.
type EntityStorageAdapter interface {
	Initialize(ctx context.Context) error

	SaveEntity(ctx context.Context, tenantID string, pair model.EntityPair) error
	GetEntity(ctx context.Context, tenantID, idOrGuid string) (model.EntityPair, error)
	GetEntityByExternalID(ctx context.Context, tenantID, externalID string) (model.EntityPair, error)
	GetAllEntities(ctx context.Context, tenantID string) ([]model.EntityPair, error)
	GetModifiedEntitiesSince(ctx context.Context, tenantID, since string) ([]model.EntityPair, error)
	DeleteEntity(ctx context.Context, tenantID, id string) error

	MarkEntityAsSynced(ctx context.Context, tenantID, id, now string) error

	SearchEntities(ctx context.Context, tenantID string, criteria EntityCriteria) ([]model.EntityPair, error)

	SavePotentialDuplicates(ctx context.Context, tenantID string, pairs []model.DuplicateCandidate) error
	GetPotentialDuplicates(ctx context.Context, tenantID string) ([]model.DuplicateCandidate, error)
	ResolvePotentialDuplicates(ctx context.Context, tenantID string, pairs []model.DuplicateCandidate) error

	ClearStore(ctx context.Context, tenantID string) error
	Close() error
}

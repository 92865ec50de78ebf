// Package eventstore owns the event log, the audit log, the Merkle
// root, and the four sync cursors for one tenant,
// grounded on the teacher's engineImpl event-append path
// (internal/engine/engine_impl.go) but built around an explicit
// storage.EventStorageAdapter instead of a CRDT replica.
package eventstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/amaydixit11/formvault/internal/logging"
	"github.com/amaydixit11/formvault/internal/merkle"
	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage"
)

// Store is not safe for concurrent use; callers serialize writes per
// tenant
type Store struct {
	adapter  storage.EventStorageAdapter
	tenantID string
	log      logging.Logger

	tree []model.Event // in-memory ordered log backing the Merkle tree
	root string
}

// New constructs a Store scoped to tenantID over adapter. Call
// Initialize before use.
func New(adapter storage.EventStorageAdapter, tenantID string, log logging.Logger) *Store {
	if log == nil {
		log = logging.Noop
	}
	return &Store{adapter: adapter, tenantID: tenantID, log: log}
}

// Initialize loads the full event log and rebuilds the in-memory
// Merkle tree. If the recomputed root disagrees with the persisted
// one, the recomputed root wins and is re-persisted (self-healing: the
// log is authoritative, the stored root only reflects the last
// successful write).
func (s *Store) Initialize(ctx context.Context) error {
	events, err := s.adapter.GetEvents(ctx, s.tenantID)
	if err != nil {
		return fmt.Errorf("load event log: %w", err)
	}
	sortByTimestamp(events)
	s.tree = events

	recomputed, err := merkle.ComputeRoot(events)
	if err != nil {
		return fmt.Errorf("%w: recompute root: %v", model.ErrIntegrity, err)
	}

	persisted, err := s.adapter.GetMerkleRoot(ctx, s.tenantID)
	if err != nil {
		return fmt.Errorf("load persisted root: %w", err)
	}

	if persisted != recomputed {
		s.log.Printf("eventstore: merkle root mismatch for tenant %s (persisted=%q recomputed=%q), self-healing to recomputed", s.tenantID, persisted, recomputed)
		if err := s.adapter.SaveMerkleRoot(ctx, s.tenantID, recomputed); err != nil {
			return fmt.Errorf("persist recomputed root: %w", err)
		}
	}
	s.root = recomputed
	return nil
}

func sortByTimestamp(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
}

// SaveEvent validates guid non-emptiness and novelty, appends via the
// adapter, recomputes the tree from the updated ordered log, and
// persists the new root before returning
func (s *Store) SaveEvent(ctx context.Context, event model.Event) (string, error) {
	if event.Guid == "" {
		return "", fmt.Errorf("%w: event guid is required", model.ErrValidation)
	}
	existed, err := s.adapter.IsEventExisted(ctx, s.tenantID, event.Guid)
	if err != nil {
		return "", fmt.Errorf("check event existence: %w", err)
	}
	if existed {
		return "", fmt.Errorf("%w: %s", model.ErrDuplicateEvent, event.Guid)
	}

	if _, err := s.adapter.SaveEvents(ctx, s.tenantID, []model.Event{event}); err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}

	s.tree = append(s.tree, event)
	sortByTimestamp(s.tree)

	root, err := merkle.ComputeRoot(s.tree)
	if err != nil {
		return "", fmt.Errorf("%w: recompute root: %v", model.ErrIntegrity, err)
	}
	if err := s.adapter.SaveMerkleRoot(ctx, s.tenantID, root); err != nil {
		return "", fmt.Errorf("persist root: %w", err)
	}
	s.root = root

	return event.Guid, nil
}

// Root returns the current in-memory Merkle root.
func (s *Store) Root() string {
	return s.root
}

// GetProof delegates to the merkle package using the in-memory tree.
func (s *Store) GetProof(guid string) (merkle.Proof, error) {
	return merkle.ProofFor(s.tree, guid)
}

// VerifyEvent checks event against proof and the current in-memory
// root. leafIndex is the event's position in the ordered log.
func (s *Store) VerifyEvent(event model.Event, leafIndex int, proof merkle.Proof) (bool, error) {
	return merkle.Verify(event, leafIndex, proof, s.root)
}

// IndexOf returns the position of guid in the in-memory ordered log,
// or -1 if absent.
func (s *Store) IndexOf(guid string) int {
	for i, e := range s.tree {
		if e.Guid == guid {
			return i
		}
	}
	return -1
}

// SaveAuditLog appends one audit entry per applied event.
func (s *Store) SaveAuditLog(ctx context.Context, entries []model.AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.adapter.SaveAuditLog(ctx, s.tenantID, entries); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// GetAuditTrail returns every audit entry recorded against entityGuid.
func (s *Store) GetAuditTrail(ctx context.Context, entityGuid string) ([]model.AuditLogEntry, error) {
	return s.adapter.GetAuditTrailByEntityGuid(ctx, s.tenantID, entityGuid)
}

// Cursors returns the four sync cursors for the tenant.
func (s *Store) Cursors(ctx context.Context) (model.SyncCursors, error) {
	return s.adapter.GetCursors(ctx, s.tenantID)
}

// SetLastRemoteSync advances the pull cursor.
func (s *Store) SetLastRemoteSync(ctx context.Context, ts string) error {
	return s.adapter.SetLastRemoteSync(ctx, s.tenantID, ts)
}

// SetLastLocalSync advances the push cursor.
func (s *Store) SetLastLocalSync(ctx context.Context, ts string) error {
	return s.adapter.SetLastLocalSync(ctx, s.tenantID, ts)
}

// SetLastPushExternal advances the audit-log push cursor.
func (s *Store) SetLastPushExternal(ctx context.Context, ts string) error {
	return s.adapter.SetLastPushExternal(ctx, s.tenantID, ts)
}

// SetLastPullExternal advances the audit-log pull cursor.
func (s *Store) SetLastPullExternal(ctx context.Context, ts string) error {
	return s.adapter.SetLastPullExternal(ctx, s.tenantID, ts)
}

// EventsWithSyncLevel returns events whose sync_level equals level; the
// push phase of a sync lists the LOCAL ones.
func (s *Store) EventsWithSyncLevel(ctx context.Context, level model.SyncLevel) ([]model.Event, error) {
	all, err := s.adapter.GetEvents(ctx, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	var out []model.Event
	for _, e := range all {
		if e.SyncLevel == level {
			out = append(out, e)
		}
	}
	return out, nil
}

// AdvanceSyncLevel moves a batch of events to level, enforcing
// monotonicity at the adapter layer.
func (s *Store) AdvanceSyncLevel(ctx context.Context, guids []string, level model.SyncLevel) error {
	if len(guids) == 0 {
		return nil
	}
	if err := s.adapter.UpdateSyncLevelFromEvents(ctx, s.tenantID, guids, level); err != nil {
		return fmt.Errorf("advance sync level: %w", err)
	}
	for i := range s.tree {
		for _, g := range guids {
			if s.tree[i].Guid == g && s.tree[i].SyncLevel.Advances(level) {
				s.tree[i].SyncLevel = level
			}
		}
	}
	return nil
}

// IsEventExisted reports whether guid is already present in the log,
// used by the sync manager's idempotent pull gate.
func (s *Store) IsEventExisted(ctx context.Context, guid string) (bool, error) {
	return s.adapter.IsEventExisted(ctx, s.tenantID, guid)
}

// GetEventsForEntitySubtree returns every event whose entity is guid or
// a descendant of guid (via parent_guid chains), from sinceInclusive.
func (s *Store) GetEventsForEntitySubtree(ctx context.Context, rootGuid, sinceInclusive string) ([]model.Event, error) {
	return s.adapter.GetEventsForEntitySubtree(ctx, s.tenantID, rootGuid, sinceInclusive)
}

// EventsSince answers one page of a remote peer's pull request: events
// strictly newer than since, up to limit, plus the cursor to continue
// from (empty when the page was not full).
func (s *Store) EventsSince(ctx context.Context, since string, limit int) ([]model.Event, string, error) {
	page, err := s.adapter.GetEventsSincePaginated(ctx, s.tenantID, since, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list events since %q: %w", since, err)
	}
	return page.Events, page.NextCursor, nil
}

// GetAuditTrailSince answers one page of a remote peer's audit-pull
// request: every audit entry recorded strictly after since.
func (s *Store) GetAuditTrailSince(ctx context.Context, since string) ([]model.AuditLogEntry, error) {
	return s.adapter.GetAuditLogSince(ctx, s.tenantID, since)
}

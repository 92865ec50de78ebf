package syncmanager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/amaydixit11/formvault/internal/apply"
	"github.com/amaydixit11/formvault/internal/datamanager"
	"github.com/amaydixit11/formvault/internal/entitystore"
	"github.com/amaydixit11/formvault/internal/eventstore"
	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage/sqlite"
)

// fakeTransport is an in-memory Transport double: push just records
// every guid as accepted, pull serves from a fixed queue.
type fakeTransport struct {
	mu             sync.Mutex
	pushedPages    [][]model.Event
	pullQueue      []model.Event
	pullCalls      int
	pushedAudit    []model.AuditLogEntry
	pullAuditQueue []model.AuditLogEntry
}

func (f *fakeTransport) Push(ctx context.Context, page []model.Event) (Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushedPages = append(f.pushedPages, page)
	guids := make([]string, len(page))
	for i, e := range page {
		guids[i] = e.Guid
	}
	return Ack{AcceptedGuids: guids}, nil
}

func (f *fakeTransport) Pull(ctx context.Context, since string, limit int) (PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	if len(f.pullQueue) == 0 {
		return PullResult{}, nil
	}
	events := f.pullQueue
	f.pullQueue = nil
	return PullResult{Events: events}, nil
}

func (f *fakeTransport) PushAudit(ctx context.Context, entries []model.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushedAudit = append(f.pushedAudit, entries...)
	return nil
}

func (f *fakeTransport) PullAudit(ctx context.Context, since string) ([]model.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.pullAuditQueue
	f.pullAuditQueue = nil
	return queue, nil
}

func newTestSetup(t *testing.T) (*Manager, *entitystore.Store, *fakeTransport, func()) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	events := eventstore.New(store, "tenant-a", nil)
	if err := events.Initialize(ctx); err != nil {
		t.Fatalf("init event store: %v", err)
	}
	entities := entitystore.New(store, "tenant-a")
	applier := datamanager.New(events, entities, apply.NewRegistry())
	transport := &fakeTransport{}

	mgr := New(events, entities, applier, transport, Config{PageSize: 2})
	return mgr, entities, transport, func() { store.Close() }
}

func TestSyncPushesLocalEvents(t *testing.T) {
	ctx := context.Background()
	mgr, _, transport, cleanup := newTestSetup(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		form := model.NewEvent("entity-"+string(rune('a'+i)), "create-individual", json.RawMessage(`{}`), "2024-01-0"+string(rune('1'+i))+"T00:00:00Z", "user-1")
		if _, err := mgr.applier.SubmitForm(ctx, form); err != nil {
			t.Fatalf("submit form %d: %v", i, err)
		}
	}

	if err := mgr.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	totalPushed := 0
	for _, page := range transport.pushedPages {
		totalPushed += len(page)
	}
	if totalPushed != 3 {
		t.Errorf("expected 3 events pushed across pages, got %d", totalPushed)
	}
	if mgr.State() != Complete {
		t.Errorf("expected Complete state, got %s", mgr.State())
	}
}

func TestSyncPullsRemoteEventsIdempotently(t *testing.T) {
	ctx := context.Background()
	mgr, entities, transport, cleanup := newTestSetup(t)
	defer cleanup()

	remoteEvent := model.NewEvent("entity-remote", "create-individual", json.RawMessage(`{"name":"Remote"}`), "2024-02-01T00:00:00Z", "user-2")
	transport.pullQueue = []model.Event{remoteEvent}

	if err := mgr.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	pair, err := entities.GetEntity(ctx, "entity-remote")
	if err != nil {
		t.Fatalf("get pulled entity: %v", err)
	}
	if pair.Modified.SyncLevel != model.SyncRemote {
		t.Errorf("expected pulled entity sync_level REMOTE, got %s", pair.Modified.SyncLevel)
	}

	// Re-running sync with the same event queued must not reapply it.
	transport.pullQueue = []model.Event{remoteEvent}
	if err := mgr.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	pair2, err := entities.GetEntity(ctx, "entity-remote")
	if err != nil {
		t.Fatalf("get entity after second sync: %v", err)
	}
	if pair2.Modified.Version != pair.Modified.Version {
		t.Errorf("expected idempotent pull to leave version unchanged, got %d vs %d", pair2.Modified.Version, pair.Modified.Version)
	}
}

func TestSyncPushesAndPullsAuditTrail(t *testing.T) {
	ctx := context.Background()
	mgr, events, transport, cleanup := newTestSetup(t)
	defer cleanup()
	_ = events

	form := model.NewEvent("entity-a", "create-individual", json.RawMessage(`{}`), "2024-01-01T00:00:00Z", "user-1")
	if _, err := mgr.applier.SubmitForm(ctx, form); err != nil {
		t.Fatalf("submit form: %v", err)
	}

	remoteAudit := model.NewAuditLogEntry("entity-remote", "event-remote", "create-individual", json.RawMessage(`{}`), "user-2", "2024-02-01T00:00:00Z")
	transport.pullAuditQueue = []model.AuditLogEntry{remoteAudit}

	if err := mgr.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(transport.pushedAudit) != 1 {
		t.Fatalf("expected 1 audit entry pushed, got %d", len(transport.pushedAudit))
	}
	if transport.pushedAudit[0].EntityGuid != "entity-a" {
		t.Errorf("expected pushed audit entry for entity-a, got %s", transport.pushedAudit[0].EntityGuid)
	}

	trail, err := mgr.events.GetAuditTrail(ctx, "entity-remote")
	if err != nil {
		t.Fatalf("get audit trail: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("expected pulled audit entry to be saved locally, got %d entries", len(trail))
	}

	cursors, err := mgr.events.Cursors(ctx)
	if err != nil {
		t.Fatalf("cursors: %v", err)
	}
	if cursors.LastPushExternal == "" {
		t.Error("expected last_push_external to advance")
	}
	if cursors.LastPullExternal == "" {
		t.Error("expected last_pull_external to advance")
	}
}

func TestSyncBlockedByUnresolvedDuplicates(t *testing.T) {
	ctx := context.Background()
	mgr, entities, _, cleanup := newTestSetup(t)
	defer cleanup()

	if err := entities.SavePotentialDuplicates(ctx, []model.DuplicateCandidate{{EntityGuid: "a", DuplicateGuid: "b"}}); err != nil {
		t.Fatalf("save duplicate candidate: %v", err)
	}

	err := mgr.Sync(ctx)
	if !errors.Is(err, model.ErrDuplicatesBlockSync) {
		t.Fatalf("expected ErrDuplicatesBlockSync, got %v", err)
	}
	if mgr.State() != Idle {
		t.Errorf("expected state to return to Idle, got %s", mgr.State())
	}
}

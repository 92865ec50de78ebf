package eventstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage/sqlite"
)

func newTestStore(t *testing.T) (*Store, *sqlite.Store) {
	t.Helper()
	adapter, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize sqlite: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	s := New(adapter, "tenant-1", nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize eventstore: %v", err)
	}
	return s, adapter
}

func newTestEvent(entityGuid, timestamp string) model.Event {
	return model.NewEvent(entityGuid, "submit", json.RawMessage(`{"field":"value"}`), timestamp, "user-1")
}

func TestSaveEventAndRoot(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if s.Root() != "" {
		t.Errorf("expected empty root before any events, got %q", s.Root())
	}

	e1 := newTestEvent("entity-1", "2026-01-01T00:00:00Z")
	guid, err := s.SaveEvent(ctx, e1)
	if err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if guid != e1.Guid {
		t.Errorf("expected returned guid %s, got %s", e1.Guid, guid)
	}
	if s.Root() == "" {
		t.Error("expected non-empty root after saving an event")
	}
}

func TestSaveEventRejectsDuplicateGuid(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	e1 := newTestEvent("entity-1", "2026-01-01T00:00:00Z")
	if _, err := s.SaveEvent(ctx, e1); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if _, err := s.SaveEvent(ctx, e1); err == nil {
		t.Error("expected error saving a duplicate guid")
	}
}

func TestSaveEventRejectsEmptyGuid(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	e := newTestEvent("entity-1", "2026-01-01T00:00:00Z")
	e.Guid = ""
	if _, err := s.SaveEvent(ctx, e); err == nil {
		t.Error("expected error saving an event with empty guid")
	}
}

func TestGetProofAndVerify(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	e1 := newTestEvent("entity-1", "2026-01-01T00:00:00Z")
	e2 := newTestEvent("entity-2", "2026-01-02T00:00:00Z")
	s.SaveEvent(ctx, e1)
	s.SaveEvent(ctx, e2)

	idx := s.IndexOf(e1.Guid)
	if idx < 0 {
		t.Fatal("expected event to be found in ordered log")
	}
	proof, err := s.GetProof(e1.Guid)
	if err != nil {
		t.Fatalf("GetProof: %v", err)
	}
	ok, err := s.VerifyEvent(e1, idx, proof)
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if !ok {
		t.Error("expected verification to succeed for a saved event")
	}
}

func TestEventsWithSyncLevelAndAdvance(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	e1 := newTestEvent("entity-1", "2026-01-01T00:00:00Z")
	s.SaveEvent(ctx, e1)

	local, err := s.EventsWithSyncLevel(ctx, model.SyncLocal)
	if err != nil {
		t.Fatalf("EventsWithSyncLevel: %v", err)
	}
	if len(local) != 1 {
		t.Fatalf("expected 1 LOCAL event, got %d", len(local))
	}

	if err := s.AdvanceSyncLevel(ctx, []string{e1.Guid}, model.SyncSynced); err != nil {
		t.Fatalf("AdvanceSyncLevel: %v", err)
	}

	local, _ = s.EventsWithSyncLevel(ctx, model.SyncLocal)
	if len(local) != 0 {
		t.Errorf("expected 0 LOCAL events after advancing, got %d", len(local))
	}
	synced, _ := s.EventsWithSyncLevel(ctx, model.SyncSynced)
	if len(synced) != 1 {
		t.Errorf("expected 1 SYNCED event after advancing, got %d", len(synced))
	}
}

func TestIsEventExisted(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	e1 := newTestEvent("entity-1", "2026-01-01T00:00:00Z")
	existed, err := s.IsEventExisted(ctx, e1.Guid)
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Error("expected event to not exist before saving")
	}

	s.SaveEvent(ctx, e1)

	existed, err = s.IsEventExisted(ctx, e1.Guid)
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Error("expected event to exist after saving")
	}
}

func TestEventsSincePagination(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i, ts := range []string{"2026-01-01T00:00:00Z", "2026-01-02T00:00:00Z", "2026-01-03T00:00:00Z"} {
		e := newTestEvent("entity-1", ts)
		if _, err := s.SaveEvent(ctx, e); err != nil {
			t.Fatalf("SaveEvent %d: %v", i, err)
		}
	}

	page, cursor, err := s.EventsSince(ctx, "", 2)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2 events, got %d", len(page))
	}
	if cursor == "" {
		t.Error("expected a non-empty cursor when more events remain")
	}

	rest, cursor2, err := s.EventsSince(ctx, cursor, 2)
	if err != nil {
		t.Fatalf("EventsSince page 2: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining event, got %d", len(rest))
	}
	if cursor2 != "" {
		t.Error("expected empty cursor once the log is exhausted")
	}
}

func TestSyncCursors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if err := s.SetLastRemoteSync(ctx, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLastLocalSync(ctx, "2026-01-02T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	cursors, err := s.Cursors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cursors.LastRemoteSync != "2026-01-01T00:00:00Z" {
		t.Errorf("LastRemoteSync not persisted: %q", cursors.LastRemoteSync)
	}
	if cursors.LastLocalSync != "2026-01-02T00:00:00Z" {
		t.Errorf("LastLocalSync not persisted: %q", cursors.LastLocalSync)
	}
}

func TestSaveAndGetAuditTrail(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	entry := model.NewAuditLogEntry("entity-1", "event-1", "create", json.RawMessage(`{}`), "user-1", "2026-01-01T00:00:00Z")
	if err := s.SaveAuditLog(ctx, []model.AuditLogEntry{entry}); err != nil {
		t.Fatalf("SaveAuditLog: %v", err)
	}

	trail, err := s.GetAuditTrail(ctx, "entity-1")
	if err != nil {
		t.Fatalf("GetAuditTrail: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(trail))
	}
	if trail[0].Guid != entry.Guid {
		t.Errorf("expected audit guid %s, got %s", entry.Guid, trail[0].Guid)
	}
}

func TestInitializeSelfHealsTamperedRoot(t *testing.T) {
	ctx := context.Background()
	adapter, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer adapter.Close()
	if err := adapter.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	s := New(adapter, "tenant-1", nil)
	if err := s.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	e1 := newTestEvent("entity-1", "2026-01-01T00:00:00Z")
	if _, err := s.SaveEvent(ctx, e1); err != nil {
		t.Fatal(err)
	}
	correctRoot := s.Root()

	if err := adapter.SaveMerkleRoot(ctx, "tenant-1", "tampered-root-value"); err != nil {
		t.Fatal(err)
	}

	reopened := New(adapter, "tenant-1", nil)
	if err := reopened.Initialize(ctx); err != nil {
		t.Fatalf("Initialize after tampering: %v", err)
	}
	if reopened.Root() != correctRoot {
		t.Errorf("expected self-healed root %q, got %q", correctRoot, reopened.Root())
	}

	persisted, err := adapter.GetMerkleRoot(ctx, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if persisted != correctRoot {
		t.Errorf("expected self-healed root to be re-persisted, got %q", persisted)
	}
}

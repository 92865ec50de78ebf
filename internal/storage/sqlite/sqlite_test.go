package sqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkEvent(entityGuid, timestamp string) model.Event {
	return model.NewEvent(entityGuid, "submit", json.RawMessage(`{"k":"v"}`), timestamp, "user-1")
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := mkEvent("entity-1", "2026-01-01T00:00:00Z")
	if _, err := s.SaveEvents(ctx, "tenant-a", []model.Event{e}); err != nil {
		t.Fatal(err)
	}

	existedA, err := s.IsEventExisted(ctx, "tenant-a", e.Guid)
	if err != nil {
		t.Fatal(err)
	}
	if !existedA {
		t.Error("expected event to exist for tenant-a")
	}

	existedB, err := s.IsEventExisted(ctx, "tenant-b", e.Guid)
	if err != nil {
		t.Fatal(err)
	}
	if existedB {
		t.Error("expected event saved for tenant-a to not leak into tenant-b")
	}

	eventsB, err := s.GetEvents(ctx, "tenant-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(eventsB) != 0 {
		t.Errorf("expected tenant-b to see no events, got %d", len(eventsB))
	}
}

func TestSaveEventsDuplicateGuidRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := mkEvent("entity-1", "2026-01-01T00:00:00Z")
	if _, err := s.SaveEvents(ctx, "tenant-1", []model.Event{e}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveEvents(ctx, "tenant-1", []model.Event{e}); err == nil {
		t.Error("expected duplicate guid insert to fail")
	}
}

func TestUpdateEventSyncLevelRejectsRegression(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := mkEvent("entity-1", "2026-01-01T00:00:00Z")
	e.SyncLevel = model.SyncSynced
	if _, err := s.SaveEvents(ctx, "tenant-1", []model.Event{e}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateEventSyncLevel(ctx, "tenant-1", e.Guid, model.SyncLocal); err == nil {
		t.Error("expected a regression from SYNCED to LOCAL to be rejected")
	}

	if err := s.UpdateEventSyncLevel(ctx, "tenant-1", e.Guid, model.SyncRemote); err != nil {
		t.Errorf("expected forward advance to SYNCED->REMOTE to succeed, got %v", err)
	}
}

func TestUpdateEventSyncLevelNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.UpdateEventSyncLevel(ctx, "tenant-1", "nonexistent-guid", model.SyncSynced)
	if err == nil {
		t.Error("expected error updating sync level of a nonexistent event")
	}
}

func TestGetEventsForEntitySubtree(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root := mkEvent("root-entity", "2026-01-01T00:00:00Z")
	child := model.NewEvent("child-entity", "submit", json.RawMessage(`{"parentGuid":"root-entity"}`), "2026-01-02T00:00:00Z", "user-1")
	grandchild := model.NewEvent("grandchild-entity", "submit", json.RawMessage(`{"parentGuid":"child-entity"}`), "2026-01-03T00:00:00Z", "user-1")
	unrelated := mkEvent("other-entity", "2026-01-04T00:00:00Z")

	if _, err := s.SaveEvents(ctx, "tenant-1", []model.Event{root, child, grandchild, unrelated}); err != nil {
		t.Fatal(err)
	}

	subtree, err := s.GetEventsForEntitySubtree(ctx, "tenant-1", "root-entity", "")
	if err != nil {
		t.Fatalf("GetEventsForEntitySubtree: %v", err)
	}
	if len(subtree) != 3 {
		t.Fatalf("expected 3 events in subtree (root, child, grandchild), got %d", len(subtree))
	}
	for _, e := range subtree {
		if e.EntityGuid == "other-entity" {
			t.Error("unrelated entity leaked into subtree traversal")
		}
	}
}

func TestGetEventsForEntitySubtreeSinceFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root := mkEvent("root-entity", "2026-01-01T00:00:00Z")
	child := model.NewEvent("child-entity", "submit", json.RawMessage(`{"parentGuid":"root-entity"}`), "2026-01-05T00:00:00Z", "user-1")
	s.SaveEvents(ctx, "tenant-1", []model.Event{root, child})

	subtree, err := s.GetEventsForEntitySubtree(ctx, "tenant-1", "root-entity", "2026-01-03T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(subtree) != 1 || subtree[0].EntityGuid != "child-entity" {
		t.Errorf("expected only the child event past the since cutoff, got %+v", subtree)
	}
}

func TestClearStoreIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.SaveEvents(ctx, "tenant-a", []model.Event{mkEvent("e1", "2026-01-01T00:00:00Z")})
	s.SaveEvents(ctx, "tenant-b", []model.Event{mkEvent("e2", "2026-01-01T00:00:00Z")})

	if err := s.ClearStore(ctx, "tenant-a"); err != nil {
		t.Fatalf("ClearStore: %v", err)
	}

	eventsA, _ := s.GetEvents(ctx, "tenant-a")
	if len(eventsA) != 0 {
		t.Errorf("expected tenant-a cleared, got %d events", len(eventsA))
	}
	eventsB, _ := s.GetEvents(ctx, "tenant-b")
	if len(eventsB) != 1 {
		t.Errorf("expected tenant-b untouched, got %d events", len(eventsB))
	}
}

func TestMerkleRootRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root, err := s.GetMerkleRoot(ctx, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if root != "" {
		t.Errorf("expected empty root for uninitialized tenant, got %q", root)
	}

	if err := s.SaveMerkleRoot(ctx, "tenant-1", "abc123"); err != nil {
		t.Fatal(err)
	}
	root, err = s.GetMerkleRoot(ctx, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if root != "abc123" {
		t.Errorf("expected root abc123, got %q", root)
	}

	if err := s.SaveMerkleRoot(ctx, "tenant-1", "def456"); err != nil {
		t.Fatal(err)
	}
	root, _ = s.GetMerkleRoot(ctx, "tenant-1")
	if root != "def456" {
		t.Errorf("expected upserted root def456, got %q", root)
	}
}

func TestGetEventsSincePaginatedCursor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	events := []model.Event{
		mkEvent("e1", "2026-01-01T00:00:00Z"),
		mkEvent("e2", "2026-01-02T00:00:00Z"),
		mkEvent("e3", "2026-01-03T00:00:00Z"),
	}
	s.SaveEvents(ctx, "tenant-1", events)

	page, err := s.GetEventsSincePaginated(ctx, "tenant-1", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Events))
	}
	if page.NextCursor != "2026-01-02T00:00:00Z" {
		t.Errorf("expected cursor at last page event's timestamp, got %q", page.NextCursor)
	}

	last, err := s.GetEventsSincePaginated(ctx, "tenant-1", page.NextCursor, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(last.Events) != 1 {
		t.Fatalf("expected 1 remaining event, got %d", len(last.Events))
	}
	if last.NextCursor != "" {
		t.Error("expected empty cursor on a non-full final page")
	}
}

func TestSearchEntitiesWithFullTextAssist(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	alice := model.EntityDoc{ID: "id-1", Guid: "guid-1", Type: model.EntityIndividual, Data: json.RawMessage(`{"name":"Alice Johnson"}`), Version: 1}
	bob := model.EntityDoc{ID: "id-2", Guid: "guid-2", Type: model.EntityIndividual, Data: json.RawMessage(`{"name":"Bob Smith"}`), Version: 1}
	if err := s.SaveEntity(ctx, "tenant-1", model.EntityPair{Guid: "guid-1", Initial: alice, Modified: alice}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveEntity(ctx, "tenant-1", model.EntityPair{Guid: "guid-2", Initial: bob, Modified: bob}); err != nil {
		t.Fatal(err)
	}

	if err := s.WithFullTextIndex(t.TempDir()); err != nil {
		t.Fatalf("WithFullTextIndex: %v", err)
	}

	results, err := s.SearchEntities(ctx, "tenant-1", storage.EntityCriteria{"data.name": "johnson"})
	if err != nil {
		t.Fatalf("SearchEntities: %v", err)
	}
	if len(results) != 1 || results[0].Guid != "guid-1" {
		t.Errorf("expected only guid-1 to match via the full-text assist, got %+v", results)
	}
}

func TestSearchEntitiesFullTextIndexBackfillsExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	carol := model.EntityDoc{ID: "id-3", Guid: "guid-3", Type: model.EntityIndividual, Data: json.RawMessage(`{"name":"Carol Danvers"}`), Version: 1}
	if err := s.SaveEntity(ctx, "tenant-1", model.EntityPair{Guid: "guid-3", Initial: carol, Modified: carol}); err != nil {
		t.Fatal(err)
	}

	// Entity saved before the index was attached must still be searchable
	// once it is, via the backfill in WithFullTextIndex.
	if err := s.WithFullTextIndex(t.TempDir()); err != nil {
		t.Fatalf("WithFullTextIndex: %v", err)
	}

	results, err := s.SearchEntities(ctx, "tenant-1", storage.EntityCriteria{"data.name": "danvers"})
	if err != nil {
		t.Fatalf("SearchEntities: %v", err)
	}
	if len(results) != 1 || results[0].Guid != "guid-3" {
		t.Errorf("expected backfilled guid-3 to match, got %+v", results)
	}
}

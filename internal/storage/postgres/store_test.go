package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage"
)

// These tests exercise the adapter against a real PostgreSQL instance and
// are skipped unless FORMVAULT_TEST_POSTGRES_DSN points at one; the
// in-process sqlite adapter carries the fast, always-on coverage for the
// shared EventStorageAdapter/EntityStorageAdapter contracts.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FORMVAULT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORMVAULT_TEST_POSTGRES_DSN not set, skipping postgres adapter tests")
	}
	s, err := New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() {
		s.ClearStore(context.Background(), "tenant-1")
		s.Close()
	})
	return s
}

func TestPostgresSaveAndGetEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := model.NewEvent("entity-1", "submit", json.RawMessage(`{"field":"value"}`), "2026-01-01T00:00:00Z", "user-1")
	if _, err := s.SaveEvents(ctx, "tenant-1", []model.Event{e}); err != nil {
		t.Fatalf("SaveEvents: %v", err)
	}

	existed, err := s.IsEventExisted(ctx, "tenant-1", e.Guid)
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Error("expected saved event to exist")
	}

	events, err := s.GetEvents(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestPostgresSaveAndSearchEntities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc := model.EntityDoc{ID: "id-1", Guid: "guid-1", Type: model.EntityIndividual, Data: json.RawMessage(`{"name":"Alice"}`), Version: 1, LastUpdated: "2026-01-01T00:00:00Z"}
	pair := model.EntityPair{Guid: "guid-1", Initial: doc, Modified: doc}
	if err := s.SaveEntity(ctx, "tenant-1", pair); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}

	got, err := s.GetEntity(ctx, "tenant-1", "id-1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Guid != "guid-1" {
		t.Errorf("expected guid-1, got %s", got.Guid)
	}

	results, err := s.SearchEntities(ctx, "tenant-1", storage.EntityCriteria{"data.name": "Alice"})
	if err != nil {
		t.Fatalf("SearchEntities: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 search result, got %d", len(results))
	}
}

func TestPostgresSyncCursors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SetLastRemoteSync(ctx, "tenant-1", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	cursors, err := s.GetCursors(ctx, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if cursors.LastRemoteSync == "" {
		t.Error("expected LastRemoteSync to be persisted")
	}
}

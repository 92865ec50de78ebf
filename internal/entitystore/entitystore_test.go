package entitystore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage"
	"github.com/amaydixit11/formvault/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	adapter, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	s := New(adapter, "tenant-1")
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s
}

func newDoc(id, guid string, version int64, data string) model.EntityDoc {
	return model.EntityDoc{
		ID:          id,
		Guid:        guid,
		Type:        model.EntityIndividual,
		Data:        json.RawMessage(data),
		Version:     version,
		LastUpdated: "2026-01-01T00:00:00Z",
	}
}

func TestSaveEntityNormalizesMissingInitial(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	modified := newDoc("id-1", "guid-1", 1, `{"name":"Alice"}`)
	pair := model.EntityPair{Guid: "guid-1", Modified: modified}

	if err := s.SaveEntity(ctx, pair); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}

	got, err := s.GetEntity(ctx, "id-1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Initial.Version != got.Modified.Version {
		t.Errorf("expected initial to mirror modified on first save, got initial=%+v modified=%+v", got.Initial, got.Modified)
	}
	if !got.Synced() {
		t.Error("expected a freshly saved pair with no prior initial to be Synced")
	}
}

func TestSaveEntityPreservesExplicitInitial(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	initial := newDoc("id-1", "guid-1", 1, `{"name":"Alice"}`)
	modified := newDoc("id-1", "guid-1", 2, `{"name":"Alicia"}`)
	pair := model.EntityPair{Guid: "guid-1", Initial: initial, Modified: modified}

	if err := s.SaveEntity(ctx, pair); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}

	got, err := s.GetEntity(ctx, "id-1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Synced() {
		t.Error("expected a pair with divergent initial/modified versions to not be Synced")
	}
}

func TestGetEntityByExternalID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc := newDoc("id-1", "guid-1", 1, `{}`)
	doc.ExternalID = "ext-123"
	pair := model.EntityPair{Guid: "guid-1", Modified: doc}
	if err := s.SaveEntity(ctx, pair); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEntityByExternalID(ctx, "ext-123")
	if err != nil {
		t.Fatalf("GetEntityByExternalID: %v", err)
	}
	if got.Guid != "guid-1" {
		t.Errorf("expected guid-1, got %s", got.Guid)
	}
}

func TestGetAllEntities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, guid := range []string{"guid-1", "guid-2", "guid-3"} {
		doc := newDoc("id-"+guid, guid, int64(i+1), `{}`)
		if err := s.SaveEntity(ctx, model.EntityPair{Guid: guid, Modified: doc}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.GetAllEntities(ctx)
	if err != nil {
		t.Fatalf("GetAllEntities: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 entities, got %d", len(all))
	}
}

func TestGetModifiedEntitiesSince(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := newDoc("id-1", "guid-1", 1, `{}`)
	old.LastUpdated = "2026-01-01T00:00:00Z"
	recent := newDoc("id-2", "guid-2", 1, `{}`)
	recent.LastUpdated = "2026-01-05T00:00:00Z"

	s.SaveEntity(ctx, model.EntityPair{Guid: "guid-1", Modified: old})
	s.SaveEntity(ctx, model.EntityPair{Guid: "guid-2", Modified: recent})

	since, err := s.GetModifiedEntitiesSince(ctx, "2026-01-02T00:00:00Z")
	if err != nil {
		t.Fatalf("GetModifiedEntitiesSince: %v", err)
	}
	if len(since) != 1 || since[0].Guid != "guid-2" {
		t.Errorf("expected only guid-2 modified since cutoff, got %+v", since)
	}
}

func TestDeleteEntity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc := newDoc("id-1", "guid-1", 1, `{}`)
	s.SaveEntity(ctx, model.EntityPair{Guid: "guid-1", Modified: doc})

	if err := s.DeleteEntity(ctx, "id-1"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	if _, err := s.GetEntity(ctx, "id-1"); err == nil {
		t.Error("expected error fetching a deleted entity")
	}
}

func TestMarkEntityAsSynced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	initial := newDoc("id-1", "guid-1", 1, `{"name":"Alice"}`)
	modified := newDoc("id-1", "guid-1", 2, `{"name":"Alicia"}`)
	s.SaveEntity(ctx, model.EntityPair{Guid: "guid-1", Initial: initial, Modified: modified})

	if err := s.MarkEntityAsSynced(ctx, "id-1", "2026-01-10T00:00:00Z"); err != nil {
		t.Fatalf("MarkEntityAsSynced: %v", err)
	}

	got, err := s.GetEntity(ctx, "id-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Synced() {
		t.Error("expected pair to be Synced after MarkEntityAsSynced")
	}
	if got.Initial.Version != modified.Version {
		t.Errorf("expected initial folded to modified version %d, got %d", modified.Version, got.Initial.Version)
	}
}

func TestSearchEntities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	alice := newDoc("id-1", "guid-1", 1, `{"name":"Alice Smith"}`)
	bob := newDoc("id-2", "guid-2", 1, `{"name":"Bob Jones"}`)
	s.SaveEntity(ctx, model.EntityPair{Guid: "guid-1", Modified: alice})
	s.SaveEntity(ctx, model.EntityPair{Guid: "guid-2", Modified: bob})

	results, err := s.SearchEntities(ctx, storage.EntityCriteria{"data.name": "smith"})
	if err != nil {
		t.Fatalf("SearchEntities: %v", err)
	}
	if len(results) != 1 || results[0].Guid != "guid-1" {
		t.Errorf("expected only guid-1 to match, got %+v", results)
	}
}

func TestHasUnresolvedDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	has, err := s.HasUnresolvedDuplicates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("expected no duplicates on a fresh store")
	}

	cand := model.DuplicateCandidate{EntityGuid: "guid-1", DuplicateGuid: "guid-2"}
	if err := s.SavePotentialDuplicates(ctx, []model.DuplicateCandidate{cand}); err != nil {
		t.Fatal(err)
	}

	has, err = s.HasUnresolvedDuplicates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("expected unresolved duplicates after saving a candidate")
	}
}

func TestSavePotentialDuplicatesDedupesByUnorderedKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c1 := model.DuplicateCandidate{EntityGuid: "guid-1", DuplicateGuid: "guid-2"}
	c2 := model.DuplicateCandidate{EntityGuid: "guid-2", DuplicateGuid: "guid-1"} // same pair, reversed

	if err := s.SavePotentialDuplicates(ctx, []model.DuplicateCandidate{c1, c2}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPotentialDuplicates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("expected a reversed-pair duplicate to collapse to 1 row, got %d", len(got))
	}
}

func TestResolvePotentialDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cand := model.DuplicateCandidate{EntityGuid: "guid-1", DuplicateGuid: "guid-2"}
	s.SavePotentialDuplicates(ctx, []model.DuplicateCandidate{cand})

	if err := s.ResolvePotentialDuplicates(ctx, []model.DuplicateCandidate{cand}); err != nil {
		t.Fatalf("ResolvePotentialDuplicates: %v", err)
	}

	has, err := s.HasUnresolvedDuplicates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("expected no unresolved duplicates after resolving the only candidate")
	}
}

package datamanager

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/amaydixit11/formvault/internal/apply"
	"github.com/amaydixit11/formvault/internal/entitystore"
	"github.com/amaydixit11/formvault/internal/eventstore"
	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage/sqlite"
)

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize schema: %v", err)
	}

	events := eventstore.New(store, "tenant-a", nil)
	if err := events.Initialize(ctx); err != nil {
		t.Fatalf("initialize event store: %v", err)
	}
	entities := entitystore.New(store, "tenant-a")

	m := New(events, entities, apply.NewRegistry())
	return m, func() { store.Close() }
}

func TestSubmitFormCreatesEntity(t *testing.T) {
	ctx := context.Background()
	m, cleanup := newTestManager(t)
	defer cleanup()

	form := model.NewEvent("entity-1", "create-individual", json.RawMessage(`{"name":"Ada"}`), "2024-01-01T00:00:00Z", "user-1")
	version, err := m.SubmitForm(ctx, form)
	if err != nil {
		t.Fatalf("submit form: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}

	pair, err := m.entities.GetEntity(ctx, "entity-1")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if !pair.Synced() {
		t.Error("expected freshly created pair to be synced (initial == modified)")
	}
}

func TestSubmitFormRejectsDuplicateGuid(t *testing.T) {
	ctx := context.Background()
	m, cleanup := newTestManager(t)
	defer cleanup()

	form := model.NewEvent("entity-1", "create-individual", json.RawMessage(`{}`), "2024-01-01T00:00:00Z", "user-1")
	if _, err := m.SubmitForm(ctx, form); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := m.SubmitForm(ctx, form); err == nil {
		t.Error("expected second submit with identical guid to fail")
	}
}

func TestSubmitFormDeleteRemovesEntity(t *testing.T) {
	ctx := context.Background()
	m, cleanup := newTestManager(t)
	defer cleanup()

	create := model.NewEvent("entity-1", "create-individual", json.RawMessage(`{}`), "2024-01-01T00:00:00Z", "user-1")
	if _, err := m.SubmitForm(ctx, create); err != nil {
		t.Fatalf("create: %v", err)
	}

	del := model.NewEvent("entity-1", "delete", json.RawMessage(`{}`), "2024-01-02T00:00:00Z", "user-1")
	if _, err := m.SubmitForm(ctx, del); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := m.entities.GetEntity(ctx, "entity-1"); err == nil {
		t.Error("expected entity to be gone after delete")
	}
}

func TestSubmitFormMaterializesGroupMembers(t *testing.T) {
	ctx := context.Background()
	m, cleanup := newTestManager(t)
	defer cleanup()

	form := model.NewEvent("group-1", "create-group", json.RawMessage(`{"members":[{"name":"A"},{"name":"B"}]}`), "2024-01-01T00:00:00Z", "user-1")
	version, err := m.SubmitForm(ctx, form)
	if err != nil {
		t.Fatalf("submit form: %v", err)
	}
	if version != 1 {
		t.Errorf("expected group version 1, got %d", version)
	}

	group, err := m.entities.GetEntity(ctx, "group-1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	var groupData struct {
		Members []string `json:"members"`
	}
	if err := json.Unmarshal(group.Modified.Data, &groupData); err != nil {
		t.Fatalf("unmarshal group data: %v", err)
	}
	if len(groupData.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(groupData.Members))
	}

	for _, childGuid := range groupData.Members {
		child, err := m.entities.GetEntity(ctx, childGuid)
		if err != nil {
			t.Fatalf("expected member %s to be materialized as its own entity pair: %v", childGuid, err)
		}
		if child.Modified.Type != model.EntityIndividual {
			t.Errorf("expected member %s to be an individual, got %s", childGuid, child.Modified.Type)
		}
	}
}

func TestSubmitFormChangeNotifications(t *testing.T) {
	ctx := context.Background()
	m, cleanup := newTestManager(t)
	defer cleanup()

	sub := m.Subscribe()
	defer sub.Close()

	form := model.NewEvent("entity-1", "create-individual", json.RawMessage(`{}`), "2024-01-01T00:00:00Z", "user-1")
	if _, err := m.SubmitForm(ctx, form); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != EventCreated {
			t.Errorf("expected EventCreated, got %s", ev.Type)
		}
	default:
		t.Error("expected a change notification to be published")
	}
}

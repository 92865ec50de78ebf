package crypto_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/amaydixit11/formvault/internal/crypto"
	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage/sqlite"
)

func TestEventAdapterSealsDataAtRest(t *testing.T) {
	raw, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer raw.Close()
	if err := raw.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealed := crypto.NewEventAdapter(raw, key)

	ctx := context.Background()
	event := model.NewEvent("p1", "create-individual", json.RawMessage(`{"name":"Ana"}`), "2024-01-01T00:00:00Z", "u1")
	event.Guid = "e1"
	if _, err := sealed.SaveEvents(ctx, "t1", []model.Event{event}); err != nil {
		t.Fatalf("save events: %v", err)
	}

	// The raw backend must never see the plaintext name.
	rawEvents, err := raw.GetEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("get raw events: %v", err)
	}
	if len(rawEvents) != 1 {
		t.Fatalf("expected 1 raw event, got %d", len(rawEvents))
	}
	if strings.Contains(string(rawEvents[0].Data), "Ana") {
		t.Fatal("plaintext leaked into the underlying backend")
	}

	// Reading back through the encrypting adapter recovers the plaintext.
	opened, err := sealed.GetEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("get sealed events: %v", err)
	}
	if len(opened) != 1 || !strings.Contains(string(opened[0].Data), "Ana") {
		t.Fatalf("expected decrypted payload to contain Ana, got %s", opened[0].Data)
	}

	// A different key must not be able to open the sealed payload.
	other, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	wrongKeyAdapter := crypto.NewEventAdapter(raw, other)
	if _, err := wrongKeyAdapter.GetEvents(ctx, "t1"); err == nil {
		t.Fatal("expected decryption with the wrong key to fail")
	}
}

func TestEventAdapterSubtreeTraversalSeesPlaintextParent(t *testing.T) {
	raw, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer raw.Close()
	if err := raw.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealed := crypto.NewEventAdapter(raw, key)
	ctx := context.Background()

	root := model.NewEvent("a", "create-group", json.RawMessage(`{}`), "2024-01-01T00:00:00Z", "u1")
	root.Guid = "root"
	child := model.NewEvent("b", "create-individual-from-group", json.RawMessage(`{"parentGuid":"a"}`), "2024-01-02T00:00:00Z", "u1")
	child.Guid = "child"
	if _, err := sealed.SaveEvents(ctx, "t1", []model.Event{root, child}); err != nil {
		t.Fatalf("save events: %v", err)
	}

	subtree, err := sealed.GetEventsForEntitySubtree(ctx, "t1", "a", "")
	if err != nil {
		t.Fatalf("subtree: %v", err)
	}
	if len(subtree) != 2 {
		t.Fatalf("expected both events in the subtree, got %d", len(subtree))
	}
}

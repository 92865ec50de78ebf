package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
)

// fakeBackend is an in-memory ServerBackend double.
type fakeBackend struct {
	events []model.Event
}

func (b *fakeBackend) EventsWithSyncLevel(ctx context.Context, level model.SyncLevel) ([]model.Event, error) {
	return b.events, nil
}

func (b *fakeBackend) EventsSince(ctx context.Context, since string, limit int) ([]model.Event, string, error) {
	if since != "" {
		return nil, "", nil
	}
	end := limit
	if end > len(b.events) {
		end = len(b.events)
	}
	page := b.events[:end]
	next := ""
	if end < len(b.events) {
		next = page[len(page)-1].Timestamp
	}
	return page, next, nil
}

func (b *fakeBackend) IsEventExisted(ctx context.Context, guid string) (bool, error) {
	for _, ev := range b.events {
		if ev.Guid == guid {
			return true, nil
		}
	}
	return false, nil
}

func (b *fakeBackend) ApplyIncoming(ctx context.Context, event model.Event) error {
	b.events = append(b.events, event)
	return nil
}

func (b *fakeBackend) GetAuditTrailSince(ctx context.Context, since string) ([]model.AuditLogEntry, error) {
	return nil, nil
}

func (b *fakeBackend) SaveIncomingAudit(ctx context.Context, entries []model.AuditLogEntry) error {
	return nil
}

func TestClientServerPushPull(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverHost, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("create server host: %v", err)
	}
	defer serverHost.Close()

	backend := &fakeBackend{}
	NewServer(serverHost, backend, nil, nil)

	serverInfo := peer.AddrInfo{ID: serverHost.ID(), Addrs: serverHost.Addrs()}

	cfg := DefaultConfig()
	cfg.EnableMDNS = false
	client, err := NewClient(cfg, serverInfo)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	defer client.Close()

	if err := client.Host().Connect(ctx, serverInfo); err != nil {
		t.Fatalf("connect to server: %v", err)
	}

	pushed := []model.Event{
		model.NewEvent("entity-1", "create-individual", json.RawMessage(`{}`), "2024-01-01T00:00:00Z", "user-1"),
	}
	ack, err := client.Push(ctx, pushed)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(ack.AcceptedGuids) != 1 || ack.AcceptedGuids[0] != pushed[0].Guid {
		t.Errorf("unexpected ack: %+v", ack)
	}

	result, err := client.Pull(ctx, "", 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].Guid != pushed[0].Guid {
		t.Errorf("expected to pull back the pushed event, got %+v", result.Events)
	}
}

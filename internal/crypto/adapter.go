package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage"
)

// envelope is the JSON shape a sealed payload takes at rest, so the
// column underneath still holds valid JSON for backends that validate
// it (Postgres JSONB).
type envelope struct {
	Sealed string `json:"__sealed"`
}

func seal(key Key, plaintext json.RawMessage, aad string) (json.RawMessage, error) {
	if len(plaintext) == 0 {
		return plaintext, nil
	}
	ciphertext, err := Encrypt(key, plaintext, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	env := envelope{Sealed: base64.StdEncoding.EncodeToString(ciphertext)}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}

func open(key Key, data json.RawMessage, aad string) (json.RawMessage, error) {
	if len(data) == 0 {
		return data, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Sealed == "" {
		// Not an envelope: payload predates encryption or the adapter is
		// unwrapped elsewhere. Pass it through rather than fail a read.
		return data, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", err)
	}
	plaintext, err := Decrypt(key, ciphertext, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	return plaintext, nil
}

// EventAdapter wraps a storage.EventStorageAdapter, sealing each
// event's Data field with XChaCha20-Poly1305 before it reaches the
// underlying backend and opening it again on every read. The guid
// binds ciphertext to its event as additional authenticated data so a
// sealed payload cannot be silently replayed onto a different event.
//
// GetEventsForEntitySubtree cannot delegate to the underlying adapter:
// that method inspects data.parentGuid itself, which only the
// decorator can see in plaintext, so it reimplements the same
// breadth-first traversal over already-opened events instead.
type EventAdapter struct {
	underlying storage.EventStorageAdapter
	key        Key
}

var _ storage.EventStorageAdapter = (*EventAdapter)(nil)

// NewEventAdapter wraps underlying so every Data payload is sealed
// with key at rest.
func NewEventAdapter(underlying storage.EventStorageAdapter, key Key) *EventAdapter {
	return &EventAdapter{underlying: underlying, key: key}
}

func (a *EventAdapter) Initialize(ctx context.Context) error { return a.underlying.Initialize(ctx) }

func (a *EventAdapter) sealEvents(events []model.Event) ([]model.Event, error) {
	out := make([]model.Event, len(events))
	for i, e := range events {
		sealed, err := seal(a.key, e.Data, e.Guid)
		if err != nil {
			return nil, err
		}
		e.Data = sealed
		out[i] = e
	}
	return out, nil
}

func (a *EventAdapter) openEvents(events []model.Event) ([]model.Event, error) {
	for i := range events {
		opened, err := open(a.key, events[i].Data, events[i].Guid)
		if err != nil {
			return nil, fmt.Errorf("open event %s: %w", events[i].Guid, err)
		}
		events[i].Data = opened
	}
	return events, nil
}

func (a *EventAdapter) SaveEvents(ctx context.Context, tenantID string, events []model.Event) ([]string, error) {
	sealed, err := a.sealEvents(events)
	if err != nil {
		return nil, err
	}
	return a.underlying.SaveEvents(ctx, tenantID, sealed)
}

func (a *EventAdapter) GetEvents(ctx context.Context, tenantID string) ([]model.Event, error) {
	events, err := a.underlying.GetEvents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return a.openEvents(events)
}

func (a *EventAdapter) GetEventsSince(ctx context.Context, tenantID, since string) ([]model.Event, error) {
	events, err := a.underlying.GetEventsSince(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	return a.openEvents(events)
}

func (a *EventAdapter) GetEventsSincePaginated(ctx context.Context, tenantID, since string, limit int) (storage.Page, error) {
	page, err := a.underlying.GetEventsSincePaginated(ctx, tenantID, since, limit)
	if err != nil {
		return storage.Page{}, err
	}
	events, err := a.openEvents(page.Events)
	if err != nil {
		return storage.Page{}, err
	}
	page.Events = events
	return page, nil
}

func (a *EventAdapter) GetEventsForEntitySubtree(ctx context.Context, tenantID, rootGuid, sinceInclusive string) ([]model.Event, error) {
	all, err := a.GetEvents(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]string)
	for _, e := range all {
		if parent := e.ParentGuid(); parent != "" {
			children[parent] = append(children[parent], e.EntityGuid)
		}
	}

	visited := map[string]bool{rootGuid: true}
	queue := []string{rootGuid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			if !visited[child] {
				visited[child] = true
				queue = append(queue, child)
			}
		}
	}

	var result []model.Event
	for _, e := range all {
		if visited[e.EntityGuid] && e.Timestamp >= sinceInclusive {
			result = append(result, e)
		}
	}
	return result, nil
}

func (a *EventAdapter) IsEventExisted(ctx context.Context, tenantID, guid string) (bool, error) {
	return a.underlying.IsEventExisted(ctx, tenantID, guid)
}

func (a *EventAdapter) SaveAuditLog(ctx context.Context, tenantID string, entries []model.AuditLogEntry) error {
	sealed := make([]model.AuditLogEntry, len(entries))
	for i, e := range entries {
		changes, err := seal(a.key, e.Changes, e.Guid)
		if err != nil {
			return err
		}
		e.Changes = changes
		sealed[i] = e
	}
	return a.underlying.SaveAuditLog(ctx, tenantID, sealed)
}

func (a *EventAdapter) openAudit(entries []model.AuditLogEntry) ([]model.AuditLogEntry, error) {
	for i := range entries {
		changes, err := open(a.key, entries[i].Changes, entries[i].Guid)
		if err != nil {
			return nil, fmt.Errorf("open audit entry %s: %w", entries[i].Guid, err)
		}
		entries[i].Changes = changes
	}
	return entries, nil
}

func (a *EventAdapter) GetAuditLogSince(ctx context.Context, tenantID, since string) ([]model.AuditLogEntry, error) {
	entries, err := a.underlying.GetAuditLogSince(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	return a.openAudit(entries)
}

func (a *EventAdapter) GetAuditTrailByEntityGuid(ctx context.Context, tenantID, entityGuid string) ([]model.AuditLogEntry, error) {
	entries, err := a.underlying.GetAuditTrailByEntityGuid(ctx, tenantID, entityGuid)
	if err != nil {
		return nil, err
	}
	return a.openAudit(entries)
}

func (a *EventAdapter) SaveMerkleRoot(ctx context.Context, tenantID, root string) error {
	return a.underlying.SaveMerkleRoot(ctx, tenantID, root)
}

func (a *EventAdapter) GetMerkleRoot(ctx context.Context, tenantID string) (string, error) {
	return a.underlying.GetMerkleRoot(ctx, tenantID)
}

func (a *EventAdapter) UpdateEventSyncLevel(ctx context.Context, tenantID, guid string, level model.SyncLevel) error {
	return a.underlying.UpdateEventSyncLevel(ctx, tenantID, guid, level)
}

func (a *EventAdapter) UpdateAuditLogSyncLevel(ctx context.Context, tenantID, entityGuid string, level model.SyncLevel) error {
	return a.underlying.UpdateAuditLogSyncLevel(ctx, tenantID, entityGuid, level)
}

func (a *EventAdapter) UpdateSyncLevelFromEvents(ctx context.Context, tenantID string, guids []string, level model.SyncLevel) error {
	return a.underlying.UpdateSyncLevelFromEvents(ctx, tenantID, guids, level)
}

func (a *EventAdapter) GetCursors(ctx context.Context, tenantID string) (model.SyncCursors, error) {
	return a.underlying.GetCursors(ctx, tenantID)
}

func (a *EventAdapter) SetLastRemoteSync(ctx context.Context, tenantID, ts string) error {
	return a.underlying.SetLastRemoteSync(ctx, tenantID, ts)
}

func (a *EventAdapter) SetLastLocalSync(ctx context.Context, tenantID, ts string) error {
	return a.underlying.SetLastLocalSync(ctx, tenantID, ts)
}

func (a *EventAdapter) SetLastPullExternal(ctx context.Context, tenantID, ts string) error {
	return a.underlying.SetLastPullExternal(ctx, tenantID, ts)
}

func (a *EventAdapter) SetLastPushExternal(ctx context.Context, tenantID, ts string) error {
	return a.underlying.SetLastPushExternal(ctx, tenantID, ts)
}

func (a *EventAdapter) ClearStore(ctx context.Context, tenantID string) error {
	return a.underlying.ClearStore(ctx, tenantID)
}

func (a *EventAdapter) Close() error { return a.underlying.Close() }

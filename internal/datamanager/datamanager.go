// Package datamanager is the public façade of the data store: it
// orchestrates validation, event application, persistence, and audit
// for one submitted form into a single logical unit, and broadcasts
// change notifications the way the teacher's EventBus does
// (internal/engine/events.go).
package datamanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/amaydixit11/formvault/internal/apply"
	"github.com/amaydixit11/formvault/internal/entitystore"
	"github.com/amaydixit11/formvault/internal/eventstore"
	"github.com/amaydixit11/formvault/internal/model"
)

// Manager is the EntityDataManager façade. It is not safe for
// concurrent use by itself; callers serialize submissions per tenant.
type Manager struct {
	events   *eventstore.Store
	entities *entitystore.Store
	registry *apply.Registry
	bus      *EventBus
}

// New constructs a Manager over already-initialized event and entity
// stores for one tenant.
func New(events *eventstore.Store, entities *entitystore.Store, registry *apply.Registry) *Manager {
	return &Manager{events: events, entities: entities, registry: registry, bus: NewEventBus()}
}

// Subscribe registers for change notifications across every entity.
func (m *Manager) Subscribe() Subscription {
	return m.bus.Subscribe()
}

// SubmitForm validates, applies, and persists one locally originated
// form submission in a single logical unit: the primary event, any
// derived events, the upserted entity pair, and one audit entry per
// applied event. Returns the new entity version.
func (m *Manager) SubmitForm(ctx context.Context, form model.Event) (int64, error) {
	form.SyncLevel = model.SyncLocal
	return m.applyForm(ctx, form)
}

// ApplyRemoteForm runs the identical apply-persist-audit sequence for
// an event pulled from a remote sync session (InternalSyncManager's
// pull phase), stamping it and its audit trail at sync_level=REMOTE
// instead of LOCAL. The caller is responsible for the idempotency
// check (is_event_existed) before calling this.
func (m *Manager) ApplyRemoteForm(ctx context.Context, form model.Event) (int64, error) {
	form.SyncLevel = model.SyncRemote
	return m.applyForm(ctx, form)
}

func (m *Manager) applyForm(ctx context.Context, form model.Event) (int64, error) {
	if form.EntityGuid == "" {
		return 0, fmt.Errorf("%w: entity_guid is required", model.ErrValidation)
	}
	if _, err := form.ParsedTimestamp(); err != nil {
		return 0, fmt.Errorf("%w: unparseable timestamp %q: %v", model.ErrValidation, form.Timestamp, err)
	}

	// A create-group handler spawns create-individual-from-group derived
	// events for its members; those are applied through the registry and
	// materialized as their own entity pairs here too, the same as they
	// would be on a peer that received them through the pull path, so a
	// group's data.members guids always resolve to a real entity on the
	// originating device as well. The loop below only reads entity state
	// and computes the pending writes; nothing is persisted until every
	// event in the cascade has been appended to the log first (§5: the
	// log is the source of truth, so a later entity-persistence failure
	// still leaves a replayable event).
	type pendingEntity struct {
		guid   string
		delete bool
		pair   model.EntityPair
	}

	queue := []model.Event{form}
	var allEvents []model.Event
	var pending []pendingEntity
	var primaryVersion int64
	var primaryType model.EntityType
	var notifyType EventType

	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]
		ev.SyncLevel = form.SyncLevel

		var current *model.EntityDoc
		pair, err := m.entities.GetEntity(ctx, ev.EntityGuid)
		switch {
		case err == nil:
			current = &pair.Modified
		case errors.Is(err, model.ErrNotFound):
			// first event for this guid; current stays nil
		default:
			return 0, fmt.Errorf("load current entity: %w", err)
		}

		next, derived, err := m.registry.Apply(current, ev)
		if err != nil {
			return 0, err
		}
		next.SyncLevel = ev.SyncLevel

		allEvents = append(allEvents, ev)
		queue = append(queue, derived...)

		// A delete event removes the pair outright rather than upserting
		// an incremented snapshot.
		if ev.Type == "delete" {
			pending = append(pending, pendingEntity{guid: ev.EntityGuid, delete: true})
		} else {
			newPair := model.EntityPair{Guid: ev.EntityGuid, Modified: next}
			if pair.Initial.Guid != "" {
				newPair.Initial = pair.Initial
			}
			pending = append(pending, pendingEntity{guid: ev.EntityGuid, pair: newPair})
		}

		if ev.Guid == form.Guid {
			primaryVersion = next.Version
			primaryType = next.Type
			notifyType = changeType(current)
			if ev.Type == "delete" {
				notifyType = EventDeleted
			}
		}
	}

	// Events are appended first and are never rolled back on a later
	// failure in this sequence: the log is the source of truth and a
	// future replay restores entity state.
	for _, ev := range allEvents {
		if _, err := m.events.SaveEvent(ctx, ev); err != nil {
			return 0, fmt.Errorf("save event %s: %w", ev.Guid, err)
		}
	}

	for _, p := range pending {
		if p.delete {
			if err := m.entities.DeleteEntity(ctx, p.guid); err != nil {
				return 0, fmt.Errorf("delete entity: %w", err)
			}
			continue
		}
		if err := m.entities.SaveEntity(ctx, p.pair); err != nil {
			return 0, fmt.Errorf("save entity: %w", err)
		}
	}

	audits := make([]model.AuditLogEntry, 0, len(allEvents))
	for _, ev := range allEvents {
		audit := model.NewAuditLogEntry(ev.EntityGuid, ev.Guid, ev.Type, ev.Data, ev.UserID, ev.Timestamp)
		audit.SyncLevel = ev.SyncLevel
		audits = append(audits, audit)
	}
	if err := m.events.SaveAuditLog(ctx, audits); err != nil {
		return 0, fmt.Errorf("save audit log: %w", err)
	}

	m.bus.Publish(Event{Type: notifyType, EntityGuid: form.EntityGuid, EntityType: string(primaryType), Version: primaryVersion})

	return primaryVersion, nil
}

func changeType(current *model.EntityDoc) EventType {
	if current == nil {
		return EventCreated
	}
	return EventUpdated
}

// Package apply is the stateless event-application layer: a registry
// of handlers keyed by event type, grounded on the teacher's
// engineImpl.AddEntry/UpdateEntry mutation logic
// (internal/engine/engine_impl.go) but reshaped into pure functions
// that borrow an entity and return a new one plus any derived events,
// rather than mutating a CRDT replica in place.
package apply

import (
	"encoding/json"
	"fmt"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/google/uuid"
)

// Handler applies event to entity (nil for a create-* event on a fresh
// guid) and returns the resulting entity plus any derived events that
// must be appended alongside the primary one. Handlers must be
// deterministic, must advance version by exactly 1, must set
// last_updated to event.Timestamp, and must not read any state beyond
// their two arguments.
type Handler func(entity *model.EntityDoc, event model.Event) (model.EntityDoc, []model.Event, error)

// Registry is a stateless dispatch table keyed by event type.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds the registry with the built-in handler set.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register("create-individual", createIndividual)
	r.Register("update-individual", updateIndividual)
	r.Register("create-group", createGroup)
	r.Register("create-individual-from-group", createIndividualFromGroup)
	r.Register("delete", deleteEntity)
	return r
}

// Register adds or replaces the handler for eventType.
func (r *Registry) Register(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// Apply dispatches event to its registered handler.
func (r *Registry) Apply(entity *model.EntityDoc, event model.Event) (model.EntityDoc, []model.Event, error) {
	h, ok := r.handlers[event.Type]
	if !ok {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: %s", model.ErrUnknownEventType, event.Type)
	}
	return h(entity, event)
}

func createIndividual(entity *model.EntityDoc, event model.Event) (model.EntityDoc, []model.Event, error) {
	if entity != nil {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: entity %s already exists", model.ErrValidation, event.EntityGuid)
	}
	doc := model.EntityDoc{
		ID:          event.EntityGuid,
		Guid:        event.EntityGuid,
		Type:        model.EntityIndividual,
		Data:        event.Data,
		Version:     1,
		LastUpdated: event.Timestamp,
		SyncLevel:   model.SyncLocal,
	}
	return doc, nil, nil
}

func updateIndividual(entity *model.EntityDoc, event model.Event) (model.EntityDoc, []model.Event, error) {
	if entity == nil {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: entity %s not found", model.ErrValidation, event.EntityGuid)
	}
	if entity.Type != model.EntityIndividual {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: entity %s is not an individual", model.ErrValidation, event.EntityGuid)
	}

	merged, err := mergeData(entity.Data, event.Data)
	if err != nil {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: merge update-individual data: %v", model.ErrValidation, err)
	}

	next := entity.Clone()
	next.Data = merged
	next.Version = entity.Version + 1
	next.LastUpdated = event.Timestamp
	return next, nil, nil
}

func createGroup(entity *model.EntityDoc, event model.Event) (model.EntityDoc, []model.Event, error) {
	if entity != nil {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: entity %s already exists", model.ErrValidation, event.EntityGuid)
	}

	var payload struct {
		Members []json.RawMessage `json:"members"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: unmarshal group data: %v", model.ErrValidation, err)
	}

	memberGuids := make([]string, 0, len(payload.Members))
	var derived []model.Event
	for _, m := range payload.Members {
		childGuid := uuid.NewString()
		memberGuids = append(memberGuids, childGuid)
		derived = append(derived, childFromGroup(event, childGuid, m))
	}

	data, err := json.Marshal(map[string]interface{}{"members": memberGuids})
	if err != nil {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: marshal group members: %v", model.ErrSerialization, err)
	}

	doc := model.EntityDoc{
		ID:          event.EntityGuid,
		Guid:        event.EntityGuid,
		Type:        model.EntityGroup,
		Data:        data,
		Version:     1,
		LastUpdated: event.Timestamp,
		SyncLevel:   model.SyncLocal,
	}
	return doc, derived, nil
}

// childFromGroup spawns a create-individual-from-group derived event
// for one member of a group, back-referencing the group guid so the
// member can be traced to its origin
func childFromGroup(groupEvent model.Event, childGuid string, memberData json.RawMessage) model.Event {
	data, _ := json.Marshal(struct {
		ParentGuid string          `json:"parentGuid"`
		Member     json.RawMessage `json:"member"`
	}{ParentGuid: groupEvent.EntityGuid, Member: memberData})

	return model.NewEvent(childGuid, "create-individual-from-group", data, groupEvent.Timestamp, groupEvent.UserID)
}

func createIndividualFromGroup(entity *model.EntityDoc, event model.Event) (model.EntityDoc, []model.Event, error) {
	if entity != nil {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: entity %s already exists", model.ErrValidation, event.EntityGuid)
	}

	var payload struct {
		ParentGuid string          `json:"parentGuid"`
		Member     json.RawMessage `json:"member"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: unmarshal derived-member data: %v", model.ErrValidation, err)
	}

	doc := model.EntityDoc{
		ID:          event.EntityGuid,
		Guid:        event.EntityGuid,
		Type:        model.EntityIndividual,
		Data:        payload.Member,
		Version:     1,
		LastUpdated: event.Timestamp,
		SyncLevel:   model.SyncLocal,
	}
	return doc, nil, nil
}

func deleteEntity(entity *model.EntityDoc, event model.Event) (model.EntityDoc, []model.Event, error) {
	if entity == nil {
		return model.EntityDoc{}, nil, fmt.Errorf("%w: entity %s not found", model.ErrValidation, event.EntityGuid)
	}
	next := entity.Clone()
	next.Version = entity.Version + 1
	next.LastUpdated = event.Timestamp
	return next, nil, nil
}

// mergeData shallow-merges update's top-level keys over base, both
// opaque JSON objects, preserving base keys update does not mention.
func mergeData(base, update json.RawMessage) (json.RawMessage, error) {
	baseMap := map[string]interface{}{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	updateMap := map[string]interface{}{}
	if len(update) > 0 {
		if err := json.Unmarshal(update, &updateMap); err != nil {
			return nil, err
		}
	}
	for k, v := range updateMap {
		baseMap[k] = v
	}
	return json.Marshal(baseMap)
}

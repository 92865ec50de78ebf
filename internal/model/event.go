// Package model defines the event-sourced data model shared by every
// component of formvault: the append-only event, the derived entity pair,
// the audit trail, duplicate candidates, and sync cursors.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncLevel marks how far an event or audit entry has propagated. It only
// moves forward: LOCAL -> SYNCED -> REMOTE/EXTERNAL.
type SyncLevel int

const (
	SyncLocal SyncLevel = iota
	SyncSynced
	SyncRemote
	SyncExternal
)

func (l SyncLevel) String() string {
	switch l {
	case SyncLocal:
		return "LOCAL"
	case SyncSynced:
		return "SYNCED"
	case SyncRemote:
		return "REMOTE"
	case SyncExternal:
		return "EXTERNAL"
	default:
		return fmt.Sprintf("SyncLevel(%d)", int(l))
	}
}

// Advances reports whether moving from l to next respects the monotonic
// sync-level invariant (never moves backward).
func (l SyncLevel) Advances(next SyncLevel) bool {
	return next >= l
}

// EntityType distinguishes the two domain entity shapes the applier knows
// about. Groups carry an ordered member list under data.members.
type EntityType string

const (
	EntityIndividual EntityType = "individual"
	EntityGroup      EntityType = "group"
)

// Event is the atomic, immutable unit of change: a form submission against
// an entity. Only SyncLevel may change after Save.
type Event struct {
	Guid       string          `json:"guid"`
	EntityGuid string          `json:"entity_guid"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  string          `json:"timestamp"` // ISO-8601, assigned by originator
	UserID     string          `json:"user_id"`
	SyncLevel  SyncLevel       `json:"sync_level"`
}

// ParsedTimestamp parses Timestamp as RFC3339 (ISO-8601).
func (e Event) ParsedTimestamp() (time.Time, error) {
	return time.Parse(time.RFC3339, e.Timestamp)
}

// ParentGuid extracts data.parentGuid, if present, for subtree traversal.
func (e Event) ParentGuid() string {
	if len(e.Data) == 0 {
		return ""
	}
	var probe struct {
		ParentGuid string `json:"parentGuid"`
	}
	if err := json.Unmarshal(e.Data, &probe); err != nil {
		return ""
	}
	return probe.ParentGuid
}

// NewEvent constructs an Event with a fresh guid. timestamp is the
// caller-assigned wall-clock ISO-8601 string; formvault never substitutes
// its own clock for an event's recorded origin time.
func NewEvent(entityGuid, eventType string, data json.RawMessage, timestamp, userID string) Event {
	return Event{
		Guid:       uuid.NewString(),
		EntityGuid: entityGuid,
		Type:       eventType,
		Data:       data,
		Timestamp:  timestamp,
		UserID:     userID,
		SyncLevel:  SyncLocal,
	}
}

// EntityDoc is the current state of a domain entity.
type EntityDoc struct {
	ID          string          `json:"id"`
	Guid        string          `json:"guid"`
	Type        EntityType      `json:"type"`
	Data        json.RawMessage `json:"data"`
	Version     int64           `json:"version"`
	LastUpdated string          `json:"last_updated"`
	ExternalID  string          `json:"external_id,omitempty"`
	SyncLevel   SyncLevel       `json:"sync_level"`
}

// Clone returns a deep copy so callers never mutate shared state in place.
func (d EntityDoc) Clone() EntityDoc {
	dataCopy := make(json.RawMessage, len(d.Data))
	copy(dataCopy, d.Data)
	d.Data = dataCopy
	return d
}

// EntityPair is the paired (initial, modified) view of an entity: initial
// is the state at last server-confirmed sync, modified is derived by
// replaying events applied locally since.
type EntityPair struct {
	Guid     string    `json:"guid"`
	Initial  EntityDoc `json:"initial"`
	Modified EntityDoc `json:"modified"`
}

// Synced reports whether modified has not diverged from initial.
func (p EntityPair) Synced() bool {
	return p.Modified.Version == p.Initial.Version
}

// AuditLogEntry records one event application.
type AuditLogEntry struct {
	Guid       string          `json:"guid"`
	EntityGuid string          `json:"entity_guid"`
	EventGuid  string          `json:"event_guid"`
	Action     string          `json:"action"`
	Changes    json.RawMessage `json:"changes"`
	UserID     string          `json:"user_id"`
	Timestamp  string          `json:"timestamp"`
	Signature  string          `json:"signature,omitempty"`
	SyncLevel  SyncLevel       `json:"sync_level"`
}

// NewAuditLogEntry builds an audit row for one applied event.
func NewAuditLogEntry(entityGuid, eventGuid, action string, changes json.RawMessage, userID, timestamp string) AuditLogEntry {
	return AuditLogEntry{
		Guid:       uuid.NewString(),
		EntityGuid: entityGuid,
		EventGuid:  eventGuid,
		Action:     action,
		Changes:    changes,
		UserID:     userID,
		Timestamp:  timestamp,
		SyncLevel:  SyncLocal,
	}
}

// DuplicateCandidate is an unordered pair of entity guids flagged as
// possibly representing the same real-world subject. Sync is blocked
// while any candidate exists.
type DuplicateCandidate struct {
	EntityGuid    string `json:"entity_guid"`
	DuplicateGuid string `json:"duplicate_guid"`
}

// Key returns a canonical, order-independent identity for the pair so
// repeated saves are idempotent.
func (d DuplicateCandidate) Key() string {
	a, b := d.EntityGuid, d.DuplicateGuid
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// SyncCursors holds the four independent, monotonically non-decreasing
// timestamps that pace event retrieval. They are never merged.
type SyncCursors struct {
	LastRemoteSync   string `json:"last_remote_sync"`
	LastLocalSync    string `json:"last_local_sync"`
	LastPullExternal string `json:"last_pull_external"`
	LastPushExternal string `json:"last_push_external"`
}

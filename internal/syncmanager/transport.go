// Package syncmanager implements the bidirectional, two-phase
// push-then-pull sync protocol over an abstract
// Transport, grounded on the push/pull shape of
// other_examples/0ab0b7cd_marcus-td__internal-sync-client.go.go's
// GetPendingEvents/ApplyRemoteEvents and on the teacher's
// internal/sync/sync.go Config/re-entry-latch pattern.
package syncmanager

import (
	"context"

	"github.com/amaydixit11/formvault/internal/model"
)

// Ack is the transport's acknowledgement of a pushed page, keyed by
// event guid so the server can apply it idempotently.
type Ack struct {
	AcceptedGuids []string
}

// PullResult is one page of remote events plus the cursor to continue
// from, or an empty NextCursor when the remote has nothing further.
type PullResult struct {
	Events     []model.Event
	NextCursor string
}

// Transport is the abstract remote sync capability the core consumes;
// a concrete implementation supplies the wire protocol. Errors should
// be wrapped with model.ErrTransportTransient when the caller may
// retry, model.ErrTransportFatal otherwise.
type Transport interface {
	Push(ctx context.Context, page []model.Event) (Ack, error)
	Pull(ctx context.Context, since string, limit int) (PullResult, error)
	PushAudit(ctx context.Context, entries []model.AuditLogEntry) error
	PullAudit(ctx context.Context, since string) ([]model.AuditLogEntry, error)
}

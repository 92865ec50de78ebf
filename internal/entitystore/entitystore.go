// Package entitystore owns entity pairs and the duplicate-candidate
// queue for one tenant, grounded on the teacher's
// storage.Store entry CRUD (internal/storage/store.go) but widened
// from a single Entry view into a paired (initial, modified) shape
// that tracks local edits against last-synced state.
package entitystore

import (
	"context"
	"fmt"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage"
)

// Store wraps an EntityStorageAdapter with the save_entity
// normalization rule: a first save for a guid gets the same snapshot
// on both sides of the pair.
type Store struct {
	adapter  storage.EntityStorageAdapter
	tenantID string
}

// New constructs a Store scoped to tenantID over adapter.
func New(adapter storage.EntityStorageAdapter, tenantID string) *Store {
	return &Store{adapter: adapter, tenantID: tenantID}
}

// Initialize prepares the backing adapter's schema.
func (s *Store) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// SaveEntity normalizes the pair (initial mirrors modified when no
// initial was supplied) and persists it.
func (s *Store) SaveEntity(ctx context.Context, pair model.EntityPair) error {
	if pair.Initial.Guid == "" {
		pair.Initial = pair.Modified.Clone()
	}
	if err := s.adapter.SaveEntity(ctx, s.tenantID, pair); err != nil {
		return fmt.Errorf("save entity %s: %w", pair.Guid, err)
	}
	return nil
}

// GetEntity looks up a pair by id or guid.
func (s *Store) GetEntity(ctx context.Context, idOrGuid string) (model.EntityPair, error) {
	return s.adapter.GetEntity(ctx, s.tenantID, idOrGuid)
}

// GetEntityByExternalID looks up a pair by its external system id.
func (s *Store) GetEntityByExternalID(ctx context.Context, externalID string) (model.EntityPair, error) {
	return s.adapter.GetEntityByExternalID(ctx, s.tenantID, externalID)
}

// GetAllEntities returns every pair for the tenant.
func (s *Store) GetAllEntities(ctx context.Context) ([]model.EntityPair, error) {
	return s.adapter.GetAllEntities(ctx, s.tenantID)
}

// GetModifiedEntitiesSince returns pairs modified after since, for the
// pull side of a remote sync session.
func (s *Store) GetModifiedEntitiesSince(ctx context.Context, since string) ([]model.EntityPair, error) {
	return s.adapter.GetModifiedEntitiesSince(ctx, s.tenantID, since)
}

// DeleteEntity removes the pair for id. The adapter is responsible for
// purging any potential_duplicates rows referencing the deleted guid.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	return s.adapter.DeleteEntity(ctx, s.tenantID, id)
}

// MarkEntityAsSynced folds modified into initial, clearing divergence.
func (s *Store) MarkEntityAsSynced(ctx context.Context, id, now string) error {
	return s.adapter.MarkEntityAsSynced(ctx, s.tenantID, id, now)
}

// SearchEntities evaluates criteria using the backend's matching
// semantics for bare-string clauses.
func (s *Store) SearchEntities(ctx context.Context, criteria storage.EntityCriteria) ([]model.EntityPair, error) {
	return s.adapter.SearchEntities(ctx, s.tenantID, criteria)
}

// HasUnresolvedDuplicates reports whether any duplicate candidate is
// outstanding, the precondition gate InternalSyncManager checks before
// a sync proceeds.
func (s *Store) HasUnresolvedDuplicates(ctx context.Context) (bool, error) {
	pairs, err := s.adapter.GetPotentialDuplicates(ctx, s.tenantID)
	if err != nil {
		return false, fmt.Errorf("check duplicate candidates: %w", err)
	}
	return len(pairs) > 0, nil
}

// SavePotentialDuplicates records candidate pairs, deduplicated by
// unordered identity.
func (s *Store) SavePotentialDuplicates(ctx context.Context, pairs []model.DuplicateCandidate) error {
	return s.adapter.SavePotentialDuplicates(ctx, s.tenantID, dedupe(pairs))
}

func dedupe(pairs []model.DuplicateCandidate) []model.DuplicateCandidate {
	seen := make(map[string]bool, len(pairs))
	out := make([]model.DuplicateCandidate, 0, len(pairs))
	for _, p := range pairs {
		k := p.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}

// GetPotentialDuplicates returns every outstanding candidate pair.
func (s *Store) GetPotentialDuplicates(ctx context.Context) ([]model.DuplicateCandidate, error) {
	return s.adapter.GetPotentialDuplicates(ctx, s.tenantID)
}

// ResolvePotentialDuplicates removes the listed candidate pairs from
// the outstanding queue.
func (s *Store) ResolvePotentialDuplicates(ctx context.Context, pairs []model.DuplicateCandidate) error {
	return s.adapter.ResolvePotentialDuplicates(ctx, s.tenantID, pairs)
}

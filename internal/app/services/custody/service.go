// Package custody publishes partner proof-of-custody snapshots and serves
// Merkle inclusion proofs over them.
package custody

import (
	"context"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/custody"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/internal/merkle"
	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

// List pagination bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Service manages custody snapshots.
type Service struct {
	store storage.CustodyStore
	log   *logger.Logger
}

// New constructs the custody service.
func New(store storage.CustodyStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("custody")
	}
	return &Service{store: store, log: log}
}

// Publish builds and stores a snapshot over the given holdings: sorts them
// by holding key, hashes each leaf, and roots a balanced Merkle tree.
// Duplicate snapshot ids are rejected by the store.
func (s *Service) Publish(ctx context.Context, by actor.Actor, snapshotID string, holdings []custody.Holding) (custody.Snapshot, error) {
	if by.Type != actor.TypePartner {
		return custody.Snapshot{}, errors.Forbidden("only a partner may publish custody snapshots")
	}
	if snapshotID == "" {
		return custody.Snapshot{}, errors.SchemaInvalid("snapshot_id is required")
	}
	for _, h := range holdings {
		if err := h.Validate(); err != nil {
			return custody.Snapshot{}, err
		}
	}

	sorted := append([]custody.Holding(nil), holdings...)
	custody.SortHoldings(sorted)

	leaves := make([]string, len(sorted))
	for i, h := range sorted {
		leaf, err := custody.LeafHash(snapshotID, h)
		if err != nil {
			return custody.Snapshot{}, err
		}
		leaves[i] = leaf
	}
	tree := merkle.Build(leaves)

	snap := custody.Snapshot{
		SnapshotID: snapshotID,
		PartnerID:  by.ID,
		RecordedAt: time.Now().UTC(),
		LeafCount:  len(leaves),
		RootHash:   tree.Root(),
		Holdings:   sorted,
		LeafHashes: leaves,
	}
	stored, err := s.store.InsertSnapshot(ctx, snap)
	if err != nil {
		return custody.Snapshot{}, err
	}
	s.log.WithFields(map[string]any{
		"snapshot_id": stored.SnapshotID,
		"partner_id":  stored.PartnerID,
		"leaf_count":  stored.LeafCount,
	}).Info("custody snapshot published")
	return stored, nil
}

// Get fetches one snapshot.
func (s *Service) Get(ctx context.Context, snapshotID string) (custody.Snapshot, error) {
	return s.store.GetSnapshot(ctx, snapshotID)
}

// List pages snapshots forward from cursorAfter. The returned cursor is
// empty on the final page.
func (s *Service) List(ctx context.Context, cursorAfter string, limit int) ([]custody.Snapshot, string, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.store.ListSnapshots(ctx, cursorAfter, limit)
}

// Prove returns the inclusion proof for one holding of a stored snapshot,
// rebuilding the tree from the snapshot's recorded leaf hashes.
func (s *Service) Prove(ctx context.Context, snapshotID, holdingID string) (merkle.InclusionProof, error) {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	idx := snap.HoldingIndex(holdingID)
	if idx == -1 {
		return merkle.InclusionProof{}, errors.NotFound("holding", holdingID)
	}
	tree := merkle.Build(snap.LeafHashes)
	return tree.Prove(idx)
}

// VerifyHolding recomputes the holding's leaf hash and checks the proof
// against the snapshot root.
func (s *Service) VerifyHolding(snap custody.Snapshot, h custody.Holding, proof merkle.InclusionProof) error {
	leaf, err := custody.LeafHash(snap.SnapshotID, h)
	if err != nil {
		return err
	}
	return merkle.Verify(snap.RootHash, leaf, proof)
}

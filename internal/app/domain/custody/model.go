// Package custody defines partner-published proof-of-custody snapshots:
// Merkle-rooted holding sets with per-leaf hashes.
package custody

import (
	"sort"
	"strings"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/canonical"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
)

// Holding is one custodied asset position inside a snapshot.
type Holding struct {
	HoldingID string `json:"holding_id"`
	Platform  string `json:"platform"`
	AssetID   string `json:"asset_id"`
	OwnerType string `json:"owner_type"`
	OwnerID   string `json:"owner_id"`
	VaultID   string `json:"vault_id"`
	DepositID string `json:"deposit_id"`
}

// Key derives the sort key holdings are ordered by inside a snapshot:
// platform:asset_id|ownerType:ownerId|vault_id|deposit_id|holding_id.
func (h Holding) Key() string {
	return strings.Join([]string{
		h.Platform + ":" + h.AssetID,
		h.OwnerType + ":" + h.OwnerID,
		h.VaultID,
		h.DepositID,
		h.HoldingID,
	}, "|")
}

// Validate checks the fields that participate in the holding key.
func (h Holding) Validate() error {
	if h.HoldingID == "" {
		return errors.SchemaInvalid("holding requires holding_id")
	}
	if h.Platform == "" || h.AssetID == "" {
		return errors.SchemaInvalid("holding requires platform and asset_id").WithDetails("holding_id", h.HoldingID)
	}
	if h.OwnerType == "" || h.OwnerID == "" {
		return errors.SchemaInvalid("holding requires owner_type and owner_id").WithDetails("holding_id", h.HoldingID)
	}
	return nil
}

// LeafHash computes the immutable leaf hash over (snapshot_id, holding).
func LeafHash(snapshotID string, h Holding) (string, error) {
	return canonical.Hash(map[string]any{
		"snapshot_id": snapshotID,
		"holding":     h,
	})
}

// Snapshot is a published, Merkle-rooted holding set. Holdings are stored
// sorted by holding key; LeafHashes aligns with Holdings by index.
type Snapshot struct {
	SnapshotID string    `json:"snapshot_id"`
	PartnerID  string    `json:"partner_id"`
	RecordedAt time.Time `json:"recorded_at"`
	LeafCount  int       `json:"leaf_count"`
	RootHash   string    `json:"root_hash"`
	Holdings   []Holding `json:"holdings"`
	LeafHashes []string  `json:"leaf_hashes"`
}

// SortHoldings orders holdings by their derived key, in place.
func SortHoldings(holdings []Holding) {
	sort.Slice(holdings, func(i, j int) bool {
		return holdings[i].Key() < holdings[j].Key()
	})
}

// HoldingIndex finds the index of holdingID inside the snapshot, or -1.
func (s Snapshot) HoldingIndex(holdingID string) int {
	for i, h := range s.Holdings {
		if h.HoldingID == holdingID {
			return i
		}
	}
	return -1
}

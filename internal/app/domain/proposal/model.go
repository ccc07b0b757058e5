// Package proposal defines cycle proposals: enumerated barter cycles
// materialized with per-participant give/get and a deterministic identity
// derived from the canonical cycle key.
package proposal

import (
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/canonical"
)

// Explainability reason tags.
const (
	ReasonValueDelta    = "value_delta"
	ReasonConfidence    = "confidence"
	ReasonConstraintFit = "constraint_fit"
)

// Participant is one position in a cycle. Give flows to the previous
// participant in cycle order; Get arrives from the next.
type Participant struct {
	IntentID string            `json:"intent_id"`
	Actor    actor.Actor       `json:"actor"`
	Give     []intent.AssetRef `json:"give"`
	Get      []intent.AssetRef `json:"get"`
}

// CycleProposal is a scored, selectable barter cycle.
type CycleProposal struct {
	ID              string        `json:"id"`
	RunID           string        `json:"run_id,omitempty"`
	Participants    []Participant `json:"participants"`
	ConfidenceScore float64       `json:"confidence_score"`
	ValueSpread     float64       `json:"value_spread"`
	Explainability  []string      `json:"explainability"`
	ExpiresAt       time.Time     `json:"expires_at"`
	CreatedAt       time.Time     `json:"created_at"`
}

// IntentIDs returns the participant intent ids in cycle order.
func (p CycleProposal) IntentIDs() []string {
	ids := make([]string, len(p.Participants))
	for i, part := range p.Participants {
		ids[i] = part.IntentID
	}
	return ids
}

// CanonicalKey rotates a cycle's intent-id sequence so the lexicographically
// smallest id leads, without changing cycle order.
func CanonicalKey(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	min := 0
	for i := 1; i < len(ids); i++ {
		if ids[i] < ids[min] {
			min = i
		}
	}
	out := make([]string, 0, len(ids))
	out = append(out, ids[min:]...)
	out = append(out, ids[:min]...)
	return out
}

// DeriveID computes the deterministic proposal id from the canonical cycle
// key.
func DeriveID(canonicalKey []string) (string, error) {
	return canonical.ID("prop", map[string]any{"cycle": canonicalKey})
}

// ExpiredAt reports whether the proposal can no longer be accepted.
func (p CycleProposal) ExpiredAt(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

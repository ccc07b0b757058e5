// Package settlement defines the per-cycle settlement timeline, its legs,
// and the signed terminal receipts.
package settlement

import (
	"sort"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/canonical"
	"github.com/SwapGraph-Network/clearing_engine/internal/signing"
)

// State is the settlement timeline state. Transitions only move forward;
// completed and failed are absorbing.
type State string

const (
	StateAccepted      State = "accepted"
	StateEscrowPending State = "escrow.pending"
	StateEscrowReady   State = "escrow.ready"
	StateExecuting     State = "executing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// validTransitions is the full forward edge set of the state machine.
// Every non-terminal state may fail (operator_fail, deadline_passed).
var validTransitions = map[State][]State{
	StateAccepted:      {StateEscrowPending, StateFailed},
	StateEscrowPending: {StateEscrowReady, StateFailed},
	StateEscrowReady:   {StateExecuting, StateFailed},
	StateExecuting:     {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LegStatus is the per-leg deposit/release state.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegDeposited LegStatus = "deposited"
	LegReleased  LegStatus = "released"
	LegRefunded  LegStatus = "refunded"
)

// Leg is one participant-to-participant transfer inside a timeline. Deposit,
// release, and refund references are opaque to the core; the external rail
// adapter gives them meaning.
type Leg struct {
	LegID             string            `json:"leg_id"`
	IntentID          string            `json:"intent_id"`
	FromActor         actor.Actor       `json:"from_actor"`
	ToActor           actor.Actor       `json:"to_actor"`
	Assets            []intent.AssetRef `json:"assets"`
	Status            LegStatus         `json:"status"`
	DepositDeadlineAt time.Time         `json:"deposit_deadline_at"`
	DepositRef        string            `json:"deposit_ref,omitempty"`
	DepositedAt       *time.Time        `json:"deposited_at,omitempty"`
	ReleaseRef        string            `json:"release_ref,omitempty"`
	ReleasedAt        *time.Time        `json:"released_at,omitempty"`
	RefundRef         string            `json:"refund_ref,omitempty"`
	RefundedAt        *time.Time        `json:"refunded_at,omitempty"`
}

// Timeline is the settlement state machine instance for one cycle.
type Timeline struct {
	CycleID   string    `json:"cycle_id"`
	State     State     `json:"state"`
	Legs      []Leg     `json:"legs"`
	PartnerID string    `json:"partner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllLegsDeposited reports whether every leg has at least reached deposited.
func (t Timeline) AllLegsDeposited() bool {
	for _, leg := range t.Legs {
		if leg.Status != LegDeposited && leg.Status != LegReleased {
			return false
		}
	}
	return true
}

// LegByIntent finds the leg owned by intentID, or -1.
func (t Timeline) LegByIntent(intentID string) int {
	for i, leg := range t.Legs {
		if leg.IntentID == intentID {
			return i
		}
	}
	return -1
}

// ReleaseRef derives the deterministic release reference for a leg.
func ReleaseRef(cycleID, intentID string) string {
	return "rel_" + cycleID + "_" + intentID
}

// RefundRef derives the deterministic refund reference for a leg.
func RefundRef(cycleID, intentID string) string {
	return "rfd_" + cycleID + "_" + intentID
}

// Transparency carries the machine-readable reason for a failure receipt.
type Transparency struct {
	ReasonCode string `json:"reason_code"`
}

// ReasonDepositTimeout marks receipts issued after a deposit window expiry.
const ReasonDepositTimeout = "deposit_timeout"

// Receipt is the signed terminal-state record of a timeline. Its id depends
// only on (cycle_id, final_state).
type Receipt struct {
	ID           string             `json:"id"`
	CycleID      string             `json:"cycle_id"`
	FinalState   State              `json:"final_state"`
	IntentIDs    []string           `json:"intent_ids"`
	AssetIDs     []string           `json:"asset_ids"`
	Transparency *Transparency      `json:"transparency,omitempty"`
	Signature    *signing.Signature `json:"signature,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// ReceiptID derives the deterministic receipt id.
func ReceiptID(cycleID string, finalState State) (string, error) {
	return canonical.ID("rcpt", map[string]string{
		"cycle_id":    cycleID,
		"final_state": string(finalState),
	})
}

// BuildReceipt assembles an unsigned receipt from a terminal timeline.
// Intent ids are sorted; asset ids are deduplicated and sorted.
func BuildReceipt(t Timeline, finalState State, transparency *Transparency, now time.Time) (Receipt, error) {
	id, err := ReceiptID(t.CycleID, finalState)
	if err != nil {
		return Receipt{}, err
	}
	intentIDs := make([]string, 0, len(t.Legs))
	assetSet := make(map[string]struct{})
	for _, leg := range t.Legs {
		intentIDs = append(intentIDs, leg.IntentID)
		for _, a := range leg.Assets {
			assetSet[a.AssetID] = struct{}{}
		}
	}
	sort.Strings(intentIDs)
	assetIDs := make([]string, 0, len(assetSet))
	for id := range assetSet {
		assetIDs = append(assetIDs, id)
	}
	sort.Strings(assetIDs)
	return Receipt{
		ID:           id,
		CycleID:      t.CycleID,
		FinalState:   finalState,
		IntentIDs:    intentIDs,
		AssetIDs:     assetIDs,
		Transparency: transparency,
		CreatedAt:    now,
	}, nil
}

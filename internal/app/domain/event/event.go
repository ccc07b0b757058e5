// Package event defines the signed envelopes appended to the monotone event
// log. Event ids are derived from (type, correlation_id, dedup_key) so that
// replayed emissions produce identical ids.
package event

import (
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/canonical"
	"github.com/SwapGraph-Network/clearing_engine/internal/signing"
)

// Event taxonomy (closed set).
const (
	TypeCycleStateChanged = "cycle.state_changed"
	TypeDepositRequired   = "settlement.deposit_required"
	TypeDepositConfirmed  = "settlement.deposit_confirmed"
	TypeExecuting         = "settlement.executing"
	TypeReceiptCreated    = "receipt.created"
	TypeIntentReserved    = "intent.reserved"
	TypeIntentUnreserved  = "intent.unreserved"
)

// Envelope is one self-contained, signed event.
type Envelope struct {
	EventID       string             `json:"event_id"`
	Type          string             `json:"type"`
	OccurredAt    time.Time          `json:"occurred_at"`
	CorrelationID string             `json:"correlation_id"`
	Actor         actor.Actor        `json:"actor"`
	Payload       map[string]any     `json:"payload"`
	Signature     *signing.Signature `json:"signature,omitempty"`
	// Sequence is assigned by the store on append and is not covered by the
	// signature.
	Sequence int64 `json:"sequence,omitempty"`
}

// StableID derives the deterministic event id so that replays of the same
// logical emission collide on the same id.
func StableID(eventType, correlationID, dedupKey string) (string, error) {
	return canonical.ID("evt", map[string]string{
		"type":           eventType,
		"correlation_id": correlationID,
		"dedup_key":      dedupKey,
	})
}

// SettlementCorrelationID is the correlation key used by every settlement
// event for a cycle.
func SettlementCorrelationID(cycleID string) string {
	return "corr_" + cycleID
}

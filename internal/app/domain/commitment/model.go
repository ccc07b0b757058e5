// Package commitment defines the two-phase acceptance aggregate bound to a
// cycle proposal.
package commitment

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
)

// Phase is the commit lifecycle phase. declined and expired are terminal;
// ready is reached only when every participant has accepted.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseReady    Phase = "ready"
	PhaseDeclined Phase = "declined"
	PhaseExpired  Phase = "expired"
)

// Terminal reports whether the phase is absorbing.
func (p Phase) Terminal() bool {
	return p == PhaseDeclined || p == PhaseExpired
}

// Acceptance records one participant's accept.
type Acceptance struct {
	Actor      actor.Actor `json:"actor"`
	AcceptedAt time.Time   `json:"accepted_at"`
}

// Commit aggregates participant acceptances against one proposal.
type Commit struct {
	ID          string                `json:"id"`
	ProposalID  string                `json:"proposal_id"`
	Phase       Phase                 `json:"phase"`
	Acceptances map[string]Acceptance `json:"acceptances"` // keyed by intent id
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// DeriveID computes the deterministic commit id for a proposal:
// commit_<12-hex sha256("commit|"+proposal_id)>.
func DeriveID(proposalID string) string {
	sum := sha256.Sum256([]byte("commit|" + proposalID))
	return "commit_" + hex.EncodeToString(sum[:])[:12]
}

// Accepted reports whether the participant with intentID has accepted.
func (c Commit) Accepted(intentID string) bool {
	_, ok := c.Acceptances[intentID]
	return ok
}

// AllAccepted reports whether every id in participantIntentIDs has accepted.
func (c Commit) AllAccepted(participantIntentIDs []string) bool {
	for _, id := range participantIntentIDs {
		if !c.Accepted(id) {
			return false
		}
	}
	return true
}

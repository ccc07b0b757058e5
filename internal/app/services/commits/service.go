// Package commits implements two-phase acceptance of cycle proposals. A
// commit materializes lazily on the first accept; every accept reserves the
// participant's intent, and the commit reaches ready only when all
// participants have accepted.
package commits

import (
	"context"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/commitment"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/proposal"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/services/events"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

// Service manages commits.
type Service struct {
	intents   storage.IntentStore
	proposals storage.ProposalStore
	commits   storage.CommitStore
	events    *events.Log
	log       *logger.Logger
}

// New constructs the commit service.
func New(intents storage.IntentStore, proposals storage.ProposalStore, commits storage.CommitStore, eventLog *events.Log, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("commits")
	}
	return &Service{
		intents:   intents,
		proposals: proposals,
		commits:   commits,
		events:    eventLog,
		log:       log,
	}
}

// Accept records one participant's acceptance of a proposal, reserving the
// participant's intent. Agents accept on behalf of their delegation subject
// and must pass the delegation's trading policy.
func (s *Service) Accept(ctx context.Context, by actor.Actor, delegation *actor.Delegation, proposalID string) (commitment.Commit, error) {
	prop, err := s.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		return commitment.Commit{}, err
	}
	now := time.Now().UTC()

	c, err := s.materialize(ctx, prop)
	if err != nil {
		return commitment.Commit{}, err
	}
	if c.Phase.Terminal() {
		return commitment.Commit{}, errors.Newf(errors.CodeConflict, "commit is %s", c.Phase).
			WithDetails("commit_id", c.ID)
	}
	if prop.ExpiredAt(now) {
		c.Phase = commitment.PhaseExpired
		if c, err = s.commits.PutCommit(ctx, c); err != nil {
			return commitment.Commit{}, err
		}
		return commitment.Commit{}, errors.Conflict("cycle proposal has expired").
			WithDetails("proposal_id", proposalID)
	}

	owner := by
	if by.Type == actor.TypeAgent {
		if delegation == nil {
			return commitment.Commit{}, errors.Forbidden("agent acceptance requires a delegation")
		}
		if err := evaluateProposalAgainstTradingPolicy(prop, delegation.Policy); err != nil {
			return commitment.Commit{}, err
		}
		if err := evaluateQuietHoursPolicy(delegation.Policy, now); err != nil {
			return commitment.Commit{}, err
		}
		owner = delegation.Subject
	}

	part, ok := participantOwnedBy(prop, owner)
	if !ok {
		return commitment.Commit{}, errors.Forbidden("actor owns no participant intent in this proposal").
			WithDetails("proposal_id", proposalID)
	}

	if c.Accepted(part.IntentID) {
		return c, nil
	}

	if _, err := s.intents.ReserveIntent(ctx, part.IntentID, prop.ID, c.ID); err != nil {
		return commitment.Commit{}, err
	}
	if s.events != nil {
		_, err = s.events.Emit(ctx, event.TypeIntentReserved, c.ID, part.IntentID, by, map[string]any{
			"intent_id":   part.IntentID,
			"proposal_id": prop.ID,
			"commit_id":   c.ID,
		})
		if err != nil {
			return commitment.Commit{}, err
		}
	}

	c.Acceptances[part.IntentID] = commitment.Acceptance{Actor: by, AcceptedAt: now}
	if c.AllAccepted(prop.IntentIDs()) {
		c.Phase = commitment.PhaseReady
	}
	return s.commits.PutCommit(ctx, c)
}

// Decline moves the commit to declined, releasing every reservation it holds
// and emitting intent.unreserved per released intent. A decline before any
// acceptance records the declined commit without releasing or emitting
// anything.
func (s *Service) Decline(ctx context.Context, by actor.Actor, delegation *actor.Delegation, proposalID string) (commitment.Commit, error) {
	prop, err := s.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		return commitment.Commit{}, err
	}

	owner := by
	if by.Type == actor.TypeAgent {
		if delegation == nil {
			return commitment.Commit{}, errors.Forbidden("agent decline requires a delegation")
		}
		owner = delegation.Subject
	}
	if _, ok := participantOwnedBy(prop, owner); !ok {
		return commitment.Commit{}, errors.Forbidden("actor owns no participant intent in this proposal").
			WithDetails("proposal_id", proposalID)
	}

	c, err := s.materialize(ctx, prop)
	if err != nil {
		return commitment.Commit{}, err
	}
	switch c.Phase {
	case commitment.PhaseDeclined:
		return c, nil
	case commitment.PhaseExpired:
		return commitment.Commit{}, errors.Conflict("commit is expired").WithDetails("commit_id", c.ID)
	case commitment.PhaseReady:
		return commitment.Commit{}, errors.Conflict("commit is ready; settlement owns the cycle now").
			WithDetails("commit_id", c.ID)
	}

	for intentID := range c.Acceptances {
		if _, err := s.intents.ReleaseIntent(ctx, intentID, intent.StatusActive); err != nil {
			return commitment.Commit{}, err
		}
		if s.events != nil {
			_, err = s.events.Emit(ctx, event.TypeIntentUnreserved, c.ID, intentID+"|declined", by, map[string]any{
				"intent_id":   intentID,
				"proposal_id": prop.ID,
				"commit_id":   c.ID,
				"reason":      "declined",
			})
			if err != nil {
				return commitment.Commit{}, err
			}
		}
	}

	c.Phase = commitment.PhaseDeclined
	return s.commits.PutCommit(ctx, c)
}

// Get fetches one commit by id.
func (s *Service) Get(ctx context.Context, id string) (commitment.Commit, error) {
	return s.commits.GetCommit(ctx, id)
}

// GetByProposal fetches the commit bound to a proposal, if one has been
// materialized.
func (s *Service) GetByProposal(ctx context.Context, proposalID string) (commitment.Commit, bool, error) {
	return s.commits.GetCommitByProposal(ctx, proposalID)
}

// materialize returns the proposal's commit, creating the pending shell on
// first touch.
func (s *Service) materialize(ctx context.Context, prop proposal.CycleProposal) (commitment.Commit, error) {
	id := commitment.DeriveID(prop.ID)
	c, err := s.commits.GetCommit(ctx, id)
	if err == nil {
		return c, nil
	}
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeNotFound {
		return commitment.Commit{}, err
	}
	return s.commits.PutCommit(ctx, commitment.Commit{
		ID:          id,
		ProposalID:  prop.ID,
		Phase:       commitment.PhasePending,
		Acceptances: make(map[string]commitment.Acceptance),
	})
}

func participantOwnedBy(prop proposal.CycleProposal, owner actor.Actor) (proposal.Participant, bool) {
	for _, part := range prop.Participants {
		if part.Actor.Equal(owner) {
			return part, true
		}
	}
	return proposal.Participant{}, false
}

// evaluateProposalAgainstTradingPolicy checks the delegation's cycle-length
// and confidence bounds.
func evaluateProposalAgainstTradingPolicy(prop proposal.CycleProposal, policy actor.TradingPolicy) error {
	if policy.MaxCycleLength > 0 && len(prop.Participants) > policy.MaxCycleLength {
		return errors.Forbidden("proposal cycle length exceeds the delegation's trading policy").
			WithDetails("cycle_length", len(prop.Participants)).
			WithDetails("max_cycle_length", policy.MaxCycleLength)
	}
	if prop.ConfidenceScore < policy.MinConfidence {
		return errors.Forbidden("proposal confidence is below the delegation's trading policy").
			WithDetails("confidence_score", prop.ConfidenceScore).
			WithDetails("min_confidence", policy.MinConfidence)
	}
	return nil
}

// evaluateQuietHoursPolicy rejects agent acceptance inside the delegation's
// quiet window.
func evaluateQuietHoursPolicy(policy actor.TradingPolicy, now time.Time) error {
	if policy.QuietHours == nil {
		return nil
	}
	inside, err := policy.QuietHours.Contains(now)
	if err != nil {
		return errors.SchemaInvalid("delegation quiet hours are malformed").WithCause(err)
	}
	if inside {
		return errors.Forbidden("delegation quiet hours forbid acceptance right now")
	}
	return nil
}

// Package settlement drives the per-cycle settlement state machine: escrow
// deposits, execution, completion, deposit-window expiry, and the signed
// terminal receipts.
package settlement

import (
	"context"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/commitment"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/settlement"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/metrics"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/services/events"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/internal/signing"
	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

// Service manages settlement timelines and receipts. The cycle id is the
// proposal id of the cycle being settled.
type Service struct {
	intents   storage.IntentStore
	proposals storage.ProposalStore
	commits   storage.CommitStore
	timelines storage.TimelineStore
	receipts  storage.ReceiptStore
	events    *events.Log
	signer    *signing.Signer
	log       *logger.Logger
}

// New constructs the settlement service.
func New(
	intents storage.IntentStore,
	proposals storage.ProposalStore,
	commits storage.CommitStore,
	timelines storage.TimelineStore,
	receipts storage.ReceiptStore,
	eventLog *events.Log,
	signer *signing.Signer,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &Service{
		intents:   intents,
		proposals: proposals,
		commits:   commits,
		timelines: timelines,
		receipts:  receipts,
		events:    eventLog,
		signer:    signer,
		log:       log,
	}
}

// Start opens settlement for a ready commit: claims cycle tenancy for the
// partner, lays out the legs, and moves the timeline into escrow.pending.
// Leg i carries participant i's give to participant (i-1) mod n. A repeated
// start returns the existing timeline with replayed true.
func (s *Service) Start(ctx context.Context, partner actor.Actor, cycleID string, depositDeadline time.Time) (settlement.Timeline, bool, error) {
	if partner.Type != actor.TypePartner {
		return settlement.Timeline{}, false, errors.Forbidden("only a partner may start settlement")
	}
	if depositDeadline.IsZero() {
		return settlement.Timeline{}, false, errors.SchemaInvalid("deposit_deadline_at is required")
	}

	prop, err := s.proposals.GetProposal(ctx, cycleID)
	if err != nil {
		return settlement.Timeline{}, false, err
	}
	c, found, err := s.commits.GetCommitByProposal(ctx, cycleID)
	if err != nil {
		return settlement.Timeline{}, false, err
	}
	if !found || c.Phase != commitment.PhaseReady {
		phase := commitment.Phase("absent")
		if found {
			phase = c.Phase
		}
		return settlement.Timeline{}, false, errors.Newf(errors.CodeConflict, "commit is %s, settlement requires ready", phase).
			WithDetails("cycle_id", cycleID)
	}

	if err := s.timelines.ClaimCycle(ctx, cycleID, partner.ID); err != nil {
		return settlement.Timeline{}, false, err
	}

	if existing, err := s.timelines.GetTimeline(ctx, cycleID); err == nil {
		return existing, true, nil
	} else if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeNotFound {
		return settlement.Timeline{}, false, err
	}

	n := len(prop.Participants)
	legs := make([]settlement.Leg, n)
	for i, part := range prop.Participants {
		to := prop.Participants[(i-1+n)%n]
		legs[i] = settlement.Leg{
			LegID:             "leg_" + cycleID + "_" + part.IntentID,
			IntentID:          part.IntentID,
			FromActor:         part.Actor,
			ToActor:           to.Actor,
			Assets:            part.Give,
			Status:            settlement.LegPending,
			DepositDeadlineAt: depositDeadline,
		}
	}

	created, err := s.timelines.CreateTimeline(ctx, settlement.Timeline{
		CycleID:   cycleID,
		State:     settlement.StateEscrowPending,
		Legs:      legs,
		PartnerID: partner.ID,
	})
	if err != nil {
		return settlement.Timeline{}, false, err
	}

	if err := s.emitStateChanged(ctx, partner, cycleID, settlement.StateAccepted, settlement.StateEscrowPending, ""); err != nil {
		return settlement.Timeline{}, false, err
	}
	if s.events != nil {
		_, err = s.events.Emit(ctx, event.TypeDepositRequired, event.SettlementCorrelationID(cycleID), "deposit_required", partner, map[string]any{
			"cycle_id":            cycleID,
			"deposit_deadline_at": depositDeadline,
		})
		if err != nil {
			return settlement.Timeline{}, false, err
		}
	}
	return created, false, nil
}

// ConfirmDeposit marks the calling participant's leg deposited. A repeat
// with the same deposit_ref replays; a different ref conflicts. The last
// deposit moves the timeline to escrow.ready.
func (s *Service) ConfirmDeposit(ctx context.Context, by actor.Actor, cycleID, depositRef string) (settlement.Timeline, error) {
	if depositRef == "" {
		return settlement.Timeline{}, errors.SchemaInvalid("deposit_ref is required")
	}
	t, err := s.timelines.GetTimeline(ctx, cycleID)
	if err != nil {
		return settlement.Timeline{}, err
	}

	idx := -1
	for i, leg := range t.Legs {
		if leg.FromActor.Equal(by) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return settlement.Timeline{}, errors.Forbidden("actor owns no leg in this settlement").
			WithDetails("cycle_id", cycleID)
	}

	leg := t.Legs[idx]
	if leg.Status == settlement.LegDeposited {
		if leg.DepositRef == depositRef {
			return t, nil
		}
		return settlement.Timeline{}, errors.Conflict("leg already deposited with a different deposit_ref").
			WithDetails("leg_id", leg.LegID).
			WithDetails("deposit_ref", leg.DepositRef)
	}
	if t.State != settlement.StateEscrowPending {
		return settlement.Timeline{}, errors.Newf(errors.CodeConflict, "settlement is %s, deposits require escrow.pending", t.State).
			WithDetails("cycle_id", cycleID)
	}

	now := time.Now().UTC()
	t.Legs[idx].Status = settlement.LegDeposited
	t.Legs[idx].DepositRef = depositRef
	t.Legs[idx].DepositedAt = &now

	allDeposited := t.AllLegsDeposited()
	if allDeposited {
		t.State = settlement.StateEscrowReady
	}
	updated, err := s.timelines.UpdateTimeline(ctx, t, settlement.StateEscrowPending)
	if err != nil {
		return settlement.Timeline{}, err
	}

	if s.events != nil {
		_, err = s.events.Emit(ctx, event.TypeDepositConfirmed, event.SettlementCorrelationID(cycleID), leg.IntentID+"|"+depositRef, by, map[string]any{
			"cycle_id":    cycleID,
			"intent_id":   leg.IntentID,
			"deposit_ref": depositRef,
		})
		if err != nil {
			return settlement.Timeline{}, err
		}
	}
	if allDeposited {
		if err := s.emitStateChanged(ctx, by, cycleID, settlement.StateEscrowPending, settlement.StateEscrowReady, ""); err != nil {
			return settlement.Timeline{}, err
		}
	}
	return updated, nil
}

// BeginExecution moves a fully escrowed timeline into executing.
func (s *Service) BeginExecution(ctx context.Context, partner actor.Actor, cycleID string) (settlement.Timeline, error) {
	t, err := s.requireTenancy(ctx, partner, cycleID)
	if err != nil {
		return settlement.Timeline{}, err
	}
	if t.State != settlement.StateEscrowReady {
		return settlement.Timeline{}, errors.Newf(errors.CodeConflict, "settlement is %s, execution requires escrow.ready", t.State).
			WithDetails("cycle_id", cycleID)
	}

	t.State = settlement.StateExecuting
	updated, err := s.timelines.UpdateTimeline(ctx, t, settlement.StateEscrowReady)
	if err != nil {
		return settlement.Timeline{}, err
	}

	if err := s.emitStateChanged(ctx, partner, cycleID, settlement.StateEscrowReady, settlement.StateExecuting, ""); err != nil {
		return settlement.Timeline{}, err
	}
	if s.events != nil {
		_, err = s.events.Emit(ctx, event.TypeExecuting, event.SettlementCorrelationID(cycleID), "executing", partner, map[string]any{
			"cycle_id": cycleID,
		})
		if err != nil {
			return settlement.Timeline{}, err
		}
	}
	return updated, nil
}

// Complete releases every leg, finalizes the timeline, frees the intent
// reservations, and issues the signed completion receipt.
func (s *Service) Complete(ctx context.Context, partner actor.Actor, cycleID string) (settlement.Timeline, settlement.Receipt, error) {
	t, err := s.requireTenancy(ctx, partner, cycleID)
	if err != nil {
		return settlement.Timeline{}, settlement.Receipt{}, err
	}
	if t.State != settlement.StateExecuting {
		return settlement.Timeline{}, settlement.Receipt{}, errors.Newf(errors.CodeConflict, "settlement is %s, completion requires executing", t.State).
			WithDetails("cycle_id", cycleID)
	}
	if !t.AllLegsDeposited() {
		return settlement.Timeline{}, settlement.Receipt{}, errors.Conflict("not every leg is deposited").
			WithDetails("cycle_id", cycleID)
	}

	now := time.Now().UTC()
	for i := range t.Legs {
		t.Legs[i].Status = settlement.LegReleased
		t.Legs[i].ReleaseRef = settlement.ReleaseRef(cycleID, t.Legs[i].IntentID)
		t.Legs[i].ReleasedAt = &now
	}
	t.State = settlement.StateCompleted
	updated, err := s.timelines.UpdateTimeline(ctx, t, settlement.StateExecuting)
	if err != nil {
		return settlement.Timeline{}, settlement.Receipt{}, err
	}

	if err := s.releaseReservations(ctx, partner, updated, intent.StatusSettled, "settled"); err != nil {
		return settlement.Timeline{}, settlement.Receipt{}, err
	}
	if err := s.emitStateChanged(ctx, partner, cycleID, settlement.StateExecuting, settlement.StateCompleted, ""); err != nil {
		return settlement.Timeline{}, settlement.Receipt{}, err
	}

	receipt, err := s.issueReceipt(ctx, partner, updated, settlement.StateCompleted, nil, now)
	if err != nil {
		return settlement.Timeline{}, settlement.Receipt{}, err
	}
	return updated, receipt, nil
}

// ExpireDepositWindow fails a timeline whose deposit deadline has passed
// with legs still missing. Deposited legs are refunded; the failure receipt
// carries reason deposit_timeout. It is a no-op (acted=false) when the
// window has not expired or the timeline is not waiting on deposits.
func (s *Service) ExpireDepositWindow(ctx context.Context, by actor.Actor, cycleID string, now time.Time) (settlement.Timeline, bool, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	t, err := s.timelines.GetTimeline(ctx, cycleID)
	if err != nil {
		return settlement.Timeline{}, false, err
	}
	if t.State != settlement.StateEscrowPending || t.AllLegsDeposited() {
		return t, false, nil
	}
	expired := false
	for _, leg := range t.Legs {
		if !leg.DepositDeadlineAt.IsZero() && now.After(leg.DepositDeadlineAt) {
			expired = true
			break
		}
	}
	if !expired {
		return t, false, nil
	}

	for i := range t.Legs {
		if t.Legs[i].Status == settlement.LegDeposited {
			t.Legs[i].Status = settlement.LegRefunded
			t.Legs[i].RefundRef = settlement.RefundRef(cycleID, t.Legs[i].IntentID)
			refundedAt := now
			t.Legs[i].RefundedAt = &refundedAt
		}
	}
	t.State = settlement.StateFailed
	updated, err := s.timelines.UpdateTimeline(ctx, t, settlement.StateEscrowPending)
	if err != nil {
		return settlement.Timeline{}, false, err
	}

	if err := s.releaseReservations(ctx, by, updated, intent.StatusActive, "failed"); err != nil {
		return settlement.Timeline{}, false, err
	}
	if err := s.emitStateChanged(ctx, by, cycleID, settlement.StateEscrowPending, settlement.StateFailed, settlement.ReasonDepositTimeout); err != nil {
		return settlement.Timeline{}, false, err
	}
	transparency := &settlement.Transparency{ReasonCode: settlement.ReasonDepositTimeout}
	if _, err := s.issueReceipt(ctx, by, updated, settlement.StateFailed, transparency, now); err != nil {
		return settlement.Timeline{}, false, err
	}
	return updated, true, nil
}

// Status returns the timeline for a cycle.
func (s *Service) Status(ctx context.Context, cycleID string) (settlement.Timeline, error) {
	return s.timelines.GetTimeline(ctx, cycleID)
}

// Receipt returns the terminal receipt for a cycle.
func (s *Service) Receipt(ctx context.Context, cycleID string) (settlement.Receipt, error) {
	return s.receipts.GetReceipt(ctx, cycleID)
}

// ListTimelines returns every timeline; the escrow sweeper scans these.
func (s *Service) ListTimelines(ctx context.Context) ([]settlement.Timeline, error) {
	return s.timelines.ListTimelines(ctx)
}

func (s *Service) requireTenancy(ctx context.Context, partner actor.Actor, cycleID string) (settlement.Timeline, error) {
	if partner.Type != actor.TypePartner {
		return settlement.Timeline{}, errors.Forbidden("only a partner may drive settlement")
	}
	claimed, ok, err := s.timelines.GetCycleClaim(ctx, cycleID)
	if err != nil {
		return settlement.Timeline{}, err
	}
	if ok && claimed != partner.ID {
		return settlement.Timeline{}, errors.Forbidden("cycle is operated by another partner").
			WithDetails("cycle_id", cycleID)
	}
	return s.timelines.GetTimeline(ctx, cycleID)
}

func (s *Service) releaseReservations(ctx context.Context, by actor.Actor, t settlement.Timeline, final intent.Status, reason string) error {
	for _, leg := range t.Legs {
		if _, held, err := s.intents.GetReservation(ctx, leg.IntentID); err != nil {
			return err
		} else if !held {
			continue
		}
		if _, err := s.intents.ReleaseIntent(ctx, leg.IntentID, final); err != nil {
			return err
		}
		if s.events != nil {
			_, err := s.events.Emit(ctx, event.TypeIntentUnreserved, event.SettlementCorrelationID(t.CycleID), leg.IntentID+"|"+reason, by, map[string]any{
				"cycle_id":  t.CycleID,
				"intent_id": leg.IntentID,
				"reason":    reason,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) emitStateChanged(ctx context.Context, by actor.Actor, cycleID string, from, to settlement.State, reason string) error {
	metrics.RecordSettlementTransition(string(to))
	if s.events == nil {
		return nil
	}
	payload := map[string]any{
		"cycle_id": cycleID,
		"from":     string(from),
		"to":       string(to),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	_, err := s.events.Emit(ctx, event.TypeCycleStateChanged, event.SettlementCorrelationID(cycleID),
		string(from)+"->"+string(to), by, payload)
	return err
}

func (s *Service) issueReceipt(ctx context.Context, by actor.Actor, t settlement.Timeline, finalState settlement.State, transparency *settlement.Transparency, now time.Time) (settlement.Receipt, error) {
	receipt, err := settlement.BuildReceipt(t, finalState, transparency, now)
	if err != nil {
		return settlement.Receipt{}, err
	}
	if s.signer != nil {
		sig, err := s.signer.Sign(receipt)
		if err != nil {
			return settlement.Receipt{}, err
		}
		receipt.Signature = sig
	}
	stored, err := s.receipts.PutReceipt(ctx, receipt)
	if err != nil {
		return settlement.Receipt{}, err
	}
	metrics.RecordReceipt(string(finalState))
	if s.events != nil {
		_, err = s.events.Emit(ctx, event.TypeReceiptCreated, event.SettlementCorrelationID(t.CycleID), string(finalState), by, map[string]any{
			"cycle_id":    t.CycleID,
			"receipt_id":  stored.ID,
			"final_state": string(finalState),
		})
		if err != nil {
			return settlement.Receipt{}, err
		}
	}
	return stored, nil
}

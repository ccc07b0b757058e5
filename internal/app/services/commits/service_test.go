package commits

import (
	"context"
	"testing"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/commitment"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/proposal"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/services/events"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage/memory"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
)

var (
	alice = actor.Actor{Type: actor.TypeUser, ID: "user_alice"}
	bob   = actor.Actor{Type: actor.TypeUser, ID: "user_bob"}
)

func seedProposal(t *testing.T, store *memory.Store, ttl time.Duration) proposal.CycleProposal {
	t.Helper()
	ctx := context.Background()

	seed := func(id string, owner actor.Actor, offerAsset, wantAsset string) {
		_, err := store.CreateIntent(ctx, intent.SwapIntent{
			ID:    id,
			Actor: owner,
			Offer: []intent.AssetRef{{Platform: "steam", AssetID: offerAsset, Class: "skin", ValueUSD: 100}},
			WantSpec: intent.WantSpec{AnyOf: []intent.WantClause{
				{Kind: intent.ClauseSpecificAsset, Platform: "steam", AssetKey: wantAsset},
			}},
			ValueBand:       intent.ValueBand{MinUSD: 50, MaxUSD: 150},
			TimeConstraints: intent.TimeConstraints{ExpiresAt: time.Now().Add(time.Hour)},
			Status:          intent.StatusActive,
		})
		if err != nil {
			t.Fatalf("seed intent %s: %v", id, err)
		}
	}
	seed("intent_a", alice, "asset_a", "asset_b")
	seed("intent_b", bob, "asset_b", "asset_a")

	key := proposal.CanonicalKey([]string{"intent_a", "intent_b"})
	id, err := proposal.DeriveID(key)
	if err != nil {
		t.Fatalf("derive id: %v", err)
	}
	assetA := intent.AssetRef{Platform: "steam", AssetID: "asset_a", Class: "skin", ValueUSD: 100}
	assetB := intent.AssetRef{Platform: "steam", AssetID: "asset_b", Class: "skin", ValueUSD: 100}
	prop := proposal.CycleProposal{
		ID: id,
		Participants: []proposal.Participant{
			{IntentID: "intent_a", Actor: alice, Give: []intent.AssetRef{assetA}, Get: []intent.AssetRef{assetB}},
			{IntentID: "intent_b", Actor: bob, Give: []intent.AssetRef{assetB}, Get: []intent.AssetRef{assetA}},
		},
		ConfidenceScore: 0.81,
		Explainability:  []string{proposal.ReasonConfidence},
		ExpiresAt:       time.Now().Add(ttl),
		CreatedAt:       time.Now().UTC(),
	}
	if err := store.ReplaceProposals(ctx, []proposal.CycleProposal{prop}, false); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}
	return prop
}

func newService(store *memory.Store) *Service {
	return New(store, store, store, events.NewLog(store, nil, nil), nil)
}

func TestAcceptReservesAndReady(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedProposal(t, store, time.Hour)
	svc := newService(store)

	c, err := svc.Accept(ctx, alice, nil, prop.ID)
	if err != nil {
		t.Fatalf("accept alice: %v", err)
	}
	if c.ID != commitment.DeriveID(prop.ID) {
		t.Fatalf("commit id = %s", c.ID)
	}
	if c.Phase != commitment.PhasePending {
		t.Fatalf("phase = %s, want pending", c.Phase)
	}

	in, err := store.GetIntent(ctx, "intent_a")
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != intent.StatusReserved {
		t.Fatalf("intent_a status = %s, want reserved", in.Status)
	}

	c, err = svc.Accept(ctx, bob, nil, prop.ID)
	if err != nil {
		t.Fatalf("accept bob: %v", err)
	}
	if c.Phase != commitment.PhaseReady {
		t.Fatalf("phase = %s, want ready", c.Phase)
	}

	evs, _ := store.ListEvents(ctx, 0, 0)
	reserved := 0
	for _, e := range evs {
		if e.Type == event.TypeIntentReserved {
			reserved++
		}
	}
	if reserved != 2 {
		t.Fatalf("intent.reserved events = %d, want 2", reserved)
	}
}

func TestAcceptIsIdempotentPerParticipant(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedProposal(t, store, time.Hour)
	svc := newService(store)

	if _, err := svc.Accept(ctx, alice, nil, prop.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	c, err := svc.Accept(ctx, alice, nil, prop.ID)
	if err != nil {
		t.Fatalf("re-accept: %v", err)
	}
	if len(c.Acceptances) != 1 {
		t.Fatalf("acceptances = %d, want 1", len(c.Acceptances))
	}

	evs, _ := store.ListEvents(ctx, 0, 0)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1", len(evs))
	}
}

func TestAcceptByStrangerForbidden(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedProposal(t, store, time.Hour)
	svc := newService(store)

	_, err := svc.Accept(ctx, actor.Actor{Type: actor.TypeUser, ID: "user_eve"}, nil, prop.ID)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeForbidden {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
}

func TestAcceptExpiredProposalConflicts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedProposal(t, store, -time.Minute)
	svc := newService(store)

	_, err := svc.Accept(ctx, alice, nil, prop.ID)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeConflict {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
	c, err := store.GetCommit(ctx, commitment.DeriveID(prop.ID))
	if err != nil {
		t.Fatalf("get commit: %v", err)
	}
	if c.Phase != commitment.PhaseExpired {
		t.Fatalf("phase = %s, want expired", c.Phase)
	}
}

func TestDeclineReleasesReservations(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedProposal(t, store, time.Hour)
	svc := newService(store)

	if _, err := svc.Accept(ctx, alice, nil, prop.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	c, err := svc.Decline(ctx, bob, nil, prop.ID)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if c.Phase != commitment.PhaseDeclined {
		t.Fatalf("phase = %s, want declined", c.Phase)
	}

	in, _ := store.GetIntent(ctx, "intent_a")
	if in.Status != intent.StatusActive {
		t.Fatalf("intent_a status = %s, want active again", in.Status)
	}

	evs, _ := store.ListEvents(ctx, 0, 0)
	var unreserved *event.Envelope
	for i := range evs {
		if evs[i].Type == event.TypeIntentUnreserved {
			unreserved = &evs[i]
		}
	}
	if unreserved == nil || unreserved.Payload["reason"] != "declined" {
		t.Fatalf("missing intent.unreserved reason=declined in %+v", evs)
	}
}

func TestDeclineBeforeAnyAcceptEmitsNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedProposal(t, store, time.Hour)
	svc := newService(store)

	c, err := svc.Decline(ctx, alice, nil, prop.ID)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if c.Phase != commitment.PhaseDeclined {
		t.Fatalf("phase = %s, want declined", c.Phase)
	}
	evs, _ := store.ListEvents(ctx, 0, 0)
	if len(evs) != 0 {
		t.Fatalf("events = %+v, want none", evs)
	}
}

func TestAgentPolicyEnforcement(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedProposal(t, store, time.Hour)
	svc := newService(store)

	agent := actor.Actor{Type: actor.TypeAgent, ID: "agent_1"}

	// No delegation at all.
	_, err := svc.Accept(ctx, agent, nil, prop.ID)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeForbidden {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}

	// Confidence below the policy floor.
	strict := &actor.Delegation{Subject: alice, Policy: actor.TradingPolicy{MinConfidence: 0.99}}
	_, err = svc.Accept(ctx, agent, strict, prop.ID)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeForbidden {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}

	// Cycle length above the policy cap.
	short := &actor.Delegation{Subject: alice, Policy: actor.TradingPolicy{MaxCycleLength: 1}}
	_, err = svc.Accept(ctx, agent, short, prop.ID)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeForbidden {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}

	// A permissive delegation accepts on behalf of the subject.
	open := &actor.Delegation{Subject: alice, Policy: actor.TradingPolicy{MinConfidence: 0.5}}
	c, err := svc.Accept(ctx, agent, open, prop.ID)
	if err != nil {
		t.Fatalf("accept via delegation: %v", err)
	}
	if !c.Accepted("intent_a") {
		t.Fatalf("acceptances = %+v", c.Acceptances)
	}
}

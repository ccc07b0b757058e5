package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/commitment"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/proposal"
	domain "github.com/SwapGraph-Network/clearing_engine/internal/app/domain/settlement"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/services/events"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage/memory"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/internal/signing"
)

var (
	alice   = actor.Actor{Type: actor.TypeUser, ID: "user_alice"}
	bob     = actor.Actor{Type: actor.TypeUser, ID: "user_bob"}
	partner = actor.Actor{Type: actor.TypePartner, ID: "partner_1"}
)

// seedReadyCycle stores a two-party proposal with a ready commit and both
// intents reserved, returning the proposal (whose id is the cycle id).
func seedReadyCycle(t *testing.T, store *memory.Store) proposal.CycleProposal {
	t.Helper()
	ctx := context.Background()

	assetA := intent.AssetRef{Platform: "steam", AssetID: "asset_a", Class: "skin", ValueUSD: 100}
	assetB := intent.AssetRef{Platform: "steam", AssetID: "asset_b", Class: "skin", ValueUSD: 100}

	seed := func(id string, owner actor.Actor, offer intent.AssetRef, wantAsset string) {
		_, err := store.CreateIntent(ctx, intent.SwapIntent{
			ID:    id,
			Actor: owner,
			Offer: []intent.AssetRef{offer},
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
	seed("intent_a", alice, assetA, "asset_b")
	seed("intent_b", bob, assetB, "asset_a")

	key := proposal.CanonicalKey([]string{"intent_a", "intent_b"})
	id, err := proposal.DeriveID(key)
	if err != nil {
		t.Fatalf("derive id: %v", err)
	}
	prop := proposal.CycleProposal{
		ID: id,
		Participants: []proposal.Participant{
			{IntentID: "intent_a", Actor: alice, Give: []intent.AssetRef{assetA}, Get: []intent.AssetRef{assetB}},
			{IntentID: "intent_b", Actor: bob, Give: []intent.AssetRef{assetB}, Get: []intent.AssetRef{assetA}},
		},
		ConfidenceScore: 0.81,
		ExpiresAt:       time.Now().Add(time.Hour),
		CreatedAt:       time.Now().UTC(),
	}
	if err := store.ReplaceProposals(ctx, []proposal.CycleProposal{prop}, false); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}

	commitID := commitment.DeriveID(prop.ID)
	now := time.Now().UTC()
	for _, intentID := range []string{"intent_a", "intent_b"} {
		if _, err := store.ReserveIntent(ctx, intentID, prop.ID, commitID); err != nil {
			t.Fatalf("reserve %s: %v", intentID, err)
		}
	}
	_, err = store.PutCommit(ctx, commitment.Commit{
		ID:         commitID,
		ProposalID: prop.ID,
		Phase:      commitment.PhaseReady,
		Acceptances: map[string]commitment.Acceptance{
			"intent_a": {Actor: alice, AcceptedAt: now},
			"intent_b": {Actor: bob, AcceptedAt: now},
		},
	})
	if err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	return prop
}

func newTestService(store *memory.Store, signer *signing.Signer) *Service {
	return New(store, store, store, store, store, events.NewLog(store, signer, nil), signer, nil)
}

func TestStartLaysOutLegsBackwards(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedReadyCycle(t, store)
	svc := newTestService(store, nil)

	deadline := time.Now().Add(time.Hour).UTC()
	tl, _, err := svc.Start(ctx, partner, prop.ID, deadline)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if tl.State != domain.StateEscrowPending {
		t.Fatalf("state = %s, want escrow.pending", tl.State)
	}
	if len(tl.Legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(tl.Legs))
	}
	// Leg i hands participant i's give to participant i-1.
	if !tl.Legs[0].FromActor.Equal(alice) || !tl.Legs[0].ToActor.Equal(bob) {
		t.Fatalf("leg 0 = %+v", tl.Legs[0])
	}
	if !tl.Legs[1].FromActor.Equal(bob) || !tl.Legs[1].ToActor.Equal(alice) {
		t.Fatalf("leg 1 = %+v", tl.Legs[1])
	}
	if tl.Legs[0].Assets[0].AssetID != "asset_a" || tl.Legs[1].Assets[0].AssetID != "asset_b" {
		t.Fatalf("leg assets = %+v / %+v", tl.Legs[0].Assets, tl.Legs[1].Assets)
	}

	evs, _ := store.ListEvents(ctx, 0, 0)
	types := map[string]int{}
	for _, e := range evs {
		types[e.Type]++
	}
	if types[event.TypeCycleStateChanged] != 1 || types[event.TypeDepositRequired] != 1 {
		t.Fatalf("events = %+v", types)
	}
}

func TestStartRequiresReadyCommit(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedReadyCycle(t, store)
	svc := newTestService(store, nil)

	c, _ := store.GetCommit(ctx, commitment.DeriveID(prop.ID))
	c.Phase = commitment.PhasePending
	if _, err := store.PutCommit(ctx, c); err != nil {
		t.Fatalf("put commit: %v", err)
	}

	_, _, err := svc.Start(ctx, partner, prop.ID, time.Now().Add(time.Hour))
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeConflict {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestStartReplayReturnsExistingTimeline(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedReadyCycle(t, store)
	svc := newTestService(store, nil)

	first, replayed, err := svc.Start(ctx, partner, prop.ID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if replayed {
		t.Fatal("first start marked replayed")
	}

	again, replayed, err := svc.Start(ctx, partner, prop.ID, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("repeat start: %v", err)
	}
	if !replayed {
		t.Fatal("repeat start not marked replayed")
	}
	if again.CycleID != first.CycleID || !again.Legs[0].DepositDeadlineAt.Equal(first.Legs[0].DepositDeadlineAt) {
		t.Fatalf("repeat start changed the timeline: %+v vs %+v", again, first)
	}

	// The repeat emits nothing new.
	evs, _ := store.ListEvents(ctx, 0, 0)
	if len(evs) != 2 {
		t.Fatalf("events = %d, want 2", len(evs))
	}
}

func TestDepositReplayAndRefConflict(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedReadyCycle(t, store)
	svc := newTestService(store, nil)

	if _, _, err := svc.Start(ctx, partner, prop.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.ConfirmDeposit(ctx, alice, prop.ID, "dep_1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	tl, err := svc.ConfirmDeposit(ctx, alice, prop.ID, "dep_1")
	if err != nil {
		t.Fatalf("replay deposit: %v", err)
	}
	if tl.State != domain.StateEscrowPending {
		t.Fatalf("state = %s, want escrow.pending", tl.State)
	}

	_, err = svc.ConfirmDeposit(ctx, alice, prop.ID, "dep_other")
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeConflict {
		t.Fatalf("err = %v, want CONFLICT", err)
	}

	_, err = svc.ConfirmDeposit(ctx, actor.Actor{Type: actor.TypeUser, ID: "user_eve"}, prop.ID, "dep_x")
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeForbidden {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
}

func TestHappyPathToSignedReceipt(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedReadyCycle(t, store)
	signer := signing.New("key_1", []byte("secret"))
	svc := newTestService(store, signer)

	if _, _, err := svc.Start(ctx, partner, prop.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.ConfirmDeposit(ctx, alice, prop.ID, "dep_a"); err != nil {
		t.Fatalf("deposit alice: %v", err)
	}
	tl, err := svc.ConfirmDeposit(ctx, bob, prop.ID, "dep_b")
	if err != nil {
		t.Fatalf("deposit bob: %v", err)
	}
	if tl.State != domain.StateEscrowReady {
		t.Fatalf("state = %s, want escrow.ready", tl.State)
	}

	if _, err := svc.BeginExecution(ctx, partner, prop.ID); err != nil {
		t.Fatalf("begin execution: %v", err)
	}
	tl, receipt, err := svc.Complete(ctx, partner, prop.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tl.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", tl.State)
	}
	for _, leg := range tl.Legs {
		if leg.Status != domain.LegReleased || leg.ReleaseRef != domain.ReleaseRef(prop.ID, leg.IntentID) {
			t.Fatalf("leg = %+v", leg)
		}
	}

	for _, id := range []string{"intent_a", "intent_b"} {
		in, _ := store.GetIntent(ctx, id)
		if in.Status != intent.StatusSettled {
			t.Fatalf("%s status = %s, want settled", id, in.Status)
		}
	}

	if receipt.FinalState != domain.StateCompleted || receipt.Transparency != nil {
		t.Fatalf("receipt = %+v", receipt)
	}
	if err := signer.Verify(receipt, receipt.Signature); err != nil {
		t.Fatalf("verify receipt: %v", err)
	}
	stored, err := svc.Receipt(ctx, prop.ID)
	if err != nil || stored.ID != receipt.ID {
		t.Fatalf("stored receipt = %+v, err %v", stored, err)
	}

	evs, _ := store.ListEvents(ctx, 0, 0)
	sawReceipt := false
	for _, e := range evs {
		if e.Type == event.TypeReceiptCreated {
			sawReceipt = true
		}
	}
	if !sawReceipt {
		t.Fatal("missing receipt.created event")
	}
}

func TestDepositWindowExpiryRefundsAndFails(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedReadyCycle(t, store)
	signer := signing.New("key_1", []byte("secret"))
	svc := newTestService(store, signer)

	deadline := time.Now().Add(time.Minute).UTC()
	if _, _, err := svc.Start(ctx, partner, prop.ID, deadline); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.ConfirmDeposit(ctx, alice, prop.ID, "dep_a"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Before the deadline nothing happens.
	if _, acted, err := svc.ExpireDepositWindow(ctx, partner, prop.ID, deadline.Add(-time.Second)); err != nil || acted {
		t.Fatalf("premature expiry acted=%t err=%v", acted, err)
	}

	tl, acted, err := svc.ExpireDepositWindow(ctx, partner, prop.ID, deadline.Add(time.Second))
	if err != nil || !acted {
		t.Fatalf("expiry acted=%t err=%v", acted, err)
	}
	if tl.State != domain.StateFailed {
		t.Fatalf("state = %s, want failed", tl.State)
	}
	if tl.Legs[0].Status != domain.LegRefunded || tl.Legs[0].RefundRef != domain.RefundRef(prop.ID, "intent_a") {
		t.Fatalf("leg 0 = %+v", tl.Legs[0])
	}
	if tl.Legs[1].Status != domain.LegPending {
		t.Fatalf("leg 1 = %+v", tl.Legs[1])
	}

	for _, id := range []string{"intent_a", "intent_b"} {
		in, _ := store.GetIntent(ctx, id)
		if in.Status != intent.StatusActive {
			t.Fatalf("%s status = %s, want active", id, in.Status)
		}
	}

	receipt, err := svc.Receipt(ctx, prop.ID)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.FinalState != domain.StateFailed || receipt.Transparency == nil || receipt.Transparency.ReasonCode != domain.ReasonDepositTimeout {
		t.Fatalf("receipt = %+v", receipt)
	}

	// Second pass is a no-op on the failed timeline.
	if _, acted, err := svc.ExpireDepositWindow(ctx, partner, prop.ID, deadline.Add(time.Hour)); err != nil || acted {
		t.Fatalf("repeat expiry acted=%t err=%v", acted, err)
	}
}

func TestCycleTenancyForbidsOtherPartner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedReadyCycle(t, store)
	svc := newTestService(store, nil)

	if _, _, err := svc.Start(ctx, partner, prop.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("start: %v", err)
	}
	other := actor.Actor{Type: actor.TypePartner, ID: "partner_2"}
	_, err := svc.BeginExecution(ctx, other, prop.ID)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeForbidden {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
	_, _, err = svc.Start(ctx, other, prop.ID, time.Now().Add(time.Hour))
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeForbidden {
		t.Fatalf("restart by other partner err = %v, want FORBIDDEN", err)
	}
}

func TestOutOfOrderTransitionsConflict(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedReadyCycle(t, store)
	svc := newTestService(store, nil)

	if _, _, err := svc.Start(ctx, partner, prop.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := svc.BeginExecution(ctx, partner, prop.ID)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeConflict {
		t.Fatalf("execution before escrow err = %v, want CONFLICT", err)
	}
	_, _, err = svc.Complete(ctx, partner, prop.ID)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeConflict {
		t.Fatalf("complete before execution err = %v, want CONFLICT", err)
	}
}

func TestSweeperExpiresLapsedWindows(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	prop := seedReadyCycle(t, store)
	svc := newTestService(store, nil)

	deadline := time.Now().Add(time.Minute).UTC()
	if _, _, err := svc.Start(ctx, partner, prop.ID, deadline); err != nil {
		t.Fatalf("start: %v", err)
	}

	sweeper := NewEscrowSweeper(svc, time.Second, nil)
	if n := sweeper.Sweep(ctx, deadline.Add(-time.Second)); n != 0 {
		t.Fatalf("premature sweep expired %d", n)
	}
	if n := sweeper.Sweep(ctx, deadline.Add(time.Second)); n != 1 {
		t.Fatalf("sweep expired %d, want 1", n)
	}
	tl, err := svc.Status(ctx, prop.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if tl.State != domain.StateFailed {
		t.Fatalf("state = %s, want failed", tl.State)
	}
}

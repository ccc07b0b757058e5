package matching

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/proposal"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage/memory"
)

func seedIntent(t *testing.T, store *memory.Store, id, offerAsset, wantAsset string, offerValue, bandMin, bandMax float64) {
	t.Helper()
	_, err := store.CreateIntent(context.Background(), intent.SwapIntent{
		ID:    id,
		Actor: actor.Actor{Type: actor.TypeUser, ID: "user_" + id},
		Offer: []intent.AssetRef{{Platform: "steam", AssetID: offerAsset, Class: "skin", ValueUSD: offerValue}},
		WantSpec: intent.WantSpec{AnyOf: []intent.WantClause{
			{Kind: intent.ClauseSpecificAsset, Platform: "steam", AssetKey: wantAsset},
		}},
		ValueBand:       intent.ValueBand{MinUSD: bandMin, MaxUSD: bandMax},
		TimeConstraints: intent.TimeConstraints{ExpiresAt: time.Now().Add(time.Hour)},
		Status:          intent.StatusActive,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func seedTwoParty(t *testing.T, store *memory.Store) {
	t.Helper()
	seedIntent(t, store, "intent_a", "asset_a", "asset_b", 100, 80, 120)
	seedIntent(t, store, "intent_b", "asset_b", "asset_a", 101, 80, 120)
}

func seedTriangle(t *testing.T, store *memory.Store) {
	t.Helper()
	// A wants what B offers, B wants what C offers, C wants what A offers.
	seedIntent(t, store, "intent_a", "asset_a", "asset_b", 100, 50, 150)
	seedIntent(t, store, "intent_b", "asset_b", "asset_c", 100, 50, 150)
	seedIntent(t, store, "intent_c", "asset_c", "asset_a", 100, 50, 150)
}

func TestTwoPartySwapSelected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedTwoParty(t, store)

	svc := New(store, store, DefaultTuning(), nil)
	run, err := svc.Run(ctx, RunParams{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if run.Stats.SelectedProposals != 1 || len(run.Proposals) != 1 {
		t.Fatalf("selected = %d, want 1", run.Stats.SelectedProposals)
	}
	p := run.Proposals[0]
	wantKey := proposal.CanonicalKey([]string{"intent_a", "intent_b"})
	if !reflect.DeepEqual(proposal.CanonicalKey(p.IntentIDs()), wantKey) {
		t.Fatalf("canonical key = %v, want %v", p.IntentIDs(), wantKey)
	}
	if p.ValueSpread != 1 {
		t.Fatalf("value_spread = %v, want 1", p.ValueSpread)
	}
	// Each participant's get must equal the next participant's give.
	n := len(p.Participants)
	for i, part := range p.Participants {
		next := p.Participants[(i+1)%n]
		if !reflect.DeepEqual(part.Get, next.Give) {
			t.Fatalf("participant %d get != participant %d give", i, (i+1)%n)
		}
	}
	if run.Stats.CycleEnumerationLimited || run.Stats.CycleEnumerationTimedOut {
		t.Fatalf("unexpected enumeration bound trip: %+v", run.Stats)
	}
}

func TestPreferEdgeRaisesConfidence(t *testing.T) {
	ctx := context.Background()

	control := memory.New()
	seedTriangle(t, control)
	controlRun, err := New(control, control, DefaultTuning(), nil).Run(ctx, RunParams{})
	if err != nil {
		t.Fatalf("control run: %v", err)
	}
	if len(controlRun.Proposals) != 1 || len(controlRun.Proposals[0].Participants) != 3 {
		t.Fatalf("control proposals = %+v", controlRun.Proposals)
	}

	preferred := memory.New()
	seedTriangle(t, preferred)
	if _, err := preferred.CreateEdgeIntent(ctx, intent.EdgeIntent{
		ID:             "edge_prefer",
		SourceIntentID: "intent_a",
		TargetIntentID: "intent_b",
		Type:           intent.EdgePrefer,
		Strength:       0.5,
		Status:         "active",
	}); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	preferredRun, err := New(preferred, preferred, DefaultTuning(), nil).Run(ctx, RunParams{})
	if err != nil {
		t.Fatalf("preferred run: %v", err)
	}
	if len(preferredRun.Proposals) != 1 {
		t.Fatalf("preferred proposals = %+v", preferredRun.Proposals)
	}

	if preferredRun.Proposals[0].ConfidenceScore <= controlRun.Proposals[0].ConfidenceScore {
		t.Fatalf("prefer edge did not raise confidence: %v <= %v",
			preferredRun.Proposals[0].ConfidenceScore, controlRun.Proposals[0].ConfidenceScore)
	}
}

func TestBlockEdgeSuppressesDerived(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedTwoParty(t, store)
	if _, err := store.CreateEdgeIntent(ctx, intent.EdgeIntent{
		ID:             "edge_block",
		SourceIntentID: "intent_a",
		TargetIntentID: "intent_b",
		Type:           intent.EdgeBlock,
		Status:         "active",
	}); err != nil {
		t.Fatalf("seed edge: %v", err)
	}

	run, err := New(store, store, DefaultTuning(), nil).Run(ctx, RunParams{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Stats.SelectedProposals != 0 {
		t.Fatalf("selected = %d, want 0 (blocked)", run.Stats.SelectedProposals)
	}
	if run.Stats.Edges != 1 {
		t.Fatalf("edges = %d, want 1 (only b->a survives)", run.Stats.Edges)
	}
}

func TestBlockOverridesLaterAllow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedTwoParty(t, store)
	// The allow directive sorts after the block. The block still wins.
	if _, err := store.CreateEdgeIntent(ctx, intent.EdgeIntent{
		ID:             "edge_1_block",
		SourceIntentID: "intent_a",
		TargetIntentID: "intent_b",
		Type:           intent.EdgeBlock,
		Status:         "active",
	}); err != nil {
		t.Fatalf("seed block: %v", err)
	}
	if _, err := store.CreateEdgeIntent(ctx, intent.EdgeIntent{
		ID:             "edge_2_allow",
		SourceIntentID: "intent_a",
		TargetIntentID: "intent_b",
		Type:           intent.EdgeAllow,
		Status:         "active",
	}); err != nil {
		t.Fatalf("seed allow: %v", err)
	}

	run, err := New(store, store, DefaultTuning(), nil).Run(ctx, RunParams{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Stats.Edges != 1 {
		t.Fatalf("edges = %d, want 1 (a->b blocked)", run.Stats.Edges)
	}
	if run.Stats.SelectedProposals != 0 {
		t.Fatalf("selected = %d, want 0", run.Stats.SelectedProposals)
	}
}

func TestExpiredIntentExcluded(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedTwoParty(t, store)

	in, err := store.GetIntent(ctx, "intent_b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	in.TimeConstraints.ExpiresAt = time.Now().Add(-time.Minute)
	if _, err := store.UpdateIntent(ctx, in); err != nil {
		t.Fatalf("update: %v", err)
	}

	run, err := New(store, store, DefaultTuning(), nil).Run(ctx, RunParams{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Stats.IntentsActive != 1 || run.Stats.SelectedProposals != 0 {
		t.Fatalf("stats = %+v, want 1 active intent, 0 selected", run.Stats)
	}
}

func TestDeterminismUnderInsertionOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	build := func(order []string) Run {
		store := memory.New()
		for _, id := range order {
			switch id {
			case "intent_a":
				seedIntent(t, store, "intent_a", "asset_a", "asset_b", 100, 50, 150)
			case "intent_b":
				seedIntent(t, store, "intent_b", "asset_b", "asset_c", 100, 50, 150)
			case "intent_c":
				seedIntent(t, store, "intent_c", "asset_c", "asset_a", 100, 50, 150)
			}
		}
		run, err := New(store, store, DefaultTuning(), nil).Run(ctx, RunParams{Now: now})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return run
	}

	first := build([]string{"intent_a", "intent_b", "intent_c"})
	second := build([]string{"intent_c", "intent_a", "intent_b"})

	if !reflect.DeepEqual(first.Stats, second.Stats) {
		t.Fatalf("stats differ: %+v vs %+v", first.Stats, second.Stats)
	}
	if !reflect.DeepEqual(first.Trace, second.Trace) {
		t.Fatalf("trace differs: %v vs %v", first.Trace, second.Trace)
	}
	// Proposals are identical modulo the per-run id.
	for i := range first.Proposals {
		a, b := first.Proposals[i], second.Proposals[i]
		a.RunID, b.RunID = "", ""
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("proposal %d differs:\n%+v\n%+v", i, a, b)
		}
	}
}

func TestDisjointSelection(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	// Two overlapping 2-cycles sharing intent_b: (a,b) and (b,c).
	seedIntent(t, store, "intent_a", "asset_a", "asset_b", 100, 50, 150)
	seedIntent(t, store, "intent_b", "asset_b", "asset_a", 100, 50, 150)
	seedIntent(t, store, "intent_c", "asset_a", "asset_b", 100, 50, 150)
	// c also accepts b's offer and vice versa.
	in, _ := store.GetIntent(ctx, "intent_b")
	in.WantSpec.AnyOf = append(in.WantSpec.AnyOf,
		intent.WantClause{Kind: intent.ClauseSpecificAsset, Platform: "steam", AssetKey: "asset_a"})
	if _, err := store.UpdateIntent(ctx, in); err != nil {
		t.Fatalf("update: %v", err)
	}

	run, err := New(store, store, DefaultTuning(), nil).Run(ctx, RunParams{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	claimed := make(map[string]bool)
	for _, p := range run.Proposals {
		for _, id := range p.IntentIDs() {
			if claimed[id] {
				t.Fatalf("intent %s claimed by two proposals", id)
			}
			claimed[id] = true
		}
	}
}

func TestEnumerationCapZero(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedTwoParty(t, store)

	zero := 0
	run, err := New(store, store, DefaultTuning(), nil).Run(ctx, RunParams{MaxEnumeratedCycles: &zero})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Stats.SelectedProposals != 0 {
		t.Fatalf("selected = %d, want 0", run.Stats.SelectedProposals)
	}
	if !run.Stats.CycleEnumerationLimited {
		t.Fatal("expected cycle_enumeration_limited")
	}
}

func TestEnumerationTimeout(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedTriangle(t, store)

	intents, err := store.ListIntents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	g := buildGraph(intents, nil, time.Now())
	enum := enumerateCycles(g, 2, 3, -1, time.Now().Add(-time.Millisecond))
	if !enum.timedOut {
		t.Fatal("expected enumeration to report a timeout")
	}
	// Whatever was enumerated before the deadline is still a valid subset.
	for _, path := range enum.sortedCycles() {
		if _, ok, err := materialize(g, path, DefaultTuning(), time.Now()); err != nil || !ok {
			t.Fatalf("timed-out enumeration yielded an unusable cycle %v: ok=%v err=%v", path, ok, err)
		}
	}
}

func TestCanonicalKeyRotation(t *testing.T) {
	got := proposal.CanonicalKey([]string{"intent_c", "intent_a", "intent_b"})
	want := []string{"intent_a", "intent_b", "intent_c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("CanonicalKey = %v, want %v", got, want)
	}
	// Rotation preserves cycle order, it does not sort.
	got = proposal.CanonicalKey([]string{"intent_b", "intent_c", "intent_a"})
	if strings.Join(got, "|") != "intent_a|intent_b|intent_c" {
		t.Fatalf("CanonicalKey = %v", got)
	}
	got = proposal.CanonicalKey([]string{"intent_c", "intent_b", "intent_a"})
	if strings.Join(got, "|") != "intent_a|intent_c|intent_b" {
		t.Fatalf("CanonicalKey = %v", got)
	}
}

func TestTrustConstraintRejectsLongCycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedTriangle(t, store)

	in, _ := store.GetIntent(ctx, "intent_b")
	in.TrustConstraints.MaxCycleLength = 2
	if _, err := store.UpdateIntent(ctx, in); err != nil {
		t.Fatalf("update: %v", err)
	}

	run, err := New(store, store, DefaultTuning(), nil).Run(ctx, RunParams{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Stats.CandidateCycles != 1 || run.Stats.CandidateProposals != 0 {
		t.Fatalf("stats = %+v, want 1 cycle and 0 candidates", run.Stats)
	}
}

func TestTrustConstraintRejectsUnreliableCounterparty(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedTwoParty(t, store)

	// intent_b's owner has one failed settlement on record, so their
	// reliability is 0.
	if _, err := store.CreateIntent(ctx, intent.SwapIntent{
		ID:              "intent_b_old",
		Actor:           actor.Actor{Type: actor.TypeUser, ID: "user_intent_b"},
		Offer:           []intent.AssetRef{{Platform: "steam", AssetID: "asset_x", Class: "skin", ValueUSD: 50}},
		WantSpec:        intent.WantSpec{AnyOf: []intent.WantClause{{Kind: intent.ClauseSpecificAsset, Platform: "steam", AssetKey: "asset_y"}}},
		ValueBand:       intent.ValueBand{MinUSD: 10, MaxUSD: 100},
		TimeConstraints: intent.TimeConstraints{ExpiresAt: time.Now().Add(time.Hour)},
		Status:          intent.StatusFailed,
	}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	in, _ := store.GetIntent(ctx, "intent_a")
	in.TrustConstraints.MinCounterpartyReliability = 0.5
	if _, err := store.UpdateIntent(ctx, in); err != nil {
		t.Fatalf("update: %v", err)
	}

	run, err := New(store, store, DefaultTuning(), nil).Run(ctx, RunParams{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Stats.CandidateCycles != 1 || run.Stats.CandidateProposals != 0 {
		t.Fatalf("stats = %+v, want 1 cycle and 0 candidates", run.Stats)
	}

	// Dropping the constraint restores the match.
	in.TrustConstraints.MinCounterpartyReliability = 0
	if _, err := store.UpdateIntent(ctx, in); err != nil {
		t.Fatalf("update: %v", err)
	}
	run, err = New(store, store, DefaultTuning(), nil).Run(ctx, RunParams{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Stats.SelectedProposals != 1 {
		t.Fatalf("selected = %d, want 1", run.Stats.SelectedProposals)
	}
}

package events

import (
	"context"
	"testing"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage/memory"
	"github.com/SwapGraph-Network/clearing_engine/internal/signing"
)

func TestEmitSignsAndSequences(t *testing.T) {
	ctx := context.Background()
	signer := signing.New("k1", []byte("test-secret"))
	log := NewLog(memory.New(), signer, nil)

	by := actor.Actor{Type: actor.TypePartner, ID: "partner_1"}
	first, err := log.Emit(ctx, event.TypeCycleStateChanged, "corr_cycle_1", "accepted->escrow.pending", by,
		map[string]any{"from": "accepted", "to": "escrow.pending"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if first.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", first.Sequence)
	}
	if first.Signature == nil {
		t.Fatal("envelope not signed")
	}
	if err := signer.Verify(first, first.Signature); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	// Same (type, correlation, dedup key) yields the same event id.
	second, err := log.Emit(ctx, event.TypeCycleStateChanged, "corr_cycle_1", "accepted->escrow.pending", by, nil)
	if err != nil {
		t.Fatalf("emit again: %v", err)
	}
	if second.EventID != first.EventID {
		t.Fatalf("event id changed across replay: %s vs %s", second.EventID, first.EventID)
	}
	if second.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", second.Sequence)
	}

	// Envelopes read back from the store carry their sequence and must still
	// verify exactly as served.
	listed, err := log.List(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d events, want 2", len(listed))
	}
	for _, env := range listed {
		if env.Sequence == 0 {
			t.Fatalf("event %s served without sequence", env.EventID)
		}
		if err := signer.Verify(env, env.Signature); err != nil {
			t.Fatalf("served envelope %s does not verify: %v", env.EventID, err)
		}
	}
}

func TestSubscribeReceivesEmitted(t *testing.T) {
	ctx := context.Background()
	log := NewLog(memory.New(), nil, nil)

	ch, cancel := log.Subscribe(4)
	defer cancel()

	emitted, err := log.Emit(ctx, event.TypeIntentReserved, "commit_x", "intent_1", actor.Actor{Type: actor.TypeUser, ID: "u1"},
		map[string]any{"intent_id": "intent_1"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	got := <-ch
	if got.EventID != emitted.EventID {
		t.Fatalf("subscriber got %s, want %s", got.EventID, emitted.EventID)
	}
}

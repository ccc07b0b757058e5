package intents

import (
	"context"
	"testing"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/services/events"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage/memory"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
)

var owner = actor.Actor{Type: actor.TypeUser, ID: "user_1"}

func validIntent() intent.SwapIntent {
	return intent.SwapIntent{
		Offer: []intent.AssetRef{{Platform: "steam", AssetID: "asset_a", Class: "rifle", ValueUSD: 100}},
		WantSpec: intent.WantSpec{AnyOf: []intent.WantClause{
			{Kind: intent.ClauseSpecificAsset, Platform: "steam", AssetKey: "asset_b"},
		}},
		ValueBand:       intent.ValueBand{MinUSD: 80, MaxUSD: 120},
		TimeConstraints: intent.TimeConstraints{ExpiresAt: time.Now().Add(time.Hour)},
	}
}

func newService(store *memory.Store) *Service {
	return New(store, events.NewLog(store, nil, nil), nil)
}

func TestCreateAssignsIDAndStatus(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(store)

	created, err := svc.Create(ctx, owner, validIntent())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Status != intent.StatusActive {
		t.Fatalf("created = %+v", created)
	}
	if !created.Actor.Equal(owner) {
		t.Fatalf("actor = %+v, want %+v", created.Actor, owner)
	}
}

func TestCreateRejectsInvalidBand(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New())

	bad := validIntent()
	bad.ValueBand = intent.ValueBand{MinUSD: 120, MaxUSD: 80}
	_, err := svc.Create(ctx, owner, bad)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeConstraintViolation {
		t.Fatalf("err = %v, want CONSTRAINT_VIOLATION", err)
	}
}

func TestUpdateReservedConflicts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(store)

	created, err := svc.Create(ctx, owner, validIntent())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ReserveIntent(ctx, created.ID, "prop_x", "commit_x"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	patch := intent.SwapIntent{ValueBand: intent.ValueBand{MinUSD: 10, MaxUSD: 20}}
	_, err = svc.Update(ctx, owner, created.ID, patch)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeConflict {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestUpdateByNonOwnerForbidden(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New())

	created, err := svc.Create(ctx, owner, validIntent())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other := actor.Actor{Type: actor.TypeUser, ID: "user_2"}
	_, err = svc.Update(ctx, other, created.ID, intent.SwapIntent{})
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeForbidden {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
}

func TestCancelReservedReleasesAndEmits(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(store)

	created, err := svc.Create(ctx, owner, validIntent())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ReserveIntent(ctx, created.ID, "prop_x", "commit_x"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, owner, created.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != intent.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if _, held, _ := store.GetReservation(ctx, created.ID); held {
		t.Fatal("reservation survived cancel")
	}

	evs, err := store.ListEvents(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != event.TypeIntentUnreserved {
		t.Fatalf("events = %+v, want one intent.unreserved", evs)
	}
	if evs[0].Payload["reason"] != "cancelled" {
		t.Fatalf("payload = %+v", evs[0].Payload)
	}
}

func TestCancelTerminalConflicts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(store)

	created, err := svc.Create(ctx, owner, validIntent())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Cancel(ctx, owner, created.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	_, err = svc.Cancel(ctx, owner, created.ID)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeConflict {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestCreateEdgeRequiresSourceOwnership(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(store)

	src, err := svc.Create(ctx, owner, validIntent())
	if err != nil {
		t.Fatalf("create src: %v", err)
	}
	dst, err := svc.Create(ctx, actor.Actor{Type: actor.TypeUser, ID: "user_2"}, validIntent())
	if err != nil {
		t.Fatalf("create dst: %v", err)
	}

	edge := intent.EdgeIntent{
		SourceIntentID: src.ID,
		TargetIntentID: dst.ID,
		Type:           intent.EdgePrefer,
		Strength:       0.5,
	}
	created, err := svc.CreateEdge(ctx, owner, edge)
	if err != nil {
		t.Fatalf("create edge: %v", err)
	}
	if created.ID == "" || created.Status != "active" {
		t.Fatalf("edge = %+v", created)
	}

	_, err = svc.CreateEdge(ctx, actor.Actor{Type: actor.TypeUser, ID: "user_3"}, edge)
	if se := errors.GetServiceError(err); se == nil || se.Code != errors.CodeForbidden {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
}

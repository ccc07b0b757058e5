// Package intents manages the swap-intent lifecycle and the explicit
// edge-intent directives between intents.
package intents

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/services/events"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

// Service manages swap intents and edge intents.
type Service struct {
	store  storage.IntentStore
	events *events.Log
	log    *logger.Logger
}

// New constructs the intent service.
func New(store storage.IntentStore, eventLog *events.Log, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("intents")
	}
	return &Service{store: store, events: eventLog, log: log}
}

// Create registers a new intent owned by the calling actor.
func (s *Service) Create(ctx context.Context, by actor.Actor, in intent.SwapIntent) (intent.SwapIntent, error) {
	in.ID = "intent_" + uuid.NewString()
	in.Actor = by
	in.Status = intent.StatusActive
	if err := in.Validate(time.Now().UTC()); err != nil {
		return intent.SwapIntent{}, err
	}
	created, err := s.store.CreateIntent(ctx, in)
	if err != nil {
		return intent.SwapIntent{}, err
	}
	s.log.WithFields(map[string]any{"intent_id": created.ID, "actor": by.String()}).Info("swap intent created")
	return created, nil
}

// Update patches a non-reserved, non-terminal intent. Only the declarative
// fields may change; ownership and status are immutable here.
func (s *Service) Update(ctx context.Context, by actor.Actor, id string, patch intent.SwapIntent) (intent.SwapIntent, error) {
	current, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return intent.SwapIntent{}, err
	}
	if !current.Actor.Equal(by) {
		return intent.SwapIntent{}, errors.Forbidden("only the owning actor may update a swap intent")
	}
	if current.Status == intent.StatusReserved {
		return intent.SwapIntent{}, errors.Conflict("swap intent is reserved and cannot be updated").
			WithDetails("intent_id", id)
	}
	if current.Status.Terminal() {
		return intent.SwapIntent{}, errors.Newf(errors.CodeConflict, "swap intent is %s", current.Status).
			WithDetails("intent_id", id)
	}

	if len(patch.Offer) > 0 {
		current.Offer = patch.Offer
	}
	if len(patch.WantSpec.AnyOf) > 0 {
		current.WantSpec = patch.WantSpec
	}
	if patch.ValueBand != (intent.ValueBand{}) {
		current.ValueBand = patch.ValueBand
	}
	if patch.TrustConstraints != (intent.TrustConstraints{}) {
		current.TrustConstraints = patch.TrustConstraints
	}
	if !patch.TimeConstraints.ExpiresAt.IsZero() || patch.TimeConstraints.Urgency != "" {
		current.TimeConstraints = patch.TimeConstraints
	}
	if patch.SettlementPreferences != (intent.SettlementPreferences{}) {
		current.SettlementPreferences = patch.SettlementPreferences
	}

	if err := current.Validate(time.Now().UTC()); err != nil {
		return intent.SwapIntent{}, err
	}
	return s.store.UpdateIntent(ctx, current)
}

// Cancel moves an active or reserved intent to cancelled. A reserved intent
// also has its reservation released, emitting intent.unreserved with reason
// cancelled.
func (s *Service) Cancel(ctx context.Context, by actor.Actor, id string) (intent.SwapIntent, error) {
	current, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return intent.SwapIntent{}, err
	}
	if !current.Actor.Equal(by) {
		return intent.SwapIntent{}, errors.Forbidden("only the owning actor may cancel a swap intent")
	}
	if current.Status.Terminal() {
		return intent.SwapIntent{}, errors.Newf(errors.CodeConflict, "swap intent is already %s", current.Status).
			WithDetails("intent_id", id)
	}

	wasReserved := current.Status == intent.StatusReserved
	var res intent.Reservation
	if wasReserved {
		res, _, err = s.store.GetReservation(ctx, id)
		if err != nil {
			return intent.SwapIntent{}, err
		}
	}

	cancelled, err := s.store.ReleaseIntent(ctx, id, intent.StatusCancelled)
	if err != nil {
		return intent.SwapIntent{}, err
	}

	if wasReserved && s.events != nil {
		_, err = s.events.Emit(ctx, event.TypeIntentUnreserved, res.CommitID, id+"|cancelled", by, map[string]any{
			"intent_id":   id,
			"proposal_id": res.ProposalID,
			"commit_id":   res.CommitID,
			"reason":      "cancelled",
		})
		if err != nil {
			return intent.SwapIntent{}, err
		}
	}
	return cancelled, nil
}

// Get fetches one intent.
func (s *Service) Get(ctx context.Context, id string) (intent.SwapIntent, error) {
	return s.store.GetIntent(ctx, id)
}

// List returns the caller's intents; partners see all intents.
func (s *Service) List(ctx context.Context, by actor.Actor) ([]intent.SwapIntent, error) {
	if by.Type == actor.TypePartner {
		return s.store.ListIntents(ctx)
	}
	return s.store.ListIntentsByActor(ctx, by)
}

// CreateEdge registers an explicit allow/prefer/block directive. The caller
// must own the source intent.
func (s *Service) CreateEdge(ctx context.Context, by actor.Actor, e intent.EdgeIntent) (intent.EdgeIntent, error) {
	e.ID = "edge_" + uuid.NewString()
	if e.Status == "" {
		e.Status = "active"
	}
	if err := e.ValidateEdge(time.Now().UTC()); err != nil {
		return intent.EdgeIntent{}, err
	}
	src, err := s.store.GetIntent(ctx, e.SourceIntentID)
	if err != nil {
		return intent.EdgeIntent{}, err
	}
	if !src.Actor.Equal(by) && by.Type != actor.TypePartner {
		return intent.EdgeIntent{}, errors.Forbidden("only the source intent owner may create an edge intent")
	}
	if _, err := s.store.GetIntent(ctx, e.TargetIntentID); err != nil {
		return intent.EdgeIntent{}, err
	}
	return s.store.CreateEdgeIntent(ctx, e)
}

// ListEdges returns all edge intents.
func (s *Service) ListEdges(ctx context.Context) ([]intent.EdgeIntent, error) {
	return s.store.ListEdgeIntents(ctx)
}

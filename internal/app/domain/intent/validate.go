package intent

import (
	"math"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
)

// Validate checks a swap intent for schema and constraint problems. Schema
// problems (shape, missing fields) come back as SCHEMA_INVALID; semantic
// bounds as CONSTRAINT_VIOLATION.
func (i SwapIntent) Validate(now time.Time) error {
	if !i.Actor.Type.Valid() {
		return errors.SchemaInvalid("actor.type must be one of user, partner, agent")
	}
	if i.Actor.ID == "" {
		return errors.SchemaInvalid("actor.id is required")
	}
	if len(i.Offer) == 0 {
		return errors.SchemaInvalid("offer must contain at least one asset")
	}
	for idx, a := range i.Offer {
		if a.AssetID == "" {
			return errors.SchemaInvalid("offer asset requires asset_id").WithDetails("index", idx)
		}
		if a.Platform == "" {
			return errors.SchemaInvalid("offer asset requires platform").WithDetails("index", idx)
		}
		if a.Class == "" && a.Instance == "" {
			return errors.SchemaInvalid("offer asset requires class or instance").WithDetails("index", idx)
		}
		if math.IsNaN(a.ValueUSD) || math.IsInf(a.ValueUSD, 0) || a.ValueUSD < 0 {
			return errors.ConstraintViolation("offer asset value_usd must be finite and non-negative").WithDetails("index", idx)
		}
	}
	if len(i.WantSpec.AnyOf) == 0 {
		return errors.SchemaInvalid("want_spec.any_of must be non-empty")
	}
	for idx, c := range i.WantSpec.AnyOf {
		switch c.Kind {
		case ClauseSpecificAsset:
			if c.Platform == "" || c.AssetKey == "" {
				return errors.SchemaInvalid("specific_asset clause requires platform and asset_key").WithDetails("index", idx)
			}
		case ClauseCategory:
			if c.Platform == "" || c.Category == "" {
				return errors.SchemaInvalid("category clause requires platform and category").WithDetails("index", idx)
			}
		default:
			return errors.SchemaInvalid("want clause kind must be specific_asset or category").WithDetails("index", idx)
		}
	}
	if math.IsNaN(i.ValueBand.MinUSD) || math.IsInf(i.ValueBand.MinUSD, 0) ||
		math.IsNaN(i.ValueBand.MaxUSD) || math.IsInf(i.ValueBand.MaxUSD, 0) {
		return errors.ConstraintViolation("value_band bounds must be finite")
	}
	if i.ValueBand.MinUSD > i.ValueBand.MaxUSD {
		return errors.ConstraintViolation("value_band.min_usd must not exceed max_usd")
	}
	if i.TimeConstraints.ExpiresAt.IsZero() || !i.TimeConstraints.ExpiresAt.After(now) {
		return errors.ConstraintViolation("time_constraints.expires_at must be in the future")
	}
	if i.TrustConstraints.MaxCycleLength < 0 {
		return errors.ConstraintViolation("trust_constraints.max_cycle_length must not be negative")
	}
	if r := i.TrustConstraints.MinCounterpartyReliability; r < 0 || r > 1 {
		return errors.ConstraintViolation("trust_constraints.min_counterparty_reliability must be within [0,1]")
	}
	return nil
}

// ValidateEdge checks an edge-intent directive.
func (e EdgeIntent) ValidateEdge(now time.Time) error {
	if e.SourceIntentID == "" || e.TargetIntentID == "" {
		return errors.SchemaInvalid("edge intent requires source_intent_id and target_intent_id")
	}
	if e.SourceIntentID == e.TargetIntentID {
		return errors.ConstraintViolation("edge intent must connect two distinct intents")
	}
	switch e.Type {
	case EdgeAllow, EdgeBlock:
	case EdgePrefer:
		if e.Strength < 0 || e.Strength > 1 {
			return errors.ConstraintViolation("prefer strength must be within [0,1]")
		}
	default:
		return errors.SchemaInvalid("intent_type must be allow, prefer, or block")
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
		return errors.ConstraintViolation("edge intent expires_at must be in the future")
	}
	return nil
}

// Package intent defines swap intents, their want specifications, and the
// explicit edge-intent directives between them.
package intent

import (
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
)

// Status is the swap-intent lifecycle state. Terminal states are absorbing.
type Status string

const (
	StatusActive    Status = "active"
	StatusReserved  Status = "reserved"
	StatusCancelled Status = "cancelled"
	StatusSettled   Status = "settled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusSettled || s == StatusFailed
}

// AssetRef names one offered asset with its valuation metadata.
type AssetRef struct {
	Platform string  `json:"platform"`
	AssetID  string  `json:"asset_id"`
	Class    string  `json:"class"`
	Instance string  `json:"instance,omitempty"`
	Wear     string  `json:"wear,omitempty"`
	ValueUSD float64 `json:"value_usd"`
	ProofRef string  `json:"proof_ref,omitempty"`
}

// ClauseKind distinguishes the two want-clause forms.
type ClauseKind string

const (
	ClauseSpecificAsset ClauseKind = "specific_asset"
	ClauseCategory      ClauseKind = "category"
)

// WantClause is one disjunct of a want specification.
type WantClause struct {
	Kind     ClauseKind `json:"kind"`
	Platform string     `json:"platform"`
	AssetKey string     `json:"asset_key,omitempty"`
	Category string     `json:"category,omitempty"`
	Wear     string     `json:"wear,omitempty"`
}

// Matches reports whether the clause accepts the given asset.
func (c WantClause) Matches(a AssetRef) bool {
	if c.Platform != a.Platform {
		return false
	}
	switch c.Kind {
	case ClauseSpecificAsset:
		return c.AssetKey == a.AssetID
	case ClauseCategory:
		if c.Category != a.Class {
			return false
		}
		return c.Wear == "" || c.Wear == a.Wear
	default:
		return false
	}
}

// WantSpec is a disjunction of clauses: any match satisfies the want.
type WantSpec struct {
	AnyOf []WantClause `json:"any_of"`
}

// SatisfyingSubset returns the assets of offer accepted by any clause,
// preserving offer order. Empty means the want is unsatisfied.
func (w WantSpec) SatisfyingSubset(offer []AssetRef) []AssetRef {
	var out []AssetRef
	for _, a := range offer {
		for _, c := range w.AnyOf {
			if c.Matches(a) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// ValueBand bounds the acceptable aggregate USD value of a counterparty
// offer.
type ValueBand struct {
	MinUSD        float64 `json:"min_usd"`
	MaxUSD        float64 `json:"max_usd"`
	PricingSource string  `json:"pricing_source,omitempty"`
}

// Contains reports whether v falls inside the band (inclusive).
func (b ValueBand) Contains(v float64) bool {
	return v >= b.MinUSD && v <= b.MaxUSD
}

// TrustConstraints limit acceptable cycles and counterparties.
type TrustConstraints struct {
	MaxCycleLength             int     `json:"max_cycle_length,omitempty"`
	MinCounterpartyReliability float64 `json:"min_counterparty_reliability,omitempty"`
}

// TimeConstraints bound the intent's validity window.
type TimeConstraints struct {
	ExpiresAt time.Time `json:"expires_at"`
	Urgency   string    `json:"urgency,omitempty"`
}

// SettlementPreferences carry per-intent settlement requirements.
type SettlementPreferences struct {
	RequireEscrow bool `json:"require_escrow"`
}

// SwapIntent is the declarative "offer A, want any of B" record.
type SwapIntent struct {
	ID                    string                `json:"id"`
	Actor                 actor.Actor           `json:"actor"`
	Offer                 []AssetRef            `json:"offer"`
	WantSpec              WantSpec              `json:"want_spec"`
	ValueBand             ValueBand             `json:"value_band"`
	TrustConstraints      TrustConstraints      `json:"trust_constraints"`
	TimeConstraints       TimeConstraints       `json:"time_constraints"`
	SettlementPreferences SettlementPreferences `json:"settlement_preferences"`
	Status                Status                `json:"status"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

// OfferValueUSD sums the intent's offered asset values.
func (i SwapIntent) OfferValueUSD() float64 {
	var sum float64
	for _, a := range i.Offer {
		sum += a.ValueUSD
	}
	return sum
}

// ExpiredAt reports whether the intent's window has passed at now.
func (i SwapIntent) ExpiredAt(now time.Time) bool {
	return !i.TimeConstraints.ExpiresAt.IsZero() && now.After(i.TimeConstraints.ExpiresAt)
}

// Reservation pins a reserved intent to exactly one proposal and commit.
type Reservation struct {
	IntentID   string    `json:"intent_id"`
	ProposalID string    `json:"proposal_id"`
	CommitID   string    `json:"commit_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// EdgeType classifies explicit edge-intent directives.
type EdgeType string

const (
	EdgeAllow  EdgeType = "allow"
	EdgePrefer EdgeType = "prefer"
	EdgeBlock  EdgeType = "block"
)

// EdgeIntent is an explicit source→target directive. Block overrides allow;
// prefer implies allow and contributes ranking weight via Strength.
type EdgeIntent struct {
	ID             string     `json:"id"`
	SourceIntentID string     `json:"source_intent_id"`
	TargetIntentID string     `json:"target_intent_id"`
	Type           EdgeType   `json:"intent_type"`
	Strength       float64    `json:"strength,omitempty"`
	Status         string     `json:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ActiveAt reports whether the edge should be honored at now.
func (e EdgeIntent) ActiveAt(now time.Time) bool {
	if e.Status != "" && e.Status != "active" {
		return false
	}
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

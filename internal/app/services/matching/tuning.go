package matching

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
)

// Tuning carries the scoring constants. The contract is fixed (scores bounded
// to [0,1], monotone in prefer strength); the constants are operator-tunable.
type Tuning struct {
	// BaseDerived scores an edge inferred purely from want/offer overlap.
	BaseDerived float64 `yaml:"base_derived"`
	// BaseExplicit scores an edge forced or confirmed by an explicit
	// allow/prefer directive.
	BaseExplicit float64 `yaml:"base_explicit"`
	// ValueDeltaFraction tags a proposal value_delta when its spread is at
	// most this fraction of the mean give value.
	ValueDeltaFraction float64 `yaml:"value_delta_fraction"`
	// ProposalTTL bounds how long a selected proposal stays acceptable.
	ProposalTTL time.Duration `yaml:"proposal_ttl"`
}

// DefaultTuning returns the stock constants.
func DefaultTuning() Tuning {
	return Tuning{
		BaseDerived:        0.90,
		BaseExplicit:       0.95,
		ValueDeltaFraction: 0.10,
		ProposalTTL:        24 * time.Hour,
	}
}

// LoadTuning reads tuning overrides from a YAML file. Missing fields keep
// their defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, errors.Internal("read matching tuning", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tuning{}, errors.SchemaInvalid("matching tuning is not valid YAML").WithCause(err)
	}
	return t.normalized(), nil
}

func (t Tuning) normalized() Tuning {
	d := DefaultTuning()
	if t.BaseDerived <= 0 || t.BaseDerived > 1 {
		t.BaseDerived = d.BaseDerived
	}
	if t.BaseExplicit <= 0 || t.BaseExplicit > 1 {
		t.BaseExplicit = d.BaseExplicit
	}
	if t.ValueDeltaFraction <= 0 {
		t.ValueDeltaFraction = d.ValueDeltaFraction
	}
	if t.ProposalTTL <= 0 {
		t.ProposalTTL = d.ProposalTTL
	}
	return t
}

// Package matching implements the clearing engine's cycle discovery: it
// builds the compatibility graph over active intents, enumerates bounded
// simple cycles per strongly connected component, scores them, and selects a
// deterministic disjoint set of proposals.
package matching

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/proposal"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/metrics"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

// Default cycle-length bounds.
const (
	DefaultMinCycleLength = 2
	DefaultMaxCycleLength = 3
)

// RunParams bound one matching run. A nil MaxEnumeratedCycles means no cap
// (zero means enumerate nothing); a zero TimeoutMS means no timeout.
type RunParams struct {
	ReplaceExisting     bool
	MaxProposals        int
	MinCycleLength      int
	MaxCycleLength      int
	MaxEnumeratedCycles *int
	TimeoutMS           int
	Now                 time.Time
}

// RunStats is the diagnostic summary of a run.
type RunStats struct {
	CandidateCycles           int  `json:"candidate_cycles"`
	CandidateProposals        int  `json:"candidate_proposals"`
	SelectedProposals         int  `json:"selected_proposals"`
	IntentsActive             int  `json:"intents_active"`
	Edges                     int  `json:"edges"`
	CycleEnumerationLimited   bool `json:"cycle_enumeration_limited"`
	CycleEnumerationTimedOut  bool `json:"cycle_enumeration_timed_out"`
}

// Run is the recorded outcome of one matching invocation. Trace lists the
// canonical keys of the selected cycles in selection order; identical input
// snapshots yield identical stats, proposals, and trace.
type Run struct {
	RunID     string                   `json:"run_id"`
	Stats     RunStats                 `json:"stats"`
	Trace     []string                 `json:"trace"`
	Proposals []proposal.CycleProposal `json:"proposals"`
	CreatedAt time.Time                `json:"created_at"`
}

// Service runs matching over the intent snapshot and persists selected
// proposals.
type Service struct {
	store  storage.IntentStore
	props  storage.ProposalStore
	tuning Tuning
	log    *logger.Logger
}

// New constructs a matching service.
func New(store storage.IntentStore, props storage.ProposalStore, tuning Tuning, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("matching")
	}
	return &Service{store: store, props: props, tuning: tuning.normalized(), log: log}
}

// Run executes one matching run: snapshot, enumerate, score, select, commit.
// The snapshot is cloned out of the store before enumeration, so concurrent
// intent mutations never leak into a run.
func (s *Service) Run(ctx context.Context, params RunParams) (Run, error) {
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	minLen := params.MinCycleLength
	if minLen < 2 {
		minLen = DefaultMinCycleLength
	}
	maxLen := params.MaxCycleLength
	if maxLen == 0 {
		maxLen = DefaultMaxCycleLength
	}
	if maxLen < minLen {
		return Run{}, errors.Newf(errors.CodeConstraintViolation,
			"max_cycle_length %d is below min_cycle_length %d", maxLen, minLen)
	}
	maxCount := -1
	if params.MaxEnumeratedCycles != nil {
		maxCount = *params.MaxEnumeratedCycles
	}
	var deadline time.Time
	if params.TimeoutMS > 0 {
		deadline = time.Now().Add(time.Duration(params.TimeoutMS) * time.Millisecond)
	}

	started := time.Now()
	intents, err := s.store.ListIntents(ctx)
	if err != nil {
		return Run{}, err
	}
	directives, err := s.store.ListEdgeIntents(ctx)
	if err != nil {
		return Run{}, err
	}

	g := buildGraph(intents, directives, now)
	enum := enumerateCycles(g, minLen, maxLen, maxCount, deadline)
	cycles := enum.sortedCycles()

	candidates := make([]candidate, 0, len(cycles))
	for _, path := range cycles {
		c, ok, err := materialize(g, path, s.tuning, now)
		if err != nil {
			return Run{}, err
		}
		if ok {
			candidates = append(candidates, c)
		}
	}

	selected := selectDisjoint(candidates, params.MaxProposals)

	run := Run{
		RunID:     "run_" + uuid.NewString(),
		CreatedAt: now,
		Stats: RunStats{
			CandidateCycles:          len(cycles),
			CandidateProposals:       len(candidates),
			SelectedProposals:        len(selected),
			IntentsActive:            len(g.intents),
			Edges:                    g.edgeCount(),
			CycleEnumerationLimited:  enum.limited,
			CycleEnumerationTimedOut: enum.timedOut,
		},
	}
	run.Trace = make([]string, 0, len(selected))
	run.Proposals = make([]proposal.CycleProposal, 0, len(selected))
	for _, c := range selected {
		p := c.proposal
		p.RunID = run.RunID
		run.Trace = append(run.Trace, c.canonicalKey)
		run.Proposals = append(run.Proposals, p)
	}

	if err := s.props.ReplaceProposals(ctx, run.Proposals, params.ReplaceExisting); err != nil {
		return Run{}, err
	}

	metrics.RecordMatchingRun(time.Since(started), len(selected), enum.limited || enum.timedOut)
	s.log.WithFields(map[string]any{
		"run_id":             run.RunID,
		"intents_active":     run.Stats.IntentsActive,
		"edges":              run.Stats.Edges,
		"candidate_cycles":   run.Stats.CandidateCycles,
		"selected_proposals": run.Stats.SelectedProposals,
	}).Info("matching run complete")
	return run, nil
}

// GetProposal fetches one stored proposal.
func (s *Service) GetProposal(ctx context.Context, id string) (proposal.CycleProposal, error) {
	return s.props.GetProposal(ctx, id)
}

// ListProposals returns every stored proposal.
func (s *Service) ListProposals(ctx context.Context) ([]proposal.CycleProposal, error) {
	return s.props.ListProposals(ctx)
}

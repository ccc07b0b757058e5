package matching

import (
	"sort"
	"strings"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/proposal"
)

// candidate is one scored cycle awaiting selection.
type candidate struct {
	proposal     proposal.CycleProposal
	canonicalKey string
	length       int
}

// materialize turns an enumerated cycle into a scored proposal candidate.
// Participant order follows the canonical rotation. give_i is the portion of
// participant i's offer that satisfies participant (i-1)'s want and flows to
// that participant; get_i therefore equals give_{(i+1) mod n}.
// The ok result is false when a participant's trust constraints (cycle
// length, counterparty reliability) reject the cycle.
func materialize(g *graph, path []int, tuning Tuning, now time.Time) (candidate, bool, error) {
	n := len(path)
	ids := make([]string, n)
	for i, v := range path {
		ids[i] = g.intents[v].ID
	}
	key := proposal.CanonicalKey(ids)

	// Rotate the node path to match the canonical key.
	offset := 0
	for i, id := range ids {
		if id == key[0] {
			offset = i
			break
		}
	}
	nodes := make([]int, n)
	for i := range path {
		nodes[i] = path[(offset+i)%n]
	}

	for _, v := range nodes {
		tc := g.intents[v].TrustConstraints
		if tc.MaxCycleLength > 0 && n > tc.MaxCycleLength {
			return candidate{}, false, nil
		}
		if tc.MinCounterpartyReliability <= 0 {
			continue
		}
		for _, w := range nodes {
			if w == v {
				continue
			}
			if g.reliabilityOf(g.intents[w].Actor) < tc.MinCounterpartyReliability {
				return candidate{}, false, nil
			}
		}
	}

	confidence := 1.0
	allDerived := true
	gives := make([][]intent.AssetRef, n)
	giveValues := make([]float64, n)
	for i := 0; i < n; i++ {
		prev := nodes[(i-1+n)%n]
		cur := nodes[i]
		e, ok := g.edgeBetween(prev, cur)
		if !ok {
			return candidate{}, false, nil
		}
		base := tuning.BaseDerived
		if e.origin != originDerived {
			base = tuning.BaseExplicit
			allDerived = false
		}
		score := base * (1 + e.preferStrength)
		if score > 1 {
			score = 1
		}
		confidence *= score

		give := g.intents[prev].WantSpec.SatisfyingSubset(g.intents[cur].Offer)
		if len(give) == 0 {
			// Pure explicit edge with no want overlap: the whole offer
			// moves.
			give = append([]intent.AssetRef(nil), g.intents[cur].Offer...)
		}
		gives[i] = give
		for _, a := range give {
			giveValues[i] += a.ValueUSD
		}
	}

	minGive, maxGive, meanGive := giveValues[0], giveValues[0], 0.0
	for _, v := range giveValues {
		if v < minGive {
			minGive = v
		}
		if v > maxGive {
			maxGive = v
		}
		meanGive += v
	}
	meanGive /= float64(n)
	spread := maxGive - minGive

	explain := []string{proposal.ReasonConfidence}
	if meanGive > 0 && spread <= tuning.ValueDeltaFraction*meanGive {
		explain = append([]string{proposal.ReasonValueDelta}, explain...)
	}
	if allDerived {
		explain = append(explain, proposal.ReasonConstraintFit)
	}

	participants := make([]proposal.Participant, n)
	for i, v := range nodes {
		participants[i] = proposal.Participant{
			IntentID: g.intents[v].ID,
			Actor:    g.intents[v].Actor,
			Give:     gives[i],
			Get:      gives[(i+1)%n],
		}
	}

	id, err := proposal.DeriveID(key)
	if err != nil {
		return candidate{}, false, err
	}
	return candidate{
		proposal: proposal.CycleProposal{
			ID:              id,
			Participants:    participants,
			ConfidenceScore: confidence,
			ValueSpread:     spread,
			Explainability:  explain,
			ExpiresAt:       now.Add(tuning.ProposalTTL),
			CreatedAt:       now,
		},
		canonicalKey: strings.Join(key, "|"),
		length:       n,
	}, true, nil
}

// selectDisjoint orders candidates by (confidence desc, value spread asc,
// length asc, canonical key asc) and greedily keeps those sharing no intent
// with an earlier pick.
func selectDisjoint(candidates []candidate, maxProposals int) []candidate {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.proposal.ConfidenceScore != b.proposal.ConfidenceScore {
			return a.proposal.ConfidenceScore > b.proposal.ConfidenceScore
		}
		if a.proposal.ValueSpread != b.proposal.ValueSpread {
			return a.proposal.ValueSpread < b.proposal.ValueSpread
		}
		if a.length != b.length {
			return a.length < b.length
		}
		return a.canonicalKey < b.canonicalKey
	})

	claimed := make(map[string]struct{})
	var selected []candidate
	for _, c := range candidates {
		if maxProposals > 0 && len(selected) == maxProposals {
			break
		}
		overlap := false
		for _, p := range c.proposal.Participants {
			if _, taken := claimed[p.IntentID]; taken {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}
		for _, p := range c.proposal.Participants {
			claimed[p.IntentID] = struct{}{}
		}
		selected = append(selected, c)
	}
	return selected
}

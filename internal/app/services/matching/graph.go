package matching

import (
	"sort"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
)

// edgeOrigin tags how a compatibility edge came to exist.
type edgeOrigin string

const (
	originDerived  edgeOrigin = "derived"
	originExplicit edgeOrigin = "explicit"
	originHybrid   edgeOrigin = "hybrid"
)

// edge is one directed compatibility edge: from's want is satisfiable by
// to's offer.
type edge struct {
	from           int
	to             int
	origin         edgeOrigin
	preferStrength float64
}

// graph is the compatibility graph over a fixed snapshot of active intents.
// Nodes are indexed by sorted intent id so traversal order is deterministic.
type graph struct {
	intents     []intent.SwapIntent
	index       map[string]int
	adj         [][]int          // adjacency by node index, targets sorted
	edges       map[[2]int]*edge // keyed by (from, to)
	reliability map[string]float64
}

// buildGraph derives the compatibility graph from active, unexpired intents
// and the explicit edge directives in force at now.
func buildGraph(intents []intent.SwapIntent, directives []intent.EdgeIntent, now time.Time) *graph {
	eligible := make([]intent.SwapIntent, 0, len(intents))
	for _, in := range intents {
		if in.Status != intent.StatusActive || in.ExpiredAt(now) {
			continue
		}
		eligible = append(eligible, in)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	g := &graph{
		intents:     eligible,
		index:       make(map[string]int, len(eligible)),
		adj:         make([][]int, len(eligible)),
		edges:       make(map[[2]int]*edge),
		reliability: make(map[string]float64),
	}
	for i, in := range eligible {
		g.index[in.ID] = i
	}

	// Counterparty reliability is each actor's settled share of finished
	// intents across the whole snapshot. No history scores as 1.
	settled := make(map[string]int)
	finished := make(map[string]int)
	for _, in := range intents {
		switch in.Status {
		case intent.StatusSettled:
			settled[in.Actor.String()]++
			finished[in.Actor.String()]++
		case intent.StatusFailed:
			finished[in.Actor.String()]++
		}
	}
	for k, n := range finished {
		g.reliability[k] = float64(settled[k]) / float64(n)
	}

	// Derived edges: A -> B when A's want is satisfied by B's offer and
	// B's aggregate offer value falls inside A's value band.
	for a, src := range eligible {
		for b, dst := range eligible {
			if a == b {
				continue
			}
			if len(src.WantSpec.SatisfyingSubset(dst.Offer)) == 0 {
				continue
			}
			if !src.ValueBand.Contains(dst.OfferValueUSD()) {
				continue
			}
			g.edges[[2]int{a, b}] = &edge{from: a, to: b, origin: originDerived}
		}
	}

	// Explicit directives override: allow/prefer forces an edge, block wins
	// over both no matter which order the directives arrive in.
	blocked := make(map[[2]int]struct{})
	for _, d := range directives {
		if d.Type != intent.EdgeBlock || !d.ActiveAt(now) {
			continue
		}
		a, okA := g.index[d.SourceIntentID]
		b, okB := g.index[d.TargetIntentID]
		if !okA || !okB || a == b {
			continue
		}
		blocked[[2]int{a, b}] = struct{}{}
	}
	for _, d := range directives {
		if d.Type == intent.EdgeBlock || !d.ActiveAt(now) {
			continue
		}
		a, okA := g.index[d.SourceIntentID]
		b, okB := g.index[d.TargetIntentID]
		if !okA || !okB || a == b {
			continue
		}
		key := [2]int{a, b}
		if _, gone := blocked[key]; gone {
			continue
		}
		e, exists := g.edges[key]
		if exists {
			e.origin = originHybrid
		} else {
			e = &edge{from: a, to: b, origin: originExplicit}
			g.edges[key] = e
		}
		if d.Type == intent.EdgePrefer && d.Strength > e.preferStrength {
			e.preferStrength = d.Strength
		}
	}
	for key := range blocked {
		delete(g.edges, key)
	}

	for key := range g.edges {
		g.adj[key[0]] = append(g.adj[key[0]], key[1])
	}
	for i := range g.adj {
		sort.Ints(g.adj[i])
	}
	return g
}

// reliabilityOf returns the actor's settlement reliability, 1 with no
// history.
func (g *graph) reliabilityOf(a actor.Actor) float64 {
	if r, ok := g.reliability[a.String()]; ok {
		return r
	}
	return 1
}

// edgeBetween returns the edge from -> to, if present.
func (g *graph) edgeBetween(from, to int) (*edge, bool) {
	e, ok := g.edges[[2]int{from, to}]
	return e, ok
}

// edgeCount reports the total number of edges.
func (g *graph) edgeCount() int { return len(g.edges) }

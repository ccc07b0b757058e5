package matching

import (
	"sort"
	"strings"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/proposal"
)

// enumeration holds the bounded cycle search state for one run.
type enumeration struct {
	g        *graph
	minLen   int
	maxLen   int
	maxCount int // -1 means uncapped
	deadline time.Time

	cycles   [][]int
	seen     map[string]struct{}
	limited  bool
	timedOut bool
}

// enumerateCycles finds simple cycles of length in [minLen, maxLen]. From
// each start node the DFS only visits nodes with index >= start, so every
// cycle is found exactly once from its smallest member. maxCount < 0 means
// no cap; a zero deadline means no timeout.
func enumerateCycles(g *graph, minLen, maxLen, maxCount int, deadline time.Time) *enumeration {
	e := &enumeration{
		g:        g,
		minLen:   minLen,
		maxLen:   maxLen,
		maxCount: maxCount,
		deadline: deadline,
		seen:     make(map[string]struct{}),
	}
	if e.capReached() {
		e.limited = true
		return e
	}

	for _, comp := range stronglyConnected(g) {
		inComp := make(map[int]bool, len(comp))
		for _, v := range comp {
			inComp[v] = true
		}
		for _, start := range comp {
			e.search(start, inComp)
			if e.limited || e.timedOut {
				return e
			}
		}
	}
	return e
}

// search runs the path DFS from start, restricted to nodes in comp with
// index >= start.
func (e *enumeration) search(start int, inComp map[int]bool) {
	path := []int{start}
	onPath := map[int]bool{start: true}

	type frame struct {
		node int
		next int
	}
	frames := []frame{{node: start}}

	for len(frames) > 0 {
		if e.expired() {
			e.timedOut = true
			return
		}
		f := &frames[len(frames)-1]
		v := f.node
		if f.next >= len(e.g.adj[v]) {
			frames = frames[:len(frames)-1]
			path = path[:len(path)-1]
			delete(onPath, v)
			continue
		}
		w := e.g.adj[v][f.next]
		f.next++

		if w == start {
			if len(path) >= e.minLen && len(path) <= e.maxLen {
				e.record(path)
				if e.capReached() {
					e.limited = true
					return
				}
			}
			continue
		}
		if w < start || !inComp[w] || onPath[w] || len(path) == e.maxLen {
			continue
		}
		path = append(path, w)
		onPath[w] = true
		frames = append(frames, frame{node: w})
	}
}

func (e *enumeration) record(path []int) {
	ids := make([]string, len(path))
	for i, v := range path {
		ids[i] = e.g.intents[v].ID
	}
	key := strings.Join(proposal.CanonicalKey(ids), "|")
	if _, dup := e.seen[key]; dup {
		return
	}
	e.seen[key] = struct{}{}
	e.cycles = append(e.cycles, append([]int(nil), path...))
}

func (e *enumeration) capReached() bool {
	return e.maxCount >= 0 && len(e.cycles) >= e.maxCount
}

func (e *enumeration) expired() bool {
	return !e.deadline.IsZero() && time.Now().After(e.deadline)
}

// sortedCycles returns the enumerated cycles ordered by length ascending,
// then lexicographically by canonical key.
func (e *enumeration) sortedCycles() [][]int {
	type keyed struct {
		path []int
		key  string
	}
	ks := make([]keyed, len(e.cycles))
	for i, path := range e.cycles {
		ids := make([]string, len(path))
		for j, v := range path {
			ids[j] = e.g.intents[v].ID
		}
		ks[i] = keyed{path: path, key: strings.Join(proposal.CanonicalKey(ids), "|")}
	}
	sort.Slice(ks, func(i, j int) bool {
		if len(ks[i].path) != len(ks[j].path) {
			return len(ks[i].path) < len(ks[j].path)
		}
		return ks[i].key < ks[j].key
	})
	out := make([][]int, len(ks))
	for i, k := range ks {
		out[i] = k.path
	}
	return out
}

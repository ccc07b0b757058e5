package matching

import "sort"

// stronglyConnected runs Tarjan's algorithm over the graph and returns the
// strongly connected components, each sorted by node index, ordered by their
// smallest member. Singletons without a self-loop are dropped: they cannot
// contain a cycle.
func stronglyConnected(g *graph) [][]int {
	n := len(g.intents)
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	var (
		counter int
		stack   []int
		comps   [][]int
	)

	// Iterative Tarjan; frames carry the next adjacency offset so the
	// traversal survives deep paths without recursion.
	type frame struct {
		node int
		next int
	}

	for start := 0; start < n; start++ {
		if index[start] != -1 {
			continue
		}
		frames := []frame{{node: start}}
		index[start] = counter
		lowlink[start] = counter
		counter++
		stack = append(stack, start)
		onStack[start] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			v := f.node
			if f.next < len(g.adj[v]) {
				w := g.adj[v][f.next]
				f.next++
				if index[w] == -1 {
					index[w] = counter
					lowlink[w] = counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{node: w})
				} else if onStack[w] && index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
				continue
			}

			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := frames[len(frames)-1].node
				if lowlink[v] < lowlink[parent] {
					lowlink[parent] = lowlink[v]
				}
			}
			if lowlink[v] == index[v] {
				var comp []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == v {
						break
					}
				}
				if len(comp) == 1 {
					if _, selfLoop := g.edgeBetween(comp[0], comp[0]); !selfLoop {
						continue
					}
				}
				sort.Ints(comp)
				comps = append(comps, comp)
			}
		}
	}

	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })
	return comps
}

package relay

import "sort"

// BlockGraph stores, per blocker connection, the set of connection IDs whose
// messages must not be delivered to it. Like Registry it relies on Engine for
// synchronization.
type BlockGraph struct {
	edges map[string]map[string]struct{} // blocker -> blocked set
}

// NewBlockGraph creates an empty BlockGraph.
func NewBlockGraph() *BlockGraph {
	return &BlockGraph{edges: make(map[string]map[string]struct{})}
}

// Block adds target to blocker's set. Blocking twice has no further effect.
func (g *BlockGraph) Block(blocker, target string) {
	set, ok := g.edges[blocker]
	if !ok {
		set = make(map[string]struct{})
		g.edges[blocker] = set
	}
	set[target] = struct{}{}
}

// Unblock removes target from blocker's set, if present.
func (g *BlockGraph) Unblock(blocker, target string) {
	set, ok := g.edges[blocker]
	if !ok {
		return
	}
	delete(set, target)
	if len(set) == 0 {
		delete(g.edges, blocker)
	}
}

// IsBlocked reports whether blocker currently blocks target.
func (g *BlockGraph) IsBlocked(blocker, target string) bool {
	_, ok := g.edges[blocker][target]
	return ok
}

// Blocked returns blocker's set in sorted order.
func (g *BlockGraph) Blocked(blocker string) []string {
	set := g.edges[blocker]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Forget drops blocker's own set. Edges that other blockers hold against it
// are left alone; they stop mattering once the connection is gone.
func (g *BlockGraph) Forget(blocker string) {
	delete(g.edges, blocker)
}

// Reset removes every edge.
func (g *BlockGraph) Reset() {
	g.edges = make(map[string]map[string]struct{})
}

// Len returns the number of blockers with a non-empty set.
func (g *BlockGraph) Len() int {
	return len(g.edges)
}

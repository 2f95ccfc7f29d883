package dependencies

import (
	"github.com/ethpandaops/cds/pkg/tracking"
)

// OptimizeDependencies reduces candidate predecessors to the frontier that must
// be waited on explicitly. A candidate is kept iff no other candidate waits on
// it, directly or through the edges of the given nodes; everything it would
// enforce is then already enforced by the kept candidate waiting on it.
//
// The result is sorted and depends only on the edge structure.
func OptimizeDependencies(nodes []Node) ([]tracking.Key, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	graph := NewGraph()
	if err := graph.Build(nodes); err != nil {
		return nil, err
	}

	candidates := make(map[tracking.Key]struct{}, len(nodes))
	for _, n := range nodes {
		candidates[n.Key] = struct{}{}
	}

	retained := make([]tracking.Key, 0, len(candidates))

	for key := range candidates {
		if !subsumed(graph, key, candidates) {
			retained = append(retained, key)
		}
	}

	return tracking.SortKeys(retained), nil
}

// subsumed reports whether another candidate waits on key
func subsumed(graph *Graph, key tracking.Key, candidates map[tracking.Key]struct{}) bool {
	for _, dependent := range graph.GetAllDependents(key) {
		if _, ok := candidates[dependent]; ok && dependent != key {
			return true
		}
	}

	return false
}

// Reduce resolves the predecessors of a new entry from candidate entries
func Reduce(candidates []*tracking.Entry) ([]tracking.Key, error) {
	nodes := make([]Node, 0, len(candidates))
	for _, c := range candidates {
		nodes = append(nodes, NodeFromEntry(c))
	}

	return OptimizeDependencies(nodes)
}

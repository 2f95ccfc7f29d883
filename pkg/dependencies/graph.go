// Package dependencies maintains dependency graphs between tracked chunks
package dependencies

import (
	"errors"
	"fmt"
	"sync"

	"github.com/heimdalr/dag"

	"github.com/ethpandaops/cds/pkg/tracking"
)

var (
	// ErrCyclicDependency is returned when waiting-on edges form a cycle
	ErrCyclicDependency = errors.New("chunk dependencies form a cycle")
	// ErrSelfDependency is returned when a node waits on itself
	ErrSelfDependency = errors.New("chunk waits on itself")
)

// Node is a chunk together with the chunks it waits on
type Node struct {
	Key       tracking.Key
	WaitingOn []tracking.Key
}

// NodeFromEntry converts a tracking entry into a graph node
func NodeFromEntry(e *tracking.Entry) Node {
	return Node{Key: e.Key, WaitingOn: e.WaitingOn}
}

// Graph is a DAG over chunk keys with edges from predecessor to waiter
type Graph struct {
	dag   *dag.DAG
	nodes map[tracking.Key][]tracking.Key
	mutex sync.RWMutex
}

// NewGraph creates an empty graph
func NewGraph() *Graph {
	return &Graph{
		dag:   dag.NewDAG(),
		nodes: make(map[tracking.Key][]tracking.Key),
	}
}

// Build replaces the graph with the given nodes. Keys that are only referenced
// through WaitingOn become vertices without edges of their own.
func (g *Graph) Build(nodes []Node) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.dag = dag.NewDAG()
	g.nodes = make(map[tracking.Key][]tracking.Key, len(nodes))

	for _, n := range nodes {
		g.nodes[n.Key] = append(g.nodes[n.Key], n.WaitingOn...)
	}

	for key, waitingOn := range g.nodes {
		if err := g.addVertex(key); err != nil {
			return err
		}

		for _, pred := range waitingOn {
			if err := g.addVertex(pred); err != nil {
				return err
			}
		}
	}

	// Edges (predecessor → waiter)
	for key, waitingOn := range g.nodes {
		for _, pred := range waitingOn {
			if pred == key {
				return fmt.Errorf("%w: %s", ErrSelfDependency, key)
			}

			err := g.dag.AddEdge(pred.String(), key.String())
			if err == nil {
				continue
			}

			var duplicate dag.EdgeDuplicateError
			if errors.As(err, &duplicate) {
				continue
			}

			var loop dag.EdgeLoopError
			if errors.As(err, &loop) {
				return fmt.Errorf("%w: %s → %s", ErrCyclicDependency, pred, key)
			}

			return fmt.Errorf("invalid dependency %s → %s: %w", pred, key, err)
		}
	}

	return nil
}

func (g *Graph) addVertex(key tracking.Key) error {
	id := key.String()

	if _, err := g.dag.GetVertex(id); err == nil {
		return nil
	}

	// The id doubles as vertex value; values must be unique and hashable.
	if err := g.dag.AddVertexByID(id, id); err != nil {
		return fmt.Errorf("failed to add vertex %s: %w", id, err)
	}

	return nil
}

// GetDependents returns the chunks directly waiting on key
func (g *Graph) GetDependents(key tracking.Key) []tracking.Key {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	children, err := g.dag.GetChildren(key.String())
	if err != nil {
		return nil
	}

	return keysOf(children)
}

// GetDependencies returns the chunks key directly waits on
func (g *Graph) GetDependencies(key tracking.Key) []tracking.Key {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	parents, err := g.dag.GetParents(key.String())
	if err != nil {
		return nil
	}

	return keysOf(parents)
}

// GetAllDependents returns every chunk waiting on key directly or transitively
func (g *Graph) GetAllDependents(key tracking.Key) []tracking.Key {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	descendants, err := g.dag.GetDescendants(key.String())
	if err != nil {
		return nil
	}

	return keysOf(descendants)
}

// GetAllDependencies returns every chunk key waits on directly or transitively
func (g *Graph) GetAllDependencies(key tracking.Key) []tracking.Key {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	ancestors, err := g.dag.GetAncestors(key.String())
	if err != nil {
		return nil
	}

	return keysOf(ancestors)
}

// IsPathBetween reports whether to waits on from, directly or transitively
func (g *Graph) IsPathBetween(from, to tracking.Key) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	descendants, err := g.dag.GetDescendants(from.String())
	if err != nil {
		return false
	}

	_, exists := descendants[to.String()]

	return exists
}

// Keys returns every vertex of the graph in key order
func (g *Graph) Keys() []tracking.Key {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return keysOf(g.dag.GetVertices())
}

func keysOf(vertices map[string]interface{}) []tracking.Key {
	keys := make([]tracking.Key, 0, len(vertices))

	for id := range vertices {
		k, err := tracking.ParseKey(id)
		if err != nil {
			continue
		}

		keys = append(keys, k)
	}

	return tracking.SortKeys(keys)
}

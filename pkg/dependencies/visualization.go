package dependencies

import (
	"fmt"
	"strings"

	"github.com/ethpandaops/cds/pkg/tracking"
)

// Info summarizes the shape of a graph for diagnostics
type Info struct {
	Levels     map[int][]tracking.Key `json:"levels"`
	MaxLevel   int                    `json:"maxLevel"`
	RootNodes  []tracking.Key         `json:"rootNodes"`
	TotalNodes int                    `json:"totalNodes"`
}

// GetInfo groups chunks by how many predecessors deep they sit
func (g *Graph) GetInfo() *Info {
	keys := g.Keys()

	g.mutex.RLock()
	defer g.mutex.RUnlock()

	levels := make(map[tracking.Key]int, len(keys))

	// Keep raising levels until stable; the graph is acyclic so this terminates.
	changed := true
	for changed {
		changed = false

		for _, key := range keys {
			for _, pred := range g.nodes[key] {
				if levels[pred]+1 > levels[key] {
					levels[key] = levels[pred] + 1
					changed = true
				}
			}
		}
	}

	info := &Info{
		Levels:     make(map[int][]tracking.Key),
		RootNodes:  []tracking.Key{},
		TotalNodes: len(keys),
	}

	for _, key := range keys {
		level := levels[key]
		if level > info.MaxLevel {
			info.MaxLevel = level
		}

		info.Levels[level] = append(info.Levels[level], key)

		if len(g.nodes[key]) == 0 {
			info.RootNodes = append(info.RootNodes, key)
		}
	}

	return info
}

// GenerateDOTFormat renders the graph in Graphviz DOT format
func (g *Graph) GenerateDOTFormat() string {
	keys := g.Keys()

	g.mutex.RLock()
	defer g.mutex.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph chunks {\n")
	sb.WriteString("  rankdir=LR;\n")

	for _, key := range keys {
		if _, tracked := g.nodes[key]; tracked {
			fmt.Fprintf(&sb, "  \"%s\";\n", key)
		} else {
			fmt.Fprintf(&sb, "  \"%s\" [style=dashed];\n", key)
		}

		for _, pred := range tracking.SortKeys(append([]tracking.Key(nil), g.nodes[key]...)) {
			fmt.Fprintf(&sb, "  \"%s\" -> \"%s\";\n", pred, key)
		}
	}

	sb.WriteString("}")

	return sb.String()
}

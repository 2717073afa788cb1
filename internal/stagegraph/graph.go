package stagegraph

import (
	"fmt"
	"sort"
	"strings"
)

// Node describes one stage of a pipeline. Nodes are immutable after graph
// construction.
type Node struct {
	ID                   string
	Role                 string
	DependsOn            []string
	RequiresConfirmation bool
	Scored               bool
	ArtifactSchemaPath   string
	Description          string
}

// IntegrityError reports a structural defect found during graph construction.
type IntegrityError struct {
	Graph  string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("stage graph %q: %s", e.Graph, e.Reason)
}

// Graph is a validated directed acyclic graph of stages.
type Graph struct {
	name       string
	nodes      map[string]Node
	order      []string
	dependents map[string][]string
}

// New validates the node set and builds a Graph. It fails with an
// *IntegrityError when a dependency cycle or a dangling dependency reference
// is found.
func New(name string, nodes []Node) (*Graph, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "pipeline"
	}
	if len(nodes) == 0 {
		return nil, &IntegrityError{Graph: name, Reason: "no stages defined"}
	}

	byID := make(map[string]Node, len(nodes))
	for _, node := range nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return nil, &IntegrityError{Graph: name, Reason: "stage with empty id"}
		}
		if _, exists := byID[id]; exists {
			return nil, &IntegrityError{Graph: name, Reason: fmt.Sprintf("duplicate stage %q", id)}
		}
		node.ID = id
		byID[id] = node
	}

	dependents := make(map[string][]string, len(byID))
	for _, node := range byID {
		for _, dep := range node.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &IntegrityError{
					Graph:  name,
					Reason: fmt.Sprintf("stage %q depends on unknown stage %q", node.ID, dep),
				}
			}
			if dep == node.ID {
				return nil, &IntegrityError{
					Graph:  name,
					Reason: fmt.Sprintf("stage %q depends on itself", node.ID),
				}
			}
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}
	for id := range dependents {
		sort.Strings(dependents[id])
	}

	order, err := topoSort(name, byID)
	if err != nil {
		return nil, err
	}

	return &Graph{name: name, nodes: byID, order: order, dependents: dependents}, nil
}

// topoSort orders stages so dependencies precede dependents, detecting cycles
// along the way. Ties break alphabetically for deterministic ordering.
func topoSort(name string, nodes map[string]Node) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	for id, node := range nodes {
		indegree[id] = len(node.DependsOn)
	}

	var frontier []string
	for id, degree := range indegree {
		if degree == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	forward := make(map[string][]string, len(nodes))
	for id, node := range nodes {
		for _, dep := range node.DependsOn {
			forward[dep] = append(forward[dep], id)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := forward[id]
		sort.Strings(next)
		for _, dependent := range next {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				frontier = append(frontier, dependent)
				sort.Strings(frontier)
			}
		}
	}

	if len(order) != len(nodes) {
		var stuck []string
		seen := make(map[string]struct{}, len(order))
		for _, id := range order {
			seen[id] = struct{}{}
		}
		for id := range nodes {
			if _, ok := seen[id]; !ok {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &IntegrityError{
			Graph:  name,
			Reason: fmt.Sprintf("dependency cycle involving stages %s", strings.Join(stuck, ", ")),
		}
	}
	return order, nil
}

// Name returns the graph identifier.
func (g *Graph) Name() string {
	return g.name
}

// Len returns the number of stages.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node for a stage identifier.
func (g *Graph) Node(id string) (Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Nodes returns all nodes in topological order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// StageIDs returns all stage identifiers in topological order.
func (g *Graph) StageIDs() []string {
	cp := make([]string, len(g.order))
	copy(cp, g.order)
	return cp
}

// ReadyStages returns, in topological order, the stages whose dependencies
// are all completed and whose own status is pending. Stages leave the result
// as soon as their status changes, so each is returned exactly once per
// activation.
func (g *Graph) ReadyStages(state func(id string) StageStatus) []string {
	if state == nil {
		return nil
	}
	var ready []string
	for _, id := range g.order {
		if state(id) != StagePending {
			continue
		}
		if g.DependenciesCompleted(id, state) {
			ready = append(ready, id)
		}
	}
	return ready
}

// DependenciesCompleted reports whether every dependency of a stage is completed.
func (g *Graph) DependenciesCompleted(id string, state func(id string) StageStatus) bool {
	node, ok := g.nodes[id]
	if !ok {
		return false
	}
	for _, dep := range node.DependsOn {
		if state(dep) != StageCompleted {
			return false
		}
	}
	return true
}

// DependentsOf returns the stages that directly depend on the given stage.
func (g *Graph) DependentsOf(id string) []string {
	deps := g.dependents[id]
	cp := make([]string, len(deps))
	copy(cp, deps)
	return cp
}

// TransitiveDependents returns every stage reachable from the given stage via
// dependency edges, in topological order. The stage itself is excluded.
func (g *Graph) TransitiveDependents(id string) []string {
	reached := make(map[string]struct{})
	var walk func(from string)
	walk = func(from string) {
		for _, dependent := range g.dependents[from] {
			if _, ok := reached[dependent]; ok {
				continue
			}
			reached[dependent] = struct{}{}
			walk(dependent)
		}
	}
	walk(id)

	out := make([]string, 0, len(reached))
	for _, candidate := range g.order {
		if _, ok := reached[candidate]; ok {
			out = append(out, candidate)
		}
	}
	return out
}

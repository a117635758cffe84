package graph

import (
	"sort"

	"github.com/tasklab/foreman/pkg/errdef"
)

// DAG is a directed acyclic graph of task IDs. Edges point from a
// prerequisite to the tasks that depend on it.
type DAG struct {
	nodes map[string]bool
	edges map[string][]string // from -> to
}

// New creates an empty DAG.
func New() *DAG {
	return &DAG{
		nodes: make(map[string]bool),
		edges: make(map[string][]string),
	}
}

// AddNode registers a node. Adding an existing node is a no-op.
func (g *DAG) AddNode(id string) {
	g.nodes[id] = true
}

// AddEdge adds a directed edge from -> to, registering both endpoints.
// Returns a validation error if the edge would introduce a cycle; the graph
// is left unchanged in that case.
func (g *DAG) AddEdge(from, to string) error {
	if from == to {
		return errdef.New(errdef.KindValidation, "self-dependency on task %s", from)
	}
	g.AddNode(from)
	g.AddNode(to)

	if g.reachable(to, from) {
		return errdef.New(errdef.KindValidation, "dependency %s -> %s would create a cycle", from, to)
	}

	for _, existing := range g.edges[from] {
		if existing == to {
			return nil
		}
	}
	g.edges[from] = append(g.edges[from], to)
	return nil
}

// HasEdge reports whether the exact edge from -> to exists.
func (g *DAG) HasEdge(from, to string) bool {
	for _, t := range g.edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Nodes returns all node IDs in sorted order.
func (g *DAG) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Edges returns a copy of the adjacency map.
func (g *DAG) Edges() map[string][]string {
	out := make(map[string][]string, len(g.edges))
	for from, tos := range g.edges {
		out[from] = append([]string(nil), tos...)
	}
	return out
}

// reachable reports whether `to` can be reached from `from`.
func (g *DAG) reachable(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.edges[n] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// inDegrees computes in-degree per node.
func (g *DAG) inDegrees() map[string]int {
	deg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		deg[id] = 0
	}
	for _, tos := range g.edges {
		for _, to := range tos {
			deg[to]++
		}
	}
	return deg
}

// TopoOrder returns a deterministic topological ordering (Kahn's algorithm,
// ties broken lexicographically). Returns a validation error on a cycle,
// which can only happen if the graph was built outside AddEdge.
func (g *DAG) TopoOrder() ([]string, error) {
	deg := g.inDegrees()

	var ready []string
	for id, d := range deg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		var freed []string
		for _, next := range g.edges[n] {
			deg[next]--
			if deg[next] == 0 {
				freed = append(freed, next)
			}
		}
		sort.Strings(freed)
		ready = mergeSorted(ready, freed)
	}

	if len(order) != len(g.nodes) {
		return nil, errdef.New(errdef.KindValidation, "dependency graph contains a cycle")
	}
	return order, nil
}

// Batches partitions the nodes into waves of parallel execution: batch k is
// the set of nodes whose in-degree restricted to remaining nodes is zero at
// step k.
func (g *DAG) Batches() ([][]string, error) {
	deg := g.inDegrees()
	remaining := len(g.nodes)

	var batches [][]string
	for remaining > 0 {
		var batch []string
		for id, d := range deg {
			if d == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			return nil, errdef.New(errdef.KindValidation, "dependency graph contains a cycle")
		}
		sort.Strings(batch)
		batches = append(batches, batch)

		for _, id := range batch {
			for _, next := range g.edges[id] {
				deg[next]--
			}
			// Mark consumed so it is not re-selected.
			deg[id] = -1
			remaining--
		}
	}
	return batches, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

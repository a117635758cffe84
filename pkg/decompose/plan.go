package decompose

import (
	"time"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/graph"
	"github.com/tasklab/foreman/pkg/types"
)

// BuildExecutionPlan materialises the project's dependency graph: adjacency
// from the explicit dependency records plus the tasks' own dependency
// lists, a topological order, and parallel batches.
func BuildExecutionPlan(projectID string, tasks []*types.AtomicTask, deps []*types.Dependency) (*types.DependencyGraph, error) {
	dag := graph.New()
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		dag.AddNode(t.ID)
		known[t.ID] = true
	}

	addEdge := func(from, to string) error {
		if !known[from] || !known[to] {
			// Edges to tasks outside the set (e.g. deleted) are skipped.
			return nil
		}
		return dag.AddEdge(from, to)
	}

	for _, d := range deps {
		if err := addEdge(d.FromTaskID, d.ToTaskID); err != nil {
			return nil, errdef.Wrap(errdef.KindValidation, err, "dependency %s", d.ID)
		}
	}
	for _, t := range tasks {
		for _, dep := range t.DependencyIDs {
			if err := addEdge(dep, t.ID); err != nil {
				return nil, errdef.Wrap(errdef.KindValidation, err, "task %s dependency list", t.ID)
			}
		}
	}

	order, err := dag.TopoOrder()
	if err != nil {
		return nil, err
	}
	batches, err := dag.Batches()
	if err != nil {
		return nil, err
	}

	return &types.DependencyGraph{
		ProjectID: projectID,
		Edges:     dag.Edges(),
		TopoOrder: order,
		Batches:   batches,
		UpdatedAt: time.Now(),
	}, nil
}

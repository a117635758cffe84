package storage

import (
	"github.com/tasklab/foreman/pkg/types"
)

// Store defines durable CRUD for orchestration state. Implemented by
// FileStore (one JSON file per entity), BoltStore (bbolt buckets) and
// MemStore (tests).
//
// Create fails with already_exists when the ID is taken; Update fails with
// not_found when it is not. Reads of missing entities fail with not_found.
type Store interface {
	// Projects
	CreateProject(p *types.Project) error
	GetProject(id string) (*types.Project, error)
	ExistsProject(id string) (bool, error)
	ListProjects() ([]*types.Project, error)
	UpdateProject(p *types.Project) error
	DeleteProject(id string) error

	// Epics
	CreateEpic(e *types.Epic) error
	GetEpic(id string) (*types.Epic, error)
	ExistsEpic(id string) (bool, error)
	ListEpics() ([]*types.Epic, error)
	ListEpicsByProject(projectID string) ([]*types.Epic, error)
	UpdateEpic(e *types.Epic) error
	DeleteEpic(id string) error

	// Tasks
	CreateTask(t *types.AtomicTask) error
	GetTask(id string) (*types.AtomicTask, error)
	ExistsTask(id string) (bool, error)
	ListTasks() ([]*types.AtomicTask, error)
	ListTasksByProject(projectID string) ([]*types.AtomicTask, error)
	ListTasksByEpic(epicID string) ([]*types.AtomicTask, error)
	UpdateTask(t *types.AtomicTask) error
	DeleteTask(id string) error

	// Dependencies
	CreateDependency(d *types.Dependency) error
	GetDependency(id string) (*types.Dependency, error)
	ExistsDependency(id string) (bool, error)
	ListDependenciesByProject(projectID string) ([]*types.Dependency, error)
	DeleteDependency(id string) error

	// Dependency graphs (one per project, keyed by project ID)
	PutGraph(g *types.DependencyGraph) error
	GetGraph(projectID string) (*types.DependencyGraph, error)
	DeleteGraph(projectID string) error

	// WithTransaction runs fn against a transactional view of the store.
	// If fn returns an error every mutation made through tx is rolled
	// back. Nested transactions are not supported.
	WithTransaction(fn func(tx Store) error) error

	// Utility
	Close() error
}

// TaskFilter selects tasks in QueryTasks. Zero fields match everything.
type TaskFilter struct {
	ProjectID string
	EpicID    string
	Status    types.TaskStatus
	Type      types.TaskType
	Priority  types.TaskPriority
	AgentID   string
}

// Matches reports whether a task satisfies the filter.
func (f TaskFilter) Matches(t *types.AtomicTask) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.EpicID != "" && t.EpicID != f.EpicID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.AgentID != "" && t.AgentID != f.AgentID {
		return false
	}
	return true
}

package storage

import (
	"encoding/json"
	"sync"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/types"
)

// MemStore is an in-memory Store with the same contract as the durable
// backends. Used in tests and as the transaction staging area of FileStore.
type MemStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte // entity kind -> id -> JSON
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{tables: map[string]map[string][]byte{
		entProject:    {},
		entEpic:       {},
		entTask:       {},
		entDependency: {},
		entGraph:      {},
	}}
}

const (
	entProject    = "project"
	entEpic       = "epic"
	entTask       = "task"
	entDependency = "dependency"
	entGraph      = "graph"
)

func (s *MemStore) put(kind, id string, v any, mustBeNew bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errdef.Wrap(errdef.KindStorageFailure, err, "encoding %s %s", kind, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.tables[kind][id]
	if mustBeNew && exists {
		return errdef.New(errdef.KindAlreadyExists, "%s already exists: %s", kind, id)
	}
	if !mustBeNew && !exists {
		return errdef.New(errdef.KindNotFound, "%s not found: %s", kind, id)
	}
	s.tables[kind][id] = data
	return nil
}

func (s *MemStore) upsert(kind, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errdef.Wrap(errdef.KindStorageFailure, err, "encoding %s %s", kind, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[kind][id] = data
	return nil
}

func (s *MemStore) get(kind, id string, out any) error {
	s.mu.RLock()
	data, exists := s.tables[kind][id]
	s.mu.RUnlock()
	if !exists {
		return errdef.New(errdef.KindNotFound, "%s not found: %s", kind, id)
	}
	return json.Unmarshal(data, out)
}

func (s *MemStore) exists(kind, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[kind][id]
	return ok, nil
}

func (s *MemStore) del(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tables[kind][id]; !exists {
		return errdef.New(errdef.KindNotFound, "%s not found: %s", kind, id)
	}
	delete(s.tables[kind], id)
	return nil
}

func (s *MemStore) each(kind string, fn func(data []byte) error) error {
	s.mu.RLock()
	rows := make([][]byte, 0, len(s.tables[kind]))
	for _, data := range s.tables[kind] {
		rows = append(rows, data)
	}
	s.mu.RUnlock()
	for _, data := range rows {
		if err := fn(data); err != nil {
			return err
		}
	}
	return nil
}

// Projects

func (s *MemStore) CreateProject(p *types.Project) error { return s.put(entProject, p.ID, p, true) }
func (s *MemStore) UpdateProject(p *types.Project) error { return s.put(entProject, p.ID, p, false) }
func (s *MemStore) DeleteProject(id string) error        { return s.del(entProject, id) }
func (s *MemStore) ExistsProject(id string) (bool, error) {
	return s.exists(entProject, id)
}

func (s *MemStore) GetProject(id string) (*types.Project, error) {
	var p types.Project
	if err := s.get(entProject, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MemStore) ListProjects() ([]*types.Project, error) {
	var out []*types.Project
	err := s.each(entProject, func(data []byte) error {
		var p types.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

// Epics

func (s *MemStore) CreateEpic(e *types.Epic) error { return s.put(entEpic, e.ID, e, true) }
func (s *MemStore) UpdateEpic(e *types.Epic) error { return s.put(entEpic, e.ID, e, false) }
func (s *MemStore) DeleteEpic(id string) error     { return s.del(entEpic, id) }
func (s *MemStore) ExistsEpic(id string) (bool, error) {
	return s.exists(entEpic, id)
}

func (s *MemStore) GetEpic(id string) (*types.Epic, error) {
	var e types.Epic
	if err := s.get(entEpic, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *MemStore) ListEpics() ([]*types.Epic, error) {
	var out []*types.Epic
	err := s.each(entEpic, func(data []byte) error {
		var e types.Epic
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		out = append(out, &e)
		return nil
	})
	return out, err
}

func (s *MemStore) ListEpicsByProject(projectID string) ([]*types.Epic, error) {
	epics, err := s.ListEpics()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Epic
	for _, e := range epics {
		if e.ProjectID == projectID {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// Tasks

func (s *MemStore) CreateTask(t *types.AtomicTask) error { return s.put(entTask, t.ID, t, true) }
func (s *MemStore) UpdateTask(t *types.AtomicTask) error { return s.put(entTask, t.ID, t, false) }
func (s *MemStore) DeleteTask(id string) error           { return s.del(entTask, id) }
func (s *MemStore) ExistsTask(id string) (bool, error) {
	return s.exists(entTask, id)
}

func (s *MemStore) GetTask(id string) (*types.AtomicTask, error) {
	var t types.AtomicTask
	if err := s.get(entTask, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MemStore) ListTasks() ([]*types.AtomicTask, error) {
	var out []*types.AtomicTask
	err := s.each(entTask, func(data []byte) error {
		var t types.AtomicTask
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		out = append(out, &t)
		return nil
	})
	return out, err
}

func (s *MemStore) ListTasksByProject(projectID string) ([]*types.AtomicTask, error) {
	return s.filterTasks(func(t *types.AtomicTask) bool { return t.ProjectID == projectID })
}

func (s *MemStore) ListTasksByEpic(epicID string) ([]*types.AtomicTask, error) {
	return s.filterTasks(func(t *types.AtomicTask) bool { return t.EpicID == epicID })
}

func (s *MemStore) filterTasks(keep func(*types.AtomicTask) bool) ([]*types.AtomicTask, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var filtered []*types.AtomicTask
	for _, t := range tasks {
		if keep(t) {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// Dependencies

func (s *MemStore) CreateDependency(d *types.Dependency) error {
	return s.put(entDependency, d.ID, d, true)
}
func (s *MemStore) DeleteDependency(id string) error { return s.del(entDependency, id) }
func (s *MemStore) ExistsDependency(id string) (bool, error) {
	return s.exists(entDependency, id)
}

func (s *MemStore) GetDependency(id string) (*types.Dependency, error) {
	var d types.Dependency
	if err := s.get(entDependency, id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *MemStore) ListDependenciesByProject(projectID string) ([]*types.Dependency, error) {
	var out []*types.Dependency
	err := s.each(entDependency, func(data []byte) error {
		var d types.Dependency
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		if d.ProjectID == projectID {
			out = append(out, &d)
		}
		return nil
	})
	return out, err
}

// Graphs

func (s *MemStore) PutGraph(g *types.DependencyGraph) error {
	return s.upsert(entGraph, g.ProjectID, g)
}

func (s *MemStore) GetGraph(projectID string) (*types.DependencyGraph, error) {
	var g types.DependencyGraph
	if err := s.get(entGraph, projectID, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *MemStore) DeleteGraph(projectID string) error { return s.del(entGraph, projectID) }

// WithTransaction snapshots all tables, runs fn against the live store, and
// restores the snapshot if fn fails.
func (s *MemStore) WithTransaction(fn func(tx Store) error) error {
	s.mu.Lock()
	snapshot := make(map[string]map[string][]byte, len(s.tables))
	for kind, rows := range s.tables {
		copied := make(map[string][]byte, len(rows))
		for id, data := range rows {
			copied[id] = data
		}
		snapshot[kind] = copied
	}
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.tables = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }

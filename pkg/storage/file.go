package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/types"
)

// Data directory layout. One file per entity, <id>.json, UTF-8.
var dataSubdirs = []string{
	"projects", "epics", "tasks", "dependencies", "graphs",
	"indexes", "backups", "cache", "logs",
}

var kindDirs = map[string]string{
	entProject:    "projects",
	entEpic:       "epics",
	entTask:       "tasks",
	entDependency: "dependencies",
	entGraph:      "graphs",
}

// FileStore implements Store over a plain data directory. Writes are atomic
// at the entity granularity: content is staged to a sibling temp file and
// renamed into place; on failure the temp artifact is removed.
type FileStore struct {
	root string
	mu   sync.RWMutex

	// journal records undo state while a transaction is open.
	journal map[string][]byte // absolute path -> prior content (nil = absent)
	inTx    bool
}

// NewFileStore creates the directory layout under root and returns a store.
func NewFileStore(root string) (*FileStore, error) {
	for _, sub := range dataSubdirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, errdef.Wrap(errdef.KindStorageFailure, err, "creating data directory %s", sub)
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(kind, id string) string {
	return filepath.Join(s.root, kindDirs[kind], id+".json")
}

// writeAtomic stages to a temp sibling and renames into place. Caller holds
// the write lock.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.New().String()[:8]
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return errdef.Wrap(errdef.KindStorageFailure, err, "staging %s", filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errdef.Wrap(errdef.KindStorageFailure, err, "committing %s", filepath.Base(path))
	}
	return nil
}

// recordUndo snapshots a file's prior state the first time it is touched
// inside a transaction. Caller holds the write lock.
func (s *FileStore) recordUndo(path string) {
	if !s.inTx {
		return
	}
	if _, seen := s.journal[path]; seen {
		return
	}
	prior, err := os.ReadFile(path)
	if err != nil {
		s.journal[path] = nil // file was absent
		return
	}
	s.journal[path] = prior
}

func (s *FileStore) put(kind, id string, v any, mustBeNew bool) error {
	if id == "" {
		return errdef.New(errdef.KindValidation, "%s id is empty", kind)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errdef.Wrap(errdef.KindStorageFailure, err, "encoding %s %s", kind, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(kind, id)
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if mustBeNew && exists {
		return errdef.New(errdef.KindAlreadyExists, "%s already exists: %s", kind, id)
	}
	if !mustBeNew && !exists {
		return errdef.New(errdef.KindNotFound, "%s not found: %s", kind, id)
	}

	s.recordUndo(path)
	return s.writeAtomic(path, data)
}

func (s *FileStore) upsert(kind, id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errdef.Wrap(errdef.KindStorageFailure, err, "encoding %s %s", kind, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(kind, id)
	s.recordUndo(path)
	return s.writeAtomic(path, data)
}

func (s *FileStore) get(kind, id string, out any) error {
	s.mu.RLock()
	data, err := os.ReadFile(s.path(kind, id))
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return errdef.New(errdef.KindNotFound, "%s not found: %s", kind, id)
		}
		return errdef.Wrap(errdef.KindStorageFailure, err, "reading %s %s", kind, id)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errdef.Wrap(errdef.KindStorageFailure, err, "decoding %s %s", kind, id)
	}
	return nil
}

func (s *FileStore) exists(kind, id string) (bool, error) {
	s.mu.RLock()
	_, err := os.Stat(s.path(kind, id))
	s.mu.RUnlock()
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errdef.Wrap(errdef.KindStorageFailure, err, "checking %s %s", kind, id)
}

func (s *FileStore) del(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(kind, id)
	if _, err := os.Stat(path); err != nil {
		return errdef.New(errdef.KindNotFound, "%s not found: %s", kind, id)
	}
	s.recordUndo(path)
	if err := os.Remove(path); err != nil {
		return errdef.Wrap(errdef.KindStorageFailure, err, "deleting %s %s", kind, id)
	}
	return nil
}

func (s *FileStore) each(kind string, fn func(data []byte) error) error {
	s.mu.RLock()
	dir := filepath.Join(s.root, kindDirs[kind])
	entries, err := os.ReadDir(dir)
	s.mu.RUnlock()
	if err != nil {
		return errdef.Wrap(errdef.KindStorageFailure, err, "listing %s", kind)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return errdef.Wrap(errdef.KindStorageFailure, err, "reading %s", entry.Name())
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return nil
}

// Projects

func (s *FileStore) CreateProject(p *types.Project) error { return s.put(entProject, p.ID, p, true) }
func (s *FileStore) UpdateProject(p *types.Project) error { return s.put(entProject, p.ID, p, false) }
func (s *FileStore) DeleteProject(id string) error        { return s.del(entProject, id) }

func (s *FileStore) ExistsProject(id string) (bool, error) {
	return s.exists(entProject, id)
}

func (s *FileStore) GetProject(id string) (*types.Project, error) {
	var p types.Project
	if err := s.get(entProject, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *FileStore) ListProjects() ([]*types.Project, error) {
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

func (s *FileStore) CreateEpic(e *types.Epic) error { return s.put(entEpic, e.ID, e, true) }
func (s *FileStore) UpdateEpic(e *types.Epic) error { return s.put(entEpic, e.ID, e, false) }
func (s *FileStore) DeleteEpic(id string) error     { return s.del(entEpic, id) }

func (s *FileStore) ExistsEpic(id string) (bool, error) {
	return s.exists(entEpic, id)
}

func (s *FileStore) GetEpic(id string) (*types.Epic, error) {
	var e types.Epic
	if err := s.get(entEpic, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *FileStore) ListEpics() ([]*types.Epic, error) {
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

func (s *FileStore) ListEpicsByProject(projectID string) ([]*types.Epic, error) {
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

func (s *FileStore) CreateTask(t *types.AtomicTask) error { return s.put(entTask, t.ID, t, true) }
func (s *FileStore) UpdateTask(t *types.AtomicTask) error { return s.put(entTask, t.ID, t, false) }
func (s *FileStore) DeleteTask(id string) error           { return s.del(entTask, id) }

func (s *FileStore) ExistsTask(id string) (bool, error) {
	return s.exists(entTask, id)
}

func (s *FileStore) GetTask(id string) (*types.AtomicTask, error) {
	var t types.AtomicTask
	if err := s.get(entTask, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *FileStore) ListTasks() ([]*types.AtomicTask, error) {
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

func (s *FileStore) ListTasksByProject(projectID string) ([]*types.AtomicTask, error) {
	return s.filterTasks(func(t *types.AtomicTask) bool { return t.ProjectID == projectID })
}

func (s *FileStore) ListTasksByEpic(epicID string) ([]*types.AtomicTask, error) {
	return s.filterTasks(func(t *types.AtomicTask) bool { return t.EpicID == epicID })
}

func (s *FileStore) filterTasks(keep func(*types.AtomicTask) bool) ([]*types.AtomicTask, error) {
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

func (s *FileStore) CreateDependency(d *types.Dependency) error {
	return s.put(entDependency, d.ID, d, true)
}
func (s *FileStore) DeleteDependency(id string) error { return s.del(entDependency, id) }

func (s *FileStore) ExistsDependency(id string) (bool, error) {
	return s.exists(entDependency, id)
}

func (s *FileStore) GetDependency(id string) (*types.Dependency, error) {
	var d types.Dependency
	if err := s.get(entDependency, id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *FileStore) ListDependenciesByProject(projectID string) ([]*types.Dependency, error) {
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

func (s *FileStore) PutGraph(g *types.DependencyGraph) error {
	return s.upsert(entGraph, g.ProjectID, g)
}

func (s *FileStore) GetGraph(projectID string) (*types.DependencyGraph, error) {
	var g types.DependencyGraph
	if err := s.get(entGraph, projectID, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *FileStore) DeleteGraph(projectID string) error { return s.del(entGraph, projectID) }

// WithTransaction opens an undo journal, runs fn against the live store and
// restores every touched file if fn fails. Transactions are serialised; the
// journal makes multi-entity operations (cascading deletes) all-or-nothing.
func (s *FileStore) WithTransaction(fn func(tx Store) error) error {
	s.mu.Lock()
	if s.inTx {
		s.mu.Unlock()
		return errdef.New(errdef.KindConflict, "nested transaction")
	}
	s.inTx = true
	s.journal = make(map[string][]byte)
	s.mu.Unlock()

	err := fn(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		for path, prior := range s.journal {
			if prior == nil {
				os.Remove(path)
				continue
			}
			// Best effort restore; rollback failures leave the
			// journal entry on disk and surface the original error.
			_ = s.writeAtomic(path, prior)
		}
	}
	s.inTx = false
	s.journal = nil
	return err
}

// Close is a no-op; FileStore holds no open handles between operations.
func (s *FileStore) Close() error { return nil }

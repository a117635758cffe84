package storage

import (
	"encoding/json"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/types"
)

var (
	// Bucket names
	bucketProjects     = []byte("projects")
	bucketEpics        = []byte("epics")
	bucketTasks        = []byte("tasks")
	bucketDependencies = []byte("dependencies")
	bucketGraphs       = []byte("graphs")
)

var kindBuckets = map[string][]byte{
	entProject:    bucketProjects,
	entEpic:       bucketEpics,
	entTask:       bucketTasks,
	entDependency: bucketDependencies,
	entGraph:      bucketGraphs,
}

// boltAPI implements the Store operations over a runner that supplies bbolt
// transactions. BoltStore binds it to db.View/db.Update; the transactional
// view binds it to one open read-write transaction so WithTransaction gets
// bbolt's native rollback.
type boltAPI struct {
	run func(write bool, fn func(tx *bolt.Tx) error) error
}

// BoltStore implements Store using a single bbolt database file. It is the
// compact alternative to FileStore for installations that prefer one file
// over a directory tree.
type BoltStore struct {
	boltAPI
	db *bolt.DB
}

// NewBoltStore opens (or creates) foreman.db under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "foreman.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindStorageFailure, err, "opening database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketProjects, bucketEpics, bucketTasks, bucketDependencies, bucketGraphs,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errdef.Wrap(errdef.KindStorageFailure, err, "creating buckets")
	}

	s := &BoltStore{db: db}
	s.run = func(write bool, fn func(tx *bolt.Tx) error) error {
		if write {
			return db.Update(fn)
		}
		return db.View(fn)
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// WithTransaction runs fn inside one bbolt read-write transaction; any error
// from fn rolls back every mutation.
func (s *BoltStore) WithTransaction(fn func(tx Store) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		view := &boltTxStore{}
		view.run = func(_ bool, f func(tx *bolt.Tx) error) error {
			return f(btx)
		}
		return fn(view)
	})
}

// boltTxStore is the Store view inside an open transaction.
type boltTxStore struct {
	boltAPI
}

func (s *boltTxStore) WithTransaction(fn func(tx Store) error) error {
	return errdef.New(errdef.KindConflict, "nested transaction")
}

func (s *boltTxStore) Close() error { return nil }

// Generic bucket operations

func (a *boltAPI) put(kind, id string, v any, mustBeNew bool) error {
	if id == "" {
		return errdef.New(errdef.KindValidation, "%s id is empty", kind)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errdef.Wrap(errdef.KindStorageFailure, err, "encoding %s %s", kind, id)
	}
	return a.run(true, func(tx *bolt.Tx) error {
		b := tx.Bucket(kindBuckets[kind])
		existing := b.Get([]byte(id))
		if mustBeNew && existing != nil {
			return errdef.New(errdef.KindAlreadyExists, "%s already exists: %s", kind, id)
		}
		if !mustBeNew && existing == nil {
			return errdef.New(errdef.KindNotFound, "%s not found: %s", kind, id)
		}
		return b.Put([]byte(id), data)
	})
}

func (a *boltAPI) upsert(kind, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errdef.Wrap(errdef.KindStorageFailure, err, "encoding %s %s", kind, id)
	}
	return a.run(true, func(tx *bolt.Tx) error {
		return tx.Bucket(kindBuckets[kind]).Put([]byte(id), data)
	})
}

func (a *boltAPI) get(kind, id string, out any) error {
	return a.run(false, func(tx *bolt.Tx) error {
		data := tx.Bucket(kindBuckets[kind]).Get([]byte(id))
		if data == nil {
			return errdef.New(errdef.KindNotFound, "%s not found: %s", kind, id)
		}
		return json.Unmarshal(data, out)
	})
}

func (a *boltAPI) exists(kind, id string) (bool, error) {
	var found bool
	err := a.run(false, func(tx *bolt.Tx) error {
		found = tx.Bucket(kindBuckets[kind]).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

func (a *boltAPI) del(kind, id string) error {
	return a.run(true, func(tx *bolt.Tx) error {
		b := tx.Bucket(kindBuckets[kind])
		if b.Get([]byte(id)) == nil {
			return errdef.New(errdef.KindNotFound, "%s not found: %s", kind, id)
		}
		return b.Delete([]byte(id))
	})
}

func (a *boltAPI) each(kind string, fn func(data []byte) error) error {
	return a.run(false, func(tx *bolt.Tx) error {
		return tx.Bucket(kindBuckets[kind]).ForEach(func(k, v []byte) error {
			return fn(v)
		})
	})
}

// Projects

func (a *boltAPI) CreateProject(p *types.Project) error { return a.put(entProject, p.ID, p, true) }
func (a *boltAPI) UpdateProject(p *types.Project) error { return a.put(entProject, p.ID, p, false) }
func (a *boltAPI) DeleteProject(id string) error        { return a.del(entProject, id) }

func (a *boltAPI) ExistsProject(id string) (bool, error) {
	return a.exists(entProject, id)
}

func (a *boltAPI) GetProject(id string) (*types.Project, error) {
	var p types.Project
	if err := a.get(entProject, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (a *boltAPI) ListProjects() ([]*types.Project, error) {
	var out []*types.Project
	err := a.each(entProject, func(data []byte) error {
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

func (a *boltAPI) CreateEpic(e *types.Epic) error { return a.put(entEpic, e.ID, e, true) }
func (a *boltAPI) UpdateEpic(e *types.Epic) error { return a.put(entEpic, e.ID, e, false) }
func (a *boltAPI) DeleteEpic(id string) error     { return a.del(entEpic, id) }

func (a *boltAPI) ExistsEpic(id string) (bool, error) {
	return a.exists(entEpic, id)
}

func (a *boltAPI) GetEpic(id string) (*types.Epic, error) {
	var e types.Epic
	if err := a.get(entEpic, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (a *boltAPI) ListEpics() ([]*types.Epic, error) {
	var out []*types.Epic
	err := a.each(entEpic, func(data []byte) error {
		var e types.Epic
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		out = append(out, &e)
		return nil
	})
	return out, err
}

func (a *boltAPI) ListEpicsByProject(projectID string) ([]*types.Epic, error) {
	epics, err := a.ListEpics()
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

func (a *boltAPI) CreateTask(t *types.AtomicTask) error { return a.put(entTask, t.ID, t, true) }
func (a *boltAPI) UpdateTask(t *types.AtomicTask) error { return a.put(entTask, t.ID, t, false) }
func (a *boltAPI) DeleteTask(id string) error           { return a.del(entTask, id) }

func (a *boltAPI) ExistsTask(id string) (bool, error) {
	return a.exists(entTask, id)
}

func (a *boltAPI) GetTask(id string) (*types.AtomicTask, error) {
	var t types.AtomicTask
	if err := a.get(entTask, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (a *boltAPI) ListTasks() ([]*types.AtomicTask, error) {
	var out []*types.AtomicTask
	err := a.each(entTask, func(data []byte) error {
		var t types.AtomicTask
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		out = append(out, &t)
		return nil
	})
	return out, err
}

func (a *boltAPI) ListTasksByProject(projectID string) ([]*types.AtomicTask, error) {
	tasks, err := a.ListTasks()
	if err != nil {
		return nil, err
	}
	var filtered []*types.AtomicTask
	for _, t := range tasks {
		if t.ProjectID == projectID {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

func (a *boltAPI) ListTasksByEpic(epicID string) ([]*types.AtomicTask, error) {
	tasks, err := a.ListTasks()
	if err != nil {
		return nil, err
	}
	var filtered []*types.AtomicTask
	for _, t := range tasks {
		if t.EpicID == epicID {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// Dependencies

func (a *boltAPI) CreateDependency(d *types.Dependency) error {
	return a.put(entDependency, d.ID, d, true)
}
func (a *boltAPI) DeleteDependency(id string) error { return a.del(entDependency, id) }

func (a *boltAPI) ExistsDependency(id string) (bool, error) {
	return a.exists(entDependency, id)
}

func (a *boltAPI) GetDependency(id string) (*types.Dependency, error) {
	var d types.Dependency
	if err := a.get(entDependency, id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (a *boltAPI) ListDependenciesByProject(projectID string) ([]*types.Dependency, error) {
	var out []*types.Dependency
	err := a.each(entDependency, func(data []byte) error {
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

func (a *boltAPI) PutGraph(g *types.DependencyGraph) error {
	return a.upsert(entGraph, g.ProjectID, g)
}

func (a *boltAPI) GetGraph(projectID string) (*types.DependencyGraph, error) {
	var g types.DependencyGraph
	if err := a.get(entGraph, projectID, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (a *boltAPI) DeleteGraph(projectID string) error { return a.del(entGraph, projectID) }

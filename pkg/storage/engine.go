package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/events"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/security"
	"github.com/tasklab/foreman/pkg/types"
)

const lockTimeout = 5 * time.Second

// Engine is the storage facade the rest of the system talks to. It stamps
// timestamps, serialises writes per entity through the lock manager, keeps a
// bounded read cache coherent with the backing store, emits exactly one event
// per successful mutation and accumulates operation statistics.
type Engine struct {
	store  Store
	locks  *security.LockManager
	cache  *entityCache
	broker *events.Broker
	stats  *opStats
	logger zerolog.Logger
}

// EngineConfig tunes the engine's cache.
type EngineConfig struct {
	CacheMaxSize int
	CacheTTL     time.Duration
}

// NewEngine wraps a Store. The broker may be nil, in which case no events
// are emitted.
func NewEngine(store Store, locks *security.LockManager, broker *events.Broker, cfg EngineConfig) *Engine {
	return &Engine{
		store:  store,
		locks:  locks,
		cache:  newEntityCache(cfg.CacheMaxSize, cfg.CacheTTL),
		broker: broker,
		stats:  newOpStats(),
		logger: log.WithComponent("storage"),
	}
}

// Store exposes the underlying store for transactional callers.
func (e *Engine) Store() Store { return e.store }

func (e *Engine) emit(op, kind, id string, value any) {
	if e.broker == nil {
		return
	}
	eventType := events.EventEntityUpdated
	switch op {
	case "create":
		eventType = events.EventEntityCreated
	case "delete":
		eventType = events.EventEntityDeleted
	}
	e.broker.Publish(&events.Event{
		Type:   eventType,
		Entity: kind,
		Op:     op,
		ID:     id,
		Value:  value,
	})
}

// write runs a mutation under the entity lock, observing stats and emitting
// one event on success.
func (e *Engine) write(op, kind, id string, value any, fn func() error) error {
	start := time.Now()
	err := e.locks.WithLock(kind+":"+id, "engine", lockTimeout, fn)
	e.stats.observe(kind+"."+op, time.Since(start), err)
	if err != nil {
		return err
	}
	if op == "delete" {
		e.cache.drop(kind + ":" + id)
	} else {
		e.cache.put(kind+":"+id, value)
	}
	e.emit(op, kind, id, value)
	return nil
}

// Projects

func (e *Engine) CreateProject(p *types.Project) error {
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	return e.write("create", entProject, p.ID, p, func() error { return e.store.CreateProject(p) })
}

func (e *Engine) UpdateProject(p *types.Project) error {
	p.UpdatedAt = time.Now()
	return e.write("update", entProject, p.ID, p, func() error { return e.store.UpdateProject(p) })
}

func (e *Engine) GetProject(id string) (*types.Project, error) {
	if v, ok := e.cache.get(entProject + ":" + id); ok {
		return v.(*types.Project), nil
	}
	start := time.Now()
	p, err := e.store.GetProject(id)
	e.stats.observe(entProject+".get", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	e.cache.put(entProject+":"+id, p)
	return p, nil
}

// ExistsProject reports whether the project is present without decoding it.
// A cache hit answers directly; otherwise the store is consulted.
func (e *Engine) ExistsProject(id string) (bool, error) {
	if _, ok := e.cache.get(entProject + ":" + id); ok {
		return true, nil
	}
	return e.store.ExistsProject(id)
}

func (e *Engine) ListProjects() ([]*types.Project, error) { return e.store.ListProjects() }

// DeleteProject removes a project and everything under it: epics, tasks,
// dependencies and the dependency graph. All-or-nothing.
func (e *Engine) DeleteProject(id string) error {
	return e.write("delete", entProject, id, nil, func() error {
		return e.store.WithTransaction(func(tx Store) error {
			tasks, err := tx.ListTasksByProject(id)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if err := tx.DeleteTask(t.ID); err != nil {
					return err
				}
				e.cache.drop(entTask + ":" + t.ID)
			}
			epics, err := tx.ListEpicsByProject(id)
			if err != nil {
				return err
			}
			for _, ep := range epics {
				if err := tx.DeleteEpic(ep.ID); err != nil {
					return err
				}
				e.cache.drop(entEpic + ":" + ep.ID)
			}
			deps, err := tx.ListDependenciesByProject(id)
			if err != nil {
				return err
			}
			for _, d := range deps {
				if err := tx.DeleteDependency(d.ID); err != nil {
					return err
				}
				e.cache.drop(entDependency + ":" + d.ID)
			}
			if err := tx.DeleteGraph(id); err != nil && !errdef.IsKind(err, errdef.KindNotFound) {
				return err
			}
			e.cache.drop(entGraph + ":" + id)
			return tx.DeleteProject(id)
		})
	})
}

// Epics

func (e *Engine) CreateEpic(ep *types.Epic) error {
	now := time.Now()
	ep.CreatedAt, ep.UpdatedAt = now, now
	return e.write("create", entEpic, ep.ID, ep, func() error { return e.store.CreateEpic(ep) })
}

func (e *Engine) UpdateEpic(ep *types.Epic) error {
	ep.UpdatedAt = time.Now()
	return e.write("update", entEpic, ep.ID, ep, func() error { return e.store.UpdateEpic(ep) })
}

func (e *Engine) GetEpic(id string) (*types.Epic, error) {
	if v, ok := e.cache.get(entEpic + ":" + id); ok {
		return v.(*types.Epic), nil
	}
	ep, err := e.store.GetEpic(id)
	if err != nil {
		return nil, err
	}
	e.cache.put(entEpic+":"+id, ep)
	return ep, nil
}

func (e *Engine) ExistsEpic(id string) (bool, error) {
	if _, ok := e.cache.get(entEpic + ":" + id); ok {
		return true, nil
	}
	return e.store.ExistsEpic(id)
}

func (e *Engine) ListEpics() ([]*types.Epic, error) { return e.store.ListEpics() }

func (e *Engine) ListEpicsByProject(projectID string) ([]*types.Epic, error) {
	return e.store.ListEpicsByProject(projectID)
}

func (e *Engine) DeleteEpic(id string) error {
	return e.write("delete", entEpic, id, nil, func() error { return e.store.DeleteEpic(id) })
}

// Tasks

func (e *Engine) CreateTask(t *types.AtomicTask) error {
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = types.TaskStatusPending
	}
	return e.write("create", entTask, t.ID, t, func() error { return e.store.CreateTask(t) })
}

func (e *Engine) UpdateTask(t *types.AtomicTask) error {
	t.UpdatedAt = time.Now()
	return e.write("update", entTask, t.ID, t, func() error { return e.store.UpdateTask(t) })
}

func (e *Engine) GetTask(id string) (*types.AtomicTask, error) {
	if v, ok := e.cache.get(entTask + ":" + id); ok {
		return v.(*types.AtomicTask), nil
	}
	start := time.Now()
	t, err := e.store.GetTask(id)
	e.stats.observe(entTask+".get", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	e.cache.put(entTask+":"+id, t)
	return t, nil
}

func (e *Engine) ExistsTask(id string) (bool, error) {
	if _, ok := e.cache.get(entTask + ":" + id); ok {
		return true, nil
	}
	return e.store.ExistsTask(id)
}

func (e *Engine) ListTasks() ([]*types.AtomicTask, error) { return e.store.ListTasks() }

func (e *Engine) ListTasksByProject(projectID string) ([]*types.AtomicTask, error) {
	return e.store.ListTasksByProject(projectID)
}

func (e *Engine) ListTasksByEpic(epicID string) ([]*types.AtomicTask, error) {
	return e.store.ListTasksByEpic(epicID)
}

func (e *Engine) DeleteTask(id string) error {
	return e.write("delete", entTask, id, nil, func() error { return e.store.DeleteTask(id) })
}

// QueryTasks returns tasks matching every set field of the filter.
func (e *Engine) QueryTasks(f TaskFilter) ([]*types.AtomicTask, error) {
	start := time.Now()
	var source []*types.AtomicTask
	var err error
	// Narrow by project first when possible; the common filters are scoped.
	if f.ProjectID != "" {
		source, err = e.store.ListTasksByProject(f.ProjectID)
	} else {
		source, err = e.store.ListTasks()
	}
	e.stats.observe("task.query", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	var out []*types.AtomicTask
	for _, t := range source {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Dependencies

func (e *Engine) CreateDependency(d *types.Dependency) error {
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	return e.write("create", entDependency, d.ID, d, func() error { return e.store.CreateDependency(d) })
}

func (e *Engine) GetDependency(id string) (*types.Dependency, error) {
	return e.store.GetDependency(id)
}

func (e *Engine) ExistsDependency(id string) (bool, error) {
	return e.store.ExistsDependency(id)
}

func (e *Engine) ListDependenciesByProject(projectID string) ([]*types.Dependency, error) {
	return e.store.ListDependenciesByProject(projectID)
}

func (e *Engine) DeleteDependency(id string) error {
	return e.write("delete", entDependency, id, nil, func() error { return e.store.DeleteDependency(id) })
}

// Graphs

func (e *Engine) PutGraph(g *types.DependencyGraph) error {
	g.UpdatedAt = time.Now()
	return e.write("update", entGraph, g.ProjectID, g, func() error { return e.store.PutGraph(g) })
}

func (e *Engine) GetGraph(projectID string) (*types.DependencyGraph, error) {
	if v, ok := e.cache.get(entGraph + ":" + projectID); ok {
		return v.(*types.DependencyGraph), nil
	}
	g, err := e.store.GetGraph(projectID)
	if err != nil {
		return nil, err
	}
	e.cache.put(entGraph+":"+projectID, g)
	return g, nil
}

func (e *Engine) DeleteGraph(projectID string) error {
	return e.write("delete", entGraph, projectID, nil, func() error { return e.store.DeleteGraph(projectID) })
}

// WithTransaction delegates to the store. The cache is flushed afterwards
// because the engine cannot tell which entries a failed transaction touched.
func (e *Engine) WithTransaction(fn func(tx Store) error) error {
	err := e.store.WithTransaction(fn)
	e.cache.flush()
	return err
}

// Stats returns a snapshot of counters and cache health.
func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()
	s.CacheHits, s.CacheMisses, s.CacheSize = e.cache.stats()
	return s
}

// Backup writes a full JSON snapshot of every entity into dir. The snapshot
// is a single file named by timestamp, readable without the engine.
func (e *Engine) Backup(dir string) (string, error) {
	type snapshot struct {
		TakenAt      time.Time                `json:"takenAt"`
		Projects     []*types.Project         `json:"projects"`
		Epics        []*types.Epic            `json:"epics"`
		Tasks        []*types.AtomicTask      `json:"tasks"`
		Dependencies []*types.Dependency      `json:"dependencies"`
		Graphs       []*types.DependencyGraph `json:"graphs"`
	}

	snap := snapshot{TakenAt: time.Now()}
	var err error
	if snap.Projects, err = e.store.ListProjects(); err != nil {
		return "", err
	}
	if snap.Epics, err = e.store.ListEpics(); err != nil {
		return "", err
	}
	if snap.Tasks, err = e.store.ListTasks(); err != nil {
		return "", err
	}
	for _, p := range snap.Projects {
		deps, err := e.store.ListDependenciesByProject(p.ID)
		if err != nil {
			return "", err
		}
		snap.Dependencies = append(snap.Dependencies, deps...)
		if g, err := e.store.GetGraph(p.ID); err == nil {
			snap.Graphs = append(snap.Graphs, g)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errdef.Wrap(errdef.KindStorageFailure, err, "creating backup directory")
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", errdef.Wrap(errdef.KindStorageFailure, err, "encoding backup")
	}
	path := filepath.Join(dir, "backup-"+snap.TakenAt.UTC().Format("20060102T150405Z")+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errdef.Wrap(errdef.KindStorageFailure, err, "writing backup")
	}
	e.logger.Info().Str("path", path).Int("tasks", len(snap.Tasks)).Msg("backup written")
	return path, nil
}

// Close flushes the cache and closes the backing store.
func (e *Engine) Close() error {
	e.cache.flush()
	return e.store.Close()
}

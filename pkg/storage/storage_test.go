package storage

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/events"
	"github.com/tasklab/foreman/pkg/security"
	"github.com/tasklab/foreman/pkg/types"
)

// backends returns every Store implementation under test.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	file, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"memory": NewMemStore(),
		"file":   file,
		"bolt":   bolt,
	}
}

func sampleTask(id, projectID string) *types.AtomicTask {
	return &types.AtomicTask{
		ID:             id,
		ProjectID:      projectID,
		EpicID:         "epic-1",
		Title:          "Implement session store",
		Type:           types.TaskTypeDevelopment,
		Priority:       types.PriorityHigh,
		Status:         types.TaskStatusPending,
		EstimatedHours: 2.5,
		FilePaths:      []string{"internal/session/store.go"},
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		UpdatedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

func TestStoreTaskRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			task := sampleTask("t1", "p1")
			require.NoError(t, store.CreateTask(task))

			got, err := store.GetTask("t1")
			require.NoError(t, err)
			if diff := cmp.Diff(task, got); diff != "" {
				t.Errorf("task mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStoreCreateDuplicate(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateTask(sampleTask("t1", "p1")))
			err := store.CreateTask(sampleTask("t1", "p1"))
			assert.Equal(t, errdef.KindAlreadyExists, errdef.KindOf(err))
		})
	}
}

func TestStoreUpdateMissing(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := store.UpdateTask(sampleTask("ghost", "p1"))
			assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))
		})
	}
}

func TestStoreDeleteThenGet(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateTask(sampleTask("t1", "p1")))
			require.NoError(t, store.DeleteTask("t1"))

			_, err := store.GetTask("t1")
			assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))

			err = store.DeleteTask("t1")
			assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))
		})
	}
}

func TestStoreExists(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			found, err := store.ExistsTask("t1")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, store.CreateTask(sampleTask("t1", "p1")))
			found, err = store.ExistsTask("t1")
			require.NoError(t, err)
			assert.True(t, found)

			require.NoError(t, store.DeleteTask("t1"))
			found, err = store.ExistsTask("t1")
			require.NoError(t, err)
			assert.False(t, found, "deleted task still reported present")

			found, err = store.ExistsProject("p1")
			require.NoError(t, err)
			assert.False(t, found, "task create must not imply a project")
		})
	}
}

func TestStoreListScoping(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				require.NoError(t, store.CreateTask(sampleTask(fmt.Sprintf("a%d", i), "p1")))
			}
			require.NoError(t, store.CreateTask(sampleTask("b0", "p2")))

			p1, err := store.ListTasksByProject("p1")
			require.NoError(t, err)
			assert.Len(t, p1, 3)

			all, err := store.ListTasks()
			require.NoError(t, err)
			assert.Len(t, all, 4)
		})
	}
}

func TestStoreGraphRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := &types.DependencyGraph{
				ProjectID: "p1",
				Edges:     map[string][]string{"t1": {"t2"}},
				TopoOrder: []string{"t1", "t2"},
				Batches:   [][]string{{"t1"}, {"t2"}},
				UpdatedAt: time.Now().UTC().Truncate(time.Second),
			}
			require.NoError(t, store.PutGraph(g))
			// PutGraph is an upsert.
			require.NoError(t, store.PutGraph(g))

			got, err := store.GetGraph("p1")
			require.NoError(t, err)
			if diff := cmp.Diff(g, got); diff != "" {
				t.Errorf("graph mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStoreTransactionRollback(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateTask(sampleTask("keep", "p1")))

			err := store.WithTransaction(func(tx Store) error {
				if err := tx.CreateTask(sampleTask("doomed", "p1")); err != nil {
					return err
				}
				if err := tx.DeleteTask("keep"); err != nil {
					return err
				}
				return fmt.Errorf("abort")
			})
			require.Error(t, err)

			_, err = store.GetTask("doomed")
			assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err), "created entity survived rollback")
			_, err = store.GetTask("keep")
			assert.NoError(t, err, "deleted entity was not restored")
		})
	}
}

func TestStoreTransactionCommit(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := store.WithTransaction(func(tx Store) error {
				return tx.CreateTask(sampleTask("t1", "p1"))
			})
			require.NoError(t, err)

			_, err = store.GetTask("t1")
			assert.NoError(t, err)
		})
	}
}

func newTestEngine(t *testing.T) (*Engine, *events.Broker) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	engine := NewEngine(NewMemStore(), security.NewLockManager(time.Minute), broker, EngineConfig{})
	t.Cleanup(func() { engine.Close() })
	return engine, broker
}

func TestEngineStampsTimestamps(t *testing.T) {
	engine, _ := newTestEngine(t)

	task := &types.AtomicTask{ID: "t1", ProjectID: "p1", Title: "x", Type: types.TaskTypeDevelopment, Priority: types.PriorityLow}
	require.NoError(t, engine.CreateTask(task))
	assert.False(t, task.CreatedAt.IsZero())
	assert.Equal(t, types.TaskStatusPending, task.Status)

	created := task.CreatedAt
	time.Sleep(time.Millisecond)
	require.NoError(t, engine.UpdateTask(task))
	assert.Equal(t, created, task.CreatedAt)
	assert.True(t, task.UpdatedAt.After(created))
}

func TestEngineCacheCoherence(t *testing.T) {
	engine, _ := newTestEngine(t)

	task := sampleTask("t1", "p1")
	require.NoError(t, engine.CreateTask(task))

	got, err := engine.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "Implement session store", got.Title)

	got.Title = "Renamed"
	require.NoError(t, engine.UpdateTask(got))

	// Read-after-write sees the updated value.
	again, err := engine.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again.Title)

	require.NoError(t, engine.DeleteTask("t1"))
	_, err = engine.GetTask("t1")
	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))
}

func TestEngineExists(t *testing.T) {
	engine, _ := newTestEngine(t)

	found, err := engine.ExistsTask("t1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, engine.CreateTask(sampleTask("t1", "p1")))
	found, err = engine.ExistsTask("t1")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, engine.DeleteTask("t1"))
	found, err = engine.ExistsTask("t1")
	require.NoError(t, err)
	assert.False(t, found, "cache entry survived the delete")
}

func TestEngineEmitsOneEventPerMutation(t *testing.T) {
	engine, broker := newTestEngine(t)
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	require.NoError(t, engine.CreateTask(sampleTask("t1", "p1")))

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventEntityCreated, ev.Type)
		assert.Equal(t, "t1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no event for create")
	}

	select {
	case ev := <-sub:
		t.Fatalf("unexpected second event %s for one mutation", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineDeleteProjectCascade(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.CreateProject(&types.Project{ID: "p1", Name: "demo"}))
	require.NoError(t, engine.CreateEpic(&types.Epic{ID: "e1", ProjectID: "p1", Title: "core"}))
	require.NoError(t, engine.CreateTask(sampleTask("t1", "p1")))
	require.NoError(t, engine.CreateTask(sampleTask("t2", "p1")))
	require.NoError(t, engine.CreateDependency(&types.Dependency{
		ID: "d1", ProjectID: "p1", FromTaskID: "t1", ToTaskID: "t2",
		Kind: types.DependencyTaskOrder, Strength: types.DependencyRequired,
	}))
	require.NoError(t, engine.PutGraph(&types.DependencyGraph{ProjectID: "p1", Edges: map[string][]string{"t1": {"t2"}}}))

	require.NoError(t, engine.DeleteProject("p1"))

	for _, check := range []func() error{
		func() error { _, err := engine.GetProject("p1"); return err },
		func() error { _, err := engine.GetEpic("e1"); return err },
		func() error { _, err := engine.GetTask("t1"); return err },
		func() error { _, err := engine.GetTask("t2"); return err },
		func() error { _, err := engine.GetDependency("d1"); return err },
		func() error { _, err := engine.GetGraph("p1"); return err },
	} {
		assert.Equal(t, errdef.KindNotFound, errdef.KindOf(check()))
	}
}

func TestEngineQueryTasks(t *testing.T) {
	engine, _ := newTestEngine(t)

	a := sampleTask("t1", "p1")
	b := sampleTask("t2", "p1")
	b.Status = types.TaskStatusCompleted
	c := sampleTask("t3", "p2")
	for _, task := range []*types.AtomicTask{a, b, c} {
		require.NoError(t, engine.CreateTask(task))
	}

	got, err := engine.QueryTasks(TaskFilter{ProjectID: "p1", Status: types.TaskStatusPending})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)

	got, err = engine.QueryTasks(TaskFilter{Status: types.TaskStatusPending})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestEngineStats(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.CreateTask(sampleTask("t1", "p1")))
	_, err := engine.GetTask("t1")
	require.NoError(t, err)
	_, err = engine.GetTask("t1")
	require.NoError(t, err)

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.Ops["task.create"])
	assert.NotZero(t, stats.CacheHits)
}

func TestEngineBackup(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.CreateProject(&types.Project{ID: "p1", Name: "demo"}))
	require.NoError(t, engine.CreateTask(sampleTask("t1", "p1")))

	dir := t.TempDir()
	path, err := engine.Backup(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"t1"`)
	assert.Contains(t, string(data), `"p1"`)
}

func TestEntityCacheBound(t *testing.T) {
	c := newEntityCache(3, time.Minute)
	for i := 0; i < 10; i++ {
		c.put(fmt.Sprintf("k%d", i), i)
	}
	_, _, size := c.stats()
	assert.LessOrEqual(t, size, 3)

	// Most recent entries survive.
	v, ok := c.get("k9")
	require.True(t, ok)
	assert.Equal(t, 9, v)
}

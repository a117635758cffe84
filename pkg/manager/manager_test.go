package manager

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklab/foreman/pkg/config"
	"github.com/tasklab/foreman/pkg/decompose"
	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/llm"
	"github.com/tasklab/foreman/pkg/notify"
	"github.com/tasklab/foreman/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Backend = "memory"
	cfg.Transport.HTTP.Enabled = false
	cfg.Transport.WebSocket.Enabled = false
	cfg.Transport.SSE.Enabled = false
	cfg.Transport.Stdio.Enabled = false
	return cfg
}

func startManager(t *testing.T, client llm.Client) *Manager {
	t.Helper()
	m, err := New(testConfig(), client)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Stop(ctx))
	})
	return m
}

func seedProject(t *testing.T, m *Manager, id string) {
	t.Helper()
	require.NoError(t, m.Store().CreateProject(&types.Project{ID: id, Name: "test project"}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		require.False(t, time.Now().After(deadline), "timed out waiting for %s", what)
		time.Sleep(5 * time.Millisecond)
	}
}

// The full happy path for one atomic task: submit, pick up, respond, and
// collect the result from the job.
func TestSubmitExecuteComplete(t *testing.T) {
	m := startManager(t, nil)
	seedProject(t, m, "p1")

	require.NoError(t, m.Agents().Register(&types.Agent{
		ID: "a1", Capabilities: []string{"go"}, MaxConcurrentTasks: 2,
		Transport: types.TransportHTTP,
	}, false))

	var mu sync.Mutex
	var frames []string
	require.NoError(t, m.Hub().Register("client-1", notify.WriterFunc(func(frame []byte) error {
		mu.Lock()
		frames = append(frames, string(frame))
		mu.Unlock()
		return nil
	})))

	task := &types.AtomicTask{
		ID: "t1", ProjectID: "p1", Title: "Add request logging",
		Type: types.TaskTypeDevelopment, Priority: types.PriorityMedium,
		EstimatedHours: 2, RequiredSkills: []string{"go"},
	}
	job, err := m.SubmitTask(context.Background(), task, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "t1", job.ID)
	assert.Equal(t, types.JobStatusRunning, job.Status)

	// The agent picks the descriptor up from its queue.
	var desc *types.TaskDescriptor
	waitFor(t, "descriptor in queue", func() bool {
		d, err := m.Agents().Dequeue("a1")
		require.NoError(t, err)
		desc = d
		return d != nil
	})
	assert.Equal(t, "t1", desc.TaskID)

	waitFor(t, "task marked in progress", func() bool {
		stored, err := m.Store().GetTask("t1")
		require.NoError(t, err)
		return stored.Status == types.TaskStatusInProgress && stored.AgentID == "a1"
	})

	require.NoError(t, m.Processor().Process(&types.AgentResponse{
		AgentID: "a1", TaskID: "t1", Status: types.ResponseDone, Response: "logging added",
		CompletionDetails: &types.CompletionDetails{BuildOK: true, TestsRun: 2, TestsPassed: 2},
	}))

	waitFor(t, "job completion", func() bool {
		j, err := m.Jobs().Get("t1")
		require.NoError(t, err)
		return j.Status == types.JobStatusCompleted
	})
	j, err := m.Jobs().Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "DONE", j.Result["status"])

	final, err := m.Store().GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, final.Status)

	waitFor(t, "completion notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(strings.Join(frames, ""), "taskCompleted")
	})

	waitFor(t, "execution drained", func() bool {
		return m.Orchestrator().PendingExecutions() == 0
	})
}

func TestSubmitWithNoAgentsQueues(t *testing.T) {
	m := startManager(t, nil)
	seedProject(t, m, "p1")

	task := &types.AtomicTask{
		ID: "t1", ProjectID: "p1", Title: "Orphan work",
		Type: types.TaskTypeDevelopment, Priority: types.PriorityLow,
	}
	_, err := m.SubmitTask(context.Background(), task, SubmitOptions{})
	require.NoError(t, err)

	waitFor(t, "queued progress", func() bool {
		j, err := m.Jobs().Get("t1")
		require.NoError(t, err)
		return j.Progress == "waiting for an available agent"
	})

	stored, err := m.Store().GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, stored.Status)
}

func TestSubmitRejectsInjectedInput(t *testing.T) {
	m := startManager(t, nil)
	seedProject(t, m, "p1")

	task := &types.AtomicTask{
		ID: "t1", ProjectID: "p1",
		Title: "Fix <script>alert(1)</script> banner",
		Type:  types.TaskTypeDevelopment, Priority: types.PriorityLow,
	}
	_, err := m.SubmitTask(context.Background(), task, SubmitOptions{})
	assert.Equal(t, errdef.KindSecurityViolation, errdef.KindOf(err))

	_, err = m.Store().GetTask("t1")
	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))
}

func TestResubmissionReusesJob(t *testing.T) {
	m := startManager(t, nil)
	seedProject(t, m, "p1")

	task := &types.AtomicTask{
		ID: "t1", ProjectID: "p1", Title: "One job per task",
		Type: types.TaskTypeDevelopment, Priority: types.PriorityLow,
	}
	first, err := m.SubmitTask(context.Background(), task, SubmitOptions{})
	require.NoError(t, err)
	second, err := m.SubmitTask(context.Background(), task, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

const loginChildren = `[
  {"title":"Create session model","type":"development","priority":"high","estimatedHours":2,
   "filePaths":["src/models/session.ts"],"acceptanceCriteria":["sessions persist"],"dependsOn":[]},
  {"title":"Add login route","type":"development","priority":"high","estimatedHours":3,
   "filePaths":["src/routes/login.ts"],"acceptanceCriteria":["returns 200"],"dependsOn":[0]},
  {"title":"Test login flow","type":"testing","priority":"medium","estimatedHours":2,
   "filePaths":["src/routes/login.test.ts"],"acceptanceCriteria":["happy path covered"],"dependsOn":[1]}
]`

func TestDecomposeTaskReplacesParent(t *testing.T) {
	client := llm.NewScriptedClient([]string{loginChildren}, nil)
	m := startManager(t, client)
	seedProject(t, m, "p1")

	parent := &types.AtomicTask{
		ID: "parent", ProjectID: "p1", Title: "Implement user login",
		Type: types.TaskTypeDevelopment, Priority: types.PriorityHigh,
		EstimatedHours: 10,
	}
	require.NoError(t, m.Store().CreateTask(parent))

	children, err := m.DecomposeTask(context.Background(), "parent", decompose.ProjectContext{
		ProjectID: "p1", Languages: []string{"TypeScript"},
	})
	require.NoError(t, err)
	require.Len(t, children, 3)

	// Children are stored, the parent is gone.
	for _, c := range children {
		got, err := m.Store().GetTask(c.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusPending, got.Status)
	}
	_, err = m.Store().GetTask("parent")
	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))

	// Decomposition edges became dependency records.
	deps, err := m.Store().ListDependenciesByProject("p1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(deps), 2)

	// The plan was rebuilt: three sequential batches.
	g, err := m.Store().GetGraph("p1")
	require.NoError(t, err)
	require.Len(t, g.TopoOrder, 3)
	assert.Equal(t, children[0].ID, g.TopoOrder[0])
}

func TestDecomposeTaskAtomicPassThrough(t *testing.T) {
	client := llm.NewScriptedClient(nil, nil)
	m := startManager(t, client)
	seedProject(t, m, "p1")

	task := &types.AtomicTask{
		ID: "t1", ProjectID: "p1", Title: "Rename config key",
		Type: types.TaskTypeDevelopment, Priority: types.PriorityLow,
		EstimatedHours: 1, FilePaths: []string{"config.go"},
		AcceptanceCriteria: []string{"old key still read"},
	}
	require.NoError(t, m.Store().CreateTask(task))

	out, err := m.DecomposeTask(context.Background(), "t1", decompose.ProjectContext{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "t1", out[0].ID)
	assert.Equal(t, 0, client.Calls())

	// Still stored, untouched.
	_, err = m.Store().GetTask("t1")
	require.NoError(t, err)
}

func TestStartStopIdempotent(t *testing.T) {
	m, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.NoError(t, m.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))
}

func TestOfflineAgentFailsExecution(t *testing.T) {
	m := startManager(t, nil)
	seedProject(t, m, "p1")

	require.NoError(t, m.Agents().Register(&types.Agent{
		ID: "a1", MaxConcurrentTasks: 2, Transport: types.TransportHTTP,
	}, false))

	task := &types.AtomicTask{
		ID: "t1", ProjectID: "p1", Title: "Doomed work",
		Type: types.TaskTypeDevelopment, Priority: types.PriorityMedium,
	}
	_, err := m.SubmitTask(context.Background(), task, SubmitOptions{})
	require.NoError(t, err)

	waitFor(t, "execution pending", func() bool {
		return m.Orchestrator().PendingExecutions() == 1
	})

	// A sweep past the heartbeat deadline marks the agent offline; the
	// event reaches the orchestrator through the manager's event loop.
	m.Agents().Sweep(time.Now().Add(time.Hour))

	waitFor(t, "job failed", func() bool {
		j, err := m.Jobs().Get("t1")
		require.NoError(t, err)
		return j.Status == types.JobStatusFailed
	})

	stored, err := m.Store().GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, stored.Status)
	assert.Empty(t, stored.AgentID)
}

func TestPlanProjectCycleRejected(t *testing.T) {
	m := startManager(t, nil)
	seedProject(t, m, "p1")

	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, m.Store().CreateTask(&types.AtomicTask{
			ID: id, ProjectID: "p1", Title: "task " + id,
			Type: types.TaskTypeDevelopment, Priority: types.PriorityLow,
		}))
	}
	require.NoError(t, m.createEdge("p1", "t1", "t2", types.DependencyTaskOrder, ""))
	require.NoError(t, m.createEdge("p1", "t2", "t1", types.DependencyTaskOrder, ""))

	_, err := m.PlanProject(context.Background(), "p1")
	assert.Equal(t, errdef.KindValidation, errdef.KindOf(err))
}

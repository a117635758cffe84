package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/events"
	"github.com/tasklab/foreman/pkg/types"
)

func testAgent(id string, maxConcurrent int) *types.Agent {
	return &types.Agent{
		ID:                 id,
		Capabilities:       []string{"go", "testing"},
		MaxConcurrentTasks: maxConcurrent,
		Transport:          types.TransportHTTP,
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(Config{}, nil)

	require.NoError(t, r.Register(testAgent("a1", 2), false))
	err := r.Register(testAgent("a1", 2), false)
	assert.Equal(t, errdef.KindAlreadyExists, errdef.KindOf(err))

	// Force replaces the prior registration.
	replacement := testAgent("a1", 4)
	require.NoError(t, r.Register(replacement, true))
	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.MaxConcurrentTasks)
}

func TestRegisterDefaults(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	a := testAgent("a1", 0)
	require.NoError(t, r.Register(a, false))

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, got.Status)
	assert.Equal(t, 1, got.MaxConcurrentTasks)
	assert.NotNil(t, got.Performance)
	assert.False(t, got.LastHeartbeat.IsZero())
}

func TestQueueBoundAndFIFO(t *testing.T) {
	r := NewRegistry(Config{BacklogFactor: 2}, nil)
	require.NoError(t, r.Register(testAgent("a1", 2), false))

	// Bound is maxConcurrent * backlogFactor = 4.
	for i := 0; i < 4; i++ {
		err := r.Enqueue("a1", &types.TaskDescriptor{TaskID: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}
	err := r.Enqueue("a1", &types.TaskDescriptor{TaskID: "overflow"})
	assert.Equal(t, errdef.KindConflict, errdef.KindOf(err))

	// FIFO order.
	for i := 0; i < 4; i++ {
		d, err := r.Dequeue("a1")
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, fmt.Sprintf("t%d", i), d.TaskID)
	}
	d, err := r.Dequeue("a1")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRemoveQueued(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	require.NoError(t, r.Register(testAgent("a1", 2), false))
	require.NoError(t, r.Enqueue("a1", &types.TaskDescriptor{TaskID: "t1"}))
	require.NoError(t, r.Enqueue("a1", &types.TaskDescriptor{TaskID: "t2"}))

	assert.True(t, r.RemoveQueued("a1", "t1"))
	assert.False(t, r.RemoveQueued("a1", "t1"))
	assert.Equal(t, 1, r.QueueDepth("a1"))
}

func TestAssignAndCompleteLifecycle(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	require.NoError(t, r.Register(testAgent("a1", 1), false))

	require.NoError(t, r.AssignTask("a1", "t1"))
	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusBusy, got.Status)
	assert.Equal(t, []string{"t1"}, got.CurrentTasks)

	require.NoError(t, r.CompleteTask("a1", "t1", 200*time.Millisecond, true))
	got, err = r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, got.Status)
	assert.Empty(t, got.CurrentTasks)
	assert.Equal(t, 1, got.Performance.TasksCompleted)
	assert.Equal(t, 1.0, got.Performance.SuccessRate)
}

func TestPerformanceFoldsFailures(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	require.NoError(t, r.Register(testAgent("a1", 4), false))

	require.NoError(t, r.AssignTask("a1", "t1"))
	require.NoError(t, r.AssignTask("a1", "t2"))
	require.NoError(t, r.CompleteTask("a1", "t1", 100*time.Millisecond, true))
	require.NoError(t, r.CompleteTask("a1", "t2", 300*time.Millisecond, false))

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Performance.TasksCompleted)
	assert.InDelta(t, 0.5, got.Performance.SuccessRate, 0.01)
	assert.InDelta(t, 200, got.Performance.AvgCompletionMS, 0.01)
}

// An agent whose heartbeat lapses is marked offline, its in-flight and
// queued work handed back through requeue events.
func TestSweepMarksOfflineAndRequeues(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	r := NewRegistry(Config{HeartbeatTimeout: 10 * time.Millisecond}, broker)
	require.NoError(t, r.Register(testAgent("a1", 2), false))
	require.NoError(t, r.AssignTask("a1", "inflight"))
	require.NoError(t, r.Enqueue("a1", &types.TaskDescriptor{TaskID: "queued"}))

	// Drain the registration event.
	<-sub

	r.Sweep(time.Now().Add(time.Second))

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusOffline, got.Status)
	assert.Empty(t, got.CurrentTasks)
	assert.Equal(t, 0, r.QueueDepth("a1"))

	seen := map[string]events.EventType{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case ev := <-sub:
			seen[string(ev.Type)+":"+ev.ID] = ev.Type
		case <-timeout:
			t.Fatalf("expected offline + 2 requeue events, saw %v", seen)
		}
	}
	assert.Equal(t, events.EventAgentOffline, seen["agent.offline:a1"])
	assert.Equal(t, events.EventTaskRequeued, seen["task.requeued:inflight"])
	assert.Equal(t, events.EventTaskRequeued, seen["task.requeued:queued"])
}

func TestHeartbeatRevivesOffline(t *testing.T) {
	r := NewRegistry(Config{HeartbeatTimeout: 10 * time.Millisecond}, nil)
	require.NoError(t, r.Register(testAgent("a1", 1), false))

	r.Sweep(time.Now().Add(time.Second))
	got, _ := r.Get("a1")
	assert.Equal(t, types.AgentStatusOffline, got.Status)

	require.NoError(t, r.Heartbeat("a1"))
	got, _ = r.Get("a1")
	assert.Equal(t, types.AgentStatusIdle, got.Status)
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	require.NoError(t, r.Register(testAgent("a1", 1), false))

	got, err := r.Get("a1")
	require.NoError(t, err)
	got.Status = types.AgentStatusError
	got.CurrentTasks = append(got.CurrentTasks, "mutated")

	fresh, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, fresh.Status)
	assert.Empty(t, fresh.CurrentTasks)
}

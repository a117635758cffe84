package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/types"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(Config{Retention: time.Hour, SweepInterval: time.Hour})
	t.Cleanup(r.Stop)
	return r
}

func TestCreateAndGet(t *testing.T) {
	r := newRegistry(t)

	job, err := r.Create("task-1", "execute-task", map[string]any{"taskId": "task-1"})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, job.Status)

	got, err := r.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, "execute-task", got.ToolName)

	_, err = r.Create("task-1", "execute-task", nil)
	assert.Equal(t, errdef.KindAlreadyExists, errdef.KindOf(err))

	_, err = r.Get("nope")
	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))
}

func TestSetProgressIdempotent(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Create("j1", "decompose-feature", nil)
	require.NoError(t, err)

	require.NoError(t, r.SetProgress("j1", "analyzing"))
	first, err := r.Get("j1")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	// Same message again does not churn UpdatedAt.
	require.NoError(t, r.SetProgress("j1", "analyzing"))
	second, err := r.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	require.NoError(t, r.SetProgress("j1", "chunking"))
	third, err := r.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, "chunking", third.Progress)
	assert.True(t, third.UpdatedAt.After(first.UpdatedAt))
}

func TestSetResultFirstWins(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Create("j1", "execute-task", nil)
	require.NoError(t, err)

	require.NoError(t, r.SetResult("j1", types.JobStatusCompleted, map[string]any{"status": "DONE"}))
	// A late failure report does not overwrite the terminal result.
	require.NoError(t, r.SetResult("j1", types.JobStatusFailed, map[string]any{"status": "ERROR"}))

	got, err := r.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.Equal(t, "DONE", got.Result["status"])
	assert.False(t, got.CompletedAt.IsZero())
}

func TestSetResultRejectsNonTerminal(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Create("j1", "execute-task", nil)
	require.NoError(t, err)

	err = r.SetResult("j1", types.JobStatusRunning, nil)
	assert.Equal(t, errdef.KindValidation, errdef.KindOf(err))
}

// A client that polls a running job in a tight loop is told to wait with a
// growing backoff, and is served immediately once the job completes.
func TestPollBackoff(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Create("j1", "execute-task", nil)
	require.NoError(t, err)

	// First poll is honoured.
	job, wait, _, err := r.GetWithRateLimit("j1")
	require.NoError(t, err)
	assert.False(t, wait)
	firstAccess := job.LastAccessedAt

	// Immediate re-poll is denied with a positive wait, no job data and no
	// access stamp.
	job, wait, waitTime, err := r.GetWithRateLimit("j1")
	require.NoError(t, err)
	assert.True(t, wait)
	assert.Nil(t, job, "a denied poll returns no cached job")
	assert.Greater(t, waitTime, time.Duration(0))
	assert.LessOrEqual(t, waitTime, r.pollMin)
	stored, err := r.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, firstAccess, stored.LastAccessedAt)

	// Completion resets the wait to zero regardless of backoff state.
	require.NoError(t, r.SetResult("j1", types.JobStatusCompleted, map[string]any{"status": "DONE"}))
	job, wait, waitTime, err = r.GetWithRateLimit("j1")
	require.NoError(t, err)
	assert.False(t, wait)
	assert.Zero(t, waitTime)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
}

func TestPollBackoffCap(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Create("j1", "execute-task", nil)
	require.NoError(t, err)

	r.mu.Lock()
	entry := r.jobs["j1"]
	// Simulate a long series of honoured polls.
	for i := 0; i < 10; i++ {
		entry.pollInterval *= 2
		if entry.pollInterval > r.pollMax {
			entry.pollInterval = r.pollMax
		}
	}
	assert.Equal(t, r.pollMax, entry.pollInterval)
	r.mu.Unlock()
}

// The backoff curve follows configuration, not the built-in defaults.
func TestPollIntervalsConfigurable(t *testing.T) {
	r := NewRegistry(Config{
		Retention: time.Hour, SweepInterval: time.Hour,
		PollMinInterval: 100 * time.Millisecond,
		PollMaxInterval: 300 * time.Millisecond,
	})
	defer r.Stop()

	_, err := r.Create("j1", "execute-task", nil)
	require.NoError(t, err)

	_, wait, _, err := r.GetWithRateLimit("j1")
	require.NoError(t, err)
	assert.False(t, wait)

	_, wait, waitTime, err := r.GetWithRateLimit("j1")
	require.NoError(t, err)
	assert.True(t, wait)
	assert.LessOrEqual(t, waitTime, 100*time.Millisecond)

	r.mu.Lock()
	entry := r.jobs["j1"]
	for i := 0; i < 5; i++ {
		entry.pollInterval *= 2
		if entry.pollInterval > r.pollMax {
			entry.pollInterval = r.pollMax
		}
	}
	assert.Equal(t, 300*time.Millisecond, entry.pollInterval)
	r.mu.Unlock()
}

func TestCompletedWithoutResult(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Create("j1", "execute-task", nil)
	require.NoError(t, err)
	require.NoError(t, r.SetResult("j1", types.JobStatusCompleted, map[string]any{"x": 1}))

	r.mu.Lock()
	r.jobs["j1"].job.Result = nil
	r.mu.Unlock()

	_, _, _, err = r.GetWithRateLimit("j1")
	assert.ErrorIs(t, err, ErrMissingResult)
}

func TestFailedWithoutResult(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Create("j1", "execute-task", nil)
	require.NoError(t, err)
	require.NoError(t, r.SetResult("j1", types.JobStatusFailed, map[string]any{"status": "ERROR"}))

	r.mu.Lock()
	r.jobs["j1"].job.Result = nil
	r.mu.Unlock()

	// A failed job missing its payload is as broken as a completed one.
	_, _, _, err = r.GetWithRateLimit("j1")
	assert.ErrorIs(t, err, ErrMissingResult)
}

func TestSweepEvictsTerminal(t *testing.T) {
	r := NewRegistry(Config{Retention: 10 * time.Millisecond, SweepInterval: time.Hour})
	defer r.Stop()

	_, err := r.Create("done", "execute-task", nil)
	require.NoError(t, err)
	require.NoError(t, r.SetResult("done", types.JobStatusFailed, map[string]any{"status": "ERROR"}))
	_, err = r.Create("running", "execute-task", nil)
	require.NoError(t, err)

	r.sweep(time.Now().Add(time.Second))

	_, err = r.Get("done")
	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))
	_, err = r.Get("running")
	assert.NoError(t, err, "running jobs are never evicted")
}

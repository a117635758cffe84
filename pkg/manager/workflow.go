package manager

import (
	"context"

	"github.com/google/uuid"

	"github.com/tasklab/foreman/pkg/decompose"
	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/orchestrator"
	"github.com/tasklab/foreman/pkg/security"
	"github.com/tasklab/foreman/pkg/types"
)

// SubmitOptions modify one submission.
type SubmitOptions struct {
	// Force waives the dependency-satisfaction check at dispatch.
	Force bool
}

// SubmitTask validates and persists a task, creates its tracking job and
// dispatches it asynchronously. The job ID equals the task ID, so callers
// poll the result under the handle they already hold.
func (m *Manager) SubmitTask(ctx context.Context, task *types.AtomicTask, opts SubmitOptions) (*types.Job, error) {
	if task == nil || task.ID == "" {
		return nil, errdef.New(errdef.KindValidation, "task has no id")
	}
	if err := m.screen(task); err != nil {
		return nil, err
	}

	if _, err := m.store.GetTask(task.ID); err != nil {
		if !errdef.IsKind(err, errdef.KindNotFound) {
			return nil, err
		}
		if err := m.store.CreateTask(task); err != nil {
			return nil, err
		}
	}

	job, err := m.jobs.Create(task.ID, "execute-task", map[string]any{"taskId": task.ID})
	if err != nil {
		// A retried submission reuses the job it already created.
		if errdef.IsKind(err, errdef.KindAlreadyExists) {
			return m.jobs.Get(task.ID)
		}
		return nil, err
	}

	m.execWG.Add(1)
	go m.runExecution(task, opts.Force)
	return job, nil
}

// screen applies input sanitation and, in strict mode, path policy to a
// task before it reaches storage.
func (m *Manager) screen(task *types.AtomicTask) error {
	scan := m.sanitizer.Scan(task.Title+"\n"+task.Description, "")
	if !scan.OK {
		return errdef.New(errdef.KindSecurityViolation, "task %s contains disallowed input", task.ID)
	}

	if m.cfg.Security.Mode == "strict" && len(m.cfg.Security.AllowedDirectories) > 0 {
		for _, p := range task.FilePaths {
			if d := m.paths.Validate(p, security.AccessWrite, ""); !d.Valid {
				return errdef.New(errdef.KindSecurityViolation, "task %s references a disallowed path", task.ID)
			}
		}
	}
	return nil
}

// runExecution drives one dispatch to completion. Responses settle the
// job through the response pipeline; outcomes that never produce a
// response are settled here.
func (m *Manager) runExecution(task *types.AtomicTask, force bool) {
	defer m.execWG.Done()

	res, err := m.orch.ExecuteTask(context.Background(), task, orchestrator.ExecuteOptions{Force: force})
	if err != nil {
		if setErr := m.jobs.SetResult(task.ID, types.JobStatusFailed, map[string]any{
			"taskId": task.ID,
			"error":  err.Error(),
		}); setErr != nil {
			m.logger.Warn().Str("task_id", task.ID).Err(setErr).Msg("settling failed dispatch")
		}
		return
	}

	switch res.Status {
	case "queued":
		if err := m.jobs.SetProgress(task.ID, "waiting for an available agent"); err != nil {
			m.logger.Warn().Str("task_id", task.ID).Err(err).Msg("recording queued state")
		}
	case "failed", "cancelled", "timed_out":
		// No-op when a response already settled the job; first result wins.
		if err := m.jobs.SetResult(task.ID, types.JobStatusFailed, map[string]any{
			"taskId": task.ID,
			"status": res.Status,
			"error":  res.Message,
		}); err != nil {
			m.logger.Warn().Str("task_id", task.ID).Err(err).Msg("settling unresponsive execution")
		}
	}
}

// DecomposeTask splits one stored task into atomic children when it is not
// atomic already. Children replace the parent: they are persisted with
// their dependency edges, heuristic edges above the confidence threshold
// are applied on top, and the project plan is rebuilt.
func (m *Manager) DecomposeTask(ctx context.Context, taskID string, pc decompose.ProjectContext) ([]*types.AtomicTask, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	children, err := m.decomposer.DecomposeIfNeeded(ctx, task, pc)
	if err != nil {
		return nil, err
	}
	if len(children) == 1 && children[0].ID == task.ID {
		return children, nil
	}

	// Edges minted by decomposition, before heuristics add more.
	planned := make(map[string][]string, len(children))
	for _, c := range children {
		planned[c.ID] = append([]string(nil), c.DependencyIDs...)
	}
	report := m.decomposer.ApplyDependencyDetection(children)

	for _, c := range children {
		if err := m.store.CreateTask(c); err != nil {
			return nil, err
		}
		for _, from := range planned[c.ID] {
			if err := m.createEdge(task.ProjectID, from, c.ID, types.DependencyTaskOrder, "decomposition order"); err != nil {
				return nil, err
			}
		}
	}
	for _, s := range report.Applied {
		if err := m.createEdge(task.ProjectID, s.FromTaskID, s.ToTaskID, s.Kind, s.Reason); err != nil {
			return nil, err
		}
	}

	// The parent no longer represents executable work.
	if err := m.store.DeleteTask(task.ID); err != nil {
		m.logger.Warn().Str("task_id", task.ID).Err(err).Msg("removing decomposed parent")
	}

	if _, err := m.PlanProject(ctx, task.ProjectID); err != nil {
		m.logger.Warn().Str("project_id", task.ProjectID).Err(err).Msg("rebuilding plan after decomposition")
	}
	return children, nil
}

func (m *Manager) createEdge(projectID, from, to string, kind types.DependencyKind, rationale string) error {
	return m.store.CreateDependency(&types.Dependency{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		FromTaskID: from,
		ToTaskID:   to,
		Kind:       kind,
		Strength:   types.DependencyRequired,
		Rationale:  rationale,
	})
}

// PlanProject rebuilds the project's dependency graph from stored tasks
// and edges and persists it.
func (m *Manager) PlanProject(ctx context.Context, projectID string) (*types.DependencyGraph, error) {
	tasks, err := m.store.ListTasksByProject(projectID)
	if err != nil {
		return nil, err
	}
	deps, err := m.store.ListDependenciesByProject(projectID)
	if err != nil {
		return nil, err
	}
	g, err := decompose.BuildExecutionPlan(projectID, tasks, deps)
	if err != nil {
		return nil, err
	}
	if err := m.store.PutGraph(g); err != nil {
		return nil, err
	}
	return g, nil
}

// JobResult polls a job with the registry's backoff applied, mirroring the
// stdio tool surface for in-process callers.
func (m *Manager) JobResult(jobID string) (*types.Job, bool, error) {
	job, shouldWait, _, err := m.jobs.GetWithRateLimit(jobID)
	return job, shouldWait, err
}

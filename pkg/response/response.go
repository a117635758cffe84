package response

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/agent"
	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/events"
	"github.com/tasklab/foreman/pkg/jobs"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/metrics"
	"github.com/tasklab/foreman/pkg/notify"
	"github.com/tasklab/foreman/pkg/storage"
	"github.com/tasklab/foreman/pkg/types"
)

// Resolver unblocks an execution awaiting the task's response. Implemented
// by the orchestrator.
type Resolver interface {
	ResolveTask(taskID string, resp *types.AgentResponse) bool
}

// Processor turns raw agent responses into task, job, agent and
// notification updates. Validation and persistence are strict; everything
// after persistence is best-effort and logged.
type Processor struct {
	store    *storage.Engine
	agents   *agent.Registry
	jobs     *jobs.Registry
	hub      *notify.Hub
	broker   *events.Broker
	resolver Resolver
	logger   zerolog.Logger
}

// New creates a processor. The resolver and hub may be nil in tests.
func New(store *storage.Engine, agents *agent.Registry, registry *jobs.Registry, hub *notify.Hub, broker *events.Broker, resolver Resolver) *Processor {
	return &Processor{
		store:    store,
		agents:   agents,
		jobs:     registry,
		hub:      hub,
		broker:   broker,
		resolver: resolver,
		logger:   log.WithComponent("response"),
	}
}

// Process runs the full pipeline for one agent response.
func (p *Processor) Process(resp *types.AgentResponse) error {
	task, err := p.validate(resp)
	if err != nil {
		return err
	}
	if resp.ReceivedAt.IsZero() {
		resp.ReceivedAt = time.Now()
	}
	metrics.ResponsesTotal.WithLabelValues(string(resp.Status)).Inc()

	// History is keyed by task: a resubmission overwrites the prior
	// response.
	if task.Metadata == nil {
		task.Metadata = &types.TaskMetadata{}
	}
	task.Metadata.AgentResponse = resp

	task.Status = mapStatus(resp.Status)
	if task.Status.Terminal() {
		task.Metadata.CompletedAt = resp.ReceivedAt
	}
	if err := p.store.UpdateTask(task); err != nil {
		return errdef.Wrap(errdef.KindStorageFailure, err, "persisting response for task %s", task.ID)
	}

	// Everything below is best-effort.
	p.settleJob(task, resp)
	p.settleAgent(task, resp)
	p.notifyClients(task, resp)
	p.publish(task, resp)

	if p.resolver != nil {
		p.resolver.ResolveTask(task.ID, resp)
	}
	return nil
}

// validate enforces ownership and shape before anything is persisted.
func (p *Processor) validate(resp *types.AgentResponse) (*types.AtomicTask, error) {
	if resp == nil || resp.AgentID == "" {
		return nil, errdef.New(errdef.KindValidation, "response has no agent id")
	}
	if resp.TaskID == "" {
		return nil, errdef.New(errdef.KindValidation, "response has no task id")
	}
	switch resp.Status {
	case types.ResponseDone, types.ResponseError, types.ResponsePartial:
	default:
		return nil, errdef.New(errdef.KindValidation, "unknown response status %q", resp.Status)
	}
	if resp.Response == "" {
		return nil, errdef.New(errdef.KindValidation, "response body is empty")
	}

	task, err := p.store.GetTask(resp.TaskID)
	if err != nil {
		return nil, err
	}
	if task.AgentID != resp.AgentID {
		return nil, errdef.New(errdef.KindSecurityViolation,
			"agent %s reported on task %s owned by %s", resp.AgentID, task.ID, task.AgentID)
	}
	return task, nil
}

func mapStatus(s types.ResponseStatus) types.TaskStatus {
	switch s {
	case types.ResponseDone:
		return types.TaskStatusCompleted
	case types.ResponseError:
		return types.TaskStatusFailed
	default:
		return types.TaskStatusInProgress
	}
}

// settleJob records the terminal outcome on the task's job. Partial
// responses update progress instead.
func (p *Processor) settleJob(task *types.AtomicTask, resp *types.AgentResponse) {
	if p.jobs == nil {
		return
	}
	payload := map[string]any{
		"taskId":   task.ID,
		"agentId":  resp.AgentID,
		"status":   string(resp.Status),
		"response": resp.Response,
	}
	if d := resp.CompletionDetails; d != nil {
		payload["filesModified"] = d.FilesModified
		payload["testsRun"] = d.TestsRun
		payload["testsPassed"] = d.TestsPassed
		payload["buildOk"] = d.BuildOK
		payload["durationMs"] = d.Duration.Milliseconds()
	}

	var err error
	switch resp.Status {
	case types.ResponseDone:
		err = p.jobs.SetResult(task.ID, types.JobStatusCompleted, payload)
	case types.ResponseError:
		err = p.jobs.SetResult(task.ID, types.JobStatusFailed, payload)
	default:
		err = p.jobs.SetProgress(task.ID, resp.Response)
	}
	if err != nil && !errdef.IsKind(err, errdef.KindNotFound) {
		p.logger.Warn().Str("task_id", task.ID).Err(err).Msg("settling job result")
	}
}

// settleAgent clears the task from the agent's queue and in-flight set.
func (p *Processor) settleAgent(task *types.AtomicTask, resp *types.AgentResponse) {
	if p.agents == nil || !task.Status.Terminal() {
		return
	}
	p.agents.RemoveQueued(resp.AgentID, task.ID)

	var elapsed time.Duration
	if d := resp.CompletionDetails; d != nil && d.Duration > 0 {
		elapsed = d.Duration
	} else if !task.Metadata.StartedAt.IsZero() {
		elapsed = resp.ReceivedAt.Sub(task.Metadata.StartedAt)
	}
	if err := p.agents.CompleteTask(resp.AgentID, task.ID, elapsed, resp.Status == types.ResponseDone); err != nil {
		p.logger.Warn().Str("task_id", task.ID).Str("agent_id", resp.AgentID).Err(err).Msg("updating agent after response")
	}
}

// notifyClients broadcasts terminal outcomes and acknowledges the owning
// agent's session when it listens on a push channel. Partial responses
// produce no broadcast.
func (p *Processor) notifyClients(task *types.AtomicTask, resp *types.AgentResponse) {
	if p.hub == nil {
		return
	}
	if task.Status.Terminal() {
		var elapsed time.Duration
		var files []string
		if d := resp.CompletionDetails; d != nil {
			files = d.FilesModified
			elapsed = d.Duration
		}
		if elapsed == 0 && !task.Metadata.StartedAt.IsZero() {
			elapsed = resp.ReceivedAt.Sub(task.Metadata.StartedAt)
		}
		p.hub.Broadcast("taskCompleted", map[string]any{
			"agentId":       resp.AgentID,
			"taskId":        task.ID,
			"status":        string(resp.Status),
			"completedAt":   task.Metadata.CompletedAt.Format(time.RFC3339),
			"success":       resp.Status == types.ResponseDone,
			"executionTime": elapsed.Milliseconds(),
			"filesModified": files,
		})
	}

	a, err := p.agents.Get(resp.AgentID)
	if err != nil {
		return
	}
	if a.Transport == types.TransportSSE && a.SessionID != "" {
		if err := p.hub.Send(a.SessionID, "responseReceived", map[string]any{
			"taskId":       task.ID,
			"acknowledged": true,
			"nextAction":   "ready_for_new_task",
			"timestamp":    resp.ReceivedAt.Format(time.RFC3339),
		}); err != nil {
			p.logger.Debug().Str("session_id", a.SessionID).Err(err).Msg("targeted notification")
		}
	}
}

func (p *Processor) publish(task *types.AtomicTask, resp *types.AgentResponse) {
	if p.broker == nil {
		return
	}
	eventType := events.EventTaskCompleted
	if resp.Status == types.ResponseError {
		eventType = events.EventTaskFailed
	} else if resp.Status == types.ResponsePartial {
		return
	}
	p.broker.Publish(&events.Event{
		Type: eventType,
		ID:   task.ID,
		Metadata: map[string]string{
			"agentId": resp.AgentID,
		},
	})
}

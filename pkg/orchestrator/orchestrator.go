package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/agent"
	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/events"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/metrics"
	"github.com/tasklab/foreman/pkg/security"
	"github.com/tasklab/foreman/pkg/storage"
	"github.com/tasklab/foreman/pkg/types"
)

const (
	defaultExecutionTimeout     = 30 * time.Minute
	defaultMaxPendingExecutions = 256
	orchestratorOwner           = "orchestrator"
)

// Deliverer pushes a task descriptor to an agent over its transport. The
// transport manager implements it; tests substitute fakes.
type Deliverer interface {
	Deliver(ctx context.Context, a *types.Agent, desc *types.TaskDescriptor) error
	// CancelDelivery is best-effort: a failure is logged, never surfaced.
	CancelDelivery(a *types.Agent, taskID string) error
}

// Config tunes selection and execution.
type Config struct {
	Strategy             Strategy
	Weights              Weights
	MaxPendingExecutions int
	ExecutionTimeout     time.Duration
	LockTimeout          time.Duration
}

// ExecutionResult is what ExecuteTask surfaces to the caller.
type ExecutionResult struct {
	Status     string               `json:"status"` // completed | failed | queued | cancelled | timed_out
	Queued     bool                 `json:"queued,omitempty"`
	Message    string               `json:"message,omitempty"`
	Assignment *types.Assignment    `json:"assignment,omitempty"`
	Result     *types.AgentResponse `json:"result,omitempty"`
	Metadata   ExecutionMetadata    `json:"metadata"`
}

// ExecutionMetadata carries execution bookkeeping.
type ExecutionMetadata struct {
	ExecutionID     string `json:"executionId"`
	TotalDurationMS int64  `json:"totalDurationMs"`
}

// execution is one in-flight task execution awaiting its agent's response.
type execution struct {
	id        string
	taskID    string
	agentID   string
	startedAt time.Time
	respCh    chan *types.AgentResponse
	cancelCh  chan struct{}
	lostCh    chan struct{}
	cancelOnce sync.Once
	lostOnce   sync.Once
}

func (x *execution) cancel() {
	x.cancelOnce.Do(func() { close(x.cancelCh) })
}

func (x *execution) markLost() {
	x.lostOnce.Do(func() { close(x.lostCh) })
}

// Orchestrator matches tasks to agents and supervises their execution.
type Orchestrator struct {
	store   *storage.Engine
	agents  *agent.Registry
	locks   *security.LockManager
	broker  *events.Broker
	deliver Deliverer
	cfg     Config
	logger  zerolog.Logger

	mu         sync.Mutex
	executions map[string]*execution // by execution ID
	byTask     map[string]*execution // by task ID
}

// New creates an orchestrator.
func New(store *storage.Engine, agents *agent.Registry, locks *security.LockManager, broker *events.Broker, deliver Deliverer, cfg Config) *Orchestrator {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyIntelligentHybrid
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	if cfg.MaxPendingExecutions <= 0 {
		cfg.MaxPendingExecutions = defaultMaxPendingExecutions
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaultExecutionTimeout
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	return &Orchestrator{
		store:      store,
		agents:     agents,
		locks:      locks,
		broker:     broker,
		deliver:    deliver,
		cfg:        cfg,
		logger:     log.WithComponent("orchestrator"),
		executions: make(map[string]*execution),
		byTask:     make(map[string]*execution),
	}
}

// FindBestAgent ranks the registered agents for a task under the configured
// strategy. Returns nil when no agent qualifies.
func (o *Orchestrator) FindBestAgent(task *types.AtomicTask) *types.Agent {
	id := selectAgent(o.cfg.Strategy, o.agents.List(), task, o.cfg.Weights)
	if id == "" {
		return nil
	}
	a, err := o.agents.Get(id)
	if err != nil {
		return nil
	}
	return a
}

// ExecuteOptions modify one execution.
type ExecuteOptions struct {
	// Force waives the dependency-satisfaction check.
	Force bool
	// Timeout overrides the configured execution timeout.
	Timeout time.Duration
}

// ExecuteTask runs the assignment pipeline: validate, lock, select,
// enqueue, deliver, await. The call blocks until the agent responds, the
// caller cancels, the timeout lapses or the agent is lost.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task *types.AtomicTask, opts ExecuteOptions) (*ExecutionResult, error) {
	started := time.Now()

	if err := o.validate(task, opts.Force); err != nil {
		metrics.DispatchTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	handle, err := o.locks.Acquire("task:"+task.ID, orchestratorOwner, o.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer o.locks.Release(handle)

	selected := o.FindBestAgent(task)
	metrics.SchedulingLatency.Observe(time.Since(started).Seconds())
	if selected == nil {
		metrics.DispatchTotal.WithLabelValues("queued").Inc()
		return &ExecutionResult{
			Status:  "queued",
			Queued:  true,
			Message: "no agent available, task queued for later assignment",
		}, nil
	}

	exec, err := o.track(task.ID, selected.ID)
	if err != nil {
		return nil, err
	}
	defer o.untrack(exec)

	assignment := &types.Assignment{
		ID:         exec.id,
		TaskID:     task.ID,
		AgentID:    selected.ID,
		State:      types.AssignmentQueued,
		AcceptedAt: time.Now(),
	}

	o.broker.Publish(&events.Event{
		Type: events.EventAssignment,
		ID:   task.ID,
		Metadata: map[string]string{
			"agentId":     selected.ID,
			"executionId": exec.id,
		},
	})

	desc := descriptorFor(task)
	if err := o.agents.Enqueue(selected.ID, desc); err != nil {
		metrics.DispatchTotal.WithLabelValues("queue_full").Inc()
		return nil, err
	}
	if err := o.agents.AssignTask(selected.ID, task.ID); err != nil {
		return nil, err
	}

	task.AgentID = selected.ID
	task.Status = types.TaskStatusInProgress
	if task.Metadata == nil {
		task.Metadata = &types.TaskMetadata{}
	}
	task.Metadata.StartedAt = time.Now()
	if err := o.store.UpdateTask(task); err != nil {
		o.logger.Error().Str("task_id", task.ID).Err(err).Msg("persisting assignment failed")
	}

	if err := o.deliver.Deliver(ctx, selected, desc); err != nil {
		o.logger.Warn().Str("task_id", task.ID).Str("agent_id", selected.ID).Err(err).Msg("task delivery failed")
		o.releaseAssignment(selected.ID, task)
		metrics.DispatchTotal.WithLabelValues("delivery_failed").Inc()
		assignment.State = types.AssignmentFailed
		return &ExecutionResult{
			Status:     "failed",
			Message:    "Task delivery failed",
			Assignment: assignment,
			Metadata:   ExecutionMetadata{ExecutionID: exec.id, TotalDurationMS: time.Since(started).Milliseconds()},
		}, nil
	}
	assignment.State = types.AssignmentDelivered
	metrics.DispatchTotal.WithLabelValues("delivered").Inc()

	return o.await(ctx, exec, assignment, task, selected, started, opts)
}

// await blocks until the execution resolves one way or another.
func (o *Orchestrator) await(ctx context.Context, exec *execution, assignment *types.Assignment, task *types.AtomicTask, a *types.Agent, started time.Time, opts ExecuteOptions) (*ExecutionResult, error) {
	timeout := o.cfg.ExecutionTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	meta := func() ExecutionMetadata {
		return ExecutionMetadata{ExecutionID: exec.id, TotalDurationMS: time.Since(started).Milliseconds()}
	}

	select {
	case resp := <-exec.respCh:
		status := "completed"
		assignment.State = types.AssignmentCompleted
		if resp.Status == types.ResponseError {
			status = "failed"
			assignment.State = types.AssignmentFailed
		}
		return &ExecutionResult{
			Status:     status,
			Assignment: assignment,
			Result:     resp,
			Metadata:   meta(),
		}, nil

	case <-exec.cancelCh:
		o.releaseAssignment(a.ID, task)
		if err := o.deliver.CancelDelivery(a, task.ID); err != nil {
			o.logger.Debug().Str("task_id", task.ID).Err(err).Msg("cancel frame not delivered")
		}
		assignment.State = types.AssignmentCancelled
		return &ExecutionResult{Status: "cancelled", Assignment: assignment, Metadata: meta()}, nil

	case <-ctx.Done():
		o.releaseAssignment(a.ID, task)
		if err := o.deliver.CancelDelivery(a, task.ID); err != nil {
			o.logger.Debug().Str("task_id", task.ID).Err(err).Msg("cancel frame not delivered")
		}
		assignment.State = types.AssignmentCancelled
		return &ExecutionResult{Status: "cancelled", Assignment: assignment, Metadata: meta()}, nil

	case <-exec.lostCh:
		o.requeueTask(task)
		assignment.State = types.AssignmentFailed
		return &ExecutionResult{
			Status:     "failed",
			Message:    "agent_lost",
			Assignment: assignment,
			Metadata:   meta(),
		}, nil

	case <-timer.C:
		o.releaseAssignment(a.ID, task)
		assignment.State = types.AssignmentTimedOut
		o.broker.Publish(&events.Event{
			Type: events.EventTaskFailed,
			ID:   task.ID,
			Metadata: map[string]string{
				"reason":  "timeout",
				"agentId": a.ID,
			},
		})
		return &ExecutionResult{Status: "timed_out", Assignment: assignment, Metadata: meta()}, nil
	}
}

// validate applies the pre-dispatch checks.
func (o *Orchestrator) validate(task *types.AtomicTask, force bool) error {
	if task == nil || task.ID == "" {
		return errdef.New(errdef.KindValidation, "task id is empty")
	}
	if _, err := o.store.GetProject(task.ProjectID); err != nil {
		return errdef.Wrap(errdef.KindValidation, err, "task %s references unknown project", task.ID)
	}
	if force {
		return nil
	}
	for _, depID := range task.DependencyIDs {
		dep, err := o.store.GetTask(depID)
		if err != nil {
			return errdef.Wrap(errdef.KindValidation, err, "task %s dependency", task.ID)
		}
		if dep.Status != types.TaskStatusCompleted {
			return errdef.New(errdef.KindConflict, "task %s blocked by incomplete dependency %s", task.ID, depID)
		}
	}
	return nil
}

// track registers an execution, enforcing the pending bound.
func (o *Orchestrator) track(taskID, agentID string) (*execution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.executions) >= o.cfg.MaxPendingExecutions {
		o.broker.Publish(&events.Event{
			Type:    events.EventBackpressure,
			Message: "pending execution limit reached",
		})
		return nil, errdef.New(errdef.KindRateLimited, "pending execution limit %d reached", o.cfg.MaxPendingExecutions)
	}
	if _, exists := o.byTask[taskID]; exists {
		return nil, errdef.New(errdef.KindConflict, "task %s is already executing", taskID)
	}

	exec := &execution{
		id:        uuid.New().String(),
		taskID:    taskID,
		agentID:   agentID,
		startedAt: time.Now(),
		respCh:    make(chan *types.AgentResponse, 1),
		cancelCh:  make(chan struct{}),
		lostCh:    make(chan struct{}),
	}
	o.executions[exec.id] = exec
	o.byTask[taskID] = exec
	return exec, nil
}

func (o *Orchestrator) untrack(exec *execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.executions, exec.id)
	delete(o.byTask, exec.taskID)
}

// ResolveTask hands an agent response to the awaiting execution. Returns
// false when nothing is waiting on the task.
func (o *Orchestrator) ResolveTask(taskID string, resp *types.AgentResponse) bool {
	o.mu.Lock()
	exec, exists := o.byTask[taskID]
	o.mu.Unlock()
	if !exists {
		return false
	}
	select {
	case exec.respCh <- resp:
		return true
	default:
		return false
	}
}

// CancelExecution requests cancellation of an in-flight execution.
func (o *Orchestrator) CancelExecution(executionID string) error {
	o.mu.Lock()
	exec, exists := o.executions[executionID]
	o.mu.Unlock()
	if !exists {
		return errdef.New(errdef.KindNotFound, "execution not found: %s", executionID)
	}
	exec.cancel()
	return nil
}

// ExecutionForTask returns the execution ID awaiting a task, if any.
func (o *Orchestrator) ExecutionForTask(taskID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, exists := o.byTask[taskID]
	if !exists {
		return "", false
	}
	return exec.id, true
}

// CancelAll aborts every pending execution. Used on shutdown so blocked
// ExecuteTask calls return promptly.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	pending := make([]*execution, 0, len(o.executions))
	for _, exec := range o.executions {
		pending = append(pending, exec)
	}
	o.mu.Unlock()
	for _, exec := range pending {
		exec.cancel()
	}
}

// PendingExecutions returns the number of in-flight executions.
func (o *Orchestrator) PendingExecutions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.executions)
}

// OnAgentOffline aborts every execution owned by a departed agent. Wired to
// agent.offline events by the manager.
func (o *Orchestrator) OnAgentOffline(agentID string) {
	o.mu.Lock()
	var lost []*execution
	for _, exec := range o.executions {
		if exec.agentID == agentID {
			lost = append(lost, exec)
		}
	}
	o.mu.Unlock()

	for _, exec := range lost {
		exec.markLost()
	}
}

// releaseAssignment undoes queue and status effects of a failed dispatch.
func (o *Orchestrator) releaseAssignment(agentID string, task *types.AtomicTask) {
	o.agents.RemoveQueued(agentID, task.ID)
	if err := o.agents.CompleteTask(agentID, task.ID, 0, false); err != nil {
		o.logger.Debug().Str("task_id", task.ID).Err(err).Msg("clearing assignment")
	}
	o.requeueTask(task)
}

// requeueTask returns a task to the unassigned pending state.
func (o *Orchestrator) requeueTask(task *types.AtomicTask) {
	task.AgentID = ""
	task.Status = types.TaskStatusPending
	if err := o.store.UpdateTask(task); err != nil {
		o.logger.Error().Str("task_id", task.ID).Err(err).Msg("requeueing task failed")
	}
}

func descriptorFor(task *types.AtomicTask) *types.TaskDescriptor {
	return &types.TaskDescriptor{
		TaskID:             task.ID,
		ProjectID:          task.ProjectID,
		Title:              task.Title,
		Description:        task.Description,
		Type:               task.Type,
		Priority:           task.Priority,
		FilePaths:          task.FilePaths,
		AcceptanceCriteria: task.AcceptanceCriteria,
	}
}

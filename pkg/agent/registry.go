package agent

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/events"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/metrics"
	"github.com/tasklab/foreman/pkg/types"
)

const (
	defaultHeartbeatTimeout = 90 * time.Second
	defaultSweepInterval    = 15 * time.Second
	defaultBacklogFactor    = 3
	defaultMaxConcurrent    = 1
)

// Config tunes the registry's liveness sweeper and queue bounds.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	// BacklogFactor bounds each agent's queue at
	// maxConcurrentTasks * BacklogFactor.
	BacklogFactor int
}

// Registry tracks registered agents, their per-agent task queues and their
// liveness. A background sweeper marks agents offline when heartbeats lapse
// and hands their queued work back for rescheduling.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*types.Agent
	queues map[string][]*types.TaskDescriptor

	cfg    Config
	broker *events.Broker
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates an agent registry. The broker may be nil in tests.
func NewRegistry(cfg Config, broker *events.Broker) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.BacklogFactor <= 0 {
		cfg.BacklogFactor = defaultBacklogFactor
	}
	return &Registry{
		agents: make(map[string]*types.Agent),
		queues: make(map[string][]*types.TaskDescriptor),
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("agents"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the heartbeat sweeper.
func (r *Registry) Start() {
	go r.sweepLoop()
}

// Stop halts the sweeper. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Register adds an agent. A duplicate ID fails with already_exists unless
// force is set, in which case the prior registration is replaced and its
// queue preserved.
func (r *Registry) Register(a *types.Agent, force bool) error {
	if a.ID == "" {
		return errdef.New(errdef.KindValidation, "agent id is empty")
	}
	if a.MaxConcurrentTasks <= 0 {
		a.MaxConcurrentTasks = defaultMaxConcurrent
	}

	r.mu.Lock()
	if _, exists := r.agents[a.ID]; exists && !force {
		r.mu.Unlock()
		return errdef.New(errdef.KindAlreadyExists, "agent already registered: %s", a.ID)
	}
	now := time.Now()
	a.RegisteredAt = now
	a.LastHeartbeat = now
	a.LastActiveAt = now
	if a.Status == "" {
		a.Status = types.AgentStatusIdle
	}
	if a.Performance == nil {
		a.Performance = &types.AgentPerformance{SuccessRate: 1.0}
	}
	r.agents[a.ID] = a
	if _, exists := r.queues[a.ID]; !exists {
		r.queues[a.ID] = nil
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type: events.EventAgentRegistered,
			ID:   a.ID,
			Metadata: map[string]string{
				"transport": string(a.Transport),
			},
		})
	}
	r.logger.Info().Str("agent_id", a.ID).Str("transport", string(a.Transport)).Msg("agent registered")
	return nil
}

// Unregister removes an agent. Its queued descriptors are handed back via
// task.requeued events.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	_, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return errdef.New(errdef.KindNotFound, "agent not found: %s", id)
	}
	queued := r.queues[id]
	delete(r.agents, id)
	delete(r.queues, id)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.requeue(id, queued)
	return nil
}

// Get returns a copy of the agent.
func (r *Registry) Get(id string) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, exists := r.agents[id]
	if !exists {
		return nil, errdef.New(errdef.KindNotFound, "agent not found: %s", id)
	}
	return cloneAgent(a), nil
}

// List returns copies of all agents.
func (r *Registry) List() []*types.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, cloneAgent(a))
	}
	return out
}

// Heartbeat refreshes an agent's liveness stamp. A heartbeat from an
// offline agent brings it back as idle.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, exists := r.agents[id]
	if !exists {
		return errdef.New(errdef.KindNotFound, "agent not found: %s", id)
	}
	a.LastHeartbeat = time.Now()
	if a.Status == types.AgentStatusOffline {
		a.Status = types.AgentStatusIdle
		r.updateGaugesLocked()
	}
	return nil
}

// Enqueue appends a descriptor to the agent's FIFO queue. The queue is
// bounded at maxConcurrentTasks * backlogFactor; overflow fails with
// conflict so the caller can pick another agent or queue globally.
func (r *Registry) Enqueue(agentID string, desc *types.TaskDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.agents[agentID]
	if !exists {
		return errdef.New(errdef.KindNotFound, "agent not found: %s", agentID)
	}
	bound := a.MaxConcurrentTasks * r.cfg.BacklogFactor
	if len(r.queues[agentID]) >= bound {
		return errdef.New(errdef.KindConflict, "queue full for agent %s", agentID)
	}
	desc.EnqueuedAt = time.Now()
	r.queues[agentID] = append(r.queues[agentID], desc)
	return nil
}

// Dequeue pops the head of the agent's queue. An empty queue returns nil
// without error.
func (r *Registry) Dequeue(agentID string) (*types.TaskDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; !exists {
		return nil, errdef.New(errdef.KindNotFound, "agent not found: %s", agentID)
	}
	q := r.queues[agentID]
	if len(q) == 0 {
		return nil, nil
	}
	head := q[0]
	r.queues[agentID] = q[1:]
	return head, nil
}

// QueueDepth returns the number of descriptors waiting for the agent.
func (r *Registry) QueueDepth(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[agentID])
}

// RemoveQueued deletes a queued descriptor by task ID. Used when a queued
// execution is cancelled or migrated. Returns true when found.
func (r *Registry) RemoveQueued(agentID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[agentID]
	for i, d := range q {
		if d.TaskID == taskID {
			r.queues[agentID] = append(q[:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// AssignTask records a task as in flight on the agent and marks it busy
// when it reaches capacity.
func (r *Registry) AssignTask(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.agents[agentID]
	if !exists {
		return errdef.New(errdef.KindNotFound, "agent not found: %s", agentID)
	}
	a.CurrentTasks = append(a.CurrentTasks, taskID)
	a.LastActiveAt = time.Now()
	if len(a.CurrentTasks) >= a.MaxConcurrentTasks {
		a.Status = types.AgentStatusBusy
	}
	r.updateGaugesLocked()
	return nil
}

// CompleteTask clears a task from the agent's in-flight set and folds the
// outcome into its performance record.
func (r *Registry) CompleteTask(agentID, taskID string, elapsed time.Duration, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.agents[agentID]
	if !exists {
		return errdef.New(errdef.KindNotFound, "agent not found: %s", agentID)
	}
	for i, id := range a.CurrentTasks {
		if id == taskID {
			a.CurrentTasks = append(a.CurrentTasks[:i], a.CurrentTasks[i+1:]...)
			break
		}
	}
	if a.Status == types.AgentStatusBusy && len(a.CurrentTasks) < a.MaxConcurrentTasks {
		a.Status = types.AgentStatusIdle
	}
	a.LastActiveAt = time.Now()

	perf := a.Performance
	total := float64(perf.TasksCompleted)
	perf.AvgCompletionMS = (perf.AvgCompletionMS*total + float64(elapsed.Milliseconds())) / (total + 1)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	perf.SuccessRate = (perf.SuccessRate*total + outcome) / (total + 1)
	perf.TasksCompleted++
	perf.LastActive = a.LastActiveAt

	r.updateGaugesLocked()
	return nil
}

// SetStatus forces an agent's status. Used by transports on connection
// errors.
func (r *Registry) SetStatus(id string, status types.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, exists := r.agents[id]
	if !exists {
		return errdef.New(errdef.KindNotFound, "agent not found: %s", id)
	}
	a.Status = status
	r.updateGaugesLocked()
	return nil
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// Sweep marks agents offline when their heartbeat lapsed and requeues their
// pending work. Exported so tests and the manager can trigger it directly.
func (r *Registry) Sweep(now time.Time) {
	type lapsed struct {
		id     string
		queued []*types.TaskDescriptor
		tasks  []string
	}
	var gone []lapsed

	r.mu.Lock()
	for id, a := range r.agents {
		if a.Status == types.AgentStatusOffline {
			continue
		}
		if now.Sub(a.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			a.Status = types.AgentStatusOffline
			gone = append(gone, lapsed{id: id, queued: r.queues[id], tasks: append([]string(nil), a.CurrentTasks...)})
			r.queues[id] = nil
			a.CurrentTasks = nil
		}
	}
	if len(gone) > 0 {
		r.updateGaugesLocked()
	}
	r.mu.Unlock()

	for _, l := range gone {
		r.logger.Warn().Str("agent_id", l.id).Int("queued", len(l.queued)).Int("in_flight", len(l.tasks)).Msg("agent heartbeat lapsed, marking offline")
		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type: events.EventAgentOffline,
				ID:   l.id,
			})
			for _, taskID := range l.tasks {
				r.broker.Publish(&events.Event{
					Type: events.EventTaskRequeued,
					ID:   taskID,
					Metadata: map[string]string{
						"agentId": l.id,
						"reason":  "agent_offline",
					},
				})
			}
		}
		r.requeue(l.id, l.queued)
	}
}

// requeue publishes task.requeued for every descriptor that was waiting on
// a departed agent.
func (r *Registry) requeue(agentID string, queued []*types.TaskDescriptor) {
	if r.broker == nil {
		return
	}
	for _, desc := range queued {
		r.broker.Publish(&events.Event{
			Type:  events.EventTaskRequeued,
			ID:    desc.TaskID,
			Value: desc,
			Metadata: map[string]string{
				"agentId": agentID,
				"reason":  "agent_offline",
			},
		})
	}
}

func (r *Registry) updateGaugesLocked() {
	counts := map[types.AgentStatus]int{
		types.AgentStatusIdle:    0,
		types.AgentStatusBusy:    0,
		types.AgentStatusOffline: 0,
		types.AgentStatusError:   0,
	}
	for _, a := range r.agents {
		counts[a.Status]++
	}
	for status, n := range counts {
		metrics.AgentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func cloneAgent(a *types.Agent) *types.Agent {
	c := *a
	c.CurrentTasks = append([]string(nil), a.CurrentTasks...)
	if a.Performance != nil {
		p := *a.Performance
		c.Performance = &p
	}
	return &c
}

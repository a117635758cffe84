package jobs

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/metrics"
	"github.com/tasklab/foreman/pkg/types"
)

const (
	defaultPollMinInterval = 1 * time.Second
	defaultPollMaxInterval = 5 * time.Second
)

// ErrMissingResult is returned when a job reached a terminal state without a
// recorded result payload.
var ErrMissingResult = errdef.New(errdef.KindInternal, "job finished without a result")

// Registry tracks long-running jobs from creation to result pickup. For
// atomic task executions the job ID equals the task ID. Poll pressure is
// absorbed by a per-job backoff that grows from 1s to 5s while the job runs
// and drops to zero once it is terminal.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry

	retention     time.Duration
	sweepInterval time.Duration
	pollMin       time.Duration
	pollMax       time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	logger        zerolog.Logger
}

type jobEntry struct {
	job          *types.Job
	pollInterval time.Duration
	nextPollAt   time.Time
}

// Config tunes registry retention and the poll backoff curve.
type Config struct {
	Retention       time.Duration // how long terminal jobs stay visible
	SweepInterval   time.Duration
	PollMinInterval time.Duration // backoff start, doubled per honoured poll
	PollMaxInterval time.Duration // backoff ceiling
}

// NewRegistry creates a job registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.PollMinInterval <= 0 {
		cfg.PollMinInterval = defaultPollMinInterval
	}
	if cfg.PollMaxInterval < cfg.PollMinInterval {
		cfg.PollMaxInterval = defaultPollMaxInterval
	}
	return &Registry{
		jobs:          make(map[string]*jobEntry),
		retention:     cfg.Retention,
		sweepInterval: cfg.SweepInterval,
		pollMin:       cfg.PollMinInterval,
		pollMax:       cfg.PollMaxInterval,
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("jobs"),
	}
}

// Start launches the eviction sweeper.
func (r *Registry) Start() {
	go r.sweepLoop()
}

// Stop halts the sweeper. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Create registers a new job in the running state. Creating an ID that
// already exists fails with already_exists; callers that retry an invocation
// reuse the existing job instead.
func (r *Registry) Create(id, toolName string, params map[string]any) (*types.Job, error) {
	if id == "" {
		return nil, errdef.New(errdef.KindValidation, "job id is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[id]; exists {
		return nil, errdef.New(errdef.KindAlreadyExists, "job already exists: %s", id)
	}
	now := time.Now()
	job := &types.Job{
		ID:             id,
		ToolName:       toolName,
		Params:         params,
		Status:         types.JobStatusRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}
	r.jobs[id] = &jobEntry{
		job:          job,
		pollInterval: r.pollMin,
		nextPollAt:   now, // first poll is always honoured
	}
	metrics.JobsActive.Inc()
	return cloneJob(job), nil
}

// SetProgress updates the progress message. Repeating the same message is a
// no-op, so periodic reporters do not churn UpdatedAt. Progress on a
// terminal job is ignored.
func (r *Registry) SetProgress(id, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.jobs[id]
	if !exists {
		return errdef.New(errdef.KindNotFound, "job not found: %s", id)
	}
	if entry.job.Status.Terminal() || entry.job.Progress == message {
		return nil
	}
	entry.job.Progress = message
	entry.job.UpdatedAt = time.Now()
	return nil
}

// SetResult records the terminal outcome. The first result wins: once a job
// is terminal, later results are ignored.
func (r *Registry) SetResult(id string, status types.JobStatus, result map[string]any) error {
	if !status.Terminal() {
		return errdef.New(errdef.KindValidation, "result status %s is not terminal", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.jobs[id]
	if !exists {
		return errdef.New(errdef.KindNotFound, "job not found: %s", id)
	}
	if entry.job.Status.Terminal() {
		return nil
	}
	now := time.Now()
	entry.job.Status = status
	entry.job.Result = result
	entry.job.UpdatedAt = now
	entry.job.CompletedAt = now
	metrics.JobsActive.Dec()
	return nil
}

// Get returns the job without rate-limit accounting.
func (r *Registry) Get(id string) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.jobs[id]
	if !exists {
		return nil, errdef.New(errdef.KindNotFound, "job not found: %s", id)
	}
	return cloneJob(entry.job), nil
}

// GetWithRateLimit is the polling entry point. While the job runs, polls
// faster than the current backoff are told to wait; each honoured poll
// doubles the backoff up to the ceiling and refreshes LastAccessedAt.
// Terminal jobs are always served immediately with zero wait. A terminal
// job without a result fails with ErrMissingResult.
func (r *Registry) GetWithRateLimit(id string) (job *types.Job, shouldWait bool, waitTime time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.jobs[id]
	if !exists {
		return nil, false, 0, errdef.New(errdef.KindNotFound, "job not found: %s", id)
	}

	if entry.job.Status.Terminal() {
		if entry.job.Result == nil {
			return nil, false, 0, ErrMissingResult
		}
		entry.job.LastAccessedAt = time.Now()
		return cloneJob(entry.job), false, 0, nil
	}

	now := time.Now()
	if now.Before(entry.nextPollAt) {
		// A denied poll carries only the wait signal: no job data, no
		// LastAccessedAt refresh.
		return nil, true, entry.nextPollAt.Sub(now), nil
	}

	entry.job.LastAccessedAt = now
	entry.nextPollAt = now.Add(entry.pollInterval)
	entry.pollInterval *= 2
	if entry.pollInterval > r.pollMax {
		entry.pollInterval = r.pollMax
	}
	return cloneJob(entry.job), false, 0, nil
}

// List returns a snapshot of all jobs.
func (r *Registry) List() []*types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Job, 0, len(r.jobs))
	for _, entry := range r.jobs {
		out = append(out, cloneJob(entry.job))
	}
	return out
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// sweep evicts terminal jobs past retention. Running jobs are never evicted;
// their lifetime is bounded by execution timeouts upstream.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.jobs {
		if !entry.job.Status.Terminal() {
			continue
		}
		if now.Sub(entry.job.CompletedAt) > r.retention {
			delete(r.jobs, id)
			r.logger.Debug().Str("job_id", id).Msg("evicted expired job")
		}
	}
}

func cloneJob(j *types.Job) *types.Job {
	c := *j
	return &c
}

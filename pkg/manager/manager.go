package manager

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/agent"
	"github.com/tasklab/foreman/pkg/config"
	"github.com/tasklab/foreman/pkg/decompose"
	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/events"
	"github.com/tasklab/foreman/pkg/jobs"
	"github.com/tasklab/foreman/pkg/llm"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/metrics"
	"github.com/tasklab/foreman/pkg/notify"
	"github.com/tasklab/foreman/pkg/orchestrator"
	"github.com/tasklab/foreman/pkg/response"
	"github.com/tasklab/foreman/pkg/security"
	"github.com/tasklab/foreman/pkg/storage"
	"github.com/tasklab/foreman/pkg/transport"
	"github.com/tasklab/foreman/pkg/types"
)

const rebalanceInterval = time.Minute

// Manager assembles and supervises every subsystem: storage, security,
// agents, jobs, decomposition, orchestration, response processing and the
// transport layer. It is the only package that knows the full wiring.
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	broker     *events.Broker
	store      *storage.Engine
	locks      *security.LockManager
	audit      *security.AuditLogger
	paths      *security.PathValidator
	sanitizer  *security.Sanitizer
	auth       *security.Authenticator
	agents     *agent.Registry
	jobs       *jobs.Registry
	hub        *notify.Hub
	decomposer *decompose.Engine
	orch       *orchestrator.Orchestrator
	processor  *response.Processor
	transports *transport.Manager

	mu      sync.Mutex
	started bool
	stopped bool
	sub     events.Subscriber
	stopCh  chan struct{}
	wg      sync.WaitGroup
	execWG  sync.WaitGroup

	// task status bookkeeping for the gauge, fed by entity events
	statusMu   sync.Mutex
	taskStatus map[string]types.TaskStatus
}

// New builds the full system from configuration. A nil model client falls
// back to the configured LLM endpoint; decomposition fails cleanly when
// neither is available.
func New(cfg *config.Config, client llm.Client) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	audit := security.NewAuditLogger(0, broker)
	locks := security.NewLockManager(cfg.Timeouts.Lock)
	paths := security.NewPathValidator(security.PathValidatorConfig{
		AllowedRoots:      cfg.Security.AllowedDirectories,
		AllowSymlinks:     cfg.Security.AllowSymlinks,
		AllowedExtensions: cfg.Security.AllowedExtensions,
	}, audit)
	sanitizer := security.NewSanitizer(audit)
	auth := security.NewAuthenticator(nil, 0, audit)

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	engineCfg := storage.EngineConfig{}
	if cfg.Cache.Enabled {
		engineCfg.CacheMaxSize = cfg.Cache.MaxSize
		engineCfg.CacheTTL = cfg.Cache.TTL
	}
	store := storage.NewEngine(backend, locks, broker, engineCfg)

	agents := agent.NewRegistry(agent.Config{
		HeartbeatTimeout: cfg.Agent.HeartbeatTimeout,
		SweepInterval:    cfg.Agent.SweepInterval,
		BacklogFactor:    cfg.Agent.BacklogFactor,
	}, broker)
	jobRegistry := jobs.NewRegistry(jobs.Config{
		Retention:       cfg.Job.Retention,
		PollMinInterval: cfg.Job.PollMinInterval,
		PollMaxInterval: cfg.Job.PollMaxInterval,
	})
	hub := notify.NewHub(0)

	if client == nil && cfg.LLM.Endpoint != "" {
		client = llm.NewHTTPClient(cfg.LLM.Endpoint, cfg.LLM.Model, os.Getenv(cfg.LLM.APIKeyEnv), cfg.Timeouts.LLM)
	}
	decomposer := decompose.NewEngine(client, decompose.Config{
		ChunkSize:           cfg.Decomposition.ChunkSize,
		AtomicHourCeiling:   cfg.Decomposition.AtomicHourCeiling,
		ConfidenceThreshold: cfg.Decomposition.ConfidenceThreshold,
		WorkerPoolSize:      cfg.Decomposition.WorkerPoolSize,
	})

	transports := transport.NewManager()
	orch := orchestrator.New(store, agents, locks, broker, transports, orchestrator.Config{
		Strategy: orchestrator.Strategy(cfg.Orchestrator.Strategy),
		Weights: orchestrator.Weights{
			Capability:   cfg.Orchestrator.Weights.Capability,
			Performance:  cfg.Orchestrator.Weights.Performance,
			Availability: cfg.Orchestrator.Weights.Availability,
		},
		MaxPendingExecutions: cfg.Orchestrator.MaxPendingExecutions,
		ExecutionTimeout:     cfg.Timeouts.TaskExecution,
		LockTimeout:          cfg.Timeouts.Lock,
	})
	processor := response.New(store, agents, jobRegistry, hub, broker, orch)

	m := &Manager{
		cfg:        cfg,
		logger:     log.WithComponent("manager"),
		broker:     broker,
		store:      store,
		locks:      locks,
		audit:      audit,
		paths:      paths,
		sanitizer:  sanitizer,
		auth:       auth,
		agents:     agents,
		jobs:       jobRegistry,
		hub:        hub,
		decomposer: decomposer,
		orch:       orch,
		processor:  processor,
		transports: transports,
		stopCh:     make(chan struct{}),
		taskStatus: make(map[string]types.TaskStatus),
	}

	if err := transports.Configure(cfg.Transport, cfg.Security.Mode == "strict", transport.Deps{
		Agents:    agents,
		Processor: processor,
		Jobs:      jobRegistry,
		Hub:       hub,
		Auth:      auth,
		Shutdown:  m.shutdownFromAdmin,
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func openBackend(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "bolt":
		return storage.NewBoltStore(cfg.DataDir)
	case "memory":
		return storage.NewMemStore(), nil
	default:
		return storage.NewFileStore(cfg.DataDir)
	}
}

// Start brings the system up. Calling it on a running manager is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if m.stopped {
		return errdef.New(errdef.KindInternal, "manager cannot be restarted after stop")
	}

	m.broker.Start()
	m.agents.Start()
	m.jobs.Start()

	m.sub = m.broker.Subscribe()
	m.wg.Add(2)
	go m.eventLoop()
	go m.rebalanceLoop()

	if err := m.transports.StartAll(); err != nil {
		m.stopLocked(context.Background())
		m.stopped = true
		return err
	}
	m.started = true
	m.logger.Info().Str("config", m.cfg.String()).Msg("foreman started")
	return nil
}

// Stop takes the system down in reverse start order. Safe to call more
// than once.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	err := m.stopLocked(ctx)
	m.started = false
	m.stopped = true
	return err
}

func (m *Manager) stopLocked(ctx context.Context) error {
	stopErr := m.transports.StopAll(ctx)

	// Unblock dispatches still waiting on agent responses.
	m.orch.CancelAll()
	m.execWG.Wait()

	close(m.stopCh)
	if m.sub != nil {
		m.broker.Unsubscribe(m.sub)
	}
	m.wg.Wait()

	m.agents.Stop()
	m.jobs.Stop()
	m.broker.Stop()
	if err := m.store.Close(); err != nil && stopErr == nil {
		stopErr = err
	}
	m.logger.Info().Msg("foreman stopped")
	return stopErr
}

func (m *Manager) shutdownFromAdmin() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		m.logger.Error().Err(err).Msg("admin shutdown")
	}
}

// eventLoop reacts to broker events: lost agents unblock their waiting
// executions, and task entity changes keep the status gauge current.
func (m *Manager) eventLoop() {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-m.sub:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) handleEvent(ev *events.Event) {
	switch ev.Type {
	case events.EventAgentOffline:
		m.orch.OnAgentOffline(ev.ID)
	case events.EventTaskRequeued:
		// Requeued tasks return to pending; the next dispatch or the
		// rebalancer picks them up.
		m.logger.Info().Str("task_id", ev.ID).Str("reason", ev.Metadata["reason"]).Msg("task requeued")
	case events.EventEntityCreated, events.EventEntityUpdated, events.EventEntityDeleted:
		if ev.Entity == "task" {
			m.trackTaskStatus(ev)
		}
	case events.EventBackpressure:
		m.logger.Warn().Str("task_id", ev.ID).Msg("execution backpressure")
	}
}

func (m *Manager) trackTaskStatus(ev *events.Event) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	prior, known := m.taskStatus[ev.ID]
	if known {
		metrics.TasksByStatus.WithLabelValues(string(prior)).Dec()
		delete(m.taskStatus, ev.ID)
	}
	if ev.Type == events.EventEntityDeleted {
		return
	}
	task, ok := ev.Value.(*types.AtomicTask)
	if !ok {
		return
	}
	m.taskStatus[ev.ID] = task.Status
	metrics.TasksByStatus.WithLabelValues(string(task.Status)).Inc()
}

// rebalanceLoop periodically evens out queued work across online agents.
func (m *Manager) rebalanceLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(rebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			moves := m.orch.RebalanceWorkload(m.cfg.Orchestrator.WorkloadBalanceThreshold)
			if len(moves) > 0 {
				m.logger.Info().Int("moves", len(moves)).Msg("rebalanced queued work")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Accessors for the CLI and tests.

func (m *Manager) Store() *storage.Engine                   { return m.store }
func (m *Manager) Agents() *agent.Registry                  { return m.agents }
func (m *Manager) Jobs() *jobs.Registry                     { return m.jobs }
func (m *Manager) Hub() *notify.Hub                         { return m.hub }
func (m *Manager) Orchestrator() *orchestrator.Orchestrator { return m.orch }
func (m *Manager) Processor() *response.Processor           { return m.processor }
func (m *Manager) Transports() *transport.Manager           { return m.transports }
func (m *Manager) Auth() *security.Authenticator            { return m.auth }
func (m *Manager) Audit() *security.AuditLogger             { return m.audit }

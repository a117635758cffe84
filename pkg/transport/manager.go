package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/agent"
	"github.com/tasklab/foreman/pkg/config"
	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/jobs"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/notify"
	"github.com/tasklab/foreman/pkg/response"
	"github.com/tasklab/foreman/pkg/security"
	"github.com/tasklab/foreman/pkg/types"
)

const (
	pushTimeout     = 15 * time.Second
	pushAttempts    = 3
	pushBackoffBase = 250 * time.Millisecond
)

// transportServer is one startable surface.
type transportServer interface {
	Start() error
	Stop(ctx context.Context) error
}

// Status describes one transport for the status surface.
type Status struct {
	Enabled     bool   `json:"enabled"`
	Running     bool   `json:"running"`
	Addr        string `json:"addr,omitempty"`
	Connections int    `json:"connections"`
}

// Deps carries the collaborators the transports are built from.
type Deps struct {
	Agents    *agent.Registry
	Processor *response.Processor
	Jobs      *jobs.Registry
	Hub       *notify.Hub
	Auth      *security.Authenticator
	Shutdown  func()
}

// Manager owns every configured transport and routes outbound task
// delivery by the receiving agent's transport type. It implements the
// orchestrator's Deliverer.
type Manager struct {
	logger zerolog.Logger
	client *http.Client

	mu         sync.Mutex
	configured bool
	running    bool
	cfg        config.TransportConfig
	deps       Deps

	httpSrv  *HTTPServer
	wsSrv    *WSServer
	stdioSrv *StdioServer
	started  []transportServer
}

// NewManager creates an unconfigured manager.
func NewManager() *Manager {
	return &Manager{
		logger: log.WithComponent("transport"),
		client: &http.Client{Timeout: pushTimeout},
	}
}

// Configure builds the enabled transports. Calling it again with the
// manager already configured is a no-op, so supervised restarts cannot
// double-build servers.
func (m *Manager) Configure(cfg config.TransportConfig, strict bool, deps Deps) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configured {
		return nil
	}

	m.cfg = cfg
	m.deps = deps

	if cfg.HTTP.Enabled {
		m.httpSrv = NewHTTPServer(HTTPConfig{
			Addr:        cfg.HTTP.Addr,
			Port:        cfg.HTTP.Port,
			CORS:        cfg.HTTP.CORS,
			RequireAuth: strict,
		}, deps.Agents, deps.Processor, deps.Jobs, deps.Hub, deps.Auth, deps.Shutdown)
	}
	if cfg.WebSocket.Enabled {
		m.wsSrv = NewWSServer(WSConfig{
			Addr: cfg.HTTP.Addr,
			Port: cfg.WebSocket.Port,
			Path: cfg.WebSocket.Path,
		}, deps.Agents, deps.Processor)
	}
	if cfg.Stdio.Enabled {
		m.stdioSrv = NewStdioServer(os.Stdin, os.Stdout, deps.Processor, deps.Jobs)
	}
	m.configured = true
	return nil
}

// StartAll starts every configured transport. The first failure stops the
// ones already started and is returned, so a port collision never leaves a
// half-running transport layer behind.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configured {
		return errdef.New(errdef.KindInternal, "transport manager is not configured")
	}
	if m.running {
		return nil
	}

	servers := []struct {
		name string
		srv  transportServer
	}{
		{"http", m.httpSrv},
		{"websocket", m.wsSrv},
		{"stdio", m.stdioSrv},
	}
	for _, entry := range servers {
		if entry.srv == nil || isNilServer(entry.srv) {
			continue
		}
		if err := entry.srv.Start(); err != nil {
			m.rollbackLocked()
			return errdef.Wrap(errdef.KindTransport, err, "starting %s transport", entry.name)
		}
		m.started = append(m.started, entry.srv)
	}
	m.running = true
	return nil
}

// isNilServer guards against typed-nil interface values.
func isNilServer(s transportServer) bool {
	switch v := s.(type) {
	case *HTTPServer:
		return v == nil
	case *WSServer:
		return v == nil
	case *StdioServer:
		return v == nil
	default:
		return s == nil
	}
}

func (m *Manager) rollbackLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(m.started) - 1; i >= 0; i-- {
		if err := m.started[i].Stop(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("rolling back transport start")
		}
	}
	m.started = nil
}

// StopAll shuts every running transport down.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}

	var firstErr error
	for i := len(m.started) - 1; i >= 0; i-- {
		if err := m.started[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.started = nil
	m.running = false
	return firstErr
}

// StatusAll reports per-transport health.
func (m *Manager) StatusAll() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[string]Status{
		"http":      {Enabled: m.cfg.HTTP.Enabled},
		"websocket": {Enabled: m.cfg.WebSocket.Enabled},
		"sse":       {Enabled: m.cfg.SSE.Enabled},
		"stdio":     {Enabled: m.cfg.Stdio.Enabled},
	}
	if m.httpSrv != nil {
		s := out["http"]
		s.Running = m.running
		s.Addr = fmt.Sprintf("%s:%d", m.cfg.HTTP.Addr, m.cfg.HTTP.Port)
		s.Connections = m.httpSrv.Connections()
		out["http"] = s
		if m.cfg.SSE.Enabled {
			sse := out["sse"]
			sse.Running = m.running
			sse.Connections = m.httpSrv.Connections()
			out["sse"] = sse
		}
	}
	if m.wsSrv != nil {
		s := out["websocket"]
		s.Running = m.running
		s.Addr = fmt.Sprintf("%s:%d%s", m.cfg.HTTP.Addr, m.cfg.WebSocket.Port, m.cfg.WebSocket.Path)
		s.Connections = m.wsSrv.Connections()
		out["websocket"] = s
	}
	if m.stdioSrv != nil {
		s := out["stdio"]
		s.Running = m.running
		out["stdio"] = s
	}
	return out
}

// Deliver routes one task to an agent over its registered transport.
// HTTP agents without a push endpoint and stdio agents pick queued work
// up themselves, so delivery succeeds once the task is queued.
func (m *Manager) Deliver(ctx context.Context, a *types.Agent, desc *types.TaskDescriptor) error {
	switch a.Transport {
	case types.TransportHTTP:
		if a.HTTPEndpoint == "" {
			return nil
		}
		return m.pushWithRetry(ctx, a, "task", desc)
	case types.TransportWebSocket:
		if m.wsSrv == nil {
			return errdef.New(errdef.KindTransport, "websocket transport is not configured")
		}
		return m.wsSrv.Send(a.ID, "task", desc)
	case types.TransportSSE:
		if m.deps.Hub == nil || a.SessionID == "" {
			return errdef.New(errdef.KindTransport, "agent %s has no push session", a.ID)
		}
		return m.deps.Hub.Send(a.SessionID, "taskAssigned", desc)
	case types.TransportStdio:
		return nil
	default:
		return errdef.New(errdef.KindValidation, "unknown transport %q for agent %s", a.Transport, a.ID)
	}
}

// CancelDelivery tells the agent to stop work on a task. Pull transports
// have nothing to cancel once the descriptor left the queue.
func (m *Manager) CancelDelivery(a *types.Agent, taskID string) error {
	payload := map[string]string{"taskId": taskID}
	switch a.Transport {
	case types.TransportWebSocket:
		if m.wsSrv == nil {
			return nil
		}
		return m.wsSrv.Send(a.ID, "cancel", payload)
	case types.TransportSSE:
		if m.deps.Hub == nil || a.SessionID == "" {
			return nil
		}
		return m.deps.Hub.Send(a.SessionID, "taskCancelled", payload)
	case types.TransportHTTP:
		if a.HTTPEndpoint == "" {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		return m.pushHTTP(ctx, a, "cancel", payload)
	default:
		return nil
	}
}

// pushWithRetry retries transient push failures with doubling backoff
// until the attempts or the context run out.
func (m *Manager) pushWithRetry(ctx context.Context, a *types.Agent, kind string, payload any) error {
	backoff := pushBackoffBase
	var err error
	for attempt := 0; attempt < pushAttempts; attempt++ {
		if err = m.pushHTTP(ctx, a, kind, payload); err == nil {
			return nil
		}
		if attempt == pushAttempts-1 {
			break
		}
		m.logger.Debug().Str("agent_id", a.ID).Err(err).Msg("push failed, retrying")
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return errdef.Wrap(errdef.KindCancelled, ctx.Err(), "pushing %s to agent %s", kind, a.ID)
		}
	}
	return err
}

// pushHTTP POSTs a typed payload to the agent's own endpoint.
func (m *Manager) pushHTTP(ctx context.Context, a *types.Agent, kind string, payload any) error {
	body, err := json.Marshal(map[string]any{"type": kind, "payload": payload})
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, err, "encoding %s push", kind)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.HTTPEndpoint, bytes.NewReader(body))
	if err != nil {
		return errdef.Wrap(errdef.KindTransport, err, "building %s push to %s", kind, a.ID)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.HTTPAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.HTTPAuthToken)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return errdef.Wrap(errdef.KindTransport, err, "pushing %s to agent %s", kind, a.ID)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errdef.New(errdef.KindTransport, "agent %s rejected %s push with status %d", a.ID, kind, resp.StatusCode)
	}
	return nil
}

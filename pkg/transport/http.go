package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tasklab/foreman/pkg/agent"
	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/jobs"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/metrics"
	"github.com/tasklab/foreman/pkg/notify"
	"github.com/tasklab/foreman/pkg/response"
	"github.com/tasklab/foreman/pkg/security"
	"github.com/tasklab/foreman/pkg/types"
)

// HTTPConfig tunes the REST surface.
type HTTPConfig struct {
	Addr            string
	Port            int
	CORS            bool
	PollMinInterval time.Duration
	RequireAuth     bool
}

// HTTPServer is the REST transport: agent registration, task pickup,
// response submission, heartbeats, SSE push and the admin surface.
type HTTPServer struct {
	cfg       HTTPConfig
	agents    *agent.Registry
	processor *response.Processor
	jobs      *jobs.Registry
	hub       *notify.Hub
	auth      *security.Authenticator
	shutdown  func()
	logger    zerolog.Logger

	srv       *http.Server
	startedAt time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	conns    int
}

// NewHTTPServer wires the REST surface. shutdown is invoked by the admin
// endpoint; it may be nil.
func NewHTTPServer(cfg HTTPConfig, agents *agent.Registry, processor *response.Processor, jobRegistry *jobs.Registry, hub *notify.Hub, auth *security.Authenticator, shutdown func()) *HTTPServer {
	if cfg.PollMinInterval <= 0 {
		cfg.PollMinInterval = time.Second
	}
	return &HTTPServer{
		cfg:       cfg,
		agents:    agents,
		processor: processor,
		jobs:      jobRegistry,
		hub:       hub,
		auth:      auth,
		shutdown:  shutdown,
		logger:    log.WithComponent("http"),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Router builds the route tree. Exposed for tests.
func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	if s.cfg.CORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Post("/agents/register", s.handleRegister)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/agents/{agentID}/tasks", s.handlePollTasks)
		r.Post("/agents/{agentID}/tasks/{taskID}/response", s.handleResponse)
		r.Get("/agents/{agentID}/status", s.handleAgentStatus)
		r.Post("/agents/{agentID}/heartbeat", s.handleHeartbeat)
		r.Post("/tasks/deliver", s.handleDeliver)
		r.Get("/events", s.handleSSE)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireCapability("admin:shutdown"))
		r.Post("/admin/shutdown", s.handleShutdown)
	})

	return r
}

// Start binds the listener and serves until Stop. Port collisions surface
// as transport errors tagged port_allocation so retries can tell them
// apart.
func (s *HTTPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errdef.Wrap(errdef.KindTransport, err, "port_allocation: binding http on %s", addr)
	}
	s.startedAt = time.Now()
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server exited")
		}
	}()
	s.logger.Info().Str("addr", addr).Msg("http transport listening")
	return nil
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Connections reports active SSE connections.
func (s *HTTPServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// requireAuth validates the bearer token when authentication is on.
func (s *HTTPServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.RequireAuth || s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		session, err := s.auth.ValidateToken(bearerToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

type sessionKey struct{}

func (s *HTTPServer) requireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.cfg.RequireAuth || s.auth == nil {
				next.ServeHTTP(w, r)
				return
			}
			session, err := s.auth.ValidateToken(bearerToken(r))
			if err != nil {
				writeError(w, err)
				return
			}
			if err := s.auth.Authorize(session, capability); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).String(),
	})
}

type registerRequest struct {
	AgentID            string   `json:"agentId"`
	Capabilities       []string `json:"capabilities"`
	HTTPEndpoint       string   `json:"httpEndpoint"`
	HTTPAuthToken      string   `json:"httpAuthToken,omitempty"`
	MaxConcurrentTasks int      `json:"maxConcurrentTasks,omitempty"`
	PollingInterval    int      `json:"pollingInterval,omitempty"` // milliseconds
	Force              bool     `json:"force,omitempty"`
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdef.Wrap(errdef.KindValidation, err, "decoding registration"))
		return
	}

	sessionID := uuid.New().String()
	a := &types.Agent{
		ID:                 req.AgentID,
		Capabilities:       req.Capabilities,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		Transport:          types.TransportHTTP,
		SessionID:          sessionID,
		HTTPEndpoint:       req.HTTPEndpoint,
		HTTPAuthToken:      req.HTTPAuthToken,
	}
	if err := s.agents.Register(a, req.Force); err != nil {
		writeError(w, err)
		return
	}
	s.setPollInterval(req.AgentID, time.Duration(req.PollingInterval)*time.Millisecond)

	resp := map[string]any{
		"success":          true,
		"agentId":          req.AgentID,
		"sessionId":        sessionID,
		"transportType":    "http",
		"pollingEndpoint":  fmt.Sprintf("/agents/%s/tasks", req.AgentID),
		"responseEndpoint": fmt.Sprintf("/agents/%s/tasks/{taskId}/response", req.AgentID),
	}
	if s.cfg.RequireAuth && s.auth != nil {
		session, err := s.auth.Authenticate(req.AgentID, "agent")
		if err != nil {
			writeError(w, err)
			return
		}
		resp["authToken"] = session.Token
	}
	writeJSON(w, http.StatusOK, resp)
}

// setPollInterval pins an agent's poll limiter to its requested cadence.
// The server minimum is a floor; agents cannot register their way past it.
func (s *HTTPServer) setPollInterval(agentID string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	if interval < s.cfg.PollMinInterval {
		interval = s.cfg.PollMinInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters[agentID] = rate.NewLimiter(rate.Every(interval), 2)
}

// limiter returns the poll limiter for one agent.
func (s *HTTPServer) limiter(agentID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, exists := s.limiters[agentID]
	if !exists {
		l = rate.NewLimiter(rate.Every(s.cfg.PollMinInterval), 2)
		s.limiters[agentID] = l
	}
	return l
}

func (s *HTTPServer) handlePollTasks(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if !s.limiter(agentID).Allow() {
		writeError(w, errdef.New(errdef.KindRateLimited, "polling too fast"))
		return
	}

	maxTasks := 1
	if v := r.URL.Query().Get("maxTasks"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxTasks = n
		}
	}

	var tasks []*types.TaskDescriptor
	for len(tasks) < maxTasks {
		desc, err := s.agents.Dequeue(agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		if desc == nil {
			break
		}
		tasks = append(tasks, desc)
	}
	if err := s.agents.Heartbeat(agentID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"agentId":          agentID,
		"tasks":            tasks,
		"remainingInQueue": s.agents.QueueDepth(agentID),
	})
}

type responseRequest struct {
	Status            string                   `json:"status"`
	Response          string                   `json:"response"`
	CompletionDetails *types.CompletionDetails `json:"completionDetails,omitempty"`
}

func (s *HTTPServer) handleResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdef.Wrap(errdef.KindValidation, err, "decoding response"))
		return
	}

	resp := &types.AgentResponse{
		AgentID:           chi.URLParam(r, "agentID"),
		TaskID:            chi.URLParam(r, "taskID"),
		Status:            types.ResponseStatus(req.Status),
		Response:          req.Response,
		CompletionDetails: req.CompletionDetails,
		ReceivedAt:        time.Now(),
	}
	if err := s.processor.Process(resp); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"processedAt": resp.ReceivedAt.Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	a, err := s.agents.Get(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"status":             a.Status,
		"capabilities":       a.Capabilities,
		"transportType":      a.Transport,
		"maxConcurrentTasks": a.MaxConcurrentTasks,
		"currentTasks":       a.CurrentTasks,
		"queueLength":        s.agents.QueueDepth(a.ID),
		"lastSeen":           a.LastHeartbeat.Format(time.RFC3339),
		"registeredAt":       a.RegisteredAt.Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Heartbeat(chi.URLParam(r, "agentID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type deliverRequest struct {
	AgentID     string               `json:"agentId"`
	TaskID      string               `json:"taskId"`
	TaskPayload types.TaskDescriptor `json:"taskPayload"`
	Priority    string               `json:"priority,omitempty"`
	Deadline    time.Time            `json:"deadline,omitzero"`
}

func (s *HTTPServer) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdef.Wrap(errdef.KindValidation, err, "decoding delivery"))
		return
	}
	desc := req.TaskPayload
	if desc.TaskID == "" {
		desc.TaskID = req.TaskID
	}
	if req.Priority != "" {
		desc.Priority = types.TaskPriority(req.Priority)
	}
	if !req.Deadline.IsZero() {
		desc.Deadline = req.Deadline
	}
	if err := s.agents.Enqueue(req.AgentID, &desc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"deliveredAt": time.Now().Format(time.RFC3339),
	})
}

// handleSSE upgrades the request into a push stream registered on the hub.
func (s *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, errdef.New(errdef.KindValidation, "sessionId query parameter is required"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errdef.New(errdef.KindTransport, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var writeMu sync.Mutex
	writer := notify.WriterFunc(func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err := s.hub.Register(sessionID, writer); err != nil {
		writeError(w, err)
		return
	}

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conns--
		s.mu.Unlock()
		s.hub.Unregister(sessionID)
	}()

	<-r.Context().Done()
}

func (s *HTTPServer) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "shutting down"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}

// statusCode maps error kinds to HTTP statuses.
func statusCode(err error) int {
	switch errdef.KindOf(err) {
	case errdef.KindValidation:
		return http.StatusBadRequest
	case errdef.KindAuth:
		return http.StatusUnauthorized
	case errdef.KindSecurityViolation:
		return http.StatusForbidden
	case errdef.KindNotFound:
		return http.StatusNotFound
	case errdef.KindAlreadyExists, errdef.KindConflict:
		return http.StatusConflict
	case errdef.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), map[string]any{
		"success": false,
		"error":   string(errdef.KindOf(err)),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

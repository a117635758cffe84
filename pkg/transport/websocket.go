package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/agent"
	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/response"
	"github.com/tasklab/foreman/pkg/types"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 32
)

// WSConfig tunes the WebSocket transport.
type WSConfig struct {
	Addr string
	Port int
	Path string
}

// wsEnvelope is the frame exchanged over a socket in both directions.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsConn is one connected agent. All writes go through the send channel
// so a single writer goroutine owns the socket.
type wsConn struct {
	agentID string
	conn    *websocket.Conn
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue hands a frame to the writer goroutine without blocking the
// caller. A full buffer means the agent stopped reading.
func (c *wsConn) enqueue(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errdef.New(errdef.KindTransport, "connection to agent %s is closed", c.agentID)
	default:
		return errdef.New(errdef.KindTransport, "send buffer full for agent %s", c.agentID)
	}
}

// WSServer is the WebSocket transport. Agents connect, register over the
// socket, receive task frames and push responses back on the same
// connection.
type WSServer struct {
	cfg       WSConfig
	agents    *agent.Registry
	processor *response.Processor
	logger    zerolog.Logger
	upgrader  websocket.Upgrader

	srv *http.Server

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewWSServer wires the WebSocket transport.
func NewWSServer(cfg WSConfig, agents *agent.Registry, processor *response.Processor) *WSServer {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &WSServer{
		cfg:       cfg,
		agents:    agents,
		processor: processor,
		logger:    log.WithComponent("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// Start binds the listener and serves until Stop.
func (s *WSServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errdef.Wrap(errdef.KindTransport, err, "port_allocation: binding websocket on %s", addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("websocket server exited")
		}
	}()
	s.logger.Info().Str("addr", addr).Str("path", s.cfg.Path).Msg("websocket transport listening")
	return nil
}

// Stop closes every connection and shuts the server down.
func (s *WSServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.conns {
		c.close()
	}
	s.conns = make(map[string]*wsConn)
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Connections reports currently connected agents.
func (s *WSServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Send pushes one typed frame to a connected agent.
func (s *WSServer) Send(agentID, frameType string, payload any) error {
	s.mu.Lock()
	c, connected := s.conns[agentID]
	s.mu.Unlock()
	if !connected {
		return errdef.New(errdef.KindNotFound, "agent %s has no websocket connection", agentID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, err, "encoding %s frame", frameType)
	}
	frame, err := json.Marshal(wsEnvelope{Type: frameType, Payload: raw})
	if err != nil {
		return errdef.Wrap(errdef.KindInternal, err, "encoding %s frame", frameType)
	}
	return c.enqueue(frame)
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsConn{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	go s.writeLoop(c)
	s.readLoop(c)
}

// writeLoop is the only goroutine writing to the socket.
func (s *WSServer) writeLoop(c *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug().Str("agent_id", c.agentID).Err(err).Msg("websocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop consumes inbound frames until the socket dies, then drops the
// registration.
func (s *WSServer) readLoop(c *wsConn) {
	defer func() {
		c.close()
		if c.agentID != "" {
			s.mu.Lock()
			if s.conns[c.agentID] == c {
				delete(s.conns, c.agentID)
			}
			s.mu.Unlock()
		}
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError(c, errdef.Wrap(errdef.KindValidation, err, "decoding frame"))
			continue
		}
		if err := s.dispatch(c, &env); err != nil {
			s.sendError(c, err)
		}
	}
}

func (s *WSServer) dispatch(c *wsConn, env *wsEnvelope) error {
	switch env.Type {
	case "register":
		return s.handleWSRegister(c, env.Payload)
	case "response":
		return s.handleWSResponse(c, env.Payload)
	case "heartbeat":
		if c.agentID == "" {
			return errdef.New(errdef.KindAuth, "heartbeat before registration")
		}
		return s.agents.Heartbeat(c.agentID)
	default:
		return errdef.New(errdef.KindValidation, "unknown frame type %q", env.Type)
	}
}

func (s *WSServer) handleWSRegister(c *wsConn, payload json.RawMessage) error {
	var req registerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errdef.Wrap(errdef.KindValidation, err, "decoding registration")
	}

	sessionID := uuid.New().String()
	a := &types.Agent{
		ID:                 req.AgentID,
		Capabilities:       req.Capabilities,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		Transport:          types.TransportWebSocket,
		SessionID:          sessionID,
	}
	if err := s.agents.Register(a, req.Force); err != nil {
		return err
	}

	c.agentID = req.AgentID
	s.mu.Lock()
	if prior, connected := s.conns[req.AgentID]; connected && prior != c {
		prior.close()
	}
	s.conns[req.AgentID] = c
	s.mu.Unlock()

	ack, _ := json.Marshal(map[string]any{
		"success":       true,
		"agentId":       req.AgentID,
		"sessionId":     sessionID,
		"transportType": "websocket",
	})
	frame, _ := json.Marshal(wsEnvelope{Type: "registered", Payload: ack})
	return c.enqueue(frame)
}

func (s *WSServer) handleWSResponse(c *wsConn, payload json.RawMessage) error {
	if c.agentID == "" {
		return errdef.New(errdef.KindAuth, "response before registration")
	}
	var req struct {
		TaskID            string                   `json:"taskId"`
		Status            string                   `json:"status"`
		Response          string                   `json:"response"`
		CompletionDetails *types.CompletionDetails `json:"completionDetails,omitempty"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return errdef.Wrap(errdef.KindValidation, err, "decoding response")
	}
	return s.processor.Process(&types.AgentResponse{
		AgentID:           c.agentID,
		TaskID:            req.TaskID,
		Status:            types.ResponseStatus(req.Status),
		Response:          req.Response,
		CompletionDetails: req.CompletionDetails,
		ReceivedAt:        time.Now(),
	})
}

func (s *WSServer) sendError(c *wsConn, err error) {
	payload, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   string(errdef.KindOf(err)),
		"message": err.Error(),
	})
	frame, _ := json.Marshal(wsEnvelope{Type: "error", Payload: payload})
	if enqErr := c.enqueue(frame); enqErr != nil {
		s.logger.Debug().Err(enqErr).Msg("dropping error frame")
	}
}

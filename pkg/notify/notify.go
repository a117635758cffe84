package notify

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/errdef"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/metrics"
)

const defaultQueueDepth = 64

// Writer delivers one framed notification to a connected client. SSE and
// WebSocket transports adapt their connections to this interface.
type Writer interface {
	WriteFrame(frame []byte) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(frame []byte) error

func (f WriterFunc) WriteFrame(frame []byte) error { return f(frame) }

// Frame renders one wire frame: an event name line, a data line carrying
// JSON, and a blank separator.
func Frame(event string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

// session is one connected client with a serialised bounded write queue.
// A single goroutine drains the queue so frames for a session never
// interleave.
type session struct {
	id     string
	queue  chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func (s *session) enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// Hub fans notifications out to registered sessions. Delivery failures are
// isolated per session; one dead client never blocks the rest.
type Hub struct {
	mu         sync.RWMutex
	sessions   map[string]*session
	queueDepth int
	logger     zerolog.Logger
}

// NewHub creates a hub with the given per-session queue depth.
func NewHub(queueDepth int) *Hub {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Hub{
		sessions:   make(map[string]*session),
		queueDepth: queueDepth,
		logger:     log.WithComponent("notify"),
	}
}

// Register attaches a writer under a session ID. The first frame delivered
// is the connection acknowledgement, before any notification can reach the
// session. Re-registering an ID replaces the prior session.
func (h *Hub) Register(sessionID string, w Writer) error {
	if sessionID == "" {
		return errdef.New(errdef.KindValidation, "session id is empty")
	}

	s := &session{
		id:    sessionID,
		queue: make(chan []byte, h.queueDepth),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if prior, exists := h.sessions[sessionID]; exists {
		prior.close()
	}
	h.sessions[sessionID] = s
	h.mu.Unlock()

	// Queued before the writer goroutine starts, so it is always first.
	s.queue <- Frame("connection", []byte("established"))

	go h.drain(s, w)

	h.logger.Debug().Str("session_id", sessionID).Msg("session registered")
	return nil
}

// drain writes queued frames in order until the session closes or the
// writer fails.
func (h *Hub) drain(s *session, w Writer) {
	defer close(s.done)
	for frame := range s.queue {
		if err := w.WriteFrame(frame); err != nil {
			h.logger.Warn().Str("session_id", s.id).Err(err).Msg("session writer failed, dropping session")
			h.Unregister(s.id)
			// Drain remaining frames so enqueuers are not stuck.
			for range s.queue {
				metrics.NotificationsDropped.Inc()
			}
			return
		}
	}
}

// Unregister detaches and closes a session.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	s, exists := h.sessions[sessionID]
	if exists {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if exists {
		s.close()
	}
}

// Send delivers one notification to a single session. Payloads that cannot
// be marshalled are logged and dropped rather than poisoning the queue.
func (h *Hub) Send(sessionID, event string, payload any) error {
	h.mu.RLock()
	s, exists := h.sessions[sessionID]
	h.mu.RUnlock()
	if !exists {
		return errdef.New(errdef.KindNotFound, "session not found: %s", sessionID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Str("session_id", sessionID).Str("event", event).Err(err).Msg("dropping unmarshalable notification")
		metrics.NotificationsDropped.Inc()
		return nil
	}

	if !s.enqueue(Frame(event, data)) {
		metrics.NotificationsDropped.Inc()
		h.logger.Warn().Str("session_id", sessionID).Str("event", event).Msg("session queue full or closed, notification dropped")
	}
	return nil
}

// Broadcast delivers one notification to every session. Failures are
// per-session and do not affect the others.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Str("event", event).Err(err).Msg("dropping unmarshalable broadcast")
		metrics.NotificationsDropped.Inc()
		return
	}
	frame := Frame(event, data)

	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(frame) {
			metrics.NotificationsDropped.Inc()
		}
	}
}

// Sessions returns the IDs of connected sessions.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	return out
}

// Close detaches every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

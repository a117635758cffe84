package security

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasklab/foreman/pkg/errdef"
)

// Session is an authenticated principal.
type Session struct {
	ID        string
	User      string
	Role      string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Authenticator mints and validates bearer tokens and answers capability
// questions from the role-capability matrix.
type Authenticator struct {
	mu       sync.RWMutex
	sessions map[string]*Session // token -> session
	matrix   map[string][]string // role -> capabilities
	ttl      time.Duration
	audit    *AuditLogger
}

// DefaultRoleMatrix is used when configuration supplies none.
func DefaultRoleMatrix() map[string][]string {
	return map[string][]string{
		"admin":    {"tasks:read", "tasks:write", "agents:manage", "admin:shutdown"},
		"agent":    {"tasks:read", "tasks:respond", "agents:heartbeat"},
		"observer": {"tasks:read"},
	}
}

// NewAuthenticator creates an authenticator with the given role matrix and
// token lifetime.
func NewAuthenticator(matrix map[string][]string, ttl time.Duration, audit *AuditLogger) *Authenticator {
	if matrix == nil {
		matrix = DefaultRoleMatrix()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		sessions: make(map[string]*Session),
		matrix:   matrix,
		ttl:      ttl,
		audit:    audit,
	}
}

// Authenticate mints a token and session for a user in a role.
func (a *Authenticator) Authenticate(user, role string) (*Session, error) {
	if _, known := a.matrix[role]; !known {
		if a.audit != nil {
			a.audit.Record(AuditRecord{Type: AuditAuthFailure, Actor: user, Detail: "unknown role", Severity: SeverityWarning})
		}
		return nil, errdef.New(errdef.KindAuth, "unknown role %q", role)
	}

	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, err, "generating token")
	}
	token := hex.EncodeToString(bytes)

	session := &Session{
		ID:        uuid.New().String(),
		User:      user,
		Role:      role,
		Token:     token,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(a.ttl),
	}

	a.mu.Lock()
	a.sessions[token] = session
	a.mu.Unlock()

	if a.audit != nil {
		a.audit.Record(AuditRecord{Type: AuditAuthSuccess, Actor: user, Session: session.ID})
	}
	return session, nil
}

// ValidateToken resolves a bearer token to its session.
func (a *Authenticator) ValidateToken(token string) (*Session, error) {
	a.mu.RLock()
	session, exists := a.sessions[token]
	a.mu.RUnlock()

	if !exists {
		if a.audit != nil {
			a.audit.Record(AuditRecord{Type: AuditAuthFailure, Detail: "unknown token", Severity: SeverityWarning})
		}
		return nil, errdef.New(errdef.KindAuth, "invalid token")
	}
	if time.Now().After(session.ExpiresAt) {
		if a.audit != nil {
			a.audit.Record(AuditRecord{Type: AuditAuthFailure, Actor: session.User, Detail: "expired token", Severity: SeverityWarning})
		}
		return nil, errdef.New(errdef.KindAuth, "token expired")
	}
	return session, nil
}

// Authorize checks a capability against the session's role.
func (a *Authenticator) Authorize(session *Session, capability string) error {
	if session == nil {
		return errdef.New(errdef.KindAuth, "no session")
	}
	a.mu.RLock()
	caps := a.matrix[session.Role]
	a.mu.RUnlock()

	for _, c := range caps {
		if c == capability {
			return nil
		}
	}
	if a.audit != nil {
		a.audit.Record(AuditRecord{
			Type:     AuditAuthzDenied,
			Actor:    session.User,
			Session:  session.ID,
			Detail:   capability,
			Severity: SeverityWarning,
		})
	}
	return errdef.New(errdef.KindAuth, "role %s lacks capability %s", session.Role, capability)
}

// Revoke invalidates a token.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	delete(a.sessions, token)
	a.mu.Unlock()
}

// SweepExpired removes expired sessions.
func (a *Authenticator) SweepExpired() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	for token, session := range a.sessions {
		if now.After(session.ExpiresAt) {
			delete(a.sessions, token)
		}
	}
}

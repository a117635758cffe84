package security

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklab/foreman/pkg/errdef"
)

func TestPathValidatorTraversal(t *testing.T) {
	root := t.TempDir()
	audit := NewAuditLogger(100, nil)
	v := NewPathValidator(PathValidatorConfig{AllowedRoots: []string{root}}, audit)

	d := v.Validate("../../etc/passwd", AccessRead, "sess-1")
	assert.False(t, d.Valid)
	assert.Equal(t, ViolationTraversal, d.Violation)

	// The rejection is audited and no audit detail echoes the path.
	records := audit.Records()
	require.NotEmpty(t, records)
	found := false
	for _, rec := range records {
		assert.NotContains(t, rec.Detail, "passwd")
		if rec.Type == AuditSecurityViolation {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPathValidatorWhitelist(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	v := NewPathValidator(PathValidatorConfig{AllowedRoots: []string{root}}, nil)

	inside := filepath.Join(root, "tasks", "t1.json")
	d := v.Validate(inside, AccessWrite, "")
	assert.True(t, d.Valid)
	assert.Equal(t, filepath.Clean(inside), d.Canonical)

	d = v.Validate(filepath.Join(other, "t1.json"), AccessWrite, "")
	assert.False(t, d.Valid)
	assert.Equal(t, ViolationWhitelist, d.Violation)
}

func TestPathValidatorMalformed(t *testing.T) {
	v := NewPathValidator(PathValidatorConfig{AllowedRoots: []string{t.TempDir()}}, nil)

	for _, path := range []string{
		"",
		"~/secrets",
		"file\x00name",
		"bad<name>.json",
		strings.Repeat("a", maxPathLength+1),
	} {
		d := v.Validate(path, AccessRead, "")
		assert.False(t, d.Valid, "path %q", path)
		assert.Equal(t, ViolationMalformed, d.Violation, "path %q", path)
	}
}

func TestPathValidatorExtensions(t *testing.T) {
	root := t.TempDir()
	v := NewPathValidator(PathValidatorConfig{
		AllowedRoots:      []string{root},
		AllowedExtensions: []string{".json"},
	}, nil)

	assert.True(t, v.Validate(filepath.Join(root, "a.json"), AccessRead, "").Valid)
	d := v.Validate(filepath.Join(root, "a.sh"), AccessRead, "")
	assert.False(t, d.Valid)
	assert.Equal(t, ViolationWhitelist, d.Violation)
}

func TestPathValidatorSymlink(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.json")
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o644))
	link := filepath.Join(root, "link.json")
	require.NoError(t, os.Symlink(target, link))

	strict := NewPathValidator(PathValidatorConfig{AllowedRoots: []string{root}}, nil)
	d := strict.Validate(link, AccessRead, "")
	assert.False(t, d.Valid)
	assert.Equal(t, ViolationSymlink, d.Violation)

	lax := NewPathValidator(PathValidatorConfig{AllowedRoots: []string{root}, AllowSymlinks: true}, nil)
	assert.True(t, lax.Validate(link, AccessRead, "").Valid)
}

func TestLockManagerReentrant(t *testing.T) {
	lm := NewLockManager(time.Minute)

	h1, err := lm.Acquire("task:t1", "owner-a", time.Second)
	require.NoError(t, err)
	h2, err := lm.Acquire("task:t1", "owner-a", time.Second)
	require.NoError(t, err)

	// Still held after releasing one of two holds.
	require.NoError(t, lm.Release(h2))
	assert.Equal(t, "owner-a", lm.Holder("task:t1"))

	require.NoError(t, lm.Release(h1))
	assert.Equal(t, "", lm.Holder("task:t1"))
}

func TestLockManagerConflict(t *testing.T) {
	lm := NewLockManager(time.Minute)

	_, err := lm.Acquire("task:t1", "owner-a", time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire("task:t1", "owner-b", 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errdef.KindConflict, errdef.KindOf(err))
	assert.Contains(t, err.Error(), "owner-a")
}

func TestLockManagerWaiterWoken(t *testing.T) {
	lm := NewLockManager(time.Minute)

	h, err := lm.Acquire("task:t1", "owner-a", time.Second)
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		_, err := lm.Acquire("task:t1", "owner-b", 2*time.Second)
		acquired <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, lm.Release(h))

	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestLockManagerTTLRecovery(t *testing.T) {
	lm := NewLockManager(30 * time.Millisecond)

	_, err := lm.Acquire("task:t1", "dead-owner", time.Second)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	// Expired holder is reaped; a new owner gets the lock.
	h, err := lm.Acquire("task:t1", "owner-b", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "owner-b", h.Owner)
}

func TestLockManagerConcurrentExclusion(t *testing.T) {
	lm := NewLockManager(time.Minute)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := "owner-" + string(rune('a'+n%5))
			err := lm.WithLock("shared", owner, 5*time.Second, func() error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
}

func TestSanitizerCritical(t *testing.T) {
	s := NewSanitizer(nil)

	r := s.Scan(`hello <script>alert(1)</script> world`, "")
	assert.False(t, r.OK)
	assert.NotContains(t, r.Sanitised, "<script>")
	require.NotEmpty(t, r.Violations)
	assert.Equal(t, "script_tag", r.Violations[0].Pattern)
	assert.True(t, r.Violations[0].Critical)
}

func TestSanitizerNonCritical(t *testing.T) {
	s := NewSanitizer(nil)

	r := s.Scan("name; rm -rf /tmp", "")
	assert.True(t, r.OK)
	assert.NotEmpty(t, r.Violations)
}

func TestSanitizerClean(t *testing.T) {
	s := NewSanitizer(nil)

	r := s.Scan("Implement retry logic for the HTTP client", "")
	assert.True(t, r.OK)
	assert.Empty(t, r.Violations)
	assert.Equal(t, "Implement retry logic for the HTTP client", r.Sanitised)
}

func TestSanitizerStripsControlBytes(t *testing.T) {
	s := NewSanitizer(nil)

	r := s.Scan("abc\x01def\nkeep\ttabs", "")
	assert.Equal(t, "abcdef\nkeep\ttabs", r.Sanitised)
}

func TestAuthenticatorRoundTrip(t *testing.T) {
	auth := NewAuthenticator(nil, time.Hour, nil)

	session, err := auth.Authenticate("alice", "admin")
	require.NoError(t, err)
	assert.Len(t, session.Token, 64)

	got, err := auth.ValidateToken(session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	assert.NoError(t, auth.Authorize(got, "admin:shutdown"))
	err = auth.Authorize(got, "nonexistent:capability")
	assert.Equal(t, errdef.KindAuth, errdef.KindOf(err))
}

func TestAuthenticatorUnknownRole(t *testing.T) {
	auth := NewAuthenticator(nil, time.Hour, nil)

	_, err := auth.Authenticate("bob", "superuser")
	assert.Equal(t, errdef.KindAuth, errdef.KindOf(err))
}

func TestAuthenticatorExpiry(t *testing.T) {
	auth := NewAuthenticator(nil, 10*time.Millisecond, nil)

	session, err := auth.Authenticate("alice", "observer")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = auth.ValidateToken(session.Token)
	assert.Equal(t, errdef.KindAuth, errdef.KindOf(err))

	auth.SweepExpired()
	_, err = auth.ValidateToken(session.Token)
	assert.Equal(t, errdef.KindAuth, errdef.KindOf(err))
}

func TestAuthenticatorRevoke(t *testing.T) {
	auth := NewAuthenticator(nil, time.Hour, nil)

	session, err := auth.Authenticate("alice", "agent")
	require.NoError(t, err)
	auth.Revoke(session.Token)

	_, err = auth.ValidateToken(session.Token)
	assert.Error(t, err)
}

func TestAuditClusterDetection(t *testing.T) {
	audit := NewAuditLogger(100, nil)

	for i := 0; i < 5; i++ {
		audit.Record(AuditRecord{Type: AuditAuthFailure, Actor: "mallory"})
	}

	var suspicious int
	for _, rec := range audit.Records() {
		if rec.Type == AuditSuspicious {
			suspicious++
			assert.Equal(t, "mallory", rec.Actor)
			assert.Equal(t, SeverityCritical, rec.Severity)
		}
	}
	// Fires exactly once at the threshold crossing.
	assert.Equal(t, 1, suspicious)
}

func TestAuditReport(t *testing.T) {
	audit := NewAuditLogger(100, nil)
	audit.Record(AuditRecord{Type: AuditAuthSuccess, Actor: "alice"})
	audit.Record(AuditRecord{Type: AuditAuthFailure, Actor: "bob", Severity: SeverityWarning})
	audit.Record(AuditRecord{Type: AuditAuthFailure, Actor: "bob", Severity: SeverityWarning})

	report := audit.Report(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.ByType[AuditAuthSuccess])
	assert.Equal(t, 2, report.ByType[AuditAuthFailure])
	assert.Equal(t, 2, report.BySeverity[SeverityWarning])
}

func TestAuditRingBound(t *testing.T) {
	audit := NewAuditLogger(10, nil)
	for i := 0; i < 25; i++ {
		audit.Record(AuditRecord{Type: AuditPathDecision})
	}
	assert.Len(t, audit.Records(), 10)
}

package security

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/log"
)

// ViolationKind classifies why a path was rejected.
type ViolationKind string

const (
	ViolationTraversal ViolationKind = "traversal"
	ViolationWhitelist ViolationKind = "whitelist"
	ViolationSymlink   ViolationKind = "symlink"
	ViolationMalformed ViolationKind = "malformed"
)

// AccessMode states what the caller intends to do with the path.
type AccessMode string

const (
	AccessRead  AccessMode = "read"
	AccessWrite AccessMode = "write"
)

const maxPathLength = 4096

// reservedChars are rejected anywhere in a path.
const reservedChars = `<>|?*"`

// PathDecision is the result of validating one path.
type PathDecision struct {
	Valid     bool
	Canonical string
	Violation ViolationKind
}

// PathValidatorConfig controls validation strictness.
type PathValidatorConfig struct {
	AllowedRoots      []string
	AllowSymlinks     bool
	AllowedExtensions []string // empty = any extension
}

// PathValidator checks paths against the allow-list policy. Every decision
// is recorded in the audit log; rejection messages never echo the probed
// path.
type PathValidator struct {
	cfg    PathValidatorConfig
	audit  *AuditLogger
	logger zerolog.Logger
}

// NewPathValidator creates a validator. Allowed roots are canonicalised at
// construction so later comparisons are prefix checks.
func NewPathValidator(cfg PathValidatorConfig, audit *AuditLogger) *PathValidator {
	roots := make([]string, 0, len(cfg.AllowedRoots))
	for _, r := range cfg.AllowedRoots {
		if abs, err := filepath.Abs(r); err == nil {
			roots = append(roots, filepath.Clean(abs))
		}
	}
	cfg.AllowedRoots = roots
	return &PathValidator{
		cfg:    cfg,
		audit:  audit,
		logger: log.WithComponent("pathval"),
	}
}

// Validate checks one path for the given access mode.
func (v *PathValidator) Validate(path string, mode AccessMode, session string) PathDecision {
	start := time.Now()
	decision := v.check(path)

	if v.audit != nil {
		rec := AuditRecord{
			Type:     AuditPathDecision,
			Session:  session,
			Detail:   string(mode),
			Severity: SeverityInfo,
			Elapsed:  time.Since(start),
		}
		if !decision.Valid {
			rec.Type = AuditSecurityViolation
			rec.Severity = SeverityWarning
			rec.Detail = string(decision.Violation)
		}
		v.audit.Record(rec)
	}

	if !decision.Valid {
		// The rejected path never reaches the log line.
		v.logger.Warn().
			Str("violation", string(decision.Violation)).
			Str("session", session).
			Dur("elapsed", time.Since(start)).
			Msg("path rejected")
	}
	return decision
}

func (v *PathValidator) check(path string) PathDecision {
	reject := func(kind ViolationKind) PathDecision {
		return PathDecision{Valid: false, Violation: kind}
	}

	if path == "" || len(path) > maxPathLength {
		return reject(ViolationMalformed)
	}
	for _, r := range path {
		if r == 0 || r < 0x20 {
			return reject(ViolationMalformed)
		}
	}
	if strings.ContainsAny(path, reservedChars) {
		return reject(ViolationMalformed)
	}
	if strings.HasPrefix(path, "~") {
		return reject(ViolationMalformed)
	}

	// Reject traversal before resolution so probing attempts are
	// classified as such even when resolution would stay inside a root.
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return reject(ViolationTraversal)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return reject(ViolationMalformed)
	}
	canonical := filepath.Clean(abs)

	if len(v.cfg.AllowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(canonical))
		allowed := false
		for _, e := range v.cfg.AllowedExtensions {
			if ext == strings.ToLower(e) {
				allowed = true
				break
			}
		}
		if !allowed {
			return reject(ViolationWhitelist)
		}
	}

	inside := false
	for _, root := range v.cfg.AllowedRoots {
		if canonical == root || strings.HasPrefix(canonical, root+string(filepath.Separator)) {
			inside = true
			break
		}
	}
	if !inside {
		return reject(ViolationWhitelist)
	}

	if !v.cfg.AllowSymlinks {
		if info, err := os.Lstat(canonical); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return reject(ViolationSymlink)
		}
	}

	return PathDecision{Valid: true, Canonical: canonical}
}

package security

import (
	"regexp"
	"strings"
)

// SanitationViolation names a pattern found in input.
type SanitationViolation struct {
	Pattern  string
	Critical bool
}

// SanitationResult carries the cleaned input and what was found. Critical
// violations mark the operation unsuccessful, but the sanitised form is
// still returned for forensic logging.
type SanitationResult struct {
	Sanitised  string
	Violations []SanitationViolation
	OK         bool
}

var sanitationPatterns = []struct {
	name     string
	re       *regexp.Regexp
	critical bool
}{
	{"script_tag", regexp.MustCompile(`(?i)<\s*/?\s*script[^>]*>`), true},
	{"event_handler", regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`), true},
	{"shell_metachars", regexp.MustCompile("[;&|`$](\\s*[-\\w{(])"), false},
	{"sql_fragment", regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table|insert\s+into|delete\s+from|or\s+1\s*=\s*1)\b`), false},
	{"path_traversal", regexp.MustCompile(`\.\.[\\/]`), false},
}

// Sanitizer scans entity input for injection patterns before it is stored
// or echoed anywhere.
type Sanitizer struct {
	audit *AuditLogger
}

// NewSanitizer creates a sanitizer. The audit logger may be nil in tests.
func NewSanitizer(audit *AuditLogger) *Sanitizer {
	return &Sanitizer{audit: audit}
}

// Scan examines input, strips matched patterns, and reports what it found.
func (s *Sanitizer) Scan(input, session string) SanitationResult {
	result := SanitationResult{Sanitised: input, OK: true}

	for _, p := range sanitationPatterns {
		if !p.re.MatchString(result.Sanitised) {
			continue
		}
		result.Violations = append(result.Violations, SanitationViolation{
			Pattern:  p.name,
			Critical: p.critical,
		})
		if p.critical {
			result.OK = false
		}
		result.Sanitised = p.re.ReplaceAllString(result.Sanitised, "")
	}

	// Control bytes never survive sanitation.
	result.Sanitised = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, result.Sanitised)

	if len(result.Violations) > 0 && s.audit != nil {
		severity := SeverityWarning
		if !result.OK {
			severity = SeverityCritical
		}
		names := make([]string, len(result.Violations))
		for i, v := range result.Violations {
			names[i] = v.Pattern
		}
		s.audit.Record(AuditRecord{
			Type:     AuditSanitation,
			Severity: severity,
			Session:  session,
			Detail:   strings.Join(names, ","),
		})
	}
	return result
}

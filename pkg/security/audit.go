package security

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklab/foreman/pkg/events"
	"github.com/tasklab/foreman/pkg/log"
)

// AuditType classifies audit records.
type AuditType string

const (
	AuditPathDecision      AuditType = "path_decision"
	AuditSecurityViolation AuditType = "security_violation"
	AuditAuthSuccess       AuditType = "auth_success"
	AuditAuthFailure       AuditType = "auth_failure"
	AuditAuthzDenied       AuditType = "authz_denied"
	AuditLockConflict      AuditType = "lock_conflict"
	AuditSanitation        AuditType = "sanitation"
	AuditSuspicious        AuditType = "suspicious_activity"
)

// Severity grades audit records.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditRecord is one append-only audit log entry.
type AuditRecord struct {
	Timestamp time.Time
	Type      AuditType
	Severity  Severity
	Session   string
	Actor     string
	Detail    string
	Elapsed   time.Duration
}

// ComplianceReport summarises audit activity over a window.
type ComplianceReport struct {
	Start      time.Time
	End        time.Time
	Total      int
	ByType     map[AuditType]int
	BySeverity map[Severity]int
}

// AuditLogger is the append-only security event log. Records go to a bounded
// in-memory ring for reporting and to the structured log for durability.
// It also watches for failure clusters and flags suspicious activity.
type AuditLogger struct {
	mu      sync.Mutex
	records []AuditRecord
	max     int
	logger  zerolog.Logger
	broker  *events.Broker

	// cluster detection
	clusterWindow    time.Duration
	clusterThreshold int
	failuresByActor  map[string][]time.Time
}

// NewAuditLogger creates an audit logger keeping up to max records in
// memory. The broker may be nil in tests.
func NewAuditLogger(max int, broker *events.Broker) *AuditLogger {
	if max <= 0 {
		max = 10000
	}
	return &AuditLogger{
		max:              max,
		logger:           log.WithComponent("audit"),
		broker:           broker,
		clusterWindow:    5 * time.Minute,
		clusterThreshold: 5,
		failuresByActor:  make(map[string][]time.Time),
	}
}

// Record appends one entry. Auth failures feed the cluster detector; a
// cluster produces a synthetic suspicious_activity record and event.
func (a *AuditLogger) Record(rec AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}

	a.mu.Lock()
	a.records = append(a.records, rec)
	if len(a.records) > a.max {
		a.records = a.records[len(a.records)-a.max:]
	}
	suspicious := false
	if rec.Type == AuditAuthFailure && rec.Actor != "" {
		suspicious = a.noteFailureLocked(rec.Actor, rec.Timestamp)
	}
	a.mu.Unlock()

	a.logger.Info().
		Str("type", string(rec.Type)).
		Str("severity", string(rec.Severity)).
		Str("session", rec.Session).
		Str("actor", rec.Actor).
		Str("detail", rec.Detail).
		Dur("elapsed", rec.Elapsed).
		Msg("audit")

	if suspicious {
		a.Record(AuditRecord{
			Type:     AuditSuspicious,
			Severity: SeverityCritical,
			Actor:    rec.Actor,
			Detail:   "repeated authentication failures",
		})
		if a.broker != nil {
			a.broker.Publish(&events.Event{
				Type:    events.EventSuspiciousActivity,
				Message: "repeated authentication failures",
				Metadata: map[string]string{
					"actor": rec.Actor,
				},
			})
		}
	}
}

// noteFailureLocked returns true when the actor crossed the cluster
// threshold inside the window. Caller holds a.mu.
func (a *AuditLogger) noteFailureLocked(actor string, now time.Time) bool {
	cutoff := now.Add(-a.clusterWindow)
	kept := a.failuresByActor[actor][:0]
	for _, t := range a.failuresByActor[actor] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	a.failuresByActor[actor] = kept
	return len(kept) == a.clusterThreshold
}

// Report returns counts by type and severity over [start, end].
func (a *AuditLogger) Report(start, end time.Time) *ComplianceReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := &ComplianceReport{
		Start:      start,
		End:        end,
		ByType:     make(map[AuditType]int),
		BySeverity: make(map[Severity]int),
	}
	for _, rec := range a.records {
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			continue
		}
		report.Total++
		report.ByType[rec.Type]++
		report.BySeverity[rec.Severity]++
	}
	return report
}

// Records returns a snapshot of the in-memory records. Test helper.
func (a *AuditLogger) Records() []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditRecord(nil), a.records...)
}

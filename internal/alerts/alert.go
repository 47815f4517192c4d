package alerts

import (
	"errors"
	"time"
)

// Severity levels, lowest to highest.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Type classifies what condition produced an alert.
type Type string

const (
	TypeJobFailure         Type = "job_failure"
	TypeStorageThreshold   Type = "storage_threshold"
	TypeInfrastructureDown Type = "infrastructure_down"
	TypeLongRunningJob     Type = "long_running_job"
	TypeError              Type = "error"
	TypeWarning            Type = "warning"
)

// Lifecycle errors surfaced to callers. Idempotency guards are not fatal.
var (
	ErrAlertNotFound       = errors.New("alert not found")
	ErrAlreadyAcknowledged = errors.New("alert already acknowledged")
	ErrAlreadyResolved     = errors.New("alert already resolved")
)

// DefaultRuleID is the synthetic rule an alert falls back to when no
// configured rule matches its type.
const DefaultRuleID = "default-rule"

// RuleConditions hold optional matching constraints for a rule.
type RuleConditions struct {
	Threshold float64       `json:"threshold,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	ScopeIDs  []string      `json:"scopeIds,omitempty"`
}

// RuleActions configure notification targets for a rule.
type RuleActions struct {
	Email      []string `json:"email,omitempty"`
	Messaging  []string `json:"messaging,omitempty"`
	WebhookURL string   `json:"webhookUrl,omitempty"`
}

// Rule is an alert rule, loaded at startup and mutable via UpdateRule.
type Rule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       Type           `json:"type"`
	Enabled    bool           `json:"enabled"`
	Conditions RuleConditions `json:"conditions"`
	Actions    RuleActions    `json:"actions"`
}

// Alert is one alert instance. The ID is deterministic per condition
// instance (e.g. "job-failed-<jobId>") so recurrences dedup against the
// hold-down window instead of piling up.
type Alert struct {
	ID             string            `json:"id"`
	RuleID         string            `json:"ruleId"`
	Type           Type              `json:"type"`
	Severity       Severity          `json:"severity"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Timestamp      time.Time         `json:"timestamp"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedBy string            `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledgedAt,omitempty"`
	Resolved       bool              `json:"resolved"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type         Type
	Severity     Severity
	Acknowledged *bool
	Resolved     *bool
	From         time.Time
	To           time.Time
}

// Stats summarizes the current alert population.
type Stats struct {
	Total        int              `json:"total"`
	Active       int              `json:"active"`
	Acknowledged int              `json:"acknowledged"`
	Resolved     int              `json:"resolved"`
	ByType       map[Type]int     `json:"byType"`
	BySeverity   map[Severity]int `json:"bySeverity"`
}

func (f Filter) matches(a *Alert) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	if f.Resolved != nil && a.Resolved != *f.Resolved {
		return false
	}
	if !f.From.IsZero() && a.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.Timestamp.After(f.To) {
		return false
	}
	return true
}

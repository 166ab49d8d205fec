package models

import (
	"strings"
	"time"
)

// MetricType identifies one of the four delivery metrics.
type MetricType string

const (
	MetricDeploymentFrequency MetricType = "deployment_frequency"
	MetricLeadTime            MetricType = "lead_time"
	MetricChangeFailureRate   MetricType = "change_failure_rate"
	MetricMTTR                MetricType = "mean_time_to_recovery"
)

// Units attached to MetricResult values.
const (
	UnitDeploysPerDay = "deployments/day"
	UnitHours         = "hours"
	UnitPercentage    = "percentage"
)

// DeployStatus is the closed outcome set for a deployment event.
type DeployStatus string

const (
	DeploySuccess DeployStatus = "success"
	DeployFailed  DeployStatus = "failed"
)

// Severity is the closed severity set for an incident event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Metadata keys under which adapters preserve vendor values that fell
// outside a closed enumeration.
const (
	MetaOriginalStatus   = "original_status"
	MetaOriginalSeverity = "original_severity"
)

// Deployment is a vendor-neutral deployment record. Adapters build one per
// vendor deployment and never mutate it afterwards.
type Deployment struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Repository  string            `json:"repository"`
	Environment string            `json:"environment"`
	CommitSHA   string            `json:"commit_sha"`
	Status      DeployStatus      `json:"status"`
	Source      string            `json:"source"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Incident is a vendor-neutral incident record. A nil ResolvedAt means the
// incident is still open. If ResolvedAt is set it is never before StartedAt.
type Incident struct {
	ID               string            `json:"id"`
	IncidentID       string            `json:"incident_id"`
	StartedAt        time.Time         `json:"started_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	Severity         Severity          `json:"severity"`
	AffectedServices []string          `json:"affected_services"`
	Source           string            `json:"source"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RecoveryTime returns the time from onset to resolution. The second return
// is false while the incident is open.
func (i Incident) RecoveryTime() (time.Duration, bool) {
	if i.ResolvedAt == nil {
		return 0, false
	}
	return i.ResolvedAt.Sub(i.StartedAt), true
}

// Change is a vendor-neutral code-change record. A nil MergedAt means the
// change has not been integrated and is excluded from lead-time computation.
type Change struct {
	ID         string            `json:"id"`
	ChangeID   string            `json:"change_id"`
	CreatedAt  time.Time         `json:"created_at"`
	MergedAt   *time.Time        `json:"merged_at,omitempty"`
	Repository string            `json:"repository"`
	Author     string            `json:"author"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// LeadTime returns the time from creation to merge. The second return is
// false while the change is unmerged.
func (c Change) LeadTime() (time.Duration, bool) {
	if c.MergedAt == nil {
		return 0, false
	}
	return c.MergedAt.Sub(c.CreatedAt), true
}

// SourceConfig is a registered data-source configuration. Settings are
// opaque vendor credentials and URLs, validated only by a successful connect.
type SourceConfig struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Settings  map[string]string `json:"settings"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

// MetricResult is one computed metric over one window. Sources lists the
// instances that answered cleanly; Degraded lists instances whose fetch
// failed and contributed nothing, so a zero Value can be told apart from
// "every source was down".
type MetricResult struct {
	ID          string            `json:"id"`
	Metric      MetricType        `json:"metric_type"`
	Value       float64           `json:"value"`
	Unit        string            `json:"unit"`
	ComputedAt  time.Time         `json:"computed_at"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
	Sources     []string          `json:"sources"`
	Degraded    []string          `json:"degraded,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NormalizeDeployStatus maps a vendor status onto the closed DeployStatus
// set. Unrecognized values map to failed and the original string is kept
// under MetaOriginalStatus in meta.
func NormalizeDeployStatus(raw string, meta map[string]string) DeployStatus {
	switch strings.ToLower(raw) {
	case "success":
		return DeploySuccess
	case "failed":
		return DeployFailed
	default:
		if meta != nil {
			meta[MetaOriginalStatus] = raw
		}
		return DeployFailed
	}
}

// NormalizeSeverity maps a vendor severity onto the closed Severity set.
// Unrecognized values map to medium and the original string is kept under
// MetaOriginalSeverity in meta.
func NormalizeSeverity(raw string, meta map[string]string) Severity {
	switch strings.ToLower(raw) {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		if meta != nil {
			meta[MetaOriginalSeverity] = raw
		}
		return SeverityMedium
	}
}

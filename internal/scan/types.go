package scan

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity of a finding, ordered LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists all severities in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// RunStatus is the ScanRun lifecycle state.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// RemediationStatus tracks a finding through its remediation lifecycle.
// Findings in open or marked_fixed are "live": they participate in
// reconciliation and in the identity-key uniqueness invariant.
type RemediationStatus string

const (
	RemediationOpen          RemediationStatus = "open"
	RemediationMarkedFixed   RemediationStatus = "marked_fixed"
	RemediationVerifiedFixed RemediationStatus = "verified_fixed"
	RemediationFalsePositive RemediationStatus = "false_positive"
)

func (s RemediationStatus) Live() bool {
	return s == RemediationOpen || s == RemediationMarkedFixed
}

// RawFinding is one record produced by a check invocation. It carries no
// identity beyond its fields; the reconciler derives the identity key.
type RawFinding struct {
	Category      string   `json:"category"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Severity      Severity `json:"severity"`
	ResourceID    string   `json:"resource_id"`
	Remediation   string   `json:"remediation"`
	MappedControl string   `json:"mapped_control,omitempty"`
}

// Key is a finding identity key within one tenant. Resource IDs are
// normalized to the empty string so resource-less findings collide on
// category and title alone. Titles are compared exactly.
type Key struct {
	Category   string
	ResourceID string
	Title      string
}

func (r RawFinding) Key() Key {
	return Key{
		Category:   r.Category,
		ResourceID: strings.TrimSpace(r.ResourceID),
		Title:      r.Title,
	}
}

// Finding is a detected condition tracked across scan runs.
type Finding struct {
	ID              uuid.UUID         `json:"id"`
	TenantID        uuid.UUID         `json:"tenant_id"`
	ScanRunID       uuid.UUID         `json:"scan_run_id"`
	Category        string            `json:"category"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Severity        Severity          `json:"severity"`
	ResourceID      string            `json:"resource_id"`
	Remediation     string            `json:"remediation"`
	MappedControl   string            `json:"mapped_control,omitempty"`
	Status          RemediationStatus `json:"remediation_status"`
	MarkedAsFixedAt *time.Time        `json:"marked_as_fixed_at,omitempty"`
	MarkedAsFixedBy *uuid.UUID        `json:"marked_as_fixed_by,omitempty"`
	VerifiedFixedAt *time.Time        `json:"verified_fixed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

func (f Finding) Key() Key {
	return Key{
		Category:   f.Category,
		ResourceID: strings.TrimSpace(f.ResourceID),
		Title:      f.Title,
	}
}

// RunFailure is the summary payload of a failed run.
type RunFailure struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

// Summary aggregates one run's finding set.
type Summary struct {
	Total         int              `json:"total_findings"`
	BySeverity    map[Severity]int `json:"by_severity"`
	ByCategory    map[string]int   `json:"by_category"`
	New           int              `json:"new"`
	Updated       int              `json:"updated"`
	VerifiedFixed int              `json:"verified_fixed"`
}

// RunMetadata marks how a run was triggered.
type RunMetadata struct {
	Scheduled         bool   `json:"scheduled,omitempty"`
	ScheduleFrequency string `json:"schedule_frequency,omitempty"`
}

// Run is one audit execution for one tenant.
type Run struct {
	ID         uuid.UUID    `json:"id"`
	TenantID   uuid.UUID    `json:"tenant_id"`
	Status     RunStatus    `json:"status"`
	StartedAt  *time.Time   `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at"`
	Summary    *Summary     `json:"summary,omitempty"`
	Failure    *RunFailure  `json:"failure,omitempty"`
	Metadata   *RunMetadata `json:"scan_metadata,omitempty"`
}

// NotificationPrefs is the tenant's notification configuration. Delivery is
// handled by an external collaborator; the core only records alerts.
type NotificationPrefs struct {
	Enabled     bool     `json:"enabled"`
	Channels    []string `json:"channels"`
	MinSeverity Severity `json:"min_severity"`
}

// Tenant is the read-only tenant view the engine consumes.
type Tenant struct {
	ID                uuid.UUID
	Name              string
	Description       string
	AWSAccountID      string
	AWSRoleARN        string
	AWSExternalID     string
	EnabledChecks     []string
	NotificationPrefs *NotificationPrefs
	ScheduleRaw       []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DiscoveryType classifies a finding recorded by a task.
type DiscoveryType string

const (
	DiscoveryBug           DiscoveryType = "bug"
	DiscoveryOptimization  DiscoveryType = "optimization"
	DiscoveryClarification DiscoveryType = "clarification"
	DiscoverySecurity      DiscoveryType = "security"
	DiscoveryPerformance   DiscoveryType = "performance"
	DiscoveryTechDebt      DiscoveryType = "tech_debt"
	DiscoveryIntegration   DiscoveryType = "integration"
	DiscoveryNoResult      DiscoveryType = "diagnostic_no_result"
	DiscoveryTimeout       DiscoveryType = "diagnostic_timeout"
)

// Blocking reports whether spawned work must complete before the source
// task can proceed. Clarifications and security findings gate the source.
func (t DiscoveryType) Blocking() bool {
	return t == DiscoveryClarification || t == DiscoverySecurity
}

// Discovery is a finding recorded by a task that may spawn additional
// work, possibly in a different phase.
type Discovery struct {
	Meta             `yaml:",inline"`
	SourceTaskID     string        `json:"source_task_id"`
	Type             DiscoveryType `json:"type"`
	Description      string        `json:"description"`
	DescriptionHash  string        `json:"description_hash"`
	SpawnedTaskIDs   []string      `json:"spawned_task_ids,omitempty"`
	PriorityBoost    bool          `json:"priority_boost"`
	ResolutionStatus string        `json:"resolution_status"`
}

// HashDescription normalizes and hashes a discovery description for the
// (source_task_id, type, hash) idempotency key.
func HashDescription(description string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(description)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ValidationReview is a validator's verdict on one validation iteration.
// Reviews are immutable once written.
type ValidationReview struct {
	Meta             `yaml:",inline"`
	TaskID           string `json:"task_id"`
	ValidatorAgentID string `json:"validator_agent_id"`
	IterationNumber  int    `json:"iteration_number"`
	Passed           bool   `json:"validation_passed"`
	Feedback         string `json:"feedback,omitempty"`
	Evidence         string `json:"evidence,omitempty"`
	Recommendations  string `json:"recommendations,omitempty"`
}

// AgentResult is a markdown artifact submitted by an agent for a task.
type AgentResult struct {
	Meta               `yaml:",inline"`
	TaskID             string `json:"task_id"`
	AgentID            string `json:"agent_id"`
	MarkdownPath       string `json:"markdown_path"`
	Type               string `json:"type"`
	Summary            string `json:"summary,omitempty"`
	VerificationStatus string `json:"verification_status"`
}

// WorkflowResult is the final markdown artifact for a whole workflow.
type WorkflowResult struct {
	Meta             `yaml:",inline"`
	WorkflowID       string `json:"workflow_id"`
	MarkdownPath     string `json:"markdown_path"`
	Evidence         string `json:"evidence,omitempty"`
	ValidationStatus string `json:"validation_status"`
}

// DiagnosticRun records one firing of the stuck-workflow monitor.
type DiagnosticRun struct {
	Meta            `yaml:",inline"`
	WorkflowID      string    `json:"workflow_id"`
	TriggerReason   string    `json:"trigger_reason"`
	ContextSnapshot string    `json:"context_snapshot,omitempty"`
	SpawnedTaskIDs  []string  `json:"spawned_task_ids,omitempty"`
	Status          string    `json:"status"`
	CooldownUntil   time.Time `json:"cooldown_until"`
}

// SupervisorActionType names the emergency operations supervisors may issue.
type SupervisorActionType string

const (
	ActionCancelTask         SupervisorActionType = "cancel_task"
	ActionReallocateCapacity SupervisorActionType = "reallocate_capacity"
	ActionOverridePriority   SupervisorActionType = "override_priority"
	ActionQuarantineAgent    SupervisorActionType = "quarantine_agent"
)

// RequiredAuthority returns the minimum authority level to issue the action.
func (t SupervisorActionType) RequiredAuthority() AuthorityLevel {
	switch t {
	case ActionQuarantineAgent:
		return AuthorityGuardian
	case ActionReallocateCapacity:
		return AuthorityMonitor
	default:
		return AuthorityWatchdog
	}
}

// SupervisorAction is an audited emergency intervention.
type SupervisorAction struct {
	Meta           `yaml:",inline"`
	ActorAgentID   string               `json:"actor_agent_id"`
	AuthorityLevel AuthorityLevel       `json:"authority_level"`
	ActionType     SupervisorActionType `json:"action_type"`
	Target         string               `json:"target"`
	Reason         string               `json:"reason,omitempty"`
	Reversed       bool                 `json:"reversed"`
	AuditLog       string               `json:"audit_log"`
}

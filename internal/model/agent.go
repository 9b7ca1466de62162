package model

import (
	"fmt"
	"time"
)

// AgentType distinguishes worker agents from the supervisor hierarchy.
type AgentType string

const (
	AgentWorker    AgentType = "worker"
	AgentMonitor   AgentType = "monitor"
	AgentWatchdog  AgentType = "watchdog"
	AgentGuardian  AgentType = "guardian"
	AgentValidator AgentType = "validator"
)

// IsValidAgentType returns true for a recognized agent type.
func IsValidAgentType(t AgentType) bool {
	switch t {
	case AgentWorker, AgentMonitor, AgentWatchdog, AgentGuardian, AgentValidator:
		return true
	default:
		return false
	}
}

// AuthorityLevel ranks actors for supervisor operations.
// Higher levels may issue and revert actions of lower levels.
type AuthorityLevel int

const (
	AuthorityWorker   AuthorityLevel = 1
	AuthorityWatchdog AuthorityLevel = 2
	AuthorityMonitor  AuthorityLevel = 3
	AuthorityGuardian AuthorityLevel = 4
	AuthoritySystem   AuthorityLevel = 5
)

// Authority returns the authority level for an agent type.
func (t AgentType) Authority() AuthorityLevel {
	switch t {
	case AgentWatchdog:
		return AuthorityWatchdog
	case AgentMonitor:
		return AuthorityMonitor
	case AgentGuardian:
		return AuthorityGuardian
	default:
		return AuthorityWorker
	}
}

// AgentStatus represents the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentIdle         AgentStatus = "idle"
	AgentRunning      AgentStatus = "running"
	AgentFailed       AgentStatus = "failed"
	AgentQuarantined  AgentStatus = "quarantined"
	AgentUnresponsive AgentStatus = "unresponsive"
)

// agentTransitions enumerates the legal status moves.
// quarantined is reachable from anywhere; leaving it requires an explicit
// supervisor action back to idle.
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentIdle:         {AgentRunning, AgentFailed, AgentUnresponsive, AgentQuarantined},
	AgentRunning:      {AgentIdle, AgentFailed, AgentUnresponsive, AgentQuarantined},
	AgentFailed:       {AgentIdle, AgentQuarantined},
	AgentUnresponsive: {AgentIdle, AgentFailed, AgentQuarantined},
	AgentQuarantined:  {AgentIdle},
}

// CanTransitionAgent reports whether from -> to is a legal agent status move.
func CanTransitionAgent(from, to AgentStatus) bool {
	for _, next := range agentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Agent is a registered external process managed by the kernel.
type Agent struct {
	Meta            `yaml:",inline"`
	Type            AgentType   `json:"type"`
	Name            string      `json:"name"`
	PhaseID         string      `json:"phase_id"`
	Capabilities    []string    `json:"capabilities"`
	Status          AgentStatus `json:"status"`
	HealthStatus    string      `json:"health_status"`
	CurrentTaskID   string      `json:"current_task_id,omitempty"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
	RestartCount    int         `json:"restart_count"`
	PublicKey       string      `json:"crypto_public_key"`
	MaxConcurrent   int         `json:"max_concurrent"`
	Version         string      `json:"version,omitempty"`
}

// HasCapabilities reports whether the agent advertises every required tag.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Assignable reports whether the agent can accept new work.
func (a *Agent) Assignable() bool {
	return a.Status == AgentIdle
}

// Validate checks structural invariants on the agent record.
func (a *Agent) Validate() error {
	if !IsValidAgentType(a.Type) {
		return fmt.Errorf("invalid agent type %q", a.Type)
	}
	if a.Status == AgentRunning && a.CurrentTaskID == "" {
		return fmt.Errorf("agent %s running without a current task", a.ID)
	}
	if a.Status != AgentRunning && a.CurrentTaskID != "" {
		return fmt.Errorf("agent %s holds task %s while %s", a.ID, a.CurrentTaskID, a.Status)
	}
	return nil
}

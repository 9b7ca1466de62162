// Package bus implements the kernel's event bus: topic-based ordered
// delivery over a durable journal, with persistent per-subscriber cursors,
// at-least-once redelivery, and dead-letter quarantine.
package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Stable topic names. Dots separate segments; subscription patterns use
// doublestar globs over segments ("task.*", "agent.**").
const (
	TopicAgentRegistered       = "agent.registered"
	TopicAgentHeartbeat        = "agent.heartbeat"
	TopicAgentHeartbeatMissed  = "agent.heartbeat.missed"
	TopicAgentUnresponsive     = "agent.unresponsive"
	TopicAgentQuarantined      = "agent.quarantined"
	TopicTaskCreated           = "task.created"
	TopicTaskReady             = "task.ready"
	TopicTaskAssigned          = "task.assigned"
	TopicTaskStarted           = "task.started"
	TopicTaskCompleted         = "task.completed"
	TopicTaskFailed            = "task.failed"
	TopicTaskBlocked           = "task.blocked"
	TopicTaskNeedsWork         = "task.needs_work"
	TopicTicketCreated         = "ticket.created"
	TopicTicketTransitioned    = "ticket.transitioned"
	TopicTicketApprovalPending = "ticket_approval_pending"
	TopicTicketApproved        = "ticket_approved"
	TopicTicketRejected        = "ticket_rejected"
	TopicTicketTimedOut        = "ticket_timed_out"
	TopicDiscoveryRecorded     = "discovery.recorded"
	TopicValidationStarted     = "validation.started"
	TopicValidationReview      = "validation.review_submitted"
	TopicValidationPassed      = "validation.passed"
	TopicValidationFailed      = "validation.failed"
	TopicPhaseGateRejected     = "phase.gate_rejected"
	TopicSupervisorAction      = "supervisor.action"
	TopicSupervisorReverted    = "supervisor.reverted"
	TopicDiagnosticStarted     = "diagnostic.started"
	TopicDiagnosticCompleted   = "diagnostic.completed"
)

// DeadLetterPrefix prefixes the quarantine topic for events whose delivery
// exhausted the retry budget.
const DeadLetterPrefix = "deadletter."

// Event is one bus message. Delivery order is total within a partition key.
type Event struct {
	Seq           int64           `json:"seq,omitempty"`
	Topic         string          `json:"topic"`
	PartitionKey  string          `json:"partition_key"`
	CorrelationID string          `json:"correlation_id"`
	Actor         string          `json:"actor,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// MatchTopic reports whether a dotted topic matches a doublestar pattern.
// Segments are dot-separated; "*" matches one segment, "**" any suffix.
func MatchTopic(pattern, topic string) bool {
	p := strings.ReplaceAll(pattern, ".", "/")
	t := strings.ReplaceAll(topic, ".", "/")
	ok, err := doublestar.Match(p, t)
	return err == nil && ok
}

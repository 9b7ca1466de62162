package model

import "time"

// TaskPriority orders tasks for dispatch. Lower rank dispatches first.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

// priorityRanks maps priorities to dispatch order. Critical wins.
var priorityRanks = map[TaskPriority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the dispatch rank for the priority (0 = most urgent).
// Unknown priorities sort last.
func (p TaskPriority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return len(priorityRanks)
}

// Boost returns the priority one rank more urgent, clamped at critical.
func (p TaskPriority) Boost() TaskPriority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// IsValidPriority returns true for a recognized priority.
func IsValidPriority(p TaskPriority) bool {
	_, ok := priorityRanks[p]
	return ok
}

// TaskStatus represents the state of a task in its lifecycle.
type TaskStatus string

const (
	TaskPending              TaskStatus = "pending"
	TaskAssigned             TaskStatus = "assigned"
	TaskInProgress           TaskStatus = "in_progress"
	TaskUnderReview          TaskStatus = "under_review"
	TaskValidationInProgress TaskStatus = "validation_in_progress"
	TaskNeedsWork            TaskStatus = "needs_work"
	TaskDone                 TaskStatus = "done"
	TaskFailed               TaskStatus = "failed"
	TaskBlocked              TaskStatus = "blocked"
)

// taskTransitions enumerates legal task status moves. Blocked is reachable
// from every non-terminal state; the map entries below are the normal flow.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:              {TaskAssigned, TaskFailed},
	TaskAssigned:             {TaskInProgress, TaskPending, TaskFailed},
	TaskInProgress:           {TaskUnderReview, TaskDone, TaskFailed},
	TaskUnderReview:          {TaskValidationInProgress, TaskDone, TaskNeedsWork, TaskFailed},
	TaskValidationInProgress: {TaskDone, TaskNeedsWork, TaskFailed},
	TaskNeedsWork:            {TaskInProgress, TaskFailed},
	TaskBlocked:              {TaskPending, TaskInProgress, TaskFailed},
}

// CanTransitionTask reports whether from -> to is a legal task status move.
func CanTransitionTask(from, to TaskStatus) bool {
	if to == TaskBlocked {
		return !IsTerminalTask(from)
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalTask reports whether the status ends the task's lifecycle.
func IsTerminalTask(s TaskStatus) bool {
	return s == TaskDone || s == TaskFailed
}

// IsActiveTask reports whether the task occupies an agent or the queue.
func IsActiveTask(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskAssigned, TaskInProgress, TaskUnderReview, TaskValidationInProgress:
		return true
	default:
		return false
	}
}

// Task is a unit of work dispatched to an agent within a ticket's phase.
type Task struct {
	Meta                   `yaml:",inline"`
	TicketID               string       `json:"ticket_id"`
	PhaseID                string       `json:"phase_id"`
	Title                  string       `json:"title"`
	Description            string       `json:"description,omitempty"`
	Priority               TaskPriority `json:"priority"`
	Status                 TaskStatus   `json:"status"`
	RequiredCapabilities   []string     `json:"required_capabilities,omitempty"`
	Dependencies           []string     `json:"dependencies,omitempty"`
	ParentTaskID           string       `json:"parent_task_id,omitempty"`
	AssignedAgentID        string       `json:"assigned_agent_id,omitempty"`
	ValidationEnabled      bool         `json:"validation_enabled"`
	ValidationIteration    int          `json:"validation_iteration"`
	LastValidationFeedback string       `json:"last_validation_feedback,omitempty"`
	BlockedReason          string       `json:"blocked_reason,omitempty"`
	RetryCount             int          `json:"retry_count"`
	StartedAt              *time.Time   `json:"started_at,omitempty"`
	CompletedAt            *time.Time   `json:"completed_at,omitempty"`
}

// HasAssignee reports whether the task's status requires an assigned agent.
func (t *Task) HasAssignee() bool {
	switch t.Status {
	case TaskAssigned, TaskInProgress, TaskUnderReview, TaskValidationInProgress:
		return true
	default:
		return false
	}
}

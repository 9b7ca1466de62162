package model

import "time"

// ApprovalStatus tracks the human-approval gate on a ticket.
type ApprovalStatus string

const (
	ApprovalNotRequired   ApprovalStatus = "not_required"
	ApprovalPendingReview ApprovalStatus = "pending_review"
	ApprovalApproved      ApprovalStatus = "approved"
	ApprovalRejected      ApprovalStatus = "rejected"
	ApprovalTimedOut      ApprovalStatus = "timed_out"
)

// DispatchAllowed reports whether tasks under the ticket may be dispatched.
func (s ApprovalStatus) DispatchAllowed() bool {
	return s == ApprovalNotRequired || s == ApprovalApproved
}

// Ticket is a container for end-to-end work moving across board columns
// and phases. Status names the board column the ticket currently occupies.
type Ticket struct {
	Meta               `yaml:",inline"`
	Title              string         `json:"title"`
	Status             string         `json:"status"`
	PhaseID            string         `json:"phase_id"`
	Priority           TaskPriority   `json:"priority"`
	ApprovalStatus     ApprovalStatus `json:"approval_status"`
	ApprovalDeadlineAt *time.Time     `json:"approval_deadline_at,omitempty"`
	RequestedByAgentID string         `json:"requested_by_agent_id,omitempty"`
	Context            string         `json:"context,omitempty"`
	ContextSummary     string         `json:"context_summary,omitempty"`
	Archived           bool           `json:"archived"`
}

// Phase is a stage of work with its own completion criteria and allowed
// next stages. AllowedTransitions must form a DAG; discovery-driven
// branching may bypass it when configured.
type Phase struct {
	ID                 string   `json:"id" yaml:"id"`
	SequenceOrder      int      `json:"sequence_order" yaml:"sequence_order"`
	AllowedTransitions []string `json:"allowed_transitions" yaml:"allowed_transitions"`
	DoneDefinitions    []string `json:"done_definitions" yaml:"done_definitions"`
	ExpectedOutputs    []Output `json:"expected_outputs" yaml:"expected_outputs"`
	Prompt             string   `json:"phase_prompt,omitempty" yaml:"phase_prompt,omitempty"`
	NextStepsGuide     string   `json:"next_steps_guide,omitempty" yaml:"next_steps_guide,omitempty"`
}

// Output is a typed artifact pattern a phase is expected to produce.
// Pattern is a doublestar glob matched against submitted artifact paths.
type Output struct {
	Type     string `json:"type" yaml:"type"`
	Pattern  string `json:"pattern" yaml:"pattern"`
	Required bool   `json:"required" yaml:"required"`
}

// CanTransitionPhase reports whether next is a normal-progression target.
func (p *Phase) CanTransitionPhase(next string) bool {
	for _, id := range p.AllowedTransitions {
		if id == next {
			return true
		}
	}
	return false
}

// BoardColumn is an ordered grouping of tickets mapped to one or more
// phases, optionally capped by a WIP limit.
type BoardColumn struct {
	ID               string   `json:"id" yaml:"id"`
	SequenceOrder    int      `json:"sequence_order" yaml:"sequence_order"`
	PhaseMapping     []string `json:"phase_mapping" yaml:"phase_mapping"`
	WIPLimit         *int     `json:"wip_limit,omitempty" yaml:"wip_limit,omitempty"`
	IsTerminal       bool     `json:"is_terminal" yaml:"is_terminal"`
	AutoTransitionTo string   `json:"auto_transition_to,omitempty" yaml:"auto_transition_to,omitempty"`
}

// AcceptsPhase reports whether the column's phase mapping contains phaseID.
func (c *BoardColumn) AcceptsPhase(phaseID string) bool {
	for _, id := range c.PhaseMapping {
		if id == phaseID {
			return true
		}
	}
	return false
}

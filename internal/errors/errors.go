// Package errors provides structured error types for kestrel.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a stable error code surfaced at the API boundary.
type Code string

const (
	// Registry errors
	CodeRegistrationRejected Code = "registration_rejected"
	CodeRegistrationTimeout  Code = "registration_timeout"

	// Authorization errors
	CodeNotAuthorized Code = "not_authorized"

	// State machine errors
	CodeInvalidTransition Code = "invalid_transition"
	CodeWIPExceeded       Code = "wip_exceeded"
	CodePhaseGateRejected Code = "phase_gate_rejected"
	CodeDependencyCycle   Code = "dependency_cycle"
	CodeCascadedState     Code = "cascaded_state"
	CodeMaxIterations     Code = "max_iterations"
	CodeValidationTimeout Code = "validation_timeout"
	CodeApprovalTimeout   Code = "approval_timeout"

	// Lookup and concurrency errors
	CodeNotFound Code = "not_found"
	CodeConflict Code = "conflict"
	CodeTimeout  Code = "timeout"

	// Infrastructure errors
	CodeStoreUnavailable Code = "store_unavailable"
	CodeBusUnavailable   Code = "bus_unavailable"

	// Artifact errors
	CodeFileTooLarge  Code = "file_too_large"
	CodePathTraversal Code = "path_traversal"
	CodeBadArtifact   Code = "bad_artifact"
)

// Category groups error codes for HTTP status mapping and retry policy.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryForbidden
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeRegistrationRejected: CategoryBadRequest,
	CodeRegistrationTimeout:  CategoryTimeout,
	CodeNotAuthorized:        CategoryForbidden,
	CodeInvalidTransition:    CategoryBadRequest,
	CodeWIPExceeded:          CategoryConflict,
	CodePhaseGateRejected:    CategoryBadRequest,
	CodeDependencyCycle:      CategoryBadRequest,
	CodeCascadedState:        CategoryConflict,
	CodeMaxIterations:        CategoryInternal,
	CodeValidationTimeout:    CategoryTimeout,
	CodeApprovalTimeout:      CategoryTimeout,
	CodeNotFound:             CategoryNotFound,
	CodeConflict:             CategoryConflict,
	CodeTimeout:              CategoryTimeout,
	CodeStoreUnavailable:     CategoryUnavailable,
	CodeBusUnavailable:       CategoryUnavailable,
	CodeFileTooLarge:         CategoryBadRequest,
	CodePathTraversal:        CategoryBadRequest,
	CodeBadArtifact:          CategoryBadRequest,
}

// retryableCodes marks errors a caller may retry without changing the request.
var retryableCodes = map[Code]bool{
	CodeConflict:         true,
	CodeStoreUnavailable: true,
	CodeBusUnavailable:   true,
	CodeWIPExceeded:      true, // with force=true and sufficient authority
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryForbidden:
		return 403
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// Error is the structured error type for kestrel.
type Error struct {
	Code    Code           `json:"code"`
	What    string         `json:"what"`
	Why     string         `json:"why,omitempty"`
	Fix     string         `json:"fix,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// Retryable reports whether the caller may retry the failed operation.
func (e *Error) Retryable() bool {
	return retryableCodes[e.Code]
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause attached.
func (e *Error) WithCause(err error) *Error {
	clone := *e
	clone.Cause = err
	return &clone
}

// WithDetail returns a copy of the error with an extra detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	clone := *e
	clone.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

// MarshalJSON implements json.Marshaler, flattening the cause to a string.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// CodeOf extracts the code from an error, or "" if it is not an *Error.
func CodeOf(err error) Code {
	var ke *Error
	if As(err, &ke) {
		return ke.Code
	}
	return ""
}

// As walks the error chain looking for an *Error.
func As(err error, target **Error) bool {
	for err != nil {
		if ke, ok := err.(*Error); ok {
			*target = ke
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// --- Error constructors ---

// ErrRegistrationRejected returns an error for failed pre-validation.
func ErrRegistrationRejected(reason string) *Error {
	return &Error{
		Code: CodeRegistrationRejected,
		What: "agent registration rejected",
		Why:  reason,
		Fix:  "Fix the reported pre-validation failure and register again",
	}
}

// ErrRegistrationTimeout returns an error for a missed initial heartbeat.
func ErrRegistrationTimeout(agentID string) *Error {
	return &Error{
		Code: CodeRegistrationTimeout,
		What: fmt.Sprintf("agent %s never sent its initial heartbeat", agentID),
		Why:  "The registry entry was deleted after the registration timeout elapsed",
		Fix:  "Ensure the agent process starts heartbeating immediately after registration",
	}
}

// ErrNotAuthorized returns an error for insufficient authority.
func ErrNotAuthorized(what string) *Error {
	return &Error{
		Code: CodeNotAuthorized,
		What: what,
		Why:  "The caller's authority level is below the level this operation requires",
	}
}

// ErrInvalidTransition returns an error for a disallowed state move.
func ErrInvalidTransition(entity, from, to string) *Error {
	return &Error{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("%s cannot transition from %q to %q", entity, from, to),
		Why:  "The state machine does not allow this transition",
	}
}

// ErrWIPExceeded returns an error for a full board column.
func ErrWIPExceeded(column string, limit int) *Error {
	return &Error{
		Code: CodeWIPExceeded,
		What: fmt.Sprintf("column %q is at its WIP limit of %d", column, limit),
		Fix:  "Move a ticket out of the column first, or force the move with guardian authority",
	}
}

// ErrPhaseGateRejected returns an error listing unmet gate criteria.
func ErrPhaseGateRejected(phase string, missing, missingOutputs []string) *Error {
	return &Error{
		Code: CodePhaseGateRejected,
		What: fmt.Sprintf("phase gate for %q rejected the transition", phase),
		Why:  "One or more done definitions or required outputs are unsatisfied",
		Details: map[string]any{
			"missing":                  missing,
			"expected_outputs_missing": missingOutputs,
		},
	}
}

// ErrDependencyCycle returns an error for a cyclic dependency declaration.
func ErrDependencyCycle(taskID string) *Error {
	return &Error{
		Code: CodeDependencyCycle,
		What: fmt.Sprintf("task %s would create a dependency cycle", taskID),
		Why:  "Task dependencies must form a DAG",
	}
}

// ErrPhaseCycle returns an error for a cyclic phase transition graph.
func ErrPhaseCycle(phaseID string) *Error {
	return &Error{
		Code: CodeDependencyCycle,
		What: fmt.Sprintf("phase %s closes a transition cycle", phaseID),
		Why:  "Phase allowed_transitions must form a DAG",
		Fix:  "Route backward movement through discovery branching",
	}
}

// ErrNotFound returns an error for a missing entity.
func ErrNotFound(entity, id string) *Error {
	return &Error{
		Code: CodeNotFound,
		What: fmt.Sprintf("%s %s not found", entity, id),
	}
}

// ErrConflict returns an error for an optimistic-lock failure.
func ErrConflict(entity, id string) *Error {
	return &Error{
		Code: CodeConflict,
		What: fmt.Sprintf("%s %s was modified concurrently", entity, id),
		Fix:  "Reload the entity and retry",
	}
}

// ErrCascadedState returns an error for a revert blocked by downstream actions.
func ErrCascadedState(actionID string) *Error {
	return &Error{
		Code: CodeCascadedState,
		What: fmt.Sprintf("supervisor action %s cannot be reverted", actionID),
		Why:  "Downstream actions against the same target occurred after this one",
	}
}

// ErrMaxIterations returns an error for an exhausted validation loop.
func ErrMaxIterations(taskID string, max int) *Error {
	return &Error{
		Code: CodeMaxIterations,
		What: fmt.Sprintf("task %s failed validation %d times", taskID, max),
		Why:  "The iterate-until-done loop is bounded by max_iterations",
	}
}

// ErrStoreUnavailable returns an error for persistence failures.
func ErrStoreUnavailable(err error) *Error {
	return &Error{
		Code:  CodeStoreUnavailable,
		What:  "persistence store unavailable",
		Cause: err,
	}
}

// ErrBusUnavailable returns an error for event bus failures.
func ErrBusUnavailable(err error) *Error {
	return &Error{
		Code:  CodeBusUnavailable,
		What:  "event bus unavailable",
		Cause: err,
	}
}

// ErrFileTooLarge returns an error for an oversized artifact.
func ErrFileTooLarge(path string, size, max int64) *Error {
	return &Error{
		Code: CodeFileTooLarge,
		What: fmt.Sprintf("artifact %s is %d bytes, limit is %d", path, size, max),
	}
}

// ErrPathTraversal returns an error for a path containing '..' segments.
func ErrPathTraversal(path string) *Error {
	return &Error{
		Code: CodePathTraversal,
		What: fmt.Sprintf("artifact path %s contains traversal segments", path),
		Fix:  "Submit an absolute path without '..' segments",
	}
}

// ErrBadArtifact returns an error for an artifact that fails validation.
func ErrBadArtifact(path, reason string) *Error {
	return &Error{
		Code: CodeBadArtifact,
		What: fmt.Sprintf("artifact %s rejected", path),
		Why:  reason,
	}
}

// Wrap wraps a generic error with an unknown code.
func Wrap(err error, what string) *Error {
	return &Error{
		Code:  Code("unknown"),
		What:  what,
		Cause: err,
	}
}

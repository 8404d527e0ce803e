package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input or graph
	ErrCatExecution  ErrorCategory = "execution"  // Runtime failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatState      ErrorCategory = "state"      // State conflict
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatResource   ErrorCategory = "resource"   // Managed component lifecycle
	ErrCatContext    ErrorCategory = "context"    // Execution context unavailable
	ErrCatAdmission  ErrorCategory = "admission"  // Admission control
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Predefined error codes
const (
	CodeCircularDependency  = "CIRCULAR_DEPENDENCY"
	CodeContextUnavailable  = "CONTEXT_UNAVAILABLE"
	CodeAdmissionTimeout    = "ADMISSION_TIMEOUT"
	CodeComponentInitFailed = "COMPONENT_INIT_FAILED"
	CodeComponentStopFailed = "COMPONENT_STOP_FAILED"
	CodeDependencyUnmet     = "DEPENDENCY_UNMET"

	CodeNotFound         = "NOT_FOUND"
	CodeTimeout          = "TIMEOUT"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeDuplicateID      = "DUPLICATE_ID"
	CodeEmptyID          = "EMPTY_ID"
	CodeInvalidState     = "INVALID_STATE"
	CodeShutdownProgress = "SHUTDOWN_IN_PROGRESS"
)

// Sentinels for errors.Is matching. Only Category and Code are compared.
var (
	ErrCycle              = &DomainError{Category: ErrCatValidation, Code: CodeCircularDependency}
	ErrNoContext          = &DomainError{Category: ErrCatContext, Code: CodeContextUnavailable}
	ErrAdmissionTimedOut  = &DomainError{Category: ErrCatAdmission, Code: CodeAdmissionTimeout}
	ErrInitFailed         = &DomainError{Category: ErrCatResource, Code: CodeComponentInitFailed}
	ErrStopFailed         = &DomainError{Category: ErrCatResource, Code: CodeComponentStopFailed}
	ErrUnmetDependency    = &DomainError{Category: ErrCatValidation, Code: CodeDependencyUnmet}
	ErrMissing            = &DomainError{Category: ErrCatNotFound, Code: CodeNotFound}
	ErrDuplicate          = &DomainError{Category: ErrCatValidation, Code: CodeDuplicateID}
	ErrShutdownInProgress = &DomainError{Category: ErrCatState, Code: CodeShutdownProgress}
)

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeTimeout,
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeNotFound,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrCircularDependency reports a dependency cycle. The cycle starts and ends
// with the same node, e.g. [a b c a].
func ErrCircularDependency(cycle []string) *DomainError {
	msg := "dependency graph contains a cycle"
	if len(cycle) > 0 {
		msg = "circular dependency detected: " + strings.Join(cycle, " -> ")
	}
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      CodeCircularDependency,
		Message:   msg,
		Retryable: false,
		Details:   map[string]interface{}{"cycle": append([]string(nil), cycle...)},
	}
}

// ErrContextUnavailable reports that an execution context has no live loop.
func ErrContextUnavailable(contextID string, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatContext,
		Code:      CodeContextUnavailable,
		Message:   fmt.Sprintf("execution context %q is unavailable", contextID),
		Retryable: true,
		Cause:     cause,
		Details:   map[string]interface{}{"context_id": contextID},
	}
}

// ErrAdmissionTimeout reports that a requester could not obtain a slot in time.
func ErrAdmissionTimeout(requesterID string, waited time.Duration) *DomainError {
	return &DomainError{
		Category:  ErrCatAdmission,
		Code:      CodeAdmissionTimeout,
		Message:   fmt.Sprintf("requester %s waited %s without admission", requesterID, waited.Round(time.Millisecond)),
		Retryable: true,
		Details: map[string]interface{}{
			"requester_id": requesterID,
			"waited":       waited.String(),
		},
	}
}

// ErrComponentInitFailed reports a failed component start.
func ErrComponentInitFailed(componentID string, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatResource,
		Code:      CodeComponentInitFailed,
		Message:   fmt.Sprintf("component %s failed to initialize", componentID),
		Retryable: true,
		Cause:     cause,
		Details:   map[string]interface{}{"component_id": componentID},
	}
}

// ErrComponentStopFailed reports a failed component stop.
func ErrComponentStopFailed(componentID string, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatResource,
		Code:      CodeComponentStopFailed,
		Message:   fmt.Sprintf("component %s failed to stop", componentID),
		Retryable: false,
		Cause:     cause,
		Details:   map[string]interface{}{"component_id": componentID},
	}
}

// ErrDependencyUnmet reports that a required dependency is missing or unhealthy.
func ErrDependencyUnmet(id, dependency string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      CodeDependencyUnmet,
		Message:   fmt.Sprintf("%s requires %s, which is not available", id, dependency),
		Retryable: false,
		Details: map[string]interface{}{
			"id":         id,
			"dependency": dependency,
		},
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// CycleOf returns the cycle carried by a CircularDependency error, if any.
func CycleOf(err error) []string {
	var domErr *DomainError
	if !errors.As(err, &domErr) || domErr.Code != CodeCircularDependency {
		return nil
	}
	cycle, _ := domErr.Details["cycle"].([]string)
	return cycle
}

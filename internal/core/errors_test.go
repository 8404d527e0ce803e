package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := (&DomainError{
		Category: ErrCatValidation,
		Code:     "CODE",
		Message:  "message",
	}).WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}

	match := &DomainError{Category: ErrCatValidation, Code: "CODE"}
	if !errors.Is(err, match) {
		t.Fatalf("expected errors.Is to match category and code")
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := &DomainError{Category: ErrCatExecution, Code: "X", Message: "msg"}
	err.WithDetail("k", "v")
	if err.Details == nil || err.Details["k"] != "v" {
		t.Fatalf("expected details to be set")
	}
}

func TestErrorFactories(t *testing.T) {
	if ErrValidation("C", "m").Retryable {
		t.Fatalf("validation should not be retryable")
	}
	if !ErrExecution("C", "m").Retryable {
		t.Fatalf("execution should be retryable")
	}
	if !ErrTimeout("m").Retryable {
		t.Fatalf("timeout should be retryable")
	}
	if ErrState("C", "m").Retryable {
		t.Fatalf("state should not be retryable")
	}
	if ErrCircularDependency([]string{"a", "b", "a"}).Retryable {
		t.Fatalf("cycle should not be retryable")
	}
	if !ErrContextUnavailable("worker-1", nil).Retryable {
		t.Fatalf("context unavailable should be retryable")
	}
}

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"cycle", ErrCircularDependency([]string{"a", "a"}), ErrCycle},
		{"context", ErrContextUnavailable("bg", nil), ErrNoContext},
		{"admission", ErrAdmissionTimeout("agent", time.Second), ErrAdmissionTimedOut},
		{"init", ErrComponentInitFailed("state", errors.New("boom")), ErrInitFailed},
		{"stop", ErrComponentStopFailed("state", errors.New("boom")), ErrStopFailed},
		{"unmet", ErrDependencyUnmet("ctx", "queue"), ErrUnmetDependency},
		{"not found", ErrNotFound("operation", "op-1"), ErrMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(%v, sentinel) = false, want true", tt.err)
			}
		})
	}

	if errors.Is(ErrCircularDependency(nil), ErrNoContext) {
		t.Error("cycle error must not match context sentinel")
	}
}

func TestErrCircularDependency_Message(t *testing.T) {
	err := ErrCircularDependency([]string{"a", "b", "c", "a"})
	want := "[validation] CIRCULAR_DEPENDENCY: circular dependency detected: a -> b -> c -> a"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	cycle := CycleOf(fmt.Errorf("wrap: %w", err))
	if len(cycle) != 4 || cycle[0] != "a" || cycle[3] != "a" {
		t.Errorf("CycleOf() = %v, want [a b c a]", cycle)
	}
	if CycleOf(errors.New("plain")) != nil {
		t.Error("CycleOf(plain) should be nil")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrExecution("X", "m")) {
		t.Fatalf("expected retryable error")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("expected non-domain error to be non-retryable")
	}
}

func TestGetCategory(t *testing.T) {
	if GetCategory(ErrAdmissionTimeout("a", time.Second)) != ErrCatAdmission {
		t.Fatalf("expected admission category")
	}
	if GetCategory(errors.New("plain")) != ErrCatInternal {
		t.Fatalf("expected internal category for non-domain error")
	}
	if !IsCategory(ErrComponentInitFailed("x", nil), ErrCatResource) {
		t.Fatalf("expected category match")
	}
}

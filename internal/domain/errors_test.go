package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDomainErrorBasics(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewValidationError("invalid payload provided", cause)

	if err.Category != CategoryValidation {
		t.Errorf("Expected category %v, got %v", CategoryValidation, err.Category)
	}

	if err.Severity != SeverityError {
		t.Errorf("Expected severity %v, got %v", SeverityError, err.Severity)
	}

	if err.Code != "VALIDATION_INVALID" {
		t.Errorf("Expected code VALIDATION_INVALID, got %s", err.Code)
	}

	if !err.UserFacing {
		t.Error("Expected validation error to be user facing")
	}

	if err.Retryable {
		t.Error("Expected validation error to not be retryable")
	}

	if err.Unwrap() != cause {
		t.Error("Expected cause to be unwrapped correctly")
	}
}

func TestErrorWithContext(t *testing.T) {
	err := NewTransientError("collaborator unavailable", nil).
		WithPipelineID("pipe-123").
		WithStage("quality_check").
		WithOperation("analyze").
		WithContext("attempt", 2)

	if err.Context.PipelineID != "pipe-123" {
		t.Errorf("Expected pipeline ID pipe-123, got %s", err.Context.PipelineID)
	}

	if err.Context.Stage != "quality_check" {
		t.Errorf("Expected stage quality_check, got %s", err.Context.Stage)
	}

	if err.Context.Operation != "analyze" {
		t.Errorf("Expected operation analyze, got %s", err.Context.Operation)
	}

	if err.Context.Details["attempt"] != 2 {
		t.Error("Expected attempt in context details")
	}
}

func TestErrorCategorization(t *testing.T) {
	testCases := []struct {
		name               string
		constructor        func(string, error, ...ErrorOption) *DomainError
		expectedCategory   ErrorCategory
		expectedRetryable  bool
		expectedUserFacing bool
	}{
		{"validation", NewValidationError, CategoryValidation, false, true},
		{"transient", NewTransientError, CategoryTransient, true, false},
		{"fatal", NewFatalError, CategoryFatal, false, false},
		{"timeout", NewTimeoutError, CategoryTimeout, true, false},
		{"resource", NewResourceError, CategoryResource, true, false},
		{"configuration", NewConfigurationError, CategoryConfiguration, false, true},
		{"state", NewStateError, CategoryState, false, false},
		{"not_found", NewNotFoundError, CategoryNotFound, false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor("test message", nil)

			if err.Category != tc.expectedCategory {
				t.Errorf("Expected category %v, got %v", tc.expectedCategory, err.Category)
			}
			if err.Retryable != tc.expectedRetryable {
				t.Errorf("Expected retryable %v, got %v", tc.expectedRetryable, err.Retryable)
			}
			if err.UserFacing != tc.expectedUserFacing {
				t.Errorf("Expected user facing %v, got %v", tc.expectedUserFacing, err.UserFacing)
			}
		})
	}
}

func TestPolicyDenial(t *testing.T) {
	err := NewPolicyDenial(DenialPolicyCeiling, "cpu request above ceiling", WithComponent("governor"))

	if !IsPolicyDenial(err) {
		t.Error("Expected policy denial")
	}
	if IsRetryableError(err) {
		t.Error("Policy denials must not be retried automatically")
	}
	if GetDenialReason(err) != DenialPolicyCeiling {
		t.Errorf("Expected reason %s, got %s", DenialPolicyCeiling, GetDenialReason(err))
	}
	if err.Code != "POLICY_DENIED" {
		t.Errorf("Expected code POLICY_DENIED, got %s", err.Code)
	}

	wrapped := fmt.Errorf("admission: %w", err)
	if GetDenialReason(wrapped) != DenialPolicyCeiling {
		t.Error("Expected denial reason to survive wrapping")
	}
}

func TestErrorIsMatchesCategory(t *testing.T) {
	err := NewStateError("pipeline p1 is completed", ErrTerminalState)

	if !errors.Is(err, ErrTerminalState) {
		t.Error("Expected errors.Is to reach the sentinel cause")
	}
	if !errors.Is(err, &DomainError{Category: CategoryState}) {
		t.Error("Expected errors.Is to match a category template")
	}
	if errors.Is(err, &DomainError{Category: CategoryValidation}) {
		t.Error("Expected category mismatch")
	}
	if !IsTerminalState(err) {
		t.Error("Expected IsTerminalState to be true")
	}
}

func TestIsRetryableFallbacks(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":            {nil, false},
		"timeout sent":   {ErrTimeout, true},
		"circuit open":   {fmt.Errorf("call: %w", ErrCircuitOpen), true},
		"message hint":   {errors.New("service temporarily unavailable"), true},
		"plain":          {errors.New("boom"), false},
		"domain nonretr": {NewFatalError("bad", nil), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := IsRetryableError(tc.err); got != tc.want {
				t.Errorf("IsRetryableError() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := NewTransientError("analysis service unavailable", errors.New("dial refused"), WithComponent("insight_manager"))
	msg := err.Error()

	for _, part := range []string{"transient:insight_manager", "TRANSIENT_UNAVAILABLE", "dial refused"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Expected %q in %q", part, msg)
		}
	}
}

func TestPanicError(t *testing.T) {
	err := NewPanicError("quality_manager", "nil map write")

	if err.Category != CategoryFatal {
		t.Errorf("Expected fatal category, got %v", err.Category)
	}
	if err.Code != "FATAL_PANIC" {
		t.Errorf("Expected FATAL_PANIC, got %s", err.Code)
	}
	if _, ok := err.Context.Details["stack"]; !ok {
		t.Error("Expected stack in details")
	}
}

func TestErrorLogAttrs(t *testing.T) {
	err := NewPolicyDenial(DenialMaintenance, "maintenance window", WithPipelineID("p1"))
	attrs := ErrorLogAttrs(err)

	found := map[string]bool{}
	for i := 0; i+1 < len(attrs); i += 2 {
		found[attrs[i].(string)] = true
	}
	for _, key := range []string{"error", "error_category", "pipeline_id", "denial_reason"} {
		if !found[key] {
			t.Errorf("Expected %s attribute", key)
		}
	}
	if ErrorLogAttrs(nil) != nil {
		t.Error("Expected nil attrs for nil error")
	}
}
